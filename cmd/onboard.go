package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/kea-bot/kea/internal/config"
	"github.com/kea-bot/kea/internal/providers"
	"github.com/kea-bot/kea/internal/store/pg"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard()
		},
	}
}

// runOnboard walks through first-run setup: completion endpoint, chat
// channels, and moderation. Secrets go to .env.local, everything else
// to config.json.
func runOnboard() {
	cfgPath := resolveConfigPath()

	cfg := config.Default()
	cfg.ApplyEnvOverrides()

	fmt.Println("Welcome to kea! Let's get the bot set up.")
	fmt.Println()

	var (
		apiKey        = cfg.Completion.APIKey
		baseURL       = cfg.Completion.BaseURL
		model         = cfg.Completion.Model
		discordToken  = cfg.Channels.Discord.Token
		telegramToken = cfg.Channels.Telegram.Token
		homeZone      = cfg.Bot.HomeTimezone
		allowedIDs    string
		confirmed     bool
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Completion API key").
				Description("Any OpenAI-compatible endpoint works (OpenAI, Groq, OpenRouter, local VLLM).").
				EchoMode(huh.EchoModePassword).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("an API key is required")
					}
					return nil
				}).
				Value(&apiKey),
			huh.NewInput().
				Title("Completion base URL").
				Value(&baseURL),
			huh.NewInput().
				Title("Model").
				Value(&model),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Discord bot token").
				Description("Leave blank to skip Discord.").
				EchoMode(huh.EchoModePassword).
				Value(&discordToken),
			huh.NewInput().
				Title("Telegram bot token").
				Description("Leave blank to skip Telegram.").
				EchoMode(huh.EchoModePassword).
				Value(&telegramToken),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Home timezone").
				Description("IANA zone the bot frames time answers in.").
				Value(&homeZone),
			huh.NewInput().
				Title("Allowed channel IDs").
				Description("Comma-separated. The bot only answers in these channels; DMs are always ignored.").
				Value(&allowedIDs),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save configuration?").
				Value(&confirmed),
		),
	)

	if err := form.Run(); err != nil {
		fmt.Printf("Setup aborted: %v\n", err)
		return
	}
	if !confirmed {
		fmt.Println("Setup canceled. Nothing written.")
		return
	}

	cfg.Completion.APIKey = strings.TrimSpace(apiKey)
	cfg.Completion.BaseURL = strings.TrimSpace(baseURL)
	cfg.Completion.Model = strings.TrimSpace(model)
	cfg.Channels.Discord.Token = strings.TrimSpace(discordToken)
	cfg.Channels.Discord.Enabled = cfg.Channels.Discord.Token != ""
	cfg.Channels.Telegram.Token = strings.TrimSpace(telegramToken)
	cfg.Channels.Telegram.Enabled = cfg.Channels.Telegram.Token != ""
	cfg.Bot.HomeTimezone = strings.TrimSpace(homeZone)
	cfg.Moderation.AllowedChannels = splitIDList(allowedIDs)

	fmt.Print("Verifying completion API key...")
	if verr := verifyCompletionKey(cfg); verr == nil {
		fmt.Println(" OK")
	} else {
		fmt.Printf(" WARNING (%s)\n", verr.message)
		fmt.Println("You can fix the key in .env.local later; continuing.")
	}

	// KEA_POSTGRES_DSN in the environment implies managed stats.
	if cfg.Stats.PostgresDSN != "" {
		cfg.Stats.Mode = "managed"
		if !setupManagedStats(cfg) {
			fmt.Println("Managed stats setup failed; falling back to the standalone stats file.")
			cfg.Stats.Mode = ""
		}
	}

	if err := saveCleanConfig(cfgPath, cfg); err != nil {
		fmt.Printf("Could not save config: %v\n", err)
		return
	}

	envPath := filepath.Join(filepath.Dir(cfgPath), ".env.local")
	if err := writeEnvLocal(envPath, cfg); err != nil {
		fmt.Printf("Could not write %s: %v\n", envPath, err)
		return
	}

	fmt.Println()
	fmt.Println("Setup complete.")
	fmt.Println()
	fmt.Printf("  Config:  %s\n", cfgPath)
	fmt.Printf("  Secrets: %s (keep out of version control)\n", envPath)
	fmt.Println()
	fmt.Println("Optional lookups: set KEA_WEATHER_API_KEY and KEA_WOLFRAM_APP_ID in")
	fmt.Println(".env.local to enable weather and knowledge answers.")
	fmt.Println()
	fmt.Println("Start the bot:")
	fmt.Println()
	fmt.Printf("  source %s && ./kea\n", envPath)
}

// canAutoOnboard returns true if a completion API key is present in the
// environment, indicating the user wants non-interactive configuration
// (e.g. Docker).
func canAutoOnboard() bool {
	return os.Getenv("KEA_COMPLETION_API_KEY") != "" || os.Getenv("KEA_OPENAI_API_KEY") != ""
}

// runAutoOnboard performs non-interactive setup from environment variables.
// Returns true on success, false on fatal error.
func runAutoOnboard(cfgPath string) bool {
	fmt.Println("Auto-onboard: environment variables detected, running non-interactive setup...")

	cfg := config.Default()
	cfg.ApplyEnvOverrides()

	if cfg.Completion.APIKey == "" {
		fmt.Println("Auto-onboard: no completion API key found in environment")
		return false
	}

	fmt.Printf("  Endpoint: %s (model: %s)\n", cfg.Completion.BaseURL, cfg.Completion.Model)

	fmt.Print("  Verifying completion API key...")
	if verr := verifyCompletionKey(cfg); verr == nil {
		fmt.Println(" OK")
	} else if verr.fatal {
		fmt.Println(" FAILED")
		fmt.Printf("  Error: %s\n", verr.message)
		return false
	} else {
		fmt.Printf(" WARNING (%s)\n", verr.message)
	}

	// KEA_POSTGRES_DSN implies managed mode even without KEA_STATS_MODE.
	if cfg.Stats.PostgresDSN != "" && cfg.Stats.Mode == "" {
		cfg.Stats.Mode = "managed"
	}
	if cfg.IsManagedMode() {
		if !setupManagedStats(cfg) {
			return false
		}
	}

	if err := saveCleanConfig(cfgPath, cfg); err != nil {
		fmt.Printf("  Warning: could not save config: %v\n", err)
	} else {
		fmt.Printf("  Config saved to %s\n", cfgPath)
	}

	fmt.Println("Auto-onboard complete.")
	return true
}

// setupManagedStats tests the Postgres connection and applies migrations.
// The connection is retried because the database container may still be
// starting when the bot comes up.
func setupManagedStats(cfg *config.Config) bool {
	fmt.Print("  Testing Postgres connection...")

	var pgErr error
	for attempt := 1; attempt <= 5; attempt++ {
		pgErr = testPostgresConnection(cfg.Stats.PostgresDSN)
		if pgErr == nil {
			break
		}
		if attempt < 5 {
			fmt.Printf(" retry %d/5...", attempt)
			time.Sleep(2 * time.Second)
		}
	}
	if pgErr != nil {
		fmt.Println(" FAILED")
		fmt.Printf("  Error: %v\n", pgErr)
		return false
	}
	fmt.Println(" OK")

	fmt.Print("  Running migrations...")
	m, err := newMigrator(cfg.Stats.PostgresDSN)
	if err != nil {
		fmt.Printf(" error: %v\n", err)
		fmt.Println("  Continuing without migration (run manually: kea migrate up)")
		return true
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		fmt.Printf(" error: %v\n", err)
		fmt.Println("  Continuing without migration (run manually: kea migrate up)")
		return true
	}
	v, _, _ := m.Version()
	fmt.Printf(" OK (version: %d)\n", v)
	return true
}

// testPostgresConnection verifies connectivity to Postgres with a 5s timeout.
func testPostgresConnection(dsn string) error {
	db, err := pg.OpenDB(dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// keyVerifyError is the result of a completion key probe.
type keyVerifyError struct {
	fatal   bool // true = bad credentials
	message string
}

func (e *keyVerifyError) Error() string { return e.message }

// verifyCompletionKey checks the configured key with a one-token
// completion call through the same client the bot uses, so base URL and
// auth headers are exercised exactly as at runtime. A 401/403 means the
// key is bad; anything else is transient and only worth a warning.
func verifyCompletionKey(cfg *config.Config) *keyVerifyError {
	client := providers.NewOpenAIClient(cfg.Completion.BaseURL, cfg.Completion.APIKey, cfg.Completion.Model)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, err := client.Complete(ctx, providers.ChatRequest{
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		MaxTokens: 1,
	})
	if err != nil {
		var httpErr *providers.HTTPError
		if errors.As(err, &httpErr) && (httpErr.Status == 401 || httpErr.Status == 403) {
			return &keyVerifyError{
				fatal:   true,
				message: fmt.Sprintf("completion endpoint returned %d, invalid API key", httpErr.Status),
			}
		}
		return &keyVerifyError{fatal: false, message: err.Error()}
	}
	return nil
}

// saveCleanConfig writes a minimal config.json: only the sections a
// fresh install actually uses, secrets stripped. The file doubles as
// documentation, so noise stays out.
func saveCleanConfig(cfgPath string, cfg *config.Config) error {
	root := map[string]interface{}{
		"bot": map[string]interface{}{
			"home_timezone": cfg.Bot.HomeTimezone,
		},
		"completion": map[string]interface{}{
			"base_url": cfg.Completion.BaseURL,
			"model":    cfg.Completion.Model,
		},
		"moderation": map[string]interface{}{
			"ignore_prefix":    cfg.Moderation.IgnorePrefix,
			"allowed_channels": cfg.Moderation.AllowedChannels,
		},
		"gateway": map[string]interface{}{
			"host": cfg.Gateway.Host,
			"port": cfg.Gateway.Port,
		},
	}

	chans := make(map[string]interface{})
	if cfg.Channels.Discord.Enabled {
		chans["discord"] = map[string]interface{}{"enabled": true}
	}
	if cfg.Channels.Telegram.Enabled {
		chans["telegram"] = map[string]interface{}{"enabled": true}
	}
	if len(chans) > 0 {
		root["channels"] = chans
	}

	if cfg.Stats.Mode != "" {
		root["stats"] = map[string]interface{}{
			"mode": cfg.Stats.Mode,
		}
	}

	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(cfgPath, data, 0600)
}

// splitIDList parses a comma-separated ID list, dropping blanks.
func splitIDList(s string) config.FlexibleStringSlice {
	parts := strings.Split(s, ",")
	out := make(config.FlexibleStringSlice, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// writeEnvLocal writes the secrets the wizard collected as shell export
// lines. config.Save strips secret fields, so this file is the only
// place they land.
func writeEnvLocal(path string, cfg *config.Config) error {
	var b strings.Builder
	b.WriteString("# kea secrets. Source this file before starting the bot.\n")
	writeExport := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&b, "export %s=%q\n", key, value)
		}
	}
	writeExport("KEA_COMPLETION_API_KEY", cfg.Completion.APIKey)
	writeExport("KEA_DISCORD_TOKEN", cfg.Channels.Discord.Token)
	writeExport("KEA_TELEGRAM_TOKEN", cfg.Channels.Telegram.Token)

	return os.WriteFile(path, []byte(b.String()), 0600)
}
