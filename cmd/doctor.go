package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/kea-bot/kea/internal/config"
	"github.com/kea-bot/kea/pkg/statusapi"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("kea doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Credentials (from environment, masked)
	fmt.Println()
	fmt.Println("  Credentials:")
	checkSecret("Completion", cfg.Completion.APIKey)
	checkSecret("Weather", cfg.Lookups.Weather.APIKey)
	checkSecret("Wolfram", cfg.Lookups.Knowledge.AppID)
	checkSecret("Image", cfg.Lookups.Image.APIKey)

	// Channels
	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")

	// Moderation
	fmt.Println()
	fmt.Println("  Moderation:")
	fmt.Printf("    %-12s %d configured\n", "Allow list:", len(cfg.Moderation.AllowedChannels))
	if len(cfg.Moderation.AllowedChannels) == 0 {
		fmt.Println("    (empty allow list: the bot will not answer anywhere)")
	}
	fmt.Printf("    %-12s %d configured\n", "Block list:", len(cfg.Moderation.BlockedUsers))

	// Storage
	fmt.Println()
	fmt.Println("  Storage:")
	histPath := cfg.HistoryPath()
	fmt.Printf("    %-12s %s", "History:", histPath)
	if _, err := os.Stat(histPath); err != nil {
		fmt.Println(" (not created yet)")
	} else {
		fmt.Println(" (OK)")
	}
	if cfg.IsManagedMode() {
		fmt.Printf("    %-12s managed\n", "Stats:")
		checkStatsDB(cfg.Stats.PostgresDSN)
	} else {
		fmt.Printf("    %-12s %s\n", "Stats:", cfg.StatsFilePath())
	}

	// Running instance
	fmt.Println()
	fmt.Println("  Bot:")
	probeBot(cfg)

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkSecret(name, value string) {
	if value != "" {
		fmt.Printf("    %-12s %s\n", name+":", maskKey(value))
	} else {
		fmt.Printf("    %-12s (not configured)\n", name+":")
	}
}

func maskKey(apiKey string) string {
	if len(apiKey) < 12 {
		return strings.Repeat("*", len(apiKey))
	}
	return apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

// checkStatsDB pings Postgres and reads the migration version straight
// from the schema_migrations table golang-migrate maintains.
func checkStatsDB(dsn string) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-12s connected\n", "Status:")

	var version uint64
	var dirty bool
	err = db.QueryRow("SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty)
	switch {
	case err != nil:
		fmt.Printf("    %-12s none applied (run: kea migrate up)\n", "Schema:")
	case dirty:
		fmt.Printf("    %-12s v%d (DIRTY, run: kea migrate force %d)\n", "Schema:", version, version-1)
	default:
		fmt.Printf("    %-12s v%d\n", "Schema:", version)
	}
}

// probeBot asks a running instance for its health over the status API.
func probeBot(cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := statusapi.NewClient(fmt.Sprintf("http://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port))
	h, err := client.Health(ctx)
	if err != nil {
		fmt.Printf("    %-12s not running (%s:%d unreachable)\n", "Status:", cfg.Gateway.Host, cfg.Gateway.Port)
		return
	}
	fmt.Printf("    %-12s running (version %s)\n", "Status:", h.Version)

	st, err := client.Status(ctx)
	if err != nil {
		return
	}
	fmt.Printf("    %-12s %ds\n", "Uptime:", st.UptimeSec)
	for _, ch := range st.Channels {
		state := "up"
		if !ch.Running {
			state = "down"
		}
		fmt.Printf("    %-12s %s\n", ch.Name+":", state)
	}
}
