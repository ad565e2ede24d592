package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Bot: BotConfig{
			HomeTimezone: "Pacific/Auckland",
		},
		Completion: CompletionConfig{
			BaseURL:             "https://api.openai.com/v1",
			Model:               "gpt-4o-mini",
			MaxTokens:           1024,
			Temperature:         0.7,
			DispatchTimeoutSec:  30,
			SynthesisTimeoutSec: 30,
		},
		Moderation: ModerationConfig{
			IgnorePrefix: "!",
		},
		Limits: LimitsConfig{
			General:    LimitConfig{Points: 30, WindowSeconds: 30},
			Generation: LimitConfig{Points: 3, WindowSeconds: 60},
		},
		Lookups: LookupsConfig{
			Weather: WeatherConfig{
				BaseURL:      "https://api.weatherapi.com/v1",
				ForecastDays: 3,
			},
			Knowledge: KnowledgeConfig{
				BaseURL: "https://api.wolframalpha.com/v1",
			},
			Image: ImageConfig{
				Model:        "gpt-image-1",
				Size:         "1024x1024",
				MaxDimension: 2048,
			},
		},
		History: HistoryConfig{
			Path:            "~/.kea/history.db",
			ContextMessages: 12,
			KeepPerChannel:  200,
		},
		Stats: StatsConfig{
			File:             "~/.kea/stats.json",
			SnapshotSchedule: "*/5 * * * *",
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18980,
		},
	}
}

// Load reads config from a JSON file, then overlays env vars.
// A missing file is not an error: defaults plus env overrides apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// ApplyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) ApplyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Secrets (never persisted in config.json)
	envStr("KEA_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("KEA_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("KEA_COMPLETION_API_KEY", &c.Completion.APIKey)
	envStr("KEA_OPENAI_API_KEY", &c.Completion.APIKey) // common alias
	envStr("KEA_WEATHER_API_KEY", &c.Lookups.Weather.APIKey)
	envStr("KEA_WOLFRAM_APP_ID", &c.Lookups.Knowledge.AppID)
	envStr("KEA_IMAGE_API_KEY", &c.Lookups.Image.APIKey)
	envStr("KEA_POSTGRES_DSN", &c.Stats.PostgresDSN)
	envStr("KEA_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)

	// Auto-enable channels if credentials are provided via env
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}

	// Completion endpoint
	envStr("KEA_COMPLETION_BASE_URL", &c.Completion.BaseURL)
	envStr("KEA_MODEL", &c.Completion.Model)

	// Lookups
	envStr("KEA_ARENA_STATUS_URL", &c.Lookups.Arena.StatusURL)

	// Bot behaviour
	envStr("KEA_HOME_TIMEZONE", &c.Bot.HomeTimezone)

	// Storage
	envStr("KEA_HISTORY_PATH", &c.History.Path)
	envStr("KEA_STATS_FILE", &c.Stats.File)
	envStr("KEA_STATS_MODE", &c.Stats.Mode)

	// Status server host/port
	envStr("KEA_HOST", &c.Gateway.Host)
	if v := os.Getenv("KEA_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Telemetry
	envStr("KEA_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("KEA_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("KEA_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("KEA_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("KEA_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Tailscale (tsnet)
	envStr("KEA_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("KEA_TSNET_DIR", &c.Tailscale.StateDir)
}

// Save writes the config to a JSON file. Secret fields carry `json:"-"`
// tags, so they never persist.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// HistoryPath returns the expanded history database path.
func (c *Config) HistoryPath() string {
	return ExpandHome(c.History.Path)
}

// StatsFilePath returns the expanded standalone stats file path.
func (c *Config) StatsFilePath() string {
	return ExpandHome(c.Stats.File)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
