package config

import (
	"encoding/json"
	"fmt"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
// Channel and user IDs are numeric on Discord and Telegram, and people
// paste them into config.json without quotes all the time.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the kea bot.
type Config struct {
	Bot        BotConfig        `json:"bot"`
	Channels   ChannelsConfig   `json:"channels"`
	Completion CompletionConfig `json:"completion"`
	Moderation ModerationConfig `json:"moderation"`
	Limits     LimitsConfig     `json:"limits"`
	Lookups    LookupsConfig    `json:"lookups"`
	History    HistoryConfig    `json:"history"`
	Stats      StatsConfig      `json:"stats,omitempty"`
	Gateway    GatewayConfig    `json:"gateway"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
	Tailscale  TailscaleConfig  `json:"tailscale,omitempty"`
}

// BotConfig holds bot-wide behaviour settings.
type BotConfig struct {
	HomeTimezone string `json:"home_timezone"`       // IANA zone used to frame time answers (default "Pacific/Auckland")
	TempDir      string `json:"temp_dir,omitempty"`  // scratch dir for generated images (default os.TempDir)
}

// ChannelsConfig enables and configures chat transports.
type ChannelsConfig struct {
	Discord  DiscordConfig  `json:"discord"`
	Telegram TelegramConfig `json:"telegram"`
}

// DiscordConfig configures the Discord transport.
type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"-"` // from env KEA_DISCORD_TOKEN only
}

// TelegramConfig configures the Telegram transport.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"-"` // from env KEA_TELEGRAM_TOKEN only
}

// CompletionConfig configures the OpenAI-compatible completion endpoint.
// One endpoint serves every vendor; pick the provider by base URL + model.
type CompletionConfig struct {
	BaseURL             string  `json:"base_url"`              // default "https://api.openai.com/v1"
	APIKey              string  `json:"-"`                     // from env KEA_COMPLETION_API_KEY only
	Model               string  `json:"model"`                 // default "gpt-4o-mini"
	MaxTokens           int     `json:"max_tokens"`            // default 1024
	Temperature         float64 `json:"temperature"`           // default 0.7
	DispatchTimeoutSec  int     `json:"dispatch_timeout_sec"`  // capability-selection call budget (default 30)
	SynthesisTimeoutSec int     `json:"synthesis_timeout_sec"` // response-writing call budget (default 30)
}

// ModerationConfig holds the ingestion-gate settings.
// These fields are hot-reloadable: the watcher re-reads them on file change
// without restarting the bot.
type ModerationConfig struct {
	IgnorePrefix    string              `json:"ignore_prefix"`    // messages starting with this are ignored (default "!")
	AllowedChannels FlexibleStringSlice `json:"allowed_channels"` // empty = no channel may talk to the bot
	BlockedUsers    FlexibleStringSlice `json:"blocked_users"`    // author IDs rejected at the gate
}

// LimitConfig is one rate-limit budget: Points spendable per Window.
type LimitConfig struct {
	Points        float64 `json:"points"`
	WindowSeconds int     `json:"window_seconds"`
}

// LimitsConfig configures the two rate-limit scopes and per-capability costs.
// Generation (image) requests are charged only against the generation budget,
// never the general one.
type LimitsConfig struct {
	General    LimitConfig        `json:"general"`    // default 30 points / 30s
	Generation LimitConfig        `json:"generation"` // default 3 points / 60s
	Costs      map[string]float64 `json:"costs,omitempty"` // capability -> points, overlaid on built-in defaults
}

// WeatherConfig configures the weather lookup (weatherapi.com compatible).
type WeatherConfig struct {
	BaseURL      string `json:"base_url"`      // default "https://api.weatherapi.com/v1"
	APIKey       string `json:"-"`             // from env KEA_WEATHER_API_KEY only
	ForecastDays int    `json:"forecast_days"` // default 3
}

// KnowledgeConfig configures the short-answer knowledge lookup.
type KnowledgeConfig struct {
	BaseURL string `json:"base_url"` // default "https://api.wolframalpha.com/v1"
	AppID   string `json:"-"`        // from env KEA_WOLFRAM_APP_ID only
}

// ArenaConfig configures the game-server status lookup.
type ArenaConfig struct {
	StatusURL string `json:"status_url,omitempty"` // JSON status endpoint of the arena server
}

// ImageConfig configures image generation.
type ImageConfig struct {
	BaseURL      string `json:"base_url,omitempty"` // default: completion base URL
	APIKey       string `json:"-"`                  // from env KEA_IMAGE_API_KEY, falls back to completion key
	Model        string `json:"model"`              // default "gpt-image-1"
	Size         string `json:"size"`               // default "1024x1024"
	MaxDimension int    `json:"max_dimension"`      // downscale larger images before upload (default 2048)
}

// LookupsConfig groups the external lookup collaborators.
type LookupsConfig struct {
	Weather   WeatherConfig   `json:"weather"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Arena     ArenaConfig     `json:"arena"`
	Image     ImageConfig     `json:"image"`
}

// HistoryConfig configures the conversation history store.
type HistoryConfig struct {
	Path            string `json:"path"`             // sqlite file (default "~/.kea/history.db")
	ContextMessages int    `json:"context_messages"` // recent messages fed to dispatch (default 12)
	KeepPerChannel  int    `json:"keep_per_channel"` // rows retained per channel (default 200)
}

// StatsConfig configures usage-stats persistence.
// PostgresDSN is never read from config.json; it comes from env
// KEA_POSTGRES_DSN only.
type StatsConfig struct {
	Mode             string `json:"mode,omitempty"` // "standalone" (default, file) or "managed" (postgres)
	File             string `json:"file,omitempty"` // standalone stats file (default "~/.kea/stats.json")
	PostgresDSN      string `json:"-"`              // from env KEA_POSTGRES_DSN only
	SnapshotSchedule string `json:"snapshot_schedule,omitempty"` // cron expression (default "*/5 * * * *")
}

// IsManagedMode returns true when stats are persisted to Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Stats.Mode == "managed" && c.Stats.PostgresDSN != ""
}

// GatewayConfig configures the status/metrics HTTP server.
type GatewayConfig struct {
	Host string `json:"host"` // default "127.0.0.1"
	Port int    `json:"port"` // default 18980
}

// TelemetryConfig configures OpenTelemetry export for pipeline spans.
// When enabled, spans are exported to an OTLP-compatible backend
// (Jaeger, Tempo, Datadog, etc.).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext transport (local dev)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "kea")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (auth tokens for cloud backends)
}

// TailscaleConfig configures the optional tsnet listener for the status server.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname"`             // Tailscale machine name (e.g. "kea-status")
	StateDir  string `json:"state_dir,omitempty"`  // persistent state directory
	AuthKey   string `json:"-"`                    // from env KEA_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`  // remove node on exit
	EnableTLS bool   `json:"enable_tls,omitempty"` // ListenTLS for auto HTTPS certs
}

// defaultCosts are the built-in per-capability point costs against the
// general budget. Overridable via limits.costs.
var defaultCosts = map[string]float64{
	"chat":      1,
	"weather":   1,
	"forecast":  2,
	"time":      0.5,
	"knowledge": 1.5,
	"arena":     1,
	"version":   0.5,
	"image":     1, // charged against the generation budget, not the general one
}

// CostFor returns the configured point cost for a capability,
// falling back to the built-in defaults, then 1.
func (c *Config) CostFor(capability string) float64 {
	if v, ok := c.Limits.Costs[capability]; ok && v > 0 {
		return v
	}
	if v, ok := defaultCosts[capability]; ok {
		return v
	}
	return 1
}
