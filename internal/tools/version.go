package tools

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// VersionTool reports the running bot build and how long it has been up.
type VersionTool struct {
	version string
	started time.Time
	cost    float64
}

func NewVersionTool(version string, cost float64) *VersionTool {
	if version == "" {
		version = "dev"
	}
	return &VersionTool{version: version, started: time.Now(), cost: cost}
}

func (t *VersionTool) Kind() Kind   { return KindVersion }
func (t *VersionTool) Name() string { return "bot_version" }

func (t *VersionTool) Description() string {
	return "Report which version of the bot is running and its uptime. Use when the user asks about the bot's version, build, or how long it has been running."
}

func (t *VersionTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *VersionTool) Cost() float64       { return t.cost }
func (t *VersionTool) LoadingText() string { return "Checking my build info..." }

func (t *VersionTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	uptime := time.Since(t.started).Round(time.Second)
	payload := map[string]interface{}{
		"version":    t.version,
		"go_version": runtime.Version(),
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
		"uptime":     uptime.String(),
	}
	return NewResult(payload).WithSummary(fmt.Sprintf("kea %s, up %s", t.version, uptime))
}
