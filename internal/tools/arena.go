package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kea-bot/kea/internal/config"
)

const arenaTimeout = 10 * time.Second

// ArenaTool reports the community game server's status from its JSON
// status endpoint. The payload is passed through as-is so the model can
// speak to whatever fields the server publishes.
type ArenaTool struct {
	cfg    config.ArenaConfig
	cost   float64
	client *http.Client
}

func NewArenaTool(cfg config.ArenaConfig, cost float64) *ArenaTool {
	return &ArenaTool{
		cfg:    cfg,
		cost:   cost,
		client: &http.Client{Timeout: arenaTimeout},
	}
}

func (t *ArenaTool) Kind() Kind   { return KindArena }
func (t *ArenaTool) Name() string { return "arena_status" }

func (t *ArenaTool) Description() string {
	return "Check whether the community game server (the arena) is online and who is playing. Use for questions about the arena or the game server."
}

func (t *ArenaTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *ArenaTool) Cost() float64       { return t.cost }
func (t *ArenaTool) LoadingText() string { return "Checking the arena..." }

func (t *ArenaTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.cfg.StatusURL == "" {
		return ErrorResult("the arena status endpoint is not configured")
	}

	slog.Info("arena_status: polling status endpoint")

	req, err := http.NewRequestWithContext(ctx, "GET", t.cfg.StatusURL, nil)
	if err != nil {
		return ErrorResult(fmt.Sprintf("arena status failed: %v", err)).WithError(err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("arena status failed: %v", err)).WithError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return ErrorResult(fmt.Sprintf("arena status failed: %v", err)).WithError(err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("arena API error %d: %s", resp.StatusCode, truncateBytes(body, 200))
		return ErrorResult(err.Error()).WithError(err)
	}

	var status map[string]interface{}
	if err := json.Unmarshal(body, &status); err != nil {
		return ErrorResult(fmt.Sprintf("parse arena status: %v", err)).WithError(err)
	}

	return NewResult(status).WithSummary(arenaSummary(status))
}

// arenaSummary builds a one-liner from the status fields most servers
// publish, tolerating their absence.
func arenaSummary(status map[string]interface{}) string {
	online := "status unknown"
	if v, ok := status["online"].(bool); ok {
		if v {
			online = "online"
		} else {
			online = "offline"
		}
	}

	if players, ok := status["players"].(map[string]interface{}); ok {
		cur, curOK := players["online"].(float64)
		max, maxOK := players["max"].(float64)
		if curOK && maxOK {
			return fmt.Sprintf("arena %s, %.0f/%.0f players", online, cur, max)
		}
		if curOK {
			return fmt.Sprintf("arena %s, %.0f players", online, cur)
		}
	}
	return "arena " + online
}
