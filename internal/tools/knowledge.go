package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kea-bot/kea/internal/config"
)

const knowledgeTimeout = 20 * time.Second

// KnowledgeTool answers factual and computational questions via the
// WolframAlpha short-answer API. The API replies with a single plain-text
// line, or 501 when it has no short answer for the query.
type KnowledgeTool struct {
	cfg    config.KnowledgeConfig
	cost   float64
	client *http.Client
}

func NewKnowledgeTool(cfg config.KnowledgeConfig, cost float64) *KnowledgeTool {
	return &KnowledgeTool{
		cfg:    cfg,
		cost:   cost,
		client: &http.Client{Timeout: knowledgeTimeout},
	}
}

func (t *KnowledgeTool) Kind() Kind   { return KindKnowledge }
func (t *KnowledgeTool) Name() string { return "query_knowledge" }

func (t *KnowledgeTool) Description() string {
	return "Answer factual, mathematical, or unit-conversion questions with a short computed result. Use for questions with a single objective answer."
}

func (t *KnowledgeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "The question to compute, phrased in plain English (e.g. 'distance from Auckland to Wellington').",
			},
		},
		"required": []string{"query"},
	}
}

func (t *KnowledgeTool) Cost() float64       { return t.cost }
func (t *KnowledgeTool) LoadingText() string { return "Consulting the knowledge engine..." }

func (t *KnowledgeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	if query == "" {
		return ErrorResult("query is required")
	}
	if t.cfg.AppID == "" {
		return ErrorResult("knowledge lookups are not configured")
	}

	slog.Info("query_knowledge: asking short-answer API", "query", query)

	baseURL := t.cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.wolframalpha.com/v1"
	}
	q := url.Values{}
	q.Set("appid", t.cfg.AppID)
	q.Set("i", query)
	reqURL := strings.TrimRight(baseURL, "/") + "/result?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return ErrorResult(fmt.Sprintf("knowledge lookup failed: %v", err)).WithError(err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("knowledge lookup failed: %v", err)).WithError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ErrorResult(fmt.Sprintf("knowledge lookup failed: %v", err)).WithError(err)
	}

	// 501 means the engine parsed the query but has no single-line answer.
	if resp.StatusCode == http.StatusNotImplemented {
		return ErrorResult("the knowledge engine has no short answer for that")
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("knowledge API error %d: %s", resp.StatusCode, truncateBytes(body, 200))
		return ErrorResult(err.Error()).WithError(err)
	}

	answer := strings.TrimSpace(string(body))
	payload := map[string]interface{}{
		"query":  query,
		"answer": answer,
	}
	return NewResult(payload).WithSummary(answer)
}
