package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kea-bot/kea/internal/config"
)

// TestKnowledgeToolExecute verifies the short-answer round trip and the
// no-answer reply.
func TestKnowledgeToolExecute(t *testing.T) {
	var gotAppID, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAppID = r.URL.Query().Get("appid")
		gotQuery = r.URL.Query().Get("i")
		if strings.Contains(gotQuery, "meaning of life") {
			w.WriteHeader(http.StatusNotImplemented)
			w.Write([]byte("Wolfram|Alpha did not understand your input"))
			return
		}
		w.Write([]byte("about 643 kilometers\n"))
	}))
	defer srv.Close()

	tool := NewKnowledgeTool(config.KnowledgeConfig{BaseURL: srv.URL, AppID: "app-123"}, 1.5)

	t.Run("answer", func(t *testing.T) {
		res := tool.Execute(context.Background(), map[string]interface{}{
			"query": "distance from Auckland to Wellington",
		})
		if res.IsError {
			t.Fatalf("unexpected error: %s", res.Summary)
		}
		if gotAppID != "app-123" {
			t.Errorf("appid = %q", gotAppID)
		}
		if res.Payload["answer"] != "about 643 kilometers" {
			t.Errorf("answer = %v", res.Payload["answer"])
		}
	})

	t.Run("no short answer", func(t *testing.T) {
		res := tool.Execute(context.Background(), map[string]interface{}{
			"query": "meaning of life",
		})
		if !res.IsError {
			t.Fatal("want error result")
		}
		if !strings.Contains(res.Summary, "no short answer") {
			t.Errorf("summary = %q", res.Summary)
		}
	})

	t.Run("not configured", func(t *testing.T) {
		res := NewKnowledgeTool(config.KnowledgeConfig{}, 1.5).Execute(
			context.Background(), map[string]interface{}{"query": "anything"})
		if !res.IsError || !strings.Contains(res.Summary, "not configured") {
			t.Errorf("result = %+v", res)
		}
	})
}
