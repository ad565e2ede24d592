package tools

import (
	"context"
	"testing"
	"time"
)

// TestTimeToolExecute verifies home-zone defaulting and explicit zones.
func TestTimeToolExecute(t *testing.T) {
	tool := NewTimeTool("UTC", 0.5)
	tool.now = func() time.Time {
		return time.Date(2026, time.August, 25, 14, 30, 0, 0, time.UTC)
	}

	t.Run("defaults to home zone", func(t *testing.T) {
		res := tool.Execute(context.Background(), map[string]interface{}{})
		if res.IsError {
			t.Fatalf("unexpected error: %s", res.Summary)
		}
		if res.Payload["timezone"] != "UTC" {
			t.Errorf("timezone = %v", res.Payload["timezone"])
		}
		if res.Payload["local_time"] != "Tuesday, 25 August 2026 at 2:30 PM" {
			t.Errorf("local_time = %v", res.Payload["local_time"])
		}
		if res.Payload["utc_offset"] != "+00:00" {
			t.Errorf("utc_offset = %v", res.Payload["utc_offset"])
		}
	})

	t.Run("explicit zone", func(t *testing.T) {
		res := tool.Execute(context.Background(), map[string]interface{}{"timezone": "UTC"})
		if res.IsError {
			t.Fatalf("unexpected error: %s", res.Summary)
		}
		if res.Payload["unix"] != int64(1787668200) {
			t.Errorf("unix = %v", res.Payload["unix"])
		}
	})

	t.Run("unknown zone", func(t *testing.T) {
		res := tool.Execute(context.Background(), map[string]interface{}{"timezone": "Mars/Olympus"})
		if !res.IsError {
			t.Fatal("want error result")
		}
	})
}
