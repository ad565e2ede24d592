package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kea-bot/kea/internal/ratelimit"
	"github.com/kea-bot/kea/internal/telemetry"
	"github.com/kea-bot/kea/internal/tools"
)

func testExecutor(toolset ...tools.Tool) (*Executor, *ratelimit.Limiter, *ratelimit.Limiter, *telemetry.Metrics) {
	reg := tools.NewRegistry()
	for _, tl := range toolset {
		reg.Register(tl)
	}
	general := ratelimit.New(30, 30*time.Second)
	generation := ratelimit.New(3, time.Minute)
	metrics := telemetry.New(prometheus.NewRegistry())
	return NewExecutor(reg, general, generation, metrics), general, generation, metrics
}

// TestExecuteSuccess runs a capability and surfaces the loading phrase
// before the collaborator call.
func TestExecuteSuccess(t *testing.T) {
	weather := weatherStub()
	e, general, _, metrics := testExecutor(weather)

	var loading string
	exec, err := e.Execute(context.Background(), "user-1", &FunctionCall{
		Name: "get_weather",
		Args: map[string]interface{}{"location": "Auckland"},
	}, func(text string) { loading = text })
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if loading != "Checking the weather..." {
		t.Errorf("loading = %q", loading)
	}
	if exec.Tool != weather || exec.Result == nil {
		t.Fatalf("execution = %+v", exec)
	}
	if exec.Started.IsZero() {
		t.Error("Started timestamp should be recorded")
	}

	if d := general.Consume("user-1", 29); d.Limited {
		t.Error("weather cost should leave 29 points in the general budget")
	}
	counts := metrics.Snapshot()
	if counts.APICalls["weather"] != 1 {
		t.Errorf("api calls = %v, want weather: 1", counts.APICalls)
	}
}

// TestExecuteUnknownFunction warns and reports a downstream error.
func TestExecuteUnknownFunction(t *testing.T) {
	e, _, _, _ := testExecutor()

	_, err := e.Execute(context.Background(), "user-1", &FunctionCall{Name: "summon_moa"}, nil)
	var ds *DownstreamError
	if !errors.As(err, &ds) {
		t.Fatalf("err = %v, want *DownstreamError", err)
	}
	if ds.Kind != "summon_moa" {
		t.Errorf("kind = %q, want the unknown name", ds.Kind)
	}
}

// TestExecuteRateLimits separates the two budgets: general for lookups,
// generation for images, never crossed.
func TestExecuteRateLimits(t *testing.T) {
	t.Run("general exhausted", func(t *testing.T) {
		weather := weatherStub()
		e, general, _, metrics := testExecutor(weather)
		general.Consume("user-1", 30)

		called := false
		_, err := e.Execute(context.Background(), "user-1", &FunctionCall{Name: "get_weather"}, func(string) { called = true })
		var limited *RateLimitedError
		if !errors.As(err, &limited) {
			t.Fatalf("err = %v, want *RateLimitedError", err)
		}
		if limited.Scope != "general" {
			t.Errorf("scope = %q", limited.Scope)
		}
		if limited.Seconds() < 1 {
			t.Errorf("Seconds() = %d, want at least 1", limited.Seconds())
		}
		if called {
			t.Error("loading phrase must not show for a limited run")
		}
		if weather.callCount() != 0 {
			t.Error("collaborator must not be called when limited")
		}
		if counts := metrics.Snapshot(); counts.RateLimited["user-1"] != 1 {
			t.Errorf("rate-limit tally = %v", counts.RateLimited)
		}
	})

	t.Run("image charges generation only", func(t *testing.T) {
		image := &stubTool{kind: tools.KindImage, name: "create_image", cost: 1, loading: "Painting...", result: tools.TextResult("done")}
		e, general, generation, _ := testExecutor(image)

		for i := 0; i < 3; i++ {
			if _, err := e.Execute(context.Background(), "user-1", &FunctionCall{Name: "create_image"}, nil); err != nil {
				t.Fatalf("run %d error = %v", i, err)
			}
		}
		if _, err := e.Execute(context.Background(), "user-1", &FunctionCall{Name: "create_image"}, nil); err == nil {
			t.Fatal("fourth image in a minute should be limited")
		}
		if d := general.Consume("user-1", 30); d.Limited {
			t.Error("image runs must not touch the general budget")
		}
		if d := generation.Consume("user-1", 1); !d.Limited {
			t.Error("generation budget should be exhausted")
		}
	})
}

// TestExecuteFailure wraps an error result and counts it.
func TestExecuteFailure(t *testing.T) {
	broken := &stubTool{
		kind:    tools.KindArena,
		name:    "arena_status",
		cost:    1,
		loading: "Checking the arena...",
		result:  tools.ErrorResult("arena lookup failed: connection refused"),
	}
	e, _, _, metrics := testExecutor(broken)

	_, err := e.Execute(context.Background(), "user-1", &FunctionCall{Name: "arena_status"}, nil)
	var ds *DownstreamError
	if !errors.As(err, &ds) {
		t.Fatalf("err = %v, want *DownstreamError", err)
	}
	if ds.Kind != "arena" {
		t.Errorf("kind = %q, want arena", ds.Kind)
	}
	if counts := metrics.Snapshot(); counts.APIErrors["arena"] != 1 {
		t.Errorf("error tally = %v, want arena: 1", counts.APIErrors)
	}
}
