package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kea-bot/kea/internal/ratelimit"
	"github.com/kea-bot/kea/internal/telemetry"
	"github.com/kea-bot/kea/internal/tools"
)

// Execution is a successful capability run: what the synthesizer (or,
// for images, the final edit) needs.
type Execution struct {
	Tool    tools.Tool
	Result  *tools.Result
	Started time.Time // when the collaborator call began, shown in the footer
}

// Executor routes a dispatched function call to its capability. Each run
// pays the capability's cost before anything external happens: image
// generation against the generation budget, everything else against the
// general one.
type Executor struct {
	reg        *tools.Registry
	general    *ratelimit.Limiter
	generation *ratelimit.Limiter
	metrics    *telemetry.Metrics
}

func NewExecutor(reg *tools.Registry, general, generation *ratelimit.Limiter, metrics *telemetry.Metrics) *Executor {
	return &Executor{reg: reg, general: general, generation: generation, metrics: metrics}
}

// Execute runs the capability named by call. onStart is invoked with the
// capability's loading phrase after the rate check passes and before the
// collaborator call, so the user sees progress on slow lookups.
//
// Returns *RateLimitedError when the budget is exhausted and
// *DownstreamError when the capability fails or is unknown. There are no
// retries at this layer.
func (e *Executor) Execute(ctx context.Context, userID string, call *FunctionCall, onStart func(loadingText string)) (*Execution, error) {
	tool, ok := e.reg.Get(call.Name)
	if !ok {
		slog.Warn("executor: unknown function requested", "name", call.Name)
		return nil, &DownstreamError{Kind: call.Name, Err: fmt.Errorf("unknown function %q", call.Name)}
	}
	kind := string(tool.Kind())

	limiter, scope := e.general, "general"
	if tool.Kind() == tools.KindImage {
		limiter, scope = e.generation, "generation"
	}
	decision := limiter.Consume(userID, tool.Cost())
	if decision.Limited {
		e.metrics.TrackRateLimit(userID)
		slog.Info("executor: rate limited", "user", userID, "scope", scope, "kind", kind, "retry_after", decision.RetryAfter)
		return nil, &RateLimitedError{Scope: scope, RetryAfter: decision.RetryAfter}
	}

	if onStart != nil {
		onStart(tool.LoadingText())
	}

	started := time.Now()
	e.metrics.TrackAPICall(kind)
	res := tool.Execute(ctx, call.Args)
	if res == nil {
		res = tools.ErrorResult("capability returned nothing")
	}
	if res.IsError {
		e.metrics.TrackError(kind)
		err := res.Err
		if err == nil {
			err = errors.New(res.Summary)
		}
		slog.Warn("executor: capability failed", "kind", kind, "error", err)
		return nil, &DownstreamError{Kind: kind, Err: err}
	}

	slog.Info("executor: capability finished", "kind", kind, "elapsed", time.Since(started).Round(time.Millisecond))
	return &Execution{Tool: tool, Result: res, Started: started}, nil
}
