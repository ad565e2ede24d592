package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// GateSkip reports why the gate declined a message. Gated messages are a
// deliberate no-op: no reply, no lock, no rate-limit charge.
type GateSkip struct {
	Reason string
}

func (e *GateSkip) Error() string {
	return "gate: " + e.Reason
}

// ErrLockContention marks a message dropped because its channel already
// had a run in flight. Dropped, never queued.
var ErrLockContention = errors.New("channel busy")

// RateLimitedError carries the wait hint shown to the user.
type RateLimitedError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s scope, retry in %s", e.Scope, e.RetryAfter)
}

// Seconds is the rounded-up wait used in user-facing wait messages.
func (e *RateLimitedError) Seconds() int {
	secs := int(e.RetryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// DownstreamError wraps a failed completion or collaborator call. The
// wrapped error is for logs only and never shown to the user.
type DownstreamError struct {
	Kind string
	Err  error
}

func (e *DownstreamError) Error() string {
	return fmt.Sprintf("%s call failed: %v", e.Kind, e.Err)
}

func (e *DownstreamError) Unwrap() error {
	return e.Err
}

// ErrSynthesisTimeout marks the synthesis completion racing out. Treated
// exactly like any other downstream failure: the fallback renders.
var ErrSynthesisTimeout = errors.New("synthesis timed out")

// ErrDispatchTimeout marks the dispatch completion racing out.
var ErrDispatchTimeout = errors.New("dispatch timed out")
