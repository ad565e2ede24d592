// Package ratelimit implements a points-based rolling-window rate limiter.
//
// Each key owns a budget of points per window. Operations consume a
// configurable cost; the check and the consumption are a single atomic
// step, so two concurrent calls can never both spend the last point.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// maxTrackedKeys caps the number of tracked keys to prevent memory
// exhaustion from rotating user IDs.
const maxTrackedKeys = 4096

// Decision is the outcome of a Consume call.
type Decision struct {
	Limited    bool          // true: nothing was consumed, caller must back off
	Remaining  float64       // points left in the current window
	RetryAfter time.Duration // time until the window resets
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds,
// never less than 1. This is the number shown to users in wait messages.
func (d Decision) RetryAfterSeconds() int {
	s := int(math.Ceil(d.RetryAfter.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

type entry struct {
	windowStart time.Time
	consumed    float64
}

// Limiter tracks per-key point consumption against a rolling window.
// Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry

	points float64
	window time.Duration

	now func() time.Time // test hook
}

// New creates a Limiter granting points per window for each key.
func New(points float64, window time.Duration) *Limiter {
	return &Limiter{
		entries: make(map[string]*entry),
		points:  points,
		window:  window,
		now:     time.Now,
	}
}

// Consume attempts to spend cost points for key. When the remaining budget
// covers the cost, it is deducted and Limited is false; otherwise nothing
// is deducted and Limited is true. Remaining and RetryAfter describe the
// window state after the call either way.
func (l *Limiter) Consume(key string, cost float64) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if len(l.entries) >= maxTrackedKeys {
		l.prune(now)
	}

	e, ok := l.entries[key]
	if !ok || now.Sub(e.windowStart) >= l.window {
		e = &entry{windowStart: now}
		l.entries[key] = e
	}

	reset := e.windowStart.Add(l.window).Sub(now)
	remaining := l.points - e.consumed

	if cost > remaining {
		return Decision{Limited: true, Remaining: remaining, RetryAfter: reset}
	}

	e.consumed += cost
	return Decision{Limited: false, Remaining: remaining - cost, RetryAfter: reset}
}

// prune drops expired entries, then hard-evicts arbitrary ones if the map
// is still at cap. Caller holds the mutex.
func (l *Limiter) prune(now time.Time) {
	for k, e := range l.entries {
		if now.Sub(e.windowStart) >= l.window {
			delete(l.entries, k)
		}
	}
	for len(l.entries) >= maxTrackedKeys {
		for k := range l.entries {
			delete(l.entries, k)
			break
		}
	}
}
