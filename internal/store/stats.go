// Package store persists usage statistics. Standalone installs write a
// JSON snapshot file; managed installs share a Postgres database.
package store

import (
	"context"
	"time"
)

// Snapshot is one persisted frame of the running totals.
type Snapshot struct {
	ID                string           `json:"id"`
	TakenAt           time.Time        `json:"taken_at"`
	MessagesProcessed int64            `json:"messages_processed"`
	FunctionRuns      map[string]int64 `json:"function_runs,omitempty"`
	FunctionErrors    map[string]int64 `json:"function_errors,omitempty"`
	RateLimitedHits   int64            `json:"rate_limited_hits"`
	TopRateLimited    []string         `json:"top_rate_limited,omitempty"` // user ids, most-limited first
	LockContention    int64            `json:"lock_contention"`
}

// StatsStore persists snapshots.
type StatsStore interface {
	Save(ctx context.Context, snap Snapshot) error
	Latest(ctx context.Context) (*Snapshot, error)
	Close() error
}
