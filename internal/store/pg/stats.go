// Package pg implements the managed-mode Postgres stats backend.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/kea-bot/kea/internal/store"
)

// OpenDB opens and verifies a Postgres connection.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// PGStatsStore implements store.StatsStore backed by Postgres.
type PGStatsStore struct {
	db *sql.DB
}

var _ store.StatsStore = (*PGStatsStore)(nil)

func NewPGStatsStore(db *sql.DB) *PGStatsStore {
	return &PGStatsStore{db: db}
}

func (s *PGStatsStore) Save(ctx context.Context, snap store.Snapshot) error {
	id := snap.ID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	takenAt := snap.TakenAt
	if takenAt.IsZero() {
		takenAt = time.Now()
	}

	runsJSON := marshalCounts(snap.FunctionRuns)
	errsJSON := marshalCounts(snap.FunctionErrors)

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO stats_snapshots
			(id, taken_at, messages_processed, function_runs, function_errors,
			 rate_limited_hits, top_rate_limited, lock_contention)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, takenAt, snap.MessagesProcessed, runsJSON, errsJSON,
		snap.RateLimitedHits, pq.Array(snap.TopRateLimited), snap.LockContention,
	); err != nil {
		return fmt.Errorf("stats: insert snapshot: %w", err)
	}
	return nil
}

func (s *PGStatsStore) Latest(ctx context.Context) (*store.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, taken_at, messages_processed, function_runs, function_errors,
		        rate_limited_hits, top_rate_limited, lock_contention
		 FROM stats_snapshots ORDER BY taken_at DESC LIMIT 1`)

	var snap store.Snapshot
	var runsJSON, errsJSON []byte
	err := row.Scan(&snap.ID, &snap.TakenAt, &snap.MessagesProcessed, &runsJSON, &errsJSON,
		&snap.RateLimitedHits, pq.Array(&snap.TopRateLimited), &snap.LockContention)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stats: query latest: %w", err)
	}

	if len(runsJSON) > 0 {
		_ = json.Unmarshal(runsJSON, &snap.FunctionRuns)
	}
	if len(errsJSON) > 0 {
		_ = json.Unmarshal(errsJSON, &snap.FunctionErrors)
	}
	return &snap, nil
}

func (s *PGStatsStore) Close() error { return s.db.Close() }

// marshalCounts keeps jsonb columns as objects rather than SQL-visible nulls.
func marshalCounts(m map[string]int64) []byte {
	if len(m) == 0 {
		return []byte("{}")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}
