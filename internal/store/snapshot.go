package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Scheduler persists a snapshot whenever a cron schedule fires.
type Scheduler struct {
	schedule string
	source   func() Snapshot
	store    StatsStore
	gron     gronx.Gronx

	interval time.Duration
	lastRun  time.Time
}

// NewScheduler validates the cron expression and returns a scheduler that
// saves source() to st on each firing.
func NewScheduler(schedule string, source func() Snapshot, st StatsStore) (*Scheduler, error) {
	g := gronx.New()
	if !g.IsValid(schedule) {
		return nil, fmt.Errorf("stats: invalid snapshot schedule %q", schedule)
	}
	return &Scheduler{
		schedule: schedule,
		source:   source,
		store:    st,
		gron:     g,
		interval: time.Minute,
	}, nil
}

// Run blocks until ctx is canceled, checking the schedule once per minute.
// A matching minute fires at most once.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			minute := t.Truncate(time.Minute)
			if minute.Equal(s.lastRun) {
				continue
			}
			due, err := s.gron.IsDue(s.schedule, t)
			if err != nil {
				slog.Warn("stats: schedule check failed", "schedule", s.schedule, "error", err)
				continue
			}
			if !due {
				continue
			}
			s.lastRun = minute

			snap := s.source()
			if snap.TakenAt.IsZero() {
				snap.TakenAt = t
			}
			if err := s.store.Save(ctx, snap); err != nil {
				slog.Warn("stats: snapshot save failed", "error", err)
				continue
			}
			slog.Debug("stats: snapshot saved", "taken_at", snap.TakenAt)
		}
	}
}
