package store

import (
	"context"
	"sync"
	"testing"
	"time"
)

type captureStore struct {
	mu    sync.Mutex
	saved []Snapshot
}

func (c *captureStore) Save(ctx context.Context, s Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved = append(c.saved, s)
	return nil
}

func (c *captureStore) Latest(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.saved) == 0 {
		return nil, nil
	}
	s := c.saved[len(c.saved)-1]
	return &s, nil
}

func (c *captureStore) Close() error { return nil }

func (c *captureStore) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.saved)
}

// TestSchedulerRunsOncePerMinute verifies a due minute fires exactly once
// even when checked on a fast interval.
func TestSchedulerRunsOncePerMinute(t *testing.T) {
	cs := &captureStore{}
	sched, err := NewScheduler("* * * * *", func() Snapshot {
		return Snapshot{MessagesProcessed: 7}
	}, cs)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sched.interval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	sched.Run(ctx)

	// One firing for the current minute; two if the run straddled a
	// minute boundary.
	got := cs.count()
	if got < 1 || got > 2 {
		t.Fatalf("saves = %d, want 1 or 2", got)
	}

	snap, _ := cs.Latest(context.Background())
	if snap.MessagesProcessed != 7 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.TakenAt.IsZero() {
		t.Error("TakenAt not stamped")
	}
}

// TestSchedulerNotDue verifies an out-of-window schedule never fires.
func TestSchedulerNotDue(t *testing.T) {
	cs := &captureStore{}
	// February 30th never arrives.
	sched, err := NewScheduler("0 0 30 2 *", func() Snapshot { return Snapshot{} }, cs)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sched.interval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	sched.Run(ctx)

	if got := cs.count(); got != 0 {
		t.Errorf("saves = %d, want 0", got)
	}
}

// TestSchedulerInvalidExpression verifies construction rejects bad cron.
func TestSchedulerInvalidExpression(t *testing.T) {
	if _, err := NewScheduler("not a cron", func() Snapshot { return Snapshot{} }, &captureStore{}); err == nil {
		t.Fatal("want error for invalid expression")
	}
}
