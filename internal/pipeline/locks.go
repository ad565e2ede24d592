package pipeline

import "sync"

// Locks is the per-channel mutual exclusion set. One pipeline run per
// channel at a time; a second message on a busy channel is dropped, not
// queued. The lock is not reentrant.
type Locks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocks() *Locks {
	return &Locks{held: make(map[string]struct{})}
}

// Acquire claims the channel. Returns false if it is already held.
func (l *Locks) Acquire(channelID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[channelID]; busy {
		return false
	}
	l.held[channelID] = struct{}{}
	return true
}

// Release frees the channel. Safe to call on an unheld channel.
func (l *Locks) Release(channelID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, channelID)
}

// Held reports whether the channel currently has a run in flight.
func (l *Locks) Held(channelID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, busy := l.held[channelID]
	return busy
}
