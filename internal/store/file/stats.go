// Package file implements the standalone JSON-file stats backend.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kea-bot/kea/internal/store"
)

// maxSnapshots bounds the file to roughly a day of 5-minute frames.
const maxSnapshots = 288

// FileStatsStore implements store.StatsStore on a single JSON file.
type FileStatsStore struct {
	path string

	mu    sync.Mutex
	snaps []store.Snapshot
}

// statsFile is the on-disk shape.
type statsFile struct {
	Snapshots []store.Snapshot `json:"snapshots"`
}

// NewFileStatsStore loads (or starts) the stats file at path. An
// unparseable file is set aside as <path>.corrupt and a fresh one begun,
// so a bad shutdown can never wedge startup.
func NewFileStatsStore(path string) (*FileStatsStore, error) {
	s := &FileStatsStore{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stats: read file: %w", err)
	}

	var f statsFile
	if err := json.Unmarshal(data, &f); err != nil {
		corrupt := path + ".corrupt"
		if renameErr := os.Rename(path, corrupt); renameErr != nil {
			return nil, fmt.Errorf("stats: set aside corrupt file: %w", renameErr)
		}
		slog.Warn("stats: file unreadable, starting fresh", "path", path, "saved_as", corrupt, "error", err)
		return s, nil
	}

	s.snaps = f.Snapshots
	return s, nil
}

func (s *FileStatsStore) Save(ctx context.Context, snap store.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.ID == "" {
		snap.ID = uuid.Must(uuid.NewV7()).String()
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now()
	}

	s.snaps = append(s.snaps, snap)
	if len(s.snaps) > maxSnapshots {
		s.snaps = s.snaps[len(s.snaps)-maxSnapshots:]
	}

	return s.write()
}

func (s *FileStatsStore) Latest(ctx context.Context) (*store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.snaps) == 0 {
		return nil, nil
	}
	snap := s.snaps[len(s.snaps)-1]
	return &snap, nil
}

func (s *FileStatsStore) Close() error { return nil }

// write persists under the held lock.
func (s *FileStatsStore) write() error {
	data, err := json.MarshalIndent(statsFile{Snapshots: s.snaps}, "", "  ")
	if err != nil {
		return fmt.Errorf("stats: marshal: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("stats: create dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("stats: write file: %w", err)
	}
	return nil
}
