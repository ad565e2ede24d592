package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the bursts of fs events editors emit on save.
const reloadDebounce = 250 * time.Millisecond

// Watch blocks watching the config file and calls onChange with a freshly
// loaded Config after each change. A reload that fails to parse keeps the
// previous config and logs a warning. Returns when ctx is cancelled.
//
// The parent directory is watched rather than the file itself: most editors
// save via rename, which would silently detach a file-level watch.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	slog.Info("config: watching for changes", "path", path)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			pending = time.After(reloadDebounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config: watcher error", "error", err)

		case <-pending:
			pending = nil
			cfg, err := Load(path)
			if err != nil {
				slog.Warn("config: reload failed, keeping previous", "error", err)
				continue
			}
			slog.Info("config: reloaded", "path", path)
			onChange(cfg)
		}
	}
}
