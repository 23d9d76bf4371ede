package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchFile reports changes to the file at path. The returned channel
// receives a value after every write, create or rename of the file; events
// arriving before the previous one was consumed are coalesced. The channel
// is closed when ctx is done.
//
// The directory is watched rather than the file so that editors and tools
// replacing the file by rename keep being observed.
func WatchFile(ctx context.Context, path string, logger *zap.Logger) (<-chan struct{}, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return nil, err
	}
	dir := filepath.Dir(abs)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch directory %q: %w", dir, err)
	}
	filename := filepath.Base(abs)

	changed := make(chan struct{}, 1)
	go func() {
		defer close(changed)
		defer w.Close()

		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filename {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				logger.Debug("config file event", zap.String("path", abs), zap.Stringer("op", event.Op))
				select {
				case changed <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("config watch error", zap.String("path", abs), zap.Error(err))
			case <-ctx.Done():
				return
			}
		}
	}()
	return changed, nil
}
