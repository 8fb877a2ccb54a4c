// Package watcher reloads the served dataset when the pipeline replaces it
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"air-quality-platform/pkg/logging"
)

// DefaultDebounce coalesces the burst of events produced by one save
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc loads the dataset at path
type ReloadFunc func(ctx context.Context, path string) error

// DatasetWatcher calls a ReloadFunc whenever the watched file is created,
// renamed into place or rewritten
type DatasetWatcher struct {
	path     string
	reload   ReloadFunc
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *logging.ContextLogger
}

// NewDatasetWatcher watches the directory containing path. The directory must exist.
func NewDatasetWatcher(path string, debounce time.Duration, reload ReloadFunc, logger *logging.StructuredLogger) (*DatasetWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &DatasetWatcher{
		path:     filepath.Clean(path),
		reload:   reload,
		debounce: debounce,
		watcher:  w,
		logger:   logger.WithFields(logging.Fields{"path": filepath.Clean(path)}),
	}, nil
}

// Run blocks until ctx is done or the watcher fails
func (d *DatasetWatcher) Run(ctx context.Context) error {
	defer d.watcher.Close()

	timer := time.NewTimer(d.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != d.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(d.debounce)

		case <-timer.C:
			if err := d.reload(ctx, d.path); err != nil {
				d.logger.Error(ctx, "[DATASET_RELOAD_ERROR] Failed to reload dataset", logging.Fields{}, err)
				continue
			}
			d.logger.Info(ctx, "[DATASET_RELOAD] Dataset reloaded", logging.Fields{})

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("dataset watcher failed: %w", err)
		}
	}
}
