// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounce = 500 * time.Millisecond

// watchedFiles are the files LoadDir reads; edits to anything else in the
// directory are ignored.
var watchedFiles = map[string]bool{
	"base.yaml":      true,
	"blocklist.yaml": true,
	"redirect.yaml":  true,
}

// Watcher monitors a config directory and reloads it after the files LoadDir
// reads change. Bursts of events are debounced into one reload.
type Watcher struct {
	dir      string
	onChange func(*Config, string)
	logger   *zap.Logger

	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a config directory watcher.
// onChange is called with the merged config and the name of the changed file.
func NewWatcher(dir string, onChange func(*Config, string), logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		dir:      dir,
		onChange: onChange,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching the config directory for changes.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw

	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return err
	}

	go w.loop(ctx)
	w.logger.Info("config watcher started", zap.String("dir", w.dir))
	return nil
}

// Stop shuts down the watcher. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

// Reload reloads the directory immediately, as if trigger had changed.
func (w *Watcher) Reload(trigger string) {
	w.reload(trigger)
}

func (w *Watcher) loop(ctx context.Context) {
	var timer *time.Timer
	var lastFile string
	var fileMu sync.Mutex

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
	}

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if !watchedFiles[name] {
				continue
			}
			// Editors often replace files by rename, which surfaces as Create.
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			fileMu.Lock()
			lastFile = name
			fileMu.Unlock()
			w.logger.Debug("config file changed", zap.String("file", name))

			stopTimer()
			timer = time.AfterFunc(debounce, func() {
				fileMu.Lock()
				f := lastFile
				fileMu.Unlock()
				w.reload(f)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-ctx.Done():
			stopTimer()
			return

		case <-w.stopCh:
			stopTimer()
			return
		}
	}
}

func (w *Watcher) reload(changedFile string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cfg, err := LoadDir(w.dir)
	if err != nil {
		// The running configuration stays in effect.
		w.logger.Error("config reload failed", zap.String("file", changedFile), zap.Error(err))
		return
	}

	w.logger.Info("config reloaded", zap.String("trigger", changedFile))
	w.onChange(cfg, changedFile)
}
