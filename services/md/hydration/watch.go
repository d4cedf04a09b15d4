// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hydration

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchHandler is called once for every SDF file that has settled.
type WatchHandler func(ctx context.Context, path string)

// WatchOptions configures Watch.
type WatchOptions struct {
	// Settle is how long a file must go without writes before it is handed
	// to the handler. Default: 500ms.
	Settle time.Duration

	// IncludeExisting hands SDF files already in the directory to the
	// handler before watching starts.
	IncludeExisting bool
}

// Watch calls handler for each *.sdf file written into dir until ctx is
// done.
//
// # Description
//
// Create and write events are debounced per path so a file copied in over
// several writes is processed once, after it settles. A file rewritten
// later is processed again. The handler runs on the watch goroutine, one
// file at a time.
//
// # Outputs
//
//   - error: nil when ctx ends, or a watcher setup error.
func Watch(ctx context.Context, dir string, opts WatchOptions, handler WatchHandler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Settle <= 0 {
		opts.Settle = 500 * time.Millisecond
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	logger.Info("Watching for molecules", "dir", dir)

	if opts.IncludeExisting {
		existing, _ := filepath.Glob(filepath.Join(dir, "*.sdf"))
		sort.Strings(existing)
		for _, p := range existing {
			if ctx.Err() != nil {
				return nil
			}
			handler(ctx, p)
		}
	}

	pending := make(map[string]time.Time)
	tick := time.NewTicker(opts.Settle / 4)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isSDF(ev.Name) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
				pending[ev.Name] = time.Now().Add(opts.Settle)
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				delete(pending, ev.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Watcher error", "dir", dir, "error", err)
		case now := <-tick.C:
			var ready []string
			for p, due := range pending {
				if !now.Before(due) {
					ready = append(ready, p)
				}
			}
			sort.Strings(ready)
			for _, p := range ready {
				delete(pending, p)
				if info, err := os.Stat(p); err != nil || info.Size() == 0 {
					continue
				}
				logger.Debug("Molecule file settled", "path", p)
				handler(ctx, p)
			}
		}
	}
}

func isSDF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".sdf")
}
