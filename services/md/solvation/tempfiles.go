// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package solvation

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"
)

// TempFiles tracks intermediate files that must not outlive a stage.
//
// Register a path with Add before creating it and defer Cleanup; every
// registered path is removed on any exit path, including panics.
type TempFiles struct {
	logger *slog.Logger

	mu    sync.Mutex
	paths []string
}

// NewTempFiles returns an empty tracker.
func NewTempFiles(logger *slog.Logger) *TempFiles {
	if logger == nil {
		logger = slog.Default()
	}
	return &TempFiles{logger: logger}
}

// Add registers path and returns it.
func (t *TempFiles) Add(path string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paths = append(t.paths, path)
	return path
}

// Paths returns the registered paths.
func (t *TempFiles) Paths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.paths...)
}

// Cleanup removes every registered file. Files that were never created are
// ignored; other failures are logged and the first is returned.
func (t *TempFiles) Cleanup() error {
	t.mu.Lock()
	paths := t.paths
	t.paths = nil
	t.mu.Unlock()

	var first error
	for _, p := range paths {
		err := os.Remove(p)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			continue
		}
		t.logger.Warn("Failed to remove temporary file", "path", p, "error", err)
		if first == nil {
			first = err
		}
	}
	return first
}
