// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runstore

import (
	"context"
	"sync"

	"github.com/AleutianAI/AleutianMD/pkg/logging"
)

// DefaultLogBatch is the number of buffered entries that triggers a write.
const DefaultLogBatch = 64

// LogExporter persists a run's log entries into the store.
//
// Description:
//
//	Entries are buffered and written in batches of BatchSize, and on Flush.
//	Entries below MinLevel are dropped so per-step debug output stays out
//	of the store. Write errors are kept and returned by the next Flush.
//
// Thread Safety: Safe for concurrent use.
type LogExporter struct {
	store    *Store
	runID    string
	minLevel logging.Level
	batch    int

	mu      sync.Mutex
	pending []logging.LogEntry
	err     error
}

// NewLogExporter returns an exporter for runID that keeps Info and above.
func NewLogExporter(store *Store, runID string) *LogExporter {
	return &LogExporter{store: store, runID: runID, minLevel: logging.LevelInfo, batch: DefaultLogBatch}
}

// WithMinLevel changes the lowest stored level.
func (e *LogExporter) WithMinLevel(l logging.Level) *LogExporter {
	e.minLevel = l
	return e
}

// Export buffers entry and writes the buffer once it is full.
func (e *LogExporter) Export(ctx context.Context, entry logging.LogEntry) error {
	if entry.Level < e.minLevel {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, entry)
	if len(e.pending) < e.batch {
		return nil
	}
	return e.writeLocked(ctx)
}

// Flush writes buffered entries and reports any earlier write error.
func (e *LogExporter) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.writeLocked(ctx)
	if err == nil {
		err = e.err
	}
	e.err = nil
	return err
}

// Close is a no-op; the store is owned by the caller.
func (e *LogExporter) Close() error { return nil }

func (e *LogExporter) writeLocked(ctx context.Context) error {
	if len(e.pending) == 0 {
		return nil
	}
	err := e.store.AppendLogs(ctx, e.runID, e.pending)
	e.pending = e.pending[:0]
	if err != nil && e.err == nil {
		e.err = err
	}
	return err
}

var _ logging.LogExporter = (*LogExporter)(nil)
