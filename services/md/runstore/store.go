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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianMD/pkg/logging"
	"github.com/AleutianAI/AleutianMD/services/md/engine"
)

var (
	// ErrNotFound is returned when a run, stage or restart does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRunExists is returned by CreateRun for a duplicate ID.
	ErrRunExists = errors.New("run already exists")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("run store is closed")
)

// Status is the lifecycle status of a run or stage.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Run is one pipeline invocation.
type Run struct {
	ID        string    `json:"id"`
	Workflow  string    `json:"workflow"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Inputs names the input files by role ("protein", "ligand").
	Inputs map[string]string `json:"inputs,omitempty"`

	// Request is the serialized pipeline request, replayed by resume.
	Request json.RawMessage `json:"request,omitempty"`

	Prefix  string `json:"prefix"`
	WorkDir string `json:"work_dir"`

	// Plan lists the stage names in execution order.
	Plan []string `json:"plan,omitempty"`

	// Output is the final structure file of a completed run.
	Output string `json:"output,omitempty"`

	FailedStage string `json:"failed_stage,omitempty"`
	Error       string `json:"error,omitempty"`

	// Attempts counts executions, including resumes.
	Attempts int `json:"attempts"`
}

// StageRecord is the outcome of one stage of a run.
type StageRecord struct {
	RunID      string        `json:"run_id"`
	Index      int           `json:"index"`
	Name       string        `json:"name"`
	Ensemble   string        `json:"ensemble,omitempty"`
	Status     Status        `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
	Elapsed    time.Duration `json:"elapsed_ns"`

	// Output is the structure file written by the stage.
	Output     string `json:"output,omitempty"`
	Trajectory string `json:"trajectory,omitempty"`
	Log        string `json:"log,omitempty"`

	Atoms    int    `json:"atoms,omitempty"`
	Steps    int    `json:"steps,omitempty"`
	Platform string `json:"platform,omitempty"`

	InitialEnergy float64 `json:"initial_energy_kj,omitempty"`
	FinalEnergy   float64 `json:"final_energy_kj,omitempty"`

	// HasRestart is set when a restart state was stored for the stage.
	HasRestart bool `json:"has_restart,omitempty"`

	Error string `json:"error,omitempty"`
}

// Store is the run store.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db     *badger.DB
	gc     *gcRunner
	logger *slog.Logger
	seq    atomic.Uint64
	closed atomic.Bool
}

// Open opens (or creates) the store described by cfg.
func Open(cfg Config) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = startGC(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
	}
	return s, nil
}

// Close stops GC and closes the database. Later calls are no-ops.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

func runKey(id string) []byte            { return []byte("run/" + id) }
func stagePrefix(id string) []byte       { return []byte("stage/" + id + "/") }
func restartPrefix(id string) []byte     { return []byte("restart/" + id + "/") }
func logPrefix(id string) []byte         { return []byte("log/" + id + "/") }
func restartKey(id, stage string) []byte { return []byte("restart/" + id + "/" + stage) }

func stageKey(id string, index int) []byte {
	return []byte(fmt.Sprintf("stage/%s/%03d", id, index))
}

func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// scan calls fn with the value of every key under prefix, in key order.
func scan(txn *badger.Txn, prefix []byte, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

// CreateRun stores a new run. An empty ID is filled with a UUID; the status
// defaults to pending.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	if run == nil {
		return errors.New("nil run")
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	run.CreatedAt, run.UpdatedAt = now, now
	if run.Status == "" {
		run.Status = StatusPending
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(runKey(run.ID))
		if err == nil {
			return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, runKey(run.ID), run)
	})
}

// GetRun returns the run with id, or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, runKey(id), &run)
	})
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", id, err)
	}
	return &run, nil
}

// ListRuns returns every run, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]*Run, error) {
	var runs []*Run
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, []byte("run/"), func(val []byte) error {
			var r Run
			if err := json.Unmarshal(val, &r); err != nil {
				return err
			}
			runs = append(runs, &r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	return runs, nil
}

// UpdateRun applies fn to the stored run inside one transaction and
// returns the updated copy. An error from fn aborts the update.
func (s *Store) UpdateRun(ctx context.Context, id string, fn func(*Run) error) (*Run, error) {
	var run Run
	err := s.update(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, runKey(id), &run); err != nil {
			return err
		}
		if err := fn(&run); err != nil {
			return err
		}
		run.ID = id
		run.UpdatedAt = time.Now().UTC()
		return setJSON(txn, runKey(id), &run)
	})
	if err != nil {
		return nil, fmt.Errorf("update run %s: %w", id, err)
	}
	return &run, nil
}

// PutStage creates or replaces the stage record at rec.Index.
func (s *Store) PutStage(ctx context.Context, rec *StageRecord) error {
	if rec == nil || rec.RunID == "" {
		return errors.New("stage record needs a run ID")
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(runKey(rec.RunID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("run %s: %w", rec.RunID, ErrNotFound)
			}
			return err
		}
		return setJSON(txn, stageKey(rec.RunID, rec.Index), rec)
	})
}

// Stages returns a run's stage records ordered by index.
func (s *Store) Stages(ctx context.Context, runID string) ([]*StageRecord, error) {
	var out []*StageRecord
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, stagePrefix(runID), func(val []byte) error {
			var rec StageRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

// PutRestart stores the final engine state of a stage.
func (s *Store) PutRestart(ctx context.Context, runID, stage string, st *engine.State) error {
	if st == nil {
		return errors.New("nil restart state")
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, restartKey(runID, stage), st)
	})
}

// GetRestart returns the restart state of a stage, or ErrNotFound.
func (s *Store) GetRestart(ctx context.Context, runID, stage string) (*engine.State, error) {
	var st engine.State
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, restartKey(runID, stage), &st)
	})
	if err != nil {
		return nil, fmt.Errorf("restart %s/%s: %w", runID, stage, err)
	}
	return &st, nil
}

// AppendLogs stores entries under runID in arrival order.
func (s *Store) AppendLogs(ctx context.Context, runID string, entries []logging.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("log/%s/%020d%06d", runID, e.Timestamp.UnixNano(), s.seq.Add(1)%1_000_000)
		if err := wb.Set([]byte(key), data); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Logs returns a run's log entries in time order.
func (s *Store) Logs(ctx context.Context, runID string) ([]logging.LogEntry, error) {
	var out []logging.LogEntry
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, logPrefix(runID), func(val []byte) error {
			var e logging.LogEntry
			if err := json.Unmarshal(val, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// DeleteRun removes a run with its stages, restarts and logs.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	if _, err := s.GetRun(ctx, id); err != nil {
		return err
	}
	if err := s.db.DropPrefix(stagePrefix(id), restartPrefix(id), logPrefix(id)); err != nil {
		return fmt.Errorf("delete run %s: %w", id, err)
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(runKey(id))
	})
}
