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
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AleutianAI/AleutianMD/pkg/logging"
	"github.com/AleutianAI/AleutianMD/pkg/units"
	"github.com/AleutianAI/AleutianMD/services/md/engine"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_PersistentRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	run := &Run{Workflow: "pipeline", Prefix: "complex", Inputs: map[string]string{"protein": "p.pdb"}}
	require.NoError(t, s.CreateRun(ctx, run))
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, StatusPending, run.Status)

	err := s.CreateRun(ctx, &Run{ID: run.ID})
	assert.ErrorIs(t, err, ErrRunExists)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "complex", got.Prefix)
	assert.Equal(t, "p.pdb", got.Inputs["protein"])

	updated, err := s.UpdateRun(ctx, run.ID, func(r *Run) error {
		r.Status = StatusFailed
		r.FailedStage = "equil1"
		r.Attempts++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, updated.Status)
	assert.True(t, updated.Status.Terminal())
	assert.False(t, updated.UpdatedAt.Before(updated.CreatedAt))

	boom := errors.New("boom")
	_, err = s.UpdateRun(ctx, run.ID, func(r *Run) error {
		r.Status = StatusCompleted
		return boom
	})
	assert.ErrorIs(t, err, boom)
	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	_, err = s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.UpdateRun(ctx, "missing", func(*Run) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRuns_NewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.CreateRun(ctx, &Run{ID: id}))
		time.Sleep(2 * time.Millisecond)
	}
	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "a", runs[2].ID)
}

func TestStages_OrderedByIndex(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)
	require.NoError(t, s.CreateRun(ctx, &Run{ID: "r"}))

	for i, name := range []string{"min", "warmup", "equil1"} {
		// Insert out of order; 10 must sort after 2.
		idx := []int{10, 0, 2}[i]
		require.NoError(t, s.PutStage(ctx, &StageRecord{RunID: "r", Index: idx, Name: name, Status: StatusCompleted}))
	}
	stages, err := s.Stages(ctx, "r")
	require.NoError(t, err)
	require.Len(t, stages, 3)
	assert.Equal(t, []string{"warmup", "equil1", "min"}, []string{stages[0].Name, stages[1].Name, stages[2].Name})

	require.NoError(t, s.PutStage(ctx, &StageRecord{RunID: "r", Index: 0, Name: "warmup", Status: StatusFailed}))
	stages, err = s.Stages(ctx, "r")
	require.NoError(t, err)
	assert.Len(t, stages, 3)
	assert.Equal(t, StatusFailed, stages[0].Status)

	err = s.PutStage(ctx, &StageRecord{RunID: "nope", Name: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestart_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)
	st := &engine.State{
		Positions:       units.NewPositions([]r3.Vec{{X: 0.1, Y: 0.2, Z: 0.3}}, units.Nanometer),
		Velocities:      []r3.Vec{{X: 1, Y: -1, Z: 0.5}},
		Box:             structure.Box{A: r3.Vec{X: 30}, B: r3.Vec{Y: 30}, C: r3.Vec{Z: 30}},
		Time:            2.5,
		Step:            1250,
		PotentialEnergy: -1234.5,
	}
	require.NoError(t, s.PutRestart(ctx, "r", "warmup", st))

	got, err := s.GetRestart(ctx, "r", "warmup")
	require.NoError(t, err)
	assert.Equal(t, st, got)

	_, err = s.GetRestart(ctx, "r", "equil1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLogs_AppendAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)
	require.NoError(t, s.CreateRun(ctx, &Run{ID: "r"}))
	require.NoError(t, s.PutStage(ctx, &StageRecord{RunID: "r", Name: "min"}))

	t0 := time.Now()
	entries := []logging.LogEntry{
		{Timestamp: t0, Level: logging.LevelInfo, Message: "first"},
		{Timestamp: t0, Level: logging.LevelInfo, Message: "second"},
		{Timestamp: t0.Add(time.Second), Level: logging.LevelWarn, Message: "third"},
	}
	require.NoError(t, s.AppendLogs(ctx, "r", entries))
	require.NoError(t, s.AppendLogs(ctx, "r", nil))

	logs, err := s.Logs(ctx, "r")
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "first", logs[0].Message)
	assert.Equal(t, "second", logs[1].Message)
	assert.Equal(t, "third", logs[2].Message)

	require.NoError(t, s.DeleteRun(ctx, "r"))
	_, err = s.GetRun(ctx, "r")
	assert.ErrorIs(t, err, ErrNotFound)
	logs, err = s.Logs(ctx, "r")
	require.NoError(t, err)
	assert.Empty(t, logs)
	stages, err := s.Stages(ctx, "r")
	require.NoError(t, err)
	assert.Empty(t, stages)

	assert.ErrorIs(t, s.DeleteRun(ctx, "r"), ErrNotFound)
}

func TestLogExporter_WithLogger(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)
	require.NoError(t, s.CreateRun(ctx, &Run{ID: "r"}))

	exp := NewLogExporter(s, "r")
	exp.batch = 2
	logger := logging.New(logging.Config{Level: logging.LevelDebug, Quiet: true, Service: "aleutian-md", Exporter: exp})

	logger.Debug("dropped")
	logger.Info("stage started", "stage", "min")
	logger.Warn("low salt", "salt_mm", 10)
	logger.Info("stage completed", "stage", "min")

	// Two entries were written by the full batch; one is still buffered.
	logs, err := s.Logs(ctx, "r")
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	require.NoError(t, logger.Close())
	logs, err = s.Logs(ctx, "r")
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "stage started", logs[0].Message)
	assert.Equal(t, "min", logs[0].Attrs["stage"])
	assert.Equal(t, logging.LevelWarn, logs[1].Level)
	assert.Equal(t, "aleutian-md", logs[2].Service)
}

func TestLogExporter_ReportsWriteError(t *testing.T) {
	s := openMem(t)
	exp := NewLogExporter(s, "r")
	require.NoError(t, s.Close())

	require.NoError(t, exp.Export(context.Background(), logging.LogEntry{Level: logging.LevelError, Message: "x"}))
	assert.ErrorIs(t, exp.Flush(context.Background()), ErrClosed)
	assert.NoError(t, exp.Flush(context.Background()))
}

func TestPersistentStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "runs")
	cfg := DefaultConfig(dir)
	cfg.GCInterval = time.Hour

	s, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s.CreateRun(ctx, &Run{ID: "keep", Status: StatusRunning}))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	s, err = Open(cfg)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetRun(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
}
