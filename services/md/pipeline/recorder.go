// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianMD/services/md/dag"
	"github.com/AleutianAI/AleutianMD/services/md/runstore"
	"github.com/AleutianAI/AleutianMD/services/md/simulation"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
	"github.com/AleutianAI/AleutianMD/services/md/telemetry"
)

// recorder writes stage records and metrics as nodes finish. Store errors
// are logged and never fail the run.
type recorder struct {
	store   *runstore.Store
	metrics *telemetry.Metrics
	runID   string
	index   map[string]int
	logger  *slog.Logger

	mu      sync.Mutex
	started map[string]time.Time
}

func newRecorder(store *runstore.Store, metrics *telemetry.Metrics, runID string, plan []string, logger *slog.Logger) *recorder {
	index := make(map[string]int, len(plan))
	for i, name := range plan {
		index[name] = i
	}
	return &recorder{
		store:   store,
		metrics: metrics,
		runID:   runID,
		index:   index,
		logger:  logger,
		started: make(map[string]time.Time),
	}
}

func (r *recorder) NodeStarted(ctx context.Context, name string) {
	now := time.Now().UTC()
	r.mu.Lock()
	r.started[name] = now
	r.mu.Unlock()
	r.put(ctx, &runstore.StageRecord{Name: name, Status: runstore.StatusRunning, StartedAt: now})
}

func (r *recorder) NodeCompleted(ctx context.Context, name string, output any, elapsed time.Duration) {
	rec := r.base(name, runstore.StatusCompleted, elapsed)
	stage := telemetry.StageResult{Stage: name, Elapsed: elapsed}

	switch out := output.(type) {
	case *structure.Structure:
		rec.Atoms = out.NumAtoms()
	case *StageOutput:
		rec.Output = out.Output
		rec.Atoms = out.Structure.NumAtoms()
		rec.Ensemble = string(out.Ensemble)
		if res := out.Result; res != nil {
			fillResult(rec, res)
			stage.Ensemble = string(res.Ensemble)
			stage.Platform = res.Platform
			stage.Steps = res.Steps
			stage.SimulatedNs = float64(res.Steps) * simulation.StepSize.Picoseconds() / 1000
		}
		if out.Restart != nil && r.store != nil {
			if err := r.store.PutRestart(context.WithoutCancel(ctx), r.runID, name, out.Restart); err != nil {
				r.logger.Warn("Storing restart failed", "stage", name, "error", err)
			} else {
				rec.HasRestart = true
			}
		}
	}
	r.metrics.RecordStage(ctx, stage)
	r.put(ctx, rec)
}

func (r *recorder) NodeFailed(ctx context.Context, name string, err error, elapsed time.Duration) {
	rec := r.base(name, runstore.StatusFailed, elapsed)
	rec.Error = err.Error()
	r.metrics.RecordStage(ctx, telemetry.StageResult{Stage: name, Err: err, Elapsed: elapsed})
	r.put(ctx, rec)
}

func (r *recorder) base(name string, status runstore.Status, elapsed time.Duration) *runstore.StageRecord {
	r.mu.Lock()
	started := r.started[name]
	r.mu.Unlock()
	return &runstore.StageRecord{
		Name:       name,
		Status:     status,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
		Elapsed:    elapsed,
	}
}

func fillResult(rec *runstore.StageRecord, res *simulation.Result) {
	rec.Steps = res.Steps
	rec.Platform = res.Platform
	rec.Trajectory = res.Trajectory
	if res.Trajectory != "" {
		rec.Log = res.Trajectory[:len(res.Trajectory)-len(".nc")] + ".log"
	}
	if m := res.Minimization; m != nil {
		rec.InitialEnergy = m.InitialEnergy
		rec.FinalEnergy = m.FinalEnergy
	} else if res.Final != nil {
		rec.FinalEnergy = res.Final.PotentialEnergy
	}
}

func (r *recorder) put(ctx context.Context, rec *runstore.StageRecord) {
	if r.store == nil {
		return
	}
	rec.RunID = r.runID
	rec.Index = r.index[rec.Name]
	if err := r.store.PutStage(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warn("Recording stage failed", "stage", rec.Name, "error", err)
	}
}

var _ dag.Observer = (*recorder)(nil)
