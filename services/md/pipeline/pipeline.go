// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package pipeline runs the complete preparation workflow as a DAG:
protein and ligand builds, merge, solvation, then the equilibration
protocol stages in order.

Every run is recorded in the run store when one is configured. Stage
outputs are written as PDB files next to the prefix and the final state of
each simulation stage is stored as a restart, so a failed run can be
resumed from its last completed stage.
*/
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianMD/pkg/logging"
	"github.com/AleutianAI/AleutianMD/pkg/units"
	"github.com/AleutianAI/AleutianMD/services/md/builder"
	"github.com/AleutianAI/AleutianMD/services/md/dag"
	"github.com/AleutianAI/AleutianMD/services/md/engine"
	"github.com/AleutianAI/AleutianMD/services/md/forcefield"
	"github.com/AleutianAI/AleutianMD/services/md/lock"
	"github.com/AleutianAI/AleutianMD/services/md/pdb"
	"github.com/AleutianAI/AleutianMD/services/md/runstore"
	"github.com/AleutianAI/AleutianMD/services/md/simulation"
	"github.com/AleutianAI/AleutianMD/services/md/solvation"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
	"github.com/AleutianAI/AleutianMD/services/md/telemetry"
)

var tracer = otel.Tracer("aleutian.md.pipeline")

var (
	// ErrNoStore is returned by Resume when the pipeline has no run store.
	ErrNoStore = errors.New("pipeline has no run store")

	// ErrRunCompleted is returned by Resume for a run with nothing left to do.
	ErrRunCompleted = errors.New("run already completed")
)

// Workflow is the workflow name recorded on runs.
const Workflow = "pipeline"

// Deps are the collaborators of a Pipeline.
type Deps struct {
	// Library resolves force fields. Required.
	Library *forcefield.Library

	// Fixer repairs and solvates. Nil uses the builtin fixer.
	Fixer solvation.Fixer

	// Store records runs. Nil disables recording and Resume.
	Store *runstore.Store

	// Metrics may be nil.
	Metrics *telemetry.Metrics

	Logger *slog.Logger

	// Progress receives the progress stream of dynamics stages.
	Progress io.Writer
}

// Pipeline runs preparation workflows.
//
// Thread Safety: Safe for concurrent use with distinct work dir and prefix
// pairs. A shared pair is refused through a prefix lock.
type Pipeline struct {
	lib      *forcefield.Library
	builder  *builder.Builder
	solvate  *solvation.Stage
	store    *runstore.Store
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	progress io.Writer
}

// New returns a pipeline wired to deps.
func New(deps Deps) (*Pipeline, error) {
	if deps.Library == nil {
		return nil, errors.New("pipeline: force field library is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fixer := deps.Fixer
	if fixer == nil {
		fixer = solvation.NewBuiltinFixer(deps.Library, logger)
	}
	return &Pipeline{
		lib:      deps.Library,
		builder:  builder.New(deps.Library, logger),
		solvate:  solvation.NewStage(deps.Library, fixer, logger),
		store:    deps.Store,
		metrics:  deps.Metrics,
		logger:   logger,
		progress: deps.Progress,
	}, nil
}

// StageOutput is what each node after the merge hands to the next.
type StageOutput struct {
	Name     string
	Ensemble simulation.Ensemble

	// Structure is the parameterized structure at the end of the stage.
	Structure *structure.Structure

	// Output is the PDB file written for the stage.
	Output string

	// Restart is the final engine state; nil for solvation.
	Restart *engine.State

	// Result is nil for solvation and for stages restored on resume.
	Result *simulation.Result
}

// Outcome is the result of Run or Resume.
type Outcome struct {
	RunID string

	// Final is the last stage's output. Nil on failure.
	Final *StageOutput

	// Executed counts the nodes run by this call.
	Executed int
	Duration time.Duration
}

// Run executes req from the beginning.
//
// Outputs:
//
//	*Outcome - Non-nil once the run was recorded, also on failure.
//	error - ErrInvalidRequest, *lock.LockError, or the failing stage's
//	        *dag.NodeError wrapping the stage error.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Outcome, error) {
	run, req, err := p.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return p.Execute(ctx, run, req)
}

// Prepare validates req, creates its work dir and records a pending run.
// The returned request has an absolute WorkDir and must be passed to
// Execute.
func (p *Pipeline) Prepare(ctx context.Context, req Request) (*runstore.Run, Request, error) {
	if err := req.Validate(); err != nil {
		return nil, req, err
	}
	workDir, err := prepareWorkDir(req.WorkDir)
	if err != nil {
		return nil, req, err
	}
	req.WorkDir = workDir

	run := &runstore.Run{
		Workflow: Workflow,
		Status:   runstore.StatusPending,
		Inputs:   map[string]string{"protein": req.ProteinPDB},
		Prefix:   req.Prefix,
		WorkDir:  req.WorkDir,
		Plan:     req.Plan(),
		Attempts: 1,
	}
	if req.LigandPDB != "" {
		run.Inputs["ligand"] = req.LigandPDB
	}
	if p.store == nil {
		run.ID = uuid.NewString()
		return run, req, nil
	}
	if run.Request, err = json.Marshal(req); err != nil {
		return nil, req, fmt.Errorf("encode request: %w", err)
	}
	if err := p.store.CreateRun(ctx, run); err != nil {
		return nil, req, err
	}
	return run, req, nil
}

// Execute runs a run returned by Prepare.
func (p *Pipeline) Execute(ctx context.Context, run *runstore.Run, req Request) (*Outcome, error) {
	return p.execute(ctx, run, req, nil)
}

// Build prepares the solvated system only. The protocol is ignored and no
// run is recorded.
//
// Outputs:
//
//	*StageOutput - The solvate node output; its PDB is written to
//	               <work dir>/<prefix>-solvate.pdb.
//	error - ErrInvalidRequest, *lock.LockError, or the failing node's
//	        *dag.NodeError.
func (p *Pipeline) Build(ctx context.Context, req Request) (*StageOutput, error) {
	req.Protocol = nil
	if err := req.validateSystem(); err != nil {
		return nil, err
	}
	workDir, err := prepareWorkDir(req.WorkDir)
	if err != nil {
		return nil, err
	}
	req.WorkDir = workDir

	held, err := lockFor(req, "build")
	if err != nil {
		return nil, err
	}
	defer held.Release()

	graph, err := p.graph(req, p.logger)
	if err != nil {
		return nil, err
	}
	exec, err := dag.NewExecutor(graph, p.logger)
	if err != nil {
		return nil, err
	}
	res, err := exec.RunWithSession(ctx, uuid.NewString(), req)
	if err != nil {
		return nil, err
	}
	out, ok := res.Output.(*StageOutput)
	if !ok {
		return nil, fmt.Errorf("build produced %T, not a stage output", res.Output)
	}
	return out, nil
}

// Resume continues a failed or interrupted run after its last completed
// stage.
//
// Description:
//
//	The structure at the resume point is rebuilt from the stage's PDB
//	output, re-parameterized with the protein and solvent force fields,
//	and given the stored restart's positions, box and velocities. A run
//	that failed before solvation completed is started over.
func (p *Pipeline) Resume(ctx context.Context, runID string) (*Outcome, error) {
	if p.store == nil {
		return nil, ErrNoStore
	}
	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == runstore.StatusCompleted {
		return nil, fmt.Errorf("%w: %s", ErrRunCompleted, runID)
	}
	var req Request
	if err := json.Unmarshal(run.Request, &req); err != nil {
		return nil, fmt.Errorf("decode request of run %s: %w", runID, err)
	}
	records, err := p.store.Stages(ctx, runID)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.Status == runstore.StatusCompleted {
			done[rec.Name] = true
		}
	}

	state, from, err := p.restoreState(ctx, run, req, done)
	if err != nil {
		return nil, err
	}
	run, err = p.store.UpdateRun(ctx, runID, func(r *runstore.Run) error {
		r.Attempts++
		r.Error, r.FailedStage = "", ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("Resuming run", "run_id", runID, "after", from, "attempt", run.Attempts)
	return p.execute(ctx, run, req, state)
}

// restoreState seeds a DAG state with every node up to the last completed
// node in the solvate-and-protocol chain. A nil state means start over.
func (p *Pipeline) restoreState(ctx context.Context, run *runstore.Run, req Request, done map[string]bool) (*dag.State, string, error) {
	chain := append([]string{NodeSolvate}, req.StageNames()...)
	last := -1
	for i, name := range chain {
		if !done[name] {
			break
		}
		last = i
	}
	if last < 0 {
		return nil, "", nil
	}
	if last == len(chain)-1 {
		return nil, "", fmt.Errorf("%w: %s", ErrRunCompleted, run.ID)
	}

	name := chain[last]
	out, err := p.reload(ctx, run.ID, req, name)
	if err != nil {
		return nil, "", fmt.Errorf("restore stage %s: %w", name, err)
	}
	state := dag.NewState(run.ID)
	for _, n := range req.Plan() {
		if n == name {
			state.SetCompleted(n, out)
			break
		}
		state.SetCompleted(n, nil)
	}
	return state, name, nil
}

// reload rebuilds the output of a completed node from its PDB and restart.
func (p *Pipeline) reload(ctx context.Context, runID string, req Request, name string) (*StageOutput, error) {
	out := &StageOutput{Name: name, Output: req.OutputPath(name, ".pdb")}
	if name != NodeSolvate {
		for _, st := range req.Protocol {
			if st.Name == name {
				out.Ensemble = simulation.Ensemble(st.Ensemble)
			}
		}
	}

	s, err := pdb.ReadFile(out.Output)
	if err != nil {
		return nil, err
	}
	ff, err := p.lib.Load(req.ProteinFF, req.SolventFF)
	if err != nil {
		return nil, err
	}
	s, err = ff.Parameterize(s, forcefield.Options{RigidWater: false})
	if err != nil {
		return nil, err
	}

	if name != NodeSolvate {
		rs, err := p.store.GetRestart(ctx, runID, name)
		if err != nil {
			return nil, err
		}
		if s, err = applyRestart(s, rs, out.Ensemble.Dynamic()); err != nil {
			return nil, err
		}
		out.Restart = rs
	}
	out.Structure = s
	return out, nil
}

func applyRestart(s *structure.Structure, rs *engine.State, velocities bool) (*structure.Structure, error) {
	if rs.Positions.Len() != s.NumAtoms() {
		return nil, fmt.Errorf("%w: restart has %d atoms, structure %d",
			structure.ErrAtomCountMismatch, rs.Positions.Len(), s.NumAtoms())
	}
	out, err := s.WithPositions(rs.Positions.In(units.Angstrom))
	if err != nil {
		return nil, err
	}
	if !rs.Box.IsZero() {
		out = out.WithBox(rs.Box)
	}
	if velocities && rs.Velocities != nil {
		return out.WithVelocities(rs.Velocities)
	}
	return out, nil
}

// execute runs the DAG for run, from state when non-nil, and records the
// outcome.
func (p *Pipeline) execute(ctx context.Context, run *runstore.Run, req Request, state *dag.State) (_ *Outcome, err error) {
	ctx, span := tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.prefix", req.Prefix),
		attribute.Int("run.stages", len(req.Protocol)),
	))
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		}
		span.End()
	}()
	defer p.metrics.RunStarted(ctx)()

	var exporter logging.LogExporter
	if p.store != nil {
		exporter = runstore.NewLogExporter(p.store, run.ID)
	}
	logger := telemetry.LoggerWithTrace(ctx, logging.Tee(p.logger, exporter, logging.LevelInfo, "aleutian-md")).
		With("run_id", run.ID)
	defer func() {
		if exporter == nil {
			return
		}
		if ferr := exporter.Flush(context.WithoutCancel(ctx)); ferr != nil {
			p.logger.Warn("Flushing run logs failed", "run_id", run.ID, "error", ferr)
		}
	}()

	held, err := lockFor(req, "pipeline run "+run.ID)
	if err != nil {
		p.finish(ctx, logger, run.ID, nil, err)
		return nil, err
	}
	defer held.Release()

	if p.store != nil {
		_, err := p.store.UpdateRun(ctx, run.ID, func(r *runstore.Run) error {
			r.Status = runstore.StatusRunning
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	graph, err := p.graph(req, logger)
	if err != nil {
		p.finish(ctx, logger, run.ID, nil, err)
		return nil, err
	}
	rec := newRecorder(p.store, p.metrics, run.ID, req.Plan(), logger)
	exec, err := dag.NewExecutor(graph, logger, dag.WithObserver(rec))
	if err != nil {
		return nil, err
	}

	logger.Info("Pipeline run started", "prefix", req.Prefix, "work_dir", req.WorkDir, "plan", req.Plan())
	var res *dag.Result
	if state == nil {
		res, err = exec.RunWithSession(ctx, run.ID, req)
	} else {
		res, err = exec.RunFromState(ctx, state)
	}
	p.finish(ctx, logger, run.ID, res, err)

	out := &Outcome{RunID: run.ID}
	if res != nil {
		out.Executed = res.NodesExecuted
		out.Duration = res.Duration
		if final, ok := res.Output.(*StageOutput); ok {
			out.Final = final
		}
	}
	return out, err
}

// finish records the final run status.
func (p *Pipeline) finish(ctx context.Context, logger *slog.Logger, runID string, res *dag.Result, runErr error) {
	if runErr != nil {
		logger.Error("Pipeline run failed", "error", runErr)
	} else {
		logger.Info("Pipeline run completed", "duration", res.Duration.Round(time.Millisecond).String())
	}
	if p.store == nil {
		return
	}
	_, err := p.store.UpdateRun(context.WithoutCancel(ctx), runID, func(r *runstore.Run) error {
		if runErr != nil {
			r.Status = runstore.StatusFailed
			r.Error = runErr.Error()
			if res != nil && res.FailedNode != "" {
				r.FailedStage = res.FailedNode
			} else if name, ok := dag.FailedNode(runErr); ok {
				r.FailedStage = name
			}
			return nil
		}
		r.Status = runstore.StatusCompleted
		if final, ok := res.Output.(*StageOutput); ok {
			r.Output = final.Output
		}
		return nil
	})
	if err != nil {
		p.logger.Warn("Recording run status failed", "run_id", runID, "error", err)
	}
}

// lockFor takes the run-level lock of req's output prefix. It is distinct
// from the lock solvation takes on the bare prefix.
func lockFor(req Request, reason string) (*lock.PrefixLock, error) {
	return lock.Acquire(filepath.Join(req.WorkDir, req.Prefix+"-pipeline"), reason)
}

func prepareWorkDir(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return "", fmt.Errorf("create work dir %s: %w", abs, err)
	}
	return abs, nil
}
