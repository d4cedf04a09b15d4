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
Package simulation drives one minimization or dynamics run of a
parameterized structure.

A Driver moves through Built, Configured, Running and Completed. Any error
moves it to Failed, which is terminal; there is no retry. A caller that
wants to continue a failed dynamics run builds a new Driver with
Config.Restart set to a previously saved state.
*/
package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianMD/pkg/units"
	"github.com/AleutianAI/AleutianMD/services/md/engine"
	"github.com/AleutianAI/AleutianMD/services/md/reporters"
	"github.com/AleutianAI/AleutianMD/services/md/selection"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
	"github.com/AleutianAI/AleutianMD/services/md/trajectory"
)

var tracer = otel.Tracer("aleutian.md.simulation")

// =============================================================================
// State machine
// =============================================================================

// State is the lifecycle position of a Driver.
type State int

const (
	Built State = iota
	Configured
	Running
	Completed
	Failed
)

var stateNames = [...]string{"Built", "Configured", "Running", "Completed", "Failed"}

// String implements fmt.Stringer.
func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	// ErrInvalidTransition is returned when an operation is called in the
	// wrong state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNoVelocities is returned when a restart state carries no velocities.
	ErrNoVelocities = errors.New("restart state has no velocities")
)

// Result is the outcome of a completed run.
type Result struct {
	// Structure is the input with positions, box and (dynamics only)
	// velocities replaced by the final state.
	Structure *structure.Structure

	// Final is the last engine state, suitable as a restart.
	Final *engine.State

	Ensemble Ensemble
	Platform string
	Steps    int

	// Minimization is set for min runs.
	Minimization *engine.MinimizeResult

	// Trajectory is the raw NetCDF path, empty when none was written.
	Trajectory string

	// Converted is set when the trajectory was converted after the run.
	Converted *trajectory.Result

	// BarostatAcceptance is the fraction of accepted volume moves (npt).
	BarostatAcceptance float64

	Elapsed time.Duration
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithReporters attaches extra reporters to dynamics runs, after the
// file and progress reporters built from Config.
func WithReporters(rs ...reporters.Reporter) Option {
	return func(d *Driver) {
		d.extra = append(d.extra, rs...)
	}
}

// Driver runs one simulation stage.
//
// Description:
//
//	New validates the inputs and leaves the driver Built. Configure builds
//	the system and context, Start loads coordinates and velocities and
//	attaches reporters, Run integrates or minimizes and writes the final
//	state back into a copy of the input structure. Execute does all three.
//
// Thread Safety:
//
//	State and Err may be called concurrently with the transition methods.
//	The transition methods themselves must be called from one goroutine.
type Driver struct {
	cfg    Config
	input  *structure.Structure
	logger *slog.Logger
	extra  []reporters.Reporter

	mu    sync.Mutex
	state State
	err   error

	working  *structure.Structure
	system   *engine.System
	barostat *engine.MonteCarloBarostat
	sim      *engine.Context
	reps     []reporters.Reporter
	trajPath string
	start    time.Time
	steps    int
}

// New returns a Built driver for s.
//
// Outputs:
//
//	*Driver - Ready for Configure.
//	error - structure validation errors, engine.ErrNoParameters, ErrInvalidConfig,
//	*selection.SelectionError, or reporters.ErrInvalidInterval.
func New(s *structure.Structure, cfg Config, opts ...Option) (*Driver, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Params == nil {
		return nil, engine.ErrNoParameters
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.TrajectoryFormat != "" {
		cfg.TrajectoryFormat, _ = trajectory.ParseFormat(string(cfg.TrajectoryFormat))
	}
	if strings.TrimSpace(cfg.Selection) != "" {
		if _, err := selection.Select(s.Topology, cfg.Selection); err != nil {
			return nil, fmt.Errorf("trajectory selection: %w", err)
		}
	}
	for _, r := range cfg.Restraints {
		if r.Weight == 0 {
			continue
		}
		if _, err := selection.Select(s.Topology, r.Selection); err != nil {
			return nil, fmt.Errorf("restraint selection: %w", err)
		}
	}
	d := &Driver{cfg: cfg, input: s, logger: slog.Default(), state: Built}
	for _, opt := range opts {
		opt(d)
	}
	for _, r := range d.extra {
		if err := reporters.Check(r); err != nil {
			return nil, fmt.Errorf("extra reporter: %w", err)
		}
	}
	d.logger = d.logger.With("ensemble", string(cfg.Ensemble))
	return d, nil
}

// State returns the current lifecycle state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Err returns the error that moved the driver to Failed, or nil.
func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *Driver) expect(from, to State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != from {
		return fmt.Errorf("%w: %s -> %s from state %s", ErrInvalidTransition, from, to, d.state)
	}
	return nil
}

func (d *Driver) advance(to State) {
	d.mu.Lock()
	d.state = to
	d.mu.Unlock()
	d.logger.Debug("simulation state", "state", to.String())
}

// fail moves the driver to Failed and releases reporters.
func (d *Driver) fail(span trace.Span, err error) error {
	if len(d.reps) > 0 {
		if cerr := reporters.CloseAll(d.reps); cerr != nil {
			d.logger.Warn("closing reporters after failure", "error", cerr)
		}
		d.reps = nil
	}
	d.mu.Lock()
	d.state = Failed
	d.err = err
	d.mu.Unlock()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	d.logger.Error("simulation failed", "error", err)
	return err
}

// =============================================================================
// Transitions
// =============================================================================

// Configure builds the simulatable system and selects the platform.
//
// Description:
//
//	A barostat is added only for npt. Restraints are resolved against the
//	topology with the selection language and anchored at the starting
//	coordinates.
//
// Outputs:
//
//	error - ErrInvalidTransition, *engine.PlatformError, *selection.SelectionError,
//	or a system construction error. All but the first leave the driver Failed.
func (d *Driver) Configure(ctx context.Context) error {
	if err := d.expect(Built, Configured); err != nil {
		return err
	}
	_, span := tracer.Start(ctx, "simulation.Configure",
		trace.WithAttributes(
			attribute.String("ensemble", string(d.cfg.Ensemble)),
			attribute.String("platform", d.cfg.Platform.Name()),
			attribute.Int("atoms", d.input.NumAtoms()),
		))
	defer span.End()
	d.start = time.Now()

	s := d.input
	if d.cfg.Center && !s.Box.IsZero() {
		s = s.Center()
	}
	d.working = s

	sys, err := engine.NewSystem(s, engine.SystemOptions{
		NonbondedMethod: d.cfg.NonbondedMethod,
		Cutoff:          d.cfg.Cutoff,
		Constraints:     d.cfg.Constraints,
	})
	if err != nil {
		return d.fail(span, fmt.Errorf("build system: %w", err))
	}
	if d.cfg.Ensemble == NPT {
		d.barostat = engine.NewMonteCarloBarostat(d.cfg.Pressure, d.cfg.Temperature, d.cfg.BarostatFrequency)
		sys.AddBarostat(d.barostat)
	}
	for _, r := range d.cfg.Restraints {
		if r.Weight == 0 {
			continue
		}
		atoms, err := selection.Select(s.Topology, r.Selection)
		if err != nil {
			return d.fail(span, fmt.Errorf("restraint selection: %w", err))
		}
		pr, err := engine.NewPositionalRestraint(atoms, s.Positions, r.Weight)
		if err != nil {
			return d.fail(span, err)
		}
		sys.AddRestraint(pr)
		d.logger.Info("positional restraint",
			"selection", r.Selection,
			"atoms", len(atoms),
			"weight_kcal_per_mol_a2", r.Weight)
	}

	integ := engine.NewLangevinIntegrator(d.cfg.Temperature, Friction, StepSize)
	mdc, err := engine.NewContext(sys, integ, d.cfg.Platform, d.cfg.Seed)
	if err != nil {
		return d.fail(span, err)
	}
	d.system, d.sim = sys, mdc
	span.SetAttributes(attribute.String("platform.selected", mdc.Platform()))
	d.logger.Info("system configured",
		"atoms", sys.NumAtoms(),
		"constraints", len(sys.Constraints),
		"nonbonded", d.cfg.NonbondedMethod.String(),
		"platform", mdc.Platform())
	d.advance(Configured)
	return nil
}

// Start loads coordinates, box and velocities and attaches reporters.
//
// Description:
//
//	Dynamics runs take velocities from Config.Restart when set, otherwise
//	they are drawn from the Maxwell-Boltzmann distribution at the
//	configured temperature. Reporters are attached for dynamics only.
func (d *Driver) Start(ctx context.Context) error {
	if err := d.expect(Configured, Running); err != nil {
		return err
	}
	_, span := tracer.Start(ctx, "simulation.Start")
	defer span.End()

	if err := d.sim.SetPositions(d.working.Positions); err != nil {
		return d.fail(span, err)
	}
	if err := d.sim.SetBox(d.working.Box); err != nil {
		return d.fail(span, err)
	}

	if d.cfg.Ensemble.Dynamic() {
		if rs := d.cfg.Restart; rs != nil {
			if rs.Velocities == nil {
				return d.fail(span, ErrNoVelocities)
			}
			if err := d.sim.SetVelocities(rs.Velocities); err != nil {
				return d.fail(span, fmt.Errorf("restart velocities: %w", err))
			}
			d.sim.SetTime(units.Picoseconds(rs.Time), rs.Step)
			d.logger.Info("velocities restored from restart", "time_ps", rs.Time, "step", rs.Step)
		} else if err := d.sim.SetVelocitiesToTemperature(d.cfg.Temperature); err != nil {
			return d.fail(span, err)
		}

		d.steps = d.cfg.NumSteps()
		reps, err := d.buildReporters()
		if err != nil {
			return d.fail(span, err)
		}
		d.reps = reps
	}
	d.advance(Running)
	return nil
}

func (d *Driver) buildReporters() ([]reporters.Reporter, error) {
	var reps []reporters.Reporter
	cleanup := func(err error) ([]reporters.Reporter, error) {
		reporters.CloseAll(reps)
		return nil, err
	}

	if d.cfg.Prefix != "" {
		log, err := reporters.NewStateLog(d.cfg.Prefix+".log", d.cfg.ReportInterval)
		if err != nil {
			return cleanup(fmt.Errorf("state log: %w", err))
		}
		reps = append(reps, log)

		d.trajPath = d.cfg.Prefix + ".nc"
		traj, err := reporters.NewTrajectory(d.trajPath, d.working.NumAtoms(), d.cfg.TrajectoryInterval,
			reporters.TrajectoryOptions{Periodic: !d.working.Box.IsZero()})
		if err != nil {
			d.trajPath = ""
			return cleanup(fmt.Errorf("trajectory: %w", err))
		}
		reps = append(reps, traj)
	}
	if d.cfg.Progress != nil {
		p, err := reporters.NewProgress(d.cfg.Progress, d.cfg.ReportInterval, reporters.ProgressOptions{
			StartStep:  d.startStep(),
			TotalSteps: int64(d.steps),
			MinPeriod:  time.Second,
		})
		if err != nil {
			return cleanup(err)
		}
		reps = append(reps, p)
	}
	return append(reps, d.extra...), nil
}

func (d *Driver) startStep() int64 {
	if d.cfg.Restart != nil {
		return d.cfg.Restart.Step
	}
	return 0
}

// Run integrates or minimizes and completes the run.
//
// Outputs:
//
//	*Result - Final state written back into a copy of the input.
//	error - ErrInvalidTransition, engine errors, reporter errors, conversion
//	errors, or ctx.Err(). All but the first leave the driver Failed.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	if err := d.expect(Running, Completed); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "simulation.Run",
		trace.WithAttributes(attribute.String("ensemble", string(d.cfg.Ensemble))))
	defer span.End()

	res := &Result{Ensemble: d.cfg.Ensemble, Platform: d.sim.Platform()}
	if d.cfg.Ensemble.Dynamic() {
		if err := d.integrate(ctx); err != nil {
			return nil, d.fail(span, err)
		}
		res.Steps = d.steps
		reps := d.reps
		d.reps = nil
		if err := reporters.CloseAll(reps); err != nil {
			return nil, d.fail(span, fmt.Errorf("close reporters: %w", err))
		}
		res.Trajectory = d.trajPath
		if d.barostat != nil {
			res.BarostatAcceptance = d.barostat.Acceptance()
		}
		conv, err := d.convert(ctx)
		if err != nil {
			return nil, d.fail(span, err)
		}
		res.Converted = conv
	} else {
		m, err := d.minimize(ctx)
		if err != nil {
			return nil, d.fail(span, err)
		}
		res.Minimization = &m
	}

	final, err := d.sim.State(engine.StateOptions{Energy: true, EnforcePeriodicBox: d.cfg.EnforcePeriodicBox})
	if err != nil {
		return nil, d.fail(span, err)
	}
	out, err := d.writeBack(final)
	if err != nil {
		return nil, d.fail(span, err)
	}
	res.Structure = out
	res.Final = final
	res.Elapsed = time.Since(d.start)

	span.SetAttributes(
		attribute.Int("steps", res.Steps),
		attribute.Float64("potential_energy", final.PotentialEnergy))
	d.logger.Info("simulation completed",
		"steps", res.Steps,
		"time_ps", final.Time,
		"potential_energy", final.PotentialEnergy,
		"temperature", final.Temperature,
		"elapsed", res.Elapsed.Round(time.Millisecond).String())
	d.advance(Completed)
	return res, nil
}

// Execute runs Configure, Start and Run in order.
func (d *Driver) Execute(ctx context.Context) (*Result, error) {
	if err := d.Configure(ctx); err != nil {
		return nil, err
	}
	if err := d.Start(ctx); err != nil {
		return nil, err
	}
	return d.Run(ctx)
}

// =============================================================================
// Run internals
// =============================================================================

// integrate steps to each reporting boundary and fans the frame out to the
// reporters that are due.
func (d *Driver) integrate(ctx context.Context) error {
	cur := d.startStep()
	target := cur + int64(d.steps)
	d.logger.Info("dynamics started",
		"steps", d.steps,
		"temperature", float64(d.cfg.Temperature),
		"step_fs", StepSize.In(units.Femtosecond))

	for cur < target {
		next := target
		for _, r := range d.reps {
			iv := int64(r.Interval())
			if k := (cur/iv + 1) * iv; k < next {
				next = k
			}
		}
		if err := d.sim.Step(ctx, int(next-cur)); err != nil {
			return fmt.Errorf("step %d: %w", cur, err)
		}
		cur = next

		var due []reporters.Reporter
		for _, r := range d.reps {
			if reporters.Due(r, cur) {
				due = append(due, r)
			}
		}
		if len(due) == 0 {
			continue
		}
		st, err := d.sim.State(engine.StateOptions{Energy: true, EnforcePeriodicBox: d.cfg.EnforcePeriodicBox})
		if err != nil {
			return err
		}
		f := reporters.Frame{
			Step:            st.Step,
			Time:            st.Time,
			Positions:       st.Positions,
			Box:             st.Box,
			PotentialEnergy: st.PotentialEnergy,
			KineticEnergy:   st.KineticEnergy,
			Temperature:     st.Temperature,
			Volume:          st.Volume,
		}
		for _, r := range due {
			if err := r.Report(ctx, f); err != nil {
				return fmt.Errorf("reporter at step %d: %w", cur, err)
			}
		}
	}
	return nil
}

func (d *Driver) minimize(ctx context.Context) (engine.MinimizeResult, error) {
	m, err := d.sim.Minimize(ctx, d.cfg.Tolerance, d.cfg.MaxIterations)
	if err != nil {
		return m, fmt.Errorf("minimize: %w", err)
	}
	d.logger.Info("initial potential energy", "kj_per_mol", m.InitialEnergy)
	d.logger.Info("minimized potential energy",
		"kj_per_mol", m.FinalEnergy,
		"iterations", m.Iterations,
		"status", m.Status)
	return m, nil
}

// convert rewrites <prefix>.nc when a different format or a selection is
// configured.
func (d *Driver) convert(ctx context.Context) (*trajectory.Result, error) {
	format := d.cfg.TrajectoryFormat
	if d.trajPath == "" || format == "" {
		return nil, nil
	}
	if format == trajectory.FormatNetCDF && strings.TrimSpace(d.cfg.Selection) == "" {
		return nil, nil
	}
	out := d.cfg.Prefix + "." + extension(format)
	if format == trajectory.FormatNetCDF {
		out = d.cfg.Prefix + "-selection.nc"
	}
	res, err := trajectory.Convert(ctx, trajectory.Request{
		Input:     d.trajPath,
		Topology:  d.working.Topology,
		Output:    out,
		Format:    format,
		Selection: d.cfg.Selection,
	}, d.logger)
	if err != nil {
		return nil, fmt.Errorf("convert trajectory: %w", err)
	}
	return &res, nil
}

func extension(f trajectory.Format) string {
	switch f {
	case trajectory.FormatNetCDF:
		return "nc"
	}
	return string(f)
}

// writeBack replaces positions, box and, for dynamics, velocities of the
// working structure with the final state.
func (d *Driver) writeBack(st *engine.State) (*structure.Structure, error) {
	out, err := d.working.WithPositions(st.Positions.In(units.Angstrom))
	if err != nil {
		return nil, err
	}
	if !st.Box.IsZero() {
		out = out.WithBox(st.Box)
	}
	if d.cfg.Ensemble.Dynamic() {
		if out, err = out.WithVelocities(st.Velocities); err != nil {
			return nil, err
		}
	}
	return out, nil
}
