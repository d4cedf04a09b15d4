// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package simulation

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AleutianAI/AleutianMD/pkg/units"
	"github.com/AleutianAI/AleutianMD/services/md/engine"
	"github.com/AleutianAI/AleutianMD/services/md/forcefield"
	"github.com/AleutianAI/AleutianMD/services/md/mdtest"
	"github.com/AleutianAI/AleutianMD/services/md/netcdf"
	"github.com/AleutianAI/AleutianMD/services/md/reporters"
	"github.com/AleutianAI/AleutianMD/services/md/selection"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
	"github.com/AleutianAI/AleutianMD/services/md/trajectory"
)

func peptide(t *testing.T) *structure.Structure {
	t.Helper()
	ff := forcefield.New()
	require.NoError(t, ff.Load("mini-protein.xml", strings.NewReader(mdtest.ProteinFF)))
	s, err := ff.Parameterize(mdtest.Peptide(), forcefield.Options{RigidWater: true})
	require.NoError(t, err)
	return s
}

func testConfig(e Ensemble) Config {
	cfg := DefaultConfig()
	cfg.Ensemble = e
	cfg.Platform = engine.NamedPlatform("Reference")
	cfg.Steps = 20
	cfg.ReportInterval = 5
	cfg.TrajectoryInterval = 10
	cfg.Seed = 7
	return cfg
}

// recorder is a Reporter that keeps every frame it receives.
type recorder struct {
	interval int
	frames   []reporters.Frame
	closed   int
}

func (r *recorder) Interval() int { return r.interval }
func (r *recorder) Report(_ context.Context, f reporters.Frame) error {
	r.frames = append(r.frames, f)
	return nil
}
func (r *recorder) Close() error { r.closed++; return nil }

func TestDriver_Minimize(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	rec := &recorder{interval: 1}

	s := peptide(t)
	cfg := testConfig(Minimize)
	cfg.MaxIterations = 500
	d, err := New(s, cfg, WithLogger(logger), WithReporters(rec))
	require.NoError(t, err)
	assert.Equal(t, Built, d.State())

	res, err := d.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Completed, d.State())
	require.NotNil(t, res.Minimization)
	assert.LessOrEqual(t, res.Minimization.FinalEnergy, res.Minimization.InitialEnergy)
	assert.Equal(t, 0, res.Steps)
	assert.Empty(t, res.Trajectory)

	// minimization attaches no reporters
	assert.Empty(t, rec.frames)
	assert.Zero(t, rec.closed)

	out := res.Structure
	assert.Equal(t, s.NumAtoms(), out.NumAtoms())
	assert.Equal(t, units.Angstrom, out.Positions.Unit)
	assert.Nil(t, out.Velocities)
	assert.InDelta(t, s.Box.Volume(), out.Box.Volume(), 1e-6)
	assert.NotEqual(t, s.Positions.Values, out.Positions.Values)

	// the input is never mutated
	assert.Equal(t, mdtest.Peptide().Positions.Values, s.Positions.Values)

	assert.Contains(t, logs.String(), "initial potential energy")
	assert.Contains(t, logs.String(), "minimized potential energy")
}

func TestDriver_NVTWritesReports(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "run")
	var progress bytes.Buffer
	rec := &recorder{interval: 4}

	s := peptide(t)
	cfg := testConfig(NVT)
	cfg.Prefix = prefix
	cfg.Progress = &progress
	d, err := New(s, cfg, WithReporters(rec))
	require.NoError(t, err)

	res, err := d.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Completed, d.State())
	assert.Equal(t, 20, res.Steps)
	assert.Equal(t, "Reference", res.Platform)
	assert.Equal(t, int64(20), res.Final.Step)
	assert.InDelta(t, 0.04, res.Final.Time, 1e-9)
	assert.Nil(t, d.system.Barostat)

	log, err := os.ReadFile(prefix + ".log")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(log)), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, reporters.StateLogHeader, lines[0])
	for i, step := range []string{"5", "10", "15", "20"} {
		assert.True(t, strings.HasPrefix(lines[i+1], step+"\t"), lines[i+1])
	}

	r, err := netcdf.Open(prefix + ".nc")
	require.NoError(t, err)
	assert.Equal(t, 2, r.NumFrames())
	assert.Equal(t, s.NumAtoms(), r.NumAtoms())
	require.NoError(t, r.Close())
	assert.Equal(t, prefix+".nc", res.Trajectory)
	assert.Nil(t, res.Converted)

	assert.Contains(t, progress.String(), reporters.ProgressHeader)
	assert.Contains(t, progress.String(), "100.0%")

	steps := make([]int64, len(rec.frames))
	for i, f := range rec.frames {
		steps[i] = f.Step
	}
	assert.Equal(t, []int64{4, 8, 12, 16, 20}, steps)
	assert.Equal(t, 1, rec.closed)

	require.Len(t, res.Structure.Velocities, s.NumAtoms())
	assert.Nil(t, s.Velocities)
}

func TestDriver_NPTAddsBarostat(t *testing.T) {
	cfg := testConfig(NPT)
	cfg.BarostatFrequency = 5
	d, err := New(peptide(t), cfg)
	require.NoError(t, err)

	res, err := d.Execute(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d.system.Barostat)
	assert.Equal(t, 4, d.system.Barostat.Attempts())
	assert.GreaterOrEqual(t, res.BarostatAcceptance, 0.0)
	assert.LessOrEqual(t, res.BarostatAcceptance, 1.0)
	assert.InDelta(t, res.Final.Box.Volume(), res.Structure.Box.Volume(), 1e-9)
}

func TestDriver_Restart(t *testing.T) {
	s := peptide(t)
	first, err := New(s, testConfig(NVT))
	require.NoError(t, err)
	res1, err := first.Execute(context.Background())
	require.NoError(t, err)

	cfg := testConfig(NVT)
	cfg.Steps = 10
	cfg.Restart = res1.Final
	var progress bytes.Buffer
	cfg.Progress = &progress
	rec := &recorder{interval: 5}
	second, err := New(res1.Structure, cfg, WithReporters(rec))
	require.NoError(t, err)
	res2, err := second.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(30), res2.Final.Step)
	assert.InDelta(t, 0.06, res2.Final.Time, 1e-9)
	require.Len(t, rec.frames, 2)
	assert.Equal(t, int64(25), rec.frames[0].Step)

	// percent counts the 10 steps of this stage, not the absolute step
	rows := strings.Split(strings.TrimSpace(progress.String()), "\n")
	require.Len(t, rows, 3)
	assert.True(t, strings.HasPrefix(rows[1], "50.0%\t25\t"), rows[1])
	assert.True(t, strings.HasPrefix(rows[2], "100.0%\t30\t"), rows[2])
	cfg.Progress = nil

	cfg.Restart = &engine.State{Positions: res1.Final.Positions}
	third, err := New(res1.Structure, cfg)
	require.NoError(t, err)
	_, err = third.Execute(context.Background())
	assert.ErrorIs(t, err, ErrNoVelocities)
	assert.Equal(t, Failed, third.State())
	assert.ErrorIs(t, third.Err(), ErrNoVelocities)
}

func TestDriver_PlatformErrorFails(t *testing.T) {
	cfg := testConfig(NVT)
	cfg.Platform = engine.NamedPlatform("CUDA")
	d, err := New(peptide(t), cfg)
	require.NoError(t, err)

	err = d.Configure(context.Background())
	var pe *engine.PlatformError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, Failed, d.State())

	err = d.Start(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, Failed, d.State())
}

func TestDriver_InvalidTransitions(t *testing.T) {
	d, err := New(peptide(t), testConfig(NVT))
	require.NoError(t, err)

	assert.ErrorIs(t, d.Start(context.Background()), ErrInvalidTransition)
	_, err = d.Run(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, Built, d.State())

	require.NoError(t, d.Configure(context.Background()))
	assert.ErrorIs(t, d.Configure(context.Background()), ErrInvalidTransition)
	assert.Equal(t, Configured, d.State())
}

func TestDriver_Cancelled(t *testing.T) {
	d, err := New(peptide(t), testConfig(NVT))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Execute(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Failed, d.State())
}

func TestDriver_Restraints(t *testing.T) {
	cfg := testConfig(Minimize)
	cfg.Restraints = []Restraint{{Selection: "name CA", Weight: 5}, {Selection: "backbone", Weight: 0}}
	d, err := New(peptide(t), cfg)
	require.NoError(t, err)
	require.NoError(t, d.Configure(context.Background()))
	require.Len(t, d.system.Restraints, 1)
	assert.Len(t, d.system.Restraints[0].Atoms, 3)

	cfg.Restraints = []Restraint{{Selection: "resname HOH", Weight: 1}}
	_, err = New(peptide(t), cfg)
	assert.ErrorIs(t, err, selection.ErrEmptySelection)
}

func TestDriver_TrajectoryConversion(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "conv")
	cfg := testConfig(NVT)
	cfg.Prefix = prefix
	cfg.TrajectoryFormat = trajectory.FormatPDB
	cfg.Selection = "name CA"
	d, err := New(peptide(t), cfg)
	require.NoError(t, err)

	res, err := d.Execute(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Converted)
	assert.Equal(t, 3, res.Converted.Atoms)
	assert.Equal(t, 2, res.Converted.Frames)
	assert.FileExists(t, prefix+".pdb")
}

func TestDriver_EnforcePeriodicBox(t *testing.T) {
	shifted := func() *structure.Structure {
		s := peptide(t)
		pos := s.Positions.Clone()
		for i := range pos.Values {
			pos.Values[i] = r3.Add(pos.Values[i], r3.Vec{X: 60})
		}
		out, err := s.WithPositions(pos)
		require.NoError(t, err)
		return out
	}
	run := func(enforce bool) r3.Vec {
		cfg := testConfig(Minimize)
		cfg.MaxIterations = 5
		cfg.EnforcePeriodicBox = enforce
		d, err := New(shifted(), cfg)
		require.NoError(t, err)
		res, err := d.Execute(context.Background())
		require.NoError(t, err)
		return structure.Centroid(res.Structure.Positions)
	}

	wrapped := run(true)
	assert.GreaterOrEqual(t, wrapped.X, 0.0)
	assert.Less(t, wrapped.X, 30.0)

	raw := run(false)
	assert.Greater(t, raw.X, 60.0)
}

func TestDriver_NewRejects(t *testing.T) {
	_, err := New(mdtest.Peptide(), testConfig(NVT))
	assert.ErrorIs(t, err, engine.ErrNoParameters)

	cfg := testConfig(NVT)
	cfg.Ensemble = "md"
	_, err = New(peptide(t), cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig(NVT)
	cfg.Steps = 0
	cfg.Duration = units.Time{}
	_, err = New(peptide(t), cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig(NVT)
	cfg.Restraints = []Restraint{{Selection: " ", Weight: 1}}
	_, err = New(peptide(t), cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDriver_NewRejectsUnwritableFormat(t *testing.T) {
	for _, name := range []trajectory.Format{"hdf5", "h5", "xtc"} {
		cfg := testConfig(NVT)
		cfg.Prefix = filepath.Join(t.TempDir(), "run")
		cfg.TrajectoryFormat = name
		d, err := New(peptide(t), cfg)
		assert.ErrorIs(t, err, ErrInvalidConfig, name)
		assert.Nil(t, d, name)
	}

	cfg := testConfig(NVT)
	cfg.TrajectoryFormat = trajectory.FormatHDF5
	assert.ErrorIs(t, cfg.Validate(), trajectory.ErrFormatUnavailable)
}

func TestDriver_NewRejectsSelection(t *testing.T) {
	cfg := testConfig(NVT)
	cfg.Prefix = filepath.Join(t.TempDir(), "run")
	cfg.TrajectoryFormat = trajectory.FormatPDB

	cfg.Selection = "name CA and ("
	_, err := New(peptide(t), cfg)
	var serr *selection.SelectionError
	require.ErrorAs(t, err, &serr)
	assert.ErrorIs(t, err, selection.ErrSyntax)

	cfg.Selection = "resname HOH"
	_, err = New(peptide(t), cfg)
	require.ErrorAs(t, err, &serr)
	assert.ErrorIs(t, err, selection.ErrEmptySelection)
	assert.NoFileExists(t, cfg.Prefix+".nc")

	cfg.Selection = "name CA"
	d, err := New(peptide(t), cfg)
	require.NoError(t, err)
	assert.Equal(t, Built, d.State())
}

func TestDriver_NewNormalizesFormatAlias(t *testing.T) {
	cfg := testConfig(NVT)
	cfg.TrajectoryFormat = "nc"
	d, err := New(peptide(t), cfg)
	require.NoError(t, err)
	assert.Equal(t, trajectory.FormatNetCDF, d.cfg.TrajectoryFormat)
}

func TestDriver_NewRejectsReporterInterval(t *testing.T) {
	for _, iv := range []int{0, -5} {
		_, err := New(peptide(t), testConfig(NVT), WithReporters(&recorder{interval: iv}))
		assert.ErrorIs(t, err, reporters.ErrInvalidInterval, iv)
	}

	d, err := New(peptide(t), testConfig(NVT), WithReporters(&recorder{interval: 3}))
	require.NoError(t, err)
	assert.Len(t, d.extra, 1)
}

func TestConfig_NumSteps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Duration = units.Picoseconds(1)
	assert.Equal(t, 500, cfg.NumSteps())
	cfg.Duration = units.Nanoseconds(0.01)
	assert.Equal(t, 5000, cfg.NumSteps())
	cfg.Steps = 7
	assert.Equal(t, 7, cfg.NumSteps())

	e, err := ParseEnsemble(" NPT ")
	require.NoError(t, err)
	assert.Equal(t, NPT, e)
	assert.True(t, e.Dynamic())
	assert.False(t, Minimize.Dynamic())
	assert.Equal(t, "Running", Running.String())
	assert.Equal(t, "State(9)", State(9).String())
}
