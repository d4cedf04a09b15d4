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
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/AleutianAI/AleutianMD/pkg/units"
	"github.com/AleutianAI/AleutianMD/services/md/engine"
	"github.com/AleutianAI/AleutianMD/services/md/trajectory"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid simulation config")

// Integration constants shared by every dynamics run.
const (
	// Friction is the Langevin collision rate in 1/ps.
	Friction = 1.0

	// DefaultMaxIterations bounds minimization when none is configured.
	DefaultMaxIterations = 500
)

// StepSize is the fixed integration time step.
var StepSize = units.Femtoseconds(2)

// Ensemble is the statistical-mechanical run mode.
type Ensemble string

const (
	// Minimize runs energy minimization only.
	Minimize Ensemble = "min"
	// NVT runs constant volume and temperature dynamics.
	NVT Ensemble = "nvt"
	// NPT adds a Monte Carlo barostat to NVT.
	NPT Ensemble = "npt"
)

// ParseEnsemble accepts "min", "nvt" or "npt" in any case.
func ParseEnsemble(s string) (Ensemble, error) {
	switch e := Ensemble(strings.ToLower(strings.TrimSpace(s))); e {
	case Minimize, NVT, NPT:
		return e, nil
	}
	return "", fmt.Errorf("%w: ensemble %q", ErrInvalidConfig, s)
}

// Dynamic reports whether the ensemble integrates equations of motion.
func (e Ensemble) Dynamic() bool {
	return e == NVT || e == NPT
}

// Restraint tethers the atoms matched by Selection to their starting
// coordinates.
type Restraint struct {
	Selection string  `json:"selection" yaml:"selection"`
	Weight    float64 `json:"weight" yaml:"weight"` // kcal/mol/Å²
}

// Config is everything a Driver needs besides the structure.
//
// Description:
//
//	Every field is explicit; the zero value is not runnable. Start from
//	DefaultConfig and override.
type Config struct {
	NonbondedMethod engine.NonbondedMethod
	Cutoff          units.Length
	Constraints     engine.Constraints

	Ensemble    Ensemble
	Temperature units.Kelvin
	Pressure    units.Pressure

	// BarostatFrequency is the number of steps between volume moves (npt).
	BarostatFrequency int

	Platform engine.Platform

	// Duration of a dynamics run. Converted to steps at StepSize.
	Duration units.Time

	// Steps overrides Duration when positive.
	Steps int

	// MaxIterations bounds minimization.
	MaxIterations int

	// Tolerance is the minimization RMS force threshold (kJ/mol/nm).
	Tolerance float64

	ReportInterval     int
	TrajectoryInterval int

	// TrajectoryFormat other than netcdf converts <prefix>.nc after the run.
	TrajectoryFormat trajectory.Format

	// Selection restricts the converted trajectory.
	Selection string

	// Prefix is the output path prefix for <prefix>.log and <prefix>.nc.
	// Empty disables file reporters.
	Prefix string

	// Progress receives the progress stream. Nil disables it.
	Progress io.Writer

	// EnforcePeriodicBox wraps molecules into the primary cell in reported
	// and returned positions.
	EnforcePeriodicBox bool

	// Restart supplies velocities (and time) from a prior run. Nil samples
	// fresh Maxwell-Boltzmann velocities.
	Restart *engine.State

	Restraints []Restraint

	// Center translates the solute to the box center before the run.
	Center bool

	Seed uint64
}

// DefaultConfig returns a 300 K nvt configuration with a periodic 1 nm
// cutoff, hydrogen bond constraints, and reports every 1000 steps.
func DefaultConfig() Config {
	return Config{
		NonbondedMethod:    engine.PME,
		Cutoff:             units.Nanometers(1.0),
		Constraints:        engine.HBonds,
		Ensemble:           NVT,
		Temperature:        300,
		Pressure:           units.Atmospheres(1),
		BarostatFrequency:  engine.DefaultBarostatFrequency,
		Platform:           engine.AutoPlatform(),
		Duration:           units.Nanoseconds(0.01),
		MaxIterations:      DefaultMaxIterations,
		ReportInterval:     1000,
		TrajectoryInterval: 1000,
		TrajectoryFormat:   trajectory.FormatNetCDF,
		EnforcePeriodicBox: true,
	}
}

// NumSteps returns the integration step count of a dynamics run.
func (c Config) NumSteps() int {
	if c.Steps > 0 {
		return c.Steps
	}
	return c.Duration.Steps(StepSize)
}

// Validate checks option ranges.
func (c Config) Validate() error {
	if _, err := ParseEnsemble(string(c.Ensemble)); err != nil {
		return err
	}
	if c.Temperature <= 0 && c.Ensemble.Dynamic() {
		return fmt.Errorf("%w: temperature must be positive", ErrInvalidConfig)
	}
	if c.Ensemble == NPT && c.Pressure.Bar() <= 0 {
		return fmt.Errorf("%w: pressure must be positive", ErrInvalidConfig)
	}
	if c.Ensemble.Dynamic() {
		if c.NumSteps() <= 0 {
			return fmt.Errorf("%w: run length is zero steps", ErrInvalidConfig)
		}
		if c.ReportInterval <= 0 {
			return fmt.Errorf("%w: report interval must be positive", ErrInvalidConfig)
		}
		if c.Prefix != "" && c.TrajectoryInterval <= 0 {
			return fmt.Errorf("%w: trajectory interval must be positive", ErrInvalidConfig)
		}
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("%w: max iterations is negative", ErrInvalidConfig)
	}
	for _, r := range c.Restraints {
		if strings.TrimSpace(r.Selection) == "" || r.Weight < 0 {
			return fmt.Errorf("%w: restraint %q weight %g", ErrInvalidConfig, r.Selection, r.Weight)
		}
	}
	if c.TrajectoryFormat != "" {
		f, err := trajectory.ParseFormat(string(c.TrajectoryFormat))
		if err == nil {
			err = trajectory.Writable(f)
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}
