// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"github.com/AleutianAI/AleutianMD/pkg/units"
	"github.com/AleutianAI/AleutianMD/services/md/hydration"
	"github.com/AleutianAI/AleutianMD/services/md/pipeline"
	"github.com/AleutianAI/AleutianMD/services/md/simulation"
)

// Settings returns the engine settings shared by every protocol stage.
func (c *Config) Settings() pipeline.Settings {
	s := c.Simulation
	return pipeline.Settings{
		NonbondedMethod:    s.NonbondedMethod,
		CutoffAngstrom:     s.CutoffAngstrom,
		Constraints:        s.Constraints,
		Temperature:        s.Temperature,
		PressureAtm:        s.Pressure,
		Platform:           s.Platform,
		ReportInterval:     s.ReporterInterval,
		TrajectoryInterval: s.TrajectoryInterval,
		TrajectoryFormat:   s.TrajectoryFormat,
		Selection:          s.Selection,
		EnforcePeriodicBox: s.EnforcePeriodicBox,
		Seed:               s.Seed,
	}
}

// Request returns a pipeline request carrying every configured default.
// Inputs, work directory and prefix are left for the caller.
func (c *Config) Request() pipeline.Request {
	req := pipeline.DefaultRequest()
	req.ProteinFF = c.ForceFields.Protein
	req.SolventFF = c.ForceFields.Solvent
	req.LigandTag = c.Solvation.LigandTag
	req.PH = c.Solvation.PH
	req.PaddingAngstrom = c.Solvation.PaddingAngstrom
	req.SaltMillimolar = c.Solvation.SaltMillimolar
	req.Settings = c.Settings()
	req.Protocol = append([]pipeline.StageSpec(nil), c.Protocol...)
	return req
}

// SingleStage returns a protocol stage for ensemble sized by the
// simulation section. Minimization is bounded by max_iterations.
func (c *Config) SingleStage(name, ensemble string) pipeline.StageSpec {
	st := pipeline.StageSpec{Name: name, Ensemble: ensemble, Reports: true}
	if ensemble == string(simulation.Minimize) {
		st.Steps = c.Simulation.MaxIterations
		st.Reports = false
		return st
	}
	st.TimeNs = c.Simulation.TimeNs
	st.Steps = c.Simulation.Steps
	return st
}

// ExperimentOptions returns the hydration experiment values.
func (c *Config) ExperimentOptions() hydration.ExperimentOptions {
	o := hydration.DefaultExperimentOptions()
	o.Temperature = units.Kelvin(c.Hydration.Temperature)
	o.Pressure = units.Atmospheres(c.Hydration.Pressure)
	o.Iterations = c.Hydration.Iterations
	o.Minimize = c.Hydration.Minimize
	return o
}
