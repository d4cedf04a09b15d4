// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hydration

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMD/pkg/units"
)

func TestDefaultExperiment_Document(t *testing.T) {
	opts := DefaultExperimentOptions()
	opts.Temperature = 298.15
	opts.Iterations = 500
	data, err := DefaultExperiment(opts).Marshal()
	require.NoError(t, err)
	doc := string(data)

	for _, want := range []string{
		"---\n",
		"minimize: true",
		"number_of_iterations: 500",
		"temperature: 298.15*kelvin",
		"pressure: 1*atmosphere",
		"filepath: input.sdf",
		"quacpac: am1-bcc",
		"charge_method: null",
		"nonbonded_method: PME",
		"nonbonded_cutoff: 9*angstroms",
		"clearance: 16*angstroms",
		"nonbonded_method: NoCutoff",
		"parameters: [leaprc.gaff, leaprc.protein.ff14SB, leaprc.water.tip3p]",
		"lambda_electrostatics: [1, 0.75, 0.5, 0.25, 0,",
		"lambda_sterics: [1, 1, 1, 1, 1, 0.95, 0.9,",
		"system: hydration",
		"protocol: hydration-protocol",
	} {
		assert.Contains(t, doc, want)
	}
}

func TestDefaultExperiment_Schedule(t *testing.T) {
	e := DefaultExperiment(DefaultExperimentOptions())
	require.NoError(t, e.Validate())
	p := e.Protocols[ProtocolName].Solvent1.AlchemicalPath
	assert.Len(t, p.LambdaElectrostatics, 19)
	assert.Len(t, p.LambdaSterics, 19)

	// each experiment owns its schedule
	p.LambdaSterics[0] = 0.5
	assert.Equal(t, 1.0, LambdaSterics[0])
}

func TestExperiment_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hydration.yaml")
	opts := DefaultExperimentOptions()
	opts.Pressure = units.Pressure{Value: 1.01325, Unit: units.Bar}
	want := DefaultExperiment(opts)
	require.NoError(t, want.WriteFile(path))

	got, err := ReadExperiment(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, "1*atmosphere", got.Options.Pressure)
}

func TestExperiment_Validate(t *testing.T) {
	tests := map[string]func(e *Experiment){
		"unknown system":   func(e *Experiment) { e.Experiments.System = "nope" },
		"unknown protocol": func(e *Experiment) { e.Experiments.Protocol = "nope" },
		"unknown solvent":  func(e *Experiment) { delete(e.Solvents, SolventVac) },
		"unknown solute":   func(e *Experiment) { delete(e.Molecules, MoleculeName) },
		"no iterations":    func(e *Experiment) { e.Options.NumberOfIterations = 0 },
		"length mismatch": func(e *Experiment) {
			p := e.Protocols[ProtocolName]
			p.Solvent2.AlchemicalPath.LambdaSterics = p.Solvent2.AlchemicalPath.LambdaSterics[:5]
			e.Protocols[ProtocolName] = p
		},
		"increasing": func(e *Experiment) {
			p := e.Protocols[ProtocolName]
			p.Solvent1.AlchemicalPath.LambdaSterics[7] = 0.99
			e.Protocols[ProtocolName] = p
		},
		"not decoupled": func(e *Experiment) {
			p := e.Protocols[ProtocolName]
			p.Solvent1.AlchemicalPath.LambdaSterics[18] = 0.05
			e.Protocols[ProtocolName] = p
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			e := DefaultExperiment(DefaultExperimentOptions())
			mutate(e)
			assert.ErrorIs(t, e.Validate(), ErrInvalidExperiment)
		})
	}
}
