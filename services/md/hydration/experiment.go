// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hydration computes small-molecule hydration free energies with
// the YANK alchemical toolkit.
//
// The package assembles YANK's YAML experiment description, runs the
// toolkit once per molecule in its own working directory, reads back the
// solvent and vacuum free energy differences and annotates each input
// record with the result or the error that prevented one.
package hydration

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianMD/pkg/units"
)

// ErrInvalidExperiment is returned by Experiment.Validate.
var ErrInvalidExperiment = errors.New("invalid hydration experiment")

// Names used inside the experiment document.
const (
	MoleculeName = "input_molecule"
	SystemName   = "hydration"
	ProtocolName = "hydration-protocol"
	SolventPME   = "pme"
	SolventVac   = "vacuum"
)

// Alchemical schedule shared by both phases: charges are switched off over
// the first five states, then Lennard-Jones interactions over the rest.
var (
	LambdaElectrostatics = []float64{1.00, 0.75, 0.50, 0.25, 0.00, 0.00, 0.00, 0.00, 0.00, 0.00, 0.00, 0.00, 0.00, 0.00, 0.00, 0.00, 0.00, 0.00, 0.00}
	LambdaSterics        = []float64{1.00, 1.00, 1.00, 1.00, 1.00, 0.95, 0.90, 0.85, 0.80, 0.75, 0.70, 0.65, 0.60, 0.50, 0.40, 0.30, 0.20, 0.10, 0.00}
)

// Experiment mirrors the YANK YAML schema for a hydration calculation.
type Experiment struct {
	Options     RunOptions          `yaml:"options"`
	Molecules   map[string]Molecule `yaml:"molecules"`
	Solvents    map[string]Solvent  `yaml:"solvents"`
	Systems     map[string]System   `yaml:"systems"`
	Protocols   map[string]Protocol `yaml:"protocols"`
	Experiments ExperimentRef       `yaml:"experiments"`
}

// RunOptions is the YANK "options" block.
type RunOptions struct {
	Minimize           bool   `yaml:"minimize"`
	Verbose            bool   `yaml:"verbose"`
	NumberOfIterations int    `yaml:"number_of_iterations"`
	Temperature        string `yaml:"temperature"`
	Pressure           string `yaml:"pressure"`
	OutputDir          string `yaml:"output_dir,omitempty"`
}

// Molecule is one entry of the "molecules" block.
type Molecule struct {
	Filepath    string       `yaml:"filepath"`
	OpenEye     *OpenEye     `yaml:"openeye,omitempty"`
	Antechamber *Antechamber `yaml:"antechamber,omitempty"`
}

// OpenEye selects the charge model used by the OpenEye toolkits.
type OpenEye struct {
	Quacpac string `yaml:"quacpac"`
}

// Antechamber configures antechamber; a nil ChargeMethod keeps the
// charges already assigned.
type Antechamber struct {
	ChargeMethod *string `yaml:"charge_method"`
}

// Solvent is one entry of the "solvents" block.
type Solvent struct {
	NonbondedMethod string `yaml:"nonbonded_method"`
	NonbondedCutoff string `yaml:"nonbonded_cutoff,omitempty"`
	Clearance       string `yaml:"clearance,omitempty"`
}

// System pairs the solute with the two phases.
type System struct {
	Solute   string `yaml:"solute"`
	Solvent1 string `yaml:"solvent1"`
	Solvent2 string `yaml:"solvent2"`
	Leap     Leap   `yaml:"leap"`
}

// Leap lists the tleap parameter files.
type Leap struct {
	Parameters []string `yaml:"parameters,flow"`
}

// Protocol holds the alchemical path of each phase.
type Protocol struct {
	Solvent1 Phase `yaml:"solvent1"`
	Solvent2 Phase `yaml:"solvent2"`
}

// Phase wraps an alchemical path.
type Phase struct {
	AlchemicalPath AlchemicalPath `yaml:"alchemical_path"`
}

// AlchemicalPath is the lambda schedule of one phase.
type AlchemicalPath struct {
	LambdaElectrostatics []float64 `yaml:"lambda_electrostatics,flow"`
	LambdaSterics        []float64 `yaml:"lambda_sterics,flow"`
}

// ExperimentRef selects the system and protocol to run.
type ExperimentRef struct {
	System   string `yaml:"system"`
	Protocol string `yaml:"protocol"`
}

// ExperimentOptions are the values substituted into DefaultExperiment.
type ExperimentOptions struct {
	// MoleculePath is the solute file, relative to the toolkit working
	// directory.
	MoleculePath string

	Temperature units.Kelvin
	Pressure    units.Pressure
	Iterations  int
	Minimize    bool

	// OutputDir is where the toolkit writes its store, relative to the
	// working directory.
	OutputDir string
}

// DefaultExperimentOptions returns 300 K, 1 atm, 10 iterations with
// minimization, reading input.sdf and writing to output/.
func DefaultExperimentOptions() ExperimentOptions {
	return ExperimentOptions{
		MoleculePath: "input.sdf",
		Temperature:  300,
		Pressure:     units.Atmospheres(1),
		Iterations:   10,
		Minimize:     true,
		OutputDir:    "output",
	}
}

// DefaultExperiment builds the hydration experiment: the solute in PME
// TIP3P water with 16 Å clearance and 9 Å cutoff against vacuum, GAFF and
// ff14SB parameters, AM1-BCC charges, and the 19-state schedule in both
// phases.
func DefaultExperiment(o ExperimentOptions) *Experiment {
	path := AlchemicalPath{
		LambdaElectrostatics: append([]float64(nil), LambdaElectrostatics...),
		LambdaSterics:        append([]float64(nil), LambdaSterics...),
	}
	return &Experiment{
		Options: RunOptions{
			Minimize:           o.Minimize,
			Verbose:            true,
			NumberOfIterations: o.Iterations,
			Temperature:        fmt.Sprintf("%g*kelvin", float64(o.Temperature)),
			Pressure:           fmt.Sprintf("%g*atmosphere", o.Pressure.Atm()),
			OutputDir:          o.OutputDir,
		},
		Molecules: map[string]Molecule{
			MoleculeName: {
				Filepath:    o.MoleculePath,
				OpenEye:     &OpenEye{Quacpac: "am1-bcc"},
				Antechamber: &Antechamber{},
			},
		},
		Solvents: map[string]Solvent{
			SolventPME: {NonbondedMethod: "PME", NonbondedCutoff: "9*angstroms", Clearance: "16*angstroms"},
			SolventVac: {NonbondedMethod: "NoCutoff"},
		},
		Systems: map[string]System{
			SystemName: {
				Solute:   MoleculeName,
				Solvent1: SolventPME,
				Solvent2: SolventVac,
				Leap:     Leap{Parameters: []string{"leaprc.gaff", "leaprc.protein.ff14SB", "leaprc.water.tip3p"}},
			},
		},
		Protocols: map[string]Protocol{
			ProtocolName: {Solvent1: Phase{AlchemicalPath: path}, Solvent2: Phase{AlchemicalPath: path}},
		},
		Experiments: ExperimentRef{System: SystemName, Protocol: ProtocolName},
	}
}

// Validate checks that the experiment references existing entries and that
// every schedule runs from fully coupled (1) to decoupled (0) without
// increasing.
func (e *Experiment) Validate() error {
	sys, ok := e.Systems[e.Experiments.System]
	if !ok {
		return fmt.Errorf("%w: unknown system %q", ErrInvalidExperiment, e.Experiments.System)
	}
	if _, ok := e.Molecules[sys.Solute]; !ok {
		return fmt.Errorf("%w: unknown solute %q", ErrInvalidExperiment, sys.Solute)
	}
	for _, s := range []string{sys.Solvent1, sys.Solvent2} {
		if _, ok := e.Solvents[s]; !ok {
			return fmt.Errorf("%w: unknown solvent %q", ErrInvalidExperiment, s)
		}
	}
	proto, ok := e.Protocols[e.Experiments.Protocol]
	if !ok {
		return fmt.Errorf("%w: unknown protocol %q", ErrInvalidExperiment, e.Experiments.Protocol)
	}
	if e.Options.NumberOfIterations <= 0 {
		return fmt.Errorf("%w: number_of_iterations must be positive", ErrInvalidExperiment)
	}
	for name, p := range map[string]AlchemicalPath{"solvent1": proto.Solvent1.AlchemicalPath, "solvent2": proto.Solvent2.AlchemicalPath} {
		if err := checkSchedule(p); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidExperiment, name, err)
		}
	}
	return nil
}

func checkSchedule(p AlchemicalPath) error {
	if len(p.LambdaElectrostatics) != len(p.LambdaSterics) {
		return fmt.Errorf("schedule lengths differ (%d electrostatics, %d sterics)",
			len(p.LambdaElectrostatics), len(p.LambdaSterics))
	}
	if len(p.LambdaSterics) < 2 {
		return errors.New("schedule needs at least two states")
	}
	for _, l := range [][]float64{p.LambdaElectrostatics, p.LambdaSterics} {
		if l[0] != 1 || l[len(l)-1] != 0 {
			return errors.New("schedule must run from 1 to 0")
		}
		for i := 1; i < len(l); i++ {
			if l[i] > l[i-1] {
				return fmt.Errorf("lambda increases at state %d", i)
			}
		}
	}
	return nil
}

// Marshal encodes the experiment as a YANK YAML document.
func (e *Experiment) Marshal() ([]byte, error) {
	body, err := yaml.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append([]byte("---\n"), body...), nil
}

// WriteFile writes the experiment to path.
func (e *Experiment) WriteFile(path string) error {
	data, err := e.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadExperiment loads an experiment document, for user supplied templates.
func ReadExperiment(path string) (*Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e Experiment
	if err := yaml.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExperiment, err)
	}
	return &e, nil
}
