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
	"errors"
	"fmt"
	"path/filepath"

	"github.com/AleutianAI/AleutianMD/pkg/units"
	"github.com/AleutianAI/AleutianMD/pkg/validation"
	"github.com/AleutianAI/AleutianMD/services/md/builder"
	"github.com/AleutianAI/AleutianMD/services/md/engine"
	"github.com/AleutianAI/AleutianMD/services/md/simulation"
	"github.com/AleutianAI/AleutianMD/services/md/solvation"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
	"github.com/AleutianAI/AleutianMD/services/md/trajectory"
)

// ErrInvalidRequest is returned by Request.Validate.
var ErrInvalidRequest = errors.New("invalid pipeline request")

// Fixed node names. Protocol stages may not reuse them.
const (
	NodeProtein = "protein"
	NodeLigand  = "ligand"
	NodeMerge   = "merge"
	NodeSolvate = "solvate"
)

// Restraint selections used by the default protocol.
const (
	HeavySoluteSelection    = "noh (ligand or protein)"
	AlphaCarbonAndLigandSel = "ca_protein or (noh ligand)"
)

// StageSpec describes one protocol stage.
type StageSpec struct {
	Name     string `json:"name" yaml:"name" validate:"required"`
	Ensemble string `json:"ensemble" yaml:"ensemble" validate:"required,oneof=min nvt npt"`

	// TimeNs is the simulated time of a dynamics stage.
	TimeNs float64 `json:"time_ns,omitempty" yaml:"time_ns,omitempty" validate:"gte=0"`

	// Steps overrides TimeNs for dynamics and bounds iterations for min.
	Steps int `json:"steps,omitempty" yaml:"steps,omitempty" validate:"gte=0"`

	Restraints []simulation.Restraint `json:"restraints,omitempty" yaml:"restraints,omitempty" validate:"dive"`

	// Center moves the solute to the box center before the stage.
	Center bool `json:"center,omitempty" yaml:"center,omitempty"`

	// Reports writes <prefix>-<name>.log and .nc for dynamics stages.
	Reports bool `json:"reports,omitempty" yaml:"reports,omitempty"`
}

// DefaultProtocol returns the complex equilibration: restrained
// minimization, an nvt warm up and three npt stages with decreasing
// restraint weights.
func DefaultProtocol() []StageSpec {
	heavy := func(w float64) []simulation.Restraint {
		return []simulation.Restraint{{Selection: HeavySoluteSelection, Weight: w}}
	}
	return []StageSpec{
		{Name: "min", Ensemble: "min", Steps: 1000, Center: true, Restraints: heavy(5.0)},
		{Name: "warmup", Ensemble: "nvt", TimeNs: 0.02, Restraints: heavy(2.0)},
		{Name: "equil1", Ensemble: "npt", TimeNs: 0.02, Restraints: heavy(2.0)},
		{Name: "equil2", Ensemble: "npt", TimeNs: 0.02, Restraints: heavy(0.5)},
		{Name: "equil3", Ensemble: "npt", TimeNs: 0.02, Restraints: []simulation.Restraint{
			{Selection: AlphaCarbonAndLigandSel, Weight: 0.1},
		}},
	}
}

// Settings are the simulation options shared by every stage.
type Settings struct {
	NonbondedMethod    string  `json:"nonbonded_method"`
	CutoffAngstrom     float64 `json:"cutoff_angstrom"`
	Constraints        string  `json:"constraints"`
	Temperature        float64 `json:"temperature_k"`
	PressureAtm        float64 `json:"pressure_atm"`
	Platform           string  `json:"platform"`
	ReportInterval     int     `json:"report_interval"`
	TrajectoryInterval int     `json:"trajectory_interval"`
	TrajectoryFormat   string  `json:"trajectory_format,omitempty"`
	Selection          string  `json:"selection,omitempty"`
	EnforcePeriodicBox bool    `json:"enforce_periodic_box"`
	Tolerance          float64 `json:"tolerance,omitempty"`
	Seed               uint64  `json:"seed,omitempty"`
}

// DefaultSettings mirrors simulation.DefaultConfig.
func DefaultSettings() Settings {
	d := simulation.DefaultConfig()
	return Settings{
		NonbondedMethod:    d.NonbondedMethod.String(),
		CutoffAngstrom:     d.Cutoff.Angstroms(),
		Constraints:        d.Constraints.String(),
		Temperature:        float64(d.Temperature),
		PressureAtm:        d.Pressure.Atm(),
		Platform:           d.Platform.Name(),
		ReportInterval:     d.ReportInterval,
		TrajectoryInterval: d.TrajectoryInterval,
		TrajectoryFormat:   string(d.TrajectoryFormat),
		EnforcePeriodicBox: d.EnforcePeriodicBox,
	}
}

// Request is everything needed to run, and later resume, a pipeline. It is
// stored with the run as JSON.
type Request struct {
	Name string `json:"name,omitempty"`

	ProteinPDB string `json:"protein_pdb"`
	// LigandPDB is optional; without it the protein is solvated alone.
	LigandPDB string   `json:"ligand_pdb,omitempty"`
	ProteinFF string   `json:"protein_ff"`
	SolventFF string   `json:"solvent_ff"`
	LigandFF  []string `json:"ligand_ff,omitempty"`
	LigandTag string   `json:"ligand_tag"`

	PH              float64 `json:"ph"`
	PaddingAngstrom float64 `json:"padding_angstrom"`
	SaltMillimolar  float64 `json:"salt_millimolar"`

	Settings Settings    `json:"settings"`
	Protocol []StageSpec `json:"protocol"`

	// WorkDir holds every output. Prefix names them.
	WorkDir string `json:"work_dir"`
	Prefix  string `json:"prefix"`
}

// DefaultRequest returns a request with every option at its default.
// Inputs and WorkDir must still be set.
func DefaultRequest() Request {
	sol := solvation.DefaultConfig()
	b := builder.DefaultOptions()
	return Request{
		ProteinFF:       b.ProteinFF,
		SolventFF:       b.SolventFF,
		LigandTag:       structure.DefaultLigandTag,
		PH:              sol.PH,
		PaddingAngstrom: sol.Padding.Angstroms(),
		SaltMillimolar:  sol.SaltConcentration.Millimolar(),
		Settings:        DefaultSettings(),
		Protocol:        DefaultProtocol(),
		Prefix:          "complex",
	}
}

// Validate checks the request without touching the filesystem.
func (r Request) Validate() error {
	if err := r.validateSystem(); err != nil {
		return err
	}
	if len(r.Protocol) == 0 {
		return fmt.Errorf("%w: protocol has no stages", ErrInvalidRequest)
	}
	seen := map[string]bool{NodeProtein: true, NodeLigand: true, NodeMerge: true, NodeSolvate: true}
	for i, st := range r.Protocol {
		if st.Name == "" {
			return fmt.Errorf("%w: stage %d has no name", ErrInvalidRequest, i)
		}
		if seen[st.Name] {
			return fmt.Errorf("%w: stage name %q is reserved or repeated", ErrInvalidRequest, st.Name)
		}
		seen[st.Name] = true
		if _, err := r.StageConfig(i); err != nil {
			return fmt.Errorf("%w: stage %s: %v", ErrInvalidRequest, st.Name, err)
		}
	}
	return nil
}

// validateSystem checks everything up to and including solvation.
func (r Request) validateSystem() error {
	switch {
	case r.ProteinPDB == "":
		return fmt.Errorf("%w: protein PDB is required", ErrInvalidRequest)
	case r.LigandPDB != "" && len(r.LigandFF) == 0:
		return fmt.Errorf("%w: ligand force field is required with a ligand", ErrInvalidRequest)
	}
	if err := validation.ValidatePrefix(r.Prefix); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if r.LigandTag != "" {
		if err := validation.ValidateResidueTag(r.LigandTag); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	_, err := r.solvationConfig()
	return err
}

// StageNames returns the protocol stage names in order.
func (r Request) StageNames() []string {
	out := make([]string, len(r.Protocol))
	for i, st := range r.Protocol {
		out[i] = st.Name
	}
	return out
}

// Plan returns every node name in execution order.
func (r Request) Plan() []string {
	plan := []string{NodeProtein}
	if r.LigandPDB != "" {
		plan = append(plan, NodeLigand)
	}
	plan = append(plan, NodeMerge, NodeSolvate)
	return append(plan, r.StageNames()...)
}

// OutputPath returns <workdir>/<prefix>-<name><ext>.
func (r Request) OutputPath(name, ext string) string {
	return filepath.Join(r.WorkDir, r.Prefix+"-"+name+ext)
}

func (r Request) builderOptions() builder.Options {
	return builder.Options{ProteinFF: r.ProteinFF, SolventFF: r.SolventFF, RigidWater: true}
}

func (r Request) solvationConfig() (solvation.Config, error) {
	cfg := solvation.DefaultConfig()
	cfg.PH = r.PH
	cfg.Padding = units.Angstroms(r.PaddingAngstrom)
	cfg.SaltConcentration = units.Millimolars(r.SaltMillimolar)
	cfg.ProteinFF = r.ProteinFF
	cfg.SolventFF = r.SolventFF
	cfg.Prefix = r.Prefix
	cfg.WorkDir = r.WorkDir
	if r.LigandTag != "" {
		cfg.LigandTag = r.LigandTag
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return cfg, nil
}

// StageConfig builds the driver configuration of protocol stage i. Restart
// state and the progress writer are filled in by the caller.
func (r Request) StageConfig(i int) (simulation.Config, error) {
	if i < 0 || i >= len(r.Protocol) {
		return simulation.Config{}, fmt.Errorf("stage index %d out of range", i)
	}
	st := r.Protocol[i]
	s := r.Settings
	cfg := simulation.DefaultConfig()

	var err error
	if cfg.Ensemble, err = simulation.ParseEnsemble(st.Ensemble); err != nil {
		return cfg, err
	}
	if s.NonbondedMethod != "" {
		if cfg.NonbondedMethod, err = engine.ParseNonbondedMethod(s.NonbondedMethod); err != nil {
			return cfg, err
		}
	}
	if s.Constraints != "" {
		if cfg.Constraints, err = engine.ParseConstraints(s.Constraints); err != nil {
			return cfg, err
		}
	}
	if s.TrajectoryFormat != "" {
		if cfg.TrajectoryFormat, err = trajectory.ParseFormat(s.TrajectoryFormat); err != nil {
			return cfg, err
		}
	}
	if s.CutoffAngstrom > 0 {
		cfg.Cutoff = units.Angstroms(s.CutoffAngstrom)
	}
	if s.Temperature > 0 {
		cfg.Temperature = units.Kelvin(s.Temperature)
	}
	if s.PressureAtm > 0 {
		cfg.Pressure = units.Atmospheres(s.PressureAtm)
	}
	if s.ReportInterval > 0 {
		cfg.ReportInterval = s.ReportInterval
	}
	if s.TrajectoryInterval > 0 {
		cfg.TrajectoryInterval = s.TrajectoryInterval
	}
	cfg.Platform = engine.ParsePlatform(s.Platform)
	cfg.Selection = s.Selection
	cfg.EnforcePeriodicBox = s.EnforcePeriodicBox
	cfg.Tolerance = s.Tolerance
	if s.Seed != 0 {
		cfg.Seed = s.Seed + uint64(i)
	}

	if cfg.Ensemble.Dynamic() {
		cfg.Duration = units.Nanoseconds(st.TimeNs)
		cfg.Steps = st.Steps
	} else if st.Steps > 0 {
		cfg.MaxIterations = st.Steps
	}
	cfg.Restraints = append([]simulation.Restraint(nil), st.Restraints...)
	cfg.Center = st.Center
	if st.Reports && cfg.Ensemble.Dynamic() {
		cfg.Prefix = filepath.Join(r.WorkDir, r.Prefix+"-"+st.Name)
	}
	return cfg, cfg.Validate()
}
