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
	"github.com/AleutianAI/AleutianMD/services/md/builder"
	"github.com/AleutianAI/AleutianMD/services/md/pipeline"
	"github.com/AleutianAI/AleutianMD/services/md/simulation"
	"github.com/AleutianAI/AleutianMD/services/md/solvation"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
	"github.com/AleutianAI/AleutianMD/services/md/telemetry"
)

// Fixer names accepted in SolvationConfig.Fixer.
const (
	FixerBuiltin  = "builtin"
	FixerPDBFixer = "pdbfixer"
)

// Config is the top level of aleutian-md.yaml.
type Config struct {
	ForceFields ForceFieldConfig     `yaml:"forcefields"`
	Solvation   SolvationConfig      `yaml:"solvation"`
	Simulation  SimulationConfig     `yaml:"simulation"`
	Protocol    []pipeline.StageSpec `yaml:"protocol" validate:"min=1,dive"`
	Hydration   HydrationConfig      `yaml:"hydration"`
	Store       StoreConfig          `yaml:"store"`
	Logging     LoggingConfig        `yaml:"logging"`
	Telemetry   telemetry.Config     `yaml:"telemetry"`
	Server      ServerConfig         `yaml:"server"`
}

// ForceFieldConfig names the ffxml files used for proteins and solvent.
type ForceFieldConfig struct {
	Protein string `yaml:"protein" validate:"required"`
	Solvent string `yaml:"solvent" validate:"required"`

	// SearchPaths are directories searched before the built-in files.
	SearchPaths []string `yaml:"search_paths,omitempty"`
}

type SolvationConfig struct {
	PH              float64 `yaml:"ph" validate:"gte=0,lte=14"`
	PaddingAngstrom float64 `yaml:"padding_angstrom" validate:"gt=0"`

	// SaltMillimolar below 50 is accepted but logged as a warning.
	SaltMillimolar float64 `yaml:"salt_millimolar" validate:"gte=0"`

	LigandTag    string `yaml:"ligand_tag" validate:"required,max=3"`
	Fixer        string `yaml:"fixer" validate:"oneof=builtin pdbfixer"`
	PDBFixerPath string `yaml:"pdbfixer_path,omitempty"`
}

type SimulationConfig struct {
	NonbondedMethod string  `yaml:"nonbonded_method" validate:"oneof=NoCutoff CutoffNonPeriodic CutoffPeriodic PME"`
	CutoffAngstrom  float64 `yaml:"cutoff_angstrom" validate:"gt=0"`
	Constraints     string  `yaml:"constraints" validate:"oneof=None HBonds AllBonds"`
	Temperature     float64 `yaml:"temperature" validate:"gt=0"`
	Pressure        float64 `yaml:"pressure" validate:"gt=0"`
	Platform        string  `yaml:"platform" validate:"required"`

	// TimeNs and Steps size a single simulate run. Protocol stages carry
	// their own lengths.
	TimeNs float64 `yaml:"time_ns" validate:"gte=0"`
	Steps  int     `yaml:"steps" validate:"gte=0"`

	MaxIterations      int    `yaml:"max_iterations" validate:"gte=0"`
	ReporterInterval   int    `yaml:"reporter_interval" validate:"gt=0"`
	TrajectoryInterval int    `yaml:"trajectory_interval" validate:"gt=0"`
	TrajectoryFormat   string `yaml:"trajectory_format" validate:"oneof=netcdf nc dcd pdb"`
	Selection          string `yaml:"selection,omitempty"`
	EnforcePeriodicBox bool   `yaml:"enforce_periodic_box"`
	Seed               uint64 `yaml:"seed,omitempty"`
}

type HydrationConfig struct {
	YankPath    string  `yaml:"yank_path"`
	PythonPath  string  `yaml:"python_path"`
	Iterations  int     `yaml:"iterations" validate:"gt=0"`
	Temperature float64 `yaml:"temperature" validate:"gt=0"`
	Pressure    float64 `yaml:"pressure" validate:"gt=0"`
	MaxParallel int     `yaml:"max_parallel" validate:"gte=1"`
	Minimize    bool    `yaml:"minimize"`

	// WorkDir holds one directory per molecule.
	WorkDir string `yaml:"work_dir" validate:"required"`
}

type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`

	// APIToken, when set, is required as a bearer token on /v1 endpoints.
	// The ALEUTIAN_MD_API_TOKEN environment variable overrides it.
	APIToken string `yaml:"api_token,omitempty"`

	// AnonymousRead lets callers without a token list and inspect runs.
	AnonymousRead bool `yaml:"anonymous_read"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() Config {
	b := builder.DefaultOptions()
	sol := solvation.DefaultConfig()
	sim := simulation.DefaultConfig()
	return Config{
		ForceFields: ForceFieldConfig{
			Protein: b.ProteinFF,
			Solvent: b.SolventFF,
		},
		Solvation: SolvationConfig{
			PH:              sol.PH,
			PaddingAngstrom: sol.Padding.Angstroms(),
			SaltMillimolar:  sol.SaltConcentration.Millimolar(),
			LigandTag:       structure.DefaultLigandTag,
			Fixer:           FixerBuiltin,
		},
		Simulation: SimulationConfig{
			NonbondedMethod:    sim.NonbondedMethod.String(),
			CutoffAngstrom:     sim.Cutoff.Angstroms(),
			Constraints:        sim.Constraints.String(),
			Temperature:        float64(sim.Temperature),
			Pressure:           sim.Pressure.Atm(),
			Platform:           sim.Platform.Name(),
			TimeNs:             sim.Duration.In(units.Nanosecond),
			MaxIterations:      sim.MaxIterations,
			ReporterInterval:   sim.ReportInterval,
			TrajectoryInterval: sim.TrajectoryInterval,
			TrajectoryFormat:   string(sim.TrajectoryFormat),
			EnforcePeriodicBox: sim.EnforcePeriodicBox,
		},
		Protocol: pipeline.DefaultProtocol(),
		Hydration: HydrationConfig{
			Iterations:  10,
			Temperature: 300,
			Pressure:    1,
			MaxParallel: 1,
			Minimize:    true,
			WorkDir:     "~/.aleutian-md/hydration",
		},
		Store:     StoreConfig{Path: "~/.aleutian-md/runs"},
		Logging:   LoggingConfig{Level: "info", Dir: "~/.aleutian-md/logs"},
		Telemetry: telemetry.DefaultConfig(),
		Server:    ServerConfig{Addr: "127.0.0.1:8741"},
	}
}
