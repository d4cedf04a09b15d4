// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMD/services/md/engine"
)

// --- Global Command Variables ---
var (
	cfgPath          string
	logLevel         string
	jsonLogs         bool
	personalityLevel string // full, standard, minimal or machine

	// system inputs shared by build and pipeline
	proteinPDB string
	ligandPDB  string
	ligandFF   []string
	workDir    string
	prefix     string
	fixerName  string

	rootCmd = &cobra.Command{
		Use:   "aleutian-md",
		Short: "Prepare, equilibrate and analyse protein-ligand systems",
		Long: `aleutian-md builds parameterized protein-ligand complexes, solvates them,
runs staged molecular dynamics equilibration, converts trajectories and
computes hydration free energies through YANK.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
	}

	// --- System Preparation ---
	buildCmd = &cobra.Command{
		Use:   "build",
		Short: "Build, merge and solvate a protein (and optional ligand) into a PDB",
		Args:  cobra.NoArgs,
		RunE:  runBuild, // Defined in cmd_build.go
	}
	simulateCmd = &cobra.Command{
		Use:   "simulate [structure.pdb]",
		Short: "Run one minimization or dynamics stage on a solvated PDB",
		Args:  cobra.ExactArgs(1),
		RunE:  runSimulate, // Defined in cmd_simulate.go
	}

	// --- Pipeline Runs ---
	pipelineCmd = &cobra.Command{
		Use:   "pipeline",
		Short: "Run the full preparation and equilibration protocol as a recorded run",
		Args:  cobra.NoArgs,
		RunE:  runPipeline, // Defined in cmd_pipeline.go
	}
	resumeCmd = &cobra.Command{
		Use:   "resume [run-id]",
		Short: "Resume a failed or interrupted run after its last completed stage",
		Args:  cobra.ExactArgs(1),
		RunE:  runResume,
	}
	runsCmd = &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded pipeline runs",
	}
	runsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE:  runRunsList, // Defined in cmd_runs.go
	}
	runsShowCmd = &cobra.Command{
		Use:   "show [run-id]",
		Short: "Print every stored field of a run and its stages",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunsShow,
	}
	runsLogsCmd = &cobra.Command{
		Use:   "logs [run-id]",
		Short: "Print the stored log of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunsLogs,
	}
	runsDeleteCmd = &cobra.Command{
		Use:   "delete [run-id]",
		Short: "Delete a run with its stages, restarts and logs",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunsDelete,
	}

	// --- Analysis ---
	convertCmd = &cobra.Command{
		Use:   "convert [trajectory.nc]",
		Short: "Convert an AMBER NetCDF trajectory to another format or atom selection",
		Args:  cobra.ExactArgs(1),
		RunE:  runConvert, // Defined in cmd_convert.go
	}
	hydrationCmd = &cobra.Command{
		Use:   "hydration [molecules.sdf]",
		Short: "Compute hydration free energies for every molecule in an SDF file",
		Args:  cobra.RangeArgs(0, 1),
		RunE:  runHydration, // Defined in cmd_hydration.go
	}

	// --- Service ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API over HTTP",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}

	// --- Configuration ---
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Show or initialise the configuration file",
	}
	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow, // Defined in cmd_config.go
	}
	configInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		Args:  cobra.NoArgs,
		RunE:  runConfigInit,
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "", "Configuration file (default ~/.aleutian-md/aleutian-md.yaml)")
	pf.StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	pf.BoolVar(&jsonLogs, "json-logs", false, "Write stderr logs as JSON")
	pf.StringVar(&personalityLevel, "personality", "", "Output style: full, standard, minimal, or machine")

	for _, c := range []*cobra.Command{buildCmd, pipelineCmd} {
		f := c.Flags()
		f.StringVar(&proteinPDB, "protein", "", "Protein PDB file (required)")
		f.StringVar(&ligandPDB, "ligand", "", "Ligand PDB file")
		f.StringSliceVar(&ligandFF, "ligand-ff", nil, "ffxml files holding the ligand template (repeatable)")
		f.StringVarP(&workDir, "work-dir", "w", ".", "Directory for every output file")
		f.StringVar(&prefix, "prefix", "complex", "Output file name prefix")
		f.StringVar(&fixerName, "fixer", "", "Override solvation.fixer (builtin or pdbfixer)")
		f.Float64Var(&solvPH, "ph", 0, "Override solvation.ph")
		f.Float64Var(&solvPadding, "padding", 0, "Override solvation.padding_angstrom")
		f.Float64Var(&solvSalt, "salt", 0, "Override solvation.salt_millimolar")
		_ = c.MarkFlagRequired("protein")
	}
	rootCmd.AddCommand(buildCmd)

	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().StringVar(&simEnsemble, "ensemble", "nvt", "min, nvt or npt")
	simulateCmd.Flags().Float64Var(&simTimeNs, "time-ns", 0, "Override simulation.time_ns")
	simulateCmd.Flags().IntVar(&simSteps, "steps", 0, "Override simulation.steps (max iterations for min)")
	simulateCmd.Flags().StringVar(&simPlatform, "platform", "", "Override simulation.platform (auto, "+strings.Join(engine.Platforms(), ", ")+")")
	simulateCmd.Flags().StringVarP(&simOutput, "output", "o", "simulation", "Output prefix for .log, .nc and .pdb")
	simulateCmd.Flags().StringSliceVar(&simFF, "ff", nil, "Extra ffxml files for non-standard residues (repeatable)")
	simulateCmd.Flags().StringArrayVar(&simRestraints, "restrain", nil, "Positional restraint as selection=weight (kcal/mol/Å², repeatable)")
	simulateCmd.Flags().BoolVar(&simCenter, "center", false, "Center the solute in the box first")

	rootCmd.AddCommand(pipelineCmd)
	pipelineCmd.Flags().StringVar(&runName, "name", "", "Human readable run name")
	pipelineCmd.Flags().BoolVar(&noStore, "no-store", false, "Do not record the run")

	rootCmd.AddCommand(resumeCmd)

	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsLogsCmd, runsDeleteCmd)
	runsListCmd.Flags().StringVar(&runsStatus, "status", "", "Only runs with this status")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 0, "Show at most this many runs")
	runsShowCmd.Flags().BoolVar(&runsJSON, "json", false, "Print the run as JSON")
	runsLogsCmd.Flags().StringVar(&runsLogLevel, "level", "", "Lowest level to print")

	rootCmd.AddCommand(convertCmd)
	convertCmd.Flags().StringVarP(&convTopology, "topology", "t", "", "PDB describing the trajectory atoms (required)")
	convertCmd.Flags().StringVarP(&convOutput, "output", "o", "", "Output trajectory (required)")
	convertCmd.Flags().StringVar(&convFormat, "format", "", "netcdf, dcd or pdb (default from the output extension); hdf5 is recognized but not writable")
	convertCmd.Flags().StringVar(&convSelection, "selection", "", "Atoms to keep, e.g. 'protein or ligand'")
	_ = convertCmd.MarkFlagRequired("topology")
	_ = convertCmd.MarkFlagRequired("output")

	rootCmd.AddCommand(hydrationCmd)
	hydrationCmd.Flags().StringVar(&hydSuccess, "success", "hydration-success.sdf", "SDF receiving computed molecules")
	hydrationCmd.Flags().StringVar(&hydFailure, "failure", "hydration-failure.sdf", "SDF receiving failed molecules")
	hydrationCmd.Flags().StringVar(&hydTemplate, "template", "", "YANK experiment YAML used instead of the built-in template")
	hydrationCmd.Flags().IntVar(&hydIterations, "iterations", 0, "Override hydration.iterations")
	hydrationCmd.Flags().IntVar(&hydParallel, "max-parallel", 0, "Override hydration.max_parallel")
	hydrationCmd.Flags().BoolVar(&hydKeep, "keep", false, "Keep working directories of successful molecules")
	hydrationCmd.Flags().StringVar(&hydWatch, "watch", "", "Process every SDF file written into this directory until interrupted")
	hydrationCmd.Flags().StringVar(&hydOutDir, "out-dir", "", "Result directory in watch mode (default <watch>/results)")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Override server.addr")
	serveCmd.Flags().BoolVar(&serveEphemeral, "ephemeral", false, "Keep runs in memory only")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configInitCmd)
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")
}
