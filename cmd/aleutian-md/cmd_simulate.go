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
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMD/pkg/ux"
	"github.com/AleutianAI/AleutianMD/services/md/forcefield"
	"github.com/AleutianAI/AleutianMD/services/md/pdb"
	"github.com/AleutianAI/AleutianMD/services/md/pipeline"
	"github.com/AleutianAI/AleutianMD/services/md/simulation"
	"github.com/AleutianAI/AleutianMD/services/md/telemetry"
)

var (
	simEnsemble   string
	simTimeNs     float64
	simSteps      int
	simPlatform   string
	simOutput     string
	simFF         []string
	simRestraints []string
	simCenter     bool
)

// parseRestraint reads "selection=weight". The selection itself may
// contain '=' only before the last one.
func parseRestraint(s string) (simulation.Restraint, error) {
	i := strings.LastIndex(s, "=")
	if i <= 0 {
		return simulation.Restraint{}, fmt.Errorf("%w: restraint %q is not selection=weight", pipeline.ErrInvalidRequest, s)
	}
	w, err := strconv.ParseFloat(strings.TrimSpace(s[i+1:]), 64)
	if err != nil {
		return simulation.Restraint{}, fmt.Errorf("%w: restraint weight %q: %v", pipeline.ErrInvalidRequest, s[i+1:], err)
	}
	return simulation.Restraint{Selection: strings.TrimSpace(s[:i]), Weight: w}, nil
}

// simulateConfig turns the configuration and flags into a driver config.
func simulateConfig(cmd *cobra.Command) (simulation.Config, error) {
	f := cmd.Flags()
	stage := env.cfg.SingleStage("simulate", simEnsemble)
	if f.Changed("time-ns") {
		stage.TimeNs, stage.Steps = simTimeNs, 0
	}
	if f.Changed("steps") {
		stage.Steps = simSteps
	}
	stage.Center = simCenter
	for _, r := range simRestraints {
		rs, err := parseRestraint(r)
		if err != nil {
			return simulation.Config{}, err
		}
		stage.Restraints = append(stage.Restraints, rs)
	}

	req := env.cfg.Request()
	if f.Changed("platform") {
		req.Settings.Platform = simPlatform
	}
	req.Protocol = []pipeline.StageSpec{stage}
	cfg, err := req.StageConfig(0)
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", pipeline.ErrInvalidRequest, err)
	}
	cfg.Prefix = ""
	if cfg.Ensemble.Dynamic() {
		cfg.Prefix = simOutput
		if ux.ShouldShowProgress() {
			cfg.Progress = os.Stdout
		}
	}
	return cfg, cfg.Validate()
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := simulateConfig(cmd)
	if err != nil {
		return err
	}

	s, err := pdb.ReadFile(args[0])
	if err != nil {
		return err
	}
	ffNames := append([]string{env.cfg.ForceFields.Protein, env.cfg.ForceFields.Solvent}, simFF...)
	ff, err := env.library().Load(ffNames...)
	if err != nil {
		return err
	}
	if s, err = ff.Parameterize(s, forcefield.Options{}); err != nil {
		return err
	}

	drv, err := simulation.New(s, cfg, simulation.WithLogger(env.log().With("stage", "simulate")))
	if err != nil {
		return err
	}
	ux.Title(fmt.Sprintf("Simulating %s (%s, %d atoms)", args[0], cfg.Ensemble, s.NumAtoms()))
	start := time.Now()
	res, err := drv.Execute(ctx)
	stage := telemetry.StageResult{Stage: "simulate", Ensemble: string(cfg.Ensemble), Err: err, Elapsed: time.Since(start)}
	if err != nil {
		env.metrics.RecordStage(ctx, stage)
		return err
	}
	stage.Platform, stage.Steps = res.Platform, res.Steps
	if cfg.Ensemble.Dynamic() {
		stage.SimulatedNs = float64(res.Steps) * simulation.StepSize.Picoseconds() / 1000
	}
	env.metrics.RecordStage(ctx, stage)

	out := simOutput + ".pdb"
	if err := pdb.WriteFile(out, res.Structure, pdb.DefaultWriteOptions()); err != nil {
		return err
	}
	if m := res.Minimization; m != nil {
		ux.Info(fmt.Sprintf("Potential energy %.3f -> %.3f kJ/mol after %d iterations", m.InitialEnergy, m.FinalEnergy, m.Iterations))
	}
	if res.Trajectory != "" {
		ux.Info("Trajectory " + res.Trajectory)
	}
	if res.Converted != nil {
		ux.Info(fmt.Sprintf("Converted %d frames to %s", res.Converted.Frames, res.Converted.Format))
	}
	ux.Success(fmt.Sprintf("%s finished on %s in %s; final structure %s",
		cfg.Ensemble, res.Platform, res.Elapsed.Round(time.Millisecond), out))
	return nil
}
