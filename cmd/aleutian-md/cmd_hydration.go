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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMD/cmd/aleutian-md/config"
	"github.com/AleutianAI/AleutianMD/pkg/ux"
	"github.com/AleutianAI/AleutianMD/services/md/hydration"
	"github.com/AleutianAI/AleutianMD/services/md/sdf"
)

var (
	hydSuccess    string
	hydFailure    string
	hydTemplate   string
	hydIterations int
	hydParallel   int
	hydKeep       bool
	hydWatch      string
	hydOutDir     string
)

func runHydration(cmd *cobra.Command, args []string) error {
	switch {
	case hydWatch == "" && len(args) == 0:
		return fmt.Errorf("%w: an SDF file or --watch is required", config.ErrInvalidConfig)
	case hydWatch != "" && len(args) > 0:
		return fmt.Errorf("%w: use either an SDF file or --watch", config.ErrInvalidConfig)
	}
	proc, err := newHydrationProcessor(cmd)
	if err != nil {
		return err
	}
	if hydWatch != "" {
		return watchHydration(cmd.Context(), proc)
	}

	ux.Title("Hydration free energies for " + args[0])
	sum, err := hydrate(cmd.Context(), proc, args[0], hydSuccess, hydFailure)
	if err != nil {
		return err
	}
	ux.Summary(sum.Succeeded, sum.Failed, sum.Succeeded+sum.Failed)
	ux.Info("Results: " + hydSuccess)
	if sum.Failed > 0 {
		ux.Info("Failures: " + hydFailure)
		return fmt.Errorf("%w: %d of %d", errPartial, sum.Failed, sum.Succeeded+sum.Failed)
	}
	return nil
}

func newHydrationProcessor(cmd *cobra.Command) (*hydration.Processor, error) {
	f := cmd.Flags()
	h := env.cfg.Hydration
	if f.Changed("iterations") {
		h.Iterations = hydIterations
	}
	if f.Changed("max-parallel") {
		h.MaxParallel = hydParallel
	}
	env.cfg.Hydration = h

	opts := hydration.Options{
		WorkDir:      config.ExpandHome(h.WorkDir),
		Experiment:   env.cfg.ExperimentOptions(),
		MaxParallel:  h.MaxParallel,
		KeepWorkDirs: hydKeep,
	}
	if hydTemplate != "" {
		tmpl, err := hydration.ReadExperiment(hydTemplate)
		if err != nil {
			return nil, err
		}
		opts.Template = tmpl
	}
	toolkit := hydration.NewYankCLI(h.YankPath, env.proc, env.log())
	if h.PythonPath != "" {
		toolkit.Python = h.PythonPath
	}
	return hydration.NewProcessor(toolkit, opts, env.log()), nil
}

// hydrate processes one SDF file into the success and failure files.
func hydrate(ctx context.Context, proc *hydration.Processor, input, successPath, failurePath string) (hydration.Summary, error) {
	records, err := sdf.ReadFile(input)
	if err != nil {
		return hydration.Summary{}, err
	}
	okFile, err := os.Create(successPath)
	if err != nil {
		return hydration.Summary{}, err
	}
	defer okFile.Close()
	failFile, err := os.Create(failurePath)
	if err != nil {
		return hydration.Summary{}, err
	}
	defer failFile.Close()

	success, failure := hydration.NewSDFSink(okFile), hydration.NewSDFSink(failFile)
	sum, err := proc.Process(ctx, records, success, failure)
	env.metrics.RecordHydration(ctx, "succeeded", sum.Succeeded)
	env.metrics.RecordHydration(ctx, "failed", sum.Failed)
	return sum, errors.Join(err, success.Flush(), failure.Flush())
}

// watchHydration processes SDF files as they settle in the watched
// directory until the context ends.
func watchHydration(ctx context.Context, proc *hydration.Processor) error {
	out := hydOutDir
	if out == "" {
		out = filepath.Join(hydWatch, "results")
	}
	if mustAbs(out) == mustAbs(hydWatch) {
		return fmt.Errorf("%w: --out-dir must differ from the watched directory", config.ErrInvalidConfig)
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}
	ux.Title("Watching " + hydWatch + " for SDF files (Ctrl+C to stop)")

	var total hydration.Summary
	handler := func(ctx context.Context, path string) {
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		okPath := filepath.Join(out, base+"-success.sdf")
		failPath := filepath.Join(out, base+"-failure.sdf")
		sum, err := hydrate(ctx, proc, path, okPath, failPath)
		total.Succeeded += sum.Succeeded
		total.Failed += sum.Failed
		if err != nil {
			ux.StageStatus(filepath.Base(path), ux.IconError, err.Error())
			return
		}
		icon := ux.IconSuccess
		if sum.Failed > 0 {
			icon = ux.IconWarning
		}
		ux.StageStatus(filepath.Base(path), icon, fmt.Sprintf("%d succeeded, %d failed", sum.Succeeded, sum.Failed))
	}
	err := hydration.Watch(ctx, hydWatch, hydration.WatchOptions{IncludeExisting: true}, handler, env.log())
	ux.Summary(total.Succeeded, total.Failed, total.Succeeded+total.Failed)
	return err
}

func mustAbs(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}
