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
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianMD/cmd/aleutian-md/config"
	"github.com/AleutianAI/AleutianMD/pkg/logging"
	"github.com/AleutianAI/AleutianMD/pkg/process"
	"github.com/AleutianAI/AleutianMD/pkg/ux"
	"github.com/AleutianAI/AleutianMD/services/md/forcefield"
	"github.com/AleutianAI/AleutianMD/services/md/pipeline"
	"github.com/AleutianAI/AleutianMD/services/md/runstore"
	"github.com/AleutianAI/AleutianMD/services/md/solvation"
	"github.com/AleutianAI/AleutianMD/services/md/telemetry"
)

// serviceName names the log file and the telemetry resource.
const serviceName = "aleutian-md"

// environment holds what setup built for the running command.
type environment struct {
	cfgPath  string
	cfg      *config.Config
	logger   *logging.Logger
	metrics  *telemetry.Metrics
	shutdown func(context.Context) error
	proc     process.Manager
	store    *runstore.Store
}

var env environment

// setup loads the configuration and starts logging and telemetry.
func setup(cmd *cobra.Command, _ []string) error {
	if personalityLevel != "" {
		ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
	} else {
		ux.InitPersonality()
	}

	path := cfgPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return err
		}
	}
	env.cfgPath = path
	env.proc = process.NewDefaultManager()
	if cmd == configInitCmd {
		return nil
	}

	cfg, created, err := config.Load(path)
	if err != nil {
		return err
	}
	if created {
		ux.Info("First run detected, created the config at " + path)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	env.cfg = cfg
	env.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: serviceName,
		JSON:    cfg.Logging.JSON || jsonLogs,
	})
	slog.SetDefault(env.logger.Slog())

	if cmd == serveCmd && cfg.Telemetry.MetricExporter == telemetry.ExporterNone {
		cfg.Telemetry.MetricExporter = telemetry.ExporterPrometheus
	}
	if env.shutdown, err = telemetry.Init(cmd.Context(), cfg.Telemetry); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	if env.metrics, err = telemetry.NewMetrics(otel.Meter("aleutian.md")); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}

// close releases everything setup and openStore acquired.
func (e *environment) close(ctx context.Context) error {
	var errs []error
	if e.store != nil {
		errs = append(errs, e.store.Close())
		e.store = nil
	}
	if e.shutdown != nil {
		errs = append(errs, e.shutdown(ctx))
		e.shutdown = nil
	}
	if e.logger != nil {
		errs = append(errs, e.logger.Close())
		e.logger = nil
	}
	return errors.Join(errs...)
}

func (e *environment) log() *slog.Logger {
	if e.logger == nil {
		return slog.Default()
	}
	return e.logger.Slog()
}

// openStore opens the configured run store once per process.
func (e *environment) openStore() (*runstore.Store, error) {
	if e.store != nil {
		return e.store, nil
	}
	cfg := runstore.DefaultConfig(config.ExpandHome(e.cfg.Store.Path))
	cfg.Logger = e.log().With("component", "badger")
	s, err := runstore.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	e.store = s
	return s, nil
}

// fixer returns the configured solvation fixer. Nil selects the builtin one.
func (e *environment) fixer(lib *forcefield.Library) solvation.Fixer {
	if e.cfg.Solvation.Fixer == config.FixerPDBFixer {
		return solvation.NewPDBFixerCLI(e.cfg.Solvation.PDBFixerPath, e.proc, e.log())
	}
	return solvation.NewBuiltinFixer(lib, e.log())
}

func (e *environment) library() *forcefield.Library {
	return forcefield.NewLibrary(expandAll(e.cfg.ForceFields.SearchPaths), e.log())
}

// newPipeline wires a pipeline. A nil store disables run recording.
func (e *environment) newPipeline(store *runstore.Store, progress io.Writer) (*pipeline.Pipeline, error) {
	lib := e.library()
	return pipeline.New(pipeline.Deps{
		Library:  lib,
		Fixer:    e.fixer(lib),
		Store:    store,
		Metrics:  e.metrics,
		Logger:   e.log(),
		Progress: progress,
	})
}

func expandAll(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = config.ExpandHome(p)
	}
	return out
}
