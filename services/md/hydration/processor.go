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
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianMD/services/md/sdf"
)

var tracer = otel.Tracer("aleutian.md.hydration")

// Data item names written on output records.
const (
	DeltaGTag  = "DeltaG_hydration"
	DDeltaGTag = "dDeltaG_hydration"
	ErrorTag   = "error"
)

// File names inside each record's working directory.
const (
	InputFile      = "input.sdf"
	ExperimentFile = "hydration.yaml"
)

// -----------------------------------------------------------------------------
// Sinks
// -----------------------------------------------------------------------------

// Sink receives finished records.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	Emit(rec *sdf.Record) error
}

// SDFSink writes records to an SDF stream.
type SDFSink struct {
	mu sync.Mutex
	w  *sdf.Writer
}

// NewSDFSink returns a sink writing to w. Call Flush when done.
func NewSDFSink(w io.Writer) *SDFSink {
	return &SDFSink{w: sdf.NewWriter(w)}
}

// Emit writes rec.
func (s *SDFSink) Emit(rec *sdf.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(rec)
}

// Flush flushes buffered records.
func (s *SDFSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

// CollectSink keeps records in memory.
type CollectSink struct {
	mu      sync.Mutex
	records []*sdf.Record
}

// Emit appends rec.
func (c *CollectSink) Emit(rec *sdf.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
	return nil
}

// Records returns the collected records in emission order.
func (c *CollectSink) Records() []*sdf.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*sdf.Record(nil), c.records...)
}

// -----------------------------------------------------------------------------
// Processor
// -----------------------------------------------------------------------------

// Options configures a Processor.
type Options struct {
	// WorkDir holds one subdirectory per record.
	WorkDir string

	Experiment ExperimentOptions

	// Template replaces DefaultExperiment when set. Its molecule path,
	// output directory and options block are overwritten per record.
	Template *Experiment

	// MaxParallel bounds concurrent toolkit runs. Values below 1 mean 1.
	MaxParallel int

	// KeepWorkDirs keeps the working directories of successful records.
	// Directories of failed records are always kept.
	KeepWorkDirs bool
}

// Summary counts routed records.
type Summary struct {
	Succeeded int
	Failed    int
}

// Processor computes hydration free energies for a batch of molecules.
//
// Description:
//
//	Every record is routed to exactly one sink. A record whose calculation
//	fails is annotated with an "error" data item and sent to the failure
//	sink; it is never dropped or retried.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Processor struct {
	toolkit Toolkit
	opts    Options
	logger  *slog.Logger
}

// NewProcessor returns a processor running calculations through toolkit.
func NewProcessor(toolkit Toolkit, opts Options, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}
	return &Processor{toolkit: toolkit, opts: opts, logger: logger}
}

// Process runs every record and routes it to success or failure.
//
// Inputs:
//
//	ctx - Cancels outstanding calculations; their records go to failure.
//	records - Input molecules. Not modified.
//	success, failure - Destinations for annotated records.
//
// Outputs:
//
//	Summary - Routed record counts.
//	error - The first sink error. Calculation failures are not errors.
func (p *Processor) Process(ctx context.Context, records []*sdf.Record, success, failure Sink) (Summary, error) {
	if err := os.MkdirAll(p.opts.WorkDir, 0o755); err != nil {
		return Summary{}, fmt.Errorf("create work dir: %w", err)
	}
	start := time.Now()
	var ok, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.MaxParallel)
	for i, rec := range records {
		g.Go(func() error {
			out, err := p.processOne(gctx, i, rec)
			if err != nil {
				failed.Add(1)
				annotated := rec.Clone()
				annotated.SetTag(ErrorTag, err.Error())
				p.logger.Error("Hydration failed", "record", i, "title", rec.Title(), "error", err)
				return failure.Emit(annotated)
			}
			ok.Add(1)
			return success.Emit(out)
		})
	}
	err := g.Wait()
	sum := Summary{Succeeded: int(ok.Load()), Failed: int(failed.Load())}
	p.logger.Info("Hydration batch finished",
		"records", len(records),
		"succeeded", sum.Succeeded,
		"failed", sum.Failed,
		"duration", time.Since(start))
	return sum, err
}

func (p *Processor) processOne(ctx context.Context, i int, rec *sdf.Record) (_ *sdf.Record, err error) {
	ctx, span := tracer.Start(ctx, "hydration.Record")
	span.SetAttributes(attribute.Int("hydration.record", i), attribute.String("hydration.title", rec.Title()))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := filepath.Join(p.opts.WorkDir, fmt.Sprintf("%04d-%s", i, uuid.NewString()[:8]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	input := rec.Clone()
	input.Tags = nil
	if err := sdf.WriteFile(filepath.Join(dir, InputFile), input); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	exp, err := p.experiment()
	if err != nil {
		return nil, err
	}
	if err := exp.Validate(); err != nil {
		return nil, err
	}
	yamlPath := filepath.Join(dir, ExperimentFile)
	if err := exp.WriteFile(yamlPath); err != nil {
		return nil, fmt.Errorf("write experiment: %w", err)
	}

	if err := p.toolkit.Build(ctx, yamlPath); err != nil {
		return nil, err
	}
	est, err := p.toolkit.Analyze(ctx, filepath.Join(dir, exp.Options.OutputDir, "experiments"))
	if err != nil {
		return nil, err
	}
	fe := HydrationFreeEnergy(est, p.opts.Experiment.Temperature)

	out := rec.Clone()
	out.SetTag(DeltaGTag, strconv.FormatFloat(fe.DeltaG, 'f', 4, 64))
	out.SetTag(DDeltaGTag, strconv.FormatFloat(fe.DDeltaG, 'f', 4, 64))
	span.SetAttributes(attribute.Float64("hydration.delta_g", fe.DeltaG))
	p.logger.Info("Hydration free energy",
		"record", i,
		"title", rec.Title(),
		"delta_g_kcal", fe.DeltaG,
		"d_delta_g_kcal", fe.DDeltaG)

	if !p.opts.KeepWorkDirs {
		if err := os.RemoveAll(dir); err != nil {
			p.logger.Warn("Failed to remove work dir", "dir", dir, "error", err)
		}
	}
	return out, nil
}

// experiment returns a fresh experiment document for one record.
func (p *Processor) experiment() (*Experiment, error) {
	o := p.opts.Experiment
	o.MoleculePath = InputFile
	if o.OutputDir == "" {
		o.OutputDir = "output"
	}
	if p.opts.Template == nil {
		return DefaultExperiment(o), nil
	}
	// deep copy through YAML so records never share maps
	data, err := yaml.Marshal(p.opts.Template)
	if err != nil {
		return nil, err
	}
	var exp Experiment
	if err := yaml.Unmarshal(data, &exp); err != nil {
		return nil, err
	}
	def := DefaultExperiment(o)
	exp.Options = def.Options
	if sys, ok := exp.Systems[exp.Experiments.System]; ok {
		if m, ok := exp.Molecules[sys.Solute]; ok {
			m.Filepath = InputFile
			exp.Molecules[sys.Solute] = m
		}
	}
	return &exp, nil
}
