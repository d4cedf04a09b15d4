// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Stage outcome labels.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Metrics holds the instruments recorded by the pipeline and the
// hydration processor. All names carry the "md_" prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// StagesTotal counts finished pipeline stages by stage and status.
	StagesTotal metric.Int64Counter

	// StageDuration records stage wall time in seconds.
	StageDuration metric.Float64Histogram

	// StepsTotal counts integration steps by ensemble.
	StepsTotal metric.Int64Counter

	// SimulationSpeed records achieved ns/day by ensemble and platform.
	SimulationSpeed metric.Float64Histogram

	// SystemAtoms records the atom count of each solvated system.
	SystemAtoms metric.Int64Histogram

	// HydrationRecordsTotal counts processed molecules by outcome.
	HydrationRecordsTotal metric.Int64Counter

	// ActiveRuns tracks pipeline runs in progress.
	ActiveRuns metric.Int64UpDownCounter
}

// NewMetrics registers every instrument with meter.
//
// Outputs:
//
//	*Metrics - Ready for use.
//	error - Non-nil if any instrument could not be created.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.StagesTotal, err = meter.Int64Counter("md_stages_total",
		metric.WithDescription("Pipeline stages finished, by stage and status"),
	); err != nil {
		return nil, fmt.Errorf("md_stages_total: %w", err)
	}
	if m.StageDuration, err = meter.Float64Histogram("md_stage_duration_seconds",
		metric.WithDescription("Wall time per pipeline stage"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("md_stage_duration_seconds: %w", err)
	}
	if m.StepsTotal, err = meter.Int64Counter("md_steps_total",
		metric.WithDescription("Integration steps taken, by ensemble"),
	); err != nil {
		return nil, fmt.Errorf("md_steps_total: %w", err)
	}
	if m.SimulationSpeed, err = meter.Float64Histogram("md_speed_ns_per_day",
		metric.WithDescription("Achieved simulation speed"),
		metric.WithUnit("ns/d"),
	); err != nil {
		return nil, fmt.Errorf("md_speed_ns_per_day: %w", err)
	}
	if m.SystemAtoms, err = meter.Int64Histogram("md_system_atoms",
		metric.WithDescription("Atoms in each solvated system"),
	); err != nil {
		return nil, fmt.Errorf("md_system_atoms: %w", err)
	}
	if m.HydrationRecordsTotal, err = meter.Int64Counter("md_hydration_records_total",
		metric.WithDescription("Hydration free energy records, by outcome"),
	); err != nil {
		return nil, fmt.Errorf("md_hydration_records_total: %w", err)
	}
	if m.ActiveRuns, err = meter.Int64UpDownCounter("md_active_runs",
		metric.WithDescription("Pipeline runs in progress"),
	); err != nil {
		return nil, fmt.Errorf("md_active_runs: %w", err)
	}
	return m, nil
}

// StageResult is what RecordStage needs to know about a finished stage.
type StageResult struct {
	Stage    string
	Ensemble string
	Platform string
	Err      error
	Elapsed  time.Duration
	Steps    int
	// SimulatedNs is the simulated time of a dynamics stage.
	SimulatedNs float64
}

// RecordStage records one finished stage. A nil receiver is a no-op.
func (m *Metrics) RecordStage(ctx context.Context, r StageResult) {
	if m == nil {
		return
	}
	status := StatusCompleted
	if r.Err != nil {
		status = StatusFailed
	}
	m.StagesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", r.Stage),
		attribute.String("status", status),
	))
	m.StageDuration.Record(ctx, r.Elapsed.Seconds(), metric.WithAttributes(
		attribute.String("stage", r.Stage),
	))
	if r.Steps <= 0 {
		return
	}
	ens := metric.WithAttributes(attribute.String("ensemble", r.Ensemble))
	m.StepsTotal.Add(ctx, int64(r.Steps), ens)
	if days := r.Elapsed.Hours() / 24; days > 0 && r.SimulatedNs > 0 {
		m.SimulationSpeed.Record(ctx, r.SimulatedNs/days, metric.WithAttributes(
			attribute.String("ensemble", r.Ensemble),
			attribute.String("platform", r.Platform),
		))
	}
}

// RecordSystem records the size of a solvated system.
func (m *Metrics) RecordSystem(ctx context.Context, atoms int) {
	if m == nil {
		return
	}
	m.SystemAtoms.Record(ctx, int64(atoms))
}

// RecordHydration counts one hydration record routed to outcome
// ("succeeded" or "failed").
func (m *Metrics) RecordHydration(ctx context.Context, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.HydrationRecordsTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RunStarted increments ActiveRuns and returns the matching decrement.
func (m *Metrics) RunStarted(ctx context.Context) func() {
	if m == nil {
		return func() {}
	}
	m.ActiveRuns.Add(ctx, 1)
	return func() { m.ActiveRuns.Add(context.WithoutCancel(ctx), -1) }
}
