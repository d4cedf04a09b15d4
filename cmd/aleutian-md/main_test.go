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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMD/cmd/aleutian-md/config"
	"github.com/AleutianAI/AleutianMD/pkg/extensions"
	"github.com/AleutianAI/AleutianMD/pkg/ux"
	"github.com/AleutianAI/AleutianMD/services/md/pipeline"
	"github.com/AleutianAI/AleutianMD/services/md/runstore"
	"github.com/AleutianAI/AleutianMD/services/md/simulation"
)

// execute runs the root command with args in machine output mode and
// returns everything written to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("OTEL_TRACES_EXPORTER", "none")
	t.Setenv("OTEL_METRICS_EXPORTER", "none")

	var out bytes.Buffer
	prevOut := ux.Stdout
	ux.Stdout = &out
	rootCmd.SetOut(&out)
	t.Cleanup(func() {
		ux.Stdout = prevOut
		rootCmd.SetOut(nil)
		configForce = false
		cfgPath, logLevel, personalityLevel = "", "", ""
		env = environment{}
	})

	rootCmd.SetArgs(append([]string{"--personality", "machine"}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	require.NoError(t, env.close(context.Background()))
	return out.String(), err
}

func TestConfigInit_WritesDefaultAndRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", config.FileName)

	_, err := execute(t, "--config", path, "config", "init")
	require.NoError(t, err)
	assert.FileExists(t, path)

	_, err = execute(t, "--config", path, "config", "init")
	assert.ErrorContains(t, err, "already exists")

	_, err = execute(t, "--config", path, "config", "init", "--force")
	assert.NoError(t, err)
}

func TestConfigShow_CreatesOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.FileName)

	out, err := execute(t, "--config", path, "--log-level", "warn", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "First run detected")
	assert.Contains(t, out, "forcefields:")
	assert.Contains(t, out, "level: warn")
	assert.FileExists(t, path)
}

func TestConfigShow_RedactsToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.FileName)
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: 127.0.0.1:8741\n  api_token: s3cret\n"), 0o600))

	out, err := execute(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "s3cret")
	assert.Contains(t, out, "api_token: redacted")
}

func TestRoot_InvalidLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.FileName)
	_, err := execute(t, "--config", path, "--log-level", "loud", "config", "show")
	assert.Error(t, err)
}

func TestParseRestraint(t *testing.T) {
	r, err := parseRestraint("noh (ligand or protein)=2.5")
	require.NoError(t, err)
	assert.Equal(t, simulation.Restraint{Selection: "noh (ligand or protein)", Weight: 2.5}, r)

	for _, bad := range []string{"protein", "=3", "backbone=heavy"} {
		_, err := parseRestraint(bad)
		assert.ErrorIs(t, err, pipeline.ErrInvalidRequest, bad)
	}
}

func TestSimulateConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	env.cfg = &cfg
	t.Cleanup(func() { env = environment{} })
	ux.SetPersonalityLevel(ux.PersonalityMachine)

	f := simulateCmd.Flags()
	require.NoError(t, f.Set("ensemble", "npt"))
	require.NoError(t, f.Set("time-ns", "0.0002"))
	require.NoError(t, f.Set("platform", "Reference"))
	require.NoError(t, f.Set("restrain", "backbone=1"))
	require.NoError(t, f.Set("output", "/tmp/out/run"))

	sc, err := simulateConfig(simulateCmd)
	require.NoError(t, err)
	assert.Equal(t, simulation.NPT, sc.Ensemble)
	assert.Equal(t, 100, sc.NumSteps())
	assert.Equal(t, "Reference", sc.Platform.Name())
	assert.Equal(t, "/tmp/out/run", sc.Prefix)
	assert.Nil(t, sc.Progress)
	require.Len(t, sc.Restraints, 1)
	assert.Equal(t, "backbone", sc.Restraints[0].Selection)
}

func TestServeExtensions(t *testing.T) {
	cfg := config.DefaultConfig()
	env.cfg = &cfg
	t.Cleanup(func() { env = environment{} })
	t.Setenv("ALEUTIAN_MD_API_TOKEN", "")

	opts := serveExtensions()
	assert.IsType(t, &extensions.NopAuthProvider{}, opts.AuthProvider)
	assert.IsType(t, &extensions.SlogAuditLogger{}, opts.AuditLogger)

	cfg.Server.APIToken = "from-file"
	cfg.Server.AnonymousRead = true
	t.Setenv("ALEUTIAN_MD_API_TOKEN", "from-env")
	opts = serveExtensions()
	require.IsType(t, &extensions.TokenAuthProvider{}, opts.AuthProvider)
	_, err := opts.AuthProvider.Validate(context.Background(), "from-file")
	assert.ErrorIs(t, err, extensions.ErrUnauthorized)
	info, err := opts.AuthProvider.Validate(context.Background(), "from-env")
	require.NoError(t, err)
	assert.True(t, info.CanWrite())
	info, err = opts.AuthProvider.Validate(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, info.CanWrite())
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitSuccess},
		{errors.New("boom"), exitFailure},
		{fmt.Errorf("x: %w", config.ErrInvalidConfig), exitUsage},
		{fmt.Errorf("x: %w", pipeline.ErrInvalidRequest), exitUsage},
		{fmt.Errorf("%w: 1 of 3", errPartial), exitPartial},
		{context.Canceled, exitInterrupted},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), fmt.Sprint(tt.err))
	}
}

func testRuns() []*runstore.Run {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []*runstore.Run{
		{ID: "c", Status: runstore.StatusFailed, CreatedAt: now, Prefix: "p3", Plan: []string{"protein", "merge"}, Attempts: 2, FailedStage: "merge"},
		{ID: "b", Status: runstore.StatusCompleted, CreatedAt: now, Prefix: "p2", Attempts: 1},
		{ID: "a", Status: runstore.StatusFailed, CreatedAt: now, Prefix: "p1", Attempts: 1},
	}
}

func TestFilterRuns(t *testing.T) {
	runs := testRuns()
	assert.Len(t, filterRuns(runs, "", 0), 3)

	failed := filterRuns(runs, runstore.StatusFailed, 0)
	require.Len(t, failed, 2)
	assert.Equal(t, "c", failed[0].ID)

	limited := filterRuns(runs, "", 2)
	require.Len(t, limited, 2)
	assert.Equal(t, "b", limited[1].ID)
}

func TestWriteRunTable_Machine(t *testing.T) {
	ux.SetPersonalityLevel(ux.PersonalityMachine)
	var buf bytes.Buffer
	writeRunTable(&buf, testRuns())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "ID\tSTATUS"))
	assert.Equal(t, []string{"c", "failed"}, strings.Split(lines[1], "\t")[:2])
	assert.True(t, strings.HasSuffix(lines[1], "\tmerge"))
}

func TestWriteRunDetail(t *testing.T) {
	run := testRuns()[0]
	run.Inputs = map[string]string{"protein": "p.pdb", "ligand": "l.pdb"}
	run.Error = "solvate: boom"
	stages := []*runstore.StageRecord{
		{Index: 0, Name: "protein", Status: runstore.StatusCompleted, Atoms: 120, Elapsed: time.Second, FinishedAt: time.Now()},
		{Index: 2, Name: "min", Status: runstore.StatusCompleted, Ensemble: "min", InitialEnergy: -10, FinalEnergy: -20, HasRestart: true, Output: "/w/p3-min.pdb", FinishedAt: time.Now()},
		{Index: 3, Name: "warmup", Status: runstore.StatusFailed, Error: "platform unavailable"},
	}
	var buf bytes.Buffer
	writeRunDetail(&buf, run, stages)
	out := buf.String()

	assert.Contains(t, out, "Run c")
	assert.Contains(t, out, "protein -> merge")
	assert.Less(t, strings.Index(out, "input ligand"), strings.Index(out, "input protein"))
	assert.Contains(t, out, "solvate: boom")
	assert.Contains(t, out, "-10.000 -> -20.000 kJ/mol")
	assert.Contains(t, out, "/w/p3-min.pdb")
	assert.Contains(t, out, "restart:")
	assert.Contains(t, out, "platform unavailable")
}

func TestFormatAttrs(t *testing.T) {
	assert.Empty(t, formatAttrs(nil))
	assert.Equal(t, " a=1 stage=min", formatAttrs(map[string]any{"stage": "min", "a": 1}))
}
