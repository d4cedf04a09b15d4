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
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianMD/pkg/process"
)

var (
	// ErrToolkitStderr marks a toolkit run that exited zero but wrote to
	// stderr, which YANK does for unrecoverable errors.
	ErrToolkitStderr = errors.New("toolkit reported errors")

	// ErrToolkitNotFound is returned when the executable is not on PATH.
	ErrToolkitNotFound = errors.New("toolkit executable not found")
)

// ToolkitError reports a failed toolkit invocation.
type ToolkitError struct {
	// Op is "build" or "analyze".
	Op      string
	Command string
	Stdout  string
	Stderr  string
	Err     error
}

// Error returns the error message.
func (e *ToolkitError) Error() string {
	msg := fmt.Sprintf("toolkit %s: %v", e.Op, e.Err)
	if e.Stderr != "" && !strings.Contains(msg, e.Stderr) {
		msg += ": " + e.Stderr
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ToolkitError) Unwrap() error {
	return e.Err
}

// Toolkit runs alchemical free-energy calculations.
type Toolkit interface {
	// Build runs every experiment in the YAML file. Relative paths in the
	// document resolve against the file's directory.
	Build(ctx context.Context, yamlPath string) error

	// Analyze estimates free energy differences from the store directory
	// written by Build.
	Analyze(ctx context.Context, storeDir string) (Estimates, error)
}

// DefaultYank is the executable YankCLI runs when Path is empty.
const DefaultYank = "yank"

// DefaultPython reads the analysis pickle when Python is empty.
const DefaultPython = "python"

const (
	// SerialFile is the pickle "yank analyze --serial" writes into the
	// store directory. YANK keeps its own phase list in analysis.yaml there.
	SerialFile = "analysis.pkl"

	// EstimatesFile is the JSON Analyze extracts from SerialFile.
	EstimatesFile = "estimates.json"
)

// unpickleScript copies the kT free energies of every phase in a yank
// analyze pickle into a JSON file. Unit-bearing entries are skipped.
const unpickleScript = `import json, pickle, sys
with open(sys.argv[1], "rb") as f:
    data = pickle.load(f)
out = {}
for phase, d in data.items():
    if isinstance(d, dict) and "free_energy_diff" in d:
        out[phase] = {
            "free_energy_diff": float(d["free_energy_diff"]),
            "free_energy_diff_error": float(d["free_energy_diff_error"]),
        }
with open(sys.argv[2], "w") as f:
    json.dump(out, f, indent=2)
`

// YankCLI drives the yank command line tool.
type YankCLI struct {
	Path string

	// Python must import the packages YANK pickles with.
	Python string

	proc   process.Manager
	logger *slog.Logger
}

// NewYankCLI returns a Toolkit running path (or "yank") through proc.
func NewYankCLI(path string, proc process.Manager, logger *slog.Logger) *YankCLI {
	if path == "" {
		path = DefaultYank
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &YankCLI{Path: path, Python: DefaultPython, proc: proc, logger: logger}
}

// Build runs "yank script --yaml=<file>" in the file's directory.
func (y *YankCLI) Build(ctx context.Context, yamlPath string) error {
	return y.run(ctx, "build", process.Command{
		Name: y.Path,
		Args: []string{"script", "--yaml=" + filepath.Base(yamlPath)},
		Dir:  filepath.Dir(yamlPath),
	}, true)
}

// Analyze runs "yank analyze" in storeDir, which pickles the per-phase
// estimates, then converts the pickle to EstimatesFile and reads it.
//
// The conversion tolerates stderr: unpickling imports the unit packages
// YANK serialized with, and those print deprecation warnings.
func (y *YankCLI) Analyze(ctx context.Context, storeDir string) (Estimates, error) {
	err := y.run(ctx, "analyze", process.Command{
		Name: y.Path,
		Args: []string{"analyze", "--store=.", "--serial=" + SerialFile},
		Dir:  storeDir,
	}, true)
	if err != nil {
		return Estimates{}, err
	}
	python := y.Python
	if python == "" {
		python = DefaultPython
	}
	err = y.run(ctx, "analyze", process.Command{
		Name:  python,
		Args:  []string{"-", SerialFile, EstimatesFile},
		Dir:   storeDir,
		Stdin: []byte(unpickleScript),
	}, false)
	if err != nil {
		return Estimates{}, err
	}
	return ReadEstimates(filepath.Join(storeDir, EstimatesFile))
}

// run executes cmd after resolving its executable. With strictStderr a
// zero exit that wrote to stderr is ErrToolkitStderr.
func (y *YankCLI) run(ctx context.Context, op string, cmd process.Command, strictStderr bool) error {
	exe, err := y.proc.LookPath(cmd.Name)
	if err != nil {
		return &ToolkitError{Op: op, Command: cmd.Name, Err: fmt.Errorf("%w: %v", ErrToolkitNotFound, err)}
	}
	cmd.Name = exe
	y.logger.Debug("Running toolkit", "op", op, "command", cmd.String(), "dir", cmd.Dir)
	res, err := y.proc.Run(ctx, cmd)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &ToolkitError{
			Op:      op,
			Command: cmd.String(),
			Stdout:  string(res.Stdout),
			Stderr:  process.ExtractStderr(err),
			Err:     err,
		}
	}
	if stderr := strings.TrimSpace(string(res.Stderr)); stderr != "" {
		if !strictStderr {
			y.logger.Debug("Toolkit warnings", "op", op, "stderr", stderr)
			return nil
		}
		return &ToolkitError{
			Op:      op,
			Command: cmd.String(),
			Stdout:  string(res.Stdout),
			Stderr:  stderr,
			Err:     ErrToolkitStderr,
		}
	}
	return nil
}

var _ Toolkit = (*YankCLI)(nil)

// =============================================================================
// Mock Implementation (for testing)
// =============================================================================

// MockToolkit is a Toolkit for tests.
type MockToolkit struct {
	BuildFunc   func(ctx context.Context, yamlPath string) error
	AnalyzeFunc func(ctx context.Context, storeDir string) (Estimates, error)

	mu           sync.Mutex
	BuildCalls   []string
	AnalyzeCalls []string
}

// Build records the call and delegates to BuildFunc.
func (m *MockToolkit) Build(ctx context.Context, yamlPath string) error {
	m.mu.Lock()
	m.BuildCalls = append(m.BuildCalls, yamlPath)
	m.mu.Unlock()
	if m.BuildFunc == nil {
		return nil
	}
	return m.BuildFunc(ctx, yamlPath)
}

// Analyze records the call and delegates to AnalyzeFunc.
func (m *MockToolkit) Analyze(ctx context.Context, storeDir string) (Estimates, error) {
	m.mu.Lock()
	m.AnalyzeCalls = append(m.AnalyzeCalls, storeDir)
	m.mu.Unlock()
	if m.AnalyzeFunc == nil {
		return Estimates{}, nil
	}
	return m.AnalyzeFunc(ctx, storeDir)
}

// GetBuildCalls returns a copy of the recorded Build paths.
func (m *MockToolkit) GetBuildCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.BuildCalls...)
}

var _ Toolkit = (*MockToolkit)(nil)
