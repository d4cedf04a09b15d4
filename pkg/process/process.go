// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package process abstracts external program execution.

The structure fixer and the free-energy toolkit are separate programs. All
exec calls go through Manager so their invocation can be mocked in tests and
failures surface uniformly as *CommandError.
*/
package process

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// Command describes one program invocation.
type Command struct {
	// Name is the executable name or path.
	Name string

	// Args are passed verbatim.
	Args []string

	// Dir is the working directory; empty means the current directory.
	Dir string

	// Env entries ("KEY=value") are appended to the parent environment.
	Env []string

	// Stdin is written to the process input when non-nil.
	Stdin []byte
}

// String renders the command line for logs and errors.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the captured output of a finished process.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Manager runs external programs.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
type Manager interface {
	// Run executes cmd and waits for it to exit.
	//
	// # Description
	//
	// Stdout and stderr are captured separately. A non-zero exit status
	// or a failure to start returns a *CommandError; the Result is still
	// filled with whatever output was captured.
	//
	// # Inputs
	//
	//   - ctx: Cancels the process (SIGKILL) when done
	//   - cmd: Program, arguments, directory and environment
	//
	// # Outputs
	//
	//   - Result: Captured stdout, stderr and exit code
	//   - error: *CommandError on failure
	Run(ctx context.Context, cmd Command) (Result, error)

	// LookPath resolves an executable name against PATH.
	LookPath(name string) (string, error)
}

// -----------------------------------------------------------------------------
// Implementation
// -----------------------------------------------------------------------------

// DefaultManager implements Manager using os/exec.
type DefaultManager struct{}

// NewDefaultManager creates a Manager that executes real processes.
func NewDefaultManager() *DefaultManager {
	return &DefaultManager{}
}

// Run executes cmd synchronously.
func (m *DefaultManager) Run(ctx context.Context, cmd Command) (Result, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	if cmd.Stdin != nil {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return res, NewCommandError(cmd.String(), res.ExitCode, stderr.String(), err)
	}
	return res, nil
}

// LookPath resolves name against PATH.
func (m *DefaultManager) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockManager is a test double for Manager.
//
// Configure the mock by setting function fields before use. A nil RunFunc
// panics when Run is called; a nil LookPathFunc returns name unchanged.
//
// # Examples
//
//	mock := &MockManager{
//	    RunFunc: func(ctx context.Context, cmd Command) (Result, error) {
//	        return Result{Stdout: []byte("ok")}, nil
//	    },
//	}
type MockManager struct {
	// RunFunc is called when Run is invoked
	RunFunc func(ctx context.Context, cmd Command) (Result, error)

	// LookPathFunc is called when LookPath is invoked
	LookPathFunc func(name string) (string, error)

	// Calls records all Run invocations for verification
	Calls []Command

	// mu protects Calls for concurrent access
	mu sync.Mutex
}

// Run delegates to RunFunc and records the call.
func (m *MockManager) Run(ctx context.Context, cmd Command) (Result, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, cmd)
	fn := m.RunFunc
	m.mu.Unlock()
	if fn == nil {
		panic("MockManager.RunFunc not set")
	}
	return fn(ctx, cmd)
}

// LookPath delegates to LookPathFunc.
func (m *MockManager) LookPath(name string) (string, error) {
	if m.LookPathFunc == nil {
		return name, nil
	}
	return m.LookPathFunc(name)
}

// GetCalls returns a copy of all recorded calls.
func (m *MockManager) GetCalls() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Command, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// Reset clears all recorded calls.
func (m *MockManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// Compile-time interface compliance check.
var (
	_ Manager = (*DefaultManager)(nil)
	_ Manager = (*MockManager)(nil)
)
