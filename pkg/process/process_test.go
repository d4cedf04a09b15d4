// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestDefaultManager_CapturesStreams(t *testing.T) {
	requireShell(t)
	m := NewDefaultManager()
	res, err := m.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err 1>&2; pwd"},
		Dir:  t.TempDir(),
	})
	require.NoError(t, err)
	assert.Contains(t, string(res.Stdout), "out")
	assert.Equal(t, "err\n", string(res.Stderr))
	assert.Equal(t, 0, res.ExitCode)
}

func TestDefaultManager_NonZeroExit(t *testing.T) {
	requireShell(t)
	m := NewDefaultManager()
	res, err := m.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo boom 1>&2; exit 3"},
	})
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 3, cmdErr.ExitCode)
	assert.Equal(t, "boom", cmdErr.Stderr)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "boom", ExtractStderr(fmt.Errorf("solvation: %w", err)))
}

func TestDefaultManager_StdinAndEnv(t *testing.T) {
	requireShell(t)
	m := NewDefaultManager()
	res, err := m.Run(context.Background(), Command{
		Name:  "sh",
		Args:  []string{"-c", "cat; echo $MD_TEST_VALUE"},
		Env:   []string{"MD_TEST_VALUE=42"},
		Stdin: []byte("in\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, "in\n42\n", string(res.Stdout))
}

func TestDefaultManager_Cancelled(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewDefaultManager().Run(ctx, Command{Name: "sh", Args: []string{"-c", "sleep 5"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefaultManager_MissingBinary(t *testing.T) {
	_, err := NewDefaultManager().Run(context.Background(), Command{Name: "definitely-not-a-real-binary-xyz"})
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, -1, cmdErr.ExitCode)
	assert.False(t, cmdErr.HasStderr())
}

func TestMockManager_RecordsCalls(t *testing.T) {
	mock := &MockManager{
		RunFunc: func(ctx context.Context, cmd Command) (Result, error) {
			if cmd.Name == "yank" {
				return Result{Stdout: []byte("done")}, nil
			}
			return Result{ExitCode: 1}, NewCommandError(cmd.String(), 1, "unknown", nil)
		},
	}
	res, err := mock.Run(context.Background(), Command{Name: "yank", Args: []string{"script", "--yaml=x.yaml"}})
	require.NoError(t, err)
	assert.Equal(t, "done", string(res.Stdout))

	_, err = mock.Run(context.Background(), Command{Name: "other"})
	assert.Error(t, err)

	calls := mock.GetCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "yank script --yaml=x.yaml", calls[0].String())
	mock.Reset()
	assert.Empty(t, mock.GetCalls())

	path, err := mock.LookPath("pdbfixer")
	require.NoError(t, err)
	assert.Equal(t, "pdbfixer", path)
}

func TestMockManager_ConcurrentCalls(t *testing.T) {
	mock := &MockManager{RunFunc: func(context.Context, Command) (Result, error) { return Result{}, nil }}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = mock.Run(context.Background(), Command{Name: "x"})
		}()
	}
	wg.Wait()
	assert.Len(t, mock.GetCalls(), 20)
}

func TestCommandError_Messages(t *testing.T) {
	base := errors.New("exit status 2")
	assert.Equal(t, "fix (exit 2): bad", NewCommandError("fix", 2, "  bad\n", base).Error())
	assert.Equal(t, "fix (exit 2): exit status 2", NewCommandError("fix", 2, "", base).Error())
	assert.Equal(t, "fix (exit 2)", NewCommandError("fix", 2, "", nil).Error())
	assert.ErrorIs(t, NewCommandError("fix", 2, "", base), base)

	tb := "Traceback (most recent call last):\n  File \"yank\", line 3\nKeyError: 'solvent1'\n"
	ce := NewCommandError("yank", 1, tb, base)
	assert.Equal(t, "yank (exit 1): KeyError: 'solvent1'", ce.Error())
	assert.Equal(t, "KeyError: 'solvent1'", ce.Summary())
	assert.Contains(t, ExtractStderr(ce), "Traceback")
	assert.Equal(t, "", ExtractStderr(base))
	assert.Equal(t, "", ExtractStderr(nil))
}
