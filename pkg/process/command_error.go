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
	"errors"
	"fmt"
	"strings"
)

// CommandError is the failure of an external tool run. The helpers driven
// through Manager are Python programs, so Stderr is usually a traceback;
// Error reports only its last line and callers read Stderr for the rest.
//
//	err := NewCommandError("yank script --yaml=hydration.yaml", 1, traceback, exitErr)
//	err.Error() // "yank script --yaml=hydration.yaml (exit 1): KeyError: 'solvent1'"
type CommandError struct {
	Command  string
	ExitCode int // -1 when the process never exited normally

	// Stderr is the trimmed standard error output.
	Stderr string

	Wrapped error
}

func (e *CommandError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (exit %d)", e.Command, e.ExitCode)
	switch {
	case e.Stderr != "":
		b.WriteString(": ")
		b.WriteString(e.Summary())
	case e.Wrapped != nil:
		b.WriteString(": ")
		b.WriteString(e.Wrapped.Error())
	}
	return b.String()
}

func (e *CommandError) Unwrap() error { return e.Wrapped }

// HasStderr reports whether the tool wrote anything to stderr.
func (e *CommandError) HasStderr() bool { return e.Stderr != "" }

// Summary returns the last non-blank stderr line.
func (e *CommandError) Summary() string {
	s := e.Stderr
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// NewCommandError returns a CommandError with stderr trimmed.
func NewCommandError(cmd string, exitCode int, stderr string, wrapped error) *CommandError {
	return &CommandError{
		Command:  cmd,
		ExitCode: exitCode,
		Stderr:   strings.TrimSpace(stderr),
		Wrapped:  wrapped,
	}
}

// ExtractStderr returns the stderr of the outermost CommandError in err's
// chain that has any, or "".
func ExtractStderr(err error) string {
	var ce *CommandError
	for errors.As(err, &ce) {
		if ce.HasStderr() {
			return ce.Stderr
		}
		err = ce.Wrapped
	}
	return ""
}
