// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package solvation

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidConfig is returned for out-of-range solvation options.
	ErrInvalidConfig = errors.New("invalid solvation config")

	// ErrUnresolved marks a structure the fixer could not complete.
	ErrUnresolved = errors.New("structure has unresolved residues or atoms")

	// ErrFixerFailed marks an external fixer that exited unsuccessfully.
	ErrFixerFailed = errors.New("structure fixer failed")

	// ErrTooManyIons is returned when the requested ions outnumber the waters.
	ErrTooManyIons = errors.New("not enough water molecules to place ions")
)

// RepairError reports a structure that could not be repaired before
// solvation.
//
// Residues and Atoms name what was missing, in "RES num chain" and
// "RES num chain:ATOM" form. Err is ErrUnresolved or ErrFixerFailed,
// possibly wrapping a *process.CommandError.
type RepairError struct {
	Residues []string
	Atoms    []string
	Err      error
}

// Error returns the error message.
func (e *RepairError) Error() string {
	var parts []string
	if len(e.Residues) > 0 {
		parts = append(parts, "residues ["+strings.Join(e.Residues, ", ")+"]")
	}
	if len(e.Atoms) > 0 {
		parts = append(parts, "atoms ["+strings.Join(e.Atoms, ", ")+"]")
	}
	if len(parts) == 0 {
		return fmt.Sprintf("repair: %v", e.Err)
	}
	return fmt.Sprintf("repair: %v: %s", e.Err, strings.Join(parts, "; "))
}

// Unwrap returns the underlying error.
func (e *RepairError) Unwrap() error {
	return e.Err
}
