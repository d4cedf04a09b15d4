// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package forcefield

import (
	"errors"
	"fmt"
)

// Sentinel errors for force-field loading and parameterization.
var (
	// ErrForceFieldNotFound indicates a named force-field file could not be resolved.
	ErrForceFieldNotFound = errors.New("force field not found")

	// ErrInvalidForceField indicates a force-field file could not be decoded.
	ErrInvalidForceField = errors.New("invalid force field file")

	// ErrNoTemplate indicates no residue template matches a residue.
	ErrNoTemplate = errors.New("no residue template matches")

	// ErrMissingParameter indicates a bonded or nonbonded term has no parameters.
	ErrMissingParameter = errors.New("missing force-field parameter")
)

// ForceFieldError reports that a structure could not be bound to a force field.
//
// Description:
//
//	Residue, Number and Chain identify the residue that failed when the
//	failure is residue-local; they are empty for file-level failures.
type ForceFieldError struct {
	ForceField string
	Residue    string
	Number     int
	Chain      string
	Detail     string
	Err        error
}

// Error returns the error message.
func (e *ForceFieldError) Error() string {
	msg := "force field"
	if e.ForceField != "" {
		msg += " " + e.ForceField
	}
	if e.Residue != "" {
		msg += fmt.Sprintf(": residue %s %d chain %q", e.Residue, e.Number, e.Chain)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ForceFieldError) Unwrap() error {
	return e.Err
}
