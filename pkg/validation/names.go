// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks user-provided names before they reach file
// paths, PDB columns or subprocess arguments.
//
// Prefixes become file names under a work directory and are passed to
// external fixers, so they must not contain separators or start a flag.
// Residue tags are written into the three-column PDB residue name field.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidName is wrapped by every validator error.
var ErrInvalidName = errors.New("invalid name")

// prefixPattern allows letters, digits, dot, underscore and hyphen, not
// starting with a hyphen or dot. Max length: 64.
var prefixPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.\-]{0,63}$`)

// residuePattern matches a PDB residue name: 1-3 uppercase letters or digits.
var residuePattern = regexp.MustCompile(`^[A-Z0-9]{1,3}$`)

// ValidatePrefix checks an output file prefix.
//
// Valid prefixes:
//   - 1-64 characters
//   - Letters, digits, '_', '.', '-'
//   - Not starting with '-' or '.'
//
// Example:
//
//	if err := validation.ValidatePrefix(req.Prefix); err != nil {
//	    return fmt.Errorf("invalid request: %w", err)
//	}
//	// Safe to join under the work directory
func ValidatePrefix(prefix string) error {
	if prefix == "" {
		return fmt.Errorf("%w: prefix cannot be empty", ErrInvalidName)
	}
	if !prefixPattern.MatchString(prefix) {
		return fmt.Errorf("%w: prefix %q must be 1-64 letters, digits, '_', '.' or '-' and not start with '-' or '.'", ErrInvalidName, prefix)
	}
	return nil
}

// ValidateResidueTag checks a residue name such as the ligand tag.
func ValidateResidueTag(tag string) error {
	if !residuePattern.MatchString(tag) {
		return fmt.Errorf("%w: residue tag %q must be 1-3 uppercase letters or digits", ErrInvalidName, tag)
	}
	return nil
}

// SanitizeResidueTag trims and upper-cases tag, then validates it.
func SanitizeResidueTag(tag string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(tag))
	if err := ValidateResidueTag(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// ValidateRunID checks that id is a canonical UUID.
func ValidateRunID(id string) error {
	u, err := uuid.Parse(id)
	if err != nil || u.String() != strings.ToLower(id) {
		return fmt.Errorf("%w: run id %q is not a UUID", ErrInvalidName, id)
	}
	return nil
}
