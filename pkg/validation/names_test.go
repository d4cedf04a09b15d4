// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePrefix(t *testing.T) {
	valid := []string{"complex", "run_1", "lig-2.v3", "A"}
	for _, p := range valid {
		assert.NoError(t, ValidatePrefix(p), p)
	}

	invalid := []string{
		"",
		"a/b",
		"../up",
		".hidden",
		"-flag",
		"has space",
		"semi;colon",
		"x$(rm)",
		strings.Repeat("a", 65),
	}
	for _, p := range invalid {
		assert.ErrorIs(t, ValidatePrefix(p), ErrInvalidName, "%q", p)
	}
}

func TestValidateResidueTag(t *testing.T) {
	for _, tag := range []string{"LIG", "MOL", "L1", "X"} {
		assert.NoError(t, ValidateResidueTag(tag), tag)
	}
	for _, tag := range []string{"", "lig", "LIGA", "L G", "L-1"} {
		assert.ErrorIs(t, ValidateResidueTag(tag), ErrInvalidName, tag)
	}
}

func TestSanitizeResidueTag(t *testing.T) {
	tag, err := SanitizeResidueTag("  lig ")
	require.NoError(t, err)
	assert.Equal(t, "LIG", tag)

	_, err = SanitizeResidueTag("ligand")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestValidateRunID(t *testing.T) {
	id := uuid.NewString()
	assert.NoError(t, ValidateRunID(id))

	for _, bad := range []string{"", "run-1", id[:8], "{" + id + "}"} {
		assert.ErrorIs(t, ValidateRunID(bad), ErrInvalidName, bad)
	}
}
