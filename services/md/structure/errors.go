// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package structure

import "errors"

// Sentinel errors for the structure package.
var (
	// ErrNilStructure is returned when a nil structure or topology is provided.
	ErrNilStructure = errors.New("structure must not be nil")

	// ErrAtomCountMismatch is returned when positions, velocities or
	// parameters do not have one entry per topology atom.
	ErrAtomCountMismatch = errors.New("per-atom array length does not match atom count")

	// ErrAtomIndexOutOfRange is returned when a bond or term references a
	// nonexistent atom.
	ErrAtomIndexOutOfRange = errors.New("atom index out of range")

	// ErrEmptyTag is returned when a residue tag is empty.
	ErrEmptyTag = errors.New("residue tag must not be empty")

	// ErrTagCollision is returned when the protein already has residues
	// named like the ligand tag.
	ErrTagCollision = errors.New("ligand tag already used by protein residues")
)
