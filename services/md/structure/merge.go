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

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AleutianAI/AleutianMD/pkg/units"
)

// DefaultLigandTag is the residue name given to ligand atoms on merge.
const DefaultLigandTag = "LIG"

// CombinePositions concatenates two coordinate arrays.
//
// # Description
//
// Returns an array of length a.Len()+b.Len() holding a's coordinates in
// order followed by b's, both converted to angstroms. The result is always
// tagged with angstroms. When either input is empty the other is returned
// (converted, as a fresh copy).
//
// # Examples
//
//	all := CombinePositions(protein.Positions, ligand.Positions)
//	// all.Values[:protein.NumAtoms()] are the protein atoms
func CombinePositions(a, b units.Positions) units.Positions {
	if a.Len() == 0 {
		return b.In(units.Angstrom)
	}
	if b.Len() == 0 {
		return a.In(units.Angstrom)
	}
	aa := a.In(units.Angstrom)
	bb := b.In(units.Angstrom)
	out := make([]r3.Vec, 0, aa.Len()+bb.Len())
	out = append(out, aa.Values...)
	out = append(out, bb.Values...)
	return units.NewPositions(out, units.Angstrom)
}

// MergeOptions controls Merge.
type MergeOptions struct {
	// LigandTag is assigned as the residue name of every ligand residue.
	// Defaults to DefaultLigandTag.
	LigandTag string
}

// Merge combines a protein and a ligand structure into one complex.
//
// # Description
//
// Protein atoms come first, ligand atoms are appended in their original
// order. Every ligand residue is renamed to the ligand tag so the ligand can
// be stripped again by exact residue-name match. The combined box is the
// protein box; the ligand box is discarded. Parameters are concatenated when
// both inputs carry them and left nil otherwise. Velocities are dropped.
//
// # Inputs
//
//   - protein: The receptor structure. Its box becomes the complex box.
//   - ligand: The ligand structure.
//   - opts: Merge options.
//
// # Outputs
//
//   - *Structure: New structure; inputs are not modified.
//   - error: ErrNilStructure, ErrTagCollision when the protein already has
//     residues named like the tag, or a validation error from either input.
func Merge(protein, ligand *Structure, opts MergeOptions) (*Structure, error) {
	if protein == nil || ligand == nil {
		return nil, ErrNilStructure
	}
	if err := protein.Validate(); err != nil {
		return nil, fmt.Errorf("protein: %w", err)
	}
	if err := ligand.Validate(); err != nil {
		return nil, fmt.Errorf("ligand: %w", err)
	}
	tag := opts.LigandTag
	if tag == "" {
		tag = DefaultLigandTag
	}
	if n := protein.Topology.CountResidue(tag); n > 0 {
		return nil, fmt.Errorf("%w: %d protein atoms in residues named %q", ErrTagCollision, n, tag)
	}

	top := protein.Topology.Clone()
	lig := ligand.Topology.Clone()
	lig.RenameResidues(tag)
	offset := top.Append(lig)

	var params *Parameters
	if protein.Params != nil && ligand.Params != nil {
		params = protein.Params.Clone()
		params.appendParams(ligand.Params, offset)
	}

	merged := &Structure{
		Topology:  top,
		Positions: CombinePositions(protein.Positions, ligand.Positions),
		Box:       protein.Box,
		Params:    params,
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

// StripResidue removes every atom whose residue name equals tag exactly.
//
// # Description
//
// Matching is exact and case sensitive: "LIG" does not match "LIG1" or
// "lig". Positions, velocities and parameters are subset consistently and
// the box is kept.
//
// # Outputs
//
//   - *Structure: The remaining atoms.
//   - int: Number of atoms removed.
//   - error: ErrNilStructure, ErrEmptyTag, or a validation error.
func StripResidue(s *Structure, tag string) (*Structure, int, error) {
	if s == nil || s.Topology == nil {
		return nil, 0, ErrNilStructure
	}
	if tag == "" {
		return nil, 0, ErrEmptyTag
	}
	if err := s.Validate(); err != nil {
		return nil, 0, err
	}

	keep := make([]int, 0, s.NumAtoms())
	for i, a := range s.Topology.Atoms {
		if s.Topology.Residues[a.Residue].Name != tag {
			keep = append(keep, i)
		}
	}
	out, err := s.Subset(keep)
	if err != nil {
		return nil, 0, err
	}
	return out, s.NumAtoms() - len(keep), nil
}

// Subset returns a structure restricted to the atom indices in keep.
func (s *Structure) Subset(keep []int) (*Structure, error) {
	n := s.NumAtoms()
	for _, i := range keep {
		if i < 0 || i >= n {
			return nil, fmt.Errorf("%w: %d", ErrAtomIndexOutOfRange, i)
		}
	}
	top, remap := s.Topology.Subset(keep)

	// remap iteration order is random; walk old indices in ascending order
	ordered := make([]int, 0, len(remap))
	for old := 0; old < n; old++ {
		if _, ok := remap[old]; ok {
			ordered = append(ordered, old)
		}
	}

	pos := make([]r3.Vec, len(ordered))
	for _, old := range ordered {
		pos[remap[old]] = s.Positions.Values[old]
	}
	out := &Structure{
		Topology:  top,
		Positions: units.NewPositions(pos, s.Positions.Unit),
		Box:       s.Box,
	}
	if s.Velocities != nil {
		out.Velocities = make([]r3.Vec, len(ordered))
		for _, old := range ordered {
			out.Velocities[remap[old]] = s.Velocities[old]
		}
	}
	if s.Params != nil {
		out.Params = s.Params.subset(ordered, remap)
	}
	return out, nil
}
