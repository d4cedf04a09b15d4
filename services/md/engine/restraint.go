// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AleutianAI/AleutianMD/pkg/units"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
)

// KcalPerMolAngstrom2 converts a restraint weight in kcal/mol/Å² to kJ/mol/nm².
const KcalPerMolAngstrom2 = units.KJPerKcal * 100

// PositionalRestraint tethers atoms to reference positions with
// E = K·|x - x0|² under minimum-image distances.
type PositionalRestraint struct {
	Atoms     []int
	Reference []r3.Vec // nm
	K         float64  // kJ/mol/nm²
}

// NewPositionalRestraint restrains atoms to their coordinates in ref.
//
// Inputs:
//
//	atoms - Atom indices into ref.
//	ref - Full coordinate array of the system.
//	weight - Force constant in kcal/mol/Å².
func NewPositionalRestraint(atoms []int, ref units.Positions, weight float64) (*PositionalRestraint, error) {
	nm := ref.In(units.Nanometer)
	r := &PositionalRestraint{
		Atoms:     append([]int(nil), atoms...),
		Reference: make([]r3.Vec, len(atoms)),
		K:         weight * KcalPerMolAngstrom2,
	}
	for k, ai := range atoms {
		if ai < 0 || ai >= nm.Len() {
			return nil, fmt.Errorf("%w: restraint atom %d", structure.ErrAtomIndexOutOfRange, ai)
		}
		r.Reference[k] = nm.Values[ai]
	}
	return r, nil
}
