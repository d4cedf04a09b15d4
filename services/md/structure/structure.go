// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package structure models parameterized molecular structures.
//
// A Structure is a topology plus positions, optional velocities, a periodic
// box and optional force-field parameters. Stages of the workflow never
// mutate a Structure they received; they return a new value with the
// replaced fields (see WithPositions, WithBox, WithVelocities).
package structure

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AleutianAI/AleutianMD/pkg/units"
)

// =============================================================================
// Periodic Box
// =============================================================================

// Box holds the three periodic box vectors in angstroms.
type Box struct {
	A r3.Vec `json:"a"`
	B r3.Vec `json:"b"`
	C r3.Vec `json:"c"`
}

// BoxFromLengths returns an orthorhombic box with edge lengths a, b, c (Å).
func BoxFromLengths(a, b, c float64) Box {
	return Box{A: r3.Vec{X: a}, B: r3.Vec{Y: b}, C: r3.Vec{Z: c}}
}

// BoxFromParameters builds box vectors from edge lengths (Å) and angles
// (degrees) in the reduced form used by CRYST1 records.
func BoxFromParameters(a, b, c, alpha, beta, gamma float64) Box {
	toRad := math.Pi / 180
	ca, cb, cg := math.Cos(alpha*toRad), math.Cos(beta*toRad), math.Cos(gamma*toRad)
	sg := math.Sin(gamma * toRad)
	if math.Abs(alpha-90) < 1e-6 && math.Abs(beta-90) < 1e-6 && math.Abs(gamma-90) < 1e-6 {
		return BoxFromLengths(a, b, c)
	}
	av := r3.Vec{X: a}
	bv := r3.Vec{X: b * cg, Y: b * sg}
	cx := c * cb
	cy := c * (ca - cb*cg) / sg
	cz := math.Sqrt(math.Max(0, c*c-cx*cx-cy*cy))
	return Box{A: av, B: bv, C: r3.Vec{X: cx, Y: cy, Z: cz}}
}

// Lengths returns the edge lengths |A|, |B|, |C|.
func (b Box) Lengths() r3.Vec {
	return r3.Vec{X: r3.Norm(b.A), Y: r3.Norm(b.B), Z: r3.Norm(b.C)}
}

// Angles returns alpha, beta, gamma in degrees.
func (b Box) Angles() (alpha, beta, gamma float64) {
	angle := func(u, v r3.Vec) float64 {
		nu, nv := r3.Norm(u), r3.Norm(v)
		if nu == 0 || nv == 0 {
			return 90
		}
		return math.Acos(r3.Dot(u, v)/(nu*nv)) * 180 / math.Pi
	}
	return angle(b.B, b.C), angle(b.A, b.C), angle(b.A, b.B)
}

// Volume returns the cell volume in Å³.
func (b Box) Volume() float64 {
	return math.Abs(r3.Dot(b.A, r3.Cross(b.B, b.C)))
}

// IsZero reports whether no box is set.
func (b Box) IsZero() bool {
	return b.A == (r3.Vec{}) && b.B == (r3.Vec{}) && b.C == (r3.Vec{})
}

// Scale returns the box with every vector multiplied by f.
func (b Box) Scale(f float64) Box {
	return Box{A: r3.Scale(f, b.A), B: r3.Scale(f, b.B), C: r3.Scale(f, b.C)}
}

// =============================================================================
// Structure
// =============================================================================

// Structure is a parameterized molecular structure.
//
// Description:
//
//	Positions are unit tagged (angstroms by convention). Velocities are in
//	nm/ps and may be nil when the structure has never been simulated.
//	Params is nil until the structure is bound to a force field.
//
// Thread Safety:
//
//	A Structure is treated as immutable once produced. Use the With* methods
//	to derive a modified copy.
type Structure struct {
	Topology   *Topology       `json:"topology"`
	Positions  units.Positions `json:"positions"`
	Velocities []r3.Vec        `json:"velocities,omitempty"`
	Box        Box             `json:"box"`
	Params     *Parameters     `json:"params,omitempty"`
}

// New builds a structure and validates its per-atom arrays.
func New(top *Topology, pos units.Positions, box Box) (*Structure, error) {
	s := &Structure{Topology: top, Positions: pos, Box: box}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NumAtoms returns the atom count of the topology.
func (s *Structure) NumAtoms() int {
	return s.Topology.NumAtoms()
}

// Validate checks that every per-atom array has one entry per atom.
func (s *Structure) Validate() error {
	if s == nil || s.Topology == nil {
		return ErrNilStructure
	}
	n := s.Topology.NumAtoms()
	if s.Positions.Len() != n {
		return fmt.Errorf("%w: %d positions for %d atoms", ErrAtomCountMismatch, s.Positions.Len(), n)
	}
	if s.Velocities != nil && len(s.Velocities) != n {
		return fmt.Errorf("%w: %d velocities for %d atoms", ErrAtomCountMismatch, len(s.Velocities), n)
	}
	if s.Params != nil && len(s.Params.Atoms) != n {
		return fmt.Errorf("%w: %d parameter sets for %d atoms", ErrAtomCountMismatch, len(s.Params.Atoms), n)
	}
	for _, b := range s.Topology.Bonds {
		if b.I < 0 || b.J < 0 || b.I >= n || b.J >= n {
			return fmt.Errorf("%w: bond %d-%d", ErrAtomIndexOutOfRange, b.I, b.J)
		}
	}
	return nil
}

// Clone returns a deep copy of s.
func (s *Structure) Clone() *Structure {
	out := &Structure{
		Topology:  s.Topology.Clone(),
		Positions: s.Positions.Clone(),
		Box:       s.Box,
		Params:    s.Params.Clone(),
	}
	if s.Velocities != nil {
		out.Velocities = append([]r3.Vec(nil), s.Velocities...)
	}
	return out
}

// WithPositions returns a copy of s whose positions are replaced wholesale.
func (s *Structure) WithPositions(p units.Positions) (*Structure, error) {
	if p.Len() != s.NumAtoms() {
		return nil, fmt.Errorf("%w: %d positions for %d atoms", ErrAtomCountMismatch, p.Len(), s.NumAtoms())
	}
	out := *s
	out.Positions = p.Clone()
	return &out, nil
}

// WithVelocities returns a copy of s whose velocities (nm/ps) are replaced wholesale.
func (s *Structure) WithVelocities(v []r3.Vec) (*Structure, error) {
	if v != nil && len(v) != s.NumAtoms() {
		return nil, fmt.Errorf("%w: %d velocities for %d atoms", ErrAtomCountMismatch, len(v), s.NumAtoms())
	}
	out := *s
	out.Velocities = append([]r3.Vec(nil), v...)
	if v == nil {
		out.Velocities = nil
	}
	return &out, nil
}

// WithBox returns a copy of s with the periodic box replaced.
func (s *Structure) WithBox(b Box) *Structure {
	out := *s
	out.Box = b
	return &out
}

// WithParams returns a copy of s bound to params.
func (s *Structure) WithParams(p *Parameters) (*Structure, error) {
	if p != nil && len(p.Atoms) != s.NumAtoms() {
		return nil, fmt.Errorf("%w: %d parameter sets for %d atoms", ErrAtomCountMismatch, len(p.Atoms), s.NumAtoms())
	}
	out := *s
	out.Params = p
	return &out, nil
}

// =============================================================================
// Geometry
// =============================================================================

// BoundingBox returns the component-wise minimum and maximum of p, in p's unit.
// Both are zero for an empty array.
func BoundingBox(p units.Positions) (lo, hi r3.Vec) {
	if p.Len() == 0 {
		return r3.Vec{}, r3.Vec{}
	}
	lo, hi = p.Values[0], p.Values[0]
	for _, v := range p.Values[1:] {
		lo = r3.Vec{X: math.Min(lo.X, v.X), Y: math.Min(lo.Y, v.Y), Z: math.Min(lo.Z, v.Z)}
		hi = r3.Vec{X: math.Max(hi.X, v.X), Y: math.Max(hi.Y, v.Y), Z: math.Max(hi.Z, v.Z)}
	}
	return lo, hi
}

// Centroid returns the geometric center of p.
func Centroid(p units.Positions) r3.Vec {
	if p.Len() == 0 {
		return r3.Vec{}
	}
	var sum r3.Vec
	for _, v := range p.Values {
		sum = r3.Add(sum, v)
	}
	return r3.Scale(1/float64(p.Len()), sum)
}

// Center returns a copy of s translated so the centroid of its atoms sits at
// the center of its box.
func (s *Structure) Center() *Structure {
	pos := s.Positions.In(units.Angstrom)
	mid := r3.Scale(0.5, r3.Add(r3.Add(s.Box.A, s.Box.B), s.Box.C))
	shift := r3.Sub(mid, Centroid(pos))
	for i := range pos.Values {
		pos.Values[i] = r3.Add(pos.Values[i], shift)
	}
	out := *s
	out.Positions = pos
	return &out
}
