// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine is a classical molecular dynamics engine.
//
// A System is built from a parameterized structure and holds every force
// term in engine units (nm, ps, amu, kJ/mol, e). A Context binds a System to
// a platform, an integrator and a mutable state (positions, velocities, box)
// and advances it in time or minimizes its energy.
package engine

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AleutianAI/AleutianMD/pkg/units"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
)

// Sentinel system errors.
var (
	ErrNoParameters      = errors.New("structure has no force-field parameters")
	ErrNoBox             = errors.New("periodic nonbonded method requires a box")
	ErrCutoffTooLarge    = errors.New("cutoff exceeds half the smallest box width")
	ErrInvalidOption     = errors.New("invalid system option")
	ErrConstraintFailure = errors.New("constraints did not converge")
	ErrNonFinite         = errors.New("non-finite coordinates, the simulation is unstable")
)

// NonbondedMethod selects how long-range interactions are truncated.
type NonbondedMethod int

const (
	// NoCutoff evaluates every pair with plain Coulomb and LJ, no periodicity.
	NoCutoff NonbondedMethod = iota
	// CutoffNonPeriodic truncates at the cutoff with a reaction field, no periodicity.
	CutoffNonPeriodic
	// CutoffPeriodic truncates at the cutoff with a reaction field under
	// minimum-image periodic boundaries.
	CutoffPeriodic
	// PME is accepted for configuration compatibility and evaluated as
	// CutoffPeriodic.
	PME
)

var nonbondedNames = map[NonbondedMethod]string{
	NoCutoff:          "NoCutoff",
	CutoffNonPeriodic: "CutoffNonPeriodic",
	CutoffPeriodic:    "CutoffPeriodic",
	PME:               "PME",
}

// String implements fmt.Stringer.
func (m NonbondedMethod) String() string {
	if s, ok := nonbondedNames[m]; ok {
		return s
	}
	return fmt.Sprintf("NonbondedMethod(%d)", int(m))
}

// Periodic reports whether the method uses periodic boundaries.
func (m NonbondedMethod) Periodic() bool {
	return m == CutoffPeriodic || m == PME
}

// ParseNonbondedMethod parses a method name case-insensitively.
func ParseNonbondedMethod(s string) (NonbondedMethod, error) {
	for m, name := range nonbondedNames {
		if strings.EqualFold(s, name) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: nonbonded method %q", ErrInvalidOption, s)
}

// Constraints selects which bonds are held at fixed length.
type Constraints int

const (
	NoConstraints Constraints = iota
	HBonds
	AllBonds
)

var constraintNames = map[Constraints]string{
	NoConstraints: "None",
	HBonds:        "HBonds",
	AllBonds:      "AllBonds",
}

// String implements fmt.Stringer.
func (c Constraints) String() string {
	if s, ok := constraintNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Constraints(%d)", int(c))
}

// ParseConstraints parses "None", "HBonds" or "AllBonds" case-insensitively.
func ParseConstraints(s string) (Constraints, error) {
	for c, name := range constraintNames {
		if strings.EqualFold(s, name) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: constraints %q", ErrInvalidOption, s)
}

// SystemOptions configures NewSystem.
type SystemOptions struct {
	NonbondedMethod NonbondedMethod
	Cutoff          units.Length
	Constraints     Constraints

	// SolventDielectric is the reaction-field dielectric. Zero means 78.3.
	SolventDielectric float64
}

// DefaultSystemOptions mirrors the usual explicit-solvent setup: periodic
// cutoff at 1 nm with bonds to hydrogen constrained.
func DefaultSystemOptions() SystemOptions {
	return SystemOptions{
		NonbondedMethod: PME,
		Cutoff:          units.Nanometers(1.0),
		Constraints:     HBonds,
	}
}

// Constraint holds the distance between two atoms fixed.
type Constraint struct {
	I, J     int
	Distance float64
}

// exception is a 1-4 pair with scaled nonbonded parameters.
type exception struct {
	i, j           int
	chargeProd     float64
	sigma, epsilon float64
}

// System is the immutable description of every force acting on the atoms.
type System struct {
	Masses  []float64
	Charges []float64
	Sigmas  []float64
	Epsilon []float64

	Bonds    []structure.BondParams
	Angles   []structure.AngleParams
	Torsions []structure.TorsionParams

	Constraints []Constraint

	// Molecules are the connected components of the bond graph.
	Molecules [][]int

	NonbondedMethod NonbondedMethod
	Cutoff          float64

	// DefaultBox holds the periodic box vectors in nm.
	DefaultBox [3]r3.Vec

	// Forces added after creation.
	Barostat   *MonteCarloBarostat
	Restraints []*PositionalRestraint

	excluded   map[[2]int]bool
	exceptions []exception
	dielectric float64
}

// NewSystem builds a System from a parameterized structure.
//
// Description:
//
//	Bonds selected by opts.Constraints, and all water geometry when the
//	parameters request rigid water, become constraints and are removed
//	from the harmonic terms. Pairs separated by one or two bonds are
//	excluded from nonbonded interactions; pairs separated by three bonds
//	are scaled by the force field's 1-4 factors.
func NewSystem(s *structure.Structure, opts SystemOptions) (*System, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Params == nil {
		return nil, ErrNoParameters
	}
	p := s.Params
	n := s.NumAtoms()

	sys := &System{
		Masses:          make([]float64, n),
		Charges:         make([]float64, n),
		Sigmas:          make([]float64, n),
		Epsilon:         make([]float64, n),
		NonbondedMethod: opts.NonbondedMethod,
		Cutoff:          opts.Cutoff.Nanometers(),
		DefaultBox:      boxToNm(s.Box),
		dielectric:      opts.SolventDielectric,
	}
	if sys.dielectric == 0 {
		sys.dielectric = 78.3
	}
	for i, a := range p.Atoms {
		sys.Masses[i] = a.Mass
		sys.Charges[i] = a.Charge
		sys.Sigmas[i] = a.Sigma
		sys.Epsilon[i] = a.Epsilon
	}

	if opts.NonbondedMethod.Periodic() {
		if s.Box.IsZero() {
			return nil, ErrNoBox
		}
		if sys.Cutoff <= 0 {
			return nil, fmt.Errorf("%w: cutoff must be positive", ErrInvalidOption)
		}
		if half := 0.5 * minWidth(sys.DefaultBox); sys.Cutoff > half {
			return nil, fmt.Errorf("%w: %.3f nm > %.3f nm", ErrCutoffTooLarge, sys.Cutoff, half)
		}
	}

	constrained := sys.buildConstraints(s, opts.Constraints)
	for _, b := range p.Bonds {
		if !constrained[pair(b.I, b.J)] {
			sys.Bonds = append(sys.Bonds, b)
		}
	}
	for _, a := range p.Angles {
		// rigid water angles are fixed by the H-H constraint
		if constrained[pair(a.I, a.K)] && constrained[pair(a.I, a.J)] && constrained[pair(a.J, a.K)] {
			continue
		}
		sys.Angles = append(sys.Angles, a)
	}
	sys.Torsions = append(sys.Torsions, p.Torsions...)

	sys.buildExclusions(s.Topology, p)
	sys.Molecules = molecules(s.Topology)
	return sys, nil
}

// NumAtoms returns the particle count.
func (s *System) NumAtoms() int {
	return len(s.Masses)
}

// DegreesOfFreedom returns 3N minus constraints minus center-of-mass motion.
func (s *System) DegreesOfFreedom() int {
	dof := 3*s.NumAtoms() - len(s.Constraints)
	if s.NumAtoms() > 1 {
		dof -= 3
	}
	return max(dof, 1)
}

// AddBarostat attaches a Monte Carlo barostat.
func (s *System) AddBarostat(b *MonteCarloBarostat) {
	s.Barostat = b
}

// AddRestraint attaches a positional restraint.
func (s *System) AddRestraint(r *PositionalRestraint) {
	s.Restraints = append(s.Restraints, r)
}

func (s *System) buildConstraints(st *structure.Structure, mode Constraints) map[[2]int]bool {
	top, p := st.Topology, st.Params
	constrained := make(map[[2]int]bool)
	add := func(i, j int, d float64) {
		k := pair(i, j)
		if constrained[k] {
			return
		}
		constrained[k] = true
		s.Constraints = append(s.Constraints, Constraint{I: k[0], J: k[1], Distance: d})
	}

	water := make(map[int]bool)
	if p.RigidWater {
		for _, r := range top.Residues {
			if !isWater(top, r) {
				continue
			}
			for _, ai := range r.Atoms {
				water[ai] = true
			}
		}
	}

	for _, b := range p.Bonds {
		isH := top.Atoms[b.I].Element == "H" || top.Atoms[b.J].Element == "H"
		switch {
		case water[b.I] && water[b.J]:
			add(b.I, b.J, b.Length)
		case mode == AllBonds:
			add(b.I, b.J, b.Length)
		case mode == HBonds && isH:
			add(b.I, b.J, b.Length)
		}
	}
	if p.RigidWater {
		bondLen := make(map[[2]int]float64, len(p.Bonds))
		for _, b := range p.Bonds {
			bondLen[pair(b.I, b.J)] = b.Length
		}
		for _, a := range p.Angles {
			if !water[a.I] || !water[a.J] || !water[a.K] {
				continue
			}
			r1, r2 := bondLen[pair(a.I, a.J)], bondLen[pair(a.J, a.K)]
			d := math.Sqrt(r1*r1 + r2*r2 - 2*r1*r2*math.Cos(a.Theta))
			add(a.I, a.K, d)
		}
	}
	return constrained
}

func isWater(top *structure.Topology, r structure.Residue) bool {
	switch r.Name {
	case "HOH", "WAT", "TIP3", "SOL":
	default:
		return false
	}
	if len(r.Atoms) != 3 {
		return false
	}
	var o, h int
	for _, ai := range r.Atoms {
		switch top.Atoms[ai].Element {
		case "O":
			o++
		case "H":
			h++
		}
	}
	return o == 1 && h == 2
}

func (s *System) buildExclusions(top *structure.Topology, p *structure.Parameters) {
	s.excluded = make(map[[2]int]bool)
	adj := top.Neighbors()
	for i := range adj {
		for _, j := range adj[i] {
			s.excluded[pair(i, j)] = true
			for _, k := range adj[j] {
				if k != i {
					s.excluded[pair(i, k)] = true
				}
			}
		}
	}
	seen14 := make(map[[2]int]bool)
	for i := range adj {
		for _, j := range adj[i] {
			for _, k := range adj[j] {
				if k == i {
					continue
				}
				for _, l := range adj[k] {
					if l == j || l == i {
						continue
					}
					key := pair(i, l)
					if s.excluded[key] || seen14[key] {
						continue
					}
					seen14[key] = true
					a, b := key[0], key[1]
					s.exceptions = append(s.exceptions, exception{
						i:          a,
						j:          b,
						chargeProd: p.Coulomb14Scale * s.Charges[a] * s.Charges[b],
						sigma:      0.5 * (s.Sigmas[a] + s.Sigmas[b]),
						epsilon:    p.LJ14Scale * math.Sqrt(s.Epsilon[a]*s.Epsilon[b]),
					})
				}
			}
		}
	}
	for k := range seen14 {
		s.excluded[k] = true
	}
}

// molecules returns the connected components of the bond graph, each sorted.
func molecules(top *structure.Topology) [][]int {
	n := top.NumAtoms()
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	for _, b := range top.Bonds {
		ri, rj := find(b.I), find(b.J)
		if ri != rj {
			parent[ri] = rj
		}
	}
	index := make(map[int]int)
	var out [][]int
	for i := 0; i < n; i++ {
		root := find(i)
		m, ok := index[root]
		if !ok {
			m = len(out)
			index[root] = m
			out = append(out, nil)
		}
		out[m] = append(out[m], i)
	}
	return out
}

func pair(i, j int) [2]int {
	if j < i {
		return [2]int{j, i}
	}
	return [2]int{i, j}
}

func boxToNm(b structure.Box) [3]r3.Vec {
	f := 0.1
	return [3]r3.Vec{r3.Scale(f, b.A), r3.Scale(f, b.B), r3.Scale(f, b.C)}
}

func boxFromNm(b [3]r3.Vec) structure.Box {
	return structure.Box{A: r3.Scale(10, b[0]), B: r3.Scale(10, b[1]), C: r3.Scale(10, b[2])}
}

// minWidth returns the smallest perpendicular width of a reduced box.
func minWidth(b [3]r3.Vec) float64 {
	vol := math.Abs(r3.Dot(b[0], r3.Cross(b[1], b[2])))
	if vol == 0 {
		return 0
	}
	w := math.Inf(1)
	for k := 0; k < 3; k++ {
		cross := r3.Cross(b[(k+1)%3], b[(k+2)%3])
		w = math.Min(w, vol/r3.Norm(cross))
	}
	return w
}
