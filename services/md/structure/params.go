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

// Force-field parameters bound to a topology. All values are in engine
// units: nm, kJ/mol, radians, amu, elementary charge.

// AtomParams holds the per-atom nonbonded parameters.
type AtomParams struct {
	Type    string  `json:"type"`
	Class   string  `json:"class"`
	Mass    float64 `json:"mass"`
	Charge  float64 `json:"charge"`
	Sigma   float64 `json:"sigma"`
	Epsilon float64 `json:"epsilon"`
}

// BondParams is a harmonic bond term E = k/2 (r - r0)^2.
type BondParams struct {
	I      int     `json:"i"`
	J      int     `json:"j"`
	Length float64 `json:"length"`
	K      float64 `json:"k"`
}

// AngleParams is a harmonic angle term E = k/2 (θ - θ0)^2.
type AngleParams struct {
	I     int     `json:"i"`
	J     int     `json:"j"`
	K     int     `json:"k"`
	Theta float64 `json:"theta"`
	Force float64 `json:"force"`
}

// TorsionParams is a periodic torsion E = k (1 + cos(nφ - φ0)).
type TorsionParams struct {
	I           int     `json:"i"`
	J           int     `json:"j"`
	K           int     `json:"k"`
	L           int     `json:"l"`
	Periodicity int     `json:"periodicity"`
	Phase       float64 `json:"phase"`
	Force       float64 `json:"force"`
	Improper    bool    `json:"improper,omitempty"`
}

// Parameters is the full set of force-field terms for a topology.
//
// Invariant: len(Atoms) equals the topology atom count. Bonded terms index
// into the same atom array.
type Parameters struct {
	Atoms    []AtomParams    `json:"atoms"`
	Bonds    []BondParams    `json:"bonds"`
	Angles   []AngleParams   `json:"angles"`
	Torsions []TorsionParams `json:"torsions"`

	// Coulomb14Scale and LJ14Scale scale 1-4 nonbonded pairs.
	Coulomb14Scale float64 `json:"coulomb14scale"`
	LJ14Scale      float64 `json:"lj14scale"`

	// RigidWater requests fixed water geometry when a system is created.
	RigidWater bool `json:"rigid_water"`

	// ForceFields lists the files the parameters came from.
	ForceFields []string `json:"force_fields"`
}

// TotalCharge returns the sum of partial charges.
func (p *Parameters) TotalCharge() float64 {
	q := 0.0
	for _, a := range p.Atoms {
		q += a.Charge
	}
	return q
}

// Clone returns a deep copy of p.
func (p *Parameters) Clone() *Parameters {
	if p == nil {
		return nil
	}
	out := *p
	out.Atoms = append([]AtomParams(nil), p.Atoms...)
	out.Bonds = append([]BondParams(nil), p.Bonds...)
	out.Angles = append([]AngleParams(nil), p.Angles...)
	out.Torsions = append([]TorsionParams(nil), p.Torsions...)
	out.ForceFields = append([]string(nil), p.ForceFields...)
	return &out
}

// appendParams concatenates other onto p with atom indices shifted by offset.
func (p *Parameters) appendParams(other *Parameters, offset int) {
	p.Atoms = append(p.Atoms, other.Atoms...)
	for _, b := range other.Bonds {
		b.I += offset
		b.J += offset
		p.Bonds = append(p.Bonds, b)
	}
	for _, a := range other.Angles {
		a.I += offset
		a.J += offset
		a.K += offset
		p.Angles = append(p.Angles, a)
	}
	for _, t := range other.Torsions {
		t.I += offset
		t.J += offset
		t.K += offset
		t.L += offset
		p.Torsions = append(p.Torsions, t)
	}
	for _, ff := range other.ForceFields {
		if !containsString(p.ForceFields, ff) {
			p.ForceFields = append(p.ForceFields, ff)
		}
	}
}

// subset keeps only terms whose atoms all survive remap.
func (p *Parameters) subset(keep []int, remap map[int]int) *Parameters {
	out := &Parameters{
		Coulomb14Scale: p.Coulomb14Scale,
		LJ14Scale:      p.LJ14Scale,
		RigidWater:     p.RigidWater,
		ForceFields:    append([]string(nil), p.ForceFields...),
		Atoms:          make([]AtomParams, len(remap)),
	}
	for _, old := range keep {
		out.Atoms[remap[old]] = p.Atoms[old]
	}
	has := func(idx ...int) ([]int, bool) {
		r := make([]int, len(idx))
		for k, i := range idx {
			n, ok := remap[i]
			if !ok {
				return nil, false
			}
			r[k] = n
		}
		return r, true
	}
	for _, b := range p.Bonds {
		if r, ok := has(b.I, b.J); ok {
			b.I, b.J = r[0], r[1]
			out.Bonds = append(out.Bonds, b)
		}
	}
	for _, a := range p.Angles {
		if r, ok := has(a.I, a.J, a.K); ok {
			a.I, a.J, a.K = r[0], r[1], r[2]
			out.Angles = append(out.Angles, a)
		}
	}
	for _, t := range p.Torsions {
		if r, ok := has(t.I, t.J, t.K, t.L); ok {
			t.I, t.J, t.K, t.L = r[0], r[1], r[2], r[3]
			out.Torsions = append(out.Torsions, t)
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
