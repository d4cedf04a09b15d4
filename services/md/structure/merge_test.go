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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AleutianAI/AleutianMD/pkg/units"
)

// makeChain builds n atoms spread over residues of size perRes, bonded in a line.
func makeChain(t *testing.T, n, perRes int, resName string, origin r3.Vec, box Box) *Structure {
	t.Helper()
	top := NewTopology()
	pos := make([]r3.Vec, 0, n)
	res := -1
	for i := 0; i < n; i++ {
		if i%perRes == 0 {
			res = top.AddResidue(resName, i/perRes+1, "A")
		}
		top.AddAtom(res, "C", "C")
		if i > 0 {
			require.NoError(t, top.AddBond(i-1, i))
		}
		pos = append(pos, r3.Add(origin, r3.Vec{X: 1.5 * float64(i), Y: 0.1 * float64(i%3), Z: 0}))
	}
	s, err := New(top, units.NewPositions(pos, units.Angstrom), box)
	require.NoError(t, err)
	return s
}

func withParams(s *Structure) *Structure {
	p := &Parameters{Coulomb14Scale: 0.8333, LJ14Scale: 0.5}
	for range s.Topology.Atoms {
		p.Atoms = append(p.Atoms, AtomParams{Type: "CT", Mass: 12.01, Sigma: 0.34, Epsilon: 0.45})
	}
	for _, b := range s.Topology.Bonds {
		p.Bonds = append(p.Bonds, BondParams{I: b.I, J: b.J, Length: 0.15, K: 1000})
	}
	out, _ := s.WithParams(p)
	return out
}

func TestCombinePositions_LengthAndOrder(t *testing.T) {
	tests := []struct {
		name string
		a, b int
	}{
		{"equal", 3, 3},
		{"protein larger", 5, 2},
		{"ligand larger", 1, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := make([]r3.Vec, tt.a)
			for i := range a {
				a[i] = r3.Vec{X: float64(i), Y: 1, Z: 2}
			}
			b := make([]r3.Vec, tt.b)
			for i := range b {
				b[i] = r3.Vec{X: 0.1 * float64(i), Y: 0.2, Z: 0.3}
			}
			// b is given in nanometers and must come back in angstroms
			got := CombinePositions(units.NewPositions(a, units.Angstrom), units.NewPositions(b, units.Nanometer))

			require.Equal(t, tt.a+tt.b, got.Len())
			assert.Equal(t, units.Angstrom, got.Unit)
			for i := 0; i < tt.a; i++ {
				assert.Equal(t, a[i], got.Values[i])
			}
			for i := 0; i < tt.b; i++ {
				want := r3.Scale(10, b[i])
				assert.InDelta(t, want.X, got.Values[tt.a+i].X, 1e-12)
				assert.InDelta(t, want.Y, got.Values[tt.a+i].Y, 1e-12)
				assert.InDelta(t, want.Z, got.Values[tt.a+i].Z, 1e-12)
			}
		})
	}
}

func TestCombinePositions_EmptyIsIdentity(t *testing.T) {
	a := units.NewPositions([]r3.Vec{{X: 1}, {X: 2}}, units.Angstrom)
	empty := units.Positions{}

	assert.Equal(t, a.Values, CombinePositions(a, empty).Values)
	assert.Equal(t, a.Values, CombinePositions(empty, a).Values)
	assert.Equal(t, 0, CombinePositions(empty, empty).Len())
}

func TestMerge_KeepsProteinBox(t *testing.T) {
	protein := makeChain(t, 100, 10, "ALA", r3.Vec{}, BoxFromLengths(50, 50, 50))
	ligand := makeChain(t, 20, 20, "UNL", r3.Vec{X: 5, Y: 5, Z: 5}, BoxFromLengths(10, 10, 10))

	merged, err := Merge(protein, ligand, MergeOptions{})
	require.NoError(t, err)

	assert.Equal(t, 120, merged.NumAtoms())
	assert.Equal(t, BoxFromLengths(50, 50, 50), merged.Box)
	assert.NotEqual(t, ligand.Box, merged.Box)

	for i := 100; i < 120; i++ {
		assert.Equal(t, DefaultLigandTag, merged.Topology.ResidueOf(i).Name, "atom %d", i)
		assert.Equal(t, ligand.Positions.Values[i-100], merged.Positions.Values[i])
	}
	for i := 0; i < 100; i++ {
		assert.Equal(t, "ALA", merged.Topology.ResidueOf(i).Name)
	}
	// ligand bonds are reindexed past the protein
	last := merged.Topology.Bonds[len(merged.Topology.Bonds)-1]
	assert.Equal(t, Bond{I: 118, J: 119}, last)

	// inputs untouched
	assert.Equal(t, "UNL", ligand.Topology.Residues[0].Name)
	assert.Equal(t, 100, protein.NumAtoms())
}

func TestMerge_Params(t *testing.T) {
	protein := withParams(makeChain(t, 4, 2, "ALA", r3.Vec{}, BoxFromLengths(30, 30, 30)))
	ligand := withParams(makeChain(t, 3, 3, "UNL", r3.Vec{}, Box{}))

	merged, err := Merge(protein, ligand, MergeOptions{LigandTag: "MOL"})
	require.NoError(t, err)
	require.NotNil(t, merged.Params)
	assert.Len(t, merged.Params.Atoms, 7)
	assert.Equal(t, BondParams{I: 5, J: 6, Length: 0.15, K: 1000}, merged.Params.Bonds[len(merged.Params.Bonds)-1])
	assert.Equal(t, 3, merged.Topology.CountResidue("MOL"))

	// one side without parameters yields an unparameterized complex
	bare := makeChain(t, 3, 3, "UNL", r3.Vec{}, Box{})
	merged, err = Merge(protein, bare, MergeOptions{})
	require.NoError(t, err)
	assert.Nil(t, merged.Params)
}

func TestMerge_NilInputs(t *testing.T) {
	s := makeChain(t, 2, 2, "ALA", r3.Vec{}, Box{})
	_, err := Merge(nil, s, MergeOptions{})
	assert.ErrorIs(t, err, ErrNilStructure)
	_, err = Merge(s, nil, MergeOptions{})
	assert.ErrorIs(t, err, ErrNilStructure)
}

func TestMerge_TagCollision(t *testing.T) {
	ligand := makeChain(t, 3, 3, "UNL", r3.Vec{}, Box{})

	protein := makeChain(t, 4, 2, "ALA", r3.Vec{}, BoxFromLengths(30, 30, 30))
	_, err := Merge(protein, ligand, MergeOptions{LigandTag: "ALA"})
	assert.ErrorIs(t, err, ErrTagCollision)

	// a bound ligand already present in the receptor
	top := protein.Topology.Clone()
	res := top.AddResidue(DefaultLigandTag, 9, "B")
	top.AddAtom(res, "C1", "C")
	pos := append(append([]r3.Vec(nil), protein.Positions.Values...), r3.Vec{X: 3})
	holo, err := New(top, units.NewPositions(pos, units.Angstrom), protein.Box)
	require.NoError(t, err)
	_, err = Merge(holo, ligand, MergeOptions{})
	assert.ErrorIs(t, err, ErrTagCollision)

	// a distinct tag still merges
	merged, err := Merge(holo, ligand, MergeOptions{LigandTag: "MOL"})
	require.NoError(t, err)
	assert.Equal(t, 3, merged.Topology.CountResidue("MOL"))
	assert.Equal(t, 1, merged.Topology.CountResidue(DefaultLigandTag))
}

func TestStripResidue_ExactMatch(t *testing.T) {
	protein := withParams(makeChain(t, 30, 5, "ALA", r3.Vec{}, BoxFromLengths(40, 40, 40)))
	ligand := withParams(makeChain(t, 7, 7, "UNL", r3.Vec{}, Box{}))
	merged, err := Merge(protein, ligand, MergeOptions{})
	require.NoError(t, err)

	// a residue whose name merely contains the tag must survive
	merged.Topology.Residues[0].Name = "LIG1"

	stripped, removed, err := StripResidue(merged, "LIG")
	require.NoError(t, err)

	assert.Equal(t, 7, removed)
	assert.Equal(t, merged.NumAtoms()-7, stripped.NumAtoms())
	assert.Equal(t, 0, stripped.Topology.CountResidue("LIG"))
	assert.Equal(t, "LIG1", stripped.Topology.Residues[0].Name)
	assert.Equal(t, merged.Box, stripped.Box)
	assert.Len(t, stripped.Params.Atoms, 30)
	for i := 0; i < 30; i++ {
		assert.Equal(t, merged.Positions.Values[i], stripped.Positions.Values[i])
	}
	for _, b := range stripped.Params.Bonds {
		assert.Less(t, b.J, 30)
	}
}

func TestStripResidue_Errors(t *testing.T) {
	_, _, err := StripResidue(nil, "LIG")
	assert.ErrorIs(t, err, ErrNilStructure)

	s := makeChain(t, 2, 2, "ALA", r3.Vec{}, Box{})
	_, _, err = StripResidue(s, "")
	assert.ErrorIs(t, err, ErrEmptyTag)

	out, removed, err := StripResidue(s, "LIG")
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Equal(t, 2, out.NumAtoms())
}

func TestStructure_WithReplacesWholesale(t *testing.T) {
	s := makeChain(t, 3, 3, "ALA", r3.Vec{}, BoxFromLengths(10, 10, 10))

	_, err := s.WithPositions(units.NewPositions(make([]r3.Vec, 2), units.Angstrom))
	assert.ErrorIs(t, err, ErrAtomCountMismatch)

	moved, err := s.WithPositions(units.NewPositions(make([]r3.Vec, 3), units.Angstrom))
	require.NoError(t, err)
	assert.Equal(t, r3.Vec{}, moved.Positions.Values[2])
	assert.NotEqual(t, r3.Vec{}, s.Positions.Values[2])

	boxed := s.WithBox(BoxFromLengths(20, 20, 20))
	assert.InDelta(t, 8000.0, boxed.Box.Volume(), 1e-9)
	assert.InDelta(t, 1000.0, s.Box.Volume(), 1e-9)
}

func TestBox_Parameters(t *testing.T) {
	b := BoxFromParameters(10, 20, 30, 90, 90, 90)
	assert.Equal(t, BoxFromLengths(10, 20, 30), b)

	tri := BoxFromParameters(10, 10, 10, 90, 90, 60)
	l := tri.Lengths()
	assert.InDelta(t, 10.0, l.Y, 1e-9)
	_, _, gamma := tri.Angles()
	assert.InDelta(t, 60.0, gamma, 1e-9)
}

func TestCenter(t *testing.T) {
	s := makeChain(t, 3, 3, "ALA", r3.Vec{X: 1, Y: 1, Z: 1}, BoxFromLengths(20, 20, 20))
	c := Centroid(s.Center().Positions)
	assert.InDelta(t, 10.0, c.X, 1e-9)
	assert.InDelta(t, 10.0, c.Y, 1e-9)
	assert.InDelta(t, 10.0, c.Z, 1e-9)
}
