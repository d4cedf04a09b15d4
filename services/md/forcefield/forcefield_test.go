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
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AleutianAI/AleutianMD/pkg/units"
	"github.com/AleutianAI/AleutianMD/services/md/mdtest"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
)

func loadMini(t *testing.T) *ForceField {
	t.Helper()
	ff := New()
	require.NoError(t, ff.Load("mini-protein.xml", strings.NewReader(mdtest.ProteinFF)))
	return ff
}

func TestLoad_Templates(t *testing.T) {
	ff := loadMini(t)

	ala, ok := ff.Template("ALA")
	require.True(t, ok)
	assert.Len(t, ala.Atoms, 5)
	assert.Len(t, ala.Bonds, 4)
	assert.True(t, ala.HasExternal("N"))
	assert.True(t, ala.HasExternal("C"))
	assert.False(t, ala.HasExternal("CB"))

	at, ok := ff.Type("pCB")
	require.True(t, ok)
	assert.Equal(t, "CT", at.Class)
	assert.Equal(t, []string{"mini-protein.xml"}, ff.Files)
}

func TestLoad_Invalid(t *testing.T) {
	ff := New()
	err := ff.Load("broken.xml", strings.NewReader("<ForceField><AtomTypes>"))
	var ffe *ForceFieldError
	require.ErrorAs(t, err, &ffe)
	assert.ErrorIs(t, err, ErrInvalidForceField)
	assert.Equal(t, "broken.xml", ffe.ForceField)
}

func TestParameterize_Peptide(t *testing.T) {
	ff := loadMini(t)
	pep := mdtest.Peptide()

	out, err := ff.Parameterize(pep, Options{RigidWater: true})
	require.NoError(t, err)
	require.NotNil(t, out.Params)

	p := out.Params
	assert.Len(t, p.Atoms, pep.NumAtoms())
	assert.True(t, p.RigidWater)
	assert.InDelta(t, 0.0, p.TotalCharge(), 1e-9)

	// 4 + 3 + 4 intra-residue bonds plus two peptide links
	assert.Len(t, out.Topology.Bonds, 13)
	assert.Len(t, p.Bonds, 13)
	assert.NotEmpty(t, p.Angles)

	var impropers, propers int
	for _, tor := range p.Torsions {
		if tor.Improper {
			impropers++
			// the carbonyl carbon is the third atom
			assert.Equal(t, "C", out.Topology.Atoms[tor.K].Name)
		} else {
			propers++
		}
	}
	// the C-terminal carbonyl has only two neighbors
	assert.Equal(t, 2, impropers)
	assert.Positive(t, propers)

	// positions and input untouched
	assert.Equal(t, pep.Positions.Values, out.Positions.Values)
	assert.Nil(t, pep.Params)
}

func TestParameterize_MissingTemplate(t *testing.T) {
	ff := loadMini(t)
	pep := mdtest.Peptide()
	pep.Topology.Residues[1].Name = "XYZ"

	_, err := ff.Parameterize(pep, Options{})
	var ffe *ForceFieldError
	require.ErrorAs(t, err, &ffe)
	assert.ErrorIs(t, err, ErrNoTemplate)
	assert.Equal(t, "XYZ", ffe.Residue)
	assert.Equal(t, 2, ffe.Number)
}

func TestParameterize_MissingAtomFailsMatch(t *testing.T) {
	ff := loadMini(t)
	pep := mdtest.Peptide()
	// drop CB from the first ALA
	keep := make([]int, 0, pep.NumAtoms())
	for i, a := range pep.Topology.Atoms {
		if !(a.Residue == 0 && a.Name == "CB") {
			keep = append(keep, i)
		}
	}
	trimmed, err := pep.Subset(keep)
	require.NoError(t, err)

	_, err = ff.Parameterize(trimmed, Options{})
	assert.ErrorIs(t, err, ErrNoTemplate)
}

func TestParameterize_Water(t *testing.T) {
	lib := NewLibrary(nil, nil)
	ff, err := lib.Load("tip3p.xml")
	require.NoError(t, err)

	top := structure.NewTopology()
	r := top.AddResidue("WAT", 1, "W")
	top.AddAtom(r, "O", "")
	top.AddAtom(r, "H1", "")
	top.AddAtom(r, "H2", "")
	ion := top.AddResidue("NA", 2, "W")
	top.AddAtom(ion, "NA", "")
	pos := units.NewPositions([]r3.Vec{{}, {X: 0.9572}, {X: -0.24, Y: 0.927}, {X: 5}}, units.Angstrom)
	s, err := structure.New(top, pos, structure.BoxFromLengths(20, 20, 20))
	require.NoError(t, err)

	out, err := ff.Parameterize(s, Options{})
	require.NoError(t, err)
	assert.False(t, out.Params.RigidWater)
	assert.Equal(t, "O", out.Topology.Atoms[0].Element)
	assert.Equal(t, "Na", out.Topology.Atoms[3].Element)
	assert.InDelta(t, -0.834, out.Params.Atoms[0].Charge, 1e-12)
	assert.InDelta(t, 1.0, out.Params.TotalCharge(), 1e-9)
	require.Len(t, out.Params.Angles, 1)
	assert.InDelta(t, 104.52, out.Params.Angles[0].Theta*180/math.Pi, 0.01)
}

func TestLibrary_Resolution(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mini.xml"), []byte(mdtest.ProteinFF), 0o644))

	lib := NewLibrary([]string{dir}, nil)
	ff, err := lib.Load("mini.xml", "tip3p.xml")
	require.NoError(t, err)
	_, ok := ff.Template("HOH")
	assert.True(t, ok)
	_, ok = ff.Template("ALA")
	assert.True(t, ok)

	again, err := lib.Load("mini.xml", "tip3p.xml")
	require.NoError(t, err)
	assert.Same(t, ff, again)

	_, err = lib.Load("amber-does-not-exist.xml")
	assert.ErrorIs(t, err, ErrForceFieldNotFound)

	assert.Contains(t, Builtin(), "tip3p.xml")
}

func TestCandidates_Aliases(t *testing.T) {
	ff := New()
	require.NoError(t, ff.Load("tip3p.xml", strings.NewReader(`<ForceField><Residues>
<Residue name="HIE"/><Residue name="HID"/><Residue name="NHIE"/></Residues></ForceField>`)))

	var names []string
	for _, tmpl := range ff.Candidates("HIS") {
		names = append(names, tmpl.Name)
	}
	assert.Equal(t, []string{"HIE", "HID", "NHIE"}, names)
}
