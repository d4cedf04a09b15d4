// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pdb

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AleutianAI/AleutianMD/pkg/units"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
)

const dipeptide = `CRYST1   30.000   30.000   30.000  90.00  90.00  90.00 P 1           1
SEQRES   1 A    2  ALA GLY
ATOM      1  N   ALA A   1      -0.677  -1.230  -0.491  1.00  0.00           N
ATOM      2  CA  ALA A   1      -0.001   0.064  -0.491  1.00  0.00           C
ATOM      3  C   ALA A   1       1.499  -0.110  -0.491  1.00  0.00           C
ATOM      4  O   ALA A   1       2.030  -1.227  -0.502  1.00  0.00           O
ATOM      5  N   GLY A   2       2.218   1.007  -0.479  1.00  0.00           N
ATOM      6  CA  GLY A   2       3.668   1.007  -0.479  1.00  0.00           C
TER
HETATM    7  C1  UNL B   1      10.000  10.000  10.000  1.00  0.00           C
HETATM    8  O1  UNL B   1      11.200  10.000  10.000  1.00  0.00           O
CONECT    7    8
CONECT    8    7
END
`

func TestRead_Records(t *testing.T) {
	s, err := Read(strings.NewReader(dipeptide))
	require.NoError(t, err)

	assert.Equal(t, 8, s.NumAtoms())
	require.Len(t, s.Topology.Residues, 3)
	assert.Equal(t, "ALA", s.Topology.Residues[0].Name)
	assert.Equal(t, "GLY", s.Topology.Residues[1].Name)
	assert.Equal(t, "B", s.Topology.Residues[2].Chain)
	assert.Equal(t, []string{"ALA", "GLY"}, s.Topology.SeqRes["A"])
	assert.Equal(t, units.Angstrom, s.Positions.Unit)
	assert.InDelta(t, 27000.0, s.Box.Volume(), 1e-6)
	assert.True(t, s.Topology.Atoms[6].Het)
	assert.Equal(t, []structure.Bond{{I: 6, J: 7}}, s.Topology.Bonds)
	assert.Equal(t, "O", s.Topology.Atoms[7].Element)
}

func TestRoundTrip_WithinTolerance(t *testing.T) {
	orig, err := Read(strings.NewReader(dipeptide))
	require.NoError(t, err)

	// perturb past the printed precision so rounding is exercised
	moved := orig.Positions.Clone()
	for i := range moved.Values {
		moved.Values[i] = r3.Add(moved.Values[i], r3.Vec{X: 0.00049, Y: -0.00031, Z: 0.00012})
	}
	orig, err = orig.WithPositions(moved)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, orig, DefaultWriteOptions()))
	back, err := Read(&buf)
	require.NoError(t, err)

	require.Equal(t, orig.NumAtoms(), back.NumAtoms())
	for i := range orig.Topology.Atoms {
		assert.Equal(t, orig.Topology.Atoms[i].Element, back.Topology.Atoms[i].Element)
		assert.Equal(t, orig.Topology.Atoms[i].Name, back.Topology.Atoms[i].Name)
		d := r3.Sub(orig.Positions.Values[i], back.Positions.Values[i])
		assert.LessOrEqual(t, r3.Norm(d), 1e-3, "atom %d", i)
	}
	assert.InDelta(t, orig.Box.Volume(), back.Box.Volume(), 1e-3)
	assert.Equal(t, orig.Topology.SeqRes, back.Topology.SeqRes)
	assert.Equal(t, orig.Topology.Bonds, back.Topology.Bonds)
}

func TestWrite_NanometerPositionsConverted(t *testing.T) {
	top := structure.NewTopology()
	r := top.AddResidue("NA", 1, "A")
	top.AddAtom(r, "NA", "Na")
	s, err := structure.New(top, units.NewPositions([]r3.Vec{{X: 1, Y: 2, Z: 3}}, units.Nanometer), structure.Box{})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ion.pdb")
	require.NoError(t, WriteFile(path, s, WriteOptions{}))
	back, err := ReadFile(path)
	require.NoError(t, err)

	assert.InDelta(t, 10.0, back.Positions.Values[0].X, 1e-9)
	assert.InDelta(t, 30.0, back.Positions.Values[0].Z, 1e-9)
	assert.Equal(t, "Na", back.Topology.Atoms[0].Element)
	assert.True(t, back.Box.IsZero())

	has, err := HasSeqRes(path)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestRead_Errors(t *testing.T) {
	_, err := Read(strings.NewReader("REMARK nothing here\nEND\n"))
	assert.ErrorIs(t, err, ErrNoAtoms)

	_, err = Read(strings.NewReader("ATOM      1  N   ALA A   1      -0.677  bad    -0.491\n"))
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, pe.Line)
}

func TestModelWriter_MultipleModels(t *testing.T) {
	s, err := Read(strings.NewReader(dipeptide))
	require.NoError(t, err)

	var buf bytes.Buffer
	mw := NewModelWriter(&buf, s.Topology)
	require.NoError(t, mw.WriteModel(s.Positions.Values, s.Box))
	require.NoError(t, mw.WriteModel(s.Positions.Values, s.Box))
	assert.Error(t, mw.WriteModel(s.Positions.Values[:2], s.Box))
	require.NoError(t, mw.Close())

	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, "ENDMDL"))

	// the reader stops at the first model
	first, err := Read(strings.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 8, first.NumAtoms())
}

func TestElementFromName(t *testing.T) {
	tests := []struct {
		name, res, want string
	}{
		{"CA", "ALA", "C"},
		{"CA", "CA", "Ca"},
		{"HB2", "ALA", "H"},
		{"1HD1", "LEU", "H"},
		{"CL", "LIG", "Cl"},
		{"NA", "NA", "Na"},
		{"OW", "HOH", "O"},
		{"SG", "CYS", "S"},
	}
	for _, tt := range tests {
		t.Run(tt.name+"/"+tt.res, func(t *testing.T) {
			assert.Equal(t, tt.want, ElementFromName(tt.name, tt.res))
		})
	}
}
