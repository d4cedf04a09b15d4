// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package builder

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMD/services/md/forcefield"
	"github.com/AleutianAI/AleutianMD/services/md/mdtest"
	"github.com/AleutianAI/AleutianMD/services/md/pdb"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
)

func setup(t *testing.T) (*Builder, mdtest.Files) {
	t.Helper()
	files, err := mdtest.WriteFiles(t.TempDir())
	require.NoError(t, err)
	return New(forcefield.NewLibrary(nil, nil), nil), files
}

func TestBuildProtein(t *testing.T) {
	b, files := setup(t)

	s, err := b.BuildProtein(context.Background(), files.ProteinPDB, Options{
		ProteinFF:  files.ProteinFF,
		SolventFF:  "tip3p.xml",
		RigidWater: true,
	})
	require.NoError(t, err)
	require.NotNil(t, s.Params)
	assert.Len(t, s.Params.Atoms, s.NumAtoms())
	assert.True(t, s.Params.RigidWater)

	read, err := pdb.ReadFile(files.ProteinPDB)
	require.NoError(t, err)
	assert.Equal(t, read.Positions.Values, s.Positions.Values)
	assert.Equal(t, mdtest.PeptideResidues, s.Topology.SeqRes["A"])
}

func TestBuildProtein_UnknownResidue(t *testing.T) {
	b, files := setup(t)
	pep := mdtest.Peptide()
	pep.Topology.Residues[2].Name = "TRP"
	path := filepath.Join(t.TempDir(), "bad.pdb")
	require.NoError(t, pdb.WriteFile(path, pep, pdb.DefaultWriteOptions()))

	_, err := b.BuildProtein(context.Background(), path, Options{ProteinFF: files.ProteinFF})
	var ffe *forcefield.ForceFieldError
	require.ErrorAs(t, err, &ffe)
	assert.Equal(t, "TRP", ffe.Residue)
}

func TestBuildProtein_Errors(t *testing.T) {
	b, files := setup(t)

	_, err := b.BuildProtein(context.Background(), files.ProteinPDB, Options{})
	assert.ErrorIs(t, err, ErrNoForceField)

	_, err = b.BuildProtein(context.Background(), filepath.Join(t.TempDir(), "missing.pdb"), Options{ProteinFF: files.ProteinFF})
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = b.BuildProtein(context.Background(), files.ProteinPDB, Options{ProteinFF: "nope.xml"})
	assert.ErrorIs(t, err, forcefield.ErrForceFieldNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.BuildProtein(ctx, files.ProteinPDB, Options{ProteinFF: files.ProteinFF})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuildLigand_TagsResidues(t *testing.T) {
	b, files := setup(t)

	lig, err := b.BuildLigand(context.Background(), files.LigandPDB, LigandOptions{ForceFields: []string{files.LigandFF}})
	require.NoError(t, err)
	assert.Equal(t, 3, lig.Topology.CountResidue(structure.DefaultLigandTag))
	assert.Len(t, lig.Params.Bonds, 2)
	assert.Len(t, lig.Params.Angles, 1)

	_, err = b.BuildLigand(context.Background(), files.LigandPDB, LigandOptions{})
	assert.ErrorIs(t, err, ErrNoForceField)
}
