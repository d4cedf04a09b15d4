// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package solvation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AleutianAI/AleutianMD/pkg/process"
	"github.com/AleutianAI/AleutianMD/pkg/units"
	"github.com/AleutianAI/AleutianMD/services/md/forcefield"
	"github.com/AleutianAI/AleutianMD/services/md/lock"
	"github.com/AleutianAI/AleutianMD/services/md/mdtest"
	"github.com/AleutianAI/AleutianMD/services/md/pdb"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
)

// fixture returns a library rooted in a temp dir and a merged
// peptide-ligand complex with parameters.
func fixture(t *testing.T) (string, *forcefield.Library, *structure.Structure) {
	t.Helper()
	dir := t.TempDir()
	_, err := mdtest.WriteFiles(dir)
	require.NoError(t, err)
	lib := forcefield.NewLibrary([]string{dir}, nil)

	pff, err := lib.Load("mini-protein.xml")
	require.NoError(t, err)
	protein, err := pff.Parameterize(mdtest.Peptide(), forcefield.Options{RigidWater: true})
	require.NoError(t, err)

	lff, err := lib.Load("ligand.xml")
	require.NoError(t, err)
	lig := mdtest.Ligand()
	lig.Topology.RenameResidues(structure.DefaultLigandTag)
	ligand, err := lff.Parameterize(lig, forcefield.Options{RigidWater: true})
	require.NoError(t, err)

	merged, err := structure.Merge(protein, ligand, structure.MergeOptions{})
	require.NoError(t, err)
	return dir, lib, merged
}

func testConfig(dir string) Config {
	cfg := DefaultConfig()
	cfg.ProteinFF = "mini-protein.xml"
	cfg.WorkDir = dir
	cfg.Prefix = "run1"
	return cfg
}

func assertNoLeftovers(t *testing.T, dir, prefix string) {
	t.Helper()
	base := filepath.Join(dir, prefix)
	assert.NoFileExists(t, base+ComplexSuffix)
	assert.NoFileExists(t, base+ReceptorSuffix)
	assert.NoFileExists(t, lock.Path(base))
}

func TestSolvate_Builtin(t *testing.T) {
	dir, lib, merged := fixture(t)
	stage := NewStage(lib, NewBuiltinFixer(lib, nil), nil)

	out, err := stage.Solvate(context.Background(), merged, testConfig(dir))
	require.NoError(t, err)

	assert.Zero(t, out.Topology.CountResidue(structure.DefaultLigandTag))
	assert.Greater(t, out.NumAtoms(), merged.NumAtoms())
	require.NotNil(t, out.Params)
	assert.Len(t, out.Params.Atoms, out.NumAtoms())
	assert.False(t, out.Params.RigidWater)
	assert.InDelta(t, 0, out.Params.TotalCharge(), 1e-6)

	lo, hi := structure.BoundingBox(merged.Positions)
	ext := r3.Sub(hi, lo)
	edge := max(ext.X, ext.Y, ext.Z) + 20
	l := out.Box.Lengths()
	assert.InDelta(t, edge, l.X, 1e-2)
	assert.InDelta(t, edge, l.Z, 1e-2)
	assert.Greater(t, l.X, max(ext.X, ext.Y, ext.Z))

	waters := out.Topology.CountResidue(WaterResidue) / 3
	assert.Greater(t, waters, 100)
	assertNoLeftovers(t, dir, "run1")
}

func TestSolvate_WaterClearsSolute(t *testing.T) {
	dir, lib, merged := fixture(t)
	stage := NewStage(lib, NewBuiltinFixer(lib, nil), nil)

	out, err := stage.Solvate(context.Background(), merged, testConfig(dir))
	require.NoError(t, err)

	var solute, oxygens []r3.Vec
	for i, a := range out.Topology.Atoms {
		res := out.Topology.Residues[a.Residue]
		switch {
		case res.Name == WaterResidue && a.Name == "O":
			oxygens = append(oxygens, out.Positions.Values[i])
		case res.Chain == "A":
			solute = append(solute, out.Positions.Values[i])
		}
	}
	require.NotEmpty(t, solute)
	for _, o := range oxygens {
		for _, p := range solute {
			require.GreaterOrEqual(t, r3.Norm(r3.Sub(o, p)), SoluteClearance-1e-2)
		}
	}
}

func TestSolvate_SaltAndNeutralization(t *testing.T) {
	dir, lib, merged := fixture(t)
	stage := NewStage(lib, NewBuiltinFixer(lib, nil), nil)
	cfg := testConfig(dir)
	cfg.SaltConcentration = units.Millimolars(150)

	out, err := stage.Solvate(context.Background(), merged, cfg)
	require.NoError(t, err)

	na := out.Topology.CountResidue(CationResidue)
	cl := out.Topology.CountResidue(AnionResidue)
	waters := out.Topology.CountResidue(WaterResidue) / 3
	wantNa, wantCl, err := ionCounts(waters+na+cl, 0.15, 0)
	require.NoError(t, err)
	assert.Positive(t, na)
	assert.Equal(t, wantNa, na)
	assert.Equal(t, wantCl, cl)
	assert.InDelta(t, 0, out.Params.TotalCharge(), 1e-6)
}

func TestSolvate_MissingResidue(t *testing.T) {
	dir, lib, _ := fixture(t)
	pep := mdtest.Peptide()
	var keep []int
	for i, a := range pep.Topology.Atoms {
		if pep.Topology.Residues[a.Residue].Name != "GLY" {
			keep = append(keep, i)
		}
	}
	gapped, err := pep.Subset(keep)
	require.NoError(t, err)

	stage := NewStage(lib, NewBuiltinFixer(lib, nil), nil)
	_, err = stage.Solvate(context.Background(), gapped, testConfig(dir))

	var re *RepairError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, ErrUnresolved)
	assert.Equal(t, []string{"GLY 2 A"}, re.Residues)
	assertNoLeftovers(t, dir, "run1")
}

func TestSolvate_MissingAtom(t *testing.T) {
	dir, lib, _ := fixture(t)
	pep := mdtest.Peptide()
	var keep []int
	for i, a := range pep.Topology.Atoms {
		if !(a.Residue == 0 && a.Name == "CB") {
			keep = append(keep, i)
		}
	}
	broken, err := pep.Subset(keep)
	require.NoError(t, err)

	stage := NewStage(lib, NewBuiltinFixer(lib, nil), nil)
	_, err = stage.Solvate(context.Background(), broken, testConfig(dir))

	var re *RepairError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, []string{"ALA 1 A:CB"}, re.Atoms)
	assert.Contains(t, re.Error(), "ALA 1 A:CB")
	assertNoLeftovers(t, dir, "run1")
}

func TestSolvate_NoSeqResStillRuns(t *testing.T) {
	dir, lib, merged := fixture(t)
	merged.Topology.SeqRes = nil
	stage := NewStage(lib, NewBuiltinFixer(lib, nil), nil)

	out, err := stage.Solvate(context.Background(), merged, testConfig(dir))
	require.NoError(t, err)
	assert.Greater(t, out.NumAtoms(), merged.NumAtoms())
}

func TestSolvate_PrefixLocked(t *testing.T) {
	dir, lib, merged := fixture(t)
	held, err := lock.Acquire(filepath.Join(dir, "run1"), "other run")
	require.NoError(t, err)
	defer held.Release()

	stage := NewStage(lib, NewBuiltinFixer(lib, nil), nil)
	_, err = stage.Solvate(context.Background(), merged, testConfig(dir))
	assert.ErrorIs(t, err, lock.ErrPrefixLocked)
	assert.NoFileExists(t, filepath.Join(dir, "run1"+ComplexSuffix))
}

func TestSolvate_Cancelled(t *testing.T) {
	dir, lib, merged := fixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stage := NewStage(lib, NewBuiltinFixer(lib, nil), nil)
	_, err := stage.Solvate(ctx, merged, testConfig(dir))
	assert.ErrorIs(t, err, context.Canceled)
	assertNoLeftovers(t, dir, "run1")
}

// fakePDBFixer runs the builtin fixer so the mock process can produce output.
func fakePDBFixer(t *testing.T, lib *forcefield.Library) *process.MockManager {
	t.Helper()
	return &process.MockManager{
		LookPathFunc: func(name string) (string, error) { return "/opt/bin/" + name, nil },
		RunFunc: func(ctx context.Context, cmd process.Command) (process.Result, error) {
			var out string
			for _, a := range cmd.Args {
				if v, ok := strings.CutPrefix(a, "--output="); ok {
					out = v
				}
			}
			require.NotEmpty(t, out)
			s, err := NewBuiltinFixer(lib, nil).Fix(ctx, FixRequest{
				Input:       cmd.Args[0],
				Padding:     units.Angstroms(6),
				LigandTag:   structure.DefaultLigandTag,
				ForceFields: []string{"mini-protein.xml", "tip3p.xml"},
			})
			require.NoError(t, err)
			require.NoError(t, pdb.WriteFile(out, s, pdb.DefaultWriteOptions()))
			return process.Result{Stderr: []byte("Warning: no ions added")}, nil
		},
	}
}

func TestSolvate_PDBFixerCLI(t *testing.T) {
	dir, lib, merged := fixture(t)
	proc := fakePDBFixer(t, lib)
	stage := NewStage(lib, NewPDBFixerCLI("", proc, nil), nil)

	out, err := stage.Solvate(context.Background(), merged, testConfig(dir))
	require.NoError(t, err)
	assert.Zero(t, out.Topology.CountResidue(structure.DefaultLigandTag))
	assert.Positive(t, out.Topology.CountResidue(WaterResidue))
	assert.False(t, out.Box.IsZero())

	calls := proc.GetCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/opt/bin/pdbfixer", calls[0].Name)
	assert.Equal(t, filepath.Join(dir, "run1"+ComplexSuffix), calls[0].Args[0])
	assert.Contains(t, calls[0].Args, "--ph=7.4")
	assert.Contains(t, calls[0].Args, "--ionic-strength=0.01")
	assert.Contains(t, calls[0].Args, "--water-box")
	assertNoLeftovers(t, dir, "run1")

	leftovers, err := filepath.Glob(filepath.Join(dir, "pdbfixer-*.pdb"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestSolvate_PDBFixerFailure(t *testing.T) {
	dir, lib, merged := fixture(t)
	proc := &process.MockManager{
		RunFunc: func(ctx context.Context, cmd process.Command) (process.Result, error) {
			return process.Result{ExitCode: 1, Stderr: []byte("Traceback")},
				process.NewCommandError(cmd.String(), 1, "Traceback", errors.New("exit status 1"))
		},
	}
	stage := NewStage(lib, NewPDBFixerCLI("pdbfixer", proc, nil), nil)

	_, err := stage.Solvate(context.Background(), merged, testConfig(dir))
	var re *RepairError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, ErrFixerFailed)
	var ce *process.CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.ExitCode)
	assertNoLeftovers(t, dir, "run1")
}

func TestSolvate_PDBFixerNotInstalled(t *testing.T) {
	dir, lib, merged := fixture(t)
	proc := &process.MockManager{
		LookPathFunc: func(string) (string, error) { return "", os.ErrNotExist },
	}
	stage := NewStage(lib, NewPDBFixerCLI("pdbfixer", proc, nil), nil)

	_, err := stage.Solvate(context.Background(), merged, testConfig(dir))
	assert.ErrorIs(t, err, ErrFixerFailed)
	assert.Empty(t, proc.GetCalls())
}

func TestConfig_Validate(t *testing.T) {
	tests := map[string]func(*Config){
		"ph":      func(c *Config) { c.PH = 15 },
		"padding": func(c *Config) { c.Padding = units.Angstroms(0) },
		"salt":    func(c *Config) { c.SaltConcentration = units.Millimolars(-1) },
		"ff":      func(c *Config) { c.ProteinFF = "" },
		"prefix":  func(c *Config) { c.Prefix = "" },
		"tag":     func(c *Config) { c.LigandTag = "" },
	}
	require.NoError(t, DefaultConfig().Validate())
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestIonCounts(t *testing.T) {
	tests := []struct {
		name           string
		waters         int
		molar, charge  float64
		wantNa, wantCl int
	}{
		{"physiological", 1000, 0.15, 0, 3, 3},
		{"positive solute", 1000, 0.15, 2, 3, 5},
		{"negative solute", 1000, 0.15, -1.02, 4, 3},
		{"no salt", 500, 0, 0, 0, 0},
		{"rounds to nearest", 1000, 0.09, 0, 2, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			na, cl, err := ionCounts(tt.waters, tt.molar, tt.charge)
			require.NoError(t, err)
			assert.Equal(t, tt.wantNa, na)
			assert.Equal(t, tt.wantCl, cl)
		})
	}
	_, _, err := ionCounts(3, 0, 5)
	assert.ErrorIs(t, err, ErrTooManyIons)
}

func TestPickIonSites_Distinct(t *testing.T) {
	for _, n := range []int{0, 1, 7, 50} {
		sites := pickIonSites(50, n)
		assert.Len(t, sites, n)
		for k := range sites {
			assert.True(t, k >= 0 && k < 50)
		}
	}
}

func TestReplaceNonstandard(t *testing.T) {
	top := structure.NewTopology()
	r := top.AddResidue("MSE", 1, "A")
	for _, n := range [][2]string{{"N", "N"}, {"CA", "C"}, {"SE", "Se"}} {
		i := top.AddAtom(r, n[0], n[1])
		top.Atoms[i].Het = true
	}
	assert.Equal(t, 1, replaceNonstandard(top))
	assert.Equal(t, "MET", top.Residues[0].Name)
	assert.Equal(t, "SD", top.Atoms[2].Name)
	assert.Equal(t, "S", top.Atoms[2].Element)
	assert.False(t, top.Atoms[0].Het)
}

func TestTempFiles_Cleanup(t *testing.T) {
	dir := t.TempDir()
	tmp := NewTempFiles(nil)
	a := tmp.Add(filepath.Join(dir, "a.tmp"))
	tmp.Add(filepath.Join(dir, "never-created.tmp"))
	require.NoError(t, os.WriteFile(a, []byte("x"), 0o644))

	assert.Len(t, tmp.Paths(), 2)
	require.NoError(t, tmp.Cleanup())
	assert.NoFileExists(t, a)
	assert.Empty(t, tmp.Paths())
}

func TestRepairError_Message(t *testing.T) {
	err := &RepairError{Residues: []string{"GLY 2 A"}, Atoms: []string{"ALA 1 A:CB"}, Err: ErrUnresolved}
	assert.Equal(t, "repair: structure has unresolved residues or atoms: residues [GLY 2 A]; atoms [ALA 1 A:CB]", err.Error())
	assert.True(t, errors.Is(err, ErrUnresolved))
}
