// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mdtest provides small molecular fixtures for tests: a united-atom
// peptide force field, a three-atom ligand force field, and structures that
// match them.
package mdtest

import (
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AleutianAI/AleutianMD/pkg/units"
	"github.com/AleutianAI/AleutianMD/services/md/pdb"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
)

// ProteinFF is a united-atom force field for ALA and GLY.
const ProteinFF = `<ForceField>
 <AtomTypes>
  <Type name="pN" class="N" element="N" mass="14.01"/>
  <Type name="pCA" class="CT" element="C" mass="13.02"/>
  <Type name="pCB" class="CT" element="C" mass="15.03"/>
  <Type name="pC" class="C" element="C" mass="12.01"/>
  <Type name="pO" class="O" element="O" mass="16.00"/>
 </AtomTypes>
 <Residues>
  <Residue name="GLY">
   <Atom name="N" type="pN" charge="-0.3"/>
   <Atom name="CA" type="pCA" charge="0.3"/>
   <Atom name="C" type="pC" charge="0.5"/>
   <Atom name="O" type="pO" charge="-0.5"/>
   <Bond atomName1="N" atomName2="CA"/>
   <Bond atomName1="CA" atomName2="C"/>
   <Bond atomName1="C" atomName2="O"/>
   <ExternalBond atomName="N"/>
   <ExternalBond atomName="C"/>
  </Residue>
  <Residue name="ALA">
   <Atom name="N" type="pN" charge="-0.3"/>
   <Atom name="CA" type="pCA" charge="0.2"/>
   <Atom name="CB" type="pCB" charge="0.1"/>
   <Atom name="C" type="pC" charge="0.5"/>
   <Atom name="O" type="pO" charge="-0.5"/>
   <Bond atomName1="N" atomName2="CA"/>
   <Bond atomName1="CA" atomName2="CB"/>
   <Bond atomName1="CA" atomName2="C"/>
   <Bond atomName1="C" atomName2="O"/>
   <ExternalBond atomName="N"/>
   <ExternalBond atomName="C"/>
  </Residue>
 </Residues>
 <HarmonicBondForce>
  <Bond class1="N" class2="CT" length="0.1449" k="282001.6"/>
  <Bond class1="CT" class2="C" length="0.1522" k="265265.6"/>
  <Bond class1="C" class2="O" length="0.1229" k="476976.0"/>
  <Bond class1="C" class2="N" length="0.1335" k="410032.0"/>
  <Bond class1="CT" class2="CT" length="0.1526" k="259408.0"/>
 </HarmonicBondForce>
 <HarmonicAngleForce>
  <Angle class1="N" class2="CT" class3="C" angle="1.9391" k="527.184"/>
  <Angle class1="N" class2="CT" class3="CT" angle="1.9146" k="669.44"/>
  <Angle class1="CT" class2="CT" class3="C" angle="1.9390" k="527.184"/>
  <Angle class1="CT" class2="C" class3="O" angle="2.1014" k="669.44"/>
  <Angle class1="CT" class2="C" class3="N" angle="2.0385" k="585.76"/>
  <Angle class1="O" class2="C" class3="N" angle="2.1468" k="669.44"/>
  <Angle class1="C" class2="N" class3="CT" angle="2.1274" k="418.4"/>
 </HarmonicAngleForce>
 <PeriodicTorsionForce>
  <Proper class1="" class2="C" class3="N" class4="" periodicity1="2" phase1="3.14159265359" k1="10.46"/>
  <Proper class1="" class2="CT" class3="C" class4="" periodicity1="2" phase1="0.0" k1="0.0"/>
  <Proper class1="" class2="N" class3="CT" class4="" periodicity1="2" phase1="0.0" k1="0.0"/>
  <Proper class1="N" class2="CT" class3="C" class4="N" periodicity1="1" phase1="3.14159265359" k1="1.88" periodicity2="2" phase2="3.14159265359" k2="6.61"/>
  <Improper class1="C" class2="" class3="O" class4="" periodicity1="2" phase1="3.14159265359" k1="43.932"/>
 </PeriodicTorsionForce>
 <NonbondedForce coulomb14scale="0.833333" lj14scale="0.5">
  <Atom type="pN" sigma="0.325" epsilon="0.71128"/>
  <Atom type="pCA" sigma="0.38" epsilon="0.4577"/>
  <Atom type="pCB" sigma="0.39" epsilon="0.7322"/>
  <Atom type="pC" sigma="0.339967" epsilon="0.359824"/>
  <Atom type="pO" sigma="0.295992" epsilon="0.87864"/>
 </NonbondedForce>
</ForceField>
`

// LigandFF is a united-atom ethanol-like ligand named LIG.
const LigandFF = `<ForceField>
 <AtomTypes>
  <Type name="lig-c3a" class="c3" element="C" mass="15.03"/>
  <Type name="lig-c3b" class="c3" element="C" mass="14.03"/>
  <Type name="lig-oh" class="oh" element="O" mass="17.01"/>
 </AtomTypes>
 <Residues>
  <Residue name="LIG">
   <Atom name="C1" type="lig-c3a" charge="0.0"/>
   <Atom name="C2" type="lig-c3b" charge="0.25"/>
   <Atom name="O1" type="lig-oh" charge="-0.25"/>
   <Bond atomName1="C1" atomName2="C2"/>
   <Bond atomName1="C2" atomName2="O1"/>
  </Residue>
 </Residues>
 <HarmonicBondForce>
  <Bond class1="c3" class2="c3" length="0.1535" k="253379.0"/>
  <Bond class1="c3" class2="oh" length="0.1426" k="263174.0"/>
 </HarmonicBondForce>
 <HarmonicAngleForce>
  <Angle class1="c3" class2="c3" class3="oh" angle="1.9111" k="567.0"/>
 </HarmonicAngleForce>
 <NonbondedForce coulomb14scale="0.833333" lj14scale="0.5">
  <Atom type="lig-c3a" sigma="0.39" epsilon="0.7322"/>
  <Atom type="lig-c3b" sigma="0.39" epsilon="0.4937"/>
  <Atom type="lig-oh" sigma="0.307" epsilon="0.8803"/>
 </NonbondedForce>
</ForceField>
`

// PeptideResidues is the residue sequence built by Peptide.
var PeptideResidues = []string{"ALA", "GLY", "ALA"}

// Peptide returns the PeptideResidues chain in an extended conformation
// with a 30 Å cubic box. It has no parameters.
func Peptide() *structure.Structure {
	top := structure.NewTopology()
	top.SeqRes = map[string][]string{"A": append([]string(nil), PeptideResidues...)}
	var pos []r3.Vec
	for k, name := range PeptideResidues {
		o := 3.8 * float64(k)
		r := top.AddResidue(name, k+1, "A")
		add := func(atom, elem string, p r3.Vec) {
			top.AddAtom(r, atom, elem)
			pos = append(pos, r3.Add(p, r3.Vec{X: 10, Y: 12, Z: 15}))
		}
		add("N", "N", r3.Vec{X: o})
		add("CA", "C", r3.Vec{X: o + 1.0, Y: 1.05})
		if name == "ALA" {
			add("CB", "C", r3.Vec{X: o + 1.0, Y: 1.6, Z: 1.43})
		}
		add("C", "C", r3.Vec{X: o + 2.45, Y: 0.75})
		add("O", "O", r3.Vec{X: o + 2.6, Y: 1.95})
	}
	s, err := structure.New(top, units.NewPositions(pos, units.Angstrom), structure.BoxFromLengths(30, 30, 30))
	if err != nil {
		panic(err)
	}
	return s
}

// Ligand returns a three-atom ligand with residue name UNL, placed next to
// the Peptide, with its own small box.
func Ligand() *structure.Structure {
	top := structure.NewTopology()
	r := top.AddResidue("UNL", 1, "L")
	names := []string{"C1", "C2", "O1"}
	elems := []string{"C", "C", "O"}
	for i := range names {
		idx := top.AddAtom(r, names[i], elems[i])
		top.Atoms[idx].Het = true
	}
	_ = top.AddBond(0, 1)
	_ = top.AddBond(1, 2)
	pos := []r3.Vec{{X: 0}, {X: 1.53}, {X: 2.0, Y: 1.36}}
	for i := range pos {
		pos[i] = r3.Add(pos[i], r3.Vec{X: 13, Y: 18, Z: 15})
	}
	s, err := structure.New(top, units.NewPositions(pos, units.Angstrom), structure.BoxFromLengths(5, 5, 5))
	if err != nil {
		panic(err)
	}
	return s
}

// Files are fixture paths written by WriteFiles.
type Files struct {
	ProteinPDB string
	LigandPDB  string
	ProteinFF  string
	LigandFF   string
}

// WriteFiles writes the fixtures into dir.
func WriteFiles(dir string) (Files, error) {
	f := Files{
		ProteinPDB: filepath.Join(dir, "protein.pdb"),
		LigandPDB:  filepath.Join(dir, "ligand.pdb"),
		ProteinFF:  filepath.Join(dir, "mini-protein.xml"),
		LigandFF:   filepath.Join(dir, "ligand.xml"),
	}
	if err := pdb.WriteFile(f.ProteinPDB, Peptide(), pdb.DefaultWriteOptions()); err != nil {
		return f, err
	}
	if err := pdb.WriteFile(f.LigandPDB, Ligand(), pdb.DefaultWriteOptions()); err != nil {
		return f, err
	}
	if err := os.WriteFile(f.ProteinFF, []byte(ProteinFF), 0o644); err != nil {
		return f, err
	}
	if err := os.WriteFile(f.LigandFF, []byte(LigandFF), 0o644); err != nil {
		return f, err
	}
	return f, nil
}
