// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package selection

import (
	"strings"

	"github.com/AleutianAI/AleutianMD/services/md/structure"
)

var aminoAcids = setOf(
	"ALA", "ARG", "ASN", "ASP", "ASH", "CYS", "CYX", "CYM", "GLN", "GLU", "GLH",
	"GLY", "HIS", "HID", "HIE", "HIP", "ILE", "LEU", "LYS", "LYN", "MET", "PHE",
	"PRO", "SER", "THR", "TRP", "TYR", "VAL", "ACE", "NME", "NH2",
)

var waters = setOf("HOH", "WAT", "TIP3", "TIP3P", "SOL", "H2O")

var ions = setOf(
	"NA", "NA+", "CL", "CL-", "K", "K+", "LI", "LI+", "MG", "MG2", "CA", "CA2",
	"ZN", "ZN2", "CS", "RB", "F", "BR", "I", "IOD",
)

var backboneNames = setOf("N", "CA", "C", "O", "OXT")

func setOf(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// IsProtein reports whether a residue name is a standard amino acid,
// including terminal-prefixed variants such as NALA and CGLY.
func IsProtein(resname string) bool {
	n := strings.ToUpper(resname)
	if aminoAcids[n] {
		return true
	}
	if len(n) == 4 && (n[0] == 'N' || n[0] == 'C') {
		return aminoAcids[n[1:]]
	}
	return false
}

// IsWater reports whether a residue name denotes water.
func IsWater(resname string) bool {
	return waters[strings.ToUpper(resname)]
}

// IsIon reports whether a single-atom residue is a monatomic ion.
func IsIon(r structure.Residue) bool {
	return len(r.Atoms) == 1 && ions[strings.ToUpper(r.Name)]
}

func residueOf(top *structure.Topology, i int) *structure.Residue {
	return &top.Residues[top.Atoms[i].Residue]
}

func isHydrogen(top *structure.Topology, i int) bool {
	return strings.EqualFold(top.Atoms[i].Element, "H")
}

func isProteinAtom(top *structure.Topology, i int) bool {
	return IsProtein(residueOf(top, i).Name)
}

func isBackbone(top *structure.Topology, i int) bool {
	return isProteinAtom(top, i) && backboneNames[strings.ToUpper(top.Atoms[i].Name)]
}

var keywords map[string]predicate

func init() {
	keywords = map[string]predicate{
		"all":  func(*structure.Topology, int) bool { return true },
		"none": func(*structure.Topology, int) bool { return false },

		"protein":  isProteinAtom,
		"backbone": isBackbone,
		"sidechain": func(top *structure.Topology, i int) bool {
			return isProteinAtom(top, i) && !isBackbone(top, i) && !isHydrogen(top, i)
		},
		"water": func(top *structure.Topology, i int) bool { return IsWater(residueOf(top, i).Name) },
		"ion":   func(top *structure.Topology, i int) bool { return IsIon(*residueOf(top, i)) },
		"ligand": func(top *structure.Topology, i int) bool {
			r := residueOf(top, i)
			return !IsProtein(r.Name) && !IsWater(r.Name) && !IsIon(*r)
		},

		"hydrogen": isHydrogen,
		"heavy":    func(top *structure.Topology, i int) bool { return !isHydrogen(top, i) },
		"noh":      func(top *structure.Topology, i int) bool { return !isHydrogen(top, i) },
		"ca_protein": func(top *structure.Topology, i int) bool {
			return isProteinAtom(top, i) && strings.EqualFold(top.Atoms[i].Name, "CA")
		},
	}
}
