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
	"fmt"
	"sort"
	"strings"
)

// Atom is a single atom of a topology. Coordinates live on the Structure.
type Atom struct {
	// Name is the PDB atom name (e.g. "CA", "HB2").
	Name string `json:"name"`

	// Element is the chemical symbol with standard capitalization ("C", "Na").
	Element string `json:"element"`

	// Serial is the serial number read from the source file, informational only.
	Serial int `json:"serial"`

	// Residue is the index of the owning residue in Topology.Residues.
	Residue int `json:"residue"`

	// Het marks atoms written as HETATM records.
	Het bool `json:"het,omitempty"`
}

// Residue groups atoms and carries the residue tag used for selection and stripping.
type Residue struct {
	Name          string `json:"name"`
	Number        int    `json:"number"`
	InsertionCode string `json:"insertion_code,omitempty"`
	Chain         string `json:"chain"`
	Atoms         []int  `json:"atoms"`
}

// Bond connects two atoms by index.
type Bond struct {
	I int `json:"i"`
	J int `json:"j"`
}

// Topology is the static description of atoms, residues and bonds.
//
// Description:
//
//	Atoms are stored in file order. Residue.Atoms indexes into Atoms and
//	Atom.Residue indexes into Residues. SeqRes holds the sequence records
//	per chain when the source carried them; repair stages need them to
//	detect missing residues.
//
// Thread Safety:
//
//	Not safe for concurrent mutation. Clone before handing to another goroutine.
type Topology struct {
	Atoms    []Atom              `json:"atoms"`
	Residues []Residue           `json:"residues"`
	Bonds    []Bond              `json:"bonds"`
	SeqRes   map[string][]string `json:"seqres,omitempty"`
}

// NewTopology returns an empty topology.
func NewTopology() *Topology {
	return &Topology{}
}

// NumAtoms returns the atom count.
func (t *Topology) NumAtoms() int {
	if t == nil {
		return 0
	}
	return len(t.Atoms)
}

// AddResidue appends a residue and returns its index.
func (t *Topology) AddResidue(name string, number int, chain string) int {
	t.Residues = append(t.Residues, Residue{Name: name, Number: number, Chain: chain})
	return len(t.Residues) - 1
}

// AddAtom appends an atom to residue res and returns its index.
func (t *Topology) AddAtom(res int, name, element string) int {
	idx := len(t.Atoms)
	t.Atoms = append(t.Atoms, Atom{Name: name, Element: element, Serial: idx + 1, Residue: res})
	t.Residues[res].Atoms = append(t.Residues[res].Atoms, idx)
	return idx
}

// AddBond records a bond between atoms i and j.
func (t *Topology) AddBond(i, j int) error {
	if i < 0 || j < 0 || i >= len(t.Atoms) || j >= len(t.Atoms) {
		return fmt.Errorf("%w: bond %d-%d", ErrAtomIndexOutOfRange, i, j)
	}
	t.Bonds = append(t.Bonds, Bond{I: i, J: j})
	return nil
}

// ResidueOf returns the residue owning atom i.
func (t *Topology) ResidueOf(i int) *Residue {
	return &t.Residues[t.Atoms[i].Residue]
}

// Chains returns the distinct chain identifiers in first-seen order.
func (t *Topology) Chains() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range t.Residues {
		if !seen[r.Chain] {
			seen[r.Chain] = true
			out = append(out, r.Chain)
		}
	}
	return out
}

// Neighbors returns the bonded neighbor list of every atom.
func (t *Topology) Neighbors() [][]int {
	adj := make([][]int, len(t.Atoms))
	for _, b := range t.Bonds {
		adj[b.I] = append(adj[b.I], b.J)
		adj[b.J] = append(adj[b.J], b.I)
	}
	for i := range adj {
		sort.Ints(adj[i])
	}
	return adj
}

// Clone returns a deep copy of t.
func (t *Topology) Clone() *Topology {
	if t == nil {
		return nil
	}
	out := &Topology{
		Atoms:    make([]Atom, len(t.Atoms)),
		Residues: make([]Residue, len(t.Residues)),
		Bonds:    make([]Bond, len(t.Bonds)),
	}
	copy(out.Atoms, t.Atoms)
	copy(out.Bonds, t.Bonds)
	for i, r := range t.Residues {
		r.Atoms = append([]int(nil), r.Atoms...)
		out.Residues[i] = r
	}
	if t.SeqRes != nil {
		out.SeqRes = make(map[string][]string, len(t.SeqRes))
		for k, v := range t.SeqRes {
			out.SeqRes[k] = append([]string(nil), v...)
		}
	}
	return out
}

// Append concatenates other onto t, reindexing atoms, residues and bonds.
// It returns the atom offset at which other's atoms now start.
func (t *Topology) Append(other *Topology) int {
	atomOffset := len(t.Atoms)
	resOffset := len(t.Residues)
	for _, r := range other.Residues {
		nr := r
		nr.Atoms = make([]int, len(r.Atoms))
		for k, a := range r.Atoms {
			nr.Atoms[k] = a + atomOffset
		}
		t.Residues = append(t.Residues, nr)
	}
	for _, a := range other.Atoms {
		a.Residue += resOffset
		t.Atoms = append(t.Atoms, a)
	}
	for _, b := range other.Bonds {
		t.Bonds = append(t.Bonds, Bond{I: b.I + atomOffset, J: b.J + atomOffset})
	}
	for chain, seq := range other.SeqRes {
		if t.SeqRes == nil {
			t.SeqRes = make(map[string][]string)
		}
		if _, exists := t.SeqRes[chain]; !exists {
			t.SeqRes[chain] = append([]string(nil), seq...)
		}
	}
	return atomOffset
}

// Subset returns a topology holding only the atoms in keep, in ascending
// index order. Residues left without atoms are dropped and bonds touching a
// removed atom are discarded. The returned map sends old atom indices to new.
func (t *Topology) Subset(keep []int) (*Topology, map[int]int) {
	idx := append([]int(nil), keep...)
	sort.Ints(idx)

	remap := make(map[int]int, len(idx))
	resRemap := make(map[int]int)
	out := &Topology{}
	for _, old := range idx {
		a := t.Atoms[old]
		nr, ok := resRemap[a.Residue]
		if !ok {
			src := t.Residues[a.Residue]
			out.Residues = append(out.Residues, Residue{
				Name:          src.Name,
				Number:        src.Number,
				InsertionCode: src.InsertionCode,
				Chain:         src.Chain,
			})
			nr = len(out.Residues) - 1
			resRemap[a.Residue] = nr
		}
		a.Residue = nr
		remap[old] = len(out.Atoms)
		out.Residues[nr].Atoms = append(out.Residues[nr].Atoms, len(out.Atoms))
		out.Atoms = append(out.Atoms, a)
	}
	for _, b := range t.Bonds {
		i, okI := remap[b.I]
		j, okJ := remap[b.J]
		if okI && okJ {
			out.Bonds = append(out.Bonds, Bond{I: i, J: j})
		}
	}
	if t.SeqRes != nil {
		out.SeqRes = make(map[string][]string, len(t.SeqRes))
		for k, v := range t.SeqRes {
			out.SeqRes[k] = append([]string(nil), v...)
		}
	}
	return out, remap
}

// RenameResidues sets the name of every residue to name.
func (t *Topology) RenameResidues(name string) {
	for i := range t.Residues {
		t.Residues[i].Name = name
	}
}

// CountResidue returns the number of atoms whose residue name equals tag exactly.
func (t *Topology) CountResidue(tag string) int {
	n := 0
	for _, a := range t.Atoms {
		if t.Residues[a.Residue].Name == tag {
			n++
		}
	}
	return n
}

// NormalizeElement capitalizes a chemical symbol ("CL" -> "Cl").
func NormalizeElement(sym string) string {
	sym = strings.TrimSpace(sym)
	if sym == "" {
		return ""
	}
	return strings.ToUpper(sym[:1]) + strings.ToLower(sym[1:])
}
