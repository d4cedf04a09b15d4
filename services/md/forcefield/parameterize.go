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
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AleutianAI/AleutianMD/pkg/units"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
)

// disulfideCutoff is the largest SG-SG distance (Å) bonded as a disulfide.
const disulfideCutoff = 2.5

// residueAliases lists template names tried for common PDB residue names.
var residueAliases = map[string][]string{
	"HIS":  {"HIE", "HID", "HIP"},
	"CYS":  {"CYX"},
	"WAT":  {"HOH"},
	"TIP3": {"HOH"},
	"SOL":  {"HOH"},
	"NA+":  {"NA"},
	"CL-":  {"CL"},
	"K+":   {"K"},
}

// Options controls Parameterize.
type Options struct {
	// RigidWater records that water molecules should be held rigid when a
	// system is created from the parameters.
	RigidWater bool
}

// Candidates returns the templates that may describe a residue named name,
// in the order they are tried: the name itself, its aliases, then N- and
// C-terminal variants of each.
func (f *ForceField) Candidates(name string) []*Template {
	names := append([]string{name}, residueAliases[name]...)
	var out []*Template
	seen := make(map[string]bool)
	add := func(n string) {
		if t, ok := f.templates[n]; ok && !seen[n] {
			seen[n] = true
			out = append(out, t)
		}
	}
	for _, n := range names {
		add(n)
	}
	for _, n := range names {
		add("N" + n)
		add("C" + n)
	}
	return out
}

// MatchResidue returns the template whose atom names equal the residue's
// atom names, with the residue-to-template atom index map.
func (f *ForceField) MatchResidue(top *structure.Topology, res int) (*Template, []int, error) {
	r := top.Residues[res]
	names := make([]string, len(r.Atoms))
	for k, ai := range r.Atoms {
		names[k] = top.Atoms[ai].Name
	}
	for _, t := range f.Candidates(r.Name) {
		if len(t.Atoms) != len(names) {
			continue
		}
		mapping := make([]int, len(names))
		ok := true
		used := make(map[int]bool, len(names))
		for k, n := range names {
			idx := t.AtomIndex(n)
			if idx < 0 || used[idx] {
				ok = false
				break
			}
			used[idx] = true
			mapping[k] = idx
		}
		if ok {
			return t, mapping, nil
		}
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return nil, nil, &ForceFieldError{
		ForceField: strings.Join(f.Files, ","),
		Residue:    r.Name,
		Number:     r.Number,
		Chain:      r.Chain,
		Detail:     fmt.Sprintf("atoms [%s]", strings.Join(sorted, " ")),
		Err:        ErrNoTemplate,
	}
}

// Parameterize binds the force field to s.
//
// Description:
//
//	Every residue must match a template exactly. The returned structure
//	carries template-derived bonds (replacing any bonds read from file),
//	elements filled from atom types, and Params for every atom. Positions,
//	velocities and box are untouched.
//
// Inputs:
//
//	s - Structure to parameterize. Not modified.
//	opts - Parameterization options.
//
// Outputs:
//
//	*structure.Structure - A new structure with Params set.
//	error - *ForceFieldError wrapping ErrNoTemplate or ErrMissingParameter.
func (f *ForceField) Parameterize(s *structure.Structure, opts Options) (*structure.Structure, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	top := s.Topology.Clone()
	n := top.NumAtoms()
	atomTypes := make([]string, n)
	charges := make([]*float64, n)
	templates := make([]*Template, len(top.Residues))

	for ri, r := range top.Residues {
		t, mapping, err := f.MatchResidue(top, ri)
		if err != nil {
			return nil, err
		}
		templates[ri] = t
		for k, ai := range r.Atoms {
			ta := t.Atoms[mapping[k]]
			atomTypes[ai] = ta.Type
			charges[ai] = ta.Charge
		}
	}

	top.Bonds = f.bondGraph(top, s, templates)

	params := &structure.Parameters{
		Atoms:          make([]structure.AtomParams, n),
		Coulomb14Scale: f.coulomb14,
		LJ14Scale:      f.lj14,
		RigidWater:     opts.RigidWater,
		ForceFields:    append([]string(nil), f.Files...),
	}
	classes := make([]string, n)
	for i := 0; i < n; i++ {
		at, ok := f.types[atomTypes[i]]
		if !ok {
			return nil, f.missing(top, i, "atom type "+atomTypes[i])
		}
		classes[i] = at.Class
		if top.Atoms[i].Element == "" {
			top.Atoms[i].Element = at.Element
		}
		nb, ok := f.nbByType[at.Name]
		if !ok {
			nb, ok = f.nbByClass[at.Class]
		}
		if !ok {
			return nil, f.missing(top, i, "nonbonded "+at.Name)
		}
		q := nb.charge
		if charges[i] != nil {
			q = charges[i]
		}
		if q == nil {
			return nil, f.missing(top, i, "charge of "+at.Name)
		}
		params.Atoms[i] = structure.AtomParams{
			Type:    at.Name,
			Class:   at.Class,
			Mass:    at.Mass,
			Charge:  *q,
			Sigma:   nb.sigma,
			Epsilon: nb.epsilon,
		}
	}

	for _, b := range top.Bonds {
		p, ok := f.bondsByType[pairKey(atomTypes[b.I], atomTypes[b.J])]
		if !ok {
			p, ok = f.bondsByClass[pairKey(classes[b.I], classes[b.J])]
		}
		if !ok {
			return nil, f.missing(top, b.I, fmt.Sprintf("bond %s-%s", classes[b.I], classes[b.J]))
		}
		params.Bonds = append(params.Bonds, structure.BondParams{I: b.I, J: b.J, Length: p.length, K: p.k})
	}

	adj := top.Neighbors()
	for j, nb := range adj {
		for a := 0; a < len(nb); a++ {
			for c := a + 1; c < len(nb); c++ {
				i, k := nb[a], nb[c]
				p, ok := f.anglesByType[tripleKey(atomTypes[i], atomTypes[j], atomTypes[k])]
				if !ok {
					p, ok = f.anglesByClass[tripleKey(classes[i], classes[j], classes[k])]
				}
				if !ok {
					return nil, f.missing(top, j, fmt.Sprintf("angle %s-%s-%s", classes[i], classes[j], classes[k]))
				}
				params.Angles = append(params.Angles, structure.AngleParams{I: i, J: j, K: k, Theta: p.angle, Force: p.k})
			}
		}
	}

	params.Torsions = append(params.Torsions, f.propersFor(top.Bonds, adj, atomTypes, classes)...)
	params.Torsions = append(params.Torsions, f.impropersFor(adj, atomTypes, classes)...)

	out := s.Clone()
	out.Topology = top
	out.Params = params
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *ForceField) missing(top *structure.Topology, atom int, what string) error {
	r := top.ResidueOf(atom)
	return &ForceFieldError{
		ForceField: strings.Join(f.Files, ","),
		Residue:    r.Name,
		Number:     r.Number,
		Chain:      r.Chain,
		Detail:     what,
		Err:        ErrMissingParameter,
	}
}

// bondGraph builds intra-residue bonds from templates and links residues
// through their external bond sites.
func (f *ForceField) bondGraph(top *structure.Topology, s *structure.Structure, templates []*Template) []structure.Bond {
	seen := make(map[[2]int]bool)
	var bonds []structure.Bond
	add := func(i, j int) {
		k := [2]int{min(i, j), max(i, j)}
		if i == j || seen[k] {
			return
		}
		seen[k] = true
		bonds = append(bonds, structure.Bond{I: k[0], J: k[1]})
	}
	atomByName := func(ri int, name string) int {
		for _, ai := range top.Residues[ri].Atoms {
			if top.Atoms[ai].Name == name {
				return ai
			}
		}
		return -1
	}

	for ri, t := range templates {
		for _, b := range t.Bonds {
			i := atomByName(ri, t.Atoms[b[0]].Name)
			j := atomByName(ri, t.Atoms[b[1]].Name)
			if i >= 0 && j >= 0 {
				add(i, j)
			}
		}
	}

	// peptide and nucleic backbone links between consecutive residues
	links := [][2]string{{"C", "N"}, {"O3'", "P"}}
	for ri := 0; ri+1 < len(templates); ri++ {
		if top.Residues[ri].Chain != top.Residues[ri+1].Chain {
			continue
		}
		for _, l := range links {
			if templates[ri].HasExternal(l[0]) && templates[ri+1].HasExternal(l[1]) {
				add(atomByName(ri, l[0]), atomByName(ri+1, l[1]))
			}
		}
	}

	isExternal := func(ai int) bool {
		ri := top.Atoms[ai].Residue
		return templates[ri].HasExternal(top.Atoms[ai].Name)
	}

	// bonds read from file between external sites (CONECT records)
	for _, b := range s.Topology.Bonds {
		if top.Atoms[b.I].Residue != top.Atoms[b.J].Residue && isExternal(b.I) && isExternal(b.J) {
			add(b.I, b.J)
		}
	}

	// disulfides
	pos := s.Positions.In(units.Angstrom).Values
	var sg []int
	for ri, t := range templates {
		if t.HasExternal("SG") {
			if ai := atomByName(ri, "SG"); ai >= 0 {
				sg = append(sg, ai)
			}
		}
	}
	for a := 0; a < len(sg); a++ {
		for b := a + 1; b < len(sg); b++ {
			if r3.Norm(r3.Sub(pos[sg[a]], pos[sg[b]])) <= disulfideCutoff {
				add(sg[a], sg[b])
			}
		}
	}
	return bonds
}

// match scores how well def names the atoms: -1 for no match, otherwise the
// number of non-wildcard names.
func (d torsionDef) match(names [4]string) int {
	score := 0
	for k := 0; k < 4; k++ {
		if d.names[k] == "" {
			continue
		}
		if d.names[k] != names[k] {
			return -1
		}
		score++
	}
	return score
}

func (f *ForceField) propersFor(bonds []structure.Bond, adj [][]int, types, classes []string) []structure.TorsionParams {
	var out []structure.TorsionParams
	namesOf := func(byType bool, q [4]int) [4]string {
		src := classes
		if byType {
			src = types
		}
		return [4]string{src[q[0]], src[q[1]], src[q[2]], src[q[3]]}
	}
	for _, b := range bonds {
		j, k := b.I, b.J
		for _, i := range adj[j] {
			if i == k {
				continue
			}
			for _, l := range adj[k] {
				if l == j || l == i {
					continue
				}
				q := [4]int{i, j, k, l}
				rev := [4]int{l, k, j, i}
				best, bestScore := -1, -1
				for di, def := range f.propers {
					s := max(def.match(namesOf(def.byType, q)), def.match(namesOf(def.byType, rev)))
					if s > bestScore {
						best, bestScore = di, s
					}
				}
				if best < 0 {
					continue
				}
				for _, term := range f.propers[best].terms {
					out = append(out, structure.TorsionParams{
						I: i, J: j, K: k, L: l,
						Periodicity: term.periodicity, Phase: term.phase, Force: term.k,
					})
				}
			}
		}
	}
	return out
}

// impropersFor matches atoms with exactly three neighbors. The first name of
// an improper definition is the central atom; the emitted torsion puts the
// center third.
func (f *ForceField) impropersFor(adj [][]int, types, classes []string) []structure.TorsionParams {
	if len(f.impropers) == 0 {
		return nil
	}
	perms := [][3]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	var out []structure.TorsionParams
	for c, nb := range adj {
		if len(nb) != 3 {
			continue
		}
		best, bestScore := -1, -1
		var bestPerm [3]int
		for di, def := range f.impropers {
			src := classes
			if def.byType {
				src = types
			}
			for _, p := range perms {
				names := [4]string{src[c], src[nb[p[0]]], src[nb[p[1]]], src[nb[p[2]]]}
				if s := def.match(names); s > bestScore {
					best, bestScore, bestPerm = di, s, p
				}
			}
		}
		if best < 0 {
			continue
		}
		for _, term := range f.impropers[best].terms {
			out = append(out, structure.TorsionParams{
				I: nb[bestPerm[0]], J: nb[bestPerm[1]], K: c, L: nb[bestPerm[2]],
				Periodicity: term.periodicity, Phase: term.phase, Force: term.k,
				Improper: true,
			})
		}
	}
	return out
}
