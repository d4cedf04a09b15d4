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
	"fmt"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AleutianAI/AleutianMD/pkg/units"
	"github.com/AleutianAI/AleutianMD/services/md/forcefield"
	"github.com/AleutianAI/AleutianMD/services/md/pdb"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
)

// Grid solvation geometry, in angstroms.
const (
	// WaterSpacing is the lattice constant of the water grid; 3.1 Å gives
	// roughly bulk density (33 molecules per nm³).
	WaterSpacing = 3.1

	// SoluteClearance is the minimum oxygen to solute atom distance.
	SoluteClearance = 2.4

	tip3pOH    = 0.9572
	tip3pAngle = 104.52 * math.Pi / 180
)

// Residue names used for added solvent.
const (
	WaterResidue  = "HOH"
	CationResidue = "NA"
	AnionResidue  = "CL"
	solventChain  = "W"
	ionChain      = "I"
)

// nonstandard maps common modified residues to the standard residue they
// are modeled as, with atom renames.
var nonstandard = map[string]struct {
	name  string
	atoms map[string]string
}{
	"MSE": {name: "MET", atoms: map[string]string{"SE": "SD"}},
	"HSD": {name: "HID"},
	"HSE": {name: "HIE"},
	"HSP": {name: "HIP"},
	"CYM": {name: "CYS"},
}

// polymerSkip lists residue names never counted as chain residues.
var polymerSkip = map[string]bool{
	"HOH": true, "WAT": true, "SOL": true, "TIP3": true,
	"NA": true, "CL": true, "K": true, "NA+": true, "CL-": true, "K+": true,
}

// BuiltinFixer repairs and solvates structures without external tools.
//
// Description:
//
//	It does not build missing atoms or residues. It renames known
//	nonstandard residues, then fails with a *RepairError when a chain is
//	shorter than its SEQRES records or a residue does not match a template
//	exactly. Water is placed on a cubic grid around the centered solute and
//	ions replace waters. Protonation is taken as given, so PH is unused.
//
// Thread Safety:
//
//	Safe for concurrent use.
type BuiltinFixer struct {
	lib    *forcefield.Library
	logger *slog.Logger
}

// NewBuiltinFixer returns a fixer checking templates against lib.
func NewBuiltinFixer(lib *forcefield.Library, logger *slog.Logger) *BuiltinFixer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BuiltinFixer{lib: lib, logger: logger}
}

// Fix implements Fixer.
func (b *BuiltinFixer) Fix(ctx context.Context, req FixRequest) (*structure.Structure, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := pdb.ReadFile(req.Input)
	if err != nil {
		return nil, err
	}
	if n := replaceNonstandard(s.Topology); n > 0 {
		b.logger.Info("Replaced nonstandard residues", "count", n)
	}
	if missing := missingResidues(s.Topology, req.LigandTag); len(missing) > 0 {
		return nil, &RepairError{Residues: missing, Err: ErrUnresolved}
	}
	if err := b.checkTemplates(s.Topology, req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.solvate(s, req)
}

func (b *BuiltinFixer) checkTemplates(top *structure.Topology, req FixRequest) error {
	ff, err := b.lib.Load(req.ForceFields...)
	if err != nil {
		return err
	}
	var residues, atoms []string
	for ri, r := range top.Residues {
		if r.Name == req.LigandTag {
			continue
		}
		if _, _, err := ff.MatchResidue(top, ri); err == nil {
			continue
		}
		label := fmt.Sprintf("%s %d %s", r.Name, r.Number, r.Chain)
		cands := ff.Candidates(r.Name)
		if len(cands) == 0 {
			residues = append(residues, label)
			continue
		}
		// Report atoms of the closest template that the residue lacks.
		present := make(map[string]bool, len(r.Atoms))
		for _, ai := range r.Atoms {
			present[top.Atoms[ai].Name] = true
		}
		best := cands[0]
		for _, t := range cands[1:] {
			if math.Abs(float64(len(t.Atoms)-len(r.Atoms))) < math.Abs(float64(len(best.Atoms)-len(r.Atoms))) {
				best = t
			}
		}
		lacking := 0
		for _, ta := range best.Atoms {
			if !present[ta.Name] {
				atoms = append(atoms, label+":"+ta.Name)
				lacking++
			}
		}
		if lacking == 0 {
			residues = append(residues, label)
		}
	}
	if len(residues) > 0 || len(atoms) > 0 {
		return &RepairError{Residues: residues, Atoms: atoms, Err: ErrUnresolved}
	}
	return nil
}

// solvate centers the solute in a cubic box and fills it with water and ions.
func (b *BuiltinFixer) solvate(s *structure.Structure, req FixRequest) (*structure.Structure, error) {
	pos := s.Positions.In(units.Angstrom).Values
	edge := boxEdge(s.Positions, req.Padding.Angstroms())
	lo, hi := structure.BoundingBox(s.Positions.In(units.Angstrom))
	mid := r3.Scale(0.5, r3.Add(lo, hi))
	shift := r3.Sub(r3.Vec{X: edge / 2, Y: edge / 2, Z: edge / 2}, mid)

	solute := make([]r3.Vec, len(pos))
	for i, p := range pos {
		solute[i] = r3.Add(p, shift)
	}
	sites := waterSites(solute, edge)

	na, cl, err := ionCounts(len(sites), req.Salt.Molar(), req.SoluteCharge)
	if err != nil {
		return nil, err
	}
	ionAt := pickIonSites(len(sites), na+cl)

	top := s.Topology.Clone()
	all := append([]r3.Vec(nil), solute...)
	waters, placedNa, placedCl := 0, 0, 0
	hOffset1 := r3.Vec{X: tip3pOH}
	hOffset2 := r3.Vec{X: tip3pOH * math.Cos(tip3pAngle), Y: tip3pOH * math.Sin(tip3pAngle)}
	for k, o := range sites {
		if ionAt[k] {
			name, elem, chainNo := CationResidue, "Na", placedNa+1
			if placedNa < na {
				placedNa++
			} else {
				name, elem, chainNo = AnionResidue, "Cl", na+placedCl+1
				placedCl++
			}
			ri := top.AddResidue(name, chainNo, ionChain)
			ai := top.AddAtom(ri, name, elem)
			top.Atoms[ai].Het = true
			all = append(all, o)
			continue
		}
		waters++
		ri := top.AddResidue(WaterResidue, waters, solventChain)
		for _, a := range [][2]string{{"O", "O"}, {"H1", "H"}, {"H2", "H"}} {
			ai := top.AddAtom(ri, a[0], a[1])
			top.Atoms[ai].Het = true
		}
		all = append(all, o, r3.Add(o, hOffset1), r3.Add(o, hOffset2))
	}
	for i := range top.Atoms {
		top.Atoms[i].Serial = i + 1
	}

	b.logger.Info("Solvated with builtin fixer",
		"box_edge", edge,
		"waters", waters,
		"na", na,
		"cl", cl,
		"solute_charge", req.SoluteCharge)
	return structure.New(top, units.NewPositions(all, units.Angstrom), structure.BoxFromLengths(edge, edge, edge))
}

// waterSites returns grid points inside the box at least SoluteClearance
// from every solute atom.
func waterSites(solute []r3.Vec, edge float64) []r3.Vec {
	type cell [3]int
	key := func(p r3.Vec) cell {
		return cell{
			int(math.Floor(p.X / SoluteClearance)),
			int(math.Floor(p.Y / SoluteClearance)),
			int(math.Floor(p.Z / SoluteClearance)),
		}
	}
	grid := make(map[cell][]r3.Vec, len(solute))
	for _, p := range solute {
		k := key(p)
		grid[k] = append(grid[k], p)
	}
	clash := func(p r3.Vec) bool {
		k := key(p)
		for dx := -1; dx <= 1; dx++ {
			for dy := -1; dy <= 1; dy++ {
				for dz := -1; dz <= 1; dz++ {
					for _, q := range grid[cell{k[0] + dx, k[1] + dy, k[2] + dz}] {
						if r3.Norm2(r3.Sub(p, q)) < SoluteClearance*SoluteClearance {
							return true
						}
					}
				}
			}
		}
		return false
	}

	n := int(edge / WaterSpacing)
	var sites []r3.Vec
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				p := r3.Vec{
					X: (float64(i) + 0.5) * WaterSpacing,
					Y: (float64(j) + 0.5) * WaterSpacing,
					Z: (float64(k) + 0.5) * WaterSpacing,
				}
				if !clash(p) {
					sites = append(sites, p)
				}
			}
		}
	}
	return sites
}

// ionCounts returns the Na+ and Cl- counts for nWater waters at molar salt
// with a solute of net charge. Salt pairs are floor(nWater*M/55.4 + 0.5);
// counterions neutralize the rounded solute charge.
func ionCounts(nWater int, molar, charge float64) (na, cl int, err error) {
	pairs := int(math.Floor(float64(nWater)*molar/units.WaterMolarity + 0.5))
	na, cl = pairs, pairs
	q := int(math.Round(charge))
	if q > 0 {
		cl += q
	} else {
		na -= q
	}
	if na+cl > nWater {
		return 0, 0, fmt.Errorf("%w: %d ions, %d waters", ErrTooManyIons, na+cl, nWater)
	}
	return na, cl, nil
}

// pickIonSites spreads n ion positions evenly over the water sites.
func pickIonSites(nSites, n int) map[int]bool {
	out := make(map[int]bool, n)
	for k := 0; k < n; k++ {
		out[(2*k+1)*nSites/(2*n)] = true
	}
	return out
}

func replaceNonstandard(top *structure.Topology) int {
	n := 0
	for ri := range top.Residues {
		r := &top.Residues[ri]
		repl, ok := nonstandard[r.Name]
		if !ok {
			continue
		}
		r.Name = repl.name
		for _, ai := range r.Atoms {
			if to, ok := repl.atoms[top.Atoms[ai].Name]; ok {
				top.Atoms[ai].Name = to
				top.Atoms[ai].Element = pdb.ElementFromName(to, repl.name)
			}
			top.Atoms[ai].Het = false
		}
		n++
	}
	return n
}

// missingResidues aligns each chain's observed residues against its SEQRES
// records in order and returns the SEQRES entries with no observed match.
func missingResidues(top *structure.Topology, ligandTag string) []string {
	observed := make(map[string][]string)
	for _, r := range top.Residues {
		if r.Name == ligandTag || polymerSkip[r.Name] || len(r.Atoms) == 0 || top.Atoms[r.Atoms[0]].Het {
			continue
		}
		observed[r.Chain] = append(observed[r.Chain], r.Name)
	}
	chains := make([]string, 0, len(top.SeqRes))
	for c := range top.SeqRes {
		chains = append(chains, c)
	}
	sort.Strings(chains)

	var missing []string
	for _, c := range chains {
		seq, obs := top.SeqRes[c], observed[c]
		i := 0
		for j, name := range seq {
			if i < len(obs) && obs[i] == name {
				i++
				continue
			}
			missing = append(missing, fmt.Sprintf("%s %d %s", name, j+1, c))
		}
	}
	return missing
}

var _ Fixer = (*BuiltinFixer)(nil)
