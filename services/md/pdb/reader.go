// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pdb reads and writes Protein Data Bank coordinate files.
//
// Only the records the workflow relies on are handled: CRYST1 (periodic
// box), SEQRES (sequence, needed for missing-residue repair), ATOM/HETATM,
// TER, MODEL/ENDMDL and CONECT. Coordinates are fixed-point with three
// decimals, so a write/read round trip preserves positions to 1e-3 Å.
package pdb

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AleutianAI/AleutianMD/pkg/units"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
)

// ErrNoAtoms is returned when a file holds no ATOM or HETATM records.
var ErrNoAtoms = errors.New("no ATOM/HETATM records found")

// ParseError reports a malformed record.
type ParseError struct {
	Line   int
	Record string
	Err    error
}

// Error returns the error message.
func (e *ParseError) Error() string {
	return fmt.Sprintf("pdb line %d (%s): %v", e.Line, e.Record, e.Err)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// ReadFile parses the PDB file at path.
func ReadFile(path string) (*structure.Structure, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdb: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// HasSeqRes reports whether the PDB file at path carries SEQRES records.
func HasSeqRes(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open pdb: %w", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "SEQRES") {
			return true, nil
		}
	}
	return false, sc.Err()
}

// Read parses the first model of a PDB stream.
//
// Description:
//
//	Residues are delimited by a change in chain, residue number, insertion
//	code or residue name. Elements come from columns 77-78 and are guessed
//	from the atom name when absent. CONECT records become bonds.
//
// Outputs:
//
//	*structure.Structure - Positions in angstroms, no parameters.
//	error - *ParseError for malformed records, ErrNoAtoms for empty input.
func Read(r io.Reader) (*structure.Structure, error) {
	top := structure.NewTopology()
	var pos []r3.Vec
	var box structure.Box
	serialToIndex := make(map[int]int)

	type resKey struct {
		chain, icode, name string
		number             int
	}
	var lastKey resKey
	curRes := -1
	lineNo := 0

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		rec := strings.TrimSpace(field(line, 0, 6))
		switch rec {
		case "CRYST1":
			b, err := parseCryst1(line)
			if err != nil {
				return nil, &ParseError{Line: lineNo, Record: rec, Err: err}
			}
			box = b
		case "SEQRES":
			chain := strings.TrimSpace(field(line, 11, 12))
			if top.SeqRes == nil {
				top.SeqRes = make(map[string][]string)
			}
			top.SeqRes[chain] = append(top.SeqRes[chain], strings.Fields(field(line, 19, 80))...)
		case "ATOM", "HETATM":
			a, p, err := parseAtom(line)
			if err != nil {
				return nil, &ParseError{Line: lineNo, Record: rec, Err: err}
			}
			key := resKey{chain: a.chain, icode: a.icode, name: a.resName, number: a.resNum}
			if curRes < 0 || key != lastKey {
				curRes = top.AddResidue(a.resName, a.resNum, a.chain)
				top.Residues[curRes].InsertionCode = a.icode
				lastKey = key
			}
			idx := top.AddAtom(curRes, a.name, a.element)
			top.Atoms[idx].Serial = a.serial
			top.Atoms[idx].Het = rec == "HETATM"
			serialToIndex[a.serial] = idx
			pos = append(pos, p)
		case "TER":
			// next ATOM always opens a new residue
			curRes = -1
		case "CONECT":
			if err := parseConect(line, serialToIndex, top); err != nil {
				return nil, &ParseError{Line: lineNo, Record: rec, Err: err}
			}
		case "ENDMDL", "END":
			if len(pos) > 0 {
				return finish(top, pos, box)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read pdb: %w", err)
	}
	return finish(top, pos, box)
}

func finish(top *structure.Topology, pos []r3.Vec, box structure.Box) (*structure.Structure, error) {
	if len(pos) == 0 {
		return nil, ErrNoAtoms
	}
	dedupeBonds(top)
	return structure.New(top, units.NewPositions(pos, units.Angstrom), box)
}

type atomRecord struct {
	serial  int
	name    string
	resName string
	chain   string
	resNum  int
	icode   string
	element string
}

func parseAtom(line string) (atomRecord, r3.Vec, error) {
	if len(line) < 54 {
		return atomRecord{}, r3.Vec{}, fmt.Errorf("record too short (%d columns)", len(line))
	}
	var a atomRecord
	var err error
	// serials past 99999 are written as '*****' or hex by some tools; keep going
	a.serial, err = strconv.Atoi(strings.TrimSpace(field(line, 6, 11)))
	if err != nil {
		a.serial = -1
	}
	a.name = strings.TrimSpace(field(line, 12, 16))
	a.resName = strings.TrimSpace(field(line, 17, 21))
	a.chain = strings.TrimSpace(field(line, 21, 22))
	a.resNum, err = strconv.Atoi(strings.TrimSpace(field(line, 22, 26)))
	if err != nil {
		return a, r3.Vec{}, fmt.Errorf("residue number: %w", err)
	}
	a.icode = strings.TrimSpace(field(line, 26, 27))

	var p r3.Vec
	if p.X, err = strconv.ParseFloat(strings.TrimSpace(field(line, 30, 38)), 64); err != nil {
		return a, p, fmt.Errorf("x: %w", err)
	}
	if p.Y, err = strconv.ParseFloat(strings.TrimSpace(field(line, 38, 46)), 64); err != nil {
		return a, p, fmt.Errorf("y: %w", err)
	}
	if p.Z, err = strconv.ParseFloat(strings.TrimSpace(field(line, 46, 54)), 64); err != nil {
		return a, p, fmt.Errorf("z: %w", err)
	}

	a.element = structure.NormalizeElement(field(line, 76, 78))
	if a.element == "" {
		a.element = ElementFromName(a.name, a.resName)
	}
	return a, p, nil
}

func parseCryst1(line string) (structure.Box, error) {
	vals := make([]float64, 6)
	cols := [][2]int{{6, 15}, {15, 24}, {24, 33}, {33, 40}, {40, 47}, {47, 54}}
	for i, c := range cols {
		s := strings.TrimSpace(field(line, c[0], c[1]))
		if s == "" && i >= 3 {
			vals[i] = 90
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return structure.Box{}, err
		}
		vals[i] = v
	}
	return structure.BoxFromParameters(vals[0], vals[1], vals[2], vals[3], vals[4], vals[5]), nil
}

func parseConect(line string, serials map[int]int, top *structure.Topology) error {
	from, err := strconv.Atoi(strings.TrimSpace(field(line, 6, 11)))
	if err != nil {
		return err
	}
	i, ok := serials[from]
	if !ok {
		return nil
	}
	for c := 11; c+5 <= len(line) && c < 31; c += 5 {
		s := strings.TrimSpace(field(line, c, c+5))
		if s == "" {
			continue
		}
		to, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		if j, ok := serials[to]; ok && i != j {
			if err := top.AddBond(i, j); err != nil {
				return err
			}
		}
	}
	return nil
}

// dedupeBonds drops duplicate bonds, CONECT lists each bond from both ends.
func dedupeBonds(top *structure.Topology) {
	seen := make(map[[2]int]bool, len(top.Bonds))
	out := top.Bonds[:0]
	for _, b := range top.Bonds {
		k := [2]int{min(b.I, b.J), max(b.I, b.J)}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, structure.Bond{I: k[0], J: k[1]})
	}
	top.Bonds = out
}

// field returns line[from:to] clipped to the line length.
func field(line string, from, to int) string {
	if from >= len(line) {
		return ""
	}
	if to > len(line) {
		to = len(line)
	}
	return line[from:to]
}

// ElementFromName guesses the element of an atom from its PDB name, mostly
// following AMBER naming. Ions are recognized by residue name.
func ElementFromName(name, resName string) string {
	switch strings.ToUpper(resName) {
	case "NA", "NA+", "SOD":
		return "Na"
	case "CL", "CL-", "CLA":
		return "Cl"
	case "K", "K+", "POT":
		return "K"
	case "MG", "MG2":
		return "Mg"
	case "ZN", "ZN2":
		return "Zn"
	case "CA", "CAL":
		if strings.EqualFold(name, "CA") {
			return "Ca"
		}
	}
	n := strings.TrimLeft(strings.ToUpper(name), "0123456789")
	if n == "" {
		return ""
	}
	if len(n) >= 4 || n[0] == 'H' {
		return "H"
	}
	switch {
	case strings.HasPrefix(n, "CL"):
		return "Cl"
	case strings.HasPrefix(n, "BR"):
		return "Br"
	case strings.HasPrefix(n, "ZN"):
		return "Zn"
	case n == "SE":
		return "Se"
	}
	switch n[0] {
	case 'C', 'N', 'O', 'S', 'P', 'F':
		return string(n[0])
	case 'I':
		return "I"
	}
	return ""
}
