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
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AleutianAI/AleutianMD/pkg/units"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
)

// WriteOptions controls which optional records are emitted.
type WriteOptions struct {
	// SeqRes writes SEQRES records when the topology has them.
	SeqRes bool

	// Conect writes CONECT records for bonds touching HETATM atoms.
	Conect bool
}

// DefaultWriteOptions writes SEQRES and CONECT records.
func DefaultWriteOptions() WriteOptions {
	return WriteOptions{SeqRes: true, Conect: true}
}

// WriteFile writes s to path, truncating any existing file.
func WriteFile(path string, s *structure.Structure, opts WriteOptions) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create pdb: %w", err)
	}
	if err := Write(f, s, opts); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Write encodes s as a single-model PDB file.
func Write(w io.Writer, s *structure.Structure, opts WriteOptions) error {
	if err := s.Validate(); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	if !s.Box.IsZero() {
		writeCryst1(bw, s.Box)
	}
	if opts.SeqRes {
		writeSeqRes(bw, s.Topology)
	}
	writeAtoms(bw, s.Topology, s.Positions.In(units.Angstrom).Values)
	if opts.Conect {
		writeConect(bw, s.Topology)
	}
	fmt.Fprintln(bw, "END")
	return bw.Flush()
}

// ModelWriter writes a multi-model PDB trajectory for a fixed topology.
type ModelWriter struct {
	w     *bufio.Writer
	top   *structure.Topology
	model int
}

// NewModelWriter returns a writer emitting MODEL/ENDMDL blocks to w.
func NewModelWriter(w io.Writer, top *structure.Topology) *ModelWriter {
	return &ModelWriter{w: bufio.NewWriter(w), top: top}
}

// WriteModel appends one model. Positions are in angstroms.
func (m *ModelWriter) WriteModel(pos []r3.Vec, box structure.Box) error {
	if len(pos) != m.top.NumAtoms() {
		return fmt.Errorf("%w: %d positions for %d atoms", structure.ErrAtomCountMismatch, len(pos), m.top.NumAtoms())
	}
	m.model++
	fmt.Fprintf(m.w, "MODEL     %4d\n", m.model)
	if !box.IsZero() {
		writeCryst1(m.w, box)
	}
	writeAtoms(m.w, m.top, pos)
	fmt.Fprintln(m.w, "ENDMDL")
	return nil
}

// Close terminates the file and flushes buffered output.
func (m *ModelWriter) Close() error {
	fmt.Fprintln(m.w, "END")
	return m.w.Flush()
}

func writeCryst1(w io.Writer, box structure.Box) {
	l := box.Lengths()
	alpha, beta, gamma := box.Angles()
	fmt.Fprintf(w, "CRYST1%9.3f%9.3f%9.3f%7.2f%7.2f%7.2f P 1           1 \n", l.X, l.Y, l.Z, alpha, beta, gamma)
}

func writeSeqRes(w io.Writer, top *structure.Topology) {
	for _, chain := range top.Chains() {
		seq, ok := top.SeqRes[chain]
		if !ok {
			continue
		}
		for line, start := 1, 0; start < len(seq); line, start = line+1, start+13 {
			end := min(start+13, len(seq))
			names := make([]string, 0, 13)
			for _, n := range seq[start:end] {
				names = append(names, fmt.Sprintf("%3s", n))
			}
			fmt.Fprintf(w, "SEQRES %3d %1s %4d  %s\n", line, chain, len(seq), strings.Join(names, " "))
		}
	}
}

func writeAtoms(w io.Writer, top *structure.Topology, pos []r3.Vec) {
	serial := 0
	lastChain := ""
	for ri, res := range top.Residues {
		if ri > 0 && res.Chain != lastChain {
			fmt.Fprintln(w, "TER")
		}
		lastChain = res.Chain
		for _, ai := range res.Atoms {
			a := top.Atoms[ai]
			serial++
			rec := "ATOM"
			if a.Het {
				rec = "HETATM"
			}
			p := pos[ai]
			fmt.Fprintf(w, "%-6s%5d %-4s %-3s %1s%4d%1s   %8.3f%8.3f%8.3f%6.2f%6.2f          %2s  \n",
				rec, serial%100000, atomName(a.Name, a.Element), clip(res.Name, 3), clip(res.Chain, 1),
				res.Number%10000, clip(res.InsertionCode, 1), p.X, p.Y, p.Z, 1.0, 0.0,
				strings.ToUpper(a.Element))
		}
	}
	if len(top.Residues) > 0 {
		fmt.Fprintln(w, "TER")
	}
}

// writeConect writes CONECT records for bonds involving HETATM atoms, using
// the serials assigned by writeAtoms (file order, starting at 1).
func writeConect(w io.Writer, top *structure.Topology) {
	serial := make([]int, top.NumAtoms())
	n := 0
	for _, res := range top.Residues {
		for _, ai := range res.Atoms {
			n++
			serial[ai] = n
		}
	}
	if n > 99999 {
		return
	}
	adj := top.Neighbors()
	for i, nb := range adj {
		if !top.Atoms[i].Het || len(nb) == 0 {
			continue
		}
		for start := 0; start < len(nb); start += 4 {
			end := min(start+4, len(nb))
			var sb strings.Builder
			fmt.Fprintf(&sb, "CONECT%5d", serial[i])
			for _, j := range nb[start:end] {
				fmt.Fprintf(&sb, "%5d", serial[j])
			}
			fmt.Fprintln(w, sb.String())
		}
	}
}

// atomName aligns a name in the 4-column field: one-letter elements start in
// column 14 unless the name already fills the field.
func atomName(name, element string) string {
	if len(name) >= 4 || len(element) == 2 {
		return clip(name, 4)
	}
	return " " + name
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
