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
	"os"
	"path/filepath"
	"strconv"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AleutianAI/AleutianMD/pkg/process"
	"github.com/AleutianAI/AleutianMD/pkg/units"
	"github.com/AleutianAI/AleutianMD/services/md/pdb"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
)

// FixRequest is the input handed to a Fixer.
type FixRequest struct {
	// Input is the PDB file of the combined complex.
	Input string

	PH      float64
	Padding units.Length
	Salt    units.Concentration

	// LigandTag names residues the fixer must carry through untouched.
	LigandTag string

	// SoluteCharge is the net charge of the complex in e, used to size the
	// neutralizing counterions.
	SoluteCharge float64

	// ForceFields are the files residue templates are checked against.
	ForceFields []string
}

// Fixer completes a structure and surrounds it with solvent and ions.
//
// # Description
//
// A Fixer fills missing residues and atoms, replaces nonstandard residues,
// adds water in a periodic box padded by Padding and adds ions to the
// requested salt concentration. The returned structure carries the
// solvated box and still contains the ligand residues.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Fixer interface {
	Fix(ctx context.Context, req FixRequest) (*structure.Structure, error)
}

// DefaultPDBFixer is the executable PDBFixerCLI runs when Path is empty.
const DefaultPDBFixer = "pdbfixer"

// PDBFixerCLI runs the external pdbfixer command line tool.
type PDBFixerCLI struct {
	// Path is the pdbfixer executable.
	Path string

	proc   process.Manager
	logger *slog.Logger
}

// NewPDBFixerCLI returns a Fixer that shells out to pdbfixer through proc.
func NewPDBFixerCLI(path string, proc process.Manager, logger *slog.Logger) *PDBFixerCLI {
	if path == "" {
		path = DefaultPDBFixer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PDBFixerCLI{Path: path, proc: proc, logger: logger}
}

// Fix runs pdbfixer on req.Input and reads back its output.
//
// The water box is cubic, sized to the largest solute extent plus twice the
// padding. A non-zero exit status is returned as a *RepairError wrapping
// ErrFixerFailed and the *process.CommandError.
func (f *PDBFixerCLI) Fix(ctx context.Context, req FixRequest) (*structure.Structure, error) {
	exe, err := f.proc.LookPath(f.Path)
	if err != nil {
		return nil, &RepairError{Err: fmt.Errorf("%w: %s not found: %v", ErrFixerFailed, f.Path, err)}
	}
	in, err := pdb.ReadFile(req.Input)
	if err != nil {
		return nil, err
	}
	edge := boxEdge(in.Positions, req.Padding.Angstroms())

	out, err := os.CreateTemp(filepath.Dir(req.Input), "pdbfixer-*.pdb")
	if err != nil {
		return nil, fmt.Errorf("create fixer output: %w", err)
	}
	outPath := out.Name()
	out.Close()
	defer os.Remove(outPath)

	nm := strconv.FormatFloat(edge/10, 'f', 4, 64)
	cmd := process.Command{
		Name: exe,
		Args: []string{
			req.Input,
			"--output=" + outPath,
			"--add-atoms=all",
			"--add-residues",
			"--replace-nonstandard",
			"--keep-heterogens=all",
			"--ph=" + strconv.FormatFloat(req.PH, 'g', -1, 64),
			"--water-box", nm, nm, nm,
			"--ionic-strength=" + strconv.FormatFloat(req.Salt.Molar(), 'g', -1, 64),
			"--positive-ion=Na+",
			"--negative-ion=Cl-",
		},
	}
	f.logger.Debug("Running pdbfixer", "command", cmd.String())
	res, err := f.proc.Run(ctx, cmd)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &RepairError{Err: fmt.Errorf("%w: %w", ErrFixerFailed, err)}
	}
	if len(res.Stderr) > 0 {
		f.logger.Warn("pdbfixer reported warnings", "stderr", string(res.Stderr))
	}

	fixed, err := pdb.ReadFile(outPath)
	if err != nil {
		return nil, &RepairError{Err: fmt.Errorf("%w: reading output: %w", ErrFixerFailed, err)}
	}
	if fixed.Box.IsZero() {
		fixed = fixed.WithBox(structure.BoxFromLengths(edge, edge, edge))
	}
	return fixed, nil
}

// boxEdge returns the cubic box edge (Å) that pads the solute by padding on
// every side.
func boxEdge(p units.Positions, padding float64) float64 {
	lo, hi := structure.BoundingBox(p.In(units.Angstrom))
	ext := r3.Sub(hi, lo)
	return max(ext.X, ext.Y, ext.Z) + 2*padding
}

var _ Fixer = (*PDBFixerCLI)(nil)
