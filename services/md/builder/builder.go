// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package builder turns coordinate files into parameterized structures.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianMD/services/md/forcefield"
	"github.com/AleutianAI/AleutianMD/services/md/pdb"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
)

// ErrNoForceField is returned when no force-field file is named.
var ErrNoForceField = errors.New("no force field specified")

// Options configures BuildProtein.
type Options struct {
	// ProteinFF and SolventFF name ffxml files resolved through the library.
	ProteinFF string
	SolventFF string

	// RigidWater holds water geometry fixed in systems created from the result.
	RigidWater bool
}

// DefaultOptions returns the AMBER99SB-ILDN / TIP3P combination with rigid water.
func DefaultOptions() Options {
	return Options{
		ProteinFF:  "amber99sbildn.xml",
		SolventFF:  "tip3p.xml",
		RigidWater: true,
	}
}

// LigandOptions configures BuildLigand.
type LigandOptions struct {
	// ForceFields are the ffxml files holding the ligand template.
	ForceFields []string

	// Tag is the residue name given to the ligand before matching.
	Tag string
}

// Builder parameterizes structures read from PDB files.
//
// Thread Safety:
//
//	Safe for concurrent use; the library caches force fields under a lock.
type Builder struct {
	lib    *forcefield.Library
	logger *slog.Logger
}

// New returns a builder resolving force fields through lib.
func New(lib *forcefield.Library, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{lib: lib, logger: logger}
}

// BuildProtein reads a protein PDB file and binds the protein and solvent
// force fields to it.
//
// Description:
//
//	Positions are returned exactly as read. Every atom carries parameters
//	on success. A residue with no matching template fails the build with a
//	*forcefield.ForceFieldError.
//
// Inputs:
//
//	ctx - Checked for cancellation before work starts.
//	path - PDB file path.
//	opts - Force-field selection.
//
// Outputs:
//
//	*structure.Structure - Parameterized protein.
//	error - Read failure or *forcefield.ForceFieldError.
func (b *Builder) BuildProtein(ctx context.Context, path string, opts Options) (*structure.Structure, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.ProteinFF == "" {
		return nil, ErrNoForceField
	}
	start := time.Now()

	s, err := pdb.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read protein %s: %w", path, err)
	}
	ff, err := b.lib.Load(opts.ProteinFF, opts.SolventFF)
	if err != nil {
		return nil, err
	}
	out, err := ff.Parameterize(s, forcefield.Options{RigidWater: opts.RigidWater})
	if err != nil {
		return nil, err
	}
	b.logger.Info("Built protein",
		"path", path,
		"atoms", out.NumAtoms(),
		"residues", len(out.Topology.Residues),
		"charge", out.Params.TotalCharge(),
		"duration", time.Since(start))
	return out, nil
}

// BuildLigand reads a ligand PDB file, renames its residues to the ligand
// tag and parameterizes it against the ligand force fields.
func (b *Builder) BuildLigand(ctx context.Context, path string, opts LigandOptions) (*structure.Structure, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(opts.ForceFields) == 0 {
		return nil, ErrNoForceField
	}
	tag := opts.Tag
	if tag == "" {
		tag = structure.DefaultLigandTag
	}

	s, err := pdb.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ligand %s: %w", path, err)
	}
	s.Topology.RenameResidues(tag)
	for i := range s.Topology.Atoms {
		s.Topology.Atoms[i].Het = true
	}

	ff, err := b.lib.Load(opts.ForceFields...)
	if err != nil {
		return nil, err
	}
	out, err := ff.Parameterize(s, forcefield.Options{RigidWater: true})
	if err != nil {
		return nil, err
	}
	b.logger.Info("Built ligand", "path", path, "atoms", out.NumAtoms(), "tag", tag)
	return out, nil
}
