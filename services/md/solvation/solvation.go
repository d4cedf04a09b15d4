// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package solvation repairs a protein-ligand complex, surrounds it with
// water and ions, and returns the solvated receptor parameterized for
// simulation.
package solvation

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianMD/pkg/units"
	"github.com/AleutianAI/AleutianMD/services/md/forcefield"
	"github.com/AleutianAI/AleutianMD/services/md/lock"
	"github.com/AleutianAI/AleutianMD/services/md/pdb"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
)

var tracer = otel.Tracer("aleutian.md.solvation")

// LowSaltWarning is the salt concentration below which Solvate warns that
// the run is far from physiological conditions.
var LowSaltWarning = units.Millimolars(50)

// Temporary file suffixes appended to Config.Prefix.
const (
	ComplexSuffix  = "-pl.tmp"
	ReceptorSuffix = "-nomol.tmp"
)

// Config controls one solvation run.
type Config struct {
	PH                float64
	Padding           units.Length
	SaltConcentration units.Concentration

	ProteinFF string
	SolventFF string

	// Prefix names the temporary files. Concurrent runs must use distinct
	// prefixes; the prefix is locked for the duration of Solvate.
	Prefix string

	// WorkDir resolves a relative Prefix.
	WorkDir string

	// LigandTag is the residue name stripped after solvation.
	LigandTag string
}

// DefaultConfig returns pH 7.4, 10 Å padding and 10 mM salt with the
// AMBER99SB-ILDN and TIP3P force fields.
func DefaultConfig() Config {
	return Config{
		PH:                7.4,
		Padding:           units.Angstroms(10),
		SaltConcentration: units.Millimolars(10),
		ProteinFF:         "amber99sbildn.xml",
		SolventFF:         "tip3p.xml",
		Prefix:            "solvation",
		LigandTag:         structure.DefaultLigandTag,
	}
}

// Validate checks option ranges.
func (c Config) Validate() error {
	switch {
	case c.PH < 0 || c.PH > 14:
		return fmt.Errorf("%w: pH %g outside 0-14", ErrInvalidConfig, c.PH)
	case c.Padding.Angstroms() <= 0:
		return fmt.Errorf("%w: padding must be positive", ErrInvalidConfig)
	case c.SaltConcentration.Molar() < 0:
		return fmt.Errorf("%w: negative salt concentration", ErrInvalidConfig)
	case c.ProteinFF == "":
		return fmt.Errorf("%w: no protein force field", ErrInvalidConfig)
	case c.Prefix == "":
		return fmt.Errorf("%w: empty prefix", ErrInvalidConfig)
	case c.LigandTag == "":
		return fmt.Errorf("%w: empty ligand tag", ErrInvalidConfig)
	}
	return nil
}

func (c Config) prefix() string {
	if c.WorkDir == "" || filepath.IsAbs(c.Prefix) {
		return c.Prefix
	}
	return filepath.Join(c.WorkDir, c.Prefix)
}

// Stage solvates complexes.
//
// Thread Safety:
//
//	Safe for concurrent use with distinct prefixes.
type Stage struct {
	lib    *forcefield.Library
	fixer  Fixer
	logger *slog.Logger
}

// NewStage returns a stage that repairs with fixer and parameterizes
// through lib.
func NewStage(lib *forcefield.Library, fixer Fixer, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{lib: lib, fixer: fixer, logger: logger}
}

// Solvate repairs and solvates a merged complex and returns the receptor in
// solvent with the ligand removed.
//
// Description:
//
//	The complex is written to <prefix>-pl.tmp. A file without SEQRES
//	records only triggers a warning, since missing residues cannot be
//	detected then. The fixer completes the structure and adds solvent and
//	ions. Every residue named exactly LigandTag is stripped, the rest is
//	written to <prefix>-nomol.tmp, read back and parameterized with
//	flexible water. The fixer's box is restored on the result. Both
//	temporary files are removed on every exit path.
//
// Inputs:
//
//	ctx - Cancels the stage between steps and the external fixer.
//	solute - Merged protein-ligand structure. Not modified.
//	cfg - Stage options.
//
// Outputs:
//
//	*structure.Structure - Solvated receptor with Params and box set.
//	error - *RepairError, *forcefield.ForceFieldError, *lock.LockError,
//	        or a wrapped I/O error.
func (s *Stage) Solvate(ctx context.Context, solute *structure.Structure, cfg Config) (_ *structure.Structure, err error) {
	ctx, span := tracer.Start(ctx, "solvation.Solvate",
		trace.WithAttributes(
			attribute.Float64("solvation.ph", cfg.PH),
			attribute.Float64("solvation.padding_angstrom", cfg.Padding.Angstroms()),
			attribute.Float64("solvation.salt_millimolar", cfg.SaltConcentration.Millimolar()),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if solute == nil {
		return nil, structure.ErrNilStructure
	}
	if err := solute.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SaltConcentration.Molar() < LowSaltWarning.Molar() {
		s.logger.Warn("Salt concentration is below physiological levels",
			"salt_mM", cfg.SaltConcentration.Millimolar(),
			"threshold_mM", LowSaltWarning.Millimolar())
	}
	start := time.Now()
	prefix := cfg.prefix()

	held, err := lock.Acquire(prefix, "solvation")
	if err != nil {
		return nil, err
	}
	defer held.Release()

	tmp := NewTempFiles(s.logger)
	defer tmp.Cleanup()

	plPath := tmp.Add(prefix + ComplexSuffix)
	if err := pdb.WriteFile(plPath, solute, pdb.DefaultWriteOptions()); err != nil {
		return nil, fmt.Errorf("write %s: %w", plPath, err)
	}
	hasSeqRes, err := pdb.HasSeqRes(plPath)
	if err != nil {
		return nil, err
	}
	if !hasSeqRes {
		s.logger.Warn("Complex has no SEQRES records; missing residues will not be detected", "path", plPath)
	}

	req := FixRequest{
		Input:       plPath,
		PH:          cfg.PH,
		Padding:     cfg.Padding,
		Salt:        cfg.SaltConcentration,
		LigandTag:   cfg.LigandTag,
		ForceFields: []string{cfg.ProteinFF, cfg.SolventFF},
	}
	if solute.Params != nil {
		req.SoluteCharge = solute.Params.TotalCharge()
	}
	fixed, err := s.fixer.Fix(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	receptor, removed, err := structure.StripResidue(fixed, cfg.LigandTag)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Stripped ligand", "tag", cfg.LigandTag, "atoms", removed)

	nomolPath := tmp.Add(prefix + ReceptorSuffix)
	if err := pdb.WriteFile(nomolPath, receptor, pdb.DefaultWriteOptions()); err != nil {
		return nil, fmt.Errorf("write %s: %w", nomolPath, err)
	}
	reloaded, err := pdb.ReadFile(nomolPath)
	if err != nil {
		return nil, err
	}

	ff, err := s.lib.Load(cfg.ProteinFF, cfg.SolventFF)
	if err != nil {
		return nil, err
	}
	out, err := ff.Parameterize(reloaded, forcefield.Options{RigidWater: false})
	if err != nil {
		return nil, err
	}
	out = out.WithBox(fixed.Box)

	l := out.Box.Lengths()
	span.SetAttributes(attribute.Int("solvation.atoms", out.NumAtoms()))
	s.logger.Info("Solvated complex",
		"atoms_in", solute.NumAtoms(),
		"atoms_out", out.NumAtoms(),
		"ligand_atoms_removed", removed,
		"waters", out.Topology.CountResidue(WaterResidue)/3,
		"box_angstrom", []float64{l.X, l.Y, l.Z},
		"charge", out.Params.TotalCharge(),
		"duration", time.Since(start))
	return out, nil
}
