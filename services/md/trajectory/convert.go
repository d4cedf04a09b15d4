// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package trajectory converts simulation trajectories between file formats,
// optionally restricted to an atom selection.
package trajectory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AleutianAI/AleutianMD/services/md/netcdf"
	"github.com/AleutianAI/AleutianMD/services/md/selection"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrFormatUnavailable is returned for formats that are recognized but
	// cannot be written by this build.
	ErrFormatUnavailable = errors.New("trajectory format not available")

	// ErrUnknownFormat is returned for unrecognized format names.
	ErrUnknownFormat = errors.New("unknown trajectory format")

	// ErrTopologyMismatch is returned when the topology and the input
	// trajectory disagree on the atom count.
	ErrTopologyMismatch = errors.New("topology does not match trajectory")

	// ErrMissingInput is returned when the request names no input or output.
	ErrMissingInput = errors.New("trajectory input and output are required")
)

// =============================================================================
// Formats
// =============================================================================

// Format names an output trajectory format.
type Format string

const (
	FormatNetCDF Format = "netcdf"
	FormatDCD    Format = "dcd"
	FormatPDB    Format = "pdb"
	FormatHDF5   Format = "hdf5"
)

var formatAliases = map[string]Format{
	"netcdf": FormatNetCDF,
	"nc":     FormatNetCDF,
	"dcd":    FormatDCD,
	"pdb":    FormatPDB,
	"hdf5":   FormatHDF5,
	"h5":     FormatHDF5,
}

// ParseFormat resolves a case-insensitive format name or file extension.
func ParseFormat(s string) (Format, error) {
	f, ok := formatAliases[strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "."))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
	return f, nil
}

// Writable reports whether this build can write f.
//
// Outputs:
//
//	error - nil, ErrFormatUnavailable for HDF5, or ErrUnknownFormat.
func Writable(f Format) error {
	switch f {
	case FormatNetCDF, FormatDCD, FormatPDB:
		return nil
	case FormatHDF5:
		return fmt.Errorf("%w: %s requires the HDF5 C library", ErrFormatUnavailable, f)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
}

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	return ParseFormat(filepath.Ext(path))
}

// =============================================================================
// Conversion
// =============================================================================

// Request describes one conversion.
type Request struct {
	// Input is an AMBER NetCDF trajectory.
	Input string

	// Topology describes the atoms of Input, in file order.
	Topology *structure.Topology

	// Output is the destination path. It is created or truncated.
	Output string

	// Format of Output. Empty means infer from the Output extension.
	Format Format

	// Selection restricts the written atoms. Empty means all atoms.
	Selection string
}

// Result summarizes a finished conversion.
type Result struct {
	Frames int
	Atoms  int
	Format Format
}

// Convert copies every frame of req.Input to req.Output.
//
// Description:
//
//	The format and selection are validated before the output file is
//	created, so an invalid selection or format leaves nothing on disk. A
//	failure after the output was created removes the partial file.
//
// Outputs:
//
//	Result: Frames and atoms written.
//	error: ErrFormatUnavailable, ErrUnknownFormat, *selection.SelectionError,
//	ErrTopologyMismatch, netcdf errors, or ctx.Err().
func Convert(ctx context.Context, req Request, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if req.Input == "" || req.Output == "" || req.Topology == nil {
		return Result{}, ErrMissingInput
	}

	format := req.Format
	if format == "" {
		var err error
		if format, err = FormatFromPath(req.Output); err != nil {
			return Result{}, err
		}
	}
	if err := Writable(format); err != nil {
		return Result{}, err
	}

	keep, err := selectAtoms(req.Topology, req.Selection)
	if err != nil {
		return Result{}, err
	}

	in, err := netcdf.Open(req.Input)
	if err != nil {
		return Result{}, fmt.Errorf("open trajectory: %w", err)
	}
	defer in.Close()
	if in.NumAtoms() != req.Topology.NumAtoms() {
		return Result{}, fmt.Errorf("%w: trajectory has %d atoms, topology has %d",
			ErrTopologyMismatch, in.NumAtoms(), req.Topology.NumAtoms())
	}

	top := req.Topology
	if len(keep) != top.NumAtoms() {
		top, _ = req.Topology.Subset(keep)
	}

	sink, err := openSink(format, req.Output, top, in.HasCell())
	if err != nil {
		return Result{}, err
	}

	res := Result{Atoms: len(keep), Format: format}
	if err := copyFrames(ctx, in, sink, keep, &res); err != nil {
		sink.close()
		os.Remove(req.Output)
		return Result{}, err
	}
	if err := sink.close(); err != nil {
		os.Remove(req.Output)
		return Result{}, fmt.Errorf("close %s: %w", req.Output, err)
	}

	logger.Info("trajectory converted",
		"input", req.Input,
		"output", req.Output,
		"format", string(format),
		"frames", res.Frames,
		"atoms", res.Atoms)
	return res, nil
}

func selectAtoms(top *structure.Topology, expr string) ([]int, error) {
	if strings.TrimSpace(expr) == "" {
		keep := make([]int, top.NumAtoms())
		for i := range keep {
			keep[i] = i
		}
		return keep, nil
	}
	return selection.Select(top, expr)
}

func copyFrames(ctx context.Context, in *netcdf.Reader, sink frameSink, keep []int, res *Result) error {
	sub := make([]r3.Vec, len(keep))
	for i := 0; i < in.NumFrames(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := in.Frame(i)
		if err != nil {
			return fmt.Errorf("read frame %d: %w", i, err)
		}
		for k, idx := range keep {
			sub[k] = f.Coordinates[idx]
		}
		f.Coordinates = sub
		if err := sink.write(f); err != nil {
			return fmt.Errorf("write frame %d: %w", i, err)
		}
		res.Frames++
	}
	return nil
}
