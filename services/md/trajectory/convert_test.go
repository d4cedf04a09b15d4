// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package trajectory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rmera/gochem/traj/dcd"
	v3 "github.com/rmera/gochem/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AleutianAI/AleutianMD/services/md/netcdf"
	"github.com/AleutianAI/AleutianMD/services/md/selection"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
)

// complexTopology is ALA(4 atoms) + LIG(2 atoms) + HOH(3 atoms).
func complexTopology() *structure.Topology {
	top := structure.NewTopology()
	r := top.AddResidue("ALA", 1, "A")
	for _, a := range [][2]string{{"N", "N"}, {"CA", "C"}, {"C", "C"}, {"O", "O"}} {
		top.AddAtom(r, a[0], a[1])
	}
	r = top.AddResidue("LIG", 2, "L")
	top.AddAtom(r, "C1", "C")
	top.AddAtom(r, "O1", "O")
	r = top.AddResidue("HOH", 3, "W")
	top.AddAtom(r, "O", "O")
	top.AddAtom(r, "H1", "H")
	top.AddAtom(r, "H2", "H")
	return top
}

func writeInput(t *testing.T, natoms, nframes int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.nc")
	w, err := netcdf.Create(path, natoms, netcdf.WriterOptions{Cell: true})
	require.NoError(t, err)
	for f := 0; f < nframes; f++ {
		coords := make([]r3.Vec, natoms)
		for i := range coords {
			coords[i] = r3.Vec{X: float64(i), Y: float64(f), Z: 1.5}
		}
		require.NoError(t, w.WriteFrame(netcdf.Frame{
			Coordinates: coords,
			Time:        float64(f) * 2,
			CellLengths: [3]float64{30, 30, 30},
			CellAngles:  [3]float64{90, 90, 90},
		}))
	}
	require.NoError(t, w.Close())
	return path
}

func TestConvert_NetCDFSelection(t *testing.T) {
	in := writeInput(t, 9, 3)
	out := filepath.Join(t.TempDir(), "lig.nc")

	res, err := Convert(context.Background(), Request{
		Input:     in,
		Topology:  complexTopology(),
		Output:    out,
		Selection: "ligand",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, Result{Frames: 3, Atoms: 2, Format: FormatNetCDF}, res)

	r, err := netcdf.Open(out)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, 2, r.NumAtoms())
	assert.Equal(t, 3, r.NumFrames())
	assert.True(t, r.HasCell())
	f, err := r.Frame(2)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, f.Coordinates[0].X, 1e-4)
	assert.InDelta(t, 5.0, f.Coordinates[1].X, 1e-4)
	assert.InDelta(t, 2.0, f.Coordinates[1].Y, 1e-4)
	assert.InDelta(t, 4.0, f.Time, 1e-4)
}

func TestConvert_PDBModels(t *testing.T) {
	in := writeInput(t, 9, 2)
	out := filepath.Join(t.TempDir(), "prot.pdb")

	res, err := Convert(context.Background(), Request{
		Input:     in,
		Topology:  complexTopology(),
		Output:    out,
		Selection: "protein",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Frames)
	assert.Equal(t, 4, res.Atoms)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	text := string(data)
	assert.Equal(t, 2, strings.Count(text, "MODEL "))
	assert.Equal(t, 2, strings.Count(text, "ENDMDL"))
	assert.Equal(t, 8, strings.Count(text, "ATOM  "))
	assert.NotContains(t, text, "HOH")
	assert.Contains(t, text, "CRYST1")
}

func TestConvert_DCD(t *testing.T) {
	in := writeInput(t, 9, 4)
	out := filepath.Join(t.TempDir(), "all.dcd")

	res, err := Convert(context.Background(), Request{
		Input:    in,
		Topology: complexTopology(),
		Output:   out,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, Result{Frames: 4, Atoms: 9, Format: FormatDCD}, res)

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(4*3*9*4))

	r, err := dcd.New(out)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, 9, r.Len())

	m := v3.Zeros(9)
	frames := 0
	for ; frames < 10; frames++ {
		if err := r.Next(m); err != nil {
			_, last := err.(interface{ NormalLastFrameTermination() })
			require.True(t, last, "frame %d: %v", frames, err)
			break
		}
		assert.InDelta(t, float64(frames), m.At(2, 1), 1e-5)
		assert.InDelta(t, 2.0, m.At(2, 0), 1e-5)
	}
	assert.Equal(t, 4, frames)
}

func TestConvert_ValidationWritesNothing(t *testing.T) {
	in := writeInput(t, 9, 1)
	dir := t.TempDir()

	t.Run("unwritable", func(t *testing.T) {
		assert.NoError(t, Writable(FormatDCD))
		assert.ErrorIs(t, Writable(FormatHDF5), ErrFormatUnavailable)
		assert.ErrorIs(t, Writable("xtc"), ErrUnknownFormat)
	})

	t.Run("hdf5", func(t *testing.T) {
		out := filepath.Join(dir, "out.h5")
		_, err := Convert(context.Background(), Request{Input: in, Topology: complexTopology(), Output: out}, nil)
		assert.ErrorIs(t, err, ErrFormatUnavailable)
		assert.NoFileExists(t, out)
	})

	t.Run("bad selection", func(t *testing.T) {
		out := filepath.Join(dir, "bad.nc")
		_, err := Convert(context.Background(), Request{Input: in, Topology: complexTopology(), Output: out, Selection: "protein and ("}, nil)
		var se *selection.SelectionError
		require.ErrorAs(t, err, &se)
		assert.ErrorIs(t, err, selection.ErrSyntax)
		assert.NoFileExists(t, out)
	})

	t.Run("empty selection", func(t *testing.T) {
		out := filepath.Join(dir, "empty.nc")
		_, err := Convert(context.Background(), Request{Input: in, Topology: complexTopology(), Output: out, Selection: "ion"}, nil)
		assert.ErrorIs(t, err, selection.ErrEmptySelection)
		assert.NoFileExists(t, out)
	})

	t.Run("unknown format", func(t *testing.T) {
		out := filepath.Join(dir, "out.xyz")
		_, err := Convert(context.Background(), Request{Input: in, Topology: complexTopology(), Output: out}, nil)
		assert.ErrorIs(t, err, ErrUnknownFormat)
	})

	t.Run("topology mismatch", func(t *testing.T) {
		top := structure.NewTopology()
		top.AddAtom(top.AddResidue("ALA", 1, "A"), "CA", "C")
		out := filepath.Join(dir, "mismatch.nc")
		_, err := Convert(context.Background(), Request{Input: in, Topology: top, Output: out}, nil)
		assert.ErrorIs(t, err, ErrTopologyMismatch)
		assert.NoFileExists(t, out)
	})

	t.Run("missing input", func(t *testing.T) {
		_, err := Convert(context.Background(), Request{Output: "x.nc"}, nil)
		assert.ErrorIs(t, err, ErrMissingInput)
	})
}

func TestConvert_CancelledRemovesOutput(t *testing.T) {
	in := writeInput(t, 9, 2)
	out := filepath.Join(t.TempDir(), "cancel.nc")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Convert(ctx, Request{Input: in, Topology: complexTopology(), Output: out}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, out)
}

func TestParseFormat(t *testing.T) {
	tests := map[string]Format{
		"netcdf": FormatNetCDF,
		".nc":    FormatNetCDF,
		"DCD":    FormatDCD,
		"pdb":    FormatPDB,
		"h5":     FormatHDF5,
	}
	for in, want := range tests {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("xtc")
	assert.ErrorIs(t, err, ErrUnknownFormat)

	f, err := FormatFromPath("/tmp/run/traj.dcd")
	require.NoError(t, err)
	assert.Equal(t, FormatDCD, f)
}
