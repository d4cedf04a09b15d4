// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package netcdf

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func frames(n, natoms int) []Frame {
	out := make([]Frame, n)
	for i := range out {
		coords := make([]r3.Vec, natoms)
		for k := range coords {
			coords[k] = r3.Vec{X: float64(k) + 0.25, Y: float64(i) * 1.5, Z: -float64(k*i) - 0.125}
		}
		out[i] = Frame{
			Coordinates: coords,
			Time:        float64(i) * 2,
			CellLengths: [3]float64{40, 41.5, 42},
			CellAngles:  [3]float64{90, 90, 90},
		}
	}
	return out
}

func TestWriter_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.nc")
	w, err := Create(path, 5, WriterOptions{Cell: true, Title: "equil", ProgramVersion: "0.1.0"})
	require.NoError(t, err)

	want := frames(3, 5)
	for _, f := range want {
		require.NoError(t, w.WriteFrame(f))
	}
	assert.Equal(t, 3, w.Frames())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.WriteFrame(want[0]), ErrClosed)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("CDF\x02"), raw[:4])

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, 5, r.NumAtoms())
	assert.Equal(t, 3, r.NumFrames())
	assert.True(t, r.HasCell())
	assert.Equal(t, "equil", r.Attribute("title"))
	assert.Equal(t, "aleutian-md", r.Attribute("program"))
	assert.Equal(t, "AMBER", r.Attribute("Conventions"))

	for i, exp := range want {
		got, err := r.Frame(i)
		require.NoError(t, err)
		assert.InDelta(t, exp.Time, got.Time, 1e-6)
		assert.Equal(t, exp.CellLengths, got.CellLengths)
		assert.Equal(t, exp.CellAngles, got.CellAngles)
		for k := range exp.Coordinates {
			assert.InDelta(t, exp.Coordinates[k].X, got.Coordinates[k].X, 1e-5)
			assert.InDelta(t, exp.Coordinates[k].Y, got.Coordinates[k].Y, 1e-5)
			assert.InDelta(t, exp.Coordinates[k].Z, got.Coordinates[k].Z, 1e-5)
		}
	}

	_, err = r.Frame(3)
	assert.ErrorIs(t, err, ErrFrameOutOfRange)
}

func TestWriter_NoCell(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vac.nc")
	w, err := Create(path, 2, WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame(frames(1, 2)[0]))
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	assert.False(t, r.HasCell())
	f, err := r.Frame(0)
	require.NoError(t, err)
	assert.Equal(t, [3]float64{}, f.CellLengths)
	assert.Len(t, f.Coordinates, 2)
}

func TestWriter_CountReadableBeforeClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.nc")
	w, err := Create(path, 3, WriterOptions{Cell: true})
	require.NoError(t, err)
	for _, f := range frames(2, 3) {
		require.NoError(t, w.WriteFrame(f))
	}

	r, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 2, r.NumFrames())
	require.NoError(t, r.Close())
	require.NoError(t, w.Close())
}

func TestWriter_Errors(t *testing.T) {
	_, err := Create(filepath.Join(t.TempDir(), "x.nc"), 0, WriterOptions{})
	assert.ErrorIs(t, err, ErrAtomCount)

	w, err := Create(filepath.Join(t.TempDir(), "y.nc"), 4, WriterOptions{})
	require.NoError(t, err)
	defer w.Close()
	assert.ErrorIs(t, w.WriteFrame(frames(1, 3)[0]), ErrAtomCount)
}

func TestReader_Rejects(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("HDF\x89junk")), 8)
	assert.ErrorIs(t, err, ErrNotNetCDF)

	_, err = NewReader(bytes.NewReader([]byte("CD")), 2)
	assert.ErrorIs(t, err, ErrNotNetCDF)

	h := &header{version: versionClassic, dims: []dimension{{"x", 2}}}
	h.attrs = []attribute{textAttr("Conventions", "CF-1.6")}
	data := h.encode()
	_, err = NewReader(bytes.NewReader(data), int64(len(data)))
	assert.ErrorIs(t, err, ErrNotAmber)
}

func TestHeader_ClassicAndStreaming(t *testing.T) {
	h := amberHeader(2, WriterOptions{Program: "test"})
	h.version = versionClassic
	h.numrecs = streamingNumRecs
	size := int64(len(h.encode()))
	off := size + h.vars[0].vsize
	for i := range h.vars {
		if h.isRecord(&h.vars[i]) {
			h.vars[i].begin = off
			off += h.vars[i].vsize
		} else {
			h.vars[i].begin = size
		}
	}
	data := append(h.encode(), 'x', 'y', 'z', 0)
	// two frames of time + coordinates
	data = append(data, make([]byte, 2*h.recordSize())...)

	r, err := NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, 2, r.NumFrames())
	assert.Equal(t, int64(4+2*3*4), r.h.recordSize())
	f, err := r.Frame(1)
	require.NoError(t, err)
	assert.Equal(t, r3.Vec{}, f.Coordinates[1])
}
