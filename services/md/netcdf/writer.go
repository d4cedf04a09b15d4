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
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"gonum.org/v1/gonum/spatial/r3"
)

// Frame is one trajectory snapshot.
type Frame struct {
	// Coordinates in angstroms.
	Coordinates []r3.Vec

	// Time in picoseconds.
	Time float64

	// CellLengths (Å) and CellAngles (degrees) are written only when the
	// file was created with a unit cell.
	CellLengths [3]float64
	CellAngles  [3]float64
}

// WriterOptions configures a new trajectory file.
type WriterOptions struct {
	// Cell adds the cell_lengths and cell_angles variables.
	Cell bool

	Title          string
	Program        string
	ProgramVersion string
}

// Writer appends frames to an AMBER NetCDF trajectory in the 64-bit offset
// layout. The record count in the header is updated after every frame, so a
// file is readable up to the last complete frame even if Close is never
// called.
//
// Thread Safety:
//
//	Not safe for concurrent use.
type Writer struct {
	w      io.WriteSeeker
	closer io.Closer
	natoms int
	cell   bool

	recordStart int64
	recordSize  int64
	frames      int64
	buf         []byte
	closed      bool
}

// Create creates path and returns a Writer that owns the file.
func Create(path string, natoms int, opts WriterOptions) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f, natoms, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// NewWriter writes the file header to w and returns a Writer ready for frames.
//
// Inputs:
//
//	w - Destination positioned at offset zero.
//	natoms - Atoms per frame, must be positive.
//	opts - Metadata and whether the unit cell is stored.
//
// Outputs:
//
//	*Writer - Appends frames with WriteFrame.
//	error - Non-nil if natoms is invalid or the header cannot be written.
func NewWriter(w io.WriteSeeker, natoms int, opts WriterOptions) (*Writer, error) {
	if natoms <= 0 {
		return nil, fmt.Errorf("%w: %d atoms", ErrAtomCount, natoms)
	}
	if opts.Program == "" {
		opts.Program = "aleutian-md"
	}
	h := amberHeader(natoms, opts)

	// offsets are fixed width, so the header size does not depend on them
	size := int64(len(h.encode()))
	off := size
	for i := range h.vars {
		if !h.isRecord(&h.vars[i]) {
			h.vars[i].begin = off
			off += h.vars[i].vsize
		}
	}
	recordStart := off
	for i := range h.vars {
		if h.isRecord(&h.vars[i]) {
			h.vars[i].begin = off
			off += h.vars[i].vsize
		}
	}

	out := h.encode()
	for i := range h.vars {
		v := &h.vars[i]
		if h.isRecord(v) {
			continue
		}
		data := fixedData[v.name]
		out = append(out, data...)
		out = append(out, make([]byte, v.vsize-int64(len(data)))...)
	}
	if _, err := w.Write(out); err != nil {
		return nil, err
	}
	return &Writer{
		w:           w,
		natoms:      natoms,
		cell:        opts.Cell,
		recordStart: recordStart,
		recordSize:  h.recordSize(),
	}, nil
}

// fixedData holds the label variables AMBER readers expect.
var fixedData = map[string]string{
	"spatial":      "xyz",
	"cell_spatial": "abc",
	"cell_angular": "alphabeta gamma",
}

func amberHeader(natoms int, opts WriterOptions) *header {
	h := &header{version: versionOffset64}
	h.dims = []dimension{{"frame", 0}, {"spatial", 3}, {"atom", int64(natoms)}}
	if opts.Cell {
		h.dims = append(h.dims, dimension{"cell_spatial", 3}, dimension{"cell_angular", 3}, dimension{"label", 5})
	}
	if opts.Title != "" {
		h.attrs = append(h.attrs, textAttr("title", opts.Title))
	}
	h.attrs = append(h.attrs,
		textAttr("application", "AMBER"),
		textAttr("program", opts.Program),
		textAttr("programVersion", opts.ProgramVersion),
		textAttr("Conventions", "AMBER"),
		textAttr("ConventionVersion", "1.0"),
	)

	unit := func(u string) []attribute { return []attribute{textAttr("units", u)} }
	h.vars = append(h.vars, variable{name: "spatial", dims: []int{1}, typ: ncChar, vsize: pad4(3)})
	if opts.Cell {
		h.vars = append(h.vars,
			variable{name: "cell_spatial", dims: []int{3}, typ: ncChar, vsize: pad4(3)},
			variable{name: "cell_angular", dims: []int{4, 5}, typ: ncChar, vsize: pad4(15)},
		)
	}
	h.vars = append(h.vars,
		variable{name: "time", dims: []int{0}, attrs: unit("picosecond"), typ: ncFloat, vsize: 4},
		variable{name: "coordinates", dims: []int{0, 2, 1}, attrs: unit("angstrom"), typ: ncFloat, vsize: pad4(int64(natoms) * 3 * 4)},
	)
	if opts.Cell {
		h.vars = append(h.vars,
			variable{name: "cell_lengths", dims: []int{0, 3}, attrs: unit("angstrom"), typ: ncDouble, vsize: 24},
			variable{name: "cell_angles", dims: []int{0, 4}, attrs: unit("degree"), typ: ncDouble, vsize: 24},
		)
	}
	return h
}

// WriteFrame appends one frame.
func (w *Writer) WriteFrame(f Frame) error {
	if w.closed {
		return ErrClosed
	}
	if len(f.Coordinates) != w.natoms {
		return fmt.Errorf("%w: frame has %d atoms, file has %d", ErrAtomCount, len(f.Coordinates), w.natoms)
	}
	b := w.buf[:0]
	b = binary.BigEndian.AppendUint32(b, math.Float32bits(float32(f.Time)))
	for _, c := range f.Coordinates {
		b = binary.BigEndian.AppendUint32(b, math.Float32bits(float32(c.X)))
		b = binary.BigEndian.AppendUint32(b, math.Float32bits(float32(c.Y)))
		b = binary.BigEndian.AppendUint32(b, math.Float32bits(float32(c.Z)))
	}
	if w.cell {
		for _, v := range f.CellLengths {
			b = binary.BigEndian.AppendUint64(b, math.Float64bits(v))
		}
		for _, v := range f.CellAngles {
			b = binary.BigEndian.AppendUint64(b, math.Float64bits(v))
		}
	}
	w.buf = b

	if _, err := w.w.Seek(w.recordStart+w.frames*w.recordSize, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	w.frames++
	return w.syncCount()
}

func (w *Writer) syncCount() error {
	if _, err := w.w.Seek(4, io.SeekStart); err != nil {
		return err
	}
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(w.frames))
	_, err := w.w.Write(n[:])
	return err
}

// Frames returns the number of frames written.
func (w *Writer) Frames() int {
	return int(w.frames)
}

// Close finalizes the record count and closes the underlying file if the
// Writer owns it.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.syncCount()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
