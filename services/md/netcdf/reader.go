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
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// Reader provides random access to the frames of an AMBER trajectory.
type Reader struct {
	r      io.ReaderAt
	closer io.Closer
	h      *header
	natoms int
	frames int
}

// Open opens an AMBER NetCDF trajectory on disk.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	r, err := NewReader(f, st.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.closer = f
	return r, nil
}

// NewReader parses the header of a trajectory of the given total size.
//
// Outputs:
//
//	*Reader - Ready for Frame calls.
//	error - ErrNotNetCDF for malformed input, ErrNotAmber when the
//	        conventions attribute or coordinates variable is missing.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	h, err := decodeHeader(r)
	if err != nil {
		return nil, err
	}
	conv, ok := h.attr("Conventions")
	if s, _ := conv.value.(string); !ok || !strings.Contains(s, "AMBER") {
		return nil, ErrNotAmber
	}
	coords := h.variable("coordinates")
	if coords == nil || len(coords.dims) != 3 {
		return nil, fmt.Errorf("%w: no coordinates variable", ErrNotAmber)
	}
	atom := h.dimIndex("atom")
	if atom < 0 {
		return nil, fmt.Errorf("%w: no atom dimension", ErrNotAmber)
	}

	rd := &Reader{r: r, h: h, natoms: int(h.dims[atom].length)}
	switch rs := h.recordSize(); {
	case h.numrecs >= 0:
		rd.frames = int(h.numrecs)
	case rs > 0:
		// streaming files leave the count unset
		rd.frames = int((size - h.recordStart()) / rs)
	}
	return rd, nil
}

// NumAtoms returns the number of atoms per frame.
func (r *Reader) NumAtoms() int { return r.natoms }

// NumFrames returns the number of complete frames.
func (r *Reader) NumFrames() int { return r.frames }

// HasCell reports whether frames carry unit cell information.
func (r *Reader) HasCell() bool {
	return r.h.variable("cell_lengths") != nil && r.h.variable("cell_angles") != nil
}

// Attribute returns a global text attribute such as "title" or "program".
func (r *Reader) Attribute(name string) string {
	a, ok := r.h.attr(name)
	if !ok {
		return ""
	}
	s, _ := a.value.(string)
	return s
}

// Frame reads frame i.
func (r *Reader) Frame(i int) (Frame, error) {
	if i < 0 || i >= r.frames {
		return Frame{}, fmt.Errorf("%w: %d of %d", ErrFrameOutOfRange, i, r.frames)
	}
	var f Frame
	vals, err := r.values("coordinates", i)
	if err != nil {
		return Frame{}, err
	}
	f.Coordinates = make([]r3.Vec, r.natoms)
	for k := range f.Coordinates {
		f.Coordinates[k] = r3.Vec{X: vals[3*k], Y: vals[3*k+1], Z: vals[3*k+2]}
	}
	if r.h.variable("time") != nil {
		t, err := r.values("time", i)
		if err != nil {
			return Frame{}, err
		}
		f.Time = t[0]
	}
	if r.HasCell() {
		l, err := r.values("cell_lengths", i)
		if err != nil {
			return Frame{}, err
		}
		a, err := r.values("cell_angles", i)
		if err != nil {
			return Frame{}, err
		}
		copy(f.CellLengths[:], l)
		copy(f.CellAngles[:], a)
	}
	return f, nil
}

// values reads record i of a record variable as float64.
func (r *Reader) values(name string, i int) ([]float64, error) {
	v := r.h.variable(name)
	if v == nil || !r.h.isRecord(v) {
		return nil, fmt.Errorf("%w: %q is not a record variable", ErrNotAmber, name)
	}
	n := r.h.unpaddedSize(v)
	buf := make([]byte, n)
	off := v.begin + int64(i)*r.h.recordSize()
	if got, err := r.r.ReadAt(buf, off); int64(got) < n {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("frame %d %s: %w", i, name, err)
	}
	size := v.typ.size()
	out := make([]float64, n/size)
	for k := range out {
		p := buf[int64(k)*size:]
		switch v.typ {
		case ncFloat:
			out[k] = float64(math.Float32frombits(binary.BigEndian.Uint32(p)))
		case ncDouble:
			out[k] = math.Float64frombits(binary.BigEndian.Uint64(p))
		case ncInt:
			out[k] = float64(int32(binary.BigEndian.Uint32(p)))
		case ncShort:
			out[k] = float64(int16(binary.BigEndian.Uint16(p)))
		default:
			return nil, fmt.Errorf("%w: %q has type %d", ErrNotAmber, name, v.typ)
		}
	}
	return out, nil
}

// Close releases the file if the Reader owns it.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
