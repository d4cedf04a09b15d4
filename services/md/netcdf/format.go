// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package netcdf reads and writes AMBER trajectories in the NetCDF-3
// classic and 64-bit offset layouts.
package netcdf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Sentinel errors.
var (
	// ErrNotNetCDF indicates the input does not start with a CDF magic number.
	ErrNotNetCDF = errors.New("not a NetCDF-3 file")

	// ErrNotAmber indicates a NetCDF file without the AMBER conventions.
	ErrNotAmber = errors.New("not an AMBER trajectory")

	// ErrFrameOutOfRange indicates a frame index past the end of the file.
	ErrFrameOutOfRange = errors.New("frame out of range")

	// ErrAtomCount indicates a frame whose atom count differs from the file's.
	ErrAtomCount = errors.New("atom count mismatch")

	// ErrClosed indicates use of a closed writer.
	ErrClosed = errors.New("writer closed")
)

const (
	versionClassic    = 1
	versionOffset64   = 2
	tagDimension      = 0x0A
	tagVariable       = 0x0B
	tagAttribute      = 0x0C
	streamingNumRecs  = 0xFFFFFFFF
	maxHeaderElements = 1 << 20
)

type ncType int32

const (
	ncByte   ncType = 1
	ncChar   ncType = 2
	ncShort  ncType = 3
	ncInt    ncType = 4
	ncFloat  ncType = 5
	ncDouble ncType = 6
)

func (t ncType) size() int64 {
	switch t {
	case ncByte, ncChar:
		return 1
	case ncShort:
		return 2
	case ncInt, ncFloat:
		return 4
	case ncDouble:
		return 8
	}
	return 0
}

func pad4(n int64) int64 {
	return (n + 3) &^ 3
}

type dimension struct {
	name   string
	length int64 // 0 for the record dimension
}

// attribute values are string (char), []int32, []float32 or []float64.
type attribute struct {
	name  string
	typ   ncType
	value any
}

func textAttr(name, v string) attribute {
	return attribute{name: name, typ: ncChar, value: v}
}

type variable struct {
	name  string
	dims  []int
	attrs []attribute
	typ   ncType
	vsize int64
	begin int64
}

type header struct {
	version byte
	numrecs int64
	dims    []dimension
	attrs   []attribute
	vars    []variable
}

func (h *header) dimIndex(name string) int {
	for i, d := range h.dims {
		if d.name == name {
			return i
		}
	}
	return -1
}

func (h *header) variable(name string) *variable {
	for i := range h.vars {
		if h.vars[i].name == name {
			return &h.vars[i]
		}
	}
	return nil
}

func (h *header) attr(name string) (attribute, bool) {
	for _, a := range h.attrs {
		if a.name == name {
			return a, true
		}
	}
	return attribute{}, false
}

func (h *header) isRecord(v *variable) bool {
	return len(v.dims) > 0 && h.dims[v.dims[0]].length == 0
}

// recordSize returns the stride between records. A lone record variable is
// stored without padding.
func (h *header) recordSize() int64 {
	var size int64
	n := 0
	var last *variable
	for i := range h.vars {
		if h.isRecord(&h.vars[i]) {
			size += h.vars[i].vsize
			last = &h.vars[i]
			n++
		}
	}
	if n == 1 {
		return h.unpaddedSize(last)
	}
	return size
}

// recordStart returns the offset of the first record.
func (h *header) recordStart() int64 {
	start := int64(-1)
	for i := range h.vars {
		if h.isRecord(&h.vars[i]) && (start < 0 || h.vars[i].begin < start) {
			start = h.vars[i].begin
		}
	}
	return start
}

// unpaddedSize is the byte size of one record (or the whole array for
// fixed variables) before padding.
func (h *header) unpaddedSize(v *variable) int64 {
	n := v.typ.size()
	for k, d := range v.dims {
		if k == 0 && h.dims[d].length == 0 {
			continue
		}
		n *= h.dims[d].length
	}
	return n
}

// =============================================================================
// Encoding
// =============================================================================

type encoder struct {
	b []byte
}

func (e *encoder) u32(v uint32) { e.b = binary.BigEndian.AppendUint32(e.b, v) }
func (e *encoder) u64(v uint64) { e.b = binary.BigEndian.AppendUint64(e.b, v) }

func (e *encoder) pad() {
	for len(e.b)%4 != 0 {
		e.b = append(e.b, 0)
	}
}

func (e *encoder) name(s string) {
	e.u32(uint32(len(s)))
	e.b = append(e.b, s...)
	e.pad()
}

func (e *encoder) attrs(list []attribute) {
	if len(list) == 0 {
		e.u32(0)
		e.u32(0)
		return
	}
	e.u32(tagAttribute)
	e.u32(uint32(len(list)))
	for _, a := range list {
		e.name(a.name)
		e.u32(uint32(a.typ))
		switch v := a.value.(type) {
		case string:
			e.u32(uint32(len(v)))
			e.b = append(e.b, v...)
		case []int32:
			e.u32(uint32(len(v)))
			for _, x := range v {
				e.u32(uint32(x))
			}
		case []float32:
			e.u32(uint32(len(v)))
			for _, x := range v {
				e.u32(math.Float32bits(x))
			}
		case []float64:
			e.u32(uint32(len(v)))
			for _, x := range v {
				e.u64(math.Float64bits(x))
			}
		}
		e.pad()
	}
}

func (h *header) encode() []byte {
	e := &encoder{b: []byte{'C', 'D', 'F', h.version}}
	e.u32(uint32(h.numrecs))
	if len(h.dims) == 0 {
		e.u32(0)
		e.u32(0)
	} else {
		e.u32(tagDimension)
		e.u32(uint32(len(h.dims)))
		for _, d := range h.dims {
			e.name(d.name)
			e.u32(uint32(d.length))
		}
	}
	e.attrs(h.attrs)
	if len(h.vars) == 0 {
		e.u32(0)
		e.u32(0)
		return e.b
	}
	e.u32(tagVariable)
	e.u32(uint32(len(h.vars)))
	for _, v := range h.vars {
		e.name(v.name)
		e.u32(uint32(len(v.dims)))
		for _, d := range v.dims {
			e.u32(uint32(d))
		}
		e.attrs(v.attrs)
		e.u32(uint32(v.typ))
		e.u32(uint32(v.vsize))
		if h.version == versionOffset64 {
			e.u64(uint64(v.begin))
		} else {
			e.u32(uint32(v.begin))
		}
	}
	return e.b
}

// =============================================================================
// Decoding
// =============================================================================

type decoder struct {
	r   io.ReaderAt
	off int64
	err error
}

func (d *decoder) bytes(n int64) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > maxHeaderElements*8 {
		d.err = fmt.Errorf("%w: field length %d at offset %d", ErrNotNetCDF, n, d.off)
		return nil
	}
	b := make([]byte, n)
	if got, err := d.r.ReadAt(b, d.off); int64(got) < n {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		d.err = err
		return nil
	}
	d.off += n
	return b
}

func (d *decoder) u32() uint32 {
	b := d.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.bytes(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *decoder) skipPad(n int64) {
	if p := pad4(n) - n; p > 0 {
		d.bytes(p)
	}
}

func (d *decoder) name() string {
	n := int64(d.u32())
	b := d.bytes(n)
	d.skipPad(n)
	return string(b)
}

func (d *decoder) count(tag uint32) int {
	got := d.u32()
	n := d.u32()
	if d.err != nil {
		return 0
	}
	if got == 0 && n == 0 {
		return 0
	}
	if got != tag || n > maxHeaderElements {
		d.err = fmt.Errorf("%w: bad list tag %#x", ErrNotNetCDF, got)
		return 0
	}
	return int(n)
}

func (d *decoder) attrs() []attribute {
	n := d.count(tagAttribute)
	list := make([]attribute, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		a := attribute{name: d.name(), typ: ncType(d.u32())}
		cnt := int64(d.u32())
		raw := d.bytes(cnt * a.typ.size())
		d.skipPad(cnt * a.typ.size())
		if d.err != nil {
			break
		}
		switch a.typ {
		case ncChar, ncByte:
			a.value = string(raw)
		case ncShort:
			v := make([]int32, cnt)
			for k := range v {
				v[k] = int32(int16(binary.BigEndian.Uint16(raw[2*k:])))
			}
			a.value = v
		case ncInt:
			v := make([]int32, cnt)
			for k := range v {
				v[k] = int32(binary.BigEndian.Uint32(raw[4*k:]))
			}
			a.value = v
		case ncFloat:
			v := make([]float32, cnt)
			for k := range v {
				v[k] = math.Float32frombits(binary.BigEndian.Uint32(raw[4*k:]))
			}
			a.value = v
		case ncDouble:
			v := make([]float64, cnt)
			for k := range v {
				v[k] = math.Float64frombits(binary.BigEndian.Uint64(raw[8*k:]))
			}
			a.value = v
		default:
			d.err = fmt.Errorf("%w: attribute %q has type %d", ErrNotNetCDF, a.name, a.typ)
		}
		list = append(list, a)
	}
	return list
}

func decodeHeader(r io.ReaderAt) (*header, error) {
	d := &decoder{r: r}
	magic := d.bytes(4)
	if d.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotNetCDF, d.err)
	}
	if string(magic[:3]) != "CDF" || (magic[3] != versionClassic && magic[3] != versionOffset64) {
		return nil, ErrNotNetCDF
	}
	h := &header{version: magic[3]}
	nr := d.u32()
	if nr == streamingNumRecs {
		h.numrecs = -1
	} else {
		h.numrecs = int64(nr)
	}

	nd := d.count(tagDimension)
	for i := 0; i < nd && d.err == nil; i++ {
		h.dims = append(h.dims, dimension{name: d.name(), length: int64(d.u32())})
	}
	h.attrs = d.attrs()

	nv := d.count(tagVariable)
	for i := 0; i < nv && d.err == nil; i++ {
		v := variable{name: d.name()}
		ndims := int(d.u32())
		if ndims > len(h.dims) {
			return nil, fmt.Errorf("%w: variable %q has %d dimensions", ErrNotNetCDF, v.name, ndims)
		}
		for k := 0; k < ndims; k++ {
			id := int(d.u32())
			if id >= len(h.dims) {
				return nil, fmt.Errorf("%w: variable %q references dimension %d", ErrNotNetCDF, v.name, id)
			}
			v.dims = append(v.dims, id)
		}
		v.attrs = d.attrs()
		v.typ = ncType(d.u32())
		v.vsize = int64(d.u32())
		if h.version == versionOffset64 {
			v.begin = int64(d.u64())
		} else {
			v.begin = int64(d.u32())
		}
		h.vars = append(h.vars, v)
	}
	if d.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotNetCDF, d.err)
	}
	return h, nil
}
