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
	"fmt"
	"os"

	"github.com/rmera/gochem/traj/dcd"
	v3 "github.com/rmera/gochem/v3"

	"github.com/AleutianAI/AleutianMD/services/md/netcdf"
	"github.com/AleutianAI/AleutianMD/services/md/pdb"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
)

// frameSink receives frames already restricted to the selected atoms.
type frameSink interface {
	write(f netcdf.Frame) error
	close() error
}

func openSink(format Format, path string, top *structure.Topology, cell bool) (frameSink, error) {
	switch format {
	case FormatNetCDF:
		w, err := netcdf.Create(path, top.NumAtoms(), netcdf.WriterOptions{Cell: cell, Title: "converted trajectory"})
		if err != nil {
			return nil, err
		}
		return &netcdfSink{w: w}, nil
	case FormatDCD:
		w, err := dcd.NewWriter(path, top.NumAtoms())
		if err != nil {
			return nil, fmt.Errorf("create dcd: %w", err)
		}
		return &dcdSink{w: w, buf: make([]float64, 3*top.NumAtoms())}, nil
	case FormatPDB:
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("create pdb: %w", err)
		}
		return &pdbSink{f: f, w: pdb.NewModelWriter(f, top)}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

type netcdfSink struct {
	w *netcdf.Writer
}

func (s *netcdfSink) write(f netcdf.Frame) error { return s.w.WriteFrame(f) }
func (s *netcdfSink) close() error               { return s.w.Close() }

// dcdSink writes CHARMM DCD frames. The gochem writer owns its file handle,
// writes each frame straight to disk and patches the header frame count.
type dcdSink struct {
	w   *dcd.DCDWObj
	buf []float64
}

func (s *dcdSink) write(f netcdf.Frame) error {
	for i, c := range f.Coordinates {
		s.buf[3*i], s.buf[3*i+1], s.buf[3*i+2] = c.X, c.Y, c.Z
	}
	m, err := v3.NewMatrix(s.buf)
	if err != nil {
		return err
	}
	return s.w.WNext(m)
}

func (s *dcdSink) close() error {
	s.w.Close()
	return nil
}

type pdbSink struct {
	f *os.File
	w *pdb.ModelWriter
}

func (s *pdbSink) write(f netcdf.Frame) error {
	var box structure.Box
	if f.CellLengths != ([3]float64{}) {
		l, a := f.CellLengths, f.CellAngles
		box = structure.BoxFromParameters(l[0], l[1], l[2], a[0], a[1], a[2])
	}
	return s.w.WriteModel(f.Coordinates, box)
}

func (s *pdbSink) close() error {
	if err := s.w.Close(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
