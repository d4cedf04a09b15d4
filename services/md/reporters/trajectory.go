// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reporters

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianMD/pkg/units"
	"github.com/AleutianAI/AleutianMD/services/md/netcdf"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
)

// Trajectory appends frames to an AMBER NetCDF file.
type Trajectory struct {
	interval int
	natoms   int
	w        *netcdf.Writer
}

// TrajectoryOptions configures a Trajectory reporter.
type TrajectoryOptions struct {
	// Periodic stores the unit cell with every frame.
	Periodic bool
	Title    string
	Version  string
}

// NewTrajectory creates path for natoms atoms.
func NewTrajectory(path string, natoms, interval int, opts TrajectoryOptions) (*Trajectory, error) {
	if err := checkInterval(interval); err != nil {
		return nil, err
	}
	w, err := netcdf.Create(path, natoms, netcdf.WriterOptions{
		Cell:           opts.Periodic,
		Title:          opts.Title,
		ProgramVersion: opts.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("create trajectory %s: %w", path, err)
	}
	return &Trajectory{interval: interval, natoms: natoms, w: w}, nil
}

// Interval implements Reporter.
func (t *Trajectory) Interval() int { return t.interval }

// NeedsPositions implements NeedsPositions.
func (t *Trajectory) NeedsPositions() bool { return true }

// Report implements Reporter.
func (t *Trajectory) Report(_ context.Context, f Frame) error {
	return t.w.WriteFrame(FrameToNetCDF(f.Positions, f.Box, f.Time))
}

// Frames returns the number of frames written so far.
func (t *Trajectory) Frames() int {
	return t.w.Frames()
}

// Close implements Reporter.
func (t *Trajectory) Close() error {
	return t.w.Close()
}

// FrameToNetCDF converts positions and box to a NetCDF frame in angstroms.
func FrameToNetCDF(pos units.Positions, box structure.Box, timePs float64) netcdf.Frame {
	a := pos.In(units.Angstrom).Values
	f := netcdf.Frame{Coordinates: a, Time: timePs}
	if !box.IsZero() {
		l := box.Lengths()
		alpha, beta, gamma := box.Angles()
		f.CellLengths = [3]float64{l.X, l.Y, l.Z}
		f.CellAngles = [3]float64{alpha, beta, gamma}
	}
	return f
}

// BoxFromNetCDF rebuilds a box from a frame's cell. A frame without a cell
// yields the zero box.
func BoxFromNetCDF(f netcdf.Frame) structure.Box {
	if f.CellLengths == ([3]float64{}) {
		return structure.Box{}
	}
	l, a := f.CellLengths, f.CellAngles
	return structure.BoxFromParameters(l[0], l[1], l[2], a[0], a[1], a[2])
}
