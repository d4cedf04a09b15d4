// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reporters provides the append-only sinks attached to a dynamics
// run: the energy log, the console progress stream and the trajectory file.
package reporters

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianMD/pkg/units"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
)

// ErrInvalidInterval indicates a reporter interval below one step.
var ErrInvalidInterval = errors.New("report interval must be positive")

// Frame is the snapshot handed to reporters.
type Frame struct {
	Step int64

	// Time is the simulated time in picoseconds.
	Time float64

	// Positions are only filled for reporters that need them.
	Positions units.Positions
	Box       structure.Box

	PotentialEnergy float64 // kJ/mol
	KineticEnergy   float64 // kJ/mol
	Temperature     float64 // K
	Volume          float64 // nm³
}

// Reporter is a sink that receives a Frame every Interval steps.
//
// Description:
//
//	Reporters never feed information back into the run. The driver calls
//	Report on every step that is a multiple of Interval and Close once when
//	the run ends, successfully or not.
type Reporter interface {
	Interval() int
	Report(ctx context.Context, f Frame) error
	Close() error
}

// NeedsPositions is implemented by reporters that read Frame.Positions.
type NeedsPositions interface {
	NeedsPositions() bool
}

// Due reports whether r should receive the frame at step.
func Due(r Reporter, step int64) bool {
	return step > 0 && step%int64(r.Interval()) == 0
}

// Check returns ErrInvalidInterval when r reports at an interval below one
// step.
func Check(r Reporter) error {
	return checkInterval(r.Interval())
}

func checkInterval(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidInterval, n)
	}
	return nil
}

// CloseAll closes every reporter and returns the first error.
func CloseAll(rs []Reporter) error {
	var first error
	for _, r := range rs {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
