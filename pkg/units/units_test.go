// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package units

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestLength_In(t *testing.T) {
	assert.InDelta(t, 1.0, Angstroms(10).Nanometers(), 1e-12)
	assert.InDelta(t, 12.0, Nanometers(1.2).Angstroms(), 1e-12)
	assert.InDelta(t, 5.0, Angstroms(5).In(Angstrom), 1e-12)
}

func TestParseLength(t *testing.T) {
	tests := []struct {
		in   string
		want float64 // angstroms
	}{
		{"10", 10},
		{"10A", 10},
		{"10 angstrom", 10},
		{"1.2nm", 12},
		{"1e1 nm", 100},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			l, err := ParseLength(tt.in)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, l.Angstroms(), 1e-9)
		})
	}

	_, err := ParseLength("10 furlongs")
	assert.ErrorIs(t, err, ErrUnknownUnit)

	_, err = ParseLength("abc")
	assert.Error(t, err)
}

func TestPositions_In(t *testing.T) {
	p := NewPositions([]r3.Vec{{X: 1, Y: 2, Z: 3}}, Nanometer)
	a := p.In(Angstrom)

	assert.Equal(t, Angstrom, a.Unit)
	assert.Equal(t, r3.Vec{X: 10, Y: 20, Z: 30}, a.Values[0])
	// source is untouched
	assert.Equal(t, r3.Vec{X: 1, Y: 2, Z: 3}, p.Values[0])
}

func TestTime_Steps(t *testing.T) {
	step := Femtoseconds(2)
	assert.Equal(t, 500, Picoseconds(1).Steps(step))
	assert.Equal(t, 10000, Nanoseconds(0.02).Steps(step))
	assert.Equal(t, 0, Picoseconds(1).Steps(Femtoseconds(0)))
}

func TestThermo(t *testing.T) {
	assert.InDelta(t, 2.494, Kelvin(300).KT(), 1e-3)
	assert.InDelta(t, 1.01325, Atmospheres(1).Bar(), 1e-12)
	assert.InDelta(t, 0.1, Millimolars(100).Molar(), 1e-12)
	assert.InDelta(t, 1.0, KcalPerMol(4.184), 1e-12)
}
