// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AleutianAI/AleutianMD/pkg/units"
)

// DefaultBarostatFrequency is the number of steps between volume moves.
const DefaultBarostatFrequency = 25

// MonteCarloBarostat samples the isothermal-isobaric ensemble with
// isotropic volume moves that scale molecule centers.
type MonteCarloBarostat struct {
	Pressure    float64 // bar
	Temperature float64 // K
	Frequency   int

	maxDeltaV float64 // nm³
	attempted int
	accepted  int

	totalAttempted int
	totalAccepted  int
}

// NewMonteCarloBarostat returns a barostat at pressure p and temperature t
// attempting a move every freq steps (DefaultBarostatFrequency when <= 0).
func NewMonteCarloBarostat(p units.Pressure, t units.Kelvin, freq int) *MonteCarloBarostat {
	if freq <= 0 {
		freq = DefaultBarostatFrequency
	}
	return &MonteCarloBarostat{Pressure: p.Bar(), Temperature: float64(t), Frequency: freq}
}

// Acceptance returns the fraction of accepted volume moves so far.
func (b *MonteCarloBarostat) Acceptance() float64 {
	if b.totalAttempted == 0 {
		return 0
	}
	return float64(b.totalAccepted) / float64(b.totalAttempted)
}

// Attempts returns the number of volume moves tried.
func (b *MonteCarloBarostat) Attempts() int {
	return b.totalAttempted
}

// attempt performs one volume move on c, keeping or reverting it.
func (b *MonteCarloBarostat) attempt(c *Context, rng *rand.Rand) error {
	vol := boxVolume(c.box)
	if b.maxDeltaV == 0 {
		b.maxDeltaV = 0.01 * vol
	}
	before, err := c.potential()
	if err != nil {
		return err
	}

	deltaV := b.maxDeltaV * 2 * (rng.Float64() - 0.5)
	newVol := vol + deltaV
	if newVol <= 0 {
		return nil
	}
	scale := math.Cbrt(newVol / vol)

	oldPos := append([]r3.Vec(nil), c.pos...)
	oldBox := c.box
	c.scaleMolecules(scale)

	after, err := c.potential()
	if err != nil {
		return err
	}

	kT := units.Kelvin(b.Temperature).KT()
	pressure := b.Pressure * units.BarNm3ToKJPerMol
	n := float64(len(c.sys.Molecules))
	w := after - before + pressure*deltaV - n*kT*math.Log(newVol/vol)

	b.attempted++
	b.totalAttempted++
	if w <= 0 || rng.Float64() < math.Exp(-w/kT) {
		b.accepted++
		b.totalAccepted++
	} else {
		copy(c.pos, oldPos)
		c.box = oldBox
	}

	if b.attempted >= 10 {
		switch rate := float64(b.accepted) / float64(b.attempted); {
		case rate < 0.25:
			b.maxDeltaV /= 1.1
		case rate > 0.75:
			b.maxDeltaV = math.Min(b.maxDeltaV*1.1, 0.3*vol)
		}
		b.attempted, b.accepted = 0, 0
	}
	return nil
}

func boxVolume(b [3]r3.Vec) float64 {
	return math.Abs(r3.Dot(b[0], r3.Cross(b[1], b[2])))
}
