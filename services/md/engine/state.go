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

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AleutianAI/AleutianMD/pkg/units"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
)

// State is a snapshot of a Context. It is also the restart format.
type State struct {
	Positions  units.Positions `json:"positions"`
	Velocities []r3.Vec        `json:"velocities,omitempty"`
	Box        structure.Box   `json:"box"`
	Time       float64         `json:"time_ps"`
	Step       int64           `json:"step"`

	PotentialEnergy float64 `json:"potential_energy"`
	KineticEnergy   float64 `json:"kinetic_energy"`
	Temperature     float64 `json:"temperature"`
	Volume          float64 `json:"volume_nm3"`
}

// TotalEnergy returns potential plus kinetic energy in kJ/mol.
func (s *State) TotalEnergy() float64 {
	return s.PotentialEnergy + s.KineticEnergy
}

// StateOptions selects what State computes.
type StateOptions struct {
	// Energy evaluates potential and kinetic energy.
	Energy bool

	// EnforcePeriodicBox translates each molecule so its center lies in the
	// primary cell. Molecules are never split.
	EnforcePeriodicBox bool
}

// State returns a snapshot. Positions are in nm.
func (c *Context) State(opts StateOptions) (*State, error) {
	pos := append([]r3.Vec(nil), c.pos...)
	if opts.EnforcePeriodicBox && c.sys.NonbondedMethod.Periodic() {
		c.wrap(pos)
	}
	st := &State{
		Positions:  units.NewPositions(pos, units.Nanometer),
		Velocities: append([]r3.Vec(nil), c.vel...),
		Box:        boxFromNm(c.box),
		Time:       c.time,
		Step:       c.step,
		Volume:     boxVolume(c.box),
	}
	if opts.Energy {
		pe, err := c.potential()
		if err != nil {
			return nil, err
		}
		st.PotentialEnergy = pe
		st.KineticEnergy = c.kinetic()
		st.Temperature = 2 * st.KineticEnergy / (float64(c.sys.DegreesOfFreedom()) * units.BoltzmannKJ)
	}
	return st, nil
}

func (c *Context) kinetic() float64 {
	ke := 0.0
	for i, v := range c.vel {
		ke += 0.5 * c.sys.Masses[i] * r3.Dot(v, v)
	}
	return ke
}

// wrap shifts whole molecules by box vectors so each center is in the cell.
func (c *Context) wrap(pos []r3.Vec) {
	b := c.box
	for _, mol := range c.sys.Molecules {
		var center r3.Vec
		for _, i := range mol {
			center = r3.Add(center, pos[i])
		}
		center = r3.Scale(1/float64(len(mol)), center)

		var shift r3.Vec
		n := math.Floor(center.Z / b[2].Z)
		shift = r3.Sub(shift, r3.Scale(n, b[2]))
		center = r3.Sub(center, r3.Scale(n, b[2]))
		n = math.Floor(center.Y / b[1].Y)
		shift = r3.Sub(shift, r3.Scale(n, b[1]))
		center = r3.Sub(center, r3.Scale(n, b[1]))
		n = math.Floor(center.X / b[0].X)
		shift = r3.Sub(shift, r3.Scale(n, b[0]))

		if shift == (r3.Vec{}) {
			continue
		}
		for _, i := range mol {
			pos[i] = r3.Add(pos[i], shift)
		}
	}
}
