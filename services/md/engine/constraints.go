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
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// constraintTolerance is the relative error allowed on constrained distances.
	constraintTolerance = 1e-5
	maxShakeIterations  = 1000
)

// shake moves pos so every constraint holds, using ref (the positions the
// step started from) for the constraint directions.
func (c *Context) shake(ref, pos []r3.Vec) error {
	cons := c.sys.Constraints
	if len(cons) == 0 {
		return nil
	}
	cl := c.cell()
	inv := c.invMass
	for iter := 0; iter < maxShakeIterations; iter++ {
		converged := true
		for _, k := range cons {
			rij := cl.delta(pos[k.I], pos[k.J])
			d2 := k.Distance * k.Distance
			diff := d2 - r3.Dot(rij, rij)
			if math.Abs(diff) <= 2*constraintTolerance*d2 {
				continue
			}
			converged = false
			rref := cl.delta(ref[k.I], ref[k.J])
			dot := r3.Dot(rij, rref)
			if dot < 1e-6*d2 {
				dot = 1e-6 * d2
			}
			g := diff / (2 * dot * (inv[k.I] + inv[k.J]))
			pos[k.I] = r3.Sub(pos[k.I], r3.Scale(g*inv[k.I], rref))
			pos[k.J] = r3.Add(pos[k.J], r3.Scale(g*inv[k.J], rref))
		}
		if converged {
			return nil
		}
	}
	return fmt.Errorf("%w after %d iterations", ErrConstraintFailure, maxShakeIterations)
}

// constrainVelocities removes velocity components along constrained bonds.
func (c *Context) constrainVelocities(vel []r3.Vec) error {
	cons := c.sys.Constraints
	if len(cons) == 0 {
		return nil
	}
	cl := c.cell()
	inv := c.invMass
	for iter := 0; iter < maxShakeIterations; iter++ {
		converged := true
		for _, k := range cons {
			rij := cl.delta(c.pos[k.I], c.pos[k.J])
			vij := r3.Sub(vel[k.J], vel[k.I])
			rv := r3.Dot(rij, vij)
			if math.Abs(rv) <= constraintTolerance*k.Distance {
				continue
			}
			converged = false
			g := rv / (r3.Dot(rij, rij) * (inv[k.I] + inv[k.J]))
			vel[k.I] = r3.Add(vel[k.I], r3.Scale(g*inv[k.I], rij))
			vel[k.J] = r3.Sub(vel[k.J], r3.Scale(g*inv[k.J], rij))
		}
		if converged {
			return nil
		}
	}
	return fmt.Errorf("%w: velocities", ErrConstraintFailure)
}
