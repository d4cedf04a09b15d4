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
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/AleutianAI/AleutianMD/pkg/units"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
)

// LangevinIntegrator is a leapfrog Langevin thermostat.
type LangevinIntegrator struct {
	Temperature units.Kelvin
	Friction    float64 // 1/ps
	StepSize    units.Time
}

// NewLangevinIntegrator returns an integrator at temperature t with the
// given friction (1/ps) and step size.
func NewLangevinIntegrator(t units.Kelvin, friction float64, step units.Time) *LangevinIntegrator {
	return &LangevinIntegrator{Temperature: t, Friction: friction, StepSize: step}
}

// Context is a System bound to a platform, an integrator and a state.
//
// Thread Safety:
//
//	Not safe for concurrent use. Force evaluation is parallelized
//	internally according to the platform.
type Context struct {
	sys     *System
	integ   *LangevinIntegrator
	backend backend
	eval    *evaluator

	pos     []r3.Vec // nm
	vel     []r3.Vec // nm/ps
	box     [3]r3.Vec
	invMass []float64
	time    float64 // ps
	step    int64

	forces      []r3.Vec
	forcesValid bool

	rng    *rand.Rand
	normal distuv.Normal
}

// NewContext binds sys to integ on platform p. Seed makes velocity
// initialization and thermostat noise reproducible.
//
// Outputs:
//
//	*Context - Positions are zero until SetPositions is called.
//	error - *PlatformError when p names an unusable backend.
func NewContext(sys *System, integ *LangevinIntegrator, p Platform, seed uint64) (*Context, error) {
	be, err := resolve(p)
	if err != nil {
		return nil, err
	}
	if integ == nil {
		return nil, fmt.Errorf("%w: nil integrator", ErrInvalidOption)
	}
	n := sys.NumAtoms()
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	c := &Context{
		sys:     sys,
		integ:   integ,
		backend: be,
		eval:    newEvaluator(sys, be.workers),
		pos:     make([]r3.Vec, n),
		vel:     make([]r3.Vec, n),
		box:     sys.DefaultBox,
		invMass: make([]float64, n),
		forces:  make([]r3.Vec, n),
		rng:     rng,
		normal:  distuv.Normal{Mu: 0, Sigma: 1, Src: rng},
	}
	for i, m := range sys.Masses {
		if m > 0 {
			c.invMass[i] = 1 / m
		}
	}
	return c, nil
}

// Platform returns the name of the backend in use.
func (c *Context) Platform() string {
	return c.backend.name
}

// System returns the bound system.
func (c *Context) System() *System {
	return c.sys
}

// SetPositions replaces all positions.
func (c *Context) SetPositions(p units.Positions) error {
	if p.Len() != len(c.pos) {
		return fmt.Errorf("%w: %d positions for %d atoms", structure.ErrAtomCountMismatch, p.Len(), len(c.pos))
	}
	copy(c.pos, p.In(units.Nanometer).Values)
	c.forcesValid = false
	return nil
}

// SetVelocities replaces all velocities (nm/ps).
func (c *Context) SetVelocities(v []r3.Vec) error {
	if len(v) != len(c.vel) {
		return fmt.Errorf("%w: %d velocities for %d atoms", structure.ErrAtomCountMismatch, len(v), len(c.vel))
	}
	copy(c.vel, v)
	return nil
}

// SetVelocitiesToTemperature draws velocities from the Maxwell-Boltzmann
// distribution at t, then removes center-of-mass motion and components
// along constraints.
func (c *Context) SetVelocitiesToTemperature(t units.Kelvin) error {
	kT := t.KT()
	for i := range c.vel {
		if c.invMass[i] == 0 {
			c.vel[i] = r3.Vec{}
			continue
		}
		s := math.Sqrt(kT * c.invMass[i])
		c.vel[i] = r3.Vec{X: s * c.normal.Rand(), Y: s * c.normal.Rand(), Z: s * c.normal.Rand()}
	}
	c.removeCOMMotion()
	return c.constrainVelocities(c.vel)
}

// SetBox replaces the periodic box.
func (c *Context) SetBox(b structure.Box) error {
	if b.IsZero() {
		if c.sys.NonbondedMethod.Periodic() {
			return ErrNoBox
		}
		return nil
	}
	c.box = boxToNm(b)
	c.forcesValid = false
	return nil
}

// SetTime sets the simulated time and step counter, used when restarting.
func (c *Context) SetTime(t units.Time, step int64) {
	c.time = t.Picoseconds()
	c.step = step
}

// SetState restores positions, velocities, box and time from a saved state.
func (c *Context) SetState(s *State) error {
	if err := c.SetPositions(s.Positions); err != nil {
		return err
	}
	if s.Velocities != nil {
		if err := c.SetVelocities(s.Velocities); err != nil {
			return err
		}
	}
	if err := c.SetBox(s.Box); err != nil {
		return err
	}
	c.SetTime(units.Picoseconds(s.Time), s.Step)
	return nil
}

// Step advances the simulation by n integration steps.
func (c *Context) Step(ctx context.Context, n int) error {
	dt := c.integ.StepSize.Picoseconds()
	gamma := c.integ.Friction
	vscale := math.Exp(-dt * gamma)
	fscale := dt
	if gamma > 0 {
		fscale = (1 - vscale) / gamma
	}
	noise := math.Sqrt(1 - vscale*vscale)
	kT := c.integ.Temperature.KT()

	old := make([]r3.Vec, len(c.pos))
	for s := 0; s < n; s++ {
		if s%100 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := c.ensureForces(); err != nil {
			return err
		}
		copy(old, c.pos)
		for i := range c.pos {
			im := c.invMass[i]
			if im == 0 {
				continue
			}
			sd := noise * math.Sqrt(kT*im)
			g := r3.Vec{X: c.normal.Rand(), Y: c.normal.Rand(), Z: c.normal.Rand()}
			v := r3.Add(r3.Scale(vscale, c.vel[i]), r3.Scale(fscale*im, c.forces[i]))
			v = r3.Add(v, r3.Scale(sd, g))
			c.vel[i] = v
			c.pos[i] = r3.Add(c.pos[i], r3.Scale(dt, v))
		}
		if err := c.shake(old, c.pos); err != nil {
			return err
		}
		if len(c.sys.Constraints) > 0 {
			for i := range c.vel {
				c.vel[i] = r3.Scale(1/dt, r3.Sub(c.pos[i], old[i]))
			}
		}
		c.removeCOMMotion()
		c.forcesValid = false
		c.step++
		c.time += dt

		if b := c.sys.Barostat; b != nil && c.step%int64(b.Frequency) == 0 {
			if err := b.attempt(c, c.rng); err != nil {
				return err
			}
			c.forcesValid = false
		}
		if err := c.checkFinite(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) ensureForces() error {
	if c.forcesValid {
		return nil
	}
	if _, err := c.eval.compute(c.pos, c.box, c.forces); err != nil {
		return err
	}
	c.forcesValid = true
	return nil
}

// potential evaluates the potential energy at the current positions.
func (c *Context) potential() (float64, error) {
	t, err := c.eval.compute(c.pos, c.box, nil)
	if err != nil {
		return 0, err
	}
	return t.total(), nil
}

func (c *Context) cell() cell {
	return cell{periodic: c.sys.NonbondedMethod.Periodic(), box: c.box}
}

func (c *Context) removeCOMMotion() {
	var p r3.Vec
	mass := 0.0
	for i, v := range c.vel {
		m := c.sys.Masses[i]
		p = r3.Add(p, r3.Scale(m, v))
		mass += m
	}
	if mass == 0 {
		return
	}
	vcm := r3.Scale(1/mass, p)
	for i := range c.vel {
		if c.invMass[i] != 0 {
			c.vel[i] = r3.Sub(c.vel[i], vcm)
		}
	}
}

// scaleMolecules scales the box by f and moves each molecule rigidly so its
// center scales with the box.
func (c *Context) scaleMolecules(f float64) {
	cl := c.cell()
	for _, mol := range c.sys.Molecules {
		center := c.moleculeCenter(cl, mol)
		shift := r3.Scale(f-1, center)
		for _, i := range mol {
			c.pos[i] = r3.Add(c.pos[i], shift)
		}
	}
	for k := range c.box {
		c.box[k] = r3.Scale(f, c.box[k])
	}
	c.forcesValid = false
}

// moleculeCenter returns the geometric center of mol, unwrapped around its first atom.
func (c *Context) moleculeCenter(cl cell, mol []int) r3.Vec {
	first := c.pos[mol[0]]
	var sum r3.Vec
	for _, i := range mol {
		sum = r3.Add(sum, r3.Add(first, cl.delta(first, c.pos[i])))
	}
	return r3.Scale(1/float64(len(mol)), sum)
}

func (c *Context) checkFinite() error {
	for i, p := range c.pos {
		if math.IsNaN(p.X+p.Y+p.Z) || math.IsInf(p.X+p.Y+p.Z, 0) {
			return fmt.Errorf("%w: atom %d at step %d", ErrNonFinite, i, c.step)
		}
	}
	return nil
}
