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
	"math"

	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// DefaultMinimizeTolerance is the RMS force (kJ/mol/nm) below which
	// minimization stops.
	DefaultMinimizeTolerance = 10.0

	// constraintPenalty is the harmonic weight (kJ/mol/nm²) that holds
	// constrained distances during minimization.
	constraintPenalty = 1e5
)

// MinimizeResult reports a minimization.
type MinimizeResult struct {
	InitialEnergy float64
	FinalEnergy   float64
	Iterations    int
	Status        string
}

// Minimize runs L-BFGS on the potential energy.
//
// Description:
//
//	Constraints are held by a stiff harmonic penalty during the search
//	and enforced exactly afterwards. If the constrained result has higher
//	energy than the starting point the starting positions are kept, so
//	FinalEnergy never exceeds InitialEnergy.
//
// Inputs:
//
//	ctx - Cancels the search between evaluations.
//	tolerance - RMS force convergence threshold in kJ/mol/nm (<= 0 uses the default).
//	maxIterations - Upper bound on L-BFGS iterations; 0 means until converged.
//
// Outputs:
//
//	MinimizeResult - Energies before and after, in kJ/mol.
//	error - Force evaluation failure or context cancellation.
func (c *Context) Minimize(ctx context.Context, tolerance float64, maxIterations int) (MinimizeResult, error) {
	if tolerance <= 0 {
		tolerance = DefaultMinimizeTolerance
	}
	if err := ctx.Err(); err != nil {
		return MinimizeResult{}, err
	}
	initial, err := c.potential()
	if err != nil {
		return MinimizeResult{}, err
	}
	start := append([]r3.Vec(nil), c.pos...)
	n := len(c.pos)

	var evalErr error
	work := make([]r3.Vec, n)
	forces := make([]r3.Vec, n)
	load := func(x []float64) {
		for i := range work {
			work[i] = r3.Vec{X: x[3*i], Y: x[3*i+1], Z: x[3*i+2]}
		}
	}
	energy := func(x []float64, grad []float64) float64 {
		if evalErr == nil {
			evalErr = ctx.Err()
		}
		if evalErr != nil {
			return math.Inf(1)
		}
		load(x)
		var f []r3.Vec
		if grad != nil {
			f = forces
		}
		t, err := c.eval.compute(work, c.box, f)
		if err != nil {
			evalErr = err
			return math.Inf(1)
		}
		e := t.total() + c.constraintPenaltyTerm(work, f)
		if grad != nil {
			for i, v := range f {
				grad[3*i], grad[3*i+1], grad[3*i+2] = -v.X, -v.Y, -v.Z
			}
		}
		return e
	}

	x0 := make([]float64, 3*n)
	for i, p := range c.pos {
		x0[3*i], x0[3*i+1], x0[3*i+2] = p.X, p.Y, p.Z
	}
	problem := optimize.Problem{
		Func: func(x []float64) float64 { return energy(x, nil) },
		Grad: func(grad, x []float64) { energy(x, grad) },
	}
	settings := &optimize.Settings{
		GradientThreshold: tolerance,
		MajorIterations:   maxIterations,
		Converger:         &optimize.FunctionConverge{Absolute: 1e-6, Relative: 1e-10, Iterations: 20},
	}
	result, optErr := optimize.Minimize(problem, x0, settings, &optimize.LBFGS{})
	if evalErr != nil {
		copy(c.pos, start)
		c.forcesValid = false
		return MinimizeResult{InitialEnergy: initial, FinalEnergy: initial}, evalErr
	}

	res := MinimizeResult{InitialEnergy: initial, FinalEnergy: initial}
	if result != nil {
		res.Iterations = result.Stats.MajorIterations
		res.Status = result.Status.String()
		load(result.Location.X)
		copy(c.pos, work)
		if err := c.shake(append([]r3.Vec(nil), c.pos...), c.pos); err != nil {
			copy(c.pos, start)
		}
	} else if optErr != nil {
		res.Status = optErr.Error()
	}
	c.forcesValid = false

	final, err := c.potential()
	if err != nil {
		return res, err
	}
	if final > initial || math.IsNaN(final) {
		copy(c.pos, start)
		final = initial
	}
	res.FinalEnergy = final
	return res, nil
}

// constraintPenaltyTerm adds the harmonic constraint penalty to energy and forces.
func (c *Context) constraintPenaltyTerm(pos []r3.Vec, f []r3.Vec) float64 {
	cl := c.cell()
	e := 0.0
	for _, k := range c.sys.Constraints {
		d := cl.delta(pos[k.I], pos[k.J])
		r := r3.Norm(d)
		dr := r - k.Distance
		e += constraintPenalty * dr * dr
		if f != nil && r > 0 {
			g := r3.Scale(2*constraintPenalty*dr/r, d)
			f[k.I] = r3.Add(f[k.I], g)
			f[k.J] = r3.Sub(f[k.J], g)
		}
	}
	return e
}
