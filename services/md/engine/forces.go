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

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AleutianAI/AleutianMD/pkg/units"
)

// neighborSkin is added to the cutoff when building the pair list (nm).
const neighborSkin = 0.2

// cell wraps minimum-image arithmetic for a reduced periodic box.
type cell struct {
	periodic bool
	box      [3]r3.Vec
}

// delta returns b - a under the minimum-image convention.
func (c cell) delta(a, b r3.Vec) r3.Vec {
	d := r3.Sub(b, a)
	if !c.periodic {
		return d
	}
	d = r3.Sub(d, r3.Scale(math.Round(d.Z/c.box[2].Z), c.box[2]))
	d = r3.Sub(d, r3.Scale(math.Round(d.Y/c.box[1].Y), c.box[1]))
	d = r3.Sub(d, r3.Scale(math.Round(d.X/c.box[0].X), c.box[0]))
	return d
}

// neighborList holds, for each atom i, the atoms j > i within cutoff+skin.
type neighborList struct {
	pairs   [][]int32
	refPos  []r3.Vec
	refBox  [3]r3.Vec
	allPair bool
}

func (nl *neighborList) stale(pos []r3.Vec, box [3]r3.Vec) bool {
	if nl.pairs == nil || len(nl.refPos) != len(pos) || nl.refBox != box {
		return true
	}
	if nl.allPair {
		return false
	}
	limit := 0.25 * neighborSkin * neighborSkin
	for i, p := range pos {
		d := r3.Sub(p, nl.refPos[i])
		if r3.Dot(d, d) > limit {
			return true
		}
	}
	return false
}

// evaluator computes energies and forces for a System.
type evaluator struct {
	sys     *System
	workers int
	nlist   neighborList
	krf     float64
	crf     float64
}

func newEvaluator(sys *System, workers int) *evaluator {
	e := &evaluator{sys: sys, workers: max(workers, 1)}
	if sys.NonbondedMethod != NoCutoff && sys.Cutoff > 0 {
		eps := sys.dielectric
		rc := sys.Cutoff
		e.krf = (1 / (rc * rc * rc)) * (eps - 1) / (2*eps + 1)
		e.crf = (1 / rc) * 3 * eps / (2*eps + 1)
	}
	return e
}

// Energy terms reported separately by compute.
type energyTerms struct {
	bonded    float64
	nonbonded float64
	restraint float64
}

func (t energyTerms) total() float64 {
	return t.bonded + t.nonbonded + t.restraint
}

// compute returns the potential energy and, when forces is non-nil, fills it
// with the forces (kJ/mol/nm). Positions and box are in nm.
func (e *evaluator) compute(pos []r3.Vec, box [3]r3.Vec, forces []r3.Vec) (energyTerms, error) {
	c := cell{periodic: e.sys.NonbondedMethod.Periodic(), box: box}
	if forces != nil {
		for i := range forces {
			forces[i] = r3.Vec{}
		}
	}
	var t energyTerms
	t.bonded = e.bonds(c, pos, forces) + e.angles(c, pos, forces) + e.torsions(c, pos, forces)
	nb, err := e.nonbonded(c, pos, box, forces)
	if err != nil {
		return t, err
	}
	t.nonbonded = nb + e.exceptions(c, pos, forces)
	t.restraint = e.restraints(c, pos, forces)
	return t, nil
}

func (e *evaluator) bonds(c cell, pos, f []r3.Vec) float64 {
	energy := 0.0
	for _, b := range e.sys.Bonds {
		d := c.delta(pos[b.I], pos[b.J])
		r := r3.Norm(d)
		dr := r - b.Length
		energy += 0.5 * b.K * dr * dr
		if f != nil && r > 0 {
			g := r3.Scale(b.K*dr/r, d)
			f[b.I] = r3.Add(f[b.I], g)
			f[b.J] = r3.Sub(f[b.J], g)
		}
	}
	return energy
}

func (e *evaluator) angles(c cell, pos, f []r3.Vec) float64 {
	energy := 0.0
	for _, a := range e.sys.Angles {
		u := c.delta(pos[a.J], pos[a.I])
		w := c.delta(pos[a.J], pos[a.K])
		nu, nw := r3.Norm(u), r3.Norm(w)
		if nu == 0 || nw == 0 {
			continue
		}
		cos := math.Max(-1, math.Min(1, r3.Dot(u, w)/(nu*nw)))
		theta := math.Acos(cos)
		dTheta := theta - a.Theta
		energy += 0.5 * a.Force * dTheta * dTheta
		if f == nil {
			continue
		}
		p := r3.Cross(u, w)
		np := r3.Norm(p)
		if np < 1e-12 {
			continue
		}
		dE := a.Force * dTheta
		fi := r3.Scale(dE/(nu*nu*np), r3.Cross(p, u))
		fk := r3.Scale(dE/(nw*nw*np), r3.Cross(w, p))
		f[a.I] = r3.Add(f[a.I], fi)
		f[a.K] = r3.Add(f[a.K], fk)
		f[a.J] = r3.Sub(f[a.J], r3.Add(fi, fk))
	}
	return energy
}

func (e *evaluator) torsions(c cell, pos, f []r3.Vec) float64 {
	energy := 0.0
	for _, t := range e.sys.Torsions {
		rij := c.delta(pos[t.J], pos[t.I])
		rkj := c.delta(pos[t.J], pos[t.K])
		rkl := c.delta(pos[t.L], pos[t.K])
		m := r3.Cross(rij, rkj)
		n := r3.Cross(rkj, rkl)
		mm, nn := r3.Dot(m, m), r3.Dot(n, n)
		if mm < 1e-24 || nn < 1e-24 {
			continue
		}
		cos := math.Max(-1, math.Min(1, r3.Dot(m, n)/math.Sqrt(mm*nn)))
		phi := math.Acos(cos)
		if r3.Dot(rij, n) < 0 {
			phi = -phi
		}
		arg := float64(t.Periodicity)*phi - t.Phase
		energy += t.Force * (1 + math.Cos(arg))
		if f == nil {
			continue
		}
		ddphi := -t.Force * float64(t.Periodicity) * math.Sin(arg)
		nrkj2 := r3.Dot(rkj, rkj)
		nrkj := math.Sqrt(nrkj2)
		fi := r3.Scale(-ddphi*nrkj/mm, m)
		fl := r3.Scale(ddphi*nrkj/nn, n)
		p := r3.Dot(rij, rkj) / nrkj2
		q := r3.Dot(rkl, rkj) / nrkj2
		s := r3.Sub(r3.Scale(p, fi), r3.Scale(q, fl))
		fj := r3.Sub(fi, s)
		fk := r3.Add(fl, s)
		f[t.I] = r3.Add(f[t.I], fi)
		f[t.J] = r3.Sub(f[t.J], fj)
		f[t.K] = r3.Sub(f[t.K], fk)
		f[t.L] = r3.Add(f[t.L], fl)
	}
	return energy
}

func (e *evaluator) restraints(c cell, pos, f []r3.Vec) float64 {
	energy := 0.0
	for _, r := range e.sys.Restraints {
		for k, ai := range r.Atoms {
			d := c.delta(r.Reference[k], pos[ai])
			energy += r.K * r3.Dot(d, d)
			if f != nil {
				f[ai] = r3.Sub(f[ai], r3.Scale(2*r.K, d))
			}
		}
	}
	return energy
}

func (e *evaluator) exceptions(c cell, pos, f []r3.Vec) float64 {
	energy := 0.0
	for _, x := range e.sys.exceptions {
		d := c.delta(pos[x.i], pos[x.j])
		r2 := r3.Dot(d, d)
		if r2 == 0 {
			continue
		}
		r := math.Sqrt(r2)
		en, dEdr := pairTerm(r, x.chargeProd, x.sigma, x.epsilon, 0, 0, false)
		energy += en
		if f != nil {
			g := r3.Scale(dEdr/r, d)
			f[x.i] = r3.Add(f[x.i], g)
			f[x.j] = r3.Sub(f[x.j], g)
		}
	}
	return energy
}

// pairTerm returns the LJ + Coulomb energy of one pair and dE/dr.
func pairTerm(r, qq, sigma, eps, krf, crf float64, reactionField bool) (float64, float64) {
	energy, dEdr := 0.0, 0.0
	if eps != 0 && sigma != 0 {
		sr := sigma / r
		sr6 := sr * sr * sr * sr * sr * sr
		energy += 4 * eps * (sr6*sr6 - sr6)
		dEdr += 4 * eps * (-12*sr6*sr6 + 6*sr6) / r
	}
	if qq != 0 {
		k := units.CoulombConstant * qq
		if reactionField {
			energy += k * (1/r + krf*r*r - crf)
			dEdr += k * (-1/(r*r) + 2*krf*r)
		} else {
			energy += k / r
			dEdr += -k / (r * r)
		}
	}
	return energy, dEdr
}

func (e *evaluator) rebuild(c cell, pos []r3.Vec, box [3]r3.Vec) error {
	n := len(pos)
	nl := &e.nlist
	nl.allPair = e.sys.NonbondedMethod == NoCutoff
	nl.pairs = make([][]int32, n)
	limit := math.Inf(1)
	if !nl.allPair {
		rl := e.sys.Cutoff + neighborSkin
		limit = rl * rl
	}
	var g errgroup.Group
	chunk := (n + e.workers - 1) / e.workers
	for w := 0; w < e.workers; w++ {
		lo, hi := w*chunk, min((w+1)*chunk, n)
		if lo >= hi {
			break
		}
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				var list []int32
				for j := i + 1; j < n; j++ {
					if e.sys.excluded[[2]int{i, j}] {
						continue
					}
					d := c.delta(pos[i], pos[j])
					if r3.Dot(d, d) <= limit {
						list = append(list, int32(j))
					}
				}
				nl.pairs[i] = list
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	nl.refPos = append(nl.refPos[:0], pos...)
	nl.refBox = box
	return nil
}

func (e *evaluator) nonbonded(c cell, pos []r3.Vec, box [3]r3.Vec, f []r3.Vec) (float64, error) {
	if e.nlist.stale(pos, box) {
		if err := e.rebuild(c, pos, box); err != nil {
			return 0, err
		}
	}
	n := len(pos)
	sys := e.sys
	rf := sys.NonbondedMethod != NoCutoff
	cut2 := sys.Cutoff * sys.Cutoff

	energies := make([]float64, e.workers)
	var partial [][]r3.Vec
	if f != nil {
		partial = make([][]r3.Vec, e.workers)
	}
	var g errgroup.Group
	// interleave rows so the triangular pair list balances across workers
	for w := 0; w < e.workers; w++ {
		var local []r3.Vec
		if f != nil {
			local = make([]r3.Vec, n)
			partial[w] = local
		}
		g.Go(func() error {
			en := 0.0
			for i := w; i < n; i += e.workers {
				qi, si, ei := sys.Charges[i], sys.Sigmas[i], sys.Epsilon[i]
				for _, j32 := range e.nlist.pairs[i] {
					j := int(j32)
					d := c.delta(pos[i], pos[j])
					r2 := r3.Dot(d, d)
					if r2 == 0 || (rf && r2 > cut2) {
						continue
					}
					r := math.Sqrt(r2)
					pe, dEdr := pairTerm(r, qi*sys.Charges[j], 0.5*(si+sys.Sigmas[j]), math.Sqrt(ei*sys.Epsilon[j]), e.krf, e.crf, rf)
					en += pe
					if local != nil {
						gv := r3.Scale(dEdr/r, d)
						local[i] = r3.Add(local[i], gv)
						local[j] = r3.Sub(local[j], gv)
					}
				}
			}
			energies[w] = en
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	total := 0.0
	for w := range energies {
		total += energies[w]
		if f != nil {
			for i, v := range partial[w] {
				f[i] = r3.Add(f[i], v)
			}
		}
	}
	return total, nil
}
