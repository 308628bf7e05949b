/*
 * energy.go, part of gomb.
 *
 * Copyright 2026 Raul Mera <rmera{at}chemDOThelsinkiDOTfi>
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU Lesser General Public License as
 * published by the Free Software Foundation; either version 2.1 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU Lesser General
 * Public License along with this program.  If not, see
 * <http://www.gnu.org/licenses/>.
 *
 * Gomb is developed at the laboratory for instruction in Swedish, Department of Chemistry,
 * University of Helsinki, Finland.
 *
 */

package mb

import (
	"math"

	"github.com/rmera/gomb/cluster"
	"github.com/rmera/gomb/disp"
	"github.com/rmera/gomb/elec"
	"github.com/rmera/gomb/metrics"
	"github.com/rmera/gomb/par"
	"github.com/rmera/gomb/params"
	log "github.com/sirupsen/logrus"
)

// Components holds the energy terms of the last evaluation, in kcal/mol.
// In the dimer dispersion mode, dispersion and repulsion are part of TwoBody.
type Components struct {
	OneBody    float64
	TwoBody    float64
	ThreeBody  float64
	Dispersion float64
	Repulsion  float64
	Permanent  float64
	Induced    float64
}

// Electrostatics returns the permanent plus the induced electrostatic energy.
func (c Components) Electrostatics() float64 { return c.Permanent + c.Induced }

// Total returns the sum of all components.
func (c Components) Total() float64 {
	return c.OneBody + c.TwoBody + c.ThreeBody + c.Dispersion + c.Repulsion + c.Permanent + c.Induced
}

// Components returns the energy terms of the last evaluation.
func (s *System) Components() Components { return s.comp }

func ghost(useGhost []bool) bool { return len(useGhost) > 0 && useGhost[0] }

// reset clears the gradient and virial before a public evaluation.
func (s *System) reset() {
	for i := range s.grad {
		s.grad[i] = 0
	}
	s.virial = [9]float64{}
}

func (s *System) addVirial(v [9]float64) {
	for k := range v {
		s.virial[k] += v[k]
	}
}

// finish records and checks the result of one component.
func (s *System) finish(component string, e float64, grad bool) error {
	s.timers.SetEnergy(component, e)
	if !s.cfg.CheckFinite {
		return nil
	}
	bad := math.IsNaN(e) || math.IsInf(e, 0)
	if grad && !bad {
		for _, g := range s.grad {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				bad = true
				break
			}
		}
	}
	if bad {
		s.timers.Failed(component)
		return NonFiniteError{mbError{"non-finite " + component + " energy or gradient", []string{component}, true}, component}
	}
	return nil
}

// OneBodyEnergy returns the intramolecular deformation energy. If grad is true,
// the gradient and virial are computed. With useGhost, only local monomers count.
func (s *System) OneBodyEnergy(grad bool, useGhost ...bool) (float64, error) {
	if err := s.ready("OneBodyEnergy"); err != nil {
		return 0, err
	}
	s.reset()
	e, err := s.oneBody(grad, ghost(useGhost))
	return e, errDecorate(err, "OneBodyEnergy")
}

func (s *System) oneBody(grad, useGhost bool) (float64, error) {
	defer s.timers.Start(metrics.OneBody)()
	workers := par.Workers(s.cfg.Workers)
	size := 0
	if grad {
		size = len(s.grad)
	}
	A := par.NewArena(workers, size)
	energies := make([]float64, len(s.mons))
	bounds := par.Chunks(len(s.mons), s.cfg.MaxEval1b)
	for c := 0; c+1 < len(bounds); c++ {
		start := bounds[c]
		par.For(workers, bounds[c+1]-start, func(i, w int) {
			m := start + i
			if useGhost && !s.IsLocal(m) {
				return
			}
			mon := s.mons[m]
			x := s.monXyz(m)
			var g []float64
			if grad {
				g = A.Buf(w)[3*s.first[m] : 3*(s.first[m]+mon.NSites())]
			}
			e := mon.Terms.Energy(x, g)
			energies[m] = e
			A.AddEnergy(w, e)
			if grad {
				vir := A.Virial(w)
				for k := 0; k < mon.NSites(); k++ {
					for a := 0; a < 3; a++ {
						for b := 0; b < 3; b++ {
							vir[3*a+b] -= (x[3*k+a] - x[a]) * g[3*k+b]
						}
					}
				}
			}
		})
	}
	var dst []float64
	if grad {
		dst = s.grad
	}
	e, vir := A.Reduce(dst)
	s.addVirial(vir)
	for m, em := range energies {
		s.good[m] = em <= BadMonomerEnergy
		if !s.good[m] {
			log.WithFields(log.Fields{"monomer": m, "type": s.mons[m].ID, "energy": em}).Warn("mb: monomer one-body energy above the fitted range")
		}
	}
	s.comp.OneBody = e
	return e, s.finish(metrics.OneBody, e, grad)
}

// neighbors returns the dimer index for the current coordinates, built at the
// 2-body cutoff and kept until the coordinates or settings change.
func (s *System) neighbors() (*cluster.Index, error) {
	if s.index != nil {
		return s.index, nil
	}
	defer s.timers.Start(metrics.Clusters)()
	I, err := cluster.NewIndex(s.refs(), s.cfg.Cutoff2b, s.lat, par.Workers(s.cfg.Workers))
	if err != nil {
		return nil, err
	}
	s.index = I
	return I, nil
}

// clusters returns the dimers (order 2) or trimers (order 3) within the
// configured cutoffs.
func (s *System) clusters(order int) ([]int, error) {
	n := len(s.mons)
	if order == 2 || s.cfg.ReuseNeighbors {
		I, err := s.neighbors()
		if err != nil {
			return nil, err
		}
		if order == 3 {
			defer s.timers.Start(metrics.Clusters)()
			if I, err = I.Sub(s.cfg.Cutoff3b); err != nil {
				return nil, err
			}
		}
		if s.cfg.Workers == 1 {
			return I.Clusters(order, 0, n)
		}
		return I.ClustersPartitioned(order, 0, n, s.clusterOptions())
	}
	defer s.timers.Start(metrics.Clusters)()
	return s.FindClusters(3, s.cfg.Cutoff3b, 0, n)
}

// clusterFunc returns the energy of the cluster ids with coordinates x and
// adds its gradient to g, if g is not nil.
type clusterFunc func(ids []int, x, g [][]float64) float64

// clusterSum evaluates f over every cluster of list (stride order) in batches,
// accumulating the energy, gradient and virial. Each cluster is moved to the
// periodic image of its first monomer. With useGhost each cluster is weighted
// by its fraction of local monomers.
func (s *System) clusterSum(order int, list []int, batch int, grad, useGhost bool, f clusterFunc) float64 {
	workers := par.Workers(s.cfg.Workers)
	size := 0
	if grad {
		size = len(s.grad)
	}
	A := par.NewArena(workers, size)
	maxn := 0
	for _, t := range s.types {
		maxn = max(maxn, t.NSites())
	}
	type scratch struct{ x, g [][]float64 }
	sc := make([]scratch, workers)
	for w := range sc {
		sc[w] = scratch{make([][]float64, order), make([][]float64, order)}
		for k := 0; k < order; k++ {
			sc[w].x[k] = make([]float64, 3*maxn)
			sc[w].g[k] = make([]float64, 3*maxn)
		}
	}
	nclus := len(list) / order
	bounds := par.Chunks(nclus, batch)
	for c := 0; c+1 < len(bounds); c++ {
		start := bounds[c]
		par.For(workers, bounds[c+1]-start, func(i, w int) {
			ids := list[order*(start+i) : order*(start+i+1)]
			weight := 1.0
			if useGhost {
				nloc := 0
				for _, m := range ids {
					if s.IsLocal(m) {
						nloc++
					}
				}
				if nloc == 0 {
					return
				}
				weight = float64(nloc) / float64(order)
			}
			x := make([][]float64, order)
			var g [][]float64
			if grad {
				g = make([][]float64, order)
			}
			for k, m := range ids {
				ns := 3 * s.mons[m].NSites()
				x[k] = sc[w].x[k][:ns]
				copy(x[k], s.monXyz(m))
				if grad {
					g[k] = sc[w].g[k][:ns]
					for j := range g[k] {
						g[k][j] = 0
					}
				}
			}
			s.sameImage(x)
			A.AddEnergy(w, weight*f(ids, x, g))
			if !grad {
				return
			}
			buf := A.Buf(w)
			vir := A.Virial(w)
			for k, m := range ids {
				dst := buf[3*s.first[m]:]
				for j, v := range g[k] {
					dst[j] += weight * v
				}
				for p := 0; p < len(g[k]); p += 3 {
					for a := 0; a < 3; a++ {
						for b := 0; b < 3; b++ {
							vir[3*a+b] -= weight * x[k][p+a] * g[k][p+b]
						}
					}
				}
			}
		})
	}
	var dst []float64
	if grad {
		dst = s.grad
	}
	e, vir := A.Reduce(dst)
	s.addVirial(vir)
	return e
}

// sameImage translates the monomers x[1:] so that each one is the periodic
// image closest to an already placed monomer, comparing reference points.
// Monomers are placed nearest first, so a trimer connected through its middle
// monomer stays whole even when its ends are farther apart than half the cell.
func (s *System) sameImage(x [][]float64) {
	if s.lat == nil {
		return
	}
	placed := make([]bool, len(x))
	placed[0] = true
	for n := 1; n < len(x); n++ {
		best := -1
		var bestd [3]float64
		bestr := math.Inf(1)
		for k := 1; k < len(x); k++ {
			if placed[k] {
				continue
			}
			for j := range x {
				if !placed[j] {
					continue
				}
				var d [3]float64
				for c := range d {
					d[c] = x[k][c] - x[j][c]
				}
				m := d
				s.lat.MinImage(&m)
				if r := m[0]*m[0] + m[1]*m[1] + m[2]*m[2]; r < bestr {
					bestr, best = r, k
					for c := range d {
						bestd[c] = m[c] - d[c]
					}
				}
			}
		}
		for c, shift := range bestd {
			if shift == 0 {
				continue
			}
			for p := c; p < len(x[best]); p += 3 {
				x[best][p] += shift
			}
		}
		placed[best] = true
	}
}

// polynomial evaluates the fitted polynomial for the types of mons, if there is one.
func (s *System) polynomial(mons []*params.Monomer, x, g [][]float64) float64 {
	var types [3]string
	for k, m := range mons {
		types[k] = m.ID
	}
	P, perm, ok := s.db.Polynomial(types[:len(mons)]...)
	if !ok {
		return 0
	}
	var px, pg [3][]float64
	for k, p := range perm {
		px[k] = x[p]
		if g != nil {
			pg[k] = g[p]
		}
	}
	if g == nil {
		return P.Evaluate(px[:len(perm)], nil)
	}
	return P.Evaluate(px[:len(perm)], pg[:len(perm)])
}

// TwoBodyEnergy returns the 2-body energy: the dimer polynomials and, in the
// dimer dispersion mode, the dimer dispersion and repulsion.
func (s *System) TwoBodyEnergy(grad bool, useGhost ...bool) (float64, error) {
	if err := s.ready("TwoBodyEnergy"); err != nil {
		return 0, err
	}
	s.reset()
	e, err := s.twoBody(grad, ghost(useGhost))
	return e, errDecorate(err, "TwoBodyEnergy")
}

func (s *System) twoBody(grad, useGhost bool) (float64, error) {
	list, err := s.clusters(2)
	if err != nil {
		return 0, err
	}
	defer s.timers.Start(metrics.TwoBody)()
	dimerDisp := s.cfg.DispMode == DimerDispersion
	e := s.clusterSum(2, list, s.cfg.MaxEval2b, grad, useGhost, func(ids []int, x, g [][]float64) float64 {
		A, B := s.mons[ids[0]], s.mons[ids[1]]
		var ga, gb []float64
		if g != nil {
			ga, gb = g[0], g[1]
		}
		e := s.polynomial([]*params.Monomer{A, B}, x, g)
		if dimerDisp {
			e += disp.Dimer(s.db, A, x[0], B, x[1], ga, gb)
			e += disp.DimerRepulsion(s.db, A, x[0], B, x[1], ga, gb)
		}
		return e
	})
	log.WithFields(log.Fields{"dimers": len(list) / 2, "energy": e}).Debug("mb: two-body")
	s.comp.TwoBody = e
	return e, s.finish(metrics.TwoBody, e, grad)
}

// ThreeBodyEnergy returns the energy of the trimer polynomials.
func (s *System) ThreeBodyEnergy(grad bool, useGhost ...bool) (float64, error) {
	if err := s.ready("ThreeBodyEnergy"); err != nil {
		return 0, err
	}
	s.reset()
	e, err := s.threeBody(grad, ghost(useGhost))
	return e, errDecorate(err, "ThreeBodyEnergy")
}

func (s *System) threeBody(grad, useGhost bool) (float64, error) {
	list, err := s.clusters(3)
	if err != nil {
		return 0, err
	}
	defer s.timers.Start(metrics.ThreeBody)()
	e := s.clusterSum(3, list, s.cfg.MaxEval3b, grad, useGhost, func(ids []int, x, g [][]float64) float64 {
		return s.polynomial([]*params.Monomer{s.mons[ids[0]], s.mons[ids[1]], s.mons[ids[2]]}, x, g)
	})
	log.WithFields(log.Fields{"trimers": len(list) / 3, "energy": e}).Debug("mb: three-body")
	s.comp.ThreeBody = e
	return e, s.finish(metrics.ThreeBody, e, grad)
}

func (s *System) dispEngine() (*disp.Engine, error) {
	if s.disp != nil {
		return s.disp, nil
	}
	var err error
	s.disp, err = disp.New(s.db, s.layout, s.types, disp.Options{
		Cutoff:  s.cfg.Cutoff2b,
		Alpha:   s.cfg.DispAlpha,
		Order:   s.cfg.PMEOrder,
		Density: s.cfg.PMEDensity,
		Workers: s.cfg.Workers,
	})
	return s.disp, err
}

func (s *System) elecEngine() (*elec.Engine, error) {
	if s.elec != nil {
		return s.elec, nil
	}
	o := elec.DefaultOptions()
	o.Tol, o.MaxIt, o.Method = s.cfg.DipoleTol, s.cfg.DipoleMaxIt, s.cfg.DipoleMethod
	o.ASPCOrder, o.Workers = s.cfg.ASPCOrder, s.cfg.Workers
	var err error
	s.elec, err = elec.New(s.layout, s.types, o)
	return s.elec, err
}

// engineTerm runs a whole-system engine on the internal coordinates and brings
// its gradient back to the input order.
func (s *System) engineTerm(grad bool, f func(xyz, g []float64) (float64, [9]float64, error)) (float64, error) {
	var g []float64
	if grad {
		g = make([]float64, 3*s.nsites)
	}
	e, vir, err := f(s.toInternal(), g)
	if err != nil {
		return 0, err
	}
	if grad {
		s.fromInternal(s.grad, g)
		s.addVirial(vir)
	}
	return e, nil
}

// Dispersion returns the whole-system dispersion energy within the 2-body
// cutoff, with the Ewald terms if configured, regardless of the dispersion mode.
func (s *System) Dispersion(grad bool) (float64, error) {
	if err := s.ready("Dispersion"); err != nil {
		return 0, err
	}
	s.reset()
	e, err := s.dispersion(grad)
	return e, errDecorate(err, "Dispersion")
}

func (s *System) dispersion(grad bool) (float64, error) {
	E, err := s.dispEngine()
	if err != nil {
		return 0, err
	}
	defer s.timers.Start(metrics.Disp)()
	e, err := s.engineTerm(grad, func(xyz, g []float64) (float64, [9]float64, error) { return E.Energy(xyz, s.lat, g) })
	if err != nil {
		return 0, err
	}
	s.comp.Dispersion = e
	return e, s.finish(metrics.Disp, e, grad)
}

// Buckingham returns the whole-system intermolecular repulsion within the 2-body cutoff.
func (s *System) Buckingham(grad bool) (float64, error) {
	if err := s.ready("Buckingham"); err != nil {
		return 0, err
	}
	s.reset()
	e, err := s.buckingham(grad)
	return e, errDecorate(err, "Buckingham")
}

func (s *System) buckingham(grad bool) (float64, error) {
	E, err := s.dispEngine()
	if err != nil {
		return 0, err
	}
	if !E.HasRepulsion() {
		s.comp.Repulsion = 0
		return 0, nil
	}
	defer s.timers.Start(metrics.Buck)()
	e, err := s.engineTerm(grad, func(xyz, g []float64) (float64, [9]float64, error) { return E.Repulsion(xyz, s.lat, g) })
	if err != nil {
		return 0, err
	}
	s.comp.Repulsion = e
	return e, s.finish(metrics.Buck, e, grad)
}

// Electrostatics returns the permanent plus induced electrostatic energy.
// A failure to converge the dipoles is returned as a ConvergenceError.
func (s *System) Electrostatics(grad bool) (float64, error) {
	if err := s.ready("Electrostatics"); err != nil {
		return 0, err
	}
	s.reset()
	e, err := s.electrostatics(grad)
	return e, errDecorate(err, "Electrostatics")
}

func (s *System) electrostatics(grad bool) (float64, error) {
	E, err := s.elecEngine()
	if err != nil {
		return 0, err
	}
	defer s.timers.Start(metrics.Elec)()
	e, err := s.engineTerm(grad, func(xyz, g []float64) (float64, [9]float64, error) { return E.Energy(xyz, s.lat, g) })
	s.timers.ObserveDipoleIterations(E.Iterations())
	if err != nil {
		s.timers.Failed(metrics.Elec)
		return 0, err
	}
	s.comp.Permanent, s.comp.Induced = E.Components()
	return e, s.finish(metrics.Elec, e, grad)
}

// ShortRangeEnergy returns the sum of the one, two and three-body energies.
// With useGhost, the one-body energy counts local monomers only and clusters
// are weighted by their fraction of local monomers, so that summing the
// results of systems that partition the monomers gives the total.
func (s *System) ShortRangeEnergy(grad bool, useGhost ...bool) (float64, error) {
	if err := s.ready("ShortRangeEnergy"); err != nil {
		return 0, err
	}
	s.reset()
	e, err := s.shortRange(grad, ghost(useGhost))
	return e, errDecorate(err, "ShortRangeEnergy")
}

func (s *System) shortRange(grad, useGhost bool) (float64, error) {
	e1, err := s.oneBody(grad, useGhost)
	if err != nil {
		return 0, err
	}
	e2, err := s.twoBody(grad, useGhost)
	if err != nil {
		return 0, err
	}
	e3, err := s.threeBody(grad, useGhost)
	if err != nil {
		return 0, err
	}
	return e1 + e2 + e3, nil
}

// LongRangeEnergy returns the electrostatics plus, in the full dispersion
// mode, the whole-system dispersion and repulsion.
func (s *System) LongRangeEnergy(grad bool) (float64, error) {
	if err := s.ready("LongRangeEnergy"); err != nil {
		return 0, err
	}
	s.reset()
	e, err := s.longRange(grad)
	return e, errDecorate(err, "LongRangeEnergy")
}

func (s *System) longRange(grad bool) (float64, error) {
	var e float64
	s.comp.Dispersion, s.comp.Repulsion = 0, 0
	if s.cfg.DispMode == FullDispersion {
		ed, err := s.dispersion(grad)
		if err != nil {
			return 0, err
		}
		eb, err := s.buckingham(grad)
		if err != nil {
			return 0, err
		}
		e = ed + eb
	}
	ee, err := s.electrostatics(grad)
	if err != nil {
		return 0, err
	}
	return e + ee, nil
}

// Energy returns the total energy of the system. If grad is true, the
// gradient (see GetGrads and GetRealGrads) and the virial are computed too.
func (s *System) Energy(grad bool) (float64, error) {
	if err := s.ready("Energy"); err != nil {
		return 0, err
	}
	defer s.timers.Start(metrics.Total)()
	s.reset()
	s.comp = Components{}
	es, err := s.shortRange(grad, false)
	if err != nil {
		return 0, errDecorate(err, "Energy")
	}
	el, err := s.longRange(grad)
	if err != nil {
		return 0, errDecorate(err, "Energy")
	}
	e := es + el
	s.timers.SetEnergy(metrics.Total, e)
	log.WithFields(log.Fields{"energy": e, "monomers": len(s.mons)}).Debug("mb: energy")
	return e, nil
}
