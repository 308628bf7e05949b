/*
 * disp.go, part of gomb.
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

// Package disp computes the dispersion energy (Tang-Toennies damped C6/r^6)
// of a whole system, with an optional Ewald treatment of its long-range
// part, and the Buckingham-type short-range repulsion.
//
// Coordinates come in monomer-major order with the monomers of each type
// contiguous. The pair loops work on the site-major layout (package reorder),
// where the same site of every monomer of a type is contiguous, so the inner
// loop over monomers has unit stride.
package disp

import (
	"fmt"
	"math"

	"github.com/rmera/gomb/par"
	"github.com/rmera/gomb/params"
	"github.com/rmera/gomb/pme"
	"github.com/rmera/gomb/reorder"
	v3 "github.com/rmera/gomb/v3"
)

// TangToennies6 returns f6(x) = 1 - exp(-x) sum_{k=0}^{6} x^k/k! and df6/dx.
func TangToennies6(x float64) (float64, float64) {
	e := math.Exp(-x)
	term, sum := 1.0, 1.0
	for k := 1; k <= 6; k++ {
		term *= x / float64(k)
		sum += term
	}
	//term is x^6/6! at this point
	return 1 - e*sum, e * term
}

// Disp6 adds the dispersion between site i of one monomer, at p1, and site j of
// the monomers [mstart,mend) of a block of nmon monomers. xyz2 holds the
// coordinates of site j of the whole block, site-major (x of every monomer, then
// y, then z). c6 and d6 are the pair parameters, c6i and c6j the long-range
// coefficients used by the Ewald correction, and scale multiplies the damped
// term (0 for excluded pairs). Pairs beyond cutoff are skipped. With lat not nil
// distances follow the minimum image convention.
// If g1 and g2 are not nil, gradients are added to them (g2 in the layout of
// xyz2), and, if vir is not nil, the virial is added to vir. It returns the energy.
func Disp6(c6, d6, c6i, c6j float64, p1 [3]float64, xyz2 []float64, nmon, mstart, mend int,
	scale, cutoff, alpha float64, lat *v3.Lattice, g1 *[3]float64, g2 []float64, vir *[9]float64) float64 {
	var energy float64
	c2 := cutoff * cutoff
	ewald := alpha > 0 && lat != nil
	cc := c6i * c6j
	for m := mstart; m < mend; m++ {
		d := [3]float64{p1[0] - xyz2[m], p1[1] - xyz2[nmon+m], p1[2] - xyz2[2*nmon+m]}
		if lat != nil {
			lat.MinImage(&d)
		}
		r2 := d[0]*d[0] + d[1]*d[1] + d[2]*d[2]
		if r2 > c2 {
			continue
		}
		r := math.Sqrt(r2)
		r6 := r2 * r2 * r2
		var e, dedr float64
		if scale != 0 {
			f6, df6 := TangToennies6(d6 * r)
			e = -scale * c6 * f6 / r6
			dedr = -scale * c6 * (d6*df6/r6 - 6*f6/(r6*r))
		}
		if ewald {
			g, dg := pme.Screen(alpha, r)
			e += cc * (1 - g) / r6
			dedr += cc * (-dg/r6 - 6*(1-g)/(r6*r))
		}
		energy += e
		if g1 == nil {
			continue
		}
		s := dedr / r
		for c := 0; c < 3; c++ {
			g1[c] += s * d[c]
			g2[c*nmon+m] -= s * d[c]
		}
		if vir != nil {
			for a := 0; a < 3; a++ {
				for b := 0; b < 3; b++ {
					vir[3*a+b] -= s * d[a] * d[b]
				}
			}
		}
	}
	return energy
}

// Buckingham is the repulsion counterpart of Disp6: it adds a*exp(-b r) for the
// same pairs Disp6 would consider.
func Buckingham(a, b float64, p1 [3]float64, xyz2 []float64, nmon, mstart, mend int,
	cutoff float64, lat *v3.Lattice, g1 *[3]float64, g2 []float64, vir *[9]float64) float64 {
	var energy float64
	c2 := cutoff * cutoff
	for m := mstart; m < mend; m++ {
		d := [3]float64{p1[0] - xyz2[m], p1[1] - xyz2[nmon+m], p1[2] - xyz2[2*nmon+m]}
		if lat != nil {
			lat.MinImage(&d)
		}
		r2 := d[0]*d[0] + d[1]*d[1] + d[2]*d[2]
		if r2 > c2 {
			continue
		}
		r := math.Sqrt(r2)
		e := a * math.Exp(-b*r)
		energy += e
		if g1 == nil {
			continue
		}
		s := -b * e / r
		for c := 0; c < 3; c++ {
			g1[c] += s * d[c]
			g2[c*nmon+m] -= s * d[c]
		}
		if vir != nil {
			for x := 0; x < 3; x++ {
				for y := 0; y < 3; y++ {
					vir[3*x+y] -= s * d[x] * d[y]
				}
			}
		}
	}
	return energy
}

// VirialFromPacked returns the dense, symmetric virial for one packed as
// XX, XY, YY, XZ, YZ, ZZ.
func VirialFromPacked(p [6]float64) [9]float64 {
	var v [9]float64
	v[0] = p[pme.XX]
	v[1] = p[pme.XY]
	v[4] = p[pme.YY]
	v[2] = p[pme.XZ]
	v[5] = p[pme.YZ]
	v[8] = p[pme.ZZ]
	v[3], v[6], v[7] = v[1], v[2], v[5]
	return v
}

// Options for the dispersion engine.
type Options struct {
	Cutoff  float64 //real-space cutoff
	Alpha   float64 //Ewald parameter, 0 for no Ewald
	Order   int     //PME spline order
	Density float64 //PME grid density
	Workers int
}

type pairParams struct {
	c6, d6 []float64 //ns1*ns2, row major
	a, b   []float64
	buck   bool
}

// Engine evaluates the whole-system dispersion and repulsion. It keeps the
// per-type tables, so it is built once per system composition.
type Engine struct {
	layout *reorder.Layout
	mons   []*params.Monomer
	c6lr   []float64 //monomer-major
	pairs  map[[2]int]*pairParams
	opts   Options
	solver *pme.Solver
}

// New builds an engine for the blocks of the layout, where block b holds
// monomers of type mons[b].
func New(db *params.Database, layout *reorder.Layout, mons []*params.Monomer, o Options) (*Engine, error) {
	if layout.Blocks() != len(mons) {
		return nil, Error{fmt.Sprintf("%d blocks but %d monomer types", layout.Blocks(), len(mons)), []string{"New"}, true}
	}
	if o.Cutoff <= 0 {
		return nil, Error{fmt.Sprintf("invalid cutoff %g", o.Cutoff), []string{"New"}, true}
	}
	o.Workers = par.Workers(o.Workers)
	E := &Engine{layout: layout, mons: mons, opts: o, pairs: make(map[[2]int]*pairParams)}
	E.c6lr = make([]float64, 0, layout.Len())
	for b, m := range mons {
		if layout.Block(b).NSites != m.NSites() {
			return nil, Error{fmt.Sprintf("block %d has %d sites, monomer %s has %d", b, layout.Block(b).NSites, m.ID, m.NSites()), []string{"New"}, true}
		}
		for k := 0; k < layout.Block(b).NMon; k++ {
			E.c6lr = append(E.c6lr, m.C6LR...)
		}
	}
	for b1, m1 := range mons {
		for b2 := b1; b2 < len(mons); b2++ {
			m2 := mons[b2]
			n1, n2 := m1.NSites(), m2.NSites()
			p := &pairParams{c6: make([]float64, n1*n2), d6: make([]float64, n1*n2), a: make([]float64, n1*n2), b: make([]float64, n1*n2)}
			for i := 0; i < n1; i++ {
				for j := 0; j < n2; j++ {
					k := i*n2 + j
					if i >= m1.NReal || j >= m2.NReal {
						continue //virtual sites carry no dispersion or repulsion
					}
					p.c6[k], p.d6[k] = db.Dispersion(m1.ID, i, m2.ID, j)
					var ok bool
					p.a[k], p.b[k], ok = db.Buckingham(m1.ID, i, m2.ID, j)
					p.buck = p.buck || ok
				}
			}
			E.pairs[[2]int{b1, b2}] = p
		}
	}
	if o.Alpha > 0 {
		var err error
		E.solver, err = pme.New(o.Alpha, o.Order, o.Density, o.Workers)
		if err != nil {
			return nil, errDecorate(err, "New")
		}
	}
	return E, nil
}

// LongRangeCoefficients returns the per-site C6 long-range coefficients, monomer-major.
func (E *Engine) LongRangeCoefficients() []float64 { return E.c6lr }

func point(xsm []float64, L *reorder.Layout, b, m, i int) [3]float64 {
	return [3]float64{
		xsm[L.SiteMajorIndex(b, m, i, 0, 3)],
		xsm[L.SiteMajorIndex(b, m, i, 1, 3)],
		xsm[L.SiteMajorIndex(b, m, i, 2, 3)],
	}
}

// siteBlock returns the site-major slice holding site i of every monomer of block b.
func siteBlock(v []float64, L *reorder.Layout, b, i int) []float64 {
	start := L.SiteMajorIndex(b, 0, i, 0, 3)
	return v[start : start+3*L.Block(b).NMon]
}

// pairKernel evaluates one site of one monomer against one site of a range of monomers.
type pairKernel func(p *pairParams, b1, b2, i, j int, p1 [3]float64, xyz2 []float64, nmon, mstart, mend int, scale float64, g1 *[3]float64, g2 []float64, vir *[9]float64) float64

// loop runs kernel over every intermolecular site pair and, if intra is true,
// every intramolecular pair (scaled by the exclusions).
func (E *Engine) loop(xyz []float64, grad []float64, virial bool, intra bool, kernel pairKernel) (float64, [9]float64, error) {
	L := E.layout
	if len(xyz) != 3*L.Len() || (grad != nil && len(grad) != len(xyz)) {
		return 0, [9]float64{}, Error{fmt.Sprintf("%d coordinates and %d gradients for %d sites", len(xyz), len(grad), L.Len()), []string{"loop"}, true}
	}
	xsm := L.Reorder(nil, xyz, 3)
	arena := par.NewArena(E.opts.Workers, len(xyz))
	doGrads := grad != nil
	bufs := func(w int) ([]float64, *[9]float64) {
		var vir *[9]float64
		if virial {
			vir = arena.Virial(w)
		}
		return arena.Buf(w), vir
	}
	if intra {
		for b := 0; b < L.Blocks(); b++ {
			mon := E.mons[b]
			ns, nmon := mon.NSites(), L.Block(b).NMon
			p := E.pairs[[2]int{b, b}]
			par.For(E.opts.Workers, nmon, func(m, w int) {
				gbuf, vir := bufs(w)
				var e float64
				for i := 0; i < ns-1; i++ {
					p1 := point(xsm, L, b, m, i)
					var g1 [3]float64
					var gp1 *[3]float64
					if doGrads {
						gp1 = &g1
					}
					for j := i + 1; j < ns; j++ {
						scale := 1.0
						if mon.Excl.Excluded(i, j) {
							scale = 0
						}
						var g2 []float64
						if doGrads {
							g2 = siteBlock(gbuf, L, b, j)
						}
						e += kernel(p, b, b, i, j, p1, siteBlock(xsm, L, b, j), nmon, m, m+1, scale, gp1, g2, vir)
					}
					if doGrads {
						for c := 0; c < 3; c++ {
							gbuf[L.SiteMajorIndex(b, m, i, c, 3)] += g1[c]
						}
					}
				}
				arena.AddEnergy(w, e)
			})
		}
	}
	for b1 := 0; b1 < L.Blocks(); b1++ {
		ns1, nmon1 := E.mons[b1].NSites(), L.Block(b1).NMon
		for b2 := b1; b2 < L.Blocks(); b2++ {
			ns2, nmon2 := E.mons[b2].NSites(), L.Block(b2).NMon
			p := E.pairs[[2]int{b1, b2}]
			par.For(E.opts.Workers, nmon1, func(m1, w int) {
				gbuf, vir := bufs(w)
				m2init := 0
				if b1 == b2 {
					m2init = m1 + 1
				}
				if m2init >= nmon2 {
					return
				}
				var e float64
				for i := 0; i < ns1; i++ {
					p1 := point(xsm, L, b1, m1, i)
					var g1 [3]float64
					var gp1 *[3]float64
					if doGrads {
						gp1 = &g1
					}
					for j := 0; j < ns2; j++ {
						var g2 []float64
						if doGrads {
							g2 = siteBlock(gbuf, L, b2, j)
						}
						e += kernel(p, b1, b2, i, j, p1, siteBlock(xsm, L, b2, j), nmon2, m2init, nmon2, 1, gp1, g2, vir)
					}
					if doGrads {
						for c := 0; c < 3; c++ {
							gbuf[L.SiteMajorIndex(b1, m1, i, c, 3)] += g1[c]
						}
					}
				}
				arena.AddEnergy(w, e)
			})
		}
	}
	var gsm []float64
	if doGrads {
		gsm = make([]float64, len(xyz))
	}
	energy, vir := arena.Reduce(gsm)
	if doGrads {
		L.AddInverse(grad, gsm, 3)
	}
	return energy, vir, nil
}

// Energy returns the dispersion energy of the system with coordinates xyz
// (monomer-major, 3 per site) and its virial. With lat not nil the system is
// periodic and, if the Ewald parameter is positive, the reciprocal-space and
// self terms are included. If grad is not nil, the gradient is added to it.
func (E *Engine) Energy(xyz []float64, lat *v3.Lattice, grad []float64) (float64, [9]float64, error) {
	o := E.opts
	kernel := func(p *pairParams, b1, b2, i, j int, p1 [3]float64, xyz2 []float64, nmon, mstart, mend int, scale float64, g1 *[3]float64, g2 []float64, vir *[9]float64) float64 {
		k := i*E.mons[b2].NSites() + j
		c6i := E.c6lr[E.layout.MonomerMajorIndex(b1, 0, i, 0, 1)]
		c6j := E.c6lr[E.layout.MonomerMajorIndex(b2, 0, j, 0, 1)]
		if p.c6[k] == 0 && (c6i == 0 || c6j == 0) {
			return 0
		}
		return Disp6(p.c6[k], p.d6[k], c6i, c6j, p1, xyz2, nmon, mstart, mend, scale, o.Cutoff, o.Alpha, lat, g1, g2, vir)
	}
	energy, vir, err := E.loop(xyz, grad, true, true, kernel)
	if err != nil {
		return 0, vir, errDecorate(err, "Energy")
	}
	if E.solver == nil || lat == nil {
		return energy, vir, nil
	}
	rec, packed, err := E.solver.Dispersion(lat, xyz, E.c6lr, grad)
	if err != nil {
		return 0, vir, errDecorate(err, "Energy")
	}
	rv := VirialFromPacked(packed)
	for k := range vir {
		vir[k] += rv[k]
	}
	return energy + rec + pme.SelfEnergy(E.c6lr, o.Alpha), vir, nil
}

// HasRepulsion returns true if any pair of the system has repulsion parameters.
func (E *Engine) HasRepulsion() bool {
	for _, p := range E.pairs {
		if p.buck {
			return true
		}
	}
	return false
}

// Repulsion returns the intermolecular Buckingham repulsion energy and virial,
// adding the gradient to grad if it is not nil.
func (E *Engine) Repulsion(xyz []float64, lat *v3.Lattice, grad []float64) (float64, [9]float64, error) {
	cutoff := E.opts.Cutoff
	kernel := func(p *pairParams, b1, b2, i, j int, p1 [3]float64, xyz2 []float64, nmon, mstart, mend int, _ float64, g1 *[3]float64, g2 []float64, vir *[9]float64) float64 {
		k := i*E.mons[b2].NSites() + j
		if !p.buck || p.a[k] == 0 {
			return 0
		}
		return Buckingham(p.a[k], p.b[k], p1, xyz2, nmon, mstart, mend, cutoff, lat, g1, g2, vir)
	}
	e, vir, err := E.loop(xyz, grad, true, false, kernel)
	if err != nil {
		return 0, vir, errDecorate(err, "Repulsion")
	}
	return e, vir, nil
}

// Dimer returns the intermolecular dispersion between two monomers A and B
// with coordinates xa and xb, already in the same periodic image, without
// cutoff or Ewald terms. Gradients are added to ga and gb if they are not nil.
func Dimer(db *params.Database, A *params.Monomer, xa []float64, B *params.Monomer, xb []float64, ga, gb []float64) float64 {
	return dimer(A, xa, B, xb, ga, gb, func(i, j int, r float64) (float64, float64) {
		c6, d6 := db.Dispersion(A.ID, i, B.ID, j)
		if c6 == 0 {
			return 0, 0
		}
		r6 := r * r * r * r * r * r
		f6, df6 := TangToennies6(d6 * r)
		return -c6 * f6 / r6, -c6 * (d6*df6/r6 - 6*f6/(r6*r))
	})
}

// DimerRepulsion is the Buckingham counterpart of Dimer.
func DimerRepulsion(db *params.Database, A *params.Monomer, xa []float64, B *params.Monomer, xb []float64, ga, gb []float64) float64 {
	return dimer(A, xa, B, xb, ga, gb, func(i, j int, r float64) (float64, float64) {
		a, b, ok := db.Buckingham(A.ID, i, B.ID, j)
		if !ok {
			return 0, 0
		}
		e := a * math.Exp(-b*r)
		return e, -b * e
	})
}

func dimer(A *params.Monomer, xa []float64, B *params.Monomer, xb []float64, ga, gb []float64, f func(i, j int, r float64) (float64, float64)) float64 {
	var energy float64
	for i := 0; i < A.NReal; i++ {
		for j := 0; j < B.NReal; j++ {
			d := [3]float64{xa[3*i] - xb[3*j], xa[3*i+1] - xb[3*j+1], xa[3*i+2] - xb[3*j+2]}
			r := math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])
			e, dedr := f(i, j, r)
			energy += e
			if ga == nil || dedr == 0 {
				continue
			}
			s := dedr / r
			for c := 0; c < 3; c++ {
				ga[3*i+c] += s * d[c]
				gb[3*j+c] -= s * d[c]
			}
		}
	}
	return energy
}

// Error is the error type of the disp package.
type Error struct {
	message  string
	deco     []string
	critical bool
}

func (err Error) Error() string { return "disp: " + err.message }

// Decorate adds dec to the decoration slice of the error and returns it.
func (err Error) Decorate(dec string) []string {
	if dec != "" {
		err.deco = append(err.deco, dec)
	}
	return err.deco
}

// Critical returns whether the error is critical.
func (err Error) Critical() bool { return err.critical }

func errDecorate(err error, caller string) error {
	if e, ok := err.(Error); ok {
		e.deco = append(e.deco, caller)
		return e
	}
	return fmt.Errorf("%s: %w", caller, err)
}
