/*
 * elec.go, part of gomb.
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

// Package elec computes the electrostatic energy of a system of point
// charges and induced point dipoles with Thole (TTM4) damping: the
// permanent charge-charge energy, and the polarization energy of the
// self-consistent induced dipoles.
//
// Charge-charge and charge-dipole interactions between 1-2, 1-3 and 1-4
// neighbors of a monomer are excluded. Dipole-dipole interactions are
// always included, damped with the intermolecular exponent between different
// monomers and with the monomer's own exponent within one monomer.
//
// Pair loops use the site-major layout of package reorder, as the
// dispersion engine does.
package elec

import (
	"fmt"
	"math"
	"strings"

	"github.com/rmera/gomb/par"
	"github.com/rmera/gomb/params"
	"github.com/rmera/gomb/reorder"
	v3 "github.com/rmera/gomb/v3"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

// Dipole solvers.
const (
	Iter = "iter"
	CG   = "cg"
	ASPC = "aspc"
)

// Options for the electrostatics engine.
type Options struct {
	Tol       float64 //largest change allowed in any dipole component at convergence
	MaxIt     int
	Method    string
	ASPCOrder int
	ACC       float64 //charge-charge and charge-dipole damping
	ADD       float64 //intermolecular dipole-dipole damping
	Workers   int
}

// DefaultOptions returns conjugate gradient with tolerance 1e-8 and 100 iterations.
func DefaultOptions() Options {
	return Options{Tol: 1e-8, MaxIt: 100, Method: CG, ASPCOrder: 2, ACC: params.DefaultACC, ADD: params.DefaultADD}
}

// Engine evaluates the electrostatics of a fixed system composition. It keeps
// the dipole history used by the ASPC solver, so it is not safe for concurrent use.
type Engine struct {
	layout  *reorder.Layout
	mons    []*params.Monomer
	opts    Options
	n       int
	pol3    []float64 //polarizability per component, site-major
	history [][]float64
	mu      []float64 //last converged dipoles, site-major
	phi     []float64
	field   []float64
	eperm   float64
	eind    float64
	iters   int
}

// New builds an engine for the blocks of layout, where block b holds monomers of type mons[b].
func New(layout *reorder.Layout, mons []*params.Monomer, o Options) (*Engine, error) {
	if layout.Blocks() != len(mons) {
		return nil, Error{fmt.Sprintf("%d blocks but %d monomer types", layout.Blocks(), len(mons)), []string{"New"}, true}
	}
	switch strings.ToLower(o.Method) {
	case Iter, CG, ASPC:
		o.Method = strings.ToLower(o.Method)
	case "":
		o.Method = CG
	default:
		return nil, Error{fmt.Sprintf("unknown dipole method %q", o.Method), []string{"New"}, true}
	}
	if o.Tol <= 0 || o.MaxIt <= 0 {
		return nil, Error{fmt.Sprintf("invalid dipole tolerance %g or max iterations %d", o.Tol, o.MaxIt), []string{"New"}, true}
	}
	if o.ASPCOrder <= 0 {
		o.ASPCOrder = 2
	}
	if o.ACC <= 0 {
		o.ACC = params.DefaultACC
	}
	if o.ADD <= 0 {
		o.ADD = params.DefaultADD
	}
	o.Workers = par.Workers(o.Workers)
	E := &Engine{layout: layout, mons: mons, opts: o, n: layout.Len()}
	E.pol3 = make([]float64, 3*E.n)
	for b, mon := range mons {
		if layout.Block(b).NSites != mon.NSites() {
			return nil, Error{fmt.Sprintf("block %d has %d sites, monomer %s has %d", b, layout.Block(b).NSites, mon.ID, mon.NSites()), []string{"New"}, true}
		}
		for m := 0; m < layout.Block(b).NMon; m++ {
			for i := 0; i < mon.NSites(); i++ {
				for c := 0; c < 3; c++ {
					E.pol3[layout.SiteMajorIndex(b, m, i, c, 3)] = mon.Pols[i]
				}
			}
		}
	}
	return E, nil
}

// ResetDipoleHistory discards the dipoles of previous calls, so the next
// ASPC solve starts without extrapolation.
func (E *Engine) ResetDipoleHistory() {
	E.history = nil
}

// Iterations returns the number of solver iterations of the last call.
func (E *Engine) Iterations() int { return E.iters }

// Components returns the permanent and induced energies of the last call.
func (E *Engine) Components() (perm, ind float64) { return E.eperm, E.eind }

// Dipoles returns the induced dipoles of the last call, monomer-major, 3 per site.
func (E *Engine) Dipoles() []float64 {
	if E.mu == nil {
		return nil
	}
	return E.layout.InverseReorder(nil, E.mu, 3)
}

// Potential returns the electrostatic potential of the permanent charges at
// each site in the last call (without Ke), monomer-major.
func (E *Engine) Potential() []float64 {
	if E.phi == nil {
		return nil
	}
	return E.layout.InverseReorder(nil, E.phi, 1)
}

type scratch struct {
	t0, t1, t2 []float64
}

type pairVisit func(w int, b1, m1, i, b2, j, start, end int, intra bool)

// forPairs calls visit for every site i of every monomer m1 against site j of the
// range of monomers [start,end) of block b2 it interacts with: every later
// monomer of every block not before b1, and (intra true) the later sites of
// the same monomer.
func (E *Engine) forPairs(visit pairVisit) {
	L := E.layout
	for b := 0; b < L.Blocks(); b++ {
		ns, nmon := E.mons[b].NSites(), L.Block(b).NMon
		par.For(E.opts.Workers, nmon, func(m, w int) {
			for i := 0; i < ns-1; i++ {
				for j := i + 1; j < ns; j++ {
					visit(w, b, m, i, b, j, m, m+1, true)
				}
			}
		})
	}
	for b1 := 0; b1 < L.Blocks(); b1++ {
		ns1, nmon1 := E.mons[b1].NSites(), L.Block(b1).NMon
		for b2 := b1; b2 < L.Blocks(); b2++ {
			ns2, nmon2 := E.mons[b2].NSites(), L.Block(b2).NMon
			par.For(E.opts.Workers, nmon1, func(m1, w int) {
				start := 0
				if b1 == b2 {
					start = m1 + 1
				}
				if start >= nmon2 {
					return
				}
				for i := 0; i < ns1; i++ {
					for j := 0; j < ns2; j++ {
						visit(w, b1, m1, i, b2, j, start, nmon2, false)
					}
				}
			})
		}
	}
}

func (E *Engine) newScratch() []scratch {
	maxn := 1
	for b := 0; b < E.layout.Blocks(); b++ {
		maxn = max(maxn, E.layout.Block(b).NMon)
	}
	s := make([]scratch, E.opts.Workers)
	for w := range s {
		s[w] = scratch{t0: make([]float64, maxn), t1: make([]float64, 3*maxn), t2: make([]float64, 6*maxn)}
	}
	return s
}

func zero(v []float64, nmon, start, end, ncomp int) {
	for k := 0; k < ncomp; k++ {
		for m := start; m < end; m++ {
			v[k*nmon+m] = 0
		}
	}
}

func point(xsm []float64, L *reorder.Layout, b, m, i int) [3]float64 {
	return [3]float64{xsm[L.SiteMajorIndex(b, m, i, 0, 3)], xsm[L.SiteMajorIndex(b, m, i, 1, 3)], xsm[L.SiteMajorIndex(b, m, i, 2, 3)]}
}

func siteBlock(v []float64, L *reorder.Layout, b, i, stride int) []float64 {
	start := L.SiteMajorIndex(b, 0, i, 0, stride)
	return v[start : start+stride*L.Block(b).NMon]
}

func (E *Engine) excluded(b, i, j int, intra bool) bool {
	return intra && E.mons[b].Excl.Excluded(i, j)
}

func (E *Engine) add(b1, b2 int, intra bool) float64 {
	if intra {
		return E.mons[b1].ADDIntra
	}
	return E.opts.ADD
}

// permanent computes the potential and field of the permanent charges at every
// site, site-major.
func (E *Engine) permanent(xsm []float64, lat *v3.Lattice) ([]float64, []float64) {
	L := E.layout
	n := E.n
	arena := par.NewArena(E.opts.Workers, 4*n) //potential, then field
	sc := E.newScratch()
	E.forPairs(func(w int, b1, m1, i, b2, j, start, end int, intra bool) {
		if E.excluded(b1, i, j, intra) {
			return
		}
		M1, M2 := E.mons[b1], E.mons[b2]
		qi, qj := M1.Charges[i], M2.Charges[j]
		if qi == 0 && qj == 0 {
			return
		}
		nmon := L.Block(b2).NMon
		s := sc[w]
		zero(s.t0, nmon, start, end, 1)
		zero(s.t1, nmon, start, end, 3)
		A := Damping(M1.Polfacs[i], M2.Polfacs[j])
		CalcT0AndT1(point(xsm, L, b1, m1, i), siteBlock(xsm, L, b2, j, 3), nmon, start, end, A, E.opts.ACC, lat, s.t0, s.t1)
		buf := arena.Buf(w)
		phi, field := buf[:n], buf[n:]
		phj := siteBlock(phi, L, b2, j, 1)
		fj := siteBlock(field, L, b2, j, 3)
		var pi float64
		var fi [3]float64
		for m := start; m < end; m++ {
			pi += s.t0[m] * qj
			phj[m] += s.t0[m] * qi
			for c := 0; c < 3; c++ {
				fi[c] += s.t1[c*nmon+m] * qj
				fj[c*nmon+m] -= s.t1[c*nmon+m] * qi
			}
		}
		phi[L.SiteMajorIndex(b1, m1, i, 0, 1)] += pi
		for c := 0; c < 3; c++ {
			field[L.SiteMajorIndex(b1, m1, i, c, 3)] += fi[c]
		}
	})
	out := make([]float64, 4*n)
	arena.Reduce(out)
	return out[:n], out[n:]
}

// dipoleField returns T mu, the field of the dipoles mu at every site, site-major.
func (E *Engine) dipoleField(xsm, mu []float64, lat *v3.Lattice) []float64 {
	L := E.layout
	arena := par.NewArena(E.opts.Workers, 3*E.n)
	sc := E.newScratch()
	E.forPairs(func(w int, b1, m1, i, b2, j, start, end int, intra bool) {
		M1, M2 := E.mons[b1], E.mons[b2]
		if M1.Pols[i] == 0 && M2.Pols[j] == 0 {
			return
		}
		nmon := L.Block(b2).NMon
		s := sc[w]
		zero(s.t2, nmon, start, end, 6)
		A := Damping(M1.Polfacs[i], M2.Polfacs[j])
		CalcT1AndT2(point(xsm, L, b1, m1, i), siteBlock(xsm, L, b2, j, 3), nmon, start, end, A, E.add(b1, b2, intra), lat, nil, s.t2)
		buf := arena.Buf(w)
		fj := siteBlock(buf, L, b2, j, 3)
		mj := siteBlock(mu, L, b2, j, 3)
		var mi [3]float64
		for c := 0; c < 3; c++ {
			mi[c] = mu[L.SiteMajorIndex(b1, m1, i, c, 3)]
		}
		var fi [3]float64
		for m := start; m < end; m++ {
			for x := 0; x < 3; x++ {
				for y := 0; y < 3; y++ {
					t := s.t2[t2idx[x][y]*nmon+m]
					fi[x] += t * mj[y*nmon+m]
					fj[x*nmon+m] += t * mi[y]
				}
			}
		}
		for c := 0; c < 3; c++ {
			buf[L.SiteMajorIndex(b1, m1, i, c, 3)] += fi[c]
		}
	})
	out := make([]float64, 3*E.n)
	arena.Reduce(out)
	return out
}

// Energy returns the electrostatic energy, in kcal/mol, of the system with
// coordinates xyz (monomer-major), and its virial. With lat not nil the
// interactions follow the minimum image convention. If grad is not nil, the
// gradient is added to it. If the dipoles don't converge, the error is a
// ConvergenceError and the dipole history is left untouched.
func (E *Engine) Energy(xyz []float64, lat *v3.Lattice, grad []float64) (float64, [9]float64, error) {
	var vir [9]float64
	if len(xyz) != 3*E.n || (grad != nil && len(grad) != len(xyz)) {
		return 0, vir, Error{fmt.Sprintf("%d coordinates and %d gradients for %d sites", len(xyz), len(grad), E.n), []string{"Energy"}, true}
	}
	xsm := E.layout.Reorder(nil, xyz, 3)
	phi, field := E.permanent(xsm, lat)
	var eperm float64
	for b, mon := range E.mons {
		for m := 0; m < E.layout.Block(b).NMon; m++ {
			for i, q := range mon.Charges {
				eperm += q * phi[E.layout.SiteMajorIndex(b, m, i, 0, 1)]
			}
		}
	}
	eperm *= 0.5 * Ke
	mu, err := E.solve(xsm, field, lat)
	if err != nil {
		return 0, vir, errDecorate(err, "Energy")
	}
	eind := -0.5 * Ke * floats.Dot(mu, field)
	E.mu, E.phi, E.field = mu, phi, field
	E.eperm, E.eind = eperm, eind
	if grad != nil {
		gsm := make([]float64, len(xyz))
		vir = E.gradients(xsm, mu, lat, gsm)
		E.layout.AddInverse(grad, gsm, 3)
	}
	return eperm + eind, vir, nil
}

// gradients computes the gradient of the energy at the converged dipoles mu,
// site-major, in gsm, and returns the virial.
func (E *Engine) gradients(xsm, mu []float64, lat *v3.Lattice, gsm []float64) [9]float64 {
	L := E.layout
	arena := par.NewArena(E.opts.Workers, len(gsm))
	sc := E.newScratch()
	E.forPairs(func(w int, b1, m1, i, b2, j, start, end int, intra bool) {
		M1, M2 := E.mons[b1], E.mons[b2]
		nmon := L.Block(b2).NMon
		s := sc[w]
		p1 := point(xsm, L, b1, m1, i)
		x2 := siteBlock(xsm, L, b2, j, 3)
		A := Damping(M1.Polfacs[i], M2.Polfacs[j])
		buf := arena.Buf(w)
		vir := arena.Virial(w)
		g2 := siteBlock(buf, L, b2, j, 3)
		mj := siteBlock(mu, L, b2, j, 3)
		var mi [3]float64
		for c := 0; c < 3; c++ {
			mi[c] = mu[L.SiteMajorIndex(b1, m1, i, c, 3)]
		}
		var g1 [3]float64
		qi, qj := M1.Charges[i], M2.Charges[j]
		if !E.excluded(b1, i, j, intra) && (qi != 0 || qj != 0) {
			zero(s.t1, nmon, start, end, 3)
			zero(s.t2, nmon, start, end, 6)
			CalcT1AndT2(p1, x2, nmon, start, end, A, E.opts.ACC, lat, s.t1, s.t2)
			for m := start; m < end; m++ {
				var g [3]float64
				for x := 0; x < 3; x++ {
					//charge-charge
					g[x] = -qi * qj * s.t1[x*nmon+m]
					//charge-dipole
					for y := 0; y < 3; y++ {
						t := s.t2[t2idx[x][y]*nmon+m]
						g[x] += qj*t*mi[y] - qi*t*mj[y*nmon+m]
					}
				}
				for c := 0; c < 3; c++ {
					g1[c] += g[c]
					g2[c*nmon+m] -= g[c]
				}
				d, _ := displacement(p1, x2, nmon, m, lat)
				addVirial(vir, d, g)
			}
		}
		if M1.Pols[i] != 0 && M2.Pols[j] != 0 {
			CalcT2AndT3(p1, x2, nmon, start, end, A, E.add(b1, b2, intra), lat, mi, mj, &g1, g2, vir)
		}
		for c := 0; c < 3; c++ {
			buf[L.SiteMajorIndex(b1, m1, i, c, 3)] += g1[c]
		}
	})
	_, vir := arena.Reduce(gsm)
	floats.Scale(Ke, gsm)
	for k := range vir {
		vir[k] *= Ke
	}
	return vir
}

// solve returns the induced dipoles for the permanent field, site-major.
func (E *Engine) solve(xsm, field []float64, lat *v3.Lattice) ([]float64, error) {
	var mu []float64
	var err error
	var it int
	switch E.opts.Method {
	case Iter:
		mu, it, err = E.iterate(xsm, field, lat)
	case CG:
		mu0 := make([]float64, len(field))
		floats.MulTo(mu0, E.pol3, field)
		mu, it, err = E.conjugateGradient(xsm, field, mu0, lat)
	case ASPC:
		mu, it, err = E.aspc(xsm, field, lat)
	}
	E.iters = it
	log.WithFields(log.Fields{"method": E.opts.Method, "iterations": it}).Debug("elec: dipole solve")
	if err != nil {
		return nil, err
	}
	if E.opts.Method == ASPC {
		E.history = append(E.history, mu)
		if len(E.history) > E.opts.ASPCOrder+2 {
			E.history = E.history[1:]
		}
	}
	return mu, nil
}

// iterate solves mu = alpha (E + T mu) by plain iteration.
func (E *Engine) iterate(xsm, field []float64, lat *v3.Lattice) ([]float64, int, error) {
	mu := make([]float64, len(field))
	floats.MulTo(mu, E.pol3, field)
	next := make([]float64, len(field))
	diff := make([]float64, len(field))
	for it := 1; it <= E.opts.MaxIt; it++ {
		ed := E.dipoleField(xsm, mu, lat)
		floats.AddTo(next, field, ed)
		floats.Mul(next, E.pol3)
		floats.SubTo(diff, next, mu)
		mu, next = next, mu
		if floats.Norm(diff, math.Inf(1)) < E.opts.Tol {
			return mu, it, nil
		}
	}
	return nil, E.opts.MaxIt, newConvergenceError(E.opts.Method, E.opts.MaxIt, floats.Norm(diff, math.Inf(1)))
}

// apply returns (1/alpha - T) v for the polarizable sites, 0 for the others.
func (E *Engine) apply(xsm, v []float64, lat *v3.Lattice) []float64 {
	tv := E.dipoleField(xsm, v, lat)
	for k, a := range E.pol3 {
		if a == 0 {
			tv[k] = 0
			continue
		}
		tv[k] = v[k]/a - tv[k]
	}
	return tv
}

// conjugateGradient solves (1/alpha - T) mu = E with the Jacobi preconditioner,
// starting from mu0. Non-polarizable sites are kept at zero dipole.
func (E *Engine) conjugateGradient(xsm, field, mu0 []float64, lat *v3.Lattice) ([]float64, int, error) {
	n := len(field)
	mu := make([]float64, n)
	for k, a := range E.pol3 {
		if a != 0 {
			mu[k] = mu0[k]
		}
	}
	r := E.apply(xsm, mu, lat)
	for k, a := range E.pol3 {
		if a == 0 {
			r[k] = 0
			continue
		}
		r[k] = field[k] - r[k]
	}
	z := make([]float64, n)
	floats.MulTo(z, E.pol3, r)
	p := append([]float64(nil), z...)
	rz := floats.Dot(r, z)
	var step float64
	for it := 1; it <= E.opts.MaxIt; it++ {
		if rz == 0 {
			return mu, it - 1, nil
		}
		ap := E.apply(xsm, p, lat)
		a := rz / floats.Dot(p, ap)
		floats.AddScaled(mu, a, p)
		floats.AddScaled(r, -a, ap)
		step = math.Abs(a) * floats.Norm(p, math.Inf(1))
		if step < E.opts.Tol {
			return mu, it, nil
		}
		floats.MulTo(z, E.pol3, r)
		rznew := floats.Dot(r, z)
		beta := rznew / rz
		rz = rznew
		floats.AddScaledTo(p, z, beta, p)
	}
	return nil, E.opts.MaxIt, newConvergenceError(E.opts.Method, E.opts.MaxIt, step)
}

// ASPCCoefficients returns the predictor coefficients of the always-stable
// predictor-corrector of order k, B_j for j = 1..k+2, applied to the dipoles
// of the previous k+2 steps, most recent first.
func ASPCCoefficients(k int) []float64 {
	b := make([]float64, k+2)
	den := binomial(2*k+2, k+1)
	sign := 1.0
	for j := 1; j <= k+2; j++ {
		b[j-1] = sign * float64(j) * binomial(2*k+4, k+2-j) / den
		sign = -sign
	}
	return b
}

func binomial(n, k int) float64 {
	if k < 0 || k > n {
		return 0
	}
	r := 1.0
	for i := 1; i <= k; i++ {
		r = r * float64(n-k+i) / float64(i)
	}
	return r
}

// aspc predicts the dipoles from the history, applies one corrector step and
// finishes with conjugate gradient. Without a full history it is plain
// conjugate gradient.
func (E *Engine) aspc(xsm, field []float64, lat *v3.Lattice) ([]float64, int, error) {
	k := E.opts.ASPCOrder
	n := len(field)
	guess := make([]float64, n)
	if len(E.history) < k+2 || len(E.history[0]) != n {
		floats.MulTo(guess, E.pol3, field)
		return E.conjugateGradient(xsm, field, guess, lat)
	}
	B := ASPCCoefficients(k)
	h := len(E.history)
	for j := 1; j <= k+2; j++ {
		floats.AddScaled(guess, B[j-1], E.history[h-j])
	}
	omega := float64(k+2) / float64(2*k+3)
	ed := E.dipoleField(xsm, guess, lat)
	corr := make([]float64, n)
	floats.AddTo(corr, field, ed)
	floats.Mul(corr, E.pol3)
	floats.Scale(omega, corr)
	floats.AddScaled(corr, 1-omega, guess)
	mu, it, err := E.conjugateGradient(xsm, field, corr, lat)
	return mu, it + 1, err
}

// Error is the error type of the elec package.
type Error struct {
	message  string
	deco     []string
	critical bool
}

func (err Error) Error() string { return "elec: " + err.message }

// Decorate adds dec to the decoration slice of the error and returns it.
func (err Error) Decorate(dec string) []string {
	if dec != "" {
		err.deco = append(err.deco, dec)
	}
	return err.deco
}

// Critical returns whether the error is critical.
func (err Error) Critical() bool { return err.critical }

// ConvergenceError is returned when the induced dipoles don't converge within
// the allowed iterations. It is not critical: the caller may retry with more
// iterations or a smaller step.
type ConvergenceError struct {
	Method     string
	Iterations int
	Residual   float64
	deco       []string
}

func newConvergenceError(method string, it int, res float64) ConvergenceError {
	return ConvergenceError{Method: method, Iterations: it, Residual: res, deco: []string{"solve"}}
}

func (err ConvergenceError) Error() string {
	return fmt.Sprintf("elec: induced dipoles did not converge after %d %s iterations (last change %g)", err.Iterations, err.Method, err.Residual)
}

// Decorate adds dec to the decoration slice of the error and returns it.
func (err ConvergenceError) Decorate(dec string) []string {
	if dec != "" {
		err.deco = append(err.deco, dec)
	}
	return err.deco
}

// Critical returns false.
func (err ConvergenceError) Critical() bool { return false }

func errDecorate(err error, caller string) error {
	switch e := err.(type) {
	case Error:
		e.deco = append(e.deco, caller)
		return e
	case ConvergenceError:
		e.deco = append(e.deco, caller)
		return e
	}
	return fmt.Errorf("%s: %w", caller, err)
}
