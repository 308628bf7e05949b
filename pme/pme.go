/*
 * pme.go, part of gomb.
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

// Package pme computes the reciprocal-space part of Ewald sums for
// dispersion (1/r^6) interactions with geometric combination,
// E = -sum_{i<j} c_i c_j / r^6, either with smooth particle-mesh Ewald
// or with a direct sum over reciprocal lattice vectors (used as a reference).
//
// The splitting is the one of Essmann et al.: the short-range part of each
// pair is c_i c_j g(beta r)/r^6, with g(x) = exp(-x^2)(1 + x^2 + x^4/2).
// The reciprocal part covers the complement, (1-g(beta r))/r^6, over every pair
// and every periodic image, including each site with its own images.
package pme

import (
	"fmt"
	"math"

	"github.com/rmera/gomb/par"
	v3 "github.com/rmera/gomb/v3"
	"gonum.org/v1/gonum/dsp/fourier"
)

// Defaults for the PME grid.
const (
	DefaultOrder   = 6
	DefaultDensity = 2.5 //grid points per Angstrom along each lattice vector
)

// Packed virial components, in the order returned by Solver.Dispersion.
const (
	XX = iota
	XY
	YY
	XZ
	YZ
	ZZ
)

// Screen returns g(x) = exp(-x^2)(1 + x^2 + x^4/2) for x = beta r, and dg/dr.
func Screen(beta, r float64) (float64, float64) {
	x := beta * r
	x2 := x * x
	e := math.Exp(-x2)
	g := e * (1 + x2 + 0.5*x2*x2)
	return g, -beta * x2 * x2 * x * e
}

// SelfEnergy returns the Ewald self term, beta^6/12 sum c_i^2.
func SelfEnergy(c []float64, beta float64) float64 {
	var s float64
	for _, v := range c {
		s += v * v
	}
	return math.Pow(beta, 6) / 12 * s
}

// kernel returns f(b) and b*f'(b).
func kernel(b float64) (float64, float64) {
	if b == 0 {
		return 1.0 / 3.0, 0
	}
	b2 := b * b
	e := math.Exp(-b2)
	sp := math.Sqrt(math.Pi) * math.Erfc(b)
	f := ((1-2*b2)*e + 2*b2*b*sp) / 3
	return f, 2 * b2 * (b*sp - e)
}

func prefactor(beta, vol float64) float64 {
	return math.Pow(math.Pi, 1.5) * beta * beta * beta / (2 * vol)
}

// addVirial adds the virial of one reciprocal vector m to the dense 3x3 vir.
// w is -pref |S(m)|^2, so the energy of the vector is w f, and bfp is b f'(b).
func addVirial(vir *[9]float64, m [3]float64, m2, w, f, bfp float64) {
	for a := 0; a < 3; a++ {
		vir[4*a] += w * f
	}
	if m2 == 0 || bfp == 0 {
		return
	}
	s := w * bfp / m2
	for a := 0; a < 3; a++ {
		for b := 0; b < 3; b++ {
			vir[3*a+b] += s * m[a] * m[b]
		}
	}
}

// EwaldDispersion returns the reciprocal-space dispersion energy and its virial
// (dense, row major), by direct summation over reciprocal vectors
// n1 a1* + n2 a2* + n3 a3* with |ni| <= kmax. If grad is not nil, the gradient
// is added to it. xyz has 3 values per site, c one.
func EwaldDispersion(lat *v3.Lattice, xyz, c []float64, beta float64, kmax int, grad []float64) (float64, [9]float64) {
	n := len(c)
	pref := prefactor(beta, lat.Volume())
	var energy float64
	var vir [9]float64
	cosv := make([]float64, n)
	sinv := make([]float64, n)
	r := [3][3]float64{lat.Reciprocal(0), lat.Reciprocal(1), lat.Reciprocal(2)}
	for n1 := -kmax; n1 <= kmax; n1++ {
		for n2 := -kmax; n2 <= kmax; n2++ {
			for n3 := -kmax; n3 <= kmax; n3++ {
				var m [3]float64
				for a := 0; a < 3; a++ {
					m[a] = float64(n1)*r[0][a] + float64(n2)*r[1][a] + float64(n3)*r[2][a]
				}
				m2 := m[0]*m[0] + m[1]*m[1] + m[2]*m[2]
				var re, im float64
				for j := 0; j < n; j++ {
					th := 2 * math.Pi * (m[0]*xyz[3*j] + m[1]*xyz[3*j+1] + m[2]*xyz[3*j+2])
					cosv[j], sinv[j] = math.Cos(th), math.Sin(th)
					re += c[j] * cosv[j]
					im += c[j] * sinv[j]
				}
				f, bfp := kernel(math.Pi * math.Sqrt(m2) / beta)
				w := -pref * (re*re + im*im)
				energy += w * f
				addVirial(&vir, m, m2, w, f, bfp)
				if grad == nil || m2 == 0 {
					continue
				}
				s := 4 * math.Pi * pref * f
				for j := 0; j < n; j++ {
					w := s * c[j] * (re*sinv[j] - im*cosv[j])
					for a := 0; a < 3; a++ {
						grad[3*j+a] += w * m[a]
					}
				}
			}
		}
	}
	return energy, vir
}

// Solver is a smooth PME solver for the reciprocal dispersion sum. The grid is
// chosen from the cell on each call, so one Solver can follow a changing box.
// A Solver is not safe for concurrent use.
type Solver struct {
	beta    float64
	order   int
	density float64
	workers int
	k       [3]int
	ffts    [][3]*fourier.CmplxFFT //one set per worker
	moduli  [3][]float64
}

// New returns a solver with Ewald parameter beta, B-spline order order and
// density grid points per Angstrom along each lattice vector. Non-positive
// order or density take the defaults.
func New(beta float64, order int, density float64, workers int) (*Solver, error) {
	if beta <= 0 {
		return nil, Error{fmt.Sprintf("Ewald parameter must be positive, got %g", beta), []string{"New"}, true}
	}
	if order <= 0 {
		order = DefaultOrder
	}
	if order < 3 {
		return nil, Error{fmt.Sprintf("B-spline order %d too small for gradients", order), []string{"New"}, true}
	}
	if density <= 0 {
		density = DefaultDensity
	}
	return &Solver{beta: beta, order: order, density: density, workers: par.Workers(workers)}, nil
}

// Grid returns the grid dimensions used in the last call.
func (S *Solver) Grid() [3]int { return S.k }

func (S *Solver) setup(lat *v3.Lattice) {
	var k [3]int
	for i := 0; i < 3; i++ {
		a := lat.Vector(i)
		k[i] = int(math.Ceil(S.density * math.Sqrt(a[0]*a[0]+a[1]*a[1]+a[2]*a[2])))
		if k[i] < 2*S.order {
			k[i] = 2 * S.order
		}
	}
	if k == S.k && S.ffts != nil {
		return
	}
	S.k = k
	S.ffts = make([][3]*fourier.CmplxFFT, S.workers)
	for w := range S.ffts {
		for i := 0; i < 3; i++ {
			S.ffts[w][i] = fourier.NewCmplxFFT(k[i])
		}
	}
	at := splines(0, S.order)
	for i := 0; i < 3; i++ {
		S.moduli[i] = make([]float64, k[i])
		for m := 0; m < k[i]; m++ {
			var re, im float64
			for j := 0; j <= S.order-2; j++ {
				th := 2 * math.Pi * float64(m*j) / float64(k[i])
				re += at.m[j+1] * math.Cos(th)
				im += at.m[j+1] * math.Sin(th)
			}
			d := re*re + im*im
			if d < 1e-14 {
				S.moduli[i][m] = -1 //interpolated below
				continue
			}
			S.moduli[i][m] = 1 / d
		}
		for m, v := range S.moduli[i] {
			if v >= 0 {
				continue
			}
			prev, next := S.moduli[i][(m-1+k[i])%k[i]], S.moduli[i][(m+1)%k[i]]
			S.moduli[i][m] = 0.5 * (prev + next)
		}
	}
}

// spline holds M_p(w+t) and its derivative for t = 0..p-1, where w is the
// fractional part of a scaled coordinate u. The weight m[t] belongs to grid
// point floor(u)-t.
type spline struct {
	m  []float64
	dm []float64
}

func splines(w float64, p int) spline {
	s := spline{m: make([]float64, p), dm: make([]float64, p)}
	s.m[0], s.m[1] = w, 1-w
	for n := 3; n <= p; n++ {
		if n == p {
			for t := 0; t < p; t++ {
				prev := 0.0
				if t > 0 {
					prev = s.m[t-1]
				}
				s.dm[t] = s.m[t] - prev
			}
		}
		for t := n - 1; t >= 0; t-- {
			prev := 0.0
			if t > 0 {
				prev = s.m[t-1]
			}
			s.m[t] = ((w+float64(t))*s.m[t] + (float64(n)-w-float64(t))*prev) / float64(n-1)
		}
	}
	return s
}

type siteSplines struct {
	base [3]int
	sp   [3]spline
}

func mod(a, n int) int {
	a %= n
	if a < 0 {
		a += n
	}
	return a
}

// Dispersion returns the reciprocal-space dispersion energy for the sites with
// coordinates xyz (3 per site) and coefficients c, and the virial packed as
// XX, XY, YY, XZ, YZ, ZZ. If grad is not nil, the gradient is added to it.
func (S *Solver) Dispersion(lat *v3.Lattice, xyz, c []float64, grad []float64) (float64, [6]float64, error) {
	var packed [6]float64
	if len(xyz) != 3*len(c) || (grad != nil && len(grad) != len(xyz)) {
		return 0, packed, Error{fmt.Sprintf("%d coordinates, %d coefficients and %d gradients don't match", len(xyz), len(c), len(grad)), []string{"Dispersion"}, true}
	}
	S.setup(lat)
	k := S.k
	ngrid := k[0] * k[1] * k[2]
	n := len(c)
	ss := make([]siteSplines, n)
	par.For(S.workers, n, func(j, _ int) {
		s := lat.Frac([3]float64{xyz[3*j], xyz[3*j+1], xyz[3*j+2]})
		for i := 0; i < 3; i++ {
			u := (s[i] - math.Floor(s[i])) * float64(k[i])
			fl := math.Floor(u)
			ss[j].base[i] = int(fl)
			ss[j].sp[i] = splines(u-fl, S.order)
		}
	})
	//charge spreading into private grids.
	arena := par.NewArena(S.workers, ngrid)
	par.For(S.workers, n, func(j, w int) {
		q := arena.Buf(w)
		S.spread(q, ss[j], c[j])
	})
	Q := make([]float64, ngrid)
	arena.Reduce(Q)
	F := make([]complex128, ngrid)
	for i, v := range Q {
		F[i] = complex(v, 0)
	}
	S.fft3(F, false)
	pref := prefactor(S.beta, lat.Volume())
	r := [3][3]float64{lat.Reciprocal(0), lat.Reciprocal(1), lat.Reciprocal(2)}
	theta := make([]float64, ngrid)
	earena := par.NewArena(S.workers, 0)
	par.For(S.workers, k[0], func(m1, w int) {
		vir := earena.Virial(w)
		n1 := signed(m1, k[0])
		for m2 := 0; m2 < k[1]; m2++ {
			n2 := signed(m2, k[1])
			for m3 := 0; m3 < k[2]; m3++ {
				n3 := signed(m3, k[2])
				var m [3]float64
				for a := 0; a < 3; a++ {
					m[a] = n1*r[0][a] + n2*r[1][a] + n3*r[2][a]
				}
				msq := m[0]*m[0] + m[1]*m[1] + m[2]*m[2]
				f, bfp := kernel(math.Pi * math.Sqrt(msq) / S.beta)
				idx := (m1*k[1]+m2)*k[2] + m3
				fq := F[idx]
				wm := -pref * S.moduli[0][m1] * S.moduli[1][m2] * S.moduli[2][m3]
				theta[idx] = wm * f
				wm *= real(fq)*real(fq) + imag(fq)*imag(fq)
				earena.AddEnergy(w, wm*f)
				addVirial(vir, m, msq, wm, f, bfp)
			}
		}
	})
	energy, vir := earena.Reduce(nil)
	packed = [6]float64{vir[0], vir[1], vir[4], vir[2], vir[5], vir[8]}
	if grad == nil {
		return energy, packed, nil
	}
	for i := range F {
		F[i] *= complex(theta[i], 0)
	}
	S.fft3(F, true)
	par.For(S.workers, n, func(j, _ int) {
		var du [3]float64
		st := ss[j]
		p := S.order
		for t0 := 0; t0 < p; t0++ {
			g0 := mod(st.base[0]-t0, k[0])
			for t1 := 0; t1 < p; t1++ {
				g1 := mod(st.base[1]-t1, k[1])
				for t2 := 0; t2 < p; t2++ {
					g2 := mod(st.base[2]-t2, k[2])
					//dE/dQ = 2 Re(conv)
					dq := 2 * real(F[(g0*k[1]+g1)*k[2]+g2])
					du[0] += dq * st.sp[0].dm[t0] * st.sp[1].m[t1] * st.sp[2].m[t2]
					du[1] += dq * st.sp[0].m[t0] * st.sp[1].dm[t1] * st.sp[2].m[t2]
					du[2] += dq * st.sp[0].m[t0] * st.sp[1].m[t1] * st.sp[2].dm[t2]
				}
			}
		}
		for i := 0; i < 3; i++ {
			s := c[j] * du[i] * float64(k[i])
			for a := 0; a < 3; a++ {
				grad[3*j+a] += s * r[i][a]
			}
		}
	})
	return energy, packed, nil
}

func signed(m, k int) float64 {
	if m > k/2 {
		return float64(m - k)
	}
	return float64(m)
}

func (S *Solver) spread(q []float64, st siteSplines, c float64) {
	k := S.k
	p := S.order
	for t0 := 0; t0 < p; t0++ {
		g0 := mod(st.base[0]-t0, k[0])
		w0 := c * st.sp[0].m[t0]
		for t1 := 0; t1 < p; t1++ {
			g1 := mod(st.base[1]-t1, k[1])
			w1 := w0 * st.sp[1].m[t1]
			for t2 := 0; t2 < p; t2++ {
				g2 := mod(st.base[2]-t2, k[2])
				q[(g0*k[1]+g1)*k[2]+g2] += w1 * st.sp[2].m[t2]
			}
		}
	}
}

// fft3 transforms the grid in place along the three axes: forward
// (Coefficients) if inverse is false, unnormalized backward (Sequence) otherwise.
func (S *Solver) fft3(F []complex128, inverse bool) {
	k := S.k
	strides := [3]int{k[1] * k[2], k[2], 1}
	for axis := 0; axis < 3; axis++ {
		a1, a2 := (axis+1)%3, (axis+2)%3
		nlines := k[a1] * k[a2]
		n := k[axis]
		st := strides[axis]
		bufs := make([][2][]complex128, S.workers)
		par.For(S.workers, nlines, func(l, w int) {
			if bufs[w][0] == nil {
				bufs[w] = [2][]complex128{make([]complex128, n), make([]complex128, n)}
			}
			in, out := bufs[w][0], bufs[w][1]
			i1, i2 := l/k[a2], l%k[a2]
			start := i1*strides[a1] + i2*strides[a2]
			for t := 0; t < n; t++ {
				in[t] = F[start+t*st]
			}
			if inverse {
				S.ffts[w][axis].Sequence(out, in)
			} else {
				S.ffts[w][axis].Coefficients(out, in)
			}
			for t := 0; t < n; t++ {
				F[start+t*st] = out[t]
			}
		})
	}
}

// Error is the error type of the pme package.
type Error struct {
	message  string
	deco     []string
	critical bool
}

func (err Error) Error() string { return "pme: " + err.message }

// Decorate adds dec to the decoration slice of the error and returns it.
func (err Error) Decorate(dec string) []string {
	if dec != "" {
		err.deco = append(err.deco, dec)
	}
	return err.deco
}

// Critical returns whether the error is critical.
func (err Error) Critical() bool { return err.critical }
