/*
 * tensors.go, part of gomb.
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

package elec

import (
	"math"

	v3 "github.com/rmera/gomb/v3"
	"gonum.org/v1/gonum/mathext"
)

// Ke is the Coulomb constant in kcal/mol Angstrom / e^2.
const Ke = 332.06371

var g34 = math.Gamma(0.75)

// Screening returns the Thole (TTM4) screening functions for two sites at
// distance r. A is (polfac_i polfac_j)^(1/6), and a the damping exponent.
// s0 screens the potential, s1 the field, s2 and s3 the higher tensors.
// A zero A means no damping, so every function is 1.
func Screening(r, A, a float64) (s0, s1, s2, s3 float64) {
	if A == 0 {
		return 1, 1, 1, 1
	}
	s0 = screen0(r, A, a)
	s1, s2, s3 = screen123(r, A, a)
	return
}

func screen0(r, A, a float64) float64 {
	if A == 0 {
		return 1
	}
	u := r / A
	u2 := u * u
	x := a * u2 * u2
	return 1 - math.Exp(-x) + math.Pow(a, 0.25)*u*g34*mathext.GammaIncRegComp(0.75, x)
}

func screen123(r, A, a float64) (s1, s2, s3 float64) {
	if A == 0 {
		return 1, 1, 1
	}
	u := r / A
	u2 := u * u
	x := a * u2 * u2
	e := math.Exp(-x)
	s1 = 1 - e
	s2 = 1 - (1+4*x/3)*e
	s3 = 1 - (1+16*x/15+16*x*x/15)*e
	return
}

// Damping returns the A factor, (pi pj)^(1/6), for two polarizability factors.
func Damping(pi, pj float64) float64 {
	p := pi * pj
	if p <= 0 {
		return 0
	}
	return math.Pow(p, 1.0/6.0)
}

func displacement(p1 [3]float64, xyz2 []float64, nmon, m int, lat *v3.Lattice) ([3]float64, float64) {
	d := [3]float64{p1[0] - xyz2[m], p1[1] - xyz2[nmon+m], p1[2] - xyz2[2*nmon+m]}
	if lat != nil {
		lat.MinImage(&d)
	}
	return d, d[0]*d[0] + d[1]*d[1] + d[2]*d[2]
}

// CalcT0AndT1 adds, for every monomer m in [start,end) of a block of nmon
// monomers, the charge-charge damped rank-0 tensor s0/r to t0[m] and the rank-1
// tensor s1 d/r^3 to t1[c*nmon+m], where d = p1 - r2(m). xyz2 holds the
// coordinates of one site of the whole block, site-major. A and aCC set the
// damping (see Screening). Coincident sites are skipped.
func CalcT0AndT1(p1 [3]float64, xyz2 []float64, nmon, start, end int, A, aCC float64, lat *v3.Lattice, t0, t1 []float64) {
	for m := start; m < end; m++ {
		d, r2 := displacement(p1, xyz2, nmon, m, lat)
		if r2 == 0 {
			continue
		}
		r := math.Sqrt(r2)
		ri := 1 / r
		ri3 := ri * ri * ri
		s1, _, _ := screen123(r, A, aCC)
		t0[m] += screen0(r, A, aCC) * ri
		for c := 0; c < 3; c++ {
			t1[c*nmon+m] += s1 * d[c] * ri3
		}
	}
}

// Packed symmetric rank-2 components, as stored by CalcT1AndT2.
const (
	txx = iota
	txy
	txz
	tyy
	tyz
	tzz
)

var t2idx = [3][3]int{{txx, txy, txz}, {txy, tyy, tyz}, {txz, tyz, tzz}}

// CalcT1AndT2 adds the damped rank-1 tensor s1 d/r^3 to t1[c*nmon+m] and the
// rank-2 tensor 3 s2 d_a d_b/r^5 - s1 delta_ab/r^3 to t2[k*nmon+m], k running
// over the packed components xx, xy, xz, yy, yz, zz, for m in [start,end).
// The arguments are those of CalcT0AndT1, with a the damping exponent
// (aDD for dipole-dipole pairs, aCC for charge-dipole ones).
func CalcT1AndT2(p1 [3]float64, xyz2 []float64, nmon, start, end int, A, a float64, lat *v3.Lattice, t1, t2 []float64) {
	for m := start; m < end; m++ {
		d, r2 := displacement(p1, xyz2, nmon, m, lat)
		if r2 == 0 {
			continue
		}
		r := math.Sqrt(r2)
		ri := 1 / r
		ri2 := ri * ri
		ri3 := ri2 * ri
		ri5 := ri3 * ri2
		s1, s2, _ := screen123(r, A, a)
		if t1 != nil {
			for c := 0; c < 3; c++ {
				t1[c*nmon+m] += s1 * d[c] * ri3
			}
		}
		for x := 0; x < 3; x++ {
			for y := x; y < 3; y++ {
				v := 3 * s2 * d[x] * d[y] * ri5
				if x == y {
					v -= s1 * ri3
				}
				t2[t2idx[x][y]*nmon+m] += v
			}
		}
	}
}

// CalcT2AndT3 contracts the rank-2 and rank-3 dipole tensors with the dipole
// mu1 of the fixed site and the dipoles mu2 (site-major, like xyz2) of the sites
// [start,end). It adds the gradient of the dipole-dipole energy -mu1.T.mu2 to g1
// and g2 (site-major) and the virial to vir if it is not nil, and returns that energy.
func CalcT2AndT3(p1 [3]float64, xyz2 []float64, nmon, start, end int, A, aDD float64, lat *v3.Lattice,
	mu1 [3]float64, mu2 []float64, g1 *[3]float64, g2 []float64, vir *[9]float64) float64 {
	var energy float64
	for m := start; m < end; m++ {
		d, r2 := displacement(p1, xyz2, nmon, m, lat)
		if r2 == 0 {
			continue
		}
		mj := [3]float64{mu2[m], mu2[nmon+m], mu2[2*nmon+m]}
		r := math.Sqrt(r2)
		ri := 1 / r
		ri2 := ri * ri
		ri3 := ri2 * ri
		ri5 := ri3 * ri2
		ri7 := ri5 * ri2
		s1, s2, s3 := screen123(r, A, aDD)
		mid := mu1[0]*d[0] + mu1[1]*d[1] + mu1[2]*d[2]
		mjd := mj[0]*d[0] + mj[1]*d[1] + mj[2]*d[2]
		mij := mu1[0]*mj[0] + mu1[1]*mj[1] + mu1[2]*mj[2]
		energy -= 3*s2*mid*mjd*ri5 - s1*mij*ri3
		var g [3]float64
		for c := 0; c < 3; c++ {
			g[c] = 15*s3*mid*mjd*d[c]*ri7 - 3*s2*(mu1[c]*mjd+mj[c]*mid+mij*d[c])*ri5
			g1[c] += g[c]
			g2[c*nmon+m] -= g[c]
		}
		if vir != nil {
			addVirial(vir, d, g)
		}
	}
	return energy
}

// addVirial adds -d (x) g, the virial of a pair with displacement d whose
// first site has gradient g.
func addVirial(vir *[9]float64, d, g [3]float64) {
	for a := 0; a < 3; a++ {
		for b := 0; b < 3; b++ {
			vir[3*a+b] -= d[a] * g[b]
		}
	}
}
