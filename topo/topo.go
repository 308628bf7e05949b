/*
 * topo.go, part of gomb.
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

// Package topo evaluates bonded intramolecular terms. Each term is one value of
// a closed set of kinds (bond, angle, dihedral, inversion) and functional forms
// (harmonic, Morse, cosine, Fourier), dispatched on those fields, each with its
// own linear and nonlinear parameters.
package topo

import (
	"fmt"
	"math"
	"slices"
)

// Kind is the geometric kind of a term.
type Kind uint8

const (
	Bond Kind = iota
	Angle
	Dihedral
	Inversion
)

var kindNames = map[string]Kind{"bond": Bond, "angle": Angle, "dihedral": Dihedral, "inversion": Inversion}

// nsites per kind
var kindSites = [...]int{2, 3, 4, 4}

func (k Kind) String() string {
	for n, v := range kindNames {
		if v == k {
			return n
		}
	}
	return "unknown"
}

// Form is the functional form of a term.
type Form uint8

const (
	//Harmonic: Linear[0]*(q-NonLinear[0])^2
	Harmonic Form = iota
	//Morse: Linear[0]*(1-exp(-NonLinear[0]*(q-NonLinear[1])))^2, bonds only
	Morse
	//Cosine: Linear[0]*(cos(q)-cos(NonLinear[0]))^2, angles only
	Cosine
	//Fourier: sum_n Linear[n-1]*(1+cos(n*q)), dihedrals and inversions
	Fourier
)

var formNames = map[string]Form{"harm": Harmonic, "morse": Morse, "cos": Cosine, "fourier": Fourier}

func (f Form) String() string {
	for n, v := range formNames {
		if v == f {
			return n
		}
	}
	return "unknown"
}

// ParseKind returns the kind with the given name ("bond", "angle", "dihedral", "inversion").
func ParseKind(s string) (Kind, error) {
	k, ok := kindNames[s]
	if !ok {
		return 0, Error{fmt.Sprintf("unknown term kind %q", s), nil, true}
	}
	return k, nil
}

// ParseForm returns the form with the given name ("harm", "morse", "cos", "fourier").
func ParseForm(s string) (Form, error) {
	f, ok := formNames[s]
	if !ok {
		return 0, Error{fmt.Sprintf("unknown functional form %q", s), nil, true}
	}
	return f, nil
}

// Term is one bonded interaction among the sites Idx of a monomer.
type Term struct {
	Kind      Kind
	Form      Form
	Idx       []int
	Linear    []float64
	NonLinear []float64
}

// Equal compares two terms field by field.
func (T Term) Equal(o Term) bool {
	return T.Kind == o.Kind && T.Form == o.Form && slices.Equal(T.Idx, o.Idx) &&
		slices.Equal(T.Linear, o.Linear) && slices.Equal(T.NonLinear, o.NonLinear)
}

// Check returns an error if the term is not consistent.
func (T Term) Check(nsites int) error {
	if int(T.Kind) >= len(kindSites) || len(T.Idx) != kindSites[T.Kind] {
		return Error{fmt.Sprintf("%v term needs %d sites, got %d", T.Kind, kindSites[T.Kind%4], len(T.Idx)), []string{"Check"}, true}
	}
	for _, v := range T.Idx {
		if v < 0 || v >= nsites {
			return Error{fmt.Sprintf("%v term site %d out of range (%d sites)", T.Kind, v, nsites), []string{"Check"}, true}
		}
	}
	var nl, nnl int
	switch T.Form {
	case Harmonic:
		nl, nnl = 1, 1
	case Morse:
		if T.Kind != Bond {
			return Error{"the Morse form is only available for bonds", []string{"Check"}, true}
		}
		nl, nnl = 1, 2
	case Cosine:
		if T.Kind != Angle {
			return Error{"the cosine form is only available for angles", []string{"Check"}, true}
		}
		nl, nnl = 1, 1
	case Fourier:
		if T.Kind != Dihedral && T.Kind != Inversion {
			return Error{"the Fourier form is only available for dihedrals and inversions", []string{"Check"}, true}
		}
		nl, nnl = 1, 0
	default:
		return Error{"unknown functional form", []string{"Check"}, true}
	}
	if len(T.Linear) < nl || len(T.NonLinear) < nnl {
		return Error{fmt.Sprintf("%v/%v term needs %d linear and %d nonlinear parameters", T.Kind, T.Form, nl, nnl), []string{"Check"}, true}
	}
	return nil
}

// Energy returns the energy of the term for the monomer coordinates xyz
// (x,y,z per site). If grad is not nil, the gradient is added to it.
func (T Term) Energy(xyz, grad []float64) float64 {
	switch T.Kind {
	case Bond:
		return T.bond(xyz, grad)
	case Angle:
		return T.angle(xyz, grad)
	default:
		return T.dihedral(xyz, grad)
	}
}

// value returns the energy and its derivative with respect to the internal
// coordinate q, for the forms depending on q itself.
func (T Term) value(q float64) (float64, float64) {
	switch T.Form {
	case Morse:
		D, a, q0 := T.Linear[0], T.NonLinear[0], T.NonLinear[1]
		ex := math.Exp(-a * (q - q0))
		return D * (1 - ex) * (1 - ex), 2 * D * (1 - ex) * a * ex
	case Fourier:
		var e, de float64
		for n, k := range T.Linear {
			fn := float64(n + 1)
			e += k * (1 + math.Cos(fn*q))
			de -= k * fn * math.Sin(fn*q)
		}
		return e, de
	default:
		k, q0 := T.Linear[0], T.NonLinear[0]
		d := q - q0
		if T.Kind == Dihedral || T.Kind == Inversion {
			d = math.Remainder(d, 2*math.Pi)
		}
		return k * d * d, 2 * k * d
	}
}

func vsub(xyz []float64, i, j int) [3]float64 {
	return [3]float64{xyz[3*i] - xyz[3*j], xyz[3*i+1] - xyz[3*j+1], xyz[3*i+2] - xyz[3*j+2]}
}

func dot(a, b [3]float64) float64 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{a[1]*b[2] - a[2]*b[1], a[2]*b[0] - a[0]*b[2], a[0]*b[1] - a[1]*b[0]}
}

func addg(grad []float64, i int, s float64, v [3]float64) {
	grad[3*i] += s * v[0]
	grad[3*i+1] += s * v[1]
	grad[3*i+2] += s * v[2]
}

func (T Term) bond(xyz, grad []float64) float64 {
	i, j := T.Idx[0], T.Idx[1]
	d := vsub(xyz, i, j)
	r := math.Sqrt(dot(d, d))
	e, de := T.value(r)
	if grad != nil && r > 0 {
		addg(grad, i, de/r, d)
		addg(grad, j, -de/r, d)
	}
	return e
}

func (T Term) angle(xyz, grad []float64) float64 {
	i, j, k := T.Idx[0], T.Idx[1], T.Idx[2]
	u := vsub(xyz, i, j)
	v := vsub(xyz, k, j)
	nu, nv := math.Sqrt(dot(u, u)), math.Sqrt(dot(v, v))
	c := dot(u, v) / (nu * nv)
	c = math.Max(-1, math.Min(1, c))
	var e, dedc float64
	if T.Form == Cosine {
		c0 := math.Cos(T.NonLinear[0])
		e = T.Linear[0] * (c - c0) * (c - c0)
		dedc = 2 * T.Linear[0] * (c - c0)
	} else {
		theta := math.Acos(c)
		var de float64
		e, de = T.value(theta)
		s := math.Sqrt(1 - c*c)
		if s < 1e-12 {
			s = 1e-12
		}
		dedc = -de / s
	}
	if grad != nil {
		var gi, gk [3]float64
		for a := 0; a < 3; a++ {
			gi[a] = dedc * (v[a]/(nu*nv) - c*u[a]/(nu*nu))
			gk[a] = dedc * (u[a]/(nu*nv) - c*v[a]/(nv*nv))
		}
		addg(grad, i, 1, gi)
		addg(grad, k, 1, gk)
		addg(grad, j, -1, gi)
		addg(grad, j, -1, gk)
	}
	return e
}

// Dihedral returns the dihedral angle i-j-k-l in (-pi, pi].
func DihedralAngle(xyz []float64, i, j, k, l int) float64 {
	b1 := vsub(xyz, j, i)
	b2 := vsub(xyz, k, j)
	b3 := vsub(xyz, l, k)
	n1 := cross(b1, b2)
	n2 := cross(b2, b3)
	return math.Atan2(math.Sqrt(dot(b2, b2))*dot(b1, n2), dot(n1, n2))
}

// dihedral evaluates dihedrals and inversions. Inversions are improper
// dihedrals, so both share the same geometry.
func (T Term) dihedral(xyz, grad []float64) float64 {
	i, j, k, l := T.Idx[0], T.Idx[1], T.Idx[2], T.Idx[3]
	phi := DihedralAngle(xyz, i, j, k, l)
	e, de := T.value(phi)
	if grad == nil {
		return e
	}
	b1 := vsub(xyz, j, i)
	b2 := vsub(xyz, k, j)
	b3 := vsub(xyz, l, k)
	n1 := cross(b1, b2)
	n2 := cross(b2, b3)
	nb2 := math.Sqrt(dot(b2, b2))
	a2, b2n := dot(n1, n1), dot(n2, n2)
	if a2 < 1e-20 || b2n < 1e-20 {
		return e
	}
	f12 := dot(b1, b2) / (a2 * nb2)
	f32 := dot(b3, b2) / (b2n * nb2)
	for a := 0; a < 3; a++ {
		gi := -nb2 / a2 * n1[a]
		gl := nb2 / b2n * n2[a]
		gj := nb2/a2*n1[a] + f12*n1[a] + f32*n2[a]
		gk := -nb2/b2n*n2[a] - f12*n1[a] - f32*n2[a]
		grad[3*i+a] += de * gi
		grad[3*j+a] += de * gj
		grad[3*k+a] += de * gk
		grad[3*l+a] += de * gl
	}
	return e
}

// Terms is the bonded topology of one monomer type.
type Terms []Term

// Energy returns the sum of the energies of all terms, adding the gradient to grad if not nil.
func (T Terms) Energy(xyz, grad []float64) float64 {
	var e float64
	for _, t := range T {
		e += t.Energy(xyz, grad)
	}
	return e
}

// Error is the error type of the topo package.
type Error struct {
	message  string
	deco     []string
	critical bool
}

func (err Error) Error() string { return "topo: " + err.message }

// Decorate adds dec to the decoration slice of the error and returns it.
func (err Error) Decorate(dec string) []string {
	if dec != "" {
		err.deco = append(err.deco, dec)
	}
	return err.deco
}

// Critical returns whether the error is critical.
func (err Error) Critical() bool { return err.critical }
