/*
 * lattice.go, part of gomb.
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

package v3

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Lattice is a periodic cell given by three lattice vectors a1, a2, a3
// (the rows of the box matrix). It keeps the reciprocal vectors
// (the columns of the inverse box matrix) so fractional coordinates are
// cheap to obtain.
type Lattice struct {
	box   [9]float64 //rows are a1,a2,a3
	recip [9]float64 //rows are a1*,a2*,a3*, with ai.aj*=delta_ij
	vol   float64
}

// NewLattice builds a lattice from 9 box components, the three lattice vectors
// one after the other. It returns an error if the box is singular.
func NewLattice(box []float64) (*Lattice, error) {
	if len(box) != 9 {
		return nil, Error{fmt.Sprintf("Box needs 9 components, got %d", len(box)), []string{"NewLattice"}, true}
	}
	L := new(Lattice)
	copy(L.box[:], box)
	B := mat.NewDense(3, 3, L.box[:])
	L.vol = math.Abs(mat.Det(B))
	if L.vol < 1e-10 {
		return nil, Error{string(ErrSingularBox), []string{"NewLattice"}, true}
	}
	var inv mat.Dense
	if err := inv.Inverse(B); err != nil {
		return nil, errDecorate(Error{err.Error(), nil, true}, "NewLattice")
	}
	//columns of the inverse are the reciprocal vectors.
	for i := 0; i < 3; i++ {
		for a := 0; a < 3; a++ {
			L.recip[3*i+a] = inv.At(a, i)
		}
	}
	return L, nil
}

// Flat returns a copy of the 9 box components.
func (L *Lattice) Flat() []float64 {
	r := make([]float64, 9)
	copy(r, L.box[:])
	return r
}

// Vector returns the ith lattice vector.
func (L *Lattice) Vector(i int) [3]float64 {
	return [3]float64{L.box[3*i], L.box[3*i+1], L.box[3*i+2]}
}

// Reciprocal returns the ith reciprocal vector (without the 2pi factor).
func (L *Lattice) Reciprocal(i int) [3]float64 {
	return [3]float64{L.recip[3*i], L.recip[3*i+1], L.recip[3*i+2]}
}

// Volume returns the cell volume.
func (L *Lattice) Volume() float64 { return L.vol }

// Frac returns the fractional coordinates of the point p.
func (L *Lattice) Frac(p [3]float64) [3]float64 {
	var s [3]float64
	for i := 0; i < 3; i++ {
		s[i] = p[0]*L.recip[3*i] + p[1]*L.recip[3*i+1] + p[2]*L.recip[3*i+2]
	}
	return s
}

// Cart returns the cartesian coordinates for the fractional coordinates s.
func (L *Lattice) Cart(s [3]float64) [3]float64 {
	var p [3]float64
	for a := 0; a < 3; a++ {
		p[a] = s[0]*L.box[a] + s[1]*L.box[3+a] + s[2]*L.box[6+a]
	}
	return p
}

// Wrap returns the image of p with fractional coordinates in [0,1).
func (L *Lattice) Wrap(p [3]float64) [3]float64 {
	s := L.Frac(p)
	for i := range s {
		s[i] -= math.Floor(s[i])
	}
	return L.Cart(s)
}

// MinImage replaces the displacement d with its minimum image.
// For strongly skewed cells this is the fractional-rounding image, which
// is the minimum one whenever |d| is under half the smallest width.
func (L *Lattice) MinImage(d *[3]float64) {
	s := L.Frac(*d)
	for i := range s {
		s[i] -= math.Round(s[i])
	}
	*d = L.Cart(s)
}

// Widths returns the perpendicular distances between opposite faces of the cell.
func (L *Lattice) Widths() [3]float64 {
	var w [3]float64
	for i := 0; i < 3; i++ {
		r := L.Reciprocal(i)
		w[i] = 1 / math.Sqrt(r[0]*r[0]+r[1]*r[1]+r[2]*r[2])
	}
	return w
}

// MinWidth returns the smallest of the cell widths.
func (L *Lattice) MinWidth() float64 {
	w := L.Widths()
	return math.Min(w[0], math.Min(w[1], w[2]))
}
