/*
 * poly_test.go, part of gomb.
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

package poly

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waterLabels(t string) ([]string, bool) {
	switch t {
	case "h2o":
		return []string{"O", "H", "H"}, true
	case "na":
		return []string{"Na"}, true
	}
	return nil, false
}

func dimerSpec() Spec {
	return Spec{
		Types: []string{"h2o", "h2o"},
		Vars: []Variable{
			{Slots: [2]int{0, 1}, Labels: [2]string{"O", "O"}, K: 1.1, D0: 2.85},
			{Slots: [2]int{0, 1}, Labels: [2]string{"O", "H"}, K: 1.4, D0: 2.0},
			{Slots: [2]int{0, 1}, Labels: [2]string{"H", "O"}, K: 1.4, D0: 2.0},
			{Slots: [2]int{0, 1}, Labels: [2]string{"H", "H"}, K: 1.2, D0: 2.4},
		},
		//deliberately not symmetric; construction must symmetrize it.
		Terms: []Term{
			{Coef: 1.85, Exp: []int{1, 0, 0, 0}},
			{Coef: -0.9, Exp: []int{0, 1, 0, 0}},
			{Coef: 0.12, Exp: []int{0, 0, 0, 1}},
			{Coef: -0.4, Exp: []int{1, 1, 0, 0}},
			{Coef: 0.08, Exp: []int{0, 1, 1, 0}},
		},
		Rin:  3.0,
		Rout: 4.0,
	}
}

var w1 = []float64{0, 0, 0, 0.757, 0.586, 0, -0.757, 0.586, 0}
var w2 = []float64{0.3, 2.9, 0.2, 0.9, 3.4, 0.6, -0.2, 3.1, 0.9}

func TestSymmetry(Te *testing.T) {
	P, err := New(dimerSpec(), waterLabels)
	require.NoError(Te, err)
	e12 := P.Evaluate([][]float64{w1, w2}, nil)
	e21 := P.Evaluate([][]float64{w2, w1}, nil)
	assert.NotZero(Te, e12)
	assert.InDelta(Te, e12, e21, 1e-12*math.Abs(e12))
	//swapping the two hydrogens of one water
	w2s := []float64{w2[0], w2[1], w2[2], w2[6], w2[7], w2[8], w2[3], w2[4], w2[5]}
	assert.InDelta(Te, e12, P.Evaluate([][]float64{w1, w2s}, nil), 1e-12*math.Abs(e12))
}

func numGrad(P *Polynomial, xyz [][]float64) [][]float64 {
	const h = 1e-6
	g := make([][]float64, len(xyz))
	for s := range xyz {
		g[s] = make([]float64, len(xyz[s]))
		for i := range xyz[s] {
			old := xyz[s][i]
			xyz[s][i] = old + h
			ep := P.Evaluate(xyz, nil)
			xyz[s][i] = old - h
			em := P.Evaluate(xyz, nil)
			xyz[s][i] = old
			g[s][i] = (ep - em) / (2 * h)
		}
	}
	return g
}

func TestGradient(Te *testing.T) {
	P, err := New(dimerSpec(), waterLabels)
	require.NoError(Te, err)
	//inside the switching region
	w2b := append([]float64(nil), w2...)
	for i := 1; i < 9; i += 3 {
		w2b[i] += 0.6
	}
	xyz := [][]float64{append([]float64(nil), w1...), w2b}
	g := [][]float64{make([]float64, 9), make([]float64, 9)}
	P.Evaluate(xyz, g)
	ng := numGrad(P, xyz)
	for s := range g {
		for i := range g[s] {
			assert.InDelta(Te, ng[s][i], g[s][i], 1e-6)
		}
	}
}

func TestTrimer(Te *testing.T) {
	s := Spec{
		Types: []string{"h2o", "h2o", "h2o"},
		Vars: []Variable{
			{Slots: [2]int{0, 1}, Labels: [2]string{"O", "O"}, K: 0.9, D0: 3.0},
			{Slots: [2]int{0, 2}, Labels: [2]string{"O", "O"}, K: 0.9, D0: 3.0},
			{Slots: [2]int{1, 2}, Labels: [2]string{"O", "O"}, K: 0.9, D0: 3.0},
		},
		Terms: []Term{{Coef: -0.35, Exp: []int{1, 1, 0}}, {Coef: 0.12, Exp: []int{1, 1, 1}}, {Coef: 0.04, Exp: []int{2, 1, 0}}},
		Rin:   0,
		Rout:  4.5,
	}
	P, err := New(s, waterLabels)
	require.NoError(Te, err)
	w3 := []float64{2.6, 1.2, -0.5, 3.2, 1.5, 0.1, 2.1, 1.9, -0.8}
	a, b, c := append([]float64(nil), w1...), append([]float64(nil), w2...), w3
	e := P.Evaluate([][]float64{a, b, c}, nil)
	assert.NotZero(Te, e)
	for _, perm := range [][][]float64{{b, a, c}, {c, b, a}, {b, c, a}} {
		assert.InDelta(Te, e, P.Evaluate(perm, nil), 1e-12*math.Abs(e))
	}
	g := [][]float64{make([]float64, 9), make([]float64, 9), make([]float64, 9)}
	xyz := [][]float64{a, b, append([]float64(nil), w3...)}
	P.Evaluate(xyz, g)
	ng := numGrad(P, xyz)
	for k := range g {
		for i := range g[k] {
			assert.InDelta(Te, ng[k][i], g[k][i], 1e-6)
		}
	}
	//one monomer far away: no three-body energy
	far := []float64{30, 0, 0, 30.7, 0.5, 0, 29.3, 0.5, 0}
	assert.Equal(Te, 0.0, P.Evaluate([][]float64{a, b, far}, nil))
}

func TestSpecErrors(Te *testing.T) {
	s := dimerSpec()
	s.Vars = s.Vars[:2] //O-H without its H-O partner
	s.Terms = []Term{{Coef: 1, Exp: []int{1, 0}}}
	_, err := New(s, waterLabels)
	assert.Error(Te, err)
	s = dimerSpec()
	s.Types = []string{"h2o", "xx"}
	_, err = New(s, waterLabels)
	assert.Error(Te, err)
	assert.Equal(Te, "h2o-na", Key([]string{"na", "h2o"}))
	v, d := Switch(3.5, 3, 4)
	assert.InDelta(Te, 0.5, v, 1e-15)
	assert.InDelta(Te, -1.5, d, 1e-15)
}
