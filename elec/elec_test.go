/*
 * elec_test.go, part of gomb.
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
	"errors"
	"math"
	"testing"

	"github.com/rmera/gomb/params"
	"github.com/rmera/gomb/reorder"
	v3 "github.com/rmera/gomb/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

var (
	water1 = []float64{0, 0, 0, 0.757, 0.586, 0, -0.757, 0.586, 0}
	water2 = []float64{0.2, 2.9, 0.3, 0.9, 3.4, 0.6, -0.3, 3.2, 1.0}
	sodium = []float64{2.4, 1.2, -1.6}
)

// testSystem returns two waters and a sodium, monomer-major with the M sites placed.
func testSystem(Te *testing.T) ([]*params.Monomer, *reorder.Layout, []float64) {
	db, err := params.Default()
	require.NoError(Te, err)
	w, _ := db.Monomer("h2o")
	na, _ := db.Monomer("na")
	var xyz []float64
	for _, wat := range [][]float64{water1, water2} {
		x := append(append([]float64(nil), wat...), 0, 0, 0)
		w.PlaceVirtual(x)
		xyz = append(xyz, x...)
	}
	xyz = append(xyz, sodium...)
	L := reorder.New([]reorder.Block{{NMon: 2, NSites: 4}, {NMon: 1, NSites: 1}})
	return []*params.Monomer{w, na}, L, xyz
}

type refSite struct {
	mon   *params.Monomer
	owner int //monomer index
	local int
}

func refSites(mons []*params.Monomer, L *reorder.Layout) []refSite {
	var s []refSite
	owner := 0
	for b, mon := range mons {
		for m := 0; m < L.Block(b).NMon; m++ {
			for i := 0; i < mon.NSites(); i++ {
				s = append(s, refSite{mon, owner, i})
			}
			owner++
		}
	}
	return s
}

// reference computes the electrostatic energy with a dense solve for the dipoles.
func reference(mons []*params.Monomer, L *reorder.Layout, xyz []float64) (perm, ind float64, mu []float64) {
	sites := refSites(mons, L)
	n := len(sites)
	d := func(i, j int) ([3]float64, float64) {
		var v [3]float64
		for c := 0; c < 3; c++ {
			v[c] = xyz[3*i+c] - xyz[3*j+c]
		}
		return v, math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	}
	field := make([]float64, 3*n)
	A := mat.NewDense(3*n, 3*n, nil)
	for i, si := range sites {
		for j, sj := range sites {
			if i == j {
				continue
			}
			intra := si.owner == sj.owner
			v, r := d(i, j)
			damp := Damping(si.mon.Polfacs[si.local], sj.mon.Polfacs[sj.local])
			if !(intra && si.mon.Excl.Excluded(si.local, sj.local)) {
				s0, s1, _, _ := Screening(r, damp, params.DefaultACC)
				qj := sj.mon.Charges[sj.local]
				perm += 0.5 * si.mon.Charges[si.local] * qj * s0 / r
				for c := 0; c < 3; c++ {
					field[3*i+c] += qj * s1 * v[c] / (r * r * r)
				}
			}
			add := params.DefaultADD
			if intra {
				add = si.mon.ADDIntra
			}
			_, s1, s2, _ := Screening(r, damp, add)
			for a := 0; a < 3; a++ {
				for b := 0; b < 3; b++ {
					t := 3 * s2 * v[a] * v[b] / math.Pow(r, 5)
					if a == b {
						t -= s1 / (r * r * r)
					}
					A.Set(3*i+a, 3*j+b, -t)
				}
			}
		}
	}
	rhs := mat.NewVecDense(3*n, nil)
	for i, si := range sites {
		alpha := si.mon.Pols[si.local]
		for a := 0; a < 3; a++ {
			k := 3*i + a
			if alpha == 0 {
				for j := 0; j < 3*n; j++ {
					A.Set(k, j, 0)
				}
				A.Set(k, k, 1)
				continue
			}
			A.Set(k, k, 1/alpha)
			rhs.SetVec(k, field[k])
		}
	}
	var x mat.VecDense
	if err := x.SolveVec(A, rhs); err != nil {
		panic(err)
	}
	mu = make([]float64, 3*n)
	for k := range mu {
		mu[k] = x.AtVec(k)
		ind -= 0.5 * mu[k] * field[k]
	}
	return Ke * perm, Ke * ind, mu
}

func TestScreening(Te *testing.T) {
	const h = 1e-6
	A, a := 0.9, 0.4
	for _, r := range []float64{0.6, 1.2, 3} {
		s0, s1, s2, s3 := Screening(r, A, a)
		sp := [4]float64{}
		sm := [4]float64{}
		sp[0], sp[1], sp[2], sp[3] = Screening(r+h, A, a)
		sm[0], sm[1], sm[2], sm[3] = Screening(r-h, A, a)
		s := [4]float64{s0, s1, s2, s3}
		for n := 0; n < 3; n++ {
			ds := (sp[n] - sm[n]) / (2 * h)
			assert.InDelta(Te, s[n+1], s[n]-r*ds/float64(2*n+1), 1e-7, "order %d at %g", n, r)
		}
	}
	s0, s1, s2, s3 := Screening(2, 0, 0.4)
	assert.Equal(Te, [4]float64{1, 1, 1, 1}, [4]float64{s0, s1, s2, s3})
	//far apart, no screening
	s0, s1, _, _ = Screening(40, 1, 0.4)
	assert.InDelta(Te, 1.0, s0, 1e-12)
	assert.InDelta(Te, 1.0, s1, 1e-12)
}

func TestTensors(Te *testing.T) {
	const h = 1e-6
	p1 := [3]float64{0.3, -0.2, 0.5}
	x2 := []float64{1.4, 0.1, -0.3} //one monomer, site-major is the same
	A, a := 1.1, 0.4
	t0 := make([]float64, 1)
	t1 := make([]float64, 3)
	CalcT0AndT1(p1, x2, 1, 0, 1, A, a, nil, t0, t1)
	t2 := make([]float64, 6)
	CalcT1AndT2(p1, x2, 1, 0, 1, A, a, nil, nil, t2)
	for c := 0; c < 3; c++ {
		pp, pm := p1, p1
		pp[c] += h
		pm[c] -= h
		fp, fm := make([]float64, 1), make([]float64, 1)
		gp, gm := make([]float64, 3), make([]float64, 3)
		CalcT0AndT1(pp, x2, 1, 0, 1, A, a, nil, fp, gp)
		CalcT0AndT1(pm, x2, 1, 0, 1, A, a, nil, fm, gm)
		assert.InDelta(Te, -t1[c], (fp[0]-fm[0])/(2*h), 1e-7)
		for b := 0; b < 3; b++ {
			assert.InDelta(Te, -t2[t2idx[b][c]], (gp[b]-gm[b])/(2*h), 1e-7)
		}
	}
	//dipole-dipole energy gradient
	mu1 := [3]float64{0.2, -0.1, 0.3}
	mu2 := []float64{-0.4, 0.25, 0.1}
	var g1 [3]float64
	g2 := make([]float64, 3)
	var vir [9]float64
	e := CalcT2AndT3(p1, x2, 1, 0, 1, A, 0.055, nil, mu1, mu2, &g1, g2, &vir)
	var ref float64
	for x := 0; x < 3; x++ {
		for y := 0; y < 3; y++ {
			ref -= mu1[x] * mu2[y] * func() float64 {
				t := make([]float64, 6)
				CalcT1AndT2(p1, x2, 1, 0, 1, A, 0.055, nil, nil, t)
				return t[t2idx[x][y]]
			}()
		}
	}
	assert.InDelta(Te, ref, e, 1e-14)
	for c := 0; c < 3; c++ {
		pp, pm := p1, p1
		pp[c] += h
		pm[c] -= h
		var dummy [3]float64
		ep := CalcT2AndT3(pp, x2, 1, 0, 1, A, 0.055, nil, mu1, mu2, &dummy, make([]float64, 3), nil)
		em := CalcT2AndT3(pm, x2, 1, 0, 1, A, 0.055, nil, mu1, mu2, &dummy, make([]float64, 3), nil)
		assert.InDelta(Te, (ep-em)/(2*h), g1[c], 1e-7)
		assert.Equal(Te, -g1[c], g2[c])
	}
}

func TestAgainstDenseSolve(Te *testing.T) {
	mons, L, xyz := testSystem(Te)
	perm, ind, mu := reference(mons, L, xyz)
	assert.Less(Te, ind, 0.0)
	for _, method := range []string{Iter, CG, ASPC} {
		o := DefaultOptions()
		o.Method = method
		o.Tol = 1e-10
		o.Workers = 2
		E, err := New(L, mons, o)
		require.NoError(Te, err)
		e, _, err := E.Energy(xyz, nil, nil)
		require.NoError(Te, err, method)
		p, i := E.Components()
		assert.InDelta(Te, perm, p, 1e-9*math.Abs(perm), method)
		assert.InDelta(Te, ind, i, 1e-6, method)
		assert.InDelta(Te, perm+ind, e, 1e-6, method)
		assert.Greater(Te, E.Iterations(), 0)
		got := E.Dipoles()
		require.Len(Te, got, len(mu))
		for k := range mu {
			assert.InDelta(Te, mu[k], got[k], 1e-6, "%s dipole component %d", method, k)
		}
		//the M site carries no dipole
		for c := 0; c < 3; c++ {
			assert.Equal(Te, 0.0, got[9+c])
		}
	}
}

// Two polarizable waters with the production settings: tolerance 1e-8 and
// at most 100 iterations reproduce the exact induction energy to 1e-6 kcal/mol.
func TestTwoWaters(Te *testing.T) {
	mons, _, xyz := testSystem(Te)
	L := reorder.New([]reorder.Block{{NMon: 2, NSites: 4}})
	perm, ind, _ := reference(mons[:1], L, xyz[:24])
	assert.Less(Te, ind, 0.0)
	for _, method := range []string{Iter, CG, ASPC} {
		o := DefaultOptions()
		o.Method = method
		o.Tol = 1e-8
		o.MaxIt = 100
		E, err := New(L, mons[:1], o)
		require.NoError(Te, err)
		e, _, err := E.Energy(xyz[:24], nil, nil)
		require.NoError(Te, err, method)
		assert.LessOrEqual(Te, E.Iterations(), 100, method)
		p, i := E.Components()
		assert.InDelta(Te, perm, p, 1e-9, method)
		assert.InDelta(Te, ind, i, 1e-6, method)
		assert.InDelta(Te, perm+ind, e, 1e-6, method)
	}
}

func TestSingleMonomer(Te *testing.T) {
	mons, _, xyz := testSystem(Te)
	L := reorder.New([]reorder.Block{{NMon: 1, NSites: 4}})
	E, err := New(L, mons[:1], DefaultOptions())
	require.NoError(Te, err)
	e, _, err := E.Energy(xyz[:12], nil, make([]float64, 12))
	require.NoError(Te, err)
	perm, ind, _ := reference(mons[:1], L, xyz[:12])
	//every charge pair of a water is excluded
	assert.Equal(Te, 0.0, perm)
	assert.InDelta(Te, perm+ind, e, 1e-8)
}

func numGrad(f func([]float64) float64, xyz []float64) []float64 {
	const h = 1e-5
	g := make([]float64, len(xyz))
	for i := range xyz {
		old := xyz[i]
		xyz[i] = old + h
		ep := f(xyz)
		xyz[i] = old - h
		em := f(xyz)
		xyz[i] = old
		g[i] = (ep - em) / (2 * h)
	}
	return g
}

func TestGradients(Te *testing.T) {
	mons, L, xyz := testSystem(Te)
	lat, err := v3.NewLattice([]float64{9, 0, 0, 0, 9.5, 0, 0.5, 0, 10})
	require.NoError(Te, err)
	o := DefaultOptions()
	o.Tol = 1e-12
	o.MaxIt = 500
	o.Workers = 3
	for _, l := range []*v3.Lattice{nil, lat} {
		E, err := New(L, mons, o)
		require.NoError(Te, err)
		g := make([]float64, len(xyz))
		_, _, err = E.Energy(xyz, l, g)
		require.NoError(Te, err)
		ng := numGrad(func(x []float64) float64 {
			e, _, err := E.Energy(x, l, nil)
			require.NoError(Te, err)
			return e
		}, xyz)
		for i := range g {
			assert.InDelta(Te, ng[i], g[i], 1e-5*math.Max(1, math.Abs(ng[i])), "component %d", i)
		}
		//no external field, so the forces add to zero
		for c := 0; c < 3; c++ {
			var s float64
			for k := c; k < len(g); k += 3 {
				s += g[k]
			}
			assert.InDelta(Te, 0.0, s, 1e-8)
		}
	}
}

func TestVirial(Te *testing.T) {
	mons, L, xyz := testSystem(Te)
	box := []float64{9, 0, 0, 0, 9.5, 0, 0.5, 0, 10}
	lat, _ := v3.NewLattice(box)
	o := DefaultOptions()
	o.Tol = 1e-12
	o.MaxIt = 500
	E, err := New(L, mons, o)
	require.NoError(Te, err)
	_, vir, err := E.Energy(xyz, lat, make([]float64, len(xyz)))
	require.NoError(Te, err)
	const h = 1e-6
	scaled := func(l float64) float64 {
		b := make([]float64, 9)
		x := make([]float64, len(xyz))
		for i := range b {
			b[i] = box[i] * l
		}
		for i := range x {
			x[i] = xyz[i] * l
		}
		lt, _ := v3.NewLattice(b)
		e, _, _ := E.Energy(x, lt, nil)
		return e
	}
	dedl := (scaled(1+h) - scaled(1-h)) / (2 * h)
	assert.InDelta(Te, -dedl, vir[0]+vir[4]+vir[8], 1e-5*math.Max(1, math.Abs(dedl)))
}

func TestASPC(Te *testing.T) {
	assert.InDeltaSlice(Te, []float64{2.8, -2.8, 1.2, -0.2}, ASPCCoefficients(2), 1e-14)
	var sum float64
	for _, b := range ASPCCoefficients(4) {
		sum += b
	}
	assert.InDelta(Te, 1.0, sum, 1e-12)
	mons, L, xyz := testSystem(Te)
	o := DefaultOptions()
	o.Method = ASPC
	o.Tol = 1e-10
	E, err := New(L, mons, o)
	require.NoError(Te, err)
	o.Method = CG
	ref, err := New(L, mons, o)
	require.NoError(Te, err)
	x := append([]float64(nil), xyz...)
	for step := 0; step < 7; step++ {
		//move the sodium along a line
		x[len(x)-3] += 0.01
		e, _, err := E.Energy(x, nil, nil)
		require.NoError(Te, err)
		er, _, err := ref.Energy(x, nil, nil)
		require.NoError(Te, err)
		assert.InDelta(Te, er, e, 1e-6, "step %d", step)
	}
	assert.Len(Te, E.history, E.opts.ASPCOrder+2)
	E.ResetDipoleHistory()
	assert.Empty(Te, E.history)
}

func TestConvergenceError(Te *testing.T) {
	mons, L, xyz := testSystem(Te)
	o := DefaultOptions()
	o.Method = ASPC
	o.Tol = 1e-14
	o.MaxIt = 1
	E, err := New(L, mons, o)
	require.NoError(Te, err)
	_, _, err = E.Energy(xyz, nil, nil)
	require.Error(Te, err)
	var ce ConvergenceError
	require.True(Te, errors.As(err, &ce))
	assert.Equal(Te, 1, ce.Iterations)
	assert.False(Te, ce.Critical())
	assert.Empty(Te, E.history)
	o.Method = Iter
	E, err = New(L, mons, o)
	require.NoError(Te, err)
	_, _, err = E.Energy(xyz, nil, nil)
	assert.True(Te, errors.As(err, &ce))
}

func TestErrors(Te *testing.T) {
	mons, L, xyz := testSystem(Te)
	_, err := New(L, mons[:1], DefaultOptions())
	assert.Error(Te, err)
	o := DefaultOptions()
	o.Method = "newton"
	_, err = New(L, mons, o)
	assert.Error(Te, err)
	o = DefaultOptions()
	o.Tol = 0
	_, err = New(L, mons, o)
	assert.Error(Te, err)
	E, err := New(L, mons, DefaultOptions())
	require.NoError(Te, err)
	_, _, err = E.Energy(xyz[:9], nil, nil)
	assert.Error(Te, err)
}
