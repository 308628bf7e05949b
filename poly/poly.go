/*
 * poly.go, part of gomb.
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

// Package poly evaluates the fitted short-range many-body polynomials.
// A polynomial of order n (2 or 3) depends on n monomers ("slots"). Its
// variables are sums, over the site pairs with a given pair of labels in two
// slots, of xi = exp(-k (r - d0)). The polynomial is multiplied by a switching
// function of the first-site distances, which takes it smoothly to zero.
//
// On construction the monomials are averaged over every permutation of slots
// holding the same monomer type, so the result is invariant to the order in
// which identical monomers are given.
package poly

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Variable defines one polynomial variable.
type Variable struct {
	Slots  [2]int
	Labels [2]string
	K      float64
	D0     float64
}

// Term is one monomial, Coef * prod_v var_v^Exp[v].
type Term struct {
	Coef float64
	Exp  []int
}

// Spec is the unresolved definition of a polynomial.
type Spec struct {
	Types []string
	Vars  []Variable
	Terms []Term
	Rin   float64
	Rout  float64
}

type variable struct {
	Variable
	pairs [][2]int //site in slot a, site in slot b
}

// Polynomial is a resolved, symmetrized polynomial ready for evaluation.
type Polynomial struct {
	types []string
	vars  []variable
	terms []Term
	rin   float64
	rout  float64
}

// New resolves and symmetrizes the polynomial s. labels returns the labels
// of the real sites of a monomer type.
func New(s Spec, labels func(typ string) ([]string, bool)) (*Polynomial, error) {
	n := len(s.Types)
	if n != 2 && n != 3 {
		return nil, Error{fmt.Sprintf("polynomials of order %d are not supported", n), []string{"New"}, true}
	}
	if s.Rout <= s.Rin {
		return nil, Error{fmt.Sprintf("switching range [%g,%g] is empty", s.Rin, s.Rout), []string{"New"}, true}
	}
	P := &Polynomial{types: append([]string(nil), s.Types...), rin: s.Rin, rout: s.Rout}
	index := make(map[string]int)
	for vi, v := range s.Vars {
		a, b := v.Slots[0], v.Slots[1]
		if a < 0 || b < 0 || a >= n || b >= n || a >= b {
			return nil, Error{fmt.Sprintf("variable %d has invalid slots %v", vi, v.Slots), []string{"New"}, true}
		}
		la, ok1 := labels(s.Types[a])
		lb, ok2 := labels(s.Types[b])
		if !ok1 || !ok2 {
			return nil, Error{fmt.Sprintf("variable %d refers to an unknown monomer type", vi), []string{"New"}, true}
		}
		nv := variable{Variable: v}
		for p, l1 := range la {
			for q, l2 := range lb {
				if l1 == v.Labels[0] && l2 == v.Labels[1] {
					nv.pairs = append(nv.pairs, [2]int{p, q})
				}
			}
		}
		if len(nv.pairs) == 0 {
			return nil, Error{fmt.Sprintf("variable %d (%v) matches no site pair", vi, v.Labels), []string{"New"}, true}
		}
		index[varKey(a, b, v.Labels[0], v.Labels[1])] = vi
		P.vars = append(P.vars, nv)
	}
	for ti, t := range s.Terms {
		if len(t.Exp) != len(s.Vars) {
			return nil, Error{fmt.Sprintf("term %d has %d exponents for %d variables", ti, len(t.Exp), len(s.Vars)), []string{"New"}, true}
		}
	}
	perms := typePermutations(s.Types)
	acc := make(map[string]*Term)
	for _, pi := range perms {
		vmap := make([]int, len(s.Vars))
		for vi, v := range s.Vars {
			a, b := pi[v.Slots[0]], pi[v.Slots[1]]
			la, lb := v.Labels[0], v.Labels[1]
			if a > b {
				a, b, la, lb = b, a, lb, la
			}
			j, ok := index[varKey(a, b, la, lb)]
			if !ok {
				return nil, Error{fmt.Sprintf("variable %d has no partner under monomer exchange", vi), []string{"New"}, true}
			}
			vmap[vi] = j
		}
		for _, t := range s.Terms {
			e := make([]int, len(t.Exp))
			for vi, x := range t.Exp {
				e[vmap[vi]] += x
			}
			k := fmt.Sprint(e)
			if old, ok := acc[k]; ok {
				old.Coef += t.Coef / float64(len(perms))
			} else {
				acc[k] = &Term{Coef: t.Coef / float64(len(perms)), Exp: e}
			}
		}
	}
	keys := make([]string, 0, len(acc))
	for k := range acc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		P.terms = append(P.terms, *acc[k])
	}
	return P, nil
}

func varKey(a, b int, la, lb string) string {
	return fmt.Sprintf("%d,%d,%s,%s", a, b, la, lb)
}

// typePermutations returns the permutations of the slots that map every
// slot to a slot with the same monomer type.
func typePermutations(types []string) [][]int {
	n := len(types)
	var all [][]int
	var rec func(p []int, used []bool)
	rec = func(p []int, used []bool) {
		if len(p) == n {
			all = append(all, append([]int(nil), p...))
			return
		}
		s := len(p)
		for j := 0; j < n; j++ {
			if used[j] || types[j] != types[s] {
				continue
			}
			used[j] = true
			rec(append(p, j), used)
			used[j] = false
		}
	}
	rec(nil, make([]bool, n))
	return all
}

// Order returns the number of monomers the polynomial depends on.
func (P *Polynomial) Order() int { return len(P.types) }

// Types returns the monomer types of the slots.
func (P *Polynomial) Types() []string { return P.types }

// Key returns the canonical key of a list of monomer types (sorted, joined).
func Key(types []string) string {
	t := append([]string(nil), types...)
	sort.Strings(t)
	return strings.Join(t, "-")
}

// Switch is the switching function: 1 below rin, 0 above rout, and a cubic
// smoothstep between them. It returns the value and the derivative.
func Switch(r, rin, rout float64) (float64, float64) {
	if r <= rin {
		return 1, 0
	}
	if r >= rout {
		return 0, 0
	}
	w := rout - rin
	t := (r - rin) / w
	return 1 - t*t*(3-2*t), -6 * t * (1 - t) / w
}

func ipow(x float64, n int) float64 {
	r := 1.0
	for ; n > 0; n-- {
		r *= x
	}
	return r
}

func dist(x1, x2 []float64, p, q int) ([3]float64, float64) {
	d := [3]float64{x1[3*p] - x2[3*q], x1[3*p+1] - x2[3*q+1], x1[3*p+2] - x2[3*q+2]}
	return d, math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])
}

func addPair(g1, g2 []float64, p, q int, s float64, d [3]float64) {
	for c := 0; c < 3; c++ {
		g1[3*p+c] += s * d[c]
		g2[3*q+c] -= s * d[c]
	}
}

// Evaluate returns the energy of the cluster. xyz[s] holds the coordinates
// of the monomer in slot s (x,y,z per site, real sites first), with all
// monomers in the same periodic image. If grad is not nil, the gradient
// is added to grad[s].
func (P *Polynomial) Evaluate(xyz [][]float64, grad [][]float64) float64 {
	n := len(P.types)
	var sw, dsw float64
	var sws, dsws [3]float64 //s01, s02, s12 for trimers
	var refd [3][3]float64
	var refr [3]float64
	pairSlots := [3][2]int{{0, 1}, {0, 2}, {1, 2}}
	if n == 2 {
		refd[0], refr[0] = dist(xyz[0], xyz[1], 0, 0)
		sw, dsw = Switch(refr[0], P.rin, P.rout)
	} else {
		for k, ps := range pairSlots {
			refd[k], refr[k] = dist(xyz[ps[0]], xyz[ps[1]], 0, 0)
			sws[k], dsws[k] = Switch(refr[k], P.rin, P.rout)
		}
		sw = sws[0]*sws[1] + sws[0]*sws[2] + sws[1]*sws[2]
	}
	if sw == 0 {
		return 0
	}
	vals := make([]float64, len(P.vars))
	for vi, v := range P.vars {
		a, b := v.Slots[0], v.Slots[1]
		for _, pq := range v.pairs {
			_, r := dist(xyz[a], xyz[b], pq[0], pq[1])
			vals[vi] += math.Exp(-v.K * (r - v.D0))
		}
	}
	var p float64
	var dp []float64
	if grad != nil {
		dp = make([]float64, len(vals))
	}
	for _, t := range P.terms {
		m := t.Coef
		for vi, e := range t.Exp {
			if e != 0 {
				m *= ipow(vals[vi], e)
			}
		}
		p += m
		if grad == nil {
			continue
		}
		for vi, e := range t.Exp {
			if e == 0 {
				continue
			}
			d := t.Coef * float64(e) * ipow(vals[vi], e-1)
			for vj, ej := range t.Exp {
				if vj != vi && ej != 0 {
					d *= ipow(vals[vj], ej)
				}
			}
			dp[vi] += d
		}
	}
	if grad == nil {
		return sw * p
	}
	for vi, v := range P.vars {
		if dp[vi] == 0 {
			continue
		}
		a, b := v.Slots[0], v.Slots[1]
		for _, pq := range v.pairs {
			d, r := dist(xyz[a], xyz[b], pq[0], pq[1])
			xi := math.Exp(-v.K * (r - v.D0))
			//dE/dr divided by r, so it multiplies the displacement vector.
			s := sw * dp[vi] * (-v.K * xi) / r
			addPair(grad[a], grad[b], pq[0], pq[1], s, d)
		}
	}
	if n == 2 {
		if dsw != 0 {
			addPair(grad[0], grad[1], 0, 0, p*dsw/refr[0], refd[0])
		}
		return sw * p
	}
	dsdk := [3]float64{sws[1] + sws[2], sws[0] + sws[2], sws[0] + sws[1]}
	for k, ps := range pairSlots {
		if dsws[k] == 0 {
			continue
		}
		addPair(grad[ps[0]], grad[ps[1]], 0, 0, p*dsdk[k]*dsws[k]/refr[k], refd[k])
	}
	return sw * p
}

// Error is the error type of the poly package.
type Error struct {
	message  string
	deco     []string
	critical bool
}

func (err Error) Error() string { return "poly: " + err.message }

// Decorate adds dec to the decoration slice of the error and returns it.
func (err Error) Decorate(dec string) []string {
	if dec != "" {
		err.deco = append(err.deco, dec)
	}
	return err.deco
}

// Critical returns whether the error is critical.
func (err Error) Critical() bool { return err.critical }
