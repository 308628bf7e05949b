/*
 * params.go, part of gomb.
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

// Package params holds the parameter database: monomer definitions
// (sites, virtual sites, charges, polarizabilities, bonded topology),
// site-pair dispersion and repulsion parameters, and the fitted 2- and
// 3-body polynomials. The database is read from TOML; a default one is
// embedded in the package.
package params

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pelletier/go-toml"
	"github.com/rmera/gomb/poly"
	"github.com/rmera/gomb/topo"
	log "github.com/sirupsen/logrus"
)

//go:embed default.toml
var defaultTOML []byte

// Thole damping defaults, used when the database does not set them.
const (
	DefaultACC = 0.4
	DefaultADD = 0.055
)

// VirtualSite is a site placed at a fixed linear combination of the
// real sites of its monomer.
type VirtualSite struct {
	Label   string
	Weights []float64
}

// Monomer is the definition of one monomer type.
type Monomer struct {
	ID       string
	Labels   []string //real sites, then virtual sites
	NReal    int
	Virtual  []VirtualSite
	Charges  []float64
	Pols     []float64
	Polfacs  []float64
	C6LR     []float64
	D6       []float64
	ADDIntra float64
	Terms    topo.Terms
	Bonds    [][2]int
	Excl     *topo.Exclusions
}

// NSites returns the number of sites, real and virtual.
func (M *Monomer) NSites() int { return len(M.Labels) }

// RealLabels returns the labels of the real sites.
func (M *Monomer) RealLabels() []string { return M.Labels[:M.NReal] }

// PlaceVirtual sets the virtual sites in xyz (all sites of one monomer) from the real ones.
func (M *Monomer) PlaceVirtual(xyz []float64) {
	for k, v := range M.Virtual {
		s := M.NReal + k
		for c := 0; c < 3; c++ {
			var p float64
			for i, w := range v.Weights {
				p += w * xyz[3*i+c]
			}
			xyz[3*s+c] = p
		}
	}
}

// FoldVirtual adds the gradient on the virtual sites of one monomer to the
// real sites that define them, leaving the virtual-site entries untouched.
func (M *Monomer) FoldVirtual(all, real []float64) {
	copy(real, all[:3*M.NReal])
	for k, v := range M.Virtual {
		s := M.NReal + k
		for i, w := range v.Weights {
			for c := 0; c < 3; c++ {
				real[3*i+c] += w * all[3*s+c]
			}
		}
	}
}

// Label returns the label of site i.
func (M *Monomer) Label(i int) string { return M.Labels[i] }

type pairKey [2]string

func newKey(ma, la, mb, lb string) pairKey {
	a, b := ma+":"+la, mb+":"+lb
	if b < a {
		a, b = b, a
	}
	return pairKey{a, b}
}

type dispPair struct{ c6, d6 float64 }
type buckPair struct{ a, b float64 }

// Database is a set of parameters. It is read-only after loading and safe for concurrent use.
type Database struct {
	ACC      float64
	ADD      float64
	monomers map[string]*Monomer
	disp     map[pairKey]dispPair
	buck     map[pairKey]buckPair
	polys    map[string][]*poly.Polynomial
}

// Monomer returns the definition of the monomer type id.
func (D *Database) Monomer(id string) (*Monomer, bool) {
	m, ok := D.monomers[id]
	return m, ok
}

// MonomerIDs returns the known monomer types, sorted.
func (D *Database) MonomerIDs() []string {
	ret := make([]string, 0, len(D.monomers))
	for k := range D.monomers {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}

// Dispersion returns the C6 coefficient and the damping exponent for site la of
// a monomer of type ma and site lb of a monomer of type mb. Pairs without
// explicit parameters use the combination rules.
func (D *Database) Dispersion(ma string, ia int, mb string, ib int) (c6, d6 float64) {
	A, B := D.monomers[ma], D.monomers[mb]
	if p, ok := D.disp[newKey(ma, A.Labels[ia], mb, B.Labels[ib])]; ok {
		return p.c6, p.d6
	}
	return A.C6LR[ia] * B.C6LR[ib], 0.5 * (A.D6[ia] + B.D6[ib])
}

// Buckingham returns the repulsion parameters a, b (energy a*exp(-b*r)) for the
// given site pair, and false if the pair has no repulsion term.
func (D *Database) Buckingham(ma string, ia int, mb string, ib int) (a, b float64, ok bool) {
	p, ok := D.buck[newKey(ma, D.monomers[ma].Labels[ia], mb, D.monomers[mb].Labels[ib])]
	return p.a, p.b, ok
}

// HasBuckingham returns true if any repulsion pair is defined.
func (D *Database) HasBuckingham() bool { return len(D.buck) > 0 }

// Polynomial returns the polynomial for a cluster of monomers with the given types,
// and a slice perm such that the monomer types[perm[s]] goes in slot s of the polynomial.
// It returns false if no polynomial is defined for that combination.
func (D *Database) Polynomial(types ...string) (*poly.Polynomial, []int, bool) {
	list := D.polys[poly.Key(types)]
	if len(list) == 0 {
		return nil, nil, false
	}
	P := list[0]
	pt := P.Types()
	perm := make([]int, len(pt))
	used := make([]bool, len(types))
	for s, t := range pt {
		for k, tt := range types {
			if !used[k] && tt == t {
				perm[s] = k
				used[k] = true
				break
			}
		}
	}
	return P, perm, true
}

// TwoBody is Polynomial for a dimer.
func (D *Database) TwoBody(ma, mb string) (*poly.Polynomial, []int, bool) {
	return D.Polynomial(ma, mb)
}

// ThreeBody is Polynomial for a trimer.
func (D *Database) ThreeBody(ma, mb, mc string) (*poly.Polynomial, []int, bool) {
	return D.Polynomial(ma, mb, mc)
}

type rawVirtual struct {
	Label   string    `toml:"label"`
	Weights []float64 `toml:"weights"`
}

type rawTerm struct {
	Kind      string    `toml:"kind"`
	Form      string    `toml:"form"`
	Idx       []int     `toml:"idx"`
	Linear    []float64 `toml:"linear"`
	NonLinear []float64 `toml:"nonlinear"`
}

type rawMonomer struct {
	ID       string       `toml:"id"`
	Sites    []string     `toml:"sites"`
	Charges  []float64    `toml:"charges"`
	Pols     []float64    `toml:"pols"`
	Polfacs  []float64    `toml:"polfacs"`
	C6LR     []float64    `toml:"c6lr"`
	D6       []float64    `toml:"d6"`
	Bonds    [][]int      `toml:"bonds"`
	ADDIntra float64      `toml:"add_intra"`
	Virtual  []rawVirtual `toml:"virtual"`
	Term     []rawTerm    `toml:"term"`
}

type rawPair struct {
	Sites []string `toml:"sites"`
	C6    float64  `toml:"c6"`
	D6    float64  `toml:"d6"`
	A     float64  `toml:"a"`
	B     float64  `toml:"b"`
}

type rawVariable struct {
	Slots  []int    `toml:"slots"`
	Labels []string `toml:"labels"`
	K      float64  `toml:"k"`
	D0     float64  `toml:"d0"`
}

type rawPolyTerm struct {
	Coef float64 `toml:"coef"`
	Exp  []int   `toml:"exp"`
}

type rawPolynomial struct {
	Monomers []string      `toml:"monomers"`
	Rin      float64       `toml:"rin"`
	Rout     float64       `toml:"rout"`
	Variable []rawVariable `toml:"variable"`
	Term     []rawPolyTerm `toml:"term"`
}

type rawDatabase struct {
	Electrostatics struct {
		ACC float64 `toml:"acc"`
		ADD float64 `toml:"add"`
	} `toml:"electrostatics"`
	Monomer    []rawMonomer    `toml:"monomer"`
	Dispersion []rawPair       `toml:"dispersion"`
	Buckingham []rawPair       `toml:"buckingham"`
	Polynomial []rawPolynomial `toml:"polynomial"`
}

var (
	defaultOnce sync.Once
	defaultDB   *Database
	defaultErr  error
)

// Default returns the embedded parameter database. It is parsed only once.
func Default() (*Database, error) {
	defaultOnce.Do(func() {
		defaultDB, defaultErr = parse(defaultTOML)
		if defaultErr != nil {
			defaultErr = errDecorate(defaultErr, "Default")
		}
	})
	return defaultDB, defaultErr
}

// Load reads a parameter database from r.
func Load(r io.Reader) (*Database, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, Error{fmt.Sprintf("can't read parameters: %v", err), []string{"Load"}, true}
	}
	D, err := parse(data)
	if err != nil {
		return nil, errDecorate(err, "Load")
	}
	return D, nil
}

// LoadFile reads a parameter database from the file name.
func LoadFile(name string) (*Database, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, Error{err.Error(), []string{"LoadFile"}, true}
	}
	defer f.Close()
	D, err := Load(f)
	if err != nil {
		return nil, errDecorate(err, "LoadFile "+name)
	}
	return D, nil
}

func parse(data []byte) (*Database, error) {
	var raw rawDatabase
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, Error{fmt.Sprintf("malformed parameter file: %v", err), []string{"parse"}, true}
	}
	D := &Database{
		ACC:      raw.Electrostatics.ACC,
		ADD:      raw.Electrostatics.ADD,
		monomers: make(map[string]*Monomer),
		disp:     make(map[pairKey]dispPair),
		buck:     make(map[pairKey]buckPair),
		polys:    make(map[string][]*poly.Polynomial),
	}
	if D.ACC <= 0 {
		D.ACC = DefaultACC
	}
	if D.ADD <= 0 {
		D.ADD = DefaultADD
	}
	for _, rm := range raw.Monomer {
		m, err := newMonomer(rm)
		if err != nil {
			return nil, err
		}
		if _, dup := D.monomers[m.ID]; dup {
			return nil, Error{fmt.Sprintf("monomer %q defined twice", m.ID), []string{"parse"}, true}
		}
		D.monomers[m.ID] = m
	}
	for _, p := range raw.Dispersion {
		k, err := D.siteKey(p.Sites)
		if err != nil {
			return nil, err
		}
		D.disp[k] = dispPair{p.C6, p.D6}
	}
	for _, p := range raw.Buckingham {
		k, err := D.siteKey(p.Sites)
		if err != nil {
			return nil, err
		}
		D.buck[k] = buckPair{p.A, p.B}
	}
	labels := func(t string) ([]string, bool) {
		m, ok := D.monomers[t]
		if !ok {
			return nil, false
		}
		return m.RealLabels(), true
	}
	for i, rp := range raw.Polynomial {
		s := poly.Spec{Types: rp.Monomers, Rin: rp.Rin, Rout: rp.Rout}
		for _, v := range rp.Variable {
			if len(v.Slots) != 2 || len(v.Labels) != 2 {
				return nil, Error{fmt.Sprintf("polynomial %d: variables need 2 slots and 2 labels", i), []string{"parse"}, true}
			}
			s.Vars = append(s.Vars, poly.Variable{Slots: [2]int{v.Slots[0], v.Slots[1]}, Labels: [2]string{v.Labels[0], v.Labels[1]}, K: v.K, D0: v.D0})
		}
		for _, t := range rp.Term {
			s.Terms = append(s.Terms, poly.Term{Coef: t.Coef, Exp: t.Exp})
		}
		P, err := poly.New(s, labels)
		if err != nil {
			return nil, Error{fmt.Sprintf("polynomial %d (%v): %v", i, rp.Monomers, err), []string{"parse"}, true}
		}
		k := poly.Key(rp.Monomers)
		D.polys[k] = append(D.polys[k], P)
	}
	log.WithFields(log.Fields{"monomers": len(D.monomers), "polynomials": len(raw.Polynomial)}).Debug("params: parameter database loaded")
	return D, nil
}

func (D *Database) siteKey(sites []string) (pairKey, error) {
	if len(sites) != 2 {
		return pairKey{}, Error{fmt.Sprintf("pair %v needs two sites", sites), []string{"siteKey"}, true}
	}
	var ml [2][2]string
	for i, s := range sites {
		f := strings.SplitN(s, ":", 2)
		if len(f) != 2 {
			return pairKey{}, Error{fmt.Sprintf("site %q should read monomer:label", s), []string{"siteKey"}, true}
		}
		m, ok := D.monomers[f[0]]
		if !ok || !contains(m.Labels, f[1]) {
			return pairKey{}, Error{fmt.Sprintf("unknown site %q", s), []string{"siteKey"}, true}
		}
		ml[i] = [2]string{f[0], f[1]}
	}
	return newKey(ml[0][0], ml[0][1], ml[1][0], ml[1][1]), nil
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func newMonomer(rm rawMonomer) (*Monomer, error) {
	fail := func(msg string, a ...any) error {
		return Error{fmt.Sprintf("monomer %q: ", rm.ID) + fmt.Sprintf(msg, a...), []string{"newMonomer"}, true}
	}
	if rm.ID == "" || len(rm.Sites) == 0 {
		return nil, fail("needs an id and at least one site")
	}
	m := &Monomer{ID: rm.ID, NReal: len(rm.Sites), ADDIntra: rm.ADDIntra}
	m.Labels = append(m.Labels, rm.Sites...)
	for _, v := range rm.Virtual {
		if len(v.Weights) != m.NReal {
			return nil, fail("virtual site %s needs %d weights", v.Label, m.NReal)
		}
		m.Virtual = append(m.Virtual, VirtualSite{Label: v.Label, Weights: v.Weights})
		m.Labels = append(m.Labels, v.Label)
	}
	n := len(m.Labels)
	for name, arr := range map[string][]float64{"charges": rm.Charges, "pols": rm.Pols, "polfacs": rm.Polfacs, "c6lr": rm.C6LR, "d6": rm.D6} {
		if len(arr) != n {
			return nil, fail("%s has %d values for %d sites", name, len(arr), n)
		}
	}
	m.Charges, m.Pols, m.Polfacs, m.C6LR, m.D6 = rm.Charges, rm.Pols, rm.Polfacs, rm.C6LR, rm.D6
	if m.ADDIntra <= 0 {
		m.ADDIntra = DefaultADD
	}
	for _, b := range rm.Bonds {
		if len(b) != 2 {
			return nil, fail("bonds need two sites")
		}
		m.Bonds = append(m.Bonds, [2]int{b[0], b[1]})
	}
	var err error
	m.Excl, err = topo.NewExclusions(n, m.Bonds)
	if err != nil {
		return nil, fail("%v", err)
	}
	for _, rt := range rm.Term {
		k, err := topo.ParseKind(rt.Kind)
		if err != nil {
			return nil, fail("%v", err)
		}
		f, err := topo.ParseForm(rt.Form)
		if err != nil {
			return nil, fail("%v", err)
		}
		t := topo.Term{Kind: k, Form: f, Idx: rt.Idx, Linear: rt.Linear, NonLinear: rt.NonLinear}
		if err := t.Check(m.NReal); err != nil {
			return nil, fail("%v", err)
		}
		m.Terms = append(m.Terms, t)
	}
	return m, nil
}

// Error is the error type of the params package.
type Error struct {
	message  string
	deco     []string
	critical bool
}

func (err Error) Error() string { return "params: " + err.message }

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
