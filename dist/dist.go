/*
 * dist.go, part of gomb.
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

package dist

import (
	"fmt"
	"sort"

	mb "github.com/rmera/gomb"
	"github.com/rmera/gomb/cluster"
	"github.com/rmera/gomb/par"
	log "github.com/sirupsen/logrus"
)

// DefaultSkin is the margin, in A, added to the ghost radius by Decompose.
const DefaultSkin = 1.0

// Domain is the part of a system handled by one rank.
type Domain struct {
	Rank     int
	Monomers []int  //indices in the global system, ascending
	Local    []bool //whether each of Monomers is owned by the rank
	System   *mb.System
	ref      *reference
}

// reference is the state of the global system when the domains were built,
// shared by all of them.
type reference struct {
	refs [][3]float64
	skin float64
}

// Owned returns the global indices of the monomers owned by the domain.
func (d *Domain) Owned() []int {
	var ret []int
	for k, m := range d.Monomers {
		if d.Local[k] {
			ret = append(ret, m)
		}
	}
	return ret
}

// GhostRadius returns the distance within which a monomer must be kept as a
// ghost of a domain that owns a monomer: the dimer cutoff, or twice the
// trimer cutoff, since trimers only need two of their pairs within it.
func GhostRadius(c mb.Config) float64 {
	return max(c.Cutoff2b, 2*c.Cutoff3b)
}

// refPoints returns the reference point, the first real site, of every monomer of global.
func refPoints(global *mb.System) [][3]float64 {
	xyz := global.GetXyz()
	refs := make([][3]float64, global.GetNumMon())
	for m := range refs {
		f := global.GetFirstInd(m)
		copy(refs[m][:], xyz[3*f:3*f+3])
	}
	return refs
}

// Decompose splits the monomers of global into size slabs of consecutive
// reference points along the first lattice vector (the x axis in open
// boundary conditions), with the same number of monomers each (up to one), and builds
// the domain of every rank. Ghosts are taken within GhostRadius plus a skin
// (DefaultSkin if not given), so the domains stay valid until some monomer
// moves more than half the skin. After that, Evaluate fails with a StaleError
// and the domains must be built again.
func Decompose(global *mb.System, size int, skin ...float64) ([]*Domain, error) {
	n := global.GetNumMon()
	if size < 1 || size > n {
		return nil, Error{fmt.Sprintf("can't split %d monomers among %d ranks", n, size), []string{"Decompose"}, true}
	}
	ref := &reference{skin: DefaultSkin}
	if len(skin) > 0 {
		if skin[0] < 0 {
			return nil, Error{fmt.Sprintf("negative skin %g", skin[0]), []string{"Decompose"}, true}
		}
		ref.skin = skin[0]
	}
	lat := global.Lattice()
	refs := refPoints(global)
	ref.refs = refs
	keys := make([]float64, n)
	for m := range refs {
		keys[m] = refs[m][0]
		if lat != nil {
			keys[m] = lat.Frac(lat.Wrap(refs[m]))[0]
		}
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return keys[order[a]] < keys[order[b]] })
	owner := make([]int, n)
	for i, m := range order {
		owner[m] = i * size / n
	}
	cfg := global.Config()
	I, err := cluster.NewIndex(refs, GhostRadius(cfg)+ref.skin, lat, par.Workers(cfg.Workers))
	if err != nil {
		return nil, errDecorate(err, "Decompose")
	}
	domains := make([]*Domain, size)
	for r := range domains {
		in := make(map[int]bool)
		for m := 0; m < n; m++ {
			if owner[m] != r {
				continue
			}
			in[m] = true
			for _, j := range I.Neighbors(m) {
				if !in[j] {
					in[j] = false
				}
			}
		}
		d := &Domain{Rank: r, ref: ref}
		for m := 0; m < n; m++ {
			if local, ok := in[m]; ok {
				d.Monomers = append(d.Monomers, m)
				d.Local = append(d.Local, local)
			}
		}
		if d.System, err = global.Subsystem(d.Monomers, d.Local); err != nil {
			return nil, errDecorate(err, "Decompose")
		}
		log.WithFields(log.Fields{"rank": r, "owned": len(d.Owned()), "ghosts": len(d.Monomers) - len(d.Owned())}).Debug("dist: domain")
		domains[r] = d
	}
	return domains, nil
}

// Stale returns whether some monomer of global has moved more than half the
// skin since the domains were built, so that the ghosts may miss a cluster.
func (d *Domain) Stale(global *mb.System) bool {
	if d.ref == nil {
		return true
	}
	refs := refPoints(global)
	if len(refs) != len(d.ref.refs) {
		return true
	}
	lat := global.Lattice()
	lim := 0.25 * d.ref.skin * d.ref.skin
	for m, r := range refs {
		var v [3]float64
		for c := range v {
			v[c] = r[c] - d.ref.refs[m][c]
		}
		if lat != nil {
			lat.MinImage(&v)
		}
		if v[0]*v[0]+v[1]*v[1]+v[2]*v[2] > lim {
			return true
		}
	}
	return false
}

// Sync copies the current coordinates of the domain's monomers from global.
// It fails with a StaleError if the domain is no longer valid for them.
func (d *Domain) Sync(global *mb.System) error {
	if d.Stale(global) {
		return StaleError{"monomers moved more than half the skin since Decompose", []string{"Sync"}}
	}
	gxyz := global.GetRealXyz()
	sub := d.System
	xyz := make([]float64, 3*sub.GetNumRealSites())
	for k, m := range d.Monomers {
		f, g, n := sub.GetFirstRealInd(k), global.GetFirstRealInd(m), global.GetMonNumRealAt(m)
		copy(xyz[3*f:3*(f+n)], gxyz[3*g:3*(g+n)])
	}
	return errDecorate(sub.SetRealXyz(xyz), "Sync")
}

// Result is the outcome of a distributed evaluation, the same on every rank.
type Result struct {
	Energy     float64
	Components mb.Components
	Grad       []float64 //real-site gradient of the whole system, nil if not requested
	Virial     [9]float64
}

// Evaluate computes the energy of global with the domain d of the calling
// rank. The short-range terms of the domain's owned monomers are computed on
// every rank, and the long-range terms of the whole system on rank 0, which
// must be the only rank using global while Evaluate runs. The coordinates of
// the domain are synchronized from global first. A rank that fails returns
// before the reduction; with Run, that makes the reduction of the other
// ranks fail too.
func Evaluate(c Comm, global *mb.System, d *Domain, grad bool) (*Result, error) {
	if err := d.Sync(global); err != nil {
		return nil, errDecorate(err, "Evaluate")
	}
	sub := d.System
	const ncomp = 7
	nreal := global.GetNumRealSites()
	size := ncomp + 9
	if grad {
		size += 3 * nreal
	}
	buf := make([]float64, size)
	if _, err := sub.ShortRangeEnergy(grad, true); err != nil {
		return nil, errDecorate(err, "Evaluate")
	}
	sc := sub.Components()
	buf[0], buf[1], buf[2] = sc.OneBody, sc.TwoBody, sc.ThreeBody
	if grad {
		addVirial(buf[ncomp:], sub.Virial())
		g := buf[ncomp+9:]
		sg := sub.GetRealGrads()
		for k, m := range d.Monomers {
			f, gf, n := sub.GetFirstRealInd(k), global.GetFirstRealInd(m), global.GetMonNumRealAt(m)
			for i := 0; i < 3*n; i++ {
				g[3*gf+i] += sg[3*f+i]
			}
		}
	}
	if c.Rank() == 0 {
		if _, err := global.LongRangeEnergy(grad); err != nil {
			return nil, errDecorate(err, "Evaluate")
		}
		gc := global.Components()
		buf[3], buf[4], buf[5], buf[6] = gc.Dispersion, gc.Repulsion, gc.Permanent, gc.Induced
		if grad {
			addVirial(buf[ncomp:], global.Virial())
			g := buf[ncomp+9:]
			for i, v := range global.GetRealGrads() {
				g[i] += v
			}
		}
	}
	if err := c.AllreduceSum(buf); err != nil {
		return nil, errDecorate(err, "Evaluate")
	}
	res := &Result{Components: mb.Components{
		OneBody:    buf[0],
		TwoBody:    buf[1],
		ThreeBody:  buf[2],
		Dispersion: buf[3],
		Repulsion:  buf[4],
		Permanent:  buf[5],
		Induced:    buf[6],
	}}
	res.Energy = res.Components.Total()
	copy(res.Virial[:], buf[ncomp:ncomp+9])
	if grad {
		res.Grad = buf[ncomp+9:]
	}
	return res, nil
}

func addVirial(dst []float64, v [9]float64) {
	for k := range v {
		dst[k] += v[k]
	}
}
