/*
 * cluster.go, part of gomb.
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

// Package cluster enumerates the dimers and trimers of a set of monomers
// within a distance cutoff. Each monomer is represented by one reference
// point (the caller decides which; the engine uses the first real site).
// Neighbor search goes through a k-d tree, rebuilt on every call, and under
// periodic boundary conditions distances follow the minimum image convention.
package cluster

import (
	"fmt"
	"math"
	"runtime"
	"sort"

	"github.com/rmera/gomb/par"
	v3 "github.com/rmera/gomb/v3"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Options for the partitioned enumeration.
type Options struct {
	workers int
	chunk   int
}

// DefaultOptions returns options that use all logical CPUs and split the
// monomer range evenly among them.
func DefaultOptions() *Options {
	return &Options{workers: runtime.NumCPU()}
}

// Workers returns the number of goroutines to be used,
// and sets it to a new value, if given.
func (O *Options) Workers(n ...int) int {
	if len(n) > 0 && n[0] > 0 {
		O.workers = n[0]
	}
	return O.workers
}

// Chunk returns the number of monomers in each partition, 0 meaning one partition
// per worker, and sets it to a new value, if given.
func (O *Options) Chunk(n ...int) int {
	if len(n) > 0 && n[0] >= 0 {
		O.chunk = n[0]
	}
	return O.chunk
}

type neighbor struct {
	j  int
	d2 float64
}

// Index holds, for each monomer, the other monomers within a cutoff, sorted by index.
type Index struct {
	cutoff float64
	lists  [][]neighbor
}

// Cutoff returns the cutoff the index was built with.
func (I *Index) Cutoff() float64 { return I.cutoff }

// Len returns the number of monomers in the index.
func (I *Index) Len() int { return len(I.lists) }

// Neighbors returns the monomers within the cutoff of monomer i.
func (I *Index) Neighbors(i int) []int {
	ret := make([]int, len(I.lists[i]))
	for k, n := range I.lists[i] {
		ret[k] = n.j
	}
	return ret
}

// Within returns true if i and j are within the cutoff of each other.
func (I *Index) Within(i, j int) bool {
	l := I.lists[i]
	k := sort.Search(len(l), func(k int) bool { return l[k].j >= j })
	return k < len(l) && l[k].j == j
}

// Sub returns the index restricted to a cutoff not larger than that of I, without
// a new spatial search.
func (I *Index) Sub(cutoff float64) (*Index, error) {
	if cutoff > I.cutoff {
		return nil, Error{fmt.Sprintf("can't restrict an index with cutoff %g to a larger cutoff %g", I.cutoff, cutoff), []string{"Sub"}, true}
	}
	c2 := cutoff * cutoff
	S := &Index{cutoff: cutoff, lists: make([][]neighbor, len(I.lists))}
	for i, l := range I.lists {
		for _, n := range l {
			if n.d2 <= c2 {
				S.lists[i] = append(S.lists[i], n)
			}
		}
	}
	return S, nil
}

// refPoint is a point in the k-d tree, an image of a monomer reference point.
type refPoint struct {
	x   [3]float64
	mon int
}

func (p refPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.x[d] - c.(refPoint).x[d]
}

func (p refPoint) Dims() int { return 3 }

// Distance returns the squared euclidean distance.
func (p refPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(refPoint)
	var s float64
	for k := 0; k < 3; k++ {
		d := p.x[k] - q.x[k]
		s += d * d
	}
	return s
}

type refPoints []refPoint

func (p refPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p refPoints) Len() int                      { return len(p) }
func (p refPoints) Pivot(d kdtree.Dim) int        { return plane{Dim: d, refPoints: p}.Pivot() }
func (p refPoints) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}

type plane struct {
	kdtree.Dim
	refPoints
}

func (p plane) Less(i, j int) bool { return p.refPoints[i].x[p.Dim] < p.refPoints[j].x[p.Dim] }
func (p plane) Pivot() int         { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.refPoints = p.refPoints[start:end]
	return p
}
func (p plane) Swap(i, j int) {
	p.refPoints[i], p.refPoints[j] = p.refPoints[j], p.refPoints[i]
}

// NewIndex builds the neighbor lists of refs at the given cutoff.
// If lat is not nil, distances are minimum-image distances in that lattice.
// workers goroutines are used for the queries.
func NewIndex(refs [][3]float64, cutoff float64, lat *v3.Lattice, workers int) (*Index, error) {
	if cutoff <= 0 || math.IsNaN(cutoff) {
		return nil, Error{fmt.Sprintf("invalid cutoff %g", cutoff), []string{"NewIndex"}, true}
	}
	I := &Index{cutoff: cutoff, lists: make([][]neighbor, len(refs))}
	if len(refs) < 2 {
		return I, nil
	}
	points := make(refPoints, 0, len(refs))
	queries := make([][3]float64, len(refs))
	copy(queries, refs)
	if lat == nil {
		for i, r := range refs {
			points = append(points, refPoint{x: r, mon: i})
		}
	} else {
		if cutoff > 0.5*lat.MinWidth() {
			log.WithFields(log.Fields{"cutoff": cutoff, "minWidth": lat.MinWidth()}).Warn("cluster: cutoff larger than half the cell width, only the minimum image of each pair is considered")
		}
		for i, r := range refs {
			w := lat.Wrap(r)
			queries[i] = w
			s := lat.Frac(w)
			for a := -1; a <= 1; a++ {
				for b := -1; b <= 1; b++ {
					for c := -1; c <= 1; c++ {
						points = append(points, refPoint{x: lat.Cart([3]float64{s[0] + float64(a), s[1] + float64(b), s[2] + float64(c)}), mon: i})
					}
				}
			}
		}
	}
	tree := kdtree.New(points, false)
	c2 := cutoff * cutoff
	par.For(workers, len(refs), func(i, _ int) {
		keep := kdtree.NewDistKeeper(c2)
		tree.NearestSet(keep, refPoint{x: queries[i], mon: i})
		seen := make(map[int]bool)
		var l []neighbor
		for _, cd := range keep.Heap {
			if cd.Comparable == nil {
				continue
			}
			j := cd.Comparable.(refPoint).mon
			if j == i || seen[j] {
				continue
			}
			seen[j] = true
			d2 := cd.Dist
			if lat != nil {
				d := [3]float64{refs[j][0] - refs[i][0], refs[j][1] - refs[i][1], refs[j][2] - refs[i][2]}
				lat.MinImage(&d)
				d2 = d[0]*d[0] + d[1]*d[1] + d[2]*d[2]
				if d2 > c2 {
					continue
				}
			}
			l = append(l, neighbor{j: j, d2: d2})
		}
		sort.Slice(l, func(a, b int) bool { return l[a].j < l[b].j })
		I.lists[i] = l
	})
	return I, nil
}

func checkRange(n, start, end int) error {
	if start < 0 || end > n || start > end {
		return Error{fmt.Sprintf("monomer range [%d,%d) out of [0,%d)", start, end, n), []string{"checkRange"}, true}
	}
	return nil
}

// Dimers returns the pairs i<j within the cutoff, with i in [start,end), as a
// flat slice with stride 2.
func (I *Index) Dimers(start, end int) ([]int, error) {
	if err := checkRange(len(I.lists), start, end); err != nil {
		return nil, errDecorate(err, "Dimers")
	}
	var ret []int
	for i := start; i < end; i++ {
		for _, n := range I.lists[i] {
			if n.j > i {
				ret = append(ret, i, n.j)
			}
		}
	}
	return ret, nil
}

// Trimers returns the triples i<j<k with i in [start,end) in which at least two
// of the three pairs are within the cutoff, as a flat slice with stride 3.
func (I *Index) Trimers(start, end int) ([]int, error) {
	if err := checkRange(len(I.lists), start, end); err != nil {
		return nil, errDecorate(err, "Trimers")
	}
	var ret []int
	mark := make(map[int]bool)
	var cand []int
	for i := start; i < end; i++ {
		for k := range mark {
			delete(mark, k)
		}
		cand = cand[:0]
		add := func(m int) {
			if m > i && !mark[m] {
				mark[m] = true
				cand = append(cand, m)
			}
		}
		for _, n := range I.lists[i] {
			add(n.j)
		}
		direct := len(cand)
		for _, n := range cand[:direct] {
			for _, m := range I.lists[n] {
				add(m.j)
			}
		}
		sort.Ints(cand)
		for a := 0; a < len(cand); a++ {
			j := cand[a]
			ij := I.Within(i, j)
			for b := a + 1; b < len(cand); b++ {
				k := cand[b]
				c := 0
				if ij {
					c++
				}
				if I.Within(i, k) {
					c++
				}
				if c < 2 && I.Within(j, k) {
					c++
				}
				if c >= 2 {
					ret = append(ret, i, j, k)
				}
			}
		}
	}
	return ret, nil
}

// Find returns the clusters of the given order (2 or 3) within cutoff whose
// smallest index is in [start,end), sequentially. The result is flat, with
// stride order. Its ordering is not part of the contract.
func Find(refs [][3]float64, order int, cutoff float64, start, end int, lat *v3.Lattice) ([]int, error) {
	if order != 2 && order != 3 {
		return nil, Error{fmt.Sprintf("clusters of order %d are not supported", order), []string{"Find"}, true}
	}
	I, err := NewIndex(refs, cutoff, lat, 1)
	if err != nil {
		return nil, errDecorate(err, "Find")
	}
	return I.Clusters(order, start, end)
}

// Clusters returns Dimers or Trimers, depending on order.
func (I *Index) Clusters(order, start, end int) ([]int, error) {
	switch order {
	case 2:
		return I.Dimers(start, end)
	case 3:
		return I.Trimers(start, end)
	}
	return nil, Error{fmt.Sprintf("clusters of order %d are not supported", order), []string{"Clusters"}, true}
}

// FindPartitioned does the same as Find, but the range [start,end) is split in
// disjoint partitions that are enumerated concurrently. The partial lists are
// concatenated in partition order.
func FindPartitioned(refs [][3]float64, order int, cutoff float64, start, end int, lat *v3.Lattice, O *Options) ([]int, error) {
	if O == nil {
		O = DefaultOptions()
	}
	if order != 2 && order != 3 {
		return nil, Error{fmt.Sprintf("clusters of order %d are not supported", order), []string{"FindPartitioned"}, true}
	}
	I, err := NewIndex(refs, cutoff, lat, O.workers)
	if err != nil {
		return nil, errDecorate(err, "FindPartitioned")
	}
	return I.ClustersPartitioned(order, start, end, O)
}

// ClustersPartitioned is the partitioned version of Clusters.
func (I *Index) ClustersPartitioned(order, start, end int, O *Options) ([]int, error) {
	if O == nil {
		O = DefaultOptions()
	}
	if err := checkRange(len(I.lists), start, end); err != nil {
		return nil, errDecorate(err, "ClustersPartitioned")
	}
	size := O.chunk
	if size <= 0 {
		size = (end - start + O.workers - 1) / max(O.workers, 1)
	}
	bounds := par.Chunks(end-start, size)
	if len(bounds) < 2 {
		return nil, nil
	}
	parts := make([][]int, len(bounds)-1)
	errs := make([]error, len(parts))
	par.For(O.workers, len(parts), func(p, _ int) {
		parts[p], errs[p] = I.Clusters(order, start+bounds[p], start+bounds[p+1])
	})
	var ret []int
	for p := range parts {
		if errs[p] != nil {
			return nil, errDecorate(errs[p], "ClustersPartitioned")
		}
		ret = append(ret, parts[p]...)
	}
	return ret, nil
}

// Error is the error type of the cluster package.
type Error struct {
	message  string
	deco     []string
	critical bool
}

func (err Error) Error() string { return "cluster: " + err.message }

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
