/*
 * par.go, part of gomb.
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

// Package par implements the fork-join loops and the per-worker accumulation
// arenas used by the energy kernels. Each worker writes only to its own buffer;
// buffers are summed after the loop joins.
package par

import (
	"runtime"

	"github.com/dgravesa/go-parallel/parallel"
	"gonum.org/v1/gonum/floats"
)

// Workers returns n if positive, otherwise the number of CPUs.
func Workers(n int) int {
	if n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// For runs body(i, w) for i in [0,n) over workers goroutines, w being the id
// of the goroutine running the iteration, in [0,workers).
// It returns once every iteration has completed.
func For(workers, n int, body func(i, w int)) {
	if n <= 0 {
		return
	}
	if workers <= 1 || n == 1 {
		for i := 0; i < n; i++ {
			body(i, 0)
		}
		return
	}
	if workers > n {
		workers = n
	}
	parallel.WithNumGoroutines(workers).For(n, body)
}

// Chunks splits [0,n) into consecutive chunks of at most size elements and
// returns their boundaries, so chunk c is [b[c],b[c+1]).
func Chunks(n, size int) []int {
	if size <= 0 || size > n {
		size = n
	}
	b := make([]int, 0, n/max(size, 1)+2)
	for i := 0; i < n; i += size {
		b = append(b, i)
	}
	return append(b, n)
}

// Arena holds one private accumulation buffer, one energy and one virial per worker.
type Arena struct {
	buf    [][]float64
	energy []float64
	virial [][9]float64
}

// NewArena allocates an arena for workers workers, each with a buffer of size elements.
func NewArena(workers, size int) *Arena {
	A := &Arena{
		buf:    make([][]float64, workers),
		energy: make([]float64, workers),
		virial: make([][9]float64, workers),
	}
	for w := range A.buf {
		A.buf[w] = make([]float64, size)
	}
	return A
}

// Len returns the number of workers the arena serves.
func (A *Arena) Len() int { return len(A.buf) }

// Buf returns the private buffer of worker w.
func (A *Arena) Buf(w int) []float64 { return A.buf[w] }

// AddEnergy adds e to the energy of worker w.
func (A *Arena) AddEnergy(w int, e float64) { A.energy[w] += e }

// Virial returns a pointer to the virial accumulator of worker w.
func (A *Arena) Virial(w int) *[9]float64 { return &A.virial[w] }

// Reduce adds every worker buffer to dst (if dst is not nil) and returns
// the summed energy and virial. Workers are reduced in order, so the result
// does not depend on scheduling.
func (A *Arena) Reduce(dst []float64) (float64, [9]float64) {
	var e float64
	var vir [9]float64
	for w := range A.buf {
		if dst != nil {
			floats.Add(dst, A.buf[w])
		}
		e += A.energy[w]
		for k := range vir {
			vir[k] += A.virial[w][k]
		}
	}
	return e, vir
}
