/*
 * par_test.go, part of gomb.
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

package par

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArenaReduce(Te *testing.T) {
	const n = 1000
	workers := 4
	A := NewArena(workers, 3)
	For(workers, n, func(i, w int) {
		b := A.Buf(w)
		b[i%3] += 1
		A.AddEnergy(w, float64(i))
		A.Virial(w)[0] += 1
	})
	dst := make([]float64, 3)
	e, vir := A.Reduce(dst)
	assert.Equal(Te, float64(n*(n-1)/2), e)
	assert.Equal(Te, float64(n), vir[0])
	assert.Equal(Te, []float64{334, 333, 333}, dst)
}

func TestChunks(Te *testing.T) {
	assert.Equal(Te, []int{0, 4, 8, 10}, Chunks(10, 4))
	assert.Equal(Te, []int{0, 10}, Chunks(10, 0))
	assert.Equal(Te, []int{0}, Chunks(0, 3))
}
