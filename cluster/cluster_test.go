/*
 * cluster_test.go, part of gomb.
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

package cluster

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	v3 "github.com/rmera/gomb/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomRefs(n int, side float64, seed int64) [][3]float64 {
	r := rand.New(rand.NewSource(seed))
	refs := make([][3]float64, n)
	for i := range refs {
		refs[i] = [3]float64{r.Float64() * side, r.Float64() * side, r.Float64() * side}
	}
	return refs
}

func dist(a, b [3]float64, lat *v3.Lattice) float64 {
	d := [3]float64{b[0] - a[0], b[1] - a[1], b[2] - a[2]}
	if lat != nil {
		lat.MinImage(&d)
	}
	return math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])
}

// tuples turns a flat list into sorted tuples so lists can be compared
// regardless of their order.
func tuples(flat []int, order int) [][]int {
	var ret [][]int
	for i := 0; i < len(flat); i += order {
		ret = append(ret, append([]int(nil), flat[i:i+order]...))
	}
	sort.Slice(ret, func(a, b int) bool {
		for k := 0; k < order; k++ {
			if ret[a][k] != ret[b][k] {
				return ret[a][k] < ret[b][k]
			}
		}
		return false
	})
	return ret
}

func bruteForce(refs [][3]float64, order int, cutoff float64, start, end int, lat *v3.Lattice) [][]int {
	var ret [][]int
	n := len(refs)
	for i := start; i < end; i++ {
		for j := i + 1; j < n; j++ {
			dij := dist(refs[i], refs[j], lat) <= cutoff
			if order == 2 {
				if dij {
					ret = append(ret, []int{i, j})
				}
				continue
			}
			for k := j + 1; k < n; k++ {
				c := 0
				for _, ok := range []bool{dij, dist(refs[i], refs[k], lat) <= cutoff, dist(refs[j], refs[k], lat) <= cutoff} {
					if ok {
						c++
					}
				}
				if c >= 2 {
					ret = append(ret, []int{i, j, k})
				}
			}
		}
	}
	return ret
}

func TestOpenBoundary(Te *testing.T) {
	refs := randomRefs(60, 15, 1)
	for _, order := range []int{2, 3} {
		got, err := Find(refs, order, 4.5, 0, len(refs), nil)
		require.NoError(Te, err)
		assert.Equal(Te, bruteForce(refs, order, 4.5, 0, len(refs), nil), tuples(got, order), "order %d", order)
		got, err = Find(refs, order, 4.5, 10, 25, nil)
		require.NoError(Te, err)
		assert.Equal(Te, bruteForce(refs, order, 4.5, 10, 25, nil), tuples(got, order), "order %d, partial range", order)
	}
}

func TestPeriodic(Te *testing.T) {
	lat, err := v3.NewLattice([]float64{12, 0, 0, 2, 11, 0, -1, 1.5, 13})
	require.NoError(Te, err)
	refs := randomRefs(50, 12, 2)
	//some points outside the cell
	refs[3][0] += 24
	refs[7][2] -= 13
	for _, order := range []int{2, 3} {
		got, err := Find(refs, order, 4.0, 0, len(refs), lat)
		require.NoError(Te, err)
		want := bruteForce(refs, order, 4.0, 0, len(refs), lat)
		assert.NotEmpty(Te, want)
		assert.Equal(Te, want, tuples(got, order))
	}
	//two points across a face
	pair := [][3]float64{{0.5, 5, 5}, {11.6, 5, 5}}
	box, _ := v3.NewLattice([]float64{12, 0, 0, 0, 12, 0, 0, 0, 12})
	got, err := Find(pair, 2, 1.0, 0, 2, box)
	require.NoError(Te, err)
	assert.Equal(Te, []int{0, 1}, got)
	got, err = Find(pair, 2, 1.0, 0, 2, nil)
	require.NoError(Te, err)
	assert.Empty(Te, got)
}

func TestPartitioned(Te *testing.T) {
	refs := randomRefs(80, 18, 3)
	O := DefaultOptions()
	O.Workers(4)
	for _, chunk := range []int{0, 7} {
		O.Chunk(chunk)
		for _, order := range []int{2, 3} {
			seq, err := Find(refs, order, 5, 5, 70, nil)
			require.NoError(Te, err)
			prt, err := FindPartitioned(refs, order, 5, 5, 70, nil, O)
			require.NoError(Te, err)
			assert.Equal(Te, tuples(seq, order), tuples(prt, order))
		}
	}
}

func TestConnectedTrimer(Te *testing.T) {
	//a chain 0-1-2 where 0 and 2 are far apart: still a trimer.
	refs := [][3]float64{{0, 0, 0}, {3, 0, 0}, {6, 0, 0}, {30, 0, 0}}
	got, err := Find(refs, 3, 3.5, 0, 4, nil)
	require.NoError(Te, err)
	assert.Equal(Te, []int{0, 1, 2}, got)
	got, err = Find(refs, 3, 2.5, 0, 4, nil)
	require.NoError(Te, err)
	assert.Empty(Te, got)
}

func TestIndexSub(Te *testing.T) {
	refs := randomRefs(40, 12, 4)
	I, err := NewIndex(refs, 6, nil, 2)
	require.NoError(Te, err)
	S, err := I.Sub(4)
	require.NoError(Te, err)
	d, err := S.Trimers(0, len(refs))
	require.NoError(Te, err)
	assert.Equal(Te, bruteForce(refs, 3, 4, 0, len(refs), nil), tuples(d, 3))
	_, err = I.Sub(7)
	assert.Error(Te, err)
}

func TestErrors(Te *testing.T) {
	refs := randomRefs(5, 5, 5)
	_, err := Find(refs, 4, 3, 0, 5, nil)
	assert.Error(Te, err)
	_, err = Find(refs, 2, 3, 0, 6, nil)
	assert.Error(Te, err)
	_, err = Find(refs, 2, -1, 0, 5, nil)
	assert.Error(Te, err)
	got, err := Find(refs[:1], 2, 3, 0, 1, nil)
	require.NoError(Te, err)
	assert.Empty(Te, got)
}
