/*
 * exclusions.go, part of gomb.
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

package topo

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// Exclusions records which site pairs of a monomer are 1-2, 1-3 or 1-4
// bonded neighbors, i.e. are 1, 2 or 3 bonds apart in the bonded graph.
type Exclusions struct {
	n     int
	level []int8 //0 for not excluded, 2, 3 or 4 otherwise.
}

// NewExclusions builds the exclusion table of a monomer of nsites sites from its bonds.
// Virtual sites need to be included in the bond list (bonded to their parent site)
// to be excluded.
func NewExclusions(nsites int, bonds [][2]int) (*Exclusions, error) {
	E := &Exclusions{n: nsites, level: make([]int8, nsites*nsites)}
	if len(bonds) == 0 || nsites < 2 {
		return E, nil
	}
	g := simple.NewUndirectedGraph()
	for i := 0; i < nsites; i++ {
		g.AddNode(simple.Node(i))
	}
	for _, b := range bonds {
		if b[0] < 0 || b[1] < 0 || b[0] >= nsites || b[1] >= nsites || b[0] == b[1] {
			return nil, Error{fmt.Sprintf("invalid bond %v for %d sites", b, nsites), []string{"NewExclusions"}, true}
		}
		g.SetEdge(g.NewEdge(simple.Node(b[0]), simple.Node(b[1])))
	}
	paths := path.DijkstraAllPaths(g)
	for i := 0; i < nsites; i++ {
		for j := i + 1; j < nsites; j++ {
			w := paths.Weight(int64(i), int64(j))
			if math.IsInf(w, 1) || w > 3 {
				continue
			}
			E.level[i*nsites+j] = int8(w) + 1
			E.level[j*nsites+i] = int8(w) + 1
		}
	}
	return E, nil
}

// Level returns 2, 3 or 4 if sites i and j are 1-2, 1-3 or 1-4 neighbors, 0 otherwise.
func (E *Exclusions) Level(i, j int) int {
	if E == nil || i == j {
		return 0
	}
	return int(E.level[i*E.n+j])
}

// Excluded returns true if the pair i,j is a 1-2, 1-3 or 1-4 pair.
func (E *Exclusions) Excluded(i, j int) bool {
	return E.Level(i, j) != 0
}

// Pairs returns the excluded pairs (i<j) at the given level.
func (E *Exclusions) Pairs(level int) [][2]int {
	var ret [][2]int
	for i := 0; i < E.n; i++ {
		for j := i + 1; j < E.n; j++ {
			if E.Level(i, j) == level {
				ret = append(ret, [2]int{i, j})
			}
		}
	}
	return ret
}
