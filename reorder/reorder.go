/*
 * reorder.go, part of gomb.
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

// Package reorder converts per-site arrays between the monomer-major layout
// (all values of one monomer together, monomers consecutive) and the site-major
// layout (the same site of every monomer of a type together), one block per
// monomer type. The transform is a pure permutation.
package reorder

import "fmt"

// Block describes the monomers of one type: NMon monomers of NSites sites each.
type Block struct {
	NMon   int
	NSites int
}

// Layout is an ordered sequence of blocks; block b starts at site First(b).
type Layout struct {
	blocks []Block
	first  []int
	nsites int
}

// New returns the layout for the given blocks, in order.
func New(blocks []Block) *Layout {
	L := &Layout{blocks: append([]Block(nil), blocks...), first: make([]int, len(blocks))}
	for b, bl := range blocks {
		L.first[b] = L.nsites
		L.nsites += bl.NMon * bl.NSites
	}
	return L
}

// Len returns the total number of sites in the layout.
func (L *Layout) Len() int { return L.nsites }

// Blocks returns the number of blocks.
func (L *Layout) Blocks() int { return len(L.blocks) }

// Block returns the block b.
func (L *Layout) Block(b int) Block { return L.blocks[b] }

// First returns the index of the first site of block b.
func (L *Layout) First(b int) int { return L.first[b] }

// MonomerMajorIndex returns the position of component c of site i of monomer m
// of block b in a monomer-major array with stride values per site.
func (L *Layout) MonomerMajorIndex(b, m, i, c, stride int) int {
	return stride*(L.first[b]+m*L.blocks[b].NSites+i) + c
}

// SiteMajorIndex returns the position of component c of site i of monomer m
// of block b in a site-major array with stride values per site.
func (L *Layout) SiteMajorIndex(b, m, i, c, stride int) int {
	n := L.blocks[b].NMon
	return stride*L.first[b] + stride*i*n + c*n + m
}

func (L *Layout) check(dst, src []float64, stride int) {
	if len(src) != stride*L.nsites || len(dst) != len(src) {
		panic(fmt.Sprintf("reorder: arrays of length %d and %d do not fit %d sites with stride %d", len(dst), len(src), L.nsites, stride))
	}
}

// Reorder writes in dst the site-major version of the monomer-major array src.
// stride is the number of values per site (3 for coordinates, 1 for charges).
func (L *Layout) Reorder(dst, src []float64, stride int) []float64 {
	if dst == nil {
		dst = make([]float64, len(src))
	}
	L.check(dst, src, stride)
	for b, bl := range L.blocks {
		for m := 0; m < bl.NMon; m++ {
			for i := 0; i < bl.NSites; i++ {
				for c := 0; c < stride; c++ {
					dst[L.SiteMajorIndex(b, m, i, c, stride)] = src[L.MonomerMajorIndex(b, m, i, c, stride)]
				}
			}
		}
	}
	return dst
}

// InverseReorder writes in dst the monomer-major version of the site-major array src.
func (L *Layout) InverseReorder(dst, src []float64, stride int) []float64 {
	if dst == nil {
		dst = make([]float64, len(src))
	}
	L.check(dst, src, stride)
	for b, bl := range L.blocks {
		for m := 0; m < bl.NMon; m++ {
			for i := 0; i < bl.NSites; i++ {
				for c := 0; c < stride; c++ {
					dst[L.MonomerMajorIndex(b, m, i, c, stride)] = src[L.SiteMajorIndex(b, m, i, c, stride)]
				}
			}
		}
	}
	return dst
}

// AddInverse adds the monomer-major version of the site-major array src to dst.
// It is the accumulating form of InverseReorder, used for gradients.
func (L *Layout) AddInverse(dst, src []float64, stride int) {
	L.check(dst, src, stride)
	for b, bl := range L.blocks {
		for m := 0; m < bl.NMon; m++ {
			for i := 0; i < bl.NSites; i++ {
				for c := 0; c < stride; c++ {
					dst[L.MonomerMajorIndex(b, m, i, c, stride)] += src[L.SiteMajorIndex(b, m, i, c, stride)]
				}
			}
		}
	}
}
