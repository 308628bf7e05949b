/*
 * params_test.go, part of gomb.
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

package params

import (
	"math"
	"strings"
	"testing"

	"github.com/rmera/gomb/topo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(Te *testing.T) {
	D, err := Default()
	require.NoError(Te, err)
	assert.Equal(Te, []string{"cl", "co2", "h2o", "na"}, D.MonomerIDs())
	assert.Equal(Te, 0.4, D.ACC)
	w, ok := D.Monomer("h2o")
	require.True(Te, ok)
	assert.Equal(Te, 4, w.NSites())
	assert.Equal(Te, 3, w.NReal)
	assert.Equal(Te, []string{"O", "H", "H", "M"}, w.Labels)
	assert.Len(Te, w.Terms, 3)
	assert.True(Te, w.Excl.Excluded(1, 3))
	assert.Equal(Te, topo.Bond, w.Terms[0].Kind)
	var q float64
	for _, c := range w.Charges {
		q += c
	}
	assert.InDelta(Te, 0.0, q, 1e-12)
	D2, err := Default()
	require.NoError(Te, err)
	assert.Same(Te, D, D2)
}

func TestPairs(Te *testing.T) {
	D, err := Default()
	require.NoError(Te, err)
	c6, d6 := D.Dispersion("h2o", 0, "h2o", 0)
	assert.Equal(Te, 544.0, c6)
	assert.Equal(Te, 3.2, d6)
	//explicit pairs are symmetric
	c6a, _ := D.Dispersion("na", 0, "cl", 0)
	c6b, _ := D.Dispersion("cl", 0, "na", 0)
	assert.Equal(Te, c6a, c6b)
	//combination rule
	c6, d6 = D.Dispersion("h2o", 1, "co2", 0)
	assert.InDelta(Te, 5.9161*17.3205, c6, 1e-12)
	assert.InDelta(Te, 3.3, d6, 1e-12)
	a, b, ok := D.Buckingham("cl", 0, "na", 0)
	assert.True(Te, ok)
	assert.Equal(Te, 100000.0, a)
	assert.Equal(Te, 3.1546, b)
	_, _, ok = D.Buckingham("h2o", 1, "na", 0)
	assert.False(Te, ok)
}

func TestPolynomialLookup(Te *testing.T) {
	D, err := Default()
	require.NoError(Te, err)
	P, perm, ok := D.TwoBody("na", "h2o")
	require.True(Te, ok)
	assert.Equal(Te, []string{"h2o", "na"}, P.Types())
	assert.Equal(Te, []int{1, 0}, perm)
	_, _, ok = D.TwoBody("co2", "h2o")
	assert.False(Te, ok)
	P, perm, ok = D.ThreeBody("h2o", "h2o", "h2o")
	require.True(Te, ok)
	assert.Equal(Te, 3, P.Order())
	assert.Equal(Te, []int{0, 1, 2}, perm)
}

func TestVirtual(Te *testing.T) {
	D, err := Default()
	require.NoError(Te, err)
	w, _ := D.Monomer("h2o")
	xyz := []float64{0, 0, 0, 0.757, 0.586, 0, -0.757, 0.586, 0, 99, 99, 99}
	w.PlaceVirtual(xyz)
	assert.InDelta(Te, 0.0, xyz[9], 1e-12)
	assert.InDelta(Te, 2*0.213353441*0.586, xyz[10], 1e-12)
	all := []float64{0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 2, 3}
	real := make([]float64, 9)
	w.FoldVirtual(all, real)
	var sum float64
	for i := 0; i < 9; i += 3 {
		sum += real[i+1]
	}
	//the weights add to one, so the total force is kept
	assert.InDelta(Te, 2.0, sum, 1e-8)
}

func TestLoadErrors(Te *testing.T) {
	_, err := Load(strings.NewReader("[[monomer]]\nid = \"x\"\nsites = [\"A\"]\ncharges = [1.0, 2.0]\npols=[0.0]\npolfacs=[0.0]\nc6lr=[0.0]\nd6=[0.0]\n"))
	assert.Error(Te, err)
	_, err = Load(strings.NewReader("this is not toml ="))
	assert.Error(Te, err)
	good := `
[[monomer]]
id = "ar"
sites = ["Ar"]
charges = [0.0]
pols = [1.64]
polfacs = [1.64]
c6lr = [8.0]
d6 = [2.5]

[[dispersion]]
sites = ["ar:Ar", "ar:Xe"]
c6 = 1.0
d6 = 1.0
`
	_, err = Load(strings.NewReader(good))
	assert.Error(Te, err)
	D, err := Load(strings.NewReader(good[:strings.Index(good, "[[dispersion]]")]))
	require.NoError(Te, err)
	assert.Equal(Te, DefaultADD, D.ADD)
	ar, _ := D.Monomer("ar")
	assert.False(Te, math.IsNaN(ar.Pols[0]))
}
