/*
 * metrics_test.go, part of gomb.
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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimers(Te *testing.T) {
	reg := prometheus.NewRegistry()
	T, err := NewTimers(reg)
	require.NoError(Te, err)
	stop := T.Start(TwoBody)
	stop()
	T.Start(TwoBody)()
	T.SetEnergy(Elec, -12.5)
	T.ObserveDipoleIterations(7)
	T.Failed(Elec)
	assert.Equal(Te, -12.5, testutil.ToFloat64(T.energy.WithLabelValues(Elec)))
	assert.Equal(Te, 1.0, testutil.ToFloat64(T.failures.WithLabelValues(Elec)))
	assert.Equal(Te, 1, testutil.CollectAndCount(T.dipoles))
	assert.Equal(Te, 1, testutil.CollectAndCount(T.duration))
	n, err := testutil.GatherAndCount(reg)
	require.NoError(Te, err)
	assert.Equal(Te, 4, n)
	//registering twice fails
	_, err = NewTimers(reg)
	assert.Error(Te, err)
}

func TestNil(Te *testing.T) {
	var T *Timers
	assert.NotPanics(Te, func() {
		T.Start(OneBody)()
		T.SetEnergy(OneBody, 1)
		T.ObserveDipoleIterations(3)
		T.Failed(OneBody)
	})
	U, err := NewTimers(nil)
	require.NoError(Te, err)
	U.SetEnergy(Total, 2)
	assert.Equal(Te, 2.0, testutil.ToFloat64(U.energy.WithLabelValues(Total)))
}
