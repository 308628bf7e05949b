/*
 * metrics.go, part of gomb.
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

// Package metrics collects timings and energies of the energy components of a
// system with Prometheus. A nil *Timers is valid and records nothing, so
// library code can call it unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Component names.
const (
	OneBody   = "onebody"
	TwoBody   = "twobody"
	ThreeBody = "threebody"
	Disp      = "dispersion"
	Buck      = "repulsion"
	Elec      = "electrostatics"
	Clusters  = "clusters"
	Total     = "total"
)

// Timers holds the collectors for one system.
type Timers struct {
	duration *prometheus.HistogramVec
	energy   *prometheus.GaugeVec
	dipoles  prometheus.Histogram
	failures *prometheus.CounterVec
}

// NewTimers creates the collectors and registers them with reg, which can be nil
// to keep them unregistered.
func NewTimers(reg prometheus.Registerer) (*Timers, error) {
	T := &Timers{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gomb",
			Name:      "component_duration_seconds",
			Help:      "Wall time of each energy component evaluation.",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 12),
		}, []string{"component"}),
		energy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gomb",
			Name:      "component_energy_kcal_mol",
			Help:      "Energy of each component in the last evaluation.",
		}, []string{"component"}),
		dipoles: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gomb",
			Name:      "dipole_iterations",
			Help:      "Iterations needed to converge the induced dipoles.",
			Buckets:   prometheus.LinearBuckets(2, 4, 10),
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gomb",
			Name:      "component_failures_total",
			Help:      "Evaluations of a component that returned an error.",
		}, []string{"component"}),
	}
	if reg == nil {
		return T, nil
	}
	for _, c := range []prometheus.Collector{T.duration, T.energy, T.dipoles, T.failures} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return T, nil
}

// Start starts timing component and returns the function that stops the timer.
func (T *Timers) Start(component string) func() {
	if T == nil {
		return func() {}
	}
	t := time.Now()
	return func() {
		T.duration.WithLabelValues(component).Observe(time.Since(t).Seconds())
	}
}

// SetEnergy records the last energy of component.
func (T *Timers) SetEnergy(component string, e float64) {
	if T == nil {
		return
	}
	T.energy.WithLabelValues(component).Set(e)
}

// ObserveDipoleIterations records the iterations of one dipole solve.
func (T *Timers) ObserveDipoleIterations(n int) {
	if T == nil {
		return
	}
	T.dipoles.Observe(float64(n))
}

// Failed counts a failed evaluation of component.
func (T *Timers) Failed(component string) {
	if T == nil {
		return
	}
	T.failures.WithLabelValues(component).Inc()
}
