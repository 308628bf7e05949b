/*
 * histo.go, part of gomb.
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

// Package histo accumulates scalar series, such as the energy components of
// the frames of a trajectory, and summarizes them as statistics and histograms.
package histo

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Data is a histogram with arbitrary bin dividers. Bin i counts the values v
// with dividers[i] <= v < dividers[i+1]; values outside the dividers are
// not counted, but they are included in the total.
type Data struct {
	normalized bool
	total      int
	dividers   []float64
	histo      []float64
}

// NewData returns a histogram with a copy of dividers, which must be sorted and
// have at least 2 elements, filled with rawdata, which can be nil.
func NewData(dividers []float64, rawdata []float64) (*Data, error) {
	if len(dividers) < 2 || !sort.Float64sAreSorted(dividers) {
		return nil, fmt.Errorf("histo: invalid dividers %v", dividers)
	}
	d := &Data{dividers: append([]float64(nil), dividers...), histo: make([]float64, len(dividers)-1)}
	d.AddData(rawdata...)
	return d, nil
}

// Uniform returns n+1 evenly spaced dividers from min to max. If max is not
// larger than min, the range is widened by 0.5 on each side, so a series of
// identical values still falls in the middle bin.
func Uniform(min, max float64, n int) []float64 {
	if n < 1 {
		n = 1
	}
	if !(max > min) {
		min, max = min-0.5, max+0.5
	}
	d := make([]float64, n+1)
	floats.Span(d, min, max)
	//the maximum itself goes in the last bin
	d[n] = math.Nextafter(max, math.Inf(1))
	return d
}

// AddData adds points to the histogram.
func (D *Data) AddData(point ...float64) {
	if len(point) == 0 {
		return
	}
	norm := D.normalized
	D.UnNormalize()
	in := make([]float64, 0, len(point))
	last := D.dividers[len(D.dividers)-1]
	for _, v := range point {
		if v >= D.dividers[0] && v < last {
			in = append(in, v)
		}
	}
	sort.Float64s(in)
	if len(in) > 0 {
		floats.Add(D.histo, stat.Histogram(nil, D.dividers, in, nil))
	}
	D.total += len(point)
	if norm {
		D.Normalize()
	}
}

// Total returns the number of points added, including those outside the dividers.
func (D *Data) Total() int { return D.total }

// Normalized returns true if the histogram is normalized.
func (D *Data) Normalized() bool { return D.normalized }

// Normalize divides every bin by the total number of points.
func (D *Data) Normalize() {
	if D.normalized || D.total == 0 {
		return
	}
	floats.Scale(1/float64(D.total), D.histo)
	D.normalized = true
}

// UnNormalize reverts Normalize.
func (D *Data) UnNormalize() {
	if !D.normalized {
		return
	}
	floats.Scale(float64(D.total), D.histo)
	D.normalized = false
}

// View returns the bins, not a copy.
func (D *Data) View() []float64 { return D.histo }

// Dividers returns a copy of the dividers.
func (D *Data) Dividers() []float64 { return append([]float64(nil), D.dividers...) }

// Sum returns the sum of the bins.
func (D *Data) Sum() float64 { return floats.Sum(D.histo) }

// String returns two lines: the bin ranges and the bin values.
func (D *Data) String() string {
	d := make([]string, 0, len(D.histo))
	h := make([]string, 0, len(D.histo))
	for i, v := range D.histo {
		d = append(d, fmt.Sprintf("%.4g:%.4g", D.dividers[i], D.dividers[i+1]))
		h = append(h, fmt.Sprintf("%.4g", v))
	}
	return strings.Join(d, " ") + "\n" + strings.Join(h, " ")
}

type jsonData struct {
	Normalized bool      `json:"normalized"`
	Total      int       `json:"total"`
	Dividers   []float64 `json:"dividers"`
	Histo      []float64 `json:"histo"`
}

func (D *Data) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonData{D.normalized, D.total, D.dividers, D.histo})
}

func (D *Data) UnmarshalJSON(b []byte) error {
	var a jsonData
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	if len(a.Dividers) != len(a.Histo)+1 {
		return fmt.Errorf("histo: %d dividers for %d bins", len(a.Dividers), len(a.Histo))
	}
	D.normalized, D.total, D.dividers, D.histo = a.Normalized, a.Total, a.Dividers, a.Histo
	return nil
}

// Series is a named set of scalar series, each one grown a point at a time.
type Series struct {
	names  []string
	values map[string][]float64
}

// NewSeries returns an empty set with the given series, kept in that order.
func NewSeries(names ...string) *Series {
	s := &Series{values: make(map[string][]float64, len(names))}
	for _, n := range names {
		s.names = append(s.names, n)
		s.values[n] = nil
	}
	return s
}

// Add appends v to the series name, which is created if needed.
func (S *Series) Add(name string, v float64) {
	if _, ok := S.values[name]; !ok {
		S.names = append(S.names, name)
	}
	S.values[name] = append(S.values[name], v)
}

// Names returns the names of the series.
func (S *Series) Names() []string { return append([]string(nil), S.names...) }

// Values returns the points of the series name, not a copy.
func (S *Series) Values(name string) []float64 { return S.values[name] }

// Summary holds the statistics of a series.
type Summary struct {
	N      int     `json:"n"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Histo  *Data   `json:"histogram,omitempty"`
}

// Summarize returns the statistics of the series name and, if bins > 0, its
// histogram over its own range. The standard deviation of a single point is 0.
func (S *Series) Summarize(name string, bins int) (Summary, error) {
	v := S.values[name]
	if len(v) == 0 {
		return Summary{}, fmt.Errorf("histo: empty series %q", name)
	}
	sum := Summary{N: len(v), Min: floats.Min(v), Max: floats.Max(v)}
	if len(v) == 1 {
		sum.Mean = v[0]
	} else {
		sum.Mean, sum.StdDev = stat.MeanStdDev(v, nil)
	}
	if bins > 0 {
		var err error
		if sum.Histo, err = NewData(Uniform(sum.Min, sum.Max, bins), v); err != nil {
			return Summary{}, err
		}
	}
	return sum, nil
}
