/*
 * energy.go, part of gomb.
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

package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	mb "github.com/rmera/gomb"
	"github.com/rmera/gomb/dist"
	"github.com/rmera/gomb/histo"
	"github.com/rmera/gomb/metrics"
	"github.com/rmera/gomb/traj/dcd"
	"github.com/rmera/gomb/traj/stf"
	v3 "github.com/rmera/gomb/v3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	inputFile  string
	paramsFile string
	gradFile   string
	trajFile   string
	ranks      int
	showStats  bool
	bins       int
)

var energyCmd = &cobra.Command{
	Use:   "energy",
	Short: "Compute the energy of a system, or of every frame of a trajectory",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnergy(cmd.OutOrStdout())
	},
}

func init() {
	energyCmd.Flags().StringVarP(&inputFile, "input", "i", "", "YAML input file")
	energyCmd.Flags().StringVar(&paramsFile, "params", "", "TOML parameter file, overrides the one in the input")
	energyCmd.Flags().StringVar(&gradFile, "grad", "", "write the real-site gradients to this trajectory (stf, or dcd if the name contains .dcd)")
	energyCmd.Flags().StringVar(&trajFile, "traj", "", "trajectory with the real-site coordinates of each frame (stf or dcd)")
	energyCmd.Flags().IntVar(&ranks, "ranks", 1, "number of in-process ranks for the short-range terms")
	energyCmd.Flags().BoolVar(&showStats, "metrics", false, "print the collected metrics at the end")
	energyCmd.Flags().IntVar(&bins, "bins", 0, "with --traj, also print a histogram of the total energy with this many bins")
	_ = energyCmd.MarkFlagRequired("input")
}

// trajReader and trajWriter are the trajectory formats accepted by --traj and --grad.
type trajReader interface {
	Len() int
	Next(c *v3.Matrix, box ...[]float64) error
}

type trajWriter interface {
	WNext(c *v3.Matrix, box ...[]float64) error
	Close() error
}

func isDCD(name string) bool { return strings.Contains(strings.ToLower(filepath.Base(name)), ".dcd") }

func openTraj(name string) (trajReader, func(), error) {
	if isDCD(name) {
		r, err := dcd.New(name)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { r.Close() }, nil
	}
	r, header, err := stf.New(name)
	if err != nil {
		return nil, nil, err
	}
	log.WithField("header", header).Debug("gomb: trajectory opened")
	return r, r.Close, nil
}

func createTraj(name string, natoms int) (trajWriter, error) {
	if isDCD(name) {
		return dcd.NewWriter(name, natoms, false)
	}
	return stf.NewWriter(name, natoms, map[string]string{"prec": "6", "units": "kcal/mol/A"})
}

func loadSystem(name, dbfile string) (*mb.System, error) {
	in, err := mb.LoadInputFile(name)
	if err != nil {
		return nil, err
	}
	db, err := in.Database(dbfile)
	if err != nil {
		return nil, err
	}
	return in.System(db)
}

// evaluate returns the energy components and, if grad is true, the real-site gradient.
func evaluate(s *mb.System, ranks int, grad bool) (mb.Components, []float64, error) {
	if ranks <= 1 {
		if _, err := s.Energy(grad); err != nil {
			return mb.Components{}, nil, err
		}
		var g []float64
		if grad {
			g = s.GetRealGrads()
		}
		return s.Components(), g, nil
	}
	domains, err := dist.Decompose(s, ranks)
	if err != nil {
		return mb.Components{}, nil, err
	}
	var res *dist.Result
	err = dist.Run(ranks, func(c dist.Comm) error {
		r, err := dist.Evaluate(c, s, domains[c.Rank()], grad)
		if c.Rank() == 0 {
			res = r
		}
		return err
	})
	if err != nil {
		return mb.Components{}, nil, err
	}
	return res.Components, res.Grad, nil
}

type term struct {
	name string
	e    float64
}

func terms(c mb.Components) []term {
	return []term{
		{"one-body", c.OneBody},
		{"two-body", c.TwoBody},
		{"three-body", c.ThreeBody},
		{"dispersion", c.Dispersion},
		{"repulsion", c.Repulsion},
		{"permanent", c.Permanent},
		{"induced", c.Induced},
		{"total", c.Total()},
	}
}

func printComponents(w io.Writer, frame int, c mb.Components) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	if frame >= 0 {
		fmt.Fprintf(tw, "frame\t%d\t\n", frame)
	}
	for _, t := range terms(c) {
		fmt.Fprintf(tw, "%s\t%.8f\t\n", t.name, t.e)
	}
	tw.Flush()
}

// printSummary prints the statistics of every component over the frames and
// the histogram of the total energy if bins > 0.
func printSummary(w io.Writer, series *histo.Series, bins int) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "\tmean\tstddev\tmin\tmax\t\n")
	var total histo.Summary
	for _, name := range series.Names() {
		b := 0
		if name == "total" {
			b = bins
		}
		sum, err := series.Summarize(name, b)
		if err != nil {
			return err
		}
		if name == "total" {
			total = sum
		}
		fmt.Fprintf(tw, "%s\t%.8f\t%.8f\t%.8f\t%.8f\t\n", name, sum.Mean, sum.StdDev, sum.Min, sum.Max)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if total.Histo != nil {
		fmt.Fprintf(w, "total energy histogram, %d frames:\n%s\n", total.N, total.Histo)
	}
	return nil
}

func runEnergy(out io.Writer) error {
	s, err := loadSystem(inputFile, paramsFile)
	if err != nil {
		return err
	}
	var reg *prometheus.Registry
	if showStats {
		reg = prometheus.NewRegistry()
		timers, err := metrics.NewTimers(reg)
		if err != nil {
			return err
		}
		s.SetTimers(timers)
	}
	var gw trajWriter
	if gradFile != "" {
		if gw, err = createTraj(gradFile, s.GetNumRealSites()); err != nil {
			return err
		}
	}
	writeGrad := func(g []float64) error {
		if gw == nil {
			return nil
		}
		m, err := v3.NewMatrix(g)
		if err != nil {
			return err
		}
		return gw.WNext(m)
	}
	if trajFile == "" {
		c, g, err := evaluate(s, ranks, gw != nil)
		if err != nil {
			return err
		}
		printComponents(out, -1, c)
		if err := writeGrad(g); err != nil {
			return err
		}
	} else if err := runTrajectory(out, s, gw != nil, writeGrad); err != nil {
		return err
	}
	if gw != nil {
		if err := gw.Close(); err != nil {
			return err
		}
	}
	if !s.AllMonomersGood() {
		log.Warn("some monomers are outside the range of the one-body fit")
	}
	if reg != nil {
		return printMetrics(out, reg)
	}
	return nil
}

func runTrajectory(out io.Writer, s *mb.System, grad bool, writeGrad func([]float64) error) error {
	tr, closer, err := openTraj(trajFile)
	if err != nil {
		return err
	}
	defer closer()
	if tr.Len() != s.GetNumRealSites() {
		return fmt.Errorf("trajectory has %d sites per frame, the system has %d real sites", tr.Len(), s.GetNumRealSites())
	}
	frame := v3.Zeros(tr.Len())
	box := make([]float64, 9)
	series := histo.NewSeries()
	for i := 0; ; i++ {
		for k := range box {
			box[k] = 0
		}
		err := tr.Next(frame, box)
		var last interface{ NormalLastFrameTermination() }
		if errors.As(err, &last) {
			if i == 0 {
				return fmt.Errorf("trajectory %s has no frames", trajFile)
			}
			return printSummary(out, series, bins)
		}
		if err != nil {
			return err
		}
		if err := s.SetRealXyz(frame.Flat()); err != nil {
			return err
		}
		if box[0] != 0 || box[4] != 0 || box[8] != 0 {
			if err := s.SetPBC(box); err != nil {
				return err
			}
		}
		c, g, err := evaluate(s, ranks, grad)
		if err != nil {
			return err
		}
		printComponents(out, i, c)
		for _, t := range terms(c) {
			series.Add(t.name, t.e)
		}
		if err := writeGrad(g); err != nil {
			return err
		}
	}
}

func printMetrics(w io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var label string
			for _, lp := range m.GetLabel() {
				label += fmt.Sprintf("%s=%s ", lp.GetName(), lp.GetValue())
			}
			switch {
			case m.GetGauge() != nil:
				fmt.Fprintf(w, "%s %s%g\n", mf.GetName(), label, m.GetGauge().GetValue())
			case m.GetCounter() != nil:
				fmt.Fprintf(w, "%s %s%g\n", mf.GetName(), label, m.GetCounter().GetValue())
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				fmt.Fprintf(w, "%s %scount=%d sum=%g\n", mf.GetName(), label, h.GetSampleCount(), h.GetSampleSum())
			}
		}
	}
	return nil
}
