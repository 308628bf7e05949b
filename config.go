/*
 * config.go, part of gomb.
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

package mb

import (
	"fmt"
	"io"
	"strings"

	"github.com/rmera/gomb/elec"
	"github.com/rmera/gomb/pme"
	v3 "github.com/rmera/gomb/v3"
	"gopkg.in/yaml.v3"
)

// Dispersion modes. In DimerDispersion, dispersion and repulsion are added per
// dimer to the two-body energy. In FullDispersion they are evaluated over the
// whole system, with intramolecular terms and the optional Ewald sum, and
// reported as their own components.
const (
	DimerDispersion = "dimer"
	FullDispersion  = "full"
)

// Config holds the run settings of a System.
type Config struct {
	Cutoff2b       float64   `yaml:"cutoff2b"`
	Cutoff3b       float64   `yaml:"cutoff3b"`
	ReuseNeighbors bool      `yaml:"reuse_neighbors"` //find trimers within the dimer neighbor lists
	MaxEval1b      int       `yaml:"max_eval_1b"`     //monomers per batch
	MaxEval2b      int       `yaml:"max_eval_2b"`     //dimers per batch
	MaxEval3b      int       `yaml:"max_eval_3b"`     //trimers per batch
	DipoleTol      float64   `yaml:"dipole_tol"`
	DipoleMaxIt    int       `yaml:"dipole_max_it"`
	DipoleMethod   string    `yaml:"dipole_method"`
	ASPCOrder      int       `yaml:"aspc_order"`
	Box            []float64 `yaml:"box"` //three lattice vectors, empty for open boundary
	DispAlpha      float64   `yaml:"disp_alpha"`
	PMEDensity     float64   `yaml:"pme_density"`
	PMEOrder       int       `yaml:"pme_order"`
	DispMode       string    `yaml:"disp_mode"`
	Workers        int       `yaml:"workers"` //0 for all CPUs
	CheckFinite    bool      `yaml:"check_finite"`
}

// DefaultConfig returns the default settings: 9 and 4.5 A cutoffs, conjugate
// gradient dipoles converged to 1e-8 in at most 100 iterations, open boundary,
// dispersion per dimer.
func DefaultConfig() Config {
	return Config{
		Cutoff2b:     9,
		Cutoff3b:     4.5,
		MaxEval1b:    1024,
		MaxEval2b:    1024,
		MaxEval3b:    1024,
		DipoleTol:    1e-8,
		DipoleMaxIt:  100,
		DipoleMethod: elec.CG,
		ASPCOrder:    2,
		PMEDensity:   pme.DefaultDensity,
		PMEOrder:     pme.DefaultOrder,
		DispMode:     DimerDispersion,
		CheckFinite:  true,
	}
}

// LoadConfig reads a YAML configuration from r. Missing keys keep their
// default values; unknown keys are an error.
func LoadConfig(r io.Reader) (Config, error) {
	c := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return c, fmt.Errorf("LoadConfig: parsing configuration: %w", err)
	}
	return c, errDecorate(c.Validate(), "LoadConfig")
}

// Lattice returns the lattice of the box, or nil for open boundary conditions.
func (c Config) Lattice() (*v3.Lattice, error) {
	if len(c.Box) == 0 {
		return nil, nil
	}
	if len(c.Box) != 9 {
		return nil, newConfigurationError("Lattice", "box needs 9 components, got %d", len(c.Box))
	}
	lat, err := v3.NewLattice(c.Box)
	if err != nil {
		return nil, newConfigurationError("Lattice", "invalid box: %s", err.Error())
	}
	return lat, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Cutoff2b <= 0 || c.Cutoff3b <= 0 {
		return newCutoffError("Validate", "cutoffs must be positive, got %g and %g", c.Cutoff2b, c.Cutoff3b)
	}
	if c.ReuseNeighbors && c.Cutoff3b > c.Cutoff2b {
		return newCutoffError("Validate", "3-body cutoff %g exceeds the 2-body cutoff %g while reusing neighbors", c.Cutoff3b, c.Cutoff2b)
	}
	if c.MaxEval1b <= 0 || c.MaxEval2b <= 0 || c.MaxEval3b <= 0 {
		return newConfigurationError("Validate", "batch sizes must be positive, got %d, %d, %d", c.MaxEval1b, c.MaxEval2b, c.MaxEval3b)
	}
	if c.DipoleTol <= 0 || c.DipoleMaxIt <= 0 {
		return newConfigurationError("Validate", "invalid dipole tolerance %g or maximum iterations %d", c.DipoleTol, c.DipoleMaxIt)
	}
	switch strings.ToLower(c.DipoleMethod) {
	case elec.Iter, elec.CG, elec.ASPC:
	default:
		return newConfigurationError("Validate", "unknown dipole method %q", c.DipoleMethod)
	}
	if c.ASPCOrder < 0 {
		return newConfigurationError("Validate", "negative ASPC order %d", c.ASPCOrder)
	}
	switch c.DispMode {
	case DimerDispersion, FullDispersion:
	default:
		return newConfigurationError("Validate", "unknown dispersion mode %q", c.DispMode)
	}
	if c.DispAlpha < 0 {
		return newConfigurationError("Validate", "negative Ewald parameter %g", c.DispAlpha)
	}
	if c.DispAlpha > 0 && c.DispMode == DimerDispersion {
		return newConfigurationError("Validate", "the dispersion Ewald sum needs the %q dispersion mode", FullDispersion)
	}
	if c.DispAlpha > 0 && (c.PMEDensity <= 0 || c.PMEOrder < 3) {
		return newConfigurationError("Validate", "invalid PME grid density %g or spline order %d", c.PMEDensity, c.PMEOrder)
	}
	if c.Workers < 0 {
		return newConfigurationError("Validate", "negative number of workers %d", c.Workers)
	}
	_, err := c.Lattice()
	return errDecorate(err, "Validate")
}
