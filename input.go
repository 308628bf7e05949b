/*
 * input.go, part of gomb.
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
	"os"

	"github.com/rmera/gomb/params"
	"gopkg.in/yaml.v3"
)

// MonomerInput is one monomer of an input file: its type, the labels of its
// real sites and their coordinates, in Angstrom.
type MonomerInput struct {
	Type   string    `yaml:"type"`
	Labels []string  `yaml:"labels"`
	Xyz    []float64 `yaml:"xyz"`
}

// Input describes a system: settings, the parameter file (empty for the
// built-in database) and the monomers.
type Input struct {
	Config   Config         `yaml:"config"`
	Params   string         `yaml:"params"`
	Monomers []MonomerInput `yaml:"monomers"`
}

// LoadInput reads a YAML input from r. Settings not given keep their defaults.
func LoadInput(r io.Reader) (*Input, error) {
	in := &Input{Config: DefaultConfig()}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(in); err != nil && err != io.EOF {
		return nil, fmt.Errorf("LoadInput: parsing input: %w", err)
	}
	if err := in.Config.Validate(); err != nil {
		return nil, errDecorate(err, "LoadInput")
	}
	return in, nil
}

// LoadInputFile reads the YAML input file name.
func LoadInputFile(name string) (*Input, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("LoadInputFile: %w", err)
	}
	defer f.Close()
	return LoadInput(f)
}

// Database returns the parameter database of the input. dbfile, if not empty,
// overrides the input's own parameter file.
func (in *Input) Database(dbfile string) (*params.Database, error) {
	if dbfile == "" {
		dbfile = in.Params
	}
	if dbfile == "" {
		return params.Default()
	}
	return params.LoadFile(dbfile)
}

// System builds and finalizes the system described by the input, with the
// parameters from db, or from the input's own parameter file if db is nil.
func (in *Input) System(db *params.Database) (*System, error) {
	if db == nil {
		var err error
		if db, err = in.Database(""); err != nil {
			return nil, errDecorate(err, "System")
		}
	}
	s, err := NewSystem(db, in.Config)
	if err != nil {
		return nil, errDecorate(err, "System")
	}
	for i, m := range in.Monomers {
		if err := s.AddMonomer(m.Xyz, m.Labels, m.Type); err != nil {
			return nil, errDecorate(err, fmt.Sprintf("System (monomer %d)", i))
		}
	}
	if err := s.Finalize(); err != nil {
		return nil, errDecorate(err, "System")
	}
	return s, nil
}
