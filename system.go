/*
 * system.go, part of gomb.
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

// Package mb computes the potential energy and gradients of molecular systems
// with a many-body expansion: one-body (intramolecular deformation), two-body
// (fitted polynomial plus dispersion), three-body (fitted polynomial) and
// long-range electrostatics with induced dipoles.
//
// A System is built by adding monomers, then finalized. After Finalize only the
// coordinates, the box and the run settings can change. Every energy call
// recomputes everything from the current coordinates.
//
// Coordinates and gradients exposed by a System are flat x,y,z sequences in
// the order the monomers were added, with the virtual sites of each monomer
// after its real sites, unless a method says otherwise. Internally, monomers
// of the same type are kept contiguous, which is the layout the dispersion and
// electrostatics engines expect.
package mb

import (
	"reflect"
	"slices"

	"github.com/rmera/gomb/cluster"
	"github.com/rmera/gomb/disp"
	"github.com/rmera/gomb/elec"
	"github.com/rmera/gomb/metrics"
	"github.com/rmera/gomb/params"
	"github.com/rmera/gomb/reorder"
	v3 "github.com/rmera/gomb/v3"
	log "github.com/sirupsen/logrus"
)

// BadMonomerEnergy is the one-body energy, in kcal/mol, above which a monomer
// is considered too distorted for the fitted potentials.
const BadMonomerEnergy = 60.0

// VirtualLabel is the name reported for virtual sites.
const VirtualLabel = "virt"

// System is the aggregate of monomers whose energy is computed.
// It is not safe for concurrent use.
type System struct {
	db        *params.Database
	cfg       Config
	lat       *v3.Lattice
	finalized bool

	mons  []*params.Monomer //per monomer, in input order
	input [][]float64       //real coordinates given before Finalize

	first     []int //first site of each monomer
	firstReal []int //first real site of each monomer, counting real sites only
	nsites    int
	nreal     int
	xyz       []float64
	local     []bool //nil if every monomer is local

	types    []*params.Monomer //one block per type, by first appearance
	counts   []int
	internal []int //internal (type-sorted) monomer -> input monomer
	ifirst   []int //first site of each internal monomer
	layout   *reorder.Layout

	grad   []float64
	virial [9]float64
	comp   Components
	good   []bool
	index  *cluster.Index //2-body neighbors, kept for the 3-body search when reusing neighbors

	disp   *disp.Engine
	elec   *elec.Engine
	timers *metrics.Timers
}

// NewSystem returns an empty system that takes its parameters from db (the
// default database if db is nil) and its settings from cfg.
func NewSystem(db *params.Database, cfg Config) (*System, error) {
	if db == nil {
		var err error
		db, err = params.Default()
		if err != nil {
			return nil, errDecorate(err, "NewSystem")
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, errDecorate(err, "NewSystem")
	}
	lat, _ := cfg.Lattice()
	return &System{db: db, cfg: cfg, lat: lat}, nil
}

// Database returns the parameter database of the system.
func (s *System) Database() *params.Database { return s.db }

// Config returns a copy of the current settings.
func (s *System) Config() Config {
	c := s.cfg
	c.Box = slices.Clone(s.cfg.Box)
	return c
}

// AddMonomer adds a monomer of type typ with real-site coordinates positions
// and labels. The labels must be those of the type's real sites, in order.
func (s *System) AddMonomer(positions []float64, labels []string, typ string) error {
	if s.finalized {
		return newUnsupportedError("AddMonomer", "can't add monomers to a finalized system")
	}
	mon, ok := s.db.Monomer(typ)
	if !ok {
		return newInvalidMonomerError("AddMonomer", typ, "monomer type %q is not in the parameter database", typ)
	}
	if len(positions) != 3*len(labels) {
		return newInvalidMonomerError("AddMonomer", typ, "%d coordinates for %d sites", len(positions), len(labels))
	}
	if !slices.Equal(labels, mon.RealLabels()) {
		return newInvalidMonomerError("AddMonomer", typ, "sites %v don't match %v of monomer %s", labels, mon.RealLabels(), typ)
	}
	s.mons = append(s.mons, mon)
	s.input = append(s.input, slices.Clone(positions))
	return nil
}

// AddMolecule adds several monomers at once. types gives the type of each
// monomer, and positions and labels hold their real sites one after another.
func (s *System) AddMolecule(positions []float64, labels []string, types []string) error {
	at := 0
	for _, t := range types {
		mon, ok := s.db.Monomer(t)
		if !ok {
			return newInvalidMonomerError("AddMolecule", t, "monomer type %q is not in the parameter database", t)
		}
		n := mon.NReal
		if at+n > len(labels) || 3*(at+n) > len(positions) {
			return newInvalidMonomerError("AddMolecule", t, "not enough sites for monomer %s", t)
		}
		if err := s.AddMonomer(positions[3*at:3*(at+n)], labels[at:at+n], t); err != nil {
			return errDecorate(err, "AddMolecule")
		}
		at += n
	}
	if at != len(labels) || 3*at != len(positions) {
		return newInvalidMonomerError("AddMolecule", "", "%d sites left after the last monomer", len(labels)-at)
	}
	return nil
}

// Finalize locks the composition of the system and computes the virtual
// sites and the per-site parameter arrays.
func (s *System) Finalize() error {
	if s.finalized {
		return newUninitializedError("Finalize", "system already finalized")
	}
	if len(s.mons) == 0 {
		return newUninitializedError("Finalize", "no monomers in the system")
	}
	n := len(s.mons)
	s.first = make([]int, n)
	s.firstReal = make([]int, n)
	for m, mon := range s.mons {
		s.first[m], s.firstReal[m] = s.nsites, s.nreal
		s.nsites += mon.NSites()
		s.nreal += mon.NReal
	}
	s.xyz = make([]float64, 3*s.nsites)
	for m, mon := range s.mons {
		copy(s.xyz[3*s.first[m]:], s.input[m])
		mon.PlaceVirtual(s.xyz[3*s.first[m] : 3*(s.first[m]+mon.NSites())])
	}
	s.input = nil
	//blocks in order of first appearance, monomers of each block in input order
	block := make(map[string]int)
	var members [][]int
	for m, mon := range s.mons {
		b, ok := block[mon.ID]
		if !ok {
			b = len(s.types)
			block[mon.ID] = b
			s.types = append(s.types, mon)
			members = append(members, nil)
		}
		members[b] = append(members[b], m)
	}
	blocks := make([]reorder.Block, len(s.types))
	at := 0
	for b, mem := range members {
		s.counts = append(s.counts, len(mem))
		blocks[b] = reorder.Block{NMon: len(mem), NSites: s.types[b].NSites()}
		for _, m := range mem {
			s.internal = append(s.internal, m)
			s.ifirst = append(s.ifirst, at)
			at += s.types[b].NSites()
		}
	}
	s.layout = reorder.New(blocks)
	s.grad = make([]float64, 3*s.nsites)
	s.good = make([]bool, n)
	for m := range s.good {
		s.good[m] = true
	}
	s.finalized = true
	log.WithFields(log.Fields{"monomers": n, "sites": s.nsites, "types": len(s.types)}).Debug("mb: system finalized")
	return nil
}

func (s *System) ready(caller string) error {
	if !s.finalized {
		return newUninitializedError(caller, "system not finalized")
	}
	return nil
}

// SetLocal marks which monomers are owned by this process. Evaluations that
// use ghosts count only local monomers in the one-body energy, and weight each
// cluster by its fraction of local monomers. A nil local marks every monomer as local.
func (s *System) SetLocal(local []bool) error {
	if err := s.ready("SetLocal"); err != nil {
		return err
	}
	if local != nil && len(local) != len(s.mons) {
		return newConfigurationError("SetLocal", "%d locality flags for %d monomers", len(local), len(s.mons))
	}
	s.local = slices.Clone(local)
	return nil
}

// IsLocal returns whether monomer m is local.
func (s *System) IsLocal(m int) bool { return s.local == nil || s.local[m] }

// SetXyz sets the coordinates of every site, virtual ones included. The virtual
// sites are then placed again from the real ones.
func (s *System) SetXyz(xyz []float64) error {
	if err := s.ready("SetXyz"); err != nil {
		return err
	}
	if len(xyz) != 3*s.nsites {
		return newConfigurationError("SetXyz", "%d coordinates for %d sites", len(xyz), s.nsites)
	}
	copy(s.xyz, xyz)
	s.placeVirtual()
	return nil
}

// SetRealXyz sets the coordinates of the real sites and places the virtual ones.
func (s *System) SetRealXyz(xyz []float64) error {
	if err := s.ready("SetRealXyz"); err != nil {
		return err
	}
	if len(xyz) != 3*s.nreal {
		return newConfigurationError("SetRealXyz", "%d coordinates for %d real sites", len(xyz), s.nreal)
	}
	for m, mon := range s.mons {
		copy(s.xyz[3*s.first[m]:3*(s.first[m]+mon.NReal)], xyz[3*s.firstReal[m]:])
	}
	s.placeVirtual()
	return nil
}

func (s *System) placeVirtual() {
	for m, mon := range s.mons {
		mon.PlaceVirtual(s.monXyz(m))
	}
	s.index = nil
}

func (s *System) monXyz(m int) []float64 {
	return s.xyz[3*s.first[m] : 3*(s.first[m]+s.mons[m].NSites())]
}

// SetPBC sets the periodic box, three lattice vectors. A nil box means open
// boundary conditions.
func (s *System) SetPBC(box []float64) error {
	return s.update("SetPBC", func(c *Config) { c.Box = slices.Clone(box) })
}

// Set2bCutoff sets the 2-body cutoff, which is also the dispersion cutoff.
func (s *System) Set2bCutoff(c float64) error {
	return s.update("Set2bCutoff", func(cfg *Config) { cfg.Cutoff2b = c })
}

// Set3bCutoff sets the 3-body cutoff.
func (s *System) Set3bCutoff(c float64) error {
	return s.update("Set3bCutoff", func(cfg *Config) { cfg.Cutoff3b = c })
}

// SetNMaxEval1b sets the number of monomers evaluated per batch.
func (s *System) SetNMaxEval1b(n int) error {
	return s.update("SetNMaxEval1b", func(cfg *Config) { cfg.MaxEval1b = n })
}

// SetNMaxEval2b sets the number of dimers evaluated per batch.
func (s *System) SetNMaxEval2b(n int) error {
	return s.update("SetNMaxEval2b", func(cfg *Config) { cfg.MaxEval2b = n })
}

// SetNMaxEval3b sets the number of trimers evaluated per batch.
func (s *System) SetNMaxEval3b(n int) error {
	return s.update("SetNMaxEval3b", func(cfg *Config) { cfg.MaxEval3b = n })
}

// SetDipoleTol sets the convergence threshold of the induced dipoles.
func (s *System) SetDipoleTol(tol float64) error {
	return s.update("SetDipoleTol", func(cfg *Config) { cfg.DipoleTol = tol })
}

// SetDipoleMaxIt sets the maximum number of dipole iterations.
func (s *System) SetDipoleMaxIt(n int) error {
	return s.update("SetDipoleMaxIt", func(cfg *Config) { cfg.DipoleMaxIt = n })
}

// SetDipoleMethod sets the dipole solver: "iter", "cg" or "aspc".
func (s *System) SetDipoleMethod(method string) error {
	return s.update("SetDipoleMethod", func(cfg *Config) { cfg.DipoleMethod = method })
}

// Configure replaces every setting.
func (s *System) Configure(c Config) error {
	return s.update("Configure", func(cfg *Config) { *cfg = c })
}

// SetTimers sets the collectors that time the energy components. nil disables timing.
func (s *System) SetTimers(t *metrics.Timers) { s.timers = t }

// update applies f to a copy of the configuration and keeps it if it is valid.
// The engines are rebuilt on the next call, except when only the box changes.
func (s *System) update(caller string, f func(*Config)) error {
	c := s.Config()
	f(&c)
	if err := c.Validate(); err != nil {
		return errDecorate(err, caller)
	}
	lat, _ := c.Lattice()
	old := s.cfg
	s.cfg, s.lat = c, lat
	s.index = nil
	old.Box = c.Box
	if !configEqual(old, c) {
		s.disp, s.elec = nil, nil
	}
	return nil
}

func configEqual(a, b Config) bool {
	a.Box, b.Box = nil, nil
	return reflect.DeepEqual(a, b)
}

// ResetDipoleHistory discards the dipoles of previous steps, so the next
// ASPC solve doesn't extrapolate from them. Call it after any discontinuous
// change of the coordinates.
func (s *System) ResetDipoleHistory() {
	if s.elec != nil {
		s.elec.ResetDipoleHistory()
	}
}

// Subsystem returns a new finalized system with the monomers ids of s, in that
// order, with their current coordinates and the same settings, and the
// locality flags local (nil for all local).
func (s *System) Subsystem(ids []int, local []bool) (*System, error) {
	if err := s.ready("Subsystem"); err != nil {
		return nil, err
	}
	sub := &System{db: s.db, cfg: s.Config(), lat: s.lat, timers: s.timers}
	for _, m := range ids {
		if m < 0 || m >= len(s.mons) {
			return nil, newConfigurationError("Subsystem", "monomer %d out of range", m)
		}
		mon := s.mons[m]
		if err := sub.AddMonomer(s.monXyz(m)[:3*mon.NReal], mon.RealLabels(), mon.ID); err != nil {
			return nil, errDecorate(err, "Subsystem")
		}
	}
	if err := sub.Finalize(); err != nil {
		return nil, errDecorate(err, "Subsystem")
	}
	if err := sub.SetLocal(local); err != nil {
		return nil, errDecorate(err, "Subsystem")
	}
	return sub, nil
}

// GetNumMon returns the number of monomers.
func (s *System) GetNumMon() int { return len(s.mons) }

// GetNumSites returns the number of sites, virtual ones included.
func (s *System) GetNumSites() int { return s.nsites }

// GetNumRealSites returns the number of real sites.
func (s *System) GetNumRealSites() int { return s.nreal }

// GetMonNumAt returns the number of sites of monomer m, virtual ones included.
func (s *System) GetMonNumAt(m int) int { return s.mons[m].NSites() }

// GetMonNumRealAt returns the number of real sites of monomer m.
func (s *System) GetMonNumRealAt(m int) int { return s.mons[m].NReal }

// GetFirstInd returns the index of the first site of monomer m.
func (s *System) GetFirstInd(m int) int { return s.first[m] }

// GetFirstRealInd returns the index of the first site of monomer m among the real sites.
func (s *System) GetFirstRealInd(m int) int { return s.firstReal[m] }

// GetMonId returns the type of monomer m.
func (s *System) GetMonId(m int) string { return s.mons[m].ID }

// GetMonTypeCount returns the monomer types in order of first appearance, and how many
// monomers of each type the system has.
func (s *System) GetMonTypeCount() ([]string, []int) {
	ids := make([]string, len(s.types))
	for b, t := range s.types {
		ids[b] = t.ID
	}
	return ids, slices.Clone(s.counts)
}

// Lattice returns the periodic lattice, or nil under open boundary conditions.
func (s *System) Lattice() *v3.Lattice { return s.lat }

func (s *System) siteValues(real bool, f func(mon *params.Monomer) []float64) []float64 {
	var ret []float64
	for _, mon := range s.mons {
		v := f(mon)
		if real {
			v = v[:mon.NReal]
		}
		ret = append(ret, v...)
	}
	return ret
}

// GetCharges returns the charge of every site.
func (s *System) GetCharges() []float64 {
	return s.siteValues(false, func(m *params.Monomer) []float64 { return m.Charges })
}

// GetRealCharges returns the charge of every real site.
func (s *System) GetRealCharges() []float64 {
	return s.siteValues(true, func(m *params.Monomer) []float64 { return m.Charges })
}

// GetPolarizabilities returns the polarizability of every site.
func (s *System) GetPolarizabilities() []float64 {
	return s.siteValues(false, func(m *params.Monomer) []float64 { return m.Pols })
}

// GetRealPolarizabilities returns the polarizability of every real site.
func (s *System) GetRealPolarizabilities() []float64 {
	return s.siteValues(true, func(m *params.Monomer) []float64 { return m.Pols })
}

// GetPolarizabilityFactors returns the Thole polarizability factor of every site.
func (s *System) GetPolarizabilityFactors() []float64 {
	return s.siteValues(false, func(m *params.Monomer) []float64 { return m.Polfacs })
}

// GetRealPolarizabilityFactors returns the Thole polarizability factor of every real site.
func (s *System) GetRealPolarizabilityFactors() []float64 {
	return s.siteValues(true, func(m *params.Monomer) []float64 { return m.Polfacs })
}

// GetAtomNames returns the label of every site, VirtualLabel for virtual sites.
func (s *System) GetAtomNames() []string {
	var ret []string
	for _, mon := range s.mons {
		ret = append(ret, mon.RealLabels()...)
		for range mon.Virtual {
			ret = append(ret, VirtualLabel)
		}
	}
	return ret
}

// GetRealAtomNames returns the label of every real site.
func (s *System) GetRealAtomNames() []string {
	var ret []string
	for _, mon := range s.mons {
		ret = append(ret, mon.RealLabels()...)
	}
	return ret
}

// GetXyz returns a copy of the coordinates of every site.
func (s *System) GetXyz() []float64 { return slices.Clone(s.xyz) }

// GetRealXyz returns a copy of the coordinates of the real sites.
func (s *System) GetRealXyz() []float64 {
	ret := make([]float64, 0, 3*s.nreal)
	for m, mon := range s.mons {
		ret = append(ret, s.monXyz(m)[:3*mon.NReal]...)
	}
	return ret
}

// GetGrads returns a copy of the gradient of every site from the last energy call.
func (s *System) GetGrads() []float64 { return slices.Clone(s.grad) }

// GetRealGrads returns the gradient on the real sites from the last energy call,
// with the gradient on each virtual site distributed to the real sites that define it.
func (s *System) GetRealGrads() []float64 {
	ret := make([]float64, 3*s.nreal)
	for m, mon := range s.mons {
		g := s.grad[3*s.first[m] : 3*(s.first[m]+mon.NSites())]
		mon.FoldVirtual(g, ret[3*s.firstReal[m]:3*(s.firstReal[m]+mon.NReal)])
	}
	return ret
}

// Virial returns the virial tensor, row major, of the last energy call with gradients.
func (s *System) Virial() [9]float64 { return s.virial }

// GetDipoles returns the induced dipoles of the last electrostatics evaluation,
// 3 per site, or nil if there was none.
func (s *System) GetDipoles() []float64 {
	if s.elec == nil || s.elec.Dipoles() == nil {
		return nil
	}
	ret := make([]float64, 3*s.nsites)
	s.fromInternal(ret, s.elec.Dipoles())
	return ret
}

// ExportPointCharges returns the coordinates, charges and labels of every site,
// for use as an embedding environment by electronic structure codes.
func (s *System) ExportPointCharges() (xyz, charges []float64, labels []string) {
	return s.GetXyz(), s.GetCharges(), s.GetAtomNames()
}

// AllMonomersGood returns false if any monomer had a one-body energy above
// BadMonomerEnergy in the last evaluation.
func (s *System) AllMonomersGood() bool {
	for _, g := range s.good {
		if !g {
			return false
		}
	}
	return true
}

// toInternal returns the coordinates of every site in the internal, type-sorted, order.
func (s *System) toInternal() []float64 {
	ret := make([]float64, 3*s.nsites)
	for k, m := range s.internal {
		copy(ret[3*s.ifirst[k]:], s.monXyz(m))
	}
	return ret
}

// fromInternal adds src, in internal order, to dst, in input order.
func (s *System) fromInternal(dst, src []float64) {
	for k, m := range s.internal {
		n := 3 * s.mons[m].NSites()
		d := dst[3*s.first[m] : 3*s.first[m]+n]
		for i, v := range src[3*s.ifirst[k] : 3*s.ifirst[k]+n] {
			d[i] += v
		}
	}
}

// refs returns the reference point of each monomer, its first real site.
func (s *System) refs() [][3]float64 {
	r := make([][3]float64, len(s.mons))
	for m := range s.mons {
		copy(r[m][:], s.xyz[3*s.first[m]:3*s.first[m]+3])
	}
	return r
}

func (s *System) clusterOptions() *cluster.Options {
	O := cluster.DefaultOptions()
	if s.cfg.Workers > 0 {
		O.Workers(s.cfg.Workers)
	}
	return O
}

// FindClusters returns the clusters of the given order (2 or 3) within cutoff
// whose smallest monomer index is in [start,end), as a flat list with stride
// order. Distances are between the first real sites of the monomers. Trimers
// need two of their three pairs within the cutoff.
func (s *System) FindClusters(order int, cutoff float64, start, end int) ([]int, error) {
	if err := s.ready("FindClusters"); err != nil {
		return nil, err
	}
	if order != 2 && order != 3 {
		return nil, newUnsupportedError("FindClusters", "clusters of order %d are not supported", order)
	}
	var ret []int
	var err error
	if s.cfg.Workers == 1 {
		ret, err = cluster.Find(s.refs(), order, cutoff, start, end, s.lat)
	} else {
		ret, err = cluster.FindPartitioned(s.refs(), order, cutoff, start, end, s.lat, s.clusterOptions())
	}
	if err != nil {
		return nil, newConfigurationError("FindClusters", "%s", err.Error())
	}
	return ret, nil
}

// GetPairList returns the clusters of the given order within cutoff over the whole system.
func (s *System) GetPairList(order int, cutoff float64) ([]int, error) {
	return s.FindClusters(order, cutoff, 0, len(s.mons))
}
