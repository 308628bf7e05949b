/*
 * comm.go, part of gomb.
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

// Package dist evaluates the energy of a system split among several ranks.
// Each rank owns a slab of monomers and holds, as ghosts, every monomer that
// can form a dimer or trimer with them. The short-range terms are computed per
// rank and the long-range terms by rank 0, and everything is summed with one
// collective reduction.
//
// Ranks communicate through the Comm interface. This package provides an
// in-process implementation, where ranks are goroutines; a message-passing
// implementation only needs to satisfy the same interface.
package dist

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

// Comm is the communicator of one rank.
type Comm interface {
	Rank() int
	Size() int
	// AllreduceSum replaces buf, on every rank, with the element-wise
	// sum of buf over all ranks. Every rank must pass the same length.
	AllreduceSum(buf []float64) error
	Barrier() error
}

// world is the state shared by the ranks of an in-process communicator.
type world struct {
	size    int
	mu      sync.Mutex
	cond    *sync.Cond
	acc     []float64
	result  []float64
	arrived int
	gen     int
	aborted bool
}

type member struct {
	w    *world
	rank int
}

// NewWorld returns the communicators of size in-process ranks, which must be
// used from different goroutines.
func NewWorld(size int) ([]Comm, error) {
	if size < 1 {
		return nil, Error{fmt.Sprintf("invalid number of ranks %d", size), []string{"NewWorld"}, true}
	}
	w := &world{size: size}
	w.cond = sync.NewCond(&w.mu)
	ret := make([]Comm, size)
	for r := range ret {
		ret[r] = &member{w: w, rank: r}
	}
	return ret, nil
}

func (m *member) Rank() int { return m.rank }
func (m *member) Size() int { return m.w.size }

func (m *member) AllreduceSum(buf []float64) error {
	w := m.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.aborted {
		return Error{ErrAborted, []string{"AllreduceSum"}, true}
	}
	if w.arrived == 0 {
		w.acc = make([]float64, len(buf))
	} else if len(buf) != len(w.acc) {
		w.aborted = true
		w.cond.Broadcast()
		return Error{fmt.Sprintf("rank %d reduces %d values, others %d", m.rank, len(buf), len(w.acc)), []string{"AllreduceSum"}, true}
	}
	floats.Add(w.acc, buf)
	w.arrived++
	if w.arrived == w.size {
		w.result, w.acc = w.acc, nil
		w.arrived = 0
		w.gen++
		w.cond.Broadcast()
	} else {
		gen := w.gen
		for gen == w.gen && !w.aborted {
			w.cond.Wait()
		}
		if gen == w.gen {
			return Error{ErrAborted, []string{"AllreduceSum"}, true}
		}
	}
	copy(buf, w.result)
	return nil
}

func (m *member) Barrier() error {
	return errDecorate(m.AllreduceSum(nil), "Barrier")
}

func (w *world) abort() {
	w.mu.Lock()
	w.aborted = true
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Run runs body on size in-process ranks and waits for all of them.
// If a rank fails, the collective operations of the others fail too,
// and the errors of every rank are returned joined.
func Run(size int, body func(c Comm) error) error {
	comms, err := NewWorld(size)
	if err != nil {
		return errDecorate(err, "Run")
	}
	w := comms[0].(*member).w
	errs := make([]error, size)
	var wg sync.WaitGroup
	for r, c := range comms {
		wg.Add(1)
		go func(r int, c Comm) {
			defer wg.Done()
			if err := body(c); err != nil {
				log.WithFields(log.Fields{"rank": r}).WithError(err).Debug("dist: rank failed")
				errs[r] = fmt.Errorf("rank %d: %w", r, err)
				w.abort()
			}
		}(r, c)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// ErrAborted is the message of collective operations interrupted by the failure of another rank.
const ErrAborted = "collective aborted by another rank"

// Error is the error type of the dist package.
type Error struct {
	message  string
	deco     []string
	critical bool
}

func (err Error) Error() string { return "dist: " + err.message }

// Decorate adds dec to the decoration slice of the error and returns it.
func (err Error) Decorate(dec string) []string {
	if dec != "" {
		err.deco = append(err.deco, dec)
	}
	return err.deco
}

// Critical returns whether the error is critical.
func (err Error) Critical() bool { return err.critical }

// StaleError is returned when the domains were built for coordinates too
// different from the current ones. Decompose must be called again.
type StaleError struct {
	message string
	deco    []string
}

func (err StaleError) Error() string { return "dist: " + err.message }

// Decorate adds dec to the decoration slice of the error and returns it.
func (err StaleError) Decorate(dec string) []string {
	if dec != "" {
		err.deco = append(err.deco, dec)
	}
	return err.deco
}

// Critical returns true: the evaluation can't proceed with the current domains.
func (err StaleError) Critical() bool { return true }

func errDecorate(err error, caller string) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(interface{ Decorate(string) []string }); ok {
		e.Decorate(caller)
		return err
	}
	return fmt.Errorf("%s: %w", caller, err)
}
