/*
 * dcd.go, part of gomb.
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

// Package dcd reads and writes CHARMM/NAMD binary (DCD) trajectories, so
// energies can be evaluated along trajectories from common MD engines.
//
// Files are sequences of Fortran unformatted records in either byte order.
// Only the CHARMM flavor (nonzero version in the header) without fixed atoms
// is supported. If the header says so, every frame starts with a unit cell
// record (a, gamma, b, beta, alpha, c), with the angles in degrees or, as
// newer NAMD versions write them, as cosines. A name ending in ".zst" means a
// zstd-compressed file; the frame count in the header of those is left at 0,
// and readers don't rely on it.
package dcd

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	v3 "github.com/rmera/gomb/v3"
	log "github.com/sirupsen/logrus"
)

const (
	titleLen     = 80
	charmmVer    = 24
	headerMarker = 84
	nsetOffset   = 8
)

func compressed(name string) bool { return strings.HasSuffix(strings.ToLower(name), ".zst") }

// DCDR is a DCD trajectory open for reading.
type DCDR struct {
	f        *os.File
	dec      *zstd.Decoder
	r        *bufio.Reader
	filename string
	order    binary.ByteOrder
	natoms   int
	nset     int
	cell     bool
	fourdim  bool
	readable bool
	x, y, z  []float32
}

// New opens the trajectory name for reading and reads its header.
func New(name string) (*DCDR, error) {
	D := &DCDR{filename: name}
	var err error
	if D.f, err = os.Open(name); err != nil {
		return nil, Error{UnableToOpen + ": " + err.Error(), name, []string{"New"}, true}
	}
	var src io.Reader = D.f
	if compressed(name) {
		if D.dec, err = zstd.NewReader(D.f); err != nil {
			D.f.Close()
			return nil, Error{err.Error(), name, []string{"zstd.NewReader", "New"}, true}
		}
		src = D.dec
	}
	D.r = bufio.NewReader(src)
	if err := D.readHeader(); err != nil {
		D.close()
		return nil, errDecorate(err, "New")
	}
	D.x, D.y, D.z = make([]float32, D.natoms), make([]float32, D.natoms), make([]float32, D.natoms)
	D.readable = true
	log.WithFields(log.Fields{"file": name, "atoms": D.natoms, "frames": D.nset, "cell": D.cell}).Debug("dcd: trajectory opened")
	return D, nil
}

// record reads one Fortran record and checks its leading and trailing lengths.
func (D *DCDR) record() ([]byte, error) {
	var n, check int32
	if err := binary.Read(D.r, D.order, &n); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, Error{fmt.Sprintf("%s: negative record length %d", WrongFormat, n), D.filename, []string{"record"}, true}
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(D.r, buf); err != nil {
		return nil, err
	}
	if err := binary.Read(D.r, D.order, &check); err != nil {
		return nil, err
	}
	if check != n {
		return nil, Error{fmt.Sprintf("%s: record of %d bytes closed as %d", WrongFormat, n, check), D.filename, []string{"record"}, true}
	}
	return buf, nil
}

func (D *DCDR) readHeader() error {
	first, err := D.r.Peek(4)
	if err != nil {
		return Error{err.Error(), D.filename, []string{"readHeader"}, true}
	}
	switch {
	case binary.LittleEndian.Uint32(first) == headerMarker:
		D.order = binary.LittleEndian
	case binary.BigEndian.Uint32(first) == headerMarker:
		D.order = binary.BigEndian
	default:
		return Error{WrongFormat + ": no CORD header", D.filename, []string{"readHeader"}, true}
	}
	h, err := D.record()
	if err != nil {
		return errDecorate(err, "readHeader")
	}
	if len(h) != headerMarker || string(h[:4]) != "CORD" {
		return Error{WrongFormat + ": no CORD header", D.filename, []string{"readHeader"}, true}
	}
	icntrl := func(i int) int32 { return int32(D.order.Uint32(h[4+4*i:])) }
	if icntrl(19) == 0 {
		return Error{"X-PLOR DCD files are not supported", D.filename, []string{"readHeader"}, true}
	}
	if icntrl(8) != 0 {
		return Error{"fixed atoms are not supported", D.filename, []string{"readHeader"}, true}
	}
	D.nset = int(icntrl(0))
	D.cell = icntrl(10) != 0
	D.fourdim = icntrl(11) != 0
	if _, err := D.record(); err != nil { //titles
		return errDecorate(err, "readHeader")
	}
	n, err := D.record()
	if err != nil {
		return errDecorate(err, "readHeader")
	}
	if len(n) != 4 {
		return Error{WrongFormat + ": bad atom count record", D.filename, []string{"readHeader"}, true}
	}
	D.natoms = int(int32(D.order.Uint32(n)))
	if D.natoms <= 0 {
		return Error{fmt.Sprintf("%s: %d atoms", WrongFormat, D.natoms), D.filename, []string{"readHeader"}, true}
	}
	return nil
}

// Readable returns true if frames can still be read.
func (D *DCDR) Readable() bool { return D.readable }

// Len returns the number of atoms per frame.
func (D *DCDR) Len() int { return D.natoms }

// Frames returns the number of frames declared in the header, 0 if unknown.
func (D *DCDR) Frames() int { return D.nset }

func (D *DCDR) floats(dst []float32) error {
	b, err := D.record()
	if err != nil {
		return err
	}
	if len(b) != 4*len(dst) {
		return Error{fmt.Sprintf("%s: coordinate record of %d bytes for %d atoms", WrongFormat, len(b), len(dst)), D.filename, []string{"floats"}, true}
	}
	for i := range dst {
		dst[i] = math.Float32frombits(D.order.Uint32(b[4*i:]))
	}
	return nil
}

// Next reads the next frame into c and, if the file has unit cells and box
// is given, the three box vectors into box[0]. A nil c skips the frame. At the
// end of the file it returns a LastFrameError and closes the reader.
func (D *DCDR) Next(c *v3.Matrix, box ...[]float64) error {
	if !D.readable {
		return Error{TrajUnIniRead, D.filename, []string{"Next"}, true}
	}
	if c != nil && c.NVecs() != D.natoms {
		return Error{fmt.Sprintf("%s: %d vectors for %d atoms", NotEnoughSpace, c.NVecs(), D.natoms), D.filename, []string{"Next"}, true}
	}
	if _, err := D.r.Peek(1); errors.Is(err, io.EOF) {
		D.close()
		return newLastFrameError(D.filename, "Next")
	}
	if D.cell {
		b, err := D.record()
		if err != nil {
			return Error{ReadError + ": " + err.Error(), D.filename, []string{"Next"}, true}
		}
		if len(b) != 48 {
			return Error{fmt.Sprintf("%s: unit cell record of %d bytes", WrongFormat, len(b)), D.filename, []string{"Next"}, true}
		}
		if len(box) > 0 && len(box[0]) >= 9 {
			var u [6]float64
			for i := range u {
				u[i] = math.Float64frombits(D.order.Uint64(b[8*i:]))
			}
			copy(box[0], CellToBox(u[0], u[2], u[5], u[4], u[3], u[1]))
		}
	}
	for _, dst := range [][]float32{D.x, D.y, D.z} {
		if err := D.floats(dst); err != nil {
			return Error{ReadError + ": " + err.Error(), D.filename, []string{"Next"}, true}
		}
	}
	if D.fourdim {
		if _, err := D.record(); err != nil {
			return Error{ReadError + ": " + err.Error(), D.filename, []string{"Next"}, true}
		}
	}
	if c == nil {
		return nil
	}
	for i := 0; i < D.natoms; i++ {
		c.Set(i, 0, float64(D.x[i]))
		c.Set(i, 1, float64(D.y[i]))
		c.Set(i, 2, float64(D.z[i]))
	}
	return nil
}

func (D *DCDR) close() {
	if D.dec != nil {
		D.dec.Close()
	}
	D.f.Close()
	D.readable = false
}

// Close closes the reader.
func (D *DCDR) Close() error {
	if !D.readable {
		return nil
	}
	D.close()
	return nil
}

// angle returns the cosine of a unit cell angle given either in degrees or as a cosine.
func angle(v float64) float64 {
	if math.Abs(v) <= 1 {
		return v
	}
	return math.Cos(v * math.Pi / 180)
}

// CellToBox returns the three box vectors, row major, of the cell with edges
// a, b, c and angles alpha (between b and c), beta (a, c) and gamma (a, b),
// in degrees or as cosines. The first vector lies along x, the second in the xy plane.
func CellToBox(a, b, c, alpha, beta, gamma float64) []float64 {
	ca, cb, cg := angle(alpha), angle(beta), angle(gamma)
	sg := math.Sqrt(1 - cg*cg)
	cy := (ca - cb*cg) / sg
	return []float64{
		a, 0, 0,
		b * cg, b * sg, 0,
		c * cb, c * cy, c * math.Sqrt(math.Max(0, 1-cb*cb-cy*cy)),
	}
}

// BoxToCell returns the edges and angles, in degrees, of the box with vectors box (row major).
func BoxToCell(box []float64) (a, b, c, alpha, beta, gamma float64) {
	v := func(i int) [3]float64 { return [3]float64{box[3*i], box[3*i+1], box[3*i+2]} }
	dot := func(p, q [3]float64) float64 { return p[0]*q[0] + p[1]*q[1] + p[2]*q[2] }
	x, y, z := v(0), v(1), v(2)
	a, b, c = math.Sqrt(dot(x, x)), math.Sqrt(dot(y, y)), math.Sqrt(dot(z, z))
	deg := func(cos float64) float64 { return math.Acos(math.Max(-1, math.Min(1, cos))) * 180 / math.Pi }
	return a, b, c, deg(dot(y, z) / (b * c)), deg(dot(x, z) / (a * c)), deg(dot(x, y) / (a * b))
}

// DCDW is a DCD trajectory open for writing.
type DCDW struct {
	f         *os.File
	enc       *zstd.Encoder
	w         *bufio.Writer
	filename  string
	natoms    int
	cell      bool
	frames    int
	writeable bool
	buf       []byte
}

// NewWriter creates the trajectory name for frames of natoms atoms, with a
// unit cell record per frame if cell is true.
func NewWriter(name string, natoms int, cell bool) (*DCDW, error) {
	if natoms <= 0 {
		return nil, Error{fmt.Sprintf("invalid number of atoms %d", natoms), name, []string{"NewWriter"}, true}
	}
	D := &DCDW{filename: name, natoms: natoms, cell: cell}
	var err error
	if D.f, err = os.Create(name); err != nil {
		return nil, Error{UnableToOpen + ": " + err.Error(), name, []string{"NewWriter"}, true}
	}
	var dst io.Writer = D.f
	if compressed(name) {
		if D.enc, err = zstd.NewWriter(D.f); err != nil {
			D.f.Close()
			return nil, Error{err.Error(), name, []string{"zstd.NewWriter", "NewWriter"}, true}
		}
		dst = D.enc
	}
	D.w = bufio.NewWriter(dst)
	h := make([]byte, headerMarker)
	copy(h, "CORD")
	put := func(i int, v uint32) { binary.LittleEndian.PutUint32(h[4+4*i:], v) }
	put(1, 0)                     //first step
	put(2, 1)                     //steps between frames
	put(9, math.Float32bits(1.0)) //time step
	if cell {
		put(10, 1)
	}
	put(19, charmmVer)
	title := make([]byte, 4+titleLen)
	binary.LittleEndian.PutUint32(title, 1)
	copy(title[4:], fmt.Sprintf("%-*s", titleLen, "gomb trajectory"))
	count := make([]byte, 4)
	binary.LittleEndian.PutUint32(count, uint32(natoms))
	for _, r := range [][]byte{h, title, count} {
		if err := D.record(r); err != nil {
			D.f.Close()
			return nil, errDecorate(err, "NewWriter")
		}
	}
	D.buf = make([]byte, 4*natoms)
	D.writeable = true
	return D, nil
}

func (D *DCDW) record(b []byte) error {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(b)))
	for _, p := range [][]byte{n[:], b, n[:]} {
		if _, err := D.w.Write(p); err != nil {
			return Error{err.Error(), D.filename, []string{"record"}, true}
		}
	}
	return nil
}

// Len returns the number of atoms per frame.
func (D *DCDW) Len() int { return D.natoms }

// WNext writes the coordinates coord as the next frame. If the trajectory has
// unit cells, box[0] must hold the three box vectors.
func (D *DCDW) WNext(coord *v3.Matrix, box ...[]float64) error {
	if !D.writeable {
		return Error{TrajUnIniWrite, D.filename, []string{"WNext"}, true}
	}
	if coord == nil || coord.NVecs() != D.natoms {
		return Error{NotEnoughSpace, D.filename, []string{"WNext"}, true}
	}
	if D.cell {
		if len(box) == 0 || len(box[0]) < 9 {
			return Error{"the trajectory needs a box for every frame", D.filename, []string{"WNext"}, true}
		}
		a, b, c, alpha, beta, gamma := BoxToCell(box[0])
		u := make([]byte, 48)
		for i, v := range []float64{a, gamma, b, beta, alpha, c} {
			binary.LittleEndian.PutUint64(u[8*i:], math.Float64bits(v))
		}
		if err := D.record(u); err != nil {
			return errDecorate(err, "WNext")
		}
	}
	for j := 0; j < 3; j++ {
		for i := 0; i < D.natoms; i++ {
			binary.LittleEndian.PutUint32(D.buf[4*i:], math.Float32bits(float32(coord.At(i, j))))
		}
		if err := D.record(D.buf); err != nil {
			return errDecorate(err, "WNext")
		}
	}
	D.frames++
	return nil
}

// Close flushes the trajectory, sets the frame count in the header of
// uncompressed files, and closes the file.
func (D *DCDW) Close() error {
	if !D.writeable {
		return nil
	}
	D.writeable = false
	var errs []error
	errs = append(errs, D.w.Flush())
	if D.enc != nil {
		errs = append(errs, D.enc.Close())
	} else {
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(D.frames))
		_, err := D.f.WriteAt(n[:], nsetOffset)
		errs = append(errs, err)
	}
	errs = append(errs, D.f.Close())
	return errors.Join(errs...)
}

// Error is the error type of the dcd package.
type Error struct {
	message  string
	filename string
	deco     []string
	critical bool
}

func (err Error) Error() string {
	return fmt.Sprintf("dcd file %s error: %s", err.filename, err.message)
}

// Decorate adds dec to the decoration slice of the error and returns it.
func (err Error) Decorate(dec string) []string {
	if dec != "" {
		err.deco = append(err.deco, dec)
	}
	return err.deco
}

// FileName returns the file associated to the error.
func (err Error) FileName() string { return err.filename }

// Format returns "dcd".
func (err Error) Format() string { return "dcd" }

// Critical returns true if the error is critical.
func (err Error) Critical() bool { return err.critical }

const (
	TrajUnIniRead  = "trajectory not open for reading"
	TrajUnIniWrite = "trajectory not open for writing"
	ReadError      = "error reading frame"
	UnableToOpen   = "unable to open file"
	WrongFormat    = "wrong format in the DCD file"
	NotEnoughSpace = "wrong number of vectors for the trajectory"
)

// LastFrameError is returned by Next when the trajectory has no more frames.
type LastFrameError struct {
	deco     []string
	fileName string
}

// NormalLastFrameTermination marks the error as the normal end of a trajectory.
func (E LastFrameError) NormalLastFrameTermination() {}

func (E LastFrameError) FileName() string { return E.fileName }

func (E LastFrameError) Error() string { return "EOF" }

func (E LastFrameError) Critical() bool { return false }

func (E LastFrameError) Format() string { return "dcd" }

func (E LastFrameError) Decorate(dec string) []string {
	if dec != "" {
		E.deco = append(E.deco, dec)
	}
	return E.deco
}

func newLastFrameError(filename string, caller string) LastFrameError {
	return LastFrameError{fileName: filename, deco: []string{caller}}
}

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
