/*
 * stf.go, part of gomb.
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

package stf

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/lzw"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	v3 "github.com/rmera/gomb/v3"
	log "github.com/sirupsen/logrus"
)

const (
	lzwLitwidth int = 8
	defaultPrec     = 2
)

type codec byte

const (
	zstdCodec codec = iota
	gzipCodec
	flateCodec
	lzwCodec
)

func codecFor(name string) codec {
	if name == "" {
		return zstdCodec
	}
	switch strings.ToLower(name)[len(name)-1] {
	case 'z':
		return gzipCodec
	case 'r':
		return flateCodec
	case 'l':
		return lzwCodec
	}
	return zstdCodec
}

// zstdReadCloser adapts a zstd decoder, whose Close returns nothing.
type zstdReadCloser struct {
	*zstd.Decoder
}

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

func newCompressor(w io.Writer, c codec, level int) (io.WriteCloser, error) {
	switch c {
	case gzipCodec:
		return gzip.NewWriterLevel(w, level)
	case flateCodec:
		return flate.NewWriter(w, level)
	case lzwCodec:
		return lzw.NewWriter(w, lzw.MSB, lzwLitwidth), nil
	}
	return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
}

func newDecompressor(r io.Reader, c codec) (io.ReadCloser, error) {
	switch c {
	case gzipCodec:
		return gzip.NewReader(r)
	case flateCodec:
		return flate.NewReader(r), nil
	case lzwCodec:
		return lzw.NewReader(r, lzw.MSB, lzwLitwidth), nil
	}
	d, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zstdReadCloser{d}, nil
}

func parsePrec(header map[string]string, filename string) int {
	p, ok := header["prec"]
	if !ok {
		return defaultPrec
	}
	prec, err := strconv.Atoi(p)
	if err != nil || prec <= 0 {
		log.WithFields(log.Fields{"file": filename, "prec": p}).Warn("stf: invalid precision, using the default")
		return defaultPrec
	}
	return prec
}

// StfW writes an stf file.
type StfW struct {
	f         *os.File
	h         io.WriteCloser
	w         *bufio.Writer
	natoms    int
	filename  string
	writeable bool
	prec      int
	mult      float64
}

// NewWriter creates the file name and writes the header, with natoms vectors
// per frame. The optional level is passed to the compressor (a zstd level
// from 1 to 22 for zstd files, 11 by default; a flate level otherwise).
func NewWriter(name string, natoms int, header map[string]string, level ...int) (*StfW, error) {
	c := codecFor(name)
	l := 11
	if c != zstdCodec {
		l = flate.DefaultCompression
	}
	if len(level) > 0 {
		l = level[0]
	}
	if natoms <= 0 {
		return nil, Error{fmt.Sprintf("invalid number of vectors per frame %d", natoms), name, []string{"NewWriter"}, true}
	}
	S := &StfW{natoms: natoms, filename: name}
	var err error
	S.f, err = os.Create(name)
	if err != nil {
		return nil, Error{UnableToOpen + ": " + err.Error(), name, []string{"NewWriter"}, true}
	}
	S.h, err = newCompressor(S.f, c, l)
	if err != nil {
		S.f.Close()
		return nil, Error{"can't start compressor: " + err.Error(), name, []string{"NewWriter"}, true}
	}
	S.w = bufio.NewWriter(S.h)
	S.prec = parsePrec(header, name)
	S.mult = math.Pow(10, float64(S.prec))
	keys := make([]string, 0, len(header))
	for k := range header {
		if k != "prec" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	fmt.Fprintf(S.w, "prec=%d\n", S.prec)
	for _, k := range keys {
		if strings.ContainsAny(k+header[k], "=\n") || strings.Contains(header[k], "**") {
			S.Close()
			return nil, Error{fmt.Sprintf("invalid header entry %q=%q", k, header[k]), name, []string{"NewWriter"}, true}
		}
		fmt.Fprintf(S.w, "%s=%s\n", k, header[k])
	}
	fmt.Fprintf(S.w, "** %d\n", natoms)
	S.writeable = true
	return S, nil
}

// Len returns the number of vectors per frame.
func (S *StfW) Len() int { return S.natoms }

// WNext writes a frame with the vectors in coord and, if given, the 9 box components.
func (S *StfW) WNext(coord *v3.Matrix, box ...[]float64) error {
	if !S.writeable {
		return Error{TrajUnIniWrite, S.filename, []string{"WNext"}, true}
	}
	if coord == nil {
		return Error{NilCoordinates, S.filename, []string{"WNext"}, true}
	}
	if v := coord.NVecs(); v != S.natoms {
		return Error{fmt.Sprintf("%d vectors given, but %d expected", v, S.natoms), S.filename, []string{"WNext"}, true}
	}
	for i := 0; i < S.natoms; i++ {
		for j := 0; j < 3; j++ {
			if j > 0 {
				S.w.WriteByte(' ')
			}
			S.w.WriteString(strconv.FormatInt(int64(math.RoundToEven(coord.At(i, j)*S.mult)), 10))
		}
		S.w.WriteByte('\n')
	}
	if len(box) > 0 && len(box[0]) >= 9 {
		S.w.WriteByte('*')
		for _, b := range box[0][:9] {
			S.w.WriteByte(' ')
			S.w.WriteString(strconv.FormatFloat(b, 'g', -1, 64))
		}
		_, err := S.w.WriteString("\n")
		return err
	}
	_, err := S.w.WriteString("*\n")
	return err
}

// Close flushes and closes the file. The writer can't be used afterwards.
func (S *StfW) Close() error {
	if S == nil || (!S.writeable && S.f == nil) {
		return nil
	}
	S.writeable = false
	var errs []error
	if S.w != nil {
		errs = append(errs, S.w.Flush())
	}
	if S.h != nil {
		errs = append(errs, S.h.Close())
	}
	errs = append(errs, S.f.Close())
	S.f = nil
	if err := errors.Join(errs...); err != nil {
		return Error{err.Error(), S.filename, []string{"Close"}, true}
	}
	return nil
}

// StfR reads an stf file.
type StfR struct {
	f        *os.File
	dec      io.ReadCloser
	h        *bufio.Reader
	natoms   int
	filename string
	prec     int
	mult     float64
	readable bool
}

// New opens the stf file name for reading. It returns the reader and the header.
func New(name string) (*StfR, map[string]string, error) {
	S := &StfR{natoms: -1, filename: name}
	var err error
	S.f, err = os.Open(name)
	if err != nil {
		return nil, nil, Error{UnableToOpen + ": " + err.Error(), name, []string{"New"}, true}
	}
	S.dec, err = newDecompressor(bufio.NewReader(S.f), codecFor(name))
	if err != nil {
		S.f.Close()
		return nil, nil, Error{"can't start decompressor: " + err.Error(), name, []string{"New"}, true}
	}
	S.h = bufio.NewReader(S.dec)
	m := make(map[string]string)
	for {
		str, err := S.h.ReadString('\n')
		if err != nil {
			S.close()
			return nil, nil, Error{"can't read header: " + err.Error(), name, []string{"New"}, true}
		}
		str = strings.TrimSuffix(str, "\n")
		if strings.HasPrefix(str, "**") {
			nat := strings.Fields(str)
			if len(nat) < 2 {
				S.close()
				return nil, nil, Error{fmt.Sprintf("can't read the number of vectors from %q", str), name, []string{"New"}, true}
			}
			S.natoms, err = strconv.Atoi(nat[1])
			if err != nil || S.natoms <= 0 {
				S.close()
				return nil, nil, Error{fmt.Sprintf("can't read the number of vectors from %q", str), name, []string{"New"}, true}
			}
			break
		}
		k, v, ok := strings.Cut(str, "=")
		if !ok {
			S.close()
			return nil, nil, Error{fmt.Sprintf("%s: %q", WrongFormat, str), name, []string{"New"}, true}
		}
		m[k] = v
	}
	S.prec = parsePrec(m, name)
	S.mult = math.Pow(10, float64(S.prec))
	S.readable = true
	return S, m, nil
}

// Readable returns true if Next can be called on the reader.
func (S *StfR) Readable() bool { return S.readable }

// Len returns the number of vectors per frame.
func (S *StfR) Len() int { return S.natoms }

func (S *StfR) decode(line string, temp *[3]float64) error {
	s := strings.Fields(line)
	if len(s) != 3 {
		return fmt.Errorf("%d fields in vector line %q", len(s), line)
	}
	for i, v := range s {
		f, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("can't parse component %d (%s): %w", i, v, err)
		}
		temp[i] = float64(f) / S.mult
	}
	return nil
}

// Next reads the next frame into c and, if given and present in the file, the
// box into box[0]. A nil c skips the frame. At the end of the file it returns
// a LastFrameError and closes the reader.
func (S *StfR) Next(c *v3.Matrix, box ...[]float64) error {
	if !S.readable {
		return Error{TrajUnIniRead, S.filename, []string{"Next"}, true}
	}
	if c != nil && c.NVecs() != S.natoms {
		return Error{fmt.Sprintf("%s: %d vectors for %d in file", NotEnoughSpace, c.NVecs(), S.natoms), S.filename, []string{"Next"}, true}
	}
	var temp [3]float64
	for i := 0; i < S.natoms; i++ {
		line, err := S.h.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && i == 0 && line == "" {
				S.close()
				return newLastFrameError(S.filename, "Next")
			}
			return Error{ReadError + ": " + err.Error(), S.filename, []string{"Next"}, true}
		}
		if strings.HasPrefix(line, "*") {
			return Error{fmt.Sprintf("%s: frame ended after %d vectors", WrongFormat, i), S.filename, []string{"Next"}, true}
		}
		if err := S.decode(strings.TrimSuffix(line, "\n"), &temp); err != nil {
			return Error{err.Error(), S.filename, []string{"Next"}, true}
		}
		if c == nil {
			continue
		}
		for j, v := range temp {
			c.Set(i, j, v)
		}
	}
	s, err := S.h.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && s != "") {
		return Error{"can't read the frame termination mark: " + err.Error(), S.filename, []string{"Next"}, true}
	}
	if !strings.HasPrefix(s, "*") {
		return Error{WrongFormat + ": frame has more vectors than declared", S.filename, []string{"Next"}, true}
	}
	if len(box) == 0 || len(box[0]) < 9 {
		return nil
	}
	fields := strings.Fields(s)
	if len(fields) < 10 {
		log.WithField("file", S.filename).Debug("stf: frame without box")
		return nil
	}
	for j, v := range fields[1:10] {
		b, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Error{fmt.Sprintf("can't parse box component %d: %s", j, err.Error()), S.filename, []string{"Next"}, true}
		}
		box[0][j] = b
	}
	return nil
}

func (S *StfR) close() {
	if S.dec != nil {
		S.dec.Close()
	}
	S.f.Close()
	S.readable = false
}

// Close closes the reader.
func (S *StfR) Close() {
	if !S.readable {
		return
	}
	S.close()
}

// Error is the error type of the stf package.
type Error struct {
	message  string
	filename string
	deco     []string
	critical bool
}

func (err Error) Error() string {
	return fmt.Sprintf("stf file %s error: %s", err.filename, err.message)
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

// Format returns "stf".
func (err Error) Format() string { return "stf" }

// Critical returns true if the error is critical.
func (err Error) Critical() bool { return err.critical }

const (
	TrajUnIniRead  = "trajectory not open for reading"
	TrajUnIniWrite = "trajectory not open for writing"
	ReadError      = "error reading frame"
	UnableToOpen   = "unable to open file"
	NilCoordinates = "given nil coordinates"
	WrongFormat    = "wrong format in the stf file or frame"
	NotEnoughSpace = "wrong number of vectors in the destination"
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

func (E LastFrameError) Format() string { return "stf" }

func (E LastFrameError) Decorate(dec string) []string {
	if dec != "" {
		E.deco = append(E.deco, dec)
	}
	return E.deco
}

func newLastFrameError(filename string, caller string) LastFrameError {
	return LastFrameError{fileName: filename, deco: []string{caller}}
}
