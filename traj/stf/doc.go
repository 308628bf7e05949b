/*
 * doc.go, part of gomb.
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

// Package stf reads and writes the simple trajectory format, a compressed
// text format for frames of per-site vectors. gomb uses it to dump the
// coordinates and gradients of energy evaluations.
//
// An stf file is a stream compressed with the codec selected by the last
// letter of the file name: zstd for ".stf" (and any unknown suffix), gzip
// for ".stz", raw deflate for ".str" and LZW for ".stl".
//
// The uncompressed text starts with a header of key=value lines, terminated
// by a line "** N" with N the number of vectors per frame. The key "prec"
// (a positive integer, 2 if absent) sets the precision. Every frame then has
// one line per vector with three integers, the components multiplied by
// 10^prec and rounded, and a last line starting with "*", optionally
// followed by the 9 components of the three box vectors.
//
// The sequence "**" only appears in the header terminator.
package stf
