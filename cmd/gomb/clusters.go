/*
 * clusters.go, part of gomb.
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
	"fmt"

	"github.com/spf13/cobra"
)

var clustersCmd = &cobra.Command{
	Use:   "clusters",
	Short: "Count the dimers and trimers within the cutoffs of the input",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSystem(inputFile, paramsFile)
		if err != nil {
			return err
		}
		cfg := s.Config()
		out := cmd.OutOrStdout()
		for _, c := range []struct {
			order  int
			cutoff float64
			name   string
		}{{2, cfg.Cutoff2b, "dimers"}, {3, cfg.Cutoff3b, "trimers"}} {
			list, err := s.GetPairList(c.order, c.cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s within %g A: %d\n", c.name, c.cutoff, len(list)/c.order)
		}
		return nil
	},
}

func init() {
	clustersCmd.Flags().StringVarP(&inputFile, "input", "i", "", "YAML input file")
	clustersCmd.Flags().StringVar(&paramsFile, "params", "", "TOML parameter file, overrides the one in the input")
	_ = clustersCmd.MarkFlagRequired("input")
}
