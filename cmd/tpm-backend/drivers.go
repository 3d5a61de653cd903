// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/canonical/go-tpmbackend"
)

func newDriversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drivers",
		Args:  cobra.NoArgs,
		Short: "List the available backend drivers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			for _, name := range tpmbackend.DriverTypes() {
				fmt.Fprintf(w, "%s\t%s\n", name, tpmbackend.DriverDescription(name))
			}
			return w.Flush()
		},
	}
}
