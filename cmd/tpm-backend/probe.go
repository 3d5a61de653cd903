// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package main

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newProbeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Args:  cobra.NoArgs,
		Short: "Detect the TPM version and buffer size",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, err := loadConfig(v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			b, closeBackend, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := closeBackend(); cerr != nil {
					err = multierror.Append(err, cerr)
				}
			}()

			// Querying the buffer size stops an emulated TPM, so it
			// has to happen before startup.
			size := b.BufferSize()
			if err := b.Startup(cfg.BufferSize); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "driver: %s\n", b.Driver().Type())
			fmt.Fprintf(out, "version: %v\n", b.Version())
			fmt.Fprintf(out, "buffer-size: %d\n", size)
			fmt.Fprintf(out, "established: %t\n", b.TPMEstablishedFlag())
			return nil
		},
	}
}
