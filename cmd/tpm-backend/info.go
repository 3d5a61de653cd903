// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package main

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/canonical/go-tpmbackend/emulator"
	"github.com/canonical/go-tpmbackend/ptm"
)

const defaultInfoFlags = ptm.InfoTPMSpecification | ptm.InfoTPMAttributes

func newInfoCmd(v *viper.Viper) *cobra.Command {
	var flags uint64

	cmd := &cobra.Command{
		Use:   "info",
		Args:  cobra.NoArgs,
		Short: "Print information about an emulated TPM",
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

			e, ok := b.Driver().(*emulator.Emulator)
			if !ok {
				return errors.New("info is only available for the emulator driver")
			}

			info, err := e.Info(flags)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), info)

			config, err := e.Config()
			switch {
			case errors.Is(err, emulator.ErrNotSupported):
			case err != nil:
				return err
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "file-key: %t\n", config&ptm.ConfigFlagFileKey != 0)
				fmt.Fprintf(cmd.OutOrStdout(), "migration-key: %t\n", config&ptm.ConfigFlagMigrationKey != 0)
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&flags, "flags", defaultInfoFlags, "Select the information to print")
	return cmd
}
