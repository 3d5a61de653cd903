// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	_ "github.com/canonical/go-tpmbackend/emulator"
	"github.com/canonical/go-tpmbackend/passthrough"
)

var persistentFlags = []string{
	"config",
	"debug",
	"id",
	"type",
	"path",
	"cancel-path",
	"chardev",
	"socket",
	"buffer-size",
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:          "tpm-backend",
		Short:        "Drive a TPM backend",
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Read configuration from this YAML file")
	flags.Bool("debug", false, "Enable debug output")
	flags.String("id", "tpm0", "Set the backend ID")
	flags.String("type", passthrough.DriverType, "Set the backend driver type")
	flags.String("path", "", "Set the host TPM device (passthrough)")
	flags.String("cancel-path", "", "Set the sysfs file used to cancel commands (passthrough)")
	flags.String("chardev", "chrtpm", "Set the chardev ID of the control channel (emulator)")
	flags.String("socket", "", "Set the path of the control socket (emulator)")
	flags.Int("buffer-size", 0, "Request a TPM buffer size when starting the TPM")
	for _, name := range persistentFlags {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	cmd.AddCommand(
		newProbeCmd(v),
		newSendCmd(v),
		newInfoCmd(v),
		newDriversCmd())
	return cmd
}
