// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/canonical/go-tpmbackend"
)

// cliFrontend hands completed commands back to the command that sent
// them.
type cliFrontend struct {
	done chan tpmbackend.Response
}

func (f *cliFrontend) RequestCompleted(cmd *tpmbackend.Cmd, res tpmbackend.Response) {
	f.done <- res
}

func (f *cliFrontend) Model() string {
	return "tpm-backend"
}

func newSendCmd(v *viper.Viper) *cobra.Command {
	var locality uint8

	cmd := &cobra.Command{
		Use:   "send <command>",
		Args:  cobra.ExactArgs(1),
		Short: "Send a hex encoded TPM command and print the response",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			in, err := hex.DecodeString(strings.Join(strings.Fields(args[0]), ""))
			if err != nil {
				return fmt.Errorf("cannot decode command: %w", err)
			}
			if len(in) < tpmbackend.HeaderSize {
				return fmt.Errorf("command is too short (%d bytes)", len(in))
			}

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

			frontend := &cliFrontend{done: make(chan tpmbackend.Response, 1)}
			b.Init(frontend)

			size := cfg.BufferSize
			if size == 0 {
				size = b.BufferSize()
			}
			if err := b.Startup(cfg.BufferSize); err != nil {
				return err
			}

			tpmCmd := &tpmbackend.Cmd{
				Locality: locality,
				In:       in,
				Out:      make([]byte, size)}
			b.DeliverRequest(tpmCmd)
			res := <-frontend.done
			if res.Err != nil {
				return fmt.Errorf("cannot execute command: %w", res.Err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(tpmCmd.Out[:res.Len]))
			return nil
		},
	}
	cmd.Flags().Uint8Var(&locality, "locality", 0, "Send the command from this locality")
	return cmd
}
