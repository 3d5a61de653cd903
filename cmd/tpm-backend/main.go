// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

// tpm-backend drives a TPM backend from the command line. It can probe a
// host TPM or a TPM emulator, send raw TPM commands to it and query the
// emulator for information about the TPM that it emulates.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
