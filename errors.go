// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tpmbackend

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidResponse is returned when a TPM response is malformed.
	ErrInvalidResponse = errors.New("invalid TPM response")

	// ErrUnknownDriver is returned from NewDriver if no driver is
	// registered for the requested type.
	ErrUnknownDriver = errors.New("unknown TPM backend driver")

	// ErrTPMAlreadyRegistered is returned from Registry.Add when a TPM
	// backend has already been registered. Only one TPM is supported.
	ErrTPMAlreadyRegistered = errors.New("a TPM backend is already registered")

	// ErrClosed is returned when using a backend that has been closed.
	ErrClosed = errors.New("TPM backend is closed")

	// ErrCanceled is the error in the Response of a command that was
	// cancelled with CancelCmd.
	ErrCanceled = errors.New("TPM command was canceled")
)

// ProbeError is returned from TestTPMDev if the device does not respond
// like a TPM.
type ProbeError struct {
	err error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("device is not a TPM: %v", e.err)
}

func (e *ProbeError) Unwrap() error {
	return e.err
}

// StartupError is returned from Backend.Startup when the driver fails to
// start the TPM.
type StartupError struct {
	Type string
	err  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("cannot start %s TPM: %v", e.Type, e.err)
}

func (e *StartupError) Unwrap() error {
	return e.err
}
