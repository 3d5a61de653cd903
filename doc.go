/*
Package tpmbackend implements the host side of an emulated TPM device: the
backends that forward TPM commands from a guest-facing device model to a real
TPM or to a software TPM emulator.

A Backend wraps a Driver. Drivers are registered by type name, and the
emulator and passthrough packages register themselves when imported:

 import (
	"github.com/canonical/go-tpmbackend"
	_ "github.com/canonical/go-tpmbackend/emulator"
 )

 backend, err := tpmbackend.New(tpmbackend.Options{ID: "tpm0", Type: "emulator", Chardev: "chrtpm"})
 if err != nil {
	return err
 }
 backend.Init(frontend)
 if err := backend.Startup(0); err != nil {
	return err
 }
 backend.DeliverRequest(&tpmbackend.Cmd{In: command, Out: make([]byte, backend.BufferSize())})

Commands are executed one at a time on a dedicated worker, and the
frontend is notified with RequestCompleted once the response is available.
A backend always produces a well-formed TPM response. If the transport
fails, the response is a TPM_FAIL error response synthesized by the
backend.
*/
package tpmbackend
