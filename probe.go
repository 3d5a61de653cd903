// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tpmbackend

import (
	"fmt"
	"io"
	"time"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/mu"
)

const (
	ordGetTicks      tpm2.CommandCode = 0xf1
	ordGetCapability tpm2.CommandCode = 0x65

	capProperty          uint32 = 5
	capPropInputBuffer   uint32 = 0x124
	propertyMaxCommand   uint32 = 0x11e
	probeResponseMaxSize        = 1024
)

// RequestTimeout bounds the time that Request waits for a response.
var RequestTimeout = time.Second

// ResponseWaiter is implemented by transports that can block until a
// response is ready to read, without reading it.
type ResponseWaiter interface {
	WaitResponse(timeout time.Duration) error
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Request sends the command in req to rw and reads a single response into
// rsp. Unlike the command path, the wait for the response is bounded by
// RequestTimeout. The response must be at least a header in size and its
// size field must match the number of bytes read.
func Request(rw io.ReadWriter, req, rsp []byte) (int, error) {
	n, err := rw.Write(req)
	switch {
	case err != nil:
		return 0, fmt.Errorf("cannot send request: %w", err)
	case n != len(req):
		return 0, fmt.Errorf("cannot send request: %w", io.ErrShortWrite)
	}

	switch t := rw.(type) {
	case ResponseWaiter:
		if err := t.WaitResponse(RequestTimeout); err != nil {
			return 0, fmt.Errorf("cannot wait for response: %w", err)
		}
	case readDeadliner:
		if err := t.SetReadDeadline(time.Now().Add(RequestTimeout)); err == nil {
			defer t.SetReadDeadline(time.Time{})
		}
	}

	n, err = rw.Read(rsp)
	if err != nil {
		return 0, fmt.Errorf("cannot read response: %w", err)
	}
	if n < HeaderSize {
		return n, fmt.Errorf("%w: response too short (%d bytes)", ErrInvalidResponse, n)
	}
	if size := CommandSize(rsp); size != uint32(n) {
		return n, fmt.Errorf("%w: response size field is %d but %d bytes were read", ErrInvalidResponse, size, n)
	}
	return n, nil
}

func testTPMDev(rw io.ReadWriter, req []byte, expected tpm2.StructTag) error {
	var rsp [probeResponseMaxSize]byte
	if _, err := Request(rw, req, rsp[:]); err != nil {
		return err
	}
	if tag := CommandTag(rsp[:]); tag != expected {
		return fmt.Errorf("unexpected response tag %#04x", uint16(tag))
	}
	return nil
}

// TestTPMDev determines the version of the TPM behind rw. A TPM2
// ReadClock command is tried first, followed by a TPM 1.2 GetTicks command.
// A TPM 1.2 device answers the TPM2 command with a TPM 1.2 tagged error,
// so the responses can be told apart by their tag alone.
func TestTPMDev(rw io.ReadWriter) (Version, error) {
	readClock := mu.MustMarshalToBytes(tpm2.CommandHeader{
		Tag:         tpm2.TagNoSessions,
		CommandSize: HeaderSize,
		CommandCode: tpm2.CommandReadClock})
	if err := testTPMDev(rw, readClock, tpm2.TagNoSessions); err == nil {
		return Version2_0, nil
	}

	getTicks := mu.MustMarshalToBytes(tpm2.CommandHeader{
		Tag:         TagRQUCommand,
		CommandSize: HeaderSize,
		CommandCode: ordGetTicks})
	err := testTPMDev(rw, getTicks, TagRspCommand)
	if err == nil {
		return Version1_2, nil
	}

	return VersionUnspecified, &ProbeError{err: err}
}

type tpm12GetCapabilityCommand struct {
	Hdr        tpm2.CommandHeader
	CapArea    uint32
	SubCapSize uint32
	SubCap     uint32
}

type tpm12GetCapabilityResponse struct {
	Hdr        tpm2.ResponseHeader
	Len        uint32
	BufferSize uint32
}

type tpm2GetCapabilityCommand struct {
	Hdr           tpm2.CommandHeader
	Capability    tpm2.Capability
	Property      uint32
	PropertyCount uint32
}

type tpm2GetCapabilityResponse struct {
	Hdr        tpm2.ResponseHeader
	MoreData   uint8
	Capability tpm2.Capability
	Count      uint32
	Property1  uint32
	Value1     uint32
	Property2  uint32
	Value2     uint32
}

// GetBufferSize queries the TPM behind rw for the size of its command and
// response buffer, using the same channel as ordinary TPM commands.
func GetBufferSize(rw io.ReadWriter, version Version) (int, error) {
	var rsp [probeResponseMaxSize]byte

	switch version {
	case Version1_2:
		cmd := tpm12GetCapabilityCommand{
			Hdr: tpm2.CommandHeader{
				Tag:         TagRQUCommand,
				CommandCode: ordGetCapability},
			CapArea:    capProperty,
			SubCapSize: 4,
			SubCap:     capPropInputBuffer}
		cmd.Hdr.CommandSize = uint32(len(mu.MustMarshalToBytes(cmd)))

		n, err := Request(rw, mu.MustMarshalToBytes(cmd), rsp[:])
		if err != nil {
			return 0, fmt.Errorf("cannot execute TPM_GetCapability: %w", err)
		}
		var r tpm12GetCapabilityResponse
		expected := len(mu.MustMarshalToBytes(r))
		if _, err := mu.UnmarshalFromBytes(rsp[:n], &r); err != nil || n != expected || r.Len != 4 {
			return 0, fmt.Errorf("%w: unexpected response to TPM_GetCapability (size %d, errcode %#x)",
				ErrInvalidResponse, n, uint32(ResponseErrCode(rsp[:n])))
		}
		return int(r.BufferSize), nil
	case Version2_0:
		cmd := tpm2GetCapabilityCommand{
			Hdr: tpm2.CommandHeader{
				Tag:         tpm2.TagNoSessions,
				CommandCode: tpm2.CommandGetCapability},
			Capability:    tpm2.CapabilityTPMProperties,
			Property:      propertyMaxCommand,
			PropertyCount: 2}
		cmd.Hdr.CommandSize = uint32(len(mu.MustMarshalToBytes(cmd)))

		n, err := Request(rw, mu.MustMarshalToBytes(cmd), rsp[:])
		if err != nil {
			return 0, fmt.Errorf("cannot execute TPM2_GetCapability: %w", err)
		}
		var r tpm2GetCapabilityResponse
		expected := len(mu.MustMarshalToBytes(r))
		if _, err := mu.UnmarshalFromBytes(rsp[:n], &r); err != nil || n != expected || r.Count != 2 {
			return 0, fmt.Errorf("%w: unexpected response to TPM2_GetCapability (size %d, errcode %#x)",
				ErrInvalidResponse, n, uint32(ResponseErrCode(rsp[:n])))
		}
		size := r.Value1
		if r.Value2 > size {
			size = r.Value2
		}
		return int(size), nil
	default:
		return 0, fmt.Errorf("unsupported TPM version %v", version)
	}
}
