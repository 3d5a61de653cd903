// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tpmbackend

import (
	"encoding/binary"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/mu"
)

const (
	// HeaderSize is the size of a TPM command or response header.
	HeaderSize = 10

	// TagRQUCommand and TagRspCommand are the TPM 1.2 command and response
	// tags. TPM2 devices use TagRspCommand for responses to commands with
	// an unrecognized tag.
	TagRQUCommand tpm2.StructTag = 0x00c1
	TagRspCommand tpm2.StructTag = 0x00c4

	// ResultFail is TPM_FAIL, the error code of a synthesized response.
	ResultFail tpm2.ResponseCode = 9

	ordContinueSelfTest tpm2.CommandCode = 0x53
)

// CommandTag returns the tag field of the command or response in buf.
func CommandTag(buf []byte) tpm2.StructTag {
	if len(buf) < 2 {
		return 0
	}
	return tpm2.StructTag(binary.BigEndian.Uint16(buf))
}

// CommandSize returns the size field of the command or response in buf.
func CommandSize(buf []byte) uint32 {
	if len(buf) < 6 {
		return 0
	}
	return binary.BigEndian.Uint32(buf[2:])
}

// CommandOrdinal returns the command code of the command in buf.
func CommandOrdinal(buf []byte) tpm2.CommandCode {
	var hdr tpm2.CommandHeader
	if _, err := mu.UnmarshalFromBytes(buf, &hdr); err != nil {
		return 0
	}
	return hdr.CommandCode
}

// ResponseErrCode returns the response code of the response in buf.
func ResponseErrCode(buf []byte) tpm2.ResponseCode {
	var hdr tpm2.ResponseHeader
	if _, err := mu.UnmarshalFromBytes(buf, &hdr); err != nil {
		return 0
	}
	return hdr.ResponseCode
}

// WriteFatalErrorResponse overwrites the header in out with a TPM_FAIL
// response, which every TPM frontend understands. Nothing is written if
// out is too small to hold a header. It returns whether the response was
// written.
func WriteFatalErrorResponse(out []byte) bool {
	if len(out) < HeaderSize {
		return false
	}
	hdr := tpm2.ResponseHeader{
		Tag:          TagRspCommand,
		ResponseSize: HeaderSize,
		ResponseCode: ResultFail}
	b := mu.MustMarshalToBytes(hdr)
	copy(out, b)
	return true
}

// IsSelftest indicates whether the command in in is TPM_ContinueSelfTest.
func IsSelftest(in []byte) bool {
	if len(in) < HeaderSize {
		return false
	}
	return CommandOrdinal(in) == ordContinueSelfTest
}
