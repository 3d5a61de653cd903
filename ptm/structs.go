// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package ptm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// The structures in this file mirror the fixed C layouts used by the
// emulator, including their implicit padding. They are converted to and
// from big-endian wire form with Marshal and Unmarshal, and must not be
// byte-swapped anywhere else.

// InfoBufferSize is the maximum payload of a CMD_GET_INFO response.
const InfoBufferSize = 3072

// ResultResponse is the response of commands that only return a result code.
type ResultResponse struct {
	Result uint32
}

// CapResponse is the response to CMD_GET_CAPABILITY.
type CapResponse struct {
	Caps Caps
}

type InitRequest struct {
	InitFlags uint32
}

type InitResponse = ResultResponse

// EstResponse is the response to CMD_GET_TPMESTABLISHED.
type EstResponse struct {
	Result uint32
	Bit    uint8
	_      [3]byte
}

// ResetEstRequest is the request for CMD_RESET_TPMESTABLISHED.
type ResetEstRequest struct {
	Loc uint8
	_   [3]byte
}

// LocRequest is the request for CMD_SET_LOCALITY.
type LocRequest struct {
	Loc uint8
	_   [3]byte
}

type LocResponse = ResultResponse

// GetStateRequest is the request for CMD_GET_STATEBLOB.
type GetStateRequest struct {
	StateFlags uint32
	Type       BlobType
	Offset     uint32
}

// GetStateResponse is the fixed part of the response to CMD_GET_STATEBLOB.
// The blob data follows it on the control channel.
type GetStateResponse struct {
	Result     uint32
	StateFlags uint32
	TotLength  uint32
	Length     uint32
}

// SetStateRequest is the header of a CMD_SET_STATEBLOB request. The blob
// data is written directly after it.
type SetStateRequest struct {
	StateFlags uint32
	Type       BlobType
	Length     uint32
}

type SetStateResponse = ResultResponse

// GetConfigResponse is the response to CMD_GET_CONFIG.
type GetConfigResponse struct {
	Result uint32
	Flags  uint32
}

// SetBufferSizeRequest is the request for CMD_SET_BUFFERSIZE. A zero size
// queries the current size without changing it.
type SetBufferSizeRequest struct {
	BufferSize uint32
}

type SetBufferSizeResponse struct {
	Result     uint32
	BufferSize uint32
	MinSize    uint32
	MaxSize    uint32
}

// GetInfoRequest is the request for CMD_GET_INFO.
type GetInfoRequest struct {
	Flags  uint64
	Offset uint32
	_      uint32
}

// GetInfoResponse is the fixed part of the response to CMD_GET_INFO. Length
// bytes of JSON follow it on the control channel.
type GetInfoResponse struct {
	Result    uint32
	TotLength uint32
	Length    uint32
}

// LockStorageRequest is the request for CMD_LOCK_STORAGE.
type LockStorageRequest struct {
	Retries uint32
}

// Size returns the number of bytes that v occupies on the wire.
func Size(v interface{}) int {
	if v == nil {
		return 0
	}
	return binary.Size(v)
}

// Marshal serializes the supplied values to their big-endian wire form.
func Marshal(vals ...interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	for _, v := range vals {
		if v == nil {
			continue
		}
		if err := binary.Write(buf, binary.BigEndian, v); err != nil {
			return nil, fmt.Errorf("cannot marshal %T: %w", v, err)
		}
	}
	return buf.Bytes(), nil
}

// Unmarshal deserializes the big-endian wire form in b to v, which must be
// a pointer to one of the structures in this package.
func Unmarshal(b []byte, v interface{}) error {
	if n := Size(v); n > len(b) {
		return fmt.Errorf("cannot unmarshal %T: %w", v, io.ErrUnexpectedEOF)
	}
	if err := binary.Read(bytes.NewReader(b), binary.BigEndian, v); err != nil {
		return fmt.Errorf("cannot unmarshal %T: %w", v, err)
	}
	return nil
}

// MarshalCommand returns the framed form of a control request: the command
// code followed by req. req may be nil for commands without a payload.
func MarshalCommand(cmd Command, req interface{}) ([]byte, error) {
	return Marshal(uint32(cmd), req)
}
