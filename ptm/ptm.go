// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

/*
Package ptm implements the encoding of the control protocol used to manage a
software TPM emulator process over its control channel.

Each request is framed as a big-endian 32-bit command code followed by a
fixed-size request structure. The emulator replies with the response structure
only, without echoing the command code. All multi-byte fields are big-endian.
*/
package ptm

import (
	"fmt"
)

// Command corresponds to a control channel command code.
type Command uint32

const (
	CmdGetCapability Command = iota + 1
	CmdInit
	CmdShutdown
	CmdGetTPMEstablished
	CmdSetLocality
	CmdHashStart
	CmdHashData
	CmdHashEnd
	CmdCancelTPMCmd
	CmdStoreVolatile
	CmdResetTPMEstablished
	CmdGetStateBlob
	CmdSetStateBlob
	CmdStop
	CmdGetConfig
	CmdSetDataFD
	CmdSetBufferSize
	CmdGetInfo
	CmdLockStorage
)

var commandNames = map[Command]string{
	CmdGetCapability:       "CMD_GET_CAPABILITY",
	CmdInit:                "CMD_INIT",
	CmdShutdown:            "CMD_SHUTDOWN",
	CmdGetTPMEstablished:   "CMD_GET_TPMESTABLISHED",
	CmdSetLocality:         "CMD_SET_LOCALITY",
	CmdHashStart:           "CMD_HASH_START",
	CmdHashData:            "CMD_HASH_DATA",
	CmdHashEnd:             "CMD_HASH_END",
	CmdCancelTPMCmd:        "CMD_CANCEL_TPM_CMD",
	CmdStoreVolatile:       "CMD_STORE_VOLATILE",
	CmdResetTPMEstablished: "CMD_RESET_TPMESTABLISHED",
	CmdGetStateBlob:        "CMD_GET_STATEBLOB",
	CmdSetStateBlob:        "CMD_SET_STATEBLOB",
	CmdStop:                "CMD_STOP",
	CmdGetConfig:           "CMD_GET_CONFIG",
	CmdSetDataFD:           "CMD_SET_DATAFD",
	CmdSetBufferSize:       "CMD_SET_BUFFERSIZE",
	CmdGetInfo:             "CMD_GET_INFO",
	CmdLockStorage:         "CMD_LOCK_STORAGE",
}

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return fmt.Sprintf("CMD_%d", uint32(c))
}

// Caps is the capability bitmask returned by CMD_GET_CAPABILITY.
type Caps uint64

const (
	CapInit Caps = 1 << iota
	CapShutdown
	CapGetTPMEstablished
	CapSetLocality
	CapHashing
	CapCancelTPMCmd
	CapStoreVolatile
	CapResetTPMEstablished
	CapGetStateBlob
	CapSetStateBlob
	CapStop
	CapGetConfig
	CapSetDataFD
	CapSetBufferSize
	CapGetInfo
	CapSendCommandHeader
	CapLockStorage
)

// Has indicates whether all of the bits in required are advertised.
func (c Caps) Has(required Caps) bool {
	return c&required == required
}

func (c Caps) String() string {
	return fmt.Sprintf("%#x", uint64(c))
}

const (
	// InitFlagDeleteVolatile asks the emulator to delete its volatile
	// state after reading it during CMD_INIT.
	InitFlagDeleteVolatile uint32 = 1 << 0

	StateFlagDecrypted uint32 = 1
	StateFlagEncrypted uint32 = 2

	ConfigFlagFileKey      uint32 = 1
	ConfigFlagMigrationKey uint32 = 2

	InfoTPMSpecification uint64 = 1 << 0
	InfoTPMAttributes    uint64 = 1 << 1
	InfoTPMFeatures      uint64 = 1 << 2
	InfoRuntimeFlags     uint64 = 1 << 3
)

// BlobType identifies one of the TPM state blobs.
type BlobType uint32

const (
	BlobTypePermanent BlobType = 1
	BlobTypeVolatile  BlobType = 2
	BlobTypeSavestate BlobType = 3
)

func (t BlobType) String() string {
	switch t {
	case BlobTypePermanent:
		return "permanent"
	case BlobTypeVolatile:
		return "volatile"
	case BlobTypeSavestate:
		return "savestate"
	default:
		return fmt.Sprintf("%d", uint32(t))
	}
}
