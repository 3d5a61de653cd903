// Copyright 2020 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package testutil

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"

	"github.com/canonical/go-tpmbackend"
	"github.com/canonical/go-tpmbackend/chardev"
	"github.com/canonical/go-tpmbackend/ptm"
)

// DefaultEmulatorCaps are the capabilities advertised by a FakeEmulator
// unless they are changed.
const DefaultEmulatorCaps = ptm.CapInit | ptm.CapShutdown | ptm.CapGetTPMEstablished | ptm.CapSetLocality |
	ptm.CapHashing | ptm.CapCancelTPMCmd | ptm.CapStoreVolatile | ptm.CapResetTPMEstablished |
	ptm.CapGetStateBlob | ptm.CapSetStateBlob | ptm.CapStop | ptm.CapGetConfig | ptm.CapSetDataFD |
	ptm.CapSetBufferSize | ptm.CapGetInfo | ptm.CapLockStorage

// FakeBlob is a state blob held by a FakeEmulator.
type FakeBlob struct {
	Flags uint32
	Data  []byte
}

// ControlRecord describes a control command received by a FakeEmulator.
type ControlRecord struct {
	Command ptm.Command
	Payload []byte
}

// CommandHandler answers a TPM command received on the data channel of a
// FakeEmulator. Returning nil closes the data channel without responding.
type CommandHandler func(cmd []byte) []byte

// FakeEmulator implements the emulator side of the control and data
// channels of a software TPM. Fields should be set before Start is called
// and not modified afterwards, except via the accessor methods.
type FakeEmulator struct {
	Caps        ptm.Caps
	Version     tpmbackend.Version
	Established bool
	BufferSize  uint32
	Config      uint32
	Info        string

	// Results contains the result code returned for each type of
	// control command. Missing commands succeed.
	Results map[ptm.Command]uint32

	// Blobs contains the state blobs returned from CMD_GET_STATEBLOB
	// and updated by CMD_SET_STATEBLOB.
	Blobs map[ptm.BlobType]FakeBlob

	// BlobResults overrides the result code of CMD_GET_STATEBLOB for
	// specific blob types.
	BlobResults map[ptm.BlobType]uint32

	// Handler answers TPM commands. If it is nil, every command is
	// answered with a successful header-only response tagged for
	// Version.
	Handler CommandHandler

	// Hook is called with each control command before it is
	// answered.
	Hook func(cmd ptm.Command)

	tomb tomb.Tomb

	mu       sync.Mutex
	ctrl     *chardev.Socket
	data     net.Conn
	controls []ControlRecord
	commands [][]byte
	locality uint8
	started  bool
}

// NewFakeEmulator returns a FakeEmulator that emulates a TPM2 device and
// advertises DefaultEmulatorCaps.
func NewFakeEmulator() *FakeEmulator {
	return &FakeEmulator{
		Caps:       DefaultEmulatorCaps,
		Version:    tpmbackend.Version2_0,
		BufferSize: 4096,
		Results:    make(map[ptm.Command]uint32),
		Blobs:      make(map[ptm.BlobType]FakeBlob)}
}

// Start starts serving the control channel and returns the client side
// of it.
func (e *FakeEmulator) Start() (*chardev.Socket, error) {
	server, client, err := chardev.Pair()
	if err != nil {
		return nil, err
	}
	if e.Results == nil {
		e.Results = make(map[ptm.Command]uint32)
	}
	if e.Blobs == nil {
		e.Blobs = make(map[ptm.BlobType]FakeBlob)
	}

	e.mu.Lock()
	e.ctrl = server
	e.started = true
	e.mu.Unlock()

	e.tomb.Go(e.serveControl)
	return client, nil
}

// Close stops the emulator and waits for it to finish.
func (e *FakeEmulator) Close() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.ctrl.Close()
	if e.data != nil {
		e.data.Close()
	}
	e.mu.Unlock()

	e.tomb.Kill(nil)
	err := e.tomb.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		err = nil
	}
	return err
}

// Controls returns the control commands received so far.
func (e *FakeEmulator) Controls() []ControlRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ControlRecord(nil), e.controls...)
}

// ControlCount returns the number of times that the supplied control
// command has been received.
func (e *FakeEmulator) ControlCount(cmd ptm.Command) (n int) {
	for _, r := range e.Controls() {
		if r.Command == cmd {
			n++
		}
	}
	return n
}

// ControlCommands returns the codes of the control commands received so
// far.
func (e *FakeEmulator) ControlCommands() (cmds []ptm.Command) {
	for _, r := range e.Controls() {
		cmds = append(cmds, r.Command)
	}
	return cmds
}

// ResetRecords discards the record of commands received so far.
func (e *FakeEmulator) ResetRecords() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.controls = nil
	e.commands = nil
}

// Commands returns the TPM commands received on the data channel so far.
func (e *FakeEmulator) Commands() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.commands...)
}

// Locality returns the locality most recently set.
func (e *FakeEmulator) Locality() uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.locality
}

// Blob returns the state blob of the supplied type.
func (e *FakeEmulator) Blob(t ptm.BlobType) FakeBlob {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Blobs[t]
}

// Configure calls fn with the emulator locked, so that its fields can be
// modified safely after Start has been called.
func (e *FakeEmulator) Configure(fn func(e *FakeEmulator)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e)
}

// SetResult changes the result code returned for cmd.
func (e *FakeEmulator) SetResult(cmd ptm.Command, result uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Results[cmd] = result
}

// SetEstablished changes the TPM established flag.
func (e *FakeEmulator) SetEstablished(established bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Established = established
}

func (e *FakeEmulator) result(cmd ptm.Command) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Results[cmd]
}

func (e *FakeEmulator) record(cmd ptm.Command, payload []byte) {
	e.mu.Lock()
	e.controls = append(e.controls, ControlRecord{Command: cmd, Payload: payload})
	hook := e.Hook
	e.mu.Unlock()

	if hook != nil {
		hook(cmd)
	}
}

var payloadSizes = map[ptm.Command]int{
	ptm.CmdInit:                4,
	ptm.CmdSetLocality:         4,
	ptm.CmdResetTPMEstablished: 4,
	ptm.CmdGetStateBlob:        12,
	ptm.CmdSetStateBlob:        12,
	ptm.CmdSetBufferSize:       4,
	ptm.CmdGetInfo:             16,
	ptm.CmdLockStorage:         4,
}

func (e *FakeEmulator) serveControl() error {
	for {
		var hdr [4]byte
		n, fds, err := e.ctrl.ReadWithFDs(hdr[:])
		if err != nil {
			return err
		}
		if n < len(hdr) {
			if _, err := io.ReadFull(e.ctrl, hdr[n:]); err != nil {
				return err
			}
		}
		cmd := ptm.Command(binary.BigEndian.Uint32(hdr[:]))

		payload := make([]byte, payloadSizes[cmd])
		if _, err := io.ReadFull(e.ctrl, payload); err != nil {
			return err
		}
		e.record(cmd, payload)

		rsp, err := e.handleControl(cmd, payload, fds)
		if err != nil {
			return err
		}
		if _, err := e.ctrl.Write(rsp); err != nil {
			return err
		}
	}
}

func marshal(vals ...interface{}) []byte {
	b, err := ptm.Marshal(vals...)
	if err != nil {
		panic(err)
	}
	return b
}

func (e *FakeEmulator) handleControl(cmd ptm.Command, payload []byte, fds []int) ([]byte, error) {
	result := e.result(cmd)
	resultOnly := marshal(&ptm.ResultResponse{Result: result})

	switch cmd {
	case ptm.CmdGetCapability:
		e.mu.Lock()
		defer e.mu.Unlock()
		return marshal(&ptm.CapResponse{Caps: e.Caps}), nil
	case ptm.CmdInit, ptm.CmdShutdown, ptm.CmdCancelTPMCmd, ptm.CmdStoreVolatile, ptm.CmdStop, ptm.CmdLockStorage:
		return resultOnly, nil
	case ptm.CmdGetTPMEstablished:
		e.mu.Lock()
		rsp := ptm.EstResponse{Result: result}
		if e.Established {
			rsp.Bit = 1
		}
		e.mu.Unlock()
		return marshal(&rsp), nil
	case ptm.CmdSetLocality:
		if result == ptm.ResultSuccess {
			e.mu.Lock()
			e.locality = payload[0]
			e.mu.Unlock()
		}
		return resultOnly, nil
	case ptm.CmdResetTPMEstablished:
		if result == ptm.ResultSuccess {
			e.SetEstablished(false)
		}
		return resultOnly, nil
	case ptm.CmdGetStateBlob:
		var req ptm.GetStateRequest
		if err := ptm.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		e.mu.Lock()
		if r, ok := e.BlobResults[req.Type]; ok {
			result = r
		}
		e.mu.Unlock()
		if result != ptm.ResultSuccess {
			return marshal(&ptm.GetStateResponse{Result: result}), nil
		}
		blob := e.Blob(req.Type)
		rsp := ptm.GetStateResponse{
			StateFlags: blob.Flags,
			TotLength:  uint32(len(blob.Data)),
			Length:     uint32(len(blob.Data))}
		return append(marshal(&rsp), blob.Data...), nil
	case ptm.CmdSetStateBlob:
		var req ptm.SetStateRequest
		if err := ptm.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		data := make([]byte, req.Length)
		if _, err := io.ReadFull(e.ctrl, data); err != nil {
			return nil, err
		}
		if result == ptm.ResultSuccess {
			e.mu.Lock()
			e.Blobs[req.Type] = FakeBlob{Flags: req.StateFlags, Data: data}
			e.mu.Unlock()
		}
		return resultOnly, nil
	case ptm.CmdGetConfig:
		if result != ptm.ResultSuccess {
			return resultOnly, nil
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		return marshal(&ptm.GetConfigResponse{Flags: e.Config}), nil
	case ptm.CmdSetDataFD:
		for i, fd := range fds {
			if i > 0 || result != ptm.ResultSuccess {
				unix.Close(fd)
			}
		}
		if result != ptm.ResultSuccess {
			return resultOnly, nil
		}
		if len(fds) == 0 {
			return nil, errors.New("no file descriptor received with CMD_SET_DATAFD")
		}
		if err := e.startData(fds[0]); err != nil {
			return nil, err
		}
		return resultOnly, nil
	case ptm.CmdSetBufferSize:
		if result != ptm.ResultSuccess {
			return resultOnly, nil
		}
		wanted := binary.BigEndian.Uint32(payload)
		e.mu.Lock()
		if wanted != 0 {
			e.BufferSize = wanted
		}
		rsp := ptm.SetBufferSizeResponse{
			BufferSize: e.BufferSize,
			MinSize:    1024,
			MaxSize:    4096}
		e.mu.Unlock()
		return marshal(&rsp), nil
	case ptm.CmdGetInfo:
		if result != ptm.ResultSuccess {
			return resultOnly, nil
		}
		e.mu.Lock()
		info := append([]byte(e.Info), 0)
		e.mu.Unlock()
		rsp := ptm.GetInfoResponse{
			TotLength: uint32(len(info)),
			Length:    uint32(len(info))}
		return append(marshal(&rsp), info...), nil
	default:
		return nil, fmt.Errorf("unexpected control command %v", cmd)
	}
}

func (e *FakeEmulator) startData(fd int) error {
	f := os.NewFile(uintptr(fd), "fake-emulator-data")
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.data != nil {
		e.data.Close()
	}
	e.data = conn
	e.mu.Unlock()

	e.tomb.Go(func() error {
		e.serveData(conn)
		return nil
	})
	return nil
}

func (e *FakeEmulator) defaultResponse() []byte {
	e.mu.Lock()
	version := e.Version
	e.mu.Unlock()

	tag := tpmbackend.TagRspCommand
	if version == tpmbackend.Version2_0 {
		tag = 0x8001
	}
	var rsp [tpmbackend.HeaderSize]byte
	binary.BigEndian.PutUint16(rsp[0:], uint16(tag))
	binary.BigEndian.PutUint32(rsp[2:], tpmbackend.HeaderSize)
	return rsp[:]
}

func (e *FakeEmulator) serveData(conn net.Conn) {
	defer conn.Close()

	for {
		var hdr [tpmbackend.HeaderSize]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		size := int(tpmbackend.CommandSize(hdr[:]))
		if size < tpmbackend.HeaderSize {
			return
		}
		cmd := make([]byte, size)
		copy(cmd, hdr[:])
		if _, err := io.ReadFull(conn, cmd[tpmbackend.HeaderSize:]); err != nil {
			return
		}

		e.mu.Lock()
		e.commands = append(e.commands, cmd)
		handler := e.Handler
		e.mu.Unlock()

		rsp := e.defaultResponse()
		if handler != nil {
			rsp = handler(cmd)
		}
		if rsp == nil {
			return
		}
		if _, err := conn.Write(rsp); err != nil {
			return
		}
	}
}
