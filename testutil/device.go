// Copyright 2020 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package testutil

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/canonical/go-tpmbackend"
)

// FakeDevice is an in-memory host TPM character device. Each command
// written to it is answered by Handler, and the response is returned by
// the next read.
type FakeDevice struct {
	// Handler answers commands. If it is nil, every command is
	// answered with a successful header-only response with the tag in
	// Tag.
	Handler func(cmd []byte) []byte

	// Tag is the tag of the default response.
	Tag uint16

	// WriteHook is called before each command is answered. If it
	// returns an error, the write fails with that error.
	WriteHook func(cmd []byte) error

	mu       sync.Mutex
	pending  []byte
	commands [][]byte
	reads    int
	closed   bool
}

// NewFakeDevice returns a FakeDevice for a TPM2 device.
func NewFakeDevice() *FakeDevice {
	return &FakeDevice{Tag: 0x8001}
}

func (d *FakeDevice) Write(data []byte) (int, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, os.ErrClosed
	}
	cmd := append([]byte(nil), data...)
	d.commands = append(d.commands, cmd)
	hook := d.WriteHook
	handler := d.Handler
	d.mu.Unlock()

	if hook != nil {
		if err := hook(cmd); err != nil {
			return 0, err
		}
	}

	var rsp []byte
	if handler != nil {
		rsp = handler(cmd)
	} else {
		rsp = make([]byte, tpmbackend.HeaderSize)
		binary.BigEndian.PutUint16(rsp, d.Tag)
		binary.BigEndian.PutUint32(rsp[2:], tpmbackend.HeaderSize)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = rsp
	return len(data), nil
}

func (d *FakeDevice) Read(data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, os.ErrClosed
	}
	d.reads++
	if d.pending == nil {
		return 0, io.EOF
	}
	n := copy(data, d.pending)
	d.pending = nil
	return n, nil
}

// WaitResponse returns an error if there is no response to read.
func (d *FakeDevice) WaitResponse(timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return errors.New("timeout")
	}
	return nil
}

func (d *FakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return os.ErrClosed
	}
	d.closed = true
	return nil
}

// Commands returns the commands written so far.
func (d *FakeDevice) Commands() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.commands...)
}

// Reads returns the number of reads so far.
func (d *FakeDevice) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

// IOCount returns the total number of reads and writes so far.
func (d *FakeDevice) IOCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads + len(d.commands)
}

// ResetRecords discards the record of commands written so far.
func (d *FakeDevice) ResetRecords() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = nil
	d.reads = 0
}

// Closed indicates whether the device has been closed.
func (d *FakeDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
