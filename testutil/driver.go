// Copyright 2020 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package testutil

import (
	"sync"

	"github.com/canonical/go-tpmbackend"
)

// MockDriver is a tpmbackend.Driver that records how it is used. It
// also tracks how many commands are executing concurrently.
type MockDriver struct {
	Opts        tpmbackend.Options
	TPMVersion  tpmbackend.Version
	StartupErr  error
	CloseErr    error
	Established bool
	Size        int

	// HandleFunc executes commands. If it is nil, every command gets a
	// successful header-only TPM2 response.
	HandleFunc func(cmd *tpmbackend.Cmd) tpmbackend.Response

	mu        sync.Mutex
	active    int
	maxActive int
	handled   []*tpmbackend.Cmd
	startups  []int
	resets    int
	cancels   int
	resetLocs []uint8
	closed    bool
}

// NewMockDriver returns a new MockDriver for a TPM2 device.
func NewMockDriver(opts tpmbackend.Options) *MockDriver {
	if opts.Type == "" {
		opts.Type = "mock"
	}
	return &MockDriver{
		Opts:       opts,
		TPMVersion: tpmbackend.Version2_0,
		Size:       4096}
}

func (d *MockDriver) Type() string {
	return d.Opts.Type
}

func (d *MockDriver) Options() tpmbackend.Options {
	return d.Opts
}

func (d *MockDriver) Version() tpmbackend.Version {
	return d.TPMVersion
}

func (d *MockDriver) Startup(bufferSize int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startups = append(d.startups, bufferSize)
	return d.StartupErr
}

func (d *MockDriver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
}

func (d *MockDriver) HandleRequest(cmd *tpmbackend.Cmd) tpmbackend.Response {
	d.mu.Lock()
	d.active++
	if d.active > d.maxActive {
		d.maxActive = d.active
	}
	d.handled = append(d.handled, cmd)
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.active--
		d.mu.Unlock()
	}()

	if d.HandleFunc != nil {
		return d.HandleFunc(cmd)
	}
	rsp := []byte{0x80, 0x01, 0x00, 0x00, 0x00, 0x0a, 0x00, 0x00, 0x00, 0x00}
	return tpmbackend.Response{Len: copy(cmd.Out, rsp)}
}

func (d *MockDriver) TPMEstablishedFlag() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Established
}

func (d *MockDriver) ResetTPMEstablishedFlag(locality uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocs = append(d.resetLocs, locality)
	d.Established = false
	return nil
}

func (d *MockDriver) CancelCmd() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels++
}

func (d *MockDriver) BufferSize() int {
	return d.Size
}

func (d *MockDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return d.CloseErr
}

// MaxActive returns the largest number of commands that were executing
// at the same time.
func (d *MockDriver) MaxActive() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxActive
}

// Handled returns the commands executed so far, in order.
func (d *MockDriver) Handled() []*tpmbackend.Cmd {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*tpmbackend.Cmd(nil), d.handled...)
}

// Startups returns the buffer sizes passed to each call to Startup.
func (d *MockDriver) Startups() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.startups...)
}

func (d *MockDriver) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

func (d *MockDriver) Cancels() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancels
}

// ResetLocalities returns the localities passed to each call to
// ResetTPMEstablishedFlag.
func (d *MockDriver) ResetLocalities() []uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint8(nil), d.resetLocs...)
}

func (d *MockDriver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
