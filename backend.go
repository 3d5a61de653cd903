// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tpmbackend

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Version is the major version of the TPM behind a backend.
type Version int

const (
	VersionUnspecified Version = iota
	Version1_2
	Version2_0
)

func (v Version) String() string {
	switch v {
	case Version1_2:
		return "1.2"
	case Version2_0:
		return "2.0"
	default:
		return "unspecified"
	}
}

// Cmd describes a single TPM command delivered by a frontend. The backend
// does not retain In or Out once the command has completed.
type Cmd struct {
	Locality uint8
	In       []byte
	Out      []byte

	// SelftestDone is set by the backend when the command was a
	// successful TPM_ContinueSelfTest.
	SelftestDone bool
}

// Response is the outcome of Driver.HandleRequest. Out always holds a
// well-formed TPM response afterwards, as long as it is large enough for a
// header. If Err is set, that response is the synthesized TPM_FAIL response.
type Response struct {
	Len int
	Err error
}

// Fatal indicates whether the response is a synthesized error response.
func (r Response) Fatal() bool {
	return r.Err != nil
}

// fatalResult writes the TPM_FAIL response to cmd.Out and returns a Response
// describing it.
func fatalResult(cmd *Cmd, err error) Response {
	res := Response{Err: err}
	if WriteFatalErrorResponse(cmd.Out) {
		res.Len = HeaderSize
	}
	return res
}

// FatalResult is used by drivers to absorb a transport error into the
// response for cmd.
func FatalResult(cmd *Cmd, err error) Response {
	return fatalResult(cmd, err)
}

// Options describes how to create a backend. It is decoded from
// configuration files and command line options.
type Options struct {
	ID         string `mapstructure:"id"`
	Type       string `mapstructure:"type"`
	Path       string `mapstructure:"path"`
	CancelPath string `mapstructure:"cancel-path"`
	Chardev    string `mapstructure:"chardev"`

	Logger logrus.FieldLogger `mapstructure:"-"`
}

// Log returns the logger for a backend created with these options.
func (o *Options) Log() logrus.FieldLogger {
	l := o.Logger
	if l == nil {
		l = logrus.StandardLogger()
	}
	return l.WithField("tpmdev", o.ID)
}

// Driver is implemented by each type of TPM backend.
type Driver interface {
	Type() string
	Options() Options

	// Version returns the TPM version detected when the driver was
	// created.
	Version() Version

	// Startup starts the TPM, requesting the supplied buffer size if it
	// is not zero.
	Startup(bufferSize int) error

	Reset()

	// HandleRequest executes cmd. It never fails outright: errors are
	// absorbed into a synthesized response in cmd.Out.
	HandleRequest(cmd *Cmd) Response

	TPMEstablishedFlag() bool
	ResetTPMEstablishedFlag(locality uint8) error

	// CancelCmd makes a best-effort attempt to cancel the command that
	// is currently executing. It does not block.
	CancelCmd()

	BufferSize() int

	Close() error
}

// Frontend is implemented by the device models that deliver commands to a
// backend.
type Frontend interface {
	RequestCompleted(cmd *Cmd, res Response)
}

// Info describes a backend.
type Info struct {
	ID      string
	Model   string
	Type    string
	Options Options
}

// Backend is the frontend-facing side of a TPM backend. Commands are
// executed one at a time on a dedicated worker in the order that they
// are delivered.
type Backend struct {
	driver Driver
	log    logrus.FieldLogger

	mu              sync.Mutex
	frontend        Frontend
	dispatcher      *Dispatcher
	hadStartupError bool
	closed          bool
}

// NewBackend returns a new backend for the supplied driver.
func NewBackend(driver Driver) *Backend {
	opts := driver.Options()
	return &Backend{
		driver: driver,
		log:    opts.Log()}
}

// New creates a driver using the supplied options and returns a new
// backend for it.
func New(opts Options) (*Backend, error) {
	driver, err := NewDriver(opts)
	if err != nil {
		return nil, err
	}
	return NewBackend(driver), nil
}

// Driver returns the driver for this backend.
func (b *Backend) Driver() Driver {
	return b.driver
}

// Init associates this backend with a frontend.
func (b *Backend) Init(frontend Frontend) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frontend = frontend
}

func (b *Backend) dispatch(op Op, cmd *Cmd) {
	switch op {
	case OpInit:
		b.log.Debug("TPM backend worker started")
	case OpProcessCmd:
		start := time.Now()
		res := b.driver.HandleRequest(cmd)
		observeRequest(b.driver.Type(), res, time.Since(start))
		switch {
		case errors.Is(res.Err, ErrCanceled):
			b.log.Debug("TPM command canceled")
		case res.Err != nil:
			b.log.WithError(res.Err).Error("TPM command failed")
		}

		b.mu.Lock()
		frontend := b.frontend
		b.mu.Unlock()
		if frontend != nil {
			frontend.RequestCompleted(cmd, res)
		}
	case OpTPMReset:
		b.log.Debug("TPM backend reset")
	case OpEnd:
		b.log.Debug("TPM backend worker ending")
	}
}

func (b *Backend) dispatcherLocked() *Dispatcher {
	if b.dispatcher == nil {
		b.dispatcher = NewDispatcher(b.dispatch)
	}
	return b.dispatcher
}

// Startup waits for any pending commands to complete and then starts the
// TPM. The error is recorded and can be retrieved with HadStartupError.
func (b *Backend) Startup(bufferSize int) error {
	b.FinishSync()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	err := b.driver.Startup(bufferSize)
	b.hadStartupError = err != nil
	b.dispatcherLocked()
	if err != nil {
		return &StartupError{Type: b.driver.Type(), err: err}
	}
	return nil
}

// HadStartupError indicates whether the last call to Startup failed.
func (b *Backend) HadStartupError() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hadStartupError
}

// DeliverRequest queues cmd for execution. The frontend's RequestCompleted
// method is called from the worker once the response is in cmd.Out.
func (b *Backend) DeliverRequest(cmd *Cmd) {
	b.mu.Lock()
	if !b.closed {
		b.dispatcherLocked().Push(OpProcessCmd, cmd)
		b.mu.Unlock()
		return
	}
	frontend := b.frontend
	b.mu.Unlock()

	res := fatalResult(cmd, ErrClosed)
	if frontend != nil {
		frontend.RequestCompleted(cmd, res)
	}
}

// Reset resets the driver and waits for pending commands to complete.
func (b *Backend) Reset() {
	b.driver.Reset()

	b.mu.Lock()
	if !b.closed {
		if b.dispatcher == nil {
			b.dispatcher = NewDispatcher(b.dispatch)
		} else {
			b.dispatcher.TPMReset()
		}
	}
	b.mu.Unlock()

	b.FinishSync()

	b.mu.Lock()
	b.hadStartupError = false
	b.mu.Unlock()
}

// FinishSync blocks until all delivered commands have completed.
func (b *Backend) FinishSync() {
	b.mu.Lock()
	d := b.dispatcher
	b.mu.Unlock()
	if d != nil {
		d.Sync()
	}
}

func (b *Backend) CancelCmd() {
	b.driver.CancelCmd()
}

func (b *Backend) TPMEstablishedFlag() bool {
	return b.driver.TPMEstablishedFlag()
}

func (b *Backend) ResetTPMEstablishedFlag(locality uint8) error {
	return b.driver.ResetTPMEstablishedFlag(locality)
}

func (b *Backend) Version() Version {
	return b.driver.Version()
}

func (b *Backend) BufferSize() int {
	return b.driver.BufferSize()
}

// Query returns information about this backend.
func (b *Backend) Query() Info {
	opts := b.driver.Options()
	info := Info{
		ID:      opts.ID,
		Type:    b.driver.Type(),
		Options: opts}

	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.frontend.(interface{ Model() string }); ok {
		info.Model = m.Model()
	}
	return info
}

// Close terminates the worker once all pending commands have completed and
// then closes the driver.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.closed = true
	d := b.dispatcher
	b.dispatcher = nil
	b.mu.Unlock()

	if d != nil {
		d.End()
	}
	if err := b.driver.Close(); err != nil {
		return fmt.Errorf("cannot close %s driver: %w", b.driver.Type(), err)
	}
	return nil
}
