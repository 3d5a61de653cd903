// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

/*
Package passthrough implements a TPM backend driver that forwards commands
to a TPM character device on the host, such as /dev/tpm0.

Commands are cancelled by writing to the device's sysfs cancel file, which
is either supplied with the CancelPath option or guessed from the device
name.
*/
package passthrough

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/canonical/go-tpm2/linux"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/canonical/go-tpmbackend"
)

const (
	// DriverType is the name that this driver is registered with.
	DriverType = "passthrough"

	// DefaultDevicePath is used when no device path is supplied and no
	// TPM device can be found.
	DefaultDevicePath = "/dev/tpm0"

	// DefaultBufferSize is returned from BufferSize if the TPM cannot be
	// queried.
	DefaultBufferSize = 4096
)

type device interface {
	io.ReadWriteCloser
}

var (
	openDevice = func(path string) (device, error) {
		return openDeviceFile(path)
	}

	defaultDevicePath = func() string {
		dev, err := linux.DefaultTPMDevice()
		if err != nil {
			return DefaultDevicePath
		}
		return dev.Path()
	}
)

func init() {
	tpmbackend.RegisterDriver(DriverType, "Passthrough TPM backend driver", func(opts tpmbackend.Options) (tpmbackend.Driver, error) {
		p, err := New(opts)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

// Passthrough is a TPM backend driver for a host TPM device.
type Passthrough struct {
	opts tpmbackend.Options
	log  logrus.FieldLogger

	ioMu sync.Mutex // held for the duration of a TPM command
	dev  device

	cancel  io.WriteCloser
	version tpmbackend.Version

	executing atomic.Bool
	canceled  atomic.Bool

	bufferSizeOnce sync.Once
	bufferSize     int

	mu     sync.Mutex
	closed bool
}

// New opens the host TPM device named by opts.Path, or the default TPM
// device if it is empty, and determines its version.
func New(opts tpmbackend.Options) (*Passthrough, error) {
	if opts.Path == "" {
		opts.Path = defaultDevicePath()
	}

	p := &Passthrough{opts: opts}
	p.log = p.opts.Log().WithField("driver", DriverType)

	dev, err := openDevice(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("cannot open TPM device %s: %w", opts.Path, err)
	}
	p.dev = dev

	success := false
	defer func() {
		if success {
			return
		}
		p.dev.Close()
	}()

	version, err := tpmbackend.TestTPMDev(dev)
	if err != nil {
		return nil, fmt.Errorf("%q is not a TPM device: %w", opts.Path, err)
	}
	p.version = version
	p.log.Debugf("TPM version %v", version)

	cancel, cancelPath, err := openSysfsCancel(opts.Path, opts.CancelPath)
	if err != nil {
		return nil, err
	}
	p.cancel = cancel
	p.opts.CancelPath = cancelPath

	success = true
	return p, nil
}

func (p *Passthrough) Type() string {
	return DriverType
}

func (p *Passthrough) Options() tpmbackend.Options {
	return p.opts
}

func (p *Passthrough) Version() tpmbackend.Version {
	return p.version
}

// Startup checks that the requested buffer size can be used. The size of
// a hardware TPM's buffer cannot be changed, so it is an error to request
// a smaller one.
func (p *Passthrough) Startup(bufferSize int) error {
	if size := p.BufferSize(); bufferSize != 0 && bufferSize < size {
		return fmt.Errorf("requested buffer size of %d is smaller than host TPM's fixed buffer size of %d", bufferSize, size)
	}
	return nil
}

// Reset cancels any command that is executing.
func (p *Passthrough) Reset() {
	p.log.Debug("resetting TPM")
	p.CancelCmd()
}

func (p *Passthrough) transmit(cmd *tpmbackend.Cmd) (int, error) {
	p.canceled.Store(false)
	p.executing.Store(true)
	defer p.executing.Store(false)

	cmd.SelftestDone = false
	selftest := tpmbackend.IsSelftest(cmd.In)

	n, err := p.dev.Write(cmd.In)
	if err == nil && n != len(cmd.In) {
		err = io.ErrShortWrite
	}
	if err != nil {
		if p.canceled.Load() && errors.Is(err, unix.ECANCELED) {
			return 0, tpmbackend.ErrCanceled
		}
		return 0, fmt.Errorf("cannot transmit data to TPM: %w", err)
	}
	p.executing.Store(false)

	n, err = p.dev.Read(cmd.Out)
	switch {
	case err != nil:
		if p.canceled.Load() && errors.Is(err, unix.ECANCELED) {
			return 0, tpmbackend.ErrCanceled
		}
		return 0, fmt.Errorf("cannot read data from TPM: %w", err)
	case n < tpmbackend.HeaderSize || tpmbackend.CommandSize(cmd.Out) != uint32(n):
		return 0, fmt.Errorf("%w: received invalid response packet from TPM", tpmbackend.ErrInvalidResponse)
	}

	if selftest {
		cmd.SelftestDone = tpmbackend.ResponseErrCode(cmd.Out) == 0
	}
	return n, nil
}

// HandleRequest sends cmd to the host TPM. The locality is ignored. Any
// failure results in a TPM_FAIL response in cmd.Out.
func (p *Passthrough) HandleRequest(cmd *tpmbackend.Cmd) tpmbackend.Response {
	p.ioMu.Lock()
	defer p.ioMu.Unlock()

	if p.dev == nil {
		return tpmbackend.FatalResult(cmd, tpmbackend.ErrClosed)
	}
	n, err := p.transmit(cmd)
	if err != nil {
		return tpmbackend.FatalResult(cmd, err)
	}
	return tpmbackend.Response{Len: n}
}

// TPMEstablishedFlag always returns false, as the flag of a host TPM
// cannot be read through its character device.
func (p *Passthrough) TPMEstablishedFlag() bool {
	return false
}

// ResetTPMEstablishedFlag does nothing.
func (p *Passthrough) ResetTPMEstablishedFlag(locality uint8) error {
	return nil
}

// CancelCmd cancels the command that is currently being executed by the
// host TPM, if there is one. Nothing is written to the cancel file when
// no command is executing, so that an unrelated command submitted by
// another user of the host TPM is not cancelled.
func (p *Passthrough) CancelCmd() {
	if !p.executing.Load() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		p.log.Error("cannot cancel TPM command due to missing TPM sysfs cancel entry")
		return
	}

	p.canceled.Store(true)
	if n, err := p.cancel.Write([]byte("-")); err != nil || n != 1 {
		p.log.WithError(err).Error("cannot cancel TPM command")
	}
}

// BufferSize returns the size of the host TPM's command buffer. The TPM
// is queried the first time this is called and the value is then reused.
// DefaultBufferSize is returned if the query fails.
func (p *Passthrough) BufferSize() int {
	p.bufferSizeOnce.Do(func() {
		p.ioMu.Lock()
		defer p.ioMu.Unlock()

		p.bufferSize = DefaultBufferSize
		if p.dev == nil {
			return
		}
		size, err := tpmbackend.GetBufferSize(p.dev, p.version)
		if err != nil {
			p.log.WithError(err).Warn("cannot determine buffer size")
			return
		}
		p.bufferSize = size
	})
	return p.bufferSize
}

// Close cancels any executing command and releases the host TPM device
// and cancel file.
func (p *Passthrough) Close() error {
	p.CancelCmd()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return tpmbackend.ErrClosed
	}
	p.closed = true
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	var errs error
	if cancel != nil {
		if err := cancel.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("cannot close cancel path: %w", err))
		}
	}

	p.ioMu.Lock()
	defer p.ioMu.Unlock()
	if err := p.dev.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("cannot close TPM device: %w", err))
	}
	p.dev = nil
	return errs
}
