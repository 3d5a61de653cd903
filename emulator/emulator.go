// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

/*
Package emulator implements a TPM backend driver for software TPM emulators
such as swtpm.

The emulator is managed over a control channel, which is a character device
registered with the chardev package. TPM commands are sent over a separate
data channel: a UNIX domain socket pair is created, and one end is passed to
the emulator with the CMD_SET_DATAFD control command.
*/
package emulator

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/canonical/go-tpmbackend"
	"github.com/canonical/go-tpmbackend/chardev"
	"github.com/canonical/go-tpmbackend/migration"
	"github.com/canonical/go-tpmbackend/ptm"
)

const (
	// DriverType is the name that this driver is registered with.
	DriverType = "emulator"

	// DefaultBufferSize is returned from BufferSize if the emulator
	// cannot be queried.
	DefaultBufferSize = 4096

	localityNone uint8 = 0xff

	lockStorageRetries = 300

	// maxResponseSize bounds the number of bytes discarded from an
	// oversized response before the data channel is given up on.
	maxResponseSize = 1024 * 1024
)

var (
	// ErrNotSupported is returned when the emulator does not advertise
	// the capability required for an operation.
	ErrNotSupported = errors.New("operation not supported by the TPM emulator")

	errMigrationDisabled = errors.New("migration disabled: TPM emulator does not support migration")

	errDataChannelBroken = errors.New("TPM emulator data channel is unusable after an earlier error")
)

var socketpair = unix.Socketpair

func init() {
	tpmbackend.RegisterDriver(DriverType, "TPM emulator backend driver", func(opts tpmbackend.Options) (tpmbackend.Driver, error) {
		e, err := New(opts)
		if err != nil {
			return nil, err
		}
		return e, nil
	})
}

// CapsError is returned from New if the emulator does not support the
// capabilities required for the TPM version that it emulates.
type CapsError struct {
	Version  tpmbackend.Version
	Required ptm.Caps
	Caps     ptm.Caps
}

func (e *CapsError) Error() string {
	return fmt.Sprintf("TPM does not implement minimum set of required capabilities for TPM %s (%v)", e.Version, e.Required)
}

// ControlError is returned when a round trip on the control channel fails.
type ControlError struct {
	Command ptm.Command
	err     error
}

func (e *ControlError) Error() string {
	return fmt.Sprintf("cannot complete %s on control channel: %v", e.Command, e.err)
}

func (e *ControlError) Unwrap() error {
	return e.err
}

// Emulator is a TPM backend driver for a TPM emulator.
type Emulator struct {
	opts tpmbackend.Options
	log  logrus.FieldLogger

	ctrlMu sync.Mutex // serializes control channel round trips
	ctrl   chardev.Channel

	dataMu  sync.Mutex // held for the duration of a TPM command
	data    net.Conn
	dataErr error

	version tpmbackend.Version
	caps    ptm.Caps
	blocker *migration.Blocker

	cancelMu     sync.Mutex
	cancelClosed bool
	cancels      sync.WaitGroup

	mu                sync.Mutex
	curLocality       uint8
	establishedCached bool
	established       bool
	blobs             StateBlobs
	relockStorage     bool
	vmstateRegistered bool
	closed            bool
}

// New creates a new emulator backend using the control channel named by
// opts.Chardev. The emulator is probed for the TPM version that it
// emulates and for its capabilities.
func New(opts tpmbackend.Options) (*Emulator, error) {
	if opts.Chardev == "" {
		return nil, errors.New("missing chardev option")
	}
	ctrl := chardev.Find(opts.Chardev)
	if ctrl == nil {
		return nil, fmt.Errorf("TPM chardev %q not found", opts.Chardev)
	}

	e := &Emulator{
		opts:        opts,
		log:         opts.Log().WithField("driver", DriverType),
		ctrl:        ctrl,
		curLocality: localityNone}

	success := false
	defer func() {
		if success {
			return
		}
		e.teardown()
	}()

	if err := e.prepareDataFD(); err != nil {
		return nil, err
	}

	version, err := tpmbackend.TestTPMDev(e.data)
	if err != nil {
		return nil, fmt.Errorf("%q is not emulating a TPM device: %w", opts.Chardev, err)
	}
	e.version = version
	e.log.Debugf("TPM version %v", version)

	if err := e.probeCaps(); err != nil {
		return nil, err
	}
	if err := e.checkCaps(); err != nil {
		return nil, err
	}
	if err := e.blockMigration(); err != nil {
		return nil, err
	}
	if err := migration.RegisterVMState(e.vmstateName(), e); err != nil {
		return nil, err
	}
	e.vmstateRegistered = true

	// Prime the cache.
	e.TPMEstablishedFlag()

	success = true
	return e, nil
}

func (e *Emulator) vmstateName() string {
	return "tpm-emulator/" + e.opts.ID
}

func (e *Emulator) prepareDataFD() error {
	fds, err := socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("cannot create socketpair: %w", os.NewSyscallError("socketpair", err))
	}
	defer unix.Close(fds[1])

	var rsp ptm.ResultResponse
	e.ctrlMu.Lock()
	err = e.ctrlCmdLocked(ptm.CmdSetDataFD, nil, &rsp, 0, []int{fds[1]})
	e.ctrlMu.Unlock()
	if err == nil {
		err = ptm.CheckResult(ptm.CmdSetDataFD, rsp.Result)
	}
	if err != nil {
		unix.Close(fds[0])
		return fmt.Errorf("cannot send CMD_SET_DATAFD: %w", err)
	}

	f := os.NewFile(uintptr(fds[0]), "tpm-emulator-data")
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return fmt.Errorf("cannot create data channel: %w", err)
	}
	e.data = conn
	return nil
}

func (e *Emulator) probeCaps() error {
	var rsp ptm.CapResponse
	if err := e.ctrlCmd(ptm.CmdGetCapability, nil, &rsp, 0); err != nil {
		return fmt.Errorf("cannot probe capabilities: %w", err)
	}
	e.caps = rsp.Caps
	e.log.Debugf("capabilities %v", e.caps)
	return nil
}

func (e *Emulator) checkCaps() error {
	var required ptm.Caps
	switch e.version {
	case tpmbackend.Version1_2:
		required = ptm.CapInit | ptm.CapShutdown | ptm.CapGetTPMEstablished | ptm.CapSetLocality |
			ptm.CapSetDataFD | ptm.CapStop | ptm.CapSetBufferSize
	case tpmbackend.Version2_0:
		required = ptm.CapInit | ptm.CapShutdown | ptm.CapGetTPMEstablished | ptm.CapSetLocality |
			ptm.CapResetTPMEstablished | ptm.CapSetDataFD | ptm.CapStop | ptm.CapSetBufferSize
	default:
		return errors.New("TPM version has not been set")
	}

	if !e.caps.Has(required) {
		return &CapsError{Version: e.version, Required: required, Caps: e.caps}
	}
	return nil
}

func (e *Emulator) blockMigration() error {
	if e.caps.Has(ptm.CapGetStateBlob | ptm.CapSetStateBlob | ptm.CapStop) {
		return nil
	}
	b, err := migration.AddBlocker(errMigrationDisabled)
	if err != nil {
		return err
	}
	e.blocker = b
	return nil
}

func (e *Emulator) teardown() {
	if e.data != nil {
		e.data.Close()
	}
	if e.blocker != nil {
		migration.DelBlocker(e.blocker)
		e.blocker = nil
	}
	if e.vmstateRegistered {
		migration.UnregisterVMState(e.vmstateName())
		e.vmstateRegistered = false
	}
	e.blobs.Reset()
}

func (e *Emulator) Type() string {
	return DriverType
}

func (e *Emulator) Options() tpmbackend.Options {
	return e.opts
}

func (e *Emulator) Version() tpmbackend.Version {
	return e.version
}

// Caps returns the capabilities advertised by the emulator.
func (e *Emulator) Caps() ptm.Caps {
	return e.caps
}

// Startup starts the TPM, first setting its buffer size if bufferSize is
// not zero. If an incoming migration is in progress, only the buffer size
// is set and the TPM is started once its state has been loaded.
func (e *Emulator) Startup(bufferSize int) error {
	if migration.Incoming() {
		if bufferSize != 0 {
			_, err := e.SetBufferSize(bufferSize)
			return err
		}
		return nil
	}
	return e.startup(bufferSize, false)
}

func (e *Emulator) startup(bufferSize int, resume bool) error {
	if bufferSize != 0 {
		if _, err := e.SetBufferSize(bufferSize); err != nil {
			return err
		}
	}

	var req ptm.InitRequest
	if resume {
		req.InitFlags |= ptm.InitFlagDeleteVolatile
	}
	var rsp ptm.InitResponse
	if err := e.ctrlCmd(ptm.CmdInit, &req, &rsp, 0); err != nil {
		return fmt.Errorf("cannot send INIT: %w", err)
	}
	return ptm.CheckResult(ptm.CmdInit, rsp.Result)
}

// Reset does nothing. The emulator is reset by the TPM startup sequence.
func (e *Emulator) Reset() {}

func (e *Emulator) setLocality(locality uint8) error {
	e.mu.Lock()
	cur := e.curLocality
	e.mu.Unlock()
	if cur == locality {
		return nil
	}

	e.log.Debugf("setting locality to %d", locality)

	var rsp ptm.LocResponse
	if err := e.ctrlCmd(ptm.CmdSetLocality, &ptm.LocRequest{Loc: locality}, &rsp, 0); err != nil {
		return fmt.Errorf("cannot set locality: %w", err)
	}
	if err := ptm.CheckResult(ptm.CmdSetLocality, rsp.Result); err != nil {
		return err
	}

	e.mu.Lock()
	e.curLocality = locality
	e.mu.Unlock()
	return nil
}

func (e *Emulator) transmit(cmd *tpmbackend.Cmd) (int, error) {
	cmd.SelftestDone = false
	selftest := tpmbackend.IsSelftest(cmd.In)

	if _, err := e.data.Write(cmd.In); err != nil {
		return 0, e.breakDataChannel(fmt.Errorf("cannot send command: %w", err))
	}

	var hdr [tpmbackend.HeaderSize]byte
	if _, err := io.ReadFull(e.data, hdr[:]); err != nil {
		return 0, e.breakDataChannel(fmt.Errorf("cannot read response header: %w", err))
	}
	size := int(tpmbackend.CommandSize(hdr[:]))
	switch {
	case size < tpmbackend.HeaderSize || size > maxResponseSize:
		return 0, e.breakDataChannel(fmt.Errorf("%w: invalid response size %d", tpmbackend.ErrInvalidResponse, size))
	case size > len(cmd.Out):
		// Consume the rest of the response so that the next one
		// starts at a header.
		if _, err := io.CopyN(io.Discard, e.data, int64(size-tpmbackend.HeaderSize)); err != nil {
			return 0, e.breakDataChannel(fmt.Errorf("cannot read response: %w", err))
		}
		return 0, fmt.Errorf("%w: response of %d bytes does not fit in %d byte buffer", tpmbackend.ErrInvalidResponse, size, len(cmd.Out))
	}
	copy(cmd.Out, hdr[:])
	if _, err := io.ReadFull(e.data, cmd.Out[tpmbackend.HeaderSize:size]); err != nil {
		return 0, e.breakDataChannel(fmt.Errorf("cannot read response: %w", err))
	}

	if selftest {
		cmd.SelftestDone = tpmbackend.ResponseErrCode(cmd.Out) == 0
	}
	return size, nil
}

// breakDataChannel closes the data channel after an error that leaves it
// at an unknown position in the response stream. Subsequent commands fail
// without being sent. The caller must hold dataMu.
func (e *Emulator) breakDataChannel(err error) error {
	e.log.WithError(err).Error("closing TPM emulator data channel")
	e.data.Close()
	e.data = nil
	e.dataErr = errDataChannelBroken
	return err
}

// HandleRequest sends cmd to the emulator after switching to the command's
// locality. Any failure results in a TPM_FAIL response in cmd.Out.
func (e *Emulator) HandleRequest(cmd *tpmbackend.Cmd) tpmbackend.Response {
	e.dataMu.Lock()
	defer e.dataMu.Unlock()

	if e.data == nil {
		err := e.dataErr
		if err == nil {
			err = tpmbackend.ErrClosed
		}
		return tpmbackend.FatalResult(cmd, err)
	}
	if err := e.setLocality(cmd.Locality); err != nil {
		return tpmbackend.FatalResult(cmd, err)
	}
	n, err := e.transmit(cmd)
	if err != nil {
		return tpmbackend.FatalResult(cmd, err)
	}
	return tpmbackend.Response{Len: n}
}

// TPMEstablishedFlag returns the TPM established flag. The value is cached
// until the flag is reset with ResetTPMEstablishedFlag.
func (e *Emulator) TPMEstablishedFlag() bool {
	e.mu.Lock()
	if e.establishedCached {
		defer e.mu.Unlock()
		return e.established
	}
	e.mu.Unlock()

	var rsp ptm.EstResponse
	err := e.ctrlCmd(ptm.CmdGetTPMEstablished, nil, &rsp, 0)
	if err == nil {
		err = ptm.CheckResult(ptm.CmdGetTPMEstablished, rsp.Result)
	}
	if err != nil {
		e.log.WithError(err).Error("cannot get the TPM established flag")
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.establishedCached = true
	e.established = rsp.Bit != 0
	return e.established
}

// ResetTPMEstablishedFlag resets the TPM established flag from the
// supplied locality. This only does something for TPM2.
func (e *Emulator) ResetTPMEstablishedFlag(locality uint8) error {
	if e.version != tpmbackend.Version2_0 {
		return nil
	}

	// The emulator may have reset the flag even if the response is
	// lost, so always query it again.
	e.mu.Lock()
	e.establishedCached = false
	e.mu.Unlock()

	var rsp ptm.ResultResponse
	if err := e.ctrlCmd(ptm.CmdResetTPMEstablished, &ptm.ResetEstRequest{Loc: locality}, &rsp, 0); err != nil {
		return fmt.Errorf("cannot reset the establishment bit: %w", err)
	}
	return ptm.CheckResult(ptm.CmdResetTPMEstablished, rsp.Result)
}

// CancelCmd asks the emulator to cancel the current command, if it
// supports this. The request is sent from a new goroutine, so this does
// not block waiting for the control channel.
func (e *Emulator) CancelCmd() {
	if !e.caps.Has(ptm.CapCancelTPMCmd) {
		e.log.Debug("cancelling commands is not supported")
		return
	}

	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	if e.cancelClosed {
		return
	}

	e.cancels.Add(1)
	go func() {
		defer e.cancels.Done()

		var rsp ptm.ResultResponse
		err := e.ctrlCmd(ptm.CmdCancelTPMCmd, nil, &rsp, 0)
		if err == nil {
			err = ptm.CheckResult(ptm.CmdCancelTPMCmd, rsp.Result)
		}
		if err != nil {
			e.log.WithError(err).Error("cannot cancel TPM command")
		}
	}()
}

// BufferSizes describes the buffer size negotiated with the emulator.
type BufferSizes struct {
	Size    int
	MinSize int
	MaxSize int
}

// SetBufferSize stops the TPM and requests the supplied buffer size. A
// zero size leaves the current size unchanged. The negotiated sizes are
// returned.
func (e *Emulator) SetBufferSize(wanted int) (*BufferSizes, error) {
	if err := e.StopTPM(); err != nil {
		return nil, err
	}

	var rsp ptm.SetBufferSizeResponse
	if err := e.ctrlCmd(ptm.CmdSetBufferSize, &ptm.SetBufferSizeRequest{BufferSize: uint32(wanted)}, &rsp, ptm.Size(&ptm.ResultResponse{})); err != nil {
		return nil, fmt.Errorf("cannot set buffer size: %w", err)
	}
	if err := ptm.CheckResult(ptm.CmdSetBufferSize, rsp.Result); err != nil {
		return nil, err
	}
	return &BufferSizes{
		Size:    int(rsp.BufferSize),
		MinSize: int(rsp.MinSize),
		MaxSize: int(rsp.MaxSize)}, nil
}

// BufferSize returns the emulator's current buffer size, or
// DefaultBufferSize if it cannot be determined. Note that this stops the
// TPM.
func (e *Emulator) BufferSize() int {
	sizes, err := e.SetBufferSize(0)
	if err != nil {
		e.log.WithError(err).Warn("cannot determine buffer size")
		return DefaultBufferSize
	}
	return sizes.Size
}

// StopTPM stops the TPM.
func (e *Emulator) StopTPM() error {
	var rsp ptm.ResultResponse
	if err := e.ctrlCmd(ptm.CmdStop, nil, &rsp, 0); err != nil {
		return fmt.Errorf("cannot stop TPM: %w", err)
	}
	return ptm.CheckResult(ptm.CmdStop, rsp.Result)
}

// LockStorage asks the emulator to lock its storage, waiting for up to 3
// seconds for another instance to release it. It does nothing if the
// emulator doesn't support storage locking.
func (e *Emulator) LockStorage() error {
	if !e.caps.Has(ptm.CapLockStorage) {
		e.log.Debug("locking storage is not supported")
		return nil
	}

	var rsp ptm.ResultResponse
	if err := e.ctrlCmd(ptm.CmdLockStorage, &ptm.LockStorageRequest{Retries: lockStorageRetries}, &rsp, 0); err != nil {
		return fmt.Errorf("cannot lock storage within 3 seconds: %w", err)
	}
	return ptm.CheckResult(ptm.CmdLockStorage, rsp.Result)
}

// StoreVolatile asks the emulator to write its volatile state to storage.
func (e *Emulator) StoreVolatile() error {
	if !e.caps.Has(ptm.CapStoreVolatile) {
		return fmt.Errorf("%w: %v", ErrNotSupported, ptm.CmdStoreVolatile)
	}

	var rsp ptm.ResultResponse
	if err := e.ctrlCmd(ptm.CmdStoreVolatile, nil, &rsp, 0); err != nil {
		return fmt.Errorf("cannot store volatile state: %w", err)
	}
	return ptm.CheckResult(ptm.CmdStoreVolatile, rsp.Result)
}

// Config returns the emulator's configuration flags.
func (e *Emulator) Config() (uint32, error) {
	if !e.caps.Has(ptm.CapGetConfig) {
		return 0, fmt.Errorf("%w: %v", ErrNotSupported, ptm.CmdGetConfig)
	}

	var rsp ptm.GetConfigResponse
	if err := e.ctrlCmd(ptm.CmdGetConfig, nil, &rsp, ptm.Size(&ptm.ResultResponse{})); err != nil {
		return 0, fmt.Errorf("cannot get configuration: %w", err)
	}
	if err := ptm.CheckResult(ptm.CmdGetConfig, rsp.Result); err != nil {
		return 0, err
	}
	return rsp.Flags, nil
}

// Info returns the information about the emulated TPM selected by flags,
// as a JSON document.
func (e *Emulator) Info(flags uint64) (string, error) {
	if !e.caps.Has(ptm.CapGetInfo) {
		return "", fmt.Errorf("%w: %v", ErrNotSupported, ptm.CmdGetInfo)
	}

	e.ctrlMu.Lock()
	defer e.ctrlMu.Unlock()

	var rsp ptm.GetInfoResponse
	if err := e.ctrlCmdLocked(ptm.CmdGetInfo, &ptm.GetInfoRequest{Flags: flags}, &rsp, ptm.Size(&ptm.ResultResponse{}), nil); err != nil {
		return "", fmt.Errorf("cannot get info: %w", err)
	}
	if err := ptm.CheckResult(ptm.CmdGetInfo, rsp.Result); err != nil {
		return "", err
	}
	if rsp.Length > ptm.InfoBufferSize || rsp.Length != rsp.TotLength {
		return "", fmt.Errorf("cannot get info: invalid length %d (total %d)", rsp.Length, rsp.TotLength)
	}

	buf := make([]byte, rsp.Length)
	if _, err := io.ReadFull(e.ctrl, buf); err != nil {
		return "", &ControlError{Command: ptm.CmdGetInfo, err: err}
	}
	for len(buf) > 0 && buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	return string(buf), nil
}

func (e *Emulator) shutdown() error {
	var rsp ptm.ResultResponse
	if err := e.ctrlCmd(ptm.CmdShutdown, nil, &rsp, 0); err != nil {
		return fmt.Errorf("cannot cleanly shut down the TPM: %w", err)
	}
	return ptm.CheckResult(ptm.CmdShutdown, rsp.Result)
}

// Close shuts down the TPM and releases the data channel. The control
// channel is owned by the chardev registry and is left open.
func (e *Emulator) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return tpmbackend.ErrClosed
	}
	e.closed = true
	e.mu.Unlock()

	e.cancelMu.Lock()
	e.cancelClosed = true
	e.cancelMu.Unlock()
	e.cancels.Wait()

	var errs error
	if err := e.shutdown(); err != nil {
		e.log.WithError(err).Error("cannot shut down TPM")
		errs = multierror.Append(errs, err)
	}
	e.dataMu.Lock()
	if e.data != nil {
		if err := e.data.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("cannot close data channel: %w", err))
		}
		e.data = nil
	}
	e.dataErr = nil
	e.dataMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardown()
	return errs
}
