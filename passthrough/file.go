// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package passthrough

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// The host TPM character device doesn't play nicely with go's netpoller.
// read() can return 0 instead of -EWOULDBLOCK when there is no response
// ready, which os.File.Read reports as io.EOF instead of parking the
// goroutine. read() and poll() can also block while the kernel is
// dispatching a command, because both take the command/response buffer
// lock.
//
// Reads therefore always poll the descriptor first using the raw
// syscall.RawConn provided by os.File, and only read once it is ready.
// EINTR and EAGAIN are retried for as long as it takes. Writes are never
// polled, as nothing in the driver wakes a writer.

var errClosed = errors.New("use of closed file")

func ignoringEINTR(fn func() (int, error)) (int, error) {
	for {
		n, err := fn()
		if err != syscall.EINTR {
			return n, err
		}
	}
}

// deviceFile is an open host TPM character device.
type deviceFile struct {
	file *os.File
}

func openDeviceFile(path string) (*deviceFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &deviceFile{file: f}, nil
}

func (f *deviceFile) wrapErr(op string, err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	if err == errClosed {
		err = os.ErrClosed
	}
	return &os.PathError{
		Op:   op,
		Path: f.file.Name(),
		Err:  err}
}

func (f *deviceFile) Read(data []byte) (n int, err error) {
	conn, err := f.file.SyscallConn()
	if err != nil {
		return 0, err
	}

	var readErr error
	polled := false
	if err := conn.Read(func(fd uintptr) bool {
		if !polled {
			polled = true
			return false
		}
		n, readErr = ignoringEINTR(func() (int, error) {
			return syscall.Read(int(fd), data)
		})
		if readErr == syscall.EAGAIN {
			// Not ready after all: poll again.
			return false
		}
		return true
	}); err != nil {
		return 0, f.wrapErr("read", errClosed)
	}
	if n < 0 {
		n = 0
	}
	if n == 0 && readErr == nil {
		readErr = io.EOF
	}
	return n, f.wrapErr("read", readErr)
}

func (f *deviceFile) Write(data []byte) (n int, err error) {
	conn, err := f.file.SyscallConn()
	if err != nil {
		return 0, err
	}

	var writeErr error
	if err := conn.Write(func(fd uintptr) bool {
		n, writeErr = ignoringEINTR(func() (int, error) {
			return syscall.Write(int(fd), data)
		})
		return writeErr != syscall.EAGAIN
	}); err != nil {
		return 0, f.wrapErr("write", errClosed)
	}
	if n < 0 {
		n = 0
	}
	if n < len(data) && writeErr == nil {
		writeErr = io.ErrShortWrite
	}
	return n, f.wrapErr("write", writeErr)
}

// WaitResponse blocks until a response is ready to be read or the timeout
// expires.
func (f *deviceFile) WaitResponse(timeout time.Duration) error {
	conn, err := f.file.SyscallConn()
	if err != nil {
		return err
	}

	var pollErr error
	if err := conn.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := ignoringEINTR(func() (int, error) {
			return unix.Poll(fds, int(timeout/time.Millisecond))
		})
		switch {
		case err != nil:
			pollErr = os.NewSyscallError("poll", err)
		case n == 0:
			pollErr = os.ErrDeadlineExceeded
		case fds[0].Revents&unix.POLLIN == 0:
			pollErr = fmt.Errorf("poll returned unexpected events %#x", fds[0].Revents)
		}
	}); err != nil {
		return f.wrapErr("poll", errClosed)
	}
	return f.wrapErr("poll", pollErr)
}

func (f *deviceFile) Close() error {
	return f.file.Close()
}

func (f *deviceFile) Stat() (os.FileInfo, error) {
	return f.file.Stat()
}
