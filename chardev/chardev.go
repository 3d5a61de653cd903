// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

/*
Package chardev provides the character device channels that TPM emulator
backends use for their control connection, and a registry from which they
are looked up by ID.
*/
package chardev

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Channel is a byte stream that can pass file descriptors alongside data.
type Channel interface {
	io.ReadWriteCloser

	// WriteWithFDs writes all of b, passing the supplied file
	// descriptors alongside it.
	WriteWithFDs(b []byte, fds []int) error
}

// maxFDs is the maximum number of descriptors accepted by ReadWithFDs.
const maxFDs = 16

// Socket is a Channel backed by a connected UNIX domain stream socket.
type Socket struct {
	conn *net.UnixConn
}

// NewSocket returns a new Socket for the supplied connection.
func NewSocket(conn *net.UnixConn) *Socket {
	return &Socket{conn: conn}
}

// Dial connects to the UNIX domain socket at the supplied path.
func Dial(path string) (*Socket, error) {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("cannot connect to %s: %w", path, err)
	}
	return NewSocket(conn), nil
}

func fileConn(fd int, name string) (*net.UnixConn, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	conn, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("unexpected connection type %T", c)
	}
	return conn, nil
}

// Pair returns a pair of connected sockets.
func Pair() (*Socket, *Socket, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, os.NewSyscallError("socketpair", err)
	}
	a, err := fileConn(fds[0], "chardev-a")
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := fileConn(fds[1], "chardev-b")
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return NewSocket(a), NewSocket(b), nil
}

// Conn returns the underlying connection.
func (s *Socket) Conn() *net.UnixConn {
	return s.conn
}

func (s *Socket) Read(b []byte) (int, error) {
	return s.conn.Read(b)
}

func (s *Socket) Write(b []byte) (int, error) {
	return s.conn.Write(b)
}

func (s *Socket) WriteWithFDs(b []byte, fds []int) error {
	oob := unix.UnixRights(fds...)
	n, oobn, err := s.conn.WriteMsgUnix(b, oob, nil)
	switch {
	case err != nil:
		return err
	case oobn != len(oob):
		return errors.New("cannot send file descriptors")
	case n != len(b):
		// The descriptors went with the first part.
		_, err := s.conn.Write(b[n:])
		return err
	}
	return nil
}

// ReadWithFDs reads data into b and returns any file descriptors that
// were passed alongside it. The caller owns the returned descriptors.
func (s *Socket) ReadWithFDs(b []byte) (n int, fds []int, err error) {
	oob := make([]byte, unix.CmsgSpace(maxFDs*4))
	n, oobn, _, _, err := s.conn.ReadMsgUnix(b, oob)
	if err != nil {
		return n, nil, err
	}
	if oobn == 0 {
		return n, nil, nil
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return n, nil, os.NewSyscallError("parse control message", err)
	}
	for _, msg := range msgs {
		rights, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return n, fds, nil
}

func (s *Socket) Close() error {
	return s.conn.Close()
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]Channel)
)

// ErrExists is returned from Register if the ID is already in use.
var ErrExists = errors.New("chardev already exists")

// Register makes ch available via Find with the supplied ID.
func Register(id string, ch Channel) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[id]; exists {
		return fmt.Errorf("%w: %q", ErrExists, id)
	}
	registry[id] = ch
	return nil
}

// Unregister removes the channel with the supplied ID from the registry.
func Unregister(id string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, id)
}

// Find returns the channel with the supplied ID, or nil if there isn't one.
func Find(id string) Channel {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registry[id]
}
