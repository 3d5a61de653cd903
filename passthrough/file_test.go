// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package passthrough_test

import (
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
	. "gopkg.in/check.v1"

	"github.com/canonical/go-tpmbackend"
	. "github.com/canonical/go-tpmbackend/passthrough"
	"github.com/canonical/go-tpmbackend/testutil"
)

// A FIFO opened for reading and writing loops every command back as its
// own response, which is enough to drive the real device file.
type fileSuite struct {
	testutil.BaseTest

	path string
}

var _ = Suite(&fileSuite{})

func (s *fileSuite) SetUpTest(c *C) {
	s.BaseTest.SetUpTest(c)

	s.path = filepath.Join(c.MkDir(), "tpm0")
	c.Assert(unix.Mkfifo(s.path, 0600), IsNil)
}

func (s *fileSuite) TestReadWrite(c *C) {
	f, err := OpenDeviceFile(s.path)
	c.Assert(err, IsNil)
	defer f.Close()

	n, err := f.Write(readClockCmd)
	c.Check(err, IsNil)
	c.Check(n, Equals, len(readClockCmd))

	c.Check(f.WaitResponse(time.Second), IsNil)

	buf := make([]byte, 64)
	n, err = f.Read(buf)
	c.Check(err, IsNil)
	c.Check(buf[:n], DeepEquals, readClockCmd)
}

func (s *fileSuite) TestTPMDev(c *C) {
	f, err := OpenDeviceFile(s.path)
	c.Assert(err, IsNil)
	defer f.Close()

	version, err := tpmbackend.TestTPMDev(f)
	c.Check(err, IsNil)
	c.Check(version, Equals, tpmbackend.Version2_0)
}

func (s *fileSuite) TestWaitResponseTimeout(c *C) {
	f, err := OpenDeviceFile(s.path)
	c.Assert(err, IsNil)
	defer f.Close()

	start := time.Now()
	err = f.WaitResponse(100 * time.Millisecond)
	c.Check(err, testutil.ErrorIs, os.ErrDeadlineExceeded)
	c.Check(err, ErrorMatches, `poll .*/tpm0: i/o timeout`)
	c.Check(time.Since(start) >= 100*time.Millisecond, testutil.IsTrue)
}

func (s *fileSuite) TestReadAfterClose(c *C) {
	f, err := OpenDeviceFile(s.path)
	c.Assert(err, IsNil)
	c.Check(f.Close(), IsNil)

	_, err = f.Read(make([]byte, 10))
	c.Check(err, testutil.ErrorIs, os.ErrClosed)
}

func (s *fileSuite) TestOpenMissing(c *C) {
	_, err := OpenDeviceFile(filepath.Join(c.MkDir(), "missing"))
	c.Check(err, testutil.ErrorIs, os.ErrNotExist)
}
