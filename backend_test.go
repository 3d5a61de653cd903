// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tpmbackend_test

import (
	"errors"
	"sync"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	. "gopkg.in/check.v1"

	. "github.com/canonical/go-tpmbackend"
	"github.com/canonical/go-tpmbackend/testutil"
)

type backendSuite struct {
	testutil.BaseTest

	driver   *testutil.MockDriver
	frontend *testutil.Frontend
	log      *logtest.Hook
	backend  *Backend
}

var _ = Suite(&backendSuite{})

func (s *backendSuite) SetUpTest(c *C) {
	s.BaseTest.SetUpTest(c)

	logger, hook := testutil.NewLogger()
	logger.SetLevel(logrus.DebugLevel)
	s.log = hook

	s.driver = testutil.NewMockDriver(Options{ID: "tpm0", Type: "mock-backend", Logger: logger})
	s.frontend = testutil.NewFrontend()
	s.backend = NewBackend(s.driver)
	s.backend.Init(s.frontend)
	s.AddCleanup(func() {
		s.backend.Close()
	})
}

func (s *backendSuite) newCmd(code byte) *Cmd {
	return &Cmd{
		In:  []byte{0x80, 0x01, 0x00, 0x00, 0x00, 0x0a, 0x00, 0x00, 0x01, code},
		Out: make([]byte, 4096)}
}

func (s *backendSuite) TestStartup(c *C) {
	c.Check(s.backend.Startup(2048), IsNil)
	c.Check(s.backend.HadStartupError(), testutil.IsFalse)
	c.Check(s.driver.Startups(), DeepEquals, []int{2048})
}

func (s *backendSuite) TestStartupError(c *C) {
	s.driver.StartupErr = errors.New("some error")

	err := s.backend.Startup(0)
	c.Check(err, ErrorMatches, `cannot start mock-backend TPM: some error`)

	var e *StartupError
	c.Assert(err, testutil.ErrorAs, &e)
	c.Check(e.Type, Equals, "mock-backend")
	c.Check(s.backend.HadStartupError(), testutil.IsTrue)

	s.driver.StartupErr = nil
	c.Check(s.backend.Startup(0), IsNil)
	c.Check(s.backend.HadStartupError(), testutil.IsFalse)
}

func (s *backendSuite) TestDeliverRequest(c *C) {
	c.Assert(s.backend.Startup(0), IsNil)

	cmds := []*Cmd{s.newCmd(0x44), s.newCmd(0x45), s.newCmd(0x46)}
	for _, cmd := range cmds {
		s.backend.DeliverRequest(cmd)
	}

	completions := s.frontend.Wait(c, 3)
	c.Assert(completions, HasLen, 3)
	for i, completion := range completions {
		c.Check(completion.Cmd, Equals, cmds[i])
		c.Check(completion.Response.Fatal(), testutil.IsFalse)
		c.Check(completion.Out, DeepEquals, []byte{0x80, 0x01, 0x00, 0x00, 0x00, 0x0a, 0x00, 0x00, 0x00, 0x00})
	}
	c.Check(s.driver.Handled(), DeepEquals, cmds)
}

func (s *backendSuite) TestDeliverRequestWithoutStartup(c *C) {
	cmd := s.newCmd(0x44)
	s.backend.DeliverRequest(cmd)
	completions := s.frontend.Wait(c, 1)
	c.Check(completions[0].Cmd, Equals, cmd)
}

func (s *backendSuite) TestAtMostOneInFlight(c *C) {
	s.driver.HandleFunc = func(cmd *Cmd) Response {
		time.Sleep(50 * time.Microsecond)
		return Response{Len: copy(cmd.Out, []byte{0x80, 0x01, 0x00, 0x00, 0x00, 0x0a, 0x00, 0x00, 0x00, 0x00})}
	}
	c.Assert(s.backend.Startup(0), IsNil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s.backend.DeliverRequest(s.newCmd(byte(j)))
			}
		}()
	}
	wg.Wait()
	s.backend.FinishSync()

	c.Check(s.frontend.Completions(), HasLen, 80)
	c.Check(s.driver.MaxActive(), Equals, 1)
}

func (s *backendSuite) TestFatalResult(c *C) {
	s.driver.HandleFunc = func(cmd *Cmd) Response {
		return FatalResult(cmd, errors.New("cannot transmit data"))
	}
	c.Assert(s.backend.Startup(0), IsNil)

	before := promtestutil.ToFloat64(RequestsTotal.WithLabelValues("mock-backend", ResultFatal))

	s.backend.DeliverRequest(s.newCmd(0x44))
	completions := s.frontend.Wait(c, 1)
	c.Check(completions[0].Response.Fatal(), testutil.IsTrue)
	c.Check(completions[0].Out, testutil.IsFatalResponse)

	s.backend.FinishSync()
	c.Check(promtestutil.ToFloat64(RequestsTotal.WithLabelValues("mock-backend", ResultFatal)), Equals, before+1)

	var found bool
	for _, entry := range s.log.AllEntries() {
		if entry.Message == "TPM command failed" {
			found = true
			c.Check(entry.Level, Equals, logrus.ErrorLevel)
			c.Check(entry.Data["tpmdev"], Equals, "tpm0")
			c.Check(entry.Data[logrus.ErrorKey], ErrorMatches, "cannot transmit data")
		}
	}
	c.Check(found, testutil.IsTrue)
}

func (s *backendSuite) TestCanceledResult(c *C) {
	s.driver.HandleFunc = func(cmd *Cmd) Response {
		return FatalResult(cmd, ErrCanceled)
	}
	c.Assert(s.backend.Startup(0), IsNil)

	s.backend.DeliverRequest(s.newCmd(0x44))
	completions := s.frontend.Wait(c, 1)
	c.Check(completions[0].Response.Err, Equals, ErrCanceled)
	c.Check(completions[0].Out, testutil.IsFatalResponse)

	for _, entry := range s.log.AllEntries() {
		c.Check(entry.Level, Not(Equals), logrus.ErrorLevel)
	}
}

func (s *backendSuite) TestOKMetrics(c *C) {
	c.Assert(s.backend.Startup(0), IsNil)
	before := promtestutil.ToFloat64(RequestsTotal.WithLabelValues("mock-backend", ResultOK))

	s.backend.DeliverRequest(s.newCmd(0x44))
	s.backend.DeliverRequest(s.newCmd(0x45))
	s.frontend.Wait(c, 2)
	s.backend.FinishSync()

	c.Check(promtestutil.ToFloat64(RequestsTotal.WithLabelValues("mock-backend", ResultOK)), Equals, before+2)
}

func (s *backendSuite) TestClose(c *C) {
	c.Assert(s.backend.Startup(0), IsNil)

	release := make(chan struct{})
	s.driver.HandleFunc = func(cmd *Cmd) Response {
		<-release
		return Response{Len: copy(cmd.Out, []byte{0x80, 0x01, 0x00, 0x00, 0x00, 0x0a, 0x00, 0x00, 0x00, 0x00})}
	}
	for i := 0; i < 3; i++ {
		s.backend.DeliverRequest(s.newCmd(byte(i)))
	}

	closed := make(chan error)
	go func() {
		closed <- s.backend.Close()
	}()
	close(release)

	select {
	case err := <-closed:
		c.Check(err, IsNil)
	case <-time.After(5 * time.Second):
		c.Fatal("Close did not return")
	}

	c.Check(s.frontend.Completions(), HasLen, 3)
	c.Check(s.driver.Closed(), testutil.IsTrue)
	c.Check(s.backend.Close(), Equals, ErrClosed)
}

func (s *backendSuite) TestCloseError(c *C) {
	s.driver.CloseErr = errors.New("some error")
	err := s.backend.Close()
	c.Check(err, ErrorMatches, `cannot close mock-backend driver: some error`)
}

func (s *backendSuite) TestDeliverRequestAfterClose(c *C) {
	c.Assert(s.backend.Startup(0), IsNil)
	c.Assert(s.backend.Close(), IsNil)

	cmd := s.newCmd(0x44)
	s.backend.DeliverRequest(cmd)

	completions := s.frontend.Completions()
	c.Assert(completions, HasLen, 1)
	c.Check(completions[0].Response.Err, Equals, ErrClosed)
	c.Check(completions[0].Out, testutil.IsFatalResponse)
	c.Check(s.driver.Handled(), HasLen, 0)
}

func (s *backendSuite) TestStartupAfterClose(c *C) {
	c.Assert(s.backend.Close(), IsNil)
	c.Check(s.backend.Startup(0), Equals, ErrClosed)
}

func (s *backendSuite) TestReset(c *C) {
	s.driver.StartupErr = errors.New("some error")
	c.Check(s.backend.Startup(0), NotNil)
	c.Check(s.backend.HadStartupError(), testutil.IsTrue)

	s.backend.DeliverRequest(s.newCmd(0x44))
	s.backend.Reset()

	c.Check(s.driver.Resets(), Equals, 1)
	c.Check(s.backend.HadStartupError(), testutil.IsFalse)
	c.Check(s.frontend.Completions(), HasLen, 1)

	s.backend.DeliverRequest(s.newCmd(0x45))
	s.frontend.Wait(c, 2)
}

func (s *backendSuite) TestDelegation(c *C) {
	s.driver.Established = true
	s.driver.Size = 3072

	c.Check(s.backend.Driver(), Equals, Driver(s.driver))
	c.Check(s.backend.Version(), Equals, Version2_0)
	c.Check(s.backend.BufferSize(), Equals, 3072)
	c.Check(s.backend.TPMEstablishedFlag(), testutil.IsTrue)

	c.Check(s.backend.ResetTPMEstablishedFlag(3), IsNil)
	c.Check(s.driver.ResetLocalities(), DeepEquals, []uint8{3})
	c.Check(s.backend.TPMEstablishedFlag(), testutil.IsFalse)

	s.backend.CancelCmd()
	c.Check(s.driver.Cancels(), Equals, 1)
}

func (s *backendSuite) TestQuery(c *C) {
	info := s.backend.Query()
	c.Check(info.ID, Equals, "tpm0")
	c.Check(info.Type, Equals, "mock-backend")
	c.Check(info.Model, Equals, "tpm-tis")
	c.Check(info.Options.ID, Equals, "tpm0")
}

func (s *backendSuite) TestQueryNoFrontend(c *C) {
	b := NewBackend(testutil.NewMockDriver(Options{ID: "tpm1"}))
	info := b.Query()
	c.Check(info.ID, Equals, "tpm1")
	c.Check(info.Type, Equals, "mock")
	c.Check(info.Model, Equals, "")
}
