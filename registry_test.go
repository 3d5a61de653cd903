// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tpmbackend_test

import (
	"errors"

	. "gopkg.in/check.v1"

	. "github.com/canonical/go-tpmbackend"
	"github.com/canonical/go-tpmbackend/testutil"
)

type registrySuite struct{}

var _ = Suite(&registrySuite{})

func init() {
	RegisterDriver("mock-registry", "Mock TPM backend driver", func(opts Options) (Driver, error) {
		if opts.Path == "missing" {
			return nil, errors.New("no such device")
		}
		return testutil.NewMockDriver(opts), nil
	})
}

func (s *registrySuite) TestRegisterDriverTwice(c *C) {
	c.Check(func() {
		RegisterDriver("mock-registry", "", nil)
	}, PanicMatches, `TPM backend driver "mock-registry" registered twice`)
}

func (s *registrySuite) TestDriverTypes(c *C) {
	var found bool
	for _, name := range DriverTypes() {
		if name == "mock-registry" {
			found = true
		}
	}
	c.Check(found, testutil.IsTrue)
	c.Check(DriverDescription("mock-registry"), Equals, "Mock TPM backend driver")
	c.Check(DriverDescription("foo"), Equals, "")
}

func (s *registrySuite) TestNewDriver(c *C) {
	d, err := NewDriver(Options{ID: "tpm0", Type: "mock-registry"})
	c.Assert(err, IsNil)
	c.Check(d.Type(), Equals, "mock-registry")
	c.Check(d.Options().ID, Equals, "tpm0")
}

func (s *registrySuite) TestNewDriverUnknown(c *C) {
	_, err := NewDriver(Options{ID: "tpm0", Type: "foo"})
	c.Check(err, ErrorMatches, `unknown TPM backend driver "foo"`)
	c.Check(err, testutil.ErrorIs, ErrUnknownDriver)
}

func (s *registrySuite) TestNewDriverError(c *C) {
	_, err := NewDriver(Options{ID: "tpm0", Type: "mock-registry", Path: "missing"})
	c.Check(err, ErrorMatches, `cannot create mock-registry backend "tpm0": no such device`)
}

func (s *registrySuite) TestNew(c *C) {
	b, err := New(Options{ID: "tpm0", Type: "mock-registry"})
	c.Assert(err, IsNil)
	c.Check(b.Driver().Type(), Equals, "mock-registry")
	c.Check(b.Close(), IsNil)
}

func (s *registrySuite) TestRegistry(c *C) {
	var r Registry

	d0 := testutil.NewMockDriver(Options{ID: "tpm0"})
	b0 := NewBackend(d0)
	c.Check(r.Add(b0), IsNil)

	b1 := NewBackend(testutil.NewMockDriver(Options{ID: "tpm1"}))
	c.Check(r.Add(b1), Equals, ErrTPMAlreadyRegistered)

	c.Check(r.Find("tpm0"), Equals, b0)
	c.Check(r.Find("tpm1"), IsNil)
	c.Check(r.All(), DeepEquals, []Info{b0.Query()})

	c.Check(r.Cleanup(), IsNil)
	c.Check(d0.Closed(), testutil.IsTrue)
	c.Check(r.All(), HasLen, 0)
	c.Check(r.Find("tpm0"), IsNil)

	c.Check(r.Add(b1), IsNil)
	c.Check(r.Cleanup(), IsNil)
}

func (s *registrySuite) TestRegistryCleanupError(c *C) {
	var r Registry

	d := testutil.NewMockDriver(Options{ID: "tpm0"})
	d.CloseErr = errors.New("some error")
	c.Check(r.Add(NewBackend(d)), IsNil)

	err := r.Cleanup()
	c.Check(err, ErrorMatches, `(?s).*cannot close mock driver: some error.*`)
}
