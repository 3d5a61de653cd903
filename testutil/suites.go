// Copyright 2020 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package testutil

import (
	"fmt"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	. "gopkg.in/check.v1"

	"github.com/canonical/go-tpmbackend"
	"github.com/canonical/go-tpmbackend/chardev"
	"github.com/canonical/go-tpmbackend/migration"
)

// BaseTest is a base test suite for all tests.
type BaseTest struct {
	cleanupHandlers        []func()
	fixtureCleanupHandlers []func(c *C)
}

func (b *BaseTest) SetUpTest(c *C) {
	if len(b.cleanupHandlers) > 0 || len(b.fixtureCleanupHandlers) > 0 {
		panic("cleanup handlers were not executed at the end of the previous test, missing BaseTest.TearDownTest call?")
	}
}

func (b *BaseTest) TearDownTest(c *C) {
	for len(b.cleanupHandlers) > 0 {
		l := len(b.cleanupHandlers)
		fn := b.cleanupHandlers[l-1]
		b.cleanupHandlers = b.cleanupHandlers[:l-1]
		fn()
	}

	for len(b.fixtureCleanupHandlers) > 0 {
		l := len(b.fixtureCleanupHandlers)
		fn := b.fixtureCleanupHandlers[l-1]
		b.fixtureCleanupHandlers = b.fixtureCleanupHandlers[:l-1]
		fn(c)
	}
}

// AddCleanup queues a function to be called at the end of the test.
func (b *BaseTest) AddCleanup(fn func()) {
	b.cleanupHandlers = append(b.cleanupHandlers, fn)
}

// AddFixtureCleanup queues a function to be called at the end of
// the test, and is intended to be called during SetUpTest. The
// function is called with the TearDownTest *check.C which allows
// failures to result in a fixture panic, as failures recorded to
// the originating *check.C are ignored at this stage.
func (b *BaseTest) AddFixtureCleanup(fn func(c *C)) {
	b.fixtureCleanupHandlers = append(b.fixtureCleanupHandlers, fn)
}

// NewLogger returns a logger that records entries instead of writing
// them anywhere.
func NewLogger() (*logrus.Logger, *logtest.Hook) {
	return logtest.NewNullLogger()
}

// EmulatorTest is a base test suite for tests that use a FakeEmulator.
// A new emulator is started for each test and its control channel is
// registered as a chardev with the ID in Chardev.
type EmulatorTest struct {
	BaseTest

	// Emulator is the fake emulator for the test. Set this before
	// SetUpTest is called to customize it.
	Emulator *FakeEmulator

	Chardev string
	Log     *logtest.Hook
	Logger  *logrus.Logger
}

var chardevSeq int

func (b *EmulatorTest) SetUpTest(c *C) {
	b.BaseTest.SetUpTest(c)

	if b.Emulator == nil {
		b.Emulator = NewFakeEmulator()
	}
	client, err := b.Emulator.Start()
	c.Assert(err, IsNil)

	chardevSeq++
	b.Chardev = fmt.Sprintf("chrtpm%d", chardevSeq)
	c.Assert(chardev.Register(b.Chardev, client), IsNil)

	b.Logger, b.Log = NewLogger()

	b.AddFixtureCleanup(func(c *C) {
		chardev.Unregister(b.Chardev)
		c.Check(b.Emulator.Close(), IsNil)
		client.Close()
		b.Emulator = nil

		for _, blocker := range migration.Blockers() {
			migration.DelBlocker(blocker)
		}
		migration.SetIncoming(false)
	})
}

// Options returns backend options for the fake emulator.
func (b *EmulatorTest) Options() tpmbackend.Options {
	return tpmbackend.Options{
		ID:      b.Chardev + "-tpm",
		Type:    "emulator",
		Chardev: b.Chardev,
		Logger:  b.Logger}
}
