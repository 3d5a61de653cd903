// Copyright 2020 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package testutil

import (
	"sync"
	"time"

	. "gopkg.in/check.v1"

	"github.com/canonical/go-tpmbackend"
)

// Completion records a single call to RequestCompleted.
type Completion struct {
	Cmd      *tpmbackend.Cmd
	Response tpmbackend.Response

	// Out is a copy of the response at the time of completion.
	Out []byte
}

// Frontend is a tpmbackend.Frontend that records completed commands.
type Frontend struct {
	ModelName string

	mu          sync.Mutex
	cond        *sync.Cond
	completions []Completion
}

// NewFrontend returns a new Frontend.
func NewFrontend() *Frontend {
	f := &Frontend{ModelName: "tpm-tis"}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *Frontend) RequestCompleted(cmd *tpmbackend.Cmd, res tpmbackend.Response) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := res.Len
	if n > len(cmd.Out) {
		n = len(cmd.Out)
	}
	f.completions = append(f.completions, Completion{
		Cmd:      cmd,
		Response: res,
		Out:      append([]byte(nil), cmd.Out[:n]...)})
	f.cond.Broadcast()
}

func (f *Frontend) Model() string {
	return f.ModelName
}

// Completions returns the commands completed so far.
func (f *Frontend) Completions() []Completion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Completion(nil), f.completions...)
}

// Wait waits for at least n commands to have completed, failing the test
// if this takes too long.
func (f *Frontend) Wait(c *C, n int) []Completion {
	done := make(chan struct{})
	timer := time.AfterFunc(5*time.Second, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		close(done)
		f.cond.Broadcast()
	})
	defer timer.Stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.completions) < n {
		select {
		case <-done:
			c.Fatalf("timed out waiting for %d completions (got %d)", n, len(f.completions))
		default:
		}
		f.cond.Wait()
	}
	return append([]Completion(nil), f.completions...)
}
