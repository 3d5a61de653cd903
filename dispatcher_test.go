// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tpmbackend_test

import (
	"sync"
	"sync/atomic"
	"time"

	. "gopkg.in/check.v1"

	. "github.com/canonical/go-tpmbackend"
	"github.com/canonical/go-tpmbackend/testutil"
)

type dispatcherSuite struct{}

var _ = Suite(&dispatcherSuite{})

type recordedOp struct {
	op  Op
	cmd *Cmd
}

type opRecorder struct {
	mu  sync.Mutex
	ops []recordedOp
}

func (r *opRecorder) handle(op Op, cmd *Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, recordedOp{op: op, cmd: cmd})
}

func (r *opRecorder) recorded() []recordedOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedOp(nil), r.ops...)
}

func (s *dispatcherSuite) TestOrder(c *C) {
	var r opRecorder
	d := NewDispatcher(r.handle)
	c.Check(d.Running(), testutil.IsTrue)

	cmds := []*Cmd{{Locality: 0}, {Locality: 1}, {Locality: 2}}
	for _, cmd := range cmds {
		d.Push(OpProcessCmd, cmd)
	}
	d.TPMReset()
	d.End()
	c.Check(d.Running(), testutil.IsFalse)

	c.Check(r.recorded(), DeepEquals, []recordedOp{
		{op: OpInit},
		{op: OpProcessCmd, cmd: cmds[0]},
		{op: OpProcessCmd, cmd: cmds[1]},
		{op: OpProcessCmd, cmd: cmds[2]},
		{op: OpTPMReset},
		{op: OpEnd}})
}

func (s *dispatcherSuite) TestPushAfterEnd(c *C) {
	var r opRecorder
	d := NewDispatcher(r.handle)
	d.End()

	d.Push(OpProcessCmd, new(Cmd))
	d.Sync()
	d.End()

	c.Check(r.recorded(), DeepEquals, []recordedOp{{op: OpInit}, {op: OpEnd}})
}

func (s *dispatcherSuite) TestTPMResetRestarts(c *C) {
	var r opRecorder
	d := NewDispatcher(r.handle)
	d.End()

	d.TPMReset()
	c.Check(d.Running(), testutil.IsTrue)
	cmd := new(Cmd)
	d.Push(OpProcessCmd, cmd)
	d.End()

	c.Check(r.recorded(), DeepEquals, []recordedOp{
		{op: OpInit},
		{op: OpEnd},
		{op: OpInit},
		{op: OpProcessCmd, cmd: cmd},
		{op: OpEnd}})
}

func (s *dispatcherSuite) TestSync(c *C) {
	release := make(chan struct{})
	var done int32
	d := NewDispatcher(func(op Op, _ *Cmd) {
		if op != OpProcessCmd {
			return
		}
		<-release
		atomic.AddInt32(&done, 1)
	})
	defer d.End()

	d.Push(OpProcessCmd, new(Cmd))
	d.Push(OpProcessCmd, new(Cmd))

	synced := make(chan struct{})
	go func() {
		d.Sync()
		close(synced)
	}()

	select {
	case <-synced:
		c.Fatal("Sync returned with commands pending")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-synced:
	case <-time.After(5 * time.Second):
		c.Fatal("Sync did not return")
	}
	c.Check(atomic.LoadInt32(&done), Equals, int32(2))
}

func (s *dispatcherSuite) TestSyncAfterEnd(c *C) {
	d := NewDispatcher(func(Op, *Cmd) {})
	d.End()
	d.Sync()
	d.End()
}

func (s *dispatcherSuite) TestAtMostOneInFlight(c *C) {
	var active, maxActive, count int32
	d := NewDispatcher(func(op Op, _ *Cmd) {
		if op != OpProcessCmd {
			return
		}
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(100 * time.Microsecond)
		atomic.AddInt32(&active, -1)
		atomic.AddInt32(&count, 1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				d.Push(OpProcessCmd, new(Cmd))
			}
		}()
	}
	wg.Wait()
	d.End()

	c.Check(atomic.LoadInt32(&count), Equals, int32(200))
	c.Check(atomic.LoadInt32(&maxActive), Equals, int32(1))
}

func (s *dispatcherSuite) TestPerProducerOrder(c *C) {
	var mu sync.Mutex
	seen := make(map[uint8][]int)
	d := NewDispatcher(func(op Op, cmd *Cmd) {
		if op != OpProcessCmd {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		seen[cmd.Locality] = append(seen[cmd.Locality], len(cmd.In))
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(loc uint8) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				d.Push(OpProcessCmd, &Cmd{Locality: loc, In: make([]byte, j)})
			}
		}(uint8(i))
	}
	wg.Wait()
	d.End()

	c.Assert(seen, HasLen, 4)
	for loc, lens := range seen {
		c.Assert(lens, HasLen, 50, Commentf("locality %d", loc))
		for j, n := range lens {
			c.Check(n, Equals, j, Commentf("locality %d", loc))
		}
	}
}

func (s *dispatcherSuite) TestOpString(c *C) {
	c.Check(OpInit.String(), Equals, "INIT")
	c.Check(OpProcessCmd.String(), Equals, "PROCESS_CMD")
	c.Check(OpTPMReset.String(), Equals, "TPM_RESET")
	c.Check(OpEnd.String(), Equals, "END")
	c.Check(Op(10).String(), Equals, "UNKNOWN")
}
