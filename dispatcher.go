// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tpmbackend

import (
	"sync"

	"gopkg.in/tomb.v2"
)

// Op is a request processed by a Dispatcher's worker.
type Op int

const (
	// OpInit is the first request processed by a new worker.
	OpInit Op = iota

	// OpProcessCmd executes a TPM command.
	OpProcessCmd

	// OpTPMReset is processed when the TPM is reset.
	OpTPMReset

	// OpEnd terminates the worker after every earlier request has been
	// processed.
	OpEnd
)

func (op Op) String() string {
	switch op {
	case OpInit:
		return "INIT"
	case OpProcessCmd:
		return "PROCESS_CMD"
	case OpTPMReset:
		return "TPM_RESET"
	case OpEnd:
		return "END"
	default:
		return "UNKNOWN"
	}
}

// HandlerFunc processes a single request on a Dispatcher's worker. cmd is
// only set for OpProcessCmd.
type HandlerFunc func(op Op, cmd *Cmd)

type dispatchItem struct {
	op  Op
	cmd *Cmd
}

// Dispatcher runs requests one at a time, in the order that they are
// pushed, on a single worker goroutine. This guarantees that there is at
// most one TPM command in flight.
type Dispatcher struct {
	handler HandlerFunc

	mu    sync.Mutex
	idle  *sync.Cond
	queue []dispatchItem
	busy  bool
	tomb  *tomb.Tomb
	wake  chan struct{}
}

// NewDispatcher starts a new worker that passes requests to handler. An
// OpInit request is queued immediately.
func NewDispatcher(handler HandlerFunc) *Dispatcher {
	d := &Dispatcher{handler: handler}
	d.idle = sync.NewCond(&d.mu)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.startLocked()
	return d
}

func (d *Dispatcher) startLocked() {
	t := new(tomb.Tomb)
	wake := make(chan struct{}, 1)
	d.tomb = t
	d.wake = wake
	t.Go(func() error {
		return d.run(t, wake)
	})
	d.pushLocked(OpInit, nil)
}

func (d *Dispatcher) pushLocked(op Op, cmd *Cmd) {
	d.queue = append(d.queue, dispatchItem{op: op, cmd: cmd})
	dispatcherQueueDepth.Inc()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) next() (dispatchItem, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		d.busy = false
		d.idle.Broadcast()
		return dispatchItem{}, false
	}
	item := d.queue[0]
	d.queue = d.queue[1:]
	d.busy = true
	dispatcherQueueDepth.Dec()
	return item, true
}

func (d *Dispatcher) run(t *tomb.Tomb, wake <-chan struct{}) error {
	defer func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.busy = false
		if d.tomb == t {
			dispatcherQueueDepth.Sub(float64(len(d.queue)))
			d.queue = nil
			d.tomb = nil
		}
		d.idle.Broadcast()
	}()

	for {
		select {
		case <-t.Dying():
			return tomb.ErrDying
		case <-wake:
		}

		for {
			item, ok := d.next()
			if !ok {
				break
			}
			d.handler(item.op, item.cmd)
			if item.op == OpEnd {
				return nil
			}
		}
	}
}

// Push queues a request. Requests pushed after End are discarded.
func (d *Dispatcher) Push(op Op, cmd *Cmd) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tomb == nil {
		return
	}
	d.pushLocked(op, cmd)
}

// TPMReset queues an OpTPMReset request, or starts a new worker if the
// previous one was ended.
func (d *Dispatcher) TPMReset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tomb == nil {
		d.startLocked()
		return
	}
	d.pushLocked(OpTPMReset, nil)
}

// Sync blocks until every request pushed so far has been processed.
func (d *Dispatcher) Sync() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.tomb != nil && (len(d.queue) > 0 || d.busy) {
		d.idle.Wait()
	}
}

// End queues an OpEnd request and waits for the worker to process it and
// terminate.
func (d *Dispatcher) End() {
	d.mu.Lock()
	t := d.tomb
	if t == nil {
		d.mu.Unlock()
		return
	}
	d.pushLocked(OpEnd, nil)
	d.mu.Unlock()

	t.Wait()
}

// Running indicates whether the dispatcher has a live worker.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tomb != nil
}
