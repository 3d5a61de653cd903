// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package emulator

func MockSocketpair(fn func(domain, typ, proto int) ([2]int, error)) (restore func()) {
	orig := socketpair
	socketpair = fn
	return func() {
		socketpair = orig
	}
}

func (e *Emulator) Blobs() *StateBlobs {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &e.blobs
}

func (e *Emulator) WaitCancels() {
	e.cancels.Wait()
}

func (e *Emulator) VMStateName() string {
	return e.vmstateName()
}
