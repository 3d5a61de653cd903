// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

/*
Package migration provides the process-wide migration state consumed by TPM
backends: the set of migration blockers, the VM state handlers that are run
when state is saved and loaded, and whether an incoming migration is in
progress.
*/
package migration

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// ErrOnlyMigratable is returned from AddBlocker when the process only
// permits migratable devices.
var ErrOnlyMigratable = errors.New("only migratable devices are permitted")

// Blocker prevents migration while it is registered.
type Blocker struct {
	Reason error
}

var (
	mu             sync.Mutex
	blockers       []*Blocker
	onlyMigratable bool
	incoming       bool
	handlers       = make(map[string]VMStateHandler)
)

// SetOnlyMigratable sets whether AddBlocker should fail.
func SetOnlyMigratable(only bool) {
	mu.Lock()
	defer mu.Unlock()
	onlyMigratable = only
}

// AddBlocker registers a migration blocker with the supplied reason.
func AddBlocker(reason error) (*Blocker, error) {
	mu.Lock()
	defer mu.Unlock()
	if onlyMigratable {
		return nil, fmt.Errorf("%w: %v", ErrOnlyMigratable, reason)
	}
	b := &Blocker{Reason: reason}
	blockers = append(blockers, b)
	return b, nil
}

// DelBlocker removes a previously registered blocker.
func DelBlocker(b *Blocker) {
	mu.Lock()
	defer mu.Unlock()
	for i, x := range blockers {
		if x == b {
			blockers = append(blockers[:i], blockers[i+1:]...)
			return
		}
	}
}

// Blockers returns the currently registered blockers.
func Blockers() []*Blocker {
	mu.Lock()
	defer mu.Unlock()
	return append([]*Blocker(nil), blockers...)
}

// Blocked returns an error describing every registered blocker, or nil if
// migration is permitted.
func Blocked() error {
	var errs error
	for _, b := range Blockers() {
		errs = multierror.Append(errs, b.Reason)
	}
	return errs
}

// SetIncoming records whether an incoming migration is in progress.
func SetIncoming(in bool) {
	mu.Lock()
	defer mu.Unlock()
	incoming = in
}

// Incoming indicates whether an incoming migration is in progress. Devices
// that are restored from migrated state should defer their startup until
// the state is loaded.
func Incoming() bool {
	mu.Lock()
	defer mu.Unlock()
	return incoming
}

// VMStateHandler is implemented by devices with state that must be
// migrated.
type VMStateHandler interface {
	// PreSave is called before the device's state is saved.
	PreSave() error

	// PostLoad is called after the device's state has been loaded.
	PostLoad(version int) error
}

// RegisterVMState registers a state handler with the supplied name.
func RegisterVMState(name string, h VMStateHandler) error {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := handlers[name]; exists {
		return fmt.Errorf("VM state %q is already registered", name)
	}
	handlers[name] = h
	return nil
}

// UnregisterVMState removes the state handler with the supplied name.
func UnregisterVMState(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(handlers, name)
}

func sortedHandlers() (names []string, hs []VMStateHandler) {
	mu.Lock()
	defer mu.Unlock()
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		hs = append(hs, handlers[name])
	}
	return names, hs
}

// SaveAll runs the PreSave hook of every registered handler. It fails if
// migration is blocked.
func SaveAll() error {
	if err := Blocked(); err != nil {
		return fmt.Errorf("migration is blocked: %w", err)
	}
	names, hs := sortedHandlers()
	for i, h := range hs {
		if err := h.PreSave(); err != nil {
			return fmt.Errorf("cannot save state of %s: %w", names[i], err)
		}
	}
	return nil
}

// LoadAll runs the PostLoad hook of every registered handler.
func LoadAll(version int) error {
	names, hs := sortedHandlers()
	for i, h := range hs {
		if err := h.PostLoad(version); err != nil {
			return fmt.Errorf("cannot load state of %s: %w", names[i], err)
		}
	}
	return nil
}

// RunStateObserver is implemented by VM state handlers that need to know
// when the VM starts or stops running.
type RunStateObserver interface {
	VMStateChanged(running bool)
}

// SetRunning notifies every registered handler that implements
// RunStateObserver that the VM has started or stopped running.
func SetRunning(running bool) {
	_, hs := sortedHandlers()
	for _, h := range hs {
		if o, ok := h.(RunStateObserver); ok {
			o.VMStateChanged(running)
		}
	}
}
