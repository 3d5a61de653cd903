// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tpmbackend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// DriverFactory creates a new driver from the supplied options.
type DriverFactory func(opts Options) (Driver, error)

type driverType struct {
	factory DriverFactory
	desc    string
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]driverType)
)

// RegisterDriver makes a driver type available to NewDriver. It panics if
// a driver is already registered with the same name.
func RegisterDriver(name, desc string, factory DriverFactory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, exists := drivers[name]; exists {
		panic(fmt.Sprintf("TPM backend driver %q registered twice", name))
	}
	drivers[name] = driverType{factory: factory, desc: desc}
}

// DriverTypes returns the names of the registered driver types, sorted.
func DriverTypes() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	var names []string
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DriverDescription returns the description of the named driver type.
func DriverDescription(name string) string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	return drivers[name].desc
}

// NewDriver creates a driver of the type named in opts.
func NewDriver(opts Options) (Driver, error) {
	driversMu.RLock()
	t, ok := drivers[opts.Type]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownDriver, opts.Type)
	}

	d, err := t.factory(opts)
	if err != nil {
		return nil, fmt.Errorf("cannot create %s backend %q: %w", opts.Type, opts.ID, err)
	}
	return d, nil
}

// Registry tracks the TPM backends in use by a process. Only a single TPM
// is supported, so at most one backend can be registered at a time.
type Registry struct {
	mu       sync.Mutex
	backends []*Backend
}

// DefaultRegistry is the process-wide registry.
var DefaultRegistry = new(Registry)

// Add registers a backend. ErrTPMAlreadyRegistered is returned if there is
// already a registered backend.
func (r *Registry) Add(b *Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.backends) > 0 {
		return ErrTPMAlreadyRegistered
	}
	r.backends = append(r.backends, b)
	return nil
}

// Find returns the registered backend with the supplied ID.
func (r *Registry) Find(id string) *Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.backends {
		if b.driver.Options().ID == id {
			return b
		}
	}
	return nil
}

// All returns information about every registered backend.
func (r *Registry) All() (out []Info) {
	r.mu.Lock()
	backends := append([]*Backend(nil), r.backends...)
	r.mu.Unlock()

	for _, b := range backends {
		out = append(out, b.Query())
	}
	return out
}

// Cleanup closes and removes every registered backend.
func (r *Registry) Cleanup() error {
	r.mu.Lock()
	backends := r.backends
	r.backends = nil
	r.mu.Unlock()

	var errs error
	for _, b := range backends {
		if err := b.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}
