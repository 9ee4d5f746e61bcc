package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/a2dpd/pkg/driver"
	"github.com/MrWong99/a2dpd/pkg/telemetry"
)

// ErrDriverNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested driver name.
var ErrDriverNotRegistered = errors.New("config: driver not registered")

// Transport is what a driver factory produces: the apply/status surface and
// the telemetry feed of the same link.
type Transport interface {
	driver.Driver
	telemetry.Source
}

// DriverFactory builds a [Transport] from its config entry.
type DriverFactory func(DriverEntry) (Transport, error)

// Registry maps driver names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]DriverFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]DriverFactory)}
}

// Register registers a driver factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory DriverFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[name] = factory
}

// Create instantiates the driver registered under entry.Name.
// Returns [ErrDriverNotRegistered] if no factory has been registered for that name.
func (r *Registry) Create(entry DriverEntry) (Transport, error) {
	r.mu.RLock()
	factory, ok := r.drivers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDriverNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the registered driver names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for n := range r.drivers {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
