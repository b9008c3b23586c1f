package core

import (
	"fmt"
	"slices"
	"sync"
)

// Compile-time interface assertion.
var _ Resolver = (*Registry)(nil)

// Registry maps backend names to their factories. It is safe for concurrent
// use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register registers a backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// CreateCore instantiates the backend registered under name.
// Returns [ErrCoreNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateCore(name string, opts Options) (Backend, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCoreNotRegistered, name)
	}
	b, err := factory(opts)
	if err != nil {
		return nil, fmt.Errorf("core: create %q: %w", name, err)
	}
	return b, nil
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
