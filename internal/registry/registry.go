// Package registry provides id-based lookup between engine components.
//
// The protocol engine, router and pool all need to reach each other at
// runtime. Instead of holding mutual references (which makes construction
// order brittle and tests awkward), each component registers itself under a
// stable id and resolves collaborators on demand. A registry is explicitly
// constructed per engine instance; there is no process-wide singleton.
package registry

import (
	"fmt"
	"sync"
)

// Well-known component ids.
const (
	ComponentRouter   = "router"
	ComponentProtocol = "protocol"
	ComponentPool     = "pool"
	ComponentGates    = "gates"
	ComponentTasks    = "tasks"
)

// Registry maps component ids to live component instances. Safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	components map[string]interface{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{components: make(map[string]interface{})}
}

// Register binds a component under the given id.
// Returns an error if the id is already taken; components register once
// during engine construction.
func (r *Registry) Register(id string, component interface{}) error {
	if id == "" {
		return fmt.Errorf("component id cannot be empty")
	}
	if component == nil {
		return fmt.Errorf("component %s cannot be nil", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.components[id]; exists {
		return fmt.Errorf("component %s is already registered", id)
	}
	r.components[id] = component
	return nil
}

// Lookup returns the component registered under id, or an error if the id
// is unknown.
func (r *Registry) Lookup(id string) (interface{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	component, exists := r.components[id]
	if !exists {
		return nil, fmt.Errorf("component %s is not registered", id)
	}
	return component, nil
}

// Deregister removes a component binding. Used during engine teardown so a
// restarted engine can re-register.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.components, id)
}

// Resolve looks up id and asserts it to T.
// Returns an error if the id is unknown or the component has a different
// type.
func Resolve[T any](r *Registry, id string) (T, error) {
	var zero T

	component, err := r.Lookup(id)
	if err != nil {
		return zero, err
	}

	typed, ok := component.(T)
	if !ok {
		return zero, fmt.Errorf("component %s has type %T, not %T", id, component, zero)
	}
	return typed, nil
}
