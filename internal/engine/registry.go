package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Factory returns a fresh, zero-state instance of a flow.
//
// Recovery calls the factory and unmarshals the persisted locals into the
// result, so the factory is where dependencies that cannot be serialized
// (validation callbacks, builders) are wired back in.
type Factory func() Logic

// Registry maps flow names to factories and initiating flows to their
// responders.
//
// Thread-safety: safe for concurrent use. Registration normally happens once
// at node startup.
type Registry struct {
	mu         sync.RWMutex
	flows      map[string]Factory
	responders map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		flows:      make(map[string]Factory),
		responders: make(map[string]string),
	}
}

// Register adds a flow factory under the flow's name.
// Panics on duplicate names; registration is a startup-time programming step.
func (r *Registry) Register(f Factory) {
	name := f().FlowName()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.flows[name]; exists {
		panic(fmt.Sprintf("engine: flow %q registered twice", name))
	}
	r.flows[name] = f
}

// RegisterResponder declares that sessions opened by the initiator flow are
// answered by starting the responder flow. Both must be registered.
// An initiator with a responder opens its own sessions when run as a sub-flow.
func (r *Registry) RegisterResponder(initiator, responder string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.flows[initiator]; !ok {
		return fmt.Errorf("register responder: unknown initiator %q", initiator)
	}
	if _, ok := r.flows[responder]; !ok {
		return fmt.Errorf("register responder: unknown responder %q", responder)
	}
	r.responders[initiator] = responder
	return nil
}

// New returns a fresh instance of the named flow.
func (r *Registry) New(name string) (Logic, error) {
	r.mu.RLock()
	f, ok := r.flows[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("flow %q: %w", name, ErrUnknownFlow)
	}
	return f(), nil
}

// Has reports whether a flow name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.flows[name]
	return ok
}

// ResponderFor returns the responder flow name for an initiating flow.
func (r *Registry) ResponderFor(initiator string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.responders[initiator]
	return name, ok
}

// Initiating reports whether the named flow has a registered responder.
func (r *Registry) Initiating(name string) bool {
	_, ok := r.ResponderFor(name)
	return ok
}

// Names returns every registered flow name in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.flows))
	for name := range r.flows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
