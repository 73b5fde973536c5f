package workflow

import (
	"context"
	"sync"
)

// NodeHandler implements the behavior of an agent, action, or tool node. It
// receives the current state and its node (for config) and returns a partial
// update.
type NodeHandler func(ctx context.Context, state ExecutionState, node Node) (Delta, error)

// ConditionHandler implements a router node: it inspects the state and
// returns the route label that selects the outgoing edge.
type ConditionHandler func(ctx context.Context, state ExecutionState, node Node) (string, error)

// Registry maps handler names to node and condition handlers. Built-in
// conditions are pre-registered; callers may override them.
type Registry struct {
	mu         sync.RWMutex
	handlers   map[string]NodeHandler
	conditions map[string]ConditionHandler
}

// NewRegistry creates a registry seeded with the built-in conditions.
func NewRegistry() *Registry {
	r := &Registry{
		handlers:   make(map[string]NodeHandler),
		conditions: make(map[string]ConditionHandler),
	}
	r.RegisterCondition("is_approved", IsApproved)
	return r
}

// RegisterHandler binds a node handler under the given name.
func (r *Registry) RegisterHandler(name string, handler NodeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// RegisterCondition binds a condition handler under the given name.
func (r *Registry) RegisterCondition(name string, handler ConditionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conditions[name] = handler
}

// Handler looks up a node handler.
func (r *Registry) Handler(name string) (NodeHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Condition looks up a condition handler.
func (r *Registry) Condition(name string) (ConditionHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.conditions[name]
	return h, ok
}
