package policy

import (
	"fmt"
	"sync"
)

// Registry maps rule type strings to their builders. Builders run in
// registration order, which is also the order their rules are consulted.
// It is safe for concurrent reads; Register should only be called at startup.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
	order    []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds a builder. Panics on duplicate type to surface misconfiguration early.
func (r *Registry) Register(b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builders[b.Type()]; exists {
		panic(fmt.Sprintf("policy registry: duplicate type %q", b.Type()))
	}
	r.builders[b.Type()] = b
	r.order = append(r.order, b.Type())
}

// Get returns the builder for the given type.
func (r *Registry) Get(ruleType string) (Builder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[ruleType]
	if !ok {
		return nil, fmt.Errorf("no builder registered for rule type %q", ruleType)
	}
	return b, nil
}

// Types returns all registered rule types in registration order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) ordered() []Builder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Builder, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, r.builders[t])
	}
	return out
}
