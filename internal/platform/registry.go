// ABOUTME: Thread-safe registry mapping platform names to their adapters
// ABOUTME: The ingress endpoint and dispatch coordinator look adapters up here

package platform

import (
	"fmt"
	"sync"
)

// Registry holds the registered platform adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its platform name.
// Registering the same platform twice is a wiring bug and returns an error.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Platform()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter for platform %q already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// Lookup returns the adapter for a platform, or ErrUnknownPlatform.
func (r *Registry) Lookup(platform string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	return a, nil
}

// Platforms returns the registered platform names.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
