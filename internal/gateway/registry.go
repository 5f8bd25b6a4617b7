package gateway

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds the registered platform adapters, keyed by platform name.
// Dispatch is by lookup table, never by type switching on adapter values.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	name := normalizePlatform(adapter.Name())
	if name == "" {
		return fmt.Errorf("platform name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("platform already registered: %s", name)
	}
	r.adapters[name] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the platform name.
func (r *Registry) Get(platform string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[normalizePlatform(platform)]
	return adapter, ok
}

// Messenger returns the outbound capability for the platform name.
func (r *Registry) Messenger(platform string) (Messenger, bool) {
	adapter, ok := r.Get(platform)
	if !ok {
		return nil, false
	}
	return adapter, true
}

// Names returns the registered platform names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all registered adapters.
func (r *Registry) List() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Adapter, 0, len(r.adapters))
	for _, adapter := range r.adapters {
		items = append(items, adapter)
	}
	return items
}

func normalizePlatform(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
