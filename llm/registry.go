package llm

import (
	"sort"
	"sync"

	"github.com/gander-ai/gander/types"
)

// ProviderRegistry is a thread-safe collection of named providers with an
// optional default. Sessions reference providers by name; an empty name
// resolves to the default, so the agent never holds a vendor type directly.
type ProviderRegistry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
}

// NewProviderRegistry creates an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]Provider)}
}

// Register adds a provider under its Name(). The first registration also
// becomes the default; later ones replace any same-named entry.
func (r *ProviderRegistry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.providers) == 0 && r.defaultName == "" {
		r.defaultName = p.Name()
	}
	r.providers[p.Name()] = p
}

// SetDefault designates a registered provider as the default.
func (r *ProviderRegistry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return types.NewError(types.ErrProviderUnavailable, "provider "+name+" not registered")
	}
	r.defaultName = name
	return nil
}

// Resolve returns the provider registered under name, or the default
// when name is empty. A miss is an ErrProviderUnavailable.
func (r *ProviderRegistry) Resolve(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultName
	}
	if name == "" {
		return nil, types.NewError(types.ErrProviderUnavailable, "no default provider configured")
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, types.NewError(types.ErrProviderUnavailable, "provider "+name+" not registered")
	}
	return p, nil
}

// Unregister removes a provider. Removing the default clears it.
func (r *ProviderRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, name)
	if r.defaultName == name {
		r.defaultName = ""
	}
}

// List returns the sorted names of all registered providers.
func (r *ProviderRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered providers.
func (r *ProviderRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
