package application

import (
	"fmt"
	"slices"
	"sync"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

// ProviderRegistry selects the adapter for a credential's provider. It
// holds a mutex-protected map so adapters can be registered or replaced
// while syncs are running.
type ProviderRegistry struct {
	mu       sync.RWMutex
	adapters map[model.Provider]driven.ProviderAdapter
}

// NewProviderRegistry creates a registry holding the given adapters.
func NewProviderRegistry(adapters ...driven.ProviderAdapter) *ProviderRegistry {
	r := &ProviderRegistry{adapters: make(map[model.Provider]driven.ProviderAdapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

// Register adds the adapter, replacing any adapter for the same provider.
func (r *ProviderRegistry) Register(a driven.ProviderAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Provider()] = a
}

// Get returns the adapter for provider or driven.ErrUnsupportedProvider.
func (r *ProviderRegistry) Get(provider model.Provider) (driven.ProviderAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", driven.ErrUnsupportedProvider, provider)
	}
	return a, nil
}

// Providers returns the registered providers in name order.
func (r *ProviderRegistry) Providers() []model.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
