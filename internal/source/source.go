// Package source defines the adapter contract for external data providers
// and the registry the engine resolves adapters from.
package source

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/quotefall/internal/model"
)

// RawResult is a provider's answer before quality scoring.
type RawResult struct {
	// Payload holds the fetched fields (e.g. {"price": 187.3, "currency": "USD"}).
	Payload map[string]any
	// AsOf is the provider's data timestamp. Zero means "as of now".
	AsOf time.Time
}

// Adapter wraps one provider's network calls behind a uniform contract.
// Implementations must respect the ctx deadline and must not retry —
// retries, backoff, and circuit logic belong to the engine.
type Adapter interface {
	// Name returns the source id (matches the descriptor id in config).
	Name() string
	// Supports checks whether the adapter can answer a capability.
	Supports(capability model.Capability) bool
	// Fetch retrieves the value of a capability for a key (e.g. a symbol).
	Fetch(ctx context.Context, capability model.Capability, key string) (*RawResult, error)
}

// Registry maps source ids to adapter instances. Adapters are registered
// explicitly at startup; there is no runtime plugin loading.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter, replacing any previous one with the same name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for a source id, or nil if none is registered.
func (r *Registry) Get(id string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[id]
}

// List returns all registered source ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}
