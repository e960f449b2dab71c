// Package source holds the adapters that fetch payloads from external systems.
package source

import (
	"context"
	"sort"
	"sync"

	"github.com/ramiqadoumi/go-enrich-flow/internal/domain"
)

// Adapter fetches the payload for one target from one external system.
//
// Fetch must be idempotent and must report failures as *domain.FetchError.
// Anything else is treated as a transport error.
type Adapter interface {
	SourceID() string
	Fetch(ctx context.Context, targetID string) ([]byte, error)
}

// Registry maps source IDs to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Safe to call concurrently.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.SourceID()] = a
}

// Get returns the adapter for sourceID or *domain.UnknownSourceError.
func (r *Registry) Get(sourceID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[sourceID]
	if !ok {
		return nil, &domain.UnknownSourceError{SourceID: sourceID}
	}
	return a, nil
}

// Sources returns the registered source IDs in sorted order.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
