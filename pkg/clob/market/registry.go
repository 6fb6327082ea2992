package market

import (
	"fmt"
	"sync"
)

// Registry manages all markets in a thread-safe manner. Markets are
// first-class owned resources: explicit registration, lookup, and removal,
// never a process-global map.
type Registry struct {
	mu      sync.RWMutex
	markets map[string]*Market
}

func NewRegistry() *Registry {
	return &Registry{markets: make(map[string]*Market)}
}

// Register adds a market. Fails on duplicate id.
func (r *Registry) Register(m *Market) error {
	if m == nil {
		return fmt.Errorf("cannot register nil market")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.markets[m.ID]; exists {
		return fmt.Errorf("market %s already registered", m.ID)
	}
	r.markets[m.ID] = m
	return nil
}

// Get retrieves a market by id.
func (r *Registry) Get(id string) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, exists := r.markets[id]
	if !exists {
		return nil, fmt.Errorf("market %s not found", id)
	}
	return m, nil
}

// List returns all registered markets.
func (r *Registry) List() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m)
	}
	return out
}

// ListOpen returns markets currently accepting orders.
func (r *Registry) ListOpen() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Market, 0)
	for _, m := range r.markets {
		if m.Status == Open {
			out = append(out, m)
		}
	}
	return out
}

// Remove drops a market. Only terminal markets may be removed.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, exists := r.markets[id]
	if !exists {
		return fmt.Errorf("market %s not found", id)
	}
	if m.Status != Resolved && m.Status != Cancelled {
		return fmt.Errorf("cannot remove market %s in status %s", id, m.Status)
	}
	delete(r.markets, id)
	return nil
}

// Exists reports whether the id is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.markets[id]
	return ok
}

// Count returns the number of registered markets.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markets)
}
