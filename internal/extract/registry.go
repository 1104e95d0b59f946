package extract

import "sync"

// Registry picks the adapter for a URL: built-ins in order, then rule-file
// adapters, then the generic fallback. First match wins.
type Registry struct {
	mu       sync.RWMutex
	builtin  []*Adapter
	rules    []*Adapter
	fallback *Adapter
}

// NewRegistry returns a registry with the amazon and ebay adapters and the
// generic fallback.
func NewRegistry() *Registry {
	return &Registry{
		builtin:  []*Adapter{Amazon(), Ebay()},
		fallback: Generic(),
	}
}

// Select returns the adapter for rawURL. It never returns nil.
func (r *Registry) Select(rawURL string) *Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.builtin {
		if a.Matches(rawURL) {
			return a
		}
	}
	for _, a := range r.rules {
		if a.Matches(rawURL) {
			return a
		}
	}
	return r.fallback
}

// SetRules replaces the rule-file adapters.
func (r *Registry) SetRules(adapters []*Adapter) {
	r.mu.Lock()
	r.rules = adapters
	r.mu.Unlock()
}

// Names lists adapters in selection order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.builtin)+len(r.rules)+1)
	for _, a := range r.builtin {
		out = append(out, a.Name)
	}
	for _, a := range r.rules {
		out = append(out, a.Name)
	}
	return append(out, r.fallback.Name)
}
