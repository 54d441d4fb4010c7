package resiliency

import "sync"

// Registry holds one breaker per named dependency. Breakers are shared
// across all sessions in the process.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      Config
}

// NewRegistry creates a registry whose breakers use cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
	}
}

// Get returns the breaker for the named dependency, creating it on
// first use.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[name]; ok {
		return cb
	}
	cb = New(name, r.cfg)
	r.breakers[name] = cb
	return cb
}

// Snapshots returns the state of every registered breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Snapshot())
	}
	return out
}
