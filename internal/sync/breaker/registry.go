package breaker

import (
	"sort"
	"sync"
)

// Registry lazily creates one breaker per endpoint name so failures on one
// endpoint never trip another.
type Registry struct {
	cfg  Config
	opts []Option

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg and opts.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	return &Registry{cfg: cfg, opts: opts, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.cfg, r.opts...)
		r.breakers[name] = b
	}
	return b
}

// Snapshots returns every breaker's state sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()
	for _, b := range list {
		b.Reset()
	}
}
