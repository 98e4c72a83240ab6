package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/vyrodovalexey/txproxy/internal/observability"
)

// Registry holds one breaker per upstream ID.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
	onChange StateFunc
	logger   observability.Logger
}

// RegistryOption is a functional option for configuring the registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithStateCallback sets the callback invoked on every state transition.
func WithStateCallback(fn StateFunc) RegistryOption {
	return func(r *Registry) {
		r.onChange = fn
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg.withDefaults(),
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for id, or nil if none exists yet.
func (r *Registry) Get(id string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[id]
}

// GetOrCreate returns the breaker for id, creating it on first use.
func (r *Registry) GetOrCreate(id string) *Breaker {
	if b := r.Get(id); b != nil {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[id]; ok {
		return b
	}
	b := newBreaker(id, r.config, r.logger, r.onChange)
	r.breakers[id] = b
	r.logger.Debug("created circuit breaker", observability.String("upstream", id))
	return b
}

// Retain drops breakers for upstreams not in ids.
func (r *Registry) Retain(ids []string) {
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.breakers {
		if _, ok := keep[id]; !ok {
			delete(r.breakers, id)
			r.logger.Debug("removed circuit breaker", observability.String("upstream", id))
		}
	}
}

// States returns the state of every breaker.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.State()
	}
	return out
}

// Names returns the IDs of every breaker, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for id := range r.breakers {
		names = append(names, id)
	}
	sort.Strings(names)
	return names
}
