package resilience

import (
	"sync"

	"go.uber.org/zap"
)

// Registry is a name-keyed collection of circuit breakers, lazily created on
// first lookup. It is an explicitly constructed object: components that need
// shared breaker state receive a *Registry rather than reaching for a hidden
// package-level singleton.
type Registry struct {
	defaults BreakerConfig
	logger   *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
	configs  map[string]BreakerConfig
}

// NewRegistry creates a registry whose breakers default to the given config.
func NewRegistry(defaults BreakerConfig, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		defaults: defaults,
		logger:   logger,
		breakers: make(map[string]*Breaker),
		configs:  make(map[string]BreakerConfig),
	}
}

// Configure sets a per-name config used when the named breaker is first
// created. Has no effect on a breaker that already exists.
func (r *Registry) Configure(name string, config BreakerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[name] = config
}

// Get returns the breaker for name, creating it on first lookup.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	config := r.defaults
	if override, ok := r.configs[name]; ok {
		config = override
	}

	b := NewBreaker(name, config, r.logger)
	r.breakers[name] = b
	return b
}

// Names returns the names of all breakers created so far.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}

// ResetAll resets every breaker in the registry.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.breakers {
		b.Reset()
	}
}
