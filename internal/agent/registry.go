package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kingrea/concord/internal/config"
)

// Factory constructs a backend from an agent's configuration.
type Factory func(config.AgentConfig) (Backend, error)

// Registry maps backend kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// DefaultRegistry knows the built-in backend kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(config.BackendScripted, func(cfg config.AgentConfig) (Backend, error) {
		return NewScripted(cfg.Script, cfg.Presentation), nil
	})
	r.MustRegister(config.BackendCommand, func(cfg config.AgentConfig) (Backend, error) {
		return NewCommand(cfg.Command, cfg.Args, cfg.Env)
	})
	return r
}

// Register installs a backend factory. Returns an error if the kind already exists.
func (r *Registry) Register(kind string, factory Factory) error {
	if kind == "" {
		return fmt.Errorf("agent: backend kind is required")
	}
	if factory == nil {
		return fmt.Errorf("agent: factory is required for %s", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("agent: backend %s already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(kind string, factory Factory) {
	if err := r.Register(kind, factory); err != nil {
		panic(err)
	}
}

// Resolve constructs the backend for one agent.
func (r *Registry) Resolve(cfg config.AgentConfig) (Backend, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent: unknown backend %q for %s", cfg.Backend, cfg.ID)
	}
	backend, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("agent: build %s: %w", cfg.ID, err)
	}
	return backend, nil
}

// Kinds returns a sorted list of registered backend kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
