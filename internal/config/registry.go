package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/stems/pkg/model"
	"github.com/MrWong99/stems/pkg/provider/inference"
)

// ErrProviderNotRegistered is returned by [Registry.CreateInference] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// InferenceFactory builds an inference provider for one model contract.
type InferenceFactory func(ModelConfig, model.Contract) (inference.Provider, error)

// Registry maps inference provider names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	inference map[string]InferenceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{inference: make(map[string]InferenceFactory)}
}

// RegisterInference registers an inference provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterInference(name string, factory InferenceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inference[name] = factory
}

// CreateInference instantiates the provider registered under entry.Provider.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateInference(entry ModelConfig, c model.Contract) (inference.Provider, error) {
	r.mu.RLock()
	factory, ok := r.inference[entry.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: inference/%q", ErrProviderNotRegistered, entry.Provider)
	}
	return factory(entry, c)
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.inference))
	for name := range r.inference {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ── Option helpers ───────────────────────────────────────────────────────────

// OptionString returns Options[key] as a string, or "" when unset.
func (m ModelConfig) OptionString(key string) (string, error) {
	v, ok := m.Options[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("config: model.options.%s: want string, got %T", key, v)
	}
	return s, nil
}

// OptionInt returns Options[key] as an int, or 0 when unset. YAML integers
// decode as int; whole floats are accepted too.
func (m ModelConfig) OptionInt(key string) (int, error) {
	v, ok := m.Options[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n == float64(int(n)) {
			return int(n), nil
		}
	}
	return 0, fmt.Errorf("config: model.options.%s: want integer, got %v", key, v)
}
