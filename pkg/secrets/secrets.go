// Package secrets is the secrets-backend capability: list key names and
// fetch values under a path, and report backend connectivity. The
// control plane never persists secret values itself — it proxies reads
// to whatever Backend is configured.
package secrets

import (
	"context"
	"fmt"
)

// Backend is the capability the secrets endpoints depend on.
// Production wires EnvBackend under the name "env"; tests use
// EnvBackend with hand-built value maps.
type Backend interface {
	List(ctx context.Context, path string) ([]string, error)
	Get(ctx context.Context, path, key string) (string, error)
	Ping(ctx context.Context) error
}

// ErrNotFound is returned when a key doesn't exist under path.
var ErrNotFound = fmt.Errorf("secrets: key not found")

// Manager refreshes and queries a set of backends, keyed by name.
type Manager struct {
	backends map[string]Backend
}

// New builds a Manager over the given named backends.
func New(backends map[string]Backend) *Manager {
	return &Manager{backends: backends}
}

// Status reports connectivity for every configured backend.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Refresh pings every backend and returns its current status.
func (m *Manager) Refresh(ctx context.Context) []Status {
	statuses := make([]Status, 0, len(m.backends))
	for name, b := range m.backends {
		s := Status{Name: name}
		if err := b.Ping(ctx); err != nil {
			s.Error = err.Error()
		} else {
			s.Healthy = true
		}
		statuses = append(statuses, s)
	}
	return statuses
}

// List returns key names under path from the named backend.
func (m *Manager) List(ctx context.Context, backend, path string) ([]string, error) {
	b, ok := m.backends[backend]
	if !ok {
		return nil, fmt.Errorf("secrets: unknown backend %q", backend)
	}
	return b.List(ctx, path)
}

// Get returns one secret value from the named backend.
func (m *Manager) Get(ctx context.Context, backend, path, key string) (string, error) {
	b, ok := m.backends[backend]
	if !ok {
		return "", fmt.Errorf("secrets: unknown backend %q", backend)
	}
	return b.Get(ctx, path, key)
}

// EnvBackend reads secrets from a fixed in-memory map, the simplest
// production backend (keys seeded from process environment at
// startup).
type EnvBackend struct {
	values map[string]map[string]string // path -> key -> value
}

// NewEnvBackend builds an EnvBackend from a pre-loaded value set.
func NewEnvBackend(values map[string]map[string]string) *EnvBackend {
	return &EnvBackend{values: values}
}

func (e *EnvBackend) List(ctx context.Context, path string) ([]string, error) {
	keys := make([]string, 0, len(e.values[path]))
	for k := range e.values[path] {
		keys = append(keys, k)
	}
	return keys, nil
}

func (e *EnvBackend) Get(ctx context.Context, path, key string) (string, error) {
	v, ok := e.values[path][key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (e *EnvBackend) Ping(ctx context.Context) error {
	return nil
}
