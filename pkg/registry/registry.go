// Package registry implements the ecr-auth step's capability: obtain a
// short-lived pull token for one registry/repo pair. Production talks
// to the cloud API's token-vending action through the same injectable
// dispatcher the cloud-compute adapter uses; tests wire a fake.
package registry

import (
	"context"
	"fmt"

	"github.com/cuemby/ghosthands/pkg/cloud"
)

// TokenSource obtains a registry pull token.
type TokenSource interface {
	Token(ctx context.Context, registry, repo string) (string, error)
}

// DispatcherSource implements TokenSource on top of a cloud.Dispatcher,
// reusing the same action/params/out shape the cloud adapter uses.
type DispatcherSource struct {
	Dispatch cloud.Dispatcher
}

// NewDispatcherSource builds a DispatcherSource.
func NewDispatcherSource(d cloud.Dispatcher) *DispatcherSource {
	return &DispatcherSource{Dispatch: d}
}

// Token requests a pull token for registry/repo.
func (s *DispatcherSource) Token(ctx context.Context, registry, repo string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := s.Dispatch(ctx, "registry-auth-token", map[string]any{
		"registry": registry,
		"repo":     repo,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("registry: token: %w", err)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("registry: empty token returned for %s/%s", registry, repo)
	}
	return resp.Token, nil
}

// StaticSource is a fixed-token TokenSource, useful for registries that
// don't require per-pull tokens (e.g. a private registry behind a
// long-lived credential).
type StaticSource struct {
	StaticToken string
}

// Token returns the configured static token.
func (s StaticSource) Token(ctx context.Context, registry, repo string) (string, error) {
	return s.StaticToken, nil
}
