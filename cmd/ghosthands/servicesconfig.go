package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cuemby/ghosthands/pkg/types"
)

// staticConfigLoader implements deploy.ConfigLoader by reading a JSON
// file of per-environment service definitions, keyed by environment
// name — the same shape fleetconfig.Loader uses for its own static
// overrides file, one file per concern rather than one shared schema.
type staticConfigLoader struct {
	path string
}

func (l staticConfigLoader) Load(ctx context.Context, env string) ([]types.ServiceDefinition, error) {
	path := l.path
	if path == "" {
		path = getenv("GHOSTHANDS_SERVICES_CONFIG", "config/services.json")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("servicesconfig: read %s: %w", path, err)
	}

	var byEnv map[string][]types.ServiceDefinition
	if err := json.Unmarshal(data, &byEnv); err != nil {
		return nil, fmt.Errorf("servicesconfig: parse %s: %w", path, err)
	}

	return byEnv[env], nil
}
