// Package fleetconfig loads the managed fleet: an environment-variable
// JSON override takes priority; otherwise hosts are auto-discovered by
// scanning deployment-tool YAML files for a `servers.<role>.hosts:`
// shape (deliberately not parsed with a general YAML library — the
// shape this control plane cares about is narrow and line-oriented),
// then merged with a static JSON file of metadata overrides.
package fleetconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cuemby/ghosthands/pkg/types"
)

// Loader discovers and merges fleet configuration.
type Loader struct {
	EnvVar          string // name of the env var carrying a full JSON override
	DeployConfigPath string // deployment-tool YAML file to scan
	OverridesPath   string // static JSON overrides file
	Environment     string
}

// New builds a Loader.
func New(envVar, deployConfigPath, overridesPath, environment string) *Loader {
	return &Loader{
		EnvVar:           envVar,
		DeployConfigPath: deployConfigPath,
		OverridesPath:    overridesPath,
		Environment:      environment,
	}
}

// Load resolves the fleet, preferring the environment-variable override
// when present.
func (l *Loader) Load() ([]types.FleetEntry, error) {
	if raw := os.Getenv(l.EnvVar); strings.TrimSpace(raw) != "" {
		var entries []types.FleetEntry
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, fmt.Errorf("fleetconfig: parse %s: %w", l.EnvVar, err)
		}
		return entries, nil
	}

	discovered, err := l.discoverHosts()
	if err != nil {
		return nil, err
	}

	overrides, err := l.loadOverrides()
	if err != nil {
		return nil, err
	}

	return merge(discovered, overrides), nil
}

// discoveredHost is one entry found by scanning the deployment-tool
// YAML file, in file order.
type discoveredHost struct {
	role string
	ip   string
}

// discoverHosts scans DeployConfigPath for blocks shaped like:
//
//	servers:
//	  worker:
//	    hosts:
//	      - 10.0.0.1
//	      - 10.0.0.2
//
// It tracks indentation only loosely: once inside a `servers:` block,
// a line matching `<role>:` at the next indent level opens a role
// section, and `hosts:` followed by `- <ip>` lines (deeper-indented)
// collects addresses until a line at or above the role's indent ends
// the section.
func (l *Loader) discoverHosts() ([]discoveredHost, error) {
	data, err := os.ReadFile(l.DeployConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fleetconfig: read %s: %w", l.DeployConfigPath, err)
	}

	var hosts []discoveredHost
	lines := strings.Split(string(data), "\n")

	inServers := false
	serversIndent := -1
	currentRole := ""
	roleIndent := -1
	inHosts := false

	for _, raw := range lines {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		indent := indentOf(raw)
		trimmed := strings.TrimSpace(raw)

		if trimmed == "servers:" {
			inServers = true
			serversIndent = indent
			currentRole = ""
			inHosts = false
			continue
		}
		if !inServers {
			continue
		}
		if indent <= serversIndent {
			inServers = false
			currentRole = ""
			inHosts = false
			continue
		}

		if strings.HasSuffix(trimmed, ":") && !strings.HasPrefix(trimmed, "-") {
			key := strings.TrimSuffix(trimmed, ":")
			if key == "hosts" {
				inHosts = true
				continue
			}
			// A new role section at this indent.
			currentRole = key
			roleIndent = indent
			inHosts = false
			continue
		}

		if inHosts && strings.HasPrefix(trimmed, "-") {
			ip := strings.TrimSpace(strings.TrimPrefix(trimmed, "-"))
			ip = strings.Trim(ip, `"'`)
			if ip != "" && currentRole != "" {
				hosts = append(hosts, discoveredHost{role: currentRole, ip: ip})
			}
			continue
		}

		if indent <= roleIndent {
			inHosts = false
		}
	}

	return hosts, nil
}

func indentOf(line string) int {
	n := 0
	for _, r := range line {
		if r != ' ' {
			break
		}
		n++
	}
	return n
}

// staticOverride is one entry in the JSON overrides file, keyed by IP.
type staticOverride struct {
	PublicIP   string     `json:"public_ip"`
	Role       types.Role `json:"role"`
	InstanceID string     `json:"instance_id"`
	Env        string     `json:"environment"`
}

func (l *Loader) loadOverrides() ([]staticOverride, error) {
	data, err := os.ReadFile(l.OverridesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fleetconfig: read %s: %w", l.OverridesPath, err)
	}
	var overrides []staticOverride
	if err := json.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("fleetconfig: parse %s: %w", l.OverridesPath, err)
	}
	return overrides, nil
}

// merge combines auto-discovered hosts with static overrides. Worker
// metadata from the static file overrides an auto-discovered entry by
// IP match; non-worker static entries are always preserved even if no
// discovered entry matches them. IDs ("fleet-1", "fleet-2", ...) are
// assigned deterministically by one counter that starts afresh on every
// call and numbers entries of every role: discovered hosts in file
// order first, then the preserved static entries. A call covers only
// the single deploy config file the Loader points at, so ids are not
// numbered across environments. A duplicate IP discovered twice keeps
// the id assigned the first time it was seen.
func merge(discovered []discoveredHost, overrides []staticOverride) []types.FleetEntry {
	byOverrideIP := make(map[string]staticOverride, len(overrides))
	for _, o := range overrides {
		byOverrideIP[o.PublicIP] = o
	}

	seen := make(map[string]bool)
	var entries []types.FleetEntry
	id := 0
	nextID := func() string {
		id++
		return "fleet-" + strconv.Itoa(id)
	}

	for _, d := range discovered {
		if seen[d.ip] {
			continue
		}
		seen[d.ip] = true

		entry := types.FleetEntry{
			ID:       nextID(),
			PublicIP: d.ip,
			Role:     types.Role(d.role),
		}
		if entry.Role == "worker" || entry.Role == types.RoleWorker {
			entry.Role = types.RoleWorker
		}
		if o, ok := byOverrideIP[d.ip]; ok {
			if o.InstanceID != "" {
				entry.InstanceID = o.InstanceID
			}
			if o.Env != "" {
				entry.Env = o.Env
			}
			if o.Role != "" {
				entry.Role = o.Role
			}
		}
		entries = append(entries, entry)
	}

	for _, o := range overrides {
		if seen[o.PublicIP] {
			continue
		}
		if o.Role == types.RoleWorker {
			continue
		}
		entries = append(entries, types.FleetEntry{
			ID:         nextID(),
			PublicIP:   o.PublicIP,
			Role:       o.Role,
			InstanceID: o.InstanceID,
			Env:        o.Env,
		})
	}

	return entries
}
