// Package directory implements the Agent Directory (spec.md §4.3, component
// C3): a static, read-only-after-boot map from agent id to its location,
// hosting proxy, capabilities, and group.
//
// Grounded on asya-gateway/internal/config/routes.go's accumulate-and-report
// Validate() pattern (loaded once from YAML by internal/config, validated
// eagerly, then treated as immutable for the life of the process) — adapted
// from that file's tool/route registry into an agent registry, since the
// underlying "static map loaded from config, validated at startup, queried
// read-only at request time" shape is the same.
package directory

import "fmt"

// Entry is one agent's directory record (spec.md §3).
type Entry struct {
	AgentID         string   `yaml:"agent_id"`
	HostPort        string   `yaml:"host_port"`
	HostingProxyID  string   `yaml:"hosting_proxy_id"`
	Capabilities    []string `yaml:"capabilities,omitempty"`
	Group           string   `yaml:"group"`
}

// Validate reports whether an entry is well-formed; internal/config calls
// this for every entry at load time so a malformed directory fails closed
// before the HTTP listener opens.
func (e Entry) Validate() error {
	if e.AgentID == "" {
		return fmt.Errorf("directory: agent_id is required")
	}
	if e.HostPort == "" {
		return fmt.Errorf("directory: agent %q: host_port is required", e.AgentID)
	}
	if e.HostingProxyID == "" {
		return fmt.Errorf("directory: agent %q: hosting_proxy_id is required", e.AgentID)
	}
	if e.Group == "" {
		return fmt.Errorf("directory: agent %q: group is required", e.AgentID)
	}
	return nil
}

// Directory is the in-memory, read-only-after-boot agent registry.
type Directory struct {
	selfProxyID string
	entries     map[string]Entry
}

// New builds a Directory from a validated entry set. selfProxyID identifies
// this proxy instance, used by IsLocal to decide whether an agent is hosted
// behind this proxy or must be reached over the bus.
func New(selfProxyID string, entries []Entry) (*Directory, error) {
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, dup := m[e.AgentID]; dup {
			return nil, fmt.Errorf("directory: duplicate agent_id %q", e.AgentID)
		}
		m[e.AgentID] = e
	}
	return &Directory{selfProxyID: selfProxyID, entries: m}, nil
}

// Get looks up an agent by id.
func (d *Directory) Get(agentID string) (Entry, bool) {
	e, ok := d.entries[agentID]
	return e, ok
}

// IsLocal reports whether agentID is hosted behind this proxy instance
// (spec.md §4.4.1 uses this to choose local-forward vs bus-publish).
func (d *Directory) IsLocal(agentID string) bool {
	e, ok := d.entries[agentID]
	return ok && e.HostingProxyID == d.selfProxyID
}

// GroupOf returns the group an agent belongs to.
func (d *Directory) GroupOf(agentID string) (string, bool) {
	e, ok := d.entries[agentID]
	if !ok {
		return "", false
	}
	return e.Group, true
}

// HostedAgents returns the entries of the agents this proxy instance hosts locally,
// used by the routing engine (C4) to start one background request
// receiver per (group, hosted agent) at startup.
func (d *Directory) HostedAgents() []Entry {
	var out []Entry
	for _, e := range d.entries {
		if e.HostingProxyID == d.selfProxyID {
			out = append(out, e)
		}
	}
	return out
}

// Groups returns the distinct set of groups present in the directory, used
// by the Bus Adapter's EnsureTopology at startup.
func (d *Directory) Groups() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range d.entries {
		if !seen[e.Group] {
			seen[e.Group] = true
			out = append(out, e.Group)
		}
	}
	return out
}
