package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEntries() []Entry {
	return []Entry{
		{AgentID: "agent-a", HostPort: "10.0.0.1:8080", HostingProxyID: "proxy-1", Group: "billing"},
		{AgentID: "agent-b", HostPort: "10.0.0.2:8080", HostingProxyID: "proxy-2", Group: "billing"},
		{AgentID: "agent-c", HostPort: "10.0.0.3:8080", HostingProxyID: "proxy-1", Group: "support"},
	}
}

func TestNewRejectsDuplicateAgentID(t *testing.T) {
	entries := append(validEntries(), Entry{AgentID: "agent-a", HostPort: "x", HostingProxyID: "proxy-1", Group: "billing"})
	_, err := New("proxy-1", entries)
	assert.ErrorContains(t, err, "duplicate agent_id")
}

func TestNewRejectsMissingFields(t *testing.T) {
	_, err := New("proxy-1", []Entry{{AgentID: "agent-a"}})
	assert.Error(t, err)
}

func TestIsLocalReflectsHostingProxy(t *testing.T) {
	d, err := New("proxy-1", validEntries())
	require.NoError(t, err)

	assert.True(t, d.IsLocal("agent-a"))
	assert.False(t, d.IsLocal("agent-b"))
	assert.False(t, d.IsLocal("unknown-agent"))
}

func TestGroupOf(t *testing.T) {
	d, err := New("proxy-1", validEntries())
	require.NoError(t, err)

	g, ok := d.GroupOf("agent-c")
	require.True(t, ok)
	assert.Equal(t, "support", g)

	_, ok = d.GroupOf("missing")
	assert.False(t, ok)
}

func TestHostedAgentsReturnsOnlyLocalEntries(t *testing.T) {
	d, err := New("proxy-1", validEntries())
	require.NoError(t, err)

	hosted := d.HostedAgents()
	ids := make([]string, 0, len(hosted))
	for _, e := range hosted {
		ids = append(ids, e.AgentID)
	}
	assert.ElementsMatch(t, []string{"agent-a", "agent-c"}, ids)
}

func TestGroupsReturnsDistinctGroups(t *testing.T) {
	d, err := New("proxy-1", validEntries())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"billing", "support"}, d.Groups())
}
