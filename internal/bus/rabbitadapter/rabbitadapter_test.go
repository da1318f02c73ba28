package rabbitadapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueNameIncludesGroupAndAgent(t *testing.T) {
	assert.Equal(t, "a2a.billing.agent-a", queueName("billing", "agent-a"))
	assert.Equal(t, "a2a.support.agent-b", queueName("support", "agent-b"))
}

func TestRoutingKeyAddressesTheAgentsQueue(t *testing.T) {
	// Routing key equals the destination queue name, so Publish's message
	// lands only in the (group, toAgent) queue Subscribe bound, not in
	// every agent's queue for the group.
	assert.Equal(t, queueName("billing", "agent-a"), routingKey("billing", "agent-a"))
}

func TestDeadletterQueueNameIsPerGroup(t *testing.T) {
	assert.Equal(t, "a2a.billing.deadletter", deadletterQueueName("billing"))
	assert.Equal(t, "a2a.support.deadletter", deadletterQueueName("support"))
	assert.NotEqual(t, deadletterQueueName("billing"), queueName("billing", "agent-a"))
}
