package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aioscore/kernel/internal/kernel/registry"
)

func TestWFSQueueFairShareByWeight(t *testing.T) {
	q := NewWFSQueue()
	q.Admit(registry.AgentID(1), 1) // low weight, vruntime grows fast
	q.Admit(registry.AgentID(2), 4) // high weight, vruntime grows slowly

	q.Charge(registry.AgentID(1), 100)
	q.Charge(registry.AgentID(2), 100)

	agent, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, registry.AgentID(2), agent, "the higher-weight agent should accrue less vruntime and run again sooner")
}

func TestWFSQueueNewAgentSeededAtFloor(t *testing.T) {
	q := NewWFSQueue()
	q.Admit(registry.AgentID(1), 1)
	q.Charge(registry.AgentID(1), 1000)

	q.Admit(registry.AgentID(2), 1)
	agent, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, registry.AgentID(1), agent, "a newly admitted agent is seeded at the current floor (agent 1's vruntime), so the tie goes to the lower AgentID")
}

func TestWFSQueueRescaleCompressesVruntime(t *testing.T) {
	q := NewWFSQueue()
	q.Admit(registry.AgentID(1), 1)
	q.Charge(registry.AgentID(1), 1000)
	q.Rescale()

	q.Admit(registry.AgentID(2), 1)
	agent, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, registry.AgentID(1), agent, "after rescale the older agent's vruntime should no longer dominate a freshly seeded agent")
}

func TestWFSQueueRemove(t *testing.T) {
	q := NewWFSQueue()
	q.Admit(registry.AgentID(1), 1)
	q.Admit(registry.AgentID(2), 1)
	q.Remove(registry.AgentID(1))

	assert.Equal(t, 1, q.Len())
}
