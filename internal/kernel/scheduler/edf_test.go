package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aioscore/kernel/internal/kernel/registry"
)

func TestEDFQueuePopsEarliestDeadline(t *testing.T) {
	q := NewEDFQueue()
	q.Admit(registry.AgentID(1), 300)
	q.Admit(registry.AgentID(2), 100)
	q.Admit(registry.AgentID(3), 200)

	agent, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, registry.AgentID(2), agent)

	agent, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, registry.AgentID(3), agent)
}

func TestEDFQueueTieBreaksOnLowerAgentID(t *testing.T) {
	q := NewEDFQueue()
	q.Admit(registry.AgentID(5), 100)
	q.Admit(registry.AgentID(2), 100)
	q.Admit(registry.AgentID(3), 100)

	agent, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, registry.AgentID(2), agent, "equal deadlines must break ties on the lower agent id")
}

func TestEDFQueueAdmitUpdatesDeadline(t *testing.T) {
	q := NewEDFQueue()
	q.Admit(registry.AgentID(1), 500)
	q.Admit(registry.AgentID(2), 100)
	q.Admit(registry.AgentID(1), 50) // re-admit with an earlier deadline

	agent, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, registry.AgentID(1), agent)
}

func TestEDFQueueRemove(t *testing.T) {
	q := NewEDFQueue()
	q.Admit(registry.AgentID(1), 100)
	q.Admit(registry.AgentID(2), 200)
	q.Remove(registry.AgentID(1))

	assert.Equal(t, 1, q.Len())
	agent, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, registry.AgentID(2), agent)
}
