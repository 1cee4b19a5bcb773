package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aioscore/kernel/internal/kernel/clock"
	"github.com/aioscore/kernel/internal/kernel/ipc"
	"github.com/aioscore/kernel/internal/kernel/journal"
	"github.com/aioscore/kernel/internal/kernel/registry"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	fakeClock := clock.NewFake(0)
	epochClock := clock.NewEpochClock(fakeClock, 100*time.Millisecond)
	seed := NewEpochSeed([]byte("test-seed"))
	fabric := ipc.NewFabric(16)
	return New(1, epochClock, seed, fabric, int64(5*time.Millisecond))
}

func TestPickDemotesMissedDeadlineToNormal(t *testing.T) {
	s := newTestScheduler(t)
	jrn, err := journal.Open(t.TempDir(), 1<<20)
	require.NoError(t, err)
	defer jrn.Close()
	s.SetJournal(jrn)

	cpu := s.AdmitRealTime(registry.AgentID(1), 100)

	agent, class, err := s.Pick(cpu, 500) // now is well past the deadline
	require.NoError(t, err)
	assert.Equal(t, registry.AgentID(1), agent)
	assert.Equal(t, ClassNormal, class, "an agent whose deadline already passed must be demoted rather than dispatched as real-time")

	hash := jrn.LastHash()
	assert.NotEqual(t, [32]byte{}, hash, "a DeadlineMiss record should have been journaled")
}

func TestPickDispatchesRealTimeWhenDeadlineNotYetPassed(t *testing.T) {
	s := newTestScheduler(t)
	cpu := s.AdmitRealTime(registry.AgentID(1), 1000)

	agent, class, err := s.Pick(cpu, 100) // now is well before the deadline
	require.NoError(t, err)
	assert.Equal(t, registry.AgentID(1), agent)
	assert.Equal(t, ClassRealTime, class)
}

func TestRequeuePreservesWeightAcrossPopAndCharge(t *testing.T) {
	s := newTestScheduler(t)
	cpu := s.AdmitNormal(registry.AgentID(1), 3)
	s.AdmitNormal(registry.AgentID(2), 1)

	// Pick pops agent 1 out of the heap to run it; Requeue must charge
	// its vruntime using its originally admitted weight of 3, not
	// silently re-admit it at weight 1 (discarding the weight it was
	// configured with). ranNanos/weight = 300/3 = 100.
	agent, class, err := s.Pick(cpu, 0)
	require.NoError(t, err)
	require.Equal(t, registry.AgentID(1), agent)
	require.Equal(t, ClassNormal, class)
	s.Requeue(agent, class, cpu, 300)

	// Agent 2 (weight 1) never ran, so it is still at vruntime 0 — it
	// must win the next pick over agent 1's vruntime of 100. Had
	// Requeue discarded agent 1's weight and re-seeded it at the
	// (zero) floor instead of charging it, agent 1 would tie agent 2
	// at vruntime 0 and win on the lower-AgentID tie-break instead.
	next, _, err := s.Pick(cpu, 0)
	require.NoError(t, err)
	assert.Equal(t, registry.AgentID(2), next, "agent 1's charged vruntime must survive the Pop/Requeue round trip")
}
