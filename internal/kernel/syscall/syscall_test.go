package syscall

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aioscore/kernel/internal/kernel/async"
	"github.com/aioscore/kernel/internal/kernel/capability"
	"github.com/aioscore/kernel/internal/kernel/clock"
	"github.com/aioscore/kernel/internal/kernel/ipc"
	"github.com/aioscore/kernel/internal/kernel/kernelerr"
	"github.com/aioscore/kernel/internal/kernel/memory"
	"github.com/aioscore/kernel/internal/kernel/registry"
	"github.com/aioscore/kernel/internal/kernel/scheduler"
)

type testKernel struct {
	d        *Dispatcher
	verifier *capability.HMACVerifier
}

func newTestKernel(t *testing.T) *testKernel {
	t.Helper()

	verifier := capability.NewHMACVerifier(capability.HMACVerifierConfig{
		Secret:     "test-secret",
		Issuer:     "test",
		DefaultTTL: time.Minute,
	})
	ledger := capability.NewLedger()
	nonces := capability.NewNonceStore(time.Minute)
	t.Cleanup(nonces.Stop)

	reg := registry.New()
	killSwitch := registry.NewKillSwitch(reg)

	frames := memory.NewFrameAllocator(4096, 1024)
	pages := memory.NewPageMap()

	fabric := ipc.NewFabric(16)

	asyncTbl := async.NewTable(time.Minute, time.Hour)
	t.Cleanup(asyncTbl.Stop)

	fakeClock := clock.NewFake(0)
	epochClock := clock.NewEpochClock(fakeClock, 100*time.Millisecond)
	seed := scheduler.NewEpochSeed([]byte("test-seed"))
	sched := scheduler.New(2, epochClock, seed, fabric, int64(5*time.Millisecond))

	d := New(Deps{
		Verifier:       verifier,
		Ledger:         ledger,
		Nonces:         nonces,
		Registry:       reg,
		KillSwitch:     killSwitch,
		Frames:         frames,
		Pages:          pages,
		AgentMemoryCap: 1 << 20,
		Fabric:         fabric,
		AsyncTable:     asyncTbl,
		Scheduler:      sched,
		Clock:          fakeClock,
		DefaultWeight:  1,
	})

	return &testKernel{d: d, verifier: verifier}
}

func (k *testKernel) issueToken(t *testing.T, tokenID string, rights capability.Right) string {
	t.Helper()
	encoded, _, err := k.verifier.Issue(tokenID, 1, rights, capability.Quota{}, time.Minute)
	require.NoError(t, err)
	return encoded
}

func TestDispatchRejectsMissingRight(t *testing.T) {
	k := newTestKernel(t)
	tok := k.issueToken(t, "tok-1", 0)

	res := k.d.Dispatch(SysAgentSpawn, Request{Token: tok})
	require.False(t, res.OK)
	assert.Equal(t, kernelerr.KindCapabilityDenied, res.Kind)
}

func TestDispatchRejectsInvalidToken(t *testing.T) {
	k := newTestKernel(t)

	res := k.d.Dispatch(SysAgentSpawn, Request{Token: "not-a-real-token"})
	require.False(t, res.OK)
	assert.Equal(t, kernelerr.KindCapabilityDenied, res.Kind)
}

func TestDispatchRejectsReplayedSpawnToken(t *testing.T) {
	k := newTestKernel(t)
	tok := k.issueToken(t, "tok-1", capability.RightSpawnAgent)

	first := k.d.Dispatch(SysAgentSpawn, Request{Token: tok})
	require.True(t, first.OK)

	second := k.d.Dispatch(SysAgentSpawn, Request{Token: tok})
	require.False(t, second.OK)
	assert.Equal(t, kernelerr.KindCapabilityDenied, second.Kind)
}

func TestAgentSpawnResolvesSynchronouslyWithoutSandbox(t *testing.T) {
	k := newTestKernel(t)
	tok := k.issueToken(t, "tok-1", capability.RightSpawnAgent|capability.RightAsyncOp)

	res := k.d.Dispatch(SysAgentSpawn, Request{Token: tok})
	require.True(t, res.OK)

	values := res.Value.(map[string]any)
	handleID := values["handle_id"].(uint64)

	pollRes := k.d.Dispatch(SysAsyncPoll, Request{
		Token: tok,
		Args:  map[string]any{"handle_id": handleID},
	})
	require.True(t, pollRes.OK)
	view := pollRes.Value.(map[string]any)
	assert.Equal(t, int(async.StatusReady), view["status"])
}

func TestAsyncPollRejectsHandleFromDifferentToken(t *testing.T) {
	k := newTestKernel(t)
	spawnTok := k.issueToken(t, "spawner", capability.RightSpawnAgent|capability.RightAsyncOp)
	otherTok := k.issueToken(t, "other", capability.RightAsyncOp)

	res := k.d.Dispatch(SysAgentSpawn, Request{Token: spawnTok})
	require.True(t, res.OK)
	handleID := res.Value.(map[string]any)["handle_id"].(uint64)

	pollRes := k.d.Dispatch(SysAsyncPoll, Request{
		Token: otherTok,
		Args:  map[string]any{"handle_id": handleID},
	})
	require.False(t, pollRes.OK)
	assert.Equal(t, kernelerr.KindCapabilityDenied, pollRes.Kind)

	collectRes := k.d.Dispatch(SysAsyncCollect, Request{
		Token: otherTok,
		Args:  map[string]any{"handle_id": handleID},
	})
	require.False(t, collectRes.OK)
	assert.Equal(t, kernelerr.KindCapabilityDenied, collectRes.Kind)
}

func TestMemAllocChargesQuotaAndEnforcesCap(t *testing.T) {
	k := newTestKernel(t)
	spawnTok := k.issueToken(t, "spawner", capability.RightSpawnAgent|capability.RightAsyncOp)
	spawnRes := k.d.Dispatch(SysAgentSpawn, Request{Token: spawnTok})
	require.True(t, spawnRes.OK)
	agentID := spawnRes.Value.(map[string]any)["agent_id"].(uint64)

	allocTok := k.issueToken(t, "allocator", capability.RightAllocMemory)
	res := k.d.Dispatch(SysMemAlloc, Request{
		Token: allocTok,
		Args:  map[string]any{"agent_id": agentID, "size": int64(4096)},
	})
	require.True(t, res.OK)

	oversized := k.d.Dispatch(SysMemAlloc, Request{
		Token: allocTok,
		Args:  map[string]any{"agent_id": agentID, "size": int64(1 << 30)},
	})
	require.False(t, oversized.OK)
}

func TestIPCSendAndTryRecvRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	sendTok := k.issueToken(t, "sender", capability.RightSendIPC)
	recvTok := k.issueToken(t, "receiver", capability.RightRecvIPC)

	sendRes := k.d.Dispatch(SysIPCSend, Request{
		Token: sendTok,
		Args:  map[string]any{"from": uint64(1), "to": uint64(2), "data": []byte("hello")},
	})
	require.True(t, sendRes.OK)

	recvRes := k.d.Dispatch(SysIPCRecv, Request{
		Token: recvTok,
		Args:  map[string]any{"from": uint64(1), "to": uint64(2)},
	})
	require.True(t, recvRes.OK)
	assert.Equal(t, []byte("hello"), recvRes.Value.(map[string]any)["data"])
}

func TestSchedulerStatsRequiresAdmin(t *testing.T) {
	k := newTestKernel(t)
	tok := k.issueToken(t, "tok-1", capability.RightAdmin)

	res := k.d.Dispatch(SysSchedulerStats, Request{Token: tok})
	require.True(t, res.OK)
}

func TestTokenRevokeRequiresAdminRight(t *testing.T) {
	k := newTestKernel(t)
	callerTok := k.issueToken(t, "admin", capability.RightAdmin)
	_ = k.issueToken(t, "victim", capability.RightSpawnAgent)

	res := k.d.Dispatch(SysTokenRevoke, Request{
		Token: callerTok,
		Args:  map[string]any{"token_id": "victim"},
	})
	require.True(t, res.OK)

	noAdminTok := k.issueToken(t, "not-admin", 0)
	denied := k.d.Dispatch(SysTokenRevoke, Request{
		Token: noAdminTok,
		Args:  map[string]any{"token_id": "victim"},
	})
	require.False(t, denied.OK)
	assert.Equal(t, kernelerr.KindCapabilityDenied, denied.Kind)
}
