package syscall

import (
	"context"
	"fmt"
	"time"

	"github.com/aioscore/kernel/internal/kernel/async"
	"github.com/aioscore/kernel/internal/kernel/capability"
	"github.com/aioscore/kernel/internal/kernel/kernelerr"
	"github.com/aioscore/kernel/internal/kernel/memory"
	"github.com/aioscore/kernel/internal/kernel/registry"
	"github.com/aioscore/kernel/internal/kernel/scheduler"
)

func argUint64(args map[string]any, key string) (uint64, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case int:
		return uint64(n), true
	case float64:
		return uint64(n), true
	default:
		return 0, false
	}
}

func argInt64(args map[string]any, key string) (int64, bool) {
	u, ok := argUint64(args, key)
	return int64(u), ok
}

func argBytes(args map[string]any, key string) []byte {
	v, ok := args[key]
	if !ok {
		return nil
	}
	b, _ := v.([]byte)
	return b
}

// agentSpawn admits a new agent in StateLoaded, charges one async-op
// unit against the token, and hands back a pending Handle whose
// completion is driven by acquiring a sandbox instance in the
// background — the syscall's synchronous path never blocks on
// container creation.
func (d *Dispatcher) agentSpawn(tok *capability.Token, req Request) Result {
	if err := d.ledger.Charge(tok, capability.DimAsyncOps, 1); err != nil {
		if d.metrics != nil {
			d.metrics.QuotaExceeded.WithLabelValues("async_ops").Inc()
		}
		return fail(err)
	}

	id := d.registry.Load(tok.TokenID)
	if err := d.registry.Transition(id, registry.StateRunnable); err != nil {
		return fail(err)
	}

	weight, hasWeight := argInt64(req.Args, "weight")
	if !hasWeight {
		weight = d.defaultWeight
	}
	deadline, isRealTime := argInt64(req.Args, "deadline_ns")

	var cpu int
	if isRealTime {
		cpu = d.sched.AdmitRealTime(id, deadline)
	} else {
		cpu = d.sched.AdmitNormal(id, weight)
	}

	h := d.asyncTbl.New(async.OpSpawnAgent, uint64(id), tok.TokenID)
	if d.metrics != nil {
		d.metrics.ActiveAgents.Inc()
		d.metrics.AsyncHandles.Inc()
	}

	if d.sandbox != nil {
		go d.completeSpawn(h, tok.TokenID)
	} else {
		// No sandbox pool configured (e.g. unit tests): resolve the
		// handle immediately against the bare agent id.
		_ = d.asyncTbl.Complete(h.ID, id, nil)
	}

	return ok(map[string]any{
		"agent_id":   uint64(id),
		"cpu":        cpu,
		"handle_id":  uint64(h.ID),
	})
}

func (d *Dispatcher) completeSpawn(h *async.Handle, tokenID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	inst, err := d.sandbox.Acquire(ctx, tokenID)
	if err != nil {
		_ = d.asyncTbl.Complete(h.ID, nil, kernelerr.Wrap(kernelerr.KindInternal, "sandbox acquire failed", err))
		return
	}
	_ = d.asyncTbl.Complete(h.ID, map[string]any{"agent_id": h.Owner, "sandbox_id": inst.ID}, nil)
}

// agentKill reaps a single agent through the kill switch, cancels its
// outstanding async handles, and releases its memory pool.
func (d *Dispatcher) agentKill(tok *capability.Token, req Request) Result {
	rawID, ok2 := argUint64(req.Args, "agent_id")
	if !ok2 {
		return fail(kernelerr.New(kernelerr.KindInvalidState, "agent_kill requires agent_id"))
	}
	id := registry.AgentID(rawID)

	reason, _ := req.Args["reason"].(string)
	if reason == "" {
		reason = "killed by operator"
	}

	if err := d.killSw.KillAgent(id, reason, tok.TokenID, 5*time.Minute); err != nil {
		return fail(err)
	}

	d.sched.Remove(id)
	d.asyncTbl.CancelOwner(uint64(id))
	if pool, ok3 := d.agentMem[id]; ok3 {
		pool.Release()
		delete(d.agentMem, id)
	}
	if d.metrics != nil {
		d.metrics.ActiveAgents.Dec()
	}

	return ok(map[string]any{"agent_id": uint64(id), "killed": true})
}

// agentYield voluntarily returns the running agent to its class's
// queue, charging the CPU time it consumed against its token's quota.
func (d *Dispatcher) agentYield(tok *capability.Token, req Request) Result {
	rawID, ok2 := argUint64(req.Args, "agent_id")
	if !ok2 {
		return fail(kernelerr.New(kernelerr.KindInvalidState, "agent_yield requires agent_id"))
	}
	id := registry.AgentID(rawID)
	ranNanos, _ := argInt64(req.Args, "ran_nanos")
	cpu, _ := argInt64(req.Args, "cpu")

	if err := d.ledger.Charge(tok, capability.DimCPUNanos, ranNanos); err != nil {
		if d.metrics != nil {
			d.metrics.QuotaExceeded.WithLabelValues("cpu_nanos").Inc()
		}
		return fail(err)
	}

	if err := d.registry.Transition(id, registry.StateRunnable); err != nil {
		return fail(err)
	}
	d.sched.Requeue(id, classArg(req.Args), int(cpu), ranNanos)

	return ok(map[string]any{"agent_id": uint64(id)})
}

func classArg(args map[string]any) scheduler.Class {
	if rt, _ := args["real_time"].(bool); rt {
		return scheduler.ClassRealTime
	}
	return scheduler.ClassNormal
}

// memAlloc allocates size bytes from the requesting agent's memory
// pool, lazily creating the pool on an agent's first allocation, and
// charges the allocation against the token's memory quota dimension in
// addition to the pool's own strict capacity check.
func (d *Dispatcher) memAlloc(tok *capability.Token, req Request) Result {
	rawID, ok2 := argUint64(req.Args, "agent_id")
	if !ok2 {
		return fail(kernelerr.New(kernelerr.KindInvalidState, "mem_alloc requires agent_id"))
	}
	id := registry.AgentID(rawID)
	size, hasSize := argInt64(req.Args, "size")
	if !hasSize || size <= 0 {
		return fail(kernelerr.New(kernelerr.KindInvalidState, "mem_alloc requires positive size"))
	}

	if err := d.ledger.Charge(tok, capability.DimMemory, size); err != nil {
		if d.metrics != nil {
			d.metrics.QuotaExceeded.WithLabelValues("memory").Inc()
		}
		return fail(err)
	}

	pool, ok3 := d.agentMem[id]
	if !ok3 {
		pool = memory.NewAgentPool(id, d.memCapPer, d.frames, d.pages)
		d.agentMem[id] = pool
	}

	addr, err := pool.Alloc(size)
	if err != nil {
		return fail(err)
	}

	return ok(map[string]any{"address": addr, "size": size})
}

// ipcSend frames the given payload as an envelope and enqueues it on
// the (from, to) mailbox, charging one IPC-message unit against the
// sender's token.
func (d *Dispatcher) ipcSend(tok *capability.Token, req Request) Result {
	from, _ := argUint64(req.Args, "from")
	to, ok2 := argUint64(req.Args, "to")
	if !ok2 {
		return fail(kernelerr.New(kernelerr.KindInvalidState, "ipc_send requires to"))
	}
	data := argBytes(req.Args, "data")
	metadata := argBytes(req.Args, "metadata")

	if err := d.ledger.Charge(tok, capability.DimIPCMessages, 1); err != nil {
		if d.metrics != nil {
			d.metrics.QuotaExceeded.WithLabelValues("ipc_messages").Inc()
		}
		return fail(err)
	}

	msgID, err := d.fabric.Send(from, to, data, metadata)
	if err != nil {
		return fail(err)
	}
	if d.metrics != nil {
		d.metrics.MailboxDepth.WithLabelValues(fmt.Sprint(from), fmt.Sprint(to)).Set(float64(d.fabric.Pending(from, to)))
	}

	return ok(map[string]any{"message_id": msgID})
}

// ipcTryRecv pops the oldest pending envelope addressed to the caller
// without blocking, marking the caller as a priority-inheritance
// candidate if the mailbox is empty so the scheduler can boost it once
// a message does arrive.
func (d *Dispatcher) ipcTryRecv(tok *capability.Token, req Request) Result {
	from, _ := argUint64(req.Args, "from")
	to, ok2 := argUint64(req.Args, "to")
	if !ok2 {
		return fail(kernelerr.New(kernelerr.KindInvalidState, "ipc_recv requires to"))
	}

	env, err := d.fabric.TryRecv(from, to)
	if err != nil {
		if priority, hasPriority := argUint64(req.Args, "priority"); hasPriority {
			d.fabric.MarkWaiting(to, priority)
		}
		return fail(err)
	}

	return ok(map[string]any{
		"from":       env.From,
		"message_id": env.MessageID,
		"data":       env.Data,
		"metadata":   env.Metadata,
	})
}

// asyncPoll returns a snapshot of an outstanding handle's state without
// removing it from the table. Only the token that created the handle
// may poll it.
func (d *Dispatcher) asyncPoll(tok *capability.Token, req Request) Result {
	rawID, ok2 := argUint64(req.Args, "handle_id")
	if !ok2 {
		return fail(kernelerr.New(kernelerr.KindInvalidState, "async_poll requires handle_id"))
	}
	h, err := d.asyncTbl.Poll(async.HandleID(rawID))
	if err != nil {
		return fail(err)
	}
	if h.TokenID != tok.TokenID {
		return fail(kernelerr.New(kernelerr.KindCapabilityDenied, "handle not bound to this token"))
	}
	return ok(handleView(h))
}

// asyncCollect removes a resolved handle from the table and returns its
// final result, decrementing the pending-handle gauge. Only the token
// that created the handle may collect it.
func (d *Dispatcher) asyncCollect(tok *capability.Token, req Request) Result {
	rawID, ok2 := argUint64(req.Args, "handle_id")
	if !ok2 {
		return fail(kernelerr.New(kernelerr.KindInvalidState, "async_collect requires handle_id"))
	}
	h, err := d.asyncTbl.Poll(async.HandleID(rawID))
	if err != nil {
		return fail(err)
	}
	if h.TokenID != tok.TokenID {
		return fail(kernelerr.New(kernelerr.KindCapabilityDenied, "handle not bound to this token"))
	}
	collected, err := d.asyncTbl.Collect(async.HandleID(rawID))
	if err != nil {
		return fail(err)
	}
	if d.metrics != nil {
		d.metrics.AsyncHandles.Dec()
	}
	return ok(handleView(collected))
}

// asyncCancel cancels a pending handle before it resolves. Only the
// token that created the handle may cancel it.
func (d *Dispatcher) asyncCancel(tok *capability.Token, req Request) Result {
	rawID, ok2 := argUint64(req.Args, "handle_id")
	if !ok2 {
		return fail(kernelerr.New(kernelerr.KindInvalidState, "async_cancel requires handle_id"))
	}
	h, err := d.asyncTbl.Poll(async.HandleID(rawID))
	if err != nil {
		return fail(err)
	}
	if h.TokenID != tok.TokenID {
		return fail(kernelerr.New(kernelerr.KindCapabilityDenied, "handle not bound to this token"))
	}
	if err := d.asyncTbl.Cancel(async.HandleID(rawID)); err != nil {
		return fail(err)
	}
	return ok(map[string]any{"handle_id": rawID, "cancelled": true})
}

func handleView(h *async.Handle) map[string]any {
	view := map[string]any{
		"handle_id": uint64(h.ID),
		"kind":      h.Kind.String(),
		"owner":     h.Owner,
		"status":    int(h.Status),
	}
	if h.Err != nil {
		view["error"] = h.Err.Error()
	} else {
		view["result"] = h.Result
	}
	return view
}

// journalRead exposes the event journal's chain position to a caller
// holding RightReadJournal — intended for audit tooling, not for bulk
// export (bulk export reads segment files directly).
func (d *Dispatcher) journalRead(tok *capability.Token, req Request) Result {
	if d.jrn == nil {
		return fail(kernelerr.New(kernelerr.KindNotFound, "journal not configured"))
	}
	hash := d.jrn.LastHash()
	return ok(map[string]any{
		"next_seq":  d.jrn.NextSeq(),
		"last_hash": fmt.Sprintf("%x", hash),
	})
}

// tokenRevoke immediately invalidates a token ahead of its natural
// expiry and reaps every live agent admitted under it, requiring the
// caller's own token to carry RightAdmin.
func (d *Dispatcher) tokenRevoke(tok *capability.Token, req Request) Result {
	targetTokenID, ok2 := req.Args["token_id"].(string)
	if !ok2 || targetTokenID == "" {
		return fail(kernelerr.New(kernelerr.KindInvalidState, "token_revoke requires token_id"))
	}

	if err := d.verifier.Revoke(targetTokenID); err != nil {
		return fail(err)
	}
	killed := d.killSw.KillToken(targetTokenID, "token revoked", tok.TokenID, 5*time.Minute)
	d.ledger.Release(targetTokenID)

	return ok(map[string]any{"token_id": targetTokenID, "agents_killed": killed})
}

// schedulerStats reports per-CPU dispatch counters and queue depths,
// requiring RightAdmin since it exposes cross-agent scheduling state.
func (d *Dispatcher) schedulerStats(tok *capability.Token, req Request) Result {
	if !tok.Rights.Has(capability.RightAdmin) {
		return fail(kernelerr.New(kernelerr.KindCapabilityDenied, "scheduler_stats requires admin right"))
	}
	stats := d.sched.Stats()
	out := make([]map[string]any, 0, len(stats))
	for _, s := range stats {
		out = append(out, map[string]any{
			"cpu":        s.CPU,
			"dispatches": s.Dispatches,
			"last_agent": uint64(s.LastAgent),
			"edf_depth":  s.EDFDepth,
			"wfs_depth":  s.WFSDepth,
		})
		if d.metrics != nil {
			d.metrics.SchedulerDispatch.WithLabelValues(fmt.Sprint(s.CPU), "normal").Add(0)
		}
	}
	return ok(out)
}
