// Package syscall implements the Dispatcher: the single entry point
// every agent operation passes through. Every syscall is gated on a
// capability token, charged against that token's quota ledger, and its
// outcome appended to the event journal before the result is returned.
package syscall

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aioscore/kernel/internal/kernel/async"
	"github.com/aioscore/kernel/internal/kernel/capability"
	"github.com/aioscore/kernel/internal/kernel/clock"
	"github.com/aioscore/kernel/internal/kernel/ipc"
	"github.com/aioscore/kernel/internal/kernel/journal"
	"github.com/aioscore/kernel/internal/kernel/journalstore"
	"github.com/aioscore/kernel/internal/kernel/kernelerr"
	"github.com/aioscore/kernel/internal/kernel/memory"
	"github.com/aioscore/kernel/internal/kernel/metrics"
	"github.com/aioscore/kernel/internal/kernel/registry"
	"github.com/aioscore/kernel/internal/kernel/sandbox"
	"github.com/aioscore/kernel/internal/kernel/scheduler"
)

// Name is the closed set of syscalls the dispatcher recognizes.
type Name string

const (
	SysAgentSpawn      Name = "agent_spawn"
	SysAgentKill       Name = "agent_kill"
	SysAgentYield       Name = "agent_yield"
	SysMemAlloc        Name = "mem_alloc"
	SysIPCSend         Name = "ipc_send"
	SysIPCRecv         Name = "ipc_recv"
	SysIPCTryRecv      Name = "ipc_try_recv"
	SysAsyncPoll       Name = "async_poll"
	SysAsyncCollect    Name = "async_collect"
	SysAsyncCancel     Name = "async_cancel"
	SysJournalRead     Name = "journal_read"
	SysTokenRevoke     Name = "token_revoke"
	SysSchedulerStats  Name = "scheduler_stats"
)

// Result is the uniform outcome ABI every syscall returns: either a
// Value on success, or a Kind/Message pair identifying the failure —
// callers switch on Kind, never on Message text.
type Result struct {
	OK      bool
	Value   any
	Kind    kernelerr.Kind
	Message string
}

func ok(value any) Result { return Result{OK: true, Value: value} }

func fail(err error) Result {
	ke := kernelerr.KindOf(err)
	return Result{OK: false, Kind: ke, Message: err.Error()}
}

// Request bundles the arguments common to every syscall: the caller's
// encoded capability token and the syscall-specific argument payload.
type Request struct {
	Token string
	Args  map[string]any
}

// Dispatcher wires together every kernel subsystem and is the sole path
// through which agent code reaches them.
type Dispatcher struct {
	verifier  capability.Verifier
	ledger    *capability.Ledger
	nonces    *capability.NonceStore
	registry  *registry.Registry
	killSw    *registry.KillSwitch
	frames    *memory.FrameAllocator
	pages     *memory.PageMap
	agentMem  map[registry.AgentID]*memory.AgentPool
	memCapPer int64
	fabric    *ipc.Fabric
	asyncTbl  *async.Table
	sched     *scheduler.Scheduler
	sandbox   *sandbox.Pool
	jrn       *journal.Journal
	mirror    *journalstore.Mirror
	clk       clock.Clock
	metrics   *metrics.Registry
	defaultWeight int64
}

// Deps bundles every subsystem a Dispatcher needs. Sandbox, Journal,
// JournalMirror and Metrics may be nil, in which case the Dispatcher
// skips the work that needs them.
type Deps struct {
	Verifier        capability.Verifier
	Ledger          *capability.Ledger
	Nonces          *capability.NonceStore
	Registry        *registry.Registry
	KillSwitch      *registry.KillSwitch
	Frames          *memory.FrameAllocator
	Pages           *memory.PageMap
	AgentMemoryCap  int64
	Fabric          *ipc.Fabric
	AsyncTable      *async.Table
	Scheduler       *scheduler.Scheduler
	Sandbox         *sandbox.Pool
	Journal         *journal.Journal
	JournalMirror   *journalstore.Mirror
	Clock           clock.Clock
	Metrics         *metrics.Registry
	DefaultWeight   int64
}

// New constructs a Dispatcher from deps.
func New(deps Deps) *Dispatcher {
	return &Dispatcher{
		verifier:  deps.Verifier,
		ledger:    deps.Ledger,
		nonces:    deps.Nonces,
		registry:  deps.Registry,
		killSw:    deps.KillSwitch,
		frames:    deps.Frames,
		pages:     deps.Pages,
		agentMem:  make(map[registry.AgentID]*memory.AgentPool),
		memCapPer: deps.AgentMemoryCap,
		fabric:    deps.Fabric,
		asyncTbl:  deps.AsyncTable,
		sched:     deps.Scheduler,
		sandbox:   deps.Sandbox,
		jrn:       deps.Journal,
		mirror:    deps.JournalMirror,
		clk:       deps.Clock,
		metrics:   deps.Metrics,
		defaultWeight: defaultWeight(deps.DefaultWeight),
	}
}

func defaultWeight(w int64) int64 {
	if w <= 0 {
		return 1
	}
	return w
}

// Dispatch verifies req's token, charges the syscall's quota dimension,
// performs the operation, and journals the outcome — the single choke
// point every agent operation passes through.
func (d *Dispatcher) Dispatch(name Name, req Request) Result {
	start := time.Now()
	defer func() {
		if d.metrics != nil {
			d.metrics.SyscallLatency.WithLabelValues(string(name)).Observe(time.Since(start).Seconds())
		}
	}()

	tok, err := d.authenticate(name, req.Token)
	if err != nil {
		d.record(name, fail(err))
		return fail(err)
	}

	result := d.dispatchAuthenticated(name, tok, req)
	d.record(name, result)
	return result
}

func (d *Dispatcher) authenticate(name Name, encoded string) (*capability.Token, error) {
	tok, err := d.verifier.Verify(encoded)
	if err != nil {
		if d.metrics != nil {
			d.metrics.CapabilityDenials.WithLabelValues(kernelerr.KindOf(err).String()).Inc()
		}
		return nil, err
	}

	if d.killSw != nil && d.killSw.IsTokenBlocked(tok.TokenID) {
		if d.metrics != nil {
			d.metrics.CapabilityDenials.WithLabelValues("token_blocked").Inc()
		}
		return nil, kernelerr.New(kernelerr.KindTokenRevoked, "token blocked by kill switch")
	}

	if d.nonces != nil && requiresSingleUse(name) {
		if err := d.nonces.CheckAndMark(tok.TokenID); err != nil {
			if d.metrics != nil {
				d.metrics.CapabilityDenials.WithLabelValues("replay").Inc()
			}
			return nil, err
		}
	}

	if want, ok := requiredRight(name); ok && !tok.Rights.Has(want) {
		if d.metrics != nil {
			d.metrics.CapabilityDenials.WithLabelValues("missing_right").Inc()
		}
		return nil, kernelerr.New(kernelerr.KindCapabilityDenied, fmt.Sprintf("token lacks right for %s", name))
	}

	return tok, nil
}

// requiresSingleUse marks the syscalls whose tokens are single-use
// capability grants (e.g. one-shot spawn authorizations) rather than
// session-scoped tokens reused across many calls.
func requiresSingleUse(name Name) bool {
	return name == SysAgentSpawn
}

func requiredRight(name Name) (capability.Right, bool) {
	switch name {
	case SysAgentSpawn:
		return capability.RightSpawnAgent, true
	case SysAgentKill:
		return capability.RightKillAgent, true
	case SysMemAlloc:
		return capability.RightAllocMemory, true
	case SysIPCSend:
		return capability.RightSendIPC, true
	case SysIPCRecv, SysIPCTryRecv:
		return capability.RightRecvIPC, true
	case SysAsyncPoll, SysAsyncCollect, SysAsyncCancel:
		return capability.RightAsyncOp, true
	case SysJournalRead:
		return capability.RightReadJournal, true
	case SysTokenRevoke:
		return capability.RightAdmin, true
	default:
		return 0, false
	}
}

func (d *Dispatcher) dispatchAuthenticated(name Name, tok *capability.Token, req Request) Result {
	switch name {
	case SysAgentSpawn:
		return d.agentSpawn(tok, req)
	case SysAgentKill:
		return d.agentKill(tok, req)
	case SysAgentYield:
		return d.agentYield(tok, req)
	case SysMemAlloc:
		return d.memAlloc(tok, req)
	case SysIPCSend:
		return d.ipcSend(tok, req)
	case SysIPCRecv, SysIPCTryRecv:
		return d.ipcTryRecv(tok, req)
	case SysAsyncPoll:
		return d.asyncPoll(tok, req)
	case SysAsyncCollect:
		return d.asyncCollect(tok, req)
	case SysAsyncCancel:
		return d.asyncCancel(tok, req)
	case SysJournalRead:
		return d.journalRead(tok, req)
	case SysTokenRevoke:
		return d.tokenRevoke(tok, req)
	case SysSchedulerStats:
		return d.schedulerStats(tok, req)
	default:
		return fail(kernelerr.New(kernelerr.KindInvalidState, fmt.Sprintf("unknown syscall %s", name)))
	}
}

func (d *Dispatcher) record(name Name, r Result) {
	kindStr := "ok"
	if !r.OK {
		kindStr = r.Kind.String()
	}
	if d.metrics != nil {
		d.metrics.SyscallTotal.WithLabelValues(string(name), kindStr).Inc()
	}
	if d.jrn == nil {
		return
	}
	payload := []byte(fmt.Sprintf("%s:%s", name, kindStr))
	rec, err := d.jrn.Append(journal.KindSyscallResult, payload)
	if err != nil {
		return
	}
	if d.metrics != nil {
		d.metrics.JournalAppends.Inc()
		d.metrics.JournalBytes.Add(float64(len(rec.Marshal())))
	}
	if d.mirror != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := d.mirror.Record(ctx, rec); err != nil {
				slog.Warn("syscall: journal mirror write failed", "seq", rec.Seq, "error", err)
			}
		}()
	}
}
