// Package registry holds the Agent Registry: the state machine every
// scheduled agent moves through, and the kill-switch style mechanism
// that force-reaps an agent ahead of its natural lifecycle.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/aioscore/kernel/internal/kernel/kernelerr"
)

// AgentID uniquely identifies an agent for the lifetime of the kernel
// process. IDs are never reused once allocated.
type AgentID uint64

// State is the closed set of lifecycle states an Agent can occupy.
// Transitions are validated against the table in CanTransition; any
// transition not listed there is rejected.
type State int

const (
	StateLoaded State = iota
	StateRunnable
	StateRunning
	StateBlocked
	StateStopped
	StateDead
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateRunnable:
		return "runnable"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateStopped:
		return "stopped"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// validTransitions encodes the state machine's edges. Loaded→Runnable
// (admitted by the scheduler), Runnable→Running (dispatched to a CPU),
// Running→{Blocked,Runnable,Stopped,Dead} (preempted, yielded, exited,
// or killed), Blocked→Runnable (unblocked by IPC rendezvous or async
// completion), Stopped/Dead are terminal.
var validTransitions = map[State]map[State]bool{
	StateLoaded:   {StateRunnable: true, StateDead: true},
	StateRunnable: {StateRunning: true, StateDead: true, StateStopped: true},
	StateRunning:  {StateBlocked: true, StateRunnable: true, StateStopped: true, StateDead: true},
	StateBlocked:  {StateRunnable: true, StateDead: true},
	StateStopped:  {},
	StateDead:     {},
}

// CanTransition reports whether moving from `from` to `to` is legal.
func CanTransition(from, to State) bool {
	edges, ok := validTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Agent is the kernel's bookkeeping record for a scheduled unit of
// agent code. The scheduler, memory pool, and IPC fabric each key their
// own per-agent state off Agent.ID rather than embedding it here, so
// this struct stays a pure lifecycle/ownership record.
type Agent struct {
	ID          AgentID
	TokenID     string // the capability token this agent was admitted under
	State       State
	CPU         int // -1 when not Running
	CreatedAt   time.Time
	LastRunAt   time.Time
	ExitCode    int
	KillReason  string
}

// Registry owns the authoritative Agent table and enforces the state
// machine on every transition.
type Registry struct {
	mu     sync.RWMutex
	agents map[AgentID]*Agent
	nextID AgentID
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{agents: make(map[AgentID]*Agent)}
}

// Load admits a new agent in StateLoaded, bound to tokenID, and returns
// its freshly allocated ID.
func (r *Registry) Load(tokenID string) AgentID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.agents[id] = &Agent{
		ID:        id,
		TokenID:   tokenID,
		State:     StateLoaded,
		CPU:       -1,
		CreatedAt: time.Now(),
	}
	return id
}

// Get returns the agent record for id, or nil if unknown.
func (r *Registry) Get(id AgentID) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

// Transition moves agent id from its current state to `to`, rejecting
// the move with kernelerr.KindInvalidState if the edge is not in the
// state machine.
func (r *Registry) Transition(id AgentID, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return kernelerr.New(kernelerr.KindNotFound, fmt.Sprintf("agent %d not found", id))
	}
	if !CanTransition(a.State, to) {
		return kernelerr.New(kernelerr.KindInvalidState, fmt.Sprintf("agent %d: illegal transition %s->%s", id, a.State, to))
	}
	a.State = to
	if to == StateRunning {
		a.LastRunAt = time.Now()
	}
	if to != StateRunning {
		a.CPU = -1
	}
	return nil
}

// Dispatch moves agent id into StateRunning on the given CPU.
func (r *Registry) Dispatch(id AgentID, cpu int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return kernelerr.New(kernelerr.KindNotFound, fmt.Sprintf("agent %d not found", id))
	}
	if !CanTransition(a.State, StateRunning) {
		return kernelerr.New(kernelerr.KindInvalidState, fmt.Sprintf("agent %d: illegal transition %s->running", id, a.State))
	}
	a.State = StateRunning
	a.CPU = cpu
	a.LastRunAt = time.Now()
	return nil
}

// List returns a snapshot of every agent currently tracked.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		cp := *a
		out = append(out, &cp)
	}
	return out
}

// Reap force-transitions id to StateDead regardless of its current
// state (other than an already-terminal one), recording a kill reason.
// This is the Registry's half of the kill-switch contract; once Reap
// succeeds the dispatcher removes the agent from the scheduler, cancels
// its async handles and releases its memory pool. Neither side revokes
// the agent's capability token or drains its IPC mailboxes.
func (r *Registry) Reap(id AgentID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return kernelerr.New(kernelerr.KindNotFound, fmt.Sprintf("agent %d not found", id))
	}
	if a.State == StateStopped || a.State == StateDead {
		return kernelerr.New(kernelerr.KindInvalidState, fmt.Sprintf("agent %d already terminal (%s)", id, a.State))
	}
	a.State = StateDead
	a.KillReason = reason
	a.CPU = -1
	return nil
}
