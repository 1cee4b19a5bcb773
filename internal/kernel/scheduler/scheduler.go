package scheduler

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/aioscore/kernel/internal/kernel/clock"
	"github.com/aioscore/kernel/internal/kernel/ipc"
	"github.com/aioscore/kernel/internal/kernel/journal"
	"github.com/aioscore/kernel/internal/kernel/kernelerr"
	"github.com/aioscore/kernel/internal/kernel/registry"
)

// Class selects which queue an agent is scheduled under.
type Class int

const (
	ClassNormal Class = iota
	ClassRealTime
)

// cpuStats holds per-CPU counters updated from the hot dispatch path.
// Fields are plain atomics rather than mutex-guarded so a metrics
// reader never contends with the scheduler's own pick/charge loop.
type cpuStats struct {
	dispatches atomic.Int64
	lastAgent  atomic.Uint64
}

// runqueue is one CPU's combined EDF+WFS queue pair.
type runqueue struct {
	edf *EDFQueue
	wfs *WFSQueue
	stats cpuStats
}

// Scheduler owns one runqueue per CPU and the epoch clock driving
// rescale/reproducible-randomness. Admission and dispatch are
// per-runqueue locked; there is no global scheduler lock, so CPUs never
// contend with each other picking their own next agent.
type Scheduler struct {
	mu         sync.RWMutex
	cpus       []*runqueue
	cpuLocks   []sync.Mutex
	epochClock *clock.EpochClock
	seed       *EpochSeed
	fabric     *ipc.Fabric
	quantum    int64

	classOf  map[registry.AgentID]Class
	cpuOf    map[registry.AgentID]int
	classMu  sync.Mutex

	jrn *journal.Journal
}

// SetJournal attaches the event journal Pick uses to record a
// DeadlineMiss when a real-time agent's deadline passes before it is
// dispatched. Journaling is best-effort: a nil journal (e.g. in unit
// tests) simply skips the append.
func (s *Scheduler) SetJournal(jrn *journal.Journal) {
	s.jrn = jrn
}

// New constructs a Scheduler with nCPUs runqueues.
func New(nCPUs int, epochClock *clock.EpochClock, seed *EpochSeed, fabric *ipc.Fabric, quantumNs int64) *Scheduler {
	if nCPUs < 1 {
		nCPUs = 1
	}
	s := &Scheduler{
		cpus:       make([]*runqueue, nCPUs),
		cpuLocks:   make([]sync.Mutex, nCPUs),
		epochClock: epochClock,
		seed:       seed,
		fabric:     fabric,
		quantum:    quantumNs,
		classOf:    make(map[registry.AgentID]Class),
		cpuOf:      make(map[registry.AgentID]int),
	}
	for i := range s.cpus {
		s.cpus[i] = &runqueue{edf: NewEDFQueue(), wfs: NewWFSQueue()}
	}
	return s
}

// pickCPU deterministically assigns a newly-admitted agent to a CPU
// using the current epoch's HKDF-derived stream, so a given agent lands
// on the same CPU on every replay of the same event sequence.
func (s *Scheduler) pickCPU(agent registry.AgentID) int {
	n := len(s.cpus)
	if n == 1 {
		return 0
	}
	epoch := s.epochClock.Current()
	r := s.seed.Uint64(epoch, "cpu-pick")
	return int((r ^ uint64(agent)) % uint64(n))
}

// AdmitRealTime admits agent into the EDF class on a deterministically
// chosen CPU with the given absolute deadline (epoch nanoseconds).
func (s *Scheduler) AdmitRealTime(agent registry.AgentID, deadlineNs int64) int {
	cpu := s.pickCPU(agent)
	s.cpuLocks[cpu].Lock()
	s.cpus[cpu].edf.Admit(agent, deadlineNs)
	s.cpuLocks[cpu].Unlock()

	s.classMu.Lock()
	s.classOf[agent] = ClassRealTime
	s.cpuOf[agent] = cpu
	s.classMu.Unlock()
	return cpu
}

// AdmitNormal admits agent into the WFS class on a deterministically
// chosen CPU with the given scheduling weight.
func (s *Scheduler) AdmitNormal(agent registry.AgentID, weight int64) int {
	cpu := s.pickCPU(agent)
	s.cpuLocks[cpu].Lock()
	s.cpus[cpu].wfs.Admit(agent, weight)
	s.cpuLocks[cpu].Unlock()

	s.classMu.Lock()
	s.classOf[agent] = ClassNormal
	s.cpuOf[agent] = cpu
	s.classMu.Unlock()
	return cpu
}

// Pick selects the next agent to run on cpu: the EDF class always wins
// over WFS when non-empty (real-time agents preempt normal agents by
// construction). Pick does not consult the IPC fabric; a blocked
// receiver's inherited priority takes effect only through a separate
// InheritPriority call.
//
// now is the current time in epoch nanoseconds. Before dispatching the
// EDF class's earliest-deadline agent, Pick checks whether that
// deadline has already passed: if so the agent missed its real-time
// deadline, is demoted to the Normal class for the epoch (re-admitted
// into WFS rather than run as real-time), and a DeadlineMiss record is
// journaled. This repeats until the EDF heap's minimum deadline is
// still in the future or the heap is empty, then Pick proceeds as
// before.
func (s *Scheduler) Pick(cpu int, now int64) (registry.AgentID, Class, error) {
	if cpu < 0 || cpu >= len(s.cpus) {
		return 0, 0, kernelerr.New(kernelerr.KindInvalidState, "cpu index out of range")
	}

	s.cpuLocks[cpu].Lock()
	defer s.cpuLocks[cpu].Unlock()
	rq := s.cpus[cpu]

	for {
		agent, deadline, ok := rq.edf.PeekDeadline()
		if !ok || deadline > now {
			break
		}
		rq.edf.Remove(agent)
		rq.wfs.Admit(agent, 1)
		s.classMu.Lock()
		s.classOf[agent] = ClassNormal
		s.classMu.Unlock()
		s.journalDeadlineMiss(agent, deadline, now)
	}

	if agent, ok := rq.edf.Pop(); ok {
		rq.stats.dispatches.Add(1)
		rq.stats.lastAgent.Store(uint64(agent))
		return agent, ClassRealTime, nil
	}
	if agent, ok := rq.wfs.Pop(); ok {
		rq.stats.dispatches.Add(1)
		rq.stats.lastAgent.Store(uint64(agent))
		return agent, ClassNormal, nil
	}
	return 0, 0, kernelerr.New(kernelerr.KindNotFound, "runqueue empty")
}

// journalDeadlineMiss records agent's missed deadline, best-effort: a
// nil journal (unit tests, or a kernel started without one configured)
// silently skips the append rather than blocking Pick.
func (s *Scheduler) journalDeadlineMiss(agent registry.AgentID, deadline, now int64) {
	if s.jrn == nil {
		return
	}
	payload := make([]byte, 24)
	binary.BigEndian.PutUint64(payload[0:8], uint64(agent))
	binary.BigEndian.PutUint64(payload[8:16], uint64(deadline))
	binary.BigEndian.PutUint64(payload[16:24], uint64(now))
	_, _ = s.jrn.Append(journal.KindDeadlineMiss, payload)
}

// Requeue returns agent to its class's queue after it has run for
// ranNanos in a quantum, charging vruntime for WFS agents. EDF agents
// are left untouched; callers supply a new deadline explicitly via
// AdmitRealTime for real-time agents that need one.
// Charge finds the agent's own admitted weight and accrued vruntime —
// Pick's Pop leaves that bookkeeping in place — so the agent's fair
// share survives across any number of yield/requeue cycles.
func (s *Scheduler) Requeue(agent registry.AgentID, class Class, cpu int, ranNanos int64) {
	s.cpuLocks[cpu].Lock()
	defer s.cpuLocks[cpu].Unlock()

	if class == ClassNormal {
		s.cpus[cpu].wfs.Charge(agent, ranNanos)
	}
}

// Remove drops agent from whichever queue it occupies, used on block or
// kill.
func (s *Scheduler) Remove(agent registry.AgentID) {
	s.classMu.Lock()
	cpu, ok := s.cpuOf[agent]
	class := s.classOf[agent]
	delete(s.cpuOf, agent)
	delete(s.classOf, agent)
	s.classMu.Unlock()
	if !ok {
		return
	}

	s.cpuLocks[cpu].Lock()
	defer s.cpuLocks[cpu].Unlock()
	if class == ClassRealTime {
		s.cpus[cpu].edf.Remove(agent)
	} else {
		s.cpus[cpu].wfs.Remove(agent)
	}
}

// RescaleEpoch compresses vruntime on every CPU's WFS queue at an
// epoch boundary. The scheduler has no epoch timer of its own; the
// caller decides when to invoke it.
func (s *Scheduler) RescaleEpoch() {
	for i := range s.cpus {
		s.cpuLocks[i].Lock()
		s.cpus[i].wfs.Rescale()
		s.cpuLocks[i].Unlock()
	}
}

// Quantum reports the fixed time slice agents are dispatched for.
func (s *Scheduler) Quantum() int64 { return s.quantum }

// CPUStats is a point-in-time snapshot of one CPU's counters, safe to
// read concurrently with the scheduler's own hot path.
type CPUStats struct {
	CPU        int
	Dispatches int64
	LastAgent  registry.AgentID
	EDFDepth   int
	WFSDepth   int
}

// Stats returns a snapshot of every CPU's counters.
func (s *Scheduler) Stats() []CPUStats {
	out := make([]CPUStats, len(s.cpus))
	for i, rq := range s.cpus {
		s.cpuLocks[i].Lock()
		out[i] = CPUStats{
			CPU:        i,
			Dispatches: rq.stats.dispatches.Load(),
			LastAgent:  registry.AgentID(rq.stats.lastAgent.Load()),
			EDFDepth:   rq.edf.Len(),
			WFSDepth:   rq.wfs.Len(),
		}
		s.cpuLocks[i].Unlock()
	}
	return out
}

// InheritPriority applies IPC priority inheritance: if a blocked
// receiver has an inherited scheduling priority recorded by the fabric,
// re-admit it to the EDF class at that priority so it is dispatched
// ahead of lower-priority WFS work once unblocked.
func (s *Scheduler) InheritPriority(agent registry.AgentID) {
	if s.fabric == nil {
		return
	}
	priority, ok := s.fabric.InheritedPriority(uint64(agent))
	if !ok {
		return
	}
	s.AdmitRealTime(agent, int64(priority))
}
