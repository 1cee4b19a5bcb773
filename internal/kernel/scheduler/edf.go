// Package scheduler implements the kernel's hybrid scheduling class: an
// Earliest-Deadline-First queue for real-time agents layered over a
// Weighted-Fair-Share queue for normal agents, combined into per-CPU
// runqueues with deterministic tie-breaks and priority inheritance.
package scheduler

import (
	"container/heap"

	"github.com/aioscore/kernel/internal/kernel/registry"
)

// edfItem is one real-time agent's place in the deadline-ordered heap.
type edfItem struct {
	agent    registry.AgentID
	deadline int64 // absolute deadline, epoch nanoseconds
	index    int
}

// edfHeap orders by deadline ascending, breaking ties on the lower
// AgentID so two agents with an identical deadline are always picked in
// the same order across runs.
type edfHeap []*edfItem

func (h edfHeap) Len() int { return len(h) }
func (h edfHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].agent < h[j].agent
}
func (h edfHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *edfHeap) Push(x any) {
	item := x.(*edfItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *edfHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// EDFQueue is the real-time agent class: always dispatched ahead of any
// WFS-class agent on the same CPU, in strict earliest-deadline order.
type EDFQueue struct {
	h       edfHeap
	byAgent map[registry.AgentID]*edfItem
}

// NewEDFQueue constructs an empty EDF queue.
func NewEDFQueue() *EDFQueue {
	return &EDFQueue{byAgent: make(map[registry.AgentID]*edfItem)}
}

// Admit inserts agent with the given absolute deadline, or updates its
// deadline if already present.
func (q *EDFQueue) Admit(agent registry.AgentID, deadline int64) {
	if item, ok := q.byAgent[agent]; ok {
		item.deadline = deadline
		heap.Fix(&q.h, item.index)
		return
	}
	item := &edfItem{agent: agent, deadline: deadline}
	heap.Push(&q.h, item)
	q.byAgent[agent] = item
}

// Peek returns the earliest-deadline agent without removing it.
func (q *EDFQueue) Peek() (registry.AgentID, bool) {
	if len(q.h) == 0 {
		return 0, false
	}
	return q.h[0].agent, true
}

// PeekDeadline returns the earliest-deadline agent and its deadline
// without removing it, so a caller can compare it against the current
// time before deciding whether to dispatch it as real-time.
func (q *EDFQueue) PeekDeadline() (registry.AgentID, int64, bool) {
	if len(q.h) == 0 {
		return 0, 0, false
	}
	return q.h[0].agent, q.h[0].deadline, true
}

// Pop removes and returns the earliest-deadline agent.
func (q *EDFQueue) Pop() (registry.AgentID, bool) {
	if len(q.h) == 0 {
		return 0, false
	}
	item := heap.Pop(&q.h).(*edfItem)
	delete(q.byAgent, item.agent)
	return item.agent, true
}

// Remove drops agent from the queue if present, e.g. on kill.
func (q *EDFQueue) Remove(agent registry.AgentID) {
	item, ok := q.byAgent[agent]
	if !ok {
		return
	}
	heap.Remove(&q.h, item.index)
	delete(q.byAgent, agent)
}

// Len reports the number of admitted real-time agents.
func (q *EDFQueue) Len() int { return len(q.h) }
