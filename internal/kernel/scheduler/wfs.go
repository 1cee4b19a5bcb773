package scheduler

import (
	"container/heap"

	"github.com/aioscore/kernel/internal/kernel/registry"
)

// wfsItem is one normal-class agent's place in the vruntime-ordered
// heap. vruntime accumulates at 1/weight the real rate, so a
// higher-weight agent's vruntime grows more slowly and is picked more
// often — the standard weighted-fair-share construction.
type wfsItem struct {
	agent    registry.AgentID
	vruntime int64
	weight   int64
	index    int
}

type wfsHeap []*wfsItem

func (h wfsHeap) Len() int { return len(h) }
func (h wfsHeap) Less(i, j int) bool {
	if h[i].vruntime != h[j].vruntime {
		return h[i].vruntime < h[j].vruntime
	}
	return h[i].agent < h[j].agent
}
func (h wfsHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *wfsHeap) Push(x any) {
	item := x.(*wfsItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *wfsHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// WFSQueue is the normal agent class, fair-shared by vruntime/weight.
type WFSQueue struct {
	h       wfsHeap
	byAgent map[registry.AgentID]*wfsItem
	minVR   int64 // least queued vruntime as of the last Charge; seeds newly-admitted agents
}

// NewWFSQueue constructs an empty WFS queue.
func NewWFSQueue() *WFSQueue {
	return &WFSQueue{byAgent: make(map[registry.AgentID]*wfsItem)}
}

// Admit inserts agent with the given weight (must be >= 1), seeding its
// vruntime at the queue's current minimum so it neither starves nor
// unfairly leapfrogs agents that have been waiting.
func (q *WFSQueue) Admit(agent registry.AgentID, weight int64) {
	if weight < 1 {
		weight = 1
	}
	if _, ok := q.byAgent[agent]; ok {
		return
	}
	item := &wfsItem{agent: agent, vruntime: q.minVR, weight: weight}
	heap.Push(&q.h, item)
	q.byAgent[agent] = item
}

// Pop removes and returns the least-vruntime agent. The agent's item
// stays in byAgent (index set to -1 to mark it out-of-heap) so a
// subsequent Charge can find its accrued vruntime and original weight
// once it finishes running its quantum.
func (q *WFSQueue) Pop() (registry.AgentID, bool) {
	if len(q.h) == 0 {
		return 0, false
	}
	item := heap.Pop(&q.h).(*wfsItem)
	item.index = -1
	return item.agent, true
}

// Charge advances agent's vruntime by ranNanos/weight after it has run
// for ranNanos, using the weight it was originally admitted with, and
// re-admits it into the heap — either by fixing its existing heap
// position, or, if it was popped out of the heap to run (the common
// case after a quantum), by pushing it back in.
func (q *WFSQueue) Charge(agent registry.AgentID, ranNanos int64) {
	item, ok := q.byAgent[agent]
	if !ok {
		return
	}
	item.vruntime += ranNanos / item.weight
	if item.index == -1 {
		heap.Push(&q.h, item)
	} else {
		heap.Fix(&q.h, item.index)
	}
	if q.h[0].vruntime > q.minVR {
		q.minVR = q.h[0].vruntime
	}
}

// Remove drops agent from the queue, e.g. on kill or block. Safe to
// call whether the agent is currently queued or was popped out to run
// and hasn't been charged back in yet.
func (q *WFSQueue) Remove(agent registry.AgentID) {
	item, ok := q.byAgent[agent]
	if !ok {
		return
	}
	if item.index >= 0 {
		heap.Remove(&q.h, item.index)
	}
	delete(q.byAgent, agent)
}

// Rescale compresses every agent's vruntime at an epoch boundary,
// subtracting the current floor so long-lived agents don't accumulate
// an ever-growing vruntime that would overflow or skew fairness
// against agents admitted later in the kernel's lifetime.
func (q *WFSQueue) Rescale() {
	floor := q.minVR
	if floor == 0 {
		return
	}
	for _, item := range q.h {
		item.vruntime -= floor
	}
	q.minVR = 0
}

// Len reports the number of admitted normal-class agents.
func (q *WFSQueue) Len() int { return len(q.h) }
