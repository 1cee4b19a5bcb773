// Package memory implements the per-agent memory pool, the global
// lock-free frame allocator it draws pages from, and the logical
// (non-MMU) page-mapping table that tracks which frames belong to
// which agent.
package memory

import (
	"sync"
	"sync/atomic"

	"github.com/aioscore/kernel/internal/kernel/kernelerr"
	"github.com/aioscore/kernel/internal/kernel/registry"
)

// FrameID indexes a fixed-size frame in the global frame pool.
type FrameID int64

// FrameAllocator hands out fixed-size frames from a preallocated pool
// using a lock-free Treiber-stack-style free list: each frame's slot in
// freeList either holds the next free FrameID+1 (0 means "allocated" or
// "end of list") or is claimed via CompareAndSwap.
type FrameAllocator struct {
	frameSize int64
	total     int64
	free      atomic.Int64 // head of the free list, 1-indexed; 0 means empty
	next      []atomic.Int64
	inUse     atomic.Int64
}

// NewFrameAllocator builds a pool of `total` frames of frameSize bytes
// each, all initially free.
func NewFrameAllocator(frameSize, total int64) *FrameAllocator {
	fa := &FrameAllocator{
		frameSize: frameSize,
		total:     total,
		next:      make([]atomic.Int64, total+1),
	}
	for i := int64(1); i < total; i++ {
		fa.next[i].Store(i + 1)
	}
	if total > 0 {
		fa.free.Store(1)
	}
	return fa
}

// Alloc pops one frame off the free list, or returns
// kernelerr.KindOutOfMemory if the pool is exhausted.
func (fa *FrameAllocator) Alloc() (FrameID, error) {
	for {
		head := fa.free.Load()
		if head == 0 {
			return 0, kernelerr.New(kernelerr.KindOutOfMemory, "frame pool exhausted")
		}
		next := fa.next[head].Load()
		if fa.free.CompareAndSwap(head, next) {
			fa.inUse.Add(1)
			return FrameID(head - 1), nil
		}
	}
}

// Free returns a frame to the pool.
func (fa *FrameAllocator) Free(id FrameID) {
	slot := int64(id) + 1
	for {
		head := fa.free.Load()
		fa.next[slot].Store(head)
		if fa.free.CompareAndSwap(head, slot) {
			fa.inUse.Add(-1)
			return
		}
	}
}

// FrameSize reports the fixed size in bytes of every frame.
func (fa *FrameAllocator) FrameSize() int64 { return fa.frameSize }

// InUse reports how many frames are currently allocated.
func (fa *FrameAllocator) InUse() int64 { return fa.inUse.Load() }

// Total reports the pool's fixed capacity.
func (fa *FrameAllocator) Total() int64 { return fa.total }

// PageMap is the logical (non-MMU) mapping from an agent's virtual page
// number to the physical FrameID backing it. There is no hardware page
// table here — agents run in the same address space as the kernel —
// this map exists purely for accounting and for rejecting a
// use-after-free on a page an agent no longer owns.
type PageMap struct {
	mu     sync.RWMutex
	byAgent map[registry.AgentID]map[int64]FrameID
}

// NewPageMap constructs an empty PageMap.
func NewPageMap() *PageMap {
	return &PageMap{byAgent: make(map[registry.AgentID]map[int64]FrameID)}
}

// Map records that agent's virtual page vpn is backed by frame.
func (pm *PageMap) Map(agent registry.AgentID, vpn int64, frame FrameID) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pages, ok := pm.byAgent[agent]
	if !ok {
		pages = make(map[int64]FrameID)
		pm.byAgent[agent] = pages
	}
	pages[vpn] = frame
}

// Lookup resolves agent's virtual page vpn to its backing frame.
func (pm *PageMap) Lookup(agent registry.AgentID, vpn int64) (FrameID, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	pages, ok := pm.byAgent[agent]
	if !ok {
		return 0, false
	}
	f, ok := pages[vpn]
	return f, ok
}

// Unmap drops the mapping for agent's virtual page vpn.
func (pm *PageMap) Unmap(agent registry.AgentID, vpn int64) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pages, ok := pm.byAgent[agent]; ok {
		delete(pages, vpn)
	}
}

// ReleaseAgent drops every mapping owned by agent, returning the frames
// that were backing them so the caller can return them to the
// FrameAllocator.
func (pm *PageMap) ReleaseAgent(agent registry.AgentID) []FrameID {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pages, ok := pm.byAgent[agent]
	if !ok {
		return nil
	}
	frames := make([]FrameID, 0, len(pages))
	for _, f := range pages {
		frames = append(frames, f)
	}
	delete(pm.byAgent, agent)
	return frames
}
