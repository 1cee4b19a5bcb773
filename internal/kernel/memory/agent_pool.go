package memory

import (
	"fmt"
	"sync"

	"github.com/aioscore/kernel/internal/kernel/kernelerr"
	"github.com/aioscore/kernel/internal/kernel/registry"
)

// AgentPool is a per-agent bump allocator backed by frames drawn from a
// shared FrameAllocator. Allocation is allowed up to and including the
// cap: a request that brings cumulative usage to exactly capBytes
// succeeds; one byte more is rejected.
type AgentPool struct {
	mu       sync.Mutex
	agent    registry.AgentID
	capBytes int64
	used     int64
	frames   *FrameAllocator
	pages    *PageMap
	nextVPN  int64
}

// NewAgentPool constructs a pool for agent, capped at capBytes, drawing
// physical frames from frames and recording mappings in pages.
func NewAgentPool(agent registry.AgentID, capBytes int64, frames *FrameAllocator, pages *PageMap) *AgentPool {
	return &AgentPool{agent: agent, capBytes: capBytes, frames: frames, pages: pages}
}

// Alloc requests size bytes, rounded up to whole frames, for this
// agent. It fails with KindQuotaExceeded if used+size would exceed
// capBytes, or KindOutOfMemory if the global frame pool cannot satisfy
// the request (partial allocations are rolled back).
func (ap *AgentPool) Alloc(size int64) (int64, error) {
	if size <= 0 {
		return 0, kernelerr.New(kernelerr.KindInvalidState, "allocation size must be positive")
	}

	ap.mu.Lock()
	defer ap.mu.Unlock()

	if ap.used+size > ap.capBytes {
		return 0, kernelerr.New(kernelerr.KindQuotaExceeded, fmt.Sprintf("agent %d memory cap %d bytes exceeded", ap.agent, ap.capBytes))
	}

	frameSize := ap.frames.FrameSize()
	nFrames := (size + frameSize - 1) / frameSize

	startVPN := ap.nextVPN
	allocated := make([]FrameID, 0, nFrames)
	for i := int64(0); i < nFrames; i++ {
		f, err := ap.frames.Alloc()
		if err != nil {
			for _, af := range allocated {
				ap.frames.Free(af)
			}
			return 0, err
		}
		allocated = append(allocated, f)
	}

	for i, f := range allocated {
		ap.pages.Map(ap.agent, startVPN+int64(i), f)
	}
	ap.nextVPN += nFrames
	ap.used += nFrames * frameSize

	return startVPN * frameSize, nil
}

// Used reports the agent's current cumulative allocation in bytes.
func (ap *AgentPool) Used() int64 {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return ap.used
}

// Cap reports the agent's strict memory ceiling in bytes.
func (ap *AgentPool) Cap() int64 { return ap.capBytes }

// Release returns every frame owned by this agent to the shared
// FrameAllocator and resets the pool, called when the agent is reaped.
func (ap *AgentPool) Release() {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	frames := ap.pages.ReleaseAgent(ap.agent)
	for _, f := range frames {
		ap.frames.Free(f)
	}
	ap.used = 0
	ap.nextVPN = 0
}
