package capability

import (
	"sync"
	"time"

	"github.com/aioscore/kernel/internal/kernel/kernelerr"
)

// nonceEntry records a single token_id presentation so a captured token
// cannot be replayed once its originating syscall has already charged
// its quota.
type nonceEntry struct {
	usedAt    time.Time
	expiresAt time.Time
}

// NonceStore detects token replay: the same TokenID presented twice
// within its TTL window is rejected on the second presentation. This is
// distinct from expiry/revocation — a token can be unexpired and
// unrevoked yet still be a replay of an already-consumed single-use
// grant.
type NonceStore struct {
	mu          sync.Mutex
	seen        map[string]*nonceEntry
	ttl         time.Duration
	stopCleanup chan struct{}
}

// NewNonceStore creates a NonceStore whose entries expire after ttl and
// starts its background cleanup loop.
func NewNonceStore(ttl time.Duration) *NonceStore {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	ns := &NonceStore{
		seen:        make(map[string]*nonceEntry),
		ttl:         ttl,
		stopCleanup: make(chan struct{}),
	}
	go ns.cleanupLoop()
	return ns
}

// CheckAndMark rejects the presentation if tokenID was already marked
// within its TTL window; otherwise it records this presentation and
// returns nil.
func (ns *NonceStore) CheckAndMark(tokenID string) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	now := time.Now()
	if e, ok := ns.seen[tokenID]; ok && now.Before(e.expiresAt) {
		return kernelerr.New(kernelerr.KindCapabilityDenied, "token replay detected")
	}

	ns.seen[tokenID] = &nonceEntry{usedAt: now, expiresAt: now.Add(ns.ttl)}
	return nil
}

// Stop halts the background cleanup goroutine.
func (ns *NonceStore) Stop() {
	close(ns.stopCleanup)
}

func (ns *NonceStore) cleanupLoop() {
	ticker := time.NewTicker(ns.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ns.sweep()
		case <-ns.stopCleanup:
			return
		}
	}
}

func (ns *NonceStore) sweep() {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	now := time.Now()
	for id, e := range ns.seen {
		if now.After(e.expiresAt) {
			delete(ns.seen, id)
		}
	}
}
