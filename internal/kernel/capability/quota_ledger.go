package capability

import (
	"sync"
	"time"

	"github.com/aioscore/kernel/internal/kernel/kernelerr"
)

// Usage is the running consumption recorded against a token across its
// lifetime. Tokens themselves are immutable once issued — the Ledger is
// where mutable state lives, keyed by TokenID, so two syscalls racing
// on the same token never corrupt the token's own Quota field.
type Usage struct {
	TokenID      string
	MemoryBytes  int64
	IPCMessages  int64
	AsyncOps     int64
	CPUNanos     int64
	LastChargeAt time.Time
}

// Ledger is the derived quota-consumption store. One Ledger is shared
// by all CPUs in the scheduler; its mutex protects the conversion from
// "would this charge exceed the token's budget" to "charge it" so the
// check-then-act is atomic per token.
type Ledger struct {
	mu     sync.Mutex
	usage  map[string]*Usage
}

// NewLedger constructs an empty quota ledger.
func NewLedger() *Ledger {
	return &Ledger{usage: make(map[string]*Usage)}
}

// Charge attempts to debit amount units of dimension against tok's
// quota. It returns kernelerr.KindQuotaExceeded if the charge would
// push cumulative usage past the token's budget for that dimension; a
// zero budget in the token means the dimension is unbounded.
func (l *Ledger) Charge(tok *Token, dim Dimension, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.usage[tok.TokenID]
	if !ok {
		u = &Usage{TokenID: tok.TokenID}
		l.usage[tok.TokenID] = u
	}

	var current, budget *int64
	switch dim {
	case DimMemory:
		current, budget = &u.MemoryBytes, &tok.Quota.MaxMemoryBytes
	case DimIPCMessages:
		current, budget = &u.IPCMessages, &tok.Quota.MaxIPCMessages
	case DimAsyncOps:
		current, budget = &u.AsyncOps, &tok.Quota.MaxAsyncOps
	case DimCPUNanos:
		current, budget = &u.CPUNanos, &tok.Quota.MaxCPUNanos
	default:
		return kernelerr.New(kernelerr.KindInternal, "unknown quota dimension")
	}

	if *budget > 0 && *current+amount > *budget {
		return kernelerr.New(kernelerr.KindQuotaExceeded, "token quota exhausted for dimension")
	}

	*current += amount
	u.LastChargeAt = time.Now()
	return nil
}

// Snapshot returns a copy of the current usage for tokenID, or nil if
// the token has never been charged.
func (l *Ledger) Snapshot(tokenID string) *Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.usage[tokenID]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

// Release drops all tracked usage for tokenID, called when a token is
// revoked or its owning agent is reaped.
func (l *Ledger) Release(tokenID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.usage, tokenID)
}

// Dimension is a closed enum of the quota axes a syscall can charge
// against.
type Dimension int

const (
	DimMemory Dimension = iota
	DimIPCMessages
	DimAsyncOps
	DimCPUNanos
)
