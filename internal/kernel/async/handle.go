// Package async implements the async handle table: every long-running
// syscall (agent spawn, a PQC crypto operation, a service relay) hands
// the caller a Handle immediately and completes it later from a
// background worker.
package async

import (
	"sync"
	"time"

	"github.com/aioscore/kernel/internal/kernel/kernelerr"
)

// HandleID identifies one outstanding async operation.
type HandleID uint64

// OpKind is the closed set of operation kinds backed by an async
// handle.
type OpKind int

const (
	OpSpawnAgent OpKind = iota
	OpPQCOperation
	OpServiceRelay
)

func (k OpKind) String() string {
	switch k {
	case OpSpawnAgent:
		return "spawn_agent"
	case OpPQCOperation:
		return "pqc_operation"
	case OpServiceRelay:
		return "service_relay"
	default:
		return "unknown"
	}
}

// Status is the lifecycle state of a Handle.
type Status int

const (
	StatusPending Status = iota
	StatusReady
	StatusCancelled
	StatusFailed
)

// Handle is a tagged variant over the result of one async operation.
// Result is only meaningful once Status == StatusReady; Err is only
// meaningful once Status == StatusFailed.
type Handle struct {
	ID        HandleID
	Kind      OpKind
	Owner     uint64 // requesting agent id
	TokenID   string // capability token the handle is bound to
	Status    Status
	Result    any
	Err       error
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Table owns the set of outstanding handles, GCs them on TTL, and
// honors cancellation (e.g. from a kill-switch reap of the owning
// agent).
type Table struct {
	mu      sync.Mutex
	handles map[HandleID]*Handle
	nextID  HandleID
	ttl     time.Duration
	stopCh  chan struct{}
}

// NewTable constructs a Table whose entries expire ttl after creation
// if never collected, and starts its background sweep loop at the
// given interval.
func NewTable(ttl, sweepInterval time.Duration) *Table {
	t := &Table{
		handles: make(map[HandleID]*Handle),
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}
	go t.sweepLoop(sweepInterval)
	return t
}

// New allocates a fresh Handle in StatusPending for the given kind and
// owner, bound to the capability token that created it — only that
// token (or one sharing the same TokenID) may later poll, collect, or
// cancel it.
func (t *Table) New(kind OpKind, owner uint64, tokenID string) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	now := time.Now()
	h := &Handle{
		ID:        t.nextID,
		Kind:      kind,
		Owner:     owner,
		TokenID:   tokenID,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(t.ttl),
	}
	t.handles[h.ID] = h
	return h
}

// Complete transitions a handle to StatusReady with result, or to
// StatusFailed with err if err is non-nil.
func (t *Table) Complete(id HandleID, result any, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.handles[id]
	if !ok {
		return kernelerr.New(kernelerr.KindNotFound, "async handle not found")
	}
	if h.Status != StatusPending {
		return kernelerr.New(kernelerr.KindInvalidState, "async handle already resolved")
	}

	if err != nil {
		h.Status = StatusFailed
		h.Err = err
	} else {
		h.Status = StatusReady
		h.Result = result
	}
	return nil
}

// Poll returns a snapshot of the handle's current state.
func (t *Table) Poll(id HandleID) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.handles[id]
	if !ok {
		return nil, kernelerr.New(kernelerr.KindNotFound, "async handle not found")
	}
	cp := *h
	return &cp, nil
}

// Collect removes a resolved handle from the table, returning its final
// snapshot. A caller must Collect a StatusReady/StatusFailed handle
// exactly once; polling again after Collect returns KindNotFound.
func (t *Table) Collect(id HandleID) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.handles[id]
	if !ok {
		return nil, kernelerr.New(kernelerr.KindNotFound, "async handle not found")
	}
	if h.Status == StatusPending {
		return nil, kernelerr.New(kernelerr.KindHandleNotReady, "async handle not yet resolved")
	}
	delete(t.handles, id)
	cp := *h
	return &cp, nil
}

// Cancel marks a pending handle StatusCancelled, used when the owning
// agent is killed before its async op completes.
func (t *Table) Cancel(id HandleID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.handles[id]
	if !ok {
		return kernelerr.New(kernelerr.KindNotFound, "async handle not found")
	}
	if h.Status != StatusPending {
		return kernelerr.New(kernelerr.KindInvalidState, "async handle already resolved")
	}
	h.Status = StatusCancelled
	return nil
}

// CancelOwner cancels every pending handle owned by owner.
func (t *Table) CancelOwner(owner uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, h := range t.handles {
		if h.Owner == owner && h.Status == StatusPending {
			h.Status = StatusCancelled
			n++
		}
	}
	return n
}

// Stop halts the background sweep loop.
func (t *Table) Stop() { close(t.stopCh) }

func (t *Table) sweepLoop(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-t.stopCh:
			return
		}
	}
}

func (t *Table) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for id, h := range t.handles {
		if h.Status != StatusPending && now.After(h.ExpiresAt) {
			delete(t.handles, id)
		}
	}
}
