package ipc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aioscore/kernel/internal/kernel/kernelerr"
)

// pairKey identifies a (sender, receiver) mailbox.
type pairKey struct {
	from, to uint64
}

// Fabric routes envelopes between agents, maintaining one Mailbox per
// ordered (sender, receiver) pair so FIFO ordering is scoped to that
// pair rather than globally serialized.
type Fabric struct {
	mu        sync.RWMutex
	mailboxes map[pairKey]*Mailbox
	capacity  int
	nextMsgID atomic.Uint64

	// waiting tracks receivers blocked on Recv, so the scheduler can
	// raise their effective priority to that of the highest-priority
	// sender pending for them (priority inheritance on IPC rendezvous).
	waitMu  sync.Mutex
	waiting map[uint64]uint64 // receiver agent id -> inherited priority
}

// NewFabric constructs a Fabric whose mailboxes are each bounded at
// capacity envelopes.
func NewFabric(capacity int) *Fabric {
	return &Fabric{
		mailboxes: make(map[pairKey]*Mailbox),
		capacity:  capacity,
		waiting:   make(map[uint64]uint64),
	}
}

func (f *Fabric) mailbox(from, to uint64) *Mailbox {
	key := pairKey{from, to}

	f.mu.RLock()
	mb, ok := f.mailboxes[key]
	f.mu.RUnlock()
	if ok {
		return mb
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	mb, ok = f.mailboxes[key]
	if ok {
		return mb
	}
	mb = NewMailbox(f.capacity)
	f.mailboxes[key] = mb
	return mb
}

// Send frames data+metadata as an Envelope and enqueues it on the
// (from, to) mailbox, failing with KindPayloadTooLarge or
// KindMailboxFull as appropriate.
func (f *Fabric) Send(from, to uint64, data, metadata []byte) (uint64, error) {
	msgID := f.nextMsgID.Add(1)
	env := &Envelope{From: from, To: to, MessageID: msgID, Data: data, Metadata: metadata}

	if env.Size() > MaxEnvelopeBytes {
		return 0, kernelerr.New(kernelerr.KindPayloadTooLarge, fmt.Sprintf("envelope size %d exceeds max %d", env.Size(), MaxEnvelopeBytes))
	}

	mb := f.mailbox(from, to)
	if err := mb.Send(env); err != nil {
		return 0, err
	}
	return msgID, nil
}

// TryRecv pops the oldest envelope addressed from `from` to `to`
// without blocking.
func (f *Fabric) TryRecv(from, to uint64) (*Envelope, error) {
	mb := f.mailbox(from, to)
	return mb.TryRecv()
}

// Pending reports the queue depth for the (from, to) pair.
func (f *Fabric) Pending(from, to uint64) int {
	mb := f.mailbox(from, to)
	return mb.Len()
}

// MarkWaiting records that `receiver` is blocked awaiting a message
// whose sender currently holds schedPriority, so the scheduler can
// boost the receiver's own priority to match (priority inheritance).
func (f *Fabric) MarkWaiting(receiver, schedPriority uint64) {
	f.waitMu.Lock()
	defer f.waitMu.Unlock()
	if cur, ok := f.waiting[receiver]; !ok || schedPriority > cur {
		f.waiting[receiver] = schedPriority
	}
}

// InheritedPriority returns the priority a blocked receiver should run
// at, and clears the record once consumed.
func (f *Fabric) InheritedPriority(receiver uint64) (uint64, bool) {
	f.waitMu.Lock()
	defer f.waitMu.Unlock()
	p, ok := f.waiting[receiver]
	if ok {
		delete(f.waiting, receiver)
	}
	return p, ok
}
