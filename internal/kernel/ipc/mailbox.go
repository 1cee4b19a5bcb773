package ipc

import (
	"sync"

	"github.com/aioscore/kernel/internal/kernel/kernelerr"
)

// Mailbox is a strict-FIFO, bounded-capacity queue of envelopes
// addressed to a single (sender, receiver) pair. Non-blocking by
// default: Send fails immediately with KindMailboxFull rather than
// blocking the caller's CPU slice.
type Mailbox struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*Envelope
	capacity int
	closed   bool
}

// NewMailbox constructs an empty Mailbox bounded at capacity envelopes.
func NewMailbox(capacity int) *Mailbox {
	mb := &Mailbox{capacity: capacity}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

// Send appends env to the queue, failing with KindMailboxFull if the
// mailbox is at capacity.
func (mb *Mailbox) Send(env *Envelope) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed {
		return kernelerr.New(kernelerr.KindInvalidState, "mailbox closed")
	}
	if len(mb.queue) >= mb.capacity {
		return kernelerr.New(kernelerr.KindMailboxFull, "mailbox at capacity")
	}

	mb.queue = append(mb.queue, env)
	mb.cond.Signal()
	return nil
}

// TryRecv pops the oldest envelope without blocking, returning
// KindMailboxEmpty if none is queued.
func (mb *Mailbox) TryRecv() (*Envelope, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if len(mb.queue) == 0 {
		return nil, kernelerr.New(kernelerr.KindMailboxEmpty, "mailbox empty")
	}
	env := mb.queue[0]
	mb.queue = mb.queue[1:]
	return env, nil
}

// Recv blocks until an envelope is available or the mailbox is closed.
func (mb *Mailbox) Recv() (*Envelope, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	for len(mb.queue) == 0 && !mb.closed {
		mb.cond.Wait()
	}
	if len(mb.queue) == 0 {
		return nil, kernelerr.New(kernelerr.KindInvalidState, "mailbox closed")
	}
	env := mb.queue[0]
	mb.queue = mb.queue[1:]
	return env, nil
}

// Len reports the current queue depth.
func (mb *Mailbox) Len() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.queue)
}

// Close marks the mailbox closed and wakes any blocked receivers.
func (mb *Mailbox) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.closed = true
	mb.cond.Broadcast()
}
