// Package clock provides the kernel's notion of time: a monotonic Clock
// abstraction and the fixed-length Epoch the scheduler rotates on.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock abstracts monotonic time so the scheduler and journal can be
// driven by a fake clock under test without wall-clock sleeps.
type Clock interface {
	Now() time.Time
	NowNanos() int64
}

// System is the production Clock backed by time.Now.
type System struct{}

func (System) Now() time.Time   { return time.Now() }
func (System) NowNanos() int64  { return time.Now().UnixNano() }

// Fake is a controllable Clock for deterministic tests.
type Fake struct {
	nanos atomic.Int64
}

// NewFake returns a Fake seeded at the given nanosecond timestamp.
func NewFake(startNanos int64) *Fake {
	f := &Fake{}
	f.nanos.Store(startNanos)
	return f
}

func (f *Fake) Now() time.Time  { return time.Unix(0, f.nanos.Load()) }
func (f *Fake) NowNanos() int64 { return f.nanos.Load() }

// Advance moves the fake clock forward by d and returns the new timestamp.
func (f *Fake) Advance(d time.Duration) int64 {
	return f.nanos.Add(int64(d))
}

// Epoch is a monotonically increasing scheduling generation. The
// scheduler keys its per-epoch CPU placement seed by it; journal
// records and capability quota ledger entries do not carry it.
type Epoch uint64

// EpochClock ticks Epoch forward at a fixed nanosecond length, derived
// from a Clock rather than its own timer so epoch boundaries stay
// reproducible under the Fake clock in tests.
type EpochClock struct {
	clock      Clock
	lengthNs   int64
	originNs   int64
	current    atomic.Uint64
}

// NewEpochClock creates an EpochClock anchored at clk's current time.
func NewEpochClock(clk Clock, length time.Duration) *EpochClock {
	if length <= 0 {
		length = time.Millisecond
	}
	return &EpochClock{
		clock:    clk,
		lengthNs: int64(length),
		originNs: clk.NowNanos(),
	}
}

// Current returns the epoch that contains the clock's present instant.
func (ec *EpochClock) Current() Epoch {
	elapsed := ec.clock.NowNanos() - ec.originNs
	if elapsed < 0 {
		elapsed = 0
	}
	return Epoch(elapsed / ec.lengthNs)
}

// Advance recomputes and stores the current epoch, returning true if the
// epoch boundary was crossed since the last call.
func (ec *EpochClock) Advance() (Epoch, bool) {
	next := ec.Current()
	prev := Epoch(ec.current.Swap(uint64(next)))
	return next, next != prev
}

// Length reports the epoch duration.
func (ec *EpochClock) Length() time.Duration { return time.Duration(ec.lengthNs) }
