// Package kerneltap bridges host-level eBPF-observed events (syscalls,
// network events traced outside the agent kernel) into the IPC fabric
// as ordinary envelopes from a reserved kernel sender address, so
// agents can react to host activity through the same mailbox API they
// use for agent-to-agent messages.
package kerneltap

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/aioscore/kernel/internal/kernel/ipc"
)

// KernelSenderID is the reserved agent address kerneltap envelopes are
// always sent From; no ordinary agent is ever assigned this id.
const KernelSenderID uint64 = 0

// rawEvent mirrors the eBPF program's C struct:
// u32 pid, u32 uid, u32 target_hash, u32 len, u8 payload[256].
const rawEventMinLen = 16

// Reader consumes a pinned eBPF ring buffer and forwards decoded events
// into an ipc.Fabric as envelopes addressed to the agent whose id equals
// the event's target_hash value; the field is not hashed or looked up.
type Reader struct {
	ring   *ringbuf.Reader
	fabric *ipc.Fabric
}

// NewReader removes the RLIMIT_MEMLOCK cap needed to map a BPF ring
// buffer and constructs a Reader bound to fabric. The actual
// ringbuf.Reader is attached separately via Attach once the eBPF
// program's map is loaded; until then Start runs in mock mode and logs
// rather than blocking on a nil map.
func NewReader(fabric *ipc.Fabric) (*Reader, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("kerneltap: remove memlock: %w", err)
	}
	return &Reader{fabric: fabric}, nil
}

// Attach binds a loaded ring buffer map to the Reader.
func (r *Reader) Attach(ring *ringbuf.Reader) {
	r.ring = ring
}

// Start launches the consumer goroutine. With no ring buffer attached
// it logs and returns immediately rather than spinning.
func (r *Reader) Start() {
	if r.ring == nil {
		slog.Warn("kerneltap: no ring buffer attached, tap is idle")
		return
	}

	go func() {
		for {
			record, err := r.ring.Read()
			if err != nil {
				if err == ringbuf.ErrClosed {
					return
				}
				slog.Warn("kerneltap: ring buffer read error", "error", err)
				continue
			}
			r.handle(record.RawSample)
		}
	}()
}

func (r *Reader) handle(raw []byte) {
	if len(raw) < rawEventMinLen {
		return
	}

	targetHash := binary.LittleEndian.Uint32(raw[8:12])
	dataLen := binary.LittleEndian.Uint32(raw[12:16])

	payload := raw[16:]
	if uint32(len(payload)) > dataLen {
		payload = payload[:dataLen]
	}

	to := uint64(targetHash)
	if _, err := r.fabric.Send(KernelSenderID, to, payload, nil); err != nil {
		slog.Warn("kerneltap: failed to forward event into fabric", "target", to, "error", err)
	}
}
