package scheduler

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/aioscore/kernel/internal/kernel/clock"
)

// EpochSeed derives a deterministic pseudo-random stream for epoch e
// from a fixed master secret via HKDF-SHA256. Any scheduling decision
// that needs randomness (e.g. breaking a load-balancing tie across
// CPUs) draws from this stream instead of a global RNG, so the same
// sequence of admit/charge/rescale calls produces the same schedule on
// every run — a requirement for replaying the event journal
// deterministically.
type EpochSeed struct {
	master []byte
}

// NewEpochSeed constructs a seed source from a 32-byte master secret.
func NewEpochSeed(master []byte) *EpochSeed {
	return &EpochSeed{master: master}
}

// Uint64 derives a single deterministic uint64 for epoch e, labeled by
// purpose so two different decisions within the same epoch (e.g. CPU
// pick vs. tie-break) never draw from the same bytes.
func (s *EpochSeed) Uint64(e clock.Epoch, purpose string) uint64 {
	var epochBytes [8]byte
	binary.BigEndian.PutUint64(epochBytes[:], uint64(e))

	r := hkdf.New(sha256.New, s.master, epochBytes[:], []byte(purpose))
	var out [8]byte
	if _, err := io.ReadFull(r, out[:]); err != nil {
		// hkdf.New only fails to read this little from a broken hash
		// implementation; sha256 never does, so this path is
		// unreachable in practice.
		return 0
	}
	return binary.BigEndian.Uint64(out[:])
}
