// Package state checks the journal on restart: scanning segment files
// in order, verifying the hash chain holds, and handing each record to
// an optional Handler. The package itself rebuilds no registry,
// scheduler, or capability ledger state; what a Handler does with each
// record is up to the caller.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/aioscore/kernel/internal/kernel/journal"
)

// Snapshot is the hash-committed integrity marker Replay returns once it
// has walked every segment: the last segment read, how many records it
// verified, and the sequence number and hash of the last one.
type Snapshot struct {
	SegmentPath string
	RecordCount int
	LastSeq     uint64
	LastHash    [32]byte
}

// Replayer scans journal segment files and feeds each record to a
// Handler, verifying the hash chain as it goes.
type Replayer struct {
	dir     string
	handler Handler
}

// Handler receives every record in sequence during replay. Handlers
// are expected to mutate a registry.Registry, scheduler.Scheduler, or
// capability.Ledger in response — this package stays agnostic to what
// is being rebuilt.
type Handler func(r *journal.Record) error

// NewReplayer constructs a Replayer over the segment files in dir.
func NewReplayer(dir string, handler Handler) *Replayer {
	return &Replayer{dir: dir, handler: handler}
}

// Replay reads every segment file in dir in filename order, verifying
// each record's hash chains correctly from the previous one, and
// invokes the handler for each. It returns a Snapshot describing the
// final state reached, or an error the instant a broken link or
// handler failure is found — a corrupted journal must never be
// silently replayed past the point of corruption.
func (rp *Replayer) Replay() (*Snapshot, error) {
	segments, err := rp.listSegments()
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{}
	var expectedPrev [32]byte
	haveExpected := false

	for _, path := range segments {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("state: read segment %s: %w", path, err)
		}

		offset := 0
		for offset < len(data) {
			rec, n, err := journal.UnmarshalRecord(data[offset:])
			if err != nil {
				return nil, fmt.Errorf("state: parse record in %s at offset %d: %w", path, offset, err)
			}

			if !rec.Verify() {
				return nil, fmt.Errorf("state: record %d in %s fails self-hash check", rec.Seq, path)
			}
			if haveExpected && rec.PrevHash != expectedPrev {
				return nil, fmt.Errorf("state: hash chain broken at record %d in %s", rec.Seq, path)
			}

			if rp.handler != nil {
				if err := rp.handler(rec); err != nil {
					return nil, fmt.Errorf("state: handler failed on record %d: %w", rec.Seq, err)
				}
			}

			expectedPrev = rec.Hash
			haveExpected = true
			snap.RecordCount++
			snap.LastSeq = rec.Seq
			snap.LastHash = rec.Hash
			snap.SegmentPath = path

			offset += n
		}
	}

	return snap, nil
}

func (rp *Replayer) listSegments() ([]string, error) {
	entries, err := os.ReadDir(rp.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: list journal dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(rp.dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}
