package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Journal is the append-only writer side of the event log: it
// maintains the hash chain across Append calls and rotates to a new
// segment file once the current one exceeds segmentMaxBytes.
type Journal struct {
	mu          sync.Mutex
	dir         string
	segmentMax  int64
	nextSeq     uint64
	lastHash    [32]byte
	curFile     *os.File
	curBytes    int64
	curSegment  int
}

// Open creates or resumes a Journal rooted at dir. A fresh Journal
// always starts a new segment file, numbered after the segments already
// in dir. It starts at sequence 0 with an all-zero prev hash; a caller
// that has replayed the existing segments (see the state package) calls
// Resume with the last record's sequence number and hash so the chain
// carries on from there.
func Open(dir string, segmentMaxBytes int64) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}
	j := &Journal{dir: dir, segmentMax: segmentMaxBytes}
	existing, err := filepath.Glob(filepath.Join(dir, "segment-*.journal"))
	if err != nil {
		return nil, fmt.Errorf("journal: list segments: %w", err)
	}
	if len(existing) > 0 {
		_, _ = fmt.Sscanf(filepath.Base(existing[len(existing)-1]), "segment-%08d.journal", &j.curSegment)
	}
	if err := j.rotate(); err != nil {
		return nil, err
	}
	return j, nil
}

// Resume sets the journal's chain state after a replay has determined
// the sequence number and hash of the last durable record.
func (j *Journal) Resume(lastSeq uint64, lastHash [32]byte) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.nextSeq = lastSeq + 1
	j.lastHash = lastHash
}

// Append writes a new record of the given kind and payload, chaining it
// to the previous record's hash, and rotates the segment file if it has
// grown past segmentMax.
func (j *Journal) Append(kind Kind, payload []byte) (*Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	r := &Record{
		Seq:      j.nextSeq,
		PrevHash: j.lastHash,
		Kind:     kind,
		Payload:  payload,
	}
	r.Hash = r.ComputeHash()

	wire := r.Marshal()
	n, err := j.curFile.Write(wire)
	if err != nil {
		return nil, fmt.Errorf("journal: write record: %w", err)
	}
	if err := j.curFile.Sync(); err != nil {
		return nil, fmt.Errorf("journal: sync segment: %w", err)
	}

	j.nextSeq++
	j.lastHash = r.Hash
	j.curBytes += int64(n)

	if j.curBytes >= j.segmentMax {
		if err := j.rotate(); err != nil {
			return r, err
		}
	}

	return r, nil
}

func (j *Journal) rotate() error {
	if j.curFile != nil {
		if err := j.curFile.Close(); err != nil {
			return fmt.Errorf("journal: close segment: %w", err)
		}
	}

	j.curSegment++
	path := filepath.Join(j.dir, fmt.Sprintf("segment-%08d.journal", j.curSegment))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open segment: %w", err)
	}

	j.curFile = f
	j.curBytes = 0
	return nil
}

// LastHash returns the hash of the most recently appended record.
func (j *Journal) LastHash() [32]byte {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastHash
}

// NextSeq returns the sequence number the next Append will use.
func (j *Journal) NextSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextSeq
}

// Close closes the current segment file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.curFile == nil {
		return nil
	}
	return j.curFile.Close()
}
