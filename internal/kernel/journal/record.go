// Package journal implements the kernel's append-only, hash-chained
// event log: every syscall outcome, scheduling decision, and
// capability revocation is appended as a Record whose hash commits to
// the record before it, so the log as a whole is tamper-evident.
package journal

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Kind is the closed set of event kinds recorded in the journal.
type Kind uint8

const (
	KindSyscallResult Kind = iota
	KindAgentTransition
	KindTokenRevoked
	KindSchedulerEpoch
	KindCheckpoint
	KindDeadlineMiss
)

// Record is one append-only journal entry. Its wire form is:
// u32 len | u64 seq | 32B prev_hash | u8 kind | payload | 32B hash,
// where hash = SHA256(len || seq || prev_hash || kind || payload) and
// prev_hash is the hash of the immediately preceding record (or all
// zero for the first record of the journal; the chain carries on
// unbroken across segment files).
type Record struct {
	Seq      uint64
	PrevHash [32]byte
	Kind     Kind
	Payload  []byte
	Hash     [32]byte
}

const fixedOverhead = 4 + 8 + 32 + 1 + 32 // len + seq + prev_hash + kind + hash

// Marshal serializes r to its wire form.
func (r *Record) Marshal() []byte {
	total := fixedOverhead + len(r.Payload)
	buf := make([]byte, total)

	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	binary.BigEndian.PutUint64(buf[4:12], r.Seq)
	copy(buf[12:44], r.PrevHash[:])
	buf[44] = byte(r.Kind)
	copy(buf[45:45+len(r.Payload)], r.Payload)
	copy(buf[total-32:total], r.Hash[:])

	return buf
}

// ComputeHash derives the record's commitment hash over every field
// except the hash itself.
func (r *Record) ComputeHash() [32]byte {
	h := sha256.New()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(fixedOverhead+len(r.Payload)))
	h.Write(lenBuf[:])

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], r.Seq)
	h.Write(seqBuf[:])

	h.Write(r.PrevHash[:])
	h.Write([]byte{byte(r.Kind)})
	h.Write(r.Payload)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// UnmarshalRecord parses a Record from its wire form, returning the
// number of bytes consumed.
func UnmarshalRecord(data []byte) (*Record, int, error) {
	if len(data) < fixedOverhead {
		return nil, 0, fmt.Errorf("journal: record too short: %d bytes", len(data))
	}

	total := int(binary.BigEndian.Uint32(data[0:4]))
	if total < fixedOverhead || len(data) < total {
		return nil, 0, fmt.Errorf("journal: truncated record: declared %d, have %d", total, len(data))
	}

	r := &Record{}
	r.Seq = binary.BigEndian.Uint64(data[4:12])
	copy(r.PrevHash[:], data[12:44])
	r.Kind = Kind(data[44])
	r.Payload = append([]byte(nil), data[45:total-32]...)
	copy(r.Hash[:], data[total-32:total])

	return r, total, nil
}

// Verify recomputes the record's hash and compares it against the
// stored Hash field.
func (r *Record) Verify() bool {
	return r.ComputeHash() == r.Hash
}
