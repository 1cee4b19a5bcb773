// Package ipc implements the bounded binary IPC fabric: the fixed wire
// envelope every inter-agent message is framed in, and the per-pair
// mailboxes that route envelopes between agents.
package ipc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MaxEnvelopeBytes bounds a single envelope's total wire size
// (header + data + metadata) at 64 KiB.
const MaxEnvelopeBytes = 64 * 1024

// headerSize is the fixed-size portion of the wire envelope:
// from(8) + to(8) + message_id(8) + data_len(2) + metadata_len(2) + reserved(4).
const headerSize = 8 + 8 + 8 + 2 + 2 + 4

// Envelope is the bounded binary unit of IPC. It carries no semantic
// interpretation of its Data — the fabric only ever moves bytes between
// a (From, To) pair in strict FIFO order.
type Envelope struct {
	From         uint64
	To           uint64
	MessageID    uint64
	Data         []byte
	Metadata     []byte
}

// Marshal serializes the envelope to its wire form: a fixed header
// followed by Data then Metadata, all big-endian. It fails if the total
// size would exceed MaxEnvelopeBytes.
func (e *Envelope) Marshal() ([]byte, error) {
	if len(e.Data) > 0xFFFF || len(e.Metadata) > 0xFFFF {
		return nil, fmt.Errorf("ipc: data or metadata exceeds uint16 length field")
	}
	total := headerSize + len(e.Data) + len(e.Metadata)
	if total > MaxEnvelopeBytes {
		return nil, fmt.Errorf("ipc: envelope size %d exceeds max %d", total, MaxEnvelopeBytes)
	}

	buf := new(bytes.Buffer)
	buf.Grow(total)

	if err := binary.Write(buf, binary.BigEndian, e.From); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, e.To); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, e.MessageID); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(e.Data))); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(e.Metadata))); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, uint32(0)); err != nil { // reserved
		return nil, err
	}
	buf.Write(e.Data)
	buf.Write(e.Metadata)

	return buf.Bytes(), nil
}

// Unmarshal decodes an envelope from its wire form.
func (e *Envelope) Unmarshal(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("ipc: envelope too short: %d bytes (need at least %d)", len(data), headerSize)
	}

	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.BigEndian, &e.From); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &e.To); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &e.MessageID); err != nil {
		return err
	}
	var dataLen, metaLen uint16
	if err := binary.Read(r, binary.BigEndian, &dataLen); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &metaLen); err != nil {
		return err
	}
	var reserved uint32
	if err := binary.Read(r, binary.BigEndian, &reserved); err != nil {
		return err
	}

	want := int(dataLen) + int(metaLen)
	rest := data[headerSize:]
	if len(rest) < want {
		return fmt.Errorf("ipc: truncated envelope: have %d bytes, want %d", len(rest), want)
	}

	e.Data = append([]byte(nil), rest[:dataLen]...)
	e.Metadata = append([]byte(nil), rest[dataLen:dataLen+metaLen]...)
	return nil
}

// Size reports the envelope's total wire size in bytes.
func (e *Envelope) Size() int {
	return headerSize + len(e.Data) + len(e.Metadata)
}
