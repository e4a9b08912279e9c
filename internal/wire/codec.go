package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Encode wraps a typed body in an Envelope and marshals it to bytes.
// Grounded on cafeds/proto.py's flat {"type": ..., ...} records, but
// keeps the body nested so Decode doesn't need per-type field lists.
func Encode(t Type, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Body: raw})
}

// Decode unmarshals an Envelope without interpreting its body.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// Unmarshal decodes an Envelope's body into dst.
func (e Envelope) Unmarshal(dst any) error {
	return json.Unmarshal(e.Body, dst)
}

// --- stream transport length framing (§4.2) ---
//
// Every record is a 4-byte big-endian length prefix followed by that
// many bytes of Envelope JSON. Record size is unbounded in principle;
// maxRecordSize bounds it in practice against a misbehaving peer.

const maxRecordSize = 16 * 1024 * 1024

// WriteFramed writes one length-prefixed record to w.
func WriteFramed(w io.Writer, data []byte) error {
	if len(data) > maxRecordSize {
		return fmt.Errorf("record of %d bytes exceeds max %d", len(data), maxRecordSize)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadFramed reads one length-prefixed record from r.
func ReadFramed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxRecordSize {
		return nil, fmt.Errorf("record of %d bytes exceeds max %d", n, maxRecordSize)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
