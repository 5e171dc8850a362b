package model

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
)

// Encoding selects the wire representation used for broker payloads: a
// compact binary frame when available, otherwise a self-describing text
// encoding. Per spec §1 this is the only schema-registry concern in scope.
type Encoding int

const (
	// EncodingJSON is the self-describing text encoding and the default:
	// every payload decodes without knowing which Encoding produced it.
	EncodingJSON Encoding = iota
	// EncodingBinary is a compact gob frame behind a one-byte tag, used
	// when a producer passes it to Encode for lower per-message overhead.
	EncodingBinary
)

// Encode marshals v using the requested encoding. JSON is always a
// self-describing fallback; binary is gob wrapped with a one-byte tag so
// Decode can tell the two apart without out-of-band metadata.
func Encode(enc Encoding, v any) ([]byte, error) {
	switch enc {
	case EncodingBinary:
		var buf bytes.Buffer
		buf.WriteByte(byte(EncodingBinary))
		if err := gob.NewEncoder(&buf).Encode(v); err != nil {
			return nil, fmt.Errorf("gob encode: %w", err)
		}
		return buf.Bytes(), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("json encode: %w", err)
		}
		return b, nil
	}
}

// Decode inspects the payload's leading tag byte (written only by the
// binary encoder) and falls back to JSON otherwise, so consumers never
// need to know which encoder a producer used.
func Decode(payload []byte, v any) error {
	if len(payload) > 0 && payload[0] == byte(EncodingBinary) {
		dec := gob.NewDecoder(bytes.NewReader(payload[1:]))
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("gob decode: %w", err)
		}
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("json decode: %w", err)
	}
	return nil
}
