package utils

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Serialization helpers for cache payloads.
//
// JSON is the textual format (portable, human-readable); MessagePack is the
// compact binary format (smaller, faster for large payloads). Repositories
// pick the L2 format per entity; binary falls back to JSON when an entity
// has no binary codec.

// MarshalJSON encodes a value as JSON with error context.
func MarshalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// UnmarshalJSON decodes JSON into the provided pointer.
func UnmarshalJSON(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("cannot unmarshal empty data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return nil
}

// MarshalBinary encodes a value as MessagePack.
func MarshalBinary(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal msgpack: %w", err)
	}
	return data, nil
}

// UnmarshalBinary decodes MessagePack into the provided pointer.
func UnmarshalBinary(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("cannot unmarshal empty data")
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack: %w", err)
	}
	return nil
}

// BinaryToJSON transcodes a MessagePack payload to JSON without an
// entity-typed intermediate. Used by the raw serving paths when L2 stores
// binary but the caller wants JSON.
func BinaryToJSON(data []byte) ([]byte, error) {
	r := bytes.NewReader(data)
	var v any
	if err := msgpack.NewDecoder(r).Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode msgpack: %w", err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("failed to decode msgpack: %d trailing bytes", r.Len())
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to transcode to JSON: %w", err)
	}
	return out, nil
}

// EstimateEncodedSize estimates the encoded size of a value in bytes.
// Approximate; used for memory accounting when an entity has no explicit
// memory estimator.
func EstimateEncodedSize(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}
