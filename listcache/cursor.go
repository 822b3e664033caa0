package listcache

import (
	"encoding/base64"
	"encoding/binary"
)

// Cursor payload: 16 bytes little-endian — the last item's sort value
// followed by its primary key. On the next query the pair feeds the keyset
// condition WHERE (sort_col, pk) > ($sort, $pk) (direction-dependent).

const cursorSize = 16

// EncodeCursor packs a (sort value, primary key) pair.
func EncodeCursor(sortValue, pk int64) []byte {
	buf := make([]byte, cursorSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(sortValue))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(pk))
	return buf
}

// DecodeCursor unpacks a cursor; ok is false for malformed input.
func DecodeCursor(data []byte) (sortValue, pk int64, ok bool) {
	if len(data) < cursorSize {
		return 0, 0, false
	}
	sortValue = int64(binary.LittleEndian.Uint64(data[0:8]))
	pk = int64(binary.LittleEndian.Uint64(data[8:16]))
	return sortValue, pk, true
}

// CursorToString renders a cursor opaque for transport.
func CursorToString(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// CursorFromString parses a transported cursor; nil on malformed input.
func CursorFromString(s string) []byte {
	if s == "" {
		return nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return data
}
