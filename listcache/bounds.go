package listcache

import "encoding/binary"

// SortBounds are the sort values of a page's first and last items.
type SortBounds struct {
	First int64
	Last  int64
	Valid bool
}

// PageFlags describe how a page's bounds interval must be interpreted.
type PageFlags struct {
	Desc       bool // sort direction
	FirstPage  bool // no cursor and offset 0
	Incomplete bool // fewer items than the requested limit
	CursorMode bool // keyset pagination (false = offset)
}

// The 19-byte bounds header prefixed to L2 list pages so the server-side
// invalidation script can decide per page without deserializing the
// payload: magic[2], first[8], last[8], flags[1].
const (
	HeaderSize = 19

	headerMagic0 = 0x53
	headerMagic1 = 0x52

	flagDesc       = 1 << 0
	flagFirstPage  = 1 << 1
	flagIncomplete = 1 << 2
	flagCursorMode = 1 << 3
)

// EncodeHeader serializes bounds + flags into the wire header.
func EncodeHeader(b SortBounds, f PageFlags) [HeaderSize]byte {
	var h [HeaderSize]byte
	h[0] = headerMagic0
	h[1] = headerMagic1
	binary.LittleEndian.PutUint64(h[2:10], uint64(b.First))
	binary.LittleEndian.PutUint64(h[10:18], uint64(b.Last))
	var flags byte
	if f.Desc {
		flags |= flagDesc
	}
	if f.FirstPage {
		flags |= flagFirstPage
	}
	if f.Incomplete {
		flags |= flagIncomplete
	}
	if f.CursorMode {
		flags |= flagCursorMode
	}
	h[18] = flags
	return h
}

// DecodeHeader parses a wire header; ok is false when the magic is absent.
func DecodeHeader(data []byte) (SortBounds, PageFlags, bool) {
	if len(data) < HeaderSize || data[0] != headerMagic0 || data[1] != headerMagic1 {
		return SortBounds{}, PageFlags{}, false
	}
	b := SortBounds{
		First: int64(binary.LittleEndian.Uint64(data[2:10])),
		Last:  int64(binary.LittleEndian.Uint64(data[10:18])),
		Valid: true,
	}
	flags := data[18]
	f := PageFlags{
		Desc:       flags&flagDesc != 0,
		FirstPage:  flags&flagFirstPage != 0,
		Incomplete: flags&flagIncomplete != 0,
		CursorMode: flags&flagCursorMode != 0,
	}
	return b, f, true
}

// StripHeader removes a bounds header from a payload if present.
func StripHeader(data []byte) []byte {
	if len(data) >= HeaderSize && data[0] == headerMagic0 && data[1] == headerMagic1 {
		return data[HeaderSize:]
	}
	return data
}

// Affects decides whether a create/delete event with sort value v
// invalidates a page with the given bounds and flags. Pages with invalid
// bounds are always affected.
//
// Offset pagination cares only about the tail: an insertion anywhere at or
// before the page's last value shifts its window. Cursor pagination is
// anchored by the page's first value, so interior pages are affected only
// when v falls inside [first, last] under the page's direction.
func Affects(v int64, b SortBounds, f PageFlags) bool {
	if !b.Valid {
		return true
	}
	if !f.CursorMode {
		if f.Incomplete {
			return true
		}
		if f.Desc {
			return v >= b.Last
		}
		return v <= b.Last
	}
	if f.FirstPage && f.Incomplete {
		return true
	}
	if f.Desc {
		switch {
		case f.FirstPage:
			return v >= b.Last
		case f.Incomplete:
			return v <= b.First
		default:
			return v <= b.First && v >= b.Last
		}
	}
	switch {
	case f.FirstPage:
		return v <= b.Last
	case f.Incomplete:
		return v >= b.First
	default:
		return v >= b.First && v <= b.Last
	}
}

// AffectsUpdate decides whether an update moving a sort value from oldV to
// newV invalidates a page: range overlap for offset pagination, per-value
// containment OR for cursor pagination.
func AffectsUpdate(oldV, newV int64, b SortBounds, f PageFlags) bool {
	if !b.Valid {
		return true
	}
	if !f.CursorMode {
		rangeMin, rangeMax := oldV, newV
		if rangeMin > rangeMax {
			rangeMin, rangeMax = rangeMax, rangeMin
		}
		pageMin, pageMax := b.First, b.Last
		if f.Desc {
			pageMin, pageMax = b.Last, b.First
		}
		if f.Incomplete {
			return pageMin <= rangeMax
		}
		return pageMin <= rangeMax && rangeMin <= pageMax
	}
	return Affects(oldV, b, f) || Affects(newV, b, f)
}
