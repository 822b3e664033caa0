package listcache

import (
	"encoding/base64"
	"fmt"
)

// Filters is one optional value per filterable column, aligned with the
// descriptor's filter fields. nil = column not filtered.
type Filters []*string

// F is a convenience constructor for a set filter value.
func F(v string) *string { return &v }

// Query is a paginated list query. Cursor and Offset are mutually
// exclusive; a non-empty cursor wins.
type Query struct {
	Filters Filters
	Sort    *SortSpec // nil = descriptor default
	Limit   uint16
	Offset  uint32
	Cursor  []byte
}

// SortOrDefault resolves the effective sort spec.
func (q *Query) SortOrDefault(def SortSpec) SortSpec {
	if q.Sort != nil {
		return *q.Sort
	}
	return def
}

// CursorMode reports whether the query paginates by cursor.
func (q *Query) CursorMode() bool { return len(q.Cursor) > 0 }

// FirstPage reports whether the query addresses the first page.
func (q *Query) FirstPage() bool { return len(q.Cursor) == 0 && q.Offset == 0 }

// GroupKey derives the filter-identifying prefix: name + ":" + hash of the
// set filters (deterministic, order-independent).
func GroupKey(name string, filters Filters) string {
	return fmt.Sprintf("%s:%016x", name, GroupHash(filters))
}

// CacheKey derives the full page key: group key + sort + pagination.
func CacheKey(groupKey string, sort SortSpec, q *Query) string {
	dir := byte('a')
	if sort.Desc {
		dir = 'd'
	}
	var page string
	if q.CursorMode() {
		page = "c" + base64.RawURLEncoding.EncodeToString(q.Cursor)
	} else {
		page = fmt.Sprintf("o%d", q.Offset)
	}
	return fmt.Sprintf("%s:%d:%c:%s:%d", groupKey, sort.Field, dir, page, q.Limit)
}
