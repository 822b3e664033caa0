// Package listcache implements the pagination-aware cache of list query
// result pages: a declarative per-entity descriptor, deterministic group
// and cache keys, a chunked page store with sort-order bounds, and a
// modification log that invalidates pages precisely from entity writes.
package listcache

import (
	"fmt"
	"strings"

	"github.com/relais-dev/relais/pkg/utils"
)

// SortDirection of a list query.
type SortDirection uint8

const (
	Asc SortDirection = iota
	Desc
)

// SortSpec selects a sort column by descriptor index plus a direction.
type SortSpec struct {
	Field int
	Desc  bool
}

// FilterField declares one filterable column: its public name, database
// column, and a value extractor producing the entity's filter tag.
type FilterField[E any] struct {
	Name    string
	Column  string
	Extract func(*E) string
}

// SortField declares one sortable column with an int64 sort-value
// extractor (timestamps, counters, and ids all normalize to int64).
type SortField[E any] struct {
	Name    string
	Column  string
	Extract func(*E) int64
}

// Descriptor is the compile-time declaration of an entity's list behavior.
// From it the cache derives group/cache keys, the WHERE-clause builder, the
// filter-match predicate, the sort comparator and extractor, and the cursor
// codec.
type Descriptor[E any] struct {
	Filters []FilterField[E]
	Sorts   []SortField[E]

	// PKColumn/PKValue feed cursor encoding and the keyset tiebreaker.
	PKColumn string
	PKValue  func(*E) int64

	DefaultSort  SortSpec
	DefaultLimit uint16
	MaxLimit     uint16
	LimitSteps   []uint16
}

// NormalizeLimit clamps a requested limit to the permitted steps.
// 0 maps to the default; values above MaxLimit clamp down; when steps are
// declared, the smallest step >= requested wins.
func (d *Descriptor[E]) NormalizeLimit(requested uint16) uint16 {
	if requested == 0 {
		return d.DefaultLimit
	}
	if d.MaxLimit > 0 && requested > d.MaxLimit {
		requested = d.MaxLimit
	}
	if len(d.LimitSteps) == 0 {
		return requested
	}
	for _, step := range d.LimitSteps {
		if requested <= step {
			return step
		}
	}
	return d.LimitSteps[len(d.LimitSteps)-1]
}

// ParseSortField resolves a public sort-field name to its index.
func (d *Descriptor[E]) ParseSortField(name string) (int, bool) {
	for i, s := range d.Sorts {
		if s.Name == name {
			return i, true
		}
	}
	return 0, false
}

// SortColumn returns the database column for a sort-field index.
func (d *Descriptor[E]) SortColumn(field int) string {
	return d.Sorts[field].Column
}

// ExtractSortValue returns the entity's sort value for one sort field.
func (d *Descriptor[E]) ExtractSortValue(e *E, field int) int64 {
	return d.Sorts[field].Extract(e)
}

// ExtractSortValues returns the entity's sort values for every sort field,
// in descriptor order. These accompany modification-log events so pages
// sorted by any field can be validated.
func (d *Descriptor[E]) ExtractSortValues(e *E) []int64 {
	vals := make([]int64, len(d.Sorts))
	for i, s := range d.Sorts {
		vals[i] = s.Extract(e)
	}
	return vals
}

// ExtractTags returns the entity's filter tag for every filter field.
func (d *Descriptor[E]) ExtractTags(e *E) []string {
	tags := make([]string, len(d.Filters))
	for i, f := range d.Filters {
		tags[i] = f.Extract(e)
	}
	return tags
}

// MatchesFilters reports whether an entity satisfies a query's filter set
// (each set filter must equal the entity's tag; unset filters match all).
func (d *Descriptor[E]) MatchesFilters(e *E, filters Filters) bool {
	for i, fv := range filters {
		if fv == nil {
			continue
		}
		if i >= len(d.Filters) || d.Filters[i].Extract(e) != *fv {
			return false
		}
	}
	return true
}

// Compare orders two entities under a sort spec: negative when a precedes b.
func (d *Descriptor[E]) Compare(a, b *E, sort SortSpec) int {
	av := d.Sorts[sort.Field].Extract(a)
	bv := d.Sorts[sort.Field].Extract(b)
	var c int
	switch {
	case av < bv:
		c = -1
	case av > bv:
		c = 1
	}
	if sort.Desc {
		c = -c
	}
	return c
}

// TagsMatchFilters is the filter-match predicate over pre-extracted tags,
// used by modification-log validation where the entity is no longer
// available.
func TagsMatchFilters(tags []string, filters Filters) bool {
	for i, fv := range filters {
		if fv == nil {
			continue
		}
		if i >= len(tags) || tags[i] != *fv {
			return false
		}
	}
	return true
}

// WhereClause is the generated SQL fragment plus its bound parameters.
type WhereClause struct {
	SQL       string
	Params    []any
	NextParam int // next $n placeholder index
}

// BuildWhere emits the WHERE fragment for a filter set. Placeholders start
// at $1; callers append further predicates (cursor keyset) continuing from
// NextParam.
func (d *Descriptor[E]) BuildWhere(filters Filters) WhereClause {
	w := WhereClause{NextParam: 1}
	var sb strings.Builder
	for i, fv := range filters {
		if fv == nil || i >= len(d.Filters) {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString(" AND ")
		}
		fmt.Fprintf(&sb, "%q = $%d", d.Filters[i].Column, w.NextParam)
		w.Params = append(w.Params, *fv)
		w.NextParam++
	}
	w.SQL = sb.String()
	return w
}

// FilterBlob encodes set filters canonically as "i=v|j=v" in index order.
// This is the group's parseable identity carried in the L2 master hash so
// the server-side script can match groups against a written entity.
func FilterBlob(filters Filters) string {
	var sb strings.Builder
	for i, fv := range filters {
		if fv == nil {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('|')
		}
		fmt.Fprintf(&sb, "%d=%s", i, *fv)
	}
	return sb.String()
}

// EntityFilterBlob encodes every filter tag of an entity ("i=v" for all i),
// the superset the script matches group blobs against.
func (d *Descriptor[E]) EntityFilterBlob(e *E) string {
	var sb strings.Builder
	for i, f := range d.Filters {
		if sb.Len() > 0 {
			sb.WriteByte('|')
		}
		fmt.Fprintf(&sb, "%d=%s", i, f.Extract(e))
	}
	return sb.String()
}

// GroupHash is the deterministic, order-independent hash of a filter set.
func GroupHash(filters Filters) uint64 {
	kvs := make([]utils.KV, 0, len(filters))
	for i, fv := range filters {
		if fv != nil {
			kvs = append(kvs, utils.KV{Index: i, Value: *fv})
		}
	}
	return utils.HashKVs(kvs)
}
