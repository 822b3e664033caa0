package pgstore

import (
	"fmt"
	"strings"
)

// Mapping declares how one entity binds to its table. From it the store
// generates the SQL templates for the standard operations; the generated
// strings are built once per repository, so statement identity is stable
// and the driver can cache plans per connection.
type Mapping[E any, K comparable] struct {
	Table   string
	Columns []string

	// PKColumns are the columns covered by K (multiple for composite
	// keys). PartitionColumns are primary-key components K does not carry
	// (non-empty means K is a partial key); they enable partition pruning
	// when a cached entity is available as a hint.
	PKColumns        []string
	PartitionColumns []string

	// InsertColumns/InsertArgs exclude server-assigned columns.
	InsertColumns []string
	InsertArgs    func(*E) []any

	// UpdateColumns/UpdateArgs are the full-update column set.
	UpdateColumns []string
	UpdateArgs    func(*E) []any

	// KeyArgs yields the parameters for PKColumns, in order.
	KeyArgs func(K) []any

	// PartitionArgs yields the parameters for PartitionColumns from a
	// fetched entity (partition hint).
	PartitionArgs func(*E) []any

	// Key extracts the primary key from an entity.
	Key func(*E) K

	// ScanRow constructs an entity from one result row.
	ScanRow func(Rows) (*E, error)
}

// FieldUpdate is one column assignment of a partial update.
type FieldUpdate struct {
	Column string
	Value  any
}

// SQLSet holds the generated statements for one entity.
type SQLSet struct {
	SelectByPK      string
	SelectAll       string
	InsertReturning string
	Update          string
	DeleteByPK      string
}

// BuildSQL generates the statement set from a mapping.
func BuildSQL[E any, K comparable](m *Mapping[E, K]) SQLSet {
	cols := quoteJoin(m.Columns)
	where, _ := pkWhere(m.PKColumns, 1)

	var set SQLSet
	set.SelectByPK = fmt.Sprintf("SELECT %s FROM %s WHERE %s", cols, m.Table, where)
	set.SelectAll = fmt.Sprintf("SELECT %s FROM %s", cols, m.Table)

	placeholders := make([]string, len(m.InsertColumns))
	for i := range m.InsertColumns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	set.InsertReturning = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		m.Table, quoteJoin(m.InsertColumns), strings.Join(placeholders, ", "), cols)

	assigns := make([]string, len(m.UpdateColumns))
	for i, c := range m.UpdateColumns {
		assigns[i] = fmt.Sprintf("%q = $%d", c, i+1)
	}
	updWhere, _ := pkWhere(m.PKColumns, len(m.UpdateColumns)+1)
	set.Update = fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		m.Table, strings.Join(assigns, ", "), updWhere)

	set.DeleteByPK = fmt.Sprintf("DELETE FROM %s WHERE %s", m.Table, where)
	return set
}

// pkWhere renders "pk1" = $n AND "pk2" = $n+1 …, returning the fragment
// and the next placeholder index.
func pkWhere(cols []string, start int) (string, int) {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%q = $%d", c, start+i)
	}
	return strings.Join(parts, " AND "), start + len(cols)
}

func quoteJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	return strings.Join(quoted, ", ")
}

// PatchSQL builds a partial UPDATE … RETURNING for the given field set.
func PatchSQL[E any, K comparable](m *Mapping[E, K], updates []FieldUpdate) (string, []any, error) {
	if len(updates) == 0 {
		return "", nil, fmt.Errorf("patch requires at least one field update")
	}
	assigns := make([]string, len(updates))
	args := make([]any, 0, len(updates)+len(m.PKColumns))
	for i, u := range updates {
		assigns[i] = fmt.Sprintf("%q = $%d", u.Column, i+1)
		args = append(args, u.Value)
	}
	where, _ := pkWhere(m.PKColumns, len(updates)+1)
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s RETURNING %s",
		m.Table, strings.Join(assigns, ", "), where, quoteJoin(m.Columns))
	return sql, args, nil
}

// DeleteWithHintSQL extends the delete statement with partition-column
// equality predicates so the server can prune partitions.
func DeleteWithHintSQL[E any, K comparable](m *Mapping[E, K]) string {
	where, next := pkWhere(m.PKColumns, 1)
	extra, _ := pkWhere(m.PartitionColumns, next)
	return fmt.Sprintf("DELETE FROM %s WHERE %s AND %s", m.Table, where, extra)
}
