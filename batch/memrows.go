package batch

import (
	"fmt"
	"time"
)

// MemRows is a materialized result set. Pipelined statements must be read
// off the wire in order, so the scheduler materializes each statement's
// rows before handing them to waiters; MemRows then satisfies the store's
// row-iteration interface.
type MemRows struct {
	cols []string
	vals [][]any
	idx  int
	err  error
}

// NewMemRows wraps columns and row values.
func NewMemRows(cols []string, vals [][]any) *MemRows {
	return &MemRows{cols: cols, vals: vals, idx: -1}
}

// Columns returns the column names.
func (r *MemRows) Columns() []string { return r.cols }

// Len returns the number of rows.
func (r *MemRows) Len() int { return len(r.vals) }

func (r *MemRows) Next() bool {
	if r.idx+1 >= len(r.vals) {
		return false
	}
	r.idx++
	return true
}

func (r *MemRows) Close()     {}
func (r *MemRows) Err() error { return r.err }

// Scan assigns the current row into dest pointers with the value
// conversions entities actually use (integers, strings, bytes, bools,
// floats, timestamps). nil sources leave the destination at its zero
// value.
func (r *MemRows) Scan(dest ...any) error {
	if r.idx < 0 || r.idx >= len(r.vals) {
		return fmt.Errorf("memrows: Scan called without Next")
	}
	row := r.vals[r.idx]
	if len(dest) != len(row) {
		return fmt.Errorf("memrows: %d destinations for %d columns", len(dest), len(row))
	}
	for i, src := range row {
		if err := assign(dest[i], src); err != nil {
			return fmt.Errorf("memrows: column %d: %w", i, err)
		}
	}
	return nil
}

func assign(dest, src any) error {
	if src == nil {
		return nil
	}
	switch d := dest.(type) {
	case *int64:
		switch s := src.(type) {
		case int64:
			*d = s
		case int32:
			*d = int64(s)
		case int:
			*d = int64(s)
		default:
			return fmt.Errorf("cannot assign %T to *int64", src)
		}
	case *int32:
		switch s := src.(type) {
		case int32:
			*d = s
		case int64:
			*d = int32(s)
		case int:
			*d = int32(s)
		default:
			return fmt.Errorf("cannot assign %T to *int32", src)
		}
	case *int:
		switch s := src.(type) {
		case int:
			*d = s
		case int64:
			*d = int(s)
		case int32:
			*d = int(s)
		default:
			return fmt.Errorf("cannot assign %T to *int", src)
		}
	case *string:
		switch s := src.(type) {
		case string:
			*d = s
		case []byte:
			*d = string(s)
		default:
			return fmt.Errorf("cannot assign %T to *string", src)
		}
	case *[]byte:
		switch s := src.(type) {
		case []byte:
			*d = s
		case string:
			*d = []byte(s)
		default:
			return fmt.Errorf("cannot assign %T to *[]byte", src)
		}
	case *bool:
		s, ok := src.(bool)
		if !ok {
			return fmt.Errorf("cannot assign %T to *bool", src)
		}
		*d = s
	case *float64:
		switch s := src.(type) {
		case float64:
			*d = s
		case float32:
			*d = float64(s)
		default:
			return fmt.Errorf("cannot assign %T to *float64", src)
		}
	case *time.Time:
		s, ok := src.(time.Time)
		if !ok {
			return fmt.Errorf("cannot assign %T to *time.Time", src)
		}
		*d = s
	case *any:
		*d = src
	default:
		return fmt.Errorf("unsupported destination %T", dest)
	}
	return nil
}
