package pgstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Store is the terminal tier for one entity: it issues the generated
// parameterized statements and maps no-rows to nil results.
type Store[E any, K comparable] struct {
	db  Querier
	m   *Mapping[E, K]
	sql SQLSet
	log *zap.Logger

	deleteWithHint string
}

// NewStore builds the statement set and binds it to a provider.
func NewStore[E any, K comparable](db Querier, m *Mapping[E, K], logger *zap.Logger) *Store[E, K] {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store[E, K]{db: db, m: m, sql: BuildSQL(m), log: logger}
	if len(m.PartitionColumns) > 0 {
		s.deleteWithHint = DeleteWithHintSQL(m)
	}
	return s
}

// Mapping exposes the entity mapping (for the list mixin's SQL builder).
func (s *Store[E, K]) Mapping() *Mapping[E, K] { return s.m }

// SQL exposes the generated statement set.
func (s *Store[E, K]) SQL() SQLSet { return s.sql }

// DB exposes the provider handle (for the list mixin's generated queries).
func (s *Store[E, K]) DB() Querier { return s.db }

// Find returns the entity for key, or (nil, nil) when no row matches.
// No rows is an absence, not an error.
func (s *Store[E, K]) Find(ctx context.Context, key K) (*E, error) {
	rows, err := s.db.Query(ctx, s.sql.SelectByPK, s.m.KeyArgs(key)...)
	if err != nil {
		return nil, fmt.Errorf("%s: select failed: %w", s.m.Table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("%s: select failed: %w", s.m.Table, err)
		}
		return nil, nil
	}
	e, err := s.m.ScanRow(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: row scan failed: %w", s.m.Table, err)
	}
	return e, nil
}

// Insert issues the parameterized insert with returning clause and scans
// the row back, picking up the server-assigned key and computed columns.
func (s *Store[E, K]) Insert(ctx context.Context, e *E) (*E, error) {
	rows, err := s.db.Query(ctx, s.sql.InsertReturning, s.m.InsertArgs(e)...)
	if err != nil {
		return nil, fmt.Errorf("%s: insert failed: %w", s.m.Table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("%s: insert failed: %w", s.m.Table, err)
		}
		return nil, fmt.Errorf("%s: insert returned no row", s.m.Table)
	}
	inserted, err := s.m.ScanRow(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: insert scan failed: %w", s.m.Table, err)
	}
	return inserted, nil
}

// Update sends the full column set; reports whether any row was affected.
func (s *Store[E, K]) Update(ctx context.Context, key K, e *E) (bool, error) {
	args := append(s.m.UpdateArgs(e), s.m.KeyArgs(key)...)
	affected, err := s.db.Exec(ctx, s.sql.Update, args...)
	if err != nil {
		return false, fmt.Errorf("%s: update failed: %w", s.m.Table, err)
	}
	return affected > 0, nil
}

// Patch sends only the given column subset; returns the refreshed entity,
// or (nil, nil) when no row matched.
func (s *Store[E, K]) Patch(ctx context.Context, key K, updates []FieldUpdate) (*E, error) {
	sql, args, err := PatchSQL(s.m, updates)
	if err != nil {
		return nil, err
	}
	args = append(args, s.m.KeyArgs(key)...)

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: patch failed: %w", s.m.Table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("%s: patch failed: %w", s.m.Table, err)
		}
		return nil, nil
	}
	e, err := s.m.ScanRow(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: patch scan failed: %w", s.m.Table, err)
	}
	return e, nil
}

// Erase deletes by key and returns the affected-row count. For partial-key
// mappings, a previously fetched entity serves as a partition hint: its
// partition-column values are appended to the WHERE clause so the server
// can prune partitions.
func (s *Store[E, K]) Erase(ctx context.Context, key K, hint *E) (int64, error) {
	sql := s.sql.DeleteByPK
	args := s.m.KeyArgs(key)
	if s.deleteWithHint != "" && hint != nil && s.m.PartitionArgs != nil {
		sql = s.deleteWithHint
		args = append(args, s.m.PartitionArgs(hint)...)
	}
	affected, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: delete failed: %w", s.m.Table, err)
	}
	return affected, nil
}

// QueryList executes a generated list statement and scans all rows.
func (s *Store[E, K]) QueryList(ctx context.Context, sql string, args []any) ([]*E, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: list query failed: %w", s.m.Table, err)
	}
	defer rows.Close()

	var out []*E
	for rows.Next() {
		e, err := s.m.ScanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: list scan failed: %w", s.m.Table, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: list query failed: %w", s.m.Table, err)
	}
	return out, nil
}
