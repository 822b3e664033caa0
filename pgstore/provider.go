// Package pgstore implements the L3 tier: prepared parameterized queries
// against the relational store through a narrow provider interface, with
// generated SQL templates per entity and partition-hint deletes for
// partial-key repositories.
package pgstore

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Rows is the minimal row-iteration surface the store consumes.
// pgx.Rows satisfies it directly; the batch scheduler returns materialized
// rows behind the same interface.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close()
	Err() error
}

// Querier is the database-provider handle. *pgxpool.Pool (via Pool) and
// the batch scheduler's adapter both satisfy it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
}

// Pool adapts *pgxpool.Pool to Querier.
type Pool struct {
	*pgxpool.Pool
}

// NewPool wraps a pgx connection pool.
func NewPool(p *pgxpool.Pool) *Pool { return &Pool{Pool: p} }

func (p *Pool) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := p.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (p *Pool) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := p.Pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
