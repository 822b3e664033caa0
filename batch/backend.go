package batch

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// PipelineItem is one statement queued into a database pipeline.
type PipelineItem struct {
	SQL  string
	Args []any
}

// PipelineResult is one statement's outcome.
type PipelineResult struct {
	Rows     *MemRows
	Affected int64
	Err      error
}

// PgBackend executes database work for the scheduler. The production
// implementation pipelines through pgx; tests substitute fakes.
type PgBackend interface {
	Single(ctx context.Context, sql string, args []any) (*MemRows, int64, error)
	Pipeline(ctx context.Context, items []PipelineItem) []PipelineResult
}

// RedisBackend executes cache-server work for the scheduler.
type RedisBackend interface {
	Single(ctx context.Context, args []any) (any, error)
	Pipeline(ctx context.Context, cmds [][]any) ([]any, []error)
}

// PgxBackend pipelines statements through a pgx pool; SendBatch uses the
// wire pipeline with synchronization points between statements.
type PgxBackend struct {
	Pool *pgxpool.Pool
}

func (b *PgxBackend) Single(ctx context.Context, sql string, args []any) (*MemRows, int64, error) {
	rows, err := b.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	return materialize(rows)
}

func (b *PgxBackend) Pipeline(ctx context.Context, items []PipelineItem) []PipelineResult {
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(it.SQL, it.Args...)
	}
	br := b.Pool.SendBatch(ctx, batch)
	defer br.Close()

	results := make([]PipelineResult, len(items))
	for i := range items {
		rows, err := br.Query()
		if err != nil {
			results[i] = PipelineResult{Err: err}
			continue
		}
		mem, affected, err := materialize(rows)
		results[i] = PipelineResult{Rows: mem, Affected: affected, Err: err}
	}
	return results
}

func materialize(rows pgx.Rows) (*MemRows, int64, error) {
	fds := rows.FieldDescriptions()
	cols := make([]string, len(fds))
	for i, fd := range fds {
		cols[i] = fd.Name
	}
	var vals [][]any
	for rows.Next() {
		v, err := rows.Values()
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		vals = append(vals, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return NewMemRows(cols, vals), rows.CommandTag().RowsAffected(), nil
}

// GoRedisBackend runs cache commands through go-redis; Pipeline issues one
// client pipeline (the server guarantees command order per connection).
type GoRedisBackend struct {
	Client redis.UniversalClient
}

func (b *GoRedisBackend) Single(ctx context.Context, args []any) (any, error) {
	return b.Client.Do(ctx, args...).Result()
}

func (b *GoRedisBackend) Pipeline(ctx context.Context, cmds [][]any) ([]any, []error) {
	pipe := b.Client.Pipeline()
	queued := make([]*redis.Cmd, len(cmds))
	for i, args := range cmds {
		queued[i] = pipe.Do(ctx, args...)
	}
	// Exec's own error is reflected per command below.
	_, _ = pipe.Exec(ctx)

	vals := make([]any, len(cmds))
	errs := make([]error, len(cmds))
	for i, cmd := range queued {
		vals[i], errs[i] = cmd.Result()
	}
	return vals, errs
}

// measure runs fn and returns its wall-clock cost in nanoseconds.
func measure(fn func()) float64 {
	start := time.Now()
	fn()
	return float64(time.Since(start))
}
