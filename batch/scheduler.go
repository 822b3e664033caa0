package batch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/relais-dev/relais/pgstore"
)

// Scheduler coalesces database and cache-server requests into pipelined
// batches. One instance per worker; internal state is owned by a single
// goroutine fed through a mailbox, so the scheduling logic itself runs
// lock-free — foreign-goroutine submissions are serialized by the mailbox,
// the Go analogue of routing through the event loop's post().
//
// Three independent streams — database reads, database writes, and cache
// commands — each follow the Nagle-like rule: with nothing in flight the
// first submission departs immediately as a solo probe (which also
// calibrates the round-trip estimate); requests arriving during that
// round-trip accumulate and share the next pipeline.
type Scheduler struct {
	cfg Config
	pg  PgBackend
	rd  RedisBackend
	est *TimingEstimator
	log *zap.Logger

	gate *semaphore.Weighted

	mailbox chan func()
	closed  chan struct{}

	// Owner-goroutine state below; touched only from run().
	pgRead  pgStream
	pgWrite pgStream
	redis   redisStream

	pgReadInflight  bool
	pgWriteInflight bool
	redisInflight   bool

	nextWriteSeq uint64

	Metrics SchedulerMetrics
}

// Config tunes one scheduler.
type Config struct {
	// MaxConcurrent caps total in-flight requests (DB + cache) per worker.
	MaxConcurrent int64
	// MaxBatchEntries is the hard entry cap per batch.
	MaxBatchEntries int
	// MinPgDeparture / MinRedisDeparture floor the departure timer when the
	// network estimate is still zero.
	MinPgDeparture    time.Duration
	MinRedisDeparture time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.MaxBatchEntries <= 0 {
		c.MaxBatchEntries = 512
	}
	if c.MinPgDeparture <= 0 {
		c.MinPgDeparture = 100 * time.Microsecond
	}
	if c.MinRedisDeparture <= 0 {
		c.MinRedisDeparture = 50 * time.Microsecond
	}
	return c
}

// SchedulerMetrics tracks batching behavior.
type SchedulerMetrics struct {
	SoloSends    atomic.Int64
	BatchesFired atomic.Int64
	Batched      atomic.Int64
	Coalesced    atomic.Int64
	GateAcquires atomic.Int64
	GateReleases atomic.Int64
	Errors       atomic.Int64
}

type pgRequest struct {
	sql     string
	args    []any
	argsKey string
	write   bool
	seq     uint64

	rows      *MemRows
	affected  int64
	err       error
	coalesced bool
	followers []*pgRequest

	done chan struct{}
}

type redisRequest struct {
	args []any
	val  any
	err  error
	done chan struct{}
}

type pgStream struct {
	entries     []*pgRequest
	costNs      float64
	timerToken  uint64
	timerActive bool
}

type redisStream struct {
	entries     []*redisRequest
	timerToken  uint64
	timerActive bool
}

// WriteResult is the outcome of a batched write. Coalesced means an
// identical write was already in the batch and this caller received the
// leader's result without its own server round-trip.
type WriteResult struct {
	Rows      *MemRows
	Affected  int64
	Coalesced bool
}

// NewScheduler starts a scheduler over the given backends. rd may be nil
// when no cache server is configured.
func NewScheduler(cfg Config, pg PgBackend, rd RedisBackend, logger *zap.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cfg:     cfg,
		pg:      pg,
		rd:      rd,
		est:     NewTimingEstimator(),
		log:     logger,
		gate:    semaphore.NewWeighted(cfg.MaxConcurrent),
		mailbox: make(chan func(), 4096),
		closed:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Estimator exposes the timing model (diagnostics and tests).
func (s *Scheduler) Estimator() *TimingEstimator { return s.est }

// Close stops the owner goroutine. In-flight batches complete; new
// submissions after Close hang, so close only at worker shutdown.
func (s *Scheduler) Close() { close(s.closed) }

func (s *Scheduler) run() {
	for {
		select {
		case fn := <-s.mailbox:
			fn()
		case <-s.closed:
			return
		}
	}
}

func (s *Scheduler) post(fn func()) {
	select {
	case s.mailbox <- fn:
	case <-s.closed:
	}
}

func (s *Scheduler) acquireGate() {
	s.Metrics.GateAcquires.Add(1)
	_ = s.gate.Acquire(context.Background(), 1)
}

func (s *Scheduler) releaseGate() {
	s.Metrics.GateReleases.Add(1)
	s.gate.Release(1)
}

// =========================================================================
// Public submission API
// =========================================================================

// SubmitEntityRead submits a single-entity read for batching.
func (s *Scheduler) SubmitEntityRead(ctx context.Context, sql string, args []any) (*MemRows, error) {
	return s.submitPgRead(ctx, sql, args)
}

// SubmitQueryRead submits a list/custom query read for batching.
func (s *Scheduler) SubmitQueryRead(ctx context.Context, sql string, args []any) (*MemRows, error) {
	return s.submitPgRead(ctx, sql, args)
}

func (s *Scheduler) submitPgRead(ctx context.Context, sql string, args []any) (*MemRows, error) {
	req := &pgRequest{sql: sql, args: args, done: make(chan struct{})}
	s.post(func() { s.enqueuePgRead(req) })
	select {
	case <-req.done:
		return req.rows, req.err
	case <-ctx.Done():
		// Abandoned: the submission stays in its batch and the result is
		// discarded on completion.
		return nil, ctx.Err()
	}
}

// SubmitWrite submits an INSERT/UPDATE/DELETE (optionally RETURNING).
// Identical concurrent writes (same statement, same parameters) coalesce
// into one server round-trip; followers observe the leader's result.
func (s *Scheduler) SubmitWrite(ctx context.Context, sql string, args []any) (WriteResult, error) {
	req := &pgRequest{
		sql:     sql,
		args:    args,
		argsKey: fmt.Sprintf("%#v", args),
		write:   true,
		done:    make(chan struct{}),
	}
	s.post(func() { s.enqueuePgWrite(req) })
	select {
	case <-req.done:
		return WriteResult{Rows: req.rows, Affected: req.affected, Coalesced: req.coalesced}, req.err
	case <-ctx.Done():
		return WriteResult{}, ctx.Err()
	}
}

// SubmitRedis submits one cache-server command. Reads and writes pipeline
// together; the server guarantees command order per connection.
func (s *Scheduler) SubmitRedis(ctx context.Context, args ...any) (any, error) {
	if s.rd == nil {
		return nil, fmt.Errorf("batch: no cache backend configured")
	}
	req := &redisRequest{args: args, done: make(chan struct{})}
	s.post(func() { s.enqueueRedis(req) })
	select {
	case <-req.done:
		return req.val, req.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DirectQuery bypasses the batcher for operations that must not batch
// (transaction control, session settings). Callers must not interleave
// direct and batched writes on the same logical connection.
func (s *Scheduler) DirectQuery(ctx context.Context, sql string, args ...any) (*MemRows, error) {
	rows, _, err := s.pg.Single(ctx, sql, args)
	return rows, err
}

// DirectExec bypasses the batcher and returns the affected-row count.
func (s *Scheduler) DirectExec(ctx context.Context, sql string, args ...any) (int64, error) {
	_, affected, err := s.pg.Single(ctx, sql, args)
	return affected, err
}

// =========================================================================
// Database read stream
// =========================================================================

func (s *Scheduler) enqueuePgRead(req *pgRequest) {
	if s.est.PgBootstrapping() || s.est.PgStale() {
		go s.soloPgRead(req, false)
		return
	}
	if !s.pgReadInflight {
		s.pgReadInflight = true
		go s.soloPgRead(req, true)
		return
	}
	s.addToPgReadBatch(req)
}

func (s *Scheduler) soloPgRead(req *pgRequest, probe bool) {
	s.Metrics.SoloSends.Add(1)
	s.acquireGate()
	elapsed := measure(func() {
		req.rows, _, req.err = s.pg.Single(context.Background(), req.sql, req.args)
	})
	s.releaseGate()

	s.est.UpdatePgNetwork(elapsed, s.est.RequestNs(req.sql))
	s.est.UpdateSQLTiming(req.sql, 1, 1, elapsed)
	close(req.done)

	if probe {
		s.post(func() {
			s.pgReadInflight = false
			s.firePgReadNow()
		})
	}
}

func (s *Scheduler) addToPgReadBatch(req *pgRequest) {
	s.Metrics.Batched.Add(1)
	cost := s.est.RequestNs(req.sql)
	if len(s.pgRead.entries) == 0 {
		s.pgRead.costNs = cost
		s.pgRead.entries = append(s.pgRead.entries, req)
		s.schedulePgReadDeparture()
		return
	}
	s.pgRead.costNs += cost
	s.pgRead.entries = append(s.pgRead.entries, req)

	// No benefit waiting past one round-trip of accumulated work.
	if s.pgRead.costNs >= s.est.PgNetworkNs() ||
		len(s.pgRead.entries) >= s.cfg.MaxBatchEntries {
		s.firePgReadNow()
	}
}

func (s *Scheduler) schedulePgReadDeparture() {
	delay := time.Duration(s.est.PgNetworkNs())
	if delay <= 0 {
		delay = s.cfg.MinPgDeparture
	}
	s.pgRead.timerToken++
	token := s.pgRead.timerToken
	s.pgRead.timerActive = true
	time.AfterFunc(delay, func() {
		s.post(func() {
			if s.pgRead.timerActive && s.pgRead.timerToken == token {
				s.pgRead.timerActive = false
				s.firePgReadNow()
			}
		})
	})
}

func (s *Scheduler) firePgReadNow() {
	if len(s.pgRead.entries) == 0 {
		return
	}
	s.pgRead.timerActive = false
	s.pgRead.timerToken++ // cancels any pending timer by token mismatch
	entries := s.pgRead.entries
	s.pgRead = pgStream{timerToken: s.pgRead.timerToken}

	go s.runPgReadBatch(entries)
}

func (s *Scheduler) runPgReadBatch(entries []*pgRequest) {
	s.Metrics.BatchesFired.Add(1)
	s.acquireGate()

	items := make([]PipelineItem, len(entries))
	for i, e := range entries {
		items[i] = PipelineItem{SQL: e.sql, Args: e.args}
	}
	var results []PipelineResult
	elapsed := measure(func() {
		results = s.pg.Pipeline(context.Background(), items)
	})
	s.releaseGate()

	perSQL := make(map[string]int)
	for i, e := range entries {
		if i < len(results) {
			e.rows = results[i].Rows
			e.affected = results[i].Affected
			e.err = results[i].Err
		}
		perSQL[e.sql]++
	}
	total := len(entries)
	for sql, n := range perSQL {
		s.est.UpdateSQLTiming(sql, n, total, elapsed*float64(n)/float64(total))
	}
	if total == 1 {
		s.est.UpdatePgNetwork(elapsed, s.est.RequestNs(entries[0].sql))
	}

	for _, e := range entries {
		close(e.done)
	}

	s.post(func() {
		if len(s.pgRead.entries) > 0 {
			s.firePgReadNow()
		} else {
			s.pgReadInflight = false
		}
	})
}

// =========================================================================
// Database write stream
// =========================================================================

func (s *Scheduler) enqueuePgWrite(req *pgRequest) {
	req.seq = s.nextWriteSeq
	s.nextWriteSeq++

	if s.est.PgBootstrapping() || s.est.PgStale() {
		go s.soloPgWrite(req, false)
		return
	}
	if !s.pgWriteInflight {
		s.pgWriteInflight = true
		go s.soloPgWrite(req, true)
		return
	}
	s.addToPgWriteBatch(req)
}

func (s *Scheduler) soloPgWrite(req *pgRequest, probe bool) {
	s.Metrics.SoloSends.Add(1)
	s.acquireGate()
	elapsed := measure(func() {
		req.rows, req.affected, req.err = s.pg.Single(context.Background(), req.sql, req.args)
	})
	s.releaseGate()

	s.est.UpdatePgNetwork(elapsed, s.est.RequestNs(req.sql))
	s.est.UpdateSQLTiming(req.sql, 1, 1, elapsed)
	close(req.done)

	if probe {
		s.post(func() {
			s.pgWriteInflight = false
			s.firePgWriteNow()
		})
	}
}

func (s *Scheduler) addToPgWriteBatch(req *pgRequest) {
	// Write coalescing: an identical write already in the batch adopts
	// this submission as a follower — it receives the leader's result
	// without a separate round-trip.
	for _, existing := range s.pgWrite.entries {
		if existing.sql == req.sql && existing.argsKey == req.argsKey {
			req.coalesced = true
			existing.followers = append(existing.followers, req)
			s.Metrics.Coalesced.Add(1)
			return
		}
	}

	s.Metrics.Batched.Add(1)
	if len(s.pgWrite.entries) == 0 {
		s.pgWrite.entries = append(s.pgWrite.entries, req)
		s.schedulePgWriteDeparture()
		return
	}
	s.pgWrite.entries = append(s.pgWrite.entries, req)
	if len(s.pgWrite.entries) >= s.cfg.MaxBatchEntries {
		s.firePgWriteNow()
	}
}

func (s *Scheduler) schedulePgWriteDeparture() {
	delay := time.Duration(s.est.PgNetworkNs())
	if delay <= 0 {
		delay = s.cfg.MinPgDeparture
	}
	s.pgWrite.timerToken++
	token := s.pgWrite.timerToken
	s.pgWrite.timerActive = true
	time.AfterFunc(delay, func() {
		s.post(func() {
			if s.pgWrite.timerActive && s.pgWrite.timerToken == token {
				s.pgWrite.timerActive = false
				s.firePgWriteNow()
			}
		})
	})
}

func (s *Scheduler) firePgWriteNow() {
	if len(s.pgWrite.entries) == 0 {
		return
	}
	s.pgWrite.timerActive = false
	s.pgWrite.timerToken++
	entries := s.pgWrite.entries
	s.pgWrite = pgStream{timerToken: s.pgWrite.timerToken}

	go s.runPgWriteBatch(entries)
}

func (s *Scheduler) runPgWriteBatch(entries []*pgRequest) {
	s.Metrics.BatchesFired.Add(1)

	// Committed order must match submission order.
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	s.acquireGate()
	items := make([]PipelineItem, len(entries))
	for i, e := range entries {
		items[i] = PipelineItem{SQL: e.sql, Args: e.args}
	}
	var results []PipelineResult
	elapsed := measure(func() {
		results = s.pg.Pipeline(context.Background(), items)
	})
	s.releaseGate()

	for i, e := range entries {
		if i < len(results) {
			e.rows = results[i].Rows
			e.affected = results[i].Affected
			e.err = results[i].Err
		}
		for _, f := range e.followers {
			f.rows = e.rows
			f.affected = e.affected
			f.err = e.err
		}
		s.est.UpdateSQLTiming(e.sql, 1, len(entries), elapsed/float64(len(entries)))
	}

	// Collect every completion before signaling any: a resumed leader must
	// not observe a follower that has not yet received its result.
	toClose := make([]chan struct{}, 0, len(entries)*2)
	for _, e := range entries {
		toClose = append(toClose, e.done)
		for _, f := range e.followers {
			toClose = append(toClose, f.done)
		}
	}
	for _, ch := range toClose {
		close(ch)
	}

	s.post(func() {
		if len(s.pgWrite.entries) > 0 {
			s.firePgWriteNow()
		} else {
			s.pgWriteInflight = false
		}
	})
}

// =========================================================================
// Cache-server stream
// =========================================================================

func (s *Scheduler) enqueueRedis(req *redisRequest) {
	if s.est.RedisBootstrapping() || s.est.RedisStale() {
		go s.soloRedis(req, false)
		return
	}
	if !s.redisInflight {
		s.redisInflight = true
		go s.soloRedis(req, true)
		return
	}
	s.Metrics.Batched.Add(1)
	if len(s.redis.entries) == 0 {
		s.redis.entries = append(s.redis.entries, req)
		s.scheduleRedisDeparture()
		return
	}
	s.redis.entries = append(s.redis.entries, req)
	if len(s.redis.entries) >= s.cfg.MaxBatchEntries {
		s.fireRedisNow()
	}
}

func (s *Scheduler) soloRedis(req *redisRequest, probe bool) {
	s.Metrics.SoloSends.Add(1)
	s.acquireGate()
	elapsed := measure(func() {
		req.val, req.err = s.rd.Single(context.Background(), req.args)
	})
	s.releaseGate()

	s.est.UpdateRedisNetwork(elapsed)
	close(req.done)

	if probe {
		s.post(func() {
			s.redisInflight = false
			s.fireRedisNow()
		})
	}
}

func (s *Scheduler) scheduleRedisDeparture() {
	delay := time.Duration(s.est.RedisNetworkNs())
	if delay <= 0 {
		delay = s.cfg.MinRedisDeparture
	}
	s.redis.timerToken++
	token := s.redis.timerToken
	s.redis.timerActive = true
	time.AfterFunc(delay, func() {
		s.post(func() {
			if s.redis.timerActive && s.redis.timerToken == token {
				s.redis.timerActive = false
				s.fireRedisNow()
			}
		})
	})
}

func (s *Scheduler) fireRedisNow() {
	if len(s.redis.entries) == 0 {
		return
	}
	s.redis.timerActive = false
	s.redis.timerToken++
	entries := s.redis.entries
	s.redis = redisStream{timerToken: s.redis.timerToken}

	go s.runRedisBatch(entries)
}

func (s *Scheduler) runRedisBatch(entries []*redisRequest) {
	s.Metrics.BatchesFired.Add(1)
	s.acquireGate()

	cmds := make([][]any, len(entries))
	for i, e := range entries {
		cmds[i] = e.args
	}
	var vals []any
	var errs []error
	elapsed := measure(func() {
		vals, errs = s.rd.Pipeline(context.Background(), cmds)
	})
	s.releaseGate()

	for i, e := range entries {
		if i < len(vals) {
			e.val = vals[i]
		}
		if i < len(errs) {
			e.err = errs[i]
		}
		close(e.done)
	}
	if len(entries) == 1 {
		s.est.UpdateRedisNetwork(elapsed)
	}

	s.post(func() {
		if len(s.redis.entries) > 0 {
			s.fireRedisNow()
		} else {
			s.redisInflight = false
		}
	})
}

// =========================================================================
// Querier adapter — lets a repository's store run through the batcher
// =========================================================================

type querier struct{ s *Scheduler }

// Querier adapts the scheduler to the store's provider interface.
// Statements are routed by verb: selects join the read stream, everything
// else the write stream.
func (s *Scheduler) Querier() pgstore.Querier { return querier{s} }

func (q querier) Query(ctx context.Context, sql string, args ...any) (pgstore.Rows, error) {
	if isReadStatement(sql) {
		rows, err := q.s.SubmitQueryRead(ctx, sql, args)
		if err != nil {
			return nil, err
		}
		return rows, nil
	}
	wr, err := q.s.SubmitWrite(ctx, sql, args)
	if err != nil {
		return nil, err
	}
	if wr.Rows == nil {
		return NewMemRows(nil, nil), nil
	}
	return wr.Rows, nil
}

func (q querier) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	wr, err := q.s.SubmitWrite(ctx, sql, args)
	if err != nil {
		return 0, err
	}
	return wr.Affected, nil
}

func isReadStatement(sql string) bool {
	trimmed := strings.TrimSpace(sql)
	if len(trimmed) < 4 {
		return false
	}
	head := strings.ToUpper(trimmed[:4])
	return head == "SELE" || head == "WITH"
}
