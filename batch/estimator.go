// Package batch implements the adaptive I/O batcher: a per-worker
// scheduler that opportunistically coalesces pipelined database and cache
// commands whenever an earlier request is still in flight, driven by an
// adaptive estimate of per-request cost and network round-trip time.
package batch

import (
	"sync"
	"time"
)

// TimingEstimator maintains the adaptive timing model:
//
//   - per-stream network round-trip time: EMA (alpha = 0.01) of the
//     residual after subtracting the known request cost from the measured
//     wall-clock time;
//   - per-SQL request time: EMA (alpha = 0.1, scaled by the statement's
//     share of the batch);
//   - bootstrap: the first 5 requests on a stream bypass batching and
//     calibrate the estimate;
//   - staleness: more than 5 minutes without a solo calibration forces a
//     bypass to recalibrate.
type TimingEstimator struct {
	mu sync.Mutex

	pgNetworkNs    float64
	redisNetworkNs float64

	pgBootstrapCount    int
	redisBootstrapCount int

	pgLastSolo    time.Time
	redisLastSolo time.Time

	sqlTimings map[string]*sqlTiming
}

type sqlTiming struct {
	requestNs   float64
	sampleCount int
}

// BootstrapThreshold is the number of solo requests sent before batching
// engages on a stream.
const BootstrapThreshold = 5

// StalenessThreshold forces a solo recalibration when exceeded.
const StalenessThreshold = 5 * time.Minute

// NewTimingEstimator creates an empty estimator.
func NewTimingEstimator() *TimingEstimator {
	return &TimingEstimator{sqlTimings: make(map[string]*sqlTiming)}
}

// PgBootstrapping reports whether the DB stream is still calibrating.
func (t *TimingEstimator) PgBootstrapping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pgBootstrapCount < BootstrapThreshold
}

// RedisBootstrapping reports whether the cache stream is still calibrating.
func (t *TimingEstimator) RedisBootstrapping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.redisBootstrapCount < BootstrapThreshold
}

// PgStale reports whether the DB estimate needs a solo recalibration.
func (t *TimingEstimator) PgStale() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pgLastSolo.IsZero() || time.Since(t.pgLastSolo) > StalenessThreshold
}

// RedisStale reports whether the cache estimate needs recalibration.
func (t *TimingEstimator) RedisStale() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.redisLastSolo.IsZero() || time.Since(t.redisLastSolo) > StalenessThreshold
}

// PgNetworkNs returns the estimated DB round-trip time.
func (t *TimingEstimator) PgNetworkNs() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pgNetworkNs
}

// RedisNetworkNs returns the estimated cache round-trip time.
func (t *TimingEstimator) RedisNetworkNs() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.redisNetworkNs
}

// RequestNs returns the estimated per-query cost of a statement (0 when
// unknown).
func (t *TimingEstimator) RequestNs(sql string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.sqlTimings[sql]; ok {
		return st.requestNs
	}
	return 0
}

// UpdatePgNetwork folds one solo DB measurement into the round-trip EMA.
// measuredNs is wall-clock; requestNs the statement's known cost.
func (t *TimingEstimator) UpdatePgNetwork(measuredNs, requestNs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	net := measuredNs - requestNs
	if net < 0 {
		net = measuredNs * 0.5
	}
	if t.pgBootstrapCount == 0 {
		t.pgNetworkNs = net
	} else {
		t.pgNetworkNs += 0.01 * (net - t.pgNetworkNs)
	}
	t.pgBootstrapCount++
	t.pgLastSolo = time.Now()
}

// UpdateRedisNetwork folds one solo cache measurement into the EMA.
func (t *TimingEstimator) UpdateRedisNetwork(measuredNs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.redisBootstrapCount == 0 {
		t.redisNetworkNs = measuredNs
	} else {
		t.redisNetworkNs += 0.01 * (measuredNs - t.redisNetworkNs)
	}
	t.redisBootstrapCount++
	t.redisLastSolo = time.Now()
}

// UpdateSQLTiming folds one measured segment into a statement's per-query
// EMA. batchSize is the statement's entry count; totalBatchSize the whole
// batch's, scaling the learning rate by the statement's share.
func (t *TimingEstimator) UpdateSQLTiming(sql string, batchSize, totalBatchSize int, measuredNs float64) {
	if batchSize <= 0 || totalBatchSize <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.sqlTimings[sql]
	if !ok {
		st = &sqlTiming{}
		t.sqlTimings[sql] = st
	}
	perQuery := (measuredNs - t.pgNetworkNs) / float64(batchSize)
	if perQuery < 0 {
		perQuery = measuredNs / float64(batchSize)
	}
	if st.sampleCount == 0 {
		st.requestNs = perQuery
	} else {
		alpha := 0.1 * float64(batchSize) / float64(totalBatchSize)
		st.requestNs += alpha * (perQuery - st.requestNs)
	}
	st.sampleCount++
}
