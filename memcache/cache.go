// Package memcache implements the in-process L1 cache tier: a sharded
// concurrent map with GDSF eviction, lazy generation-based score decay,
// memory-budget-driven sweeps, and admission control through ghost entries.
//
// Design Notes:
//   - 2^k shards, each with its own RWMutex. Lookups take shared locks;
//     insertion, invalidation and sweeping take exclusive locks.
//   - GDSF metadata is mutated with atomics under the shared lock, so a hit
//     never blocks other readers.
//   - Ghost entries are a tagged variant of the normal slot, not a separate
//     structure: a rejected candidate leaves a metadata-only record that
//     counts the misses the key suffers while not admitted.
//   - Memory accounting uses a striped per-cache counter plus the global
//     policy counter; totals are summed off the hot path.
package memcache

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relais-dev/relais/pkg/clock"
	"github.com/relais-dev/relais/pkg/utils"
)

// Config controls one cache instance.
type Config struct {
	Name string

	// TTL is the entry time-to-live; 0 disables TTL checks.
	TTL time.Duration

	// ShardCountLog2 selects 2^k shards (default 3 = 8 shards).
	ShardCountLog2 uint8

	// CleanupEveryNGets is the read cadence for opportunistic sweeps
	// (0 selects the default of 500).
	CleanupEveryNGets uint32

	// CleanupMinInterval throttles consecutive sweep attempts (default 30s).
	CleanupMinInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ShardCountLog2 == 0 {
		c.ShardCountLog2 = 3
	}
	if c.CleanupEveryNGets == 0 {
		c.CleanupEveryNGets = 500
	}
	if c.CleanupMinInterval == 0 {
		c.CleanupMinInterval = 30 * time.Second
	}
	return c
}

// Metrics tracks cache performance counters.
type Metrics struct {
	Hits         atomic.Int64
	Misses       atomic.Int64
	Puts         atomic.Int64
	Rejections   atomic.Int64
	GhostHits    atomic.Int64
	Promotions   atomic.Int64
	Evictions    atomic.Int64
	TTLEvictions atomic.Int64
	Sweeps       atomic.Int64
}

type shard[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]*entry[V]
}

// Cache is a sharded L1 cache for one repository. V is the cached value
// type (typically a shared pointer to an immutable entity).
type Cache[K comparable, V any] struct {
	cfg    Config
	policy *Policy // nil = no GDSF (TTL-only or unbounded)
	hash   func(K) uint64
	log    *zap.Logger

	shards []shard[K, V]
	mask   uint64

	used        StripedCounter
	sweepCursor atomic.Uint32
	getCounter  atomic.Uint32
	lastCleanup atomic.Int64
	avgCostUs   atomic.Uint64 // float64 bits: EMA of construction cost (us)
	repoScore   atomic.Uint64 // float64 bits: blended avg survivor score

	enrollOnce sync.Once

	Metrics Metrics
}

// New creates a cache. policy may be nil (TTL-only). hashFn maps keys to
// shards; when nil, keys are formatted and FNV-hashed.
func New[K comparable, V any](cfg Config, policy *Policy, hashFn func(K) uint64, logger *zap.Logger) *Cache[K, V] {
	cfg = cfg.withDefaults()
	if hashFn == nil {
		hashFn = func(k K) uint64 { return utils.Hash64(fmt.Sprint(k)) }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	n := 1 << cfg.ShardCountLog2
	c := &Cache[K, V]{
		cfg:    cfg,
		policy: policy,
		hash:   hashFn,
		log:    logger,
		shards: make([]shard[K, V], n),
		mask:   uint64(n - 1),
	}
	for i := range c.shards {
		c.shards[i].items = make(map[K]*entry[V])
	}
	clock.Start()
	return c
}

func (c *Cache[K, V]) gdsf() bool { return c.policy != nil && c.policy.Budget() > 0 }

func (c *Cache[K, V]) shardFor(h uint64) *shard[K, V] { return &c.shards[h&c.mask] }

func (c *Cache[K, V]) enroll() {
	if !c.gdsf() {
		return
	}
	c.enrollOnce.Do(func() {
		c.policy.Enroll(RepoHooks{
			Sweep:     c.Sweep,
			Size:      c.Len,
			RepoScore: c.RepoScore,
			Name:      c.cfg.Name,
		})
	})
}

// Register performs the one-time enrollment with the global policy.
// Called from warmup paths; reads and writes also enroll lazily.
func (c *Cache[K, V]) Register() { c.enroll() }

// Get returns the cached value for key. TTL-expired entries are removed
// and reported as misses before any I/O would happen. On a GDSF hit the
// access count is bumped under the shared lock via atomics.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.enroll()
	var zero V
	h := c.hash(key)
	s := c.shardFor(h)

	s.mu.RLock()
	e := s.items[key]
	if e == nil {
		s.mu.RUnlock()
		c.Metrics.Misses.Add(1)
		c.maybeCleanup()
		return zero, false
	}
	if e.ghost {
		// Count the miss this key suffers while not admitted.
		if c.gdsf() {
			e.bump(c.policy, c.policy.Generation(), 1)
		}
		s.mu.RUnlock()
		c.Metrics.Misses.Add(1)
		c.Metrics.GhostHits.Add(1)
		c.maybeCleanup()
		return zero, false
	}
	if e.expired(clock.Now()) {
		s.mu.RUnlock()
		c.Invalidate(key)
		c.Metrics.Misses.Add(1)
		c.Metrics.TTLEvictions.Add(1)
		return zero, false
	}
	v := e.value
	if c.gdsf() {
		e.bump(c.policy, c.policy.Generation(), 1)
	}
	s.mu.RUnlock()

	c.Metrics.Hits.Add(1)
	c.maybeCleanup()
	return v, true
}

// Put inserts or overwrites key with value, charging bytes against the
// memory budget. Returns false when admission control rejected the
// candidate and left (or incremented) a ghost in its place.
//
// A real entry already present under the same key is always overwritten —
// same-key puts carry fresh data, not competition for a slot.
func (c *Cache[K, V]) Put(key K, value V, bytes int64) bool {
	c.enroll()
	c.Metrics.Puts.Add(1)
	if bytes <= 0 {
		bytes = 1
	}

	var expiresAt int64
	if c.cfg.TTL > 0 {
		expiresAt = clock.Now() + int64(c.cfg.TTL)
	}

	h := c.hash(key)
	s := c.shardFor(h)

	s.mu.Lock()
	old := s.items[key]

	if c.gdsf() && (old == nil || old.ghost) {
		gen := c.policy.Generation()
		cost := c.AvgConstructionCost()
		bar := c.policy.Threshold() * c.policy.PressureFactor()

		if old != nil && old.ghost {
			// Ghost in place: promote when the accumulated virtual score
			// clears the bar; the predecessor's count is discarded on
			// promotion — the real entry starts fresh.
			virtual := (float64(old.decayedCount(c.policy, gen)) + 1) * cost / float64(bytes)
			if bar > 0 && virtual < bar {
				old.bump(c.policy, gen, 1)
				s.mu.Unlock()
				c.Metrics.Rejections.Add(1)
				return false
			}
			c.Metrics.Promotions.Add(1)
		} else if bar > 0 {
			candidate := cost / float64(bytes) // count = 1
			if candidate < bar {
				g := &entry[V]{ghost: true, bytes: bytes, expiresAt: expiresAt}
				g.countGen.Store(packCountGen(1, gen))
				s.items[key] = g
				s.mu.Unlock()
				c.Metrics.Rejections.Add(1)
				return false
			}
		}
	}

	e := &entry[V]{value: value, bytes: bytes, expiresAt: expiresAt}
	if c.gdsf() {
		e.countGen.Store(packCountGen(1, c.policy.Generation()))
	}
	s.items[key] = e
	s.mu.Unlock()

	if old != nil && !old.ghost {
		c.accountRemoved(h, old.bytes)
	}
	c.accountAdded(h, bytes)

	if c.policy != nil && c.policy.IsOverBudget() {
		c.policy.EmergencyCleanup()
	}
	return true
}

// Invalidate removes key. It does not leave a ghost behind; idempotent.
func (c *Cache[K, V]) Invalidate(key K) bool {
	h := c.hash(key)
	s := c.shardFor(h)

	s.mu.Lock()
	e, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	s.mu.Unlock()

	if ok && !e.ghost {
		c.accountRemoved(h, e.bytes)
	}
	return ok
}

// RecordConstructionCost folds one L1-miss construction time (microseconds)
// into the exponential moving average that feeds GDSF scores. The first
// sample seeds the EMA directly.
func (c *Cache[K, V]) RecordConstructionCost(elapsedUs float64) {
	const alpha = 0.1
	old := c.avgCostUs.Load()
	oldAvg := math.Float64frombits(old)
	newAvg := elapsedUs
	if oldAvg != 0 {
		newAvg = alpha*elapsedUs + (1-alpha)*oldAvg
	}
	// CAS without retry: a lost update converges on the next sample.
	c.avgCostUs.CompareAndSwap(old, math.Float64bits(newAvg))
}

// AvgConstructionCost returns the EMA construction cost in microseconds
// (1.0 when no sample has been recorded, so scores stay finite).
func (c *Cache[K, V]) AvgConstructionCost() float64 {
	v := math.Float64frombits(c.avgCostUs.Load())
	if v == 0 {
		return 1.0
	}
	return v
}

// RepoScore is the blended average survivor score from past sweeps.
func (c *Cache[K, V]) RepoScore() float64 {
	return math.Float64frombits(c.repoScore.Load())
}

// UsedBytes returns this cache's accounted bytes.
func (c *Cache[K, V]) UsedBytes() int64 { return c.used.Total() }

// Len returns the number of entries (ghosts included) across all shards.
func (c *Cache[K, V]) Len() int {
	total := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Clear removes everything (tests and administrative resets).
func (c *Cache[K, V]) Clear() {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for k, e := range s.items {
			if !e.ghost {
				c.accountRemoved(uint64(i), e.bytes)
			}
			delete(s.items, k)
		}
		s.mu.Unlock()
	}
}

func (c *Cache[K, V]) accountAdded(hint uint64, n int64) {
	c.used.Add(hint, n)
	if c.policy != nil {
		c.policy.addUsed(hint, n)
	}
}

func (c *Cache[K, V]) accountRemoved(hint uint64, n int64) {
	c.used.Add(hint, -n)
	if c.policy != nil {
		c.policy.addUsed(hint, -n)
	}
}

// maybeCleanup attempts a non-blocking sweep of one shard every N reads,
// no sooner than the configured minimum interval after the previous
// attempt. Over budget, it escalates to the policy's emergency cleanup.
func (c *Cache[K, V]) maybeCleanup() {
	if c.cfg.TTL == 0 && !c.gdsf() {
		return
	}
	if c.getCounter.Add(1)%c.cfg.CleanupEveryNGets != 0 {
		return
	}
	now := clock.Now()
	last := c.lastCleanup.Load()
	if now-last < int64(c.cfg.CleanupMinInterval) {
		return
	}
	if !c.lastCleanup.CompareAndSwap(last, now) {
		return
	}
	if c.policy != nil && c.policy.IsOverBudget() {
		c.policy.EmergencyCleanup()
		return
	}
	c.TrySweep()
}

// sweepStats accumulates score statistics across one scan.
type sweepStats struct {
	scoreSum float64
	total    int
	keptSum  float64
	kept     int
	removed  int
}

// sweepShard scans one shard under its exclusive lock, applying the
// eviction predicate: TTL expiry always evicts; under GDSF, a decayed
// score below the threshold evicts. Ghosts whose count has fully decayed
// are dropped.
func (c *Cache[K, V]) sweepShard(s *shard[K, V], st *sweepStats) {
	now := clock.Now()
	gdsf := c.gdsf()
	var gen uint32
	var threshold, cost float64
	if gdsf {
		gen = c.policy.Generation()
		// The pressure factor scales the eviction bar so sweeps get more
		// aggressive as utilization climbs.
		threshold = c.policy.Threshold() * c.policy.PressureFactor()
		cost = c.AvgConstructionCost()
	}

	for key, e := range s.items {
		if e.ghost {
			if e.expired(now) || (gdsf && e.decayedCount(c.policy, gen) < 0.5) {
				delete(s.items, key)
			}
			continue
		}
		if e.expired(now) {
			delete(s.items, key)
			c.accountRemoved(c.hash(key), e.bytes)
			st.removed++
			c.Metrics.TTLEvictions.Add(1)
			continue
		}
		if !gdsf {
			continue
		}
		score := e.score(c.policy, gen, cost)
		st.scoreSum += score
		st.total++
		if threshold > 0 && score < threshold {
			delete(s.items, key)
			c.accountRemoved(c.hash(key), e.bytes)
			st.removed++
			c.Metrics.Evictions.Add(1)
			continue
		}
		st.keptSum += score
		st.kept++
	}
}

// postSweep folds statistics into the repo score and the global policy,
// then ticks the decay generation.
func (c *Cache[K, V]) postSweep(st *sweepStats) {
	if !c.gdsf() {
		return
	}
	if st.kept > 0 {
		avgKept := st.keptSum / float64(st.kept)
		n := float64(len(c.shards))
		old := c.repoScore.Load()
		oldScore := math.Float64frombits(old)
		newScore := (oldScore*(n-1) + avgKept) / n
		// CAS without retry — approximation is fine.
		c.repoScore.CompareAndSwap(old, math.Float64bits(newScore))
		c.policy.recordSweep(avgKept, st.total, st.kept)
	}
	c.policy.Tick()
}

// Sweep scans the next shard (blocking on its lock). Returns whether any
// entry was removed.
func (c *Cache[K, V]) Sweep() bool {
	idx := (c.sweepCursor.Add(1) - 1) & uint32(c.mask)
	s := &c.shards[idx]

	var st sweepStats
	s.mu.Lock()
	c.sweepShard(s, &st)
	s.mu.Unlock()

	c.postSweep(&st)
	c.Metrics.Sweeps.Add(1)
	return st.removed > 0
}

// TrySweep is Sweep with a non-blocking lock acquisition; returns false
// immediately when the next shard is busy.
func (c *Cache[K, V]) TrySweep() bool {
	idx := (c.sweepCursor.Add(1) - 1) & uint32(c.mask)
	s := &c.shards[idx]
	if !s.mu.TryLock() {
		return false
	}
	var st sweepStats
	c.sweepShard(s, &st)
	s.mu.Unlock()

	c.postSweep(&st)
	c.Metrics.Sweeps.Add(1)
	return st.removed > 0
}

// Purge sweeps every shard in turn and returns the number of removals.
func (c *Cache[K, V]) Purge() int {
	var st sweepStats
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		c.sweepShard(s, &st)
		s.mu.Unlock()
	}
	c.postSweep(&st)
	return st.removed
}
