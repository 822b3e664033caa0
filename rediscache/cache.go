// Package rediscache implements the L2 tier: a shared, TTL-bounded store
// of serialized entities and list pages with group tracking and selective
// server-side invalidation.
//
// Error handling follows the cache contract: every failure here is logged
// and reported as a miss (reads) or a false/zero (writes, invalidations) —
// the repository falls through to the next tier and self-heals on the next
// populate. Only the relational tier surfaces errors to callers.
package rediscache

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relais-dev/relais/pkg/utils"
)

// Metrics tracks L2 counters.
type Metrics struct {
	Hits          atomic.Int64
	Misses        atomic.Int64
	Sets          atomic.Int64
	Dels          atomic.Int64
	Invalidations atomic.Int64
	Errors        atomic.Int64
}

// Cache wraps a Redis client as the shared L2 tier. A nil *Cache (or one
// built over a nil client) is valid and behaves as an always-missing tier.
type Cache struct {
	rdb redis.UniversalClient
	log *zap.Logger

	Metrics Metrics
}

// New creates an L2 cache over the given client.
func New(rdb redis.UniversalClient, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{rdb: rdb, log: logger}
}

// Enabled reports whether an L2 server is configured.
func (c *Cache) Enabled() bool {
	return c != nil && c.rdb != nil
}

func (c *Cache) warn(op string, err error) {
	c.Metrics.Errors.Add(1)
	c.log.Warn("rediscache: "+op+" error", zap.Error(err))
}

// Get fetches a raw payload; (nil, false) on miss or error.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if !c.Enabled() {
		return nil, false
	}
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.warn("GET", err)
		}
		c.Metrics.Misses.Add(1)
		return nil, false
	}
	c.Metrics.Hits.Add(1)
	return data, true
}

// GetEx fetches a raw payload, extending its TTL on read (GETEX).
func (c *Cache) GetEx(ctx context.Context, key string, ttl time.Duration) ([]byte, bool) {
	if !c.Enabled() {
		return nil, false
	}
	data, err := c.rdb.GetEx(ctx, key, ttl).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.warn("GETEX", err)
		}
		c.Metrics.Misses.Add(1)
		return nil, false
	}
	c.Metrics.Hits.Add(1)
	return data, true
}

// Set stores a payload with expiry (SETEX semantics).
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	if !c.Enabled() {
		return false
	}
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		c.warn("SET", err)
		return false
	}
	c.Metrics.Sets.Add(1)
	return true
}

// Del removes a key; idempotent.
func (c *Cache) Del(ctx context.Context, key string) bool {
	if !c.Enabled() {
		return false
	}
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		c.warn("DEL", err)
		return false
	}
	c.Metrics.Dels.Add(1)
	return true
}

// Expire refreshes a key's TTL without touching the value.
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	if !c.Enabled() {
		return false
	}
	ok, err := c.rdb.Expire(ctx, key, ttl).Result()
	if err != nil {
		c.warn("EXPIRE", err)
		return false
	}
	return ok
}

// InvalidatePattern deletes keys matching a glob pattern using SCAN
// (non-blocking; safer than KEYS in production). Returns the delete count.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string, batchSize int64) int {
	if !c.Enabled() {
		return 0
	}
	if err := utils.ValidatePattern(pattern); err != nil {
		c.warn("pattern", err)
		return 0
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	count := 0
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, batchSize).Result()
		if err != nil {
			c.warn("SCAN", err)
			return count
		}
		for _, k := range keys {
			if err := c.rdb.Del(ctx, k).Err(); err == nil {
				count++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if count > 0 {
		c.Metrics.Invalidations.Add(int64(count))
	}
	return count
}

// expireSeconds truncates a TTL to whole seconds (minimum 1) for Redis
// commands.
func expireSeconds(ttl time.Duration) string {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
