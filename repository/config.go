package repository

import "time"

// CacheLevel determines which caching layers are active.
type CacheLevel uint8

const (
	// LevelNone is direct database access only.
	LevelNone CacheLevel = iota
	// LevelL1 is RAM -> DB (network cache bypassed).
	LevelL1
	// LevelL2 is network cache -> DB (no local RAM cache).
	LevelL2
	// LevelL1L2 is the full hierarchy: RAM -> network cache -> DB.
	LevelL1L2
)

// UpdateStrategy selects the post-write cache policy.
type UpdateStrategy uint8

const (
	// InvalidateAndLazyReload removes cache entries after a successful
	// write; the next read reloads. Safe default.
	InvalidateAndLazyReload UpdateStrategy = iota
	// PopulateImmediately writes through to the caches.
	PopulateImmediately
)

// L2Format selects how entities are serialized into the network cache.
type L2Format uint8

const (
	// FormatBinary stores compact binary payloads (default). Falls back
	// to JSON when the entity lacks binary serialization.
	FormatBinary L2Format = iota
	// FormatJSON stores JSON, interoperable with non-Go consumers.
	FormatJSON
)

// CacheConfig is the per-repository configuration aggregate. The zero
// value is an uncached repository; presets below cover the common shapes.
type CacheConfig struct {
	CacheLevel     CacheLevel
	ReadOnly       bool
	UpdateStrategy UpdateStrategy

	// L1 (RAM cache) — eviction is GDSF-based when a policy with a
	// memory budget is attached.
	L1TTL              time.Duration // 0 = no TTL
	L1ShardCountLog2   uint8         // 2^k shards (default 3)
	CleanupEveryNGets  uint32        // periodic sweep cadence (default 500)
	CleanupMinInterval time.Duration // sweep throttle (default 30s)

	// L2 (network cache)
	L2TTL          time.Duration
	L2RefreshOnGet bool
	L2Format       L2Format
}

// Presets — common cache configurations.
var (
	// Uncached: direct database access only. E.g. logs history,
	// write-only tables.
	Uncached = CacheConfig{}

	// Local: RAM cache only (L1). For data always accessed via the same
	// instance.
	Local = CacheConfig{
		CacheLevel: LevelL1,
		L1TTL:      time.Hour,
	}

	// Redis: network cache only (L2), shared across instances.
	Redis = CacheConfig{
		CacheLevel: LevelL2,
		L2TTL:      4 * time.Hour,
	}

	// Both: full caching, short L1 TTL backed by a long L2 TTL. E.g.
	// feature flags, hot reference data.
	Both = CacheConfig{
		CacheLevel: LevelL1L2,
		L1TTL:      time.Minute,
		L2TTL:      time.Hour,
	}
)

// HasL1 reports whether the RAM layer is active.
func (c CacheConfig) HasL1() bool {
	return c.CacheLevel == LevelL1 || c.CacheLevel == LevelL1L2
}

// HasL2 reports whether the network cache layer is active.
func (c CacheConfig) HasL2() bool {
	return c.CacheLevel == LevelL2 || c.CacheLevel == LevelL1L2
}

// Fluent chainable modifiers (each returns a modified copy).

func (c CacheConfig) WithCacheLevel(v CacheLevel) CacheConfig { c.CacheLevel = v; return c }
func (c CacheConfig) WithReadOnly() CacheConfig               { c.ReadOnly = true; return c }
func (c CacheConfig) WithUpdateStrategy(v UpdateStrategy) CacheConfig {
	c.UpdateStrategy = v
	return c
}
func (c CacheConfig) WithL1TTL(v time.Duration) CacheConfig       { c.L1TTL = v; return c }
func (c CacheConfig) WithL1ShardCountLog2(v uint8) CacheConfig    { c.L1ShardCountLog2 = v; return c }
func (c CacheConfig) WithCleanupEveryNGets(v uint32) CacheConfig  { c.CleanupEveryNGets = v; return c }
func (c CacheConfig) WithCleanupMinInterval(v time.Duration) CacheConfig {
	c.CleanupMinInterval = v
	return c
}
func (c CacheConfig) WithL2TTL(v time.Duration) CacheConfig { c.L2TTL = v; return c }
func (c CacheConfig) WithL2RefreshOnGet(v bool) CacheConfig { c.L2RefreshOnGet = v; return c }
func (c CacheConfig) WithL2Format(v L2Format) CacheConfig   { c.L2Format = v; return c }
