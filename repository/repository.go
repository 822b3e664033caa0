// Package repository is the composition root of the tiered cache: it
// assembles the L3 store, the L2 network cache, the L1 memory cache, the
// list cache, and the cross-invalidation graph into one uniform surface
// whose behavior is determined by the configuration aggregate.
//
// Read dispatch runs top-down (L1 -> L2 -> L3, populating on the way
// back); write dispatch runs bottom-up (L3 first, then cache handling,
// then list notification, then cross-invalidation). L1/L2 faults are
// logged and swallowed — the tiers self-heal from L3 on the next read.
// Only L3 faults surface to callers.
package repository

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/relais-dev/relais/invalidation"
	"github.com/relais-dev/relais/listcache"
	"github.com/relais-dev/relais/memcache"
	"github.com/relais-dev/relais/pgstore"
	"github.com/relais-dev/relais/pkg/clock"
	"github.com/relais-dev/relais/pkg/utils"
	"github.com/relais-dev/relais/rediscache"
)

// ErrReadOnly is returned by write operations on read-only repositories.
var ErrReadOnly = errors.New("repository: configured read-only")

// Options are the runtime collaborators of a repository.
type Options struct {
	// DB is the database provider (a pgstore.Pool or the batch
	// scheduler's Querier adapter). Required.
	DB pgstore.Querier

	// L2 is the shared network cache. When nil, L2Ring is consulted;
	// with neither set the L2 layer is disabled even if the config
	// requests it.
	L2 *rediscache.Cache

	// L2Ring distributes repositories across several cache servers via
	// consistent hashing; the endpoint owning this repository's name
	// serves as its L2. Ignored when L2 is set explicitly.
	L2Ring *rediscache.Ring

	// Policy is the process-wide GDSF policy; nil means TTL-only L1.
	Policy *memcache.Policy

	Logger *zap.Logger
}

// Repository is the assembled tiered cache for one entity type. The
// concrete tier set is fixed at construction from the CacheConfig — the
// Go rendition of the compile-time mixin chain: nil tiers compile to
// direct fallthrough, no interface dispatch between layers.
type Repository[E any, K comparable] struct {
	meta Meta[E, K]
	cfg  CacheConfig
	log  *zap.Logger

	store *pgstore.Store[E, K]
	l2    *rediscache.Cache
	l1    *memcache.Cache[K, *E]
	lists *listcache.Cache[E]
	graph *invalidation.Graph[E]

	sf          singleflight.Group
	useL2Binary bool
	partialKey  bool
}

// New assembles a repository from its meta, config, and collaborators.
func New[E any, K comparable](meta Meta[E, K], cfg CacheConfig, opts Options) (*Repository[E, K], error) {
	meta, err := meta.withDefaults()
	if err != nil {
		return nil, err
	}
	if opts.DB == nil {
		return nil, fmt.Errorf("repository %s: Options.DB is required", meta.Name)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Repository[E, K]{
		meta:       meta,
		cfg:        cfg,
		log:        logger.Named(meta.Name),
		store:      pgstore.NewStore(opts.DB, meta.Mapping, logger),
		partialKey: len(meta.Mapping.PartitionColumns) > 0,
	}

	if cfg.HasL2() {
		l2 := opts.L2
		if l2 == nil && opts.L2Ring != nil {
			l2 = opts.L2Ring.For(meta.Name)
		}
		if l2 != nil && l2.Enabled() {
			r.l2 = l2
		}
	}
	r.useL2Binary = cfg.L2Format == FormatBinary && meta.hasBinary()

	if cfg.HasL1() {
		r.l1 = memcache.New[K, *E](memcache.Config{
			Name:               meta.Name,
			TTL:                cfg.L1TTL,
			ShardCountLog2:     cfg.L1ShardCountLog2,
			CleanupEveryNGets:  cfg.CleanupEveryNGets,
			CleanupMinInterval: cfg.CleanupMinInterval,
		}, opts.Policy, func(k K) uint64 {
			return utils.Hash64(meta.KeyString(k))
		}, logger)

		if meta.List != nil {
			r.lists = listcache.NewCache(meta.List, cfg.L1ShardCountLog2, cfg.L1TTL, logger)
		}
	}

	r.graph = invalidation.NewGraph[E](logger, nil)
	return r, nil
}

// AddInvalidation declares cross-invalidation rules fired after this
// repository's successful writes.
func (r *Repository[E, K]) AddInvalidation(rules ...invalidation.Rule[E]) {
	r.graph.Add(rules...)
}

// SetAudit attaches an audit ring to the invalidation graph.
func (r *Repository[E, K]) SetAudit(a *invalidation.Audit) {
	r.graph.SetAudit(a)
}

// Name returns the repository name.
func (r *Repository[E, K]) Name() string { return r.meta.Name }

// Config returns the configuration aggregate.
func (r *Repository[E, K]) Config() CacheConfig { return r.cfg }

// L1Metrics exposes the memory cache counters (nil without L1).
func (r *Repository[E, K]) L1Metrics() *memcache.Metrics {
	if r.l1 == nil {
		return nil
	}
	return &r.l1.Metrics
}

func (r *Repository[E, K]) entityKey(key K) string {
	return rediscache.EntityKey(r.meta.Name, r.meta.KeyString(key))
}

func (r *Repository[E, K]) needOld() bool {
	return r.lists != nil || !r.graph.Empty()
}

// =========================================================================
// Serialization
// =========================================================================

func (r *Repository[E, K]) encodeEntity(e *E) ([]byte, error) {
	if r.useL2Binary {
		return r.meta.ToBinary(e)
	}
	return r.meta.ToJSON(e)
}

func (r *Repository[E, K]) decodeEntity(data []byte) (*E, error) {
	if r.useL2Binary {
		return r.meta.FromBinary(data)
	}
	return r.meta.FromJSON(data)
}

// =========================================================================
// Reads
// =========================================================================

// Find returns the entity for key, consulting L1, then L2, then L3,
// populating the upper tiers on the way back. Absence is (nil, nil);
// an error means L3 failed with both caches missing. Concurrent misses
// for the same key coalesce into one load.
func (r *Repository[E, K]) Find(ctx context.Context, key K) (*E, error) {
	if r.l1 != nil {
		if e, ok := r.l1.Get(key); ok {
			return e, nil
		}
	}

	v, err, _ := r.sf.Do(r.meta.KeyString(key), func() (any, error) {
		e, loadErr := r.load(ctx, key)
		return e, loadErr
	})
	if err != nil {
		return nil, err
	}
	e, _ := v.(*E)
	return e, nil
}

// load is the miss path: L2, then L3, populating on success.
func (r *Repository[E, K]) load(ctx context.Context, key K) (*E, error) {
	start := clock.Precise()

	if r.l2 != nil {
		ek := r.entityKey(key)
		var data []byte
		var ok bool
		if r.cfg.L2RefreshOnGet {
			data, ok = r.l2.GetEx(ctx, ek, r.cfg.L2TTL)
		} else {
			data, ok = r.l2.Get(ctx, ek)
		}
		if ok {
			e, err := r.decodeEntity(data)
			if err != nil {
				// Malformed payload is an L2 miss; drop the entry so the
				// next populate replaces it.
				r.log.Warn("l2 payload decode failed", zap.Error(err))
				r.l2.Del(ctx, ek)
			} else {
				r.populateL1(key, e, start)
				return e, nil
			}
		}
	}

	e, err := r.store.Find(ctx, key)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, nil
	}
	r.populateL2(ctx, key, e)
	r.populateL1(key, e, start)
	return e, nil
}

// populateL1 inserts into L1, folding the measured construction time into
// the GDSF cost estimate.
func (r *Repository[E, K]) populateL1(key K, e *E, startNs int64) {
	if r.l1 == nil {
		return
	}
	if startNs > 0 {
		elapsedUs := float64(clock.Precise()-startNs) / 1e3
		r.l1.RecordConstructionCost(elapsedUs)
	}
	r.l1.Put(key, e, int64(r.meta.MemoryUsage(e)))
}

// populateL2 writes the fresh serialization with the configured TTL.
// Failures are logged inside the L2 layer and swallowed.
func (r *Repository[E, K]) populateL2(ctx context.Context, key K, e *E) {
	if r.l2 == nil {
		return
	}
	data, err := r.encodeEntity(e)
	if err != nil {
		r.log.Warn("l2 payload encode failed", zap.Error(err))
		return
	}
	r.l2.Set(ctx, r.entityKey(key), data, r.cfg.L2TTL)
}

// FindJSON returns the entity's JSON serialization, serving raw L2
// payloads without constructing the entity when possible.
func (r *Repository[E, K]) FindJSON(ctx context.Context, key K) ([]byte, error) {
	if r.l1 != nil {
		if e, ok := r.l1.Get(key); ok {
			return r.meta.ToJSON(e)
		}
	}
	if r.l2 != nil {
		if raw, ok := r.l2.Get(ctx, r.entityKey(key)); ok {
			if !r.useL2Binary {
				return raw, nil
			}
			if out, err := utils.BinaryToJSON(raw); err == nil {
				return out, nil
			}
		}
	}
	e, err := r.Find(ctx, key)
	if err != nil || e == nil {
		return nil, err
	}
	return r.meta.ToJSON(e)
}

// FindBinary returns the entity's binary serialization; raw L2 bytes are
// served directly when the L2 format is binary.
func (r *Repository[E, K]) FindBinary(ctx context.Context, key K) ([]byte, error) {
	if !r.meta.hasBinary() {
		return nil, fmt.Errorf("repository %s: entity has no binary serialization", r.meta.Name)
	}
	if r.l1 != nil {
		if e, ok := r.l1.Get(key); ok {
			return r.meta.ToBinary(e)
		}
	}
	if r.useL2Binary && r.l2 != nil {
		if raw, ok := r.l2.Get(ctx, r.entityKey(key)); ok {
			return raw, nil
		}
	}
	e, err := r.Find(ctx, key)
	if err != nil || e == nil {
		return nil, err
	}
	return r.meta.ToBinary(e)
}

// =========================================================================
// Writes
// =========================================================================

// Insert writes the entity to L3 (receiving server-assigned columns),
// populates L2 then L1, notifies the list cache, and fires
// cross-invalidation.
func (r *Repository[E, K]) Insert(ctx context.Context, e *E) (*E, error) {
	if r.cfg.ReadOnly {
		return nil, ErrReadOnly
	}
	inserted, err := r.store.Insert(ctx, e)
	if err != nil {
		return nil, err
	}
	key := r.meta.Mapping.Key(inserted)
	r.populateL2(ctx, key, inserted)
	if r.l1 != nil {
		r.l1.Put(key, inserted, int64(r.meta.MemoryUsage(inserted)))
	}
	if r.lists != nil {
		r.lists.OnEntityCreated(inserted)
	}
	r.l2ListCreated(ctx, inserted)
	r.graph.PropagateCreate(ctx, inserted)
	return inserted, nil
}

// Update sends the full column set to L3, then applies the configured
// update strategy to the caches. Returns whether any row was affected.
func (r *Repository[E, K]) Update(ctx context.Context, key K, e *E) (bool, error) {
	if r.cfg.ReadOnly {
		return false, ErrReadOnly
	}
	var old *E
	if r.needOld() {
		old, _ = r.Find(ctx, key)
	}

	ok, err := r.store.Update(ctx, key, e)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	r.applyUpdateStrategy(ctx, key, e)
	r.notifyListsUpdated(ctx, old, e)
	r.graph.PropagateUpdate(ctx, old, e)
	return true, nil
}

// Patch sends only the given column subset, invalidating caches first and
// returning the refreshed entity ((nil, nil) when no row matched).
func (r *Repository[E, K]) Patch(ctx context.Context, key K, updates ...pgstore.FieldUpdate) (*E, error) {
	if r.cfg.ReadOnly {
		return nil, ErrReadOnly
	}
	var old *E
	if r.needOld() {
		old, _ = r.Find(ctx, key)
	}

	r.evictTiers(ctx, key)
	patched, err := r.store.Patch(ctx, key, updates)
	if err != nil {
		return nil, err
	}
	if patched == nil {
		return nil, nil
	}

	if r.cfg.UpdateStrategy == PopulateImmediately {
		r.applyUpdateStrategy(ctx, key, patched)
	}
	r.notifyListsUpdated(ctx, old, patched)
	r.graph.PropagateUpdate(ctx, old, patched)
	return patched, nil
}

// Erase deletes by key, invalidating L1/L2 unconditionally on L3 success.
// For partial-key repositories a cached entity narrows the delete's WHERE
// clause for partition pruning.
func (r *Repository[E, K]) Erase(ctx context.Context, key K) (int64, error) {
	if r.cfg.ReadOnly {
		return 0, ErrReadOnly
	}

	// Partition hint: L1 first (free), then L2 as a near-free fallback.
	var hint *E
	if r.l1 != nil {
		hint, _ = r.l1.Get(key)
	}
	if r.partialKey && hint == nil && r.l2 != nil {
		if data, ok := r.l2.Get(ctx, r.entityKey(key)); ok {
			if e, err := r.decodeEntity(data); err == nil {
				hint = e
			}
		}
	}
	old := hint
	if old == nil && r.needOld() {
		old, _ = r.Find(ctx, key)
	}

	affected, err := r.store.Erase(ctx, key, hint)
	if err != nil {
		return 0, err
	}
	r.evictTiers(ctx, key)

	if affected > 0 && old != nil {
		if r.lists != nil {
			r.lists.OnEntityDeleted(old)
		}
		r.l2ListDeleted(ctx, old)
		r.graph.PropagateDelete(ctx, old)
	}
	return affected, nil
}

// applyUpdateStrategy implements the post-write cache policy.
func (r *Repository[E, K]) applyUpdateStrategy(ctx context.Context, key K, e *E) {
	if r.cfg.UpdateStrategy == PopulateImmediately {
		r.populateL2(ctx, key, e)
		if r.l1 != nil {
			r.l1.Put(key, e, int64(r.meta.MemoryUsage(e)))
		}
		return
	}
	r.evictTiers(ctx, key)
}

func (r *Repository[E, K]) notifyListsUpdated(ctx context.Context, oldE, newE *E) {
	if r.lists != nil {
		if oldE != nil {
			r.lists.OnEntityUpdated(oldE, newE)
		} else {
			r.lists.OnEntityCreated(newE)
		}
	}
	if oldE != nil {
		r.l2ListUpdated(ctx, oldE, newE)
	} else {
		r.l2ListCreated(ctx, newE)
	}
}

// evictTiers removes key from L1 and L2 (never L3).
func (r *Repository[E, K]) evictTiers(ctx context.Context, key K) {
	if r.l1 != nil {
		r.l1.Invalidate(key)
	}
	if r.l2 != nil {
		r.l2.Del(ctx, r.entityKey(key))
	}
}

// =========================================================================
// Invalidation surface
// =========================================================================

// Invalidate removes key from every cache tier and propagates a deletion
// through the cross-invalidation graph (the entity is fetched first when
// rules need it). Idempotent.
func (r *Repository[E, K]) Invalidate(ctx context.Context, key K) error {
	if !r.graph.Empty() {
		if e, _ := r.Find(ctx, key); e != nil {
			r.graph.PropagateDelete(ctx, e)
		}
	}
	return r.InvalidateLocal(ctx, key)
}

// InvalidateLocal removes key from this repository's L1 and L2 without
// touching the rule graph. Cross-invalidation targets use this entry
// point, so propagation never recurses.
func (r *Repository[E, K]) InvalidateLocal(ctx context.Context, key K) error {
	r.evictTiers(ctx, key)
	return nil
}

// InvalidateL1 removes key from the memory cache only.
func (r *Repository[E, K]) InvalidateL1(key K) {
	if r.l1 != nil {
		r.l1.Invalidate(key)
	}
}

// =========================================================================
// Maintenance surface
// =========================================================================

// Warmup primes the L1 structures and registers the repository with the
// global GDSF policy. List-enabled repositories also prime the list cache.
func (r *Repository[E, K]) Warmup() {
	r.log.Debug("warming up L1 cache")
	if r.l1 != nil {
		r.l1.Register()
	}
	if r.lists != nil {
		r.lists.Size()
	}
	r.log.Debug("L1 cache primed")
}

// Sweep processes one shard of the entity cache and one chunk of the list
// cache; returns whether anything was removed.
func (r *Repository[E, K]) Sweep() bool {
	removed := false
	if r.l1 != nil {
		removed = r.l1.Sweep()
	}
	if r.lists != nil {
		removed = r.lists.Sweep() || removed
	}
	return removed
}

// TrySweep is Sweep with non-blocking lock acquisition.
func (r *Repository[E, K]) TrySweep() bool {
	removed := false
	if r.l1 != nil {
		removed = r.l1.TrySweep()
	}
	if r.lists != nil {
		removed = r.lists.TrySweep() || removed
	}
	return removed
}

// Purge sweeps all shards and chunks; returns total removals.
func (r *Repository[E, K]) Purge() int {
	removed := 0
	if r.l1 != nil {
		removed += r.l1.Purge()
	}
	if r.lists != nil {
		removed += r.lists.Purge()
	}
	return removed
}

// Size returns the entity cache entry count.
func (r *Repository[E, K]) Size() int {
	if r.l1 == nil {
		return 0
	}
	return r.l1.Len()
}

// ListSize returns the cached page count.
func (r *Repository[E, K]) ListSize() int {
	if r.lists == nil {
		return 0
	}
	return r.lists.Size()
}

// UsedBytes returns the entity cache's accounted bytes.
func (r *Repository[E, K]) UsedBytes() int64 {
	if r.l1 == nil {
		return 0
	}
	return r.l1.UsedBytes()
}
