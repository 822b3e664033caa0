package listcache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relais-dev/relais/pkg/clock"
	"github.com/relais-dev/relais/pkg/utils"
)

// Page is one cached result page. Pages are immutable once stored; readers
// share the same instance and the garbage collector reclaims it when the
// last reader drops it, so sweeps never block readers.
type Page[E any] struct {
	Items      []*E
	NextCursor []byte

	Bounds  SortBounds
	Flags   PageFlags
	Filters Filters
	Sort    SortSpec

	CreatedAt int64
	CostUs    float64
	Bytes     int64
}

// ListMetrics tracks list cache counters.
type ListMetrics struct {
	Hits          atomic.Int64
	Misses        atomic.Int64
	Puts          atomic.Int64
	Invalidations atomic.Int64
	Sweeps        atomic.Int64
}

type pageChunk[E any] struct {
	mu     sync.RWMutex
	pages  map[string]*Page[E]
	oldest atomic.Int64 // oldest CreatedAt in this chunk (0 = empty/unknown)
}

// Cache is the chunked L1 store of list pages for one repository,
// validated lazily against the repository's modification log.
type Cache[E any] struct {
	desc *Descriptor[E]
	ttl  time.Duration
	log  *zap.Logger

	chunks []pageChunk[E]
	mask   uint64

	Log         *ModLog
	sweepCursor atomic.Uint32

	Metrics ListMetrics
}

// NewCache creates a list cache with 2^k chunks.
func NewCache[E any](desc *Descriptor[E], chunkCountLog2 uint8, ttl time.Duration, logger *zap.Logger) *Cache[E] {
	if chunkCountLog2 == 0 {
		chunkCountLog2 = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	n := 1 << chunkCountLog2
	c := &Cache[E]{
		desc:   desc,
		ttl:    ttl,
		log:    logger,
		chunks: make([]pageChunk[E], n),
		mask:   uint64(n - 1),
		Log:    NewModLog(n),
	}
	for i := range c.chunks {
		c.chunks[i].pages = make(map[string]*Page[E])
	}
	clock.Start()
	return c
}

func (c *Cache[E]) chunkFor(cacheKey string) (int, *pageChunk[E]) {
	idx := int(utils.Hash64(cacheKey) & c.mask)
	return idx, &c.chunks[idx]
}

// GetByKey returns a valid cached page or nil. A page is valid only if it
// is not TTL-expired and no modification logged after its creation affects
// it; affected pages are removed before serving so the caller re-queries.
func (c *Cache[E]) GetByKey(cacheKey string) *Page[E] {
	_, ch := c.chunkFor(cacheKey)

	ch.mu.RLock()
	page := ch.pages[cacheKey]
	ch.mu.RUnlock()

	if page == nil {
		c.Metrics.Misses.Add(1)
		return nil
	}

	if c.expired(page) || !c.Log.PageValid(page.CreatedAt, page.Filters, page.Sort.Field, page.Bounds, page.Flags) {
		ch.mu.Lock()
		if ch.pages[cacheKey] == page {
			delete(ch.pages, cacheKey)
		}
		ch.mu.Unlock()
		c.Metrics.Invalidations.Add(1)
		c.Metrics.Misses.Add(1)
		return nil
	}

	c.Metrics.Hits.Add(1)
	return page
}

func (c *Cache[E]) expired(p *Page[E]) bool {
	return c.ttl > 0 && p.CreatedAt+int64(c.ttl) <= clock.Precise()
}

// Put stores a page under its cache key and returns it. Callers stamp
// CreatedAt with the moment the underlying query began, so a write racing
// the load still invalidates the page; unset stamps default to now.
func (c *Cache[E]) Put(cacheKey string, page *Page[E]) *Page[E] {
	if page.CreatedAt == 0 {
		page.CreatedAt = clock.Precise()
	}
	_, ch := c.chunkFor(cacheKey)

	ch.mu.Lock()
	ch.pages[cacheKey] = page
	ch.mu.Unlock()

	if old := ch.oldest.Load(); old == 0 || page.CreatedAt < old {
		ch.oldest.CompareAndSwap(old, page.CreatedAt)
	}
	c.Metrics.Puts.Add(1)
	return page
}

// Invalidate removes one page by key.
func (c *Cache[E]) Invalidate(cacheKey string) bool {
	_, ch := c.chunkFor(cacheKey)
	ch.mu.Lock()
	_, ok := ch.pages[cacheKey]
	if ok {
		delete(ch.pages, cacheKey)
	}
	ch.mu.Unlock()
	if ok {
		c.Metrics.Invalidations.Add(1)
	}
	return ok
}

// OnEntityCreated appends a creation event to the modification log.
func (c *Cache[E]) OnEntityCreated(e *E) {
	c.Log.Append(EventCreated, c.desc.ExtractTags(e), nil, c.desc.ExtractSortValues(e))
}

// OnEntityUpdated appends an update event. When the entity's filter tags
// changed, the update is logged as a delete under the old tags plus a
// create under the new ones, so pages on both sides invalidate.
func (c *Cache[E]) OnEntityUpdated(oldE, newE *E) {
	oldTags := c.desc.ExtractTags(oldE)
	newTags := c.desc.ExtractTags(newE)
	oldSorts := c.desc.ExtractSortValues(oldE)
	newSorts := c.desc.ExtractSortValues(newE)

	if tagsEqual(oldTags, newTags) {
		c.Log.Append(EventUpdated, newTags, oldSorts, newSorts)
		return
	}
	c.Log.Append(EventDeleted, oldTags, oldSorts, nil)
	c.Log.Append(EventCreated, newTags, nil, newSorts)
}

// OnEntityDeleted appends a deletion event to the modification log.
func (c *Cache[E]) OnEntityDeleted(e *E) {
	c.Log.Append(EventDeleted, c.desc.ExtractTags(e), c.desc.ExtractSortValues(e), nil)
}

func tagsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// InvalidateGroupSelective removes the pages of one group whose bounds
// interval covers sortVal (the L1 analogue of the server-side selective
// script). Returns the number of pages removed.
func (c *Cache[E]) InvalidateGroupSelective(groupKey string, sortVal int64) int {
	prefix := groupKey + ":"
	removed := 0
	for i := range c.chunks {
		ch := &c.chunks[i]
		ch.mu.Lock()
		for key, page := range ch.pages {
			if strings.HasPrefix(key, prefix) && Affects(sortVal, page.Bounds, page.Flags) {
				delete(ch.pages, key)
				removed++
			}
		}
		ch.mu.Unlock()
	}
	if removed > 0 {
		c.Metrics.Invalidations.Add(int64(removed))
	}
	return removed
}

// InvalidateAllGroups drops every cached page.
func (c *Cache[E]) InvalidateAllGroups() int {
	removed := 0
	for i := range c.chunks {
		ch := &c.chunks[i]
		ch.mu.Lock()
		removed += len(ch.pages)
		ch.pages = make(map[string]*Page[E])
		ch.oldest.Store(0)
		ch.mu.Unlock()
	}
	if removed > 0 {
		c.Metrics.Invalidations.Add(int64(removed))
	}
	return removed
}

// Size returns the number of cached pages.
func (c *Cache[E]) Size() int {
	total := 0
	for i := range c.chunks {
		ch := &c.chunks[i]
		ch.mu.RLock()
		total += len(ch.pages)
		ch.mu.RUnlock()
	}
	return total
}

// OldestPage returns the oldest CreatedAt across chunks (0 when empty).
func (c *Cache[E]) OldestPage() int64 {
	var oldest int64
	for i := range c.chunks {
		if v := c.chunks[i].oldest.Load(); v != 0 && (oldest == 0 || v < oldest) {
			oldest = v
		}
	}
	return oldest
}

// scanChunk validates every page in one chunk against the log and TTL,
// removing affected pages. Must be called with the chunk's exclusive lock
// held; returns the removal count, the surviving oldest-page watermark,
// and the log timestamp the chunk has now checked up to.
func (c *Cache[E]) scanChunk(ch *pageChunk[E]) (removed int, oldest int64, checkedUpTo int64) {
	checkedUpTo = c.Log.Latest()
	for key, page := range ch.pages {
		if c.expired(page) || !c.Log.PageValid(page.CreatedAt, page.Filters, page.Sort.Field, page.Bounds, page.Flags) {
			delete(ch.pages, key)
			removed++
			continue
		}
		if oldest == 0 || page.CreatedAt < oldest {
			oldest = page.CreatedAt
		}
	}
	return removed, oldest, checkedUpTo
}

// postSweepChunk marks the chunk's log bits, refreshes the oldest-page
// watermark, and drains observed events. Runs after the lock is released.
func (c *Cache[E]) postSweepChunk(idx int, ch *pageChunk[E], removed int, oldest, checkedUpTo int64) {
	ch.oldest.Store(oldest)
	c.Log.MarkChunkChecked(idx, checkedUpTo)
	c.Log.Drain(c.OldestPage())

	if removed > 0 {
		c.Metrics.Invalidations.Add(int64(removed))
	}
	c.Metrics.Sweeps.Add(1)
}

func (c *Cache[E]) sweepChunk(idx int) int {
	ch := &c.chunks[idx]
	ch.mu.Lock()
	removed, oldest, checkedUpTo := c.scanChunk(ch)
	ch.mu.Unlock()

	c.postSweepChunk(idx, ch, removed, oldest, checkedUpTo)
	return removed
}

// Sweep processes the next chunk (blocking on its lock); returns whether
// any page was removed.
func (c *Cache[E]) Sweep() bool {
	idx := int((c.sweepCursor.Add(1) - 1) & uint32(c.mask))
	return c.sweepChunk(idx) > 0
}

// TrySweep is Sweep with a non-blocking lock acquisition: the lock taken
// by TryLock is held through the scan, so a busy chunk returns false
// immediately and is never waited on.
func (c *Cache[E]) TrySweep() bool {
	idx := int((c.sweepCursor.Add(1) - 1) & uint32(c.mask))
	ch := &c.chunks[idx]
	if !ch.mu.TryLock() {
		return false
	}
	removed, oldest, checkedUpTo := c.scanChunk(ch)
	ch.mu.Unlock()

	c.postSweepChunk(idx, ch, removed, oldest, checkedUpTo)
	return removed > 0
}

// Purge sweeps all chunks; returns total removals.
func (c *Cache[E]) Purge() int {
	removed := 0
	for i := range c.chunks {
		removed += c.sweepChunk(i)
	}
	return removed
}
