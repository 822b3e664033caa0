package rediscache

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relais-dev/relais/listcache"
)

// List page storage and group invalidation.
//
// Each page payload is prefixed with the 19-byte bounds header so the
// selective scripts can decide per page server-side. Each page is tracked
// in its group's set; the set itself receives the page TTL only when it
// has none yet (EXPIRE NX), so additions never extend the set's life.

// GetPage fetches a list page; the returned payload has the header
// stripped. refresh selects GETEX with the given TTL.
func (c *Cache) GetPage(ctx context.Context, pageKey string, refresh bool, ttl time.Duration) (payload []byte, bounds listcache.SortBounds, flags listcache.PageFlags, ok bool) {
	var raw []byte
	if refresh {
		raw, ok = c.GetEx(ctx, pageKey, ttl)
	} else {
		raw, ok = c.Get(ctx, pageKey)
	}
	if !ok {
		return nil, bounds, flags, false
	}
	if b, f, hasHeader := listcache.DecodeHeader(raw); hasHeader {
		return raw[listcache.HeaderSize:], b, f, true
	}
	return raw, bounds, flags, true
}

// SetPage stores a page payload with its bounds header prepended.
func (c *Cache) SetPage(ctx context.Context, pageKey string, payload []byte, bounds listcache.SortBounds, flags listcache.PageFlags, ttl time.Duration) bool {
	hdr := listcache.EncodeHeader(bounds, flags)
	buf := make([]byte, 0, listcache.HeaderSize+len(payload))
	buf = append(buf, hdr[:]...)
	buf = append(buf, payload...)
	return c.Set(ctx, pageKey, buf, ttl)
}

// TrackListKey adds a page key to its group's tracking set. The set's TTL
// is set only if it has none (NX), to avoid renewal on every page add.
func (c *Cache) TrackListKey(ctx context.Context, groupSetKey, pageKey string, ttl time.Duration) bool {
	if !c.Enabled() {
		return false
	}
	if err := c.rdb.SAdd(ctx, groupSetKey, pageKey).Err(); err != nil {
		c.warn("SADD", err)
		return false
	}
	if err := c.rdb.Do(ctx, "EXPIRE", groupSetKey, expireSeconds(ttl), "NX").Err(); err != nil {
		// Older servers lack EXPIRE NX; fall back to TTL-guarded EXPIRE.
		if cur, terr := c.rdb.TTL(ctx, groupSetKey).Result(); terr == nil && cur < 0 {
			_ = c.rdb.Expire(ctx, groupSetKey, ttl).Err()
		}
	}
	return true
}

// RegisterGroup records the group in the repository's master hash with its
// sort-field index and canonical filter blob, the metadata the
// cross-group scripts need to match groups against a written entity.
func (c *Cache) RegisterGroup(ctx context.Context, masterKey, groupSetKey string, sortField int, filterBlob string) bool {
	if !c.Enabled() {
		return false
	}
	meta := strconv.Itoa(sortField) + ":" + filterBlob
	if err := c.rdb.HSet(ctx, masterKey, groupSetKey, meta).Err(); err != nil {
		c.warn("HSET", err)
		return false
	}
	return true
}

// InvalidateGroup drains and deletes a whole group's pages in one
// round-trip. Returns the number of pages deleted.
func (c *Cache) InvalidateGroup(ctx context.Context, groupSetKey string) int {
	if !c.Enabled() {
		return 0
	}
	n, err := scriptInvalidateGroup.Run(ctx, c.rdb, []string{groupSetKey}).Int()
	if err != nil {
		c.warn("invalidateGroup", err)
		return 0
	}
	c.Metrics.Invalidations.Add(int64(n))
	return n
}

// InvalidateGroupSelective deletes only the group's pages whose bounds
// interval covers sortVal (create/delete events). One round-trip.
func (c *Cache) InvalidateGroupSelective(ctx context.Context, groupSetKey string, sortVal int64) int {
	if !c.Enabled() {
		return 0
	}
	n, err := scriptGroupSelective.Run(ctx, c.rdb, []string{groupSetKey},
		sortVal, listcache.HeaderSize).Int()
	if err != nil {
		c.warn("invalidateGroupSelective", err)
		return 0
	}
	c.Metrics.Invalidations.Add(int64(n))
	return n
}

// InvalidateGroupSelectiveUpdate is the update variant taking old and new
// sort values.
func (c *Cache) InvalidateGroupSelectiveUpdate(ctx context.Context, groupSetKey string, oldVal, newVal int64) int {
	if !c.Enabled() {
		return 0
	}
	n, err := scriptGroupSelectiveUpdate.Run(ctx, c.rdb, []string{groupSetKey},
		oldVal, newVal, listcache.HeaderSize).Int()
	if err != nil {
		c.warn("invalidateGroupSelectiveUpdate", err)
		return 0
	}
	c.Metrics.Invalidations.Add(int64(n))
	return n
}

// InvalidateGroupsSelective walks the master hash and selectively deletes
// pages in every group matching the written entity's filter blob, using
// the entity's sort value for each group's sort field. One round-trip.
func (c *Cache) InvalidateGroupsSelective(ctx context.Context, masterKey, entityBlob string, sortVals []int64) int {
	if !c.Enabled() {
		return 0
	}
	n, err := scriptGroupsSelective.Run(ctx, c.rdb, []string{masterKey},
		listcache.HeaderSize, entityBlob, sortValsCSV(sortVals)).Int()
	if err != nil {
		c.warn("invalidateGroupsSelective", err)
		return 0
	}
	c.Metrics.Invalidations.Add(int64(n))
	return n
}

// InvalidateGroupsSelectiveUpdate is the master-hash update variant with
// old and new filter blobs and sort values.
func (c *Cache) InvalidateGroupsSelectiveUpdate(ctx context.Context, masterKey, oldBlob, newBlob string, oldVals, newVals []int64) int {
	if !c.Enabled() {
		return 0
	}
	n, err := scriptGroupsSelectiveUpdate.Run(ctx, c.rdb, []string{masterKey},
		listcache.HeaderSize, oldBlob, newBlob,
		sortValsCSV(oldVals), sortValsCSV(newVals)).Int()
	if err != nil {
		c.warn("invalidateGroupsSelectiveUpdate", err)
		return 0
	}
	c.Metrics.Invalidations.Add(int64(n))
	return n
}

// InvalidateAllGroups drops every group registered in the master hash,
// then unlinks the hash itself. Coarse fallback when no selective logic
// applies.
func (c *Cache) InvalidateAllGroups(ctx context.Context, masterKey string) int {
	if !c.Enabled() {
		return 0
	}
	groups, err := c.rdb.HKeys(ctx, masterKey).Result()
	if err != nil {
		c.warn("HKEYS", err)
		return 0
	}
	count := 0
	for _, g := range groups {
		count += c.InvalidateGroup(ctx, g)
	}
	if err := c.rdb.Unlink(ctx, masterKey).Err(); err != nil {
		c.log.Warn("rediscache: UNLINK error", zap.Error(err))
	}
	return count
}

func sortValsCSV(vals []int64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return strings.Join(parts, ",")
}
