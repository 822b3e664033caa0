package repository

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/relais-dev/relais/listcache"
	"github.com/relais-dev/relais/pkg/clock"
	"github.com/relais-dev/relais/pkg/utils"
	"github.com/relais-dev/relais/rediscache"
)

// List query surface: paginated queries cached per (group, sort,
// pagination) with precise invalidation from entity writes.
//
// L1 hits are validated lazily against the modification log; L2 pages are
// stored with the 19-byte bounds header so server-side scripts invalidate
// them selectively; misses build SQL from the descriptor and repopulate
// L2 then L1.

// pagePayload is the L2 wire form of a page (header excluded).
type pagePayload[E any] struct {
	Items      []*E   `json:"items" msgpack:"items"`
	NextCursor []byte `json:"next_cursor,omitempty" msgpack:"next_cursor,omitempty"`
}

// Query executes a paginated list query with L1/L2 caching. The returned
// page is shared and must not be mutated.
func (r *Repository[E, K]) Query(ctx context.Context, q listcache.Query) (*listcache.Page[E], error) {
	desc := r.meta.List
	if desc == nil {
		return nil, fmt.Errorf("repository %s: no list descriptor", r.meta.Name)
	}
	q.Limit = desc.NormalizeLimit(q.Limit)
	sort := q.SortOrDefault(desc.DefaultSort)

	groupKey := listcache.GroupKey(r.meta.Name, q.Filters)
	cacheKey := listcache.CacheKey(groupKey, sort, &q)

	if r.lists != nil {
		if page := r.lists.GetByKey(cacheKey); page != nil {
			return page, nil
		}
	}

	start := clock.Precise()

	// L2 check.
	if r.l2 != nil {
		pageKey := rediscache.PageKey(r.meta.Name, cacheKey)
		payload, bounds, flags, ok := r.l2.GetPage(ctx, pageKey, r.cfg.L2RefreshOnGet, r.cfg.L2TTL)
		if ok {
			var pp pagePayload[E]
			if err := r.decodePage(payload, &pp); err != nil {
				r.log.Warn("l2 page decode failed", zap.Error(err))
				r.l2.Del(ctx, pageKey)
			} else {
				page := &listcache.Page[E]{
					Items:      pp.Items,
					NextCursor: pp.NextCursor,
					Bounds:     bounds,
					Flags:      flags,
					Filters:    q.Filters,
					Sort:       sort,
					CreatedAt:  start,
					CostUs:     float64(clock.Precise()-start) / 1e3,
				}
				if r.lists != nil {
					return r.lists.Put(cacheKey, page), nil
				}
				return page, nil
			}
		}
	}

	// Cache miss: query the database.
	sql, args, err := r.buildListSQL(&q, sort)
	if err != nil {
		return nil, err
	}
	items, err := r.store.QueryList(ctx, sql, args)
	if err != nil {
		return nil, err
	}

	page := r.buildPage(&q, sort, items)
	page.CreatedAt = start
	page.CostUs = float64(clock.Precise()-start) / 1e3

	// Store in L2 with the bounds header before publishing to L1.
	r.storePageL2(ctx, groupKey, cacheKey, sort, page)

	if r.lists != nil {
		return r.lists.Put(cacheKey, page), nil
	}
	return page, nil
}

// QueryJSON returns the page's JSON serialization, transcoding raw L2
// binary payloads without touching the entity path when possible.
func (r *Repository[E, K]) QueryJSON(ctx context.Context, q listcache.Query) ([]byte, error) {
	desc := r.meta.List
	if desc == nil {
		return nil, fmt.Errorf("repository %s: no list descriptor", r.meta.Name)
	}
	q.Limit = desc.NormalizeLimit(q.Limit)
	sort := q.SortOrDefault(desc.DefaultSort)
	groupKey := listcache.GroupKey(r.meta.Name, q.Filters)
	cacheKey := listcache.CacheKey(groupKey, sort, &q)

	if r.lists != nil {
		if page := r.lists.GetByKey(cacheKey); page != nil {
			return utils.MarshalJSON(pagePayload[E]{Items: page.Items, NextCursor: page.NextCursor})
		}
	}
	if r.l2 != nil {
		pageKey := rediscache.PageKey(r.meta.Name, cacheKey)
		if payload, _, _, ok := r.l2.GetPage(ctx, pageKey, r.cfg.L2RefreshOnGet, r.cfg.L2TTL); ok {
			if !r.useL2Binary {
				return payload, nil
			}
			if out, err := utils.BinaryToJSON(payload); err == nil {
				return out, nil
			}
		}
	}
	page, err := r.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return utils.MarshalJSON(pagePayload[E]{Items: page.Items, NextCursor: page.NextCursor})
}

// QueryBinary returns the page's binary serialization; raw L2 payloads
// (header stripped) are served directly.
func (r *Repository[E, K]) QueryBinary(ctx context.Context, q listcache.Query) ([]byte, error) {
	if !r.meta.hasBinary() {
		return nil, fmt.Errorf("repository %s: entity has no binary serialization", r.meta.Name)
	}
	desc := r.meta.List
	if desc == nil {
		return nil, fmt.Errorf("repository %s: no list descriptor", r.meta.Name)
	}
	q.Limit = desc.NormalizeLimit(q.Limit)
	sort := q.SortOrDefault(desc.DefaultSort)
	groupKey := listcache.GroupKey(r.meta.Name, q.Filters)
	cacheKey := listcache.CacheKey(groupKey, sort, &q)

	if r.lists != nil {
		if page := r.lists.GetByKey(cacheKey); page != nil {
			return utils.MarshalBinary(pagePayload[E]{Items: page.Items, NextCursor: page.NextCursor})
		}
	}
	if r.useL2Binary && r.l2 != nil {
		pageKey := rediscache.PageKey(r.meta.Name, cacheKey)
		if payload, _, _, ok := r.l2.GetPage(ctx, pageKey, r.cfg.L2RefreshOnGet, r.cfg.L2TTL); ok {
			return payload, nil
		}
	}
	page, err := r.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return utils.MarshalBinary(pagePayload[E]{Items: page.Items, NextCursor: page.NextCursor})
}

// buildPage wraps query results with bounds, flags, and the continuation
// cursor (set only when the page is full).
func (r *Repository[E, K]) buildPage(q *listcache.Query, sort listcache.SortSpec, items []*E) *listcache.Page[E] {
	desc := r.meta.List
	page := &listcache.Page[E]{
		Items:   items,
		Filters: q.Filters,
		Sort:    sort,
		Flags: listcache.PageFlags{
			Desc:       sort.Desc,
			FirstPage:  q.FirstPage(),
			Incomplete: len(items) < int(q.Limit),
			CursorMode: q.CursorMode(),
		},
	}
	if len(items) > 0 {
		page.Bounds = listcache.SortBounds{
			First: desc.ExtractSortValue(items[0], sort.Field),
			Last:  desc.ExtractSortValue(items[len(items)-1], sort.Field),
			Valid: true,
		}
		// A cursor page's window starts at the cursor bound, not at its
		// first item: an insertion landing between the previous page's
		// tail and this page's head must invalidate this page.
		if q.CursorMode() {
			if cursorSort, _, ok := listcache.DecodeCursor(q.Cursor); ok {
				page.Bounds.First = cursorSort
			}
		}
	}
	if len(items) >= int(q.Limit) && len(items) > 0 {
		last := items[len(items)-1]
		page.NextCursor = listcache.EncodeCursor(
			desc.ExtractSortValue(last, sort.Field), desc.PKValue(last))
	}
	return page
}

// storePageL2 writes the page with its header, registers it in the group
// tracking set, and registers the group in the master hash.
func (r *Repository[E, K]) storePageL2(ctx context.Context, groupKey, cacheKey string, sort listcache.SortSpec, page *listcache.Page[E]) {
	if r.l2 == nil {
		return
	}
	payload, err := r.encodePage(pagePayload[E]{Items: page.Items, NextCursor: page.NextCursor})
	if err != nil {
		r.log.Warn("l2 page encode failed", zap.Error(err))
		return
	}
	pageKey := rediscache.PageKey(r.meta.Name, cacheKey)
	groupSetKey := rediscache.GroupSetKey(r.meta.Name, groupKey)
	masterKey := rediscache.MasterKey(r.meta.Name)

	r.l2.SetPage(ctx, pageKey, payload, page.Bounds, page.Flags, r.cfg.L2TTL)
	r.l2.TrackListKey(ctx, groupSetKey, pageKey, r.cfg.L2TTL)
	r.l2.RegisterGroup(ctx, masterKey, groupSetKey, sort.Field, listcache.FilterBlob(page.Filters))
}

func (r *Repository[E, K]) encodePage(pp pagePayload[E]) ([]byte, error) {
	if r.useL2Binary {
		return utils.MarshalBinary(pp)
	}
	return utils.MarshalJSON(pp)
}

func (r *Repository[E, K]) decodePage(data []byte, pp *pagePayload[E]) error {
	if r.useL2Binary {
		return utils.UnmarshalBinary(data, pp)
	}
	return utils.UnmarshalJSON(data, pp)
}

// buildListSQL emits SELECT + WHERE + keyset + ORDER BY + LIMIT/OFFSET
// from the descriptor and the query. The primary key is always the
// ordering tiebreaker; sort columns go through COALESCE so null sort
// values order deterministically.
func (r *Repository[E, K]) buildListSQL(q *listcache.Query, sort listcache.SortSpec) (string, []any, error) {
	desc := r.meta.List
	m := r.meta.Mapping

	where := desc.BuildWhere(q.Filters)
	sortCol := desc.SortColumn(sort.Field)
	pkCol := desc.PKColumn
	if pkCol == "" {
		pkCol = m.PKColumns[0]
	}

	sql := where.SQL
	params := where.Params
	next := where.NextParam

	// Keyset condition for cursor pagination.
	if q.CursorMode() {
		cursorSort, cursorPK, ok := listcache.DecodeCursor(q.Cursor)
		if !ok {
			return "", nil, fmt.Errorf("repository %s: malformed cursor", r.meta.Name)
		}
		op := ">"
		if sort.Desc {
			op = "<"
		}
		cond := fmt.Sprintf("(COALESCE(%q, 0), %q) %s ($%d, $%d)",
			sortCol, pkCol, op, next, next+1)
		if sql != "" {
			sql += " AND "
		}
		sql += cond
		params = append(params, cursorSort, cursorPK)
		next += 2
	}

	dir := "ASC"
	if sort.Desc {
		dir = "DESC"
	}

	var sb strings.Builder
	sb.WriteString(r.store.SQL().SelectAll)
	if sql != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(sql)
	}
	fmt.Fprintf(&sb, " ORDER BY COALESCE(%q, 0) %s, %q %s LIMIT %d",
		sortCol, dir, pkCol, dir, q.Limit)
	if q.Offset > 0 && !q.CursorMode() {
		fmt.Fprintf(&sb, " OFFSET %d", q.Offset)
	}
	return sb.String(), params, nil
}

// =========================================================================
// List notification entry points (cross-invalidation and CRUD)
// =========================================================================

// NotifyCreated records a creation in the L1 modification log and fires
// the selective L2 invalidation. Safe to call from cross-invalidation
// rules of other repositories.
func (r *Repository[E, K]) NotifyCreated(ctx context.Context, e *E) {
	if r.lists != nil {
		r.lists.OnEntityCreated(e)
	}
	r.l2ListCreated(ctx, e)
}

// NotifyUpdated records an update in the L1 modification log and fires
// the selective L2 invalidation with old and new sort values.
func (r *Repository[E, K]) NotifyUpdated(ctx context.Context, oldE, newE *E) {
	if r.lists != nil {
		r.lists.OnEntityUpdated(oldE, newE)
	}
	r.l2ListUpdated(ctx, oldE, newE)
}

// NotifyDeleted records a deletion in the L1 modification log and fires
// the selective L2 invalidation.
func (r *Repository[E, K]) NotifyDeleted(ctx context.Context, e *E) {
	if r.lists != nil {
		r.lists.OnEntityDeleted(e)
	}
	r.l2ListDeleted(ctx, e)
}

// l2ListCreated runs the master-hash selective script for a creation.
// Failure never fails the write; the L2 layer logs and swallows.
func (r *Repository[E, K]) l2ListCreated(ctx context.Context, e *E) {
	desc := r.meta.List
	if desc == nil || r.l2 == nil {
		return
	}
	r.l2.InvalidateGroupsSelective(ctx, rediscache.MasterKey(r.meta.Name),
		desc.EntityFilterBlob(e), desc.ExtractSortValues(e))
}

// l2ListUpdated runs the master-hash selective update script.
func (r *Repository[E, K]) l2ListUpdated(ctx context.Context, oldE, newE *E) {
	desc := r.meta.List
	if desc == nil || r.l2 == nil {
		return
	}
	r.l2.InvalidateGroupsSelectiveUpdate(ctx, rediscache.MasterKey(r.meta.Name),
		desc.EntityFilterBlob(oldE), desc.EntityFilterBlob(newE),
		desc.ExtractSortValues(oldE), desc.ExtractSortValues(newE))
}

// l2ListDeleted: deletion uses the same bounds logic as creation.
func (r *Repository[E, K]) l2ListDeleted(ctx context.Context, e *E) {
	r.l2ListCreated(ctx, e)
}

// =========================================================================
// Group invalidation surface (list-via-resolver targets)
// =========================================================================

// InvalidateListGroupSelective invalidates one group's pages whose bounds
// cover sortVal, in L1 and L2. Returns the L2 page delete count.
func (r *Repository[E, K]) InvalidateListGroupSelective(ctx context.Context, groupKey string, sortVal int64) int {
	if r.lists != nil {
		r.lists.InvalidateGroupSelective(groupKey, sortVal)
	}
	if r.l2 == nil {
		return 0
	}
	return r.l2.InvalidateGroupSelective(ctx, rediscache.GroupSetKey(r.meta.Name, groupKey), sortVal)
}

// InvalidateAllListGroups drops every cached page group, in L1 and L2.
// Returns the L2 page delete count.
func (r *Repository[E, K]) InvalidateAllListGroups(ctx context.Context) int {
	if r.lists != nil {
		r.lists.InvalidateAllGroups()
	}
	if r.l2 == nil {
		return 0
	}
	return r.l2.InvalidateAllGroups(ctx, rediscache.MasterKey(r.meta.Name))
}
