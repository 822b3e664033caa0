package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/relais-dev/relais/listcache"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, nil), mr
}

func TestDisabledCacheIsAlwaysMiss(t *testing.T) {
	ctx := context.Background()
	var nilCache *Cache
	if nilCache.Enabled() {
		t.Fatal("nil cache must be disabled")
	}
	c := New(nil, nil)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("disabled cache must miss")
	}
	if c.Set(ctx, "k", []byte("v"), time.Minute) {
		t.Fatal("disabled cache must not accept writes")
	}
}

func TestGetSetDel(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	if _, ok := c.Get(ctx, "Widget:1"); ok {
		t.Fatal("expected miss on empty cache")
	}
	if !c.Set(ctx, "Widget:1", []byte(`{"id":1}`), time.Minute) {
		t.Fatal("Set failed")
	}
	data, ok := c.Get(ctx, "Widget:1")
	if !ok || string(data) != `{"id":1}` {
		t.Fatalf("Get = (%q, %v)", data, ok)
	}
	if !c.Del(ctx, "Widget:1") {
		t.Fatal("Del failed")
	}
	if _, ok := c.Get(ctx, "Widget:1"); ok {
		t.Fatal("deleted key must miss")
	}
}

func TestGetExRefreshesTTL(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	c.Set(ctx, "k", []byte("v"), 10*time.Second)
	if _, ok := c.GetEx(ctx, "k", time.Hour); !ok {
		t.Fatal("GetEx miss")
	}
	if ttl := mr.TTL("k"); ttl <= 10*time.Second {
		t.Errorf("TTL after GetEx = %v, want extended beyond 10s", ttl)
	}
}

func TestInvalidatePattern(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	c.Set(ctx, "Widget:1", []byte("a"), time.Minute)
	c.Set(ctx, "Widget:2", []byte("b"), time.Minute)
	c.Set(ctx, "Gadget:1", []byte("c"), time.Minute)

	if n := c.InvalidatePattern(ctx, "Widget:*", 10); n != 2 {
		t.Fatalf("InvalidatePattern = %d, want 2", n)
	}
	if _, ok := c.Get(ctx, "Gadget:1"); !ok {
		t.Fatal("unrelated key must survive")
	}
}

func TestPageRoundTripWithHeader(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	bounds := listcache.SortBounds{First: 100, Last: 60, Valid: true}
	flags := listcache.PageFlags{Desc: true, FirstPage: true}
	payload := []byte(`{"items":[1,2,3]}`)

	if !c.SetPage(ctx, "Widget:dlist:p:k1", payload, bounds, flags, time.Minute) {
		t.Fatal("SetPage failed")
	}
	got, gotBounds, gotFlags, ok := c.GetPage(ctx, "Widget:dlist:p:k1", false, 0)
	if !ok {
		t.Fatal("GetPage miss")
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
	if gotBounds != bounds {
		t.Errorf("bounds = %+v, want %+v", gotBounds, bounds)
	}
	if gotFlags != flags {
		t.Errorf("flags = %+v, want %+v", gotFlags, flags)
	}
}

func TestGroupTrackingAndDrain(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	group := GroupSetKey("Widget", "g1")
	c.SetPage(ctx, "p1", []byte("x"), listcache.SortBounds{}, listcache.PageFlags{}, time.Minute)
	c.SetPage(ctx, "p2", []byte("y"), listcache.SortBounds{}, listcache.PageFlags{}, time.Minute)
	c.TrackListKey(ctx, group, "p1", time.Minute)
	c.TrackListKey(ctx, group, "p2", time.Minute)

	if n := c.InvalidateGroup(ctx, group); n != 2 {
		t.Fatalf("InvalidateGroup = %d, want 2", n)
	}
	if mr.Exists("p1") || mr.Exists("p2") || mr.Exists(group) {
		t.Fatal("group pages and tracking set must be gone")
	}
	// Idempotent on an empty group.
	if n := c.InvalidateGroup(ctx, group); n != 0 {
		t.Fatalf("second InvalidateGroup = %d, want 0", n)
	}
}

// setPageInGroup stores a page with its header and registers it in the
// group tracking set.
func setPageInGroup(ctx context.Context, c *Cache, group, pageKey string, first, last int64, flags listcache.PageFlags) {
	c.SetPage(ctx, pageKey, []byte("payload"),
		listcache.SortBounds{First: first, Last: last, Valid: true}, flags, time.Minute)
	c.TrackListKey(ctx, group, pageKey, time.Minute)
}

func TestSelectiveGroupInvalidation(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)
	group := GroupSetKey("Article", "g1")

	// Page 0: offset desc first page [100..60]; page 1: cursor desc
	// anchored at 60, tail 10.
	setPageInGroup(ctx, c, group, "page0", 100, 60, listcache.PageFlags{Desc: true, FirstPage: true})
	setPageInGroup(ctx, c, group, "page1", 60, 10, listcache.PageFlags{Desc: true, CursorMode: true})

	// Inserting sort value 55 affects page 1 only.
	if n := c.InvalidateGroupSelective(ctx, group, 55); n != 1 {
		t.Fatalf("selective invalidation = %d, want 1", n)
	}
	if !mr.Exists("page0") {
		t.Fatal("page0 [100,60] must survive value 55")
	}
	if mr.Exists("page1") {
		t.Fatal("page1 (60..10] must be deleted by value 55")
	}

	// Value 70 affects page 0.
	if n := c.InvalidateGroupSelective(ctx, group, 70); n != 1 {
		t.Fatalf("selective invalidation = %d, want 1", n)
	}
	if mr.Exists("page0") {
		t.Fatal("page0 must be deleted by value 70")
	}
	// All pages gone: the tracking set is dropped too.
	if mr.Exists(group) {
		t.Fatal("empty tracking set must be deleted")
	}
}

func TestSelectiveInvalidationDeletesHeaderlessPages(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)
	group := GroupSetKey("Article", "g2")

	// A page without a readable header fails invalid and is deleted.
	c.Set(ctx, "rawpage", []byte("no header here"), time.Minute)
	c.TrackListKey(ctx, group, "rawpage", time.Minute)

	if n := c.InvalidateGroupSelective(ctx, group, 0); n != 1 {
		t.Fatalf("selective invalidation = %d, want 1", n)
	}
	if mr.Exists("rawpage") {
		t.Fatal("headerless page must be deleted")
	}
}

func TestSelectiveGroupUpdateInvalidation(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)
	group := GroupSetKey("Article", "g3")

	// Offset asc complete page [10..50].
	setPageInGroup(ctx, c, group, "pA", 10, 50, listcache.PageFlags{})
	// Offset asc complete page [60..90].
	setPageInGroup(ctx, c, group, "pB", 60, 90, listcache.PageFlags{})

	// Update moving 20 -> 40: overlaps pA only.
	if n := c.InvalidateGroupSelectiveUpdate(ctx, group, 20, 40); n != 1 {
		t.Fatalf("update invalidation = %d, want 1", n)
	}
	if mr.Exists("pA") {
		t.Fatal("pA must be deleted")
	}
	if !mr.Exists("pB") {
		t.Fatal("pB must survive")
	}
}

func TestMasterGroupsSelective(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	master := MasterKey("Article")
	techGroup := GroupSetKey("Article", "tech-g")
	sportsGroup := GroupSetKey("Article", "sports-g")

	setPageInGroup(ctx, c, techGroup, "techPage", 100, 60, listcache.PageFlags{Desc: true, FirstPage: true})
	setPageInGroup(ctx, c, sportsGroup, "sportsPage", 100, 60, listcache.PageFlags{Desc: true, FirstPage: true})

	// Register both groups: sort field 0, filter blobs on column 0.
	c.RegisterGroup(ctx, master, techGroup, 0, "0=tech")
	c.RegisterGroup(ctx, master, sportsGroup, 0, "0=sports")

	// A tech write at 70 invalidates the tech group's page only.
	n := c.InvalidateGroupsSelective(ctx, master, "0=tech|1=kim", []int64{70})
	if n != 1 {
		t.Fatalf("master selective = %d, want 1", n)
	}
	if mr.Exists("techPage") {
		t.Fatal("tech page must be deleted")
	}
	if !mr.Exists("sportsPage") {
		t.Fatal("sports page must survive a tech write")
	}
	// The emptied tech group's tracking set is deleted.
	if mr.Exists(techGroup) {
		t.Fatal("emptied tech tracking set must be deleted")
	}
}

func TestMasterGroupsSelectiveUpdate(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	master := MasterKey("Article")
	group := GroupSetKey("Article", "tech-g")
	setPageInGroup(ctx, c, group, "p1", 10, 50, listcache.PageFlags{})
	c.RegisterGroup(ctx, master, group, 0, "0=tech")

	// Update inside another category: group blob does not match either
	// side, page survives.
	if n := c.InvalidateGroupsSelectiveUpdate(ctx, master, "0=sports", "0=sports", []int64{20}, []int64{40}); n != 0 {
		t.Fatalf("unrelated update invalidated %d pages", n)
	}
	if !mr.Exists("p1") {
		t.Fatal("page must survive unrelated update")
	}

	// Entity moved from sports to tech with overlapping sort range.
	if n := c.InvalidateGroupsSelectiveUpdate(ctx, master, "0=sports", "0=tech", []int64{20}, []int64{40}); n != 1 {
		t.Fatalf("update into tech = %d pages, want 1", n)
	}
}

func TestInvalidateAllGroups(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	master := MasterKey("Article")
	g1 := GroupSetKey("Article", "g1")
	g2 := GroupSetKey("Article", "g2")
	setPageInGroup(ctx, c, g1, "p1", 1, 2, listcache.PageFlags{})
	setPageInGroup(ctx, c, g2, "p2", 1, 2, listcache.PageFlags{})
	c.RegisterGroup(ctx, master, g1, 0, "")
	c.RegisterGroup(ctx, master, g2, 0, "")

	if n := c.InvalidateAllGroups(ctx, master); n != 2 {
		t.Fatalf("InvalidateAllGroups = %d, want 2", n)
	}
	if mr.Exists("p1") || mr.Exists("p2") || mr.Exists(master) {
		t.Fatal("all pages and the master hash must be gone")
	}
}

func TestRingPinsNamespaces(t *testing.T) {
	ctx := context.Background()
	mr1 := miniredis.RunT(t)
	mr2 := miniredis.RunT(t)
	c1 := redis.NewClient(&redis.Options{Addr: mr1.Addr()})
	c2 := redis.NewClient(&redis.Options{Addr: mr2.Addr()})
	t.Cleanup(func() { c1.Close(); c2.Close() })

	ring := NewRing(map[string]redis.UniversalClient{"a": c1, "b": c2}, nil)
	if len(ring.Endpoints()) != 2 {
		t.Fatalf("Endpoints = %v", ring.Endpoints())
	}

	// Stable selection, and the pinned cache actually works.
	cache := ring.For("Widget")
	if cache == nil || cache != ring.For("Widget") {
		t.Fatal("namespace selection must be stable")
	}
	cache.Set(ctx, "Widget:1", []byte("v"), time.Minute)
	if _, ok := cache.Get(ctx, "Widget:1"); !ok {
		t.Fatal("pinned endpoint must serve")
	}

	empty := NewRing(nil, nil)
	if empty.For("anything") != nil {
		t.Fatal("empty ring must return nil")
	}
}

func TestKeySchema(t *testing.T) {
	if got := EntityKey("Widget", "7"); got != "Widget:7" {
		t.Errorf("EntityKey = %q", got)
	}
	if got := CompositeKey("7", "eu"); got != "7:eu" {
		t.Errorf("CompositeKey = %q", got)
	}
	if got := PageKey("Widget", "ck"); got != "Widget:dlist:p:ck" {
		t.Errorf("PageKey = %q", got)
	}
	if got := GroupSetKey("Widget", "gk"); got != "Widget:dlist:g:gk:_keys" {
		t.Errorf("GroupSetKey = %q", got)
	}
	if got := MasterKey("Widget"); got != "Widget:dlist_groups" {
		t.Errorf("MasterKey = %q", got)
	}
}
