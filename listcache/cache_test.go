package listcache

import (
	"testing"
	"time"

	"github.com/relais-dev/relais/pkg/clock"
)

type article struct {
	ID        int64
	Category  string
	Author    string
	ViewCount int64
	Published int64
}

func articleDescriptor() *Descriptor[article] {
	return &Descriptor[article]{
		Filters: []FilterField[article]{
			{Name: "category", Column: "category", Extract: func(a *article) string { return a.Category }},
			{Name: "author", Column: "author", Extract: func(a *article) string { return a.Author }},
		},
		Sorts: []SortField[article]{
			{Name: "view_count", Column: "view_count", Extract: func(a *article) int64 { return a.ViewCount }},
			{Name: "published", Column: "published", Extract: func(a *article) int64 { return a.Published }},
		},
		PKColumn:     "id",
		PKValue:      func(a *article) int64 { return a.ID },
		DefaultSort:  SortSpec{Field: 0, Desc: true},
		DefaultLimit: 10,
		MaxLimit:     100,
		LimitSteps:   []uint16{10, 25, 50, 100},
	}
}

func TestNormalizeLimit(t *testing.T) {
	d := articleDescriptor()
	tests := []struct {
		requested, want uint16
	}{
		{0, 10}, {5, 10}, {10, 10}, {11, 25}, {50, 50}, {99, 100}, {500, 100},
	}
	for _, tc := range tests {
		if got := d.NormalizeLimit(tc.requested); got != tc.want {
			t.Errorf("NormalizeLimit(%d) = %d, want %d", tc.requested, got, tc.want)
		}
	}
}

func TestGroupKeyDeterministic(t *testing.T) {
	f1 := Filters{F("tech"), nil}
	f2 := Filters{F("tech"), nil}
	if GroupKey("Article", f1) != GroupKey("Article", f2) {
		t.Error("same filters must produce the same group key")
	}
	f3 := Filters{F("sports"), nil}
	if GroupKey("Article", f1) == GroupKey("Article", f3) {
		t.Error("different filters must produce different group keys")
	}
	if GroupKey("Article", Filters{nil, nil}) == GroupKey("Article", f1) {
		t.Error("empty filter set must differ from a set filter")
	}
}

func TestCacheKeyEncodesSortAndPagination(t *testing.T) {
	g := GroupKey("Article", Filters{F("tech"), nil})
	q1 := Query{Filters: Filters{F("tech"), nil}, Limit: 10}
	q2 := Query{Filters: Filters{F("tech"), nil}, Limit: 10, Offset: 10}
	q3 := Query{Filters: Filters{F("tech"), nil}, Limit: 10, Cursor: EncodeCursor(60, 5)}

	k1 := CacheKey(g, SortSpec{Field: 0, Desc: true}, &q1)
	k2 := CacheKey(g, SortSpec{Field: 0, Desc: true}, &q2)
	k3 := CacheKey(g, SortSpec{Field: 0, Desc: true}, &q3)
	k4 := CacheKey(g, SortSpec{Field: 1, Desc: false}, &q1)

	keys := map[string]bool{k1: true, k2: true, k3: true, k4: true}
	if len(keys) != 4 {
		t.Errorf("expected 4 distinct cache keys, got %d", len(keys))
	}
}

func TestFilterBlob(t *testing.T) {
	d := articleDescriptor()
	a := &article{Category: "tech", Author: "kim"}
	if got := d.EntityFilterBlob(a); got != "0=tech|1=kim" {
		t.Errorf("EntityFilterBlob = %q", got)
	}
	if got := FilterBlob(Filters{F("tech"), nil}); got != "0=tech" {
		t.Errorf("FilterBlob = %q", got)
	}
	if got := FilterBlob(Filters{nil, nil}); got != "" {
		t.Errorf("FilterBlob(empty) = %q", got)
	}
}

func TestMatchesFilters(t *testing.T) {
	d := articleDescriptor()
	a := &article{Category: "tech", Author: "kim"}

	if !d.MatchesFilters(a, Filters{F("tech"), nil}) {
		t.Error("category filter should match")
	}
	if !d.MatchesFilters(a, Filters{nil, nil}) {
		t.Error("unset filters match everything")
	}
	if d.MatchesFilters(a, Filters{F("sports"), nil}) {
		t.Error("wrong category must not match")
	}
	if !d.MatchesFilters(a, Filters{F("tech"), F("kim")}) {
		t.Error("both filters should match")
	}
}

func TestBuildWhere(t *testing.T) {
	d := articleDescriptor()
	w := d.BuildWhere(Filters{F("tech"), F("kim")})
	want := `"category" = $1 AND "author" = $2`
	if w.SQL != want {
		t.Errorf("BuildWhere SQL = %q, want %q", w.SQL, want)
	}
	if len(w.Params) != 2 || w.Params[0] != "tech" || w.Params[1] != "kim" {
		t.Errorf("BuildWhere params = %v", w.Params)
	}
	if w.NextParam != 3 {
		t.Errorf("NextParam = %d, want 3", w.NextParam)
	}

	empty := d.BuildWhere(Filters{nil, nil})
	if empty.SQL != "" || len(empty.Params) != 0 {
		t.Errorf("empty filter set must build empty WHERE, got %q", empty.SQL)
	}
}

func newTestPage(filters Filters, sort SortSpec, first, last int64, flags PageFlags) *Page[article] {
	return &Page[article]{
		Items:   []*article{{ID: 1}},
		Bounds:  SortBounds{First: first, Last: last, Valid: true},
		Flags:   flags,
		Filters: filters,
		Sort:    sort,
	}
}

func TestCachePutGet(t *testing.T) {
	clock.Start()
	c := NewCache(articleDescriptor(), 2, 0, nil)

	filters := Filters{F("tech"), nil}
	sort := SortSpec{Field: 0, Desc: true}
	page := newTestPage(filters, sort, 100, 60, PageFlags{Desc: true, FirstPage: true})

	c.Put("k1", page)
	if got := c.GetByKey("k1"); got != page {
		t.Fatal("expected page back")
	}
	if c.GetByKey("absent") != nil {
		t.Fatal("absent key must miss")
	}
	if c.Size() != 1 {
		t.Errorf("Size = %d, want 1", c.Size())
	}
}

func TestCacheLazyInvalidationOnHit(t *testing.T) {
	clock.Start()
	c := NewCache(articleDescriptor(), 2, 0, nil)

	filters := Filters{F("tech"), nil}
	sort := SortSpec{Field: 0, Desc: true}
	page := c.Put("k1", newTestPage(filters, sort, 100, 60, PageFlags{Desc: true, FirstPage: true}))

	// A creation outside the page's bounds does not invalidate it.
	c.OnEntityCreated(&article{Category: "tech", ViewCount: 55})
	if c.GetByKey("k1") != page {
		t.Fatal("creation at 55 must not invalidate page [100,60]")
	}

	// A creation inside the bounds invalidates the page before serving.
	c.OnEntityCreated(&article{Category: "tech", ViewCount: 70})
	if c.GetByKey("k1") != nil {
		t.Fatal("creation at 70 must invalidate page [100,60]")
	}
}

func TestCacheFilterMismatchSparesPage(t *testing.T) {
	clock.Start()
	c := NewCache(articleDescriptor(), 2, 0, nil)

	filters := Filters{F("tech"), nil}
	page := c.Put("k1", newTestPage(filters, SortSpec{Field: 0, Desc: true}, 100, 60,
		PageFlags{Desc: true, FirstPage: true}))

	// Same sort range, different category: page unaffected.
	c.OnEntityCreated(&article{Category: "sports", ViewCount: 80})
	if c.GetByKey("k1") != page {
		t.Fatal("other category's write must not invalidate the page")
	}
}

func TestCacheUpdateWithTagChange(t *testing.T) {
	clock.Start()
	c := NewCache(articleDescriptor(), 2, 0, nil)

	techPage := c.Put("tech", newTestPage(Filters{F("tech"), nil},
		SortSpec{Field: 0, Desc: true}, 100, 60, PageFlags{Desc: true, FirstPage: true}))
	_ = techPage
	sportsPage := c.Put("sports", newTestPage(Filters{F("sports"), nil},
		SortSpec{Field: 0, Desc: true}, 100, 60, PageFlags{Desc: true, FirstPage: true}))
	_ = sportsPage

	// Entity moves from tech to sports with an in-bounds sort value:
	// both categories' pages invalidate.
	oldA := &article{Category: "tech", ViewCount: 80}
	newA := &article{Category: "sports", ViewCount: 80}
	c.OnEntityUpdated(oldA, newA)

	if c.GetByKey("tech") != nil {
		t.Error("old category page must invalidate")
	}
	if c.GetByKey("sports") != nil {
		t.Error("new category page must invalidate")
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	clock.Start()
	c := NewCache(articleDescriptor(), 1, time.Millisecond, nil)
	c.Put("k1", newTestPage(Filters{nil, nil}, SortSpec{}, 1, 2, PageFlags{}))

	time.Sleep(5 * time.Millisecond)
	clock.Refresh()
	if c.GetByKey("k1") != nil {
		t.Fatal("expired page must not be served")
	}
}

func TestModLogDrain(t *testing.T) {
	clock.Start()
	l := NewModLog(2)
	l.Append(EventCreated, []string{"tech"}, nil, []int64{10})
	l.Append(EventDeleted, []string{"tech"}, []int64{20}, nil)
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}

	// Nothing drains until every chunk has observed the events.
	if got := l.Drain(0); got != 0 {
		t.Fatalf("Drain before observation = %d, want 0", got)
	}
	l.MarkChunkChecked(0, l.Latest())
	if got := l.Drain(0); got != 0 {
		t.Fatalf("Drain after one chunk = %d, want 0", got)
	}
	l.MarkChunkChecked(1, l.Latest())
	if got := l.Drain(0); got != 2 {
		t.Fatalf("Drain after all chunks = %d, want 2", got)
	}
	if l.Len() != 0 {
		t.Errorf("Len after drain = %d, want 0", l.Len())
	}
}

func TestModLogDrainRespectsOldestPage(t *testing.T) {
	clock.Start()
	l := NewModLog(1)
	l.Append(EventCreated, []string{"tech"}, nil, []int64{10})
	when := l.Latest()
	l.MarkChunkChecked(0, when)

	// Event newer than the oldest cached page is retained.
	if got := l.Drain(when - 1); got != 0 {
		t.Fatalf("Drain = %d, want 0 (event newer than oldest page)", got)
	}
	if got := l.Drain(when + 1); got != 1 {
		t.Fatalf("Drain = %d, want 1", got)
	}
}

func TestCacheSweepProcessesOneChunk(t *testing.T) {
	clock.Start()
	c := NewCache(articleDescriptor(), 1, 0, nil) // 2 chunks

	// Fill both chunks with pages, then log an event invalidating all.
	for i := 0; i < 8; i++ {
		key := string(rune('a' + i))
		c.Put(key, newTestPage(Filters{F("tech"), nil},
			SortSpec{Field: 0, Desc: true}, 100, 0, PageFlags{Desc: true, FirstPage: true}))
	}
	c.OnEntityCreated(&article{Category: "tech", ViewCount: 50})

	before := c.Size()
	if before != 8 {
		t.Fatalf("setup: Size = %d, want 8", before)
	}
	// One sweep visits one chunk; two sweeps cover the whole cache.
	c.Sweep()
	c.Sweep()
	if c.Size() != 0 {
		t.Fatalf("two sweeps over two chunks should clear everything, size=%d", c.Size())
	}
}

func TestTrySweepDoesNotBlockOnBusyChunk(t *testing.T) {
	clock.Start()
	c := NewCache(articleDescriptor(), 1, 0, nil) // 2 chunks; cursor starts at chunk 0

	// Hold chunk 0's exclusive lock: TrySweep must give up immediately.
	c.chunks[0].mu.Lock()
	done := make(chan bool, 1)
	go func() { done <- c.TrySweep() }()
	select {
	case got := <-done:
		if got {
			t.Fatal("busy chunk must report no removals")
		}
	case <-time.After(time.Second):
		t.Fatal("TrySweep blocked on a held chunk lock")
	}
	c.chunks[0].mu.Unlock()

	// Free chunks sweep normally: an invalidated page is removed within
	// one pass over both chunks.
	c.Put("k1", newTestPage(Filters{F("tech"), nil},
		SortSpec{Field: 0, Desc: true}, 100, 0, PageFlags{Desc: true, FirstPage: true}))
	c.OnEntityCreated(&article{Category: "tech", ViewCount: 50})

	removed := c.TrySweep()
	removed = c.TrySweep() || removed
	if !removed {
		t.Fatal("free chunks must sweep invalidated pages")
	}
	if c.Size() != 0 {
		t.Fatalf("Size after try-sweeps = %d, want 0", c.Size())
	}
}

func TestInvalidateGroupSelectiveL1(t *testing.T) {
	clock.Start()
	c := NewCache(articleDescriptor(), 2, 0, nil)

	g := GroupKey("Article", Filters{F("tech"), nil})
	c.Put(g+":0:d:o0:5", newTestPage(Filters{F("tech"), nil},
		SortSpec{Field: 0, Desc: true}, 100, 60, PageFlags{Desc: true, FirstPage: true}))
	c.Put(g+":0:d:o5:5", newTestPage(Filters{F("tech"), nil},
		SortSpec{Field: 0, Desc: true}, 50, 10, PageFlags{Desc: true}))

	removed := c.InvalidateGroupSelective(g, 55)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1 (offset page [50,10] only)", removed)
	}
	if c.GetByKey(g+":0:d:o0:5") == nil {
		t.Error("page [100,60] must survive")
	}
}
