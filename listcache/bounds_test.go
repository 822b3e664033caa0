package listcache

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	b := SortBounds{First: 100, Last: -60, Valid: true}
	f := PageFlags{Desc: true, FirstPage: true, Incomplete: false, CursorMode: true}

	h := EncodeHeader(b, f)
	gotB, gotF, ok := DecodeHeader(h[:])
	if !ok {
		t.Fatal("expected header to decode")
	}
	if gotB.First != b.First || gotB.Last != b.Last || !gotB.Valid {
		t.Errorf("bounds = %+v, want %+v", gotB, b)
	}
	if gotF != f {
		t.Errorf("flags = %+v, want %+v", gotF, f)
	}
}

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	data := make([]byte, HeaderSize)
	if _, _, ok := DecodeHeader(data); ok {
		t.Error("expected decode failure without magic")
	}
	if _, _, ok := DecodeHeader([]byte{0x53}); ok {
		t.Error("expected decode failure on short input")
	}
}

func TestStripHeader(t *testing.T) {
	h := EncodeHeader(SortBounds{First: 1, Last: 2, Valid: true}, PageFlags{})
	payload := append(h[:], []byte("payload")...)
	if got := string(StripHeader(payload)); got != "payload" {
		t.Errorf("StripHeader = %q, want %q", got, "payload")
	}
	if got := string(StripHeader([]byte("raw"))); got != "raw" {
		t.Errorf("StripHeader without header = %q, want %q", got, "raw")
	}
}

// TestAffectsDecisionTable covers the full selective-invalidation matrix:
// pagination mode x first-page x incomplete x direction.
func TestAffectsDecisionTable(t *testing.T) {
	bounds := SortBounds{First: 100, Last: 60, Valid: true} // desc page
	boundsAsc := SortBounds{First: 10, Last: 50, Valid: true}

	tests := []struct {
		name string
		v    int64
		b    SortBounds
		f    PageFlags
		want bool
	}{
		// Offset pagination: only "at or before the tail" matters.
		{"offset asc inside", 30, boundsAsc, PageFlags{}, true},
		{"offset asc past tail", 70, boundsAsc, PageFlags{}, false},
		{"offset asc at tail", 50, boundsAsc, PageFlags{}, true},
		{"offset desc above tail", 70, bounds, PageFlags{Desc: true}, true},
		{"offset desc below tail", 30, bounds, PageFlags{Desc: true}, false},
		{"offset incomplete always", 999, boundsAsc, PageFlags{Incomplete: true}, true},

		// Cursor pagination, first page.
		{"cursor first asc within", 30, boundsAsc, PageFlags{CursorMode: true, FirstPage: true}, true},
		{"cursor first asc beyond", 70, boundsAsc, PageFlags{CursorMode: true, FirstPage: true}, false},
		{"cursor first desc within", 80, bounds, PageFlags{CursorMode: true, FirstPage: true, Desc: true}, true},
		{"cursor first desc below", 30, bounds, PageFlags{CursorMode: true, FirstPage: true, Desc: true}, false},
		{"cursor first incomplete always", -5, boundsAsc, PageFlags{CursorMode: true, FirstPage: true, Incomplete: true}, true},

		// Cursor pagination, interior page: containment.
		{"cursor interior asc inside", 30, boundsAsc, PageFlags{CursorMode: true}, true},
		{"cursor interior asc before", 5, boundsAsc, PageFlags{CursorMode: true}, false},
		{"cursor interior asc after", 60, boundsAsc, PageFlags{CursorMode: true}, false},
		{"cursor interior desc inside", 80, bounds, PageFlags{CursorMode: true, Desc: true}, true},
		{"cursor interior desc outside", 110, bounds, PageFlags{CursorMode: true, Desc: true}, false},

		// Cursor pagination, incomplete tail page: open interval.
		{"cursor incomplete asc past first", 999, boundsAsc, PageFlags{CursorMode: true, Incomplete: true}, true},
		{"cursor incomplete asc before first", 5, boundsAsc, PageFlags{CursorMode: true, Incomplete: true}, false},
		{"cursor incomplete desc below first", 5, bounds, PageFlags{CursorMode: true, Desc: true, Incomplete: true}, true},
		{"cursor incomplete desc above first", 150, bounds, PageFlags{CursorMode: true, Desc: true, Incomplete: true}, false},

		// Invalid bounds: always affected.
		{"invalid bounds", 0, SortBounds{}, PageFlags{CursorMode: true}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Affects(tc.v, tc.b, tc.f); got != tc.want {
				t.Errorf("Affects(%d, %+v, %+v) = %v, want %v", tc.v, tc.b, tc.f, got, tc.want)
			}
		})
	}
}

// TestAffectsTwoPageScenario mirrors the canonical two-page case: desc
// sort, page 0 holds [100..60], page 1 holds [50..10] behind a cursor at
// 60 (a cursor page's First bound is the cursor value, so the inter-page
// gap stays covered). Inserting 55 must invalidate page 1 only.
func TestAffectsTwoPageScenario(t *testing.T) {
	page0 := SortBounds{First: 100, Last: 60, Valid: true}
	page1 := SortBounds{First: 60, Last: 10, Valid: true}
	flags0 := PageFlags{Desc: true, CursorMode: false, FirstPage: true}
	flags1 := PageFlags{Desc: true, CursorMode: true}

	if Affects(55, page0, flags0) {
		t.Error("page 0 [100,60] must not be affected by 55")
	}
	if !Affects(55, page1, flags1) {
		t.Error("page 1 (cursor 60, tail 10) must be affected by 55")
	}
}

func TestAffectsUpdate(t *testing.T) {
	asc := SortBounds{First: 10, Last: 50, Valid: true}

	// Offset mode: range overlap.
	if !AffectsUpdate(5, 30, asc, PageFlags{}) {
		t.Error("range [5,30] overlaps [10,50]")
	}
	if AffectsUpdate(60, 70, asc, PageFlags{}) {
		t.Error("range [60,70] does not overlap [10,50]")
	}
	if !AffectsUpdate(60, 70, asc, PageFlags{Incomplete: true}) {
		t.Error("incomplete offset page is open-ended")
	}

	// Cursor mode: per-value containment OR.
	f := PageFlags{CursorMode: true}
	if !AffectsUpdate(5, 30, asc, f) {
		t.Error("new value 30 is inside [10,50]")
	}
	if AffectsUpdate(5, 60, asc, f) {
		t.Error("neither 5 nor 60 is inside [10,50]")
	}
}

func TestCursorRoundTrip(t *testing.T) {
	c := EncodeCursor(-42, 900)
	sortVal, pk, ok := DecodeCursor(c)
	if !ok || sortVal != -42 || pk != 900 {
		t.Fatalf("DecodeCursor = (%d, %d, %v), want (-42, 900, true)", sortVal, pk, ok)
	}

	if _, _, ok := DecodeCursor([]byte{1, 2, 3}); ok {
		t.Error("short cursor must not decode")
	}

	s := CursorToString(c)
	if got := CursorFromString(s); string(got) != string(c) {
		t.Error("cursor string round-trip mismatch")
	}
	if CursorFromString("") != nil {
		t.Error("empty cursor string must map to nil")
	}
}
