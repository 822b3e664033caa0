package listcache

import (
	"sync"
	"sync/atomic"

	"github.com/relais-dev/relais/pkg/clock"
)

// EventKind classifies a modification-log entry.
type EventKind uint8

const (
	EventCreated EventKind = iota
	EventUpdated
	EventDeleted
)

// Event records one entity write: the entity's filter tags, its sort
// value(s) for every sort field (old and new for updates), and a monotonic
// timestamp. seen is a per-chunk bitset marking which chunks have already
// checked the event against their pages.
type Event struct {
	Kind     EventKind
	Tags     []string
	OldSorts []int64 // nil for creations
	NewSorts []int64 // nil for deletions
	When     int64

	seen atomic.Uint64
}

// markSeen sets the chunk's bit.
func (e *Event) markSeen(chunk int) {
	for {
		old := e.seen.Load()
		if old&(1<<uint(chunk)) != 0 {
			return
		}
		if e.seen.CompareAndSwap(old, old|1<<uint(chunk)) {
			return
		}
	}
}

// seenByAll reports whether every chunk has observed the event.
func (e *Event) seenByAll(chunkCount int) bool {
	full := uint64(1)<<uint(chunkCount) - 1
	return e.seen.Load()&full == full
}

// affectsPage applies the per-event affect test from the page's
// perspective: the event's tags must satisfy the page's filters, and the
// relevant sort value(s) must fall within the page's bounds under its
// flags.
func (e *Event) affectsPage(filters Filters, sortField int, b SortBounds, f PageFlags) bool {
	if !TagsMatchFilters(e.Tags, filters) {
		return false
	}
	switch e.Kind {
	case EventCreated:
		return Affects(e.sortVal(e.NewSorts, sortField), b, f)
	case EventDeleted:
		return Affects(e.sortVal(e.OldSorts, sortField), b, f)
	default:
		return AffectsUpdate(
			e.sortVal(e.OldSorts, sortField),
			e.sortVal(e.NewSorts, sortField), b, f)
	}
}

func (e *Event) sortVal(vals []int64, field int) int64 {
	if field < len(vals) {
		return vals[field]
	}
	return 0
}

// ModLog is the shared, time-ordered modification log for one repository's
// list cache. Appends take the mutex; the latest-modification timestamp is
// an atomic for fast staleness checks on the read path.
type ModLog struct {
	mu         sync.Mutex
	events     []*Event
	latest     atomic.Int64
	chunkCount int
}

// NewModLog creates a log drained in chunk-sized steps.
func NewModLog(chunkCount int) *ModLog {
	if chunkCount < 1 {
		chunkCount = 1
	}
	if chunkCount > 64 {
		chunkCount = 64
	}
	return &ModLog{chunkCount: chunkCount}
}

// Append records an entity write.
func (l *ModLog) Append(kind EventKind, tags []string, oldSorts, newSorts []int64) {
	ev := &Event{
		Kind:     kind,
		Tags:     tags,
		OldSorts: oldSorts,
		NewSorts: newSorts,
		When:     clock.Precise(),
	}
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	l.latest.Store(ev.When)
}

// Latest returns the timestamp of the newest event (0 when empty).
func (l *ModLog) Latest() int64 { return l.latest.Load() }

// Len returns the number of retained events.
func (l *ModLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// PageValid checks a page (created at createdAt) against every event
// logged after its creation. Returns false as soon as one event affects
// the page. The fast path is one atomic load when nothing was modified
// since the page was built.
func (l *ModLog) PageValid(createdAt int64, filters Filters, sortField int, b SortBounds, f PageFlags) bool {
	if l.latest.Load() <= createdAt {
		return true
	}
	l.mu.Lock()
	events := make([]*Event, 0, len(l.events))
	for _, ev := range l.events {
		if ev.When > createdAt {
			events = append(events, ev)
		}
	}
	l.mu.Unlock()

	for _, ev := range events {
		if ev.affectsPage(filters, sortField, b, f) {
			return false
		}
	}
	return true
}

// MarkChunkChecked records that a chunk validated all of its pages against
// events up to timestamp upTo. Called from sweeps; once every chunk's bit
// is set an event becomes drainable.
func (l *ModLog) MarkChunkChecked(chunk int, upTo int64) {
	l.mu.Lock()
	events := make([]*Event, 0, len(l.events))
	for _, ev := range l.events {
		if ev.When <= upTo {
			events = append(events, ev)
		}
	}
	l.mu.Unlock()
	for _, ev := range events {
		ev.markSeen(chunk)
	}
}

// Drain drops events every chunk has observed that are older than the
// oldest cached page. Runs opportunistically from sweeps and reads.
func (l *ModLog) Drain(oldestPage int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.events[:0]
	dropped := 0
	for _, ev := range l.events {
		if ev.seenByAll(l.chunkCount) && (oldestPage == 0 || ev.When < oldestPage) {
			dropped++
			continue
		}
		kept = append(kept, ev)
	}
	l.events = kept
	return dropped
}
