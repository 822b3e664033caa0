package invalidation

import (
	"context"
	"errors"
	"testing"
)

type user struct {
	ID     int64
	TeamID int64
}

type fakeKeyTarget struct {
	invalidated []int64
	err         error
}

func (f *fakeKeyTarget) InvalidateLocal(_ context.Context, key int64) error {
	if f.err != nil {
		return f.err
	}
	f.invalidated = append(f.invalidated, key)
	return nil
}

type fakeListTarget struct {
	created, updated, deleted int
}

func (f *fakeListTarget) NotifyCreated(context.Context, *user)        { f.created++ }
func (f *fakeListTarget) NotifyUpdated(context.Context, *user, *user) { f.updated++ }
func (f *fakeListTarget) NotifyDeleted(context.Context, *user)        { f.deleted++ }

type fakeGroupTarget struct {
	selective map[string]int64
	all       int
}

func (f *fakeGroupTarget) InvalidateListGroupSelective(_ context.Context, group string, sortVal int64) int {
	if f.selective == nil {
		f.selective = map[string]int64{}
	}
	f.selective[group] = sortVal
	return 1
}

func (f *fakeGroupTarget) InvalidateAllListGroups(context.Context) int {
	f.all++
	return 1
}

func TestDirectRule(t *testing.T) {
	ctx := context.Background()
	target := &fakeKeyTarget{}
	g := NewGraph[user](nil, nil)
	g.Add(InvalidateKey("user-by-team", target, func(u *user) int64 { return u.TeamID }))

	g.PropagateCreate(ctx, &user{ID: 1, TeamID: 7})
	if len(target.invalidated) != 1 || target.invalidated[0] != 7 {
		t.Fatalf("invalidated = %v, want [7]", target.invalidated)
	}

	// Update with a changed extraction invalidates both sides.
	g.PropagateUpdate(ctx, &user{ID: 1, TeamID: 7}, &user{ID: 1, TeamID: 9})
	if len(target.invalidated) != 3 {
		t.Fatalf("invalidated = %v, want new and old team keys", target.invalidated)
	}
}

func TestResolverRule(t *testing.T) {
	ctx := context.Background()
	target := &fakeKeyTarget{}
	g := NewGraph[user](nil, nil)
	g.Add(InvalidateKeyResolver("resolve", target, func(_ context.Context, u *user) (int64, bool, error) {
		if u.TeamID == 0 {
			return 0, false, nil
		}
		return u.TeamID * 10, true, nil
	}))

	g.PropagateDelete(ctx, &user{TeamID: 4})
	if len(target.invalidated) != 1 || target.invalidated[0] != 40 {
		t.Fatalf("invalidated = %v, want [40]", target.invalidated)
	}
	g.PropagateDelete(ctx, &user{TeamID: 0})
	if len(target.invalidated) != 1 {
		t.Fatal("ok=false must invalidate nothing")
	}
}

func TestListRule(t *testing.T) {
	ctx := context.Background()
	target := &fakeListTarget{}
	g := NewGraph[user](nil, nil)
	g.Add(InvalidateList[user]("feed", target))

	g.PropagateCreate(ctx, &user{ID: 1})
	g.PropagateUpdate(ctx, &user{ID: 1}, &user{ID: 1})
	g.PropagateUpdate(ctx, nil, &user{ID: 2})
	g.PropagateDelete(ctx, &user{ID: 1})

	if target.created != 2 || target.updated != 1 || target.deleted != 1 {
		t.Fatalf("notify counts = %+v", target)
	}
}

func TestListGroupsRule(t *testing.T) {
	ctx := context.Background()
	target := &fakeGroupTarget{}
	g := NewGraph[user](nil, nil)
	g.Add(InvalidateListGroups("team-feed", target, func(_ context.Context, u *user) (string, int64, bool, error) {
		if u.TeamID == 0 {
			return "", 0, true, nil // unknown group: invalidate everything
		}
		return "team-g", u.ID, false, nil
	}))

	g.PropagateCreate(ctx, &user{ID: 5, TeamID: 7})
	if target.selective["team-g"] != 5 {
		t.Fatalf("selective = %v", target.selective)
	}
	g.PropagateCreate(ctx, &user{ID: 6, TeamID: 0})
	if target.all != 1 {
		t.Fatalf("all = %d, want 1", target.all)
	}
}

func TestRuleFailuresDoNotPropagate(t *testing.T) {
	ctx := context.Background()
	failing := &fakeKeyTarget{err: errors.New("target down")}
	healthy := &fakeKeyTarget{}
	audit := NewAudit(8)

	g := NewGraph[user](nil, audit)
	g.Add(
		InvalidateKey("failing", failing, func(u *user) int64 { return u.ID }),
		InvalidateKey("healthy", healthy, func(u *user) int64 { return u.ID }),
	)

	// A failing rule never panics or aborts; later rules still run.
	g.PropagateCreate(ctx, &user{ID: 3})
	if len(healthy.invalidated) != 1 {
		t.Fatal("healthy rule must still run after a failure")
	}
	if g.Metrics.Errors.Load() != 1 {
		t.Errorf("Errors = %d, want 1", g.Metrics.Errors.Load())
	}

	recent := audit.Recent(0)
	if len(recent) != 2 {
		t.Fatalf("audit records = %d, want 2", len(recent))
	}
	// Newest first; both carry the same request ID.
	if recent[0].RequestID != recent[1].RequestID {
		t.Error("one propagation pass must share a request ID")
	}
	var failed int
	for _, rec := range recent {
		if rec.Err != nil {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed records = %d, want 1", failed)
	}
}

func TestAuditRingWraps(t *testing.T) {
	a := NewAudit(2)
	a.Record(Record{Rule: "r1"})
	a.Record(Record{Rule: "r2"})
	a.Record(Record{Rule: "r3"})

	recent := a.Recent(0)
	if len(recent) != 2 {
		t.Fatalf("Recent = %d records, want 2", len(recent))
	}
	if recent[0].Rule != "r3" || recent[1].Rule != "r2" {
		t.Errorf("ring order = %v", []string{recent[0].Rule, recent[1].Rule})
	}
}

func TestEmptyGraphIsNoop(t *testing.T) {
	var g *Graph[user]
	if !g.Empty() {
		t.Fatal("nil graph is empty")
	}
	g2 := NewGraph[user](nil, nil)
	g2.PropagateCreate(context.Background(), &user{})
	if g2.Metrics.Propagations.Load() != 0 {
		t.Error("empty graph must not count propagations")
	}
}
