// Package invalidation implements the declarative cross-repository
// invalidation graph: rules that propagate one repository's writes into
// invalidations on other repositories and list caches.
//
// Consistency Model:
//   - Propagation fires only after the write has succeeded on its own
//     repository (L3 -> L2 -> L1 -> own list cache).
//   - Rule failures are logged and audited but never fail the original
//     write; TTL bounds the resulting staleness.
//   - The graph is evaluated once per write: targets of targets are not
//     recursively invalidated. Repositories needing deeper propagation
//     declare the transitive rules explicitly.
package invalidation

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// KeyTarget is a repository-shaped invalidation target: removing a key
// clears its L1 entry (and L2 if configured) without re-triggering the
// target's own rule graph.
type KeyTarget[K comparable] interface {
	InvalidateLocal(ctx context.Context, key K) error
}

// ListNotifier is a list-cache-shaped target sharing the written entity
// type; notify entry points let the target apply its own sort-bounds
// selective logic.
type ListNotifier[E any] interface {
	NotifyCreated(ctx context.Context, e *E)
	NotifyUpdated(ctx context.Context, oldE, newE *E)
	NotifyDeleted(ctx context.Context, e *E)
}

// GroupInvalidator is a list-cache target addressed by group key.
type GroupInvalidator interface {
	InvalidateListGroupSelective(ctx context.Context, groupKey string, sortVal int64) int
	InvalidateAllListGroups(ctx context.Context) int
}

// Rule is one declared dependency: callbacks per write kind on the source
// repository. Constructors below build the common variants.
type Rule[E any] struct {
	Name     string
	OnCreate func(ctx context.Context, e *E) error
	OnUpdate func(ctx context.Context, oldE, newE *E) error
	OnDelete func(ctx context.Context, e *E) error
}

// InvalidateKey declares a direct rule: the extractor maps the written
// entity to the target's key, which is invalidated on every write kind.
// On update, both the old and new extractions are invalidated when they
// differ.
func InvalidateKey[E any, K comparable](name string, target KeyTarget[K], extract func(*E) K) Rule[E] {
	one := func(ctx context.Context, e *E) error {
		return target.InvalidateLocal(ctx, extract(e))
	}
	return Rule[E]{
		Name:     name,
		OnCreate: one,
		OnDelete: one,
		OnUpdate: func(ctx context.Context, oldE, newE *E) error {
			newKey := extract(newE)
			if err := target.InvalidateLocal(ctx, newKey); err != nil {
				return err
			}
			if oldE != nil {
				if oldKey := extract(oldE); oldKey != newKey {
					return target.InvalidateLocal(ctx, oldKey)
				}
			}
			return nil
		},
	}
}

// InvalidateKeyResolver declares a resolver rule: the target key is not
// present on the written entity and must be resolved asynchronously (e.g.
// a cross-reference via join). ok=false means nothing to invalidate.
func InvalidateKeyResolver[E any, K comparable](name string, target KeyTarget[K], resolve func(context.Context, *E) (K, bool, error)) Rule[E] {
	one := func(ctx context.Context, e *E) error {
		key, ok, err := resolve(ctx, e)
		if err != nil || !ok {
			return err
		}
		return target.InvalidateLocal(ctx, key)
	}
	return Rule[E]{
		Name:     name,
		OnCreate: one,
		OnDelete: one,
		OnUpdate: func(ctx context.Context, _, newE *E) error {
			return one(ctx, newE)
		},
	}
}

// InvalidateList declares a list target: writes are forwarded to the
// target's notify entry points with the written entity so the target's
// list cache applies its own bounds-driven selective invalidation.
func InvalidateList[E any](name string, target ListNotifier[E]) Rule[E] {
	return Rule[E]{
		Name: name,
		OnCreate: func(ctx context.Context, e *E) error {
			target.NotifyCreated(ctx, e)
			return nil
		},
		OnUpdate: func(ctx context.Context, oldE, newE *E) error {
			if oldE == nil {
				target.NotifyCreated(ctx, newE)
			} else {
				target.NotifyUpdated(ctx, oldE, newE)
			}
			return nil
		},
		OnDelete: func(ctx context.Context, e *E) error {
			target.NotifyDeleted(ctx, e)
			return nil
		},
	}
}

// InvalidateListGroups declares a list-via-resolver rule: the resolver
// returns the affected group key and the entity's sort value for that
// group's sort field. all=true or an empty group key invalidates every
// group.
func InvalidateListGroups[E any](name string, target GroupInvalidator, resolve func(context.Context, *E) (groupKey string, sortVal int64, all bool, err error)) Rule[E] {
	one := func(ctx context.Context, e *E) error {
		group, sortVal, all, err := resolve(ctx, e)
		if err != nil {
			return err
		}
		if all || group == "" {
			target.InvalidateAllListGroups(ctx)
			return nil
		}
		target.InvalidateListGroupSelective(ctx, group, sortVal)
		return nil
	}
	return Rule[E]{
		Name:     name,
		OnCreate: one,
		OnDelete: one,
		OnUpdate: func(ctx context.Context, oldE, newE *E) error {
			if oldE != nil {
				if err := one(ctx, oldE); err != nil {
					return err
				}
			}
			return one(ctx, newE)
		},
	}
}

// Metrics tracks propagation counters.
type Metrics struct {
	Propagations atomic.Int64
	RuleRuns     atomic.Int64
	Errors       atomic.Int64
}

// Graph holds a repository's declared rules and drives propagation after
// successful writes.
type Graph[E any] struct {
	rules []Rule[E]
	audit *Audit
	log   *zap.Logger

	Metrics Metrics
}

// NewGraph creates an empty rule graph. audit may be nil.
func NewGraph[E any](logger *zap.Logger, audit *Audit) *Graph[E] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph[E]{log: logger, audit: audit}
}

// Add appends a rule.
func (g *Graph[E]) Add(rules ...Rule[E]) {
	g.rules = append(g.rules, rules...)
}

// SetAudit attaches an audit ring.
func (g *Graph[E]) SetAudit(a *Audit) { g.audit = a }

// Empty reports whether no rules are declared.
func (g *Graph[E]) Empty() bool { return g == nil || len(g.rules) == 0 }

// PropagateCreate fires every rule for an insert. Failures are logged,
// never returned.
func (g *Graph[E]) PropagateCreate(ctx context.Context, e *E) {
	g.propagate(ctx, "create", func(r Rule[E]) error {
		if r.OnCreate == nil {
			return nil
		}
		return r.OnCreate(ctx, e)
	})
}

// PropagateUpdate fires every rule for an update/patch. oldE may be nil
// when the previous state was unavailable.
func (g *Graph[E]) PropagateUpdate(ctx context.Context, oldE, newE *E) {
	g.propagate(ctx, "update", func(r Rule[E]) error {
		if r.OnUpdate == nil {
			return nil
		}
		return r.OnUpdate(ctx, oldE, newE)
	})
}

// PropagateDelete fires every rule for an erase.
func (g *Graph[E]) PropagateDelete(ctx context.Context, e *E) {
	g.propagate(ctx, "delete", func(r Rule[E]) error {
		if r.OnDelete == nil {
			return nil
		}
		return r.OnDelete(ctx, e)
	})
}

func (g *Graph[E]) propagate(ctx context.Context, kind string, run func(Rule[E]) error) {
	if g.Empty() {
		return
	}
	g.Metrics.Propagations.Add(1)
	requestID := newRequestID()
	for _, r := range g.rules {
		g.Metrics.RuleRuns.Add(1)
		err := run(r)
		if err != nil {
			g.Metrics.Errors.Add(1)
			g.log.Warn("cross-invalidation rule failed",
				zap.String("rule", r.Name),
				zap.String("kind", kind),
				zap.String("request_id", requestID),
				zap.Error(err))
		}
		if g.audit != nil {
			g.audit.Record(Record{
				RequestID: requestID,
				Rule:      r.Name,
				Kind:      kind,
				Err:       err,
			})
		}
	}
}
