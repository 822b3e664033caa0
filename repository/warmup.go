package repository

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// WarmupKeys prefetches the given keys through the normal read path,
// populating L2 and L1. The limiter paces the prefetch so startup warming
// does not starve live traffic of database capacity; pass nil for
// unthrottled warming. Returns the number of keys found.
func (r *Repository[E, K]) WarmupKeys(ctx context.Context, keys []K, limiter *rate.Limiter) (int, error) {
	r.Warmup()

	found := 0
	for _, key := range keys {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return found, err
			}
		}
		e, err := r.Find(ctx, key)
		if err != nil {
			r.log.Warn("warmup fetch failed", zap.Error(err))
			continue
		}
		if e != nil {
			found++
		}
	}
	r.log.Debug("warmup complete", zap.Int("requested", len(keys)), zap.Int("found", found))
	return found, nil
}
