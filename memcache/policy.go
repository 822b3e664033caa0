package memcache

import (
	"math"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Policy is the process-wide GDSF coordination point: memory budget,
// decay generation, admission threshold, and the registry of enrolled
// caches for emergency cleanup across repositories.
//
// All hot-path state is lock-free atomics; the registry mutex guards only
// enrollment and the emergency sweep loop.
type Policy struct {
	budget int64
	factor float64
	decay  [maxDecayGenerations + 1]float64

	used       StripedCounter
	generation atomic.Uint32
	avgScore   atomic.Uint64 // float64 bits: EMA of avg surviving-entry score
	correction atomic.Uint64 // float64 bits: keep/reject correction coefficient

	mu    sync.Mutex
	repos []RepoHooks

	log *zap.Logger
}

// RepoHooks is what a cache registers with the policy on first access, so
// emergency cleanup and cross-repository coordination can operate without
// knowing the cache's type.
type RepoHooks struct {
	Sweep     func() bool
	Size      func() int
	RepoScore func() float64
	Name      string
}

// maxDecayGenerations bounds the precomputed power table; older entries
// decay to the table's last value.
const maxDecayGenerations = 32

// DefaultDecayFactor is the per-generation multiplier applied to access
// counts.
const DefaultDecayFactor = 0.9

// NewPolicy creates a GDSF policy with the given memory budget in bytes.
// A budget of 0 disables GDSF (TTL-only caches pass a nil policy instead).
func NewPolicy(budget int64, decayFactor float64, logger *zap.Logger) *Policy {
	if decayFactor <= 0 || decayFactor >= 1 {
		decayFactor = DefaultDecayFactor
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Policy{budget: budget, factor: decayFactor, log: logger}
	for i := range p.decay {
		p.decay[i] = math.Pow(decayFactor, float64(i))
	}
	p.correction.Store(math.Float64bits(1.0))
	return p
}

// Budget returns the configured memory budget in bytes.
func (p *Policy) Budget() int64 { return p.budget }

// Generation returns the current decay generation.
func (p *Policy) Generation() uint32 { return p.generation.Load() }

// Tick advances the decay generation. Called once per sweep cycle.
func (p *Policy) Tick() { p.generation.Add(1) }

// decayPow returns factor^delta from the precomputed table.
func (p *Policy) decayPow(delta uint32) float64 {
	if delta > maxDecayGenerations {
		delta = maxDecayGenerations
	}
	return p.decay[delta]
}

// Used returns the total accounted bytes across all enrolled caches.
func (p *Policy) Used() int64 { return p.used.Total() }

// addUsed adjusts the striped byte counter.
func (p *Policy) addUsed(hint uint64, n int64) { p.used.Add(hint, n) }

// Threshold is the admission/eviction score threshold: the moving average
// of surviving-entry scores times the correction coefficient. Callers
// multiply by PressureFactor for admission decisions.
func (p *Policy) Threshold() float64 {
	avg := math.Float64frombits(p.avgScore.Load())
	corr := math.Float64frombits(p.correction.Load())
	return avg * corr
}

// PressureFactor is a monotonically non-decreasing function of
// used/budget. 1.0 below 0.75 utilization; linear ramp to 2.0 at 0.95;
// quadratic above.
func (p *Policy) PressureFactor() float64 {
	if p.budget <= 0 {
		return 1.0
	}
	u := float64(p.Used()) / float64(p.budget)
	switch {
	case u < 0.75:
		return 1.0
	case u <= 0.95:
		return 1.0 + (u-0.75)*5.0 // 2.0 at 0.95
	default:
		d := u - 0.95
		return 2.0 + 1000.0*d*d
	}
}

// IsOverBudget reports whether accounted bytes exceed the budget.
func (p *Policy) IsOverBudget() bool {
	return p.budget > 0 && p.Used() > p.budget
}

// recordSweep folds one sweep's statistics into the threshold estimate.
// avgKept is the mean score of surviving entries; total/kept are the scan
// and survivor counts.
func (p *Policy) recordSweep(avgKept float64, total, kept int) {
	if kept > 0 {
		old := p.avgScore.Load()
		oldAvg := math.Float64frombits(old)
		newAvg := avgKept
		if oldAvg != 0 {
			newAvg = 0.8*oldAvg + 0.2*avgKept
		}
		// CAS without retry — the estimate is approximate by construction.
		p.avgScore.CompareAndSwap(old, math.Float64bits(newAvg))
	}

	if total > 0 {
		rejectRatio := float64(total-kept) / float64(total)
		old := p.correction.Load()
		corr := math.Float64frombits(old)
		if rejectRatio > 0.25 {
			corr *= 0.99
		} else if rejectRatio < 0.05 {
			corr *= 1.01
		}
		corr = math.Min(2.0, math.Max(0.5, corr))
		p.correction.CompareAndSwap(old, math.Float64bits(corr))
	}
}

// Enroll registers a cache's hooks for global coordination. Called once per
// cache on first access.
func (p *Policy) Enroll(h RepoHooks) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.repos = append(p.repos, h)
	p.log.Debug("gdsf: cache enrolled", zap.String("name", h.Name))
}

// EmergencyCleanup sweeps enrolled caches synchronously until accounted
// bytes drop to 95% of the budget or no sweep makes progress. Runs on the
// caller's goroutine; invoked when a put pushes usage over budget.
func (p *Policy) EmergencyCleanup() {
	if p.budget <= 0 {
		return
	}
	target := p.budget - p.budget/20 // 0.95 x budget

	p.mu.Lock()
	repos := make([]RepoHooks, len(p.repos))
	copy(repos, p.repos)
	p.mu.Unlock()

	if len(repos) == 0 {
		return
	}

	const maxRounds = 128
	for round := 0; round < maxRounds && p.Used() > target; round++ {
		progress := false
		for _, r := range repos {
			if p.Used() <= target {
				return
			}
			if r.Sweep() {
				progress = true
			}
		}
		if !progress {
			p.log.Warn("gdsf: emergency cleanup made no progress",
				zap.Int64("used", p.Used()), zap.Int64("budget", p.budget))
			return
		}
	}
}
