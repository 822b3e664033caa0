// Package clock provides a background-refreshed monotonic clock for cache
// hot paths.
//
// Design Notes:
//   - A dedicated goroutine stores the current monotonic offset every 100ms.
//   - Reads are a single relaxed atomic load (~1ns, zero contention).
//   - For 1-hour TTL checks, 100ms precision is more than sufficient.
//   - Write paths that need precise timing (e.g., construction cost
//     measurement) should use Precise() instead.
package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Interval is how often the background goroutine refreshes the cached time.
const Interval = 100 * time.Millisecond

var (
	base = time.Now()

	cached    atomic.Int64 // nanoseconds since base
	startOnce sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup
)

// Now returns the cached monotonic time in nanoseconds since process start.
// Hot path: single atomic load. Call Start() once before relying on
// freshness; without it, Now() returns the value captured at the last
// refresh (zero if never started).
func Now() int64 {
	return cached.Load()
}

// Precise returns the real monotonic time in nanoseconds since process
// start, bypassing the cache. Use for measurements, not for TTL checks.
func Precise() int64 {
	return int64(time.Since(base))
}

// Start launches the background refresh goroutine (idempotent).
func Start() {
	startOnce.Do(func() {
		cached.Store(Precise())
		stopChan = make(chan struct{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					cached.Store(Precise())
				case <-stopChan:
					return
				}
			}
		}()
	})
}

// Stop terminates the background goroutine (for clean shutdown in tests).
// After Stop, Now() keeps returning the last refreshed value.
func Stop() {
	if stopChan != nil {
		close(stopChan)
		wg.Wait()
		stopChan = nil
	}
}

// Refresh forces an immediate update of the cached time.
// Useful in tests that cannot wait for the 100ms tick.
func Refresh() {
	cached.Store(Precise())
}
