package memcache

import "sync/atomic"

// stripeCount is the number of cache-line-aligned counter slots.
const stripeCount = 8

// StripedCounter is a lock-free counter striped across cache-line-aligned
// slots to avoid write contention. Increments pick a slot from the caller's
// hint (a key hash — Go offers no cheap thread identity); the total is a sum
// across slots and is not meant for the read hot path.
type StripedCounter struct {
	slots [stripeCount]struct {
		v atomic.Int64
		_ [56]byte // pad to 64 bytes
	}
}

// Add adds n to the slot selected by hint.
func (c *StripedCounter) Add(hint uint64, n int64) {
	c.slots[hint%stripeCount].v.Add(n)
}

// Total sums all slots. O(stripeCount); call off the hot path.
func (c *StripedCounter) Total() int64 {
	var total int64
	for i := range c.slots {
		total += c.slots[i].v.Load()
	}
	return total
}

// Reset zeroes all slots (tests only).
func (c *StripedCounter) Reset() {
	for i := range c.slots {
		c.slots[i].v.Store(0)
	}
}
