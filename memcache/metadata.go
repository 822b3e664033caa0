package memcache

import (
	"math"
	"sync/atomic"
)

// Entry metadata for the GDSF policy.
//
// The access count and its decay generation are packed into one 64-bit word
// (count as float32 bits in the high half, generation in the low half) so
// that lazy decay is a single compare-and-swap. Losing a CAS race is benign:
// decay is idempotent under retry — the next reader converges.

// packCountGen packs a float32 access count and a generation tag.
func packCountGen(count float32, gen uint32) uint64 {
	return uint64(math.Float32bits(count))<<32 | uint64(gen)
}

// unpackCountGen splits a packed word into count and generation.
func unpackCountGen(packed uint64) (count float32, gen uint32) {
	return math.Float32frombits(uint32(packed >> 32)), uint32(packed)
}

// entry is one cached slot. A slot holds either a real value or a ghost
// (admission-control placeholder with no value). Ghosts coexist with real
// entries in the same shard map; a key is present as at most one of the two.
type entry[V any] struct {
	value V
	ghost bool

	// bytes is fixed at insertion time (estimated bytes for ghosts).
	bytes int64

	// expiresAt is nanoseconds on the cached clock; 0 = no TTL.
	expiresAt int64

	// countGen is the packed {access count, decay generation} word.
	countGen atomic.Uint64
}

func (e *entry[V]) expired(now int64) bool {
	return e.expiresAt != 0 && e.expiresAt <= now
}

// decayedCount applies the lazy generation decay and stores the result with
// a single CAS. A lost race is ignored; the next access completes the decay.
func (e *entry[V]) decayedCount(p *Policy, curGen uint32) float32 {
	packed := e.countGen.Load()
	count, gen := unpackCountGen(packed)
	delta := curGen - gen
	if delta == 0 {
		return count
	}
	decayed := count * float32(p.decayPow(delta))
	e.countGen.CompareAndSwap(packed, packCountGen(decayed, curGen))
	return decayed
}

// bump applies decay, then adds delta accesses, storing with one CAS.
func (e *entry[V]) bump(p *Policy, curGen uint32, delta float32) {
	packed := e.countGen.Load()
	count, gen := unpackCountGen(packed)
	if d := curGen - gen; d != 0 {
		count *= float32(p.decayPow(d))
	}
	e.countGen.CompareAndSwap(packed, packCountGen(count+delta, curGen))
}

// score derives the GDSF score: decayed-count x avg-construction-cost /
// memoryUsage. Never stored; recomputed from the packed word.
func (e *entry[V]) score(p *Policy, curGen uint32, cost float64) float64 {
	if e.bytes <= 0 {
		return math.Inf(1)
	}
	return float64(e.decayedCount(p, curGen)) * cost / float64(e.bytes)
}
