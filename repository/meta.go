package repository

import (
	"fmt"

	"github.com/relais-dev/relais/listcache"
	"github.com/relais-dev/relais/pgstore"
	"github.com/relais-dev/relais/pkg/utils"
)

// Meta is everything the repository consumes about an entity: its table
// mapping, key formatting, serializers to both formats, a memory
// estimator, and optionally a list descriptor.
//
// Entities are treated as immutable once cached: readers share the same
// instance, so callers must not mutate what Find returns.
type Meta[E any, K comparable] struct {
	// Name is the repository name, used as the cache key namespace.
	Name string

	// Mapping binds the entity to its table (SQL generation, scanning).
	Mapping *pgstore.Mapping[E, K]

	// KeyString renders a key for cache key schemas; composite keys join
	// their parts with colons. Defaults to fmt.Sprint.
	KeyString func(K) string

	// MemoryUsage estimates an entity's bytes for L1 accounting.
	// Defaults to the encoded-size estimate.
	MemoryUsage func(*E) int

	// Serializers. JSON defaults to encoding/json, binary to msgpack.
	// Set NoBinary when the entity genuinely has no binary form; a
	// binary-format L2 then falls back to JSON payloads.
	ToJSON     func(*E) ([]byte, error)
	FromJSON   func([]byte) (*E, error)
	ToBinary   func(*E) ([]byte, error)
	FromBinary func([]byte) (*E, error)
	NoBinary   bool

	// List enables the list cache for this entity.
	List *listcache.Descriptor[E]
}

// withDefaults fills in the defaultable hooks.
func (m Meta[E, K]) withDefaults() (Meta[E, K], error) {
	if m.Name == "" {
		return m, fmt.Errorf("repository: Meta.Name is required")
	}
	if m.Mapping == nil {
		return m, fmt.Errorf("repository %s: Meta.Mapping is required", m.Name)
	}
	if m.KeyString == nil {
		m.KeyString = func(k K) string { return fmt.Sprint(k) }
	}
	if m.MemoryUsage == nil {
		m.MemoryUsage = func(e *E) int { return utils.EstimateEncodedSize(e) }
	}
	if m.ToJSON == nil {
		m.ToJSON = func(e *E) ([]byte, error) { return utils.MarshalJSON(e) }
	}
	if m.FromJSON == nil {
		m.FromJSON = func(data []byte) (*E, error) {
			var e E
			if err := utils.UnmarshalJSON(data, &e); err != nil {
				return nil, err
			}
			return &e, nil
		}
	}
	if m.NoBinary {
		m.ToBinary = nil
		m.FromBinary = nil
	} else {
		if m.ToBinary == nil {
			m.ToBinary = func(e *E) ([]byte, error) { return utils.MarshalBinary(e) }
		}
		if m.FromBinary == nil {
			m.FromBinary = func(data []byte) (*E, error) {
				var e E
				if err := utils.UnmarshalBinary(data, &e); err != nil {
					return nil, err
				}
				return &e, nil
			}
		}
	}
	return m, nil
}

// hasBinary reports whether the entity carries a binary codec.
func (m *Meta[E, K]) hasBinary() bool { return !m.NoBinary && m.ToBinary != nil }
