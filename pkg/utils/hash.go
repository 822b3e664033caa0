// Package utils provides utility functions shared by the cache tiers.
//
// This file implements FNV-1a hashing helpers and a consistent hashing ring
// with virtual nodes, used for shard selection and L2 endpoint selection.
//
// Design Notes:
//   - Uses FNV-1a 64-bit hash (stdlib, fast, good distribution)
//   - Virtual nodes (replicas) improve load distribution
//   - Thread-safe via sync.RWMutex
//   - O(log M) lookup complexity where M = total virtual nodes
//
// Trade-offs:
//   - xxhash would be ~2x faster but adds a direct dependency for no
//     measurable win at cache-key sizes.
package utils

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
)

// Hash64 computes the FNV-1a 64-bit hash of a string.
// Performance: ~150ns per key on modern CPUs.
func Hash64(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// HashBytes64 computes the FNV-1a 64-bit hash of a byte slice.
func HashBytes64(b []byte) uint64 {
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}

// KV is a key/value pair participating in an order-independent hash.
type KV struct {
	Index int
	Value string
}

// HashKVs computes a deterministic, order-independent hash over a set of
// indexed values (e.g., the set filters of a list query). Pairs are sorted
// by index before hashing, so {a,b} and {b,a} produce the same digest.
func HashKVs(kvs []KV) uint64 {
	sorted := make([]KV, len(kvs))
	copy(sorted, kvs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	h := fnv.New64a()
	for _, kv := range sorted {
		h.Write([]byte(strconv.Itoa(kv.Index)))
		h.Write([]byte{'='})
		h.Write([]byte(kv.Value))
		h.Write([]byte{';'})
	}
	return h.Sum64()
}

// DefaultReplicas is the default number of virtual nodes per physical node.
const DefaultReplicas = 150

// HashRing implements a consistent hashing ring with virtual nodes.
// Used to pin cache keys to one of several L2 endpoints so that every
// process resolves the same key to the same server.
type HashRing struct {
	mu       sync.RWMutex
	replicas int
	keys     []uint64          // sorted ring positions
	ring     map[uint64]string // hash -> node ID
	nodes    map[string]int    // node ID -> weight
}

// NewHashRing creates a new consistent hash ring.
// Use 0 for the default replica count (150).
func NewHashRing(replicas int) *HashRing {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	return &HashRing{
		replicas: replicas,
		ring:     make(map[uint64]string),
		nodes:    make(map[string]int),
	}
}

// AddNode adds a node with the given weight (default 1).
// Complexity: O(replicas * weight * log M).
func (h *HashRing) AddNode(nodeID string, weight int) error {
	if nodeID == "" {
		return fmt.Errorf("nodeID cannot be empty")
	}
	if weight <= 0 {
		weight = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.nodes[nodeID] = weight

	virtualNodes := h.replicas * weight
	for i := 0; i < virtualNodes; i++ {
		hash := Hash64(fmt.Sprintf("%s:%d", nodeID, i))
		h.ring[hash] = nodeID
		h.keys = append(h.keys, hash)
	}

	sort.Slice(h.keys, func(i, j int) bool { return h.keys[i] < h.keys[j] })
	return nil
}

// RemoveNode removes a node from the ring.
func (h *HashRing) RemoveNode(nodeID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	weight, exists := h.nodes[nodeID]
	if !exists {
		return fmt.Errorf("node %s not found", nodeID)
	}

	virtualNodes := h.replicas * weight
	for i := 0; i < virtualNodes; i++ {
		delete(h.ring, Hash64(fmt.Sprintf("%s:%d", nodeID, i)))
	}

	newKeys := make([]uint64, 0, len(h.ring))
	for hash := range h.ring {
		newKeys = append(newKeys, hash)
	}
	sort.Slice(newKeys, func(i, j int) bool { return newKeys[i] < newKeys[j] })
	h.keys = newKeys

	delete(h.nodes, nodeID)
	return nil
}

// GetNode returns the node responsible for the given key, or "" if the
// ring is empty. Complexity: O(log M).
func (h *HashRing) GetNode(key string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.keys) == 0 {
		return ""
	}

	hash := Hash64(key)
	idx := sort.Search(len(h.keys), func(i int) bool { return h.keys[i] >= hash })
	if idx == len(h.keys) {
		idx = 0
	}
	return h.ring[h.keys[idx]]
}

// Nodes returns all node IDs currently in the ring.
func (h *HashRing) Nodes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	nodes := make([]string, 0, len(h.nodes))
	for nodeID := range h.nodes {
		nodes = append(nodes, nodeID)
	}
	return nodes
}

// Size returns the number of physical nodes in the ring.
func (h *HashRing) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}
