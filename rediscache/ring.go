package rediscache

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relais-dev/relais/pkg/utils"
)

// Ring distributes repository namespaces across several cache servers via
// consistent hashing, so every process resolves a given repository to the
// same endpoint. Each endpoint gets one Cache wrapper; For picks the
// wrapper for a namespace at repository construction time.
type Ring struct {
	ring   *utils.HashRing
	caches map[string]*Cache
}

// NewRing builds a ring over named endpoints.
func NewRing(endpoints map[string]redis.UniversalClient, logger *zap.Logger) *Ring {
	r := &Ring{
		ring:   utils.NewHashRing(0),
		caches: make(map[string]*Cache, len(endpoints)),
	}
	for name, client := range endpoints {
		_ = r.ring.AddNode(name, 1)
		r.caches[name] = New(client, logger)
	}
	return r
}

// For returns the cache pinned to the endpoint owning the namespace
// (typically the repository name). Returns nil for an empty ring, which
// repositories treat as "no L2 configured".
func (r *Ring) For(namespace string) *Cache {
	node := r.ring.GetNode(namespace)
	if node == "" {
		return nil
	}
	return r.caches[node]
}

// Endpoints returns the registered endpoint names.
func (r *Ring) Endpoints() []string {
	return r.ring.Nodes()
}
