package rediscache

import "strings"

// Key schema for the L2 tier.
//
//	Entity:           {name}:{key}               (colon-joined composite keys)
//	List page:        {name}:dlist:p:{cache_key}
//	List group set:   {name}:dlist:g:{group_key}:_keys
//	Master group set: {name}:dlist_groups        (hash: group set key -> meta)

// EntityKey builds the entity key for a repository.
func EntityKey(name, key string) string {
	return name + ":" + key
}

// CompositeKey joins composite key parts with colons.
func CompositeKey(parts ...string) string {
	return strings.Join(parts, ":")
}

// PageKey builds a list page key.
func PageKey(name, cacheKey string) string {
	return name + ":dlist:p:" + cacheKey
}

// GroupSetKey builds a list group's tracking set key.
func GroupSetKey(name, groupKey string) string {
	return name + ":dlist:g:" + groupKey + ":_keys"
}

// MasterKey builds the per-repository master group hash key.
func MasterKey(name string) string {
	return name + ":dlist_groups"
}
