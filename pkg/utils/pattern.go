package utils

import (
	"errors"
	"regexp"
	"strings"
	"sync"
)

// PatternMatcher provides pattern matching for cache keys.
// Uses prefix matching for simple wildcards and a cached compiled regex for
// complex patterns.
//
// Supported patterns:
//   - Exact:   "user:123" matches only "user:123"
//   - Prefix:  "user:*" matches "user:123", "user:456", etc.
//   - Suffix:  "*:profile" matches "user:profile", "product:profile"
//   - Contains: "*:123:*" matches any key containing ":123:"
type PatternMatcher struct {
	regexCache sync.Map // map[string]*regexp.Regexp
}

// NewPatternMatcher creates a new pattern matcher with regex caching.
func NewPatternMatcher() *PatternMatcher {
	return &PatternMatcher{}
}

// IsWildcard checks if a pattern contains wildcard characters.
func IsWildcard(pattern string) bool {
	return strings.Contains(pattern, "*")
}

// Matches reports whether a single key matches the pattern.
// Complexity: O(k) where k = key length for wildcard patterns.
func (pm *PatternMatcher) Matches(key, pattern string) bool {
	if pattern == "" {
		return false
	}
	if !IsWildcard(pattern) {
		return key == pattern
	}
	if pattern == "*" {
		return true
	}

	hasPrefix := strings.HasPrefix(pattern, "*")
	hasSuffix := strings.HasSuffix(pattern, "*")
	inner := strings.Trim(pattern, "*")
	if strings.Contains(inner, "*") {
		// Complex wildcard: convert to anchored regex
		return pm.matchRegex(wildcardToRegex(pattern), key)
	}

	switch {
	case hasPrefix && hasSuffix:
		return !strings.Contains(inner, "*") && strings.Contains(key, inner)
	case hasPrefix:
		return !strings.Contains(inner, "*") && strings.HasSuffix(key, inner)
	case hasSuffix:
		return !strings.Contains(inner, "*") && strings.HasPrefix(key, inner)
	default:
		// Complex wildcard: convert to anchored regex
		return pm.matchRegex(wildcardToRegex(pattern), key)
	}
}

// Match returns all keys that match the given pattern.
// Complexity: O(n*k) where n = number of keys, k = key length.
func (pm *PatternMatcher) Match(pattern string, keys []string) []string {
	matches := make([]string, 0)
	for _, key := range keys {
		if pm.Matches(key, pattern) {
			matches = append(matches, key)
		}
	}
	return matches
}

func (pm *PatternMatcher) matchRegex(pattern, key string) bool {
	var re *regexp.Regexp
	if cached, ok := pm.regexCache.Load(pattern); ok {
		re = cached.(*regexp.Regexp)
	} else {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return false
		}
		pm.regexCache.Store(pattern, re)
	}
	return re.MatchString(key)
}

// wildcardToRegex converts a wildcard pattern to an anchored regex.
// Example: "user:*:profile" -> "^user:.*:profile$"
func wildcardToRegex(pattern string) string {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, "\\*", ".*")
	return "^" + escaped + "$"
}

// ValidatePattern checks that a pattern is safe and valid.
func ValidatePattern(pattern string) error {
	if len(pattern) > 1000 {
		return errors.New("pattern too long")
	}
	if IsWildcard(pattern) && strings.Count(strings.Trim(pattern, "*"), "*") > 0 {
		if _, err := regexp.Compile(wildcardToRegex(pattern)); err != nil {
			return err
		}
	}
	return nil
}
