// Package cache provides the TTL key-value stores consulted before and
// populated after expensive upstream calls (SERP lookups, fan-out queries,
// generated briefs).
package cache

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// DefaultTTL is used when Set is called with a non-positive ttl and the
// store was built without an explicit default.
const DefaultTTL = time.Hour

// Cache is a TTL key-value store. Values are opaque bytes; callers encode
// their own payloads.
type Cache interface {
	// Get returns the value for key. Absent and expired entries are misses.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set inserts or overwrites key. A non-positive ttl selects the store default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)

	// Invalidate deletes every key matching pattern and returns how many were removed.
	Invalidate(ctx context.Context, pattern string) int

	// Clear removes every entry.
	Clear(ctx context.Context)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Entry is a single cached value with its write time.
type Entry struct {
	Key       string
	Value     []byte
	WrittenAt time.Time
	TTL       time.Duration
}

// Expired reports whether the entry is stale at now.
func (e Entry) Expired(now time.Time) bool {
	return now.Sub(e.WrittenAt) > e.TTL
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
}

// matcher compiles pattern as a regular expression, falling back to a plain
// substring test when it does not compile.
func matcher(pattern string) func(string) bool {
	if re, err := regexp.Compile(pattern); err == nil {
		return re.MatchString
	}
	return func(s string) bool { return strings.Contains(s, pattern) }
}

// Key joins parts into a normalized cache key: lowercased, whitespace
// collapsed, parts separated by ':'.
func Key(parts ...string) string {
	norm := make([]string, len(parts))
	for i, p := range parts {
		norm[i] = strings.Join(strings.Fields(strings.ToLower(p)), " ")
	}
	return strings.Join(norm, ":")
}
