package cache

import "time"

// Options control how a value is stored.
type Options struct {
	// TTL overrides the cache default when positive.
	TTL time.Duration
	// Tags label the entry for group invalidation.
	Tags []string
}

// Meta is the result of a metadata-aware lookup. A stale result carries the
// last known value past its TTL but within the staleness window; callers
// decide whether to keep serving it while a refresh runs.
type Meta struct {
	Value any
	Hit   bool
	Stale bool
	Age   time.Duration
}

// Stats holds hit/miss counters for a single tier.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hitRate"`
	Size    int     `json:"size"`
}
