package cache

import (
	"regexp"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// entry is a cached value with its expiration and tag metadata.
type entry struct {
	value     any
	createdAt time.Time
	expiresAt time.Time
	tags      []string
}

// Config for creating a Memory cache.
type Config struct {
	// MaxEntries bounds the number of live entries; the least recently
	// touched entry is evicted when an insert would exceed it.
	MaxEntries int
	// TTL is the default freshness window for entries stored without an
	// explicit TTL.
	TTL time.Duration
	// MaxStaleAge is the absolute age past which an expired entry is no
	// longer served as stale and becomes eligible for purging.
	MaxStaleAge time.Duration
	// SweepInterval enables a background purge of dead entries when
	// positive. Purely a memory optimization: expired entries are already
	// checked lazily on every access.
	SweepInterval time.Duration
	Logger        zerolog.Logger
}

// Memory is an in-process, capacity-bounded cache with per-entry TTL, tag
// indexing and LRU eviction. All methods are safe for concurrent use.
type Memory struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *entry]
	tags  map[string]map[string]struct{}

	ttl      time.Duration
	maxStale time.Duration

	hits   uint64
	misses uint64

	logger    zerolog.Logger
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemory creates a bounded in-memory cache.
func NewMemory(cfg Config) (*Memory, error) {
	mc := &Memory{
		tags:     make(map[string]map[string]struct{}),
		ttl:      cfg.TTL,
		maxStale: cfg.MaxStaleAge,
		logger:   cfg.Logger.With().Str("tier", "memory").Logger(),
		done:     make(chan struct{}),
	}

	// The eviction callback keeps the tag index consistent for every
	// removal path: capacity eviction, Delete, invalidation and Clear.
	cache, err := lru.NewWithEvict[string, *entry](cfg.MaxEntries, mc.onEvict)
	if err != nil {
		return nil, err
	}
	mc.cache = cache

	if cfg.SweepInterval > 0 {
		go mc.sweepLoop(cfg.SweepInterval)
	}

	return mc, nil
}

// onEvict unlinks an evicted key from the tag index. Always called with
// mc.mu held, since every cache mutation happens under it.
func (mc *Memory) onEvict(key string, e *entry) {
	for _, tag := range e.tags {
		if keys, ok := mc.tags[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(mc.tags, tag)
			}
		}
	}
}

// Set inserts or overwrites an entry. Inserting a new key at capacity evicts
// exactly one least-recently-touched entry.
func (mc *Memory) Set(key string, value any, opts Options) {
	ttl := mc.ttl
	if opts.TTL > 0 {
		ttl = opts.TTL
	}

	now := time.Now()
	e := &entry{
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
		tags:      opts.Tags,
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	// Overwrites do not go through the eviction callback, so the previous
	// entry's tags are unlinked here.
	if old, ok := mc.cache.Peek(key); ok {
		mc.onEvict(key, old)
	}

	mc.cache.Add(key, e)

	for _, tag := range opts.Tags {
		keys, ok := mc.tags[tag]
		if !ok {
			keys = make(map[string]struct{})
			mc.tags[tag] = keys
		}
		keys[key] = struct{}{}
	}
}

// Get retrieves a fresh value. Expired entries are purged on access and
// reported as misses.
func (mc *Memory) Get(key string) (any, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	e, ok := mc.cache.Get(key)
	if !ok {
		mc.misses++
		return nil, false
	}

	if time.Now().After(e.expiresAt) {
		mc.cache.Remove(key)
		mc.misses++
		return nil, false
	}

	mc.hits++
	return e.value, true
}

// GetWithMeta retrieves a value together with its freshness classification.
// An expired entry still within MaxStaleAge is returned with Stale=true
// instead of being purged; past that window it is removed and reported as a
// miss.
func (mc *Memory) GetWithMeta(key string) Meta {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	e, ok := mc.cache.Get(key)
	if !ok {
		mc.misses++
		return Meta{}
	}

	now := time.Now()
	age := now.Sub(e.createdAt)

	if !now.After(e.expiresAt) {
		mc.hits++
		return Meta{Value: e.value, Hit: true, Age: age}
	}

	if mc.maxStale > 0 && age <= mc.maxStale {
		mc.hits++
		return Meta{Value: e.value, Stale: true, Age: age}
	}

	mc.cache.Remove(key)
	mc.misses++
	return Meta{Age: age}
}

// Delete removes a key. Returns true if it was present.
func (mc *Memory) Delete(key string) bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.cache.Remove(key)
}

// Has reports whether a fresh entry exists for key, without touching its
// recency or the hit/miss counters.
func (mc *Memory) Has(key string) bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	e, ok := mc.cache.Peek(key)
	return ok && !time.Now().After(e.expiresAt)
}

// TTL returns the remaining freshness of key in whole seconds, or -1 when
// the key is absent or already expired.
func (mc *Memory) TTL(key string) int64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	e, ok := mc.cache.Peek(key)
	if !ok {
		return -1
	}

	remaining := time.Until(e.expiresAt)
	if remaining <= 0 {
		return -1
	}
	return int64(remaining.Seconds())
}

// InvalidateByTag removes every entry carrying tag and returns how many were
// removed. An entry with multiple tags is removed and counted once.
func (mc *Memory) InvalidateByTag(tag string) int {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	keys, ok := mc.tags[tag]
	if !ok {
		return 0
	}

	// Snapshot: the eviction callback mutates the tag sets as we remove.
	snapshot := make([]string, 0, len(keys))
	for key := range keys {
		snapshot = append(snapshot, key)
	}

	count := 0
	for _, key := range snapshot {
		if mc.cache.Remove(key) {
			count++
		}
	}
	return count
}

// InvalidateByPattern removes every key matching the regular expression and
// returns how many were removed.
func (mc *Memory) InvalidateByPattern(pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, err
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	count := 0
	for _, key := range mc.cache.Keys() {
		if re.MatchString(key) {
			if mc.cache.Remove(key) {
				count++
			}
		}
	}
	return count, nil
}

// Clear removes all entries and resets the tag index. Returns the number of
// entries removed.
func (mc *Memory) Clear() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	count := mc.cache.Len()
	mc.cache.Purge()
	mc.tags = make(map[string]map[string]struct{})
	return count
}

// Keys returns the keys of all entries that have not expired, least recently
// used first.
func (mc *Memory) Keys() []string {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	keys := make([]string, 0, mc.cache.Len())
	for _, key := range mc.cache.Keys() {
		if e, ok := mc.cache.Peek(key); ok && !now.After(e.expiresAt) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Stats returns hit/miss counters and the current entry count.
func (mc *Memory) Stats() Stats {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	s := Stats{
		Hits:   mc.hits,
		Misses: mc.misses,
		Size:   mc.cache.Len(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Close stops the background sweep goroutine if one is running.
func (mc *Memory) Close() {
	mc.closeOnce.Do(func() {
		close(mc.done)
	})
}

// sweepLoop periodically purges entries that can no longer be served, even
// as stale. Disabling it changes nothing observable through Get/GetWithMeta.
func (mc *Memory) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mc.removeDead()
		case <-mc.done:
			return
		}
	}
}

// removeDead purges entries past both their TTL and their stale horizon.
func (mc *Memory) removeDead() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, key := range mc.cache.Keys() {
		e, ok := mc.cache.Peek(key)
		if !ok || !now.After(e.expiresAt) {
			continue
		}
		if mc.maxStale > 0 && now.Sub(e.createdAt) <= mc.maxStale {
			continue
		}
		mc.cache.Remove(key)
		removed++
	}

	if removed > 0 {
		mc.logger.Debug().Int("removed", removed).Msg("swept expired entries")
	}
}
