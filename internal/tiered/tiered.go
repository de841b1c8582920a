// Package tiered composes the in-process memory tier and the optional remote
// command cache behind a single read-through API with stale-while-revalidate
// semantics.
package tiered

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tiercache/internal/cache"
	"tiercache/internal/remote"
)

// Source identifies which tier served a lookup.
type Source string

const (
	SourceMemory Source = "memory"
	SourceRemote Source = "remote"
	SourceStale  Source = "stale"
	SourceOrigin Source = "origin"
)

// Options control how a value is written through the tiers.
type Options struct {
	// TTL overrides each tier's default when positive.
	TTL time.Duration
	// Tags label the entry for group invalidation in both tiers.
	Tags []string
}

// FetchOptions extend Options for GetOrFetch.
type FetchOptions struct {
	Options
	// ForceRefresh bypasses both tiers and always invokes the fetcher.
	ForceRefresh bool
}

// Meta describes a metadata-aware lookup across the tiers.
type Meta struct {
	Value  any
	Hit    bool
	Source Source
	Stale  bool
	Age    time.Duration
}

// FetchResult is the outcome of GetOrFetch.
type FetchResult struct {
	Value  any
	Cached bool
	Stale  bool
}

// Fetcher produces a value from the origin on a cache miss.
type Fetcher func(ctx context.Context) (any, error)

// Stats aggregates counters across both tiers. Remote is nil when no remote
// endpoint is configured or the connection never came up.
type Stats struct {
	Memory      cache.Stats   `json:"memory"`
	Remote      *remote.Stats `json:"remote,omitempty"`
	TotalHits   uint64        `json:"totalHits"`
	TotalMisses uint64        `json:"totalMisses"`
	HitRate     float64       `json:"hitRate"`
}

// Cache is the tiered orchestrator. Reads walk memory first, then the remote
// tier; remote hits repopulate memory. Writes hit memory synchronously and
// the remote tier in the background.
type Cache struct {
	memory *cache.Memory
	remote *remote.Client
	logger zerolog.Logger
	bg     sync.WaitGroup
}

// New composes the two tiers. The remote client may be unconfigured, in
// which case the cache behaves exactly like a memory-only cache.
func New(memory *cache.Memory, remoteClient *remote.Client, logger zerolog.Logger) *Cache {
	return &Cache{
		memory: memory,
		remote: remoteClient,
		logger: logger.With().Str("component", "tiered-cache").Logger(),
	}
}

// Get returns a fresh value from the first tier that has one. A remote hit
// repopulates the memory tier with its default TTL before returning.
func (c *Cache) Get(ctx context.Context, key string) (any, bool) {
	if value, ok := c.memory.Get(key); ok {
		return value, true
	}

	if c.remote.IsAvailable() {
		if value, ok := c.remote.Get(ctx, key); ok {
			c.memory.Set(key, value, cache.Options{})
			return value, true
		}
	}

	return nil, false
}

// GetWithMeta is Get plus freshness classification. A stale-but-servable
// memory entry short-circuits the tier walk: the remote tier is not
// consulted while a stale value is still within its window.
func (c *Cache) GetWithMeta(ctx context.Context, key string) Meta {
	m := c.memory.GetWithMeta(key)
	if m.Hit {
		return Meta{Value: m.Value, Hit: true, Source: SourceMemory, Age: m.Age}
	}
	if m.Stale {
		return Meta{Value: m.Value, Source: SourceStale, Stale: true, Age: m.Age}
	}

	if c.remote.IsAvailable() {
		if value, ok := c.remote.Get(ctx, key); ok {
			c.memory.Set(key, value, cache.Options{})
			return Meta{Value: value, Hit: true, Source: SourceRemote}
		}
	}

	return Meta{Source: SourceOrigin}
}

// Set writes the memory tier synchronously and the remote tier in the
// background; a remote write failure is logged by the client and otherwise
// invisible to the caller.
func (c *Cache) Set(ctx context.Context, key string, value any, opts Options) {
	c.memory.Set(key, value, cache.Options{TTL: opts.TTL, Tags: opts.Tags})

	if !c.remote.IsAvailable() {
		return
	}

	bgCtx := context.WithoutCancel(ctx)
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		c.remote.Set(bgCtx, key, value, opts.TTL, opts.Tags)
	}()
}

// GetOrFetch is the cache-aside entry point. Fresh hits skip the fetcher;
// stale hits are returned immediately while the fetcher refreshes the entry
// in the background; true misses invoke the fetcher synchronously and its
// error propagates, since there is no value to fall back to. Concurrent
// misses for the same key each invoke the fetcher: last write wins.
func (c *Cache) GetOrFetch(ctx context.Context, key string, fetcher Fetcher, opts FetchOptions) (FetchResult, error) {
	if opts.ForceRefresh {
		return c.fetchAndStore(ctx, key, fetcher, opts.Options)
	}

	m := c.GetWithMeta(ctx, key)
	if m.Hit {
		return FetchResult{Value: m.Value, Cached: true}, nil
	}
	if m.Stale {
		c.refreshInBackground(ctx, key, fetcher, opts.Options)
		return FetchResult{Value: m.Value, Cached: true, Stale: true}, nil
	}

	return c.fetchAndStore(ctx, key, fetcher, opts.Options)
}

func (c *Cache) fetchAndStore(ctx context.Context, key string, fetcher Fetcher, opts Options) (FetchResult, error) {
	value, err := fetcher(ctx)
	if err != nil {
		return FetchResult{}, err
	}

	c.Set(ctx, key, value, opts)
	return FetchResult{Value: value}, nil
}

// refreshInBackground revalidates a stale entry. The original caller already
// has a response, so a failing refresh is only logged.
func (c *Cache) refreshInBackground(ctx context.Context, key string, fetcher Fetcher, opts Options) {
	bgCtx := context.WithoutCancel(ctx)
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error().Interface("panic", r).Str("key", key).Msg("background refresh panicked")
			}
		}()

		value, err := fetcher(bgCtx)
		if err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("background refresh failed, keeping stale entry")
			return
		}
		c.Set(bgCtx, key, value, opts)
	}()
}

// Delete removes a key from both tiers. Returns true if either tier held it.
func (c *Cache) Delete(ctx context.Context, key string) bool {
	removed := c.memory.Delete(key)
	if c.remote.Delete(ctx, key) {
		removed = true
	}
	return removed
}

// InvalidateByTag removes every entry carrying the tag from both tiers and
// returns the summed count. An unavailable tier contributes zero.
func (c *Cache) InvalidateByTag(ctx context.Context, tag string) int {
	return c.memory.InvalidateByTag(tag) + c.remote.InvalidateByTag(ctx, tag)
}

// InvalidateByPattern removes every key matching the regular expression from
// the memory tier and the derived glob from the remote tier, returning the
// summed count.
func (c *Cache) InvalidateByPattern(ctx context.Context, pattern string) (int, error) {
	count, err := c.memory.InvalidateByPattern(pattern)
	if err != nil {
		return 0, err
	}
	return count + c.remote.DeleteByPattern(ctx, globFromPattern(pattern)), nil
}

// Clear empties both tiers and returns the summed count of removed entries.
func (c *Cache) Clear(ctx context.Context) int {
	return c.memory.Clear() + c.remote.Clear(ctx)
}

// IsRemoteAvailable reports whether the remote tier is connected.
func (c *Cache) IsRemoteAvailable() bool {
	return c.remote.IsAvailable()
}

// Stats aggregates both tiers' counters.
func (c *Cache) Stats() Stats {
	s := Stats{Memory: c.memory.Stats()}
	s.TotalHits = s.Memory.Hits
	s.TotalMisses = s.Memory.Misses

	if c.remote.IsAvailable() {
		rs := c.remote.Stats()
		s.Remote = &rs
		s.TotalHits += rs.Hits
		s.TotalMisses += rs.Misses
	}

	if total := s.TotalHits + s.TotalMisses; total > 0 {
		s.HitRate = float64(s.TotalHits) / float64(total)
	}
	return s
}

// Close waits for in-flight background writes and stops the memory tier.
func (c *Cache) Close() {
	c.bg.Wait()
	c.memory.Close()
}
