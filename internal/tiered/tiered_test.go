package tiered

import (
	"context"
	"errors"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiercache/internal/cache"
	"tiercache/internal/remote"
	"tiercache/internal/server"
)

func newMemoryTier(t *testing.T, ttl, maxStale time.Duration) *cache.Memory {
	t.Helper()
	mc, err := cache.NewMemory(cache.Config{
		MaxEntries:  100,
		TTL:         ttl,
		MaxStaleAge: maxStale,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	return mc
}

// newMemoryOnlyCache builds a tiered cache whose remote tier is unconfigured.
func newMemoryOnlyCache(t *testing.T, ttl, maxStale time.Duration) *Cache {
	t.Helper()
	client, err := remote.New(remote.Config{Logger: zerolog.Nop()})
	require.NoError(t, err)

	c := New(newMemoryTier(t, ttl, maxStale), client, zerolog.Nop())
	t.Cleanup(c.Close)
	return c
}

// newBackedCache builds a tiered cache whose remote tier talks to the
// bundled command server over real HTTP.
func newBackedCache(t *testing.T, ttl, maxStale time.Duration) (*Cache, *remote.Client) {
	t.Helper()

	backing := newMemoryTier(t, time.Minute, 0)
	t.Cleanup(backing.Close)
	srv := httptest.NewServer(server.NewMemoryBackedHandler(backing, "secret", zerolog.Nop()))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	client, err := remote.New(remote.Config{
		URL:            "http://default:secret@" + u.Host,
		Prefix:         "test:",
		TTL:            5 * time.Minute,
		ConnectTimeout: time.Second,
		CommandTimeout: time.Second,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	client.Connect(context.Background())
	require.True(t, client.IsAvailable())

	c := New(newMemoryTier(t, ttl, maxStale), client, zerolog.Nop())
	t.Cleanup(c.Close)
	return c, client
}

func TestCache_MemoryOnlyDegrade(t *testing.T) {
	c := newMemoryOnlyCache(t, time.Minute, 5*time.Minute)
	ctx := context.Background()

	assert.False(t, c.IsRemoteAvailable())

	c.Set(ctx, "k", "v", Options{Tags: []string{"t"}})
	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	assert.Equal(t, 1, c.InvalidateByTag(ctx, "t"))
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)

	c.Set(ctx, "k", "v", Options{})
	assert.Equal(t, 1, c.Clear(ctx))
	assert.Zero(t, c.Stats().Memory.Size)
	assert.Nil(t, c.Stats().Remote)
}

func TestCache_GetOrFetch_FreshHitSkipsFetcher(t *testing.T) {
	c := newMemoryOnlyCache(t, time.Minute, 5*time.Minute)
	ctx := context.Background()

	var calls atomic.Int64
	fetcher := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return "fetched", nil
	}

	res, err := c.GetOrFetch(ctx, "k", fetcher, FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "fetched", res.Value)
	assert.False(t, res.Cached)
	assert.False(t, res.Stale)

	res, err = c.GetOrFetch(ctx, "k", fetcher, FetchOptions{})
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.False(t, res.Stale)
	assert.EqualValues(t, 1, calls.Load())
}

func TestCache_GetOrFetch_ForceRefresh(t *testing.T) {
	c := newMemoryOnlyCache(t, time.Minute, 5*time.Minute)
	ctx := context.Background()

	c.Set(ctx, "k", "old", Options{})

	res, err := c.GetOrFetch(ctx, "k", func(ctx context.Context) (any, error) {
		return "new", nil
	}, FetchOptions{ForceRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, "new", res.Value)
	assert.False(t, res.Cached)

	v, _ := c.Get(ctx, "k")
	assert.Equal(t, "new", v)
}

func TestCache_GetOrFetch_StaleWhileRevalidate(t *testing.T) {
	c := newMemoryOnlyCache(t, 100*time.Millisecond, 500*time.Millisecond)
	ctx := context.Background()

	_, err := c.GetOrFetch(ctx, "k", func(ctx context.Context) (any, error) {
		return "v1", nil
	}, FetchOptions{})
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)

	refreshed := make(chan struct{})
	res, err := c.GetOrFetch(ctx, "k", func(ctx context.Context) (any, error) {
		defer close(refreshed)
		return "v2", nil
	}, FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "v1", res.Value, "stale value served immediately")
	assert.True(t, res.Cached)
	assert.True(t, res.Stale)

	select {
	case <-refreshed:
	case <-time.After(time.Second):
		t.Fatal("background refresh never ran")
	}

	require.Eventually(t, func() bool {
		v, ok := c.Get(ctx, "k")
		return ok && v == "v2"
	}, time.Second, 10*time.Millisecond)

	res, err = c.GetOrFetch(ctx, "k", func(ctx context.Context) (any, error) {
		t.Error("fetcher must not run on a fresh hit")
		return nil, nil
	}, FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "v2", res.Value)
	assert.True(t, res.Cached)
	assert.False(t, res.Stale)
}

func TestCache_GetOrFetch_BeyondMaxStale(t *testing.T) {
	c := newMemoryOnlyCache(t, 50*time.Millisecond, 150*time.Millisecond)
	ctx := context.Background()

	c.Set(ctx, "k", "v1", Options{})
	time.Sleep(250 * time.Millisecond)

	res, err := c.GetOrFetch(ctx, "k", func(ctx context.Context) (any, error) {
		return "v2", nil
	}, FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "v2", res.Value, "entry past the stale window fetches synchronously")
	assert.False(t, res.Cached)
	assert.False(t, res.Stale)
}

func TestCache_GetOrFetch_FetcherErrorPropagatesOnMiss(t *testing.T) {
	c := newMemoryOnlyCache(t, time.Minute, 5*time.Minute)
	ctx := context.Background()

	wantErr := errors.New("origin down")
	_, err := c.GetOrFetch(ctx, "k", func(ctx context.Context) (any, error) {
		return nil, wantErr
	}, FetchOptions{})
	assert.ErrorIs(t, err, wantErr)
}

func TestCache_GetOrFetch_BackgroundRefreshErrorKeepsStale(t *testing.T) {
	c := newMemoryOnlyCache(t, 50*time.Millisecond, 10*time.Second)
	ctx := context.Background()

	c.Set(ctx, "k", "v1", Options{})
	time.Sleep(80 * time.Millisecond)

	failed := make(chan struct{})
	res, err := c.GetOrFetch(ctx, "k", func(ctx context.Context) (any, error) {
		defer close(failed)
		return nil, errors.New("origin down")
	}, FetchOptions{})
	require.NoError(t, err, "the caller already has the stale value")
	assert.Equal(t, "v1", res.Value)
	assert.True(t, res.Stale)

	<-failed

	m := c.GetWithMeta(ctx, "k")
	assert.True(t, m.Stale, "failed refresh keeps the stale entry in place")
	assert.Equal(t, "v1", m.Value)
}

func TestCache_GetWithMeta_Sources(t *testing.T) {
	c, remoteClient := newBackedCache(t, time.Minute, 5*time.Minute)
	ctx := context.Background()

	// Miss everywhere.
	m := c.GetWithMeta(ctx, "k")
	assert.False(t, m.Hit)
	assert.Equal(t, SourceOrigin, m.Source)

	// Populate only the remote tier.
	remoteClient.Set(ctx, "k", "v", time.Minute, nil)

	m = c.GetWithMeta(ctx, "k")
	require.True(t, m.Hit)
	assert.Equal(t, SourceRemote, m.Source)
	assert.Equal(t, "v", m.Value)

	// The remote hit repopulated memory.
	m = c.GetWithMeta(ctx, "k")
	require.True(t, m.Hit)
	assert.Equal(t, SourceMemory, m.Source)
}

func TestCache_StaleShortCircuitsRemote(t *testing.T) {
	c, remoteClient := newBackedCache(t, 50*time.Millisecond, 10*time.Second)
	ctx := context.Background()

	c.memory.Set("k", "local", cache.Options{})
	remoteClient.Set(ctx, "k", "remote", time.Minute, nil)
	time.Sleep(80 * time.Millisecond)

	m := c.GetWithMeta(ctx, "k")
	assert.True(t, m.Stale)
	assert.Equal(t, SourceStale, m.Source)
	assert.Equal(t, "local", m.Value, "a servable stale entry must not trigger a remote read")
}

func TestCache_SetWritesRemoteInBackground(t *testing.T) {
	c, remoteClient := newBackedCache(t, time.Minute, 5*time.Minute)
	ctx := context.Background()

	c.Set(ctx, "k", "v", Options{TTL: time.Minute, Tags: []string{"t"}})

	require.Eventually(t, func() bool {
		return remoteClient.Has(ctx, "k")
	}, time.Second, 10*time.Millisecond)
}

func TestCache_InvalidateFanOut(t *testing.T) {
	c, remoteClient := newBackedCache(t, time.Minute, 5*time.Minute)
	ctx := context.Background()

	c.Set(ctx, "posts:1", "a", Options{Tags: []string{"posts"}})
	c.Set(ctx, "posts:2", "b", Options{Tags: []string{"posts"}})
	c.Set(ctx, "users:1", "c", Options{Tags: []string{"users"}})

	require.Eventually(t, func() bool {
		return remoteClient.Has(ctx, "posts:1") && remoteClient.Has(ctx, "posts:2") && remoteClient.Has(ctx, "users:1")
	}, time.Second, 10*time.Millisecond)

	// Two entries in each tier.
	assert.Equal(t, 4, c.InvalidateByTag(ctx, "posts"))

	_, ok := c.Get(ctx, "posts:1")
	assert.False(t, ok)
	v, ok := c.Get(ctx, "users:1")
	require.True(t, ok)
	assert.Equal(t, "c", v)
}

func TestCache_InvalidateByPatternFanOut(t *testing.T) {
	c, remoteClient := newBackedCache(t, time.Minute, 5*time.Minute)
	ctx := context.Background()

	for _, key := range []string{"posts:123:content", "posts:123:metadata", "posts:456:content"} {
		c.Set(ctx, key, "x", Options{})
	}
	require.Eventually(t, func() bool {
		return remoteClient.Has(ctx, "posts:123:content") &&
			remoteClient.Has(ctx, "posts:123:metadata") &&
			remoteClient.Has(ctx, "posts:456:content")
	}, time.Second, 10*time.Millisecond)

	n, err := c.InvalidateByPattern(ctx, "^posts:123:")
	require.NoError(t, err)
	assert.Equal(t, 4, n, "two memory entries plus two remote entries")

	_, ok := c.Get(ctx, "posts:123:content")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "posts:456:content")
	assert.True(t, ok)

	_, err = c.InvalidateByPattern(ctx, "(")
	assert.Error(t, err)
}

func TestCache_DeleteFanOut(t *testing.T) {
	c, remoteClient := newBackedCache(t, time.Minute, 5*time.Minute)
	ctx := context.Background()

	c.Set(ctx, "k", "v", Options{})
	require.Eventually(t, func() bool {
		return remoteClient.Has(ctx, "k")
	}, time.Second, 10*time.Millisecond)

	assert.True(t, c.Delete(ctx, "k"))
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, remoteClient.Has(ctx, "k"))
}

func TestCache_StatsAggregation(t *testing.T) {
	c, _ := newBackedCache(t, time.Minute, 5*time.Minute)
	ctx := context.Background()

	c.Set(ctx, "k", "v", Options{})
	c.Get(ctx, "k")      // memory hit
	c.Get(ctx, "absent") // memory miss, remote miss

	s := c.Stats()
	require.NotNil(t, s.Remote)
	assert.Positive(t, s.TotalHits)
	assert.Positive(t, s.TotalMisses)
	assert.Greater(t, s.HitRate, 0.0)
	assert.LessOrEqual(t, s.HitRate, 1.0)
}

func TestGlobFromPattern(t *testing.T) {
	assert.Equal(t, "posts:123:*", globFromPattern("^posts:123:"))
	assert.Equal(t, "posts:*", globFromPattern("^posts:$"))
	assert.Equal(t, "*content*", globFromPattern("content"))
}

func TestTyped_GetAndFetch(t *testing.T) {
	type profile struct {
		Name string `json:"name"`
		Age  int    `json:"age"`
	}

	c := newMemoryOnlyCache(t, time.Minute, 5*time.Minute)
	ctx := context.Background()

	// Direct assertion path: the memory tier holds the original type.
	c.Set(ctx, "p1", profile{Name: "alice", Age: 30}, Options{})
	p, ok := Get[profile](ctx, c, "p1")
	require.True(t, ok)
	assert.Equal(t, "alice", p.Name)

	// JSON round-trip path: a remote-shaped any-tree converts to the struct.
	c.Set(ctx, "p2", map[string]any{"name": "bob", "age": int64(41)}, Options{})
	p, ok = Get[profile](ctx, c, "p2")
	require.True(t, ok)
	assert.Equal(t, profile{Name: "bob", Age: 41}, p)

	// Typed fetch on a miss.
	p, res, err := Fetch[profile](ctx, c, "p3", func(ctx context.Context) (profile, error) {
		return profile{Name: "carol", Age: 52}, nil
	}, FetchOptions{})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, "carol", p.Name)

	// And a typed fresh hit.
	p, res, err = Fetch[profile](ctx, c, "p3", func(ctx context.Context) (profile, error) {
		t.Error("fetcher must not run on a fresh hit")
		return profile{}, nil
	}, FetchOptions{})
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, "carol", p.Name)
}
