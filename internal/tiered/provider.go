package tiered

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"tiercache/internal/cache"
	"tiercache/internal/config"
	"tiercache/internal/remote"
)

// Provider owns the process-wide cache instance. Construction is memoized:
// concurrent first callers share a single in-flight initialization, so the
// remote liveness probe runs at most once per process lifetime. Inject a
// Provider where the request lifecycle is owned instead of reaching for a
// package-level global.
type Provider struct {
	cfg    *config.Config
	logger zerolog.Logger

	sf    singleflight.Group
	cache atomic.Pointer[Cache]
}

// NewProvider creates an uninitialized Provider. Nothing is connected until
// the first Cache call.
func NewProvider(cfg *config.Config, logger zerolog.Logger) *Provider {
	return &Provider{cfg: cfg, logger: logger}
}

// Cache returns the shared instance, building and connecting it on first
// use. A construction error is returned to every waiting caller and the next
// call retries.
func (p *Provider) Cache(ctx context.Context) (*Cache, error) {
	if c := p.cache.Load(); c != nil {
		return c, nil
	}

	v, err, _ := p.sf.Do("init", func() (any, error) {
		if c := p.cache.Load(); c != nil {
			return c, nil
		}

		c, err := p.build(ctx)
		if err != nil {
			return nil, err
		}
		p.cache.Store(c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Cache), nil
}

func (p *Provider) build(ctx context.Context) (*Cache, error) {
	memory, err := cache.NewMemory(cache.Config{
		MaxEntries:    p.cfg.Memory.MaxEntries,
		TTL:           p.cfg.GetMemoryTTLDuration(),
		MaxStaleAge:   p.cfg.GetMaxStaleAgeDuration(),
		SweepInterval: p.cfg.GetSweepIntervalDuration(),
		Logger:        p.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create memory tier: %w", err)
	}

	remoteClient, err := remote.New(remote.Config{
		URL:            p.cfg.Remote.URL,
		Prefix:         p.cfg.Prefix,
		TTL:            p.cfg.GetRemoteTTLDuration(),
		ConnectTimeout: p.cfg.GetConnectTimeoutDuration(),
		CommandTimeout: p.cfg.GetCommandTimeoutDuration(),
		Logger:         p.logger,
	})
	if err != nil {
		memory.Close()
		return nil, fmt.Errorf("failed to create remote tier: %w", err)
	}

	// Probes once; an unreachable endpoint degrades to memory-only rather
	// than failing construction.
	remoteClient.Connect(ctx)

	return New(memory, remoteClient, p.logger), nil
}

// Close releases the shared instance if it was ever built.
func (p *Provider) Close() {
	if c := p.cache.Load(); c != nil {
		c.Close()
	}
}
