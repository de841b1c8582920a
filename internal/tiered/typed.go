package tiered

import (
	"context"
	"encoding/json"
	"fmt"
)

// Get is the typed form of Cache.Get. Values that came back from the remote
// tier as decoded JSON trees are converted to T through a JSON round-trip.
func Get[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	value, ok := c.Get(ctx, key)
	if !ok {
		var zero T
		return zero, false
	}

	typed, err := decodeInto[T](value)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cached value does not convert to requested type")
		var zero T
		return zero, false
	}
	return typed, true
}

// Fetch is the typed form of Cache.GetOrFetch. A cached value that cannot be
// converted to T is treated as corrupt and refetched from the origin.
func Fetch[T any](ctx context.Context, c *Cache, key string, fetcher func(context.Context) (T, error), opts FetchOptions) (T, FetchResult, error) {
	wrapped := func(ctx context.Context) (any, error) {
		return fetcher(ctx)
	}

	res, err := c.GetOrFetch(ctx, key, wrapped, opts)
	if err != nil {
		var zero T
		return zero, FetchResult{}, err
	}

	typed, convErr := decodeInto[T](res.Value)
	if convErr == nil {
		return typed, res, nil
	}

	c.logger.Warn().Err(convErr).Str("key", key).Msg("refetching: cached value does not convert to requested type")
	opts.ForceRefresh = true
	res, err = c.GetOrFetch(ctx, key, wrapped, opts)
	if err != nil {
		var zero T
		return zero, FetchResult{}, err
	}

	typed, convErr = decodeInto[T](res.Value)
	if convErr != nil {
		var zero T
		return zero, FetchResult{}, convErr
	}
	return typed, res, nil
}

// decodeInto converts a cached value to T: a direct assertion for values
// still holding their original type (memory tier), falling back to a JSON
// round-trip for trees decoded off the wire (remote tier).
func decodeInto[T any](v any) (T, error) {
	if typed, ok := v.(T); ok {
		return typed, nil
	}

	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("failed to convert cached value: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to convert cached value: %w", err)
	}
	return out, nil
}
