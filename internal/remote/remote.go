package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State describes the lifecycle of the remote connection. There is no
// reconnect loop: once Unavailable, the instance stays that way and a fresh
// process retries.
type State int32

const (
	StateUnconfigured State = iota
	StateConnecting
	StateConnected
	StateUnavailable
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Stats holds counters for the remote tier.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Errors    uint64 `json:"errors"`
	LastError string `json:"lastError,omitempty"`
}

// Config for creating a Client.
type Config struct {
	// URL is the connection URL; its host is the command endpoint and its
	// embedded credential is the bearer token. Empty means unconfigured:
	// every operation degrades to a silent miss/no-op.
	URL string
	// Prefix namespaces every key so unrelated cache instances can share
	// one physical store.
	Prefix string
	// TTL is the default entry lifetime when Set is called without one.
	TTL time.Duration
	// ConnectTimeout bounds the initial liveness probe.
	ConnectTimeout time.Duration
	// CommandTimeout bounds each individual command round-trip.
	CommandTimeout time.Duration
	Logger         zerolog.Logger
}

// Client is a remote key-value cache reached over a textual command protocol:
// each command is a JSON array of tokens POSTed to the endpoint, answered
// with {"result": ...}. Infrastructure failures never reach the caller; they
// are logged and counted, and reads degrade to misses.
type Client struct {
	endpoint   string
	token      string
	prefix     string
	ttl        time.Duration
	cmdTimeout time.Duration
	connectTO  time.Duration

	httpClient *http.Client
	logger     zerolog.Logger

	mu        sync.Mutex
	state     State
	hits      uint64
	misses    uint64
	errors    uint64
	lastError string
}

// New creates a Client from a connection URL. An empty URL yields a
// permanently unconfigured client; a malformed URL is a configuration error.
func New(cfg Config) (*Client, error) {
	c := &Client{
		prefix:     cfg.Prefix,
		ttl:        cfg.TTL,
		cmdTimeout: cfg.CommandTimeout,
		connectTO:  cfg.ConnectTimeout,
		logger:     cfg.Logger.With().Str("tier", "remote").Logger(),
		state:      StateUnconfigured,
	}

	if cfg.URL == "" {
		return c, nil
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid remote URL: missing host")
	}

	c.endpoint = "https://" + u.Host
	if u.Scheme == "http" {
		c.endpoint = "http://" + u.Host
	}
	if u.User != nil {
		if pw, ok := u.User.Password(); ok {
			c.token = pw
		} else {
			c.token = u.User.Username()
		}
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
	c.httpClient = &http.Client{Transport: transport}
	c.state = StateConnecting

	return c, nil
}

// Connect probes the endpoint once with PING. A failed probe marks the
// client Unavailable for its lifetime and is not an error for the caller.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.connectTO)
	defer cancel()

	result, err := c.command(ctx, "PING")
	if err != nil {
		c.setState(StateUnavailable)
		c.recordError(err)
		c.logger.Warn().Err(err).Str("endpoint", c.endpoint).Msg("remote cache unavailable")
		return
	}

	if s, ok := result.(string); !ok || s != "PONG" {
		c.setState(StateUnavailable)
		c.recordError(fmt.Errorf("unexpected PING result: %v", result))
		c.logger.Warn().Interface("result", result).Msg("remote cache probe returned unexpected body")
		return
	}

	c.setState(StateConnected)
	c.logger.Info().Str("endpoint", c.endpoint).Msg("remote cache connected")
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsAvailable reports whether commands can be issued.
func (c *Client) IsAvailable() bool {
	return c.State() == StateConnected
}

// Get retrieves and decodes a value. Absence, command failure and decode
// failure all read as a miss.
func (c *Client) Get(ctx context.Context, key string) (any, bool) {
	if !c.IsAvailable() {
		return nil, false
	}

	result, err := c.run(ctx, "GET", c.key(key))
	if err != nil {
		c.recordMiss()
		return nil, false
	}

	data, ok := result.(string)
	if !ok {
		c.recordMiss()
		return nil, false
	}

	value, _, _, err := decodeEntry(data)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("discarding undecodable entry")
		c.recordMiss()
		return nil, false
	}

	c.recordHit()
	return value, true
}

// Set stores a value wrapped in the entry envelope. Tagged entries are also
// linked into per-tag sets whose expiry is twice the entry TTL, so a tag set
// outlives its members by at most one TTL cycle.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration, tags []string) {
	if !c.IsAvailable() {
		return
	}

	entryTTL := c.ttl
	if ttl > 0 {
		entryTTL = ttl
	}
	seconds := ttlSeconds(entryTTL)

	data, err := encodeEntry(value, time.Now(), tags)
	if err != nil {
		c.recordError(err)
		c.logger.Warn().Err(err).Str("key", key).Msg("failed to encode entry")
		return
	}

	if _, err := c.run(ctx, "SET", c.key(key), data, "EX", formatInt(seconds)); err != nil {
		return
	}

	for _, tag := range tags {
		tagKey := c.tagKey(tag)
		if _, err := c.run(ctx, "SADD", tagKey, c.key(key)); err != nil {
			continue
		}
		c.run(ctx, "EXPIRE", tagKey, formatInt(2*seconds)) //nolint:errcheck
	}
}

// Delete removes a key. Returns true if the remote store reported a removal.
func (c *Client) Delete(ctx context.Context, key string) bool {
	if !c.IsAvailable() {
		return false
	}

	result, err := c.run(ctx, "DEL", c.key(key))
	if err != nil {
		return false
	}
	return resultInt(result) > 0
}

// Has reports whether a key exists remotely.
func (c *Client) Has(ctx context.Context, key string) bool {
	if !c.IsAvailable() {
		return false
	}

	result, err := c.run(ctx, "EXISTS", c.key(key))
	if err != nil {
		return false
	}
	return resultInt(result) > 0
}

// TTL returns the remaining lifetime of a key in seconds, or -1 when the key
// is absent, has no expiry, or the command failed.
func (c *Client) TTL(ctx context.Context, key string) int64 {
	if !c.IsAvailable() {
		return -1
	}

	result, err := c.run(ctx, "TTL", c.key(key))
	if err != nil {
		return -1
	}
	if n := resultInt(result); n > 0 {
		return n
	}
	return -1
}

// InvalidateByTag removes every key in the tag's set plus the set itself and
// returns the number of entries removed.
func (c *Client) InvalidateByTag(ctx context.Context, tag string) int {
	if !c.IsAvailable() {
		return 0
	}

	tagKey := c.tagKey(tag)
	result, err := c.run(ctx, "SMEMBERS", tagKey)
	if err != nil {
		return 0
	}

	count := 0
	for _, member := range resultStrings(result) {
		// Members are stored fully prefixed.
		res, err := c.run(ctx, "DEL", member)
		if err == nil && resultInt(res) > 0 {
			count++
		}
	}

	c.run(ctx, "DEL", tagKey) //nolint:errcheck
	return count
}

// DeleteByPattern removes every key matching the glob (applied within this
// client's prefix) and returns the number removed.
func (c *Client) DeleteByPattern(ctx context.Context, glob string) int {
	if !c.IsAvailable() {
		return 0
	}

	result, err := c.run(ctx, "KEYS", c.prefix+glob)
	if err != nil {
		return 0
	}

	count := 0
	for _, key := range resultStrings(result) {
		res, err := c.run(ctx, "DEL", key)
		if err == nil && resultInt(res) > 0 {
			count++
		}
	}
	return count
}

// Clear removes every key under this client's prefix. The protocol has no
// flush verb, so this is a KEYS+DEL fan-out bounded by the namespace.
func (c *Client) Clear(ctx context.Context) int {
	return c.DeleteByPattern(ctx, "*")
}

// Stats returns the command counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Errors:    c.errors,
		LastError: c.lastError,
	}
}

// key namespaces a logical key.
func (c *Client) key(key string) string {
	return c.prefix + key
}

// tagKey names the remote set indexing a tag.
func (c *Client) tagKey(tag string) string {
	return c.prefix + "tag:" + tag
}

// run executes one command with the per-call timeout, absorbing the failure
// into the error counters. Callers treat a returned error as a miss/no-op.
func (c *Client) run(ctx context.Context, args ...string) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cmdTimeout)
	defer cancel()

	result, err := c.command(ctx, args...)
	if err != nil {
		c.recordError(err)
		c.logger.Warn().Err(err).Str("command", args[0]).Msg("remote command failed")
		return nil, err
	}
	return result, nil
}

// command POSTs a JSON array of tokens and parses the {"result": ...} reply.
func (c *Client) command(ctx context.Context, args ...string) (any, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("command request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("command error %d: %s", resp.StatusCode, string(data))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var reply struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(reply.Result))
	dec.UseNumber()
	var result any
	if len(reply.Result) > 0 {
		if err := dec.Decode(&result); err != nil {
			return nil, fmt.Errorf("failed to parse result: %w", err)
		}
	}
	return result, nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) recordHit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
}

func (c *Client) recordMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

func (c *Client) recordError(err error) {
	c.mu.Lock()
	c.errors++
	c.lastError = err.Error()
	c.mu.Unlock()
}

// ttlSeconds converts a duration to whole seconds for the EX argument,
// rounding sub-second TTLs up so they never become immortal.
func ttlSeconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func formatInt(n int64) string {
	return fmt.Sprintf("%d", n)
}

// resultInt interprets a numeric command reply, tolerating both number and
// string encodings.
func resultInt(result any) int64 {
	switch v := result.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return n
	case string:
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// resultStrings interprets an array command reply.
func resultStrings(result any) []string {
	items, ok := result.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
