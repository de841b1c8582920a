package config

import "time"

// Config represents the main configuration structure.
type Config struct {
	LogLevel string        `json:"logLevel"`
	Prefix   string        `json:"prefix"`
	Memory   MemoryConfig  `json:"memory"`
	Remote   RemoteConfig  `json:"remote"`
	Server   *ServerConfig `json:"server,omitempty"`
}

// MemoryConfig configures the in-process tier.
type MemoryConfig struct {
	MaxEntries    int `json:"maxEntries"`
	TTL           int `json:"ttl"`           // ms
	MaxStaleAge   int `json:"maxStaleAge"`   // ms
	SweepInterval int `json:"sweepInterval"` // ms, 0 disables the sweep
}

// RemoteConfig configures the remote command cache. An empty URL is a fully
// supported mode: the cache degrades to memory-only everywhere.
type RemoteConfig struct {
	URL            string `json:"url"`
	ConnectTimeout int    `json:"connectTimeout"` // ms
	CommandTimeout int    `json:"commandTimeout"` // ms
	TTL            int    `json:"ttl"`            // seconds
}

// ServerConfig configures the bundled command-protocol server.
type ServerConfig struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Token string `json:"token"`
}

// Default values
const (
	DefaultLogLevel       = "info"
	DefaultPrefix         = "app:"
	DefaultMaxEntries     = 1000
	DefaultMemoryTTL      = 60000  // ms
	DefaultMaxStaleAge    = 300000 // ms
	DefaultSweepInterval  = 60000  // ms
	DefaultConnectTimeout = 5000   // ms
	DefaultCommandTimeout = 2000   // ms
	DefaultRemoteTTL      = 300    // seconds
	DefaultServerHost     = "localhost"
	DefaultServerPort     = 8379
)

// RemoteURLEnv names the environment variable consulted when remote.url is
// not set in the config file.
const RemoteURLEnv = "CACHE_REMOTE_URL"

// GetMemoryTTLDuration returns the memory tier TTL as time.Duration.
func (c *Config) GetMemoryTTLDuration() time.Duration {
	return time.Duration(c.Memory.TTL) * time.Millisecond
}

// GetMaxStaleAgeDuration returns the staleness window as time.Duration.
func (c *Config) GetMaxStaleAgeDuration() time.Duration {
	return time.Duration(c.Memory.MaxStaleAge) * time.Millisecond
}

// GetSweepIntervalDuration returns the sweep interval as time.Duration.
func (c *Config) GetSweepIntervalDuration() time.Duration {
	return time.Duration(c.Memory.SweepInterval) * time.Millisecond
}

// GetConnectTimeoutDuration returns the remote connect timeout as time.Duration.
func (c *Config) GetConnectTimeoutDuration() time.Duration {
	return time.Duration(c.Remote.ConnectTimeout) * time.Millisecond
}

// GetCommandTimeoutDuration returns the remote command timeout as time.Duration.
func (c *Config) GetCommandTimeoutDuration() time.Duration {
	return time.Duration(c.Remote.CommandTimeout) * time.Millisecond
}

// GetRemoteTTLDuration returns the remote default TTL as time.Duration.
func (c *Config) GetRemoteTTLDuration() time.Duration {
	return time.Duration(c.Remote.TTL) * time.Second
}

// HasRemote returns true if a remote endpoint is configured.
func (c *Config) HasRemote() bool {
	return c.Remote.URL != ""
}

// HasServer returns true if the bundled command server is configured.
func (c *Config) HasServer() bool {
	return c.Server != nil
}
