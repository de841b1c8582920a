package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Load reads and parses the configuration file. When remote.url is unset it
// falls back to the CACHE_REMOTE_URL environment variable, loading a local
// .env file first if one exists.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Remote.URL == "" {
		godotenv.Load() //nolint:errcheck // a missing .env file is fine
		cfg.Remote.URL = os.Getenv(RemoteURLEnv)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every field at its default, suitable
// for embedding the cache without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for unset fields.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Memory.MaxEntries == 0 {
		cfg.Memory.MaxEntries = DefaultMaxEntries
	}
	if cfg.Memory.TTL == 0 {
		cfg.Memory.TTL = DefaultMemoryTTL
	}
	if cfg.Memory.MaxStaleAge == 0 {
		cfg.Memory.MaxStaleAge = DefaultMaxStaleAge
	}
	if cfg.Memory.SweepInterval == 0 {
		cfg.Memory.SweepInterval = DefaultSweepInterval
	}
	if cfg.Remote.ConnectTimeout == 0 {
		cfg.Remote.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Remote.CommandTimeout == 0 {
		cfg.Remote.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.Remote.TTL == 0 {
		cfg.Remote.TTL = DefaultRemoteTTL
	}
	if cfg.Server != nil {
		if cfg.Server.Host == "" {
			cfg.Server.Host = DefaultServerHost
		}
		if cfg.Server.Port == 0 {
			cfg.Server.Port = DefaultServerPort
		}
	}
}

// validate checks the configuration for errors.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Memory.MaxEntries <= 0 {
		return fmt.Errorf("memory.maxEntries must be positive")
	}
	if cfg.Memory.TTL <= 0 {
		return fmt.Errorf("memory.ttl must be positive")
	}
	if cfg.Memory.MaxStaleAge < 0 {
		return fmt.Errorf("memory.maxStaleAge must be non-negative")
	}
	if cfg.Memory.MaxStaleAge > 0 && cfg.Memory.MaxStaleAge < cfg.Memory.TTL {
		return fmt.Errorf("memory.maxStaleAge must be at least memory.ttl")
	}
	if cfg.Memory.SweepInterval < 0 {
		return fmt.Errorf("memory.sweepInterval must be non-negative")
	}

	if cfg.Remote.ConnectTimeout <= 0 {
		return fmt.Errorf("remote.connectTimeout must be positive")
	}
	if cfg.Remote.CommandTimeout <= 0 {
		return fmt.Errorf("remote.commandTimeout must be positive")
	}
	if cfg.Remote.TTL <= 0 {
		return fmt.Errorf("remote.ttl must be positive")
	}

	if cfg.Server != nil {
		if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
			return fmt.Errorf("server.port must be between 1 and 65535")
		}
	}

	return nil
}
