package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all daemon configuration.
//
// Precedence: Default() values, then an optional TOML file, then
// environment variables (RESOURCED_* per the envconfig tags). Defaults
// live in Default() only so file values survive the env pass.
type Config struct {
	Profiles  ProfilesConfig  `toml:"profiles"`
	Cache     CacheConfig     `toml:"cache"`
	Cookies   CookieConfig    `toml:"cookies"`
	Fetch     FetchConfig     `toml:"fetch"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Workers   WorkerConfig    `toml:"workers"`
	Debug     DebugConfig     `toml:"debug"`
	Logging   LogConfig       `toml:"logging"`
}

// ProfilesConfig holds per-profile persistence directories. An empty
// directory means that profile runs memory-only. Private browsing
// defaults to memory-only; setting PrivateDir opts it into persistence.
type ProfilesConfig struct {
	PublicDir  string `envconfig:"PROFILE_PUBLIC_DIR" toml:"public_dir"`
	PrivateDir string `envconfig:"PROFILE_PRIVATE_DIR" toml:"private_dir"`
}

// CacheConfig holds HTTP cache settings.
type CacheConfig struct {
	CapacityMB int64 `envconfig:"CACHE_CAPACITY_MB" toml:"capacity_mb"`
}

// CookieConfig holds cookie jar bounds.
type CookieConfig struct {
	PerDomainLimit int `envconfig:"COOKIES_PER_DOMAIN" toml:"per_domain_limit"`
	TotalLimit     int `envconfig:"COOKIES_TOTAL" toml:"total_limit"`
}

// FetchConfig holds fetch state machine settings.
type FetchConfig struct {
	MaxRedirects      int    `envconfig:"FETCH_MAX_REDIRECTS" toml:"max_redirects"`
	MaxRetries        int    `envconfig:"FETCH_MAX_RETRIES" toml:"max_retries"`
	MaxConcurrent     int    `envconfig:"FETCH_MAX_CONCURRENT" toml:"max_concurrent"`
	ConnectTimeoutSec int    `envconfig:"FETCH_CONNECT_TIMEOUT_SEC" toml:"connect_timeout_sec"`
	UserAgent         string `envconfig:"FETCH_USER_AGENT" toml:"user_agent"`
}

// RateLimitConfig holds outbound request rate limiting.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" toml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" toml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" toml:"enabled"`
}

// WorkerConfig holds the blocking-I/O worker pool settings.
type WorkerConfig struct {
	PoolSize       int `envconfig:"WORKERS_POOL_SIZE" toml:"pool_size"`
	QueueSize      int `envconfig:"WORKERS_QUEUE_SIZE" toml:"queue_size"`
	ExitTimeoutSec int `envconfig:"WORKERS_EXIT_TIMEOUT_SEC" toml:"exit_timeout_sec"`
}

// DebugConfig holds the localhost debug/metrics server settings.
type DebugConfig struct {
	Enabled bool   `envconfig:"DEBUG_ENABLED" toml:"enabled"`
	Host    string `envconfig:"DEBUG_HOST" toml:"host"`
	Port    string `envconfig:"DEBUG_PORT" toml:"port"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" toml:"development"`
}

// Load loads configuration from environment variables over defaults.
func Load() (*Config, error) {
	cfg := Default()
	if err := envconfig.Process("resourced", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// LoadFile loads configuration from a TOML file, then applies
// environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := envconfig.Process("resourced", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Profiles: ProfilesConfig{
			PublicDir:  "",
			PrivateDir: "",
		},
		Cache: CacheConfig{
			CapacityMB: 256,
		},
		Cookies: CookieConfig{
			PerDomainLimit: 150,
			TotalLimit:     3000,
		},
		Fetch: FetchConfig{
			MaxRedirects:      20,
			MaxRetries:        3,
			MaxConcurrent:     64,
			ConnectTimeoutSec: 30,
			UserAgent:         "Mozilla/5.0 (compatible; EmberWeb/1.0)",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           false,
		},
		Workers: WorkerConfig{
			PoolSize:       4,
			QueueSize:      64,
			ExitTimeoutSec: 5,
		},
		Debug: DebugConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    "6363",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}
