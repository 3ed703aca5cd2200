// Package config provides process-level settings for entbridge.
// It loads settings from environment variables with the EB_ prefix
// and provides sensible defaults for all configuration options.
//
// Connection profiles (backend URLs and credentials) are not configured
// here; see internal/connections.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all process-level settings.
type Config struct {
	Profiles  ProfilesConfig
	Log       LogConfig
	Transport TransportConfig
	Schema    SchemaConfig
	Query     QueryConfig
	Server    ServerConfig
}

// ProfilesConfig locates the connection profile file.
type ProfilesConfig struct {
	Path  string // Profile file path (default: ~/.enterprise-bridge/config.yaml)
	Watch bool   // Reload profiles when the file changes while serving (default: true)
}

// LogConfig controls log output. Logs always go to stderr.
type LogConfig struct {
	Level     string // debug, info, warn, error (default: info)
	Format    string // text, json (default: text)
	AddSource bool   // Include file:line in log records (default: false)
}

// TransportConfig holds defaults applied to every connection unless the
// profile overrides them.
type TransportConfig struct {
	RequestTimeout  time.Duration // Per-call timeout when the caller sets none (default: 60s)
	RetryAttempts   int           // Attempts for transient failures and 429 (default: 3)
	RetryBaseDelay  time.Duration // First backoff delay (default: 200ms)
	RetryMaxDelay   time.Duration // Backoff ceiling (default: 5s)
	MaxConcurrency  int           // In-flight requests per connection (default: 8)
	RateLimit       float64       // Requests per second per connection, 0 disables (default: 10)
	RateBurst       int           // Limiter burst (default: 20)
	BreakerFailures uint32        // Consecutive failures that open the breaker (default: 5)
	BreakerTimeout  time.Duration // Open-state duration (default: 30s)
}

// SchemaConfig controls the schema cache.
type SchemaConfig struct {
	TTL      time.Duration // Entry lifetime (default: 15m)
	Store    string        // Snapshot store: "", sqlite, postgres (default: none)
	StoreDSN string        // DSN or file path for the snapshot store
}

// QueryConfig bounds query and aggregate work.
type QueryConfig struct {
	MaxLimit         int // Largest limit honoured before clamping (default: 2000)
	AggregateRowCap  int // Rows scanned by an emulated aggregate (default: 10000)
	EmulationScanCap int // Rows scanned while post-filtering (default: 5000)
}

// ServerConfig holds the HTTP tool server settings.
type ServerConfig struct {
	Addr      string  // Listen address for `serve --http` (default: 127.0.0.1:7373)
	APIToken  string  // Bearer token required on /mcp when set
	RateLimit float64 // Requests per second accepted on /mcp (default: 10)
	RateBurst int     // Burst size for RateLimit (default: 20)
}

// LoadConfig loads configuration from environment variables with sensible
// defaults and validates the result.
func LoadConfig() (*Config, error) {
	cfg := buildBaseConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration with every default applied and no
// environment lookups. Useful for tests and embedding.
func Default() *Config {
	return &Config{
		Profiles: ProfilesConfig{Path: DefaultProfilePath(), Watch: true},
		Log:      LogConfig{Level: "info", Format: "text"},
		Transport: TransportConfig{
			RequestTimeout:  60 * time.Second,
			RetryAttempts:   3,
			RetryBaseDelay:  200 * time.Millisecond,
			RetryMaxDelay:   5 * time.Second,
			MaxConcurrency:  8,
			RateLimit:       10,
			RateBurst:       20,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Schema: SchemaConfig{TTL: 15 * time.Minute},
		Query: QueryConfig{
			MaxLimit:         2000,
			AggregateRowCap:  10000,
			EmulationScanCap: 5000,
		},
		Server: ServerConfig{Addr: "127.0.0.1:7373", RateLimit: 10, RateBurst: 20},
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Transport.RetryAttempts < 1 {
		return fmt.Errorf("config: EB_RETRY_ATTEMPTS must be at least 1, got %d", c.Transport.RetryAttempts)
	}
	if c.Transport.MaxConcurrency < 1 {
		return fmt.Errorf("config: EB_MAX_CONCURRENCY must be at least 1, got %d", c.Transport.MaxConcurrency)
	}
	if c.Query.AggregateRowCap < 1 {
		return fmt.Errorf("config: EB_AGGREGATE_ROW_CAP must be positive, got %d", c.Query.AggregateRowCap)
	}
	if c.Query.MaxLimit < 1 {
		return fmt.Errorf("config: EB_MAX_QUERY_LIMIT must be positive, got %d", c.Query.MaxLimit)
	}
	switch c.Schema.Store {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported EB_SCHEMA_STORE %q (want sqlite or postgres)", c.Schema.Store)
	}
	if c.Schema.Store == "postgres" && c.Schema.StoreDSN == "" {
		return fmt.Errorf("config: EB_SCHEMA_STORE_DSN is required for the postgres schema store")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("config: unsupported EB_LOG_FORMAT %q", c.Log.Format)
	}
	return nil
}

// DefaultProfilePath is ~/.enterprise-bridge/config.yaml, or a relative
// path when the home directory cannot be resolved.
func DefaultProfilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".enterprise-bridge", "config.yaml")
	}
	return filepath.Join(home, ".enterprise-bridge", "config.yaml")
}

// buildBaseConfig overlays environment variables on the defaults.
func buildBaseConfig() *Config {
	d := Default()
	return &Config{
		Profiles: ProfilesConfig{
			Path:  getEnv("EB_CONFIG", getEnv("ENTERPRISE_BRIDGE_CONFIG", d.Profiles.Path)),
			Watch: getEnvBool("EB_WATCH_CONFIG", d.Profiles.Watch),
		},
		Log: LogConfig{
			Level:     getEnv("EB_LOG_LEVEL", d.Log.Level),
			Format:    getEnv("EB_LOG_FORMAT", d.Log.Format),
			AddSource: getEnvBool("EB_LOG_SOURCE", false),
		},
		Transport: TransportConfig{
			RequestTimeout:  getEnvDuration("EB_REQUEST_TIMEOUT", d.Transport.RequestTimeout),
			RetryAttempts:   getEnvInt("EB_RETRY_ATTEMPTS", d.Transport.RetryAttempts),
			RetryBaseDelay:  getEnvDuration("EB_RETRY_BASE_DELAY", d.Transport.RetryBaseDelay),
			RetryMaxDelay:   getEnvDuration("EB_RETRY_MAX_DELAY", d.Transport.RetryMaxDelay),
			MaxConcurrency:  getEnvInt("EB_MAX_CONCURRENCY", d.Transport.MaxConcurrency),
			RateLimit:       getEnvFloat("EB_RATE_LIMIT", d.Transport.RateLimit),
			RateBurst:       getEnvInt("EB_RATE_BURST", d.Transport.RateBurst),
			BreakerFailures: uint32(getEnvInt("EB_BREAKER_FAILURES", int(d.Transport.BreakerFailures))),
			BreakerTimeout:  getEnvDuration("EB_BREAKER_TIMEOUT", d.Transport.BreakerTimeout),
		},
		Schema: SchemaConfig{
			TTL:      getEnvDuration("EB_SCHEMA_TTL", d.Schema.TTL),
			Store:    strings.ToLower(getEnv("EB_SCHEMA_STORE", "")),
			StoreDSN: getEnv("EB_SCHEMA_STORE_DSN", ""),
		},
		Query: QueryConfig{
			MaxLimit:         getEnvInt("EB_MAX_QUERY_LIMIT", d.Query.MaxLimit),
			AggregateRowCap:  getEnvInt("EB_AGGREGATE_ROW_CAP", d.Query.AggregateRowCap),
			EmulationScanCap: getEnvInt("EB_EMULATION_SCAN_CAP", d.Query.EmulationScanCap),
		},
		Server: ServerConfig{
			Addr:      getEnv("EB_HTTP_ADDR", d.Server.Addr),
			APIToken:  getEnv("EB_HTTP_TOKEN", ""),
			RateLimit: getEnvFloat("EB_HTTP_RATE_LIMIT", d.Server.RateLimit),
			RateBurst: getEnvInt("EB_HTTP_RATE_BURST", d.Server.RateBurst),
		},
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90s", "15m") or a bare number
// of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
// If the environment variable exists but cannot be parsed as a boolean,
// it returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
