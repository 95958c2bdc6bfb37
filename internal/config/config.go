package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the formflow gateway.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Upstream UpstreamConfig
	Poller   PollerConfig
	Tracker  TrackerConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// UpstreamConfig points at the extraction backend this gateway fronts.
type UpstreamConfig struct {
	BaseURL        string
	Timeout        time.Duration
	RequestsPerSec float64
	Burst          int
}

// PollerConfig bounds the job-status polling loop. MaxAttempts keeps a
// stuck backend job from being watched past ~30 minutes at the default
// interval.
type PollerConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

// TrackerConfig bounds the per-form pipeline. Concurrency 1 preserves the
// strictly sequential processing the backend was sized for.
type TrackerConfig struct {
	Concurrency int
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("FORMFLOW_PORT", 8080),
			Env:  envString("FORMFLOW_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Upstream: UpstreamConfig{
			BaseURL:        os.Getenv("UPSTREAM_BASE_URL"),
			Timeout:        envDuration("UPSTREAM_TIMEOUT", 30*time.Second),
			RequestsPerSec: envFloat("UPSTREAM_REQUESTS_PER_SEC", 10),
			Burst:          envInt("UPSTREAM_BURST", 20),
		},
		Poller: PollerConfig{
			Interval:    envDuration("POLL_INTERVAL", 2*time.Second),
			MaxAttempts: envInt("POLL_MAX_ATTEMPTS", 900),
		},
		Tracker: TrackerConfig{
			Concurrency: envInt("TRACKER_CONCURRENCY", 1),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("UPSTREAM_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Upstream.BaseURL, "http://") && !strings.HasPrefix(c.Upstream.BaseURL, "https://") {
		return fmt.Errorf("UPSTREAM_BASE_URL must start with http:// or https://, got %q", c.Upstream.BaseURL)
	}

	if c.Poller.Interval < 100*time.Millisecond {
		return fmt.Errorf("POLL_INTERVAL must be at least 100ms, got %s", c.Poller.Interval)
	}
	if c.Poller.MaxAttempts < 1 {
		return fmt.Errorf("POLL_MAX_ATTEMPTS must be at least 1, got %d", c.Poller.MaxAttempts)
	}

	if c.Tracker.Concurrency < 1 {
		return fmt.Errorf("TRACKER_CONCURRENCY must be at least 1, got %d", c.Tracker.Concurrency)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
