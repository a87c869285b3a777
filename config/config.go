package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig
	Browser    BrowserConfig
	RenderPool PoolConfig
	ConnPool   PoolConfig
	Breaker    BreakerConfig
	Cache      CacheConfig
	Router     RouterConfig
	Fetch      FetchConfig
	Proxy      ProxyConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string // default: "0.0.0.0"
	Port int    // default: 8080
	Mode string // "debug", "release", "test"; default: "release"
}

// BrowserConfig controls the shared Rod browser instance backing the
// render pool.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool // default: true

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string
}

// PoolConfig controls one resource pool (render pages or connections).
type PoolConfig struct {
	// MinSize is the number of resources kept alive even when idle.
	MinSize int

	// MaxSize is the hard capacity; at capacity acquirers wait FIFO.
	MaxSize int

	// AcquireTimeout bounds how long an acquirer waits at capacity.
	AcquireTimeout time.Duration // default: 10s

	// IdleTimeout retires resources idle longer than this (above MinSize).
	IdleTimeout time.Duration // default: 5m

	// MaxAge retires resources older than this regardless of health.
	MaxAge time.Duration // default: 50m

	// MaxUses retires resources after this many checkouts.
	MaxUses int // default: 50

	// MaxErrors retires resources after this many failed checkouts.
	MaxErrors int // default: 3

	// SweepInterval is how often the background eviction sweep runs.
	SweepInterval time.Duration // default: 30s
}

// BreakerConfig controls the per-adapter circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failures that open the breaker.
	FailureThreshold int // default: 5

	// SuccessThreshold is the consecutive half-open successes that close it.
	SuccessThreshold int // default: 2

	// HalfOpenConcurrency caps concurrent half-open trial calls.
	HalfOpenConcurrency int // default: 1

	// OpenDuration is how long the breaker rejects before retrial.
	OpenDuration time.Duration // default: 30s
}

// CacheConfig controls the fetch result cache.
type CacheConfig struct {
	// MaxEntries is the maximum number of cached results (LRU-bounded).
	MaxEntries int // default: 1000

	// DefaultTTL is the time-to-live applied when Set is called without one.
	DefaultTTL time.Duration // default: 1h

	// SweepInterval is how often expired entries are swept out.
	SweepInterval time.Duration // default: 5m
}

// RouterConfig controls adapter scoring.
type RouterConfig struct {
	// PriorityWeight, PerformanceWeight and CapabilityWeight are the
	// scoring blend; they should sum to 1.0.
	PriorityWeight    float64 // default: 0.3
	PerformanceWeight float64 // default: 0.5
	CapabilityWeight  float64 // default: 0.2

	// MetricsWindow is the sliding window for success rate / latency.
	MetricsWindow time.Duration // default: 5m
}

// FetchConfig controls the orchestrator's retry policy.
type FetchConfig struct {
	// MaxRetries is the default retry count after the first attempt.
	MaxRetries int // default: 2

	// AttemptTimeout is the default per-attempt deadline.
	AttemptTimeout time.Duration // default: 30s

	// BackoffStep is the linear backoff unit between attempts
	// (attempt n waits n * BackoffStep).
	BackoffStep time.Duration // default: 500ms

	// MaxBodySize caps the response body read by adapters.
	MaxBodySize int64 // default: 10 MB
}

// ProxyConfig controls the rotating outbound proxy identities.
type ProxyConfig struct {
	// URLs is the list of proxy URLs rotated round-robin per attempt.
	URLs []string

	// QuarantineAfter is the consecutive failures that sideline a proxy.
	QuarantineAfter int // default: 3

	// QuarantineFor is how long a sidelined proxy is skipped.
	QuarantineFor time.Duration // default: 5m
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	// Enabled toggles API key authentication.
	Enabled bool // default: false

	// APIKeys is the list of valid API keys.
	APIKeys []string
}

// RateLimitConfig controls per-key rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per API key.
	RequestsPerSecond float64 // default: 5

	// Burst is the maximum burst size per API key.
	Burst int // default: 10
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host: envOr("HARVEST_HOST", "0.0.0.0"),
			Port: envIntOr("HARVEST_PORT", 8080),
			Mode: envOr("HARVEST_MODE", "release"),
		},
		Browser: BrowserConfig{
			Headless:   envBoolOr("HARVEST_HEADLESS", true),
			NoSandbox:  envBoolOr("HARVEST_NO_SANDBOX", false),
			BrowserBin: os.Getenv("HARVEST_BROWSER_BIN"),
		},
		RenderPool: PoolConfig{
			MinSize:        envIntOr("HARVEST_RENDER_POOL_MIN", 1),
			MaxSize:        envIntOr("HARVEST_RENDER_POOL_MAX", 10),
			AcquireTimeout: envDurationOr("HARVEST_RENDER_POOL_ACQUIRE_TIMEOUT", 10*time.Second),
			IdleTimeout:    envDurationOr("HARVEST_RENDER_POOL_IDLE_TIMEOUT", 5*time.Minute),
			MaxAge:         envDurationOr("HARVEST_RENDER_POOL_MAX_AGE", 50*time.Minute),
			MaxUses:        envIntOr("HARVEST_RENDER_POOL_MAX_USES", 50),
			MaxErrors:      envIntOr("HARVEST_RENDER_POOL_MAX_ERRORS", 3),
			SweepInterval:  envDurationOr("HARVEST_RENDER_POOL_SWEEP", 30*time.Second),
		},
		ConnPool: PoolConfig{
			MinSize:        envIntOr("HARVEST_CONN_POOL_MIN", 2),
			MaxSize:        envIntOr("HARVEST_CONN_POOL_MAX", 50),
			AcquireTimeout: envDurationOr("HARVEST_CONN_POOL_ACQUIRE_TIMEOUT", 5*time.Second),
			IdleTimeout:    envDurationOr("HARVEST_CONN_POOL_IDLE_TIMEOUT", 5*time.Minute),
			MaxAge:         envDurationOr("HARVEST_CONN_POOL_MAX_AGE", 1*time.Hour),
			MaxUses:        envIntOr("HARVEST_CONN_POOL_MAX_USES", 200),
			MaxErrors:      envIntOr("HARVEST_CONN_POOL_MAX_ERRORS", 5),
			SweepInterval:  envDurationOr("HARVEST_CONN_POOL_SWEEP", 30*time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold:    envIntOr("HARVEST_BREAKER_FAILURES", 5),
			SuccessThreshold:    envIntOr("HARVEST_BREAKER_SUCCESSES", 2),
			HalfOpenConcurrency: envIntOr("HARVEST_BREAKER_HALF_OPEN", 1),
			OpenDuration:        envDurationOr("HARVEST_BREAKER_OPEN_FOR", 30*time.Second),
		},
		Cache: CacheConfig{
			MaxEntries:    envIntOr("HARVEST_CACHE_MAX_ENTRIES", 1000),
			DefaultTTL:    envDurationOr("HARVEST_CACHE_TTL", 1*time.Hour),
			SweepInterval: envDurationOr("HARVEST_CACHE_SWEEP", 5*time.Minute),
		},
		Router: RouterConfig{
			PriorityWeight:    envFloatOr("HARVEST_ROUTER_PRIORITY_WEIGHT", 0.3),
			PerformanceWeight: envFloatOr("HARVEST_ROUTER_PERFORMANCE_WEIGHT", 0.5),
			CapabilityWeight:  envFloatOr("HARVEST_ROUTER_CAPABILITY_WEIGHT", 0.2),
			MetricsWindow:     envDurationOr("HARVEST_ROUTER_METRICS_WINDOW", 5*time.Minute),
		},
		Fetch: FetchConfig{
			MaxRetries:     envIntOr("HARVEST_MAX_RETRIES", 2),
			AttemptTimeout: envDurationOr("HARVEST_ATTEMPT_TIMEOUT", 30*time.Second),
			BackoffStep:    envDurationOr("HARVEST_BACKOFF_STEP", 500*time.Millisecond),
			MaxBodySize:    int64(envIntOr("HARVEST_MAX_BODY_SIZE", 10<<20)),
		},
		Proxy: ProxyConfig{
			URLs:            envSliceOr("HARVEST_PROXIES", nil),
			QuarantineAfter: envIntOr("HARVEST_PROXY_QUARANTINE_AFTER", 3),
			QuarantineFor:   envDurationOr("HARVEST_PROXY_QUARANTINE_FOR", 5*time.Minute),
		},
		Auth: AuthConfig{
			Enabled: envBoolOr("HARVEST_AUTH_ENABLED", false),
			APIKeys: envSliceOr("HARVEST_API_KEYS", nil),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloatOr("HARVEST_RATE_RPS", 5.0),
			Burst:             envIntOr("HARVEST_RATE_BURST", 10),
		},
		Log: LogConfig{
			Level:  envOr("HARVEST_LOG_LEVEL", "info"),
			Format: envOr("HARVEST_LOG_FORMAT", "json"),
		},
	}
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
