// Package config loads the runtime tunables for the propagation node from
// environment variables, applying sane defaults and returning one aggregated
// error for every invalid override.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultHTTPAddr is the default address the admin/debug HTTP surface listens on.
	DefaultHTTPAddr = ":43127"
	// DefaultMaxTTL is the default advisory hop budget for locally-originated events.
	DefaultMaxTTL = 5
	// DefaultDedupCapacity bounds the global deduplication cache.
	DefaultDedupCapacity = 100_000
	// DefaultPeerTrackerCapacity bounds each per-peer forwarded-event set.
	DefaultPeerTrackerCapacity = 10_000
	// DefaultSubscriptionMaxIDLen caps subscription identifier length.
	DefaultSubscriptionMaxIDLen = 64

	// DefaultRateCapacity is the default per-peer token bucket capacity.
	DefaultRateCapacity = 200.0
	// DefaultRateRefillPerSec is the default per-peer token bucket refill rate.
	DefaultRateRefillPerSec = 50.0
	// DefaultGlobalRateCapacity is the default GlobalRateLimit capacity. No
	// limiter reads GlobalRateLimit; the local-publisher bucket uses RateLimit.
	DefaultGlobalRateCapacity = 2000.0
	// DefaultGlobalRateRefillPerSec is the default GlobalRateLimit refill rate.
	DefaultGlobalRateRefillPerSec = 500.0

	// DefaultReconnectBaseMs is the base exponential-backoff delay.
	DefaultReconnectBaseMs = 1000
	// DefaultReconnectMaxMs caps the exponential-backoff delay.
	DefaultReconnectMaxMs = 300_000
	// DefaultReconnectMaxAttempts is the number of retries before a peer is marked Failed.
	DefaultReconnectMaxAttempts = 10

	// DefaultRenewalCheckInterval controls how often the renewal sweep runs.
	DefaultRenewalCheckInterval = time.Hour
	// DefaultRenewalWindow is the look-ahead horizon for renewal eligibility.
	DefaultRenewalWindow = 6 * time.Hour

	// DefaultExpiryTick controls the subscription-expiry sweep cadence.
	DefaultExpiryTick = 60 * time.Second

	// DefaultLogLevel controls verbosity for node logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "node.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultConnectionStatePath is where peer connection records are persisted.
	DefaultConnectionStatePath = "connections.json"
	// DefaultConnectionStateInterval controls how often connection state is flushed.
	DefaultConnectionStateInterval = 30 * time.Second
)

// RateConfig captures a token-bucket's capacity and refill rate.
type RateConfig struct {
	Capacity     float64
	RefillPerSec float64
}

// ReconnectConfig controls the reconnection scheduler's backoff law.
type ReconnectConfig struct {
	BaseMs        int64
	MaxMs         int64
	MaxAttempts   int
	AutoOnStartup bool
}

// RenewalConfig controls the subscription renewal background task.
type RenewalConfig struct {
	CheckInterval time.Duration
	Window        time.Duration
	Enabled       bool
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config captures all runtime tunables for the propagation node.
type Config struct {
	HTTPAddr             string
	AllowedOrigins       []string
	AdminToken           string
	PeerHandshakeSecret  string
	TLSCertPath          string
	TLSKeyPath           string

	MaxTTL               int
	MaxHops              int
	DedupCapacity        int
	PeerTrackerCapacity  int
	SubscriptionMaxIDLen int

	RateLimit       RateConfig
	GlobalRateLimit RateConfig

	Reconnect          ReconnectConfig
	Renewal            RenewalConfig
	ExpiryTickInterval time.Duration

	Logging LoggingConfig

	ConnectionStatePath     string
	ConnectionStateInterval time.Duration
}

// Load reads the node configuration from environment variables, applying sane defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:            getString("NODE_HTTP_ADDR", DefaultHTTPAddr),
		AllowedOrigins:      parseList(os.Getenv("NODE_ALLOWED_ORIGINS")),
		AdminToken:          strings.TrimSpace(os.Getenv("NODE_ADMIN_TOKEN")),
		PeerHandshakeSecret: strings.TrimSpace(os.Getenv("NODE_PEER_HANDSHAKE_SECRET")),
		TLSCertPath:         strings.TrimSpace(os.Getenv("NODE_TLS_CERT")),
		TLSKeyPath:          strings.TrimSpace(os.Getenv("NODE_TLS_KEY")),

		MaxTTL:               DefaultMaxTTL,
		MaxHops:              DefaultMaxTTL,
		DedupCapacity:        DefaultDedupCapacity,
		PeerTrackerCapacity:  DefaultPeerTrackerCapacity,
		SubscriptionMaxIDLen: DefaultSubscriptionMaxIDLen,

		RateLimit:       RateConfig{Capacity: DefaultRateCapacity, RefillPerSec: DefaultRateRefillPerSec},
		GlobalRateLimit: RateConfig{Capacity: DefaultGlobalRateCapacity, RefillPerSec: DefaultGlobalRateRefillPerSec},

		Reconnect: ReconnectConfig{
			BaseMs:        DefaultReconnectBaseMs,
			MaxMs:         DefaultReconnectMaxMs,
			MaxAttempts:   DefaultReconnectMaxAttempts,
			AutoOnStartup: true,
		},
		Renewal: RenewalConfig{
			CheckInterval: DefaultRenewalCheckInterval,
			Window:        DefaultRenewalWindow,
			Enabled:       true,
		},
		ExpiryTickInterval: DefaultExpiryTick,

		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("NODE_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("NODE_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},

		ConnectionStatePath:     getString("NODE_CONNECTION_STATE_PATH", DefaultConnectionStatePath),
		ConnectionStateInterval: DefaultConnectionStateInterval,
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("NODE_MAX_TTL")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("NODE_MAX_TTL must be a positive integer, got %q", raw))
		} else {
			cfg.MaxTTL = value
			cfg.MaxHops = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NODE_DEDUP_CAPACITY")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("NODE_DEDUP_CAPACITY must be a positive integer, got %q", raw))
		} else {
			cfg.DedupCapacity = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NODE_PEER_TRACKER_CAPACITY")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("NODE_PEER_TRACKER_CAPACITY must be a positive integer, got %q", raw))
		} else {
			cfg.PeerTrackerCapacity = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NODE_SUBSCRIPTION_MAX_ID_LEN")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("NODE_SUBSCRIPTION_MAX_ID_LEN must be a positive integer, got %q", raw))
		} else {
			cfg.SubscriptionMaxIDLen = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NODE_RATE_CAPACITY")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("NODE_RATE_CAPACITY must be a positive number, got %q", raw))
		} else {
			cfg.RateLimit.Capacity = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NODE_RATE_REFILL_PER_SEC")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("NODE_RATE_REFILL_PER_SEC must be a positive number, got %q", raw))
		} else {
			cfg.RateLimit.RefillPerSec = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NODE_GLOBAL_RATE_CAPACITY")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("NODE_GLOBAL_RATE_CAPACITY must be a positive number, got %q", raw))
		} else {
			cfg.GlobalRateLimit.Capacity = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NODE_GLOBAL_RATE_REFILL_PER_SEC")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("NODE_GLOBAL_RATE_REFILL_PER_SEC must be a positive number, got %q", raw))
		} else {
			cfg.GlobalRateLimit.RefillPerSec = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NODE_RECONNECT_BASE_MS")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("NODE_RECONNECT_BASE_MS must be a positive integer, got %q", raw))
		} else {
			cfg.Reconnect.BaseMs = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NODE_RECONNECT_MAX_MS")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("NODE_RECONNECT_MAX_MS must be a positive integer, got %q", raw))
		} else {
			cfg.Reconnect.MaxMs = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NODE_RECONNECT_MAX_ATTEMPTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("NODE_RECONNECT_MAX_ATTEMPTS must be a positive integer, got %q", raw))
		} else {
			cfg.Reconnect.MaxAttempts = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NODE_RECONNECT_AUTO_ON_STARTUP")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("NODE_RECONNECT_AUTO_ON_STARTUP must be a boolean value, got %q", raw))
		} else {
			cfg.Reconnect.AutoOnStartup = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NODE_RENEWAL_CHECK_INTERVAL_MS")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("NODE_RENEWAL_CHECK_INTERVAL_MS must be a positive integer, got %q", raw))
		} else {
			cfg.Renewal.CheckInterval = time.Duration(value) * time.Millisecond
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NODE_RENEWAL_WINDOW_MS")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("NODE_RENEWAL_WINDOW_MS must be a positive integer, got %q", raw))
		} else {
			cfg.Renewal.Window = time.Duration(value) * time.Millisecond
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NODE_RENEWAL_ENABLED")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("NODE_RENEWAL_ENABLED must be a boolean value, got %q", raw))
		} else {
			cfg.Renewal.Enabled = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NODE_EXPIRY_TICK_MS")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("NODE_EXPIRY_TICK_MS must be a positive integer, got %q", raw))
		} else {
			cfg.ExpiryTickInterval = time.Duration(value) * time.Millisecond
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NODE_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("NODE_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NODE_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("NODE_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NODE_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("NODE_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NODE_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("NODE_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NODE_CONNECTION_STATE_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("NODE_CONNECTION_STATE_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.ConnectionStateInterval = duration
		}
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "NODE_TLS_CERT and NODE_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
