package core

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the broker's own configuration. It supports three-layer
// priority: defaults (lowest), environment variables (medium), functional
// options passed to NewConfig (highest).
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithPolicyPath("./policy.yaml"),
//	    WithRedisURL("redis://localhost:6379"),
//	    WithToolTimeout(30*time.Second),
//	)
type Config struct {
	// PolicyPath is the filesystem path to the policy YAML document.
	PolicyPath string `json:"policy_path" env:"METAMCP_POLICY_PATH" default:"./policy.yaml"`

	// RedisURL backs the session store and usage log. Empty disables
	// Redis persistence in favor of the in-memory/file fallback.
	RedisURL string `json:"redis_url" env:"METAMCP_REDIS_URL"`

	// SessionStoreDir is the fallback on-disk session store directory,
	// used when RedisURL is empty.
	SessionStoreDir string `json:"session_store_dir" env:"METAMCP_SESSION_DIR" default:"./sessions"`

	// UsageLogPath is the append-only usage log file path.
	UsageLogPath string `json:"usage_log_path" env:"METAMCP_USAGE_LOG" default:"./usage.log"`

	// ToolTimeout is validated to be positive but is not read outside core;
	// the broker bounds each tool call with the policy document's
	// broker.tool_timeout instead.
	ToolTimeout time.Duration `json:"tool_timeout" env:"METAMCP_TOOL_TIMEOUT" default:"30s"`

	// CircuitBreaker is validated here but not read outside core; the
	// transport manager builds each connection's breaker from the policy
	// document's circuit_breaker_threshold and circuit_breaker_recovery.
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`

	// CheckpointRingSize is not read outside core; the session registry
	// sizes each checkpoint ring from the policy document's
	// checkpoint_ring_size (64 when unset).
	CheckpointRingSize int `json:"checkpoint_ring_size" env:"METAMCP_CHECKPOINT_RING" default:"20"`

	// SessionIdleTimeout is the persisted session store's idle window (the
	// Redis key TTL, or the file store's expiry). The idle-GC scheduler
	// takes its threshold from the policy document's session_idle_timeout.
	SessionIdleTimeout time.Duration `json:"session_idle_timeout" env:"METAMCP_SESSION_IDLE" default:"2h"`

	// EscalationTimeout is not read outside core; escalation expiry follows
	// each escalation's max_duration_seconds from the policy document.
	EscalationTimeout time.Duration `json:"escalation_timeout" env:"METAMCP_ESCALATION_TIMEOUT" default:"15m"`

	// HealthCheckInterval is not read outside core; the health-check
	// scheduler paces itself from the policy document's
	// health_check_interval.
	HealthCheckInterval time.Duration `json:"health_check_interval" env:"METAMCP_HEALTH_INTERVAL" default:"30s"`

	// AutoCheckpointInterval is not read outside core; the auto-checkpoint
	// scheduler uses the role's auto-checkpoint minutes or the policy
	// document's auto_checkpoint_interval.
	AutoCheckpointInterval time.Duration `json:"auto_checkpoint_interval" env:"METAMCP_AUTO_CHECKPOINT_INTERVAL" default:"5m"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `json:"log_level" env:"METAMCP_LOG_LEVEL" default:"info"`

	// LogFormat is "json" (zap, production) or "text" (SimpleLogger, dev).
	LogFormat string `json:"log_format" env:"METAMCP_LOG_FORMAT" default:"text"`

	// DevMode is loaded from the environment and options; no check in the
	// module reads it.
	DevMode bool `json:"dev_mode" env:"METAMCP_DEV_MODE" default:"false"`

	logger Logger
}

// CircuitBreakerConfig mirrors the settings gobreaker.Settings needs,
// kept decoupled from the gobreaker import so core stays dependency-light.
type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled" default:"true"`
	Threshold        int           `json:"threshold" env:"METAMCP_BREAKER_THRESHOLD" default:"5"`
	Timeout          time.Duration `json:"timeout" env:"METAMCP_BREAKER_TIMEOUT" default:"30s"`
	HalfOpenRequests int           `json:"half_open_requests" env:"METAMCP_BREAKER_HALF_OPEN" default:"1"`
}

// Option mutates a Config during construction. Options run in order after
// defaults and environment variables are applied, so they take highest
// priority.
type Option func(*Config) error

// NewConfig builds a Config from defaults, then environment variables,
// then the supplied options, in that priority order.
func NewConfig(opts ...Option) (*Config, error) {
	c := &Config{
		PolicyPath:             "./policy.yaml",
		SessionStoreDir:        "./sessions",
		UsageLogPath:           "./usage.log",
		ToolTimeout:            30 * time.Second,
		CheckpointRingSize:     20,
		SessionIdleTimeout:     2 * time.Hour,
		EscalationTimeout:      15 * time.Minute,
		HealthCheckInterval:    30 * time.Second,
		AutoCheckpointInterval: 5 * time.Minute,
		LogLevel:               "info",
		LogFormat:              "text",
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			Threshold:        5,
			Timeout:          30 * time.Second,
			HalfOpenRequests: 1,
		},
	}

	if err := c.loadFromEnv(); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.logger == nil {
		if c.LogFormat == "json" {
			if zl, err := NewZapLogger(c.LogLevel); err == nil {
				c.logger = zl
			}
		}
		if c.logger == nil {
			c.logger = NewDefaultLogger(c.LogLevel, c.LogFormat)
		}
	}

	return c, c.validate()
}

func (c *Config) validate() error {
	if c.PolicyPath == "" {
		return NewError("Config.validate", "config", ErrInvalidConfiguration)
	}
	if c.ToolTimeout <= 0 {
		return NewError("Config.validate", "config", ErrInvalidConfiguration)
	}
	if c.CircuitBreaker.Threshold < 1 {
		return NewError("Config.validate", "config", ErrInvalidConfiguration)
	}
	return nil
}

func (c *Config) loadFromEnv() error {
	if v := os.Getenv("METAMCP_POLICY_PATH"); v != "" {
		c.PolicyPath = v
	}
	if v := os.Getenv("METAMCP_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("METAMCP_SESSION_DIR"); v != "" {
		c.SessionStoreDir = v
	}
	if v := os.Getenv("METAMCP_USAGE_LOG"); v != "" {
		c.UsageLogPath = v
	}
	if v := os.Getenv("METAMCP_TOOL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ToolTimeout = d
		}
	}
	if v := os.Getenv("METAMCP_CHECKPOINT_RING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CheckpointRingSize = n
		}
	}
	if v := os.Getenv("METAMCP_SESSION_IDLE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SessionIdleTimeout = d
		}
	}
	if v := os.Getenv("METAMCP_ESCALATION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.EscalationTimeout = d
		}
	}
	if v := os.Getenv("METAMCP_HEALTH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HealthCheckInterval = d
		}
	}
	if v := os.Getenv("METAMCP_AUTO_CHECKPOINT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.AutoCheckpointInterval = d
		}
	}
	if v := os.Getenv("METAMCP_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("METAMCP_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("METAMCP_DEV_MODE"); v != "" {
		c.DevMode = parseBool(v)
	}
	if v := os.Getenv("METAMCP_BREAKER_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CircuitBreaker.Threshold = n
		}
	}
	if v := os.Getenv("METAMCP_BREAKER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.CircuitBreaker.Timeout = d
		}
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// Logger returns the configured logger, defaulting to a text SimpleLogger.
func (c *Config) Logger() Logger {
	return c.logger
}

// Functional options.

// WithPolicyPath sets the policy YAML document path.
func WithPolicyPath(path string) Option {
	return func(c *Config) error {
		if path == "" {
			return NewError("WithPolicyPath", "config", ErrInvalidConfiguration)
		}
		c.PolicyPath = path
		return nil
	}
}

// WithRedisURL points the session store and usage log at Redis.
// Format: redis://[user:password@]host:port/db
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.RedisURL = url
		return nil
	}
}

// WithSessionStoreDir sets the on-disk fallback session store directory.
func WithSessionStoreDir(dir string) Option {
	return func(c *Config) error {
		c.SessionStoreDir = dir
		return nil
	}
}

// WithToolTimeout sets ToolTimeout, which must be positive.
func WithToolTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return NewError("WithToolTimeout", "config", ErrInvalidConfiguration)
		}
		c.ToolTimeout = d
		return nil
	}
}

// WithCircuitBreaker sets CircuitBreaker's threshold and timeout.
func WithCircuitBreaker(threshold int, timeout time.Duration) Option {
	return func(c *Config) error {
		if threshold < 1 {
			return NewError("WithCircuitBreaker", "config", ErrInvalidConfiguration)
		}
		c.CircuitBreaker.Threshold = threshold
		c.CircuitBreaker.Timeout = timeout
		return nil
	}
}

// WithSessionIdleTimeout overrides how long idle sessions survive.
func WithSessionIdleTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.SessionIdleTimeout = d
		return nil
	}
}

// WithEscalationTimeout sets EscalationTimeout.
func WithEscalationTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.EscalationTimeout = d
		return nil
	}
}

// WithLogLevel sets the minimum emitted log level.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.LogLevel = level
		return nil
	}
}

// WithLogFormat selects "json" or "text" logging.
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.LogFormat = format
		return nil
	}
}

// WithDevelopmentMode sets DevMode.
func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error {
		c.DevMode = enabled
		return nil
	}
}

// WithLogger injects a pre-built logger, bypassing LogLevel/LogFormat.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		if logger == nil {
			return NewError("WithLogger", "config", ErrInvalidConfiguration)
		}
		c.logger = logger
		return nil
	}
}
