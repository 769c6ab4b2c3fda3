package core

import "time"

// Environment variable names recognized by Config.loadFromEnv.
const (
	EnvPolicyPath  = "METAMCP_POLICY_PATH"
	EnvRedisURL    = "METAMCP_REDIS_URL"
	EnvLogLevel    = "METAMCP_LOG_LEVEL"
	EnvLogFormat   = "METAMCP_LOG_FORMAT"
	EnvDevMode     = "METAMCP_DEV_MODE"
)

// Redis key conventions. The persistence stores build their own key
// prefixes ("metamcp:sessions", "metamcp:usage", "metamcp:checkpoints") and
// TTLs and do not read these constants.
const (
	// DefaultRedisPrefix is the "metamcp:" namespace the stores' key
	// prefixes start with.
	DefaultRedisPrefix = "metamcp:"

	// DefaultSessionTTL is a 24-hour session lifetime. RedisSessionStore
	// does not use it: its TTL defaults to 2 hours and the broker sets it
	// from Config.SessionIdleTimeout.
	DefaultSessionTTL = 24 * time.Hour

	// DefaultEscalationTTL is a 30-minute escalation lifetime. Escalations
	// are not stored in Redis and no code reads this constant.
	DefaultEscalationTTL = 30 * time.Minute
)
