package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, "./policy.yaml", cfg.PolicyPath)
	assert.Equal(t, 30*time.Second, cfg.ToolTimeout)
	assert.Equal(t, 20, cfg.CheckpointRingSize)
	assert.Equal(t, 2*time.Hour, cfg.SessionIdleTimeout)
	assert.Equal(t, 15*time.Minute, cfg.EscalationTimeout)
	assert.True(t, cfg.CircuitBreaker.Enabled)
	assert.Equal(t, 5, cfg.CircuitBreaker.Threshold)
	assert.Equal(t, 30*time.Second, cfg.CircuitBreaker.Timeout)
	assert.NotNil(t, cfg.Logger())
}

func TestNewConfigWithOptions(t *testing.T) {
	cfg, err := NewConfig(
		WithPolicyPath("/etc/metamcp/policy.yaml"),
		WithRedisURL("redis://localhost:6379/0"),
		WithToolTimeout(45*time.Second),
		WithCircuitBreaker(3, 10*time.Second),
	)
	require.NoError(t, err)

	assert.Equal(t, "/etc/metamcp/policy.yaml", cfg.PolicyPath)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, 45*time.Second, cfg.ToolTimeout)
	assert.Equal(t, 3, cfg.CircuitBreaker.Threshold)
	assert.Equal(t, 10*time.Second, cfg.CircuitBreaker.Timeout)
}

func TestNewConfigRejectsInvalidToolTimeout(t *testing.T) {
	_, err := NewConfig(WithToolTimeout(0))
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestNewConfigRejectsEmptyPolicyPath(t *testing.T) {
	_, err := NewConfig(WithPolicyPath(""))
	require.Error(t, err)
}

func TestNewConfigRejectsInvalidThreshold(t *testing.T) {
	_, err := NewConfig(WithCircuitBreaker(0, time.Second))
	require.Error(t, err)
}

func TestConfigEnvironmentOverride(t *testing.T) {
	t.Setenv("METAMCP_POLICY_PATH", "/tmp/policy-from-env.yaml")
	t.Setenv("METAMCP_TOOL_TIMEOUT", "90s")

	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/policy-from-env.yaml", cfg.PolicyPath)
	assert.Equal(t, 90*time.Second, cfg.ToolTimeout)
}

func TestConfigOptionsOverrideEnvironment(t *testing.T) {
	t.Setenv("METAMCP_POLICY_PATH", "/tmp/policy-from-env.yaml")

	cfg, err := NewConfig(WithPolicyPath("/tmp/policy-from-option.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/policy-from-option.yaml", cfg.PolicyPath)
}

func TestWithLoggerInjection(t *testing.T) {
	logger := NewDefaultLogger("debug", "text")
	cfg, err := NewConfig(WithLogger(logger))
	require.NoError(t, err)
	assert.Same(t, Logger(logger), cfg.Logger())
}

func TestWithLoggerRejectsNil(t *testing.T) {
	_, err := NewConfig(WithLogger(nil))
	require.Error(t, err)
}

func TestParseBool(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want bool
	}{
		{"true", true}, {"1", true}, {"yes", true}, {"on", true},
		{"false", false}, {"0", false}, {"", false}, {"nope", false},
	} {
		assert.Equal(t, tt.want, parseBool(tt.in), "parseBool(%q)", tt.in)
	}
}
