package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blopit/Proxy-Agent-Platform-sub001/agents"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.Engine.DefaultStepTimeout)
	assert.Equal(t, 5, cfg.Engine.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Engine.CircuitBreaker.Timeout)
	assert.Equal(t, 5, cfg.Engine.Retry.HandoffThreshold)
	assert.Equal(t, agents.StrategyLeastLoaded, cfg.LoadBalancer.DefaultStrategy)
	assert.Equal(t, 30*time.Second, cfg.Health.ProbeInterval)
	assert.InDelta(t, 0.9, cfg.AutoScaler.ScaleUpThreshold, 1e-9)
	assert.InDelta(t, 0.3, cfg.AutoScaler.ScaleDownThreshold, 1e-9)
	assert.Equal(t, 300*time.Second, cfg.AutoScaler.Cooldown)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "orchestrator", cfg.Metrics.Namespace)
}

func TestLoader_YAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
engine:
  default_step_timeout: 2m
  circuit_breaker:
    failure_threshold: 3
    timeout: 90s
load_balancer:
  default_strategy: round_robin
  failover:
    implementation: architect
health:
  probe_interval: 10s
auto_scaler:
  scale_up_threshold: 0.8
logging:
  level: debug
  development: true
metrics:
  enabled: false
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.Engine.DefaultStepTimeout)
	assert.Equal(t, 3, cfg.Engine.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 90*time.Second, cfg.Engine.CircuitBreaker.Timeout)
	assert.Equal(t, agents.StrategyRoundRobin, cfg.LoadBalancer.DefaultStrategy)
	assert.Equal(t, "architect", cfg.LoadBalancer.Failover["implementation"])
	assert.Equal(t, 10*time.Second, cfg.Health.ProbeInterval)
	assert.InDelta(t, 0.8, cfg.AutoScaler.ScaleUpThreshold, 1e-9)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
	assert.False(t, cfg.Metrics.Enabled)

	// Untouched sections keep their defaults.
	assert.Equal(t, 300*time.Second, cfg.AutoScaler.Cooldown)
	assert.Equal(t, 5, cfg.Engine.Retry.HandoffThreshold)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
engine:
  default_step_timeout: 2m
`)
	t.Setenv("ORCH_LOG_LEVEL", "warn")
	t.Setenv("ORCH_STEP_TIMEOUT", "45s")
	t.Setenv("ORCH_LB_STRATEGY", "weighted_round_robin")
	t.Setenv("ORCH_SCALE_UP_THRESHOLD", "0.75")
	t.Setenv("ORCH_METRICS_ENABLED", "false")
	t.Setenv("ORCH_BREAKER_TIMEOUT", "30s")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 45*time.Second, cfg.Engine.DefaultStepTimeout)
	assert.Equal(t, agents.StrategyWeightedRoundRobin, cfg.LoadBalancer.DefaultStrategy)
	assert.InDelta(t, 0.75, cfg.AutoScaler.ScaleUpThreshold, 1e-9)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Engine.CircuitBreaker.Timeout)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("WF_LOG_LEVEL", "error")
	t.Setenv("ORCH_LOG_LEVEL", "debug")

	cfg, err := NewLoader().WithEnvPrefix("WF").Load()
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Logging.Level)
}

func TestLoader_MissingFile(t *testing.T) {
	_, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	assert.Error(t, err)
}

func TestLoader_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "engine: [not a map")
	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

func TestLoader_Validation(t *testing.T) {
	t.Run("inverted scaling thresholds", func(t *testing.T) {
		path := writeConfig(t, `
auto_scaler:
  scale_up_threshold: 0.2
  scale_down_threshold: 0.5
`)
		_, err := NewLoader().WithConfigPath(path).Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scale_down_threshold")
	})

	t.Run("zero failure threshold", func(t *testing.T) {
		path := writeConfig(t, `
engine:
  circuit_breaker:
    failure_threshold: 0
`)
		_, err := NewLoader().WithConfigPath(path).Load()
		assert.Error(t, err)
	})

	t.Run("unknown log level", func(t *testing.T) {
		path := writeConfig(t, `
logging:
  level: loud
`)
		_, err := NewLoader().WithConfigPath(path).Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "log level")
	})
}

func TestBuildRegistry(t *testing.T) {
	cfg := LoadBalancerConfig{
		DefaultStrategy: agents.StrategyRoundRobin,
		Failover:        map[string]string{"quality": "implementation"},
	}
	registry := BuildRegistry(cfg, nil)

	require.NoError(t, registry.RegisterPool(agents.PoolConfig{Role: "implementation"}, nil))
	pool, ok := registry.PoolConfigFor("implementation")
	require.True(t, ok)
	assert.Equal(t, agents.StrategyRoundRobin, pool.Strategy,
		"pools inherit the configured default strategy")

	alt, ok := registry.FailoverRole("quality")
	require.True(t, ok)
	assert.Equal(t, "implementation", alt)
}
