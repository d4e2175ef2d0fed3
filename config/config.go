// Package config provides unified configuration loading for the
// orchestration core: programmatic defaults, YAML file, then environment
// variable overrides, in that precedence order.
package config

import (
	"go.uber.org/zap"

	"github.com/blopit/Proxy-Agent-Platform-sub001/agents"
	"github.com/blopit/Proxy-Agent-Platform-sub001/workflow"
)

// Config is the complete configuration of the orchestration core.
type Config struct {
	// Engine configures the workflow orchestration engine
	Engine workflow.EngineConfig `yaml:"engine"`

	// LoadBalancer configures instance selection
	LoadBalancer LoadBalancerConfig `yaml:"load_balancer"`

	// Health configures the instance health monitor
	Health agents.HealthMonitorConfig `yaml:"health"`

	// AutoScaler configures utilization-based scaling recommendations
	AutoScaler agents.AutoScalerConfig `yaml:"auto_scaler"`

	// Logging configures the zap logger
	Logging LoggingConfig `yaml:"logging"`

	// Metrics configures the prometheus collector
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoadBalancerConfig holds balancer-wide settings; per-pool strategy
// overrides live in each pool's registration.
type LoadBalancerConfig struct {
	// DefaultStrategy applies to pools registered without a strategy
	DefaultStrategy agents.Strategy `yaml:"default_strategy"`
	// Failover maps a role to its fallback role, e.g.
	// implementation -> architect -> quality
	Failover map[string]string `yaml:"failover"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`
	// Development switches to the human-readable console encoder
	Development bool `yaml:"development"`
}

// MetricsConfig configures the prometheus collector.
type MetricsConfig struct {
	// Enabled toggles metric collection
	Enabled bool `yaml:"enabled"`
	// Namespace prefixes every metric name
	Namespace string `yaml:"namespace"`
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Engine: workflow.DefaultEngineConfig(),
		LoadBalancer: LoadBalancerConfig{
			DefaultStrategy: agents.StrategyLeastLoaded,
			Failover:        map[string]string{},
		},
		Health:     agents.DefaultHealthMonitorConfig(),
		AutoScaler: agents.DefaultAutoScalerConfig(),
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "orchestrator",
		},
	}
}

// BuildRegistry constructs the agent registry described by the
// load_balancer section: pools registered later inherit the default
// strategy, and the role failover chain is installed up front.
func BuildRegistry(cfg LoadBalancerConfig, logger *zap.Logger) *agents.Registry {
	registry := agents.NewRegistry(logger)
	registry.SetDefaultStrategy(cfg.DefaultStrategy)
	if len(cfg.Failover) > 0 {
		registry.SetFailover(cfg.Failover)
	}
	return registry
}
