package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blopit/Proxy-Agent-Platform-sub001/agents"
)

// Loader loads configuration with the precedence
// defaults -> YAML file -> environment variables.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("orchestrator.yaml").
//	    WithEnvPrefix("ORCH").
//	    Load()
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a loader with no file and the ORCH env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "ORCH"}
}

// WithConfigPath sets the YAML file to load. Missing files are an error;
// an empty path skips the file stage.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load produces the final configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", l.configPath, err)
		}
	}

	l.applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides scalar settings from the environment, e.g.
// ORCH_LOG_LEVEL=debug or ORCH_SCALE_UP_THRESHOLD=0.8.
func (l *Loader) applyEnv(cfg *Config) {
	if v, ok := l.env("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := l.env("LOG_DEVELOPMENT"); ok {
		cfg.Logging.Development = parseBool(v)
	}
	if v, ok := l.env("METRICS_ENABLED"); ok {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v, ok := l.env("METRICS_NAMESPACE"); ok {
		cfg.Metrics.Namespace = v
	}
	if v, ok := l.env("LB_STRATEGY"); ok {
		cfg.LoadBalancer.DefaultStrategy = agents.Strategy(v)
	}
	if v, ok := l.env("STEP_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.DefaultStepTimeout = d
		}
	}
	if v, ok := l.env("BREAKER_FAILURE_THRESHOLD"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.CircuitBreaker.FailureThreshold = n
		}
	}
	if v, ok := l.env("BREAKER_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.CircuitBreaker.Timeout = d
		}
	}
	if v, ok := l.env("PROBE_INTERVAL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Health.ProbeInterval = d
		}
	}
	if v, ok := l.env("SCALE_UP_THRESHOLD"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.AutoScaler.ScaleUpThreshold = f
		}
	}
	if v, ok := l.env("SCALE_DOWN_THRESHOLD"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.AutoScaler.ScaleDownThreshold = f
		}
	}
	if v, ok := l.env("SCALE_COOLDOWN"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.AutoScaler.Cooldown = d
		}
	}
}

func (l *Loader) env(key string) (string, bool) {
	return os.LookupEnv(l.envPrefix + "_" + key)
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// validate rejects configurations that would misbehave at runtime.
func validate(cfg *Config) error {
	if cfg.AutoScaler.ScaleDownThreshold >= cfg.AutoScaler.ScaleUpThreshold {
		return fmt.Errorf("scale_down_threshold (%v) must be below scale_up_threshold (%v)",
			cfg.AutoScaler.ScaleDownThreshold, cfg.AutoScaler.ScaleUpThreshold)
	}
	if cfg.Engine.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit breaker failure_threshold must be >= 1")
	}
	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", cfg.Logging.Level)
	}
	return nil
}
