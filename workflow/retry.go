package workflow

import (
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RetryStrategy identifies the backoff family used between attempts.
type RetryStrategy string

const (
	StrategyFixed          RetryStrategy = "fixed"
	StrategyLinear         RetryStrategy = "linear"
	StrategyExponential    RetryStrategy = "exponential"
	StrategyCircuitBreaker RetryStrategy = "circuit_breaker"
)

// RetryConfig parameterizes one backoff strategy.
type RetryConfig struct {
	Strategy    RetryStrategy `json:"strategy" yaml:"strategy"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay"`
	Increment   time.Duration `json:"increment" yaml:"increment"`
	Multiplier  float64       `json:"multiplier" yaml:"multiplier"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay"`
	Jitter      bool          `json:"jitter" yaml:"jitter"`
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
}

// RetryClassifierConfig holds the per-failure-class retry tables. The
// classification heuristics came from observed failure modes; all of them
// are tunable rather than load-bearing constants.
type RetryClassifierConfig struct {
	// HandoffThreshold is the cumulative failure count at which retries
	// are handed off to the circuit breaker
	HandoffThreshold int `json:"handoff_threshold" yaml:"handoff_threshold"`
	// Timeout is applied when the failure message matches "timeout"
	Timeout RetryConfig `json:"timeout" yaml:"timeout"`
	// Resource is applied when the failure message matches "resource"
	Resource RetryConfig `json:"resource" yaml:"resource"`
	// Default is the conservative fallback for everything else
	Default RetryConfig `json:"default" yaml:"default"`
}

// DefaultRetryClassifierConfig returns the standard retry tables.
func DefaultRetryClassifierConfig() RetryClassifierConfig {
	return RetryClassifierConfig{
		HandoffThreshold: 5,
		Timeout: RetryConfig{
			Strategy:    StrategyExponential,
			BaseDelay:   10 * time.Second,
			Multiplier:  2.0,
			MaxDelay:    300 * time.Second,
			Jitter:      true,
			MaxAttempts: 5,
		},
		Resource: RetryConfig{
			Strategy:    StrategyLinear,
			BaseDelay:   30 * time.Second,
			Increment:   15 * time.Second,
			MaxAttempts: 3,
		},
		Default: RetryConfig{
			Strategy:    StrategyExponential,
			BaseDelay:   5 * time.Second,
			Multiplier:  1.5,
			MaxDelay:    120 * time.Second,
			Jitter:      true,
			MaxAttempts: 3,
		},
	}
}

// FailureRecord is one entry of a step's failure history.
type FailureRecord struct {
	Attempt int       `json:"attempt"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// RetryDecision is the ephemeral outcome of consulting the engine.
type RetryDecision struct {
	ShouldRetry bool          `json:"should_retry"`
	Delay       time.Duration `json:"delay"`
	NextAttempt int           `json:"next_attempt"`
	Strategy    RetryStrategy `json:"strategy"`
	Reason      string        `json:"reason"`
}

// Decision reasons
const (
	ReasonRetryScheduled      = "retry_scheduled"
	ReasonMaxAttemptsExceeded = "max_attempts_exceeded"
	ReasonCircuitHandoff      = "circuit_breaker_handoff"
)

// RetryEngine selects a backoff strategy from a step's failure history and
// computes the next retry delay. The engine is pure: no I/O, and all
// randomness flows through a seedable source so decisions are reproducible
// in tests.
type RetryEngine struct {
	config RetryClassifierConfig
	rng    *rand.Rand
	rngMu  sync.Mutex
	logger *zap.Logger
}

// NewRetryEngine creates a retry engine with the given tables and seed.
func NewRetryEngine(config RetryClassifierConfig, seed int64, logger *zap.Logger) *RetryEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.HandoffThreshold <= 0 {
		config.HandoffThreshold = 5
	}
	return &RetryEngine{
		config: config,
		rng:    rand.New(rand.NewSource(seed)),
		logger: logger.With(zap.String("component", "retry_engine")),
	}
}

// NextRetry decides whether and when a step should be retried given its
// failure history. An optional per-step override bypasses classification.
func (e *RetryEngine) NextRetry(stepID string, history []FailureRecord, override *RetryConfig) RetryDecision {
	attempts := len(history)
	if attempts == 0 {
		return RetryDecision{ShouldRetry: false, Reason: "no failure recorded"}
	}

	// Persistent failure: stop local retries and let the circuit breaker
	// gate any further dispatch.
	if override == nil && attempts >= e.config.HandoffThreshold {
		e.logger.Debug("handing retries to circuit breaker",
			zap.String("step_id", stepID),
			zap.Int("failures", attempts))
		return RetryDecision{
			ShouldRetry: false,
			NextAttempt: attempts + 1,
			Strategy:    StrategyCircuitBreaker,
			Reason:      ReasonCircuitHandoff,
		}
	}

	cfg := e.classify(history, override)
	if attempts >= cfg.MaxAttempts {
		return RetryDecision{
			ShouldRetry: false,
			NextAttempt: attempts + 1,
			Strategy:    cfg.Strategy,
			Reason:      ReasonMaxAttemptsExceeded,
		}
	}

	delay := e.delayFor(cfg, attempts)
	e.logger.Debug("retry scheduled",
		zap.String("step_id", stepID),
		zap.Int("attempt", attempts),
		zap.String("strategy", string(cfg.Strategy)),
		zap.Duration("delay", delay))

	return RetryDecision{
		ShouldRetry: true,
		Delay:       delay,
		NextAttempt: attempts + 1,
		Strategy:    cfg.Strategy,
		Reason:      ReasonRetryScheduled,
	}
}

// classify picks the retry table from the latest failure message.
func (e *RetryEngine) classify(history []FailureRecord, override *RetryConfig) RetryConfig {
	if override != nil {
		cfg := *override
		if cfg.MaxAttempts <= 0 {
			cfg.MaxAttempts = e.config.Default.MaxAttempts
		}
		return cfg
	}
	message := strings.ToLower(history[len(history)-1].Message)
	switch {
	case strings.Contains(message, "timeout"):
		return e.config.Timeout
	case strings.Contains(message, "resource"):
		return e.config.Resource
	default:
		return e.config.Default
	}
}

// delayFor computes the backoff delay before attempt number attempt+1.
// delay = min(base * multiplier^(attempt-1), cap), then jitter scales by a
// uniform factor in [0.5, 1.0].
func (e *RetryEngine) delayFor(cfg RetryConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var delay float64
	switch cfg.Strategy {
	case StrategyFixed:
		delay = float64(cfg.BaseDelay)
	case StrategyLinear:
		delay = float64(cfg.BaseDelay) + float64(cfg.Increment)*float64(attempt-1)
	default: // exponential
		mult := cfg.Multiplier
		if mult < 1.0 {
			mult = 1.0
		}
		delay = float64(cfg.BaseDelay) * math.Pow(mult, float64(attempt-1))
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		e.rngMu.Lock()
		factor := 0.5 + e.rng.Float64()*0.5
		e.rngMu.Unlock()
		delay *= factor
	}
	return time.Duration(delay)
}
