package agents

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ScaleDirection is the recommended capacity change for a role.
type ScaleDirection string

const (
	ScaleUp   ScaleDirection = "scale_up"
	ScaleDown ScaleDirection = "scale_down"
)

// ScalingDecision records one recommendation.
type ScalingDecision struct {
	Role        string         `json:"role"`
	Direction   ScaleDirection `json:"direction"`
	Utilization float64        `json:"utilization"`
	ActiveCount int            `json:"active_count"`
	Reason      string         `json:"reason"`
	At          time.Time      `json:"at"`
}

// CapacityManager provisions or retires instances. Provisioning is an
// external collaborator concern; the scaler only recommends.
type CapacityManager interface {
	ScaleUp(role string) error
	ScaleDown(role string) error
}

// DecisionHandler observes every emitted scaling decision.
type DecisionHandler func(decision ScalingDecision)

// AutoScalerConfig tunes the evaluation loop.
type AutoScalerConfig struct {
	ScaleUpThreshold   float64       `json:"scale_up_threshold" yaml:"scale_up_threshold"`
	ScaleDownThreshold float64       `json:"scale_down_threshold" yaml:"scale_down_threshold"`
	Cooldown           time.Duration `json:"cooldown" yaml:"cooldown"`
	EvaluateInterval   time.Duration `json:"evaluate_interval" yaml:"evaluate_interval"`
}

// DefaultAutoScalerConfig returns the standard scaling parameters.
func DefaultAutoScalerConfig() AutoScalerConfig {
	return AutoScalerConfig{
		ScaleUpThreshold:   0.9,
		ScaleDownThreshold: 0.3,
		Cooldown:           300 * time.Second,
		EvaluateInterval:   60 * time.Second,
	}
}

// AutoScaler evaluates per-role utilization and emits cooldown-gated
// scaling recommendations.
type AutoScaler struct {
	registry *Registry
	capacity CapacityManager
	config   AutoScalerConfig
	logger   *zap.Logger

	lastAction map[string]time.Time
	history    []ScalingDecision
	handler    DecisionHandler
	mu         sync.Mutex

	nowFn  func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAutoScaler creates a scaler over the registry's pools. The capacity
// manager may be nil, in which case recommendations are only recorded.
func NewAutoScaler(registry *Registry, capacity CapacityManager, config AutoScalerConfig, logger *zap.Logger) *AutoScaler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ScaleUpThreshold <= 0 {
		config.ScaleUpThreshold = 0.9
	}
	if config.ScaleDownThreshold <= 0 {
		config.ScaleDownThreshold = 0.3
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 300 * time.Second
	}
	if config.EvaluateInterval <= 0 {
		config.EvaluateInterval = 60 * time.Second
	}
	return &AutoScaler{
		registry:   registry,
		capacity:   capacity,
		config:     config,
		logger:     logger.With(zap.String("component", "auto_scaler")),
		lastAction: make(map[string]time.Time),
		nowFn:      time.Now,
	}
}

// OnDecision installs an observer invoked for every emitted decision.
func (s *AutoScaler) OnDecision(handler DecisionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// Start launches the background evaluation loop.
func (s *AutoScaler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.config.EvaluateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Evaluate()
			}
		}
	}()
}

// Stop terminates the evaluation loop.
func (s *AutoScaler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Evaluate checks every role once and returns the decisions taken.
func (s *AutoScaler) Evaluate() []ScalingDecision {
	var decisions []ScalingDecision
	for _, role := range s.registry.Roles() {
		if decision, ok := s.EvaluateRole(role); ok {
			decisions = append(decisions, decision)
		}
	}
	return decisions
}

// EvaluateRole evaluates a single role's utilization against the
// thresholds. Recommendations within the cooldown window are suppressed.
func (s *AutoScaler) EvaluateRole(role string) (ScalingDecision, bool) {
	utilization, ok := s.registry.Utilization(role)
	if !ok {
		return ScalingDecision{}, false
	}
	poolCfg, ok := s.registry.PoolConfigFor(role)
	if !ok {
		return ScalingDecision{}, false
	}
	active := s.registry.ActiveCount(role)
	now := s.nowFn()

	var direction ScaleDirection
	var reason string
	switch {
	case utilization > s.config.ScaleUpThreshold && active < poolCfg.MaxInstances:
		direction = ScaleUp
		reason = "utilization above scale-up threshold"
	case utilization < s.config.ScaleDownThreshold && active > poolCfg.MinInstances:
		direction = ScaleDown
		reason = "utilization below scale-down threshold"
	default:
		return ScalingDecision{}, false
	}

	s.mu.Lock()
	if last, seen := s.lastAction[role]; seen && now.Sub(last) < s.config.Cooldown {
		s.mu.Unlock()
		s.logger.Debug("scaling suppressed by cooldown",
			zap.String("role", role),
			zap.Float64("utilization", utilization))
		return ScalingDecision{}, false
	}
	s.lastAction[role] = now
	decision := ScalingDecision{
		Role:        role,
		Direction:   direction,
		Utilization: utilization,
		ActiveCount: active,
		Reason:      reason,
		At:          now,
	}
	s.history = append(s.history, decision)
	handler := s.handler
	s.mu.Unlock()

	if handler != nil {
		handler(decision)
	}

	s.logger.Info("scaling recommended",
		zap.String("role", role),
		zap.String("direction", string(direction)),
		zap.Float64("utilization", utilization),
		zap.Int("active_count", active))

	if s.capacity != nil {
		var err error
		if direction == ScaleUp {
			err = s.capacity.ScaleUp(role)
		} else {
			err = s.capacity.ScaleDown(role)
		}
		if err != nil {
			s.logger.Warn("capacity manager rejected recommendation",
				zap.String("role", role), zap.Error(err))
		}
	}
	return decision, true
}

// History returns all recorded scaling decisions.
func (s *AutoScaler) History() []ScalingDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScalingDecision, len(s.history))
	copy(out, s.history)
	return out
}
