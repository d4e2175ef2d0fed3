package agents

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HealthStatus classifies an instance's observed health.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// HealthMetrics is the rolling health record for one instance.
type HealthMetrics struct {
	InstanceID          string       `json:"instance_id"`
	ResponseTimeMs      float64      `json:"response_time_ms"`
	SuccessRate         float64      `json:"success_rate"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	Status              HealthStatus `json:"health_status"`
	LastHeartbeat       time.Time    `json:"last_heartbeat"`
	LastProbe           time.Time    `json:"last_probe"`

	emaInitialized  bool
	rateInitialized bool
}

// Prober performs a single health probe against an instance.
type Prober interface {
	Probe(ctx context.Context, inst *AgentInstance) (time.Duration, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, inst *AgentInstance) (time.Duration, error)

func (f ProberFunc) Probe(ctx context.Context, inst *AgentInstance) (time.Duration, error) {
	return f(ctx, inst)
}

// HealthMonitorConfig tunes the probe loop.
type HealthMonitorConfig struct {
	ProbeInterval       time.Duration `json:"probe_interval" yaml:"probe_interval"`
	ProbeTimeout        time.Duration `json:"probe_timeout" yaml:"probe_timeout"`
	HeartbeatTimeout    time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	UnhealthyThreshold  int           `json:"unhealthy_threshold" yaml:"unhealthy_threshold"`
	DeactivateThreshold int           `json:"deactivate_threshold" yaml:"deactivate_threshold"`
	EMAAlpha            float64       `json:"ema_alpha" yaml:"ema_alpha"`
	ProbesPerSecond     float64       `json:"probes_per_second" yaml:"probes_per_second"`
}

// DefaultHealthMonitorConfig returns the standard probing parameters.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		ProbeInterval:       30 * time.Second,
		ProbeTimeout:        10 * time.Second,
		HeartbeatTimeout:    300 * time.Second,
		UnhealthyThreshold:  3,
		DeactivateThreshold: 5,
		EMAAlpha:            0.2,
		ProbesPerSecond:     50,
	}
}

// HealthMonitor periodically probes registered instances, maintains
// rolling health metrics, and deactivates persistently failing instances
// so the load balancer stops selecting them.
type HealthMonitor struct {
	registry *Registry
	prober   Prober
	config   HealthMonitorConfig
	limiter  *rate.Limiter
	logger   *zap.Logger

	metrics map[string]*HealthMetrics
	mu      sync.RWMutex

	nowFn  func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthMonitor creates a monitor over the registry's instances.
func NewHealthMonitor(registry *Registry, prober Prober, config HealthMonitorConfig, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = 30 * time.Second
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = 300 * time.Second
	}
	if config.UnhealthyThreshold <= 0 {
		config.UnhealthyThreshold = 3
	}
	if config.DeactivateThreshold <= 0 {
		config.DeactivateThreshold = 5
	}
	if config.EMAAlpha <= 0 || config.EMAAlpha > 1 {
		config.EMAAlpha = 0.2
	}
	if config.ProbesPerSecond <= 0 {
		config.ProbesPerSecond = 50
	}
	return &HealthMonitor{
		registry: registry,
		prober:   prober,
		config:   config,
		limiter:  rate.NewLimiter(rate.Limit(config.ProbesPerSecond), 1),
		logger:   logger.With(zap.String("component", "health_monitor")),
		metrics:  make(map[string]*HealthMetrics),
		nowFn:    time.Now,
	}
}

// Start launches the background probe loop.
func (m *HealthMonitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.config.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ProbeAll(ctx)
			}
		}
	}()
}

// Stop terminates the probe loop and waits for it to exit.
func (m *HealthMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// ProbeAll probes every active instance once and refreshes staleness
// markers. Exposed for tests and for forced checks.
func (m *HealthMonitor) ProbeAll(ctx context.Context) {
	for _, inst := range m.registry.AllInstances() {
		if !inst.IsActive() {
			continue
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return
		}
		m.probeOne(ctx, inst)
	}
	m.markStale()
}

// probeOne runs a single probe under its own timeout, released as soon as
// the probe returns.
func (m *HealthMonitor) probeOne(ctx context.Context, inst *AgentInstance) {
	probeCtx := ctx
	if m.config.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, m.config.ProbeTimeout)
		defer cancel()
	}
	duration, err := m.prober.Probe(probeCtx, inst)
	m.RecordProbe(inst, duration, err)
}

// RecordProbe folds a probe outcome into the instance's rolling metrics.
func (m *HealthMonitor) RecordProbe(inst *AgentInstance, duration time.Duration, probeErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hm := m.metricsFor(inst.ID)
	hm.LastProbe = m.nowFn()

	if probeErr == nil {
		hm.ConsecutiveFailures = 0
		m.foldResponseTime(hm, float64(duration.Milliseconds()))
		m.foldSuccessRate(hm, 1.0)
		if hm.Status != HealthHealthy {
			m.logger.Info("instance recovered",
				zap.String("instance_id", inst.ID),
				zap.String("previous", string(hm.Status)))
		}
		hm.Status = HealthHealthy
		return
	}

	hm.ConsecutiveFailures++
	m.foldSuccessRate(hm, 0.0)
	if hm.ConsecutiveFailures >= m.config.UnhealthyThreshold {
		hm.Status = HealthUnhealthy
	} else {
		hm.Status = HealthDegraded
	}
	m.logger.Warn("probe failed",
		zap.String("instance_id", inst.ID),
		zap.Int("consecutive_failures", hm.ConsecutiveFailures),
		zap.Error(probeErr))

	if hm.ConsecutiveFailures >= m.config.DeactivateThreshold {
		m.registry.Deactivate(inst.ID)
	}
}

// Heartbeat ingests a liveness signal pushed by a worker between probes.
func (m *HealthMonitor) Heartbeat(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hm := m.metricsFor(instanceID)
	hm.LastHeartbeat = m.nowFn()
	if hm.Status == HealthUnknown {
		hm.Status = HealthHealthy
	}
}

// markStale flags instances silent past the heartbeat timeout as unknown.
func (m *HealthMonitor) markStale() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn()
	for _, hm := range m.metrics {
		last := hm.LastHeartbeat
		if hm.LastProbe.After(last) {
			last = hm.LastProbe
		}
		if !last.IsZero() && now.Sub(last) > m.config.HeartbeatTimeout {
			hm.Status = HealthUnknown
		}
	}
}

// MetricsFor returns a copy of the instance's health metrics.
func (m *HealthMonitor) MetricsFor(instanceID string) (HealthMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hm, ok := m.metrics[instanceID]
	if !ok {
		return HealthMetrics{}, false
	}
	return *hm, true
}

// ResponseTime implements ResponseTimeSource for the load balancer.
func (m *HealthMonitor) ResponseTime(instanceID string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hm, ok := m.metrics[instanceID]
	if !ok || !hm.emaInitialized {
		return 0, false
	}
	return hm.ResponseTimeMs, true
}

// Snapshot returns health metrics for all tracked instances.
func (m *HealthMonitor) Snapshot() []HealthMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]HealthMetrics, 0, len(m.metrics))
	for _, hm := range m.metrics {
		out = append(out, *hm)
	}
	return out
}

// metricsFor returns or lazily creates the record. Caller holds m.mu.
func (m *HealthMonitor) metricsFor(instanceID string) *HealthMetrics {
	hm, ok := m.metrics[instanceID]
	if !ok {
		hm = &HealthMetrics{InstanceID: instanceID, Status: HealthUnknown}
		m.metrics[instanceID] = hm
	}
	return hm
}

// foldResponseTime applies ema = old*(1-alpha) + sample*alpha; the first
// sample initializes the average.
func (m *HealthMonitor) foldResponseTime(hm *HealthMetrics, sampleMs float64) {
	if !hm.emaInitialized {
		hm.ResponseTimeMs = sampleMs
		hm.emaInitialized = true
		return
	}
	alpha := m.config.EMAAlpha
	hm.ResponseTimeMs = hm.ResponseTimeMs*(1-alpha) + sampleMs*alpha
}

func (m *HealthMonitor) foldSuccessRate(hm *HealthMetrics, outcome float64) {
	if !hm.rateInitialized {
		hm.SuccessRate = outcome
		hm.rateInitialized = true
		return
	}
	alpha := m.config.EMAAlpha
	hm.SuccessRate = hm.SuccessRate*(1-alpha) + outcome*alpha
}
