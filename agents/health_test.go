package agents

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T, prober Prober) (*HealthMonitor, *Registry, *time.Time) {
	t.Helper()
	registry := NewRegistry(nil)
	instances := []*AgentInstance{
		NewAgentInstance("w-0", "implementation", 4),
		NewAgentInstance("w-1", "implementation", 4),
	}
	require.NoError(t, registry.RegisterPool(PoolConfig{Role: "implementation"}, instances))

	m := NewHealthMonitor(registry, prober, DefaultHealthMonitorConfig(), nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.nowFn = func() time.Time { return now }
	return m, registry, &now
}

func okProbe(d time.Duration) Prober {
	return ProberFunc(func(ctx context.Context, inst *AgentInstance) (time.Duration, error) {
		return d, nil
	})
}

func TestHealthMonitor_ResponseTimeEMA(t *testing.T) {
	m, registry, _ := newTestMonitor(t, nil)
	inst, _ := registry.Instance("w-0")

	// First sample initializes the average.
	m.RecordProbe(inst, 100*time.Millisecond, nil)
	hm, ok := m.MetricsFor("w-0")
	require.True(t, ok)
	assert.InDelta(t, 100, hm.ResponseTimeMs, 1e-9)

	// ema = 0.8*old + 0.2*sample
	m.RecordProbe(inst, 200*time.Millisecond, nil)
	hm, _ = m.MetricsFor("w-0")
	assert.InDelta(t, 120, hm.ResponseTimeMs, 1e-9)

	m.RecordProbe(inst, 200*time.Millisecond, nil)
	hm, _ = m.MetricsFor("w-0")
	assert.InDelta(t, 136, hm.ResponseTimeMs, 1e-9)
	assert.Equal(t, HealthHealthy, hm.Status)
}

func TestHealthMonitor_FailureThresholds(t *testing.T) {
	m, registry, _ := newTestMonitor(t, nil)
	inst, _ := registry.Instance("w-0")
	probeErr := errors.New("connection refused")

	m.RecordProbe(inst, 0, probeErr)
	hm, _ := m.MetricsFor("w-0")
	assert.Equal(t, HealthDegraded, hm.Status)
	assert.Equal(t, 1, hm.ConsecutiveFailures)

	m.RecordProbe(inst, 0, probeErr)
	hm, _ = m.MetricsFor("w-0")
	assert.Equal(t, HealthDegraded, hm.Status)

	// Third consecutive failure flips to unhealthy.
	m.RecordProbe(inst, 0, probeErr)
	hm, _ = m.MetricsFor("w-0")
	assert.Equal(t, HealthUnhealthy, hm.Status)
	assert.True(t, inst.IsActive(), "unhealthy is not yet deactivation")

	// Fifth consecutive failure deactivates the instance.
	m.RecordProbe(inst, 0, probeErr)
	m.RecordProbe(inst, 0, probeErr)
	assert.False(t, inst.IsActive())
	assert.Equal(t, 1, registry.ActiveCount("implementation"))
}

func TestHealthMonitor_SuccessResetsFailures(t *testing.T) {
	m, registry, _ := newTestMonitor(t, nil)
	inst, _ := registry.Instance("w-0")
	probeErr := errors.New("connection refused")

	m.RecordProbe(inst, 0, probeErr)
	m.RecordProbe(inst, 0, probeErr)
	m.RecordProbe(inst, 50*time.Millisecond, nil)

	hm, _ := m.MetricsFor("w-0")
	assert.Equal(t, HealthHealthy, hm.Status)
	assert.Zero(t, hm.ConsecutiveFailures)

	// The streak restarts from scratch.
	m.RecordProbe(inst, 0, probeErr)
	hm, _ = m.MetricsFor("w-0")
	assert.Equal(t, HealthDegraded, hm.Status)
	assert.Equal(t, 1, hm.ConsecutiveFailures)
}

func TestHealthMonitor_SuccessRateFolds(t *testing.T) {
	m, registry, _ := newTestMonitor(t, nil)
	inst, _ := registry.Instance("w-0")

	m.RecordProbe(inst, 10*time.Millisecond, nil)
	hm, _ := m.MetricsFor("w-0")
	assert.InDelta(t, 1.0, hm.SuccessRate, 1e-9)

	m.RecordProbe(inst, 0, errors.New("boom"))
	hm, _ = m.MetricsFor("w-0")
	assert.InDelta(t, 0.8, hm.SuccessRate, 1e-9)
}

func TestHealthMonitor_StaleInstancesBecomeUnknown(t *testing.T) {
	m, registry, now := newTestMonitor(t, nil)
	inst, _ := registry.Instance("w-0")

	m.RecordProbe(inst, 10*time.Millisecond, nil)
	hm, _ := m.MetricsFor("w-0")
	require.Equal(t, HealthHealthy, hm.Status)

	// Within the heartbeat window nothing changes.
	*now = now.Add(299 * time.Second)
	m.markStale()
	hm, _ = m.MetricsFor("w-0")
	assert.Equal(t, HealthHealthy, hm.Status)

	// Past 300s of silence the status degrades to unknown.
	*now = now.Add(2 * time.Second)
	m.markStale()
	hm, _ = m.MetricsFor("w-0")
	assert.Equal(t, HealthUnknown, hm.Status)
}

func TestHealthMonitor_HeartbeatKeepsFresh(t *testing.T) {
	m, registry, now := newTestMonitor(t, nil)
	inst, _ := registry.Instance("w-0")

	m.RecordProbe(inst, 10*time.Millisecond, nil)
	*now = now.Add(250 * time.Second)
	m.Heartbeat("w-0")
	*now = now.Add(100 * time.Second)
	m.markStale()

	hm, _ := m.MetricsFor("w-0")
	assert.Equal(t, HealthHealthy, hm.Status, "the heartbeat reset the silence window")
}

func TestHealthMonitor_HeartbeatRevivesUnknown(t *testing.T) {
	m, _, _ := newTestMonitor(t, nil)

	m.Heartbeat("w-0")
	hm, ok := m.MetricsFor("w-0")
	require.True(t, ok)
	assert.Equal(t, HealthHealthy, hm.Status)
	assert.False(t, hm.LastHeartbeat.IsZero())
}

func TestHealthMonitor_ProbeAllSkipsInactive(t *testing.T) {
	probed := make(map[string]int)
	prober := ProberFunc(func(ctx context.Context, inst *AgentInstance) (time.Duration, error) {
		probed[inst.ID]++
		return 5 * time.Millisecond, nil
	})
	m, registry, _ := newTestMonitor(t, prober)
	registry.Deactivate("w-1")

	m.ProbeAll(context.Background())
	assert.Equal(t, 1, probed["w-0"])
	assert.Zero(t, probed["w-1"])
}

func TestHealthMonitor_ImplementsResponseTimeSource(t *testing.T) {
	m, registry, _ := newTestMonitor(t, nil)
	inst, _ := registry.Instance("w-0")

	_, ok := m.ResponseTime("w-0")
	assert.False(t, ok, "no samples yet")

	m.RecordProbe(inst, 80*time.Millisecond, nil)
	ms, ok := m.ResponseTime("w-0")
	require.True(t, ok)
	assert.InDelta(t, 80, ms, 1e-9)

	var _ ResponseTimeSource = m
}

func TestHealthMonitor_StartStop(t *testing.T) {
	cfg := DefaultHealthMonitorConfig()
	cfg.ProbeInterval = 5 * time.Millisecond
	registry := NewRegistry(nil)
	require.NoError(t, registry.RegisterPool(PoolConfig{Role: "implementation"},
		[]*AgentInstance{NewAgentInstance("w-0", "implementation", 1)}))

	m := NewHealthMonitor(registry, okProbe(time.Millisecond), cfg, nil)
	m.Start()
	assert.Eventually(t, func() bool {
		_, ok := m.MetricsFor("w-0")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	m.Stop()
}

func TestHealthMonitor_ProbeContextReleasedPerProbe(t *testing.T) {
	var mu sync.Mutex
	var prev context.Context
	leaked := false
	prober := ProberFunc(func(ctx context.Context, inst *AgentInstance) (time.Duration, error) {
		mu.Lock()
		if prev != nil && prev.Err() == nil {
			leaked = true
		}
		prev = ctx
		mu.Unlock()
		return time.Millisecond, nil
	})

	m, _, _ := newTestMonitor(t, prober)
	m.ProbeAll(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, leaked, "a probe context must be released before the next probe starts")
}
