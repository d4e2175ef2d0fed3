package agents

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blopit/Proxy-Agent-Platform-sub001/types"
)

func poolOf(t *testing.T, strategy Strategy, loads ...int) (*Registry, []*AgentInstance) {
	t.Helper()
	registry := NewRegistry(nil)
	instances := make([]*AgentInstance, len(loads))
	for i, load := range loads {
		instances[i] = RestoreInstance(InstanceState{
			ID:            fmt.Sprintf("w-%d", i),
			Role:          "implementation",
			MaxConcurrent: 5,
			CurrentLoad:   load,
			Active:        true,
		})
	}
	require.NoError(t, registry.RegisterPool(
		PoolConfig{Role: "implementation", Strategy: strategy}, instances))
	return registry, instances
}

func TestRegistry_RegisterPoolValidation(t *testing.T) {
	registry := NewRegistry(nil)
	err := registry.RegisterPool(PoolConfig{}, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrDefinitionInvalid, types.GetErrorCode(err))
}

func TestRegistry_LeastLoaded(t *testing.T) {
	registry, instances := poolOf(t, StrategyLeastLoaded, 2, 0, 3)

	inst, ok := registry.SelectInstance("implementation")
	require.True(t, ok)
	assert.Equal(t, instances[1].ID, inst.ID, "the idle instance wins")

	// Load the winner past the others and selection moves on.
	for i := 0; i < 3; i++ {
		require.True(t, instances[1].tryAcquire())
	}
	inst, ok = registry.SelectInstance("implementation")
	require.True(t, ok)
	assert.Equal(t, instances[0].ID, inst.ID)
}

func TestRegistry_RoundRobinCycles(t *testing.T) {
	registry, _ := poolOf(t, StrategyRoundRobin, 0, 0, 0)

	var order []string
	for i := 0; i < 6; i++ {
		inst, ok := registry.SelectInstance("implementation")
		require.True(t, ok)
		order = append(order, inst.ID)
	}
	assert.Equal(t, []string{"w-0", "w-1", "w-2", "w-0", "w-1", "w-2"}, order)
}

func TestRegistry_WeightedRoundRobinFavorsCapacity(t *testing.T) {
	// Remaining capacities 4 and 1: the roomier instance takes four of
	// every five selections.
	registry, _ := poolOf(t, StrategyWeightedRoundRobin, 1, 4)

	counts := map[string]int{}
	for i := 0; i < 10; i++ {
		inst, ok := registry.SelectInstance("implementation")
		require.True(t, ok)
		counts[inst.ID]++
	}
	assert.Equal(t, 8, counts["w-0"])
	assert.Equal(t, 2, counts["w-1"])
}

func TestRegistry_RandomSelectsCandidate(t *testing.T) {
	registry, _ := poolOf(t, StrategyRandom, 0, 0)
	for i := 0; i < 20; i++ {
		inst, ok := registry.SelectInstance("implementation")
		require.True(t, ok)
		assert.Contains(t, []string{"w-0", "w-1"}, inst.ID)
	}
}

func TestRegistry_ResourceBasedUsesUtilizationRatio(t *testing.T) {
	registry := NewRegistry(nil)
	small := RestoreInstance(InstanceState{ID: "small", Role: "implementation", MaxConcurrent: 2, CurrentLoad: 1, Active: true})
	big := RestoreInstance(InstanceState{ID: "big", Role: "implementation", MaxConcurrent: 10, CurrentLoad: 2, Active: true})
	require.NoError(t, registry.RegisterPool(
		PoolConfig{Role: "implementation", Strategy: StrategyResourceBased},
		[]*AgentInstance{small, big}))

	inst, ok := registry.SelectInstance("implementation")
	require.True(t, ok)
	// big carries more absolute load but a lower utilization ratio.
	assert.Equal(t, "big", inst.ID)
}

type staticLatency map[string]float64

func (s staticLatency) ResponseTime(instanceID string) (float64, bool) {
	ms, ok := s[instanceID]
	return ms, ok
}

func TestRegistry_ResponseTimeBased(t *testing.T) {
	registry, _ := poolOf(t, StrategyResponseTimeBased, 3, 0)
	registry.SetResponseTimeSource(staticLatency{"w-0": 40, "w-1": 250})

	inst, ok := registry.SelectInstance("implementation")
	require.True(t, ok)
	assert.Equal(t, "w-0", inst.ID, "latency beats load when a signal exists")
}

func TestRegistry_ResponseTimeFallsBackToLeastLoaded(t *testing.T) {
	registry, _ := poolOf(t, StrategyResponseTimeBased, 3, 0)

	inst, ok := registry.SelectInstance("implementation")
	require.True(t, ok)
	assert.Equal(t, "w-1", inst.ID, "no latency source degrades to least-loaded")

	// A source with no data behaves the same.
	registry.SetResponseTimeSource(staticLatency{})
	inst, ok = registry.SelectInstance("implementation")
	require.True(t, ok)
	assert.Equal(t, "w-1", inst.ID)
}

func TestRegistry_SkipsInactiveAndSaturated(t *testing.T) {
	registry, instances := poolOf(t, StrategyLeastLoaded, 0, 0, 0)
	instances[0].SetActive(false)
	for i := 0; i < 5; i++ {
		require.True(t, instances[1].tryAcquire())
	}

	inst, ok := registry.SelectInstance("implementation")
	require.True(t, ok)
	assert.Equal(t, "w-2", inst.ID)

	instances[2].SetActive(false)
	_, ok = registry.SelectInstance("implementation")
	assert.False(t, ok, "no eligible candidate remains")
}

func TestRegistry_AssignCompleteAccounting(t *testing.T) {
	registry, instances := poolOf(t, StrategyLeastLoaded, 0)
	inst := instances[0]

	assignment, err := registry.AssignTask("task-1", inst)
	require.NoError(t, err)
	assert.Equal(t, AssignmentRunning, assignment.Status)
	assert.Equal(t, inst.ID, assignment.InstanceID)
	assert.Equal(t, 1, inst.CurrentLoad())

	registry.CompleteTask("task-1", true)
	assert.Zero(t, inst.CurrentLoad())

	stored, ok := registry.Assignment("task-1")
	require.True(t, ok)
	assert.Equal(t, AssignmentCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)

	// Failed completion is recorded as such.
	_, err = registry.AssignTask("task-2", inst)
	require.NoError(t, err)
	registry.CompleteTask("task-2", false)
	stored, _ = registry.Assignment("task-2")
	assert.Equal(t, AssignmentFailed, stored.Status)
}

func TestRegistry_AssignRejectsSaturatedAndInactive(t *testing.T) {
	registry, instances := poolOf(t, StrategyLeastLoaded, 5)
	_, err := registry.AssignTask("task-1", instances[0])
	require.Error(t, err)
	assert.Equal(t, types.ErrNoAvailableAgent, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))

	instances[0].SetActive(false)
	_, err = registry.AssignTask("task-2", instances[0])
	require.Error(t, err)
	assert.Equal(t, types.ErrNoAvailableAgent, types.GetErrorCode(err))
}

func TestRegistry_Utilization(t *testing.T) {
	registry, instances := poolOf(t, StrategyLeastLoaded, 2, 3)

	utilization, ok := registry.Utilization("implementation")
	require.True(t, ok)
	assert.InDelta(t, 0.5, utilization, 1e-9)

	// Inactive instances drop out of both load and capacity.
	instances[1].SetActive(false)
	utilization, ok = registry.Utilization("implementation")
	require.True(t, ok)
	assert.InDelta(t, 0.4, utilization, 1e-9)

	_, ok = registry.Utilization("ghost")
	assert.False(t, ok)
}

func TestRegistry_FailoverMap(t *testing.T) {
	registry := NewRegistry(nil)
	registry.SetFailover(map[string]string{
		"implementation": "architect",
		"architect":      "quality",
	})

	alt, ok := registry.FailoverRole("implementation")
	require.True(t, ok)
	assert.Equal(t, "architect", alt)
	_, ok = registry.FailoverRole("quality")
	assert.False(t, ok)
}

func TestRegistry_DeactivateAndActiveCount(t *testing.T) {
	registry, _ := poolOf(t, StrategyLeastLoaded, 0, 0, 0)
	assert.Equal(t, 3, registry.ActiveCount("implementation"))

	registry.Deactivate("w-1")
	assert.Equal(t, 2, registry.ActiveCount("implementation"))

	inst, ok := registry.Instance("w-1")
	require.True(t, ok)
	assert.False(t, inst.IsActive())
}

func TestRegistry_AddInstance(t *testing.T) {
	registry, _ := poolOf(t, StrategyLeastLoaded, 0)

	err := registry.AddInstance(NewAgentInstance("w-new", "implementation", 5))
	require.NoError(t, err)
	assert.Len(t, registry.Instances("implementation"), 2)

	err = registry.AddInstance(NewAgentInstance("x-1", "ghost", 5))
	require.Error(t, err)
	assert.Equal(t, types.ErrPoolNotFound, types.GetErrorCode(err))
}

func TestRegistry_Snapshot(t *testing.T) {
	registry, _ := poolOf(t, StrategyLeastLoaded, 2, 0)

	snaps := registry.Snapshot()
	require.Len(t, snaps, 1)
	snap := snaps[0]
	assert.Equal(t, "implementation", snap.Role)
	assert.Equal(t, StrategyLeastLoaded, snap.Strategy)
	assert.InDelta(t, 0.2, snap.Utilization, 1e-9)
	require.Len(t, snap.Instances, 2)
}

func TestRegistry_DefaultStrategyApplied(t *testing.T) {
	registry := NewRegistry(nil)
	registry.SetDefaultStrategy(StrategyRoundRobin)

	instances := []*AgentInstance{
		NewAgentInstance("w-0", "implementation", 5),
		NewAgentInstance("w-1", "implementation", 5),
	}
	require.NoError(t, registry.RegisterPool(PoolConfig{Role: "implementation"}, instances))

	cfg, ok := registry.PoolConfigFor("implementation")
	require.True(t, ok)
	assert.Equal(t, StrategyRoundRobin, cfg.Strategy, "pools without a strategy inherit the registry default")

	// An empty default is ignored and the previous one keeps applying.
	registry.SetDefaultStrategy("")
	require.NoError(t, registry.RegisterPool(PoolConfig{Role: "quality"}, nil))
	cfg, ok = registry.PoolConfigFor("quality")
	require.True(t, ok)
	assert.Equal(t, StrategyRoundRobin, cfg.Strategy)

	// An explicit per-pool strategy still wins.
	require.NoError(t, registry.RegisterPool(
		PoolConfig{Role: "architect", Strategy: StrategyRandom}, nil))
	cfg, ok = registry.PoolConfigFor("architect")
	require.True(t, ok)
	assert.Equal(t, StrategyRandom, cfg.Strategy)
}
