package agents

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/blopit/Proxy-Agent-Platform-sub001/types"
)

// Strategy selects among eligible instances of a capability pool.
type Strategy string

const (
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyLeastLoaded        Strategy = "least_loaded"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyResponseTimeBased  Strategy = "response_time_based"
	StrategyResourceBased      Strategy = "resource_based"
	StrategyRandom             Strategy = "random"
)

// PoolConfig configures one capability pool.
type PoolConfig struct {
	Role         string   `json:"role" yaml:"role"`
	Strategy     Strategy `json:"strategy" yaml:"strategy"`
	MinInstances int      `json:"min_instances" yaml:"min_instances"`
	MaxInstances int      `json:"max_instances" yaml:"max_instances"`
}

// pool holds the instances registered for one role.
type pool struct {
	config    PoolConfig
	instances []*AgentInstance
	rrCounter atomic.Uint64
	mu        sync.RWMutex
}

// candidates returns instances eligible for selection: active with a free
// slot. Called under the pool read lock.
func (p *pool) candidates() []*AgentInstance {
	out := make([]*AgentInstance, 0, len(p.instances))
	for _, inst := range p.instances {
		if inst.IsActive() && inst.CurrentLoad() < inst.MaxConcurrent {
			out = append(out, inst)
		}
	}
	return out
}

// PoolSnapshot is the observable state of one capability pool.
type PoolSnapshot struct {
	Role        string          `json:"role"`
	Strategy    Strategy        `json:"strategy"`
	Min         int             `json:"min_instances"`
	Max         int             `json:"max_instances"`
	Utilization float64         `json:"utilization"`
	Instances   []InstanceState `json:"instances"`
}

// ResponseTimeSource supplies a latency signal for response_time_based
// selection. The health monitor implements it; without one the strategy
// degrades to least-loaded.
type ResponseTimeSource interface {
	ResponseTime(instanceID string) (float64, bool)
}

// Registry owns all capability pools, task assignments, and the role
// failover map. It is the load balancer of the orchestration core.
type Registry struct {
	pools           map[string]*pool
	assignments     map[string]*TaskAssignment
	failover        map[string]string
	defaultStrategy Strategy
	latency         ResponseTimeSource
	logger          *zap.Logger
	mu              sync.RWMutex
}

// NewRegistry creates an empty agent registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		pools:           make(map[string]*pool),
		assignments:     make(map[string]*TaskAssignment),
		failover:        make(map[string]string),
		defaultStrategy: StrategyLeastLoaded,
		logger:          logger.With(zap.String("component", "agent_registry")),
	}
}

// SetDefaultStrategy changes the strategy pools inherit when their config
// names none. An empty strategy is ignored.
func (r *Registry) SetDefaultStrategy(strategy Strategy) {
	if strategy == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultStrategy = strategy
}

// SetFailover installs the static role failover map, e.g.
// implementation -> architect -> quality.
func (r *Registry) SetFailover(failover map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failover = make(map[string]string, len(failover))
	for k, v := range failover {
		r.failover[k] = v
	}
}

// FailoverRole returns the alternate role for the given role, if any.
func (r *Registry) FailoverRole(role string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	alt, ok := r.failover[role]
	return alt, ok
}

// RegisterPool registers a capability role with its initial instances.
// Used once at startup per role.
func (r *Registry) RegisterPool(config PoolConfig, initial []*AgentInstance) error {
	if config.Role == "" {
		return types.NewError(types.ErrDefinitionInvalid, "pool role cannot be empty")
	}
	if config.MaxInstances <= 0 {
		config.MaxInstances = len(initial)
		if config.MaxInstances == 0 {
			config.MaxInstances = 1
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if config.Strategy == "" {
		config.Strategy = r.defaultStrategy
	}
	p, exists := r.pools[config.Role]
	if !exists {
		p = &pool{config: config}
		r.pools[config.Role] = p
	}
	p.mu.Lock()
	p.config = config
	p.instances = append(p.instances, initial...)
	p.mu.Unlock()

	r.logger.Info("pool registered",
		zap.String("role", config.Role),
		zap.String("strategy", string(config.Strategy)),
		zap.Int("instances", len(initial)))
	return nil
}

// AddInstance appends an instance to an existing pool (capacity manager
// callback path).
func (r *Registry) AddInstance(inst *AgentInstance) error {
	r.mu.RLock()
	p, ok := r.pools[inst.Role]
	r.mu.RUnlock()
	if !ok {
		return types.NewError(types.ErrPoolNotFound, "no pool for role "+inst.Role)
	}
	p.mu.Lock()
	p.instances = append(p.instances, inst)
	p.mu.Unlock()
	return nil
}

// Instance looks up an instance by ID across all pools.
func (r *Registry) Instance(instanceID string) (*AgentInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.pools {
		p.mu.RLock()
		for _, inst := range p.instances {
			if inst.ID == instanceID {
				p.mu.RUnlock()
				return inst, true
			}
		}
		p.mu.RUnlock()
	}
	return nil, false
}

// Instances returns all instances of a role, including inactive ones.
func (r *Registry) Instances(role string) []*AgentInstance {
	r.mu.RLock()
	p, ok := r.pools[role]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*AgentInstance, len(p.instances))
	copy(out, p.instances)
	return out
}

// AllInstances returns every registered instance.
func (r *Registry) AllInstances() []*AgentInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*AgentInstance
	for _, p := range r.pools {
		p.mu.RLock()
		out = append(out, p.instances...)
		p.mu.RUnlock()
	}
	return out
}

// Roles returns the registered capability roles.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]string, 0, len(r.pools))
	for role := range r.pools {
		roles = append(roles, role)
	}
	return roles
}

// SetResponseTimeSource wires a latency signal for response_time_based
// selection.
func (r *Registry) SetResponseTimeSource(src ResponseTimeSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latency = src
}

// Deactivate removes an instance from selection eligibility without
// deleting its assignment history.
func (r *Registry) Deactivate(instanceID string) {
	if inst, ok := r.Instance(instanceID); ok {
		inst.SetActive(false)
		r.logger.Warn("instance deactivated", zap.String("instance_id", instanceID))
	}
}

// SelectInstance picks the best eligible instance for a role according to
// the pool's strategy. Returns false when no candidate exists.
func (r *Registry) SelectInstance(role string) (*AgentInstance, bool) {
	r.mu.RLock()
	p, ok := r.pools[role]
	latency := r.latency
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	cands := p.candidates()
	if len(cands) == 0 {
		return nil, false
	}

	switch p.config.Strategy {
	case StrategyRoundRobin:
		idx := p.rrCounter.Add(1) - 1
		return cands[idx%uint64(len(cands))], true

	case StrategyWeightedRoundRobin:
		return pickWeighted(cands, p.rrCounter.Add(1)-1), true

	case StrategyRandom:
		return cands[rand.Intn(len(cands))], true

	case StrategyResponseTimeBased:
		if latency != nil {
			if inst := pickFastest(cands, latency); inst != nil {
				return inst, true
			}
		}
		return pickLeastLoaded(cands), true

	case StrategyResourceBased:
		return pickLeastUtilized(cands), true

	default: // least_loaded
		return pickLeastLoaded(cands), true
	}
}

func pickLeastLoaded(cands []*AgentInstance) *AgentInstance {
	best := cands[0]
	for _, inst := range cands[1:] {
		if inst.CurrentLoad() < best.CurrentLoad() {
			best = inst
		}
	}
	return best
}

func pickLeastUtilized(cands []*AgentInstance) *AgentInstance {
	best := cands[0]
	bestRatio := float64(best.CurrentLoad()) / float64(best.MaxConcurrent)
	for _, inst := range cands[1:] {
		ratio := float64(inst.CurrentLoad()) / float64(inst.MaxConcurrent)
		if ratio < bestRatio {
			best, bestRatio = inst, ratio
		}
	}
	return best
}

// pickWeighted distributes selections proportionally to remaining
// capacity using a monotonically advancing counter.
func pickWeighted(cands []*AgentInstance, tick uint64) *AgentInstance {
	total := 0
	for _, inst := range cands {
		total += inst.Remaining()
	}
	if total == 0 {
		return cands[0]
	}
	slot := int(tick % uint64(total))
	for _, inst := range cands {
		slot -= inst.Remaining()
		if slot < 0 {
			return inst
		}
	}
	return cands[len(cands)-1]
}

func pickFastest(cands []*AgentInstance, latency ResponseTimeSource) *AgentInstance {
	var best *AgentInstance
	bestMs := 0.0
	for _, inst := range cands {
		ms, ok := latency.ResponseTime(inst.ID)
		if !ok {
			continue
		}
		if best == nil || ms < bestMs {
			best, bestMs = inst, ms
		}
	}
	return best
}

// AssignTask claims a load slot on the instance and records the
// assignment. Fails if the instance is saturated or inactive.
func (r *Registry) AssignTask(taskID string, inst *AgentInstance) (*TaskAssignment, error) {
	if !inst.IsActive() {
		return nil, types.NewError(types.ErrNoAvailableAgent, "instance "+inst.ID+" is inactive").
			WithRetryable(true)
	}
	if !inst.tryAcquire() {
		return nil, types.NewError(types.ErrNoAvailableAgent, "instance "+inst.ID+" is saturated").
			WithRetryable(true)
	}

	now := time.Now()
	assignment := &TaskAssignment{
		TaskID:     taskID,
		InstanceID: inst.ID,
		Role:       inst.Role,
		AssignedAt: now,
		StartedAt:  &now,
		Status:     AssignmentRunning,
	}
	r.mu.Lock()
	r.assignments[taskID] = assignment
	r.mu.Unlock()
	return assignment, nil
}

// CompleteTask releases the instance's load slot and finalizes the
// assignment record.
func (r *Registry) CompleteTask(taskID string, success bool) {
	r.mu.Lock()
	assignment, ok := r.assignments[taskID]
	r.mu.Unlock()
	if !ok {
		return
	}

	if inst, found := r.Instance(assignment.InstanceID); found {
		inst.release()
	}
	now := time.Now()
	assignment.CompletedAt = &now
	if success {
		assignment.Status = AssignmentCompleted
	} else {
		assignment.Status = AssignmentFailed
	}
}

// Assignment returns the assignment record for a task.
func (r *Registry) Assignment(taskID string) (*TaskAssignment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.assignments[taskID]
	return a, ok
}

// Utilization computes sum(load)/sum(capacity) over active instances of a
// role. Returns false when the role has no active instances.
func (r *Registry) Utilization(role string) (float64, bool) {
	r.mu.RLock()
	p, ok := r.pools[role]
	r.mu.RUnlock()
	if !ok {
		return 0, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	load, capacity := 0, 0
	for _, inst := range p.instances {
		if !inst.IsActive() {
			continue
		}
		load += inst.CurrentLoad()
		capacity += inst.MaxConcurrent
	}
	if capacity == 0 {
		return 0, false
	}
	return float64(load) / float64(capacity), true
}

// PoolConfigFor returns the configuration of a role's pool.
func (r *Registry) PoolConfigFor(role string) (PoolConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[role]
	if !ok {
		return PoolConfig{}, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config, true
}

// ActiveCount returns the number of active instances for a role.
func (r *Registry) ActiveCount(role string) int {
	count := 0
	for _, inst := range r.Instances(role) {
		if inst.IsActive() {
			count++
		}
	}
	return count
}

// Snapshot captures the observable state of every pool.
func (r *Registry) Snapshot() []PoolSnapshot {
	r.mu.RLock()
	pools := make([]*pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.RUnlock()

	out := make([]PoolSnapshot, 0, len(pools))
	for _, p := range pools {
		p.mu.RLock()
		snap := PoolSnapshot{
			Role:     p.config.Role,
			Strategy: p.config.Strategy,
			Min:      p.config.MinInstances,
			Max:      p.config.MaxInstances,
		}
		load, capacity := 0, 0
		for _, inst := range p.instances {
			snap.Instances = append(snap.Instances, inst.State())
			if inst.IsActive() {
				load += inst.CurrentLoad()
				capacity += inst.MaxConcurrent
			}
		}
		if capacity > 0 {
			snap.Utilization = float64(load) / float64(capacity)
		}
		p.mu.RUnlock()
		out = append(out, snap)
	}
	return out
}
