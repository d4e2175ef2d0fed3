package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/blopit/Proxy-Agent-Platform-sub001/agents"
	"github.com/blopit/Proxy-Agent-Platform-sub001/internal/metrics"
	"github.com/blopit/Proxy-Agent-Platform-sub001/types"
)

// Dispatcher hands a step to a worker capability provider. The engine
// never interprets the result payload beyond success/failure.
type Dispatcher interface {
	Dispatch(ctx context.Context, step Step, inst *agents.AgentInstance, wfContext map[string]any) (any, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, step Step, inst *agents.AgentInstance, wfContext map[string]any) (any, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, step Step, inst *agents.AgentInstance, wfContext map[string]any) (any, error) {
	return f(ctx, step, inst, wfContext)
}

// EngineConfig tunes the orchestration engine.
type EngineConfig struct {
	// DefaultStepTimeout bounds dispatch attempts for steps without an
	// explicit timeout
	DefaultStepTimeout time.Duration `json:"default_step_timeout" yaml:"default_step_timeout"`
	// NoAgentMaxAttempts bounds retries when no instance is available
	NoAgentMaxAttempts int `json:"no_agent_max_attempts" yaml:"no_agent_max_attempts"`
	// NoAgentRetryDelay is the pause between no-agent retries
	NoAgentRetryDelay time.Duration `json:"no_agent_retry_delay" yaml:"no_agent_retry_delay"`
	// BreakerTrialLimit bounds half-open trials after retry handoff
	BreakerTrialLimit int `json:"breaker_trial_limit" yaml:"breaker_trial_limit"`
	// InstanceRetention is how long a terminal instance stays queryable
	// before it is evicted from the working set
	InstanceRetention time.Duration `json:"instance_retention" yaml:"instance_retention"`
	// CircuitBreaker configures the per-step breakers
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	// Retry configures the failure-pattern retry tables
	Retry RetryClassifierConfig `json:"retry" yaml:"retry"`
	// RetrySeed seeds the retry engine's jitter source (0 = time-based)
	RetrySeed int64 `json:"retry_seed" yaml:"retry_seed"`
}

// DefaultEngineConfig returns the standard engine parameters.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultStepTimeout: 10 * time.Minute,
		NoAgentMaxAttempts: 3,
		NoAgentRetryDelay:  5 * time.Second,
		BreakerTrialLimit:  2,
		InstanceRetention:  time.Hour,
		CircuitBreaker:     DefaultCircuitBreakerConfig(),
		Retry:              DefaultRetryClassifierConfig(),
	}
}

// Engine drives workflow instances: it resolves execution order, gates
// dispatch through circuit breakers, selects agent instances through the
// load balancer, applies retry policy on failure, and emits lifecycle
// events to external collaborators.
type Engine struct {
	resolver   *Resolver
	breakers   *CircuitBreakerRegistry
	retry      *RetryEngine
	registry   *agents.Registry
	dispatcher Dispatcher
	emitters   *emitterSet
	adapter    Adapter
	history    *HistoryStore
	collector  *metrics.Collector
	monitor    *agents.HealthMonitor
	scaler     *agents.AutoScaler
	config     EngineConfig
	logger     *zap.Logger

	instances map[string]*Instance
	cancels   map[string]context.CancelFunc
	done      map[string]chan struct{}
	mu        sync.RWMutex
}

// NewEngine creates an orchestration engine over the given agent registry
// and dispatcher.
func NewEngine(registry *agents.Registry, dispatcher Dispatcher, config EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultStepTimeout <= 0 {
		config.DefaultStepTimeout = 10 * time.Minute
	}
	if config.NoAgentMaxAttempts <= 0 {
		config.NoAgentMaxAttempts = 3
	}
	if config.NoAgentRetryDelay <= 0 {
		config.NoAgentRetryDelay = 5 * time.Second
	}
	if config.BreakerTrialLimit <= 0 {
		config.BreakerTrialLimit = 2
	}
	if config.InstanceRetention <= 0 {
		config.InstanceRetention = time.Hour
	}
	seed := config.RetrySeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	engineLogger := logger.With(zap.String("component", "engine"))
	return &Engine{
		resolver:   NewResolver(logger),
		breakers:   NewCircuitBreakerRegistry(config.CircuitBreaker, logger),
		retry:      NewRetryEngine(config.Retry, seed, logger),
		registry:   registry,
		dispatcher: dispatcher,
		emitters:   newEmitterSet(engineLogger),
		config:     config,
		logger:     engineLogger,
		instances:  make(map[string]*Instance),
		cancels:    make(map[string]context.CancelFunc),
		done:       make(map[string]chan struct{}),
	}
}

// AddEmitter registers a lifecycle event consumer.
func (e *Engine) AddEmitter(emitter Emitter) {
	e.emitters.emitters = append(e.emitters.emitters, emitter)
}

// SetAdapter installs the post-step adaptation hook.
func (e *Engine) SetAdapter(adapter Adapter) {
	e.adapter = adapter
}

// SetHistoryStore enables archival of terminal instances.
func (e *Engine) SetHistoryStore(store *HistoryStore) {
	e.history = store
}

// SetCollector wires prometheus metrics, including breaker transitions
// and, when a scaler is attached, scaling decisions.
func (e *Engine) SetCollector(collector *metrics.Collector) {
	e.collector = collector
	e.breakers.OnStateChange(func(key string, _, newState CircuitState, _ int) {
		collector.RecordBreakerTransition(newState.String())
	})
	if e.scaler != nil {
		e.wireScalerMetrics()
	}
}

// SetHealthMonitor attaches the monitor for orchestration snapshots.
func (e *Engine) SetHealthMonitor(monitor *agents.HealthMonitor) {
	e.monitor = monitor
}

// SetAutoScaler attaches the scaler for orchestration snapshots and
// metrics.
func (e *Engine) SetAutoScaler(scaler *agents.AutoScaler) {
	e.scaler = scaler
	if e.collector != nil {
		e.wireScalerMetrics()
	}
}

func (e *Engine) wireScalerMetrics() {
	collector := e.collector
	e.scaler.OnDecision(func(decision agents.ScalingDecision) {
		collector.RecordScalingDecision(decision.Role, string(decision.Direction))
	})
}

// Breakers exposes the circuit breaker registry.
func (e *Engine) Breakers() *CircuitBreakerRegistry {
	return e.breakers
}

// Submit validates and resolves a definition, creates a workflow instance,
// and starts driving it in the background. A cyclic definition fails the
// submit call with CYCLE_DETECTED before any dispatch occurs.
func (e *Engine) Submit(def *Definition, initialContext map[string]any) (string, error) {
	clone := def.Clone()
	plan, err := e.resolver.Resolve(clone)
	if err != nil {
		return "", err
	}

	in := newInstance(uuid.NewString(), clone, initialContext)
	in.plan = plan

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.instances[in.ID] = in
	e.cancels[in.ID] = cancel
	e.done[in.ID] = make(chan struct{})
	e.mu.Unlock()

	e.logger.Info("workflow submitted",
		zap.String("instance_id", in.ID),
		zap.String("definition_id", def.ID),
		zap.Int("steps", len(plan.Order)))

	go e.run(runCtx, in)
	return in.ID, nil
}

// Cancel requests termination of a running instance. In-flight dispatches
// are signaled through their contexts and pending retries are abandoned.
func (e *Engine) Cancel(instanceID string) error {
	e.mu.RLock()
	cancel, ok := e.cancels[instanceID]
	_, known := e.instances[instanceID]
	e.mu.RUnlock()
	if !ok {
		if known {
			// Already terminal; cancelling is a no-op.
			return nil
		}
		return types.NewError(types.ErrInstanceNotFound, "unknown instance "+instanceID)
	}
	cancel()
	return nil
}

// Status returns the externally visible state of an instance.
func (e *Engine) Status(instanceID string) (StatusSnapshot, error) {
	e.mu.RLock()
	in, ok := e.instances[instanceID]
	e.mu.RUnlock()
	if !ok {
		return StatusSnapshot{}, types.NewError(types.ErrInstanceNotFound, "unknown instance "+instanceID)
	}
	return in.Snapshot(), nil
}

// Wait blocks until the instance reaches terminal status or ctx expires.
func (e *Engine) Wait(ctx context.Context, instanceID string) (StatusSnapshot, error) {
	e.mu.RLock()
	done, ok := e.done[instanceID]
	e.mu.RUnlock()
	if !ok {
		return StatusSnapshot{}, types.NewError(types.ErrInstanceNotFound, "unknown instance "+instanceID)
	}
	select {
	case <-ctx.Done():
		return StatusSnapshot{}, ctx.Err()
	case <-done:
		return e.Status(instanceID)
	}
}

// OrchestrationSnapshot aggregates load, health, and scaling state for
// observability.
type OrchestrationSnapshot struct {
	Instances []StatusSnapshot         `json:"instances"`
	Pools     []agents.PoolSnapshot    `json:"pools"`
	Health    []agents.HealthMetrics   `json:"health,omitempty"`
	Scaling   []agents.ScalingDecision `json:"scaling_history,omitempty"`
}

// Snapshot captures the orchestration-wide observable state.
func (e *Engine) Snapshot() OrchestrationSnapshot {
	snap := OrchestrationSnapshot{Pools: e.registry.Snapshot()}
	e.mu.RLock()
	for _, in := range e.instances {
		snap.Instances = append(snap.Instances, in.Snapshot())
	}
	e.mu.RUnlock()
	if e.monitor != nil {
		snap.Health = e.monitor.Snapshot()
	}
	if e.scaler != nil {
		snap.Scaling = e.scaler.History()
	}
	if e.collector != nil {
		for _, pool := range snap.Pools {
			e.collector.SetPoolUtilization(pool.Role, pool.Utilization)
			e.collector.SetHealthyInstances(pool.Role, e.registry.ActiveCount(pool.Role))
		}
	}
	return snap
}

// stepOutcome is the terminal result of driving one step.
type stepOutcome struct {
	stepID    string
	role      string
	attempts  int
	started   time.Time
	ended     time.Time
	completed bool
	cancelled bool
	abort     bool
	err       error
	errMsg    string
}

// run drives one instance to terminal status.
func (e *Engine) run(ctx context.Context, in *Instance) {
	e.mu.RLock()
	done := e.done[in.ID]
	e.mu.RUnlock()
	defer close(done)

	in.setStatus(StatusRunning)
	hist := NewExecutionHistory(in.ID, in.DefinitionID)
	executed := make(map[string]bool, len(in.plan.Order))
	aborted := false

	for !aborted {
		if ctx.Err() != nil {
			break
		}
		batch := e.nextBatch(in, executed, hist)
		if len(batch) == 0 {
			break
		}

		outcomes := e.runBatch(ctx, in, batch)
		for _, outcome := range outcomes {
			status := StatusCompleted
			if outcome.cancelled {
				status = StatusCancelled
			} else if !outcome.completed {
				status = StatusFailed
			}
			hist.RecordStep(StepExecution{
				StepID:    outcome.stepID,
				Role:      outcome.role,
				StartTime: outcome.started,
				EndTime:   outcome.ended,
				Duration:  outcome.ended.Sub(outcome.started),
				Attempts:  outcome.attempts,
				Status:    status,
				Error:     outcome.errMsg,
			})
			if outcome.abort {
				aborted = true
			}
		}
		if ctx.Err() != nil || aborted {
			break
		}
		e.consultAdapter(ctx, in, executed)
	}

	e.finish(ctx, in, hist)
}

// nextBatch selects the next ready step, expanding it to its parallel
// group when members are unblocked. Steps whose dependencies terminally
// failed are cascaded into the failed set without dispatch.
func (e *Engine) nextBatch(in *Instance, executed map[string]bool, hist *ExecutionHistory) []Step {
	for _, stepID := range in.plan.Order {
		if executed[stepID] {
			continue
		}
		step, ok := in.def.StepByID(stepID)
		if !ok {
			executed[stepID] = true
			continue
		}

		if failedDep, found := e.failedDependency(in, step.DependsOn); found {
			executed[stepID] = true
			now := time.Now()
			failErr := types.NewError(types.ErrDependencyUnsatisfied,
				fmt.Sprintf("dependency %q failed", failedDep)).
				WithStep(stepID)
			outcome := e.failStep(in, step.Clone(), now, 0, failErr)
			hist.RecordStep(StepExecution{
				StepID: stepID, Role: step.Role,
				StartTime: now, EndTime: now,
				Status: StatusFailed, Error: outcome.errMsg,
			})
			if outcome.abort {
				// A cascaded critical failure dooms the run; stop
				// scheduling.
				return nil
			}
			continue
		}

		batch := []Step{step.Clone()}
		executed[stepID] = true

		if step.ParallelGroup != "" {
			for _, memberID := range in.plan.ParallelGroups[step.ParallelGroup] {
				if executed[memberID] || memberID == stepID {
					continue
				}
				member, found := in.def.StepByID(memberID)
				if !found {
					continue
				}
				if _, depFailed := e.failedDependency(in, member.DependsOn); depFailed {
					continue
				}
				if in.depsSatisfied(member.DependsOn) {
					batch = append(batch, member.Clone())
					executed[memberID] = true
				}
			}
		}
		return batch
	}
	return nil
}

func (e *Engine) failedDependency(in *Instance, deps []string) (string, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	for _, dep := range deps {
		if _, failed := in.failed[dep]; failed {
			return dep, true
		}
	}
	return "", false
}

// runBatch executes one step or one parallel-group fan-out. The group,
// not the whole instance, waits for joint completion.
func (e *Engine) runBatch(ctx context.Context, in *Instance, batch []Step) []stepOutcome {
	if len(batch) == 1 {
		in.setCurrentStep(batch[0].ID)
		return []stepOutcome{e.runStep(ctx, in, batch[0])}
	}

	outcomes := make([]stepOutcome, len(batch))
	g, groupCtx := errgroup.WithContext(ctx)
	for i, step := range batch {
		g.Go(func() error {
			outcomes[i] = e.runStep(groupCtx, in, step)
			if outcomes[i].abort {
				// Critical failure tears down sibling dispatches too.
				return outcomes[i].err
			}
			return nil
		})
	}
	// The group error only shortens sibling contexts; each outcome is
	// already recorded per step.
	_ = g.Wait()
	return outcomes
}

// runStep drives a single step through breaker gating, instance
// selection, dispatch, and retries, until success or terminal failure.
// At most one attempt of a given step is in flight at any time.
func (e *Engine) runStep(ctx context.Context, in *Instance, step Step) stepOutcome {
	started := time.Now()
	outcome := e.driveStep(ctx, in, step, started)
	outcome.stepID = step.ID
	outcome.role = step.Role
	outcome.started = started
	outcome.ended = time.Now()
	if outcome.cancelled && outcome.err != nil {
		outcome.err = types.NewError(types.ErrInstanceCancelled,
			"instance cancelled before step completion").
			WithStep(step.ID).WithCause(outcome.err)
	}
	if outcome.err != nil && outcome.errMsg == "" {
		outcome.errMsg = outcome.err.Error()
	}
	return outcome
}

// driveStep is the retry loop behind runStep.
func (e *Engine) driveStep(ctx context.Context, in *Instance, step Step, started time.Time) stepOutcome {
	key := BreakerKey(in.ID, step.ID)
	logger := e.logger.With(zap.String("instance_id", in.ID), zap.String("step_id", step.ID))

	var failures []FailureRecord
	attempt := 0
	noAgentAttempts := 0
	breakerTrials := 0

	e.emitters.emit(Event{
		Type:       EventStepStarted,
		InstanceID: in.ID,
		StepID:     step.ID,
		Timestamp:  started,
	})

	for {
		if ctx.Err() != nil {
			return stepOutcome{stepID: step.ID, attempts: attempt, cancelled: true, err: ctx.Err()}
		}

		// Defensive re-check: dynamic adaptation can alter step sets
		// mid-run, so the resolved order alone is not trusted.
		if !in.depsSatisfied(step.DependsOn) {
			err := types.NewError(types.ErrDependencyUnsatisfied,
				fmt.Sprintf("step %q dispatched before dependencies completed", step.ID)).
				WithStep(step.ID)
			logger.Error("dependency invariant violated", zap.Error(err))
			return e.failStep(in, step, started, attempt, err)
		}

		// Circuit breaker gate. A blocked breaker is a retryable
		// condition: wait out the breaker's window, never burn the
		// step's failure budget.
		if allowed, wait := e.breakers.CanDispatch(key); !allowed {
			breakerTrials++
			if breakerTrials > e.config.BreakerTrialLimit {
				err := types.NewError(types.ErrCircuitOpen,
					fmt.Sprintf("circuit open for step %q after %d trial windows", step.ID, breakerTrials-1)).
					WithStep(step.ID)
				return e.failStep(in, step, started, attempt, err)
			}
			logger.Warn("circuit open, deferring dispatch",
				zap.Duration("wait", wait),
				zap.Int("trial", breakerTrials))
			if !e.sleep(ctx, wait) {
				return stepOutcome{stepID: step.ID, attempts: attempt, cancelled: true, err: ctx.Err()}
			}
			continue
		}

		inst, ok := e.selectWithFailover(step.Role, logger)
		if !ok {
			noAgentAttempts++
			if noAgentAttempts > e.config.NoAgentMaxAttempts {
				err := types.NewError(types.ErrNoAvailableAgent,
					fmt.Sprintf("no available agent for role %q after %d attempts", step.Role, noAgentAttempts-1)).
					WithStep(step.ID)
				return e.failStep(in, step, started, attempt, err)
			}
			logger.Warn("no available agent, waiting",
				zap.String("role", step.Role),
				zap.Int("attempt", noAgentAttempts))
			if !e.sleep(ctx, e.config.NoAgentRetryDelay) {
				return stepOutcome{stepID: step.ID, attempts: attempt, cancelled: true, err: ctx.Err()}
			}
			continue
		}

		attempt++
		taskID := uuid.NewString()
		if _, err := e.registry.AssignTask(taskID, inst); err != nil {
			// Lost the slot to a concurrent assignment; reselect.
			logger.Debug("assignment raced, reselecting", zap.Error(err))
			continue
		}

		timeout := step.Timeout
		if timeout <= 0 {
			timeout = e.config.DefaultStepTimeout
		}
		dispatchCtx, cancel := context.WithTimeout(ctx, timeout)
		dispatchStart := time.Now()
		result, dispatchErr := e.dispatcher.Dispatch(dispatchCtx, step, inst, in.contextCopy())
		duration := time.Since(dispatchStart)
		cancel()

		e.registry.CompleteTask(taskID, dispatchErr == nil)

		if dispatchErr == nil {
			e.breakers.RecordSuccess(key)
			in.markCompleted(step.ID, result)
			if e.collector != nil {
				e.collector.RecordStep(step.Role, "completed", duration.Seconds())
			}
			e.emitters.emit(Event{
				Type:       EventStepCompleted,
				InstanceID: in.ID,
				StepID:     step.ID,
				Timestamp:  time.Now(),
				Duration:   duration,
			})
			logger.Info("step completed",
				zap.String("instance", inst.ID),
				zap.Int("attempt", attempt),
				zap.Duration("duration", duration))
			return stepOutcome{stepID: step.ID, attempts: attempt, completed: true}
		}

		if ctx.Err() != nil && !errors.Is(dispatchErr, context.DeadlineExceeded) {
			return stepOutcome{stepID: step.ID, attempts: attempt, cancelled: true, err: ctx.Err()}
		}

		// A hard timeout is classified like any worker-reported failure.
		message := dispatchErr.Error()
		if errors.Is(dispatchErr, context.DeadlineExceeded) {
			message = fmt.Sprintf("step timeout after %s", timeout)
			dispatchErr = types.NewError(types.ErrStepTimeout, message).
				WithStep(step.ID).WithRetryable(true).WithCause(dispatchErr)
		} else if types.GetErrorCode(dispatchErr) == "" {
			dispatchErr = types.NewError(types.ErrWorkerError, message).
				WithStep(step.ID).WithRetryable(true).WithCause(dispatchErr)
		}
		e.breakers.RecordFailure(key)
		failures = append(failures, FailureRecord{Attempt: attempt, Message: message, At: time.Now()})
		if e.collector != nil {
			e.collector.RecordStep(step.Role, "failed", duration.Seconds())
		}
		logger.Warn("step attempt failed",
			zap.String("instance", inst.ID),
			zap.Int("attempt", attempt),
			zap.String("error", message))

		decision := e.retry.NextRetry(step.ID, failures, step.Retry)
		switch {
		case decision.ShouldRetry:
			if e.collector != nil {
				e.collector.RecordRetry(string(decision.Strategy))
			}
			if !e.sleep(ctx, decision.Delay) {
				return stepOutcome{stepID: step.ID, attempts: attempt, cancelled: true, err: ctx.Err()}
			}

		case decision.Reason == ReasonCircuitHandoff:
			// The breaker now gates this step; loop back into the
			// CanDispatch window for its half-open trials.
			logger.Warn("retries handed off to circuit breaker",
				zap.Int("failures", len(failures)))

		default:
			err := types.NewError(types.ErrMaxAttemptsExceeded,
				fmt.Sprintf("step %q failed after %d attempts: %s", step.ID, attempt, message)).
				WithStep(step.ID).WithCause(dispatchErr)
			return e.failStep(in, step, started, attempt, err)
		}
	}
}

// failStep finalizes a terminal step failure: mark, emit, and abort the
// instance when the step is critical.
func (e *Engine) failStep(in *Instance, step Step, started time.Time, attempts int, failErr error) stepOutcome {
	message := failErr.Error()
	tolerated := !step.Critical
	in.markFailed(step.ID, message, tolerated)
	e.emitters.emit(Event{
		Type:       EventStepFailed,
		InstanceID: in.ID,
		StepID:     step.ID,
		Timestamp:  time.Now(),
		Duration:   time.Since(started),
		Error:      message,
	})
	if e.collector != nil {
		e.collector.RecordStep(step.Role, "exhausted", time.Since(started).Seconds())
	}

	if step.Critical {
		e.logger.Error("critical step failed, aborting instance",
			zap.String("instance_id", in.ID),
			zap.String("step_id", step.ID),
			zap.Int("attempts", attempts))
		// Tear down sibling dispatches and pending retries.
		e.mu.RLock()
		cancel := e.cancels[in.ID]
		e.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
		return stepOutcome{stepID: step.ID, attempts: attempts, abort: true, errMsg: message, err: failErr}
	}
	return stepOutcome{stepID: step.ID, attempts: attempts, errMsg: message}
}

// selectWithFailover asks the balancer for the step's role, walking the
// static failover chain when the primary pool is exhausted.
func (e *Engine) selectWithFailover(role string, logger *zap.Logger) (*agents.AgentInstance, bool) {
	visited := map[string]bool{}
	current := role
	for !visited[current] {
		visited[current] = true
		if inst, ok := e.registry.SelectInstance(current); ok {
			if current != role {
				logger.Info("failover role selected",
					zap.String("requested", role),
					zap.String("selected", current))
			}
			return inst, true
		}
		next, ok := e.registry.FailoverRole(current)
		if !ok {
			break
		}
		current = next
	}
	return nil, false
}

// consultAdapter runs the adaptation hook and applies any mutations to
// the instance's private definition copy, then recomputes the plan.
func (e *Engine) consultAdapter(ctx context.Context, in *Instance, executed map[string]bool) {
	if e.adapter == nil {
		return
	}
	var remaining []Step
	for _, stepID := range in.plan.Order {
		if executed[stepID] {
			continue
		}
		if step, ok := in.def.StepByID(stepID); ok {
			remaining = append(remaining, step.Clone())
		}
	}
	adaptations := e.adapter.AfterStep(ctx, in.Snapshot(), remaining)
	if len(adaptations) == 0 {
		return
	}

	applied := 0
	for _, adaptation := range adaptations {
		if err := applyAdaptation(in, adaptation, executed, e.logger); err != nil {
			e.logger.Warn("adaptation skipped",
				zap.String("instance_id", in.ID),
				zap.String("step_id", adaptation.StepID),
				zap.Error(err))
			continue
		}
		applied++
	}
	if applied == 0 {
		return
	}
	plan, err := e.resolver.Resolve(in.def)
	if err != nil {
		e.logger.Warn("adapted definition failed to resolve, keeping previous plan",
			zap.String("instance_id", in.ID),
			zap.Error(err))
		return
	}
	in.plan = plan
}

// finish computes the terminal status, emits the workflow event, and
// archives the run.
func (e *Engine) finish(ctx context.Context, in *Instance, hist *ExecutionHistory) {
	var status InstanceStatus
	var eventType EventType
	switch {
	case ctx.Err() != nil && !e.criticalFailed(in):
		status = StatusCancelled
		eventType = EventWorkflowCancelled
	case e.criticalFailed(in):
		status = StatusFailed
		eventType = EventWorkflowFailed
	default:
		// Non-critical failures are tolerated; the run still completes.
		status = StatusCompleted
		eventType = EventWorkflowCompleted
	}
	in.setStatus(status)
	snap := in.Snapshot()
	hist.Finish(status, snap.LastError)

	e.emitters.emit(Event{
		Type:       eventType,
		InstanceID: in.ID,
		Timestamp:  time.Now(),
		Error:      snap.LastError,
		Tolerated:  snap.Tolerated,
	})
	e.logger.Info("workflow finished",
		zap.String("instance_id", in.ID),
		zap.String("status", string(status)),
		zap.Int("completed", len(snap.Completed)),
		zap.Int("failed", len(snap.Failed)))

	if e.collector != nil {
		e.collector.RecordWorkflow(in.DefinitionID, string(status), time.Since(in.StartedAt).Seconds())
	}
	if e.history != nil {
		if err := e.history.Archive(hist); err != nil {
			e.logger.Warn("history archive failed",
				zap.String("instance_id", in.ID), zap.Error(err))
		}
	}
	// Breakers are scoped to the instance and die with it.
	e.breakers.RemoveInstance(in.ID)

	e.mu.Lock()
	delete(e.cancels, in.ID)
	e.mu.Unlock()
	// The archive now owns the run; keep the live record queryable for
	// the retention window, then evict it from the working set.
	time.AfterFunc(e.config.InstanceRetention, func() {
		e.mu.Lock()
		delete(e.instances, in.ID)
		delete(e.done, in.ID)
		e.mu.Unlock()
	})
}

// criticalFailed reports whether any failed step is marked critical.
func (e *Engine) criticalFailed(in *Instance) bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	for stepID := range in.failed {
		if step, ok := in.def.StepByID(stepID); ok && step.Critical {
			return true
		}
	}
	return false
}

// sleep waits for d unless the context is cancelled first. Retries are
// never silently fired after cancellation.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
