package workflow

import (
	"sync"
	"time"
)

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	StatusPending   InstanceStatus = "PENDING"
	StatusRunning   InstanceStatus = "RUNNING"
	StatusCompleted InstanceStatus = "COMPLETED"
	StatusFailed    InstanceStatus = "FAILED"
	StatusCancelled InstanceStatus = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s InstanceStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Instance is one execution of a definition. The engine's driving loop
// owns the mutable sets; the internal lock only protects against the
// instance's own parallel-group goroutines, never across instances.
type Instance struct {
	ID           string
	DefinitionID string
	StartedAt    time.Time
	CompletedAt  time.Time

	// def is the instance's private copy; adaptations mutate it, never
	// the original template.
	def  *Definition
	plan *ExecutionPlan

	status      InstanceStatus
	currentStep string
	completed   map[string]bool
	failed      map[string]string
	tolerated   []string
	results     map[string]any
	context     map[string]any
	lastError   string
	mu          sync.RWMutex
}

// newInstance creates a PENDING instance around a definition copy.
func newInstance(id string, def *Definition, initialContext map[string]any) *Instance {
	ctx := make(map[string]any, len(initialContext))
	for k, v := range initialContext {
		ctx[k] = v
	}
	return &Instance{
		ID:           id,
		DefinitionID: def.ID,
		StartedAt:    time.Now(),
		def:          def,
		status:       StatusPending,
		completed:    make(map[string]bool),
		failed:       make(map[string]string),
		results:      make(map[string]any),
		context:      ctx,
	}
}

// Status returns the current lifecycle state.
func (in *Instance) Status() InstanceStatus {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.status
}

func (in *Instance) setStatus(status InstanceStatus) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.status = status
	if status.Terminal() {
		in.CompletedAt = time.Now()
	}
}

func (in *Instance) setCurrentStep(stepID string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.currentStep = stepID
}

// markCompleted records a step success and its result payload.
func (in *Instance) markCompleted(stepID string, result any) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.completed[stepID] = true
	in.results[stepID] = result
}

// markFailed records a terminal step failure. Tolerated failures are
// non-critical steps whose retries were exhausted without aborting the
// run.
func (in *Instance) markFailed(stepID, message string, tolerated bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.failed[stepID] = message
	in.lastError = message
	if tolerated {
		in.tolerated = append(in.tolerated, stepID)
	}
}

// depsSatisfied checks that every listed dependency has completed.
func (in *Instance) depsSatisfied(deps []string) bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	for _, dep := range deps {
		if !in.completed[dep] {
			return false
		}
	}
	return true
}

// isCompleted reports whether a step has completed.
func (in *Instance) isCompleted(stepID string) bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.completed[stepID]
}

// ContextValue reads a key from the instance's project context.
func (in *Instance) ContextValue(key string) (any, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	v, ok := in.context[key]
	return v, ok
}

// SetContextValue writes a key into the instance's project context.
func (in *Instance) SetContextValue(key string, value any) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.context[key] = value
}

// contextCopy snapshots the project context for a dispatch.
func (in *Instance) contextCopy() map[string]any {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := make(map[string]any, len(in.context))
	for k, v := range in.context {
		out[k] = v
	}
	return out
}

// Result returns the recorded result payload of a completed step.
func (in *Instance) Result(stepID string) (any, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	v, ok := in.results[stepID]
	return v, ok
}

// StatusSnapshot is the externally visible state of an instance.
type StatusSnapshot struct {
	InstanceID   string         `json:"instance_id"`
	DefinitionID string         `json:"definition_id"`
	Status       InstanceStatus `json:"status"`
	CurrentStep  string         `json:"current_step,omitempty"`
	Completed    []string       `json:"completed"`
	Failed       []string       `json:"failed"`
	// Tolerated lists non-critical steps that failed without failing
	// the workflow (failed-but-tolerated summary).
	Tolerated []string  `json:"failed_but_tolerated,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Snapshot captures the instance state for status queries.
func (in *Instance) Snapshot() StatusSnapshot {
	in.mu.RLock()
	defer in.mu.RUnlock()
	snap := StatusSnapshot{
		InstanceID:   in.ID,
		DefinitionID: in.DefinitionID,
		Status:       in.status,
		CurrentStep:  in.currentStep,
		Completed:    make([]string, 0, len(in.completed)),
		Failed:       make([]string, 0, len(in.failed)),
		Tolerated:    append([]string(nil), in.tolerated...),
		LastError:    in.lastError,
		StartedAt:    in.StartedAt,
	}
	for id := range in.completed {
		snap.Completed = append(snap.Completed, id)
	}
	for id := range in.failed {
		snap.Failed = append(snap.Failed, id)
	}
	return snap
}
