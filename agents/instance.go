package agents

import (
	"sync/atomic"
	"time"
)

// AgentInstance is a single worker process able to execute steps for one
// capability role. Load accounting uses atomics so concurrent step
// dispatches across workflow instances never race on the counter.
type AgentInstance struct {
	ID            string
	Role          string
	MaxConcurrent int

	load   atomic.Int32
	active atomic.Bool
}

// NewAgentInstance creates an active instance with zero load.
func NewAgentInstance(id, role string, maxConcurrent int) *AgentInstance {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	inst := &AgentInstance{
		ID:            id,
		Role:          role,
		MaxConcurrent: maxConcurrent,
	}
	inst.active.Store(true)
	return inst
}

// CurrentLoad returns the number of in-flight task slots.
func (a *AgentInstance) CurrentLoad() int {
	return int(a.load.Load())
}

// Remaining returns the number of free task slots.
func (a *AgentInstance) Remaining() int {
	r := a.MaxConcurrent - int(a.load.Load())
	if r < 0 {
		return 0
	}
	return r
}

// IsActive reports whether the instance is eligible for selection.
func (a *AgentInstance) IsActive() bool {
	return a.active.Load()
}

// SetActive flips selection eligibility. Deactivation does not touch
// in-flight assignments; they drain normally.
func (a *AgentInstance) SetActive(active bool) {
	a.active.Store(active)
}

// tryAcquire claims a task slot if one is free. CAS loop keeps the
// invariant 0 <= load <= MaxConcurrent without a lock.
func (a *AgentInstance) tryAcquire() bool {
	for {
		cur := a.load.Load()
		if int(cur) >= a.MaxConcurrent {
			return false
		}
		if a.load.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// release frees a task slot, clamping at zero.
func (a *AgentInstance) release() {
	for {
		cur := a.load.Load()
		if cur <= 0 {
			return
		}
		if a.load.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// InstanceState is the serializable snapshot of an AgentInstance.
// Restoring a state preserves load accounting exactly.
type InstanceState struct {
	ID            string `json:"id" yaml:"id"`
	Role          string `json:"role" yaml:"role"`
	MaxConcurrent int    `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	CurrentLoad   int    `json:"current_load" yaml:"current_load"`
	Active        bool   `json:"is_active" yaml:"is_active"`
}

// State captures the instance as a serializable snapshot.
func (a *AgentInstance) State() InstanceState {
	return InstanceState{
		ID:            a.ID,
		Role:          a.Role,
		MaxConcurrent: a.MaxConcurrent,
		CurrentLoad:   a.CurrentLoad(),
		Active:        a.IsActive(),
	}
}

// RestoreInstance rebuilds an instance from a snapshot.
func RestoreInstance(state InstanceState) *AgentInstance {
	inst := NewAgentInstance(state.ID, state.Role, state.MaxConcurrent)
	inst.load.Store(int32(state.CurrentLoad))
	inst.active.Store(state.Active)
	return inst
}

// AssignmentStatus tracks the lifecycle of a single dispatch attempt.
type AssignmentStatus string

const (
	AssignmentAssigned  AssignmentStatus = "assigned"
	AssignmentRunning   AssignmentStatus = "running"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentFailed    AssignmentStatus = "failed"
)

// TaskAssignment binds a task to an instance for one dispatch attempt.
type TaskAssignment struct {
	TaskID      string           `json:"task_id"`
	InstanceID  string           `json:"instance_id"`
	Role        string           `json:"role"`
	AssignedAt  time.Time        `json:"assigned_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Status      AssignmentStatus `json:"status"`
}
