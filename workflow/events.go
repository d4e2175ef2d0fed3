package workflow

import (
	"time"

	"go.uber.org/zap"
)

// EventType identifies a lifecycle event emitted to external collaborators
// (monitoring, notification, git-log, UI).
type EventType string

const (
	EventStepStarted       EventType = "step_started"
	EventStepCompleted     EventType = "step_completed"
	EventStepFailed        EventType = "step_failed"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowCancelled EventType = "workflow_cancelled"
)

// Event carries the details of one lifecycle transition.
type Event struct {
	Type       EventType     `json:"type"`
	InstanceID string        `json:"instance_id"`
	StepID     string        `json:"step_id,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	Duration   time.Duration `json:"duration,omitempty"`
	Error      string        `json:"error,omitempty"`
	// Tolerated lists failed-but-tolerated steps on workflow completion
	Tolerated []string `json:"tolerated,omitempty"`
}

// Emitter receives lifecycle events. Delivery is best-effort: the engine
// never fails a workflow because an emitter misbehaved.
type Emitter interface {
	Emit(event Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(event Event)

func (f EmitterFunc) Emit(event Event) { f(event) }

// emitterSet fans events out to multiple emitters asynchronously,
// recovering any panic so a bad collaborator cannot take down the engine.
type emitterSet struct {
	emitters []Emitter
	logger   *zap.Logger
}

func newEmitterSet(logger *zap.Logger, emitters ...Emitter) *emitterSet {
	return &emitterSet{emitters: emitters, logger: logger}
}

func (s *emitterSet) emit(event Event) {
	for _, em := range s.emitters {
		go func(em Emitter) {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Warn("event emitter panicked",
						zap.String("event_type", string(event.Type)),
						zap.Any("panic", r))
				}
			}()
			em.Emit(event)
		}(em)
	}
}
