package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/blopit/Proxy-Agent-Platform-sub001/types"
)

// Adaptation is one requested mutation of a not-yet-executed step. Nil
// fields are left untouched.
type Adaptation struct {
	StepID        string         `json:"step_id"`
	Timeout       *time.Duration `json:"timeout,omitempty"`
	ParallelGroup *string        `json:"parallel_group,omitempty"`
	Role          *string        `json:"role,omitempty"`
	Retry         *RetryConfig   `json:"retry,omitempty"`
}

// Adapter is consulted after each step and may rewrite remaining steps
// based on live metrics. The adaptation component itself is an external
// collaborator; the engine only applies its mutations.
type Adapter interface {
	AfterStep(ctx context.Context, snapshot StatusSnapshot, remaining []Step) []Adaptation
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, snapshot StatusSnapshot, remaining []Step) []Adaptation

func (f AdapterFunc) AfterStep(ctx context.Context, snapshot StatusSnapshot, remaining []Step) []Adaptation {
	return f(ctx, snapshot, remaining)
}

// applyAdaptation mutates the instance's private definition copy. A
// mutation targeting an executed, executing, or unknown step is a
// conflict: the adaptation is skipped and reported, never fatal.
func applyAdaptation(in *Instance, adaptation Adaptation, executed map[string]bool, logger *zap.Logger) error {
	step, ok := in.def.StepByID(adaptation.StepID)
	if !ok {
		return types.NewError(types.ErrAdaptationConflict,
			fmt.Sprintf("adaptation targets unknown step %q", adaptation.StepID)).
			WithStep(adaptation.StepID)
	}
	if executed[adaptation.StepID] {
		return types.NewError(types.ErrAdaptationConflict,
			fmt.Sprintf("adaptation targets already-executed step %q", adaptation.StepID)).
			WithStep(adaptation.StepID)
	}

	if adaptation.Timeout != nil {
		step.Timeout = *adaptation.Timeout
	}
	if adaptation.ParallelGroup != nil {
		step.ParallelGroup = *adaptation.ParallelGroup
	}
	if adaptation.Role != nil {
		step.Role = *adaptation.Role
	}
	if adaptation.Retry != nil {
		retry := *adaptation.Retry
		step.Retry = &retry
	}

	logger.Info("adaptation applied",
		zap.String("instance_id", in.ID),
		zap.String("step_id", adaptation.StepID))
	return nil
}
