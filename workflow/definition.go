package workflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blopit/Proxy-Agent-Platform-sub001/types"
)

// Step is the smallest unit of delegated work. A step is dispatched to a
// worker identified by its capability role once every dependency has
// completed. Steps sharing a ParallelGroup tag may run concurrently.
type Step struct {
	// ID is the unique step identifier within the definition
	ID string `json:"id" yaml:"id"`
	// Name is the human-readable step name
	Name string `json:"name" yaml:"name"`
	// Role is the capability role required to execute the step
	Role string `json:"role" yaml:"role"`
	// Action is the opaque payload handed to the worker
	Action map[string]any `json:"action,omitempty" yaml:"action,omitempty"`
	// DependsOn lists step IDs that must complete before dispatch
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// ParallelGroup tags steps eligible for concurrent execution
	ParallelGroup string `json:"parallel_group,omitempty" yaml:"parallel_group,omitempty"`
	// Timeout bounds a single dispatch attempt (0 = engine default)
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// Critical aborts the whole instance on unrecoverable failure
	Critical bool `json:"critical,omitempty" yaml:"critical,omitempty"`
	// Retry overrides the failure-pattern retry selection when set
	Retry *RetryConfig `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	out := s
	if s.Action != nil {
		out.Action = make(map[string]any, len(s.Action))
		for k, v := range s.Action {
			out.Action[k] = v
		}
	}
	if s.DependsOn != nil {
		out.DependsOn = append([]string(nil), s.DependsOn...)
	}
	if s.Retry != nil {
		retry := *s.Retry
		out.Retry = &retry
	}
	return out
}

// Definition is the immutable workflow template: an ordered list of steps
// forming a DAG through their dependency edges. Definitions are created at
// load time and never mutated at runtime; the engine works on a copy when
// adaptations apply.
type Definition struct {
	// ID is the unique definition identifier
	ID string `json:"id" yaml:"id"`
	// Name is the workflow name
	Name string `json:"name" yaml:"name"`
	// Description describes the workflow
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Steps are the workflow steps in declaration order
	Steps []Step `json:"steps" yaml:"steps"`
	// SuccessCriteria documents global completion criteria
	SuccessCriteria []string `json:"success_criteria,omitempty" yaml:"success_criteria,omitempty"`
	// Metadata stores additional workflow information
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Clone returns a deep copy the engine can adapt without touching the
// original template.
func (d *Definition) Clone() *Definition {
	out := &Definition{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
	}
	out.Steps = make([]Step, len(d.Steps))
	for i, s := range d.Steps {
		out.Steps[i] = s.Clone()
	}
	if d.SuccessCriteria != nil {
		out.SuccessCriteria = append([]string(nil), d.SuccessCriteria...)
	}
	if d.Metadata != nil {
		out.Metadata = make(map[string]any, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// StepByID returns the step with the given ID.
func (d *Definition) StepByID(stepID string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == stepID {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// Validate checks structural integrity: non-empty IDs, unique step IDs,
// known dependency references, and roles on every step. Cycle detection is
// the resolver's concern.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return types.NewError(types.ErrDefinitionInvalid, "definition id cannot be empty")
	}
	if len(d.Steps) == 0 {
		return types.NewError(types.ErrDefinitionInvalid, "definition has no steps")
	}
	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.ID == "" {
			return types.NewError(types.ErrDefinitionInvalid, "step id cannot be empty")
		}
		if seen[s.ID] {
			return types.NewError(types.ErrDefinitionInvalid,
				fmt.Sprintf("duplicate step id %q", s.ID)).WithStep(s.ID)
		}
		seen[s.ID] = true
		if s.Role == "" {
			return types.NewError(types.ErrDefinitionInvalid,
				fmt.Sprintf("step %q has no capability role", s.ID)).WithStep(s.ID)
		}
	}
	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return types.NewError(types.ErrDefinitionInvalid,
					fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep)).WithStep(s.ID)
			}
			if dep == s.ID {
				return types.NewError(types.ErrDefinitionInvalid,
					fmt.Sprintf("step %q depends on itself", s.ID)).WithStep(s.ID)
			}
		}
	}
	return nil
}

// LoadDefinition parses and validates a definition from YAML bytes.
func LoadDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, types.NewError(types.ErrDefinitionInvalid, "failed to parse definition").WithCause(err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinitionFile reads and parses a definition from a YAML file.
func LoadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}
	return LoadDefinition(data)
}

// ToYAML serializes the definition to YAML bytes.
func (d *Definition) ToYAML() ([]byte, error) {
	return yaml.Marshal(d)
}
