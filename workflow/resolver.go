package workflow

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/blopit/Proxy-Agent-Platform-sub001/types"
)

// ExecutionPlan is the derived, ephemeral scheduling view of a definition:
// a valid linearization of the dependency DAG plus the lookup tables the
// engine needs for readiness checks and group scheduling. It is recomputed
// whenever the definition is adapted mid-run.
type ExecutionPlan struct {
	// Order is a topological ordering of step IDs
	Order []string
	// Dependencies maps step ID to its declared dependency IDs
	Dependencies map[string][]string
	// ParallelGroups maps group tag to member step IDs
	ParallelGroups map[string][]string
}

// GroupOf returns the parallel group tag of a step, if any.
func (p *ExecutionPlan) GroupOf(stepID string) (string, bool) {
	for tag, members := range p.ParallelGroups {
		for _, id := range members {
			if id == stepID {
				return tag, true
			}
		}
	}
	return "", false
}

// visit colors for the depth-first topological sort.
const (
	colorUnvisited = iota
	colorInProgress
	colorDone
)

// Resolver converts workflow definitions into validated execution orders.
type Resolver struct {
	logger *zap.Logger
}

// NewResolver creates a dependency resolver.
func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger.With(zap.String("component", "resolver"))}
}

// Resolve performs a depth-first topological sort over the dependency
// graph. Encountering an in-progress node signals a cycle and fails with
// CYCLE_DETECTED before any dispatch can occur. Parallel-group membership
// does not affect ordering validity, only concurrency eligibility.
func (r *Resolver) Resolve(def *Definition) (*ExecutionPlan, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	deps := make(map[string][]string, len(def.Steps))
	groups := make(map[string][]string)
	for _, s := range def.Steps {
		deps[s.ID] = append([]string(nil), s.DependsOn...)
		if s.ParallelGroup != "" {
			groups[s.ParallelGroup] = append(groups[s.ParallelGroup], s.ID)
		}
	}

	color := make(map[string]int, len(def.Steps))
	order := make([]string, 0, len(def.Steps))

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case colorDone:
			return nil
		case colorInProgress:
			return types.NewError(types.ErrCycleDetected,
				fmt.Sprintf("dependency cycle through step %q", id)).WithStep(id)
		}
		color[id] = colorInProgress
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = colorDone
		order = append(order, id)
		return nil
	}

	// Iterate in declaration order so independent steps keep a stable,
	// author-intended ordering.
	for _, s := range def.Steps {
		if err := visit(s.ID); err != nil {
			return nil, err
		}
	}

	r.logger.Debug("definition resolved",
		zap.String("definition_id", def.ID),
		zap.Int("steps", len(order)),
		zap.Int("parallel_groups", len(groups)))

	return &ExecutionPlan{
		Order:          order,
		Dependencies:   deps,
		ParallelGroups: groups,
	}, nil
}
