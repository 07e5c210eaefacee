package coordination

import (
	"context"
	"fmt"

	"github.com/Prism-Clinical/careplan-pipeline/core"
)

// SagaStep is one forward action with its compensating undo. The
// compensation receives the value the forward action produced.
type SagaStep struct {
	Name       string
	Execute    func(ctx context.Context) (interface{}, error)
	Compensate func(ctx context.Context, result interface{}) error
}

// Saga runs steps in order; on failure it compensates the completed
// steps in reverse order. Compensation failures are logged and
// collected but do not stop the remaining compensations.
type Saga struct {
	steps  []SagaStep
	logger core.Logger
}

// completedStep pairs a finished step with its forward result so the
// compensation can reference it.
type completedStep struct {
	step   SagaStep
	result interface{}
}

// SagaResult reports what the saga did: each completed step's forward
// result by name, the completed step names in execution order, and, on
// the failure path, the names of the steps whose compensations ran.
type SagaResult struct {
	Results     map[string]interface{}
	Completed   []string
	Compensated []string
}

// NewSaga builds an empty saga.
func NewSaga(logger core.Logger) *Saga {
	return &Saga{logger: core.ComponentLogger(logger, "saga")}
}

// AddStep appends a step. Steps execute in insertion order.
func (s *Saga) AddStep(step SagaStep) *Saga {
	s.steps = append(s.steps, step)
	return s
}

// Run executes the saga. The result is returned on both paths so
// callers can inspect partial progress and, after a failure, which
// steps were rolled back.
func (s *Saga) Run(ctx context.Context) (*SagaResult, error) {
	result := &SagaResult{Results: make(map[string]interface{}, len(s.steps))}
	var done []completedStep

	for _, step := range s.steps {
		res, err := step.Execute(ctx)
		if err != nil {
			result.Compensated = s.compensate(ctx, done)
			return result, fmt.Errorf("saga step %q: %w", step.Name, err)
		}
		result.Results[step.Name] = res
		result.Completed = append(result.Completed, step.Name)
		done = append(done, completedStep{step: step, result: res})
	}
	return result, nil
}

// compensate runs the undo of every completed step in reverse order and
// returns the names of the steps whose compensation was attempted.
func (s *Saga) compensate(ctx context.Context, done []completedStep) []string {
	// Compensation must run even when the triggering failure was a
	// cancelled context.
	ctx = context.WithoutCancel(ctx)
	var names []string
	for i := len(done) - 1; i >= 0; i-- {
		c := done[i]
		if c.step.Compensate == nil {
			continue
		}
		names = append(names, c.step.Name)
		if err := c.step.Compensate(ctx, c.result); err != nil && s.logger != nil {
			s.logger.Error("Saga compensation failed", map[string]interface{}{
				"step":  c.step.Name,
				"error": err.Error(),
			})
		}
	}
	return names
}
