package saga

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Manager runs saga definitions synchronously
type Manager struct {
	clock  clock.Clock
	logger *zap.Logger
}

// NewManager creates a new saga manager
func NewManager(clk clock.Clock, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{clock: clk, logger: logger}
}

// Run executes the steps of def in order. When a step fails, completed steps
// are compensated in reverse order and the step error is returned.
func (m *Manager) Run(ctx context.Context, def Definition, data SagaData) (*Instance, error) {
	if data == nil {
		data = SagaData{}
	}
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	instance := &Instance{
		Definition: def.Name,
		State:      SagaStateRunning,
		Steps:      make([]StepExecution, len(def.Steps)),
		StartedAt:  m.clock.Now(),
	}
	for i, step := range def.Steps {
		instance.Steps[i] = StepExecution{ID: step.ID(), State: StepStatePending}
	}

	lastCompleted := -1
	var failure error
	for i, step := range def.Steps {
		if err := ctx.Err(); err != nil {
			failure = fmt.Errorf("saga %s interrupted before %s: %w", def.Name, step.ID(), err)
			break
		}
		if err := step.Execute(ctx, data); err != nil {
			instance.Steps[i].State = StepStateFailed
			instance.Steps[i].Error = err.Error()
			m.logger.Warn("Step failed",
				zap.String("saga", def.Name),
				zap.String("stepID", string(step.ID())),
				zap.Error(err))
			failure = err
			break
		}
		instance.Steps[i].State = StepStateCompleted
		lastCompleted = i
	}

	if failure == nil {
		instance.State = SagaStateCompleted
		instance.CompletedAt = m.clock.Now()
		m.logger.Debug("Saga completed", zap.String("saga", def.Name))
		return instance, nil
	}

	m.compensate(def, instance, data, lastCompleted)
	instance.Error = failure.Error()
	return instance, failure
}

// compensate runs compensation for completed steps in reverse order. It uses
// a fresh context so an expired saga deadline does not skip cleanup.
func (m *Manager) compensate(def Definition, instance *Instance, data SagaData, lastCompleted int) {
	ctx := context.Background()
	for i := lastCompleted; i >= 0; i-- {
		step := def.Steps[i]
		if err := step.Compensate(ctx, data); err != nil {
			m.logger.Error("Compensation failed",
				zap.String("saga", def.Name),
				zap.String("stepID", string(step.ID())),
				zap.Error(err))
			continue
		}
		instance.Steps[i].State = StepStateCompensated
	}

	instance.State = SagaStateCompensated
	instance.CompletedAt = m.clock.Now()
	m.logger.Info("Saga compensated", zap.String("saga", def.Name))
}
