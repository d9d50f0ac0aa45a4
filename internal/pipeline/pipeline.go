// Package pipeline drives pipeline executions and their step state machines.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luminal-dev/conductor/internal/store"
	"github.com/luminal-dev/conductor/pkg/models"
)

// ErrConcurrencyLimit indicates the pipeline already has the maximum number
// of executions queued or running.
var ErrConcurrencyLimit = errors.New("pipeline concurrency limit reached")

// ErrStepNotEligible indicates a step's dependencies have not all completed.
var ErrStepNotEligible = errors.New("step dependencies not yet completed")

// defaultInFlightLimit bounds concurrent queued plus running executions per
// pipeline.
const defaultInFlightLimit = 3

// statsWindow is the trailing window for pipeline statistics recomputation.
const statsWindow = 30 * 24 * time.Hour

// Executor advances pipeline executions through their state machines. It
// admits new executions against the per-pipeline in-flight limit, schedules
// steps as their dependencies complete, retries failed steps within their
// budget, and recomputes rolling pipeline statistics off the admission path.
type Executor struct {
	store *store.Store
	limit int
	// statsWG tracks background statistics recomputation.
	statsWG sync.WaitGroup
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates an Executor backed by the given store.
func New(s *store.Store) *Executor {
	return &Executor{
		store:    s,
		limit:    defaultInFlightLimit,
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetInFlightLimit overrides the per-pipeline concurrent execution limit.
func (e *Executor) SetInFlightLimit(n int) {
	if n > 0 {
		e.limit = n
	}
}

// SetDebugLog sets the debug logging function.
func (e *Executor) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		e.debugLog = fn
	}
}

// Register validates a definition and persists it for the given owner.
func (e *Executor) Register(ctx context.Context, ownerID string, def *models.PipelineDefinition) (string, error) {
	if err := ValidateDefinition(def); err != nil {
		return "", err
	}

	now := time.Now()
	def.ID = uuid.New().String()
	def.OwnerID = ownerID
	def.CreatedAt = now
	def.UpdatedAt = now

	if err := e.store.CreatePipeline(ctx, def); err != nil {
		return "", err
	}
	e.debugLog("[pipeline.Register] registered %q as %s", def.Name, def.ID)
	return def.ID, nil
}

// Trigger admits a new execution of the pipeline, instantiating one pending
// step per template. The in-flight count check and the inserts share one
// transaction, so concurrent triggers cannot push a pipeline past the limit.
func (e *Executor) Trigger(ctx context.Context, pipelineID string) (string, error) {
	def, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return "", err
	}

	execID := uuid.New().String()
	now := time.Now()

	err = e.store.Transaction(ctx, func(tx *store.Tx) error {
		n, err := tx.CountInFlightExecutions(pipelineID)
		if err != nil {
			return err
		}
		if n >= e.limit {
			e.debugLog("[pipeline.Trigger] %s at limit: %d/%d in flight", pipelineID, n, e.limit)
			return ErrConcurrencyLimit
		}

		if err := tx.InsertExecution(&models.PipelineExecution{
			ID:         execID,
			PipelineID: pipelineID,
			OwnerID:    def.OwnerID,
			Status:     models.ExecutionStatusQueued,
			CreatedAt:  now,
		}); err != nil {
			return err
		}

		for _, tmpl := range def.Steps {
			if err := tx.InsertStep(&models.PipelineStep{
				ID:          uuid.New().String(),
				ExecutionID: execID,
				Name:        tmpl.Name,
				Order:       tmpl.Order,
				DependsOn:   tmpl.DependsOn,
				TaskType:    tmpl.TaskType,
				Prompt:      tmpl.Prompt,
				Status:      models.StepStatusPending,
				MaxRetries:  tmpl.MaxRetries,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	e.debugLog("[pipeline.Trigger] admitted execution %s of pipeline %s", execID, pipelineID)
	return execID, nil
}

// Start moves a queued execution to running.
func (e *Executor) Start(ctx context.Context, executionID string) error {
	return e.store.TransitionExecution(ctx, executionID,
		models.ExecutionStatusQueued, models.ExecutionStatusRunning, "")
}

// EligibleSteps returns the pending steps of an execution whose dependencies
// have all been satisfied. A dependency is satisfied once the named sibling
// has completed or been skipped.
func (e *Executor) EligibleSteps(ctx context.Context, executionID string) ([]*models.PipelineStep, error) {
	steps, err := e.store.GetSteps(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return eligible(steps), nil
}

func eligible(steps []*models.PipelineStep) []*models.PipelineStep {
	satisfied := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.Status == models.StepStatusCompleted || s.Status == models.StepStatusSkipped {
			satisfied[s.Name] = true
		}
	}

	var out []*models.PipelineStep
	for _, s := range steps {
		if s.Status != models.StepStatusPending {
			continue
		}
		ready := true
		for _, dep := range s.DependsOn {
			if !satisfied[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, s)
		}
	}
	return out
}

// StartStep moves an eligible pending step to running. Steps whose
// dependencies have not all completed are rejected with ErrStepNotEligible;
// the status guard keeps two callers from starting the same step twice.
func (e *Executor) StartStep(ctx context.Context, stepID string) error {
	step, err := e.store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}

	ready, err := e.EligibleSteps(ctx, step.ExecutionID)
	if err != nil {
		return err
	}
	found := false
	for _, s := range ready {
		if s.ID == stepID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("step %q: %w", step.Name, ErrStepNotEligible)
	}

	return e.store.TransitionStep(ctx, stepID,
		models.StepStatusPending, models.StepStatusRunning, "")
}

// CompleteStep records a successful step and re-evaluates the execution:
// when every step has reached a terminal state the execution completes;
// otherwise the pending steps now unblocked are returned for scheduling.
func (e *Executor) CompleteStep(ctx context.Context, stepID string) ([]*models.PipelineStep, error) {
	step, err := e.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}

	err = e.store.TransitionStep(ctx, stepID,
		models.StepStatusRunning, models.StepStatusCompleted, "")
	if err != nil {
		return nil, fmt.Errorf("complete step %q: %w", step.Name, err)
	}

	return e.advance(ctx, step.ExecutionID)
}

// advance inspects an execution after a step transition. All steps terminal
// with none failed or cancelled completes the execution; otherwise the steps
// now unblocked are returned.
func (e *Executor) advance(ctx context.Context, executionID string) ([]*models.PipelineStep, error) {
	steps, err := e.store.GetSteps(ctx, executionID)
	if err != nil {
		return nil, err
	}

	allTerminal := true
	for _, s := range steps {
		if !s.Status.Terminal() {
			allTerminal = false
		}
		if s.Status == models.StepStatusFailed || s.Status == models.StepStatusCancelled {
			// The execution-level transition was handled when the step
			// reached that state; nothing further to schedule.
			return nil, nil
		}
	}

	if allTerminal {
		err := e.store.TransitionExecution(ctx, executionID,
			models.ExecutionStatusRunning, models.ExecutionStatusCompleted, "")
		if err != nil {
			return nil, fmt.Errorf("complete execution %s: %w", executionID, err)
		}
		e.debugLog("[pipeline.advance] execution %s completed", executionID)
		e.recomputeStatsAsync(executionID)
		return nil, nil
	}

	return eligible(steps), nil
}

// FailStep records a step failure. A step with retry budget left returns to
// pending for another attempt; an exhausted step stays failed and fails the
// whole execution, cancelling its remaining pending steps. Reports whether
// the step will be retried.
func (e *Executor) FailStep(ctx context.Context, stepID string, errDetails string) (bool, error) {
	step, err := e.store.GetStep(ctx, stepID)
	if err != nil {
		return false, err
	}
	failuresSoFar := step.RetryCount

	err = e.store.TransitionStep(ctx, stepID,
		models.StepStatusRunning, models.StepStatusFailed, errDetails)
	if err != nil {
		return false, fmt.Errorf("fail step %q: %w", step.Name, err)
	}

	if failuresSoFar < step.MaxRetries {
		e.debugLog("[pipeline.FailStep] retrying %q (attempt %d of %d)", step.Name, failuresSoFar+1, step.MaxRetries)
		if err := e.store.ResetStepForRetry(ctx, stepID); err != nil {
			return false, fmt.Errorf("reset step %q: %w", step.Name, err)
		}
		return true, nil
	}

	e.debugLog("[pipeline.FailStep] %q exhausted retries, failing execution %s", step.Name, step.ExecutionID)
	err = e.store.TransitionExecution(ctx, step.ExecutionID,
		models.ExecutionStatusRunning, models.ExecutionStatusFailed,
		fmt.Sprintf("step %q failed: %s", step.Name, errDetails))
	if err != nil {
		return false, fmt.Errorf("fail execution %s: %w", step.ExecutionID, err)
	}

	if err := e.cancelPendingSteps(ctx, step.ExecutionID); err != nil {
		return false, err
	}
	e.recomputeStatsAsync(step.ExecutionID)
	return false, nil
}

// SkipStep marks a pending step skipped. Skipped steps satisfy their
// dependents' depends_on entries the same way completed steps do.
func (e *Executor) SkipStep(ctx context.Context, stepID string) ([]*models.PipelineStep, error) {
	step, err := e.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	err = e.store.TransitionStep(ctx, stepID,
		models.StepStatusPending, models.StepStatusSkipped, "")
	if err != nil {
		return nil, fmt.Errorf("skip step %q: %w", step.Name, err)
	}
	return e.advance(ctx, step.ExecutionID)
}

// Cancel moves a queued or running execution to cancelled and cancels its
// non-terminal steps. In-flight step work discovers the cancellation when
// its result transition fails.
func (e *Executor) Cancel(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}

	err = e.store.TransitionExecution(ctx, executionID,
		exec.Status, models.ExecutionStatusCancelled, "")
	if err != nil {
		return err
	}
	return e.cancelOpenSteps(ctx, executionID)
}

// MarkTimeout expires a running execution. Called by the watchdog; the
// status guard keeps it from racing a concurrent completion.
func (e *Executor) MarkTimeout(ctx context.Context, executionID string) error {
	err := e.store.TransitionExecution(ctx, executionID,
		models.ExecutionStatusRunning, models.ExecutionStatusTimeout,
		"execution exceeded timeout")
	if err != nil {
		return err
	}
	return e.cancelOpenSteps(ctx, executionID)
}

// cancelPendingSteps cancels steps that never started.
func (e *Executor) cancelPendingSteps(ctx context.Context, executionID string) error {
	return e.cancelSteps(ctx, executionID, false)
}

// cancelOpenSteps cancels pending and running steps.
func (e *Executor) cancelOpenSteps(ctx context.Context, executionID string) error {
	return e.cancelSteps(ctx, executionID, true)
}

func (e *Executor) cancelSteps(ctx context.Context, executionID string, includeRunning bool) error {
	steps, err := e.store.GetSteps(ctx, executionID)
	if err != nil {
		return err
	}
	for _, s := range steps {
		switch s.Status {
		case models.StepStatusPending:
		case models.StepStatusRunning:
			if !includeRunning {
				continue
			}
		default:
			continue
		}
		err := e.store.TransitionStep(ctx, s.ID, s.Status, models.StepStatusCancelled, "")
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("cancel step %q: %w", s.Name, err)
		}
	}
	return nil
}

// recomputeStatsAsync refreshes the pipeline's trailing-window statistics in
// the background so terminal transitions never delay admission of new
// executions.
func (e *Executor) recomputeStatsAsync(executionID string) {
	e.statsWG.Add(1)
	go func() {
		defer e.statsWG.Done()
		ctx := context.Background()

		exec, err := e.store.GetExecution(ctx, executionID)
		if err != nil {
			e.debugLog("[pipeline.stats] load execution %s: %v", executionID, err)
			return
		}
		rate, avg, err := e.store.PipelineStatsWindow(ctx, exec.PipelineID, time.Now().Add(-statsWindow))
		if err != nil {
			e.debugLog("[pipeline.stats] window for %s: %v", exec.PipelineID, err)
			return
		}
		if err := e.store.UpdatePipelineStats(ctx, exec.PipelineID, rate, avg); err != nil {
			e.debugLog("[pipeline.stats] update %s: %v", exec.PipelineID, err)
		}
	}()
}

// WaitStats blocks until all background statistics recomputation has
// finished. Used at shutdown.
func (e *Executor) WaitStats() {
	e.statsWG.Wait()
}
