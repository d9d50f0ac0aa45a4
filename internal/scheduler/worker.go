package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/luminal-dev/conductor/internal/dispatch"
	"github.com/luminal-dev/conductor/internal/store"
)

// DispatchNext claims the agent's highest-priority queued task, runs it
// through the collaborator, and feeds the outcome back. The collaborator
// call happens outside any store transaction; its result is applied with a
// guarded transition, so a task cancelled mid-flight simply discards the
// result. Returns false when the agent's queue is empty.
func (s *Scheduler) DispatchNext(ctx context.Context, agentID string, collab dispatch.Collaborator) (bool, error) {
	task, err := s.store.NextQueuedAgentTask(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	s.debugLog("[scheduler.DispatchNext] agent %s running task %s", agentID, task.ID)

	result, execErr := collab.Execute(ctx, dispatch.Request{
		Prompt:   task.Prompt,
		TaskType: agentTaskType(task.TaskID, task.StepID),
	})

	var applyErr error
	if execErr != nil || result.Status != dispatch.ResultSucceeded {
		detail := result.Output
		if execErr != nil {
			detail = execErr.Error()
		}
		applyErr = s.Fail(ctx, task.ID, detail)
	} else {
		applyErr = s.Complete(ctx, task.ID, result)
	}

	if applyErr != nil {
		if errors.Is(applyErr, store.ErrNotFound) {
			// The task left the running state while the collaborator was
			// working (cancelled or timed out); discard the result.
			s.debugLog("[scheduler.DispatchNext] task %s no longer running, result discarded", task.ID)
			return true, nil
		}
		return true, applyErr
	}
	return true, nil
}

// RunWorker drains an agent's queue until the context is cancelled,
// sleeping for the poll interval when the queue is empty.
func (s *Scheduler) RunWorker(ctx context.Context, agentID string, collab dispatch.Collaborator, poll time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		worked, err := s.DispatchNext(ctx, agentID, collab)
		if err != nil {
			s.debugLog("[scheduler.RunWorker] agent %s dispatch error: %v", agentID, err)
		}
		if worked {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

func agentTaskType(taskID, stepID string) string {
	if stepID != "" {
		return "pipeline_step"
	}
	if taskID != "" {
		return "task"
	}
	return "ad_hoc"
}
