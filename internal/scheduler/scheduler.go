// Package scheduler assigns queued work to capacity-limited execution agents.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/luminal-dev/conductor/internal/dispatch"
	"github.com/luminal-dev/conductor/internal/store"
	"github.com/luminal-dev/conductor/pkg/models"
)

// ErrCapacityExceeded indicates the agent's queued plus running tasks
// already equal its max_concurrent_tasks.
var ErrCapacityExceeded = errors.New("agent capacity exceeded")

// ErrNoAgentAvailable indicates no agent matched the requested type,
// capabilities, and spare capacity.
var ErrNoAgentAvailable = errors.New("no agent available")

// ErrAgentInactive indicates the target agent is not accepting work.
var ErrAgentInactive = errors.New("agent is inactive")

// statsWindow is the trailing window for agent success-rate recomputation.
const statsWindow = 30 * 24 * time.Hour

// EnqueueRequest describes a unit of work to hand to an agent.
type EnqueueRequest struct {
	// TaskID optionally links the work back to an orchestration task.
	TaskID string
	// StepID optionally links the work back to a pipeline step.
	StepID string
	// Prompt is the instruction for the execution collaborator.
	Prompt string
	// Priority orders the agent's queue; higher runs first.
	Priority int
	// MaxRetries bounds retries on failure.
	MaxRetries int
}

// Scheduler enqueues agent tasks against capacity limits, picks the best
// agent for a piece of work, and feeds completion results back into agent
// statistics.
type Scheduler struct {
	store *store.Store
	// hook, when set, runs after an agent task reaches a terminal state.
	hook func(ctx context.Context, task *models.AgentTask)
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a Scheduler backed by the given store.
func New(s *store.Store) *Scheduler {
	return &Scheduler{
		store:    s,
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (s *Scheduler) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		s.debugLog = fn
	}
}

// SetPostTransitionHook registers a function invoked synchronously after an
// agent task reaches a terminal state, with the task as stored at that
// point. Used to cascade agent outcomes into pipeline steps and task
// progress without hidden coupling.
func (s *Scheduler) SetPostTransitionHook(fn func(ctx context.Context, task *models.AgentTask)) {
	s.hook = fn
}

// fireHook reloads the task and runs the post-transition hook if one is set.
func (s *Scheduler) fireHook(ctx context.Context, agentTaskID string) {
	if s.hook == nil {
		return
	}
	task, err := s.store.GetAgentTask(ctx, agentTaskID)
	if err != nil {
		s.debugLog("[scheduler.fireHook] reload %s: %v", agentTaskID, err)
		return
	}
	s.hook(ctx, task)
}

// Enqueue adds work to an agent's queue. The capacity check and the insert
// share one transaction, so concurrent callers cannot push an agent past
// max_concurrent_tasks.
func (s *Scheduler) Enqueue(ctx context.Context, agentID string, req EnqueueRequest) (string, error) {
	id := uuid.New().String()

	err := s.store.Transaction(ctx, func(tx *store.Tx) error {
		maxTasks, active, err := tx.GetAgentCapacity(agentID)
		if err != nil {
			return err
		}
		if !active {
			return ErrAgentInactive
		}

		n, err := tx.CountActiveAgentTasks(agentID)
		if err != nil {
			return err
		}
		if n >= maxTasks {
			s.debugLog("[scheduler.Enqueue] agent %s full: %d/%d", agentID, n, maxTasks)
			return ErrCapacityExceeded
		}

		return tx.InsertAgentTask(&models.AgentTask{
			ID:         id,
			AgentID:    agentID,
			TaskID:     req.TaskID,
			StepID:     req.StepID,
			Status:     models.AgentTaskQueued,
			Priority:   req.Priority,
			Prompt:     req.Prompt,
			MaxRetries: req.MaxRetries,
			CreatedAt:  time.Now(),
		})
	})
	if err != nil {
		return "", err
	}

	s.debugLog("[scheduler.Enqueue] queued agent task %s for agent %s", id, agentID)
	return id, nil
}

// SelectBestAgent picks the agent to handle work of the given type. Agents
// must be active, hold every required capability, and have spare capacity.
// Ranking is success rate descending, tie-broken by average completion time
// ascending.
func (s *Scheduler) SelectBestAgent(ctx context.Context, taskType string, requiredCapabilities []string) (string, error) {
	agents, err := s.store.ListAgentsByType(ctx, taskType)
	if err != nil {
		return "", err
	}

	var candidates []*models.Agent
	for _, a := range agents {
		qualified := true
		for _, cap := range requiredCapabilities {
			if !a.HasCapability(cap) {
				qualified = false
				break
			}
		}
		if !qualified {
			continue
		}

		n, err := s.store.CountActiveAgentTasks(ctx, a.ID)
		if err != nil {
			return "", err
		}
		if n >= a.MaxConcurrentTasks {
			s.debugLog("[scheduler.SelectBestAgent] %s skipped: %d/%d slots used", a.ID, n, a.MaxConcurrentTasks)
			continue
		}
		candidates = append(candidates, a)
	}

	if len(candidates) == 0 {
		return "", ErrNoAgentAvailable
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].SuccessRate != candidates[j].SuccessRate {
			return candidates[i].SuccessRate > candidates[j].SuccessRate
		}
		return candidates[i].AverageCompletionTime < candidates[j].AverageCompletionTime
	})

	return candidates[0].ID, nil
}

// Complete records a successful result for a running agent task and
// recomputes the agent's statistics. A task that already left the running
// state (cancelled, timed out) rejects the result.
func (s *Scheduler) Complete(ctx context.Context, agentTaskID string, result dispatch.Result) error {
	task, err := s.store.GetAgentTask(ctx, agentTaskID)
	if err != nil {
		return err
	}

	err = s.store.TransitionAgentTask(ctx, agentTaskID,
		models.AgentTaskRunning, models.AgentTaskCompleted,
		result.Output, "", result.TokensUsed, result.CostCents)
	if err != nil {
		return fmt.Errorf("complete agent task %s: %w", agentTaskID, err)
	}

	if err := s.recomputeStats(ctx, task.AgentID); err != nil {
		return err
	}
	s.fireHook(ctx, agentTaskID)
	return nil
}

// Fail records a failure for a running agent task. Tasks with retry budget
// left return to the queue; exhausted tasks stay failed. Either way the
// retry count advances atomically with the failure transition.
func (s *Scheduler) Fail(ctx context.Context, agentTaskID string, errDetails string) error {
	task, err := s.store.GetAgentTask(ctx, agentTaskID)
	if err != nil {
		return err
	}
	failuresSoFar := task.RetryCount

	err = s.store.TransitionAgentTask(ctx, agentTaskID,
		models.AgentTaskRunning, models.AgentTaskFailed,
		"", errDetails, 0, 0)
	if err != nil {
		return fmt.Errorf("fail agent task %s: %w", agentTaskID, err)
	}

	if failuresSoFar < task.MaxRetries {
		s.debugLog("[scheduler.Fail] requeueing %s (attempt %d of %d)", agentTaskID, failuresSoFar+1, task.MaxRetries)
		if err := s.store.RequeueAgentTask(ctx, agentTaskID); err != nil {
			return fmt.Errorf("requeue agent task %s: %w", agentTaskID, err)
		}
		return nil
	}

	s.debugLog("[scheduler.Fail] %s exhausted retries, terminal", agentTaskID)
	if err := s.recomputeStats(ctx, task.AgentID); err != nil {
		return err
	}
	s.fireHook(ctx, agentTaskID)
	return nil
}

// Cancel marks a queued or running agent task cancelled. In-flight external
// work discovers the cancellation when its result transition fails.
func (s *Scheduler) Cancel(ctx context.Context, agentTaskID string) error {
	task, err := s.store.GetAgentTask(ctx, agentTaskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}
	err = s.store.TransitionAgentTask(ctx, agentTaskID,
		task.Status, models.AgentTaskCancelled, "", "", 0, 0)
	if err != nil {
		return err
	}
	s.fireHook(ctx, agentTaskID)
	return nil
}

// MarkTimeout expires a running agent task. Called by the watchdog; the
// status guard keeps it from racing a concurrent completion.
func (s *Scheduler) MarkTimeout(ctx context.Context, agentTaskID string) error {
	err := s.store.TransitionAgentTask(ctx, agentTaskID,
		models.AgentTaskRunning, models.AgentTaskTimeout,
		"", "execution exceeded timeout", 0, 0)
	if err != nil {
		return err
	}

	task, err := s.store.GetAgentTask(ctx, agentTaskID)
	if err != nil {
		return err
	}
	if err := s.recomputeStats(ctx, task.AgentID); err != nil {
		return err
	}
	s.fireHook(ctx, agentTaskID)
	return nil
}

// recomputeStats refreshes the agent's trailing-window success rate and
// average completion time, and stamps last_used_at.
func (s *Scheduler) recomputeStats(ctx context.Context, agentID string) error {
	rate, avg, err := s.store.AgentStatsWindow(ctx, agentID, time.Now().Add(-statsWindow))
	if err != nil {
		return err
	}
	return s.store.UpdateAgentStats(ctx, agentID, rate, avg)
}
