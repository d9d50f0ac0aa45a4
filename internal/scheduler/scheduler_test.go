package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/luminal-dev/conductor/internal/dispatch"
	"github.com/luminal-dev/conductor/internal/store"
	"github.com/luminal-dev/conductor/pkg/models"
)

func setup(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s), s
}

func createAgent(t *testing.T, s *store.Store, id string, maxTasks int, opts ...func(*models.Agent)) {
	t.Helper()
	agent := &models.Agent{
		ID:                 id,
		OwnerID:            "tenant-1",
		Name:               id,
		Type:               "code_review",
		Active:             true,
		MaxConcurrentTasks: maxTasks,
		CreatedAt:          time.Now(),
	}
	for _, opt := range opts {
		opt(agent)
	}
	if err := s.CreateAgent(context.Background(), agent); err != nil {
		t.Fatalf("create agent %s: %v", id, err)
	}
}

func TestEnqueueCapacity(t *testing.T) {
	sched, s := setup(t)
	ctx := context.Background()
	createAgent(t, s, "agent-1", 2)

	if _, err := sched.Enqueue(ctx, "agent-1", EnqueueRequest{Prompt: "one"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := sched.Enqueue(ctx, "agent-1", EnqueueRequest{Prompt: "two"}); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}

	_, err := sched.Enqueue(ctx, "agent-1", EnqueueRequest{Prompt: "three"})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("third enqueue: expected ErrCapacityExceeded, got %v", err)
	}
}

func TestEnqueueAfterTerminalFreesSlot(t *testing.T) {
	sched, s := setup(t)
	ctx := context.Background()
	createAgent(t, s, "agent-1", 1)

	id, err := sched.Enqueue(ctx, "agent-1", EnqueueRequest{Prompt: "one"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := sched.Enqueue(ctx, "agent-1", EnqueueRequest{Prompt: "two"}); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected capacity error, got %v", err)
	}

	// Complete the first task to free the slot.
	stub := &dispatch.StubCollaborator{}
	if _, err := sched.DispatchNext(ctx, "agent-1", stub); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got, err := s.GetAgentTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.AgentTaskCompleted {
		t.Fatalf("task status = %q, want completed", got.Status)
	}

	if _, err := sched.Enqueue(ctx, "agent-1", EnqueueRequest{Prompt: "two"}); err != nil {
		t.Errorf("enqueue after completion should succeed, got %v", err)
	}
}

func TestEnqueueInactiveAgent(t *testing.T) {
	sched, s := setup(t)
	ctx := context.Background()
	createAgent(t, s, "agent-1", 2)

	if err := s.SetAgentActive(ctx, "agent-1", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	_, err := sched.Enqueue(ctx, "agent-1", EnqueueRequest{Prompt: "x"})
	if !errors.Is(err, ErrAgentInactive) {
		t.Errorf("expected ErrAgentInactive, got %v", err)
	}
}

func TestSelectBestAgentRanking(t *testing.T) {
	sched, s := setup(t)
	ctx := context.Background()

	createAgent(t, s, "slow-but-sure", 2, func(a *models.Agent) {
		a.SuccessRate = 0.9
		a.AverageCompletionTime = 10 * time.Minute
		a.Capabilities = []string{"go"}
	})
	createAgent(t, s, "fast-and-sure", 2, func(a *models.Agent) {
		a.SuccessRate = 0.9
		a.AverageCompletionTime = 2 * time.Minute
		a.Capabilities = []string{"go"}
	})
	createAgent(t, s, "flaky", 2, func(a *models.Agent) {
		a.SuccessRate = 0.5
		a.AverageCompletionTime = time.Minute
		a.Capabilities = []string{"go"}
	})

	got, err := sched.SelectBestAgent(ctx, "code_review", []string{"go"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != "fast-and-sure" {
		t.Errorf("selected %q, want fast-and-sure (tie on rate, faster wins)", got)
	}
}

func TestSelectBestAgentFiltersCapability(t *testing.T) {
	sched, s := setup(t)
	ctx := context.Background()

	createAgent(t, s, "agent-1", 2, func(a *models.Agent) {
		a.Capabilities = []string{"go"}
	})

	_, err := sched.SelectBestAgent(ctx, "code_review", []string{"rust"})
	if !errors.Is(err, ErrNoAgentAvailable) {
		t.Errorf("expected ErrNoAgentAvailable, got %v", err)
	}
}

func TestSelectBestAgentSkipsFullAgents(t *testing.T) {
	sched, s := setup(t)
	ctx := context.Background()

	createAgent(t, s, "busy", 1, func(a *models.Agent) { a.SuccessRate = 1.0 })
	createAgent(t, s, "idle", 1, func(a *models.Agent) { a.SuccessRate = 0.2 })

	if _, err := sched.Enqueue(ctx, "busy", EnqueueRequest{Prompt: "x"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := sched.SelectBestAgent(ctx, "code_review", nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != "idle" {
		t.Errorf("selected %q, want idle (busy has no spare capacity)", got)
	}
}

func TestFailRetriesThenTerminal(t *testing.T) {
	sched, s := setup(t)
	ctx := context.Background()
	createAgent(t, s, "agent-1", 1)

	id, err := sched.Enqueue(ctx, "agent-1", EnqueueRequest{Prompt: "x", MaxRetries: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	failing := &dispatch.StubCollaborator{}
	failing.QueueResult(dispatch.Result{Status: dispatch.ResultFailed, Output: "first failure"}, nil)
	failing.QueueResult(dispatch.Result{Status: dispatch.ResultFailed, Output: "second failure"}, nil)

	// First failure: back to the queue.
	if _, err := sched.DispatchNext(ctx, "agent-1", failing); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	task, err := s.GetAgentTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != models.AgentTaskQueued {
		t.Fatalf("status after first failure = %q, want queued", task.Status)
	}
	if task.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", task.RetryCount)
	}

	// Second failure: retry budget spent, terminal.
	if _, err := sched.DispatchNext(ctx, "agent-1", failing); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	task, err = s.GetAgentTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != models.AgentTaskFailed {
		t.Errorf("status after second failure = %q, want failed", task.Status)
	}
	if task.RetryCount > task.MaxRetries {
		t.Errorf("retry_count %d exceeds max_retries %d", task.RetryCount, task.MaxRetries)
	}
}

func TestCompleteUpdatesStats(t *testing.T) {
	sched, s := setup(t)
	ctx := context.Background()
	createAgent(t, s, "agent-1", 1)

	if _, err := sched.Enqueue(ctx, "agent-1", EnqueueRequest{Prompt: "x"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stub := &dispatch.StubCollaborator{}
	stub.QueueResult(dispatch.Result{
		Status:     dispatch.ResultSucceeded,
		Output:     "done",
		TokensUsed: 1200,
		CostCents:  4,
	}, nil)
	if _, err := sched.DispatchNext(ctx, "agent-1", stub); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	agent, err := s.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.SuccessRate != 1.0 {
		t.Errorf("success rate = %v, want 1.0", agent.SuccessRate)
	}
	if agent.LastUsedAt == nil {
		t.Error("last_used_at should be stamped after completion")
	}
}

func TestCancelDiscardsInFlightResult(t *testing.T) {
	sched, s := setup(t)
	ctx := context.Background()
	createAgent(t, s, "agent-1", 1)

	id, err := sched.Enqueue(ctx, "agent-1", EnqueueRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Claim the task, then cancel it while "in flight".
	claimed, err := s.NextQueuedAgentTask(ctx, "agent-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != id {
		t.Fatalf("claimed %q, want %q", claimed.ID, id)
	}
	if err := sched.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Late completion must be rejected by the status guard.
	err = sched.Complete(ctx, id, dispatch.Result{Status: dispatch.ResultSucceeded, Output: "late"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("late completion should be discarded, got %v", err)
	}

	task, err := s.GetAgentTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != models.AgentTaskCancelled {
		t.Errorf("status = %q, want cancelled", task.Status)
	}
	if task.Result != "" {
		t.Errorf("result = %q, want empty after discarded completion", task.Result)
	}
}

func TestDispatchPriorityOrder(t *testing.T) {
	sched, s := setup(t)
	ctx := context.Background()
	createAgent(t, s, "agent-1", 3)

	if _, err := sched.Enqueue(ctx, "agent-1", EnqueueRequest{Prompt: "low", Priority: 1}); err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	if _, err := sched.Enqueue(ctx, "agent-1", EnqueueRequest{Prompt: "high", Priority: 10}); err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	stub := &dispatch.StubCollaborator{}
	if _, err := sched.DispatchNext(ctx, "agent-1", stub); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if len(stub.Requests) != 1 || stub.Requests[0].Prompt != "high" {
		t.Errorf("dispatched %+v, want the high-priority task first", stub.Requests)
	}
}
