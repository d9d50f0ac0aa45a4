package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/luminal-dev/conductor/internal/store"
	"github.com/luminal-dev/conductor/pkg/models"
)

func setup(t *testing.T) (*Executor, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s), s
}

func buildTestDeploy() *models.PipelineDefinition {
	return &models.PipelineDefinition{
		Name: "release",
		Steps: []models.StepTemplate{
			{Name: "build", Order: 1, MaxRetries: 1},
			{Name: "test", Order: 2, MaxRetries: 1},
			{Name: "deploy", Order: 3, DependsOn: []string{"build", "test"}},
		},
		Trigger: models.TriggerConfig{Manual: true},
	}
}

func register(t *testing.T, e *Executor, def *models.PipelineDefinition) string {
	t.Helper()
	id, err := e.Register(context.Background(), "tenant-1", def)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return id
}

func stepByName(t *testing.T, s *store.Store, execID, name string) *models.PipelineStep {
	t.Helper()
	steps, err := s.GetSteps(context.Background(), execID)
	if err != nil {
		t.Fatalf("get steps: %v", err)
	}
	for _, st := range steps {
		if st.Name == name {
			return st
		}
	}
	t.Fatalf("step %q not found in execution %s", name, execID)
	return nil
}

func names(steps []*models.PipelineStep) []string {
	var out []string
	for _, s := range steps {
		out = append(out, s.Name)
	}
	return out
}

func TestTriggerInstantiatesSteps(t *testing.T) {
	e, s := setup(t)
	ctx := context.Background()
	pid := register(t, e, buildTestDeploy())

	execID, err := e.Trigger(ctx, pid)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	exec, err := s.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != models.ExecutionStatusQueued {
		t.Errorf("execution status = %q, want queued", exec.Status)
	}

	steps, err := s.GetSteps(ctx, execID)
	if err != nil {
		t.Fatalf("get steps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(steps))
	}
	for _, st := range steps {
		if st.Status != models.StepStatusPending {
			t.Errorf("step %q status = %q, want pending", st.Name, st.Status)
		}
	}
}

func TestTriggerConcurrencyLimit(t *testing.T) {
	e, _ := setup(t)
	ctx := context.Background()
	pid := register(t, e, buildTestDeploy())

	for i := 0; i < 3; i++ {
		if _, err := e.Trigger(ctx, pid); err != nil {
			t.Fatalf("trigger %d: %v", i+1, err)
		}
	}

	_, err := e.Trigger(ctx, pid)
	if !errors.Is(err, ErrConcurrencyLimit) {
		t.Fatalf("fourth trigger: expected ErrConcurrencyLimit, got %v", err)
	}
}

func TestTriggerAfterTerminalFreesSlot(t *testing.T) {
	e, s := setup(t)
	ctx := context.Background()
	pid := register(t, e, buildTestDeploy())

	var execs []string
	for i := 0; i < 3; i++ {
		id, err := e.Trigger(ctx, pid)
		if err != nil {
			t.Fatalf("trigger %d: %v", i+1, err)
		}
		execs = append(execs, id)
	}

	if err := e.Cancel(ctx, execs[0]); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := e.Trigger(ctx, pid); err != nil {
		t.Errorf("trigger after cancellation should succeed, got %v", err)
	}

	exec, err := s.GetExecution(ctx, execs[0])
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != models.ExecutionStatusCancelled {
		t.Errorf("status = %q, want cancelled", exec.Status)
	}
}

func TestStepEligibility(t *testing.T) {
	e, s := setup(t)
	ctx := context.Background()
	pid := register(t, e, buildTestDeploy())

	execID, err := e.Trigger(ctx, pid)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := e.Start(ctx, execID); err != nil {
		t.Fatalf("start: %v", err)
	}

	ready, err := e.EligibleSteps(ctx, execID)
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("initially eligible = %v, want [build test]", names(ready))
	}

	// deploy must not be startable before build and test complete.
	deploy := stepByName(t, s, execID, "deploy")
	if err := e.StartStep(ctx, deploy.ID); !errors.Is(err, ErrStepNotEligible) {
		t.Fatalf("starting deploy early: expected ErrStepNotEligible, got %v", err)
	}

	build := stepByName(t, s, execID, "build")
	if err := e.StartStep(ctx, build.ID); err != nil {
		t.Fatalf("start build: %v", err)
	}
	unblocked, err := e.CompleteStep(ctx, build.ID)
	if err != nil {
		t.Fatalf("complete build: %v", err)
	}
	for _, st := range unblocked {
		if st.Name == "deploy" {
			t.Fatal("deploy unblocked with test still pending")
		}
	}

	test := stepByName(t, s, execID, "test")
	if err := e.StartStep(ctx, test.ID); err != nil {
		t.Fatalf("start test: %v", err)
	}
	unblocked, err = e.CompleteStep(ctx, test.ID)
	if err != nil {
		t.Fatalf("complete test: %v", err)
	}
	if len(unblocked) != 1 || unblocked[0].Name != "deploy" {
		t.Fatalf("after build+test, unblocked = %v, want [deploy]", names(unblocked))
	}
}

func TestExecutionCompletesWhenAllStepsDo(t *testing.T) {
	e, s := setup(t)
	ctx := context.Background()
	pid := register(t, e, buildTestDeploy())

	execID, err := e.Trigger(ctx, pid)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := e.Start(ctx, execID); err != nil {
		t.Fatalf("start: %v", err)
	}

	for _, name := range []string{"build", "test", "deploy"} {
		st := stepByName(t, s, execID, name)
		if err := e.StartStep(ctx, st.ID); err != nil {
			t.Fatalf("start %s: %v", name, err)
		}
		if _, err := e.CompleteStep(ctx, st.ID); err != nil {
			t.Fatalf("complete %s: %v", name, err)
		}
	}
	e.WaitStats()

	exec, err := s.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != models.ExecutionStatusCompleted {
		t.Errorf("execution status = %q, want completed", exec.Status)
	}
	if exec.CompletedAt == nil || exec.StartedAt == nil {
		t.Fatal("terminal execution should have both timestamps")
	}
	if exec.CompletedAt.Before(*exec.StartedAt) {
		t.Error("completed_at precedes started_at")
	}

	def, err := s.GetPipeline(ctx, pid)
	if err != nil {
		t.Fatalf("get pipeline: %v", err)
	}
	if def.SuccessRate != 1.0 {
		t.Errorf("success rate = %v, want 1.0", def.SuccessRate)
	}
}

func TestFailStepRetriesThenFailsExecution(t *testing.T) {
	e, s := setup(t)
	ctx := context.Background()
	pid := register(t, e, buildTestDeploy())

	execID, err := e.Trigger(ctx, pid)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := e.Start(ctx, execID); err != nil {
		t.Fatalf("start: %v", err)
	}

	build := stepByName(t, s, execID, "build")
	if err := e.StartStep(ctx, build.ID); err != nil {
		t.Fatalf("start build: %v", err)
	}

	// First failure: retry budget of 1 sends the step back to pending.
	retrying, err := e.FailStep(ctx, build.ID, "compiler error")
	if err != nil {
		t.Fatalf("first failure: %v", err)
	}
	if !retrying {
		t.Fatal("first failure should retry")
	}
	build = stepByName(t, s, execID, "build")
	if build.Status != models.StepStatusPending {
		t.Fatalf("step status = %q, want pending after retry reset", build.Status)
	}
	if build.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", build.RetryCount)
	}
	if build.StartedAt != nil {
		t.Error("retry reset should clear started_at")
	}

	// Second failure: budget spent, execution fails.
	if err := e.StartStep(ctx, build.ID); err != nil {
		t.Fatalf("restart build: %v", err)
	}
	retrying, err = e.FailStep(ctx, build.ID, "compiler error again")
	if err != nil {
		t.Fatalf("second failure: %v", err)
	}
	if retrying {
		t.Fatal("second failure should be terminal")
	}
	e.WaitStats()

	exec, err := s.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != models.ExecutionStatusFailed {
		t.Errorf("execution status = %q, want failed", exec.Status)
	}
	deploy := stepByName(t, s, execID, "deploy")
	if deploy.Status != models.StepStatusCancelled {
		t.Errorf("deploy status = %q, want cancelled alongside failed execution", deploy.Status)
	}

	build = stepByName(t, s, execID, "build")
	if build.RetryCount > build.MaxRetries {
		t.Errorf("retry_count %d exceeds max_retries %d", build.RetryCount, build.MaxRetries)
	}
}

func TestSkippedStepSatisfiesDependents(t *testing.T) {
	e, s := setup(t)
	ctx := context.Background()
	pid := register(t, e, buildTestDeploy())

	execID, err := e.Trigger(ctx, pid)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := e.Start(ctx, execID); err != nil {
		t.Fatalf("start: %v", err)
	}

	build := stepByName(t, s, execID, "build")
	if err := e.StartStep(ctx, build.ID); err != nil {
		t.Fatalf("start build: %v", err)
	}
	if _, err := e.CompleteStep(ctx, build.ID); err != nil {
		t.Fatalf("complete build: %v", err)
	}

	test := stepByName(t, s, execID, "test")
	unblocked, err := e.SkipStep(ctx, test.ID)
	if err != nil {
		t.Fatalf("skip test: %v", err)
	}
	if len(unblocked) != 1 || unblocked[0].Name != "deploy" {
		t.Fatalf("after skip, unblocked = %v, want [deploy]", names(unblocked))
	}
}

func TestMarkTimeout(t *testing.T) {
	e, s := setup(t)
	ctx := context.Background()
	pid := register(t, e, buildTestDeploy())

	execID, err := e.Trigger(ctx, pid)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := e.Start(ctx, execID); err != nil {
		t.Fatalf("start: %v", err)
	}
	build := stepByName(t, s, execID, "build")
	if err := e.StartStep(ctx, build.ID); err != nil {
		t.Fatalf("start build: %v", err)
	}

	if err := e.MarkTimeout(ctx, execID); err != nil {
		t.Fatalf("timeout: %v", err)
	}

	exec, err := s.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != models.ExecutionStatusTimeout {
		t.Errorf("status = %q, want timeout", exec.Status)
	}
	build = stepByName(t, s, execID, "build")
	if build.Status != models.StepStatusCancelled {
		t.Errorf("running step status = %q, want cancelled on timeout", build.Status)
	}

	// A second timeout loses the guard and reports not found.
	if err := e.MarkTimeout(ctx, execID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("repeat timeout: expected ErrNotFound, got %v", err)
	}
}
