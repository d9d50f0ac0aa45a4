package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luminal-dev/conductor/internal/dispatch"
	"github.com/luminal-dev/conductor/internal/graph"
	"github.com/luminal-dev/conductor/internal/hierarchy"
	"github.com/luminal-dev/conductor/internal/ingest"
	"github.com/luminal-dev/conductor/internal/notify"
	"github.com/luminal-dev/conductor/internal/pipeline"
	"github.com/luminal-dev/conductor/internal/ratelimit"
	"github.com/luminal-dev/conductor/internal/scheduler"
	"github.com/luminal-dev/conductor/internal/store"
	"github.com/luminal-dev/conductor/pkg/models"
)

// Options tunes the engine's loops and limits. Zero values fall back to
// defaults.
type Options struct {
	// RateLimit is the per-key request budget per window.
	RateLimit int
	// RateWindow is the fixed rate-limit window.
	RateWindow time.Duration
	// InFlightLimit bounds concurrent executions per pipeline.
	InFlightLimit int
	// ExecutionTimeout is how long an execution may run before the
	// watchdog expires it.
	ExecutionTimeout time.Duration
	// AgentTaskTimeout is how long an agent task may run before the
	// watchdog expires it.
	AgentTaskTimeout time.Duration
	// WatchdogInterval is how often the watchdog scans for stale work.
	WatchdogInterval time.Duration
	// SweepInterval is how often due event retries are re-submitted.
	SweepInterval time.Duration
	// WorkerPoll is how long idle agent workers sleep between queue checks.
	WorkerPoll time.Duration
	// EventBuffer sizes the engine event channel.
	EventBuffer int
	// DataDir hosts the control-signal directory. Empty disables signals.
	DataDir string
}

func (o *Options) fillDefaults() {
	if o.RateLimit <= 0 {
		o.RateLimit = 60
	}
	if o.RateWindow <= 0 {
		o.RateWindow = time.Minute
	}
	if o.ExecutionTimeout <= 0 {
		o.ExecutionTimeout = 30 * time.Minute
	}
	if o.AgentTaskTimeout <= 0 {
		o.AgentTaskTimeout = 15 * time.Minute
	}
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.WorkerPoll <= 0 {
		o.WorkerPoll = 2 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
}

// Engine owns the orchestration components and the background loops that
// drive them: agent workers, the retry sweeper, and the timeout watchdog.
type Engine struct {
	store     *store.Store
	Hierarchy *hierarchy.Manager
	Graph     *graph.Graph
	Pipelines *pipeline.Executor
	Scheduler *scheduler.Scheduler
	Ingest    *ingest.Pipeline
	Limiter   *ratelimit.Limiter

	collab   dispatch.Collaborator
	notifier *notify.Recorder
	emitter  *EventEmitter
	signals  *SignalManager

	opts Options
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New assembles an Engine over the given store and execution collaborator.
func New(s *store.Store, collab dispatch.Collaborator, opts Options) (*Engine, error) {
	opts.fillDefaults()

	limiter := ratelimit.New(opts.RateLimit, opts.RateWindow)
	exec := pipeline.New(s)
	if opts.InFlightLimit > 0 {
		exec.SetInFlightLimit(opts.InFlightLimit)
	}

	e := &Engine{
		store:     s,
		Hierarchy: hierarchy.New(s),
		Graph:     graph.New(s),
		Pipelines: exec,
		Scheduler: scheduler.New(s),
		Ingest:    ingest.New(s, limiter),
		Limiter:   limiter,
		collab:    collab,
		notifier:  notify.NewRecorder(s, ""),
		emitter:   NewEventEmitter(opts.EventBuffer),
		opts:      opts,
		debugLog:  func(format string, args ...interface{}) {},
	}
	e.Scheduler.SetPostTransitionHook(e.onAgentTaskDone)

	if opts.DataDir != "" {
		signals, err := NewSignalManager(opts.DataDir)
		if err != nil {
			return nil, fmt.Errorf("init signal manager: %w", err)
		}
		e.signals = signals
	}
	return e, nil
}

// SetDebugLog sets the debug logging function on the engine and its
// components.
func (e *Engine) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn == nil {
		return
	}
	e.debugLog = fn
	e.Hierarchy.SetDebugLog(fn)
	e.Graph.SetDebugLog(fn)
	e.Pipelines.SetDebugLog(fn)
	e.Scheduler.SetDebugLog(fn)
	e.Ingest.SetDebugLog(fn)
}

// Events returns the engine's event channel for subscribers.
func (e *Engine) Events() <-chan Event {
	return e.emitter.Events()
}

// Signals returns the control-signal manager, or nil if signals are disabled.
func (e *Engine) Signals() *SignalManager {
	return e.signals
}

// TriggerPipeline admits and starts a new execution, then dispatches its
// initially eligible steps.
func (e *Engine) TriggerPipeline(ctx context.Context, pipelineID string) (string, error) {
	execID, err := e.Pipelines.Trigger(ctx, pipelineID)
	if err != nil {
		return "", err
	}
	e.emitter.Emit(Event{Type: EventPipelineTriggered, PipelineID: pipelineID, ExecutionID: execID})

	if err := e.Pipelines.Start(ctx, execID); err != nil {
		return execID, err
	}
	e.emitter.Emit(Event{Type: EventExecutionStarted, PipelineID: pipelineID, ExecutionID: execID})

	return execID, e.AdvanceExecution(ctx, execID)
}

// AdvanceExecution starts every currently eligible step of the execution.
// Agent-backed steps are enqueued with the best matching agent; steps with
// no task type are pure checkpoints and complete immediately, which can
// unblock further steps in the same pass.
func (e *Engine) AdvanceExecution(ctx context.Context, executionID string) error {
	for {
		ready, err := e.Pipelines.EligibleSteps(ctx, executionID)
		if err != nil {
			return err
		}
		progressed := false

		for _, step := range ready {
			if err := e.Pipelines.StartStep(ctx, step.ID); err != nil {
				if errors.Is(err, store.ErrNotFound) || errors.Is(err, pipeline.ErrStepNotEligible) {
					// Another worker got there first.
					continue
				}
				return err
			}
			e.emitter.Emit(Event{Type: EventStepStarted, ExecutionID: executionID, StepName: step.Name})

			if step.TaskType == "" {
				if _, err := e.Pipelines.CompleteStep(ctx, step.ID); err != nil {
					return err
				}
				e.emitter.Emit(Event{Type: EventStepCompleted, ExecutionID: executionID, StepName: step.Name})
				progressed = true
				continue
			}

			if err := e.enqueueStep(ctx, executionID, step); err != nil {
				return err
			}
		}

		if !progressed {
			break
		}
		// Checkpoint completions may have unblocked more steps.
	}

	return e.finishIfComplete(ctx, executionID)
}

// enqueueStep hands an agent-backed step to the best available agent. Step
// retries are owned by the pipeline executor, so the agent task itself gets
// no retry budget.
func (e *Engine) enqueueStep(ctx context.Context, executionID string, step *models.PipelineStep) error {
	agentID, err := e.Scheduler.SelectBestAgent(ctx, step.TaskType, nil)
	if err != nil {
		if errors.Is(err, scheduler.ErrNoAgentAvailable) {
			// Fail the attempt so the step's own retry budget governs
			// whether it waits for an agent or gives up.
			e.debugLog("[engine.enqueueStep] no agent for %q step %q", step.TaskType, step.Name)
			return e.failStep(ctx, step, "no agent available for task type "+step.TaskType)
		}
		return err
	}

	_, err = e.Scheduler.Enqueue(ctx, agentID, scheduler.EnqueueRequest{
		StepID: step.ID,
		Prompt: step.Prompt,
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrCapacityExceeded) {
			return e.failStep(ctx, step, "agent "+agentID+" at capacity")
		}
		return err
	}

	e.emitter.Emit(Event{Type: EventAgentTaskQueued, ExecutionID: executionID, StepName: step.Name, AgentID: agentID})
	return nil
}

// onAgentTaskDone is the scheduler's post-transition hook. Agent outcomes
// cascade here: into the pipeline step that spawned the work, and into the
// orchestration task's status and its ancestors' progress.
func (e *Engine) onAgentTaskDone(ctx context.Context, task *models.AgentTask) {
	e.emitter.Emit(Event{Type: EventAgentTaskDone, AgentID: task.AgentID, TaskID: task.TaskID,
		Message: string(task.Status)})

	if task.StepID != "" {
		if err := e.applyStepResult(ctx, task); err != nil {
			e.debugLog("[engine.onAgentTaskDone] step result for %s: %v", task.StepID, err)
		}
	}
	if task.TaskID != "" {
		if err := e.applyTaskResult(ctx, task); err != nil {
			e.debugLog("[engine.onAgentTaskDone] task result for %s: %v", task.TaskID, err)
		}
	}
}

// applyStepResult maps a terminal agent task onto its pipeline step.
func (e *Engine) applyStepResult(ctx context.Context, task *models.AgentTask) error {
	step, err := e.store.GetStep(ctx, task.StepID)
	if err != nil {
		return err
	}

	if task.Status == models.AgentTaskCompleted {
		if _, err := e.Pipelines.CompleteStep(ctx, step.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Step was cancelled while the agent worked; discard.
				return nil
			}
			return err
		}
		e.emitter.Emit(Event{Type: EventStepCompleted, ExecutionID: step.ExecutionID, StepName: step.Name})
		if err := e.AdvanceExecution(ctx, step.ExecutionID); err != nil {
			return err
		}
		return nil
	}

	detail := task.ErrorDetails
	if detail == "" {
		detail = "agent task " + string(task.Status)
	}
	return e.failStep(ctx, step, detail)
}

// failStep records a step failure and either re-dispatches the retry or
// surfaces the failed execution.
func (e *Engine) failStep(ctx context.Context, step *models.PipelineStep, detail string) error {
	retrying, err := e.Pipelines.FailStep(ctx, step.ID, detail)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	e.emitter.Emit(Event{Type: EventStepFailed, ExecutionID: step.ExecutionID, StepName: step.Name,
		Message: detail})

	if retrying {
		return e.AdvanceExecution(ctx, step.ExecutionID)
	}

	exec, err := e.store.GetExecution(ctx, step.ExecutionID)
	if err != nil {
		return err
	}
	e.emitter.Emit(Event{Type: EventExecutionFailed, PipelineID: exec.PipelineID,
		ExecutionID: exec.ID, Message: exec.ErrorDetails})
	return e.notifier.PipelineFailed(ctx, exec.PipelineID, exec.ID, exec.ErrorDetails)
}

// applyTaskResult maps a terminal agent task onto its orchestration task
// and propagates progress up the hierarchy.
func (e *Engine) applyTaskResult(ctx context.Context, task *models.AgentTask) error {
	switch task.Status {
	case models.AgentTaskCompleted:
		if err := e.store.UpdateTaskStatus(ctx, task.TaskID, models.TaskStatusDone, ""); err != nil {
			return err
		}
		if err := e.store.UpdateTaskProgress(ctx, task.TaskID, 100); err != nil {
			return err
		}
	case models.AgentTaskFailed, models.AgentTaskTimeout:
		reason := task.ErrorDetails
		if reason == "" {
			reason = "agent task " + string(task.Status)
		}
		if err := e.store.UpdateTaskStatus(ctx, task.TaskID, models.TaskStatusBlocked, reason); err != nil {
			return err
		}
	default:
		return nil
	}
	return e.Hierarchy.PropagateProgress(ctx, task.TaskID)
}

// finishIfComplete emits the completion event once an execution's last step
// lands. The executor performs the actual terminal transition.
func (e *Engine) finishIfComplete(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status == models.ExecutionStatusCompleted {
		e.emitter.Emit(Event{Type: EventExecutionCompleted, PipelineID: exec.PipelineID, ExecutionID: exec.ID})
	}
	return nil
}

// EnableWebhookSource registers the pipeline-trigger handler for a source.
// Inbound events from that source trigger every pipeline whose trigger
// matches the source and, when set, the event type.
func (e *Engine) EnableWebhookSource(source string) {
	e.Ingest.RegisterHandler(source, e.triggerFromEvent)
}

// triggerFromEvent is the ingest handler behind EnableWebhookSource. A
// pipeline at its concurrency limit fails the attempt so the event retries
// with backoff instead of dropping the trigger.
func (e *Engine) triggerFromEvent(ctx context.Context, event *models.WebhookEvent) error {
	e.emitter.Emit(Event{Type: EventWebhookReceived, WebhookEventID: event.ID, Message: event.Source})

	pipelines, err := e.store.ListPipelinesByTrigger(ctx, event.Source)
	if err != nil {
		return err
	}

	for _, p := range pipelines {
		if p.Trigger.EventType != "" && p.Trigger.EventType != event.EventType {
			continue
		}
		if _, err := e.TriggerPipeline(ctx, p.ID); err != nil {
			return fmt.Errorf("trigger pipeline %s: %w", p.ID, err)
		}
	}
	return nil
}

// Watchdog expires executions and agent tasks that have been running past
// their timeout ceiling. Returns how many entities were expired.
func (e *Engine) Watchdog(ctx context.Context) (int, error) {
	expired := 0
	now := time.Now()

	stale, err := e.store.ListStaleExecutions(ctx, now.Add(-e.opts.ExecutionTimeout))
	if err != nil {
		return 0, err
	}
	for _, exec := range stale {
		if err := e.Pipelines.MarkTimeout(ctx, exec.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue // completed concurrently
			}
			return expired, err
		}
		expired++
		e.emitter.Emit(Event{Type: EventExecutionTimedOut, PipelineID: exec.PipelineID, ExecutionID: exec.ID})
	}

	staleTasks, err := e.store.ListStaleAgentTasks(ctx, now.Add(-e.opts.AgentTaskTimeout))
	if err != nil {
		return expired, err
	}
	for _, task := range staleTasks {
		if err := e.Scheduler.MarkTimeout(ctx, task.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// statsWindow is the trailing window batch stats recomputation covers.
const statsWindow = 30 * 24 * time.Hour

// RecomputeStats refreshes the rolling success rate and average duration of
// every pipeline and agent from the trailing window. The per-transition
// recomputes keep stats current as work finishes; this batch path repairs
// drift, such as completed work aging out of the window. Returns how many
// entities were refreshed.
func (e *Engine) RecomputeStats(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-statsWindow)
	refreshed := 0

	pipelineIDs, err := e.store.ListPipelineIDs(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range pipelineIDs {
		rate, avg, err := e.store.PipelineStatsWindow(ctx, id, cutoff)
		if err != nil {
			return refreshed, err
		}
		if err := e.store.UpdatePipelineStats(ctx, id, rate, avg); err != nil {
			return refreshed, err
		}
		refreshed++
	}

	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return refreshed, err
	}
	for _, agent := range agents {
		rate, avg, err := e.store.AgentStatsWindow(ctx, agent.ID, cutoff)
		if err != nil {
			return refreshed, err
		}
		if err := e.store.RefreshAgentStats(ctx, agent.ID, rate, avg); err != nil {
			return refreshed, err
		}
		refreshed++
	}

	e.debugLog("[engine.RecomputeStats] refreshed %d entities", refreshed)
	return refreshed, nil
}

// Run drives the engine's background loops until the context is cancelled
// or a kill signal arrives: the event retry sweeper, the timeout watchdog,
// and one dispatch worker per active agent.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.Ingest.RunSweeper(ctx, e.opts.SweepInterval)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.opts.WatchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := e.Watchdog(ctx); err != nil {
					e.debugLog("[engine.Run] watchdog: %v", err)
				} else if n > 0 {
					e.debugLog("[engine.Run] watchdog expired %d entities", n)
				}
			}
		}
	}()

	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		cancel()
		wg.Wait()
		return err
	}
	for _, a := range agents {
		if !a.Active {
			continue
		}
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			e.runAgentWorker(ctx, agentID)
		}(a.ID)
	}

	// Poll for the kill signal; pause is observed by the workers.
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			e.Pipelines.WaitStats()
			return ctx.Err()
		case <-time.After(time.Second):
			if e.signals != nil && e.signals.ShouldStop() {
				e.debugLog("[engine.Run] kill signal received")
				cancel()
				wg.Wait()
				e.Pipelines.WaitStats()
				return nil
			}
		}
	}
}

// runAgentWorker drains one agent's queue, honoring the pause signal.
func (e *Engine) runAgentWorker(ctx context.Context, agentID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if e.signals != nil && e.signals.ShouldPause() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.opts.WorkerPoll):
			}
			continue
		}

		worked, err := e.Scheduler.DispatchNext(ctx, agentID, e.collab)
		if err != nil {
			e.debugLog("[engine.runAgentWorker] agent %s: %v", agentID, err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.opts.WorkerPoll):
		}
	}
}

// Close releases engine resources. The store is owned by the caller.
func (e *Engine) Close() {
	if e.signals != nil {
		e.signals.Close()
	}
	e.emitter.Close()
}
