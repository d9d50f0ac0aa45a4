package models

import "time"

// AgentTaskStatus represents the current state of an agent task.
type AgentTaskStatus string

const (
	// AgentTaskQueued indicates the task is waiting for the agent to pick it up.
	AgentTaskQueued AgentTaskStatus = "queued"
	// AgentTaskRunning indicates the agent is working on the task.
	AgentTaskRunning AgentTaskStatus = "running"
	// AgentTaskCompleted indicates the task finished successfully.
	AgentTaskCompleted AgentTaskStatus = "completed"
	// AgentTaskFailed indicates the task failed beyond its retry budget.
	AgentTaskFailed AgentTaskStatus = "failed"
	// AgentTaskCancelled indicates the task was cancelled.
	AgentTaskCancelled AgentTaskStatus = "cancelled"
	// AgentTaskTimeout indicates the watchdog expired the task.
	AgentTaskTimeout AgentTaskStatus = "timeout"
)

// Valid returns true if the status is a known value.
func (s AgentTaskStatus) Valid() bool {
	switch s {
	case AgentTaskQueued, AgentTaskRunning, AgentTaskCompleted,
		AgentTaskFailed, AgentTaskCancelled, AgentTaskTimeout:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transition is defined from this status.
func (s AgentTaskStatus) Terminal() bool {
	switch s {
	case AgentTaskCompleted, AgentTaskFailed, AgentTaskCancelled, AgentTaskTimeout:
		return true
	default:
		return false
	}
}

// Active returns true if the task counts against the agent's capacity.
func (s AgentTaskStatus) Active() bool {
	return s == AgentTaskQueued || s == AgentTaskRunning
}

// Agent represents a registered execution agent with bounded capacity.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id"`
	// OwnerID identifies the tenant that registered this agent.
	OwnerID string `json:"owner_id"`
	// Name is a human-readable label.
	Name string `json:"name"`
	// Type is the kind of work this agent handles (e.g. "code_review").
	Type string `json:"type"`
	// Capabilities lists what the agent can do; scheduling filters on these.
	Capabilities []string `json:"capabilities,omitempty"`
	// Active indicates the agent may be assigned new work.
	Active bool `json:"active"`
	// MaxConcurrentTasks bounds the agent's queued plus running tasks.
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`
	// SuccessRate is the fraction of successful tasks over the trailing
	// stats window.
	SuccessRate float64 `json:"success_rate"`
	// AverageCompletionTime is the mean duration of completed tasks.
	AverageCompletionTime time.Duration `json:"average_completion_time"`
	// LastUsedAt is when the agent last finished a task.
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	// CreatedAt is when the agent was registered.
	CreatedAt time.Time `json:"created_at"`
}

// HasCapability returns true if the agent lists the given capability.
func (a *Agent) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// AgentTask is a unit of work assigned to an agent.
type AgentTask struct {
	// ID is the unique identifier for this agent task.
	ID string `json:"id"`
	// AgentID is the agent this task is assigned to.
	AgentID string `json:"agent_id"`
	// TaskID optionally links back to an orchestration task.
	TaskID string `json:"task_id,omitempty"`
	// StepID optionally links back to the pipeline step that spawned it.
	StepID string `json:"step_id,omitempty"`
	// Status is the current state of the agent task.
	Status AgentTaskStatus `json:"status"`
	// Priority orders tasks within the agent's queue; higher runs first.
	Priority int `json:"priority"`
	// Prompt is the instruction passed to the execution collaborator.
	Prompt string `json:"prompt,omitempty"`
	// Result holds the collaborator's output on success.
	Result string `json:"result,omitempty"`
	// ErrorDetails records the most recent failure, if any.
	ErrorDetails string `json:"error_details,omitempty"`
	// TokensUsed is the number of tokens the collaborator reported.
	TokensUsed int64 `json:"tokens_used"`
	// CostCents is the cost the collaborator reported, in cents.
	CostCents int64 `json:"cost_cents"`
	// RetryCount is how many times the task has failed so far.
	RetryCount int `json:"retry_count"`
	// MaxRetries bounds how many times the task is retried on failure.
	MaxRetries int `json:"max_retries"`
	// CreatedAt is when the task was enqueued.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the agent began working.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Duration returns the elapsed time between start and completion, or zero
// if either timestamp is unset.
func (t *AgentTask) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}
