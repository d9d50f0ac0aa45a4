package models

import "time"

// ExecutionStatus represents the current state of a pipeline execution.
type ExecutionStatus string

const (
	// ExecutionStatusQueued indicates the execution is admitted but not started.
	ExecutionStatusQueued ExecutionStatus = "queued"
	// ExecutionStatusRunning indicates steps are being executed.
	ExecutionStatusRunning ExecutionStatus = "running"
	// ExecutionStatusCompleted indicates all steps finished successfully.
	ExecutionStatusCompleted ExecutionStatus = "completed"
	// ExecutionStatusFailed indicates a step failed beyond its retry budget.
	ExecutionStatusFailed ExecutionStatus = "failed"
	// ExecutionStatusCancelled indicates the execution was cancelled.
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
	// ExecutionStatusTimeout indicates the watchdog expired the execution.
	ExecutionStatusTimeout ExecutionStatus = "timeout"
)

// Valid returns true if the status is a known value.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionStatusQueued, ExecutionStatusRunning, ExecutionStatusCompleted,
		ExecutionStatusFailed, ExecutionStatusCancelled, ExecutionStatusTimeout:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transition is defined from this status.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed,
		ExecutionStatusCancelled, ExecutionStatusTimeout:
		return true
	default:
		return false
	}
}

// InFlight returns true if the execution counts against the pipeline's
// concurrency limit.
func (s ExecutionStatus) InFlight() bool {
	return s == ExecutionStatusQueued || s == ExecutionStatusRunning
}

// StepStatus represents the current state of a pipeline step.
type StepStatus string

const (
	// StepStatusPending indicates the step is waiting on its dependencies.
	StepStatusPending StepStatus = "pending"
	// StepStatusRunning indicates the step is executing.
	StepStatusRunning StepStatus = "running"
	// StepStatusCompleted indicates the step finished successfully.
	StepStatusCompleted StepStatus = "completed"
	// StepStatusFailed indicates the step failed beyond its retry budget.
	StepStatusFailed StepStatus = "failed"
	// StepStatusSkipped indicates the step was skipped.
	StepStatusSkipped StepStatus = "skipped"
	// StepStatusCancelled indicates the step was cancelled.
	StepStatusCancelled StepStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s StepStatus) Valid() bool {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusCompleted,
		StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transition is defined from this status.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	default:
		return false
	}
}

// StepTemplate describes one step of a pipeline definition.
type StepTemplate struct {
	// Name identifies the step within its pipeline. DependsOn refers to names.
	Name string `json:"name" yaml:"name"`
	// Order positions the step for display; execution order follows DependsOn.
	Order int `json:"order" yaml:"order"`
	// DependsOn lists step names that must complete before this step runs.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on"`
	// TaskType selects the kind of agent work this step dispatches, if any.
	TaskType string `json:"task_type,omitempty" yaml:"task_type"`
	// Prompt is the instruction passed to the execution collaborator.
	Prompt string `json:"prompt,omitempty" yaml:"prompt"`
	// MaxRetries bounds how many times the step is retried on failure.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// TriggerConfig describes how a pipeline is triggered.
type TriggerConfig struct {
	// Manual enables triggering via the CLI or API.
	Manual bool `json:"manual" yaml:"manual"`
	// WebhookSource names the event source whose events trigger this pipeline.
	WebhookSource string `json:"webhook_source,omitempty" yaml:"webhook_source"`
	// EventType filters webhook triggers to a specific event type.
	EventType string `json:"event_type,omitempty" yaml:"event_type"`
}

// PipelineDefinition describes a multi-step pipeline.
type PipelineDefinition struct {
	// ID is the unique identifier for this pipeline.
	ID string `json:"id"`
	// OwnerID identifies the tenant that owns this pipeline.
	OwnerID string `json:"owner_id"`
	// Name is unique per owner.
	Name string `json:"name" yaml:"name"`
	// Steps are the step templates instantiated for each execution.
	Steps []StepTemplate `json:"steps" yaml:"steps"`
	// Trigger describes how executions are started.
	Trigger TriggerConfig `json:"trigger" yaml:"trigger"`
	// SuccessRate is the fraction of successful executions over the
	// trailing stats window.
	SuccessRate float64 `json:"success_rate"`
	// AverageDuration is the mean duration of completed executions over
	// the trailing stats window.
	AverageDuration time.Duration `json:"average_duration"`
	// CreatedAt is when the pipeline was registered.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the pipeline was last edited.
	UpdatedAt time.Time `json:"updated_at"`
}

// PipelineExecution is one run of a pipeline.
type PipelineExecution struct {
	// ID is the unique identifier for this execution.
	ID string `json:"id"`
	// PipelineID is the pipeline this execution belongs to.
	PipelineID string `json:"pipeline_id"`
	// OwnerID identifies the tenant that triggered this execution.
	OwnerID string `json:"owner_id"`
	// Status is the current state of the execution.
	Status ExecutionStatus `json:"status"`
	// ErrorDetails records why the execution failed, if it did.
	ErrorDetails string `json:"error_details,omitempty"`
	// CreatedAt is when the execution was admitted.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the first step began running.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the execution reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Duration returns the elapsed time between start and completion, or zero
// if either timestamp is unset.
func (e *PipelineExecution) Duration() time.Duration {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(*e.StartedAt)
}

// PipelineStep is one instantiated step within an execution.
type PipelineStep struct {
	// ID is the unique identifier for this step.
	ID string `json:"id"`
	// ExecutionID is the execution this step belongs to.
	ExecutionID string `json:"execution_id"`
	// Name is the step template name.
	Name string `json:"name"`
	// Order positions the step for display.
	Order int `json:"order"`
	// DependsOn lists sibling step names that must complete first.
	DependsOn []string `json:"depends_on,omitempty"`
	// TaskType selects the kind of agent work this step dispatches, if any.
	TaskType string `json:"task_type,omitempty"`
	// Prompt is the instruction passed to the execution collaborator.
	Prompt string `json:"prompt,omitempty"`
	// Status is the current state of the step.
	Status StepStatus `json:"status"`
	// RetryCount is how many times the step has failed so far.
	RetryCount int `json:"retry_count"`
	// MaxRetries bounds how many times the step is retried on failure.
	MaxRetries int `json:"max_retries"`
	// ErrorDetails records the most recent failure, if any.
	ErrorDetails string `json:"error_details,omitempty"`
	// StartedAt is when the step began running.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the step reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Duration returns the elapsed time between start and completion, or zero
// if either timestamp is unset.
func (s *PipelineStep) Duration() time.Duration {
	if s.StartedAt == nil || s.CompletedAt == nil {
		return 0
	}
	return s.CompletedAt.Sub(*s.StartedAt)
}
