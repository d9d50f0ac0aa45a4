// Package engine wires the orchestration components together and runs the
// background loops that keep them moving.
package engine

import (
	"log"
	"sync/atomic"
	"time"
)

// EventType represents the type of engine event.
type EventType string

const (
	// EventPipelineTriggered indicates a new execution was admitted.
	EventPipelineTriggered EventType = "pipeline_triggered"
	// EventExecutionStarted indicates an execution began running.
	EventExecutionStarted EventType = "execution_started"
	// EventExecutionCompleted indicates an execution finished successfully.
	EventExecutionCompleted EventType = "execution_completed"
	// EventExecutionFailed indicates an execution failed terminally.
	EventExecutionFailed EventType = "execution_failed"
	// EventExecutionTimedOut indicates the watchdog expired an execution.
	EventExecutionTimedOut EventType = "execution_timed_out"
	// EventStepStarted indicates a pipeline step began running.
	EventStepStarted EventType = "step_started"
	// EventStepCompleted indicates a pipeline step completed.
	EventStepCompleted EventType = "step_completed"
	// EventStepFailed indicates a pipeline step failed an attempt.
	EventStepFailed EventType = "step_failed"
	// EventAgentTaskQueued indicates work was handed to an agent.
	EventAgentTaskQueued EventType = "agent_task_queued"
	// EventAgentTaskDone indicates an agent task reached a terminal state.
	EventAgentTaskDone EventType = "agent_task_done"
	// EventWebhookReceived indicates an inbound event was recorded.
	EventWebhookReceived EventType = "webhook_received"
)

// Event is a structured engine occurrence for subscribers (CLI output,
// operational logs).
type Event struct {
	// Type is the kind of event.
	Type EventType
	// PipelineID is the related pipeline, if applicable.
	PipelineID string
	// ExecutionID is the related execution, if applicable.
	ExecutionID string
	// StepName is the related step, if applicable.
	StepName string
	// AgentID is the related agent, if applicable.
	AgentID string
	// TaskID is the related orchestration task, if applicable.
	TaskID string
	// WebhookEventID is the related inbound event record, if applicable.
	WebhookEventID string
	// Message provides additional context.
	Message string
	// Err carries failure details for failure events.
	Err error
	// Timestamp is when the event occurred.
	Timestamp time.Time
}

// EventEmitter provides a thread-safe buffered channel of engine events.
// Subscribers that fall behind lose events rather than stalling the engine.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
}

// NewEventEmitter creates an EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{
		events: make(chan Event, bufferSize),
	}
}

// Emit sends an event to the channel. A full channel gets a short grace
// period to drain before the event is dropped and counted.
func (e *EventEmitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case e.events <- event:
		return
	default:
	}

	select {
	case e.events <- event:
		return
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 { // Log every 10th drop to avoid spam
			log.Printf("[engine] WARNING: event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events for subscribers.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel. Call once the engine has stopped.
func (e *EventEmitter) Close() {
	close(e.events)
}
