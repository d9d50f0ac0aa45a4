package models

import "time"

// ProcessingStatus represents the current state of an inbound webhook event.
type ProcessingStatus string

const (
	// ProcessingPending indicates the event is recorded but not yet handled.
	ProcessingPending ProcessingStatus = "pending"
	// ProcessingInProgress indicates a handler is working on the event.
	ProcessingInProgress ProcessingStatus = "processing"
	// ProcessingProcessed indicates the event was handled successfully.
	ProcessingProcessed ProcessingStatus = "processed"
	// ProcessingFailed indicates handling failed permanently.
	ProcessingFailed ProcessingStatus = "failed"
	// ProcessingRetrying indicates handling failed and a retry is scheduled.
	ProcessingRetrying ProcessingStatus = "retrying"
)

// Valid returns true if the status is a known value.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case ProcessingPending, ProcessingInProgress, ProcessingProcessed,
		ProcessingFailed, ProcessingRetrying:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transition is defined from this status.
func (s ProcessingStatus) Terminal() bool {
	return s == ProcessingProcessed || s == ProcessingFailed
}

// WebhookEvent is an inbound event recorded for idempotent processing.
// (IntegrationID, ExternalEventID) is the dedup key.
type WebhookEvent struct {
	// ID is the unique identifier for this event record.
	ID string `json:"id"`
	// IntegrationID identifies the integration the event arrived through.
	IntegrationID string `json:"integration_id"`
	// ExternalEventID is the sender's identifier for the event.
	ExternalEventID string `json:"external_event_id"`
	// Source names the event origin; handlers are keyed by it.
	Source string `json:"source"`
	// EventType is the sender's classification of the event.
	EventType string `json:"event_type"`
	// Payload is the raw event body.
	Payload []byte `json:"payload,omitempty"`
	// Headers carries selected transport headers.
	Headers map[string]string `json:"headers,omitempty"`
	// Status is the current processing state.
	Status ProcessingStatus `json:"status"`
	// Attempts counts how many times processing has been tried.
	Attempts int `json:"attempts"`
	// MaxAttempts bounds processing retries.
	MaxAttempts int `json:"max_attempts"`
	// RetryAfter is the earliest time the next attempt may run.
	RetryAfter *time.Time `json:"retry_after,omitempty"`
	// ErrorDetails records the most recent handler failure, if any.
	ErrorDetails string `json:"error_details,omitempty"`
	// ReceivedAt is when the event was first recorded.
	ReceivedAt time.Time `json:"received_at"`
	// ProcessedAt is when the event reached a terminal state.
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// NotificationType classifies a notification record.
type NotificationType string

const (
	// NotifyPipelineFailed is emitted when a pipeline execution fails.
	NotifyPipelineFailed NotificationType = "pipeline_failed"
	// NotifyRateLimitBreach is emitted when a rate-limit bucket is exhausted.
	NotifyRateLimitBreach NotificationType = "rate_limit_breach"
	// NotifyAuthExpiry is emitted when an integration's credentials expire.
	NotifyAuthExpiry NotificationType = "auth_expiry"
)

// Notification is a record of a condition an external delivery service
// should tell someone about. The orchestrator only produces the record.
type Notification struct {
	// ID is the unique identifier for this notification.
	ID string `json:"id"`
	// Type classifies the condition.
	Type NotificationType `json:"type"`
	// TargetConfig is delivery configuration opaque to the orchestrator.
	TargetConfig string `json:"target_config,omitempty"`
	// Message is a human-readable summary.
	Message string `json:"message"`
	// TriggeredAt is when the condition occurred.
	TriggeredAt time.Time `json:"triggered_at"`
}
