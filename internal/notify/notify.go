// Package notify records notification rows for an external delivery
// service. The orchestrator only produces the records; delivery is someone
// else's job.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/luminal-dev/conductor/internal/store"
	"github.com/luminal-dev/conductor/pkg/models"
)

// Recorder writes notification records to the store.
type Recorder struct {
	store *store.Store
	// targetConfig is opaque delivery configuration copied onto every record.
	targetConfig string
}

// NewRecorder creates a Recorder. targetConfig may be empty.
func NewRecorder(s *store.Store, targetConfig string) *Recorder {
	return &Recorder{store: s, targetConfig: targetConfig}
}

// PipelineFailed records that an execution of the named pipeline failed.
func (r *Recorder) PipelineFailed(ctx context.Context, pipelineID, executionID, detail string) error {
	msg := fmt.Sprintf("pipeline %s execution %s failed", pipelineID, executionID)
	if detail != "" {
		msg += ": " + detail
	}
	return r.record(ctx, models.NotifyPipelineFailed, msg)
}

// RateLimitBreach records that a rate-limit bucket was exhausted.
func (r *Recorder) RateLimitBreach(ctx context.Context, key string) error {
	return r.record(ctx, models.NotifyRateLimitBreach, fmt.Sprintf("rate limit exhausted for %s", key))
}

// AuthExpiry records that an integration's credentials have expired.
func (r *Recorder) AuthExpiry(ctx context.Context, integrationID string) error {
	return r.record(ctx, models.NotifyAuthExpiry, fmt.Sprintf("credentials expired for integration %s", integrationID))
}

func (r *Recorder) record(ctx context.Context, typ models.NotificationType, msg string) error {
	return r.store.CreateNotification(ctx, &models.Notification{
		ID:           uuid.New().String(),
		Type:         typ,
		TargetConfig: r.targetConfig,
		Message:      msg,
		TriggeredAt:  time.Now(),
	})
}
