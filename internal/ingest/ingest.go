// Package ingest records inbound webhook events exactly once and drives
// them through handler processing with retries.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luminal-dev/conductor/internal/notify"
	"github.com/luminal-dev/conductor/internal/ratelimit"
	"github.com/luminal-dev/conductor/internal/store"
	"github.com/luminal-dev/conductor/pkg/models"
)

// ErrRateLimited indicates the integration's request budget for the current
// window is exhausted. Callers should back off until the window resets.
var ErrRateLimited = errors.New("rate limit exceeded")

// defaultMaxAttempts bounds processing retries per event.
const defaultMaxAttempts = 3

// defaultBackoffBase scales the linear retry backoff: the nth failure
// schedules the next attempt n*base from now.
const defaultBackoffBase = 5 * time.Minute

// Handler processes one webhook event. Handlers are registered per source.
type Handler func(ctx context.Context, event *models.WebhookEvent) error

// InboundEvent is the boundary shape of a webhook delivery. Signature
// verification happens before this layer.
type InboundEvent struct {
	// IntegrationID identifies the integration the event arrived through.
	IntegrationID string `json:"integration_id"`
	// ExternalEventID is the sender's identifier; with IntegrationID it
	// forms the dedup key.
	ExternalEventID string `json:"external_event_id"`
	// Source names the event origin and selects the handler.
	Source string `json:"source"`
	// EventType is the sender's classification of the event.
	EventType string `json:"event_type"`
	// Payload is the raw event body.
	Payload []byte `json:"payload,omitempty"`
	// Headers carries selected transport headers.
	Headers map[string]string `json:"headers,omitempty"`
}

// Pipeline ingests webhook events idempotently and processes them through
// per-source handlers, retrying failures with linear backoff.
type Pipeline struct {
	store    *store.Store
	limiter  *ratelimit.Limiter
	notifier *notify.Recorder

	mu       sync.RWMutex
	handlers map[string]Handler

	maxAttempts int
	backoffBase time.Duration

	// now is swappable for tests.
	now func() time.Time
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a Pipeline backed by the given store and rate limiter.
func New(s *store.Store, limiter *ratelimit.Limiter) *Pipeline {
	return &Pipeline{
		store:       s,
		limiter:     limiter,
		notifier:    notify.NewRecorder(s, ""),
		handlers:    make(map[string]Handler),
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
		now:         time.Now,
		debugLog:    func(format string, args ...interface{}) {},
	}
}

// RegisterHandler installs the handler for a source, replacing any previous
// registration.
func (p *Pipeline) RegisterHandler(source string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[source] = h
}

// SetMaxAttempts overrides the per-event processing attempt bound.
func (p *Pipeline) SetMaxAttempts(n int) {
	if n > 0 {
		p.maxAttempts = n
	}
}

// SetBackoffBase overrides the linear retry backoff base.
func (p *Pipeline) SetBackoffBase(d time.Duration) {
	if d > 0 {
		p.backoffBase = d
	}
}

// SetDebugLog sets the debug logging function.
func (p *Pipeline) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		p.debugLog = fn
	}
}

// Ingest records an event and processes it. Delivery is at-least-once
// upstream, so a duplicate of an already-recorded event is a no-op success
// returning the existing record's ID. Admission is rate limited per
// (integration, source); a denied delivery records a breach notification
// and returns ErrRateLimited before anything is persisted.
func (p *Pipeline) Ingest(ctx context.Context, ev InboundEvent) (string, error) {
	key := ev.IntegrationID + ":" + ev.Source
	if !p.limiter.Allow(key) {
		p.recordBreach(ctx, key)
		return "", fmt.Errorf("%w for %s", ErrRateLimited, key)
	}

	id := uuid.New().String()
	inserted, err := p.store.InsertEventIfNew(ctx, &models.WebhookEvent{
		ID:              id,
		IntegrationID:   ev.IntegrationID,
		ExternalEventID: ev.ExternalEventID,
		Source:          ev.Source,
		EventType:       ev.EventType,
		Payload:         ev.Payload,
		Headers:         ev.Headers,
		Status:          models.ProcessingPending,
		MaxAttempts:     p.maxAttempts,
		ReceivedAt:      p.now(),
	})
	if err != nil {
		return "", err
	}
	if !inserted {
		existing, err := p.store.GetEventByDedupKey(ctx, ev.IntegrationID, ev.ExternalEventID)
		if err != nil {
			return "", err
		}
		p.debugLog("[ingest.Ingest] duplicate of %s/%s, no-op", ev.IntegrationID, ev.ExternalEventID)
		return existing.ID, nil
	}

	if err := p.process(ctx, id); err != nil {
		return id, err
	}
	return id, nil
}

// process claims the event and runs its handler. The claim is status
// guarded, so an event another worker already holds, or one that reached a
// terminal state, is left alone. The handler runs outside any lock; its
// outcome is applied through guarded transitions.
func (p *Pipeline) process(ctx context.Context, eventID string) error {
	if err := p.store.ClaimEventForProcessing(ctx, eventID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	event, err := p.store.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}

	p.mu.RLock()
	handler := p.handlers[event.Source]
	p.mu.RUnlock()

	var handlerErr error
	if handler == nil {
		handlerErr = fmt.Errorf("no handler registered for source %q", event.Source)
	} else {
		handlerErr = handler(ctx, event)
	}

	if handlerErr == nil {
		return p.store.MarkEventProcessed(ctx, eventID)
	}

	if event.Attempts < event.MaxAttempts {
		retryAfter := p.now().Add(time.Duration(event.Attempts) * p.backoffBase)
		p.debugLog("[ingest.process] %s attempt %d failed, retry at %s: %v",
			eventID, event.Attempts, retryAfter.Format(time.RFC3339), handlerErr)
		return p.store.MarkEventRetrying(ctx, eventID, retryAfter, handlerErr.Error())
	}

	p.debugLog("[ingest.process] %s failed permanently after %d attempts: %v",
		eventID, event.Attempts, handlerErr)
	return p.store.MarkEventFailed(ctx, eventID, handlerErr.Error())
}

// Sweep re-submits retrying events whose retry_after has elapsed. Returns
// how many events were picked up.
func (p *Pipeline) Sweep(ctx context.Context) (int, error) {
	due, err := p.store.ListDueRetries(ctx, p.now())
	if err != nil {
		return 0, err
	}
	for _, event := range due {
		if err := p.process(ctx, event.ID); err != nil {
			return 0, fmt.Errorf("sweep event %s: %w", event.ID, err)
		}
	}
	return len(due), nil
}

// RunSweeper runs Sweep on the given interval until the context is cancelled.
func (p *Pipeline) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := p.Sweep(ctx); err != nil {
				p.debugLog("[ingest.RunSweeper] sweep error: %v", err)
			} else if n > 0 {
				p.debugLog("[ingest.RunSweeper] re-submitted %d events", n)
			}
		}
	}
}

// recordBreach files a rate-limit breach notification for the external
// delivery service. Recording is best effort; a failure here must not mask
// the rate-limit rejection itself.
func (p *Pipeline) recordBreach(ctx context.Context, key string) {
	if err := p.notifier.RateLimitBreach(ctx, key); err != nil {
		p.debugLog("[ingest.recordBreach] %v", err)
	}
}
