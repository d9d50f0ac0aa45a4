package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/luminal-dev/conductor/internal/ratelimit"
	"github.com/luminal-dev/conductor/internal/store"
	"github.com/luminal-dev/conductor/pkg/models"
)

func setup(t *testing.T) (*Pipeline, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, ratelimit.New(100, time.Minute)), s
}

func inbound(externalID string) InboundEvent {
	return InboundEvent{
		IntegrationID:   "github-main",
		ExternalEventID: externalID,
		Source:          "github",
		EventType:       "push",
		Payload:         []byte(`{"ref":"refs/heads/main"}`),
	}
}

func TestIngestProcessesEvent(t *testing.T) {
	p, s := setup(t)
	ctx := context.Background()

	var handled []*models.WebhookEvent
	p.RegisterHandler("github", func(ctx context.Context, e *models.WebhookEvent) error {
		handled = append(handled, e)
		return nil
	})

	id, err := p.Ingest(ctx, inbound("evt-1"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(handled) != 1 {
		t.Fatalf("handler called %d times, want 1", len(handled))
	}
	if handled[0].EventType != "push" {
		t.Errorf("handler saw event_type %q, want push", handled[0].EventType)
	}

	event, err := s.GetEvent(ctx, id)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if event.Status != models.ProcessingProcessed {
		t.Errorf("status = %q, want processed", event.Status)
	}
	if event.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", event.Attempts)
	}
	if event.ProcessedAt == nil {
		t.Error("processed event should have processed_at")
	}
}

func TestIngestIdempotent(t *testing.T) {
	p, s := setup(t)
	ctx := context.Background()

	calls := 0
	p.RegisterHandler("github", func(ctx context.Context, e *models.WebhookEvent) error {
		calls++
		return nil
	})

	first, err := p.Ingest(ctx, inbound("evt-42"))
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	second, err := p.Ingest(ctx, inbound("evt-42"))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	if first != second {
		t.Errorf("duplicate ingest returned a different ID: %q vs %q", first, second)
	}
	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}

	event, err := s.GetEventByDedupKey(ctx, "github-main", "evt-42")
	if err != nil {
		t.Fatalf("get by dedup key: %v", err)
	}
	if event.Status != models.ProcessingProcessed {
		t.Errorf("status = %q, want exactly one processed record", event.Status)
	}
	if event.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", event.Attempts)
	}
}

func TestIngestFailureSchedulesLinearBackoff(t *testing.T) {
	p, s := setup(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }
	p.RegisterHandler("github", func(ctx context.Context, e *models.WebhookEvent) error {
		return errors.New("downstream unavailable")
	})

	id, err := p.Ingest(ctx, inbound("evt-1"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	event, err := s.GetEvent(ctx, id)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if event.Status != models.ProcessingRetrying {
		t.Fatalf("status = %q, want retrying", event.Status)
	}
	if event.RetryAfter == nil {
		t.Fatal("retrying event needs retry_after")
	}
	want := base.Add(5 * time.Minute)
	if !event.RetryAfter.Equal(want) {
		t.Errorf("retry_after = %v, want %v (1 * backoff base)", event.RetryAfter, want)
	}
	if event.ErrorDetails == "" {
		t.Error("failure should record error details")
	}
}

func TestSweepRetriesUntilPermanentFailure(t *testing.T) {
	p, s := setup(t)
	ctx := context.Background()

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }
	p.SetMaxAttempts(2)
	p.RegisterHandler("github", func(ctx context.Context, e *models.WebhookEvent) error {
		return errors.New("still down")
	})

	id, err := p.Ingest(ctx, inbound("evt-1"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// Not yet due.
	n, err := p.Sweep(ctx)
	if err != nil {
		t.Fatalf("early sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("early sweep picked up %d events, want 0", n)
	}

	// Past retry_after the sweep re-submits; the second failure is at the
	// attempt bound and permanent.
	clock = clock.Add(6 * time.Minute)
	n, err = p.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("sweep picked up %d events, want 1", n)
	}

	event, err := s.GetEvent(ctx, id)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if event.Status != models.ProcessingFailed {
		t.Errorf("status = %q, want failed after exhausting attempts", event.Status)
	}
	if event.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", event.Attempts)
	}
	if event.Attempts > event.MaxAttempts {
		t.Errorf("attempts %d exceeds max_attempts %d", event.Attempts, event.MaxAttempts)
	}
}

func TestRecoveryClearsErrorDetails(t *testing.T) {
	p, s := setup(t)
	ctx := context.Background()

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	fail := true
	p.RegisterHandler("github", func(ctx context.Context, e *models.WebhookEvent) error {
		if fail {
			return errors.New("transient")
		}
		return nil
	})

	id, err := p.Ingest(ctx, inbound("evt-1"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	fail = false
	clock = clock.Add(6 * time.Minute)
	if _, err := p.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	event, err := s.GetEvent(ctx, id)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if event.Status != models.ProcessingProcessed {
		t.Fatalf("status = %q, want processed", event.Status)
	}
	if event.ErrorDetails != "" {
		t.Errorf("error_details = %q, want cleared on success", event.ErrorDetails)
	}
}

func TestIngestRateLimited(t *testing.T) {
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	p := New(s, ratelimit.New(2, time.Minute))
	ctx := context.Background()

	p.RegisterHandler("github", func(ctx context.Context, e *models.WebhookEvent) error {
		return nil
	})

	for i := 0; i < 2; i++ {
		if _, err := p.Ingest(ctx, inbound("evt-"+string(rune('a'+i)))); err != nil {
			t.Fatalf("ingest %d: %v", i+1, err)
		}
	}

	_, err = p.Ingest(ctx, inbound("evt-z"))
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// Nothing persisted for the rejected delivery, but a breach record exists.
	if _, err := s.GetEventByDedupKey(ctx, "github-main", "evt-z"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("rejected event should not be persisted, got %v", err)
	}
	notes, err := s.ListNotifications(ctx)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notes) != 1 || notes[0].Type != models.NotifyRateLimitBreach {
		t.Errorf("notifications = %+v, want one rate_limit_breach", notes)
	}
}

func TestNoHandlerRetries(t *testing.T) {
	p, s := setup(t)
	ctx := context.Background()

	id, err := p.Ingest(ctx, inbound("evt-1"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	event, err := s.GetEvent(ctx, id)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if event.Status != models.ProcessingRetrying {
		t.Errorf("status = %q, want retrying when no handler is registered", event.Status)
	}
}
