package notify

import (
	"context"
	"strings"
	"testing"

	"github.com/luminal-dev/conductor/internal/store"
	"github.com/luminal-dev/conductor/pkg/models"
)

func setup(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecorderWritesTypedRecords(t *testing.T) {
	s := setup(t)
	r := NewRecorder(s, `{"channel":"#ops"}`)
	ctx := context.Background()

	if err := r.PipelineFailed(ctx, "pipe-1", "exec-1", "step \"deploy\" failed"); err != nil {
		t.Fatalf("PipelineFailed: %v", err)
	}
	if err := r.RateLimitBreach(ctx, "github-prod:github"); err != nil {
		t.Fatalf("RateLimitBreach: %v", err)
	}
	if err := r.AuthExpiry(ctx, "github-prod"); err != nil {
		t.Fatalf("AuthExpiry: %v", err)
	}

	records, err := s.ListNotifications(ctx)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d notifications, want 3", len(records))
	}

	byType := map[models.NotificationType]*models.Notification{}
	for _, n := range records {
		byType[n.Type] = n
	}

	failed := byType[models.NotifyPipelineFailed]
	if failed == nil {
		t.Fatal("no pipeline_failed record")
	}
	if !strings.Contains(failed.Message, "exec-1") || !strings.Contains(failed.Message, "deploy") {
		t.Errorf("pipeline_failed message = %q, want execution id and detail", failed.Message)
	}
	if failed.TargetConfig != `{"channel":"#ops"}` {
		t.Errorf("target config = %q, want the recorder's", failed.TargetConfig)
	}
	if failed.TriggeredAt.IsZero() {
		t.Error("triggered_at not set")
	}

	breach := byType[models.NotifyRateLimitBreach]
	if breach == nil || !strings.Contains(breach.Message, "github-prod:github") {
		t.Errorf("rate_limit_breach record missing or without key: %+v", breach)
	}
	if byType[models.NotifyAuthExpiry] == nil {
		t.Error("no auth_expiry record")
	}
}

func TestPipelineFailedWithoutDetail(t *testing.T) {
	s := setup(t)
	r := NewRecorder(s, "")

	if err := r.PipelineFailed(context.Background(), "pipe-1", "exec-1", ""); err != nil {
		t.Fatalf("PipelineFailed: %v", err)
	}
	records, err := s.ListNotifications(context.Background())
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d notifications, want 1", len(records))
	}
	if strings.HasSuffix(records[0].Message, ": ") {
		t.Errorf("message %q has dangling detail separator", records[0].Message)
	}
}
