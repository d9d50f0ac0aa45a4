package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/luminal-dev/conductor/pkg/models"
)

const eventColumns = `id, integration_id, external_event_id, source, event_type,
	payload, headers, status, attempts, max_attempts, retry_after, error_details,
	received_at, processed_at`

// InsertEventIfNew records a webhook event unless one already exists for the
// same (integration_id, external_event_id) dedup key. Returns true when the
// row was inserted, false for a duplicate.
func (s *Store) InsertEventIfNew(ctx context.Context, e *models.WebhookEvent) (bool, error) {
	headers, err := json.Marshal(e.Headers)
	if err != nil {
		return false, fmt.Errorf("marshal headers: %w", err)
	}

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO webhook_events (id, integration_id, external_event_id, source,
			event_type, payload, headers, status, attempts, max_attempts,
			retry_after, error_details, received_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (integration_id, external_event_id) DO NOTHING
	`, e.ID, e.IntegrationID, e.ExternalEventID, e.Source, nullString(e.EventType),
		e.Payload, string(headers), string(e.Status), e.Attempts, e.MaxAttempts,
		formatNullableTime(e.RetryAfter), nullString(e.ErrorDetails),
		formatTime(e.ReceivedAt), formatNullableTime(e.ProcessedAt))
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// GetEvent returns the webhook event with the given ID.
func (s *Store) GetEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id = ?`, id)
	e, err := scanEvent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// GetEventByDedupKey returns the webhook event for a dedup key.
func (s *Store) GetEventByDedupKey(ctx context.Context, integrationID, externalEventID string) (*models.WebhookEvent, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM webhook_events
		WHERE integration_id = ? AND external_event_id = ?
	`, integrationID, externalEventID)
	e, err := scanEvent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// ClaimEventForProcessing moves an event from pending or retrying into
// processing, bumping attempts. The status guard means only one caller wins
// a concurrent claim.
func (s *Store) ClaimEventForProcessing(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = 'processing', attempts = attempts + 1
		WHERE id = ? AND status IN ('pending', 'retrying')
	`, id)
	if err != nil {
		return fmt.Errorf("claim event: %w", err)
	}
	return requireRow(res)
}

// MarkEventProcessed transitions a processing event to processed and clears
// any recorded error.
func (s *Store) MarkEventProcessed(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = 'processed', error_details = NULL, retry_after = NULL, processed_at = ?
		WHERE id = ? AND status = 'processing'
	`, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return requireRow(res)
}

// MarkEventRetrying schedules another attempt for a processing event.
func (s *Store) MarkEventRetrying(ctx context.Context, id string, retryAfter time.Time, errDetails string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = 'retrying', retry_after = ?, error_details = ?
		WHERE id = ? AND status = 'processing'
	`, formatTime(retryAfter), nullString(errDetails), id)
	if err != nil {
		return fmt.Errorf("mark event retrying: %w", err)
	}
	return requireRow(res)
}

// MarkEventFailed transitions a processing event to its permanent failed state.
func (s *Store) MarkEventFailed(ctx context.Context, id string, errDetails string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = 'failed', retry_after = NULL, error_details = ?, processed_at = ?
		WHERE id = ? AND status = 'processing'
	`, nullString(errDetails), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark event failed: %w", err)
	}
	return requireRow(res)
}

// ListDueRetries returns retrying events whose retry_after has elapsed.
func (s *Store) ListDueRetries(ctx context.Context, now time.Time) ([]*models.WebhookEvent, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM webhook_events
		WHERE status = 'retrying' AND retry_after IS NOT NULL AND retry_after <= ?
		ORDER BY retry_after
	`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list due retries: %w", err)
	}
	defer rows.Close()

	var events []*models.WebhookEvent
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CreateNotification records a notification for an external delivery service.
func (s *Store) CreateNotification(ctx context.Context, n *models.Notification) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO notifications (id, type, target_config, message, triggered_at)
		VALUES (?, ?, ?, ?, ?)
	`, n.ID, string(n.Type), nullString(n.TargetConfig), n.Message, formatTime(n.TriggeredAt))
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns recorded notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context) ([]*models.Notification, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, type, target_config, message, triggered_at
		FROM notifications ORDER BY triggered_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		var n models.Notification
		var target sql.NullString
		var triggeredAt string
		if err := rows.Scan(&n.ID, &n.Type, &target, &n.Message, &triggeredAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.TargetConfig = target.String
		n.TriggeredAt, _ = parseTime(triggeredAt)
		out = append(out, &n)
	}
	return out, rows.Err()
}

func scanEvent(scan func(...any) error) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	var eventType, headers, errDetails sql.NullString
	var retryAfter, processedAt sql.NullString
	var receivedAt string

	err := scan(&e.ID, &e.IntegrationID, &e.ExternalEventID, &e.Source, &eventType,
		&e.Payload, &headers, &e.Status, &e.Attempts, &e.MaxAttempts,
		&retryAfter, &errDetails, &receivedAt, &processedAt)
	if err != nil {
		return nil, err
	}

	e.EventType = eventType.String
	if headers.Valid && headers.String != "" && headers.String != "null" {
		if err := json.Unmarshal([]byte(headers.String), &e.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	e.ErrorDetails = errDetails.String
	e.RetryAfter = parseNullableTime(retryAfter)
	e.ReceivedAt, _ = parseTime(receivedAt)
	e.ProcessedAt = parseNullableTime(processedAt)
	return &e, nil
}
