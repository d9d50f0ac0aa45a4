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

// CreatePipeline registers a pipeline definition. Names are unique per owner.
func (s *Store) CreatePipeline(ctx context.Context, p *models.PipelineDefinition) error {
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	trigger, err := json.Marshal(p.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO pipelines (id, owner_id, name, steps, trigger_config,
			success_rate, average_duration_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.OwnerID, p.Name, string(steps), string(trigger),
		p.SuccessRate, p.AverageDuration.Milliseconds(),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert pipeline: %w", err)
	}
	return nil
}

// GetPipeline returns the pipeline with the given ID.
func (s *Store) GetPipeline(ctx context.Context, id string) (*models.PipelineDefinition, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, owner_id, name, steps, trigger_config, success_rate,
			average_duration_ms, created_at, updated_at
		FROM pipelines WHERE id = ?
	`, id)
	return scanPipeline(row)
}

// GetPipelineByName returns the pipeline with the given owner and name.
func (s *Store) GetPipelineByName(ctx context.Context, ownerID, name string) (*models.PipelineDefinition, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, owner_id, name, steps, trigger_config, success_rate,
			average_duration_ms, created_at, updated_at
		FROM pipelines WHERE owner_id = ? AND name = ?
	`, ownerID, name)
	return scanPipeline(row)
}

// ListPipelines returns all pipelines registered by the given owner,
// newest first.
func (s *Store) ListPipelines(ctx context.Context, ownerID string) ([]*models.PipelineDefinition, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, owner_id, name, steps, trigger_config, success_rate,
			average_duration_ms, created_at, updated_at
		FROM pipelines WHERE owner_id = ?
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var out []*models.PipelineDefinition
	for rows.Next() {
		p, err := scanPipelineRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListPipelinesByTrigger returns pipelines whose trigger matches the given
// webhook source, for event-driven triggering.
func (s *Store) ListPipelinesByTrigger(ctx context.Context, source string) ([]*models.PipelineDefinition, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, owner_id, name, steps, trigger_config, success_rate,
			average_duration_ms, created_at, updated_at
		FROM pipelines
	`)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var out []*models.PipelineDefinition
	for rows.Next() {
		p, err := scanPipelineRows(rows)
		if err != nil {
			return nil, err
		}
		if p.Trigger.WebhookSource == source {
			out = append(out, p)
		}
	}
	return out, rows.Err()
}

// ListPipelineIDs returns the IDs of every registered pipeline, across all
// owners. Used by batch stats recomputation.
func (s *Store) ListPipelineIDs(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT id FROM pipelines`)
	if err != nil {
		return nil, fmt.Errorf("list pipeline ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pipeline id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdatePipelineStats writes the rolling success rate and average duration.
func (s *Store) UpdatePipelineStats(ctx context.Context, id string, successRate float64, avg time.Duration) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE pipelines SET success_rate = ?, average_duration_ms = ?, updated_at = ?
		WHERE id = ?
	`, successRate, avg.Milliseconds(), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update pipeline stats: %w", err)
	}
	return requireRow(res)
}

// CountInFlightExecutions counts queued and running executions of a pipeline
// within the transaction.
func (t *Tx) CountInFlightExecutions(pipelineID string) (int, error) {
	var n int
	row := t.tx.QueryRow(`
		SELECT COUNT(*) FROM pipeline_executions
		WHERE pipeline_id = ? AND status IN ('queued', 'running')
	`, pipelineID)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count in-flight executions: %w", err)
	}
	return n, nil
}

// InsertExecution persists a new execution within the transaction, paired
// with CountInFlightExecutions to make admission atomic.
func (t *Tx) InsertExecution(e *models.PipelineExecution) error {
	_, err := t.tx.Exec(`
		INSERT INTO pipeline_executions (id, pipeline_id, owner_id, status,
			error_details, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.PipelineID, e.OwnerID, string(e.Status), nullString(e.ErrorDetails),
		formatTime(e.CreatedAt), formatNullableTime(e.StartedAt), formatNullableTime(e.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// InsertStep persists an instantiated pipeline step within the transaction.
func (t *Tx) InsertStep(step *models.PipelineStep) error {
	dependsOn, err := json.Marshal(step.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}
	_, err = t.tx.Exec(`
		INSERT INTO pipeline_steps (id, execution_id, name, step_order, depends_on,
			task_type, prompt, status, retry_count, max_retries, error_details,
			started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, step.ID, step.ExecutionID, step.Name, step.Order, string(dependsOn),
		nullString(step.TaskType), nullString(step.Prompt), string(step.Status),
		step.RetryCount, step.MaxRetries, nullString(step.ErrorDetails),
		formatNullableTime(step.StartedAt), formatNullableTime(step.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// GetExecution returns the execution with the given ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*models.PipelineExecution, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, pipeline_id, owner_id, status, error_details, created_at, started_at, completed_at
		FROM pipeline_executions WHERE id = ?
	`, id)

	var e models.PipelineExecution
	var errDetails sql.NullString
	var createdAt string
	var startedAt, completedAt sql.NullString
	err := row.Scan(&e.ID, &e.PipelineID, &e.OwnerID, &e.Status, &errDetails,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	e.ErrorDetails = errDetails.String
	e.CreatedAt, _ = parseTime(createdAt)
	e.StartedAt = parseNullableTime(startedAt)
	e.CompletedAt = parseNullableTime(completedAt)
	return &e, nil
}

// ListExecutions returns executions of a pipeline, newest first.
func (s *Store) ListExecutions(ctx context.Context, pipelineID string) ([]*models.PipelineExecution, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, pipeline_id, owner_id, status, error_details, created_at, started_at, completed_at
		FROM pipeline_executions WHERE pipeline_id = ? ORDER BY created_at DESC
	`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*models.PipelineExecution
	for rows.Next() {
		var e models.PipelineExecution
		var errDetails sql.NullString
		var createdAt string
		var startedAt, completedAt sql.NullString
		if err := rows.Scan(&e.ID, &e.PipelineID, &e.OwnerID, &e.Status, &errDetails,
			&createdAt, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.ErrorDetails = errDetails.String
		e.CreatedAt, _ = parseTime(createdAt)
		e.StartedAt = parseNullableTime(startedAt)
		e.CompletedAt = parseNullableTime(completedAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ListStaleExecutions returns non-terminal executions started before the cutoff.
func (s *Store) ListStaleExecutions(ctx context.Context, cutoff time.Time) ([]*models.PipelineExecution, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, pipeline_id, owner_id, status, error_details, created_at, started_at, completed_at
		FROM pipeline_executions
		WHERE status IN ('queued', 'running') AND started_at IS NOT NULL AND started_at < ?
	`, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list stale executions: %w", err)
	}
	defer rows.Close()

	var out []*models.PipelineExecution
	for rows.Next() {
		var e models.PipelineExecution
		var errDetails sql.NullString
		var createdAt string
		var startedAt, completedAt sql.NullString
		if err := rows.Scan(&e.ID, &e.PipelineID, &e.OwnerID, &e.Status, &errDetails,
			&createdAt, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.ErrorDetails = errDetails.String
		e.CreatedAt, _ = parseTime(createdAt)
		e.StartedAt = parseNullableTime(startedAt)
		e.CompletedAt = parseNullableTime(completedAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// TransitionExecution moves an execution from one status to another,
// recording timestamps at the running and terminal boundaries. The WHERE
// clause on the previous status makes concurrent terminal transitions
// first-writer-wins; losers get ErrNotFound.
func (s *Store) TransitionExecution(ctx context.Context, id string, from, to models.ExecutionStatus, errDetails string) error {
	now := time.Now()

	var startedAt, completedAt any
	switch {
	case to == models.ExecutionStatusRunning:
		startedAt = formatTime(now)
	case to.Terminal():
		completedAt = formatTime(now)
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE pipeline_executions
		SET status = ?,
			error_details = COALESCE(?, error_details),
			started_at = COALESCE(?, started_at),
			completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND status = ?
	`, string(to), nullString(errDetails), startedAt, completedAt, id, string(from))
	if err != nil {
		return fmt.Errorf("transition execution: %w", err)
	}
	return requireRow(res)
}

// GetSteps returns the steps of an execution ordered by step order.
func (s *Store) GetSteps(ctx context.Context, executionID string) ([]*models.PipelineStep, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, execution_id, name, step_order, depends_on, task_type, prompt,
			status, retry_count, max_retries, error_details, started_at, completed_at
		FROM pipeline_steps WHERE execution_id = ? ORDER BY step_order
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("get steps: %w", err)
	}
	defer rows.Close()

	var steps []*models.PipelineStep
	for rows.Next() {
		var st models.PipelineStep
		var dependsOn, taskType, prompt, errDetails sql.NullString
		var startedAt, completedAt sql.NullString
		if err := rows.Scan(&st.ID, &st.ExecutionID, &st.Name, &st.Order, &dependsOn,
			&taskType, &prompt, &st.Status, &st.RetryCount, &st.MaxRetries,
			&errDetails, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if dependsOn.Valid && dependsOn.String != "" {
			if err := json.Unmarshal([]byte(dependsOn.String), &st.DependsOn); err != nil {
				return nil, fmt.Errorf("unmarshal depends_on: %w", err)
			}
		}
		st.TaskType = taskType.String
		st.Prompt = prompt.String
		st.ErrorDetails = errDetails.String
		st.StartedAt = parseNullableTime(startedAt)
		st.CompletedAt = parseNullableTime(completedAt)
		steps = append(steps, &st)
	}
	return steps, rows.Err()
}

// GetStep returns the step with the given ID.
func (s *Store) GetStep(ctx context.Context, id string) (*models.PipelineStep, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, execution_id, name, step_order, depends_on, task_type, prompt,
			status, retry_count, max_retries, error_details, started_at, completed_at
		FROM pipeline_steps WHERE id = ?
	`, id)

	var st models.PipelineStep
	var dependsOn, taskType, prompt, errDetails sql.NullString
	var startedAt, completedAt sql.NullString
	err := row.Scan(&st.ID, &st.ExecutionID, &st.Name, &st.Order, &dependsOn,
		&taskType, &prompt, &st.Status, &st.RetryCount, &st.MaxRetries,
		&errDetails, &startedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan step: %w", err)
	}
	if dependsOn.Valid && dependsOn.String != "" {
		if err := json.Unmarshal([]byte(dependsOn.String), &st.DependsOn); err != nil {
			return nil, fmt.Errorf("unmarshal depends_on: %w", err)
		}
	}
	st.TaskType = taskType.String
	st.Prompt = prompt.String
	st.ErrorDetails = errDetails.String
	st.StartedAt = parseNullableTime(startedAt)
	st.CompletedAt = parseNullableTime(completedAt)
	return &st, nil
}

// TransitionStep moves a step from one status to another with the same
// first-writer-wins guard as TransitionExecution. Failure transitions
// increment retry_count atomically with the status change.
func (s *Store) TransitionStep(ctx context.Context, id string, from, to models.StepStatus, errDetails string) error {
	now := time.Now()

	var startedAt, completedAt any
	switch {
	case to == models.StepStatusRunning:
		startedAt = formatTime(now)
	case to.Terminal():
		completedAt = formatTime(now)
	}

	retryBump := 0
	if to == models.StepStatusFailed {
		retryBump = 1
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE pipeline_steps
		SET status = ?,
			retry_count = MIN(retry_count + ?, max_retries),
			error_details = COALESCE(?, error_details),
			started_at = COALESCE(?, started_at),
			completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND status = ?
	`, string(to), retryBump, nullString(errDetails), startedAt, completedAt, id, string(from))
	if err != nil {
		return fmt.Errorf("transition step: %w", err)
	}
	return requireRow(res)
}

// ResetStepForRetry returns a failed step to pending, clearing its
// timestamps so the next run recomputes duration from scratch.
func (s *Store) ResetStepForRetry(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE pipeline_steps
		SET status = 'pending', started_at = NULL, completed_at = NULL
		WHERE id = ? AND status = 'failed'
	`, id)
	if err != nil {
		return fmt.Errorf("reset step: %w", err)
	}
	return requireRow(res)
}

// PipelineStatsWindow computes the success rate and mean completed duration
// of a pipeline's executions that reached a terminal state after the cutoff.
func (s *Store) PipelineStatsWindow(ctx context.Context, pipelineID string, cutoff time.Time) (successRate float64, avg time.Duration, err error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0)
		FROM pipeline_executions
		WHERE pipeline_id = ? AND status IN ('completed', 'failed') AND completed_at >= ?
	`, pipelineID, formatTime(cutoff))

	var total, succeeded int
	if err := row.Scan(&total, &succeeded); err != nil {
		return 0, 0, fmt.Errorf("stats counts: %w", err)
	}
	if total == 0 {
		return 0, 0, nil
	}
	successRate = float64(succeeded) / float64(total)

	row = s.conn.QueryRowContext(ctx, `
		SELECT COALESCE(AVG((julianday(completed_at) - julianday(started_at)) * 86400000), 0)
		FROM pipeline_executions
		WHERE pipeline_id = ? AND status = 'completed' AND completed_at >= ?
			AND started_at IS NOT NULL
	`, pipelineID, formatTime(cutoff))

	var avgMS float64
	if err := row.Scan(&avgMS); err != nil {
		return 0, 0, fmt.Errorf("stats durations: %w", err)
	}
	return successRate, time.Duration(avgMS) * time.Millisecond, nil
}

func scanPipeline(row *sql.Row) (*models.PipelineDefinition, error) {
	var p models.PipelineDefinition
	var steps, trigger string
	var avgMS int64
	var createdAt, updatedAt string

	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &steps, &trigger,
		&p.SuccessRate, &avgMS, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan pipeline: %w", err)
	}

	if err := json.Unmarshal([]byte(steps), &p.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if err := json.Unmarshal([]byte(trigger), &p.Trigger); err != nil {
		return nil, fmt.Errorf("unmarshal trigger: %w", err)
	}
	p.AverageDuration = time.Duration(avgMS) * time.Millisecond
	p.CreatedAt, _ = parseTime(createdAt)
	p.UpdatedAt, _ = parseTime(updatedAt)
	return &p, nil
}

func scanPipelineRows(rows *sql.Rows) (*models.PipelineDefinition, error) {
	var p models.PipelineDefinition
	var steps, trigger string
	var avgMS int64
	var createdAt, updatedAt string

	err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &steps, &trigger,
		&p.SuccessRate, &avgMS, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan pipeline: %w", err)
	}

	if err := json.Unmarshal([]byte(steps), &p.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if err := json.Unmarshal([]byte(trigger), &p.Trigger); err != nil {
		return nil, fmt.Errorf("unmarshal trigger: %w", err)
	}
	p.AverageDuration = time.Duration(avgMS) * time.Millisecond
	p.CreatedAt, _ = parseTime(createdAt)
	p.UpdatedAt, _ = parseTime(updatedAt)
	return &p, nil
}
