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

const agentTaskColumns = `id, agent_id, task_id, step_id, status, priority, prompt,
	result, error_details, tokens_used, cost_cents, retry_count, max_retries,
	created_at, started_at, completed_at`

// CreateAgent registers an execution agent.
func (s *Store) CreateAgent(ctx context.Context, a *models.Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO agents (id, owner_id, name, type, capabilities, active,
			max_concurrent_tasks, success_rate, average_completion_ms, last_used_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.OwnerID, a.Name, a.Type, string(caps), boolToInt(a.Active),
		a.MaxConcurrentTasks, a.SuccessRate, a.AverageCompletionTime.Milliseconds(),
		formatNullableTime(a.LastUsedAt), formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// GetAgent returns the agent with the given ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, owner_id, name, type, capabilities, active, max_concurrent_tasks,
			success_rate, average_completion_ms, last_used_at, created_at
		FROM agents WHERE id = ?
	`, id)

	a, err := scanAgent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

// ListAgentsByType returns active agents of the given type.
func (s *Store) ListAgentsByType(ctx context.Context, agentType string) ([]*models.Agent, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, owner_id, name, type, capabilities, active, max_concurrent_tasks,
			success_rate, average_completion_ms, last_used_at, created_at
		FROM agents WHERE type = ? AND active = 1
	`, agentType)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// ListAgents returns every registered agent.
func (s *Store) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, owner_id, name, type, capabilities, active, max_concurrent_tasks,
			success_rate, average_completion_ms, last_used_at, created_at
		FROM agents ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// SetAgentActive toggles whether an agent may receive new work.
func (s *Store) SetAgentActive(ctx context.Context, id string, active bool) error {
	res, err := s.conn.ExecContext(ctx, `UPDATE agents SET active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("set agent active: %w", err)
	}
	return requireRow(res)
}

// UpdateAgentStats writes the rolling success rate and completion time and
// stamps last_used_at.
func (s *Store) UpdateAgentStats(ctx context.Context, id string, successRate float64, avg time.Duration) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE agents SET success_rate = ?, average_completion_ms = ?, last_used_at = ?
		WHERE id = ?
	`, successRate, avg.Milliseconds(), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update agent stats: %w", err)
	}
	return requireRow(res)
}

// RefreshAgentStats writes the rolling success rate and completion time
// without touching last_used_at. Used by batch recomputation, where no task
// actually finished.
func (s *Store) RefreshAgentStats(ctx context.Context, id string, successRate float64, avg time.Duration) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE agents SET success_rate = ?, average_completion_ms = ?
		WHERE id = ?
	`, successRate, avg.Milliseconds(), id)
	if err != nil {
		return fmt.Errorf("refresh agent stats: %w", err)
	}
	return requireRow(res)
}

// CountActiveAgentTasks counts an agent's queued and running tasks.
func (s *Store) CountActiveAgentTasks(ctx context.Context, agentID string) (int, error) {
	var n int
	row := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agent_tasks
		WHERE agent_id = ? AND status IN ('queued', 'running')
	`, agentID)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count active agent tasks: %w", err)
	}
	return n, nil
}

// CountActiveAgentTasks counts an agent's queued and running tasks within
// the transaction.
func (t *Tx) CountActiveAgentTasks(agentID string) (int, error) {
	var n int
	row := t.tx.QueryRow(`
		SELECT COUNT(*) FROM agent_tasks
		WHERE agent_id = ? AND status IN ('queued', 'running')
	`, agentID)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count active agent tasks: %w", err)
	}
	return n, nil
}

// GetAgentCapacity returns an agent's max_concurrent_tasks within the
// transaction, verifying the agent exists and is active.
func (t *Tx) GetAgentCapacity(agentID string) (maxConcurrent int, active bool, err error) {
	var activeInt int
	row := t.tx.QueryRow(`SELECT max_concurrent_tasks, active FROM agents WHERE id = ?`, agentID)
	if err := row.Scan(&maxConcurrent, &activeInt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
		}
		return 0, false, fmt.Errorf("get agent capacity: %w", err)
	}
	return maxConcurrent, activeInt != 0, nil
}

// InsertAgentTask persists a new agent task within the transaction, paired
// with CountActiveAgentTasks to make the capacity check atomic.
func (t *Tx) InsertAgentTask(task *models.AgentTask) error {
	_, err := t.tx.Exec(`
		INSERT INTO agent_tasks (id, agent_id, task_id, step_id, status, priority,
			prompt, result, error_details, tokens_used, cost_cents, retry_count,
			max_retries, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.AgentID, nullString(task.TaskID), nullString(task.StepID),
		string(task.Status), task.Priority, nullString(task.Prompt),
		nullString(task.Result), nullString(task.ErrorDetails), task.TokensUsed,
		task.CostCents, task.RetryCount, task.MaxRetries,
		formatTime(task.CreatedAt), formatNullableTime(task.StartedAt),
		formatNullableTime(task.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert agent task: %w", err)
	}
	return nil
}

// GetAgentTask returns the agent task with the given ID.
func (s *Store) GetAgentTask(ctx context.Context, id string) (*models.AgentTask, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+agentTaskColumns+` FROM agent_tasks WHERE id = ?
	`, id)

	task, err := scanAgentTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return task, nil
}

// NextQueuedAgentTask claims the highest-priority queued task for an agent,
// transitioning it to running in the same statement so two workers cannot
// claim the same row.
func (s *Store) NextQueuedAgentTask(ctx context.Context, agentID string) (*models.AgentTask, error) {
	row := s.conn.QueryRowContext(ctx, `
		UPDATE agent_tasks SET status = 'running', started_at = ?
		WHERE id = (
			SELECT id FROM agent_tasks
			WHERE agent_id = ? AND status = 'queued'
			ORDER BY priority DESC, created_at
			LIMIT 1
		)
		RETURNING `+agentTaskColumns,
		formatTime(time.Now()), agentID)

	task, err := scanAgentTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return task, nil
}

// TransitionAgentTask moves an agent task between statuses with a
// first-writer-wins guard on the previous status. Failure transitions
// increment retry_count atomically.
func (s *Store) TransitionAgentTask(ctx context.Context, id string, from, to models.AgentTaskStatus, result, errDetails string, tokens, costCents int64) error {
	now := time.Now()

	var startedAt, completedAt any
	switch {
	case to == models.AgentTaskRunning:
		startedAt = formatTime(now)
	case to.Terminal():
		completedAt = formatTime(now)
	}

	retryBump := 0
	if to == models.AgentTaskFailed {
		retryBump = 1
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE agent_tasks
		SET status = ?,
			retry_count = MIN(retry_count + ?, max_retries),
			result = COALESCE(?, result),
			error_details = COALESCE(?, error_details),
			tokens_used = tokens_used + ?,
			cost_cents = cost_cents + ?,
			started_at = COALESCE(?, started_at),
			completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND status = ?
	`, string(to), retryBump, nullString(result), nullString(errDetails),
		tokens, costCents, startedAt, completedAt, id, string(from))
	if err != nil {
		return fmt.Errorf("transition agent task: %w", err)
	}
	return requireRow(res)
}

// RequeueAgentTask returns a failed agent task to the queue for another
// attempt, clearing its timestamps.
func (s *Store) RequeueAgentTask(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE agent_tasks
		SET status = 'queued', started_at = NULL, completed_at = NULL
		WHERE id = ? AND status = 'failed'
	`, id)
	if err != nil {
		return fmt.Errorf("requeue agent task: %w", err)
	}
	return requireRow(res)
}

// ListStaleAgentTasks returns running agent tasks started before the cutoff.
func (s *Store) ListStaleAgentTasks(ctx context.Context, cutoff time.Time) ([]*models.AgentTask, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+agentTaskColumns+` FROM agent_tasks
		WHERE status = 'running' AND started_at IS NOT NULL AND started_at < ?
	`, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list stale agent tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.AgentTask
	for rows.Next() {
		task, err := scanAgentTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// AgentStatsWindow computes an agent's success rate over terminal tasks
// after the cutoff, and mean duration of its completed tasks.
func (s *Store) AgentStatsWindow(ctx context.Context, agentID string, cutoff time.Time) (successRate float64, avg time.Duration, err error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0)
		FROM agent_tasks
		WHERE agent_id = ? AND status IN ('completed', 'failed', 'timeout') AND completed_at >= ?
	`, agentID, formatTime(cutoff))

	var total, succeeded int
	if err := row.Scan(&total, &succeeded); err != nil {
		return 0, 0, fmt.Errorf("agent stats counts: %w", err)
	}
	if total == 0 {
		return 0, 0, nil
	}
	successRate = float64(succeeded) / float64(total)

	row = s.conn.QueryRowContext(ctx, `
		SELECT COALESCE(AVG((julianday(completed_at) - julianday(started_at)) * 86400000), 0)
		FROM agent_tasks
		WHERE agent_id = ? AND status = 'completed' AND completed_at >= ?
			AND started_at IS NOT NULL
	`, agentID, formatTime(cutoff))

	var avgMS float64
	if err := row.Scan(&avgMS); err != nil {
		return 0, 0, fmt.Errorf("agent stats durations: %w", err)
	}
	return successRate, time.Duration(avgMS) * time.Millisecond, nil
}

func scanAgent(scan func(...any) error) (*models.Agent, error) {
	var a models.Agent
	var caps sql.NullString
	var activeInt int
	var avgMS int64
	var lastUsedAt sql.NullString
	var createdAt string

	err := scan(&a.ID, &a.OwnerID, &a.Name, &a.Type, &caps, &activeInt,
		&a.MaxConcurrentTasks, &a.SuccessRate, &avgMS, &lastUsedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	if caps.Valid && caps.String != "" {
		if err := json.Unmarshal([]byte(caps.String), &a.Capabilities); err != nil {
			return nil, fmt.Errorf("unmarshal capabilities: %w", err)
		}
	}
	a.Active = activeInt != 0
	a.AverageCompletionTime = time.Duration(avgMS) * time.Millisecond
	a.LastUsedAt = parseNullableTime(lastUsedAt)
	a.CreatedAt, _ = parseTime(createdAt)
	return &a, nil
}

func scanAgentTask(scan func(...any) error) (*models.AgentTask, error) {
	var task models.AgentTask
	var taskID, stepID, prompt, result, errDetails sql.NullString
	var createdAt string
	var startedAt, completedAt sql.NullString

	err := scan(&task.ID, &task.AgentID, &taskID, &stepID, &task.Status,
		&task.Priority, &prompt, &result, &errDetails, &task.TokensUsed,
		&task.CostCents, &task.RetryCount, &task.MaxRetries, &createdAt,
		&startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	task.TaskID = taskID.String
	task.StepID = stepID.String
	task.Prompt = prompt.String
	task.Result = result.String
	task.ErrorDetails = errDetails.String
	task.CreatedAt, _ = parseTime(createdAt)
	task.StartedAt = parseNullableTime(startedAt)
	task.CompletedAt = parseNullableTime(completedAt)
	return &task, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
