package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/luminal-dev/conductor/pkg/models"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

const taskColumns = `id, owner_id, parent_id, title, description, status, priority,
	progress_percentage, blocked_reason, created_at, updated_at, completed_at`

// CreateTask inserts a new task row.
func (s *Store) CreateTask(ctx context.Context, task *models.Task) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO tasks (id, owner_id, parent_id, title, description, status,
			priority, progress_percentage, blocked_reason, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.OwnerID, nullString(task.ParentID), task.Title, task.Description,
		string(task.Status), task.Priority, task.ProgressPercentage,
		nullString(task.BlockedReason), formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt), formatNullableTime(task.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask returns the task with the given ID.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns all tasks belonging to an owner, newest first.
func (s *Store) ListTasks(ctx context.Context, ownerID string) ([]*models.Task, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE owner_id = ? ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListChildren returns the direct children of a task.
func (s *Store) ListChildren(ctx context.Context, taskID string) ([]*models.Task, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE parent_id = ? ORDER BY created_at
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateTaskStatus transitions a task's status. Terminal transitions record
// completed_at; non-terminal transitions clear it.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus, blockedReason string) error {
	now := time.Now()
	var completedAt any
	if status.Terminal() {
		completedAt = formatTime(now)
	}
	res, err := s.conn.ExecContext(ctx, `
		UPDATE tasks SET status = ?, blocked_reason = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`, string(status), nullString(blockedReason), formatTime(now), completedAt, id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return requireRow(res)
}

// UpdateTaskProgress sets a task's progress percentage, clamped to [0, 100].
func (s *Store) UpdateTaskProgress(ctx context.Context, id string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	res, err := s.conn.ExecContext(ctx, `
		UPDATE tasks SET progress_percentage = ?, updated_at = ? WHERE id = ?
	`, pct, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update task progress: %w", err)
	}
	return requireRow(res)
}

// DeleteTask removes a task along with its hierarchy and dependency edges.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.Transaction(ctx, func(tx *Tx) error {
		if _, err := tx.tx.Exec(`DELETE FROM hierarchy_edges WHERE task_id = ? OR ancestor_id = ?`, id, id); err != nil {
			return fmt.Errorf("delete hierarchy edges: %w", err)
		}
		if _, err := tx.tx.Exec(`DELETE FROM dependency_edges WHERE dependent_id = ? OR dependency_id = ?`, id, id); err != nil {
			return fmt.Errorf("delete dependency edges: %w", err)
		}
		if _, err := tx.tx.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		return nil
	})
}

// GetTaskParent returns the parent ID of a task within the transaction,
// or empty string for a root task.
func (t *Tx) GetTaskParent(id string) (string, error) {
	var parent sql.NullString
	row := t.tx.QueryRow(`SELECT parent_id FROM tasks WHERE id = ?`, id)
	if err := row.Scan(&parent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return "", fmt.Errorf("get task parent: %w", err)
	}
	return parent.String, nil
}

// SetTaskParent updates a task's parent pointer within the transaction.
func (t *Tx) SetTaskParent(id, parentID string) error {
	res, err := t.tx.Exec(`
		UPDATE tasks SET parent_id = ?, updated_at = ? WHERE id = ?
	`, nullString(parentID), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set task parent: %w", err)
	}
	return requireRow(res)
}

// ReplaceAncestors swaps a task's materialized ancestor set within the
// transaction. Delete and insert together keep the rebuild all-or-nothing.
func (t *Tx) ReplaceAncestors(taskID string, edges []models.HierarchyEdge) error {
	if _, err := t.tx.Exec(`DELETE FROM hierarchy_edges WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("clear ancestors: %w", err)
	}
	for _, e := range edges {
		if _, err := t.tx.Exec(`
			INSERT INTO hierarchy_edges (task_id, ancestor_id, depth) VALUES (?, ?, ?)
		`, e.TaskID, e.AncestorID, e.Depth); err != nil {
			return fmt.Errorf("insert ancestor edge: %w", err)
		}
	}
	return nil
}

// ListDescendantIDs returns the IDs of every task whose ancestor set
// contains the given task, within the transaction.
func (t *Tx) ListDescendantIDs(taskID string) ([]string, error) {
	rows, err := t.tx.Query(`SELECT task_id FROM hierarchy_edges WHERE ancestor_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list descendants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan descendant: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetAncestors returns a task's materialized ancestor set ordered by depth.
func (s *Store) GetAncestors(ctx context.Context, taskID string) ([]models.HierarchyEdge, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT task_id, ancestor_id, depth FROM hierarchy_edges
		WHERE task_id = ? ORDER BY depth
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("get ancestors: %w", err)
	}
	defer rows.Close()

	var edges []models.HierarchyEdge
	for rows.Next() {
		var e models.HierarchyEdge
		if err := rows.Scan(&e.TaskID, &e.AncestorID, &e.Depth); err != nil {
			return nil, fmt.Errorf("scan ancestor edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func scanTask(row *sql.Row) (*models.Task, error) {
	var task models.Task
	var parentID, description, blockedReason sql.NullString
	var createdAt, updatedAt string
	var completedAt sql.NullString

	err := row.Scan(&task.ID, &task.OwnerID, &parentID, &task.Title, &description,
		&task.Status, &task.Priority, &task.ProgressPercentage, &blockedReason,
		&createdAt, &updatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	task.ParentID = parentID.String
	task.Description = description.String
	task.BlockedReason = blockedReason.String
	task.CreatedAt, _ = parseTime(createdAt)
	task.UpdatedAt, _ = parseTime(updatedAt)
	task.CompletedAt = parseNullableTime(completedAt)
	return &task, nil
}

func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	var tasks []*models.Task
	for rows.Next() {
		var task models.Task
		var parentID, description, blockedReason sql.NullString
		var createdAt, updatedAt string
		var completedAt sql.NullString

		err := rows.Scan(&task.ID, &task.OwnerID, &parentID, &task.Title, &description,
			&task.Status, &task.Priority, &task.ProgressPercentage, &blockedReason,
			&createdAt, &updatedAt, &completedAt)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}

		task.ParentID = parentID.String
		task.Description = description.String
		task.BlockedReason = blockedReason.String
		task.CreatedAt, _ = parseTime(createdAt)
		task.UpdatedAt, _ = parseTime(updatedAt)
		task.CompletedAt = parseNullableTime(completedAt)
		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
