package store

import (
	"context"
	"fmt"
	"time"

	"github.com/luminal-dev/conductor/pkg/models"
)

// InsertDependencyEdge persists a dependency edge within the transaction.
// The cycle check and this insert share one transaction so concurrent
// callers cannot interleave a cycle past the check.
func (t *Tx) InsertDependencyEdge(edge models.DependencyEdge) error {
	_, err := t.tx.Exec(`
		INSERT INTO dependency_edges (dependent_id, dependency_id, type, created_at)
		VALUES (?, ?, ?, ?)
	`, edge.DependentID, edge.DependencyID, string(edge.Type), formatTime(edge.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert dependency edge: %w", err)
	}
	return nil
}

// DependencyAdjacency returns, within the transaction, the full
// dependency_id -> dependent_ids adjacency map used for cycle detection.
func (t *Tx) DependencyAdjacency() (map[string][]string, error) {
	rows, err := t.tx.Query(`SELECT dependent_id, dependency_id FROM dependency_edges`)
	if err != nil {
		return nil, fmt.Errorf("load dependency edges: %w", err)
	}
	defer rows.Close()

	adj := make(map[string][]string)
	for rows.Next() {
		var dependent, dependency string
		if err := rows.Scan(&dependent, &dependency); err != nil {
			return nil, fmt.Errorf("scan dependency edge: %w", err)
		}
		adj[dependent] = append(adj[dependent], dependency)
	}
	return adj, rows.Err()
}

// DependenciesOf returns the edges where the given task is the dependent.
func (s *Store) DependenciesOf(ctx context.Context, taskID string) ([]models.DependencyEdge, error) {
	return s.queryDependencyEdges(ctx, `
		SELECT dependent_id, dependency_id, type, created_at
		FROM dependency_edges WHERE dependent_id = ?
	`, taskID)
}

// DependentsOf returns the edges where the given task is the dependency.
func (s *Store) DependentsOf(ctx context.Context, taskID string) ([]models.DependencyEdge, error) {
	return s.queryDependencyEdges(ctx, `
		SELECT dependent_id, dependency_id, type, created_at
		FROM dependency_edges WHERE dependency_id = ?
	`, taskID)
}

// RemoveDependency deletes a single dependency edge.
func (s *Store) RemoveDependency(ctx context.Context, dependentID, dependencyID string) error {
	res, err := s.conn.ExecContext(ctx, `
		DELETE FROM dependency_edges WHERE dependent_id = ? AND dependency_id = ?
	`, dependentID, dependencyID)
	if err != nil {
		return fmt.Errorf("remove dependency: %w", err)
	}
	return requireRow(res)
}

// RemoveDependenciesFor deletes every edge touching the given task, in
// either direction. Used when a task is removed from the graph.
func (s *Store) RemoveDependenciesFor(ctx context.Context, taskID string) (int, error) {
	res, err := s.conn.ExecContext(ctx, `
		DELETE FROM dependency_edges WHERE dependent_id = ? OR dependency_id = ?
	`, taskID, taskID)
	if err != nil {
		return 0, fmt.Errorf("remove dependencies for task: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) queryDependencyEdges(ctx context.Context, query string, args ...any) ([]models.DependencyEdge, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dependency edges: %w", err)
	}
	defer rows.Close()

	var edges []models.DependencyEdge
	for rows.Next() {
		var e models.DependencyEdge
		var createdAt string
		if err := rows.Scan(&e.DependentID, &e.DependencyID, &e.Type, &createdAt); err != nil {
			return nil, fmt.Errorf("scan dependency edge: %w", err)
		}
		var parseErr error
		if e.CreatedAt, parseErr = parseTime(createdAt); parseErr != nil {
			e.CreatedAt = time.Time{}
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
