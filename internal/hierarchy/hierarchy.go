// Package hierarchy maintains the task tree and its materialized ancestor
// set. Every task carries one row per ancestor with its hop distance, so
// ancestor lookups never walk the tree at read time.
package hierarchy

import (
	"context"
	"errors"
	"fmt"

	"github.com/luminal-dev/conductor/internal/store"
	"github.com/luminal-dev/conductor/pkg/models"
)

// ErrSelfParent indicates a task was asked to become its own parent.
var ErrSelfParent = errors.New("task cannot be its own parent")

// ErrHierarchyCycle indicates the proposed parent is a descendant of the task.
var ErrHierarchyCycle = errors.New("reparent would create a cycle")

// ErrHierarchyTooDeep indicates an ancestor walk exceeded the depth ceiling.
// This signals a corrupted parent chain and is logged as critical by callers.
var ErrHierarchyTooDeep = errors.New("hierarchy too deep")

// Manager rebuilds the materialized ancestor set as tasks are reparented.
type Manager struct {
	store *store.Store
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a Manager backed by the given store.
func New(s *store.Store) *Manager {
	return &Manager{
		store:    s,
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (m *Manager) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		m.debugLog = fn
	}
}

// SetParent reparents a task. It rejects self-parenting and any parent whose
// own ancestor chain passes through the task. On success the materialized
// ancestor set is rebuilt for the task and every descendant, all in one
// transaction so a failed rebuild leaves nothing half-written.
func (m *Manager) SetParent(ctx context.Context, taskID, newParentID string) error {
	if newParentID == taskID {
		return ErrSelfParent
	}

	return m.store.Transaction(ctx, func(tx *store.Tx) error {
		// Verify the task exists before touching anything.
		if _, err := tx.GetTaskParent(taskID); err != nil {
			return err
		}

		if newParentID != "" {
			onChain, err := m.chainContains(tx, newParentID, taskID)
			if err != nil {
				return err
			}
			if onChain {
				m.debugLog("[hierarchy.SetParent] REJECTED: %s is on %s's ancestor chain", taskID, newParentID)
				return ErrHierarchyCycle
			}
		}

		// Descendants are resolved from the old edges; the subtree under
		// taskID is unchanged by the reparent itself.
		descendants, err := tx.ListDescendantIDs(taskID)
		if err != nil {
			return err
		}

		if err := tx.SetTaskParent(taskID, newParentID); err != nil {
			return err
		}

		if err := m.rebuild(tx, taskID); err != nil {
			return err
		}
		for _, id := range descendants {
			if err := m.rebuild(tx, id); err != nil {
				return err
			}
		}

		m.debugLog("[hierarchy.SetParent] %s -> parent %q, rebuilt %d descendants", taskID, newParentID, len(descendants))
		return nil
	})
}

// Rebuild recomputes the materialized ancestor set for a single task.
func (m *Manager) Rebuild(ctx context.Context, taskID string) error {
	return m.store.Transaction(ctx, func(tx *store.Tx) error {
		return m.rebuild(tx, taskID)
	})
}

// rebuild walks the parent pointer chain upward from taskID, recording one
// (task, ancestor, depth) row per hop. Exceeding the ceiling aborts the
// transaction so the rebuild is all-or-nothing.
func (m *Manager) rebuild(tx *store.Tx, taskID string) error {
	var edges []models.HierarchyEdge

	current := taskID
	for depth := 0; ; depth++ {
		if depth > models.MaxHierarchyDepth {
			return fmt.Errorf("rebuild %s: %w", taskID, ErrHierarchyTooDeep)
		}

		parent, err := tx.GetTaskParent(current)
		if err != nil {
			return err
		}
		if parent == "" {
			break
		}

		edges = append(edges, models.HierarchyEdge{
			TaskID:     taskID,
			AncestorID: parent,
			Depth:      depth,
		})
		current = parent
	}

	return tx.ReplaceAncestors(taskID, edges)
}

// chainContains walks from start up the parent chain and reports whether
// target appears on it. start itself counts as part of the chain.
func (m *Manager) chainContains(tx *store.Tx, start, target string) (bool, error) {
	current := start
	for depth := 0; current != ""; depth++ {
		if depth > models.MaxHierarchyDepth {
			return false, ErrHierarchyTooDeep
		}
		if current == target {
			return true, nil
		}
		parent, err := tx.GetTaskParent(current)
		if err != nil {
			return false, err
		}
		current = parent
	}
	return false, nil
}

// Ancestors returns a task's materialized ancestor set ordered by depth.
func (m *Manager) Ancestors(ctx context.Context, taskID string) ([]models.HierarchyEdge, error) {
	return m.store.GetAncestors(ctx, taskID)
}

// PropagateProgress recomputes the parent's progress percentage as the mean
// of its children's, treating terminal children as fully complete. Invoked
// as a post-transition hook after a child's status or progress changes.
func (m *Manager) PropagateProgress(ctx context.Context, childID string) error {
	child, err := m.store.GetTask(ctx, childID)
	if err != nil {
		return err
	}
	if child.ParentID == "" {
		return nil
	}

	siblings, err := m.store.ListChildren(ctx, child.ParentID)
	if err != nil {
		return err
	}
	if len(siblings) == 0 {
		return nil
	}

	total := 0
	for _, s := range siblings {
		if s.Status == models.TaskStatusDone {
			total += 100
			continue
		}
		total += s.ProgressPercentage
	}

	return m.store.UpdateTaskProgress(ctx, child.ParentID, total/len(siblings))
}
