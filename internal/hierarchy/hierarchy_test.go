package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/luminal-dev/conductor/internal/store"
	"github.com/luminal-dev/conductor/pkg/models"
)

func setup(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s), s
}

func createTask(t *testing.T, s *store.Store, id, parentID string) {
	t.Helper()
	now := time.Now()
	err := s.CreateTask(context.Background(), &models.Task{
		ID:        id,
		OwnerID:   "tenant-1",
		ParentID:  parentID,
		Title:     "task " + id,
		Status:    models.TaskStatusTodo,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("create task %s: %v", id, err)
	}
}

func TestRebuildChain(t *testing.T) {
	m, s := setup(t)
	ctx := context.Background()

	// A (root) -> B -> C
	createTask(t, s, "a", "")
	createTask(t, s, "b", "a")
	createTask(t, s, "c", "b")

	if err := m.Rebuild(ctx, "c"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	edges, err := m.Ancestors(ctx, "c")
	if err != nil {
		t.Fatalf("ancestors: %v", err)
	}
	if len(edges) != 2 {
		t.Fatalf("expected 2 ancestors, got %d", len(edges))
	}
	if edges[0].AncestorID != "b" || edges[0].Depth != 0 {
		t.Errorf("edge[0] = %+v, want {b, depth 0}", edges[0])
	}
	if edges[1].AncestorID != "a" || edges[1].Depth != 1 {
		t.Errorf("edge[1] = %+v, want {a, depth 1}", edges[1])
	}
}

func TestRebuildRoot(t *testing.T) {
	m, s := setup(t)

	createTask(t, s, "root", "")
	if err := m.Rebuild(context.Background(), "root"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	edges, err := m.Ancestors(context.Background(), "root")
	if err != nil {
		t.Fatalf("ancestors: %v", err)
	}
	if len(edges) != 0 {
		t.Errorf("root should have no ancestors, got %+v", edges)
	}
}

func TestSetParentSelfRejected(t *testing.T) {
	m, s := setup(t)
	createTask(t, s, "a", "")

	err := m.SetParent(context.Background(), "a", "a")
	if !errors.Is(err, ErrSelfParent) {
		t.Errorf("expected ErrSelfParent, got %v", err)
	}
}

func TestSetParentCycleRejected(t *testing.T) {
	m, s := setup(t)
	ctx := context.Background()

	createTask(t, s, "a", "")
	createTask(t, s, "b", "a")
	createTask(t, s, "c", "b")

	// Making A a child of C would put A on its own ancestor chain.
	err := m.SetParent(ctx, "a", "c")
	if !errors.Is(err, ErrHierarchyCycle) {
		t.Fatalf("expected ErrHierarchyCycle, got %v", err)
	}

	// Nothing committed: A is still a root.
	task, err := s.GetTask(ctx, "a")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.ParentID != "" {
		t.Errorf("a.parent = %q, want empty after rejected reparent", task.ParentID)
	}
}

func TestSetParentRebuildsDescendants(t *testing.T) {
	m, s := setup(t)
	ctx := context.Background()

	// Two separate trees: root -> a -> b, and new-root.
	createTask(t, s, "root", "")
	createTask(t, s, "a", "root")
	createTask(t, s, "b", "a")
	createTask(t, s, "new-root", "")

	for _, id := range []string{"a", "b"} {
		if err := m.Rebuild(ctx, id); err != nil {
			t.Fatalf("seed rebuild %s: %v", id, err)
		}
	}

	// Move a (and therefore b) under new-root.
	if err := m.SetParent(ctx, "a", "new-root"); err != nil {
		t.Fatalf("set parent: %v", err)
	}

	edges, err := m.Ancestors(ctx, "b")
	if err != nil {
		t.Fatalf("ancestors of b: %v", err)
	}
	if len(edges) != 2 {
		t.Fatalf("b should have 2 ancestors, got %+v", edges)
	}
	if edges[0].AncestorID != "a" || edges[1].AncestorID != "new-root" {
		t.Errorf("b's chain = %+v, want a then new-root", edges)
	}

	aEdges, err := m.Ancestors(ctx, "a")
	if err != nil {
		t.Fatalf("ancestors of a: %v", err)
	}
	if len(aEdges) != 1 || aEdges[0].AncestorID != "new-root" {
		t.Errorf("a's chain = %+v, want just new-root", aEdges)
	}
}

func TestSetParentDetach(t *testing.T) {
	m, s := setup(t)
	ctx := context.Background()

	createTask(t, s, "a", "")
	createTask(t, s, "b", "a")
	if err := m.Rebuild(ctx, "b"); err != nil {
		t.Fatalf("seed rebuild: %v", err)
	}

	if err := m.SetParent(ctx, "b", ""); err != nil {
		t.Fatalf("detach: %v", err)
	}

	edges, err := m.Ancestors(ctx, "b")
	if err != nil {
		t.Fatalf("ancestors: %v", err)
	}
	if len(edges) != 0 {
		t.Errorf("detached task should have no ancestors, got %+v", edges)
	}
}

func TestRebuildDepthCeiling(t *testing.T) {
	m, s := setup(t)
	ctx := context.Background()

	// Build a chain one deeper than the ceiling allows.
	createTask(t, s, "n0", "")
	for i := 1; i <= models.MaxHierarchyDepth+2; i++ {
		createTask(t, s, fmt.Sprintf("n%d", i), fmt.Sprintf("n%d", i-1))
	}

	deepest := fmt.Sprintf("n%d", models.MaxHierarchyDepth+2)
	err := m.Rebuild(ctx, deepest)
	if !errors.Is(err, ErrHierarchyTooDeep) {
		t.Fatalf("expected ErrHierarchyTooDeep, got %v", err)
	}

	// All-or-nothing: no partial ancestor set committed.
	edges, getErr := m.Ancestors(ctx, deepest)
	if getErr != nil {
		t.Fatalf("ancestors: %v", getErr)
	}
	if len(edges) != 0 {
		t.Errorf("failed rebuild left %d partial edges", len(edges))
	}
}

func TestPropagateProgress(t *testing.T) {
	m, s := setup(t)
	ctx := context.Background()

	createTask(t, s, "parent", "")
	createTask(t, s, "c1", "parent")
	createTask(t, s, "c2", "parent")

	if err := s.UpdateTaskStatus(ctx, "c1", models.TaskStatusDone, ""); err != nil {
		t.Fatalf("complete c1: %v", err)
	}
	if err := s.UpdateTaskProgress(ctx, "c2", 50); err != nil {
		t.Fatalf("progress c2: %v", err)
	}

	if err := m.PropagateProgress(ctx, "c1"); err != nil {
		t.Fatalf("propagate: %v", err)
	}

	parent, err := s.GetTask(ctx, "parent")
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	// (100 + 50) / 2
	if parent.ProgressPercentage != 75 {
		t.Errorf("parent progress = %d, want 75", parent.ProgressPercentage)
	}
}
