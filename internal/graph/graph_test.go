package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/luminal-dev/conductor/internal/store"
	"github.com/luminal-dev/conductor/pkg/models"
)

func openTestGraph(t *testing.T) *Graph {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestAddDependency(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()

	if err := g.AddDependency(ctx, "x", "y", models.DependencyBlocks); err != nil {
		t.Fatalf("add dependency: %v", err)
	}

	deps, err := g.DependenciesOf(ctx, "x")
	if err != nil {
		t.Fatalf("dependencies of x: %v", err)
	}
	if len(deps) != 1 || deps[0].DependencyID != "y" {
		t.Errorf("dependencies of x = %+v, want one edge to y", deps)
	}

	dependents, err := g.DependentsOf(ctx, "y")
	if err != nil {
		t.Fatalf("dependents of y: %v", err)
	}
	if len(dependents) != 1 || dependents[0].DependentID != "x" {
		t.Errorf("dependents of y = %+v, want one edge from x", dependents)
	}
}

func TestSelfDependencyRejected(t *testing.T) {
	g := openTestGraph(t)

	err := g.AddDependency(context.Background(), "x", "x", models.DependencyBlocks)
	if !errors.Is(err, ErrSelfDependency) {
		t.Errorf("expected ErrSelfDependency, got %v", err)
	}
}

func TestDirectCycleRejected(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()

	if err := g.AddDependency(ctx, "x", "y", models.DependencyBlocks); err != nil {
		t.Fatalf("x -> y: %v", err)
	}

	err := g.AddDependency(ctx, "y", "x", models.DependencyBlocks)
	if !errors.Is(err, ErrCircularDependency) {
		t.Fatalf("expected ErrCircularDependency, got %v", err)
	}

	// The rejected edge must not be persisted.
	deps, err := g.DependenciesOf(ctx, "y")
	if err != nil {
		t.Fatalf("dependencies of y: %v", err)
	}
	if len(deps) != 0 {
		t.Errorf("rejected edge was persisted: %+v", deps)
	}
}

func TestTransitiveCycleRejected(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()

	if err := g.AddDependency(ctx, "a", "b", models.DependencyBlocks); err != nil {
		t.Fatalf("a -> b: %v", err)
	}
	if err := g.AddDependency(ctx, "b", "c", models.DependencyBlocks); err != nil {
		t.Fatalf("b -> c: %v", err)
	}

	err := g.AddDependency(ctx, "c", "a", models.DependencyBlocks)
	if !errors.Is(err, ErrCircularDependency) {
		t.Errorf("expected ErrCircularDependency for c -> a, got %v", err)
	}
}

func TestDiamondIsNotACycle(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()

	edges := [][2]string{{"d", "b"}, {"d", "c"}, {"b", "a"}, {"c", "a"}}
	for _, e := range edges {
		if err := g.AddDependency(ctx, e[0], e[1], models.DependencyBlocks); err != nil {
			t.Fatalf("%s -> %s: %v", e[0], e[1], err)
		}
	}
}

func TestUnknownTypeRejected(t *testing.T) {
	g := openTestGraph(t)

	err := g.AddDependency(context.Background(), "x", "y", models.DependencyType("links"))
	if err == nil {
		t.Error("expected error for unknown dependency type")
	}
}

func TestRemoveDependency(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()

	if err := g.AddDependency(ctx, "x", "y", models.DependencyRelatesTo); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := g.RemoveDependency(ctx, "x", "y"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	// Removing the edge unblocks the reverse direction.
	if err := g.AddDependency(ctx, "y", "x", models.DependencyBlocks); err != nil {
		t.Errorf("y -> x after removal should succeed, got %v", err)
	}
}

func TestRemoveForClearsBothDirections(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()

	if err := g.AddDependency(ctx, "mid", "upstream", models.DependencyBlocks); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := g.AddDependency(ctx, "downstream", "mid", models.DependencyBlocks); err != nil {
		t.Fatalf("add: %v", err)
	}

	n, err := g.RemoveFor(ctx, "mid")
	if err != nil {
		t.Fatalf("remove for: %v", err)
	}
	if n != 2 {
		t.Errorf("removed %d edges, want 2", n)
	}

	deps, err := g.DependenciesOf(ctx, "downstream")
	if err != nil {
		t.Fatalf("dependencies of downstream: %v", err)
	}
	if len(deps) != 0 {
		t.Errorf("downstream still has %d edges after removal", len(deps))
	}
}

func TestLongChainWithinCeiling(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		dependent := fmt.Sprintf("n%d", i+1)
		dependency := fmt.Sprintf("n%d", i)
		if err := g.AddDependency(ctx, dependent, dependency, models.DependencyBlocks); err != nil {
			t.Fatalf("edge %s -> %s: %v", dependent, dependency, err)
		}
	}

	// Closing the chain at the end is still a cycle.
	err := g.AddDependency(ctx, "n0", "n40", models.DependencyBlocks)
	if !errors.Is(err, ErrCircularDependency) {
		t.Errorf("expected ErrCircularDependency, got %v", err)
	}
}
