// Package graph maintains the persisted task dependency graph and keeps it
// acyclic.
package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/luminal-dev/conductor/internal/store"
	"github.com/luminal-dev/conductor/pkg/models"
)

// ErrCircularDependency indicates a proposed edge would close a cycle.
var ErrCircularDependency = errors.New("circular dependency detected")

// ErrSelfDependency indicates a task was asked to depend on itself.
var ErrSelfDependency = errors.New("task cannot depend on itself")

// ErrChainTooDeep indicates the dependency chain exceeded the traversal
// ceiling, which signals corrupted data rather than a legitimate graph.
var ErrChainTooDeep = errors.New("dependency chain too deep")

// maxTraversalDepth bounds the cycle-check walk.
const maxTraversalDepth = 50

// Graph validates and persists dependency edges between tasks.
type Graph struct {
	store *store.Store
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a Graph backed by the given store.
func New(s *store.Store) *Graph {
	return &Graph{
		store:    s,
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *Graph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// AddDependency records that dependentID depends on dependencyID. The cycle
// check and the insert share one transaction, so concurrent callers cannot
// interleave a cycle past the check and a rejected edge is never persisted.
func (g *Graph) AddDependency(ctx context.Context, dependentID, dependencyID string, typ models.DependencyType) error {
	if dependentID == dependencyID {
		return ErrSelfDependency
	}
	if !typ.Valid() {
		return fmt.Errorf("unknown dependency type %q", typ)
	}

	return g.store.Transaction(ctx, func(tx *store.Tx) error {
		adj, err := tx.DependencyAdjacency()
		if err != nil {
			return err
		}

		g.debugLog("[graph.AddDependency] checking %s -> %s against %d nodes", dependentID, dependencyID, len(adj))

		reachable, err := reachableFrom(adj, dependencyID)
		if err != nil {
			return err
		}
		if reachable[dependentID] {
			g.debugLog("[graph.AddDependency] REJECTED: %s reachable from %s", dependentID, dependencyID)
			return ErrCircularDependency
		}

		return tx.InsertDependencyEdge(models.DependencyEdge{
			DependentID:  dependentID,
			DependencyID: dependencyID,
			Type:         typ,
			CreatedAt:    time.Now(),
		})
	})
}

// reachableFrom walks dependency edges breadth-first from start, following
// "what does this depend on, transitively". Visited-set dedup keeps the walk
// linear in edge count; the depth ceiling guards against corrupted chains.
func reachableFrom(adj map[string][]string, start string) (map[string]bool, error) {
	visited := map[string]bool{start: true}
	frontier := []string{start}

	for depth := 0; len(frontier) > 0; depth++ {
		if depth > maxTraversalDepth {
			return nil, ErrChainTooDeep
		}
		var next []string
		for _, id := range frontier {
			for _, dep := range adj[id] {
				if visited[dep] {
					continue
				}
				visited[dep] = true
				next = append(next, dep)
			}
		}
		frontier = next
	}
	return visited, nil
}

// DependenciesOf returns the tasks the given task depends on.
func (g *Graph) DependenciesOf(ctx context.Context, taskID string) ([]models.DependencyEdge, error) {
	return g.store.DependenciesOf(ctx, taskID)
}

// DependentsOf returns the tasks that depend on the given task.
func (g *Graph) DependentsOf(ctx context.Context, taskID string) ([]models.DependencyEdge, error) {
	return g.store.DependentsOf(ctx, taskID)
}

// RemoveDependency deletes an edge between two tasks.
func (g *Graph) RemoveDependency(ctx context.Context, dependentID, dependencyID string) error {
	return g.store.RemoveDependency(ctx, dependentID, dependencyID)
}

// RemoveFor deletes every edge touching the given task, in both directions,
// and returns how many were removed. Called when a task leaves the graph.
func (g *Graph) RemoveFor(ctx context.Context, taskID string) (int, error) {
	n, err := g.store.RemoveDependenciesFor(ctx, taskID)
	if err != nil {
		return 0, err
	}
	g.debugLog("[graph.RemoveFor] removed %d edges for %s", n, taskID)
	return n, nil
}
