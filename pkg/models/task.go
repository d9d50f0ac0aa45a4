package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusBacklog indicates the task is captured but not yet planned.
	TaskStatusBacklog TaskStatus = "backlog"
	// TaskStatusTodo indicates the task is planned and ready to start.
	TaskStatusTodo TaskStatus = "todo"
	// TaskStatusInProgress indicates the task is being worked on.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusInReview indicates the task's work is awaiting review.
	TaskStatusInReview TaskStatus = "in_review"
	// TaskStatusDone indicates the task completed successfully.
	TaskStatusDone TaskStatus = "done"
	// TaskStatusCancelled indicates the task was abandoned.
	TaskStatusCancelled TaskStatus = "cancelled"
	// TaskStatusBlocked indicates the task cannot proceed.
	TaskStatusBlocked TaskStatus = "blocked"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusBacklog, TaskStatusTodo, TaskStatusInProgress,
		TaskStatusInReview, TaskStatusDone, TaskStatusCancelled, TaskStatusBlocked:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transition is defined from this status.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusCancelled
}

// MaxHierarchyDepth is the hard ceiling on ancestor chain length. Walks
// exceeding it indicate a corrupted or cyclic parent chain.
const MaxHierarchyDepth = 50

// Task represents a hierarchical unit of work.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// OwnerID identifies the tenant that owns this task.
	OwnerID string `json:"owner_id"`
	// ParentID is the ID of the parent task, if any.
	ParentID string `json:"parent_id,omitempty"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description provides detailed information about the task.
	Description string `json:"description,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// Priority orders tasks within a queue; higher runs first.
	Priority int `json:"priority"`
	// ProgressPercentage tracks completion from 0 to 100.
	ProgressPercentage int `json:"progress_percentage"`
	// BlockedReason explains why the task is blocked, if it is.
	BlockedReason string `json:"blocked_reason,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the task was last modified.
	UpdatedAt time.Time `json:"updated_at"`
	// CompletedAt is when the task reached a terminal state, if applicable.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// HierarchyEdge is one row of the materialized ancestor set: task T has
// ancestor A at the given hop distance.
type HierarchyEdge struct {
	// TaskID is the descendant task.
	TaskID string `json:"task_id"`
	// AncestorID is a task on TaskID's parent chain.
	AncestorID string `json:"ancestor_id"`
	// Depth is the number of hops from TaskID's parent to AncestorID.
	// The direct parent has depth 0.
	Depth int `json:"depth"`
}

// DependencyType classifies an edge between two tasks.
type DependencyType string

const (
	// DependencyBlocks means the dependency must finish before the dependent starts.
	DependencyBlocks DependencyType = "blocks"
	// DependencyRelatesTo is an informational link between tasks.
	DependencyRelatesTo DependencyType = "relates_to"
	// DependencyDuplicates marks the dependent as a duplicate of the dependency.
	DependencyDuplicates DependencyType = "duplicates"
)

// Valid returns true if the dependency type is a known value.
func (t DependencyType) Valid() bool {
	switch t {
	case DependencyBlocks, DependencyRelatesTo, DependencyDuplicates:
		return true
	default:
		return false
	}
}

// DependencyEdge is a directed edge in the task dependency graph.
type DependencyEdge struct {
	// DependentID is the task that depends on another.
	DependentID string `json:"dependent_id"`
	// DependencyID is the task being depended on.
	DependencyID string `json:"dependency_id"`
	// Type classifies the relationship.
	Type DependencyType `json:"type"`
	// CreatedAt is when the edge was created.
	CreatedAt time.Time `json:"created_at"`
}
