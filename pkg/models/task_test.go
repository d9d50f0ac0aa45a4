package models

import (
	"testing"
)

func TestTaskStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status TaskStatus
		want   bool
	}{
		{"backlog is valid", TaskStatusBacklog, true},
		{"todo is valid", TaskStatusTodo, true},
		{"in_progress is valid", TaskStatusInProgress, true},
		{"in_review is valid", TaskStatusInReview, true},
		{"done is valid", TaskStatusDone, true},
		{"cancelled is valid", TaskStatusCancelled, true},
		{"blocked is valid", TaskStatusBlocked, true},
		{"empty string is invalid", TaskStatus(""), false},
		{"unknown status is invalid", TaskStatus("paused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.want {
				t.Errorf("TaskStatus(%q).Valid() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestTaskStatus_Terminal(t *testing.T) {
	terminal := []TaskStatus{TaskStatusDone, TaskStatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("TaskStatus(%q).Terminal() = false, want true", s)
		}
	}

	nonTerminal := []TaskStatus{
		TaskStatusBacklog, TaskStatusTodo, TaskStatusInProgress,
		TaskStatusInReview, TaskStatusBlocked,
	}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("TaskStatus(%q).Terminal() = true, want false", s)
		}
	}
}

func TestDependencyType_Valid(t *testing.T) {
	tests := []struct {
		typ  DependencyType
		want bool
	}{
		{DependencyBlocks, true},
		{DependencyRelatesTo, true},
		{DependencyDuplicates, true},
		{DependencyType(""), false},
		{DependencyType("links_to"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			if got := tt.typ.Valid(); got != tt.want {
				t.Errorf("DependencyType(%q).Valid() = %v, want %v", tt.typ, got, tt.want)
			}
		})
	}
}
