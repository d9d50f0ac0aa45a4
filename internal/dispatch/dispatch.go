// Package dispatch calls out to the external agent execution collaborator.
// The orchestration core treats the collaborator as opaque: a prompt and
// task type go out, a status, result, and usage accounting come back.
package dispatch

import "context"

// Request is the work handed to the execution collaborator.
type Request struct {
	// Prompt is the instruction to execute.
	Prompt string
	// Context carries additional material the collaborator may use.
	Context string
	// TaskType is the kind of work being dispatched.
	TaskType string
}

// ResultStatus is the collaborator's verdict on a request.
type ResultStatus string

const (
	// ResultSucceeded indicates the collaborator produced a usable result.
	ResultSucceeded ResultStatus = "succeeded"
	// ResultFailed indicates the collaborator could not complete the work.
	ResultFailed ResultStatus = "failed"
)

// Result is what the execution collaborator returns.
type Result struct {
	// Status is the collaborator's verdict.
	Status ResultStatus
	// Output is the produced result text.
	Output string
	// TokensUsed is the number of tokens the collaborator consumed.
	TokensUsed int64
	// CostCents is the cost of the call in cents.
	CostCents int64
}

// Collaborator executes dispatched work outside the orchestration core.
type Collaborator interface {
	Execute(ctx context.Context, req Request) (Result, error)
}
