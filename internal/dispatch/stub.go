package dispatch

import (
	"context"
	"sync"
)

// StubCollaborator is a scriptable collaborator for tests. Each call pops
// the next queued result; an empty queue returns a success with no output.
type StubCollaborator struct {
	mu       sync.Mutex
	queued   []Result
	errs     []error
	Requests []Request
}

// QueueResult appends a canned result for a future Execute call.
func (s *StubCollaborator) QueueResult(r Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, r)
	s.errs = append(s.errs, err)
}

// Execute records the request and returns the next canned result.
func (s *StubCollaborator) Execute(ctx context.Context, req Request) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Requests = append(s.Requests, req)

	if len(s.queued) == 0 {
		return Result{Status: ResultSucceeded}, nil
	}
	r, err := s.queued[0], s.errs[0]
	s.queued = s.queued[1:]
	s.errs = s.errs[1:]
	return r, err
}
