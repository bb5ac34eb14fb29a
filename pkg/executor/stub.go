package executor

import (
	"context"
)

// StubExecutor completes marker and stub tasks without running anything.
// It reports synchronously on the calling goroutine.
type StubExecutor struct {
	listener Listener
}

// NewStubExecutor creates a stub executor.
func NewStubExecutor(listener Listener) *StubExecutor {
	return &StubExecutor{listener: listener}
}

// Execute marks the task succeeded.
func (e *StubExecutor) Execute(_ context.Context, req *Request) error {
	e.listener.TaskSucceeded(req.Task)
	return nil
}

func (e *StubExecutor) Terminate(string) {}

func (e *StubExecutor) Close() error { return nil }
