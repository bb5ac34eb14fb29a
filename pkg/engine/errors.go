package engine

import "errors"

var (
	// ErrWorkflowFailed is returned when a task that may not fail exhausts
	// its attempts.
	ErrWorkflowFailed = errors.New("workflow failed")

	// ErrExecutionCancelled is returned when an execution ends cancelled.
	ErrExecutionCancelled = errors.New("execution cancelled")

	// errExecutionChanged means the execution's status was written by
	// someone else between the loop reading and settling it.
	errExecutionChanged = errors.New("execution changed")
)
