package models

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// InfiniteRetries is the MaxAttempts sentinel for a task that is retried forever.
const InfiniteRetries = -1

// Task is the persisted record of one compiled unit of work.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`

	// ExecutionID is the execution this task belongs to.
	ExecutionID string `json:"execution_id"`

	// Name is a human-readable label, e.g. "Standard:create@node:web_server_x1y2z3".
	Name string `json:"name"`

	// Kind distinguishes operations from compiler-inserted stubs.
	Kind TaskKind `json:"kind"`

	// ScopeID is the compiled workflow scope that owns this task.
	ScopeID string `json:"scope_id"`

	// ParentScopeID links a scope's start marker to the enclosing scope.
	ParentScopeID string `json:"parent_scope_id,omitempty"`

	// ActorType is node or relationship for operation tasks.
	ActorType ActorType `json:"actor_type,omitempty"`

	// NodeID is set when the actor is a node.
	NodeID string `json:"node_id,omitempty"`

	// RelationshipID is set when the actor is a relationship.
	RelationshipID string `json:"relationship_id,omitempty"`

	// InterfaceName is the interface holding the operation.
	InterfaceName string `json:"interface_name,omitempty"`

	// OperationName is the operation to run.
	OperationName string `json:"operation_name,omitempty"`

	// Plugin names the execution runtime; empty for the default one.
	Plugin string `json:"plugin,omitempty"`

	// Function identifies the code to run. Empty means no implementation.
	Function string `json:"function,omitempty"`

	// Arguments are passed to the function.
	Arguments map[string]interface{} `json:"arguments,omitempty"`

	// RunsOn selects the host for relationship operations.
	RunsOn RunsOn `json:"runs_on,omitempty"`

	// Status is the current lifecycle status.
	Status TaskStatus `json:"status"`

	// DueAt is the earliest time the task may be dispatched.
	DueAt time.Time `json:"due_at"`

	// StartedAt is when the current attempt started.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// EndedAt is when the task reached an end state.
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// MaxAttempts bounds automatic retries; InfiniteRetries means no bound.
	MaxAttempts int `json:"max_attempts"`

	// RetryCount is the number of retries consumed so far.
	RetryCount int `json:"retry_count"`

	// RetryInterval is the delay before a retry becomes due.
	RetryInterval time.Duration `json:"retry_interval"`

	// IgnoreFailure keeps a failure of this task from failing the workflow.
	IgnoreFailure bool `json:"ignore_failure"`

	// Dependencies are the ids of tasks that must end before this one runs.
	Dependencies []string `json:"dependencies,omitempty"`

	// Error is the message of the last failure.
	Error string `json:"error,omitempty"`

	// Stack is the stack trace captured with the last failure.
	Stack string `json:"stack,omitempty"`

	// CreatedAt is when the task was compiled.
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the task's invariants.
func (t *Task) Validate() error {
	if t.ID == "" {
		return NewValidationError("task id is required", nil)
	}
	if err := ValidateMaxAttempts(t.MaxAttempts); err != nil {
		return err
	}
	if t.RetryCount < 0 {
		return NewValidationError(fmt.Sprintf("retry count must not be negative: %d", t.RetryCount), nil)
	}
	if t.RetryInterval < 0 {
		return NewValidationError(fmt.Sprintf("retry interval must not be negative: %s", t.RetryInterval), nil)
	}
	if err := t.Status.Validate(); err != nil {
		return NewValidationError("invalid task", err)
	}
	if t.Kind == TaskKindOperation {
		if (t.NodeID == "") == (t.RelationshipID == "") {
			return NewValidationError("operation task needs exactly one of node or relationship", nil).
				WithResource(t.ID)
		}
		if t.RunsOn != "" {
			if err := t.RunsOn.Validate(); err != nil {
				return NewValidationError("invalid task", err)
			}
		}
	}
	return nil
}

// ValidateMaxAttempts checks that value is InfiniteRetries or at least 1.
func ValidateMaxAttempts(value int) error {
	if value < 1 && value != InfiniteRetries {
		return NewValidationError(
			fmt.Sprintf("max attempts must be %d or at least 1, got %d", InfiniteRetries, value), nil)
	}
	return nil
}

// SetStatus moves the task to next, rejecting transitions the task state
// machine does not allow.
func (t *Task) SetStatus(next TaskStatus) error {
	if err := next.Validate(); err != nil {
		return NewValidationError("invalid task status", err)
	}
	if !t.Status.CanTransitionTo(next) {
		return illegalTransition("task", string(t.Status), string(next)).WithResource(t.ID)
	}
	t.Status = next
	return nil
}

// MarkSent records that the task was handed to an executor.
func (t *Task) MarkSent() error {
	return t.SetStatus(TaskStatusSent)
}

// MarkStarted records the start of an attempt.
func (t *Task) MarkStarted(now time.Time) error {
	if err := t.SetStatus(TaskStatusStarted); err != nil {
		return err
	}
	t.StartedAt = &now
	return nil
}

// MarkSucceeded records successful completion.
func (t *Task) MarkSucceeded(now time.Time) error {
	if err := t.SetStatus(TaskStatusSuccess); err != nil {
		return err
	}
	t.EndedAt = &now
	return nil
}

// MarkFailed records a terminal failure.
func (t *Task) MarkFailed(now time.Time, message, stack string) error {
	if err := t.SetStatus(TaskStatusFailed); err != nil {
		return err
	}
	t.EndedAt = &now
	t.Error = message
	t.Stack = stack
	return nil
}

// MarkRetrying consumes one retry and re-arms the task to be due after interval.
func (t *Task) MarkRetrying(now time.Time, interval time.Duration, message string) error {
	if err := t.SetStatus(TaskStatusRetrying); err != nil {
		return err
	}
	t.RetryCount++
	t.DueAt = now.Add(interval)
	t.Error = message
	return nil
}

// Requeue returns an interrupted task to PENDING so a resumed execution
// dispatches it again. Ended tasks are left alone.
func (t *Task) Requeue() {
	if t.Status.IsEnded() {
		return
	}
	t.Status = TaskStatusPending
	t.StartedAt = nil
}

// HasRetriesLeft reports whether an automatic retry is still allowed.
func (t *Task) HasRetriesLeft() bool {
	return t.MaxAttempts == InfiniteRetries || t.RetryCount < t.MaxAttempts
}

// HasImplementation reports whether the task has a function to run.
func (t *Task) HasImplementation() bool {
	return t.Function != ""
}

// IsDue reports whether the task may be dispatched at now.
func (t *Task) IsDue(now time.Time) bool {
	return !now.Before(t.DueAt)
}

// Satisfied reports whether dependents of this task may run.
func (t *Task) Satisfied() bool {
	return t.Status == TaskStatusSuccess || (t.Status == TaskStatusFailed && t.IgnoreFailure)
}

// ActorID returns the node or relationship id the task operates on.
func (t *Task) ActorID() string {
	if t.ActorType == ActorTypeRelationship {
		return t.RelationshipID
	}
	return t.NodeID
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Arguments = maps.Clone(t.Arguments)
	c.Dependencies = slices.Clone(t.Dependencies)
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.EndedAt != nil {
		ended := *t.EndedAt
		c.EndedAt = &ended
	}
	return &c
}
