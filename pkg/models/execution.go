package models

import (
	"maps"
	"time"
)

// Execution is the persisted record of one workflow run.
type Execution struct {
	// ID is the unique identifier for this execution.
	ID string `json:"id"`

	// ServiceID is the service the workflow runs against.
	ServiceID string `json:"service_id"`

	// WorkflowName is the name of the workflow being run.
	WorkflowName string `json:"workflow_name"`

	// Status is the aggregate execution status.
	Status ExecutionStatus `json:"status"`

	// Inputs are the workflow inputs.
	Inputs map[string]interface{} `json:"inputs,omitempty"`

	// Error retains the failure that ended the execution.
	Error string `json:"error,omitempty"`

	// CreatedAt is when the execution was created.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the engine started dispatching.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// EndedAt is when the execution reached an end state.
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// NewExecution creates a pending execution.
func NewExecution(id, serviceID, workflowName string, inputs map[string]interface{}) *Execution {
	return &Execution{
		ID:           id,
		ServiceID:    serviceID,
		WorkflowName: workflowName,
		Status:       ExecutionStatusPending,
		Inputs:       inputs,
		CreatedAt:    time.Now().UTC(),
	}
}

// SetStatus moves the execution to next, rejecting transitions the execution
// state machine does not allow.
func (e *Execution) SetStatus(next ExecutionStatus) error {
	if err := next.Validate(); err != nil {
		return NewValidationError("invalid execution status", err)
	}
	if !e.Status.CanTransitionTo(next) {
		return illegalTransition("execution", string(e.Status), string(next)).WithResource(e.ID)
	}
	e.Status = next
	return nil
}

// MarkStarted records that the engine started the workflow.
func (e *Execution) MarkStarted(now time.Time) error {
	if err := e.SetStatus(ExecutionStatusStarted); err != nil {
		return err
	}
	e.StartedAt = &now
	return nil
}

// MarkTerminated records successful completion.
func (e *Execution) MarkTerminated(now time.Time) error {
	if err := e.SetStatus(ExecutionStatusTerminated); err != nil {
		return err
	}
	e.EndedAt = &now
	return nil
}

// MarkFailed records failure and retains the cause.
func (e *Execution) MarkFailed(now time.Time, cause error) error {
	if err := e.SetStatus(ExecutionStatusFailed); err != nil {
		return err
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	e.EndedAt = &now
	return nil
}

// MarkCancelled records that cancellation completed. It is a no-op when the
// execution is already cancelled.
func (e *Execution) MarkCancelled(now time.Time) error {
	if e.Status == ExecutionStatusCancelled {
		return nil
	}
	if err := e.SetStatus(ExecutionStatusCancelled); err != nil {
		return err
	}
	e.EndedAt = &now
	return nil
}

// RequestCancel asks a running execution to stop. A pending execution is
// cancelled outright. With force, the execution moves on to force-cancelling.
func (e *Execution) RequestCancel(now time.Time, force bool) error {
	switch e.Status {
	case ExecutionStatusPending:
		return e.MarkCancelled(now)
	case ExecutionStatusForceCancelling:
		return nil
	case ExecutionStatusStarted:
		if err := e.SetStatus(ExecutionStatusCancelling); err != nil {
			return err
		}
	}
	if force {
		return e.SetStatus(ExecutionStatusForceCancelling)
	}
	return e.SetStatus(ExecutionStatusCancelling)
}

// Clone returns a copy of the execution.
func (e *Execution) Clone() *Execution {
	c := *e
	c.Inputs = maps.Clone(e.Inputs)
	if e.StartedAt != nil {
		started := *e.StartedAt
		c.StartedAt = &started
	}
	if e.EndedAt != nil {
		ended := *e.EndedAt
		c.EndedAt = &ended
	}
	return &c
}
