package models

import (
	"encoding/json"
	"fmt"
)

// TaskStatus represents the lifecycle status of a compiled task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting for its dependencies or due time.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusRetrying indicates the task failed and is waiting for its next attempt.
	TaskStatusRetrying TaskStatus = "retrying"

	// TaskStatusSent indicates the task was submitted to an executor but has not started.
	TaskStatusSent TaskStatus = "sent"

	// TaskStatusStarted indicates the task's function is running.
	TaskStatusStarted TaskStatus = "started"

	// TaskStatusSuccess indicates the task completed successfully.
	TaskStatusSuccess TaskStatus = "success"

	// TaskStatusFailed indicates the task failed and will not be retried.
	TaskStatusFailed TaskStatus = "failed"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:  {TaskStatusSent, TaskStatusStarted, TaskStatusSuccess},
	TaskStatusRetrying: {TaskStatusSent, TaskStatusStarted},
	TaskStatusSent:     {TaskStatusStarted, TaskStatusSuccess, TaskStatusRetrying, TaskStatusFailed},
	TaskStatusStarted:  {TaskStatusSuccess, TaskStatusRetrying, TaskStatusFailed},
	TaskStatusSuccess:  {},
	TaskStatusFailed:   {},
}

// TaskStatuses lists every task status.
var TaskStatuses = []TaskStatus{
	TaskStatusPending, TaskStatusRetrying, TaskStatusSent,
	TaskStatusStarted, TaskStatusSuccess, TaskStatusFailed,
}

// IsWaiting returns true if the task has not been dispatched for its current attempt.
func (s TaskStatus) IsWaiting() bool {
	return s == TaskStatusPending || s == TaskStatusRetrying
}

// IsEnded returns true if the status is final.
func (s TaskStatus) IsEnded() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailed
}

// IsExecuting returns true if the task is with an executor.
func (s TaskStatus) IsExecuting() bool {
	return s == TaskStatusSent || s == TaskStatusStarted
}

// CanTransitionTo reports whether moving from s to next is legal. Setting the
// same status again is always allowed.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks if the task status is valid.
func (s TaskStatus) Validate() error {
	if _, ok := taskTransitions[s]; !ok {
		return fmt.Errorf("invalid task status: %s", s)
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler with validation.
func (s *TaskStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := TaskStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// ExecutionStatus represents the aggregate status of one workflow run.
type ExecutionStatus string

const (
	// ExecutionStatusPending indicates the execution was created but not started.
	ExecutionStatusPending ExecutionStatus = "pending"

	// ExecutionStatusStarted indicates the engine is dispatching tasks.
	ExecutionStatusStarted ExecutionStatus = "started"

	// ExecutionStatusCancelling indicates no new tasks are dispatched while
	// in-flight tasks finish.
	ExecutionStatusCancelling ExecutionStatus = "cancelling"

	// ExecutionStatusForceCancelling indicates executors are asked to abandon
	// in-flight tasks.
	ExecutionStatusForceCancelling ExecutionStatus = "force_cancelling"

	// ExecutionStatusCancelled indicates cancellation completed.
	ExecutionStatusCancelled ExecutionStatus = "cancelled"

	// ExecutionStatusFailed indicates a non-ignorable task failed.
	ExecutionStatusFailed ExecutionStatus = "failed"

	// ExecutionStatusTerminated indicates every task ended successfully.
	ExecutionStatusTerminated ExecutionStatus = "terminated"
)

var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusPending: {ExecutionStatusStarted, ExecutionStatusCancelled},
	ExecutionStatusStarted: {
		ExecutionStatusTerminated, ExecutionStatusFailed,
		ExecutionStatusCancelled, ExecutionStatusCancelling,
	},
	ExecutionStatusCancelling: {
		ExecutionStatusTerminated, ExecutionStatusFailed,
		ExecutionStatusCancelled, ExecutionStatusForceCancelling,
	},
	ExecutionStatusForceCancelling: {
		ExecutionStatusTerminated, ExecutionStatusFailed, ExecutionStatusCancelled,
	},
	ExecutionStatusCancelled:  {},
	ExecutionStatusFailed:     {},
	ExecutionStatusTerminated: {},
}

// ExecutionStatuses lists every execution status.
var ExecutionStatuses = []ExecutionStatus{
	ExecutionStatusPending, ExecutionStatusStarted, ExecutionStatusCancelling,
	ExecutionStatusForceCancelling, ExecutionStatusCancelled,
	ExecutionStatusFailed, ExecutionStatusTerminated,
}

// IsEnded returns true if the execution status is final.
func (s ExecutionStatus) IsEnded() bool {
	return s == ExecutionStatusTerminated || s == ExecutionStatusFailed ||
		s == ExecutionStatusCancelled
}

// IsCancelRequested returns true if a cancellation was requested and not yet settled.
func (s ExecutionStatus) IsCancelRequested() bool {
	return s == ExecutionStatusCancelling || s == ExecutionStatusForceCancelling
}

// CanTransitionTo reports whether moving from s to next is legal. Setting the
// same status again is always allowed.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range executionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks if the execution status is valid.
func (s ExecutionStatus) Validate() error {
	if _, ok := executionTransitions[s]; !ok {
		return fmt.Errorf("invalid execution status: %s", s)
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler with validation.
func (s *ExecutionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := ExecutionStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// NodeState represents the TOSCA lifecycle state of a node instance.
type NodeState string

const (
	NodeStateInitial     NodeState = "initial"
	NodeStateCreating    NodeState = "creating"
	NodeStateCreated     NodeState = "created"
	NodeStateConfiguring NodeState = "configuring"
	NodeStateConfigured  NodeState = "configured"
	NodeStateStarting    NodeState = "starting"
	NodeStateStarted     NodeState = "started"
	NodeStateStopping    NodeState = "stopping"
	NodeStateDeleting    NodeState = "deleting"
	NodeStateDeleted     NodeState = "deleted"
	NodeStateError       NodeState = "error"
)

var lifecycleStates = map[string][2]NodeState{
	"create":    {NodeStateCreating, NodeStateCreated},
	"configure": {NodeStateConfiguring, NodeStateConfigured},
	"start":     {NodeStateStarting, NodeStateStarted},
	"stop":      {NodeStateStopping, NodeStateConfigured},
	"delete":    {NodeStateDeleting, NodeStateDeleted},
}

// DetermineNodeState returns the state a node moves to when a standard
// lifecycle operation starts (transitional) or finishes. The boolean is false
// for operations outside the standard lifecycle.
func DetermineNodeState(operation string, transitional bool) (NodeState, bool) {
	states, ok := lifecycleStates[operation]
	if !ok {
		return "", false
	}
	if transitional {
		return states[0], true
	}
	return states[1], true
}

// IsAvailable returns true if the node exists on its host.
func (s NodeState) IsAvailable() bool {
	return s != NodeStateInitial && s != NodeStateDeleted && s != NodeStateError && s != ""
}

// TaskKind distinguishes operation tasks from the structural stub tasks the
// compiler inserts.
type TaskKind string

const (
	TaskKindOperation        TaskKind = "operation"
	TaskKindStub             TaskKind = "stub"
	TaskKindStartWorkflow    TaskKind = "start_workflow"
	TaskKindEndWorkflow      TaskKind = "end_workflow"
	TaskKindStartSubWorkflow TaskKind = "start_subworkflow"
	TaskKindEndSubWorkflow   TaskKind = "end_subworkflow"
)

// IsStub returns true for tasks that run no user code.
func (k TaskKind) IsStub() bool {
	return k != TaskKindOperation
}

// IsMarker returns true for workflow boundary tasks.
func (k TaskKind) IsMarker() bool {
	return k == TaskKindStartWorkflow || k == TaskKindEndWorkflow ||
		k == TaskKindStartSubWorkflow || k == TaskKindEndSubWorkflow
}

// ActorType identifies what an operation task operates on.
type ActorType string

const (
	ActorTypeNode         ActorType = "node"
	ActorTypeRelationship ActorType = "relationship"
)

// RunsOn selects whose host a relationship operation runs on.
type RunsOn string

const (
	RunsOnNode   RunsOn = "node"
	RunsOnSource RunsOn = "source"
	RunsOnTarget RunsOn = "target"
)

// Validate checks if the value is valid.
func (r RunsOn) Validate() error {
	switch r {
	case RunsOnNode, RunsOnSource, RunsOnTarget:
		return nil
	default:
		return fmt.Errorf("invalid runs_on: %s", r)
	}
}
