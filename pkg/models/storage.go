package models

import (
	"context"
)

// ServiceStore persists instantiated services with their nodes and relationships.
type ServiceStore interface {
	// CreateService stores a service with all of its nodes and relationships.
	CreateService(ctx context.Context, service *Service) error

	// GetService loads a service, its nodes and relationships by id.
	GetService(ctx context.Context, id string) (*Service, error)

	// GetServiceByName loads a service by its unique name.
	GetServiceByName(ctx context.Context, name string) (*Service, error)

	// ListServices returns every service without nodes.
	ListServices(ctx context.Context) ([]*Service, error)

	// DeleteService removes a service and everything that belongs to it,
	// including executions, tasks and logs.
	DeleteService(ctx context.Context, id string) error

	// GetNode loads a single node.
	GetNode(ctx context.Context, id string) (*Node, error)

	// UpdateNode persists a node's state and attributes.
	UpdateNode(ctx context.Context, node *Node) error
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	ServiceID string
	Status    ExecutionStatus
	Limit     int
}

// ExecutionStore persists workflow executions.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, execution *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// UpdateExecution writes execution only if the stored status still
	// equals expected, returning a conflict error otherwise.
	UpdateExecution(ctx context.Context, execution *Execution, expected ExecutionStatus) error

	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
}

// TaskStore persists compiled tasks.
type TaskStore interface {
	// CreateTasks stores a compiled graph atomically.
	CreateTasks(ctx context.Context, tasks []*Task) error

	GetTask(ctx context.Context, id string) (*Task, error)

	// UpdateTask writes task only if the stored status still equals expected,
	// returning a conflict error otherwise.
	UpdateTask(ctx context.Context, task *Task, expected TaskStatus) error

	ListTasks(ctx context.Context, executionID string) ([]*Task, error)
}

// LogFilter narrows ListLogs.
type LogFilter struct {
	ExecutionID string
	TaskID      string
}

// LogStore persists operation logs.
type LogStore interface {
	AppendLog(ctx context.Context, log *Log) error
	ListLogs(ctx context.Context, filter LogFilter) ([]*Log, error)
}

// ModelStorage is the full storage surface the orchestrator needs.
type ModelStorage interface {
	ServiceStore
	ExecutionStore
	TaskStore
	LogStore

	// Close releases the storage.
	Close() error
}
