package workflow

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/toscaflow/pkg/models"
)

// Task is one step of an API task graph. It is implemented by
// *OperationTask, *WorkflowTask and *StubTask only.
type Task interface {
	// ID uniquely identifies the task within its graph.
	ID() string

	// Name is a human-readable label.
	Name() string

	isTask()
}

// OperationTask runs one operation of a node or relationship.
type OperationTask struct {
	id   string
	name string

	// ActorType is node or relationship.
	ActorType models.ActorType

	// Node is set when the actor is a node.
	Node *models.Node

	// Relationship is set when the actor is a relationship.
	Relationship *models.Relationship

	InterfaceName string
	OperationName string

	// Implementation is the raw implementation string of the operation.
	Implementation string

	// Plugin and Function are the resolved implementation.
	Plugin   string
	Function string

	// Arguments are the operation arguments overlaid with caller inputs.
	Arguments map[string]interface{}

	MaxAttempts   int
	RetryInterval time.Duration
	IgnoreFailure bool

	// RunsOn selects the host for relationship operations.
	RunsOn models.RunsOn
}

// ID implements Task.
func (t *OperationTask) ID() string { return t.id }

// Name implements Task.
func (t *OperationTask) Name() string { return t.name }

func (t *OperationTask) isTask() {}

// ActorName returns the name of the node or relationship.
func (t *OperationTask) ActorName() string {
	if t.ActorType == models.ActorTypeRelationship {
		return t.Relationship.Name
	}
	return t.Node.Name
}

// OperationOption overrides a workflow default on an operation task.
type OperationOption func(*OperationTask)

// WithInputs overlays inputs on the operation's configured arguments.
func WithInputs(inputs map[string]interface{}) OperationOption {
	return func(t *OperationTask) {
		maps.Copy(t.Arguments, inputs)
	}
}

// WithMaxAttempts overrides the retry budget.
func WithMaxAttempts(n int) OperationOption {
	return func(t *OperationTask) { t.MaxAttempts = n }
}

// WithRetryInterval overrides the delay between retries.
func WithRetryInterval(d time.Duration) OperationOption {
	return func(t *OperationTask) { t.RetryInterval = d }
}

// WithIgnoreFailure overrides whether a failure fails the workflow.
func WithIgnoreFailure(ignore bool) OperationOption {
	return func(t *OperationTask) { t.IgnoreFailure = ignore }
}

// NewNodeOperationTask creates a task running iface.op on node. It fails when
// the node does not carry the operation.
func NewNodeOperationTask(wctx *Context, node *models.Node, iface, op string, opts ...OperationOption) (*OperationTask, error) {
	operation := node.Operation(iface, op)
	if operation == nil {
		return nil, models.NewNotFoundError("operation", fmt.Sprintf("%s.%s", iface, op)).
			WithResource(node.Name)
	}
	t := newOperationTask(wctx, operation, iface, op)
	t.ActorType = models.ActorTypeNode
	t.Node = node
	t.name = formatOperationName(iface, op, models.ActorTypeNode, node.Name)
	return t.apply(opts)
}

// NewRelationshipOperationTask creates a task running iface.op on rel. It
// fails when the relationship does not carry the operation.
func NewRelationshipOperationTask(wctx *Context, rel *models.Relationship, iface, op string, opts ...OperationOption) (*OperationTask, error) {
	operation := rel.Operation(iface, op)
	if operation == nil {
		return nil, models.NewNotFoundError("operation", fmt.Sprintf("%s.%s", iface, op)).
			WithResource(rel.Name)
	}
	t := newOperationTask(wctx, operation, iface, op)
	t.ActorType = models.ActorTypeRelationship
	t.Relationship = rel
	t.name = formatOperationName(iface, op, models.ActorTypeRelationship, rel.Name)
	return t.apply(opts)
}

func newOperationTask(wctx *Context, operation *models.Operation, iface, op string) *OperationTask {
	t := &OperationTask{
		id:             uuid.New().String(),
		InterfaceName:  iface,
		OperationName:  op,
		Implementation: operation.Implementation,
		Plugin:         operation.Plugin,
		Function:       operation.Function,
		Arguments:      maps.Clone(operation.Arguments),
		MaxAttempts:    wctx.TaskMaxAttempts,
		RetryInterval:  wctx.TaskRetryInterval,
		IgnoreFailure:  wctx.TaskIgnoreFailure,
		RunsOn:         operation.RunsOn,
	}
	if t.Arguments == nil {
		t.Arguments = make(map[string]interface{})
	}
	if operation.MaxAttempts != 0 {
		t.MaxAttempts = operation.MaxAttempts
	}
	if operation.RetryInterval != nil {
		t.RetryInterval = *operation.RetryInterval
	}
	return t
}

func (t *OperationTask) apply(opts []OperationOption) (*OperationTask, error) {
	for _, opt := range opts {
		opt(t)
	}
	if err := models.ValidateMaxAttempts(t.MaxAttempts); err != nil {
		return nil, err
	}
	if t.RetryInterval < 0 {
		return nil, models.NewValidationError(fmt.Sprintf("retry interval must not be negative: %s", t.RetryInterval), nil)
	}
	return t, nil
}

func formatOperationName(iface, op string, actor models.ActorType, name string) string {
	return fmt.Sprintf("%s:%s@%s:%s", iface, op, actor, name)
}

// WorkflowTask is a nested workflow: a named graph compiled in its own scope.
type WorkflowTask struct {
	id    string
	graph *TaskGraph
}

// NewWorkflowTask creates a nested workflow whose graph is populated by build.
func NewWorkflowTask(name string, build func(graph *TaskGraph) error) (*WorkflowTask, error) {
	graph := NewTaskGraph(name)
	if err := build(graph); err != nil {
		return nil, fmt.Errorf("failed to build workflow %s: %w", name, err)
	}
	return &WorkflowTask{id: uuid.New().String(), graph: graph}, nil
}

// WrapGraph turns an already-built graph into a nested workflow.
func WrapGraph(graph *TaskGraph) *WorkflowTask {
	return &WorkflowTask{id: uuid.New().String(), graph: graph}
}

// ID implements Task.
func (t *WorkflowTask) ID() string { return t.id }

// Name implements Task.
func (t *WorkflowTask) Name() string { return t.graph.Name() }

// Graph returns the nested graph.
func (t *WorkflowTask) Graph() *TaskGraph { return t.graph }

func (t *WorkflowTask) isTask() {}

// StubTask does nothing. It only shapes dependencies.
type StubTask struct {
	id   string
	name string
}

// NewStubTask creates a stub task.
func NewStubTask(name string) *StubTask {
	return &StubTask{id: uuid.New().String(), name: name}
}

// ID implements Task.
func (t *StubTask) ID() string { return t.id }

// Name implements Task.
func (t *StubTask) Name() string { return t.name }

func (t *StubTask) isTask() {}

// isNil reports whether t is nil or a typed nil pointer.
func isNil(t Task) bool {
	switch v := t.(type) {
	case nil:
		return true
	case *OperationTask:
		return v == nil
	case *WorkflowTask:
		return v == nil
	case *StubTask:
		return v == nil
	}
	return false
}
