package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/toscaflow/pkg/models"
	"github.com/openfroyo/toscaflow/pkg/workflow"
)

// Compile flattens an API task graph into the persisted tasks of
// execution. The root graph and every nested workflow get a start and an
// end marker; dependencies on a nested workflow resolve to its end marker
// and its first tasks depend on its start marker.
func Compile(execution *models.Execution, graph *workflow.TaskGraph) (*CompiledGraph, error) {
	c := &compiler{
		execution: execution,
		now:       time.Now().UTC(),
		graph: &CompiledGraph{
			ExecutionID: execution.ID,
			byID:        make(map[string]*models.Task),
			Scopes:      make(map[string]*Scope),
		},
	}
	scope, err := c.compile(graph, "", nil)
	if err != nil {
		return nil, err
	}
	c.graph.RootScopeID = scope.ID
	return c.graph, nil
}

type compiler struct {
	execution *models.Execution
	now       time.Time
	graph     *CompiledGraph
}

// compile places graph in a new scope under parentID. The scope's start
// marker depends on dependsOn.
func (c *compiler) compile(graph *workflow.TaskGraph, parentID string, dependsOn []*models.Task) (*Scope, error) {
	scope := &Scope{ID: uuid.New().String(), ParentID: parentID, Name: graph.Name()}
	c.graph.Scopes[scope.ID] = scope

	startKind, endKind := models.TaskKindStartWorkflow, models.TaskKindEndWorkflow
	if parentID != "" {
		startKind, endKind = models.TaskKindStartSubWorkflow, models.TaskKindEndSubWorkflow
	}
	start := c.marker(scope, startKind, graph.Name()+".start", dependsOn)
	start.ParentScopeID = parentID
	scope.StartTaskID = start.ID

	// compiled maps an API task id to the task its dependents wait for.
	compiled := make(map[string]*models.Task, graph.Len())
	for apiTask := range graph.TopologicalOrder(true) {
		deps, err := graph.Dependencies(apiTask)
		if err != nil {
			return nil, err
		}
		depTasks := make([]*models.Task, 0, len(deps))
		for _, dep := range deps {
			depTask, ok := compiled[dep.ID()]
			if !ok {
				return nil, models.NewInternalError(
					fmt.Sprintf("dependency %s of %s was not compiled first", dep.Name(), apiTask.Name()), nil)
			}
			depTasks = append(depTasks, depTask)
		}
		if len(depTasks) == 0 {
			depTasks = []*models.Task{start}
		}

		switch t := apiTask.(type) {
		case *workflow.OperationTask:
			compiled[t.ID()] = c.operation(scope, t, depTasks)
		case *workflow.StubTask:
			compiled[t.ID()] = c.marker(scope, models.TaskKindStub, t.Name(), depTasks)
		case *workflow.WorkflowTask:
			inner, err := c.compile(t.Graph(), scope.ID, depTasks)
			if err != nil {
				return nil, err
			}
			compiled[t.ID()] = c.graph.byID[inner.EndTaskID]
		default:
			return nil, models.NewInternalError(fmt.Sprintf("unknown task type %T", apiTask), nil)
		}
	}

	var sinks []*models.Task
	for apiTask := range graph.Tasks() {
		dependents, err := graph.Dependents(apiTask)
		if err != nil {
			return nil, err
		}
		if len(dependents) == 0 {
			sinks = append(sinks, compiled[apiTask.ID()])
		}
	}
	if len(sinks) == 0 {
		sinks = []*models.Task{start}
	}
	end := c.marker(scope, endKind, graph.Name()+".end", sinks)
	scope.EndTaskID = end.ID
	return scope, nil
}

func (c *compiler) newTask(scope *Scope, kind models.TaskKind, name string, deps []*models.Task) *models.Task {
	task := &models.Task{
		ID:          uuid.New().String(),
		ExecutionID: c.execution.ID,
		Name:        name,
		Kind:        kind,
		ScopeID:     scope.ID,
		Status:      models.TaskStatusPending,
		DueAt:       c.now,
		MaxAttempts: 1,
		CreatedAt:   c.now,
	}
	for _, dep := range deps {
		task.Dependencies = append(task.Dependencies, dep.ID)
	}
	c.graph.add(task)
	return task
}

func (c *compiler) marker(scope *Scope, kind models.TaskKind, name string, deps []*models.Task) *models.Task {
	return c.newTask(scope, kind, name, deps)
}

func (c *compiler) operation(scope *Scope, op *workflow.OperationTask, deps []*models.Task) *models.Task {
	task := c.newTask(scope, models.TaskKindOperation, op.Name(), deps)
	task.ActorType = op.ActorType
	if op.ActorType == models.ActorTypeRelationship {
		task.RelationshipID = op.Relationship.ID
	} else {
		task.NodeID = op.Node.ID
	}
	task.InterfaceName = op.InterfaceName
	task.OperationName = op.OperationName
	task.Plugin = op.Plugin
	task.Function = op.Function
	task.Arguments = op.Arguments
	task.RunsOn = op.RunsOn
	task.MaxAttempts = op.MaxAttempts
	task.RetryInterval = op.RetryInterval
	task.IgnoreFailure = op.IgnoreFailure
	return task
}
