package workflow

import (
	"sort"
	"sync"

	"github.com/openfroyo/toscaflow/pkg/models"
)

// Func builds the API task graph of a workflow.
type Func func(wctx *Context, graph *TaskGraph, inputs map[string]interface{}) error

// Registry maps workflow names to their builders.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]Func
}

// NewRegistry creates a registry holding the builtin workflows.
func NewRegistry() *Registry {
	r := &Registry{workflows: make(map[string]Func)}
	r.workflows[WorkflowInstall] = Install
	r.workflows[WorkflowUninstall] = Uninstall
	r.workflows[WorkflowStart] = Start
	r.workflows[WorkflowStop] = Stop
	r.workflows[WorkflowExecuteOperation] = ExecuteOperation
	return r
}

// Register adds a workflow, replacing any with the same name.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" || fn == nil {
		return models.NewValidationError("workflow name and function are required", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[name] = fn
	return nil
}

// Get returns the named workflow or a not-found error.
func (r *Registry) Get(name string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.workflows[name]
	if !ok {
		return nil, models.NewNotFoundError("workflow", name)
	}
	return fn, nil
}

// Names returns the registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build runs the named workflow against wctx and returns its graph.
func (r *Registry) Build(wctx *Context, name string, inputs map[string]interface{}) (*TaskGraph, error) {
	fn, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	graph := NewTaskGraph(name)
	if err := fn(wctx, graph, inputs); err != nil {
		return nil, err
	}
	return graph, nil
}
