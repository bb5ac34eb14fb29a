package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/openfroyo/toscaflow/pkg/models"
)

// Scope is one compiled workflow: the root graph or a nested workflow.
type Scope struct {
	ID       string
	ParentID string
	Name     string

	StartTaskID string
	EndTaskID   string
}

// CompiledGraph is the flat task graph of one execution. Tasks keep the
// order they were compiled in, which is a valid dependency order.
type CompiledGraph struct {
	ExecutionID string
	RootScopeID string
	Tasks       []*models.Task
	Scopes      map[string]*Scope

	byID map[string]*models.Task
}

func (g *CompiledGraph) add(task *models.Task) {
	g.Tasks = append(g.Tasks, task)
	g.byID[task.ID] = task
}

// Task returns the compiled task with the given id.
func (g *CompiledGraph) Task(id string) (*models.Task, bool) {
	t, ok := g.byID[id]
	return t, ok
}

// Len returns the number of compiled tasks.
func (g *CompiledGraph) Len() int { return len(g.Tasks) }

// Dependents returns the tasks depending directly on id.
func (g *CompiledGraph) Dependents(id string) []*models.Task {
	var out []*models.Task
	for _, t := range g.Tasks {
		if slices.Contains(t.Dependencies, id) {
			out = append(out, t)
		}
	}
	return out
}

// LoadGraph rebuilds the compiled graph of an execution from storage.
func LoadGraph(ctx context.Context, store models.TaskStore, executionID string) (*CompiledGraph, error) {
	tasks, err := store.ListTasks(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks of execution %s: %w", executionID, err)
	}
	g := &CompiledGraph{
		ExecutionID: executionID,
		byID:        make(map[string]*models.Task, len(tasks)),
		Scopes:      make(map[string]*Scope),
	}
	scope := func(id string) *Scope {
		s, ok := g.Scopes[id]
		if !ok {
			s = &Scope{ID: id}
			g.Scopes[id] = s
		}
		return s
	}
	for _, t := range tasks {
		g.add(t)
		switch t.Kind {
		case models.TaskKindStartWorkflow, models.TaskKindStartSubWorkflow:
			s := scope(t.ScopeID)
			s.StartTaskID = t.ID
			s.ParentID = t.ParentScopeID
			s.Name = strings.TrimSuffix(t.Name, ".start")
			if t.Kind == models.TaskKindStartWorkflow {
				g.RootScopeID = t.ScopeID
			}
		case models.TaskKindEndWorkflow, models.TaskKindEndSubWorkflow:
			scope(t.ScopeID).EndTaskID = t.ID
		}
	}
	return g, g.Validate()
}

// Validate checks that every dependency exists and the graph is acyclic.
func (g *CompiledGraph) Validate() error {
	inDegree := make(map[string]int, len(g.Tasks))
	for _, t := range g.Tasks {
		for _, dep := range t.Dependencies {
			if _, ok := g.byID[dep]; !ok {
				return models.NewValidationError(
					fmt.Sprintf("task %s depends on unknown task %s", t.Name, dep), nil).WithResource(t.ID)
			}
		}
		inDegree[t.ID] = len(t.Dependencies)
	}

	// Kahn's algorithm; whatever is never released sits on a cycle.
	queue := make([]string, 0, len(g.Tasks))
	for _, t := range g.Tasks {
		if inDegree[t.ID] == 0 {
			queue = append(queue, t.ID)
		}
	}
	dependents := make(map[string][]string, len(g.Tasks))
	for _, t := range g.Tasks {
		for _, dep := range t.Dependencies {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(g.Tasks) {
		var cycle []string
		for _, t := range g.Tasks {
			if inDegree[t.ID] > 0 {
				cycle = append(cycle, t.Name)
			}
		}
		return models.NewValidationError(
			"circular dependency detected: "+strings.Join(cycle, " -> "), nil)
	}
	return nil
}

// ToDOT renders the graph in Graphviz DOT format. Each workflow scope is a
// cluster nested in its parent's cluster; nodes are colored by status.
func (g *CompiledGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph ExecutionGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	children := make(map[string][]string)
	for id, s := range g.Scopes {
		if s.ParentID != "" {
			children[s.ParentID] = append(children[s.ParentID], id)
		}
	}
	for _, ids := range children {
		slices.Sort(ids)
	}
	byScope := make(map[string][]*models.Task)
	for _, t := range g.Tasks {
		byScope[t.ScopeID] = append(byScope[t.ScopeID], t)
	}

	var writeScope func(id, indent string)
	writeScope = func(id, indent string) {
		s := g.Scopes[id]
		if s == nil {
			return
		}
		sb.WriteString(fmt.Sprintf("%ssubgraph \"cluster_%s\" {\n", indent, id))
		sb.WriteString(fmt.Sprintf("%s  label=\"%s\";\n", indent, dotEscape(s.Name)))
		sb.WriteString(indent + "  style=dashed;\n")
		for _, t := range byScope[id] {
			shape := "box"
			if t.Kind.IsMarker() {
				shape = "ellipse"
			}
			sb.WriteString(fmt.Sprintf("%s  \"%s\" [label=\"%s\\n%s\", shape=%s, fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				indent, t.ID, dotEscape(t.Name), t.Status, shape, statusColor(t.Status)))
		}
		for _, child := range children[id] {
			writeScope(child, indent+"  ")
		}
		sb.WriteString(indent + "}\n")
	}
	writeScope(g.RootScopeID, "  ")
	sb.WriteString("\n")

	for _, t := range g.Tasks {
		for _, dep := range t.Dependencies {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, t.ID))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func dotEscape(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}

// statusColor returns a color for visualizing task status.
func statusColor(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusSuccess:
		return "lightgreen"
	case models.TaskStatusFailed:
		return "lightcoral"
	case models.TaskStatusRetrying:
		return "orange"
	case models.TaskStatusSent, models.TaskStatusStarted:
		return "lightblue"
	default:
		return "white"
	}
}
