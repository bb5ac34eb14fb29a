package workflow

import (
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/google/uuid"

	"github.com/openfroyo/toscaflow/pkg/models"
)

var (
	// ErrTaskNotInGraph is returned when a task referenced by an edge was
	// never added to the graph.
	ErrTaskNotInGraph = errors.New("task not in graph")

	// ErrCyclicDependency is returned when an edge would close a cycle.
	ErrCyclicDependency = errors.New("cyclic dependency")
)

// TaskGraph is a mutable dependency graph of API tasks. Edges point from a
// dependent to its dependency. It is not safe for concurrent use.
type TaskGraph struct {
	id   string
	name string

	tasks map[string]Task

	// order keeps insertion order so traversal is deterministic.
	order []string

	// dependencies maps a task id to the ids it depends on.
	dependencies map[string]map[string]struct{}

	// dependents maps a task id to the ids depending on it.
	dependents map[string]map[string]struct{}
}

// NewTaskGraph creates an empty graph.
func NewTaskGraph(name string) *TaskGraph {
	return &TaskGraph{
		id:           uuid.New().String(),
		name:         name,
		tasks:        make(map[string]Task),
		dependencies: make(map[string]map[string]struct{}),
		dependents:   make(map[string]map[string]struct{}),
	}
}

// ID returns the graph id.
func (g *TaskGraph) ID() string { return g.id }

// Name returns the graph name.
func (g *TaskGraph) Name() string { return g.name }

// Len returns the number of tasks.
func (g *TaskGraph) Len() int { return len(g.order) }

// Tasks yields the tasks in insertion order.
func (g *TaskGraph) Tasks() iter.Seq[Task] {
	return func(yield func(Task) bool) {
		for _, id := range slices.Clone(g.order) {
			if !yield(g.tasks[id]) {
				return
			}
		}
	}
}

// Task returns the task with the given id.
func (g *TaskGraph) Task(id string) (Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// AddTasks adds tasks, skipping nil ones and ones already present. It
// returns the tasks that were actually added.
func (g *TaskGraph) AddTasks(tasks ...Task) []Task {
	var added []Task
	for _, t := range tasks {
		if isNil(t) {
			continue
		}
		if _, ok := g.tasks[t.ID()]; ok {
			continue
		}
		g.tasks[t.ID()] = t
		g.order = append(g.order, t.ID())
		g.dependencies[t.ID()] = make(map[string]struct{})
		g.dependents[t.ID()] = make(map[string]struct{})
		added = append(added, t)
	}
	return added
}

// RemoveTasks removes tasks and every edge touching them. It returns the
// tasks that were actually removed.
func (g *TaskGraph) RemoveTasks(tasks ...Task) []Task {
	var removed []Task
	for _, t := range tasks {
		if isNil(t) || !g.HasTasks(t) {
			continue
		}
		id := t.ID()
		for dep := range g.dependencies[id] {
			delete(g.dependents[dep], id)
		}
		for dependent := range g.dependents[id] {
			delete(g.dependencies[dependent], id)
		}
		delete(g.dependencies, id)
		delete(g.dependents, id)
		delete(g.tasks, id)
		g.order = slices.DeleteFunc(g.order, func(s string) bool { return s == id })
		removed = append(removed, t)
	}
	return removed
}

// HasTasks reports whether every task is in the graph.
func (g *TaskGraph) HasTasks(tasks ...Task) bool {
	for _, t := range tasks {
		if isNil(t) {
			continue
		}
		if _, ok := g.tasks[t.ID()]; !ok {
			return false
		}
	}
	return true
}

// AddDependency records that dependent runs only after dependency ended.
// Both tasks must already be in the graph.
func (g *TaskGraph) AddDependency(dependent, dependency Task) error {
	if err := g.checkMembers(dependent, dependency); err != nil {
		return err
	}
	from, to := dependent.ID(), dependency.ID()
	if _, ok := g.dependencies[from][to]; ok {
		return nil
	}
	if from == to || g.reaches(to, from) {
		return models.NewValidationError(
			fmt.Sprintf("%s -> %s would create a cycle in graph %s", dependent.Name(), dependency.Name(), g.name),
			ErrCyclicDependency,
		)
	}
	g.dependencies[from][to] = struct{}{}
	g.dependents[to][from] = struct{}{}
	return nil
}

// AddDependencies makes dependent depend on every task in dependencies.
func (g *TaskGraph) AddDependencies(dependent Task, dependencies ...Task) error {
	for _, dep := range dependencies {
		if isNil(dep) {
			continue
		}
		if err := g.AddDependency(dependent, dep); err != nil {
			return err
		}
	}
	return nil
}

// HasDependency reports whether dependent directly depends on dependency.
func (g *TaskGraph) HasDependency(dependent, dependency Task) bool {
	if isNil(dependent) || isNil(dependency) {
		return false
	}
	_, ok := g.dependencies[dependent.ID()][dependency.ID()]
	return ok
}

// RemoveDependency deletes the edge between dependent and dependency, if any.
func (g *TaskGraph) RemoveDependency(dependent, dependency Task) error {
	if err := g.checkMembers(dependent, dependency); err != nil {
		return err
	}
	delete(g.dependencies[dependent.ID()], dependency.ID())
	delete(g.dependents[dependency.ID()], dependent.ID())
	return nil
}

// Dependencies returns the direct dependencies of t in insertion order.
func (g *TaskGraph) Dependencies(t Task) ([]Task, error) {
	if err := g.checkMembers(t); err != nil {
		return nil, err
	}
	return g.collect(g.dependencies[t.ID()]), nil
}

// Dependents returns the tasks directly depending on t in insertion order.
func (g *TaskGraph) Dependents(t Task) ([]Task, error) {
	if err := g.checkMembers(t); err != nil {
		return nil, err
	}
	return g.collect(g.dependents[t.ID()]), nil
}

// Sequence adds tasks and chains them so that each depends on the previous
// one. Nil tasks are skipped.
func (g *TaskGraph) Sequence(tasks ...Task) ([]Task, error) {
	tasks = slices.DeleteFunc(slices.Clone(tasks), isNil)
	g.AddTasks(tasks...)
	for i := 1; i < len(tasks); i++ {
		if err := g.AddDependency(tasks[i], tasks[i-1]); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// TopologicalOrder yields every task exactly once. With reverse set, each task
// comes after all of its dependencies; otherwise each comes before them. The
// order is computed when iteration starts, so the sequence can be ranged over
// again after the graph changes.
func (g *TaskGraph) TopologicalOrder(reverse bool) iter.Seq[Task] {
	return func(yield func(Task) bool) {
		order := g.dependencyOrder()
		if !reverse {
			slices.Reverse(order)
		}
		for _, id := range order {
			if !yield(g.tasks[id]) {
				return
			}
		}
	}
}

// dependencyOrder runs Kahn's algorithm, dependencies first, breaking ties by
// insertion order.
func (g *TaskGraph) dependencyOrder() []string {
	remaining := make(map[string]int, len(g.order))
	ready := make([]string, 0)
	for _, id := range g.order {
		remaining[id] = len(g.dependencies[id])
		if remaining[id] == 0 {
			ready = append(ready, id)
		}
	}

	position := make(map[string]int, len(g.order))
	for i, id := range g.order {
		position[id] = i
	}

	out := make([]string, 0, len(g.order))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, id)

		next := make([]string, 0, len(g.dependents[id]))
		for dependent := range g.dependents[id] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				next = append(next, dependent)
			}
		}
		slices.SortFunc(next, func(a, b string) int { return position[a] - position[b] })
		ready = append(ready, next...)
	}
	return out
}

// reaches reports whether from transitively depends on to.
func (g *TaskGraph) reaches(from, to string) bool {
	visited := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == to {
			return true
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		for dep := range g.dependencies[id] {
			stack = append(stack, dep)
		}
	}
	return false
}

func (g *TaskGraph) collect(ids map[string]struct{}) []Task {
	out := make([]Task, 0, len(ids))
	for _, id := range g.order {
		if _, ok := ids[id]; ok {
			out = append(out, g.tasks[id])
		}
	}
	return out
}

func (g *TaskGraph) checkMembers(tasks ...Task) error {
	for _, t := range tasks {
		if isNil(t) {
			return models.NewValidationError("nil task", ErrTaskNotInGraph)
		}
		if _, ok := g.tasks[t.ID()]; !ok {
			return models.NewValidationError(
				fmt.Sprintf("task %s is not in graph %s", t.Name(), g.name), ErrTaskNotInGraph,
			).WithResource(t.ID())
		}
	}
	return nil
}
