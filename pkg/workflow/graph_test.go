package workflow

import (
	"errors"
	"fmt"
	"slices"
	"testing"

	"pgregory.net/rapid"
)

func stubs(names ...string) []Task {
	out := make([]Task, len(names))
	for i, name := range names {
		out[i] = NewStubTask(name)
	}
	return out
}

func names(seq []Task) []string {
	out := make([]string, len(seq))
	for i, t := range seq {
		out[i] = t.Name()
	}
	return out
}

func TestTaskGraph_AddTasksIsIdempotent(t *testing.T) {
	g := NewTaskGraph("test")
	a := NewStubTask("a")

	if added := g.AddTasks(a, nil); len(added) != 1 {
		t.Fatalf("Expected 1 task added, got %d", len(added))
	}
	if added := g.AddTasks(a); len(added) != 0 {
		t.Errorf("Expected re-adding to be a no-op, got %d added", len(added))
	}
	if g.Len() != 1 {
		t.Errorf("Expected 1 task, got %d", g.Len())
	}

	var typedNil *OperationTask
	if added := g.AddTasks(typedNil); len(added) != 0 {
		t.Error("Expected typed nil task to be skipped")
	}
}

func TestTaskGraph_AddDependencyUnknownTask(t *testing.T) {
	g := NewTaskGraph("test")
	a, b := NewStubTask("a"), NewStubTask("b")
	g.AddTasks(a)

	err := g.AddDependency(a, b)
	if !errors.Is(err, ErrTaskNotInGraph) {
		t.Fatalf("Expected ErrTaskNotInGraph, got %v", err)
	}
	if _, err := g.Dependencies(b); !errors.Is(err, ErrTaskNotInGraph) {
		t.Errorf("Expected ErrTaskNotInGraph from Dependencies, got %v", err)
	}
}

func TestTaskGraph_RejectsCycles(t *testing.T) {
	g := NewTaskGraph("test")
	ts := stubs("a", "b", "c")
	if _, err := g.Sequence(ts...); err != nil {
		t.Fatalf("sequence: %v", err)
	}

	if err := g.AddDependency(ts[0], ts[2]); !errors.Is(err, ErrCyclicDependency) {
		t.Errorf("Expected ErrCyclicDependency, got %v", err)
	}
	if err := g.AddDependency(ts[1], ts[1]); !errors.Is(err, ErrCyclicDependency) {
		t.Errorf("Expected self dependency to be rejected, got %v", err)
	}
	if g.HasDependency(ts[0], ts[2]) {
		t.Error("Expected rejected edge not to be recorded")
	}
}

func TestTaskGraph_Sequence(t *testing.T) {
	g := NewTaskGraph("test")
	ts := stubs("a", "b", "c")
	seq, err := g.Sequence(ts[0], nil, ts[1], ts[2])
	if err != nil {
		t.Fatalf("sequence: %v", err)
	}
	if len(seq) != 3 {
		t.Fatalf("Expected nil to be dropped, got %d tasks", len(seq))
	}
	if !g.HasDependency(ts[1], ts[0]) || !g.HasDependency(ts[2], ts[1]) {
		t.Error("Expected each task to depend on the previous one")
	}
	if g.HasDependency(ts[2], ts[0]) {
		t.Error("Expected no transitive edge")
	}

	deps, _ := g.Dependents(ts[0])
	if len(deps) != 1 || deps[0] != ts[1] {
		t.Errorf("Expected b to be the only dependent of a, got %v", names(deps))
	}
}

func TestTaskGraph_RemoveTasks(t *testing.T) {
	g := NewTaskGraph("test")
	ts := stubs("a", "b", "c")
	_, _ = g.Sequence(ts...)

	removed := g.RemoveTasks(ts[1])
	if len(removed) != 1 {
		t.Fatalf("Expected 1 removed task, got %d", len(removed))
	}
	if g.HasTasks(ts[1]) {
		t.Error("Expected b to be gone")
	}
	deps, _ := g.Dependencies(ts[2])
	if len(deps) != 0 {
		t.Errorf("Expected edges to b to be dropped, got %v", names(deps))
	}
	if err := g.RemoveDependency(ts[2], ts[1]); !errors.Is(err, ErrTaskNotInGraph) {
		t.Errorf("Expected ErrTaskNotInGraph, got %v", err)
	}
}

func TestTaskGraph_TopologicalOrder(t *testing.T) {
	g := NewTaskGraph("test")
	ts := stubs("a", "b", "c", "d")
	g.AddTasks(ts...)
	// d depends on b and c, both depend on a.
	_ = g.AddDependency(ts[1], ts[0])
	_ = g.AddDependency(ts[2], ts[0])
	_ = g.AddDependency(ts[3], ts[1])
	_ = g.AddDependency(ts[3], ts[2])

	forward := slices.Collect(g.TopologicalOrder(true))
	if got := names(forward); !slices.Equal(got, []string{"a", "b", "c", "d"}) {
		t.Errorf("Expected dependencies first, got %v", got)
	}
	backward := slices.Collect(g.TopologicalOrder(false))
	if got := names(backward); !slices.Equal(got, []string{"d", "c", "b", "a"}) {
		t.Errorf("Expected dependents first, got %v", got)
	}

	// The sequence is restartable and reflects later changes.
	e := NewStubTask("e")
	g.AddTasks(e)
	if n := len(slices.Collect(g.TopologicalOrder(true))); n != 5 {
		t.Errorf("Expected 5 tasks on second traversal, got %d", n)
	}
}

func TestTaskGraph_TopologicalOrderProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 25).Draw(rt, "tasks")
		g := NewTaskGraph("prop")
		ts := make([]Task, n)
		for i := range ts {
			ts[i] = NewStubTask(fmt.Sprintf("t%d", i))
		}
		g.AddTasks(ts...)

		edges := rapid.IntRange(0, n*2).Draw(rt, "edges")
		for i := 0; i < edges; i++ {
			a := rapid.IntRange(0, n-1).Draw(rt, "a")
			b := rapid.IntRange(0, n-1).Draw(rt, "b")
			// Cycles are rejected; the graph stays acyclic either way.
			_ = g.AddDependency(ts[a], ts[b])
		}

		seen := make(map[string]int)
		i := 0
		for task := range g.TopologicalOrder(true) {
			seen[task.ID()] = i
			i++
		}
		if len(seen) != n {
			rt.Fatalf("Expected %d tasks in order, got %d", n, len(seen))
		}
		for _, task := range ts {
			deps, err := g.Dependencies(task)
			if err != nil {
				rt.Fatalf("dependencies: %v", err)
			}
			for _, dep := range deps {
				if seen[dep.ID()] >= seen[task.ID()] {
					rt.Fatalf("%s appeared before its dependency %s", task.Name(), dep.Name())
				}
			}
		}
	})
}
