package plugins

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/toscaflow/pkg/models"
)

const taskErrorLocal = "toscaflow.task_error"

// Starlark runs operations written as Starlark scripts. A script sees its
// arguments as the dict `inputs`, the invocation as the struct `ctx`, and the
// builtins log, abort and retry.
type Starlark struct {
	version string

	mu       sync.Mutex
	programs map[string]*starlark.Program
}

// NewStarlark creates the starlark plugin.
func NewStarlark(version string) *Starlark {
	return &Starlark{version: version, programs: make(map[string]*starlark.Program)}
}

func (s *Starlark) Name() string    { return StarlarkPlugin }
func (s *Starlark) Version() string { return s.version }

// Resolve compiles the script at path function once and returns a function
// running it.
func (s *Starlark) Resolve(function string) (OperationFunc, error) {
	prog, err := s.program(function)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, inv *Invocation) error {
		return runStarlark(ctx, prog, function, inv)
	}, nil
}

// ResolveSource compiles an inline script.
func (s *Starlark) ResolveSource(name, source string) (OperationFunc, error) {
	_, prog, err := starlark.SourceProgram(name, source, isPredeclared)
	if err != nil {
		return nil, models.NewValidationError("compile "+name, err)
	}
	return func(ctx context.Context, inv *Invocation) error {
		return runStarlark(ctx, prog, name, inv)
	}, nil
}

func (s *Starlark) program(path string) (*starlark.Program, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prog, ok := s.programs[path]; ok {
		return prog, nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, models.NewNotFoundError("starlark script", path)
	}
	_, prog, err := starlark.SourceProgram(path, src, isPredeclared)
	if err != nil {
		return nil, models.NewValidationError("compile "+path, err)
	}
	s.programs[path] = prog
	return prog, nil
}

var predeclaredNames = map[string]bool{
	"inputs": true, "ctx": true, "log": true, "abort": true, "retry": true, "struct": true,
}

func isPredeclared(name string) bool {
	return predeclaredNames[name]
}

func runStarlark(ctx context.Context, prog *starlark.Program, name string, inv *Invocation) error {
	thread := &starlark.Thread{
		Name: inv.TaskName,
		Print: func(_ *starlark.Thread, msg string) {
			inv.Log(LevelInfo, "%s", msg)
		},
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	inputs, err := toStarlarkValue(inv.Arguments)
	if err != nil {
		return models.AbortTask("convert inputs: %v", err)
	}
	predeclared := starlark.StringDict{
		"inputs": inputs,
		"ctx":    invocationStruct(inv),
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"log":    starlark.NewBuiltin("log", logBuiltin(inv)),
		"abort":  starlark.NewBuiltin("abort", abortBuiltin),
		"retry":  starlark.NewBuiltin("retry", retryBuiltin),
	}

	_, err = prog.Init(thread, predeclared)
	if taskErr, ok := thread.Local(taskErrorLocal).(error); ok {
		return taskErr
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func invocationStruct(inv *Invocation) *starlarkstruct.Struct {
	fields := starlark.StringDict{
		"task_id":        starlark.String(inv.TaskID),
		"execution_id":   starlark.String(inv.ExecutionID),
		"interface_name": starlark.String(inv.InterfaceName),
		"operation_name": starlark.String(inv.OperationName),
		"actor_type":     starlark.String(inv.ActorType),
		"actor_name":     starlark.String(inv.Actor.Name),
		"attempt":        starlark.MakeInt(inv.Attempt),
	}
	if props, err := toStarlarkValue(inv.Actor.Properties); err == nil {
		fields["properties"] = props
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, fields)
}

func logBuiltin(inv *Invocation) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var msg string
		level := LevelInfo
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "msg", &msg, "level?", &level); err != nil {
			return nil, err
		}
		inv.Log(level, "%s", msg)
		return starlark.None, nil
	}
}

func abortBuiltin(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "msg", &msg); err != nil {
		return nil, err
	}
	err := models.AbortTask("%s", msg)
	thread.SetLocal(taskErrorLocal, err)
	return nil, err
}

func retryBuiltin(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	var interval starlark.Value = starlark.MakeInt(-1)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "msg", &msg, "interval?", &interval); err != nil {
		return nil, err
	}
	seconds, ok := starlark.AsFloat(interval)
	if !ok {
		return nil, fmt.Errorf("%s: interval must be a number, got %s", b.Name(), interval.Type())
	}
	err := models.RetryTask(msg, secondsToDuration(seconds))
	thread.SetLocal(taskErrorLocal, err)
	return nil, err
}

func toStarlarkValue(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
