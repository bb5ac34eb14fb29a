package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/openfroyo/toscaflow/pkg/plugins"
)

// outputMu serializes dry-run summaries from concurrent executions.
var outputMu sync.Mutex

// DryExecutor prints what each operation would do instead of running it.
// It reports synchronously.
type DryExecutor struct {
	base
	out io.Writer
}

// NewDryExecutor creates a dry executor printing to out, or stdout when out
// is nil.
func NewDryExecutor(listener Listener, out io.Writer, opts Options) *DryExecutor {
	if out == nil {
		out = os.Stdout
	}
	return &DryExecutor{base: newBase(listener, opts.withDefaults(), "dry-executor"), out: out}
}

// Execute prints the operation summary and marks the task succeeded.
func (e *DryExecutor) Execute(_ context.Context, req *Request) error {
	if e.skipUnimplemented(req) {
		return nil
	}
	e.listener.TaskStarted(req.Task)

	line := Summary(req.Invocation)
	outputMu.Lock()
	fmt.Fprintln(e.out, line)
	outputMu.Unlock()

	e.listener.TaskLogged(req.Task, plugins.LevelInfo, line)
	e.listener.TaskSucceeded(req.Task)
	return nil
}

func (e *DryExecutor) Terminate(string) {}

func (e *DryExecutor) Close() error { return nil }

// Summary describes an operation invocation in one line.
func Summary(inv *plugins.Invocation) string {
	implementation := inv.Function
	if inv.Plugin != "" {
		implementation = inv.Plugin + " > " + inv.Function
	}

	keys := make([]string, 0, len(inv.Arguments))
	for k := range inv.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	inputs := make([]string, len(keys))
	for i, k := range keys {
		inputs[i] = fmt.Sprintf("%s=%v", k, inv.Arguments[k])
	}

	return fmt.Sprintf("Executing %s %s operation %s %s: %s (Inputs: %s)",
		inv.ActorType, inv.Actor.Name, inv.InterfaceName, inv.OperationName,
		implementation, strings.Join(inputs, ", "))
}
