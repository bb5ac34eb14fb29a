package plugins

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/openfroyo/toscaflow/pkg/models"
)

// Script exit codes that steer the retry policy.
const (
	// ExitCodeRetry (EX_TEMPFAIL) requests another attempt.
	ExitCodeRetry = 75

	// ExitCodeAbort fails the task without further retries.
	ExitCodeAbort = 100
)

var envUnsafe = regexp.MustCompile(`[^A-Za-z0-9_]`)

// Environment renders an invocation as TOSCAFLOW_* environment variables.
// Arguments become TOSCAFLOW_ARG_<NAME>; non-string values are formatted with %v.
func Environment(inv *Invocation) []string {
	env := []string{
		"TOSCAFLOW_EXECUTION_ID=" + inv.ExecutionID,
		"TOSCAFLOW_TASK_ID=" + inv.TaskID,
		"TOSCAFLOW_INTERFACE=" + inv.InterfaceName,
		"TOSCAFLOW_OPERATION=" + inv.OperationName,
		"TOSCAFLOW_ACTOR_TYPE=" + string(inv.ActorType),
		"TOSCAFLOW_ACTOR_NAME=" + inv.Actor.Name,
		fmt.Sprintf("TOSCAFLOW_ATTEMPT=%d", inv.Attempt),
	}
	if inv.Host != nil {
		env = append(env, "TOSCAFLOW_HOST_NAME="+inv.Host.Name)
	}

	keys := make([]string, 0, len(inv.Arguments))
	for k := range inv.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := "TOSCAFLOW_ARG_" + strings.ToUpper(envUnsafe.ReplaceAllString(k, "_"))
		env = append(env, fmt.Sprintf("%s=%v", name, inv.Arguments[k]))
	}
	return env
}

// ExitError maps a script exit code to a task error.
func ExitError(code int, function string) error {
	switch code {
	case 0:
		return nil
	case ExitCodeRetry:
		return models.RetryTask(fmt.Sprintf("%s asked to be retried", function), -1)
	case ExitCodeAbort:
		return models.AbortTask("%s aborted", function)
	default:
		return fmt.Errorf("%s exited with status %d", function, code)
	}
}

// Shell runs local executables, passing the invocation as environment.
type Shell struct {
	version string
	shell   string
}

// NewShell creates the shell plugin.
func NewShell(version string) *Shell {
	return &Shell{version: version, shell: "/bin/sh"}
}

func (s *Shell) Name() string    { return ShellPlugin }
func (s *Shell) Version() string { return s.version }

// Resolve returns a function running the script at path function.
func (s *Shell) Resolve(function string) (OperationFunc, error) {
	if function == "" {
		return nil, models.NewValidationError("shell function is required", nil)
	}
	return func(ctx context.Context, inv *Invocation) error {
		cmd := exec.CommandContext(ctx, s.shell, function)
		cmd.Env = append(os.Environ(), Environment(inv)...)

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return err
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return err
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start %s: %w", function, err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go streamLines(&wg, stdout, inv, LevelInfo)
		go streamLines(&wg, stderr, inv, LevelWarn)
		wg.Wait()

		err = cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return ExitError(exitErr.ExitCode(), function)
		}
		return err
	}, nil
}

func streamLines(wg *sync.WaitGroup, r io.Reader, inv *Invocation, level string) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		inv.Log(level, "%s", scanner.Text())
	}
}
