package executor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/toscaflow/pkg/models"
	"github.com/openfroyo/toscaflow/pkg/plugins"
	"github.com/openfroyo/toscaflow/pkg/telemetry"
)

// ErrClosed is returned by Execute after Close.
var ErrClosed = errors.New("executor is closed")

// Request is one task attempt handed to an executor.
type Request struct {
	// Task is the persisted task record. Executors treat it as read-only.
	Task *models.Task

	// Invocation is what the operation function receives. It is nil for
	// marker and stub tasks.
	Invocation *plugins.Invocation
}

// Listener receives task lifecycle signals. Implementations must be safe
// for concurrent use; pooled executors call it from worker goroutines.
type Listener interface {
	// TaskSent reports that a pooled executor accepted the task.
	TaskSent(task *models.Task)
	TaskStarted(task *models.Task)
	TaskSucceeded(task *models.Task)
	TaskFailed(task *models.Task, err error)
	TaskLogged(task *models.Task, level, message string)
}

// Executor runs task attempts.
type Executor interface {
	// Execute dispatches a task. Pooled executors return before the task
	// runs and report its progress through the Listener.
	Execute(ctx context.Context, req *Request) error

	// Terminate abandons a running task on a best-effort basis.
	Terminate(taskID string)

	// Close waits for dispatched tasks and releases workers.
	Close() error
}

// Options configures the pooled executors.
type Options struct {
	// Workers bounds concurrently running tasks. Default 4.
	Workers int

	Logger    zerolog.Logger
	Telemetry *telemetry.Telemetry
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Telemetry == nil {
		o.Telemetry = telemetry.NewNop()
	}
	return o
}

// base holds what every executor shares: the listener, logging and
// telemetry around one attempt.
type base struct {
	listener  Listener
	logger    zerolog.Logger
	telemetry *telemetry.Telemetry
}

func newBase(listener Listener, opts Options, component string) base {
	return base{
		listener:  listener,
		logger:    opts.Logger.With().Str("component", component).Logger(),
		telemetry: opts.Telemetry,
	}
}

func (b *base) taskLogger(task *models.Task) zerolog.Logger {
	return b.logger.With().
		Str("task_id", task.ID).
		Str("execution_id", task.ExecutionID).
		Str("task", task.Name).
		Logger()
}

// skipUnimplemented auto-succeeds a task bound to no function. It reports
// whether the task was handled.
func (b *base) skipUnimplemented(req *Request) bool {
	if req.Task.HasImplementation() && req.Invocation != nil {
		return false
	}
	logger := b.taskLogger(req.Task)
	b.listener.TaskStarted(req.Task)
	logger.Info().Msgf("%s has no implementation", req.Task.Name)
	b.listener.TaskLogged(req.Task, plugins.LevelInfo, req.Task.Name+" has no implementation")
	b.listener.TaskSucceeded(req.Task)
	return true
}

// invocation returns a copy of the request's invocation logging through the
// listener.
func (b *base) invocation(req *Request) *plugins.Invocation {
	inv := *req.Invocation
	task := req.Task
	inv.LogFunc = func(level, message string) {
		b.listener.TaskLogged(task, level, message)
	}
	return &inv
}

// observe records metrics and logs around one operation call.
func (b *base) observe(ctx context.Context, req *Request, call func(ctx context.Context) error) error {
	task := req.Task
	logger := b.taskLogger(task)
	ctx, span := b.telemetry.Tracer.StartPluginSpan(ctx, req.Invocation.Plugin, req.Invocation.Function)

	logger.Debug().Str("plugin", req.Invocation.Plugin).Str("function", req.Invocation.Function).Msg("Task started")
	start := time.Now()
	err := call(ctx)
	kind := errorKind(err)
	b.telemetry.Metrics.RecordPluginCall(req.Invocation.Plugin, req.Invocation.Function, kind, time.Since(start))
	telemetry.EndSpan(span, err, kind)

	if err != nil {
		logger.Warn().Err(err).Dur("duration", time.Since(start)).Msg("Task failed")
	} else {
		logger.Debug().Dur("duration", time.Since(start)).Msg("Task succeeded")
	}
	return err
}

// report forwards the outcome of an attempt to the listener.
func (b *base) report(task *models.Task, err error) {
	if err != nil {
		b.listener.TaskFailed(task, err)
		return
	}
	b.listener.TaskSucceeded(task)
}

// errorKind labels a failure for metrics.
func errorKind(err error) string {
	if err == nil {
		return ""
	}
	var abortErr *models.TaskAbortError
	var retryErr *models.TaskRetryError
	switch {
	case errors.As(err, &abortErr):
		return "abort"
	case errors.As(err, &retryErr):
		return "retry"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
