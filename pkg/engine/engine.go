package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/toscaflow/pkg/executor"
	"github.com/openfroyo/toscaflow/pkg/models"
	"github.com/openfroyo/toscaflow/pkg/plugins"
	"github.com/openfroyo/toscaflow/pkg/telemetry"
	"github.com/openfroyo/toscaflow/pkg/workflow"
)

// DefaultPollInterval bounds how long the loop sleeps without a signal.
const DefaultPollInterval = 100 * time.Millisecond

// Options configures an Engine.
type Options struct {
	// Workflows resolves workflow names. Defaults to the builtin workflows.
	Workflows *workflow.Registry

	// Defaults for operation tasks that do not set their own.
	TaskMaxAttempts   int
	TaskRetryInterval time.Duration
	TaskIgnoreFailure bool

	PollInterval time.Duration

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	Logger    zerolog.Logger
	Telemetry *telemetry.Telemetry
}

func (o Options) withDefaults() Options {
	if o.Workflows == nil {
		o.Workflows = workflow.NewRegistry()
	}
	if o.TaskMaxAttempts == 0 {
		o.TaskMaxAttempts = workflow.DefaultTaskMaxAttempts
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Telemetry == nil {
		o.Telemetry = telemetry.NewNop()
	}
	return o
}

// Engine prepares and runs workflow executions against a store.
type Engine struct {
	store    models.ModelStorage
	handler  *EventsHandler
	executor executor.Executor
	stub     *executor.StubExecutor
	opts     Options
	logger   zerolog.Logger
}

// New creates an engine. The executor must report to handler.
func New(store models.ModelStorage, handler *EventsHandler, exec executor.Executor, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		store:    store,
		handler:  handler,
		executor: exec,
		stub:     executor.NewStubExecutor(handler),
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "engine").Logger(),
	}
}

func (e *Engine) now() time.Time {
	return e.opts.Clock().UTC()
}

// Prepare builds and compiles a workflow for service and stores the pending
// execution with its tasks.
func (e *Engine) Prepare(ctx context.Context, serviceID, workflowName string, inputs map[string]interface{}) (*models.Execution, error) {
	service, err := e.store.GetService(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load service %s: %w", serviceID, err)
	}

	execution := models.NewExecution(uuid.New().String(), service.ID, workflowName, inputs)
	wctx := workflow.NewContext(service, execution,
		workflow.WithTaskMaxAttempts(e.opts.TaskMaxAttempts),
		workflow.WithTaskRetryInterval(e.opts.TaskRetryInterval),
		workflow.WithTaskIgnoreFailure(e.opts.TaskIgnoreFailure),
		workflow.WithLogger(e.logger),
	)
	graph, err := e.opts.Workflows.Build(wctx, workflowName, inputs)
	if err != nil {
		return nil, err
	}
	compiled, err := Compile(execution, graph)
	if err != nil {
		return nil, fmt.Errorf("failed to compile workflow %s: %w", workflowName, err)
	}
	if err := compiled.Validate(); err != nil {
		return nil, err
	}

	if err := e.store.CreateExecution(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to store execution: %w", err)
	}
	if err := e.store.CreateTasks(ctx, compiled.Tasks); err != nil {
		return nil, fmt.Errorf("failed to store tasks: %w", err)
	}

	e.logger.Info().
		Str("execution_id", execution.ID).
		Str("workflow", workflowName).
		Int("tasks", compiled.Len()).
		Msg("Workflow compiled")
	return execution, nil
}

// Run prepares a workflow and executes it to the end.
func (e *Engine) Run(ctx context.Context, serviceID, workflowName string, inputs map[string]interface{}) (*models.Execution, error) {
	execution, err := e.Prepare(ctx, serviceID, workflowName, inputs)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, execution.ID)
}

// Execute starts a pending execution and runs it until it ends or ctx is
// done.
func (e *Engine) Execute(ctx context.Context, executionID string) (*models.Execution, error) {
	execution, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	switch {
	case execution.Status == models.ExecutionStatusCancelled:
		return execution, ErrExecutionCancelled
	case execution.Status.IsEnded():
		return execution, models.NewConflictError(
			fmt.Sprintf("execution %s already ended %s", execution.ID, execution.Status), nil)
	case execution.Status != models.ExecutionStatusPending:
		return execution, models.NewConflictError(
			fmt.Sprintf("execution %s is %s; resume it instead", execution.ID, execution.Status), nil)
	}

	if err := execution.MarkStarted(e.now()); err != nil {
		return nil, err
	}
	if err := e.store.UpdateExecution(ctx, execution, models.ExecutionStatusPending); err != nil {
		return nil, err
	}
	e.logExecution(ctx, execution, plugins.LevelInfo, fmt.Sprintf("Starting '%s' workflow execution", execution.WorkflowName))
	_ = e.opts.Telemetry.Events.PublishWorkflow(telemetry.EventWorkflowStarted, execution.ID, "workflow started")
	return e.loop(ctx, execution)
}

// Resume continues an execution interrupted while running. Tasks that were
// with an executor go back to PENDING; ended tasks are not run again.
func (e *Engine) Resume(ctx context.Context, executionID string) (*models.Execution, error) {
	execution, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if execution.Status == models.ExecutionStatusPending {
		return e.Execute(ctx, executionID)
	}
	if execution.Status.IsEnded() {
		return execution, models.NewConflictError(
			fmt.Sprintf("execution %s already ended %s", execution.ID, execution.Status), nil)
	}

	tasks, err := e.store.ListTasks(ctx, executionID)
	if err != nil {
		return nil, err
	}
	requeued := 0
	for _, t := range tasks {
		if t.Status.IsExecuting() {
			e.handler.requeue(t)
			requeued++
		}
	}
	e.logger.Info().Str("execution_id", executionID).Int("requeued", requeued).Msg("Resuming execution")
	e.logExecution(ctx, execution, plugins.LevelInfo, fmt.Sprintf("Resuming '%s' workflow execution", execution.WorkflowName))
	return e.loop(ctx, execution)
}

// Cancel requests cancellation of an execution. A pending execution is
// cancelled outright; a running one is cancelled by its loop.
func (e *Engine) Cancel(ctx context.Context, executionID string, force bool) (*models.Execution, error) {
	var execution *models.Execution
	for {
		current, err := e.store.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		prior := current.Status
		if err := current.RequestCancel(e.now(), force); err != nil {
			return nil, err
		}
		err = e.store.UpdateExecution(ctx, current, prior)
		if err == nil {
			execution = current
			break
		}
		// The loop or another cancel wrote first; decide again on the new status.
		if !models.IsConflict(err) {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	event := telemetry.EventWorkflowCancelling
	if execution.Status == models.ExecutionStatusCancelled {
		event = telemetry.EventWorkflowCancelled
	}
	_ = e.opts.Telemetry.Events.PublishWorkflow(event, execution.ID, "cancellation requested")
	e.logger.Info().
		Str("execution_id", execution.ID).
		Str("status", string(execution.Status)).
		Bool("force", force).
		Msg("Cancellation requested")
	return execution, nil
}

// pass is what one loop iteration learned about the tasks.
type pass struct {
	tasks     []*models.Task
	byID      map[string]*models.Task
	executing []*models.Task
	failure   *models.Task
	allEnded  bool
}

func (e *Engine) scan(ctx context.Context, executionID string) (*pass, error) {
	tasks, err := e.store.ListTasks(ctx, executionID)
	if err != nil {
		return nil, err
	}
	p := &pass{tasks: tasks, byID: make(map[string]*models.Task, len(tasks)), allEnded: true}
	for _, t := range tasks {
		p.byID[t.ID] = t
		if t.Status.IsExecuting() {
			p.executing = append(p.executing, t)
		}
		if !t.Status.IsEnded() {
			p.allEnded = false
		}
		if p.failure == nil && t.Status == models.TaskStatusFailed && !t.IgnoreFailure {
			p.failure = t
		}
	}
	return p, nil
}

// ready reports whether every dependency of t is satisfied.
func (p *pass) ready(t *models.Task) bool {
	for _, id := range t.Dependencies {
		dep, ok := p.byID[id]
		if !ok || !dep.Satisfied() {
			return false
		}
	}
	return true
}

func (e *Engine) loop(ctx context.Context, execution *models.Execution) (*models.Execution, error) {
	ctx, span := e.opts.Telemetry.Tracer.StartExecutionSpan(ctx, execution.ID, execution.WorkflowName)
	defer span.End()
	e.opts.Telemetry.Metrics.RecordExecutionStarted(execution.WorkflowName)
	started := time.Now()

	logger := e.logger.With().Str("execution_id", execution.ID).Str("workflow", execution.WorkflowName).Logger()
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		logger = logger.With().Str("trace_id", traceID).Logger()
	}
	logger.Info().Msg("Workflow started")

	service, err := e.store.GetService(ctx, execution.ServiceID)
	if err != nil {
		return execution, fmt.Errorf("failed to load service %s: %w", execution.ServiceID, err)
	}

	// dispatched records the attempt each task was last handed out for.
	dispatched := make(map[string]int)
	terminating := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			logger.Warn().Err(err).Msg("Workflow loop stopped; execution can be resumed")
			return execution, err
		}

		current, err := e.store.GetExecution(ctx, execution.ID)
		if err != nil {
			return execution, err
		}
		execution = current
		p, err := e.scan(ctx, execution.ID)
		if err != nil {
			return execution, err
		}
		now := e.now()

		var failure *models.Task
		settled := false
		switch {
		case execution.Status == models.ExecutionStatusForceCancelling:
			for _, t := range p.executing {
				if terminating[t.ID] {
					continue
				}
				terminating[t.ID] = true
				e.handler.markTerminated(t.ID)
				e.executor.Terminate(t.ID)
			}
			settled = len(p.executing) == 0

		case execution.Status == models.ExecutionStatusCancelling:
			settled = len(p.executing) == 0

		case p.failure != nil:
			failure = p.failure
			settled = len(p.executing) == 0

		case p.allEnded:
			settled = true

		default:
			var nextDue time.Time
			for _, t := range p.tasks {
				if !t.Status.IsWaiting() || !p.ready(t) {
					continue
				}
				if !t.IsDue(now) {
					if nextDue.IsZero() || t.DueAt.Before(nextDue) {
						nextDue = t.DueAt
					}
					continue
				}
				attempt := t.RetryCount + 1
				if dispatched[t.ID] == attempt {
					continue
				}
				dispatched[t.ID] = attempt
				e.dispatch(ctx, service, t)
			}
			e.wait(ctx, now, nextDue)
			continue
		}

		if settled {
			result, err := e.finish(ctx, execution, started, failure)
			if !errors.Is(err, errExecutionChanged) {
				return result, err
			}
			logger.Debug().Err(err).Msg("Execution changed while settling")
			continue
		}
		e.wait(ctx, now, time.Time{})
	}
}

// wait blocks until a task signal, the next due time, the poll interval or
// ctx, whichever comes first.
func (e *Engine) wait(ctx context.Context, now, nextDue time.Time) {
	delay := e.opts.PollInterval
	if !nextDue.IsZero() {
		if until := nextDue.Sub(now); until < delay {
			delay = max(until, 0)
		}
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-e.handler.Wake():
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (e *Engine) dispatch(ctx context.Context, service *models.Service, task *models.Task) {
	ctx, span := e.opts.Telemetry.Tracer.StartTaskSpan(ctx, task.ID, task.Name, task.RetryCount+1)
	if task.NodeID != "" {
		span.SetAttributes(telemetry.AttrNodeID.String(task.NodeID))
	}
	var err error
	defer func() { telemetry.EndSpan(span, err, "dispatch") }()

	req := &executor.Request{Task: task}
	if task.Kind.IsStub() {
		if err = e.stub.Execute(ctx, req); err != nil {
			e.handler.failDispatch(task, err)
		}
		return
	}

	var inv *plugins.Invocation
	inv, err = e.invocation(ctx, service, task)
	if err == nil {
		req.Invocation = inv
		err = e.executor.Execute(ctx, req)
	}
	if err != nil {
		e.logger.Error().Err(err).Str("task_id", task.ID).Str("task", task.Name).Msg("Failed to dispatch task")
		e.handler.failDispatch(task, err)
	}
}

// invocation assembles what the operation function receives.
func (e *Engine) invocation(ctx context.Context, service *models.Service, task *models.Task) (*plugins.Invocation, error) {
	inv := &plugins.Invocation{
		TaskID:        task.ID,
		ExecutionID:   task.ExecutionID,
		TaskName:      task.Name,
		Plugin:        task.Plugin,
		Function:      task.Function,
		Arguments:     task.Arguments,
		InterfaceName: task.InterfaceName,
		OperationName: task.OperationName,
		ActorType:     task.ActorType,
		RunsOn:        task.RunsOn,
		Attempt:       task.RetryCount + 1,
	}

	pluginName := task.Plugin
	if pluginName == "" && task.Function != "" {
		pluginName = plugins.DefaultPluginFor(task.Function)
	}
	if p, ok := service.Plugins[pluginName]; ok && p != nil {
		inv.PluginVersion = p.Version
	}

	var hostID string
	switch task.ActorType {
	case models.ActorTypeNode:
		node, err := e.store.GetNode(ctx, task.NodeID)
		if err != nil {
			return nil, err
		}
		inv.Actor = nodeActor(node)
		hostID = node.HostID

	case models.ActorTypeRelationship:
		rel := service.Relationship(task.RelationshipID)
		if rel == nil {
			return nil, models.NewNotFoundError("relationship", task.RelationshipID)
		}
		inv.Actor = plugins.Actor{
			ID:         rel.ID,
			Name:       rel.Name,
			TypeName:   rel.TypeName,
			Properties: rel.Properties,
		}
		side := rel.SourceNodeID
		if task.RunsOn == models.RunsOnTarget {
			side = rel.TargetNodeID
		}
		node, err := e.store.GetNode(ctx, side)
		if err != nil {
			return nil, err
		}
		hostID = node.HostID
	}

	if hostID != "" {
		host, err := e.store.GetNode(ctx, hostID)
		if err != nil && !models.IsNotFound(err) {
			return nil, err
		}
		if host != nil {
			actor := nodeActor(host)
			inv.Host = &actor
		}
	}
	return inv, nil
}

func nodeActor(node *models.Node) plugins.Actor {
	return plugins.Actor{
		ID:         node.ID,
		Name:       node.Name,
		TypeName:   node.TypeName,
		Properties: node.Properties,
		Attributes: node.Attributes,
	}
}

// finish settles the execution. failure is the task that failed the
// workflow, if any.
func (e *Engine) finish(ctx context.Context, execution *models.Execution, started time.Time, failure *models.Task) (*models.Execution, error) {
	now := e.now()
	prior := execution.Status
	var result error
	var event, message, level string

	switch {
	case execution.Status.IsCancelRequested():
		if err := execution.MarkCancelled(now); err != nil {
			return execution, err
		}
		result = ErrExecutionCancelled
		event, level = telemetry.EventWorkflowCancelled, plugins.LevelWarn
		message = fmt.Sprintf("'%s' workflow execution cancelled", execution.WorkflowName)

	case failure != nil:
		cause := fmt.Errorf("task %s failed: %s", failure.Name, failure.Error)
		if failure.Stack != "" {
			cause = fmt.Errorf("%w\n%s", cause, failure.Stack)
		}
		if err := execution.MarkFailed(now, cause); err != nil {
			return execution, err
		}
		result = fmt.Errorf("%w: task %s: %s", ErrWorkflowFailed, failure.Name, failure.Error)
		event, level = telemetry.EventWorkflowFailed, plugins.LevelError
		message = fmt.Sprintf("'%s' workflow execution failed: %s", execution.WorkflowName, failure.Error)

	default:
		if err := execution.MarkTerminated(now); err != nil {
			return execution, err
		}
		event, level = telemetry.EventWorkflowSucceeded, plugins.LevelInfo
		message = fmt.Sprintf("'%s' workflow execution succeeded", execution.WorkflowName)
	}

	// The loop's own context may already be done when cancellation settles.
	storeCtx := context.WithoutCancel(ctx)
	if err := e.store.UpdateExecution(storeCtx, execution, prior); err != nil {
		if models.IsConflict(err) {
			return execution, fmt.Errorf("%w: %w", errExecutionChanged, err)
		}
		return execution, fmt.Errorf("failed to store execution: %w", err)
	}

	trace.SpanFromContext(ctx).SetAttributes(telemetry.AttrExecutionStatus.String(string(execution.Status)))
	e.opts.Telemetry.Metrics.RecordExecutionCompleted(execution.WorkflowName, string(execution.Status), time.Since(started))
	_ = e.opts.Telemetry.Events.PublishWorkflow(event, execution.ID, message)
	e.logExecution(storeCtx, execution, level, message)

	logEvent := e.logger.Info()
	if result != nil {
		logEvent = e.logger.Warn().Err(result)
	}
	logEvent.
		Str("execution_id", execution.ID).
		Str("workflow", execution.WorkflowName).
		Str("status", string(execution.Status)).
		Dur("duration", time.Since(started)).
		Msg("Workflow finished")
	return execution, result
}

// logExecution stores an execution-level log line.
func (e *Engine) logExecution(ctx context.Context, execution *models.Execution, level, message string) {
	err := e.store.AppendLog(ctx, &models.Log{
		ExecutionID: execution.ID,
		Level:       level,
		Message:     message,
		CreatedAt:   e.now(),
	})
	if err != nil {
		e.logger.Error().Err(err).Str("execution_id", execution.ID).Msg("failed to store log")
	}
}
