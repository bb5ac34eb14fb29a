package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfroyo/toscaflow/pkg/executor"
	"github.com/openfroyo/toscaflow/pkg/models"
	"github.com/openfroyo/toscaflow/pkg/plugins"
	"github.com/openfroyo/toscaflow/pkg/stores"
	"github.com/openfroyo/toscaflow/pkg/workflow"
)

const testTimeout = 10 * time.Second

// standardOps binds every Standard operation to a function of the "test"
// plugin. Operations missing from funcs run "ok".
func standardOps(funcs map[string]string) map[string]*models.Interface {
	ops := make(map[string]*models.Operation)
	for _, op := range []string{workflow.OpCreate, workflow.OpConfigure, workflow.OpStart, workflow.OpStop, workflow.OpDelete} {
		fn, ok := funcs[op]
		if !ok {
			fn = "ok"
		}
		ops[op] = &models.Operation{Name: op, Implementation: "test > " + fn, Plugin: "test", Function: fn}
	}
	return map[string]*models.Interface{
		workflow.StandardInterface: {Name: workflow.StandardInterface, Operations: ops},
	}
}

// testService is a web server hosted on a compute node.
func testService(webFuncs map[string]string) *models.Service {
	host := &models.Node{
		ID:            "host-1",
		Name:          "host_aaaaaa",
		ServiceID:     "svc-1",
		TemplateName:  "host",
		TypeName:      "tosca.nodes.Compute",
		TypeHierarchy: []string{"tosca.nodes.Compute", "tosca.nodes.Root"},
		State:         models.NodeStateInitial,
		HostID:        "host-1",
		Interfaces:    standardOps(nil),
	}
	web := &models.Node{
		ID:            "web-1",
		Name:          "web_bbbbbb",
		ServiceID:     "svc-1",
		TemplateName:  "web",
		TypeName:      "tosca.nodes.WebServer",
		TypeHierarchy: []string{"tosca.nodes.WebServer", "tosca.nodes.Root"},
		State:         models.NodeStateInitial,
		HostID:        "host-1",
		Properties:    map[string]interface{}{"port": float64(8080)},
		Interfaces:    standardOps(webFuncs),
		Outbound: []*models.Relationship{{
			ID:              "rel-1",
			Name:            "host",
			TypeName:        "tosca.relationships.HostedOn",
			TargetNodeID:    "host-1",
			RequirementName: "host",
		}},
	}
	service := &models.Service{
		ID:           "svc-1",
		Name:         "hello",
		TemplateName: "hello",
		Nodes:        []*models.Node{host, web},
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	service.LinkRelationships()
	return service
}

// harness wires an engine to a memory store, a thread executor and the
// "test" plugin.
type harness struct {
	t        *testing.T
	store    *stores.MemoryStore
	handler  *EventsHandler
	executor *executor.ThreadExecutor
	engine   *Engine

	mu    sync.Mutex
	calls map[string]int
}

func newHarness(t *testing.T, service *models.Service, funcs map[string]plugins.OperationFunc, opts Options) *harness {
	t.Helper()
	h := &harness{t: t, store: stores.NewMemoryStore(), calls: make(map[string]int)}
	if err := h.store.CreateService(context.Background(), service); err != nil {
		t.Fatalf("CreateService failed: %v", err)
	}

	all := map[string]plugins.OperationFunc{
		"ok": func(ctx context.Context, inv *plugins.Invocation) error {
			inv.Log(plugins.LevelInfo, "%s %s", inv.OperationName, inv.Actor.Name)
			return nil
		},
	}
	for name, fn := range funcs {
		all[name] = fn
	}
	for name, fn := range all {
		all[name] = h.counting(fn)
	}
	registry := plugins.NewRegistry().MustRegister(plugins.NewFuncPlugin("test", "1.0.0", all))

	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	h.handler = NewEventsHandler(h.store, HandlerOptions{})
	h.executor = executor.NewThreadExecutor(registry, h.handler, executor.Options{Workers: 4})
	h.engine = New(h.store, h.handler, h.executor, opts)
	t.Cleanup(func() { _ = h.executor.Close() })
	return h
}

func (h *harness) counting(fn plugins.OperationFunc) plugins.OperationFunc {
	return func(ctx context.Context, inv *plugins.Invocation) error {
		h.mu.Lock()
		h.calls[inv.TaskName]++
		h.mu.Unlock()
		return fn(ctx, inv)
	}
}

func (h *harness) callCount(taskName string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[taskName]
}

func (h *harness) tasks(executionID string) []*models.Task {
	h.t.Helper()
	tasks, err := h.store.ListTasks(context.Background(), executionID)
	if err != nil {
		h.t.Fatalf("ListTasks failed: %v", err)
	}
	return tasks
}

func (h *harness) operation(executionID, name string) *models.Task {
	h.t.Helper()
	for _, task := range h.tasks(executionID) {
		if task.Name == name {
			return task
		}
	}
	h.t.Fatalf("no task named %s", name)
	return nil
}

// singleOp registers a workflow running the web node's Standard operations
// ops in sequence, with opts applied to each.
func singleOp(ops []string, opts ...workflow.OperationOption) *workflow.Registry {
	reg := workflow.NewRegistry()
	_ = reg.Register("ops", func(wctx *workflow.Context, graph *workflow.TaskGraph, _ map[string]interface{}) error {
		node := wctx.Service.NodeByName("web_bbbbbb")
		var tasks []workflow.Task
		for _, op := range ops {
			task, err := workflow.NewNodeOperationTask(wctx, node, workflow.StandardInterface, op, opts...)
			if err != nil {
				return err
			}
			tasks = append(tasks, task)
		}
		_, err := graph.Sequence(tasks...)
		return err
	})
	return reg
}

func opName(op string) string {
	return "Standard:" + op + "@node:web_bbbbbb"
}

func TestEngine_InstallAndUninstall(t *testing.T) {
	h := newHarness(t, testService(nil), nil, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	execution, err := h.engine.Run(ctx, "svc-1", workflow.WorkflowInstall, nil)
	if err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if execution.Status != models.ExecutionStatusTerminated {
		t.Fatalf("Expected terminated execution, got %s", execution.Status)
	}
	for _, task := range h.tasks(execution.ID) {
		if task.Status != models.TaskStatusSuccess {
			t.Errorf("Task %s ended %s", task.Name, task.Status)
		}
	}
	for _, id := range []string{"host-1", "web-1"} {
		node, err := h.store.GetNode(ctx, id)
		if err != nil {
			t.Fatalf("GetNode failed: %v", err)
		}
		if node.State != models.NodeStateStarted {
			t.Errorf("Expected node %s started, got %s", node.Name, node.State)
		}
	}

	// The web server is created only after its host started.
	hostStart := h.operation(execution.ID, "Standard:start@node:host_aaaaaa")
	webCreate := h.operation(execution.ID, opName(workflow.OpCreate))
	if webCreate.StartedAt.Before(*hostStart.EndedAt) {
		t.Error("Expected web create to start after host start ended")
	}

	logs, err := h.store.ListLogs(ctx, models.LogFilter{ExecutionID: execution.ID})
	if err != nil {
		t.Fatalf("ListLogs failed: %v", err)
	}
	if len(logs) == 0 {
		t.Fatal("Expected execution logs")
	}
	if !strings.Contains(logs[len(logs)-1].Message, "'install' workflow execution succeeded") {
		t.Errorf("Unexpected final log line %q", logs[len(logs)-1].Message)
	}

	uninstall, err := h.engine.Run(ctx, "svc-1", workflow.WorkflowUninstall, nil)
	if err != nil {
		t.Fatalf("uninstall failed: %v", err)
	}
	if uninstall.Status != models.ExecutionStatusTerminated {
		t.Fatalf("Expected terminated uninstall, got %s", uninstall.Status)
	}
	node, _ := h.store.GetNode(ctx, "web-1")
	if node.State != models.NodeStateDeleted {
		t.Errorf("Expected web node deleted, got %s", node.State)
	}
	webDelete := h.operation(uninstall.ID, opName(workflow.OpDelete))
	hostStop := h.operation(uninstall.ID, "Standard:stop@node:host_aaaaaa")
	if hostStop.StartedAt.Before(*webDelete.EndedAt) {
		t.Error("Expected host to stop only after the web server was deleted")
	}

	if err := h.store.DeleteService(ctx, "svc-1"); err != nil {
		t.Fatalf("DeleteService failed: %v", err)
	}
	services, _ := h.store.ListServices(ctx)
	executions, _ := h.store.ListExecutions(ctx, models.ExecutionFilter{})
	if len(services) != 0 || len(executions) != 0 {
		t.Errorf("Expected clean storage, got %d services and %d executions", len(services), len(executions))
	}
}

func TestEngine_UnimplementedOperationSucceeds(t *testing.T) {
	service := testService(nil)
	service.Nodes[1].Interfaces[workflow.StandardInterface].Operations[workflow.OpCreate].Function = ""
	h := newHarness(t, service, nil, Options{Workflows: singleOp([]string{workflow.OpCreate})})
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	execution, err := h.engine.Run(ctx, "svc-1", "ops", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if execution.Status != models.ExecutionStatusTerminated {
		t.Fatalf("Expected terminated, got %s", execution.Status)
	}
	task := h.operation(execution.ID, opName(workflow.OpCreate))
	logs, _ := h.store.ListLogs(ctx, models.LogFilter{TaskID: task.ID})
	if len(logs) != 1 || !strings.Contains(logs[0].Message, "has no implementation") {
		t.Errorf("Expected a 'has no implementation' log, got %+v", logs)
	}
}

func TestEngine_RetryThenSucceed(t *testing.T) {
	var attempts atomic.Int32
	funcs := map[string]plugins.OperationFunc{
		"flaky": func(ctx context.Context, inv *plugins.Invocation) error {
			if attempts.Add(1) < 3 {
				return errors.New("connection refused")
			}
			return nil
		},
	}
	h := newHarness(t, testService(map[string]string{workflow.OpCreate: "flaky"}), funcs,
		Options{Workflows: singleOp([]string{workflow.OpCreate}, workflow.WithMaxAttempts(3))})
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	execution, err := h.engine.Run(ctx, "svc-1", "ops", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if execution.Status != models.ExecutionStatusTerminated {
		t.Fatalf("Expected terminated, got %s", execution.Status)
	}
	task := h.operation(execution.ID, opName(workflow.OpCreate))
	if task.RetryCount != 2 || task.Status != models.TaskStatusSuccess {
		t.Errorf("Expected success after 2 retries, got %s with %d retries", task.Status, task.RetryCount)
	}
}

func TestEngine_RetriesExhaustedFailsWorkflow(t *testing.T) {
	funcs := map[string]plugins.OperationFunc{
		"fail": func(ctx context.Context, inv *plugins.Invocation) error {
			return errors.New("connection refused")
		},
	}
	h := newHarness(t, testService(map[string]string{workflow.OpCreate: "fail"}), funcs,
		Options{Workflows: singleOp([]string{workflow.OpCreate, workflow.OpConfigure}, workflow.WithMaxAttempts(2))})
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	execution, err := h.engine.Run(ctx, "svc-1", "ops", nil)
	if !errors.Is(err, ErrWorkflowFailed) {
		t.Fatalf("Expected ErrWorkflowFailed, got %v", err)
	}
	if execution.Status != models.ExecutionStatusFailed {
		t.Fatalf("Expected failed execution, got %s", execution.Status)
	}
	if !strings.Contains(execution.Error, "connection refused") {
		t.Errorf("Expected execution error to retain the cause, got %q", execution.Error)
	}

	create := h.operation(execution.ID, opName(workflow.OpCreate))
	if create.Status != models.TaskStatusFailed || create.RetryCount != 2 {
		t.Errorf("Expected failed after 2 retries, got %s with %d retries", create.Status, create.RetryCount)
	}
	if got := h.callCount(create.Name); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
	configure := h.operation(execution.ID, opName(workflow.OpConfigure))
	if configure.Status != models.TaskStatusPending {
		t.Errorf("Expected dependent task never dispatched, got %s", configure.Status)
	}
}

func TestEngine_AbortSkipsRetries(t *testing.T) {
	funcs := map[string]plugins.OperationFunc{
		"abort": func(ctx context.Context, inv *plugins.Invocation) error {
			return models.AbortTask("unsupported platform")
		},
	}
	h := newHarness(t, testService(map[string]string{workflow.OpCreate: "abort"}), funcs,
		Options{Workflows: singleOp([]string{workflow.OpCreate}, workflow.WithMaxAttempts(5))})
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	execution, err := h.engine.Run(ctx, "svc-1", "ops", nil)
	if !errors.Is(err, ErrWorkflowFailed) {
		t.Fatalf("Expected ErrWorkflowFailed, got %v", err)
	}
	task := h.operation(execution.ID, opName(workflow.OpCreate))
	if task.RetryCount != 0 || task.Status != models.TaskStatusFailed {
		t.Errorf("Expected immediate failure, got %s with %d retries", task.Status, task.RetryCount)
	}
}

func TestEngine_IgnoreFailureLetsDependentsRun(t *testing.T) {
	funcs := map[string]plugins.OperationFunc{
		"abort": func(ctx context.Context, inv *plugins.Invocation) error {
			return models.AbortTask("optional step failed")
		},
	}
	h := newHarness(t, testService(map[string]string{workflow.OpCreate: "abort"}), funcs,
		Options{Workflows: singleOp([]string{workflow.OpCreate, workflow.OpConfigure}, workflow.WithIgnoreFailure(true))})
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	execution, err := h.engine.Run(ctx, "svc-1", "ops", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if execution.Status != models.ExecutionStatusTerminated {
		t.Fatalf("Expected terminated, got %s", execution.Status)
	}
	if create := h.operation(execution.ID, opName(workflow.OpCreate)); create.Status != models.TaskStatusFailed {
		t.Errorf("Expected the ignored failure to be recorded, got %s", create.Status)
	}
	if configure := h.operation(execution.ID, opName(workflow.OpConfigure)); configure.Status != models.TaskStatusSuccess {
		t.Errorf("Expected dependent to run, got %s", configure.Status)
	}
}

func TestEngine_ExplicitRetryIgnoresBudget(t *testing.T) {
	var attempts atomic.Int32
	funcs := map[string]plugins.OperationFunc{
		"wait": func(ctx context.Context, inv *plugins.Invocation) error {
			if attempts.Add(1) <= 3 {
				return models.RetryTask("not ready", 0)
			}
			return nil
		},
	}
	h := newHarness(t, testService(map[string]string{workflow.OpCreate: "wait"}), funcs,
		Options{Workflows: singleOp([]string{workflow.OpCreate}, workflow.WithMaxAttempts(1))})
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	execution, err := h.engine.Run(ctx, "svc-1", "ops", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	task := h.operation(execution.ID, opName(workflow.OpCreate))
	if task.Status != models.TaskStatusSuccess || task.RetryCount != 3 {
		t.Errorf("Expected success after 3 requested retries, got %s with %d", task.Status, task.RetryCount)
	}
}

func TestEngine_RetryIntervalDelaysDispatch(t *testing.T) {
	var first atomic.Int64
	var second atomic.Int64
	funcs := map[string]plugins.OperationFunc{
		"slow": func(ctx context.Context, inv *plugins.Invocation) error {
			if inv.Attempt == 1 {
				first.Store(time.Now().UnixNano())
				return errors.New("busy")
			}
			second.Store(time.Now().UnixNano())
			return nil
		},
	}
	h := newHarness(t, testService(map[string]string{workflow.OpCreate: "slow"}), funcs,
		Options{Workflows: singleOp([]string{workflow.OpCreate},
			workflow.WithMaxAttempts(1), workflow.WithRetryInterval(150*time.Millisecond))})
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if _, err := h.engine.Run(ctx, "svc-1", "ops", nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if gap := time.Duration(second.Load() - first.Load()); gap < 150*time.Millisecond {
		t.Errorf("Expected the retry to wait for its interval, waited %s", gap)
	}
}

// blocking returns a function that signals started and then blocks until
// release is closed or its context is done.
func blocking(started chan<- string, release <-chan struct{}) plugins.OperationFunc {
	return func(ctx context.Context, inv *plugins.Invocation) error {
		started <- inv.TaskName
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type runResult struct {
	execution *models.Execution
	err       error
}

func TestEngine_CancelLetsInFlightTasksFinish(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	funcs := map[string]plugins.OperationFunc{"block": blocking(started, release)}
	h := newHarness(t, testService(map[string]string{workflow.OpCreate: "block"}), funcs,
		Options{Workflows: singleOp([]string{workflow.OpCreate, workflow.OpConfigure})})
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	execution, err := h.engine.Prepare(ctx, "svc-1", "ops", nil)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	done := make(chan runResult, 1)
	go func() {
		e, err := h.engine.Execute(ctx, execution.ID)
		done <- runResult{e, err}
	}()

	<-started
	cancelled, err := h.engine.Cancel(ctx, execution.ID, false)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != models.ExecutionStatusCancelling {
		t.Fatalf("Expected cancelling, got %s", cancelled.Status)
	}
	close(release)

	res := <-done
	if !errors.Is(res.err, ErrExecutionCancelled) {
		t.Fatalf("Expected ErrExecutionCancelled, got %v", res.err)
	}
	if res.execution.Status != models.ExecutionStatusCancelled {
		t.Errorf("Expected cancelled, got %s", res.execution.Status)
	}
	if create := h.operation(execution.ID, opName(workflow.OpCreate)); create.Status != models.TaskStatusSuccess {
		t.Errorf("Expected in-flight task to finish, got %s", create.Status)
	}
	if configure := h.operation(execution.ID, opName(workflow.OpConfigure)); configure.Status != models.TaskStatusPending {
		t.Errorf("Expected no new dispatch after cancel, got %s", configure.Status)
	}
}

func TestEngine_ForceCancelTerminatesTasks(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	defer close(release)
	funcs := map[string]plugins.OperationFunc{"block": blocking(started, release)}
	h := newHarness(t, testService(map[string]string{workflow.OpCreate: "block"}), funcs,
		Options{Workflows: singleOp([]string{workflow.OpCreate})})
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	execution, err := h.engine.Prepare(ctx, "svc-1", "ops", nil)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	done := make(chan runResult, 1)
	go func() {
		e, err := h.engine.Execute(ctx, execution.ID)
		done <- runResult{e, err}
	}()

	<-started
	if _, err := h.engine.Cancel(ctx, execution.ID, true); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	res := <-done
	if !errors.Is(res.err, ErrExecutionCancelled) {
		t.Fatalf("Expected ErrExecutionCancelled, got %v", res.err)
	}

	if err := h.executor.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	create := h.operation(execution.ID, opName(workflow.OpCreate))
	if create.Status != models.TaskStatusFailed || !strings.Contains(create.Error, "terminated") {
		t.Errorf("Expected terminated task to fail, got %s (%s)", create.Status, create.Error)
	}
}

func TestEngine_ForceCancelWaitsForRunningTasks(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	funcs := map[string]plugins.OperationFunc{
		// Ignores its context, so terminating it has no effect.
		"stubborn": func(ctx context.Context, inv *plugins.Invocation) error {
			started <- inv.TaskName
			<-release
			return nil
		},
	}
	h := newHarness(t, testService(map[string]string{workflow.OpCreate: "stubborn"}), funcs,
		Options{Workflows: singleOp([]string{workflow.OpCreate, workflow.OpConfigure})})
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	execution, err := h.engine.Prepare(ctx, "svc-1", "ops", nil)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	done := make(chan runResult, 1)
	go func() {
		e, err := h.engine.Execute(ctx, execution.ID)
		done <- runResult{e, err}
	}()

	<-started
	if _, err := h.engine.Cancel(ctx, execution.ID, true); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	select {
	case res := <-done:
		close(release)
		t.Fatalf("Expected execution to wait for its running task, it ended %s", res.execution.Status)
	case <-time.After(200 * time.Millisecond):
	}
	stored, err := h.store.GetExecution(ctx, execution.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if stored.Status != models.ExecutionStatusForceCancelling {
		t.Errorf("Expected force_cancelling while the task runs, got %s", stored.Status)
	}

	close(release)
	res := <-done
	if !errors.Is(res.err, ErrExecutionCancelled) {
		t.Fatalf("Expected ErrExecutionCancelled, got %v", res.err)
	}
	if res.execution.Status != models.ExecutionStatusCancelled {
		t.Errorf("Expected cancelled, got %s", res.execution.Status)
	}
	for _, task := range h.tasks(execution.ID) {
		if task.Status.IsExecuting() {
			t.Errorf("Task %s still %s after the execution settled", task.Name, task.Status)
		}
	}
	if configure := h.operation(execution.ID, opName(workflow.OpConfigure)); configure.Status != models.TaskStatusPending {
		t.Errorf("Expected no new dispatch after cancel, got %s", configure.Status)
	}
}

func TestEngine_ResumeAfterInterrupt(t *testing.T) {
	started := make(chan string, 1)
	var interrupted atomic.Bool
	interrupted.Store(true)
	funcs := map[string]plugins.OperationFunc{
		"block": func(ctx context.Context, inv *plugins.Invocation) error {
			if !interrupted.Load() {
				return nil
			}
			started <- inv.TaskName
			<-ctx.Done()
			return ctx.Err()
		},
	}
	service := testService(map[string]string{workflow.OpConfigure: "block"})
	h := newHarness(t, service, funcs,
		Options{Workflows: singleOp([]string{workflow.OpCreate, workflow.OpConfigure, workflow.OpStart})})

	runCtx, stop := context.WithCancel(context.Background())
	execution, err := h.engine.Prepare(runCtx, "svc-1", "ops", nil)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	done := make(chan runResult, 1)
	go func() {
		e, err := h.engine.Execute(runCtx, execution.ID)
		done <- runResult{e, err}
	}()
	<-started
	stop()
	res := <-done
	if !errors.Is(res.err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", res.err)
	}
	if err := h.executor.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	stored, _ := h.store.GetExecution(ctx, execution.ID)
	if stored.Status != models.ExecutionStatusStarted {
		t.Fatalf("Expected interrupted execution to stay started, got %s", stored.Status)
	}
	if configure := h.operation(execution.ID, opName(workflow.OpConfigure)); configure.Status != models.TaskStatusStarted {
		t.Fatalf("Expected interrupted task to stay started, got %s", configure.Status)
	}

	// A fresh executor picks the execution up where it stopped.
	interrupted.Store(false)
	registry := plugins.NewRegistry().MustRegister(plugins.NewFuncPlugin("test", "1.0.0", map[string]plugins.OperationFunc{
		"ok":    h.counting(func(context.Context, *plugins.Invocation) error { return nil }),
		"block": h.counting(funcs["block"]),
	}))
	exec := executor.NewThreadExecutor(registry, h.handler, executor.Options{})
	defer exec.Close()
	resumed := New(h.store, h.handler, exec, Options{Workflows: h.engine.opts.Workflows, PollInterval: 10 * time.Millisecond})

	final, err := resumed.Resume(ctx, execution.ID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if final.Status != models.ExecutionStatusTerminated {
		t.Fatalf("Expected terminated after resume, got %s", final.Status)
	}
	if got := h.callCount(opName(workflow.OpCreate)); got != 1 {
		t.Errorf("Expected ended task not to run again, ran %d times", got)
	}
	if got := h.callCount(opName(workflow.OpConfigure)); got != 2 {
		t.Errorf("Expected interrupted task to run again, ran %d times", got)
	}

	if _, err := resumed.Resume(ctx, execution.ID); !models.IsConflict(err) {
		t.Errorf("Expected conflict resuming an ended execution, got %v", err)
	}
}

func TestEngine_ExecuteStateChecks(t *testing.T) {
	h := newHarness(t, testService(nil), nil, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if _, err := h.engine.Prepare(ctx, "svc-1", "no_such_workflow", nil); !models.IsNotFound(err) {
		t.Errorf("Expected not found for unknown workflow, got %v", err)
	}
	if _, err := h.engine.Prepare(ctx, "missing", workflow.WorkflowInstall, nil); !models.IsNotFound(err) {
		t.Errorf("Expected not found for unknown service, got %v", err)
	}

	execution, err := h.engine.Prepare(ctx, "svc-1", workflow.WorkflowInstall, nil)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	cancelled, err := h.engine.Cancel(ctx, execution.ID, false)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != models.ExecutionStatusCancelled {
		t.Fatalf("Expected a pending execution to be cancelled outright, got %s", cancelled.Status)
	}
	if _, err := h.engine.Execute(ctx, execution.ID); !errors.Is(err, ErrExecutionCancelled) {
		t.Errorf("Expected ErrExecutionCancelled, got %v", err)
	}

	done, err := h.engine.Run(ctx, "svc-1", workflow.WorkflowInstall, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := h.engine.Execute(ctx, done.ID); !models.IsConflict(err) {
		t.Errorf("Expected conflict executing an ended execution, got %v", err)
	}

	if _, err := h.engine.Cancel(ctx, done.ID, false); err == nil {
		t.Error("Expected cancelling an ended execution to fail")
	}
	stored, err := h.store.GetExecution(ctx, done.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if stored.Status != models.ExecutionStatusTerminated {
		t.Errorf("Expected ended execution to stay terminated, got %s", stored.Status)
	}
}
