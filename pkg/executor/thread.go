package executor

import (
	"context"
	"sync"

	"github.com/openfroyo/toscaflow/pkg/plugins"
)

// ThreadExecutor runs operations in-process on a bounded pool of
// goroutines.
type ThreadExecutor struct {
	base
	registry *plugins.Registry
	slots    chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
	closed  bool
}

// NewThreadExecutor creates a thread executor resolving functions in
// registry.
func NewThreadExecutor(registry *plugins.Registry, listener Listener, opts Options) *ThreadExecutor {
	opts = opts.withDefaults()
	return &ThreadExecutor{
		base:     newBase(listener, opts, "thread-executor"),
		registry: registry,
		slots:    make(chan struct{}, opts.Workers),
		running:  make(map[string]context.CancelFunc),
	}
}

// Execute queues the task and returns immediately.
func (e *ThreadExecutor) Execute(ctx context.Context, req *Request) error {
	if e.skipUnimplemented(req) {
		return nil
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	taskCtx, cancel := context.WithCancel(ctx)
	e.running[req.Task.ID] = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	e.listener.TaskSent(req.Task)
	go e.run(taskCtx, req)
	return nil
}

func (e *ThreadExecutor) run(ctx context.Context, req *Request) {
	defer e.wg.Done()
	defer e.forget(req.Task.ID)

	select {
	case e.slots <- struct{}{}:
		defer func() { <-e.slots }()
	case <-ctx.Done():
		e.report(req.Task, ctx.Err())
		return
	}

	e.listener.TaskStarted(req.Task)
	inv := e.invocation(req)
	err := e.observe(ctx, req, func(ctx context.Context) error {
		fn, err := inv.Resolve(e.registry)
		if err != nil {
			return err
		}
		return plugins.Call(ctx, fn, inv)
	})
	e.report(req.Task, err)
}

func (e *ThreadExecutor) forget(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.running[taskID]; ok {
		cancel()
		delete(e.running, taskID)
	}
}

// Terminate cancels the task's context. Operations that ignore their
// context run to completion.
func (e *ThreadExecutor) Terminate(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.running[taskID]; ok {
		e.logger.Warn().Str("task_id", taskID).Msg("terminating task")
		cancel()
	}
}

// Close waits for every dispatched task to report.
func (e *ThreadExecutor) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}
