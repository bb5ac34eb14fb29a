package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/toscaflow/pkg/executor/protocol"
	"github.com/openfroyo/toscaflow/pkg/models"
)

// ProcessOptions configures the process executor.
type ProcessOptions struct {
	Options

	// Command starts one worker. Default: this executable with the
	// "worker" argument.
	Command []string

	// Env is appended to the parent's environment for workers.
	Env []string

	// StartupTimeout bounds the wait for a worker's READY message.
	StartupTimeout time.Duration
}

// ProcessExecutor runs operations in a pool of worker processes speaking
// the protocol package's JSON-lines protocol over stdio. Each worker runs
// one task at a time; a worker that dies is replaced on the next task.
type ProcessExecutor struct {
	base
	opts  ProcessOptions
	queue *jobQueue
	group *errgroup.Group

	mu      sync.Mutex
	running map[string]*workerProcess
	// terminated holds tasks terminated between leaving the queue and
	// reaching a worker.
	terminated map[string]bool
}

// NewProcessExecutor starts the pool's dispatch goroutines. Workers are
// spawned on first use. Cancelling ctx kills every worker.
func NewProcessExecutor(ctx context.Context, listener Listener, opts ProcessOptions) (*ProcessExecutor, error) {
	opts.Options = opts.Options.withDefaults()
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 10 * time.Second
	}
	if len(opts.Command) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate worker executable: %w", err)
		}
		opts.Command = []string{self, "worker"}
	}

	group, gctx := errgroup.WithContext(ctx)
	e := &ProcessExecutor{
		base:    newBase(listener, opts.Options, "process-executor"),
		opts:    opts,
		queue:   newJobQueue(),
		group:   group,
		running: make(map[string]*workerProcess),

		terminated: make(map[string]bool),
	}
	for i := 0; i < opts.Workers; i++ {
		group.Go(func() error { return e.serve(gctx, i) })
	}
	return e, nil
}

// Execute queues the task and returns immediately.
func (e *ProcessExecutor) Execute(_ context.Context, req *Request) error {
	if e.skipUnimplemented(req) {
		return nil
	}
	if e.queue.isClosed() {
		return ErrClosed
	}
	e.listener.TaskSent(req.Task)
	if !e.queue.push(req) {
		return ErrClosed
	}
	return nil
}

// Terminate kills the worker running the task. A task still queued is
// dropped. Either way the task fails with an abort so it is not retried.
func (e *ProcessExecutor) Terminate(taskID string) {
	if req, ok := e.queue.remove(taskID); ok {
		e.logger.Warn().Str("task_id", taskID).Msg("dropping queued task")
		e.listener.TaskFailed(req.Task, models.AbortTask("task terminated"))
		return
	}

	e.mu.Lock()
	w, ok := e.running[taskID]
	if !ok {
		e.terminated[taskID] = true
	}
	e.mu.Unlock()
	if ok {
		e.logger.Warn().Str("task_id", taskID).Int("pid", w.pid()).Msg("terminating worker")
		w.kill()
	}
}

// Close lets queued tasks finish and stops the workers.
func (e *ProcessExecutor) Close() error {
	e.queue.close()
	return e.group.Wait()
}

func (e *ProcessExecutor) serve(ctx context.Context, slot int) error {
	var w *workerProcess
	defer func() {
		if w != nil {
			w.stop()
		}
	}()

	for {
		req, ok := e.queue.pop(ctx)
		if !ok {
			return nil
		}
		if e.wasTerminated(req.Task.ID) {
			e.listener.TaskFailed(req.Task, models.AbortTask("task terminated"))
			continue
		}
		if w == nil {
			var err error
			w, err = e.spawn(ctx, slot)
			if err != nil {
				e.listener.TaskFailed(req.Task, err)
				continue
			}
		}

		e.track(req.Task.ID, w)
		err := e.observe(ctx, req, func(ctx context.Context) error {
			return e.runOn(w, req)
		})
		e.untrack(req.Task.ID)

		var lost *workerLostError
		if errors.As(err, &lost) {
			w.kill()
			w = nil
			if lost.terminated {
				err = models.AbortTask("task terminated")
			}
		}
		e.report(req.Task, err)
	}
}

func (e *ProcessExecutor) wasTerminated(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated[taskID] {
		delete(e.terminated, taskID)
		return true
	}
	return false
}

// track registers the worker running a task. A task terminated while its
// worker was starting is killed at once.
func (e *ProcessExecutor) track(taskID string, w *workerProcess) {
	e.mu.Lock()
	e.running[taskID] = w
	terminated := e.terminated[taskID]
	delete(e.terminated, taskID)
	e.mu.Unlock()
	if terminated {
		w.kill()
	}
}

func (e *ProcessExecutor) untrack(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, taskID)
}

// runOn sends the task to a worker and relays its messages until the task
// completes. A protocol or process failure is returned as workerLostError.
func (e *ProcessExecutor) runOn(w *workerProcess, req *Request) error {
	if err := w.enc.EncodeTask(&protocol.TaskMessage{Invocation: req.Invocation}); err != nil {
		return w.lost(err)
	}

	for {
		msg, err := w.dec.Decode()
		if err != nil {
			return w.lost(err)
		}

		switch msg.Type {
		case protocol.MessageTypeTaskStarted:
			e.listener.TaskStarted(req.Task)
		case protocol.MessageTypeLog:
			var line protocol.LogMessage
			if err := protocol.ParseData(msg.Data, &line); err != nil {
				e.logger.Warn().Err(err).Msg("dropping malformed log message")
				continue
			}
			e.listener.TaskLogged(req.Task, line.Level, line.Message)
		case protocol.MessageTypeTaskSucceeded:
			return nil
		case protocol.MessageTypeTaskFailed:
			_, failure := protocol.ParseFailure(msg.Data)
			return failure
		default:
			e.logger.Warn().Str("type", string(msg.Type)).Msg("unexpected message from worker")
		}
	}
}

func (e *ProcessExecutor) spawn(ctx context.Context, slot int) (*workerProcess, error) {
	cmd := exec.CommandContext(ctx, e.opts.Command[0], e.opts.Command[1:]...)
	cmd.Env = append(os.Environ(), e.opts.Env...)
	cmd.Stderr = e.logger.With().Int("worker", slot).Logger()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	w := &workerProcess{
		cmd:   cmd,
		stdin: stdin,
		enc:   protocol.NewEncoder(stdin),
		dec:   protocol.NewDecoder(stdout),
	}

	ready := make(chan error, 1)
	go func() {
		msg, err := w.dec.Decode()
		if err == nil && msg.Type != protocol.MessageTypeReady {
			err = fmt.Errorf("expected READY, got %s", msg.Type)
		}
		ready <- err
	}()

	select {
	case err := <-ready:
		if err != nil {
			w.kill()
			return nil, fmt.Errorf("worker failed to start: %w", err)
		}
	case <-time.After(e.opts.StartupTimeout):
		w.kill()
		return nil, fmt.Errorf("timeout waiting for worker READY message")
	}

	e.logger.Debug().Int("worker", slot).Int("pid", w.pid()).Msg("worker started")
	return w, nil
}

// workerProcess is one running worker.
type workerProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	enc   *protocol.Encoder
	dec   *protocol.Decoder

	mu         sync.Mutex
	terminated bool
	waited     bool
}

func (w *workerProcess) pid() int {
	if w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

func (w *workerProcess) kill() {
	w.mu.Lock()
	w.terminated = true
	w.mu.Unlock()
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	w.wait()
}

// stop asks the worker to exit and reaps it.
func (w *workerProcess) stop() {
	_ = w.enc.EncodeExit("executor closed")
	_ = w.stdin.Close()
	w.wait()
}

func (w *workerProcess) wait() {
	w.mu.Lock()
	if w.waited {
		w.mu.Unlock()
		return
	}
	w.waited = true
	w.mu.Unlock()
	_ = w.cmd.Wait()
}

func (w *workerProcess) lost(err error) *workerLostError {
	w.mu.Lock()
	defer w.mu.Unlock()
	return &workerLostError{err: err, terminated: w.terminated}
}

// workerLostError reports that a worker died or broke protocol mid-task.
type workerLostError struct {
	err        error
	terminated bool
}

func (e *workerLostError) Error() string {
	return fmt.Sprintf("worker lost: %v", e.err)
}

func (e *workerLostError) Unwrap() error {
	return e.err
}

// jobQueue is an unbounded FIFO of requests.
type jobQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*Request
	closed bool
}

func newJobQueue() *jobQueue {
	q := &jobQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *jobQueue) push(req *Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, req)
	q.cond.Signal()
	return true
}

// pop blocks until a request is available. It returns false once the queue
// is closed and drained, or ctx is done.
func (q *jobQueue) pop(ctx context.Context) (*Request, bool) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed && ctx.Err() == nil {
		q.cond.Wait()
	}
	if len(q.items) == 0 || ctx.Err() != nil {
		return nil, false
	}
	req := q.items[0]
	q.items = q.items[1:]
	return req, true
}

// remove takes a request out of the queue before any worker pops it.
func (q *jobQueue) remove(taskID string) (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, req := range q.items {
		if req.Task.ID == taskID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return req, true
		}
	}
	return nil, false
}

func (q *jobQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *jobQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
