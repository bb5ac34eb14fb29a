package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/toscaflow/pkg/executor"
	"github.com/openfroyo/toscaflow/pkg/models"
	"github.com/openfroyo/toscaflow/pkg/telemetry"
	"github.com/openfroyo/toscaflow/pkg/workflow"
)

// casAttempts bounds how often a status write is retried after losing a
// compare-and-set race.
const casAttempts = 5

// HandlerOptions configures an EventsHandler.
type HandlerOptions struct {
	Logger    zerolog.Logger
	Telemetry *telemetry.Telemetry

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// EventsHandler turns executor signals into persisted task state. Every
// write is a compare-and-set on the task status, so duplicate or late
// signals for a task that already ended are dropped.
type EventsHandler struct {
	store     models.ModelStorage
	logger    zerolog.Logger
	telemetry *telemetry.Telemetry
	clock     func() time.Time

	wake chan struct{}

	mu         sync.Mutex
	terminated map[string]bool
}

var _ executor.Listener = (*EventsHandler)(nil)

// NewEventsHandler creates a handler writing to store.
func NewEventsHandler(store models.ModelStorage, opts HandlerOptions) *EventsHandler {
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &EventsHandler{
		store:      store,
		logger:     opts.Logger.With().Str("component", "events-handler").Logger(),
		telemetry:  opts.Telemetry,
		clock:      opts.Clock,
		wake:       make(chan struct{}, 1),
		terminated: make(map[string]bool),
	}
}

// Wake is signalled after every task status change.
func (h *EventsHandler) Wake() <-chan struct{} {
	return h.wake
}

func (h *EventsHandler) notify() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *EventsHandler) now() time.Time {
	return h.clock().UTC()
}

// markTerminated records that the engine abandoned the task, so a
// cancellation error it reports later ends it instead of leaving it for a
// resume.
func (h *EventsHandler) markTerminated(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated[taskID] = true
}

func (h *EventsHandler) wasTerminated(taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated[taskID]
}

// update applies mutate to the stored task under compare-and-set. It
// returns nil when the task already ended or the transition is illegal.
func (h *EventsHandler) update(task *models.Task, event string, mutate func(t *models.Task) error) *models.Task {
	ctx := context.Background()
	logger := h.logger.With().Str("task_id", task.ID).Str("task", task.Name).Str("event", event).Logger()

	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := h.store.GetTask(ctx, task.ID)
		if err != nil {
			logger.Error().Err(err).Msg("failed to load task")
			h.telemetry.Metrics.RecordError("events", "store")
			return nil
		}
		if current.Status.IsEnded() {
			logger.Debug().Str("status", string(current.Status)).Msg("ignoring signal for ended task")
			return nil
		}

		next := current.Clone()
		if err := mutate(next); err != nil {
			logger.Warn().Err(err).Str("status", string(current.Status)).Msg("ignoring illegal task transition")
			h.telemetry.Metrics.RecordError("events", "illegal_transition")
			return nil
		}
		err = h.store.UpdateTask(ctx, next, current.Status)
		if models.IsConflict(err) {
			logger.Debug().Int("attempt", attempt+1).Msg("task changed concurrently, retrying")
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to update task")
			h.telemetry.Metrics.RecordError("events", "store")
			return nil
		}

		h.telemetry.Metrics.RecordTaskStatus(string(next.Kind), string(next.Status))
		h.notify()
		return next
	}
	logger.Error().Msg("gave up updating task after repeated conflicts")
	h.telemetry.Metrics.RecordError("events", "conflict")
	return nil
}

// TaskSent implements executor.Listener.
func (h *EventsHandler) TaskSent(task *models.Task) {
	if h.update(task, "sent", (*models.Task).MarkSent) != nil {
		h.publish(telemetry.EventTaskSent, task, "task sent", nil)
	}
}

// TaskStarted implements executor.Listener.
func (h *EventsHandler) TaskStarted(task *models.Task) {
	now := h.now()
	updated := h.update(task, "started", func(t *models.Task) error { return t.MarkStarted(now) })
	if updated == nil {
		return
	}
	h.publish(telemetry.EventTaskStarted, updated, "task started", map[string]interface{}{
		"attempt": updated.RetryCount + 1,
	})
	h.updateNodeState(updated, true)
}

// TaskSucceeded implements executor.Listener.
func (h *EventsHandler) TaskSucceeded(task *models.Task) {
	now := h.now()
	updated := h.update(task, "succeeded", func(t *models.Task) error { return t.MarkSucceeded(now) })
	if updated == nil {
		return
	}
	h.recordDuration(updated, now)
	h.publish(telemetry.EventTaskSucceeded, updated, "task succeeded", nil)
	h.updateNodeState(updated, false)
}

// TaskFailed implements executor.Listener. It applies the retry policy:
// an abort ends the task, a retry request re-arms it regardless of the
// remaining budget, and any other failure is retried while attempts remain.
func (h *EventsHandler) TaskFailed(task *models.Task, cause error) {
	if isInterrupt(cause) && !h.wasTerminated(task.ID) {
		// The engine is shutting down; a resume will requeue the task.
		h.logger.Info().Str("task_id", task.ID).Str("task", task.Name).Msg("Task interrupted")
		h.notify()
		return
	}
	if isInterrupt(cause) {
		cause = models.AbortTask("task terminated")
	}

	now := h.now()
	message := cause.Error()
	var stack string
	var remote *models.RemoteError
	if errors.As(cause, &remote) {
		stack = remote.Stack
	}

	var retrying bool
	updated := h.update(task, "failed", func(t *models.Task) error {
		if !t.Status.IsExecuting() {
			return fmt.Errorf("task is %s, not running", t.Status)
		}
		var abortErr *models.TaskAbortError
		var retryErr *models.TaskRetryError
		switch {
		case errors.As(cause, &abortErr):
		case errors.As(cause, &retryErr):
			interval := retryErr.Interval
			if interval < 0 {
				interval = t.RetryInterval
			}
			retrying = true
			return t.MarkRetrying(now, interval, message)
		case t.HasRetriesLeft():
			retrying = true
			return t.MarkRetrying(now, t.RetryInterval, message)
		}
		retrying = false
		return t.MarkFailed(now, message, stack)
	})
	if updated == nil {
		return
	}

	data := map[string]interface{}{"error": message, "retry_count": updated.RetryCount}
	if retrying {
		h.telemetry.Metrics.RecordTaskRetry(updated.InterfaceName, updated.OperationName)
		h.publish(telemetry.EventTaskRetrying, updated,
			fmt.Sprintf("task will be retried at %s", updated.DueAt.Format(time.RFC3339)), data)
		return
	}
	h.recordDuration(updated, now)
	data["ignore_failure"] = updated.IgnoreFailure
	h.publish(telemetry.EventTaskFailed, updated, "task failed", data)
}

// TaskLogged implements executor.Listener.
func (h *EventsHandler) TaskLogged(task *models.Task, level, message string) {
	err := h.store.AppendLog(context.Background(), &models.Log{
		ExecutionID: task.ExecutionID,
		TaskID:      task.ID,
		Level:       level,
		Message:     message,
		CreatedAt:   h.now(),
	})
	if err != nil {
		h.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to store log")
	}
}

// failDispatch ends a task the engine could not hand to an executor.
func (h *EventsHandler) failDispatch(task *models.Task, cause error) {
	now := h.now()
	updated := h.update(task, "dispatch-failed", func(t *models.Task) error {
		if t.Status.IsWaiting() {
			if err := t.MarkStarted(now); err != nil {
				return err
			}
		}
		return t.MarkFailed(now, cause.Error(), "")
	})
	if updated != nil {
		h.publish(telemetry.EventTaskFailed, updated, "task could not be dispatched",
			map[string]interface{}{"error": cause.Error()})
	}
}

// requeue returns an interrupted task to PENDING.
func (h *EventsHandler) requeue(task *models.Task) {
	h.update(task, "requeued", func(t *models.Task) error {
		t.Requeue()
		return nil
	})
}

// updateNodeState moves a node through its lifecycle when a Standard
// operation on it starts or succeeds.
func (h *EventsHandler) updateNodeState(task *models.Task, transitional bool) {
	if task.Kind != models.TaskKindOperation || task.ActorType != models.ActorTypeNode ||
		task.InterfaceName != workflow.StandardInterface {
		return
	}
	state, ok := models.DetermineNodeState(task.OperationName, transitional)
	if !ok {
		return
	}

	ctx := context.Background()
	node, err := h.store.GetNode(ctx, task.NodeID)
	if err != nil {
		h.logger.Error().Err(err).Str("node_id", task.NodeID).Msg("failed to load node")
		return
	}
	old := node.State
	if old == state {
		return
	}
	node.State = state
	if err := h.store.UpdateNode(ctx, node); err != nil {
		h.logger.Error().Err(err).Str("node_id", task.NodeID).Msg("failed to update node state")
		return
	}
	h.logger.Debug().Str("node", node.Name).Str("from", string(old)).Str("to", string(state)).Msg("Node state changed")
	_ = h.telemetry.Events.PublishNodeStateChanged(task.ExecutionID, node.ID, string(old), string(state))
}

func (h *EventsHandler) recordDuration(task *models.Task, now time.Time) {
	if task.Kind != models.TaskKindOperation || task.StartedAt == nil {
		return
	}
	h.telemetry.Metrics.RecordTaskDuration(task.InterfaceName, task.OperationName,
		string(task.Status), now.Sub(*task.StartedAt))
}

func (h *EventsHandler) publish(eventType string, task *models.Task, message string, data map[string]interface{}) {
	if task.Kind != models.TaskKindOperation {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["task"] = task.Name
	_ = h.telemetry.Events.PublishTask(eventType, task.ExecutionID, task.ID, message, data)
}

func isInterrupt(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
