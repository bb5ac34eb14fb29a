package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a workflow lifecycle notification.
type Event struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Type        string                 `json:"type"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	TaskID      string                 `json:"task_id,omitempty"`
	NodeID      string                 `json:"node_id,omitempty"`
	Message     string                 `json:"message"`
	Level       string                 `json:"level"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// Event types emitted by the engine.
const (
	EventWorkflowStarted    = "workflow.started"
	EventWorkflowSucceeded  = "workflow.succeeded"
	EventWorkflowFailed     = "workflow.failed"
	EventWorkflowCancelling = "workflow.cancelling"
	EventWorkflowCancelled  = "workflow.cancelled"
	EventTaskSent           = "task.sent"
	EventTaskStarted        = "task.started"
	EventTaskSucceeded      = "task.succeeded"
	EventTaskFailed         = "task.failed"
	EventTaskRetrying       = "task.retrying"
	EventNodeStateChanged   = "node.state_changed"
)

// Event severity levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrPublisherStopped is returned when publishing after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// EventSubscriber handles events.
type EventSubscriber func(event Event)

// EventFilter decides whether an event is delivered.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers, either inline or from a
// background goroutine when Async is set.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{config: cfg, ctx: ctx, cancel: cancel}
	if cfg.Enabled && cfg.Async {
		size := cfg.BufferSize
		if size <= 0 {
			size = 1000
		}
		ep.buffer = make(chan Event, size)
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep
}

// Publish delivers an event to all matching subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if ep.buffer == nil {
		if ep.ctx.Err() != nil {
			return ErrPublisherStopped
		}
		ep.deliverEvent(event)
		return nil
	}

	select {
	case <-ep.ctx.Done():
		return ErrPublisherStopped
	default:
	}
	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, dropped %s", event.Type)
	}
}

// PublishWorkflow publishes an execution-level event.
func (ep *EventPublisher) PublishWorkflow(eventType, executionID, message string) error {
	level := EventLevelInfo
	if eventType == EventWorkflowFailed {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:        eventType,
		ExecutionID: executionID,
		Message:     message,
		Level:       level,
	})
}

// PublishTask publishes a task-level event.
func (ep *EventPublisher) PublishTask(eventType, executionID, taskID, message string, data map[string]interface{}) error {
	level := EventLevelInfo
	switch eventType {
	case EventTaskFailed:
		level = EventLevelError
	case EventTaskRetrying:
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:        eventType,
		ExecutionID: executionID,
		TaskID:      taskID,
		Message:     message,
		Level:       level,
		Data:        data,
	})
}

// PublishNodeStateChanged publishes a node state transition.
func (ep *EventPublisher) PublishNodeStateChanged(executionID, nodeID, oldState, newState string) error {
	return ep.Publish(Event{
		Type:        EventNodeStateChanged,
		ExecutionID: executionID,
		NodeID:      nodeID,
		Message:     fmt.Sprintf("Node %s state changed from %s to %s", nodeID, oldState, newState),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"old_state": oldState,
			"new_state": newState,
		},
	})
}

// Subscribe registers a subscriber. A nil filter accepts everything.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()
	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher, draining buffered events first.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil {
		return nil
	}
	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByLevel accepts events at or above minLevel.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	threshold := levels[minLevel]
	return func(event Event) bool {
		return levels[event.Level] >= threshold
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event Event) bool {
		return set[event.Type]
	}
}

// FilterByExecutionID accepts events of one execution.
func FilterByExecutionID(executionID string) EventFilter {
	return func(event Event) bool {
		return event.ExecutionID == executionID
	}
}
