// Package protocol defines the JSON-over-stdio protocol between the process
// executor and its worker processes.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/toscaflow/pkg/models"
	"github.com/openfroyo/toscaflow/pkg/plugins"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady is sent once by a worker that can accept tasks
	MessageTypeReady MessageType = "READY"
	// MessageTypeTask carries an invocation from the executor
	MessageTypeTask MessageType = "TASK"
	// MessageTypeTaskStarted reports that the operation began running
	MessageTypeTaskStarted MessageType = "TASK_STARTED"
	// MessageTypeTaskSucceeded reports successful completion
	MessageTypeTaskSucceeded MessageType = "TASK_SUCCEEDED"
	// MessageTypeTaskFailed reports failure with an error envelope
	MessageTypeTaskFailed MessageType = "TASK_FAILED"
	// MessageTypeLog carries one operation log line
	MessageTypeLog MessageType = "LOG"
	// MessageTypeExit asks the worker to exit
	MessageTypeExit MessageType = "EXIT"
)

// Validate checks if the message type is valid.
func (m MessageType) Validate() error {
	switch m {
	case MessageTypeReady, MessageTypeTask, MessageTypeTaskStarted, MessageTypeTaskSucceeded,
		MessageTypeTaskFailed, MessageTypeLog, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("unknown message type: %s", m)
	}
}

// Message is the envelope for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the worker is ready to receive tasks.
type ReadyMessage struct {
	Version string   `json:"version"`
	PID     int      `json:"pid"`
	Plugins []string `json:"plugins"`
}

// TaskMessage carries one task attempt to a worker.
type TaskMessage struct {
	Invocation *plugins.Invocation `json:"invocation"`
}

// Validate checks that the task can be run.
func (m *TaskMessage) Validate() error {
	if m.Invocation == nil {
		return fmt.Errorf("invocation is required")
	}
	if m.Invocation.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	return nil
}

// TaskStatusMessage reports TASK_STARTED or TASK_SUCCEEDED.
type TaskStatusMessage struct {
	TaskID string `json:"task_id"`
}

// TaskFailedMessage reports a failed attempt.
type TaskFailedMessage struct {
	TaskID string        `json:"task_id"`
	Error  ErrorEnvelope `json:"error"`
}

// LogMessage carries one line logged by an operation.
type LogMessage struct {
	TaskID  string `json:"task_id"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// ExitMessage asks the worker to stop.
type ExitMessage struct {
	Reason string `json:"reason"`
}

// Error kinds carried by an ErrorEnvelope.
const (
	ErrorKindAbort = "abort"
	ErrorKindRetry = "retry"
	ErrorKindError = "error"
)

// ErrorEnvelope is the serializable form of an operation failure.
type ErrorEnvelope struct {
	Kind    string `json:"kind"`
	Type    string `json:"type"`
	Message string `json:"message"`

	// RetryInterval is in seconds; negative keeps the task's own interval.
	RetryInterval float64 `json:"retry_interval,omitempty"`
	Stack         string  `json:"stack,omitempty"`
}

// NewErrorEnvelope describes err for transport.
func NewErrorEnvelope(err error) ErrorEnvelope {
	var abortErr *models.TaskAbortError
	if errors.As(err, &abortErr) {
		return ErrorEnvelope{Kind: ErrorKindAbort, Type: "abort", Message: abortErr.Message}
	}
	var retryErr *models.TaskRetryError
	if errors.As(err, &retryErr) {
		interval := -1.0
		if retryErr.Interval >= 0 {
			interval = retryErr.Interval.Seconds()
		}
		return ErrorEnvelope{Kind: ErrorKindRetry, Type: "retry", Message: retryErr.Message, RetryInterval: interval}
	}
	var remote *models.RemoteError
	if errors.As(err, &remote) {
		return ErrorEnvelope{Kind: ErrorKindError, Type: remote.Type, Message: remote.Message, Stack: remote.Stack}
	}
	return ErrorEnvelope{Kind: ErrorKindError, Type: fmt.Sprintf("%T", err), Message: err.Error()}
}

// Err rebuilds the failure on the executor side.
func (e ErrorEnvelope) Err() error {
	switch e.Kind {
	case ErrorKindAbort:
		return models.AbortTask("%s", e.Message)
	case ErrorKindRetry:
		interval := time.Duration(-1)
		if e.RetryInterval >= 0 {
			interval = time.Duration(e.RetryInterval * float64(time.Second))
		}
		return models.RetryTask(e.Message, interval)
	default:
		typ := e.Type
		if typ == "" {
			typ = "unknown"
		}
		return &models.RemoteError{Type: typ, Message: e.Message, Stack: e.Stack}
	}
}

// ParseFailure decodes a TASK_FAILED payload. A payload that cannot be
// decoded still yields an error for the task, typed "unknown".
func ParseFailure(data json.RawMessage) (taskID string, err error) {
	var failed TaskFailedMessage
	if jsonErr := json.Unmarshal(data, &failed); jsonErr != nil {
		return failed.TaskID, &models.RemoteError{
			Type:    "unknown",
			Message: fmt.Sprintf("undecodable failure report: %v", jsonErr),
		}
	}
	return failed.TaskID, failed.Error.Err()
}
