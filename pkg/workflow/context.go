package workflow

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/toscaflow/pkg/models"
)

// Defaults applied to operation tasks that do not override them.
const (
	DefaultTaskMaxAttempts   = 1
	DefaultTaskRetryInterval = time.Duration(0)
)

// Context is handed to workflow functions while they build their graph.
// It is passed explicitly; nothing reads it from ambient state.
type Context struct {
	// Service is the topology the workflow runs against.
	Service *models.Service

	// Execution is the run being prepared.
	Execution *models.Execution

	// Inputs are the workflow inputs.
	Inputs map[string]interface{}

	TaskMaxAttempts   int
	TaskRetryInterval time.Duration
	TaskIgnoreFailure bool

	Logger zerolog.Logger
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithTaskMaxAttempts sets the default retry budget.
func WithTaskMaxAttempts(n int) ContextOption {
	return func(c *Context) { c.TaskMaxAttempts = n }
}

// WithTaskRetryInterval sets the default retry delay.
func WithTaskRetryInterval(d time.Duration) ContextOption {
	return func(c *Context) { c.TaskRetryInterval = d }
}

// WithTaskIgnoreFailure sets the default failure policy.
func WithTaskIgnoreFailure(ignore bool) ContextOption {
	return func(c *Context) { c.TaskIgnoreFailure = ignore }
}

// WithLogger sets the logger workflow functions write to.
func WithLogger(logger zerolog.Logger) ContextOption {
	return func(c *Context) { c.Logger = logger }
}

// NewContext creates a workflow context for execution on service.
func NewContext(service *models.Service, execution *models.Execution, opts ...ContextOption) *Context {
	c := &Context{
		Service:           service,
		Execution:         execution,
		TaskMaxAttempts:   DefaultTaskMaxAttempts,
		TaskRetryInterval: DefaultTaskRetryInterval,
		Logger:            zerolog.Nop(),
	}
	if execution != nil {
		c.Inputs = execution.Inputs
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Nodes returns the service nodes.
func (c *Context) Nodes() []*models.Node {
	if c.Service == nil {
		return nil
	}
	return c.Service.Nodes
}
