package plugins

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/openfroyo/toscaflow/pkg/models"
)

// Log levels passed to an Invocation's log sink.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Names of the plugins shipped with toscaflow.
const (
	ShellPlugin    = "shell"
	StarlarkPlugin = "starlark"
	WasmPlugin     = "wasm"
	SSHPlugin      = "ssh"
)

// Actor describes the node or relationship an operation runs against.
type Actor struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	TypeName   string                 `json:"type_name,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Invocation is everything a plugin function receives for one task attempt.
// It crosses process boundaries as JSON.
type Invocation struct {
	TaskID        string                 `json:"task_id"`
	ExecutionID   string                 `json:"execution_id"`
	TaskName      string                 `json:"task_name"`
	Plugin        string                 `json:"plugin,omitempty"`
	PluginVersion string                 `json:"plugin_version,omitempty"`
	Function      string                 `json:"function"`
	Arguments     map[string]interface{} `json:"arguments,omitempty"`
	InterfaceName string                 `json:"interface_name,omitempty"`
	OperationName string                 `json:"operation_name,omitempty"`
	ActorType     models.ActorType       `json:"actor_type,omitempty"`
	Actor         Actor                  `json:"actor"`
	RunsOn        models.RunsOn          `json:"runs_on,omitempty"`

	// Host is the node the operation runs on, when it has one.
	Host *Actor `json:"host,omitempty"`

	// Attempt counts from 1.
	Attempt int `json:"attempt"`

	// LogFunc receives operation log lines. It is never serialized.
	LogFunc func(level, message string) `json:"-"`
}

// Resolve looks up the invocation's function in reg.
func (inv *Invocation) Resolve(reg *Registry) (OperationFunc, error) {
	return reg.Function(inv.Plugin, inv.PluginVersion, inv.Function)
}

// Log emits a formatted operation log line.
func (inv *Invocation) Log(level, format string, args ...interface{}) {
	if inv.LogFunc == nil {
		return
	}
	inv.LogFunc(level, fmt.Sprintf(format, args...))
}

// OperationFunc runs one operation. Returning models.AbortTask or
// models.RetryTask errors steers the retry policy.
type OperationFunc func(ctx context.Context, inv *Invocation) error

// Call runs fn, converting a panic into a failure carrying the stack.
func Call(ctx context.Context, fn OperationFunc, inv *Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &models.RemoteError{
				Type:    "panic",
				Message: fmt.Sprint(r),
				Stack:   string(debug.Stack()),
			}
		}
	}()
	return fn(ctx, inv)
}

// Plugin is an execution runtime that resolves function names to code.
type Plugin interface {
	Name() string
	Version() string
	Resolve(function string) (OperationFunc, error)
}

// FuncPlugin is a plugin backed by a fixed table of Go functions.
type FuncPlugin struct {
	name    string
	version string
	funcs   map[string]OperationFunc
}

// NewFuncPlugin creates a plugin serving funcs by name.
func NewFuncPlugin(name, version string, funcs map[string]OperationFunc) *FuncPlugin {
	return &FuncPlugin{name: name, version: version, funcs: funcs}
}

func (p *FuncPlugin) Name() string    { return p.name }
func (p *FuncPlugin) Version() string { return p.version }

// Resolve returns the named function.
func (p *FuncPlugin) Resolve(function string) (OperationFunc, error) {
	fn, ok := p.funcs[function]
	if !ok {
		return nil, models.NewNotFoundError("function", p.name+" > "+function)
	}
	return fn, nil
}

// ParseImplementation splits "plugin > function" into its parts. A bare
// implementation yields an empty plugin name.
func ParseImplementation(implementation string) (plugin, function string) {
	implementation = strings.TrimSpace(implementation)
	if i := strings.Index(implementation, ">"); i >= 0 {
		return strings.TrimSpace(implementation[:i]), strings.TrimSpace(implementation[i+1:])
	}
	return "", implementation
}

// DefaultPluginFor picks the runtime for a bare implementation from its file
// extension.
func DefaultPluginFor(function string) string {
	switch strings.ToLower(filepath.Ext(function)) {
	case ".star":
		return StarlarkPlugin
	case ".wasm":
		return WasmPlugin
	default:
		return ShellPlugin
	}
}

// secondsToDuration converts a script-supplied interval. Negative values stay
// negative so the task keeps its own retry interval.
func secondsToDuration(seconds float64) time.Duration {
	if seconds < 0 {
		return -1
	}
	return time.Duration(seconds * float64(time.Second))
}
