package plugins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/toscaflow/pkg/models"
	"github.com/openfroyo/toscaflow/pkg/transports/ssh"
)

// recorder collects log lines from an invocation.
type recorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *recorder) log(level, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, level+":"+message)
}

func (r *recorder) contains(line string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lines {
		if l == line {
			return true
		}
	}
	return false
}

func newInvocation(rec *recorder) *Invocation {
	return &Invocation{
		TaskID:        "task-1",
		ExecutionID:   "exec-1",
		TaskName:      "Standard.create",
		InterfaceName: "Standard",
		OperationName: "create",
		ActorType:     models.ActorTypeNode,
		Actor: Actor{
			ID:         "node-1",
			Name:       "web_abc123",
			Properties: map[string]interface{}{"port": 8080},
		},
		Arguments: map[string]interface{}{"greeting": "hello", "retries-left": 2},
		Attempt:   1,
		LogFunc:   rec.log,
	}
}

func writeScript(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func TestParseImplementation(t *testing.T) {
	tests := []struct {
		input    string
		plugin   string
		function string
	}{
		{"shell > scripts/create.sh", "shell", "scripts/create.sh"},
		{"  starlark>configure.star ", "starlark", "configure.star"},
		{"scripts/create.sh", "", "scripts/create.sh"},
		{"", "", ""},
	}

	for _, tt := range tests {
		plugin, function := ParseImplementation(tt.input)
		if plugin != tt.plugin || function != tt.function {
			t.Errorf("ParseImplementation(%q) = (%q, %q), expected (%q, %q)",
				tt.input, plugin, function, tt.plugin, tt.function)
		}
	}
}

func TestDefaultPluginFor(t *testing.T) {
	tests := map[string]string{
		"create.sh":      ShellPlugin,
		"create":         ShellPlugin,
		"configure.star": StarlarkPlugin,
		"probe.WASM":     WasmPlugin,
	}
	for function, expected := range tests {
		if got := DefaultPluginFor(function); got != expected {
			t.Errorf("DefaultPluginFor(%q) = %q, expected %q", function, got, expected)
		}
	}
}

func TestRegistryVersions(t *testing.T) {
	reg := NewRegistry()
	for _, v := range []string{"1.2.0", "0.9", "2.0.1"} {
		if err := reg.Register(NewFuncPlugin("aws", v, nil)); err != nil {
			t.Fatalf("Register(%s) failed: %v", v, err)
		}
	}

	err := reg.Register(NewFuncPlugin("aws", "v1.2.0", nil))
	if !models.IsConflict(err) {
		t.Errorf("Expected conflict for duplicate version, got %v", err)
	}
	if err := reg.Register(NewFuncPlugin("aws", "latest", nil)); !models.IsValidation(err) {
		t.Errorf("Expected validation error for bad version, got %v", err)
	}

	latest, err := reg.Get("aws", "")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if latest.Version() != "2.0.1" {
		t.Errorf("Expected latest 2.0.1, got %s", latest.Version())
	}

	resolved, err := reg.Resolve(&models.PluginSpecification{Name: "aws", Version: "1.0"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Version != "2.0.1" {
		t.Errorf("Expected resolved version 2.0.1, got %s", resolved.Version)
	}

	_, err = reg.Resolve(&models.PluginSpecification{Name: "aws", Version: "3.0"})
	var modelErr *models.Error
	if !errors.As(err, &modelErr) || modelErr.Code != models.ErrCodeUnknownPlugin {
		t.Errorf("Expected unknown plugin error, got %v", err)
	}

	if _, err := reg.Get("gcp", ""); !models.IsNotFound(err) {
		t.Errorf("Expected not found for missing plugin, got %v", err)
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "aws" {
		t.Errorf("Expected [aws], got %v", names)
	}
}

func TestFuncPlugin(t *testing.T) {
	called := false
	reg := NewRegistry().MustRegister(NewFuncPlugin("mock", "1.0.0", map[string]OperationFunc{
		"noop": func(ctx context.Context, inv *Invocation) error {
			called = true
			inv.Log(LevelInfo, "running %s", inv.TaskName)
			return nil
		},
	}))

	fn, err := reg.Function("mock", "", "noop")
	if err != nil {
		t.Fatalf("Function failed: %v", err)
	}
	rec := &recorder{}
	if err := fn(context.Background(), newInvocation(rec)); err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if !called {
		t.Error("Expected function to be called")
	}
	if !rec.contains("info:running Standard.create") {
		t.Errorf("Expected log line, got %v", rec.lines)
	}

	if _, err := reg.Function("mock", "", "missing"); !models.IsNotFound(err) {
		t.Errorf("Expected not found for missing function, got %v", err)
	}
}

func TestStarlarkOperation(t *testing.T) {
	sl := NewStarlark(BuiltinVersion)

	t.Run("logs and reads inputs", func(t *testing.T) {
		fn, err := sl.ResolveSource("create.star", `
log("greeting=" + inputs["greeting"])
print("actor=" + ctx.actor_name)
log("port=%d" % ctx.properties["port"], level="debug")
`)
		if err != nil {
			t.Fatalf("ResolveSource failed: %v", err)
		}
		rec := &recorder{}
		if err := fn(context.Background(), newInvocation(rec)); err != nil {
			t.Fatalf("Expected success, got %v", err)
		}
		for _, line := range []string{"info:greeting=hello", "info:actor=web_abc123", "debug:port=8080"} {
			if !rec.contains(line) {
				t.Errorf("Expected log %q, got %v", line, rec.lines)
			}
		}
	})

	t.Run("abort", func(t *testing.T) {
		fn, err := sl.ResolveSource("abort.star", `abort("disk full")`)
		if err != nil {
			t.Fatal(err)
		}
		err = fn(context.Background(), newInvocation(&recorder{}))
		var abortErr *models.TaskAbortError
		if !errors.As(err, &abortErr) {
			t.Fatalf("Expected TaskAbortError, got %T %v", err, err)
		}
		if abortErr.Message != "disk full" {
			t.Errorf("Expected message 'disk full', got %q", abortErr.Message)
		}
	})

	t.Run("retry with interval", func(t *testing.T) {
		fn, err := sl.ResolveSource("retry.star", `retry("not yet", interval=1.5)`)
		if err != nil {
			t.Fatal(err)
		}
		err = fn(context.Background(), newInvocation(&recorder{}))
		var retryErr *models.TaskRetryError
		if !errors.As(err, &retryErr) {
			t.Fatalf("Expected TaskRetryError, got %T %v", err, err)
		}
		if retryErr.Interval != 1500*time.Millisecond {
			t.Errorf("Expected 1.5s interval, got %v", retryErr.Interval)
		}
	})

	t.Run("runtime error", func(t *testing.T) {
		fn, err := sl.ResolveSource("fail.star", `x = 1 // 0`)
		if err != nil {
			t.Fatal(err)
		}
		err = fn(context.Background(), newInvocation(&recorder{}))
		if err == nil {
			t.Fatal("Expected error for division by zero")
		}
		var abortErr *models.TaskAbortError
		if errors.As(err, &abortErr) {
			t.Error("Expected plain error, got abort")
		}
	})

	t.Run("compile error", func(t *testing.T) {
		if _, err := sl.ResolveSource("bad.star", `def (`); !models.IsValidation(err) {
			t.Errorf("Expected validation error, got %v", err)
		}
	})
}

func TestShellOperation(t *testing.T) {
	shell := NewShell(BuiltinVersion)

	tests := []struct {
		name   string
		script string
		check  func(t *testing.T, err error)
	}{
		{"success", "echo \"$TOSCAFLOW_ARG_GREETING from $TOSCAFLOW_ACTOR_NAME\"\necho oops >&2\n", func(t *testing.T, err error) {
			if err != nil {
				t.Errorf("Expected success, got %v", err)
			}
		}},
		{"retry", "exit 75\n", func(t *testing.T, err error) {
			var retryErr *models.TaskRetryError
			if !errors.As(err, &retryErr) || retryErr.Interval >= 0 {
				t.Errorf("Expected retry with task interval, got %v", err)
			}
		}},
		{"abort", "exit 100\n", func(t *testing.T, err error) {
			var abortErr *models.TaskAbortError
			if !errors.As(err, &abortErr) {
				t.Errorf("Expected abort, got %v", err)
			}
		}},
		{"failure", "exit 3\n", func(t *testing.T, err error) {
			if err == nil || !strings.Contains(err.Error(), "status 3") {
				t.Errorf("Expected exit status error, got %v", err)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeScript(t, tt.name+".sh", tt.script)
			fn, err := shell.Resolve(path)
			if err != nil {
				t.Fatal(err)
			}
			rec := &recorder{}
			tt.check(t, fn(context.Background(), newInvocation(rec)))
			if tt.name == "success" {
				if !rec.contains("info:hello from web_abc123") {
					t.Errorf("Expected stdout log, got %v", rec.lines)
				}
				if !rec.contains("warn:oops") {
					t.Errorf("Expected stderr log, got %v", rec.lines)
				}
			}
		})
	}
}

func TestEnvironment(t *testing.T) {
	env := Environment(newInvocation(&recorder{}))
	expected := []string{
		"TOSCAFLOW_TASK_ID=task-1",
		"TOSCAFLOW_INTERFACE=Standard",
		"TOSCAFLOW_ACTOR_TYPE=node",
		"TOSCAFLOW_ATTEMPT=1",
		"TOSCAFLOW_ARG_GREETING=hello",
		"TOSCAFLOW_ARG_RETRIES_LEFT=2",
	}
	for _, kv := range expected {
		found := false
		for _, got := range env {
			if got == kv {
				found = true
			}
		}
		if !found {
			t.Errorf("Expected %s in %v", kv, env)
		}
	}
}

// fakeRemote records what the ssh plugin does on a host.
type fakeRemote struct {
	uploaded map[string]string
	removed  []string
	command  string
	exitCode int
	runErr   error
}

func (f *fakeRemote) Run(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error) {
	f.command = cmd
	fmt.Fprintln(stdout, "remote output")
	return f.exitCode, f.runErr
}

func (f *fakeRemote) Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.uploaded[remotePath] = string(data)
	return nil
}

func (f *fakeRemote) Remove(remotePath string) error {
	f.removed = append(f.removed, remotePath)
	return nil
}

func (f *fakeRemote) Close() error { return nil }

func TestSSHOperation(t *testing.T) {
	remote := &fakeRemote{uploaded: map[string]string{}}
	var dialed *ssh.Config
	plugin := NewSSH(BuiltinVersion, ssh.Config{User: "deploy"}).WithDialer(
		func(ctx context.Context, cfg *ssh.Config) (Remote, error) {
			dialed = cfg
			return remote, nil
		})

	path := writeScript(t, "install.sh", "echo install\n")
	fn, err := plugin.Resolve(path)
	if err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	inv := newInvocation(rec)
	inv.Host = &Actor{Name: "host_1", Attributes: map[string]interface{}{"ip": "10.0.0.5"}}
	inv.Arguments["ssh_port"] = float64(2222)

	if err := fn(context.Background(), inv); err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if dialed.Host != "10.0.0.5" || dialed.Port != 2222 || dialed.User != "deploy" {
		t.Errorf("Unexpected connection config: %+v", dialed)
	}
	remotePath := "/tmp/toscaflow-task-1.sh"
	if remote.uploaded[remotePath] != "echo install\n" {
		t.Errorf("Expected script uploaded to %s, got %v", remotePath, remote.uploaded)
	}
	if len(remote.removed) != 1 || remote.removed[0] != remotePath {
		t.Errorf("Expected script removed, got %v", remote.removed)
	}
	if !strings.Contains(remote.command, "TOSCAFLOW_TASK_ID='task-1'") ||
		!strings.HasSuffix(remote.command, "/bin/sh '"+remotePath+"'") {
		t.Errorf("Unexpected remote command: %s", remote.command)
	}
	if !rec.contains("info:remote output") {
		t.Errorf("Expected remote output logged, got %v", rec.lines)
	}

	remote.exitCode = ExitCodeAbort
	var abortErr *models.TaskAbortError
	if err := fn(context.Background(), inv); !errors.As(err, &abortErr) {
		t.Errorf("Expected abort for exit 100, got %v", err)
	}

	inv.Host = &Actor{Name: "host_2"}
	if err := fn(context.Background(), inv); !errors.As(err, &abortErr) {
		t.Errorf("Expected abort for host without address, got %v", err)
	}
}

func TestBuiltin(t *testing.T) {
	ctx := context.Background()
	builtin, err := NewBuiltin(ctx, BuiltinOptions{})
	if err != nil {
		t.Fatalf("NewBuiltin failed: %v", err)
	}
	defer builtin.Close(ctx)

	for _, name := range []string{ShellPlugin, StarlarkPlugin, WasmPlugin, SSHPlugin} {
		if !builtin.Has(name) {
			t.Errorf("Expected builtin plugin %s", name)
		}
	}

	if _, err := builtin.Function(WasmPlugin, "", filepath.Join(t.TempDir(), "missing.wasm")); !models.IsNotFound(err) {
		t.Errorf("Expected not found for missing module, got %v", err)
	}
}
