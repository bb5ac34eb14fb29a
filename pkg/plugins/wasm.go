package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/openfroyo/toscaflow/pkg/models"
)

// WasmConfig bounds the resources of one module run.
type WasmConfig struct {
	// MemoryLimitPages caps linear memory in 64KiB pages. Default 256 (16MiB).
	MemoryLimitPages uint32 `yaml:"memory_limit_pages"`
}

// Wasm runs operations compiled to WASI command modules. The invocation is
// written to the module's stdin as JSON and exposed as TOSCAFLOW_*
// environment variables; stdout and stderr lines become operation logs. Exit
// codes follow the shell plugin conventions.
type Wasm struct {
	version string
	runtime wazero.Runtime

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
}

// NewWasm creates the wasm plugin with its own runtime.
func NewWasm(ctx context.Context, version string, cfg WasmConfig) (*Wasm, error) {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}
	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	return &Wasm{
		version:  version,
		runtime:  runtime,
		compiled: make(map[string]wazero.CompiledModule),
	}, nil
}

func (w *Wasm) Name() string    { return WasmPlugin }
func (w *Wasm) Version() string { return w.version }

// Resolve compiles the module at path function once.
func (w *Wasm) Resolve(function string) (OperationFunc, error) {
	src, err := os.ReadFile(function)
	if err != nil {
		return nil, models.NewNotFoundError("wasm module", function)
	}
	return w.ResolveBytes(function, src)
}

// ResolveBytes compiles an in-memory module registered under name.
func (w *Wasm) ResolveBytes(name string, src []byte) (OperationFunc, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	compiled, ok := w.compiled[name]
	if !ok {
		var err error
		compiled, err = w.runtime.CompileModule(context.Background(), src)
		if err != nil {
			return nil, models.NewValidationError("compile "+name, err)
		}
		w.compiled[name] = compiled
	}
	return func(ctx context.Context, inv *Invocation) error {
		return w.run(ctx, compiled, name, inv)
	}, nil
}

func (w *Wasm) run(ctx context.Context, compiled wazero.CompiledModule, name string, inv *Invocation) error {
	payload, err := json.Marshal(inv)
	if err != nil {
		return models.AbortTask("encode invocation: %v", err)
	}

	stdout := &lineWriter{inv: inv, level: LevelInfo}
	stderr := &lineWriter{inv: inv, level: LevelWarn}
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(name).
		WithStdin(bytes.NewReader(payload)).
		WithStdout(stdout).
		WithStderr(stderr)
	for _, kv := range Environment(inv) {
		k, v, _ := strings.Cut(kv, "=")
		cfg = cfg.WithEnv(k, v)
	}

	mod, err := w.runtime.InstantiateModule(ctx, compiled, cfg)
	stdout.Flush()
	stderr.Flush()
	if mod != nil {
		_ = mod.Close(ctx)
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return ExitError(int(exitErr.ExitCode()), name)
	}
	return err
}

// Close releases the runtime and every compiled module.
func (w *Wasm) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

// lineWriter forwards complete lines to the invocation log.
type lineWriter struct {
	inv   *Invocation
	level string
	buf   bytes.Buffer
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	lw.buf.Write(p)
	for {
		line, err := lw.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write.
			lw.buf.Reset()
			lw.buf.WriteString(line)
			return len(p), nil
		}
		lw.inv.Log(lw.level, "%s", strings.TrimRight(line, "\r\n"))
	}
}

// Flush logs a trailing partial line.
func (lw *lineWriter) Flush() {
	if lw.buf.Len() > 0 {
		lw.inv.Log(lw.level, "%s", lw.buf.String())
		lw.buf.Reset()
	}
}
