package plugins

import (
	"context"
	"errors"

	"github.com/openfroyo/toscaflow/pkg/transports/ssh"
)

// BuiltinVersion is the version the shipped plugins register under.
const BuiltinVersion = "1.0.0"

// BuiltinOptions configures the shipped plugins.
type BuiltinOptions struct {
	Wasm WasmConfig
	SSH  ssh.Config
}

// Builtin is a registry holding the shell, starlark, wasm and ssh plugins.
// Close releases the wasm runtime.
type Builtin struct {
	*Registry
	wasm *Wasm
}

// NewBuiltin registers the shipped plugins.
func NewBuiltin(ctx context.Context, opts BuiltinOptions) (*Builtin, error) {
	wasm, err := NewWasm(ctx, BuiltinVersion, opts.Wasm)
	if err != nil {
		return nil, err
	}
	reg := NewRegistry()
	err = errors.Join(
		reg.Register(NewShell(BuiltinVersion)),
		reg.Register(NewStarlark(BuiltinVersion)),
		reg.Register(wasm),
		reg.Register(NewSSH(BuiltinVersion, opts.SSH)),
	)
	if err != nil {
		_ = wasm.Close(ctx)
		return nil, err
	}
	return &Builtin{Registry: reg, wasm: wasm}, nil
}

// Close releases plugin runtimes.
func (b *Builtin) Close(ctx context.Context) error {
	return b.wasm.Close(ctx)
}
