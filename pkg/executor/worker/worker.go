// Package worker is the worker-process side of the process executor. A
// worker reads TASK messages from its input, runs each operation through the
// plugin registry and reports progress and outcome on its output.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/toscaflow/pkg/executor/protocol"
	"github.com/openfroyo/toscaflow/pkg/plugins"
)

// Version is reported in the READY message.
const Version = "1.0.0"

// Serve runs tasks one at a time until EXIT, end of input or ctx is done.
func Serve(ctx context.Context, r io.Reader, w io.Writer, registry *plugins.Registry) error {
	enc := protocol.NewEncoder(w)
	dec := protocol.NewDecoder(r)

	if err := enc.EncodeReady(&protocol.ReadyMessage{
		Version: Version,
		PID:     os.Getpid(),
		Plugins: registry.Names(),
	}); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}

	tasks := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			log.Debug().Int("tasks", tasks).Msg("worker input closed")
			return nil
		}
		if err != nil {
			return err
		}

		switch msg.Type {
		case protocol.MessageTypeExit:
			log.Debug().Int("tasks", tasks).Msg("worker exiting")
			return nil
		case protocol.MessageTypeTask:
			var task protocol.TaskMessage
			if err := protocol.ParseData(msg.Data, &task); err != nil {
				return err
			}
			if err := task.Validate(); err != nil {
				return fmt.Errorf("invalid task: %w", err)
			}
			tasks++
			if err := runTask(ctx, enc, registry, task.Invocation); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected %s message", msg.Type)
		}
	}
}

// runTask reports the outcome of one invocation. Only write failures are
// returned; operation failures go to the executor.
func runTask(ctx context.Context, enc *protocol.Encoder, registry *plugins.Registry, inv *plugins.Invocation) error {
	inv.LogFunc = func(level, message string) {
		if err := enc.EncodeLog(inv.TaskID, level, message); err != nil {
			log.Warn().Err(err).Str("task_id", inv.TaskID).Msg("failed to forward log line")
		}
	}

	if err := enc.EncodeStarted(inv.TaskID); err != nil {
		return err
	}
	fn, err := inv.Resolve(registry)
	if err == nil {
		err = plugins.Call(ctx, fn, inv)
	}
	if err != nil {
		return enc.EncodeFailed(inv.TaskID, err)
	}
	return enc.EncodeSucceeded(inv.TaskID)
}
