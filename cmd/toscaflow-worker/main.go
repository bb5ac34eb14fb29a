// Command toscaflow-worker serves process-executor tasks on stdin and
// stdout. It is the standalone form of the hidden "toscaflow worker"
// command, for hosts where the full CLI is not installed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/toscaflow/pkg/config"
	"github.com/openfroyo/toscaflow/pkg/executor/worker"
	"github.com/openfroyo/toscaflow/pkg/plugins"
)

var Version = "dev"

func main() {
	// stdout carries the protocol; logs must stay on stderr.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if level, err := zerolog.ParseLevel(os.Getenv(config.EnvLogLevel)); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newCommand().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Worker failed")
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "toscaflow-worker",
		Short:         "Serve toscaflow operation tasks over stdio",
		Version:       fmt.Sprintf("%s (protocol %s)", Version, worker.Version),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			builtin, err := plugins.NewBuiltin(ctx, plugins.BuiltinOptions{
				Wasm: cfg.Plugins.Wasm,
				SSH:  cfg.Plugins.SSH,
			})
			if err != nil {
				return err
			}
			defer builtin.Close(context.WithoutCancel(ctx))

			return worker.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), builtin.Registry)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")

	return cmd
}
