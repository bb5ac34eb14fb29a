package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/openfroyo/toscaflow/pkg/executor/worker"
)

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Serve process-executor tasks on stdin and stdout",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// stdout carries the protocol.
			if cfg.Telemetry.Logging.Output == "stdout" {
				cfg.Telemetry.Logging.Output = "stderr"
			}
			a, err := setupApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			a.logger.Debug().Strs("plugins", a.plugins.Names()).Msg("Worker ready")
			return worker.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), a.plugins.Registry)
		},
	}
}
