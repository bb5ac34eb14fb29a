package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	dbPath     string
	logLevel   string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "toscaflow",
		Short: "toscaflow - TOSCA workflow orchestrator",
		Long: `toscaflow instantiates TOSCA service templates into services and runs
lifecycle workflows against them.

Features:
  - Service templates in YAML, JSON, CUE or Starlark
  - Requirement satisfaction with rego node filters
  - Builtin install, uninstall, start, stop and execute_operation workflows
  - Shell, Starlark, WASM and SSH operation plugins
  - Thread, process and dry-run executors
  - Resumable executions persisted in SQLite`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "sqlite database path (overrides config and TOSCAFLOW_DB)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newServicesCommand())
	for _, wf := range lifecycleWorkflows {
		rootCmd.AddCommand(newLifecycleCommand(wf))
	}
	rootCmd.AddCommand(newExecuteCommand())
	rootCmd.AddCommand(newExecuteOperationCommand())
	rootCmd.AddCommand(newExecutionsCommand())
	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newMetricsCommand())

	return rootCmd
}

// out is where command results go. Logs go to stderr.
func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
