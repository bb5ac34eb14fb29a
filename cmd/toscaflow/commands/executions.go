package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openfroyo/toscaflow/pkg/engine"
	"github.com/openfroyo/toscaflow/pkg/executor"
	"github.com/openfroyo/toscaflow/pkg/models"
)

func newExecutionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "executions",
		Aliases: []string{"execution", "exec"},
		Short:   "Inspect and control workflow executions",
	}
	cmd.AddCommand(newExecutionsListCommand())
	cmd.AddCommand(newExecutionsShowCommand())
	cmd.AddCommand(newExecutionsCancelCommand())
	cmd.AddCommand(newExecutionsResumeCommand())
	cmd.AddCommand(newExecutionsGraphCommand())
	return cmd
}

func newExecutionsListCommand() *cobra.Command {
	var (
		service string
		status  string
		limit   int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List executions, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				filter := models.ExecutionFilter{Status: models.ExecutionStatus(status), Limit: limit}
				names := make(map[string]string)
				if service != "" {
					s, err := a.service(ctx, service)
					if err != nil {
						return err
					}
					filter.ServiceID = s.ID
				}
				services, err := a.store.ListServices(ctx)
				if err != nil {
					return err
				}
				for _, s := range services {
					names[s.ID] = s.Name
				}

				executions, err := a.store.ListExecutions(ctx, filter)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out(cmd), executions)
				}
				t := newTable(out(cmd), "ID", "SERVICE", "WORKFLOW", "STATUS", "CREATED", "ENDED")
				for _, e := range executions {
					t.row(e.ID, orDash(names[e.ServiceID]), e.WorkflowName, string(e.Status), ago(e.CreatedAt), agoPtr(e.EndedAt))
				}
				return t.flush()
			})
		},
	}

	cmd.Flags().StringVarP(&service, "service", "s", "", "only executions of this service")
	cmd.Flags().StringVar(&status, "status", "", "only executions with this status")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of executions")

	return cmd
}

type executionDetails struct {
	Execution *models.Execution `json:"execution"`
	Tasks     []*models.Task    `json:"tasks"`
	Logs      []*models.Log     `json:"logs,omitempty"`
}

func newExecutionsShowCommand() *cobra.Command {
	var logs bool

	cmd := &cobra.Command{
		Use:   "show <execution>",
		Short: "Show an execution with its operation tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				execution, err := a.store.GetExecution(ctx, args[0])
				if err != nil {
					return err
				}
				tasks, err := a.store.ListTasks(ctx, execution.ID)
				if err != nil {
					return err
				}
				details := executionDetails{Execution: execution, Tasks: tasks}
				if logs {
					details.Logs, err = a.store.ListLogs(ctx, models.LogFilter{ExecutionID: execution.ID})
					if err != nil {
						return err
					}
				}
				if jsonOutput {
					return printJSON(out(cmd), details)
				}

				w := out(cmd)
				fmt.Fprintf(w, "Execution: %s\n", execution.ID)
				fmt.Fprintf(w, "Workflow:  %s\n", execution.WorkflowName)
				fmt.Fprintf(w, "Status:    %s\n", execution.Status)
				fmt.Fprintf(w, "Created:   %s\n", ago(execution.CreatedAt))
				fmt.Fprintf(w, "Ended:     %s\n", agoPtr(execution.EndedAt))
				if execution.Error != "" {
					fmt.Fprintf(w, "Error:     %s\n", execution.Error)
				}
				fmt.Fprintln(w)

				t := newTable(w, "TASK", "STATUS", "ATTEMPTS", "IMPLEMENTATION", "ERROR")
				for _, task := range tasks {
					if task.Kind != models.TaskKindOperation {
						continue
					}
					implementation := task.Function
					if task.Plugin != "" {
						implementation = task.Plugin + " > " + task.Function
					}
					attempts := strconv.Itoa(task.RetryCount+1) + "/" + attemptLimit(task.MaxAttempts)
					t.row(task.Name, string(task.Status), attempts, orDash(implementation), orDash(task.Error))
				}
				if err := t.flush(); err != nil {
					return err
				}

				if logs {
					fmt.Fprintln(w)
					for _, l := range details.Logs {
						fmt.Fprintf(w, "%s %-5s %s\n", l.CreatedAt.Format("15:04:05.000"), l.Level, l.Message)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&logs, "logs", "l", false, "include operation logs")

	return cmd
}

func attemptLimit(maxAttempts int) string {
	if maxAttempts < 0 {
		return "∞"
	}
	return strconv.Itoa(maxAttempts)
}

func newExecutionsCancelCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "cancel <execution>",
		Short: "Cancel an execution",
		Long: `Request cancellation of an execution. A pending execution is cancelled at
once; a running one stops dispatching and ends when its running tasks end.
With --force, running tasks are terminated instead of awaited.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				// Cancelling only writes the request; the running loop acts on it.
				handler := engine.NewEventsHandler(a.store, engine.HandlerOptions{Logger: a.logger, Telemetry: a.tel})
				eng := engine.New(a.store, handler, executor.NewStubExecutor(handler), a.engineOptions())
				execution, err := eng.Cancel(ctx, args[0], force)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out(cmd), execution)
				}
				fmt.Fprintf(out(cmd), "Execution %s: %s\n", execution.ID, execution.Status)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "terminate running tasks")

	return cmd
}

func newExecutionsResumeCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "resume <execution>",
		Short: "Resume an interrupted execution",
		Long: `Continue an execution whose process stopped before it ended. Ended tasks
are kept; tasks that were running are dispatched again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				handler := engine.NewEventsHandler(a.store, engine.HandlerOptions{Logger: a.logger, Telemetry: a.tel})
				exec, err := a.executor(ctx, handler, opts, out(cmd))
				if err != nil {
					return err
				}
				defer func() {
					if err := exec.Close(); err != nil {
						a.logger.Warn().Err(err).Msg("Executor shutdown incomplete")
					}
				}()

				eng := engine.New(a.store, handler, exec, a.engineOptions())
				execution, err := eng.Resume(ctx, args[0])
				if execution == nil {
					return err
				}
				if jsonOutput {
					if perr := printJSON(out(cmd), execution); perr != nil {
						return perr
					}
					return err
				}
				fmt.Fprintf(out(cmd), "Execution %s of '%s': %s\n", execution.ID, execution.WorkflowName, execution.Status)
				if errors.Is(err, engine.ErrWorkflowFailed) {
					fmt.Fprintf(out(cmd), "  %s\n", execution.Error)
				}
				return err
			})
		},
	}

	cmd.Flags().StringVar(&opts.executor, "executor", "", "task executor: thread or process (default from config)")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "concurrent tasks (default from config)")

	return cmd
}

func newExecutionsGraphCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "graph <execution>",
		Short:   "Print the compiled task graph in Graphviz DOT format",
		Example: `  toscaflow executions graph 5f0c... | dot -Tsvg > install.svg`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.store.GetExecution(ctx, args[0]); err != nil {
					return err
				}
				graph, err := engine.LoadGraph(ctx, a.store, args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(out(cmd), graph.ToDOT())
				return err
			})
		},
	}
}
