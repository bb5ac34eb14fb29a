package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/toscaflow/pkg/config"
	"github.com/openfroyo/toscaflow/pkg/engine"
	"github.com/openfroyo/toscaflow/pkg/executor"
	"github.com/openfroyo/toscaflow/pkg/models"
	"github.com/openfroyo/toscaflow/pkg/stores"
	"github.com/openfroyo/toscaflow/pkg/workflow"
)

// runOptions selects how a workflow runs.
type runOptions struct {
	dryRun   bool
	executor string
	workers  int
}

func (o *runOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.dryRun, "dry-run", false, "print operations instead of running them; nothing but the service is stored")
	cmd.Flags().StringVar(&o.executor, "executor", "", "task executor: thread or process (default from config)")
	cmd.Flags().IntVar(&o.workers, "workers", 0, "concurrent tasks (default from config)")
}

var lifecycleWorkflows = []struct {
	name  string
	short string
}{
	{workflow.WorkflowInstall, "Create, configure and start every node of a service"},
	{workflow.WorkflowUninstall, "Stop and delete every node of a service"},
	{workflow.WorkflowStart, "Start every node of a service"},
	{workflow.WorkflowStop, "Stop every node of a service"},
}

func newLifecycleCommand(wf struct{ name, short string }) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   wf.name + " <service>",
		Short: wf.short,
		Example: fmt.Sprintf(`  toscaflow %[1]s hello
  toscaflow %[1]s hello --executor process --workers 8
  toscaflow %[1]s hello --dry-run`, wf.name),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.runWorkflow(ctx, cmd, args[0], wf.name, nil, opts)
			})
		},
	}
	opts.addFlags(cmd)
	return cmd
}

func newExecuteCommand() *cobra.Command {
	var (
		opts   runOptions
		inputs []string
	)

	cmd := &cobra.Command{
		Use:   "execute <service> <workflow>",
		Short: "Run a workflow by name",
		Example: `  toscaflow execute hello install
  toscaflow execute hello execute_operation --input interface_name=Standard --input operation_name=start`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.runWorkflow(ctx, cmd, args[0], args[1], parsed, opts)
			})
		},
	}
	opts.addFlags(cmd)
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "workflow input (key=value)")
	return cmd
}

func newExecuteOperationCommand() *cobra.Command {
	var (
		opts          runOptions
		args          []string
		nodes         []string
		nodeTemplates []string
		typeNames     []string
		ordered       bool
	)

	cmd := &cobra.Command{
		Use:   "execute-operation <service> <interface> <operation>",
		Short: "Run one operation on selected nodes",
		Long: `Run one interface operation on the nodes of a service. Without a selector
every node that implements the operation is included.`,
		Example: `  toscaflow execute-operation hello Standard start --node web_server_a1b2c3
  toscaflow execute-operation hello Standard configure --node-template web_server --arg greeting=hi
  toscaflow execute-operation nodecellar Standard stop --dependency-order`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			kwargs, err := parseInputs(args)
			if err != nil {
				return err
			}
			inputs := map[string]interface{}{
				"interface_name":          cmdArgs[1],
				"operation_name":          cmdArgs[2],
				"run_by_dependency_order": ordered,
			}
			if kwargs != nil {
				inputs["operation_kwargs"] = kwargs
			}
			if len(nodes) > 0 {
				inputs["node_ids"] = nodes
			}
			if len(nodeTemplates) > 0 {
				inputs["node_template_ids"] = nodeTemplates
			}
			if len(typeNames) > 0 {
				inputs["type_names"] = typeNames
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				service, err := a.service(ctx, cmdArgs[0])
				if err != nil {
					return err
				}
				// Nodes may be given by name; the workflow selects by id.
				if len(nodes) > 0 {
					ids, err := nodeIDs(service, nodes)
					if err != nil {
						return err
					}
					inputs["node_ids"] = ids
				}
				return a.runWorkflow(ctx, cmd, service.ID, workflow.WorkflowExecuteOperation, inputs, opts)
			})
		},
	}
	opts.addFlags(cmd)
	cmd.Flags().StringArrayVar(&args, "arg", nil, "operation argument (key=value)")
	cmd.Flags().StringSliceVar(&nodes, "node", nil, "node name or id")
	cmd.Flags().StringSliceVar(&nodeTemplates, "node-template", nil, "node template name")
	cmd.Flags().StringSliceVar(&typeNames, "type", nil, "node type name, derived types included")
	cmd.Flags().BoolVar(&ordered, "dependency-order", false, "run in relationship order instead of in parallel")
	return cmd
}

func nodeIDs(service *models.Service, refs []string) ([]string, error) {
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		node := service.NodeByName(ref)
		if node == nil {
			node = service.Node(ref)
		}
		if node == nil {
			return nil, models.NewNotFoundError("node", ref)
		}
		ids = append(ids, node.ID)
	}
	return ids, nil
}

// runWorkflow runs a workflow to the end. A dry run copies the service into
// a memory store so that no execution, task or log is persisted.
func (a *app) runWorkflow(ctx context.Context, cmd *cobra.Command, ref, workflowName string, inputs map[string]interface{}, opts runOptions) error {
	service, err := a.service(ctx, ref)
	if err != nil {
		return err
	}

	var store models.ModelStorage = a.store
	if opts.dryRun {
		memory := stores.NewMemoryStore()
		defer memory.Close()
		if err := memory.CreateService(ctx, service); err != nil {
			return err
		}
		store = memory
	}

	handler := engine.NewEventsHandler(store, engine.HandlerOptions{Logger: a.logger, Telemetry: a.tel})
	exec, err := a.executor(ctx, handler, opts, out(cmd))
	if err != nil {
		return err
	}
	defer func() {
		if err := exec.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Executor shutdown incomplete")
		}
	}()

	eng := engine.New(store, handler, exec, a.engineOptions())
	execution, err := eng.Run(ctx, service.ID, workflowName, inputs)
	if execution == nil {
		return err
	}
	if jsonOutput {
		if perr := printJSON(out(cmd), execution); perr != nil {
			return perr
		}
		return err
	}

	w := out(cmd)
	if opts.dryRun {
		fmt.Fprintf(w, "Dry run of '%s' on service %s: %s\n", workflowName, service.Name, execution.Status)
		return err
	}
	fmt.Fprintf(w, "Execution %s of '%s' on service %s: %s\n", execution.ID, workflowName, service.Name, execution.Status)
	switch {
	case errors.Is(err, engine.ErrWorkflowFailed):
		fmt.Fprintf(w, "  %s\n", execution.Error)
	case errors.Is(err, context.Canceled):
		fmt.Fprintf(w, "  interrupted; resume with: toscaflow executions resume %s\n", execution.ID)
	}
	return err
}

func (a *app) engineOptions() engine.Options {
	return engine.Options{
		TaskMaxAttempts:   a.cfg.Engine.TaskMaxAttempts,
		TaskRetryInterval: a.cfg.Engine.TaskRetryInterval,
		TaskIgnoreFailure: a.cfg.Engine.TaskIgnoreFailure,
		PollInterval:      a.cfg.Engine.PollInterval,
		Logger:            a.logger,
		Telemetry:         a.tel,
	}
}

// executor builds the executor a run asks for, falling back to the config.
func (a *app) executor(ctx context.Context, listener executor.Listener, opts runOptions, dryOut io.Writer) (executor.Executor, error) {
	base := executor.Options{
		Workers:   a.cfg.Executor.Workers,
		Logger:    a.logger,
		Telemetry: a.tel,
	}
	if opts.workers > 0 {
		base.Workers = opts.workers
	}
	if opts.dryRun {
		return executor.NewDryExecutor(listener, dryOut, base), nil
	}

	kind := a.cfg.Executor.Kind
	if opts.executor != "" {
		kind = opts.executor
	}
	switch kind {
	case config.ExecutorThread:
		return executor.NewThreadExecutor(a.plugins.Registry, listener, base), nil
	case config.ExecutorProcess:
		command, err := a.workerCommand()
		if err != nil {
			return nil, err
		}
		return executor.NewProcessExecutor(ctx, listener, executor.ProcessOptions{
			Options:        base,
			Command:        command,
			StartupTimeout: a.cfg.Executor.StartupTimeout,
		})
	}
	return nil, models.NewValidationError(fmt.Sprintf("unknown executor %q; use thread or process", kind), nil)
}

// workerCommand re-executes this binary as a worker with the same config.
func (a *app) workerCommand() ([]string, error) {
	if len(a.cfg.Executor.WorkerCommand) > 0 {
		return a.cfg.Executor.WorkerCommand, nil
	}
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate worker executable: %w", err)
	}
	command := []string{self}
	if configPath != "" {
		command = append(command, "--config", configPath)
	}
	return append(command, "worker"), nil
}
