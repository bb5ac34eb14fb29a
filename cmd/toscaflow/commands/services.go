package commands

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openfroyo/toscaflow/pkg/models"
)

func newServicesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "services",
		Aliases: []string{"service", "svc"},
		Short:   "Manage services instantiated from templates",
	}
	cmd.AddCommand(newServicesCreateCommand())
	cmd.AddCommand(newServicesListCommand())
	cmd.AddCommand(newServicesShowCommand())
	cmd.AddCommand(newServicesDeleteCommand())
	return cmd
}

func newServicesCreateCommand() *cobra.Command {
	var (
		name   string
		inputs []string
	)

	cmd := &cobra.Command{
		Use:   "create <template>",
		Short: "Instantiate a template into a stored service",
		Long: `Instantiate a service template: create its nodes, satisfy requirements and
check capabilities. The service is stored only when no issue was found.`,
		Example: `  toscaflow services create examples/hello-world/service-template.yaml --name hello
  toscaflow services create service-template.yaml --name web --input port=9090`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				service, err := createService(ctx, a, args[0], name, parsed)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out(cmd), service)
				}
				fmt.Fprintf(out(cmd), "Service %s created with %d nodes (id %s)\n",
					service.Name, len(service.Nodes), service.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "service name (default: the template name)")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "service input (key=value)")

	return cmd
}

// createService loads, instantiates and stores a template.
func createService(ctx context.Context, a *app, path, name string, inputs map[string]interface{}) (*models.Service, error) {
	loader, err := a.loader()
	if err != nil {
		return nil, err
	}
	st, err := loader.LoadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	topo := a.topology()
	service, err := topo.Build(st, name, inputs)
	if err != nil {
		return nil, err
	}
	if err := topo.Err(); err != nil {
		return nil, models.NewValidationError(fmt.Sprintf("failed to instantiate %s", path), err)
	}
	if err := a.store.CreateService(ctx, service); err != nil {
		return nil, err
	}
	a.logger.Info().
		Str("service", service.Name).
		Str("service_id", service.ID).
		Int("nodes", len(service.Nodes)).
		Msg("Service created")
	return service, nil
}

func newServicesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List services",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				services, err := a.store.ListServices(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out(cmd), services)
				}
				t := newTable(out(cmd), "NAME", "ID", "TEMPLATE", "CREATED")
				for _, s := range services {
					t.row(s.Name, s.ID, s.TemplateName, ago(s.CreatedAt))
				}
				return t.flush()
			})
		},
	}
}

func newServicesShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <service>",
		Short: "Show a service with its nodes and relationships",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				service, err := a.service(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out(cmd), service)
				}

				w := out(cmd)
				fmt.Fprintf(w, "Service:  %s (%s)\n", service.Name, service.ID)
				fmt.Fprintf(w, "Template: %s\n", service.TemplateName)
				if len(service.Inputs) > 0 {
					keys := make([]string, 0, len(service.Inputs))
					for k := range service.Inputs {
						keys = append(keys, k)
					}
					sort.Strings(keys)
					fmt.Fprintln(w, "Inputs:")
					for _, k := range keys {
						fmt.Fprintf(w, "  %s: %v\n", k, service.Inputs[k])
					}
				}
				fmt.Fprintln(w)

				names := make(map[string]string, len(service.Nodes))
				for _, n := range service.Nodes {
					names[n.ID] = n.Name
				}
				t := newTable(w, "NODE", "TYPE", "STATE", "HOST", "RELATIONSHIPS")
				for _, n := range service.Nodes {
					t.row(n.Name, n.TypeName, string(n.State), orDash(names[n.HostID]), strconv.Itoa(len(n.Outbound)))
				}
				if err := t.flush(); err != nil {
					return err
				}

				fmt.Fprintln(w)
				t = newTable(w, "SOURCE", "REQUIREMENT", "TYPE", "TARGET", "CAPABILITY")
				for _, n := range service.Nodes {
					for _, r := range n.Outbound {
						t.row(n.Name, r.RequirementName, orDash(r.TypeName), names[r.TargetNodeID], orDash(r.TargetCapabilityName))
					}
				}
				return t.flush()
			})
		},
	}
}

func newServicesDeleteCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <service>",
		Short: "Delete a service with its executions, tasks and logs",
		Long: `Delete a service and everything stored for it. A service with an
execution that has not ended is kept unless --force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				service, err := a.service(ctx, args[0])
				if err != nil {
					return err
				}
				if !force {
					executions, err := a.store.ListExecutions(ctx, models.ExecutionFilter{ServiceID: service.ID})
					if err != nil {
						return err
					}
					for _, e := range executions {
						if !e.Status.IsEnded() {
							return models.NewConflictError(fmt.Sprintf(
								"service %s has %s execution %s; use --force to delete anyway",
								service.Name, e.Status, e.ID), nil)
						}
					}
				}
				if err := a.store.DeleteService(ctx, service.ID); err != nil {
					return err
				}
				a.logger.Info().Str("service", service.Name).Str("service_id", service.ID).Msg("Service deleted")
				fmt.Fprintf(out(cmd), "Service %s deleted\n", service.Name)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "delete even with active executions")

	return cmd
}
