package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/toscaflow/pkg/config"
	"github.com/openfroyo/toscaflow/pkg/topology"
)

// errTemplateInvalid is returned after the problems have been printed.
var errTemplateInvalid = errors.New("template is invalid")

type validationReport struct {
	Template      string                   `json:"template"`
	Valid         bool                     `json:"valid"`
	Errors        []config.ValidationError `json:"errors,omitempty"`
	Issues        []topology.Issue         `json:"issues,omitempty"`
	NodeTemplates int                      `json:"node_templates"`
	Nodes         int                      `json:"nodes"`
}

func newValidateCommand() *cobra.Command {
	var (
		watch  bool
		inputs []string
	)

	cmd := &cobra.Command{
		Use:   "validate <template>",
		Short: "Validate a service template",
		Long: `Validate a service template without storing anything.

This command checks:
  - Document syntax (YAML, JSON, CUE or Starlark)
  - Schema conformance and type references
  - Node filters and constraints
  - Requirement satisfaction and capability occurrences
  - Plugin availability`,
		Example: `  # Validate a template
  toscaflow validate examples/node-cellar/service-template.yaml

  # Re-validate on every change
  toscaflow validate --watch service-template.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]
			parsed, err := parseInputs(inputs)
			if err != nil {
				return err
			}

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			run := func() error {
				report, err := validateTemplate(ctx, a, path, parsed)
				if err != nil {
					return err
				}
				if err := writeReport(out(cmd), report); err != nil {
					return err
				}
				if !report.Valid {
					return errTemplateInvalid
				}
				return nil
			}

			if !watch {
				return run()
			}
			if err := run(); err != nil && !errors.Is(err, errTemplateInvalid) {
				return err
			}
			a.logger.Info().Str("path", path).Msg("Watching template for changes")
			return config.WatchFile(ctx, path, a.logger, func() {
				if err := run(); err != nil && !errors.Is(err, errTemplateInvalid) {
					a.logger.Error().Err(err).Str("path", path).Msg("Validation failed")
				}
			})
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate whenever the template changes")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "service input (key=value)")

	return cmd
}

// validateTemplate loads and instantiates path. Document and instantiation
// problems land in the report; only unexpected failures are returned.
func validateTemplate(ctx context.Context, a *app, path string, inputs map[string]interface{}) (*validationReport, error) {
	report := &validationReport{Template: path}

	loader, err := a.loader()
	if err != nil {
		return nil, err
	}
	st, err := loader.LoadFile(ctx, path)
	if err != nil {
		errs := config.ValidationErrors(err)
		if errs == nil {
			errs = []config.ValidationError{{Message: err.Error()}}
		}
		report.Errors = errs
		return report, nil
	}
	report.NodeTemplates = len(st.NodeTemplates)

	topo := a.topology()
	service, err := topo.Build(st, st.Name, inputs)
	if err != nil {
		report.Errors = []config.ValidationError{{Message: err.Error()}}
		return report, nil
	}
	report.Nodes = len(service.Nodes)
	report.Issues = topo.Issues()
	report.Valid = len(report.Issues) == 0
	return report, nil
}

func writeReport(w io.Writer, report *validationReport) error {
	if jsonOutput {
		return printJSON(w, report)
	}
	switch {
	case len(report.Errors) > 0:
		fmt.Fprintf(w, "Template %s is invalid:\n", report.Template)
		printDocumentErrors(w, report.Errors)
	case len(report.Issues) > 0:
		fmt.Fprintf(w, "Template %s has %d issue(s):\n", report.Template, len(report.Issues))
		printIssues(w, report.Issues)
	default:
		fmt.Fprintf(w, "Template %s is valid: %d node templates, %d nodes\n",
			report.Template, report.NodeTemplates, report.Nodes)
	}
	return nil
}
