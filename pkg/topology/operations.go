package topology

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/openfroyo/toscaflow/pkg/models"
	"github.com/openfroyo/toscaflow/pkg/plugins"
)

// ReservedArguments are injected by the execution context and may not be
// supplied as operation inputs.
var ReservedArguments = []string{"ctx", "toolbelt"}

func (t *Topology) configureInterfaces(templates map[string]*models.InterfaceTemplate) (map[string]*models.Interface, error) {
	if len(templates) == 0 {
		return nil, nil
	}
	out := make(map[string]*models.Interface, len(templates))
	for _, name := range slices.Sorted(maps.Keys(templates)) {
		it := templates[name]
		iface := &models.Interface{
			Name:       name,
			TypeName:   it.TypeName,
			Inputs:     maps.Clone(it.Inputs),
			Operations: make(map[string]*models.Operation, len(it.Operations)),
		}
		for _, opName := range slices.Sorted(maps.Keys(it.Operations)) {
			op, err := t.configureOperation(it, opName, it.Operations[opName])
			if err != nil {
				return nil, err
			}
			iface.Operations[opName] = op
		}
		out[name] = iface
	}
	return out, nil
}

// configureOperation binds an operation template to a plugin function and
// merges its arguments: interface inputs first, then operation inputs.
func (t *Topology) configureOperation(it *models.InterfaceTemplate, name string, ot *models.OperationTemplate) (*models.Operation, error) {
	op := &models.Operation{
		Name:           name,
		Implementation: ot.Implementation,
		MaxAttempts:    ot.MaxAttempts,
		RetryInterval:  ot.RetryInterval,
		RunsOn:         ot.RunsOn,
		Arguments:      make(map[string]interface{}),
	}
	if op.MaxAttempts != 0 {
		if err := models.ValidateMaxAttempts(op.MaxAttempts); err != nil {
			t.issues.Report(LevelField, "operation %q: %v", name, err)
			op.MaxAttempts = 0
		}
	}
	if op.RunsOn != "" {
		if err := op.RunsOn.Validate(); err != nil {
			t.issues.Report(LevelField, "operation %q: %v", name, err)
			op.RunsOn = ""
		}
	}

	if ot.Implementation != "" {
		op.Plugin, op.Function = plugins.ParseImplementation(ot.Implementation)
		if op.Plugin != "" && t.plugins != nil && !t.plugins.Has(op.Plugin) {
			return nil, models.NewValidationError(
				fmt.Sprintf("operation %q uses unknown plugin %q", name, op.Plugin), nil).
				WithCode(models.ErrCodeUnknownPlugin)
		}
	}

	maps.Copy(op.Arguments, it.Inputs)
	maps.Copy(op.Arguments, ot.Inputs)

	var reserved []string
	for _, arg := range ReservedArguments {
		if _, ok := op.Arguments[arg]; ok {
			reserved = append(reserved, arg)
		}
	}
	if len(reserved) > 0 {
		t.issues.Report(LevelExternal, "using reserved arguments in operation %q: %s",
			name, strings.Join(reserved, ", "))
	}
	return op, nil
}
