package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/toscaflow/pkg/models"
	"github.com/openfroyo/toscaflow/pkg/plugins"
	"github.com/openfroyo/toscaflow/pkg/policy"
)

// Format is a template document encoding.
type Format string

const (
	FormatYAML     Format = "yaml"
	FormatJSON     Format = "json"
	FormatCUE      Format = "cue"
	FormatStarlark Format = "starlark"
)

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	case ".star":
		return FormatStarlark, nil
	default:
		return "", fmt.Errorf("unsupported template format: %s", filepath.Ext(path))
	}
}

// TemplateLoader reads service templates. Every format is checked against
// the same CUE schema, decoded into a TemplateDocument, validated and
// converted.
type TemplateLoader struct {
	schemas  *SchemaRegistry
	starlark *StarlarkEvaluator
	validate *validator.Validate
	policies *policy.Engine
	logger   zerolog.Logger
}

// NewTemplateLoader creates a loader. Node filters and constraints are
// compiled against policies, which may be nil for templates without them.
func NewTemplateLoader(policies *policy.Engine, logger zerolog.Logger) (*TemplateLoader, error) {
	schemas, err := NewSchemaRegistry()
	if err != nil {
		return nil, err
	}
	return &TemplateLoader{
		schemas:  schemas,
		starlark: NewStarlarkEvaluator(DefaultStarlarkTimeout),
		validate: validator.New(),
		policies: policies,
		logger:   logger.With().Str("component", "template-loader").Logger(),
	}, nil
}

// LoadFile reads and converts the template at path.
func (l *TemplateLoader) LoadFile(ctx context.Context, path string) (*models.ServiceTemplate, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, models.NewValidationError("cannot load template", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", path, err)
	}
	st, err := l.Parse(ctx, path, data, format)
	if err != nil {
		return nil, err
	}
	ResolveArtifacts(st, filepath.Dir(path))
	return st, nil
}

// ResolveArtifacts makes the relative script and module paths of built-in
// plugin operations relative to dir, the template's directory.
func ResolveArtifacts(st *models.ServiceTemplate, dir string) {
	resolve := func(interfaces map[string]*models.InterfaceTemplate) {
		for _, it := range interfaces {
			for _, op := range it.Operations {
				op.Implementation = resolveImplementation(op.Implementation, dir)
			}
		}
	}
	for _, nt := range st.NodeTemplates {
		resolve(nt.Interfaces)
		for _, req := range nt.Requirements {
			if req.RelationshipTemplate != nil {
				resolve(req.RelationshipTemplate.Interfaces)
			}
		}
	}
}

func resolveImplementation(implementation, dir string) string {
	plugin, function := plugins.ParseImplementation(implementation)
	if function == "" || filepath.IsAbs(function) {
		return implementation
	}
	name := plugin
	if name == "" {
		name = plugins.DefaultPluginFor(function)
	}
	switch name {
	case plugins.ShellPlugin, plugins.StarlarkPlugin, plugins.WasmPlugin, plugins.SSHPlugin:
	default:
		return implementation
	}
	function = filepath.Join(dir, function)
	if plugin == "" {
		return function
	}
	return plugin + " > " + function
}

// Parse converts template source in the given format.
func (l *TemplateLoader) Parse(ctx context.Context, filename string, data []byte, format Format) (*models.ServiceTemplate, error) {
	doc, err := l.Document(ctx, filename, data, format)
	if err != nil {
		return nil, err
	}
	st, err := Convert(doc, l.policies)
	if err != nil {
		var de *DocumentError
		if errors.As(err, &de) {
			de.Path = filename
		}
		return nil, err
	}
	l.logger.Debug().
		Str("file", filename).
		Str("template", st.Name).
		Int("node_templates", len(st.NodeTemplates)).
		Msg("Template loaded")
	return st, nil
}

// Document decodes and validates template source without converting it.
func (l *TemplateLoader) Document(ctx context.Context, filename string, data []byte, format Format) (*TemplateDocument, error) {
	var (
		val  cue.Value
		errs []ValidationError
	)
	switch format {
	case FormatCUE:
		val, errs = l.schemas.Compile(filename, data)
	case FormatYAML, FormatJSON, FormatStarlark:
		raw, err := l.decode(ctx, filename, data, format)
		if err != nil {
			return nil, models.NewValidationError("cannot decode template "+filename, err)
		}
		val, errs = l.schemas.Encode(raw)
	default:
		return nil, models.NewValidationError("cannot decode template "+filename,
			fmt.Errorf("unsupported template format: %s", format))
	}
	if len(errs) > 0 {
		return nil, documentError(filename, errs)
	}

	checked, errs := l.schemas.Check(val)
	if len(errs) > 0 {
		return nil, documentError(filename, errs)
	}

	var doc TemplateDocument
	if err := json.Unmarshal(checked, &doc); err != nil {
		return nil, documentError(filename, []ValidationError{{Message: err.Error()}})
	}
	if err := l.validate.Struct(&doc); err != nil {
		return nil, documentError(filename, structErrors(err))
	}
	return &doc, nil
}

func (l *TemplateLoader) decode(ctx context.Context, filename string, data []byte, format Format) (interface{}, error) {
	var raw interface{}
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
	case FormatStarlark:
		doc, err := l.starlark.Evaluate(ctx, filename, string(data), nil)
		if err != nil {
			return nil, err
		}
		raw = doc
	}
	cleaned := cleanValue(raw)
	if _, ok := cleaned.(map[string]interface{}); !ok {
		return nil, fmt.Errorf("template must be a mapping, got %T", raw)
	}
	return cleaned, nil
}

// cleanValue prepares decoded data for CUE: null fields are dropped, map keys
// become strings and JSON numbers become ints or floats.
func cleanValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			if item != nil {
				out[k] = cleanValue(item)
			}
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			if item != nil {
				out[fmt.Sprint(k)] = cleanValue(item)
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cleanValue(item)
		}
		return out
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	default:
		return v
	}
}

func structErrors(err error) []ValidationError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []ValidationError{{Message: err.Error()}}
	}
	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Path:    fe.Namespace(),
			Message: fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
		})
	}
	return out
}

func documentError(filename string, errs []ValidationError) error {
	return models.NewValidationError("template "+filename+" is invalid", &DocumentError{Path: filename, Errors: errs})
}

// ValidationErrors returns the individual problems behind a template load
// error, or nil when err is not a document error.
func ValidationErrors(err error) []ValidationError {
	var de *DocumentError
	if errors.As(err, &de) {
		return de.Errors
	}
	return nil
}
