package config

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

const schemaFilename = "toscaflow-schema.cue"

// templateSchema is the structural schema every template document is
// unified with before it is decoded.
const templateSchema = `
#Bound: int & >=0 | "UNBOUNDED"

#Properties: {[string]: _}

#Input: {
	type?:        string
	description?: string
	default?:     _
	required?:    bool
}

#Plugin: {
	name:     string & != ""
	version?: string
	enabled?: bool
}

#Operation: string | {
	implementation?: string
	inputs?:         #Properties
	max_attempts?:   int & (>=1 | -1)
	retry_interval?: string
	runs_on?:        "node" | "source" | "target"
}

#Interface: {
	type?:       string
	inputs?:     #Properties
	operations?: {[string]: #Operation}
}

#Capability: {
	type?:               string
	occurrences?:        [#Bound, #Bound]
	valid_source_types?: [...string]
	properties?:         #Properties
}

#Constraint: {
	policy:  string & != ""
	params?: #Properties
}

#Relationship: string | {
	type:        string
	properties?: #Properties
	interfaces?: {[string]: #Interface}
}

#Requirement: {
	name:             string & != ""
	node?:            string
	node_type?:       string
	capability?:      string
	capability_type?: string
	relationship?:    #Relationship
	node_filter?: {
		properties?:   #Properties
		capabilities?: [...string]
	}
	constraints?: [...#Constraint]
}

#NodeTemplate: {
	type:         string & != ""
	description?: string
	properties?:  #Properties
	attributes?:  #Properties
	capabilities?: {[string]: #Capability}
	interfaces?: {[string]: #Interface}
	requirements?: [...#Requirement]
	scaling?: {
		min_instances?:     int & >=0
		max_instances?:     #Bound
		default_instances?: int & >=0
	}
	target_constraints?: [...#Constraint]
}

#NodeType: {
	derived_from?: string
	description?:  string
	properties?:   #Properties
	capabilities?: {[string]: #Capability}
	interfaces?: {[string]: #Interface}
}

#ServiceTemplate: {
	name:         string & != ""
	description?: string
	inputs?: {[string]: #Input}
	plugins?: [...#Plugin]
	node_types?: {[string]: #NodeType}
	capability_types?: {[string]: {
		derived_from?: string
		description?:  string
	}}
	relationship_types?: {[string]: {
		derived_from?: string
		description?:  string
		interfaces?: {[string]: #Interface}
	}}
	node_templates: {[string]: #NodeTemplate}
}
`

// ValidationError is one schema violation with its source position, when
// known.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// SchemaRegistry holds the CUE context template documents are compiled and
// checked in. CUE values only unify within one context, so CUE documents
// are compiled through the registry too.
type SchemaRegistry struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

// NewSchemaRegistry compiles the template schema.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(templateSchema, cue.Filename(schemaFilename))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile template schema: %w", err)
	}
	return &SchemaRegistry{
		ctx:    ctx,
		schema: root.LookupPath(cue.ParsePath("#ServiceTemplate")),
	}, nil
}

// Compile evaluates CUE source.
func (sr *SchemaRegistry) Compile(filename string, data []byte) (cue.Value, []ValidationError) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// Encode turns decoded YAML, JSON or Starlark data into a CUE value.
func (sr *SchemaRegistry) Encode(data interface{}) (cue.Value, []ValidationError) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// Check unifies a document with the template schema and returns its JSON
// form when every field is concrete and allowed.
func (sr *SchemaRegistry) Check(doc cue.Value) ([]byte, []ValidationError) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	unified := sr.schema.Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}
	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, convertCUEErrors(err)
	}
	return data, nil
}

// convertCUEErrors flattens a CUE error list.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{Message: cueerrors.Details(e, nil)}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		for _, pos := range cueerrors.Positions(e) {
			if pos.Filename() == schemaFilename {
				continue
			}
			ve.File = pos.Filename()
			ve.Line = pos.Line()
			ve.Column = pos.Column()
			break
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}
