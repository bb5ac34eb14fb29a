package config

import (
	"encoding/json"
)

// Unbounded spells an unlimited occurrence or instance bound in documents.
const Unbounded = "UNBOUNDED"

// TemplateDocument is the on-disk form of a service template, shared by the
// YAML, JSON, CUE and Starlark formats.
type TemplateDocument struct {
	Name              string                         `json:"name" validate:"required"`
	Description       string                         `json:"description,omitempty"`
	Inputs            map[string]InputDoc            `json:"inputs,omitempty" validate:"dive"`
	Plugins           []PluginDoc                    `json:"plugins,omitempty" validate:"dive"`
	NodeTypes         map[string]NodeTypeDoc         `json:"node_types,omitempty" validate:"dive"`
	CapabilityTypes   map[string]TypeDoc             `json:"capability_types,omitempty" validate:"dive"`
	RelationshipTypes map[string]RelationshipTypeDoc `json:"relationship_types,omitempty" validate:"dive"`
	NodeTemplates     map[string]NodeTemplateDoc     `json:"node_templates" validate:"required,min=1,dive"`
}

// InputDoc declares a service input. Inputs are required unless they say
// otherwise.
type InputDoc struct {
	Type        string      `json:"type,omitempty"`
	Description string      `json:"description,omitempty"`
	Default     interface{} `json:"default,omitempty"`
	Required    *bool       `json:"required,omitempty"`
}

// PluginDoc requests a plugin at a minimum version. Plugins are enabled
// unless they say otherwise.
type PluginDoc struct {
	Name    string `json:"name" validate:"required"`
	Version string `json:"version,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// TypeDoc is a capability type definition.
type TypeDoc struct {
	DerivedFrom string `json:"derived_from,omitempty"`
	Description string `json:"description,omitempty"`
}

// NodeTypeDoc is a node type definition. Its properties, capabilities and
// interfaces are inherited by derived types and by templates.
type NodeTypeDoc struct {
	DerivedFrom  string                   `json:"derived_from,omitempty"`
	Description  string                   `json:"description,omitempty"`
	Properties   map[string]interface{}   `json:"properties,omitempty"`
	Capabilities map[string]CapabilityDoc `json:"capabilities,omitempty" validate:"dive"`
	Interfaces   map[string]InterfaceDoc  `json:"interfaces,omitempty" validate:"dive"`
}

// RelationshipTypeDoc is a relationship type definition. Its interfaces are
// inherited by relationships of the type.
type RelationshipTypeDoc struct {
	DerivedFrom string                  `json:"derived_from,omitempty"`
	Description string                  `json:"description,omitempty"`
	Interfaces  map[string]InterfaceDoc `json:"interfaces,omitempty" validate:"dive"`
}

// CapabilityDoc defines or assigns a capability. Occurrences is a
// [min, max] pair whose max may be UNBOUNDED.
type CapabilityDoc struct {
	Type             string                 `json:"type,omitempty"`
	Occurrences      []interface{}          `json:"occurrences,omitempty" validate:"omitempty,len=2"`
	ValidSourceTypes []string               `json:"valid_source_types,omitempty"`
	Properties       map[string]interface{} `json:"properties,omitempty"`
}

// InterfaceDoc is an interface with its inputs and operations.
type InterfaceDoc struct {
	Type       string                  `json:"type,omitempty"`
	Inputs     map[string]interface{}  `json:"inputs,omitempty"`
	Operations map[string]OperationDoc `json:"operations,omitempty" validate:"dive"`
}

// OperationDoc is an operation definition. A bare string is shorthand for
// its implementation.
type OperationDoc struct {
	Implementation string                 `json:"implementation,omitempty"`
	Inputs         map[string]interface{} `json:"inputs,omitempty"`
	MaxAttempts    *int                   `json:"max_attempts,omitempty"`
	RetryInterval  string                 `json:"retry_interval,omitempty"`
	RunsOn         string                 `json:"runs_on,omitempty" validate:"omitempty,oneof=node source target"`
}

// UnmarshalJSON accepts either an implementation string or an object.
func (o *OperationDoc) UnmarshalJSON(data []byte) error {
	var implementation string
	if err := json.Unmarshal(data, &implementation); err == nil {
		*o = OperationDoc{Implementation: implementation}
		return nil
	}
	type plain OperationDoc
	return json.Unmarshal(data, (*plain)(o))
}

// NodeTemplateDoc is a node template.
type NodeTemplateDoc struct {
	Type              string                   `json:"type" validate:"required"`
	Description       string                   `json:"description,omitempty"`
	Properties        map[string]interface{}   `json:"properties,omitempty"`
	Attributes        map[string]interface{}   `json:"attributes,omitempty"`
	Capabilities      map[string]CapabilityDoc `json:"capabilities,omitempty" validate:"dive"`
	Interfaces        map[string]InterfaceDoc  `json:"interfaces,omitempty" validate:"dive"`
	Requirements      []RequirementDoc         `json:"requirements,omitempty" validate:"dive"`
	Scaling           *ScalingDoc              `json:"scaling,omitempty"`
	TargetConstraints []ConstraintDoc          `json:"target_constraints,omitempty" validate:"dive"`
}

// RequirementDoc points a requirement at a node template, a node type, a
// capability name or a capability type.
type RequirementDoc struct {
	Name           string           `json:"name" validate:"required"`
	Node           string           `json:"node,omitempty"`
	NodeType       string           `json:"node_type,omitempty"`
	Capability     string           `json:"capability,omitempty"`
	CapabilityType string           `json:"capability_type,omitempty"`
	Relationship   *RelationshipDoc `json:"relationship,omitempty"`
	NodeFilter     *NodeFilterDoc   `json:"node_filter,omitempty"`
	Constraints    []ConstraintDoc  `json:"constraints,omitempty" validate:"dive"`
}

// RelationshipDoc is the relationship a requirement creates. A bare string
// is shorthand for its type.
type RelationshipDoc struct {
	Type       string                  `json:"type" validate:"required"`
	Properties map[string]interface{}  `json:"properties,omitempty"`
	Interfaces map[string]InterfaceDoc `json:"interfaces,omitempty" validate:"dive"`
}

// UnmarshalJSON accepts either a type name or an object.
func (r *RelationshipDoc) UnmarshalJSON(data []byte) error {
	var typeName string
	if err := json.Unmarshal(data, &typeName); err == nil {
		*r = RelationshipDoc{Type: typeName}
		return nil
	}
	type plain RelationshipDoc
	return json.Unmarshal(data, (*plain)(r))
}

// NodeFilterDoc restricts requirement targets by property value and
// capability name.
type NodeFilterDoc struct {
	Properties   map[string]interface{} `json:"properties,omitempty"`
	Capabilities []string               `json:"capabilities,omitempty"`
}

// ConstraintDoc applies a named rego policy with parameters.
type ConstraintDoc struct {
	Policy string                 `json:"policy" validate:"required"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// ScalingDoc bounds the number of nodes a template produces.
type ScalingDoc struct {
	MinInstances     *int        `json:"min_instances,omitempty" validate:"omitempty,gte=0"`
	MaxInstances     interface{} `json:"max_instances,omitempty"`
	DefaultInstances *int        `json:"default_instances,omitempty" validate:"omitempty,gte=0"`
}
