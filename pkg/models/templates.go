package models

import (
	"time"
)

// UnboundedOccurrences marks a capability without an upper occurrence bound.
const UnboundedOccurrences = -1

// ServiceTemplate is the already-parsed topology a service is instantiated from.
type ServiceTemplate struct {
	// Name identifies the template.
	Name string `json:"name"`

	// Description is free text.
	Description string `json:"description,omitempty"`

	// NodeTypes is the node type hierarchy.
	NodeTypes *TypeHierarchy `json:"-"`

	// CapabilityTypes is the capability type hierarchy.
	CapabilityTypes *TypeHierarchy `json:"-"`

	// RelationshipTypes is the relationship type hierarchy.
	RelationshipTypes *TypeHierarchy `json:"-"`

	// NodeTemplates in declaration order.
	NodeTemplates []*NodeTemplate `json:"node_templates"`

	// Inputs declares the service inputs.
	Inputs map[string]*InputDefinition `json:"inputs,omitempty"`

	// PluginSpecifications lists the plugins the template needs.
	PluginSpecifications []*PluginSpecification `json:"plugin_specifications,omitempty"`
}

// NodeTemplate returns the named node template or nil.
func (st *ServiceTemplate) NodeTemplate(name string) *NodeTemplate {
	for _, nt := range st.NodeTemplates {
		if nt.Name == name {
			return nt
		}
	}
	return nil
}

// InputDefinition declares one service input.
type InputDefinition struct {
	Type     string      `json:"type,omitempty"`
	Default  interface{} `json:"default,omitempty"`
	Required bool        `json:"required"`
}

// PluginSpecification names a plugin and the minimum version a template needs.
type PluginSpecification struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Enabled bool   `json:"enabled"`
}

// Scaling bounds how many nodes a template produces.
type Scaling struct {
	MinInstances     int `json:"min_instances"`
	MaxInstances     int `json:"max_instances"`
	DefaultInstances int `json:"default_instances"`
}

// DefaultScaling yields exactly one node.
func DefaultScaling() Scaling {
	return Scaling{MinInstances: 0, MaxInstances: UnboundedOccurrences, DefaultInstances: 1}
}

// Valid reports whether 0 <= min <= default <= max, treating an unbounded max
// as infinite.
func (s Scaling) Valid() bool {
	if s.MinInstances < 0 || s.DefaultInstances < 0 {
		return false
	}
	if s.DefaultInstances < s.MinInstances {
		return false
	}
	if s.MaxInstances == UnboundedOccurrences {
		return true
	}
	return s.MaxInstances >= 0 && s.MaxInstances >= s.MinInstances && s.DefaultInstances <= s.MaxInstances
}

// NodeTemplate describes the nodes one template entry produces.
type NodeTemplate struct {
	// Name is unique within the service template.
	Name string `json:"name"`

	// Type is the node type.
	Type *Type `json:"-"`

	// Description is free text.
	Description string `json:"description,omitempty"`

	// Properties are copied onto every node.
	Properties map[string]interface{} `json:"properties,omitempty"`

	// Attributes are the initial node attributes.
	Attributes map[string]interface{} `json:"attributes,omitempty"`

	// Interfaces holds the operation templates by interface name.
	Interfaces map[string]*InterfaceTemplate `json:"interfaces,omitempty"`

	// Capabilities in declaration order.
	Capabilities []*CapabilityTemplate `json:"capabilities,omitempty"`

	// Requirements in declaration order.
	Requirements []*RequirementTemplate `json:"requirements,omitempty"`

	// TargetConstraints must accept any (source, this) pairing when this
	// template is chosen as a requirement target.
	TargetConstraints []NodeTemplateConstraint `json:"-"`

	// Scaling bounds the instance count.
	Scaling Scaling `json:"scaling"`
}

// Capability returns the named capability template or nil.
func (nt *NodeTemplate) Capability(name string) *CapabilityTemplate {
	for _, c := range nt.Capabilities {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// IsTargetValid reports whether every target constraint of target accepts
// nt as the source.
func (nt *NodeTemplate) IsTargetValid(target *NodeTemplate) bool {
	for _, constraint := range target.TargetConstraints {
		if !constraint.Matches(nt, target) {
			return false
		}
	}
	return true
}

// CapabilityTemplate describes a capability exposed by a node template.
type CapabilityTemplate struct {
	Name                 string                 `json:"name"`
	Type                 *Type                  `json:"-"`
	MinOccurrences       int                    `json:"min_occurrences"`
	MaxOccurrences       int                    `json:"max_occurrences"`
	ValidSourceNodeTypes []*Type                `json:"-"`
	Properties           map[string]interface{} `json:"properties,omitempty"`
}

// RequirementTemplate describes what a node template needs from another.
type RequirementTemplate struct {
	// Name of the requirement, reused as the relationship name.
	Name string `json:"name"`

	// TargetNodeTemplate pins the target template.
	TargetNodeTemplate *NodeTemplate `json:"-"`

	// TargetNodeType selects the first template deriving from this type.
	TargetNodeType *Type `json:"-"`

	// TargetCapabilityType is the capability type the target must expose.
	TargetCapabilityType *Type `json:"-"`

	// TargetCapabilityName names the capability the target must expose.
	TargetCapabilityName string `json:"target_capability_name,omitempty"`

	// Constraints must accept the (source, target) pairing.
	Constraints []NodeTemplateConstraint `json:"-"`

	// RelationshipTemplate is instantiated for the created relationship.
	RelationshipTemplate *RelationshipTemplate `json:"relationship,omitempty"`
}

// NodeTemplateConstraint is a predicate over a (source, target) template pairing.
type NodeTemplateConstraint interface {
	Matches(source, target *NodeTemplate) bool
}

// ConstraintFunc adapts a function to NodeTemplateConstraint.
type ConstraintFunc func(source, target *NodeTemplate) bool

// Matches calls f.
func (f ConstraintFunc) Matches(source, target *NodeTemplate) bool {
	return f(source, target)
}

// RelationshipTemplate describes the relationship created for a satisfied requirement.
type RelationshipTemplate struct {
	Name       string                        `json:"name,omitempty"`
	Type       *Type                         `json:"-"`
	Properties map[string]interface{}        `json:"properties,omitempty"`
	Interfaces map[string]*InterfaceTemplate `json:"interfaces,omitempty"`
}

// InterfaceTemplate groups operation templates.
type InterfaceTemplate struct {
	Name       string                        `json:"name"`
	TypeName   string                        `json:"type,omitempty"`
	Inputs     map[string]interface{}        `json:"inputs,omitempty"`
	Operations map[string]*OperationTemplate `json:"operations,omitempty"`
}

// OperationTemplate declares an operation implementation.
type OperationTemplate struct {
	Name string `json:"name"`

	// Implementation is "plugin > function" or a bare function.
	Implementation string `json:"implementation,omitempty"`

	// Inputs are the operation arguments.
	Inputs map[string]interface{} `json:"inputs,omitempty"`

	// MaxAttempts overrides the workflow default when non-zero.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// RetryInterval overrides the workflow default when set.
	RetryInterval *time.Duration `json:"retry_interval,omitempty"`

	// RunsOn selects the host for relationship operations.
	RunsOn RunsOn `json:"runs_on,omitempty"`
}
