package policy

// Names of the built-in constraint policies.
const (
	NodeFilterPolicy    = "node-filter"
	TargetTypePolicy    = "target-type"
	PropertyRangePolicy = "property-range"
)

// BuiltinPolicies returns the constraint policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		nodeFilterPolicy(),
		targetTypePolicy(),
		propertyRangePolicy(),
	}
}

// nodeFilterPolicy requires the target to carry every property value in
// params.properties and every capability in params.capabilities.
func nodeFilterPolicy() Policy {
	return Policy{
		Name:        NodeFilterPolicy,
		Description: "Target must match the given property values and expose the given capabilities",
		Enabled:     true,
		Rego: `package toscaflow.constraints.node_filter

import rego.v1

default allow := false

allow if {
	every key, value in object.get(input.params, "properties", {}) {
		input.target.properties[key] == value
	}
	every name in object.get(input.params, "capabilities", []) {
		name in input.target.capabilities
	}
}
`,
	}
}

// targetTypePolicy requires the target to be of params.type or derive from it.
func targetTypePolicy() Policy {
	return Policy{
		Name:        TargetTypePolicy,
		Description: "Target must be of the given node type",
		Enabled:     true,
		Rego: `package toscaflow.constraints.target_type

import rego.v1

default allow := false

allow if input.params.type in input.target.types
`,
	}
}

// propertyRangePolicy requires a numeric target property within
// [params.min, params.max]. Either bound may be omitted.
func propertyRangePolicy() Policy {
	return Policy{
		Name:        PropertyRangePolicy,
		Description: "Target property must lie within the given range",
		Enabled:     true,
		Rego: `package toscaflow.constraints.property_range

import rego.v1

default allow := false

allow if {
	value := input.target.properties[input.params.property]
	is_number(value)
	value >= object.get(input.params, "min", value)
	value <= object.get(input.params, "max", value)
}
`,
	}
}
