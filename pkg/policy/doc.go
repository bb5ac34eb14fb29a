// Package policy evaluates Rego node-template constraints with Open Policy
// Agent.
//
// A requirement's node filter and a node template's target constraints are
// predicates over a (source, target) pair of node templates. This package
// implements them as Rego policies whose package defines a boolean `allow`
// rule, evaluated against an input document of the form:
//
//	{
//	  "source": {"name": ..., "type": ..., "types": [...], "properties": {...}, "capabilities": [...]},
//	  "target": {...},
//	  "params": {...}
//	}
//
// # Usage
//
//	engine, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	constraint, err := engine.Constraint(policy.PropertyRangePolicy, map[string]interface{}{
//	    "property": "mem_size", "min": 4,
//	})
//	requirement.Constraints = append(requirement.Constraints, constraint)
//
// # Built-in Policies
//
//  1. node-filter - target property values and capabilities must match params
//  2. target-type - target must be of params.type or derive from it
//  3. property-range - numeric target property within params.min and params.max
//
// # Custom Policies
//
// Custom policies are loaded from .rego files, named after the file, or
// from .json files carrying name, description, rego and enabled fields:
//
//	package site.constraints.same_zone
//
//	import rego.v1
//
//	default allow := false
//
//	allow if input.source.properties.zone == input.target.properties.zone
//
// # Hot Reload
//
// Engine.Watch loads a set of paths and recompiles them whenever a policy
// file is written. A reload that fails to compile leaves the previous set in
// place.
package policy
