package policy

import (
	"time"

	"github.com/openfroyo/toscaflow/pkg/models"
)

// Policy is a Rego module deciding whether a node template may be the target
// of a requirement. A policy package defines a boolean `allow` rule; an
// undefined `allow` rejects the target.
type Policy struct {
	// Name is the unique name constraints refer to.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is active. A disabled policy allows
	// every target.
	Enabled bool `json:"enabled"`

	// Metadata contains additional policy metadata, such as its source file.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// LoadedAt is when the policy was loaded.
	LoadedAt time.Time `json:"loaded_at"`
}

// TemplateView is the input document shape of one node template.
type TemplateView struct {
	Name         string                 `json:"name"`
	Type         string                 `json:"type"`
	Types        []string               `json:"types"`
	Properties   map[string]interface{} `json:"properties"`
	Capabilities []string               `json:"capabilities"`
}

// ConstraintInput is the `input` document a constraint policy sees.
type ConstraintInput struct {
	Source TemplateView           `json:"source"`
	Target TemplateView           `json:"target"`
	Params map[string]interface{} `json:"params"`
}

// viewOf flattens a node template into its input document.
func viewOf(nt *models.NodeTemplate) TemplateView {
	view := TemplateView{
		Name:         nt.Name,
		Types:        []string{},
		Properties:   nt.Properties,
		Capabilities: []string{},
	}
	if view.Properties == nil {
		view.Properties = map[string]interface{}{}
	}
	if nt.Type != nil {
		view.Type = nt.Type.Name
		for _, t := range nt.Type.Hierarchy() {
			view.Types = append(view.Types, t.Name)
		}
	}
	for _, c := range nt.Capabilities {
		view.Capabilities = append(view.Capabilities, c.Name)
	}
	return view
}

// document converts the input into plain maps and slices for evaluation.
func (in ConstraintInput) document() map[string]interface{} {
	params := in.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	return map[string]interface{}{
		"source": in.Source.document(),
		"target": in.Target.document(),
		"params": params,
	}
}

func (v TemplateView) document() map[string]interface{} {
	types := make([]interface{}, len(v.Types))
	for i, t := range v.Types {
		types[i] = t
	}
	capabilities := make([]interface{}, len(v.Capabilities))
	for i, c := range v.Capabilities {
		capabilities[i] = c
	}
	return map[string]interface{}{
		"name":         v.Name,
		"type":         v.Type,
		"types":        types,
		"properties":   v.Properties,
		"capabilities": capabilities,
	}
}
