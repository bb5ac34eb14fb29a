package config

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/toscaflow/pkg/models"
	"github.com/openfroyo/toscaflow/pkg/policy"
)

func hasPath(errs []ValidationError, path string) bool {
	for _, e := range errs {
		if e.Path == path {
			return true
		}
	}
	return false
}

func TestConvert_TypeInheritance(t *testing.T) {
	loader := newTestLoader(t)
	st := mustParseYAML(t, loader, `
name: inherit
node_types:
  my.nodes.App:
    derived_from: tosca.nodes.WebApplication
    properties:
      port: 80
      protocol: http
    interfaces:
      Standard:
        inputs:
          user: app
        operations:
          create: app/create.sh
          start: app/start.sh
  my.nodes.SecureApp:
    derived_from: my.nodes.App
    properties:
      protocol: https
node_templates:
  app:
    type: my.nodes.SecureApp
    properties:
      port: 443
    capabilities:
      app_endpoint:
        occurrences: [1, 2]
    interfaces:
      Standard:
        operations:
          start: app/start-tls.sh
`)
	app := st.NodeTemplate("app")
	if app == nil {
		t.Fatal("Expected node template app")
	}
	if !app.Type.IsDerivedFrom(st.NodeTypes.Get("tosca.nodes.WebApplication")) {
		t.Errorf("Expected %s to derive from WebApplication", app.Type)
	}
	if app.Properties["port"] != 443 || app.Properties["protocol"] != "https" {
		t.Errorf("Unexpected merged properties %v", app.Properties)
	}

	std := app.Interfaces["Standard"]
	if std.Operations["create"].Implementation != "app/create.sh" {
		t.Errorf("Expected inherited create, got %+v", std.Operations["create"])
	}
	if std.Operations["start"].Implementation != "app/start-tls.sh" {
		t.Errorf("Expected overridden start, got %+v", std.Operations["start"])
	}
	if std.Inputs["user"] != "app" {
		t.Errorf("Expected inherited interface inputs, got %v", std.Inputs)
	}

	endpoint := app.Capability("app_endpoint")
	if endpoint == nil || endpoint.Type.Name != "tosca.capabilities.Endpoint" {
		t.Fatalf("Expected app_endpoint to keep its type, got %+v", endpoint)
	}
	if endpoint.MinOccurrences != 1 || endpoint.MaxOccurrences != 2 {
		t.Errorf("Expected occurrences 1..2, got %d..%d", endpoint.MinOccurrences, endpoint.MaxOccurrences)
	}
	if app.Capability("feature") == nil {
		t.Error("Expected the root feature capability")
	}
}

func TestConvert_TypeErrors(t *testing.T) {
	loader := newTestLoader(t)

	tests := []struct {
		name string
		src  string
		path string
	}{
		{
			name: "unknown node type",
			src:  "name: x\nnode_templates:\n  a:\n    type: my.Missing\n",
			path: "node_templates.a.type",
		},
		{
			name: "unknown parent",
			src:  "name: x\nnode_types:\n  my.A:\n    derived_from: my.Missing\nnode_templates:\n  a:\n    type: tosca.nodes.Root\n",
			path: "node_types.my.A",
		},
		{
			name: "cycle",
			src:  "name: x\nnode_types:\n  my.A:\n    derived_from: my.B\n  my.B:\n    derived_from: my.A\nnode_templates:\n  a:\n    type: tosca.nodes.Root\n",
			path: "node_types.my.A",
		},
		{
			name: "unknown capability type",
			src:  "name: x\nnode_templates:\n  a:\n    type: tosca.nodes.Root\n    capabilities:\n      extra:\n        type: my.Cap\n",
			path: "node_templates.a.capabilities.extra.type",
		},
		{
			name: "capability without type",
			src:  "name: x\nnode_templates:\n  a:\n    type: tosca.nodes.Root\n    capabilities:\n      extra:\n        occurrences: [0, 1]\n",
			path: "node_templates.a.capabilities.extra",
		},
		{
			name: "inverted occurrences",
			src:  "name: x\nnode_templates:\n  a:\n    type: tosca.nodes.Root\n    capabilities:\n      feature:\n        occurrences: [3, 1]\n",
			path: "node_templates.a.capabilities.feature.occurrences",
		},
		{
			name: "unknown valid source type",
			src:  "name: x\nnode_templates:\n  a:\n    type: tosca.nodes.Root\n    capabilities:\n      feature:\n        valid_source_types: [my.Missing]\n",
			path: "node_templates.a.capabilities.feature.valid_source_types",
		},
		{
			name: "bad retry interval",
			src:  "name: x\nnode_templates:\n  a:\n    type: tosca.nodes.Root\n    interfaces:\n      Standard:\n        operations:\n          create:\n            retry_interval: soon\n",
			path: "node_templates.a.interfaces.Standard.operations.create.retry_interval",
		},
		{
			name: "requirement without target",
			src:  "name: x\nnode_templates:\n  a:\n    type: tosca.nodes.Root\n    requirements:\n      - name: dep\n",
			path: "node_templates.a.requirements.0",
		},
		{
			name: "unknown requirement node",
			src:  "name: x\nnode_templates:\n  a:\n    type: tosca.nodes.Root\n    requirements:\n      - name: dep\n        node: b\n",
			path: "node_templates.a.requirements.0.node",
		},
		{
			name: "unknown relationship type",
			src:  "name: x\nnode_templates:\n  a:\n    type: tosca.nodes.Root\n    requirements:\n      - name: dep\n        node_type: tosca.nodes.Root\n        relationship: my.Rel\n",
			path: "node_templates.a.requirements.0.relationship.type",
		},
		{
			name: "unknown policy",
			src:  "name: x\nnode_templates:\n  a:\n    type: tosca.nodes.Root\n    target_constraints:\n      - policy: nope\n",
			path: "node_templates.a.target_constraints.0.policy",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseYAML(t, loader, tt.src)
			if !models.IsValidation(err) {
				t.Fatalf("Expected a validation error, got %v", err)
			}
			if errs := ValidationErrors(err); !hasPath(errs, tt.path) {
				t.Errorf("Expected an error at %s, got %v", tt.path, errs)
			}
			if !strings.Contains(err.Error(), "template.yaml") {
				t.Errorf("Expected the file name in %q", err.Error())
			}
		})
	}
}

const constrainedYAML = `
name: constrained
node_templates:
  app:
    type: tosca.nodes.WebApplication
    requirements:
      - name: host
        node_type: tosca.nodes.Compute
        capability_type: tosca.capabilities.Container
        node_filter:
          properties:
            os: linux
          capabilities: [host]
        constraints:
          - policy: property-range
            params:
              property: mem_size
              min: 4
        relationship:
          type: tosca.relationships.HostedOn
          properties:
            mount: /srv
  small:
    type: tosca.nodes.Compute
    properties:
      os: linux
      mem_size: 2
  large:
    type: tosca.nodes.Compute
    properties:
      os: linux
      mem_size: 16
    target_constraints:
      - policy: source-type
        params:
          type: tosca.nodes.WebApplication
  windows:
    type: tosca.nodes.Compute
    properties:
      os: windows
      mem_size: 32
`

const sourceTypeRego = `package test.source_type

import rego.v1

default allow := false

allow if input.params.type in input.source.types
`

func TestConvert_Constraints(t *testing.T) {
	loader := newTestLoader(t)
	err := loader.policies.Compile(context.Background(), policy.Policy{Name: "source-type", Rego: sourceTypeRego, Enabled: true})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	st := mustParseYAML(t, loader, constrainedYAML)

	app := st.NodeTemplate("app")
	req := app.Requirements[0]
	if req.TargetNodeType.Name != "tosca.nodes.Compute" || req.TargetCapabilityType.Name != "tosca.capabilities.Container" {
		t.Errorf("Unexpected requirement targets %+v", req)
	}
	if len(req.Constraints) != 2 {
		t.Fatalf("Expected node filter and range constraints, got %d", len(req.Constraints))
	}
	if req.RelationshipTemplate.Properties["mount"] != "/srv" {
		t.Errorf("Unexpected relationship properties %v", req.RelationshipTemplate.Properties)
	}

	accepts := func(target string) bool {
		for _, c := range req.Constraints {
			if !c.Matches(app, st.NodeTemplate(target)) {
				return false
			}
		}
		return true
	}
	if accepts("small") {
		t.Error("Expected small to fail the memory constraint")
	}
	if !accepts("large") {
		t.Error("Expected large to satisfy every constraint")
	}
	if accepts("windows") {
		t.Error("Expected windows to fail the node filter")
	}

	large := st.NodeTemplate("large")
	if len(large.TargetConstraints) != 1 || !app.IsTargetValid(large) {
		t.Error("Expected large to accept a web application source")
	}
	if st.NodeTemplate("small").IsTargetValid(large) {
		t.Error("Expected large to reject a compute source")
	}
}

func TestConvert_ConstraintsNeedPolicies(t *testing.T) {
	loader, err := NewTemplateLoader(nil, zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}
	_, err = loader.Parse(context.Background(), "c.yaml", []byte(constrainedYAML), FormatYAML)
	if !hasPath(ValidationErrors(err), "node_templates.app.requirements.0.node_filter") {
		t.Errorf("Expected a node filter error without a policy engine, got %v", err)
	}

	if _, err := loader.Parse(context.Background(), "h.yaml", []byte(helloWorldYAML), FormatYAML); err != nil {
		t.Errorf("Expected templates without constraints to load without policies: %v", err)
	}
}

func TestConvert_Scaling(t *testing.T) {
	loader := newTestLoader(t)
	st := mustParseYAML(t, loader, `
name: scaled
node_templates:
  fixed:
    type: tosca.nodes.Compute
  pool:
    type: tosca.nodes.Compute
    scaling:
      min_instances: 1
      max_instances: UNBOUNDED
      default_instances: 3
  capped:
    type: tosca.nodes.Compute
    scaling:
      max_instances: 2
      default_instances: 2
`)
	if got := st.NodeTemplate("fixed").Scaling; got != models.DefaultScaling() {
		t.Errorf("Expected default scaling, got %+v", got)
	}
	want := models.Scaling{MinInstances: 1, MaxInstances: models.UnboundedOccurrences, DefaultInstances: 3}
	if got := st.NodeTemplate("pool").Scaling; got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
	if got := st.NodeTemplate("capped").Scaling; got.MaxInstances != 2 || got.DefaultInstances != 2 {
		t.Errorf("Unexpected capped scaling %+v", got)
	}
}

func TestConvert_NormativeOverride(t *testing.T) {
	loader := newTestLoader(t)
	st := mustParseYAML(t, loader, `
name: override
node_types:
  tosca.nodes.Compute:
    derived_from: tosca.nodes.Root
    properties:
      arch: arm64
node_templates:
  host:
    type: tosca.nodes.Compute
`)
	host := st.NodeTemplate("host")
	if host.Properties["arch"] != "arm64" {
		t.Errorf("Expected the overriding Compute type, got %v", host.Properties)
	}
	if host.Capability("host") != nil {
		t.Error("Expected the override to replace the normative capabilities")
	}
}

func TestParseBound(t *testing.T) {
	tests := []struct {
		in      interface{}
		want    int
		wantErr bool
	}{
		{0, 0, false},
		{float64(5), 5, false},
		{int64(2), 2, false},
		{"UNBOUNDED", models.UnboundedOccurrences, false},
		{"unbounded", models.UnboundedOccurrences, false},
		{-1, 0, true},
		{1.5, 0, true},
		{"many", 0, true},
		{nil, 0, true},
	}
	for _, tt := range tests {
		got, err := parseBound(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseBound(%v): unexpected error %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseBound(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
