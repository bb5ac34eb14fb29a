// Package config loads the toscaflow application configuration and service
// template documents.
//
// # Application Configuration
//
// Config is read from YAML over Default and validated with
// go-playground/validator. TOSCAFLOW_DB and LOG_LEVEL override the store path
// and log level:
//
//	cfg, err := config.Load("toscaflow.yaml")
//
// # Template Documents
//
// A service template may be written as YAML, JSON, CUE or a Starlark script
// that assigns a dict to the global `template`. Every format is unified with
// one CUE schema, decoded into TemplateDocument, validated and converted into
// a models.ServiceTemplate:
//
//	loader, err := config.NewTemplateLoader(policies, logger)
//	if err != nil {
//	    return err
//	}
//	st, err := loader.LoadFile(ctx, "hello-world.yaml")
//	for _, e := range config.ValidationErrors(err) {
//	    fmt.Println(e)
//	}
//
// A minimal document:
//
//	name: hello-world
//	node_templates:
//	  host:
//	    type: tosca.nodes.Compute
//	  web_server:
//	    type: tosca.nodes.WebServer
//	    interfaces:
//	      Standard:
//	        operations:
//	          create: scripts/create.sh
//	          start: shell > scripts/start.sh
//	    requirements:
//	      - name: host
//	        node: host
//	        capability: host
//	        relationship: tosca.relationships.HostedOn
//
// The normative TOSCA node, capability and relationship types are always
// defined; a document may extend or replace them. Node types pass their
// properties, capabilities and interfaces down to derived types and
// templates. A requirement's node_filter and constraints become rego
// constraints from package policy.
//
// Node templates are converted in name order since none of the formats keep
// mapping order. Capability occurrences and max_instances accept UNBOUNDED.
package config
