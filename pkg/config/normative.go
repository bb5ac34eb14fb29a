package config

// Normative TOSCA types every template document can use without declaring.
// A document that declares a type of the same name replaces it.

func normativeCapabilityTypes() map[string]TypeDoc {
	return map[string]TypeDoc{
		"tosca.capabilities.Root":              {},
		"tosca.capabilities.Node":              {DerivedFrom: "tosca.capabilities.Root"},
		"tosca.capabilities.Container":         {DerivedFrom: "tosca.capabilities.Root"},
		"tosca.capabilities.Endpoint":          {DerivedFrom: "tosca.capabilities.Root"},
		"tosca.capabilities.Endpoint.Public":   {DerivedFrom: "tosca.capabilities.Endpoint"},
		"tosca.capabilities.Endpoint.Admin":    {DerivedFrom: "tosca.capabilities.Endpoint"},
		"tosca.capabilities.Endpoint.Database": {DerivedFrom: "tosca.capabilities.Endpoint"},
		"tosca.capabilities.Attachment":        {DerivedFrom: "tosca.capabilities.Root"},
		"tosca.capabilities.Scalable":          {DerivedFrom: "tosca.capabilities.Root"},
		"tosca.capabilities.OperatingSystem":   {DerivedFrom: "tosca.capabilities.Root"},
		"tosca.capabilities.network.Linkable":  {DerivedFrom: "tosca.capabilities.Node"},
		"tosca.capabilities.network.Bindable":  {DerivedFrom: "tosca.capabilities.Node"},
	}
}

func normativeRelationshipTypes() map[string]RelationshipTypeDoc {
	return map[string]RelationshipTypeDoc{
		"tosca.relationships.Root":            {},
		"tosca.relationships.DependsOn":       {DerivedFrom: "tosca.relationships.Root"},
		"tosca.relationships.HostedOn":        {DerivedFrom: "tosca.relationships.Root"},
		"tosca.relationships.ConnectsTo":      {DerivedFrom: "tosca.relationships.Root"},
		"tosca.relationships.AttachesTo":      {DerivedFrom: "tosca.relationships.Root"},
		"tosca.relationships.RoutesTo":        {DerivedFrom: "tosca.relationships.ConnectsTo"},
		"tosca.relationships.network.LinksTo": {DerivedFrom: "tosca.relationships.DependsOn"},
		"tosca.relationships.network.BindsTo": {DerivedFrom: "tosca.relationships.DependsOn"},
	}
}

func normativeNodeTypes() map[string]NodeTypeDoc {
	unbounded := []interface{}{0, Unbounded}
	return map[string]NodeTypeDoc{
		"tosca.nodes.Root": {
			Capabilities: map[string]CapabilityDoc{
				"feature": {Type: "tosca.capabilities.Node", Occurrences: unbounded},
			},
		},
		"tosca.nodes.Compute": {
			DerivedFrom: "tosca.nodes.Root",
			Capabilities: map[string]CapabilityDoc{
				"host":    {Type: "tosca.capabilities.Container", Occurrences: unbounded},
				"os":      {Type: "tosca.capabilities.OperatingSystem", Occurrences: unbounded},
				"binding": {Type: "tosca.capabilities.network.Bindable", Occurrences: unbounded},
			},
		},
		"tosca.nodes.SoftwareComponent": {DerivedFrom: "tosca.nodes.Root"},
		"tosca.nodes.WebServer": {
			DerivedFrom: "tosca.nodes.SoftwareComponent",
			Capabilities: map[string]CapabilityDoc{
				"data_endpoint":  {Type: "tosca.capabilities.Endpoint", Occurrences: unbounded},
				"admin_endpoint": {Type: "tosca.capabilities.Endpoint.Admin", Occurrences: unbounded},
				"host":           {Type: "tosca.capabilities.Container", Occurrences: unbounded},
			},
		},
		"tosca.nodes.WebApplication": {
			DerivedFrom: "tosca.nodes.Root",
			Capabilities: map[string]CapabilityDoc{
				"app_endpoint": {Type: "tosca.capabilities.Endpoint", Occurrences: unbounded},
			},
		},
		"tosca.nodes.DBMS": {
			DerivedFrom: "tosca.nodes.SoftwareComponent",
			Capabilities: map[string]CapabilityDoc{
				"host": {Type: "tosca.capabilities.Container", Occurrences: unbounded},
			},
		},
		"tosca.nodes.Database": {
			DerivedFrom: "tosca.nodes.Root",
			Capabilities: map[string]CapabilityDoc{
				"database_endpoint": {Type: "tosca.capabilities.Endpoint.Database", Occurrences: unbounded},
			},
		},
		"tosca.nodes.ObjectStorage": {DerivedFrom: "tosca.nodes.Root"},
		"tosca.nodes.BlockStorage": {
			DerivedFrom: "tosca.nodes.Root",
			Capabilities: map[string]CapabilityDoc{
				"attachment": {Type: "tosca.capabilities.Attachment", Occurrences: unbounded},
			},
		},
		"tosca.nodes.LoadBalancer": {
			DerivedFrom: "tosca.nodes.Root",
			Capabilities: map[string]CapabilityDoc{
				"client": {Type: "tosca.capabilities.Endpoint.Public", Occurrences: unbounded},
			},
		},
		"tosca.nodes.network.Network": {
			DerivedFrom: "tosca.nodes.Root",
			Capabilities: map[string]CapabilityDoc{
				"link": {Type: "tosca.capabilities.network.Linkable", Occurrences: unbounded},
			},
		},
		"tosca.nodes.network.Port": {DerivedFrom: "tosca.nodes.Root"},
	}
}
