// Package topology builds runtime services from parsed service templates.
//
// Instantiation runs in three passes. Instantiate creates each node template's
// default number of nodes, resolving plugin specifications and binding
// operation implementations to plugins. SatisfyRequirements then links every
// node requirement to a target node, matching node types, capability types,
// valid source types and constraint predicates, and consuming capability
// occurrences with Capability.Relate. ValidateCapabilities finally reports
// capabilities left below their minimum occurrence count.
//
// Problems that leave a usable service behind are collected as Issues rather
// than returned as errors, so a single run reports everything wrong with a
// template. Undeclared or missing inputs and operations naming an unknown
// plugin are hard errors.
//
//	topo := topology.New(topology.Options{Plugins: registry, Logger: logger})
//	service, err := topo.Build(template, "my-service", inputs)
//	if err != nil {
//		return err
//	}
//	for _, issue := range topo.Issues() {
//		fmt.Println(issue)
//	}
package topology
