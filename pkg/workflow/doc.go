// Package workflow is the authoring side of the orchestrator.
//
// Workflow functions declare what should run by filling a TaskGraph with API
// tasks:
//
//   - OperationTask runs one interface operation on a node or relationship.
//   - WorkflowTask nests a whole graph that is compiled into its own scope.
//   - StubTask does nothing and only shapes dependencies.
//
// Edges point from a dependent to its dependency and may never close a cycle.
// The graph is handed to the engine compiler and discarded afterwards; it
// never runs itself.
//
// The builtin workflows (install, uninstall, start, stop and
// execute_operation) follow the normative Standard and Configure interfaces:
//
//	install_node:   create, pre_configure_source/target, configure,
//	                post_configure_source/target, start, add_source/target,
//	                target_changed
//	uninstall_node: remove_target, target_changed, stop, delete
//
// Per-node sub-workflows are ordered along relationships, targets first for
// install and start, sources first for uninstall and stop.
package workflow
