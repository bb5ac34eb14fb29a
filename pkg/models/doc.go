// Package models defines the persisted records of the orchestrator and their
// state machines.
//
// # Tasks
//
// A Task is one compiled unit of work. Its status follows
//
//	pending  -> sent | started | success
//	retrying -> sent | started
//	sent     -> started | success | retrying | failed
//	started  -> success | retrying | failed
//
// success and failed are final. Any other transition is rejected with an
// error matching ErrIllegalTransition. MaxAttempts is either InfiniteRetries
// or at least 1.
//
// # Executions
//
// An Execution is one workflow run:
//
//	pending          -> started | cancelled
//	started          -> terminated | failed | cancelled | cancelling
//	cancelling       -> terminated | failed | cancelled | force_cancelling
//	force_cancelling -> terminated | failed | cancelled
//
// # Topology
//
// ServiceTemplate, NodeTemplate and friends are the parsed input of
// instantiation. Service, Node, Relationship and Capability are the runtime
// graph it produces. Storage is reached through the ModelStorage interface.
package models
