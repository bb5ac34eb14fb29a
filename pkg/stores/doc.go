// Package stores provides models.ModelStorage implementations.
//
// SQLiteStore persists services, nodes, relationships, executions, tasks and
// logs in SQLite with WAL mode, foreign key cascades and embedded schema
// migrations. MemoryStore keeps the same records in process memory; it backs
// tests and dry runs.
//
// Both stores guard task updates with a compare-and-swap on the task status,
// so concurrent status reports for the same task cannot overwrite each other.
package stores
