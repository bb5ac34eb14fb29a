// Package engine compiles workflow task graphs and runs them.
//
// # Compilation
//
// Compile flattens a workflow.TaskGraph into persisted models.Task records.
// The root graph and every nested workflow become a scope bounded by a start
// and an end marker task:
//
//	install.start -> install_node(web).start -> create -> configure -> start -> install_node(web).end -> install.end
//
// Tasks depending on a nested workflow depend on its end marker, and the
// first tasks inside it depend on its start marker, so nothing outside a
// scope ever depends on a task inside it. A graph with N operation and stub
// tasks and K nested workflows compiles to N + 2 + 2K tasks.
//
// # Execution
//
// Engine drives one execution at a time. Each pass of its loop reloads the
// execution and its tasks, settles the execution when it can, and otherwise
// dispatches every waiting task that is due and whose dependencies are
// satisfied. Markers and stubs go to an executor.StubExecutor; operations go
// to the configured executor.
//
// The EventsHandler receives executor signals and writes task status with
// compare-and-set semantics, applying the retry policy on failure:
//
//   - models.AbortTask fails the task immediately.
//   - models.RetryTask re-arms the task whatever its remaining attempts.
//   - Any other error re-arms the task while attempts remain.
//
// A failed task with IgnoreFailure set satisfies its dependents. Any other
// failed task stops dispatching; in-flight tasks finish and the execution
// ends FAILED with ErrWorkflowFailed.
//
// # Cancellation
//
// Cancel moves a running execution to CANCELLING, where dispatching stops
// and the loop waits for in-flight tasks before ending CANCELLED. A forced
// cancel terminates in-flight tasks through the executor and ends the
// execution CANCELLED right away.
//
// Cancelling the context passed to Execute stops the loop but leaves the
// execution STARTED; Resume requeues its unfinished tasks and continues.
package engine
