// Package executor runs task attempts for the engine.
//
// Every executor reports through a Listener: TaskSent when a pooled
// executor accepts a task, TaskStarted when the operation begins, then
// exactly one of TaskSucceeded or TaskFailed. Operation log lines arrive via
// TaskLogged. Four variants are provided:
//
//   - StubExecutor completes marker tasks synchronously without running code.
//   - ThreadExecutor runs plugin functions in-process on a bounded goroutine pool.
//   - ProcessExecutor runs them in worker processes (see package worker) and
//     rebuilds failures from the protocol's error envelope.
//   - DryExecutor prints a one-line summary of each operation instead of running it.
//
// Tasks bound to no implementation are completed without running anything,
// by every variant.
package executor
