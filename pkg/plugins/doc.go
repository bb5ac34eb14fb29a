// Package plugins resolves operation implementations to runnable code.
//
// An implementation string has the form "plugin > function". The plugin
// names a runtime in a Registry (shell, starlark, wasm or ssh for the
// builtin set, or any Plugin registered by the embedding program) and the
// function is interpreted by that runtime, usually a script path. A bare
// implementation without a plugin picks the runtime from the file extension.
//
// Operations steer the retry policy through the errors they return:
// models.AbortTask fails the task immediately and models.RetryTask requests
// another attempt. Script runtimes map exit code 75 to a retry and 100 to an
// abort.
package plugins
