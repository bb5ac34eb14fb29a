// Package telemetry provides observability for workflow executions.
//
// It bundles structured logging (zerolog), tracing (OpenTelemetry with OTLP
// gRPC or stdout exporters), Prometheus metrics on a private registry, and an
// in-process lifecycle event publisher.
//
// Initialize it once at startup:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	logger := tel.Logger.Component("cli")
//
// The engine emits one span per execution and per task attempt, counts task
// status changes by kind, and publishes workflow.*, task.* and
// node.state_changed events. Subscribers receive events inline unless
// Events.Async is set; with Events.LogLevel set, events also reach the debug
// log.
//
// Every Record method is a no-op when metrics are disabled.
package telemetry
