package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracer starts the spans of executions, tasks and plugin calls. A disabled
// tracer hands out spans that never record.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds the tracer provider for cfg and installs it globally when
// spans are exported.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	exporter, err := newSpanExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	if exporter == nil {
		provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
		return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
	}

	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(serviceVersion),
		semconv.DeploymentEnvironmentKey.String(environment),
	)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
		sdktrace.WithBatcher(exporter, sdktrace.WithExportTimeout(cfg.ExportTimeout)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
}

// newSpanExporter returns nil when tracing is off.
func newSpanExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Exporter {
	case "none":
		return nil, nil
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent("toscaflow")),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	}
	return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
}

// StartSpan starts a span with the given attributes.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartExecutionSpan starts a span covering a whole workflow execution.
func (t *Tracer) StartExecutionSpan(ctx context.Context, executionID, workflow string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "execution.run",
		AttrExecutionID.String(executionID),
		AttrWorkflow.String(workflow),
	)
}

// StartTaskSpan starts a span for one task attempt.
func (t *Tracer) StartTaskSpan(ctx context.Context, taskID, taskName string, attempt int) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "task.execute",
		AttrTaskID.String(taskID),
		AttrTaskName.String(taskName),
		AttrTaskAttempt.Int(attempt),
	)
}

// StartPluginSpan starts a span for a plugin operation call.
func (t *Tracer) StartPluginSpan(ctx context.Context, plugin, function string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "plugin."+function,
		AttrPluginName.String(plugin),
		AttrPluginFunction.String(function),
	)
}

// EndSpan sets the span status from err and ends it. class, when set, is
// recorded as the error class.
func EndSpan(span trace.Span, err error, class string) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if class != "" {
			span.SetAttributes(AttrErrorClass.String(class))
		}
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// TraceID is the id of the trace ctx's span belongs to, or "" without one.
func TraceID(ctx context.Context) string {
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Attribute keys used on execution spans.
var (
	AttrExecutionID     = attribute.Key("execution.id")
	AttrExecutionStatus = attribute.Key("execution.status")
	AttrWorkflow        = attribute.Key("workflow.name")

	AttrTaskID      = attribute.Key("task.id")
	AttrTaskName    = attribute.Key("task.name")
	AttrTaskAttempt = attribute.Key("task.attempt")
	AttrNodeID      = attribute.Key("node.id")

	AttrPluginName     = attribute.Key("plugin.name")
	AttrPluginFunction = attribute.Key("plugin.function")

	AttrErrorClass = attribute.Key("error.class")
)
