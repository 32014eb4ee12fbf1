// Package tracing wires OTLP trace export for the supervisor's three hot
// paths: dispatch, worker runs, and scheduled tasks. Without a configured
// endpoint every helper degrades to the no-op tracer.
package tracing

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "nanoclaw"

// Setup configures the global tracer provider from the OTLP endpoint.
// Endpoints with an http:// or https:// scheme use the HTTP exporter,
// bare host:port uses gRPC. An empty endpoint leaves the no-op provider in
// place. The returned shutdown flushes pending spans; it is never nil.
func Setup(ctx context.Context, endpoint, serviceName string, insecure bool) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	if serviceName == "" {
		serviceName = tracerName
	}

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	if host, ok := stripScheme(endpoint); ok {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(host)}
		if insecure || strings.HasPrefix(endpoint, "http://") {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	} else {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// stripScheme returns the endpoint without its http(s) scheme and whether
// one was present.
func stripScheme(endpoint string) (string, bool) {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):], true
		}
	}
	return endpoint, false
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// TraceDispatch starts a span for one prompt dispatch.
func TraceDispatch(ctx context.Context, folder string, chatID int64) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "dispatch",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("workspace", folder),
		attribute.Int64("chat_id", chatID),
	)
	return ctx, span
}

// TraceWorkerRun starts a span for one container invocation.
func TraceWorkerRun(ctx context.Context, folder string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "worker.run",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("workspace", folder))
	return ctx, span
}

// TraceTask starts a span for one scheduled task run.
func TraceTask(ctx context.Context, taskID, scheduleType string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "scheduler.task",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("schedule_type", scheduleType),
	)
	return ctx, span
}

// MarkWarm records on the active span whether the run used a warm worker.
func MarkWarm(ctx context.Context, warm bool) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("warm", warm))
}

// RecordOutcome closes out a span with the run status.
func RecordOutcome(span trace.Span, status string, err error) {
	span.SetAttributes(attribute.String("status", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
