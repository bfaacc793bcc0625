package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by taskflow spans and metrics.
var (
	AttrRunID    = attribute.Key("taskflow.run.id")
	AttrTaskID   = attribute.Key("taskflow.task.id")
	AttrLabel    = attribute.Key("taskflow.executor.label")
	AttrAttempt  = attribute.Key("taskflow.task.attempt")
	AttrResource = attribute.Key("taskflow.lock.resource")
)

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call such as a shell command.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
