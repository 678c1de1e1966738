package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for oracle spans.
var (
	AttrTeamID   = attribute.Key("oracle.team.id")
	AttrUserID   = attribute.Key("oracle.user.id")
	AttrRole     = attribute.Key("oracle.role")
	AttrStage    = attribute.Key("oracle.stage")
	AttrModel    = attribute.Key("oracle.llm.model")
	AttrAttempt  = attribute.Key("oracle.llm.attempt")
	AttrSlice    = attribute.Key("oracle.context.slice")
	AttrStep     = attribute.Key("oracle.persist.step")
	AttrErrClass = attribute.Key("oracle.error.class")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (completion API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() trace.Tracer {
	return nooptrace.NewTracerProvider().Tracer(TracerName)
}

func noopMeter() metric.Meter {
	return noop.NewMeterProvider().Meter(MeterName)
}
