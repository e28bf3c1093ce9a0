package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for statehub spans.
var (
	AttrStateKey     = attribute.Key("statehub.state.key")
	AttrSource       = attribute.Key("statehub.update.source")
	AttrUpdateID     = attribute.Key("statehub.update.id")
	AttrAttempt      = attribute.Key("statehub.save.attempt")
	AttrBackend      = attribute.Key("statehub.backend.kind")
	AttrBackupTaken  = attribute.Key("statehub.backup.taken")
	AttrRecovered    = attribute.Key("statehub.load.recovered")
	AttrLegacyDomain = attribute.Key("statehub.legacy.domain")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
