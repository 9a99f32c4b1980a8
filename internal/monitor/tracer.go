package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "exam-proctor"

// Tracer wraps OpenTelemetry tracing for session lifecycle operations.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context. A nil Tracer
// returns ctx with a no-op span.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("proctor.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for proctoring spans.
var (
	AttrSessionID = attribute.Key("proctor.session.id")
	AttrStudentID = attribute.Key("proctor.student.id")
	AttrExamID    = attribute.Key("proctor.exam.id")
	AttrUnitID    = attribute.Key("proctor.unit.id")
	AttrStatus    = attribute.Key("proctor.session.status")
	AttrMediaKind = attribute.Key("proctor.media.kind")
	AttrReason    = attribute.Key("proctor.termination.reason")
)
