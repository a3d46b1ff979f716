package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/arclight-ai/arclight"

// Tracer wraps the OpenTelemetry tracer used for turn and driver spans.
// Span export is controlled by the process-global tracer provider; without
// one configured, spans are no-ops.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns the engine tracer.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(tracerName)}
}

// StartTurn opens a span covering one turn of a conversation.
func (t *Tracer) StartTurn(ctx context.Context, conversationID, backend string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "engine.turn",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("backend", backend),
		),
	)
}

// StartModelCall opens a span covering one model request.
func (t *Tracer) StartModelCall(ctx context.Context, backend, model string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "backend.execute",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("model", model),
		),
	)
}

// StartToolCall opens a span covering one tool execution.
func (t *Tracer) StartToolCall(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "tool.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("tool.name", toolName)),
	)
}

// EndSpan finishes a span, recording err when non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
