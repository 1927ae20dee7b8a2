package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	agenttrace "github.com/gander-ai/gander/agent/trace"
)

const tracerName = "github.com/gander-ai/gander/agent"

// attrLimit caps serialized trace payloads in span attributes.
const attrLimit = 2048

// SpanEmitter exports reasoning traces as OpenTelemetry spans on the
// global tracer provider. Traces carrying a duration become spans of
// that length ending at the trace timestamp; the rest are
// instantaneous. With telemetry disabled the global provider is noop
// and emitting costs nothing.
type SpanEmitter struct {
	tracer oteltrace.Tracer
}

// NewSpanEmitter creates an emitter on the global tracer provider.
// Call after Init so the SDK provider is registered.
func NewSpanEmitter() *SpanEmitter {
	return &SpanEmitter{tracer: otel.Tracer(tracerName)}
}

var _ agenttrace.Emitter = (*SpanEmitter)(nil)

// Emit records the trace as a span.
func (e *SpanEmitter) Emit(ctx context.Context, rt agenttrace.ReasoningTrace) error {
	end := rt.Timestamp
	start := end.Add(-rt.Duration)

	attrs := []attribute.KeyValue{
		attribute.String("gander.trace.id", rt.ID),
		attribute.String("gander.session.id", rt.SessionID),
	}
	if rt.ParentID != "" {
		attrs = append(attrs, attribute.String("gander.trace.parent_id", rt.ParentID))
	}
	if rt.Confidence > 0 {
		attrs = append(attrs, attribute.Float64("gander.trace.confidence", rt.Confidence))
	}
	if s := encodePayload(rt.Inputs); s != "" {
		attrs = append(attrs, attribute.String("gander.trace.inputs", s))
	}
	if s := encodePayload(rt.Selected); s != "" {
		attrs = append(attrs, attribute.String("gander.trace.selected", s))
	}
	if s := encodePayload(rt.Outcome); s != "" {
		attrs = append(attrs, attribute.String("gander.trace.outcome", s))
	}

	_, span := e.tracer.Start(ctx, "agent."+string(rt.Decision),
		oteltrace.WithTimestamp(start),
		oteltrace.WithAttributes(attrs...),
	)
	span.End(oteltrace.WithTimestamp(end))
	return nil
}

func encodePayload(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return truncate(fmt.Sprintf("%v", v))
	}
	return truncate(string(data))
}

func truncate(s string) string {
	if len(s) <= attrLimit {
		return s
	}
	return s[:attrLimit]
}
