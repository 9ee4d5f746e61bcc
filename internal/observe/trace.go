package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Spans are named "<component>.<operation>": negotiate.run,
// negotiate.apply_bitrate, adaptive.tick, HTTP GET /api/v1/status.
const scopeName = "github.com/MrWong99/a2dpd"

// Span attribute keys shared by the negotiator and the monitor.
const (
	AttrCodec   = attribute.Key("a2dp.codec")
	AttrBitrate = attribute.Key("a2dp.bitrate")
	AttrScore   = attribute.Key("a2dp.quality_score")
)

// StartSpan starts a span on the global tracer provider. End it with
// span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(scopeName).Start(ctx, name, opts...)
}

// LinkAttrs describes a codec configuration on a span.
func LinkAttrs(codec string, bitrate int) []attribute.KeyValue {
	return []attribute.KeyValue{AttrCodec.String(codec), AttrBitrate.Int(bitrate)}
}

// CorrelationID is the trace ID of the span in ctx, or "". HTTP responses
// carry it in X-Correlation-ID and log lines carry it as trace_id, so a
// client report can be matched to the negotiation it triggered.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns slog.Default with trace_id and span_id attached when ctx
// carries a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}

// RecordError marks span as failed with err. A nil err is a no-op.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
