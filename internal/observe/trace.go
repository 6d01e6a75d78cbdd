package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of session and HTTP spans.
const tracerName = "github.com/MrWong99/tuner"

// Tracer resolves the global provider on every call, so spans follow
// whatever [InitProvider] (or a test) installed last.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan opens a span such as "session.start" or "HTTP GET /reading".
// Close it with [EndSpan] to record the outcome, or span.End when there is
// none.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// EndSpan marks span as failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID is the hex trace ID carried by ctx, or "" outside a trace.
// The HTTP middleware echoes it as X-Correlation-ID so a client can find the
// log lines of its request.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger is the default logger with args attached, plus trace_id and span_id
// when ctx is inside a span. Session lifecycle logs go through it so they
// line up with the session.start and session.stop spans.
func Logger(ctx context.Context, args ...any) *slog.Logger {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		args = append(args[:len(args):len(args)],
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(args) == 0 {
		return slog.Default()
	}
	return slog.Default().With(args...)
}
