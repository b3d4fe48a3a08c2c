package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every editlearn span.
const tracerName = "github.com/MrWong99/editlearn"

// Tracer returns the editlearn tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID of the span in ctx, or "". The API
// echoes it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

type sessionKey struct{}

type sessionInfo struct {
	id      string
	docType string
}

// WithSession tags ctx with an observation session so that [Logger] adds
// session_id and document_type to every record.
func WithSession(ctx context.Context, id, docType string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionInfo{id: id, docType: docType})
}

// SessionID returns the session tagged by [WithSession], or "".
func SessionID(ctx context.Context) string {
	info, _ := ctx.Value(sessionKey{}).(sessionInfo)
	return info.id
}

// Logger returns the default logger enriched with the trace and span IDs
// and the observation session found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if info, ok := ctx.Value(sessionKey{}).(sessionInfo); ok {
		attrs = append(attrs, slog.String("session_id", info.id))
		if info.docType != "" {
			attrs = append(attrs, slog.String("document_type", info.docType))
		}
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
