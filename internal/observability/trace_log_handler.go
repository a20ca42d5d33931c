package observability

import (
	"context"
	"log/slog"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/tracepoint-dev/tracepoint/internal/correlation"
)

// logHandler wraps an slog.Handler and enriches log records with the
// request identifier and, when an active OpenTelemetry span is present,
// trace_id and span_id. Operators can then join log lines to distributed
// traces and to client-reported request ids.
type logHandler struct {
	inner slog.Handler
}

// NewLogHandler returns an slog.Handler that injects request and span
// identifiers from the context into each log record. If inner is nil,
// slog.Default().Handler() is used.
func NewLogHandler(inner slog.Handler) slog.Handler {
	if inner == nil {
		inner = slog.Default().Handler()
	}
	return &logHandler{inner: inner}
}

func (h *logHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *logHandler) Handle(ctx context.Context, record slog.Record) error {
	if requestID, ok := correlation.FromContext(ctx); ok {
		record.AddAttrs(slog.String("request_id", requestID))
	}
	span := oteltrace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() && span.IsRecording() {
		sc := span.SpanContext()
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.inner.Handle(ctx, record)
}

func (h *logHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *logHandler) WithGroup(name string) slog.Handler {
	return &logHandler{inner: h.inner.WithGroup(name)}
}
