package logger

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"
)

// New builds the service logger. Production environments get JSON output for
// log aggregation, everything else gets a human-readable text handler.
// Records are enriched with trace_id/span_id when an OTel span is active.
func New(env string) *slog.Logger {
	var handler slog.Handler
	if env == "prod" || env == "dev" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:     slog.LevelInfo,
			AddSource: true,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}
	return slog.New(&traceHandler{handler: handler})
}

// NewWithService returns a logger carrying the service identity attributes.
func NewWithService(env, serviceName, version string) *slog.Logger {
	return New(env).With(
		slog.String("service", serviceName),
		slog.String("version", version),
		slog.String("environment", env),
	)
}

// traceHandler adds trace_id and span_id from the OTel span context.
type traceHandler struct {
	handler slog.Handler
}

func (h *traceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}
	return h.handler.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{handler: h.handler.WithGroup(name)}
}
