package logging

import (
	"context"
	"log/slog"

	context_ "github.com/mkrupp/resizecache/internal/infra/context"
)

// TracingHandler wraps another slog.Handler to add the trace ID and the id of the
// source image being processed from the context to all log records.
type TracingHandler struct {
	h slog.Handler
}

var _ slog.Handler = (*TracingHandler)(nil)

// NewTracingHandler creates a new TracingHandler wrapping the given handler.
func NewTracingHandler(h slog.Handler) *TracingHandler {
	return &TracingHandler{h: h}
}

// Handle implements slog.Handler.
func (h *TracingHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(contextAttrs(ctx)...)

	//nolint:wrapcheck
	return h.h.Handle(ctx, r)
}

// contextAttrs collects the request-scoped ids carried by ctx.
func contextAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr

	if traceID, ok := context_.TraceIDFromContext(ctx); ok {
		attrs = append(attrs, slog.Group("trace", slog.String("id", traceID)))
	}

	if sourceID, ok := context_.SourceIDFromContext(ctx); ok {
		attrs = append(attrs, slog.Group("source", slog.String("id", sourceID)))
	}

	return attrs
}

// WithAttrs implements slog.Handler.WithAttrs.
func (h *TracingHandler) WithAttrs(attrs []slog.Attr) Handler {
	return NewTracingHandler(h.h.WithAttrs(attrs))
}

// WithGroup implements slog.Handler.WithGroup.
func (h *TracingHandler) WithGroup(name string) Handler {
	return NewTracingHandler(h.h.WithGroup(name))
}

// Enabled implements slog.Handler.Enabled.
func (h *TracingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.h.Enabled(ctx, level)
}
