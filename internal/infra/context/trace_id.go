package context

import (
	"context"
)

const contextKeyTraceID = contextKey("traceID")

// TraceIDFromContext extracts the trace ID from the context.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	traceID, ok := ctx.Value(contextKeyTraceID).(string)

	return traceID, ok
}

// WithTraceID creates a new context with the given trace ID value.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, contextKeyTraceID, traceID)
}

// EnsureTraceID returns ctx unchanged if it already carries a non-empty trace ID,
// otherwise a child context carrying the ID produced by newID.
func EnsureTraceID(ctx context.Context, newID func() string) (context.Context, string) {
	if traceID, ok := TraceIDFromContext(ctx); ok && traceID != "" {
		return ctx, traceID
	}

	traceID := newID()

	return WithTraceID(ctx, traceID), traceID
}
