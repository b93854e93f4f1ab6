package http

import (
	"net/http"

	"github.com/gofrs/uuid/v5"

	context_ "github.com/mkrupp/resizecache/internal/infra/context"
)

const TraceIDHeader = "X-Request-ID"

// TracingMiddleware creates middleware that adds request tracing.
// It uses the X-Request-ID header if present, otherwise generates a new UUIDv7.
// The trace ID is added to the request context and echoed in the response header.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context_.WithTraceID(r.Context(), r.Header.Get(TraceIDHeader))
		ctx, traceID := context_.EnsureTraceID(ctx, newTraceID)

		w.Header().Set(TraceIDHeader, traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newTraceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return ""
	}

	return id.String()
}
