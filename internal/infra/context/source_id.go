package context

import (
	"context"
)

const contextKeySourceID = contextKey("sourceID")

// SourceIDFromContext extracts the id of the source image being processed.
// Returns the id and true if present, or empty string and false if not present.
func SourceIDFromContext(ctx context.Context) (string, bool) {
	sourceID, ok := ctx.Value(contextKeySourceID).(string)

	return sourceID, ok
}

// WithSourceID creates a new context carrying the id of the source image being processed,
// so log records emitted anywhere below the orchestrator can be correlated with it.
func WithSourceID(ctx context.Context, sourceID string) context.Context {
	return context.WithValue(ctx, contextKeySourceID, sourceID)
}
