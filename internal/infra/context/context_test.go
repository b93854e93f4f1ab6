package context_test

import (
	"context"
	"testing"

	context_ "github.com/mkrupp/resizecache/internal/infra/context"
)

func TestTraceID(t *testing.T) {
	t.Parallel()

	if _, ok := context_.TraceIDFromContext(context.Background()); ok {
		t.Error("expected no trace id in empty context")
	}

	ctx := context_.WithTraceID(context.Background(), "abc")
	if got, ok := context_.TraceIDFromContext(ctx); !ok || got != "abc" {
		t.Errorf("TraceIDFromContext() = %q, %v, want %q, true", got, ok, "abc")
	}
}

func TestSourceID(t *testing.T) {
	t.Parallel()

	ctx := context_.WithTraceID(context.Background(), "trace")
	if _, ok := context_.SourceIDFromContext(ctx); ok {
		t.Error("trace id must not be visible as source id")
	}

	ctx = context_.WithSourceID(ctx, "cat.png")
	if got, ok := context_.SourceIDFromContext(ctx); !ok || got != "cat.png" {
		t.Errorf("SourceIDFromContext() = %q, %v, want %q, true", got, ok, "cat.png")
	}
}

func TestEnsureTraceID(t *testing.T) {
	t.Parallel()

	calls := 0
	newID := func() string {
		calls++

		return "generated"
	}

	ctx, id := context_.EnsureTraceID(context.Background(), newID)
	if id != "generated" || calls != 1 {
		t.Fatalf("EnsureTraceID() = %q after %d calls, want %q after 1", id, calls, "generated")
	}

	if _, id = context_.EnsureTraceID(ctx, newID); id != "generated" || calls != 1 {
		t.Errorf("EnsureTraceID() regenerated an existing id: %q after %d calls", id, calls)
	}

	if _, id = context_.EnsureTraceID(context_.WithTraceID(context.Background(), ""), newID); calls != 2 {
		t.Errorf("EnsureTraceID() kept an empty id: %q after %d calls", id, calls)
	}
}
