package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus", ""} {
		if logger := New(level, "json"); logger == nil {
			t.Errorf("New(%q) returned nil", level)
		}
	}
	if logger := New("info", "text"); logger == nil {
		t.Error("New text format returned nil")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()

	if got := RequestID(ctx); got != "" {
		t.Errorf("RequestID(empty ctx) = %q", got)
	}

	ctx = WithRequestID(ctx, "req-123")
	if got := RequestID(ctx); got != "req-123" {
		t.Errorf("RequestID = %q, want req-123", got)
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Error("FromContext(empty) returned nil")
	}

	custom := slog.Default().With("component", "test")
	ctx := WithLogger(context.Background(), custom)
	if FromContext(ctx) != custom {
		t.Error("FromContext did not return the stored logger")
	}
}

func TestLNeverNil(t *testing.T) {
	if L(context.Background()) == nil {
		t.Error("L(empty ctx) returned nil")
	}

	ctx := WithRequestID(context.Background(), "req-1")
	if L(ctx) == nil {
		t.Error("L(ctx with request id) returned nil")
	}
}
