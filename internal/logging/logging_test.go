package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNew_DefaultLevel(t *testing.T) {
	logger := New("", "text")
	if logger == nil {
		t.Fatal("Expected non-nil logger")
	}
}

func TestNew_DebugLevel(t *testing.T) {
	logger := New("debug", "text")
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug level to be enabled")
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "json")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if RequestID(ctx) != "" {
		t.Error("Expected empty request ID on fresh context")
	}

	ctx = WithRequestID(ctx, "req_123")
	if got := RequestID(ctx); got != "req_123" {
		t.Errorf("Expected req_123, got %s", got)
	}
}

func TestL_IncludesRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req_abc")
	logger := L(ctx)
	if logger == nil {
		t.Fatal("Expected non-nil logger")
	}
}

func TestFromContext_Fallback(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("Expected default logger fallback")
	}

	custom := New("info", "text")
	ctx := WithLogger(context.Background(), custom)
	if FromContext(ctx) != custom {
		t.Error("Expected custom logger from context")
	}
}
