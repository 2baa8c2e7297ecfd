package observability

import (
	"context"
	"os"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TestParseLogLevel verifies that parseLogLevel correctly parses log level
// strings, handling case-insensitivity and whitespace.
func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in     string
		expect zapcore.Level
	}{
		{"", zap.InfoLevel},
		{"INFO", zap.InfoLevel},
		{"DEBUG", zap.DebugLevel},
		{"WARN", zap.WarnLevel},
		{"ERROR", zap.ErrorLevel},
		{"debug", zap.DebugLevel},
		{"  warn  ", zap.WarnLevel},
		{"invalid", zap.InfoLevel},
	}
	for _, tt := range tests {
		level := parseLogLevel(tt.in)
		if got := level.Level(); got != tt.expect {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.expect)
		}
	}
}

// TestNewLogger verifies that NewLogger honours the configured level and that
// LOG_LEVEL overrides it.
func TestNewLogger(t *testing.T) {
	saved, had := os.LookupEnv("LOG_LEVEL")
	os.Unsetenv("LOG_LEVEL")
	defer func() {
		if had {
			os.Setenv("LOG_LEVEL", saved)
		}
	}()

	logger, err := NewLogger("warn")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if logger.Core().Enabled(zap.InfoLevel) {
		t.Error("NewLogger(warn) enabled info level")
	}

	os.Setenv("LOG_LEVEL", "debug")
	logger, err = NewLogger("warn")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if !logger.Core().Enabled(zap.DebugLevel) {
		t.Error("LOG_LEVEL=debug did not override configured level")
	}
	_ = logger.Sync() // best-effort; can fail on /dev/stderr in test env
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	l := zap.NewExample()
	if OrNop(l) != l {
		t.Error("OrNop(l) did not return l")
	}
}

func TestCorrelationID(t *testing.T) {
	ctx := context.Background()
	if got := CorrelationID(ctx); got != "" {
		t.Errorf("CorrelationID(empty ctx) = %q, want empty", got)
	}
	ctx = WithCorrelationID(ctx, "abc-123")
	if got := CorrelationID(ctx); got != "abc-123" {
		t.Errorf("CorrelationID() = %q, want abc-123", got)
	}
}

func TestLoggerFrom(t *testing.T) {
	if LoggerFrom(context.Background()) == nil {
		t.Fatal("LoggerFrom(empty ctx) = nil, want no-op logger")
	}
	l := zap.NewExample()
	if got := LoggerFrom(WithLogger(context.Background(), l)); got != l {
		t.Error("LoggerFrom() did not return the stored logger")
	}
}
