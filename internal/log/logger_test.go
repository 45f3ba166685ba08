// internal/log/logger_test.go
package log

import (
	"bytes"
	"log/slog"
	"testing"
)

// captureLogs points the package logger at a buffer for the duration of t.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	mu.Lock()
	prev := defaultLogger
	defaultLogger = slog.New(newFormatHandler(&buf, "text", slog.LevelDebug))
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		defaultLogger = prev
		mu.Unlock()
	})
	return &buf
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Mode != "console" {
		t.Errorf("expected mode 'console', got %q", cfg.Mode)
	}
	if cfg.Level != "info" {
		t.Errorf("expected level 'info', got %q", cfg.Level)
	}
	if cfg.Format != "text" {
		t.Errorf("expected format 'text', got %q", cfg.Format)
	}
	if cfg.BufferLines != 500 {
		t.Errorf("expected BufferLines 500, got %d", cfg.BufferLines)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestInit_KeepsTail(t *testing.T) {
	if err := Init(&Config{Mode: "console", Level: "error", BufferLines: 100}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	Debug("tail captures debug", "k", "v")

	lines := Recent(10)
	if len(lines) != 1 {
		t.Fatalf("expected 1 buffered line, got %d", len(lines))
	}
	held, capacity, ok := TailStats()
	if !ok || held != 1 || capacity != 100 {
		t.Errorf("unexpected tail stats: %d %d %v", held, capacity, ok)
	}
}

func TestInit_TailDisabled(t *testing.T) {
	if err := Init(&Config{Mode: "console", Level: "info"}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	if lines := Recent(10); lines != nil {
		t.Error("expected nil when tail disabled")
	}
	if _, _, ok := TailStats(); ok {
		t.Error("expected ok=false when tail disabled")
	}
}
