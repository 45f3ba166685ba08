// Package log is the process-wide structured logger for tableside. It writes
// to the console or a rotated file and keeps the most recent lines in memory
// for the status server's /debug/logs endpoint.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config holds logging configuration.
type Config struct {
	Mode   string `koanf:"mode"`   // "console" or "file"
	Level  string `koanf:"level"`  // "debug", "info", "warn", "error"
	Format string `koanf:"format"` // "text" or "json"

	FilePath   string `koanf:"file_path"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`

	// In-memory tail size; 0 disables it
	BufferLines int `koanf:"buffer_lines"`
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Mode:        "console",
		Level:       "info",
		Format:      "text",
		FilePath:    "tableside.log",
		MaxSizeMB:   50,
		MaxBackups:  3,
		BufferLines: 500,
	}
}

// ParseLevel converts a string level to slog.Level. Unknown levels are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
	tail          *RingBuffer
	closer        io.Closer
)

// Init replaces the global logger. A previously opened log file is closed.
func Init(cfg *Config) error {
	level := ParseLevel(cfg.Level)

	var (
		handler slog.Handler
		c       io.Closer
	)
	switch cfg.Mode {
	case "file":
		fh, err := NewFileHandler(cfg, level)
		if err != nil {
			return err
		}
		handler, c = fh, fh
	default:
		handler = newFormatHandler(os.Stderr, cfg.Format, level)
	}

	var rb *RingBuffer
	if cfg.BufferLines > 0 {
		rb = NewRingBuffer(cfg.BufferLines)
		handler = NewBufferHandler(handler, rb)
	}

	mu.Lock()
	prev := closer
	defaultLogger = slog.New(handler)
	tail = rb
	closer = c
	mu.Unlock()

	slog.SetDefault(defaultLogger)
	if prev != nil {
		prev.Close()
	}
	return nil
}

// Close releases the log file, if any.
func Close() error {
	mu.Lock()
	c := closer
	closer = nil
	mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

// newFormatHandler builds a text or json handler over w
func newFormatHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Logger returns the current default logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if defaultLogger == nil {
		return slog.Default()
	}
	return defaultLogger
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

// Log logs at the given level.
func Log(ctx context.Context, level slog.Level, msg string, args ...any) {
	Logger().Log(ctx, level, msg, args...)
}

// Recent returns up to n of the most recent log lines, oldest first.
// It returns nil when the in-memory tail is disabled.
func Recent(n int) []string {
	mu.RLock()
	defer mu.RUnlock()
	if tail == nil {
		return nil
	}
	return tail.Last(n)
}

// TailStats returns how many lines are held and the tail capacity.
// ok is false when the tail is disabled.
func TailStats() (held, capacity int, ok bool) {
	mu.RLock()
	defer mu.RUnlock()
	if tail == nil {
		return 0, 0, false
	}
	return tail.Len(), tail.Capacity(), true
}
