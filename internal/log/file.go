package log

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// minRotateBytes keeps tiny MaxSizeMB values usable in tests.
const minRotateBytes = 1024

// rotatingFile is an io.Writer that renames the file to path.1 (shifting
// older backups up to path.N) once it grows past maxSize.
type rotatingFile struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	size       int64
	maxSize    int64
	maxBackups int
}

func openRotatingFile(path string, maxSizeMB, maxBackups int) (*rotatingFile, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	maxSize := int64(maxSizeMB) * 1024 * 1024
	if maxSize < minRotateBytes {
		maxSize = minRotateBytes
	}
	rf := &rotatingFile{path: path, maxSize: maxSize, maxBackups: maxBackups}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *rotatingFile) open() error {
	f, err := os.OpenFile(rf.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rf.file = f
	rf.size = info.Size()
	return nil
}

func (rf *rotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return 0, os.ErrClosed
	}
	if rf.size > 0 && rf.size+int64(len(p)) > rf.maxSize {
		if err := rf.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

// rotate must be called with mu held
func (rf *rotatingFile) rotate() error {
	rf.file.Close()

	if rf.maxBackups <= 0 {
		os.Remove(rf.path)
	} else {
		os.Remove(fmt.Sprintf("%s.%d", rf.path, rf.maxBackups))
		for i := rf.maxBackups - 1; i >= 1; i-- {
			os.Rename(fmt.Sprintf("%s.%d", rf.path, i), fmt.Sprintf("%s.%d", rf.path, i+1))
		}
		if err := os.Rename(rf.path, rf.path+".1"); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("rename log file: %w", err)
		}
	}
	return rf.open()
}

func (rf *rotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file == nil {
		return nil
	}
	err := rf.file.Close()
	rf.file = nil
	return err
}

// FileHandler writes records to a size-rotated log file.
type FileHandler struct {
	slog.Handler
	out *rotatingFile
}

// NewFileHandler opens cfg.FilePath for appending.
func NewFileHandler(cfg *Config, level slog.Level) (*FileHandler, error) {
	out, err := openRotatingFile(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxBackups)
	if err != nil {
		return nil, err
	}
	return &FileHandler{
		Handler: newFormatHandler(out, cfg.Format, level),
		out:     out,
	}, nil
}

// WithAttrs implements slog.Handler.
func (h *FileHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &FileHandler{Handler: h.Handler.WithAttrs(attrs), out: h.out}
}

// WithGroup implements slog.Handler.
func (h *FileHandler) WithGroup(name string) slog.Handler {
	return &FileHandler{Handler: h.Handler.WithGroup(name), out: h.out}
}

// Close closes the underlying file.
func (h *FileHandler) Close() error {
	return h.out.Close()
}
