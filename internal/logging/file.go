package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileLogger appends leveled lines to a log file, rotating it by size.
// Rotation shifts file → file.1 → … → file.N, dropping the oldest.
type FileLogger struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	backups  int
	minLevel int
	file     *os.File
	size     int64
}

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

// FileOptions configures a FileLogger.
type FileOptions struct {
	MaxBytes int64  // rotation threshold, default 5 MiB
	Backups  int    // rotated files to keep, default 3
	Level    string // minimum level, default "info"
}

// NewFileLogger opens (creating if needed) a size-rotated log file.
func NewFileLogger(path string, opts FileOptions) (*FileLogger, error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 5 * 1024 * 1024
	}
	if opts.Backups <= 0 {
		opts.Backups = 3
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat log file: %w", err)
	}
	return &FileLogger{
		path:     path,
		maxBytes: opts.MaxBytes,
		backups:  opts.Backups,
		minLevel: parseLevel(opts.Level),
		file:     f,
		size:     info.Size(),
	}, nil
}

func parseLevel(s string) int {
	switch s {
	case "debug":
		return levelDebug
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func (l *FileLogger) Debug(format string, args ...any) { l.emit(levelDebug, "DEBUG", format, args) }
func (l *FileLogger) Info(format string, args ...any)  { l.emit(levelInfo, "INFO", format, args) }
func (l *FileLogger) Warn(format string, args ...any)  { l.emit(levelWarn, "WARN", format, args) }
func (l *FileLogger) Error(format string, args ...any) { l.emit(levelError, "ERROR", format, args) }

func (l *FileLogger) emit(level int, tag, format string, args []any) {
	if level < l.minLevel {
		return
	}
	line := fmt.Sprintf("%s [%s] %s\n",
		time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"), tag,
		fmt.Sprintf(format, args...))

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	if l.size+int64(len(line)) > l.maxBytes {
		l.rotateLocked()
	}
	n, err := l.file.WriteString(line)
	if err == nil {
		l.size += int64(n)
	}
}

// rotateLocked shifts the backup chain and reopens a fresh live file.
// The caller holds l.mu.
func (l *FileLogger) rotateLocked() {
	l.file.Close()
	for i := l.backups - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", l.path, i)
		dst := fmt.Sprintf("%s.%d", l.path, i+1)
		if _, err := os.Stat(src); err == nil {
			_ = os.Rename(src, dst)
		}
	}
	_ = os.Rename(l.path, l.path+".1")

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.file = nil
		l.size = 0
		return
	}
	l.file = f
	l.size = 0
}

// Close flushes and closes the underlying file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Path returns the live log file path.
func (l *FileLogger) Path() string { return l.path }
