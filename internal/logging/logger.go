package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// ParseLevel maps a config string to a Level. Unknown strings map to INFO.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

func levelString(l Level) string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger defines a minimal, printf-style logging contract. Components depend
// on this interface rather than the concrete sink.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Sink owns the log file and fans component loggers out of it. It is created
// once by the composition root and passed down explicitly.
type Sink struct {
	mu     sync.Mutex
	file   *os.File
	logger *log.Logger
	level  Level
	stdout bool
}

// NewSink opens (or creates) the log file at path. An empty path disables the
// file and logs to stdout only.
func NewSink(path string, level Level) (*Sink, error) {
	s := &Sink{level: level, stdout: true}
	if path == "" {
		return s, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	s.file = file
	s.logger = log.New(file, "", 0) // we format ourselves
	return s, nil
}

// SetLevel sets the minimum level for all component loggers of this sink.
func (s *Sink) SetLevel(level Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = level
}

// Close closes the underlying log file.
func (s *Sink) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// Component returns a logger scoped to the given component name.
func (s *Sink) Component(name string) Logger {
	return &componentLogger{sink: s, component: name}
}

type componentLogger struct {
	sink      *Sink
	component string
}

func (l *componentLogger) log(level Level, format string, args ...any) {
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < s.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// Format: 2025-09-30 12:34:56 [INFO] [coordinator] file.go:123 - Message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		timestamp, levelString(level), l.component, file, line, message)

	if s.logger != nil {
		s.logger.Print(logLine)
	}
	if s.stdout {
		fmt.Print(logLine)
	}
}

func (l *componentLogger) Debug(format string, args ...any) { l.log(DEBUG, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.log(INFO, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.log(WARN, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.log(ERROR, format, args...) }

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}
