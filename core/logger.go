package core

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
)

// Logger interface for structured logging
// Implementations can provide custom logging behavior (see observability/logrus).
type Logger interface {
	// Debug logs a debug message with optional fields
	Debug(msg string, fields ...Field)

	// Info logs an info message with optional fields
	Info(msg string, fields ...Field)

	// Warn logs a warning message with optional fields
	Warn(msg string, fields ...Field)

	// Error logs an error message with optional fields
	Error(msg string, fields ...Field)
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value any
}

// F creates a new Field with the given key and value
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Level orders log entries for DefaultLogger.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	}
	return "level(" + strconv.Itoa(int(l)) + ")"
}

// DefaultLogger writes one key=value line per entry:
//
//	2026/10/18 12:00:00 level=warn msg="task failed" scheduler=main task=3
//
// Entries below MinLevel are dropped.
type DefaultLogger struct {
	MinLevel Level
	out      *log.Logger
}

// NewDefaultLogger logs info and above to stderr.
func NewDefaultLogger() *DefaultLogger {
	return NewDefaultLoggerTo(os.Stderr, LevelInfo)
}

// NewDefaultLoggerTo logs entries at min or above to w.
func NewDefaultLoggerTo(w io.Writer, min Level) *DefaultLogger {
	return &DefaultLogger{MinLevel: min, out: log.New(w, "", log.LstdFlags)}
}

func (l *DefaultLogger) Debug(msg string, fields ...Field) { l.write(LevelDebug, msg, fields) }
func (l *DefaultLogger) Info(msg string, fields ...Field)  { l.write(LevelInfo, msg, fields) }
func (l *DefaultLogger) Warn(msg string, fields ...Field)  { l.write(LevelWarn, msg, fields) }
func (l *DefaultLogger) Error(msg string, fields ...Field) { l.write(LevelError, msg, fields) }

func (l *DefaultLogger) write(level Level, msg string, fields []Field) {
	if level < l.MinLevel {
		return
	}
	var b strings.Builder
	b.WriteString("level=")
	b.WriteString(level.String())
	b.WriteString(" msg=")
	b.WriteString(logValue(msg))
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(logValue(f.Value))
	}
	l.out.Print(b.String())
}

// logValue renders v, quoting it when it would not survive a split on spaces.
func logValue(v any) string {
	var s string
	switch v := v.(type) {
	case nil:
		return "<nil>"
	case string:
		s = v
	case error:
		s = v.Error()
	case fmt.Stringer:
		s = v.String()
	default:
		s = fmt.Sprint(v)
	}
	if s == "" || strings.ContainsAny(s, " =\"\t\n") {
		return strconv.Quote(s)
	}
	return s
}

// NoOpLogger discards everything. It is the scheduler's default.
type NoOpLogger struct{}

func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (l *NoOpLogger) Debug(msg string, fields ...Field) {}
func (l *NoOpLogger) Info(msg string, fields ...Field)  {}
func (l *NoOpLogger) Warn(msg string, fields ...Field)  {}
func (l *NoOpLogger) Error(msg string, fields ...Field) {}
