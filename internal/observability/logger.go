// Package observability defines shared logging primitives.
package observability

import (
	"fmt"
	"log"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for constructing a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// NewStdLogger adapts a stdlib logger to the Logger interface.
func NewStdLogger(l *log.Logger) Logger {
	if l == nil {
		return noopLogger{}
	}
	return &stdLogger{inner: l}
}

type stdLogger struct {
	inner *log.Logger
}

func (s *stdLogger) Debug(msg string, fields ...Field) { s.emit("DEBUG", msg, fields) }
func (s *stdLogger) Info(msg string, fields ...Field)  { s.emit("INFO", msg, fields) }
func (s *stdLogger) Error(msg string, fields ...Field) { s.emit("ERROR", msg, fields) }

func (s *stdLogger) emit(level, msg string, fields []Field) {
	if len(fields) == 0 {
		s.inner.Printf("%s %s", level, msg)
		return
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", f.Key, f.Value))
	}
	s.inner.Printf("%s %s %s", level, msg, strings.Join(parts, " "))
}
