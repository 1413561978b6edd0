// Package logger provides the structured logger used across the kernel.
// It wraps logrus and adapts it to the key/value Logger interface that
// services and kernel components log through.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config configures a Logger.
type Config struct {
	// Level is a logrus level name: trace, debug, info, warn, error.
	Level string
	// Format is "text" (default) or "json".
	Format string
	// Output defaults to stderr.
	Output io.Writer
	// Component is attached to every entry as the "component" field.
	Component string
}

// Logger is a logrus logger bound to a component name.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a logger from cfg. An unknown level falls back to info.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	} else {
		l.SetOutput(os.Stderr)
	}

	return &Logger{Logger: l, component: cfg.Component}
}

// NewDefault creates an info-level text logger for component.
func NewDefault(component string) *Logger {
	return New(Config{Component: component})
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	return New(Config{Output: io.Discard, Level: "panic"})
}

// Component returns the component name.
func (l *Logger) Component() string {
	return l.component
}

// entry returns the base entry carrying the component field.
func (l *Logger) entry() *logrus.Entry {
	if l.component == "" {
		return logrus.NewEntry(l.Logger)
	}
	return l.Logger.WithField("component", l.component)
}

// Named returns a key/value logger for a sub-component.
func (l *Logger) Named(component string) *FieldLogger {
	return &FieldLogger{entry: l.entry().WithField("subsystem", component)}
}

// ForService returns a key/value logger tagged with a service name.
func (l *Logger) ForService(name string) *FieldLogger {
	return &FieldLogger{entry: l.entry().WithField("service", name)}
}

// Debug, Info, Warn and Error let *Logger itself satisfy the key/value
// Logger interface.
func (l *Logger) Debug(msg string, args ...any) { l.entry().WithFields(Fields(args...)).Debug(msg) }
func (l *Logger) Info(msg string, args ...any)  { l.entry().WithFields(Fields(args...)).Info(msg) }
func (l *Logger) Warn(msg string, args ...any)  { l.entry().WithFields(Fields(args...)).Warn(msg) }
func (l *Logger) Error(msg string, args ...any) { l.entry().WithFields(Fields(args...)).Error(msg) }

// FieldLogger is a logrus entry with the key/value Logger methods.
type FieldLogger struct {
	entry *logrus.Entry
}

// With returns a child logger with extra fields.
func (f *FieldLogger) With(args ...any) *FieldLogger {
	return &FieldLogger{entry: f.entry.WithFields(Fields(args...))}
}

// Entry exposes the underlying logrus entry.
func (f *FieldLogger) Entry() *logrus.Entry {
	return f.entry
}

func (f *FieldLogger) Debug(msg string, args ...any) { f.entry.WithFields(Fields(args...)).Debug(msg) }
func (f *FieldLogger) Info(msg string, args ...any)  { f.entry.WithFields(Fields(args...)).Info(msg) }
func (f *FieldLogger) Warn(msg string, args ...any)  { f.entry.WithFields(Fields(args...)).Warn(msg) }
func (f *FieldLogger) Error(msg string, args ...any) { f.entry.WithFields(Fields(args...)).Error(msg) }

// Fields converts alternating key/value pairs to logrus fields. A trailing
// key without a value is kept under "!BADKEY".
func Fields(args ...any) logrus.Fields {
	fields := make(logrus.Fields, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			fields["!BADKEY"] = args[i]
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		val := args[i+1]
		if err, isErr := val.(error); isErr && err != nil {
			val = err.Error()
		}
		fields[key] = val
	}
	return fields
}
