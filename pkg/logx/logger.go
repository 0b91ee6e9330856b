package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a component-scoped structured logger
type Logger struct {
	base      *logrus.Logger
	entry     *logrus.Entry
	component string
}

// NewLogger creates a JSON logger for the given level and component
func NewLogger(level, component string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "msg",
		},
	})

	l := &Logger{
		base:      base,
		entry:     base.WithField("component", component),
		component: component,
	}
	l.SetLevel(level)
	return l
}

// NewNopLogger discards all output
func NewNopLogger() *Logger {
	l := NewLogger("error", "nop")
	l.base.SetOutput(io.Discard)
	return l
}

// SetLevel changes the minimum level; trace and verbose map to logrus trace
func (l *Logger) SetLevel(level string) {
	switch strings.ToLower(level) {
	case "trace", "verbose":
		l.base.SetLevel(logrus.TraceLevel)
	case "debug":
		l.base.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		l.base.SetLevel(logrus.WarnLevel)
	case "error":
		l.base.SetLevel(logrus.ErrorLevel)
	default:
		l.base.SetLevel(logrus.InfoLevel)
	}
}

// SetOutput redirects log output
func (l *Logger) SetOutput(w io.Writer) {
	l.base.SetOutput(w)
}

// Component returns the component name
func (l *Logger) Component() string {
	return l.component
}

// With returns a child logger carrying extra fields
func (l *Logger) With(fields ...interface{}) *Logger {
	return &Logger{
		base:      l.base,
		entry:     l.entry.WithFields(toFields(fields)),
		component: l.component,
	}
}

func (l *Logger) Debug(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Debug(msg)
}

func (l *Logger) Info(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Info(msg)
}

func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Warn(msg)
}

func (l *Logger) Error(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Error(msg)
}

// LogVerbose logs an event at trace level
func (l *Logger) LogVerbose(event string, fields map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(fields)).Trace(event)
}

// LogDebugVerbose logs an event at debug level with a field map
func (l *Logger) LogDebugVerbose(event string, fields map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(fields)).Debug(event)
}

// LogStateChange records a component state transition
func (l *Logger) LogStateChange(subject, from, to, reason string) {
	l.entry.WithFields(logrus.Fields{
		"subject": subject,
		"from":    from,
		"to":      to,
		"reason":  reason,
	}).Info("state_change")
}

// toFields accepts alternating key/value pairs or a single field map
func toFields(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	if len(kv) == 1 {
		if m, ok := kv[0].(map[string]interface{}); ok {
			for k, v := range m {
				fields[k] = normalize(v)
			}
			return fields
		}
	}

	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		if i+1 >= len(kv) {
			fields[key] = "(missing)"
			break
		}
		fields[key] = normalize(kv[i+1])
	}
	return fields
}

func normalize(v interface{}) interface{} {
	if err, ok := v.(error); ok && err != nil {
		return err.Error()
	}
	return v
}
