package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the structured logger shared by all locationd packages.
// Calls take a message followed by alternating key/value pairs:
//
//	logger.Info("provider_switched", "from", from, "to", to)
type Logger struct {
	entry *logrus.Entry
	base  *logrus.Logger
}

// NewLogger creates a JSON logger at the given level tagged with a component name
func NewLogger(level, component string) *Logger {
	return NewLoggerWithOutput(level, component, os.Stderr)
}

// NewLoggerWithOutput is NewLogger writing to w
func NewLoggerWithOutput(level, component string, w io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "msg",
		},
	})
	base.SetLevel(parseLevel(level))

	entry := logrus.NewEntry(base)
	if component != "" {
		entry = entry.WithField("component", component)
	}

	return &Logger{entry: entry, base: base}
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// SetLevel changes the level at runtime
func (l *Logger) SetLevel(level string) {
	l.base.SetLevel(parseLevel(level))
}

// With returns a child logger carrying the given key/value pairs on every line
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(toFields(kv)), base: l.base}
}

func (l *Logger) Trace(msg string, kv ...interface{}) {
	l.entry.WithFields(toFields(kv)).Trace(msg)
}

func (l *Logger) Debug(msg string, kv ...interface{}) {
	l.entry.WithFields(toFields(kv)).Debug(msg)
}

func (l *Logger) Info(msg string, kv ...interface{}) {
	l.entry.WithFields(toFields(kv)).Info(msg)
}

func (l *Logger) Warn(msg string, kv ...interface{}) {
	l.entry.WithFields(toFields(kv)).Warn(msg)
}

func (l *Logger) Error(msg string, kv ...interface{}) {
	l.entry.WithFields(toFields(kv)).Error(msg)
}

// LogDebugVerbose logs a debug event with a prepared field map
func (l *Logger) LogDebugVerbose(event string, fields map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(fields)).Debug(event)
}

// LogStateChange logs a state machine transition
func (l *Logger) LogStateChange(component, from, to, reason string) {
	l.entry.WithFields(logrus.Fields{
		"state_component": component,
		"from":            from,
		"to":              to,
		"reason":          reason,
	}).Info("state_change")
}

// toFields converts alternating key/value pairs into logrus fields.
// A lone map argument is merged as-is.
func toFields(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i < len(kv); i++ {
		if m, ok := kv[i].(map[string]interface{}); ok {
			for k, v := range m {
				fields[k] = v
			}
			continue
		}
		if i+1 >= len(kv) {
			fields["_extra"] = kv[i]
			break
		}
		key := fmt.Sprint(kv[i])
		val := kv[i+1]
		if err, ok := val.(error); ok {
			val = err.Error()
		}
		fields[key] = val
		i++
	}
	return fields
}
