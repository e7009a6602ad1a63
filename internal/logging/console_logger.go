package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[90m"
)

var levelColors = map[LogLevel]string{
	DEBUG: colorBlue,
	INFO:  colorReset,
	WARN:  colorYellow,
	ERROR: colorRed,
}

// consoleSink is shared by a ConsoleLogger and every logger derived from it,
// so lines never interleave and SetLevel applies to all of them
type consoleSink struct {
	mu     sync.Mutex
	writer io.Writer
	level  atomic.Int32
}

// ConsoleLogger writes human-readable lines, normally to stderr
type ConsoleLogger struct {
	sink             *consoleSink
	traceID          string
	colorEnabled     bool
	timestampEnabled bool
	redactSensitive  bool
}

// ConsoleLoggerConfig contains configuration for console logger
type ConsoleLoggerConfig struct {
	Writer           io.Writer
	Level            LogLevel
	ColorEnabled     bool
	TimestampEnabled bool
	RedactSensitive  bool
}

// NewConsoleLogger creates a new console logger
func NewConsoleLogger(config ConsoleLoggerConfig) *ConsoleLogger {
	if config.Writer == nil {
		config.Writer = os.Stderr
	}
	sink := &consoleSink{writer: config.Writer}
	sink.level.Store(int32(config.Level))

	return &ConsoleLogger{
		sink:             sink,
		colorEnabled:     config.ColorEnabled,
		timestampEnabled: config.TimestampEnabled,
		redactSensitive:  config.RedactSensitive,
	}
}

func shortTraceID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (l *ConsoleLogger) colored(sb *strings.Builder, color, text string) {
	if !l.colorEnabled {
		sb.WriteString(text)
		return
	}
	sb.WriteString(color)
	sb.WriteString(text)
	sb.WriteString(colorReset)
}

// formatMessage renders "timestamp LEVEL [trace] message k=v, k=v"
func (l *ConsoleLogger) formatMessage(level LogLevel, msg string, fields ...Field) string {
	var sb strings.Builder

	if l.timestampEnabled {
		l.colored(&sb, colorGray, time.Now().Format("2006-01-02 15:04:05"))
		sb.WriteString(" ")
	}
	l.colored(&sb, levelColors[level], fmt.Sprintf("%-5s", level.String()))
	sb.WriteString(" ")
	if l.traceID != "" {
		l.colored(&sb, colorGray, "["+shortTraceID(l.traceID)+"]")
		sb.WriteString(" ")
	}

	if l.redactSensitive {
		msg = Redact(msg)
	}
	sb.WriteString(msg)

	for i, field := range fields {
		if i == 0 {
			sb.WriteString(" ")
		} else {
			sb.WriteString(", ")
		}
		value := fmt.Sprintf("%v", field.Value)
		if l.redactSensitive {
			value = Redact(value)
		}
		sb.WriteString(field.Key)
		sb.WriteString("=")
		sb.WriteString(value)
	}
	return sb.String()
}

func (l *ConsoleLogger) log(level LogLevel, msg string, fields ...Field) {
	if int32(level) < l.sink.level.Load() {
		return
	}
	line := l.formatMessage(level, msg, fields...)

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	_, _ = fmt.Fprintln(l.sink.writer, line)
}

func (l *ConsoleLogger) Debug(msg string, fields ...Field) { l.log(DEBUG, msg, fields...) }

func (l *ConsoleLogger) Info(msg string, fields ...Field) { l.log(INFO, msg, fields...) }

func (l *ConsoleLogger) Warn(msg string, fields ...Field) { l.log(WARN, msg, fields...) }

func (l *ConsoleLogger) Error(msg string, fields ...Field) { l.log(ERROR, msg, fields...) }

// WithTraceID returns a logger on the same sink that tags lines with traceID
func (l *ConsoleLogger) WithTraceID(traceID string) Logger {
	derived := *l
	derived.traceID = traceID
	return &derived
}

// WithContext returns a new logger that extracts trace ID from context
func (l *ConsoleLogger) WithContext(ctx context.Context) Logger {
	traceID := TraceIDFromContext(ctx)
	if traceID == "" {
		return l
	}
	return l.WithTraceID(traceID)
}

// SetLevel sets the minimum level for this logger and every derived one
func (l *ConsoleLogger) SetLevel(level LogLevel) {
	l.sink.level.Store(int32(level))
}

// Close is a no-op; the writer is owned by the caller
func (l *ConsoleLogger) Close() error {
	return nil
}
