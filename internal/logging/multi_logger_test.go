package logging

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func plainConsole(buf *bytes.Buffer, level LogLevel) *ConsoleLogger {
	return NewConsoleLogger(ConsoleLoggerConfig{Writer: buf, Level: level})
}

type closeFailer struct {
	NoOpLogger
	err error
}

func (c *closeFailer) Close() error { return c.err }

func TestMultiLogger_FansOut(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	multi := NewMultiLogger(plainConsole(&buf1, INFO), plainConsole(&buf2, WARN))

	multi.Info("remote authorized", F("remote", "Work Drive"))
	multi.Warn("listing is stale")

	if got := strings.Count(buf1.String(), "\n"); got != 2 {
		t.Errorf("INFO logger got %d lines, want 2:\n%s", got, buf1.String())
	}
	if got := strings.Count(buf2.String(), "\n"); got != 1 {
		t.Errorf("WARN logger got %d lines, want 1:\n%s", got, buf2.String())
	}
	if !strings.Contains(buf1.String(), "INFO  remote authorized remote=Work Drive") {
		t.Errorf("unexpected format: %q", buf1.String())
	}
}

func TestMultiLogger_Trace(t *testing.T) {
	tests := []struct {
		name   string
		derive func(*MultiLogger) Logger
		want   string
	}{
		{"trace id", func(m *MultiLogger) Logger { return m.WithTraceID("0123456789abcdef") }, "[01234567]"},
		{"context", func(m *MultiLogger) Logger {
			return m.WithContext(ContextWithTraceID(context.Background(), "ctx-trace"))
		}, "[ctx-trac]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			multi := NewMultiLogger(plainConsole(&buf, INFO))
			tt.derive(multi).Info("browse")
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output %q missing %s", buf.String(), tt.want)
			}
		})
	}

	t.Run("empty context returns same logger", func(t *testing.T) {
		multi := NewMultiLogger()
		if got := multi.WithContext(context.Background()); got != Logger(multi) {
			t.Errorf("WithContext() = %p, want %p", got, multi)
		}
	})
}

func TestMultiLogger_SetLevelReachesDerived(t *testing.T) {
	var buf bytes.Buffer
	multi := NewMultiLogger(plainConsole(&buf, DEBUG))
	traced := multi.WithTraceID("t1")

	multi.SetLevel(ERROR)
	traced.Info("dropped")
	traced.Error("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") || !strings.Contains(out, "kept") {
		t.Errorf("output = %q", out)
	}
}

func TestMultiLogger_Close(t *testing.T) {
	t.Run("file and console", func(t *testing.T) {
		var buf bytes.Buffer
		logPath := filepath.Join(t.TempDir(), "cloudstream.log")
		fileLogger, err := NewFileLogger(FileLoggerConfig{FilePath: logPath, Level: INFO})
		if err != nil {
			t.Fatalf("NewFileLogger() error = %v", err)
		}

		multi := NewMultiLogger(fileLogger, plainConsole(&buf, INFO))
		multi.Info("serve process started", F("port", 8765))
		if err := multi.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}

		data, err := os.ReadFile(logPath)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), `"port":8765`) || buf.Len() == 0 {
			t.Errorf("file = %q, console = %q", data, buf.String())
		}
	})

	t.Run("errors are joined", func(t *testing.T) {
		errA, errB := errors.New("a"), errors.New("b")
		multi := NewMultiLogger(&closeFailer{err: errA}, NewNoOpLogger(), &closeFailer{err: errB})
		err := multi.Close()
		if !errors.Is(err, errA) || !errors.Is(err, errB) {
			t.Errorf("Close() = %v, want both errors", err)
		}
	})
}
