package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestFileLogger(t *testing.T, level LogLevel, maxSize int64) (*FileLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cloudstream.log")
	logger, err := NewFileLogger(FileLoggerConfig{
		FilePath:      path,
		Level:         level,
		MaxFileSize:   maxSize,
		RotateEnabled: maxSize > 0,
	})
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}
	t.Cleanup(func() { _ = logger.Close() })
	return logger, path
}

// readEntries parses the log file; close the logger first so every entry is flushed
func readEntries(t *testing.T, path string) []LogEntry {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entries []LogEntry
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line is not a JSON entry: %v\n%s", err, sc.Text())
		}
		entries = append(entries, e)
	}
	return entries
}

func TestFileLogger_WritesJSONLines(t *testing.T) {
	logger, path := newTestFileLogger(t, DEBUG, 0)

	logger.Debug("listing cache miss", F("remote", "Work Drive"))
	logger.Info("serve process started", F("port", 8765))
	logger.Warn("idle timeout reached")
	logger.Error("serve process exited", F("restart", false))
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	entries := readEntries(t, path)
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(entries))
	}
	first := entries[0]
	if first.Level != "DEBUG" || first.Message != "listing cache miss" {
		t.Errorf("first entry = %+v", first)
	}
	if first.Fields["remote"] != "Work Drive" {
		t.Errorf("fields = %v", first.Fields)
	}
	if first.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
	if entries[1].Fields["port"] != float64(8765) {
		t.Errorf("port field = %v", entries[1].Fields["port"])
	}
}

func TestFileLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		level LogLevel
		after LogLevel
		want  int
	}{
		{name: "warn and above", level: WARN, after: WARN, want: 2},
		{name: "everything", level: DEBUG, after: DEBUG, want: 4},
		{name: "lowered to error", level: DEBUG, after: ERROR, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, path := newTestFileLogger(t, tt.level, 0)
			logger.SetLevel(tt.after)
			logger.Debug("d")
			logger.Info("i")
			logger.Warn("w")
			logger.Error("e")
			_ = logger.Close()

			if got := len(readEntries(t, path)); got != tt.want {
				t.Errorf("got %d entries, want %d", got, tt.want)
			}
		})
	}
}

func TestFileLogger_TraceID(t *testing.T) {
	t.Run("explicit", func(t *testing.T) {
		logger, path := newTestFileLogger(t, INFO, 0)
		logger.WithTraceID("trace-abc").Info("browse")
		_ = logger.Close()

		entries := readEntries(t, path)
		if len(entries) != 1 || entries[0].TraceID != "trace-abc" {
			t.Errorf("entries = %+v", entries)
		}
	})

	t.Run("from context", func(t *testing.T) {
		logger, path := newTestFileLogger(t, INFO, 0)
		ctx := ContextWithTraceID(context.Background(), "ctx-trace")
		logger.WithContext(ctx).Info("stream")
		logger.WithContext(context.Background()).Info("untraced")
		_ = logger.Close()

		entries := readEntries(t, path)
		if len(entries) != 2 {
			t.Fatalf("got %d entries", len(entries))
		}
		if entries[0].TraceID != "ctx-trace" || entries[1].TraceID != "" {
			t.Errorf("trace ids = %q, %q", entries[0].TraceID, entries[1].TraceID)
		}
	})

	t.Run("derived logger shares level", func(t *testing.T) {
		logger, path := newTestFileLogger(t, INFO, 0)
		traced := logger.WithTraceID("t1")
		logger.SetLevel(ERROR)
		traced.Info("dropped")
		_ = logger.Close()

		if got := len(readEntries(t, path)); got != 0 {
			t.Errorf("got %d entries, want 0", got)
		}
	})
}

func TestFileLogger_RedactsMessage(t *testing.T) {
	logger, path := newTestFileLogger(t, INFO, 0)
	logger.Info(`config create failed: token={"access_token":"ya29.secret","expiry":"2026-01-01"}`)
	_ = logger.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "ya29.secret") {
		t.Errorf("credential leaked into log file: %s", data)
	}
}

func TestFileLogger_Rotation(t *testing.T) {
	logger, path := newTestFileLogger(t, INFO, 128)
	for i := 0; i < 20; i++ {
		logger.Info("serve health probe succeeded for remote Work Drive")
	}
	_ = logger.Close()

	files, err := filepath.Glob(path + "*")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) < 2 {
		t.Errorf("got %d log files, want the active file plus rotated ones", len(files))
	}
}

func TestFileLogger_CloseIsIdempotent(t *testing.T) {
	logger, _ := newTestFileLogger(t, INFO, 0)
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	logger.Info("after close")
}
