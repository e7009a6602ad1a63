package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dl-alexandre/cloudstream/internal/types"
	"github.com/dl-alexandre/cloudstream/internal/utils"
)

type fakeGuard struct {
	busy map[string]bool
}

func (g *fakeGuard) DoIfIdle(remoteID string, fn func() error) error {
	if g.busy[remoteID] {
		return utils.Busy("stream is running")
	}
	return fn()
}

func writeFile(t *testing.T, path string, size int, mtime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestStats(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	m := New(root, nil)
	m.now = func() time.Time { return now }

	remote := types.RemoteConnection{ID: "r1", Name: "photos"}
	writeFile(t, filepath.Join(root, "photos", "vfs", "photos", "a.jpg"), 1000, now.Add(-2*time.Hour))
	writeFile(t, filepath.Join(root, "photos", "vfsMeta", "photos", "a.jpg"), 24, now.Add(-time.Hour))
	writeFile(t, filepath.Join(root, "other", "vfs", "x.bin"), 5000, now)

	stats, err := m.Stats(context.Background(), remote)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalBytes != 1024 || stats.FileCount != 2 {
		t.Errorf("Stats() = %+v", stats)
	}
	if stats.OldestEntryAge != 2*time.Hour {
		t.Errorf("OldestEntryAge = %v, want 2h", stats.OldestEntryAge)
	}

	total, err := m.Total(context.Background())
	if err != nil || total != 6024 {
		t.Errorf("Total() = %d, %v", total, err)
	}
}

func TestStatsMissingNamespace(t *testing.T) {
	m := New(t.TempDir(), nil)
	stats, err := m.Stats(context.Background(), types.RemoteConnection{ID: "r1", Name: "never"})
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalBytes != 0 || stats.FileCount != 0 || stats.OldestEntryAge != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestClearRespectsBusySlot(t *testing.T) {
	root := t.TempDir()
	m := New(root, nil)
	guard := &fakeGuard{busy: map[string]bool{"r1": true}}
	m.SetGuard(guard)

	remote := types.RemoteConnection{ID: "r1", Name: "photos"}
	file := filepath.Join(root, "photos", "vfs", "a.jpg")
	writeFile(t, file, 10, time.Now())

	if err := m.Clear(context.Background(), remote); !utils.IsCode(err, utils.ErrCodeBusy) {
		t.Fatalf("Clear() error = %v, want BUSY", err)
	}
	if _, err := os.Stat(file); err != nil {
		t.Fatal("busy Clear() must not delete anything")
	}

	guard.busy["r1"] = false
	if err := m.Clear(context.Background(), remote); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	stats, _ := m.Stats(context.Background(), remote)
	if stats.TotalBytes != 0 {
		t.Errorf("TotalBytes after clear = %d", stats.TotalBytes)
	}
	if err := m.Clear(context.Background(), remote); err != nil {
		t.Errorf("second Clear() error = %v", err)
	}
}

func TestPurgeRefusesRoot(t *testing.T) {
	m := New(t.TempDir(), nil)
	if err := m.Purge(context.Background(), types.RemoteConnection{Name: ""}); !utils.IsCode(err, utils.ErrCodeInvalidArgument) {
		t.Errorf("Purge(root) error = %v", err)
	}
}
