// Package cache observes and reclaims the serving engine's on-disk byte
// cache. Eviction by size and age is left to the engine itself.
package cache

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dl-alexandre/cloudstream/internal/logging"
	"github.com/dl-alexandre/cloudstream/internal/metrics"
	"github.com/dl-alexandre/cloudstream/internal/types"
	"github.com/dl-alexandre/cloudstream/internal/utils"
)

// SlotGuard runs fn only while no serving process is bound to remoteID,
// holding off new streams until fn returns
type SlotGuard interface {
	DoIfIdle(remoteID string, fn func() error) error
}

// Manager reports and clears per-remote cache namespaces under a root
type Manager struct {
	root   string
	guard  SlotGuard
	logger logging.Logger
	now    func() time.Time
}

// New creates a Manager rooted at root
func New(root string, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Manager{root: root, logger: logger, now: time.Now}
}

// SetGuard installs the serving slot guard consulted by Clear
func (m *Manager) SetGuard(g SlotGuard) { m.guard = g }

// Root returns the cache root directory
func (m *Manager) Root() string { return m.root }

// Namespace returns the cache directory of a remote
func (m *Manager) Namespace(remoteName string) string {
	return filepath.Join(m.root, remoteName)
}

// Stats walks a remote's namespace. A missing namespace is an empty cache.
func (m *Manager) Stats(ctx context.Context, remote types.RemoteConnection) (*types.CacheStats, error) {
	stats := &types.CacheStats{RemoteID: remote.ID, Remote: remote.Name}
	total, count, oldest, err := m.walk(ctx, m.Namespace(remote.Name))
	if err != nil {
		return nil, err
	}
	stats.TotalBytes = total
	stats.FileCount = count
	if !oldest.IsZero() {
		stats.OldestEntryAge = m.now().Sub(oldest)
	}
	metrics.CacheSizeBytes.WithLabelValues(remote.Name).Set(float64(total))
	return stats, nil
}

// Total returns the bytes used by all namespaces
func (m *Manager) Total(ctx context.Context) (int64, error) {
	total, _, _, err := m.walk(ctx, m.root)
	return total, err
}

// Clear deletes a remote's cache. It fails with BUSY while a serving
// process for that remote is running; the caller must stop it first.
func (m *Manager) Clear(ctx context.Context, remote types.RemoteConnection) error {
	purge := func() error { return m.Purge(ctx, remote) }
	if m.guard == nil {
		return purge()
	}
	return m.guard.DoIfIdle(remote.ID, purge)
}

// Purge deletes a remote's cache unconditionally. Purging a missing
// namespace succeeds.
func (m *Manager) Purge(ctx context.Context, remote types.RemoteConnection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ns := m.Namespace(remote.Name)
	if filepath.Clean(ns) == filepath.Clean(m.root) {
		return utils.InvalidArgument("refusing to purge the cache root")
	}
	if err := os.RemoveAll(ns); err != nil {
		return utils.WrapAppError(utils.NewCLIError(utils.ErrCodeOperationFailed, "failed to clear cache").
			WithContext("remote", remote.Name).
			WithRetryable(true).
			Build(), err)
	}
	metrics.CacheSizeBytes.WithLabelValues(remote.Name).Set(0)
	m.logger.Info("cache cleared", logging.F("remote", remote.Name), logging.F("path", ns))
	return nil
}

func (m *Manager) walk(ctx context.Context, dir string) (total int64, count int, oldest time.Time, err error) {
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// Files vanish while the engine evicts; skip them.
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		count++
		if mt := info.ModTime(); oldest.IsZero() || mt.Before(oldest) {
			oldest = mt
		}
		return nil
	})
	if err != nil {
		return 0, 0, time.Time{}, utils.WrapAppError(utils.NewCLIError(utils.ErrCodeOperationFailed, "failed to read cache").
			WithContext("path", dir).
			Build(), err)
	}
	return total, count, oldest, nil
}
