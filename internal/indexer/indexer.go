// Package indexer lists remote directories through the engine and caches
// the results with a TTL.
package indexer

import (
	"context"
	"errors"
	"path"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/dl-alexandre/cloudstream/internal/engine"
	"github.com/dl-alexandre/cloudstream/internal/index"
	"github.com/dl-alexandre/cloudstream/internal/logging"
	"github.com/dl-alexandre/cloudstream/internal/metrics"
	"github.com/dl-alexandre/cloudstream/internal/types"
	"github.com/dl-alexandre/cloudstream/internal/utils"
)

// Lister fetches the direct children of a remote directory
type Lister interface {
	ListDir(ctx context.Context, remote, path string) ([]engine.Item, error)
}

// RemoteLookup resolves remote ids and records scan times
type RemoteLookup interface {
	Get(ctx context.Context, id string) (*types.RemoteConnection, error)
	TouchScanned(ctx context.Context, id string, at time.Time) error
}

// Options configures an Indexer
type Options struct {
	// TTL is how long a cached listing is served without refetching; zero
	// always refetches
	TTL time.Duration
	// RateLimit is the number of listing calls per second; zero is unlimited
	RateLimit float64
	Burst     int
	// FetchTimeout bounds one shared fetch
	FetchTimeout time.Duration
	Now          func() time.Time
	Logger       logging.Logger
}

// Indexer serves directory listings from cache or the engine
type Indexer struct {
	lister  Lister
	remotes RemoteLookup
	store   *index.DB
	ttl     time.Duration
	timeout time.Duration
	limiter *rate.Limiter
	group   singleflight.Group
	now     func() time.Time
	logger  logging.Logger
}

// New creates an Indexer
func New(lister Lister, remotes RemoteLookup, store *index.DB, opts Options) *Indexer {
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = utils.DefaultCommandTimeout
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	if opts.Burst <= 0 {
		opts.Burst = utils.DefaultListBurst
	}
	return &Indexer{
		lister:  lister,
		remotes: remotes,
		store:   store,
		ttl:     opts.TTL,
		timeout: opts.FetchTimeout,
		limiter: rate.NewLimiter(limit, opts.Burst),
		now:     opts.Now,
		logger:  opts.Logger,
	}
}

// NormalizePath turns a user supplied directory path into the canonical
// form used as cache key: no leading or trailing slash, root is "".
func NormalizePath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", utils.InvalidArgument("path must not contain '..'")
		}
	}
	cleaned := strings.Trim(path.Clean("/"+p), "/")
	return cleaned, nil
}

// List returns the children of dir on the remote, directories first then by
// name. When a refresh fails and an older copy exists, that copy is returned
// marked stale together with the error.
func (ix *Indexer) List(ctx context.Context, remoteID, dir string, forceRefresh bool) (*types.Listing, error) {
	dir, err := NormalizePath(dir)
	if err != nil {
		return nil, err
	}
	remote, err := ix.remotes.Get(ctx, remoteID)
	if err != nil {
		return nil, err
	}

	cached, err := ix.cached(ctx, remote.ID, dir)
	if err != nil {
		return nil, err
	}
	if cached != nil && !forceRefresh && ix.fresh(cached) {
		metrics.ListingCacheHits.Inc()
		cached.FromCache = true
		return cached, nil
	}
	metrics.ListingCacheMisses.Inc()

	detached := context.WithoutCancel(ctx)
	key := remote.ID + "\x00" + dir
	ch := ix.group.DoChan(key, func() (interface{}, error) {
		// A flight that finished between our cache read and DoChan has
		// already stored a fresh copy.
		if !forceRefresh {
			if c, err := ix.cached(detached, remote.ID, dir); err == nil && c != nil && ix.fresh(c) {
				c.FromCache = true
				return c, nil
			}
		}
		return ix.fetch(detached, remote, dir)
	})

	select {
	case res := <-ch:
		if res.Err == nil {
			listing := *res.Val.(*types.Listing)
			return &listing, nil
		}
		metrics.ListingFetchFailures.WithLabelValues(utils.CodeOf(res.Err)).Inc()
		if cached != nil {
			cached.FromCache = true
			cached.Stale = true
			return cached, res.Err
		}
		return nil, res.Err
	case <-ctx.Done():
		return nil, utils.WrapAppError(utils.NewCLIError(utils.ErrCodeCancelled, "listing request abandoned").Build(), ctx.Err())
	}
}

func (ix *Indexer) cached(ctx context.Context, remoteID, dir string) (*types.Listing, error) {
	listing, err := ix.store.GetListing(ctx, remoteID, dir)
	if errors.Is(err, index.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sortEntries(listing.Entries)
	return listing, nil
}

func (ix *Indexer) fresh(l *types.Listing) bool {
	return ix.ttl > 0 && ix.now().Sub(l.CachedAt) < ix.ttl
}

func (ix *Indexer) fetch(ctx context.Context, remote *types.RemoteConnection, dir string) (*types.Listing, error) {
	ctx, cancel := context.WithTimeout(ctx, ix.timeout)
	defer cancel()

	if err := ix.limiter.Wait(ctx); err != nil {
		return nil, utils.WrapAppError(utils.NewCLIError(utils.ErrCodeRateLimited, "listing throttled").
			WithRetryable(true).Build(), err)
	}

	metrics.ListingFetchesTotal.Inc()
	start := ix.now()
	items, err := ix.lister.ListDir(ctx, remote.Name, dir)
	if err != nil {
		ix.logger.Warn("listing fetch failed",
			logging.F("remote", remote.Name),
			logging.F("path", dir),
			logging.F("error", err.Error()),
		)
		return nil, err
	}

	// The remote may have been removed while the engine was listing.
	if _, err := ix.remotes.Get(ctx, remote.ID); err != nil {
		return nil, err
	}

	cachedAt := ix.now().UTC()
	entries := make([]types.DirectoryEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, types.DirectoryEntry{
			RemoteID:    remote.ID,
			Path:        index.JoinPath(dir, item.Name),
			Name:        item.Name,
			IsDirectory: item.IsDir,
			SizeBytes:   item.Size,
			ModifiedAt:  item.ModTime,
			CachedAt:    cachedAt,
		})
	}
	sortEntries(entries)

	if err := ix.store.ReplaceListing(ctx, remote.ID, dir, entries, cachedAt); err != nil {
		ix.logger.Error("failed to store listing",
			logging.F("remote", remote.Name),
			logging.F("path", dir),
			logging.F("error", err.Error()),
		)
		return nil, utils.WrapAppError(utils.NewCLIError(utils.ErrCodeOperationFailed, "failed to store directory listing").
			WithContext("path", dir).Build(), err)
	}
	if err := ix.remotes.TouchScanned(ctx, remote.ID, cachedAt); err != nil {
		ix.logger.Debug("failed to record scan time", logging.F("remote", remote.Name), logging.F("error", err.Error()))
	}

	ix.logger.Debug("listing fetched",
		logging.F("remote", remote.Name),
		logging.F("path", dir),
		logging.F("entries", len(entries)),
		logging.F("durationMs", ix.now().Sub(start).Milliseconds()),
	)

	return &types.Listing{
		RemoteID: remote.ID,
		Path:     dir,
		Entries:  entries,
		CachedAt: cachedAt,
	}, nil
}

// Forget drops every cached listing of a remote
func (ix *Indexer) Forget(ctx context.Context, remoteID string) error {
	return ix.store.DeleteListings(ctx, remoteID)
}

func sortEntries(entries []types.DirectoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDirectory != entries[j].IsDirectory {
			return entries[i].IsDirectory
		}
		return entries[i].Name < entries[j].Name
	})
}
