// Package service wires the streaming components together and exposes the
// operations used by the CLI and the control API.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dl-alexandre/cloudstream/internal/auth"
	"github.com/dl-alexandre/cloudstream/internal/cache"
	"github.com/dl-alexandre/cloudstream/internal/config"
	"github.com/dl-alexandre/cloudstream/internal/engine"
	"github.com/dl-alexandre/cloudstream/internal/events"
	"github.com/dl-alexandre/cloudstream/internal/gateway"
	"github.com/dl-alexandre/cloudstream/internal/index"
	"github.com/dl-alexandre/cloudstream/internal/indexer"
	"github.com/dl-alexandre/cloudstream/internal/logging"
	"github.com/dl-alexandre/cloudstream/internal/quota"
	"github.com/dl-alexandre/cloudstream/internal/registry"
	"github.com/dl-alexandre/cloudstream/internal/supervisor"
	"github.com/dl-alexandre/cloudstream/internal/types"
	"github.com/dl-alexandre/cloudstream/internal/utils"
)

// Options configures Open. Launcher, AuthEngine and Vault replace the
// engine-backed defaults when set.
type Options struct {
	Config    *config.Config
	ConfigDir string
	Logger    logging.Logger

	Launcher      gateway.Launcher
	AuthEngine    auth.AuthEngine
	Vault         *auth.Vault
	DriveEndpoint string
	// HTTPDebug logs direct provider API calls
	HTTPDebug *logging.DebugTransport
}

// Service is the facade over all components
type Service struct {
	cfg       *config.Config
	configDir string
	logger    logging.Logger

	sup      *supervisor.Supervisor
	engine   *engine.Engine
	store    *index.DB
	registry *registry.Registry
	indexer  *indexer.Indexer
	cache    *cache.Manager
	gateway  *gateway.Gateway
	vault    *auth.Vault
	broker   *auth.Broker
	quota    *quota.Prober
	events   *events.Hub

	// removed holds remotes deleted by this process, by id and by name
	removedMu sync.Mutex
	removed   map[string]types.RemoteConnection
}

// Open builds the component graph. The caller must Close the service.
func Open(opts Options) (*Service, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, utils.ConfigError(err.Error())
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}

	configDir := opts.ConfigDir
	if configDir == "" {
		dir, err := config.GetConfigDir()
		if err != nil {
			return nil, utils.ConfigError(err.Error())
		}
		configDir = dir
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return nil, utils.ConfigError(fmt.Sprintf("cannot create config directory: %v", err))
	}
	cacheRoot, err := cfg.ResolveCacheRoot()
	if err != nil {
		return nil, utils.ConfigError(err.Error())
	}

	store, err := index.Open(filepath.Join(configDir, config.IndexFileName))
	if err != nil {
		return nil, utils.WrapAppError(utils.NewCLIError(utils.ErrCodeConfigError, "cannot open remote index").Build(), err)
	}

	s := &Service{
		cfg:       cfg,
		configDir: configDir,
		logger:    logger,
		store:     store,
		removed:   make(map[string]types.RemoteConnection),
	}

	s.sup = supervisor.New(logger, supervisor.Options{
		DefaultTimeout: cfg.GetCommandTimeout(),
		TerminateGrace: cfg.GetTerminateGrace(),
	})
	s.engine = engine.New(s.sup, engine.Options{
		Binary:     cfg.EngineBinary,
		ConfigPath: cfg.ResolveEngineConfig(configDir),
		Logger:     logger,
	})
	s.registry = registry.New(store, logger)
	s.cache = cache.New(cacheRoot, logger)
	s.events = events.New(logger)
	go s.events.Run()

	s.indexer = indexer.New(s.engine, s.registry, store, indexer.Options{
		TTL:          cfg.GetListingTTL(),
		RateLimit:    cfg.ListRateLimit,
		Burst:        utils.DefaultListBurst,
		FetchTimeout: cfg.GetCommandTimeout(),
		Logger:       logger,
	})

	launcher := opts.Launcher
	if launcher == nil {
		launcher = gateway.EngineLauncher{Engine: s.engine}
	}
	s.gateway = gateway.New(launcher, s.registry, gateway.Options{
		Port:           cfg.ServePort,
		StartupTimeout: cfg.GetStartupTimeout(),
		IdleTimeout:    cfg.GetIdleTimeout(),
		TerminateGrace: cfg.GetTerminateGrace(),
		HealthInterval: cfg.GetHealthInterval(),
		CacheDir:       s.cache.Namespace,
		CacheMaxSizeMB: cfg.CacheMaxSizeMB,
		CacheMaxAge:    cfg.GetCacheMaxAge(),
		Events:         s.events,
		Logger:         logger,
	})

	s.vault = opts.Vault
	if s.vault == nil {
		s.vault = auth.NewVault(configDir, cfg.CredentialStore)
	}
	if w := s.vault.Warning(); w != "" {
		logger.Warn(w, logging.F("backend", s.vault.Backend()))
	}

	authEngine := opts.AuthEngine
	if authEngine == nil {
		authEngine = auth.EngineAdapter{Engine: s.engine, NoBrowser: auth.IsHeadless()}
	}
	s.broker = auth.NewBroker(authEngine, s.registry, s.vault, auth.BrokerOptions{
		Timeout:        cfg.GetAuthTimeout(),
		TerminateGrace: cfg.GetTerminateGrace(),
		CommandTimeout: cfg.GetCommandTimeout(),
		Events:         s.events,
		Logger:         logger,
	})
	s.quota = quota.New(s.engine, quota.Options{
		DriveEndpoint: opts.DriveEndpoint,
		Transport:     opts.HTTPDebug,
		Logger:        logger,
	})

	s.registry.SetCascade(registry.Cascade{
		Serve:       s.gateway,
		Listings:    s.indexer,
		Cache:       s.cache,
		Engine:      s.engine,
		Credentials: s.vault,
	})
	s.cache.SetGuard(s.gateway)

	return s, nil
}

// Events is the UI event channel
func (s *Service) Events() *events.Hub { return s.events }

// Config returns the configuration the service was opened with
func (s *Service) Config() *config.Config { return s.cfg }

// Close stops all flows and processes and closes the index
func (s *Service) Close() error {
	var errs []error
	if err := s.broker.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.gateway.Close(); err != nil {
		errs = append(errs, err)
	}
	s.sup.Shutdown()
	s.events.Close()
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ListRemotes returns all configured remotes
func (s *Service) ListRemotes(ctx context.Context) (*types.RemoteList, error) {
	remotes, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	if remotes == nil {
		remotes = []types.RemoteConnection{}
	}
	return &types.RemoteList{Remotes: remotes}, nil
}

// GetRemote resolves a remote by id or name
func (s *Service) GetRemote(ctx context.Context, idOrName string) (*types.RemoteConnection, error) {
	return s.registry.Resolve(ctx, idOrName)
}

// AddRemote starts authorizing a new remote. The remote is registered once
// the flow completes.
func (s *Service) AddRemote(ctx context.Context, provider, name string) (*types.AuthHandle, error) {
	return s.broker.Start(ctx, provider, name)
}

// PollAuthorization reports the state of an authorization flow
func (s *Service) PollAuthorization(token string) (*types.AuthStatus, error) {
	return s.broker.Poll(token)
}

// CancelAuthorization stops a pending authorization flow
func (s *Service) CancelAuthorization(token string) error {
	return s.broker.Cancel(token)
}

// ReconnectRemote re-authorizes an existing remote
func (s *Service) ReconnectRemote(ctx context.Context, idOrName string) (*types.AuthHandle, error) {
	remote, err := s.registry.Resolve(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	return s.broker.Reconnect(ctx, *remote)
}

// RemoveRemote deletes a remote and everything bound to it. Removing an
// unknown remote succeeds.
func (s *Service) RemoveRemote(ctx context.Context, idOrName string) error {
	remote, err := s.registry.Resolve(ctx, idOrName)
	if utils.IsCode(err, utils.ErrCodeRemoteNotFound) {
		// A remote hidden by an interrupted removal is still addressable by id.
		return s.registry.Remove(ctx, idOrName)
	}
	if err != nil {
		return err
	}
	if err := s.registry.Remove(ctx, remote.ID); err != nil {
		return err
	}
	s.removedMu.Lock()
	s.removed[remote.ID] = *remote
	s.removed[remote.Name] = *remote
	s.removedMu.Unlock()
	s.events.Publish("remote.removed", remote)
	return nil
}

// Browse lists a remote directory. When a refresh fails but an older copy
// exists, both the stale listing and the error are returned.
func (s *Service) Browse(ctx context.Context, idOrName, dir string, forceRefresh bool) (*types.Listing, error) {
	remote, err := s.registry.Resolve(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	listing, err := s.indexer.List(ctx, remote.ID, dir, forceRefresh)
	if err != nil {
		s.noteAuthFailure(ctx, *remote, err)
	}
	return listing, err
}

// GetStreamURL returns a local playback URL for a remote file
func (s *Service) GetStreamURL(ctx context.Context, idOrName, filePath string) (*types.StreamURL, error) {
	remote, err := s.registry.Resolve(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	u, err := s.gateway.GetStreamURL(ctx, remote.ID, filePath)
	if err != nil {
		s.noteAuthFailure(ctx, *remote, err)
		return nil, err
	}
	return u, nil
}

// StopStream stops the serving process
func (s *Service) StopStream() {
	s.gateway.Stop()
}

// StreamStatus snapshots the serving slot
func (s *Service) StreamStatus() *types.ServeInstance {
	return s.gateway.Status()
}

// CacheStats reports a remote's on-disk cache usage. A remote removed by
// this process reports an empty cache; its cache was purged on removal.
func (s *Service) CacheStats(ctx context.Context, idOrName string) (*types.CacheStats, error) {
	remote, err := s.registry.Resolve(ctx, idOrName)
	if utils.IsCode(err, utils.ErrCodeRemoteNotFound) {
		s.removedMu.Lock()
		gone, ok := s.removed[idOrName]
		s.removedMu.Unlock()
		if ok {
			return &types.CacheStats{RemoteID: gone.ID, Remote: gone.Name}, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return s.cache.Stats(ctx, *remote)
}

// ClearCache purges a remote's cache; BUSY while it is being streamed
func (s *Service) ClearCache(ctx context.Context, idOrName string) error {
	remote, err := s.registry.Resolve(ctx, idOrName)
	if err != nil {
		return err
	}
	if err := s.cache.Clear(ctx, *remote); err != nil {
		return err
	}
	if stats, err := s.cache.Stats(ctx, *remote); err == nil {
		s.events.Publish("cache", stats)
	}
	return nil
}

// RemoteQuota reports storage usage of a remote
func (s *Service) RemoteQuota(ctx context.Context, idOrName string) (*types.Quota, error) {
	remote, err := s.registry.Resolve(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	q, err := s.quota.Quota(ctx, *remote)
	if err != nil {
		s.noteAuthFailure(ctx, *remote, err)
		return nil, err
	}
	return q, nil
}

// noteAuthFailure marks a remote expired when an operation failed on its
// credentials, so the UI can offer to reconnect
func (s *Service) noteAuthFailure(ctx context.Context, remote types.RemoteConnection, err error) {
	if !utils.IsAuthError(err) || remote.AuthState == types.AuthStateExpired {
		return
	}
	if serr := s.registry.SetAuthState(context.WithoutCancel(ctx), remote.ID, types.AuthStateExpired); serr != nil {
		s.logger.Warn("failed to mark remote expired",
			logging.F("remote", remote.Name),
			logging.F("error", serr.Error()),
		)
		return
	}
	remote.AuthState = types.AuthStateExpired
	s.logger.Warn("remote credentials expired",
		logging.F("remote", remote.Name),
		logging.F("code", utils.CodeOf(err)),
	)
	s.events.Publish("remote", remote)
}
