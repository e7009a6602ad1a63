// Package api serves the control API used by UIs and scripts to drive the
// streaming service over loopback HTTP.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/dl-alexandre/cloudstream/internal/logging"
	"github.com/dl-alexandre/cloudstream/internal/types"
	"github.com/dl-alexandre/cloudstream/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Backend is the set of service operations exposed over HTTP
type Backend interface {
	ListRemotes(ctx context.Context) (*types.RemoteList, error)
	AddRemote(ctx context.Context, provider, name string) (*types.AuthHandle, error)
	PollAuthorization(token string) (*types.AuthStatus, error)
	CancelAuthorization(token string) error
	ReconnectRemote(ctx context.Context, idOrName string) (*types.AuthHandle, error)
	RemoveRemote(ctx context.Context, idOrName string) error
	Browse(ctx context.Context, idOrName, dir string, forceRefresh bool) (*types.Listing, error)
	GetStreamURL(ctx context.Context, idOrName, filePath string) (*types.StreamURL, error)
	StopStream()
	StreamStatus() *types.ServeInstance
	CacheStats(ctx context.Context, idOrName string) (*types.CacheStats, error)
	ClearCache(ctx context.Context, idOrName string) error
	RemoteQuota(ctx context.Context, idOrName string) (*types.Quota, error)
	Health(ctx context.Context) *types.HealthReport
}

// Server routes control API requests to a Backend
type Server struct {
	backend  Backend
	events   http.Handler
	gatherer prometheus.Gatherer
	logger   logging.Logger
	rps      float64
	burst    int
	handler  http.Handler
}

type ServerOption func(*Server)

func WithLogger(logger logging.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEvents mounts the UI event channel on /events
func WithEvents(h http.Handler) ServerOption {
	return func(s *Server) { s.events = h }
}

// WithGatherer selects the registry exposed on /metrics
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		if rps > 0 && burst > 0 {
			s.rps = rps
			s.burst = burst
		}
	}
}

func NewServer(backend Backend, opts ...ServerOption) *Server {
	s := &Server{
		backend:  backend,
		gatherer: prometheus.DefaultGatherer,
		logger:   logging.NewNoOpLogger(),
		rps:      utils.DefaultAPIRateLimit,
		burst:    utils.DefaultAPIBurst,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /remotes", s.handleListRemotes)
	mux.HandleFunc("POST /remotes", s.handleAddRemote)
	mux.HandleFunc("DELETE /remotes/{id}", s.handleRemoveRemote)
	mux.HandleFunc("POST /remotes/{id}/reconnect", s.handleReconnect)
	mux.HandleFunc("GET /remotes/{id}/browse", s.handleBrowse)
	mux.HandleFunc("GET /remotes/{id}/stream", s.handleStreamURL)
	mux.HandleFunc("GET /remotes/{id}/cache", s.handleCacheStats)
	mux.HandleFunc("DELETE /remotes/{id}/cache", s.handleClearCache)
	mux.HandleFunc("GET /remotes/{id}/about", s.handleAbout)
	mux.HandleFunc("GET /auth/{token}", s.handlePollAuth)
	mux.HandleFunc("DELETE /auth/{token}", s.handleCancelAuth)
	mux.HandleFunc("GET /stream", s.handleStreamStatus)
	mux.HandleFunc("DELETE /stream", s.handleStopStream)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	if s.events != nil {
		mux.Handle("GET /events", s.events)
	}

	traced := traceMiddleware(loggingMiddleware(s.logger, mux))
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(s.rps, s.burst, metricsMiddleware(traced)))
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Serve answers requests on ln until ctx is cancelled, then drains in-flight
// requests for up to utils.APIShutdownTimeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: utils.APIReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("control API listening", logging.F("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), utils.APIShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("control API shutdown", logging.F("error", err.Error()))
		_ = srv.Close()
	}
	<-errCh
	return nil
}

// ListenAndServe binds addr and calls Serve
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return utils.WrapAppError(utils.NewCLIError(utils.ErrCodeConfigError, "cannot bind control API address").
			WithContext("addr", addr).Build(), err)
	}
	return s.Serve(ctx, ln)
}
