// Package gateway hands out playback URLs backed by a single supervised
// serving process.
//
// The gateway owns one slot. Every transition of the slot (start, reuse,
// stop) happens under one mutex, so concurrent requests never race to bind
// a port. Stopped processes are terminated after the mutex is released, and
// a new process is spawned only once every stopped one has exited. A request
// for a different remote evicts the current process.
// A failed process is never restarted by the gateway itself; the next
// request makes a fresh attempt.
package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	cserrors "github.com/dl-alexandre/cloudstream/internal/errors"
	"github.com/dl-alexandre/cloudstream/internal/engine"
	"github.com/dl-alexandre/cloudstream/internal/indexer"
	"github.com/dl-alexandre/cloudstream/internal/logging"
	"github.com/dl-alexandre/cloudstream/internal/metrics"
	"github.com/dl-alexandre/cloudstream/internal/types"
	"github.com/dl-alexandre/cloudstream/internal/utils"
)

// RemoteLookup resolves remote ids
type RemoteLookup interface {
	Get(ctx context.Context, id string) (*types.RemoteConnection, error)
}

// EventSink receives slot state changes
type EventSink interface {
	Publish(kind string, data interface{})
}

// Options configures a Gateway
type Options struct {
	// Port is the fixed serving port; zero picks a free port per launch
	Port           int
	StartupTimeout time.Duration
	// IdleTimeout stops a process that served no bytes for this long; zero disables
	IdleTimeout    time.Duration
	TerminateGrace time.Duration
	// PollInterval is how often startup readiness is checked
	PollInterval time.Duration
	// HealthInterval is how often a ready process is checked
	HealthInterval time.Duration
	CacheDir       func(remoteName string) string
	CacheMaxSizeMB int
	CacheMaxAge    time.Duration
	Events         EventSink
	Logger         logging.Logger
}

type slot struct {
	remote    types.RemoteConnection
	proc      ServeProcess
	port      int
	state     types.ServeState
	startedAt time.Time
	err       error

	// ready is closed when the slot leaves the starting state
	ready chan struct{}
	// stop is closed when the slot is stopped on purpose
	stop chan struct{}

	lastBytes    int64
	lastActivity time.Time
}

// retiree is a process detached from the slot, waiting to be terminated
// outside g.mu
type retiree struct {
	remote string
	proc   ServeProcess
	// gone is closed once the process has exited
	gone chan struct{}
}

// Gateway arbitrates the single serving slot
type Gateway struct {
	launcher Launcher
	remotes  RemoteLookup
	opts     Options
	logger   logging.Logger

	mu       sync.Mutex
	cur      *slot
	retiring map[*retiree]struct{}
	closed   bool
}

// New creates a Gateway
func New(launcher Launcher, remotes RemoteLookup, opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = utils.DefaultStartupTimeout
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = utils.DefaultTerminateGrace
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = utils.StartupPollInterval
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = utils.DefaultHealthInterval
	}
	if opts.CacheMaxSizeMB <= 0 {
		opts.CacheMaxSizeMB = utils.DefaultCacheMaxSizeMB
	}
	if opts.CacheMaxAge <= 0 {
		opts.CacheMaxAge = utils.DefaultCacheMaxAge
	}
	return &Gateway{
		launcher: launcher,
		remotes:  remotes,
		opts:     opts,
		logger:   opts.Logger,
		retiring: make(map[*retiree]struct{}),
	}
}

// GetStreamURL returns a local URL serving filePath of the remote, starting
// or replacing the serving process when needed. Abandoning ctx stops the
// wait but leaves a starting process running.
func (g *Gateway) GetStreamURL(ctx context.Context, remoteID, filePath string) (*types.StreamURL, error) {
	p, err := indexer.NormalizePath(filePath)
	if err != nil {
		return nil, err
	}
	if p == "" {
		return nil, utils.InvalidArgument("a file path is required")
	}
	remote, err := g.remotes.Get(ctx, remoteID)
	if err != nil {
		return nil, err
	}

	s, reused, err := g.acquire(ctx, *remote)
	if err != nil {
		return nil, err
	}
	return &types.StreamURL{
		RemoteID: remote.ID,
		Path:     p,
		URL:      StreamURL(s.port, p),
		Reused:   reused,
	}, nil
}

// StreamURL composes the playback URL of path on a local serving port
func StreamURL(port int, p string) string {
	segments := strings.Split(strings.Trim(p, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return "http://127.0.0.1:" + strconv.Itoa(port) + "/" + strings.Join(segments, "/")
}

func (g *Gateway) acquire(ctx context.Context, remote types.RemoteConnection) (*slot, bool, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, false, utils.NewCLIError(utils.ErrCodeOperationFailed, "stream gateway is shut down").Err()
	}

	if s := g.cur; s != nil && s.remote.ID == remote.ID {
		switch {
		case s.state == types.ServeRunning && s.proc.Healthy():
			s.lastActivity = time.Now()
			g.mu.Unlock()
			return s, true, nil
		case s.state == types.ServeStarting:
			g.mu.Unlock()
			return g.wait(ctx, s)
		}
	}

	s, evicted := g.beginLocked(remote)
	g.mu.Unlock()

	g.terminate(evicted, "replaced")
	if err := g.launch(s); err != nil {
		return nil, false, err
	}
	return g.wait(ctx, s)
}

func (g *Gateway) wait(ctx context.Context, s *slot) (*slot, bool, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, false, utils.WrapAppError(utils.NewCLIError(utils.ErrCodeCancelled, "stopped waiting for stream").
			WithContext("remote", s.remote.Name).
			Build(), ctx.Err())
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case s.state == types.ServeRunning && g.cur == s:
		return s, false, nil
	case s.err != nil:
		return nil, false, s.err
	default:
		return nil, false, utils.NewCLIError(utils.ErrCodeOperationFailed, "stream was stopped before it became ready").
			WithRetryable(true).
			WithContext("remote", s.remote.Name).
			Err()
	}
}

// beginLocked evicts the current slot and installs a starting slot for
// remote. The evicted process is returned for terminate. g.mu must be held.
func (g *Gateway) beginLocked(remote types.RemoteConnection) (*slot, *retiree) {
	var evicted *retiree
	if g.cur != nil {
		evicted = g.stopLocked(g.cur)
	}
	now := time.Now()
	s := &slot{
		remote:       remote,
		state:        types.ServeStarting,
		startedAt:    now,
		ready:        make(chan struct{}),
		stop:         make(chan struct{}),
		lastActivity: now,
	}
	g.cur = s
	g.publishLocked()
	return s, evicted
}

// launch spawns the process of a starting slot once every retired process
// has exited, so a fixed port is free again. A slot stopped or replaced in
// the meantime is left alone; wait reports it.
func (g *Gateway) launch(s *slot) error {
	g.mu.Lock()
	for len(g.retiring) > 0 {
		pending := g.retiringLocked()
		g.mu.Unlock()
		for _, gone := range pending {
			<-gone
		}
		g.mu.Lock()
	}
	defer g.mu.Unlock()
	if g.cur != s || s.state != types.ServeStarting {
		return nil
	}

	port, err := g.allocatePort()
	if err != nil {
		g.failLaunchLocked(s, err)
		return err
	}

	cacheDir := ""
	if g.opts.CacheDir != nil {
		cacheDir = g.opts.CacheDir(s.remote.Name)
	}
	spec := engine.ServeSpec{
		Remote:               s.remote.Name,
		Port:                 port,
		CacheDir:             cacheDir,
		CacheMaxSizeMB:       g.opts.CacheMaxSizeMB,
		CacheMaxAge:          g.opts.CacheMaxAge,
		StartupProbeInterval: g.opts.PollInterval,
		ProbeInterval:        g.opts.HealthInterval,
	}

	g.logger.Info("starting serving process",
		logging.F("remote", s.remote.Name),
		logging.F("port", port),
	)
	proc, err := g.launcher.Launch(spec)
	if err != nil {
		metrics.ServeFailuresTotal.WithLabelValues("spawn").Inc()
		g.failLaunchLocked(s, err)
		return err
	}

	s.proc = proc
	s.port = port
	metrics.ServeStartsTotal.Inc()
	g.publishLocked()

	go g.supervise(s)
	return nil
}

func (g *Gateway) failLaunchLocked(s *slot, err error) {
	s.state = types.ServeFailed
	s.err = err
	close(s.ready)
	g.publishLocked()
}

func (g *Gateway) retiringLocked() []chan struct{} {
	pending := make([]chan struct{}, 0, len(g.retiring))
	for r := range g.retiring {
		pending = append(pending, r.gone)
	}
	return pending
}

func (g *Gateway) allocatePort() (int, error) {
	if g.opts.Port > 0 {
		if !engine.PortAvailable(g.opts.Port) {
			return 0, utils.NewCLIError(utils.ErrCodeOperationFailed, fmt.Sprintf("serve port %d is in use", g.opts.Port)).
				WithRetryable(true).
				WithContext("port", g.opts.Port).
				Err()
		}
		return g.opts.Port, nil
	}
	return engine.FreeLocalPort()
}

// supervise drives one slot from starting to running and watches it until
// it exits, is stopped, or goes idle
func (g *Gateway) supervise(s *slot) {
	startup := time.NewTimer(g.opts.StartupTimeout)
	defer startup.Stop()
	poll := time.NewTicker(g.opts.PollInterval)
	defer poll.Stop()

	for ready := false; !ready; {
		select {
		case <-s.stop:
			return
		case <-s.proc.Done():
			g.fail(s, "exit", g.exitError(s, "serving process exited during startup"))
			return
		case <-startup.C:
			g.logger.Warn("serving process did not become ready, killing it",
				logging.F("remote", s.remote.Name),
				logging.F("timeout", g.opts.StartupTimeout.String()),
			)
			_ = s.proc.Terminate(0)
			g.fail(s, "startup_timeout", utils.NewCLIError(utils.ErrCodeStartupTimeout,
				fmt.Sprintf("stream for %s did not become ready within %s", s.remote.Name, g.opts.StartupTimeout)).
				WithRetryable(true).
				WithContext("remote", s.remote.Name).
				Err())
			return
		case <-poll.C:
			if s.proc.Healthy() {
				ready = g.markRunning(s)
				if !ready {
					return
				}
			}
		}
	}

	var idle <-chan time.Time
	if g.opts.IdleTimeout > 0 {
		interval := g.opts.HealthInterval
		if q := g.opts.IdleTimeout / 4; q < interval {
			interval = q
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		idle = ticker.C
	}

	for {
		select {
		case <-s.stop:
			return
		case <-s.proc.Done():
			g.fail(s, "crash", g.exitError(s, "serving process exited unexpectedly"))
			return
		case <-idle:
			if g.idleExpired(s) {
				g.logger.Info("stopping idle serving process", logging.F("remote", s.remote.Name))
				var r *retiree
				g.mu.Lock()
				if g.cur == s && s.state == types.ServeRunning {
					r = g.stopLocked(s)
					g.cur = nil
					g.publishLocked()
				}
				g.mu.Unlock()
				g.terminate(r, "idle")
				return
			}
		}
	}
}

func (g *Gateway) markRunning(s *slot) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cur != s || s.state != types.ServeStarting {
		return false
	}
	s.state = types.ServeRunning
	s.lastActivity = time.Now()
	close(s.ready)
	metrics.ServeStartupDuration.Observe(time.Since(s.startedAt).Seconds())
	metrics.ServeRunning.Set(1)
	g.logger.Info("serving process ready",
		logging.F("remote", s.remote.Name),
		logging.F("port", s.port),
		logging.F("pid", s.proc.PID()),
		logging.F("startupMs", time.Since(s.startedAt).Milliseconds()),
	)
	g.publishLocked()
	return true
}

func (g *Gateway) fail(s *slot, reason string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cur != s || (s.state != types.ServeStarting && s.state != types.ServeRunning) {
		return
	}
	wasStarting := s.state == types.ServeStarting
	s.state = types.ServeFailed
	s.err = err
	if wasStarting {
		close(s.ready)
	}
	metrics.ServeFailuresTotal.WithLabelValues(reason).Inc()
	metrics.ServeRunning.Set(0)
	g.logger.Error("serving process failed",
		logging.F("remote", s.remote.Name),
		logging.F("reason", reason),
		logging.F("error", err.Error()),
	)
	g.publishLocked()
}

func (g *Gateway) exitError(s *slot, msg string) error {
	tail := strings.Join(s.proc.Tail(), "\n")
	classified := cserrors.ClassifyEngineOutput("serve", tail, g.logger)
	if utils.CodeOf(classified) != utils.ErrCodeOperationFailed {
		return classified
	}
	b := utils.NewCLIError(utils.ErrCodeOperationFailed, msg).
		WithRetryable(true).
		WithContext("remote", s.remote.Name)
	if exitErr := s.proc.Err(); exitErr != nil {
		b.WithContext("exit", exitErr.Error())
	}
	return utils.WrapAppError(b.Build(), classified)
}

func (g *Gateway) idleExpired(s *slot) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	served, err := s.proc.BytesServed(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		g.logger.Debug("transfer stats unavailable", logging.F("remote", s.remote.Name), logging.F("error", err.Error()))
		return false
	}
	if served != s.lastBytes {
		s.lastBytes = served
		s.lastActivity = time.Now()
		return false
	}
	return time.Since(s.lastActivity) >= g.opts.IdleTimeout
}

// stopLocked marks a slot stopped and detaches its process. The caller
// passes the result to terminate after releasing g.mu. g.mu must be held.
func (g *Gateway) stopLocked(s *slot) *retiree {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	wasStarting := s.state == types.ServeStarting
	if s.state == types.ServeStarting || s.state == types.ServeRunning {
		s.state = types.ServeStopped
	}
	if wasStarting {
		close(s.ready)
	}
	metrics.ServeRunning.Set(0)
	if s.proc == nil {
		return nil
	}
	r := &retiree{remote: s.remote.Name, proc: s.proc, gone: make(chan struct{})}
	g.retiring[r] = struct{}{}
	return r
}

// terminate stops a detached process and waits for it to exit. g.mu must
// not be held.
func (g *Gateway) terminate(r *retiree, reason string) {
	if r == nil {
		return
	}
	if err := r.proc.Terminate(g.opts.TerminateGrace); err != nil {
		g.logger.Warn("failed to terminate serving process",
			logging.F("remote", r.remote),
			logging.F("error", err.Error()),
		)
	}
	g.mu.Lock()
	delete(g.retiring, r)
	g.mu.Unlock()
	close(r.gone)
	g.logger.Info("serving process stopped", logging.F("remote", r.remote), logging.F("reason", reason))
}

// Stop terminates the current serving process, if any
func (g *Gateway) Stop() {
	g.mu.Lock()
	if g.cur == nil {
		g.mu.Unlock()
		return
	}
	r := g.stopLocked(g.cur)
	g.cur = nil
	g.publishLocked()
	g.mu.Unlock()
	g.terminate(r, "stopped")
}

// Release stops the serving process if it is bound to remoteID
func (g *Gateway) Release(ctx context.Context, remoteID string) error {
	g.mu.Lock()
	if g.cur == nil || g.cur.remote.ID != remoteID {
		g.mu.Unlock()
		return nil
	}
	r := g.stopLocked(g.cur)
	g.cur = nil
	g.publishLocked()
	g.mu.Unlock()
	g.terminate(r, "released")
	return nil
}

// DoIfIdle runs fn while holding the slot, unless a process for remoteID is
// starting or running, in which case it returns BUSY
func (g *Gateway) DoIfIdle(remoteID string, fn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s := g.cur; s != nil && s.remote.ID == remoteID &&
		(s.state == types.ServeStarting || s.state == types.ServeRunning) {
		return utils.NewCLIError(utils.ErrCodeBusy, fmt.Sprintf("remote %s is being streamed; stop the stream first", s.remote.Name)).
			WithContext("remote", s.remote.Name).
			Err()
	}
	return fn()
}

// Status returns a snapshot of the slot
func (g *Gateway) Status() *types.ServeInstance {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

func (g *Gateway) snapshotLocked() *types.ServeInstance {
	s := g.cur
	if s == nil {
		return &types.ServeInstance{State: types.ServeStopped}
	}
	inst := &types.ServeInstance{
		RemoteID: s.remote.ID,
		Remote:   s.remote.Name,
		Port:     s.port,
		State:    s.state,
	}
	if s.proc != nil && (s.state == types.ServeStarting || s.state == types.ServeRunning) {
		inst.PID = s.proc.PID()
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		inst.StartedAt = &t
	}
	if s.err != nil {
		inst.LastError = s.err.Error()
	}
	return inst
}

func (g *Gateway) publishLocked() {
	if g.opts.Events == nil {
		return
	}
	g.opts.Events.Publish("stream", g.snapshotLocked())
}

// Close stops the serving process and rejects further requests. It returns
// once every process the gateway started has exited.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closed = true
	var r *retiree
	if g.cur != nil {
		r = g.stopLocked(g.cur)
		g.cur = nil
	}
	g.mu.Unlock()

	g.terminate(r, "shutdown")

	g.mu.Lock()
	pending := g.retiringLocked()
	g.mu.Unlock()
	for _, gone := range pending {
		<-gone
	}
	return nil
}
