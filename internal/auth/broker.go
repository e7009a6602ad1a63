package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dl-alexandre/cloudstream/internal/engine"
	"github.com/dl-alexandre/cloudstream/internal/logging"
	"github.com/dl-alexandre/cloudstream/internal/metrics"
	"github.com/dl-alexandre/cloudstream/internal/types"
	"github.com/dl-alexandre/cloudstream/internal/utils"
)

// AuthProcess is a running interactive authorization
type AuthProcess interface {
	WaitURL(ctx context.Context) (string, error)
	Token() <-chan string
	Done() <-chan struct{}
	Err() error
	Tail() []string
	Terminate(grace time.Duration) error
}

// AuthEngine runs authorization and persists the resulting remote config
type AuthEngine interface {
	Authorize(provider string) (AuthProcess, error)
	CreateRemote(ctx context.Context, name, provider, blob string, update bool) error
	DeleteRemote(ctx context.Context, name string) error
}

// EngineAdapter exposes an *engine.Engine as an AuthEngine
type EngineAdapter struct {
	Engine    *engine.Engine
	NoBrowser bool
}

func (a EngineAdapter) Authorize(provider string) (AuthProcess, error) {
	p, err := a.Engine.StartAuthorize(provider, engine.AuthorizeOptions{NoBrowser: a.NoBrowser})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (a EngineAdapter) CreateRemote(ctx context.Context, name, provider, blob string, update bool) error {
	return a.Engine.CreateRemote(ctx, name, provider, blob, update)
}

func (a EngineAdapter) DeleteRemote(ctx context.Context, name string) error {
	return a.Engine.DeleteRemote(ctx, name)
}

// RemoteStore is the part of the registry the broker writes to
type RemoteStore interface {
	CheckAvailable(ctx context.Context, name string) error
	Add(ctx context.Context, name, provider string, state types.AuthState) (*types.RemoteConnection, error)
	SetAuthState(ctx context.Context, id string, state types.AuthState) error
}

// CredentialVault keeps a restorable copy of credential blobs
type CredentialVault interface {
	Save(name, blob string) error
	Delete(name string) error
}

// EventSink receives flow state changes
type EventSink interface {
	Publish(kind string, data interface{})
}

// BrokerOptions tune the authorization broker
type BrokerOptions struct {
	// Timeout bounds a whole flow, from start to credential
	Timeout time.Duration
	// URLWait bounds how long Start blocks for the consent URL
	URLWait        time.Duration
	Retention      time.Duration
	TerminateGrace time.Duration
	CommandTimeout time.Duration
	Events         EventSink
	Logger         logging.Logger
	Now            func() time.Time
}

type flow struct {
	status     types.AuthStatus
	proc       AuthProcess
	update     bool
	prevState  types.AuthState
	cancel     chan struct{}
	cancelOnce sync.Once
}

func (f *flow) stop() {
	f.cancelOnce.Do(func() { close(f.cancel) })
}

// Broker runs interactive authorization flows. At most one flow per remote
// name is in flight; finished flows stay pollable for the retention window.
type Broker struct {
	engine  AuthEngine
	remotes RemoteStore
	vault   CredentialVault
	opts    BrokerOptions
	logger  logging.Logger

	mu     sync.Mutex
	flows  map[string]*flow
	active map[string]string
	closed bool
	wg     sync.WaitGroup
}

// NewBroker creates a broker
func NewBroker(eng AuthEngine, remotes RemoteStore, vault CredentialVault, opts BrokerOptions) *Broker {
	if opts.Timeout <= 0 {
		opts.Timeout = utils.DefaultAuthTimeout
	}
	if opts.URLWait <= 0 {
		opts.URLWait = utils.AuthURLWait
	}
	if opts.Retention <= 0 {
		opts.Retention = utils.AuthFlowRetention
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = utils.DefaultTerminateGrace
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = utils.DefaultCommandTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	return &Broker{
		engine:  eng,
		remotes: remotes,
		vault:   vault,
		opts:    opts,
		logger:  opts.Logger,
		flows:   make(map[string]*flow),
		active:  make(map[string]string),
	}
}

// Start begins authorizing a new remote called name. It returns once the
// consent URL is known; completion is observed through Poll.
func (b *Broker) Start(ctx context.Context, provider, name string) (*types.AuthHandle, error) {
	if !utils.IsSupportedProvider(provider) {
		return nil, utils.InvalidArgument(fmt.Sprintf("unsupported provider %q (supported: %s)",
			provider, strings.Join(utils.SupportedProviders, ", ")))
	}
	if err := b.remotes.CheckAvailable(ctx, name); err != nil {
		return nil, err
	}
	return b.begin(ctx, provider, name, nil)
}

// Reconnect re-authorizes an existing remote, updating its engine config in
// place. The remote is pending until the flow ends; a failed flow restores
// its previous auth state.
func (b *Broker) Reconnect(ctx context.Context, remote types.RemoteConnection) (*types.AuthHandle, error) {
	return b.begin(ctx, remote.Provider, remote.Name, &remote)
}

func (b *Broker) begin(ctx context.Context, provider, name string, existing *types.RemoteConnection) (*types.AuthHandle, error) {
	f := &flow{
		status: types.AuthStatus{
			Token:     uuid.New().String(),
			Remote:    name,
			Provider:  provider,
			State:     types.AuthFlowPending,
			StartedAt: b.opts.Now().UTC(),
		},
		cancel: make(chan struct{}),
	}
	if existing != nil {
		f.update = true
		f.prevState = existing.AuthState
		f.status.RemoteID = existing.ID
	}

	b.mu.Lock()
	b.gcLocked()
	if b.closed {
		b.mu.Unlock()
		return nil, utils.NewCLIError(utils.ErrCodeOperationFailed, "authorization broker is shut down").Err()
	}
	if _, busy := b.active[name]; busy {
		b.mu.Unlock()
		return nil, utils.Busy(fmt.Sprintf("an authorization for %q is already in progress", name))
	}
	b.active[name] = f.status.Token
	b.flows[f.status.Token] = f
	// Close waits for this flow from here on, including its spawn
	b.wg.Add(1)
	b.mu.Unlock()

	proc, url, err := b.spawn(ctx, provider)
	if err != nil {
		b.mu.Lock()
		delete(b.active, name)
		delete(b.flows, f.status.Token)
		b.mu.Unlock()
		b.wg.Done()
		metrics.AuthFlowsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	if f.update {
		if err := b.remotes.SetAuthState(ctx, existing.ID, types.AuthStatePending); err != nil {
			b.logger.Warn("failed to mark remote pending",
				logging.F("remote", name),
				logging.F("error", err.Error()),
			)
		}
	}

	b.mu.Lock()
	f.proc = proc
	f.status.URL = url
	status := f.status
	b.mu.Unlock()

	b.logger.Info("authorization started",
		logging.F("remote", name),
		logging.F("provider", provider),
		logging.F("reconnect", f.update),
	)
	b.publish(&status)

	go b.watch(f)

	return &types.AuthHandle{URL: url, Token: f.status.Token}, nil
}

func (b *Broker) spawn(ctx context.Context, provider string) (AuthProcess, string, error) {
	proc, err := b.engine.Authorize(provider)
	if err != nil {
		return nil, "", err
	}
	waitCtx, cancel := context.WithTimeout(ctx, b.opts.URLWait)
	defer cancel()
	url, err := proc.WaitURL(waitCtx)
	if err != nil {
		_ = proc.Terminate(b.opts.TerminateGrace)
		return nil, "", err
	}
	return proc, url, nil
}

func (b *Broker) watch(f *flow) {
	defer b.wg.Done()

	timer := time.NewTimer(b.opts.Timeout)
	defer timer.Stop()

	select {
	case blob := <-f.proc.Token():
		b.complete(f, blob)
	case <-f.proc.Done():
		select {
		case blob := <-f.proc.Token():
			b.complete(f, blob)
		default:
			b.finish(f, types.AuthFlowFailed, exitMessage(f.proc))
		}
	case <-timer.C:
		_ = f.proc.Terminate(b.opts.TerminateGrace)
		b.finish(f, types.AuthFlowTimeout,
			fmt.Sprintf("authorization not completed within %s; start again", b.opts.Timeout))
	case <-f.cancel:
		_ = f.proc.Terminate(b.opts.TerminateGrace)
		b.finish(f, types.AuthFlowFailed, "authorization cancelled")
	}
}

func exitMessage(proc AuthProcess) string {
	msg := "authorization process exited before completing"
	if err := proc.Err(); err != nil {
		msg += ": " + logging.Redact(err.Error())
	}
	tail := proc.Tail()
	if len(tail) > 3 {
		tail = tail[len(tail)-3:]
	}
	if len(tail) > 0 {
		msg += " (" + logging.Redact(strings.Join(tail, " | ")) + ")"
	}
	return msg
}

func (b *Broker) complete(f *flow, blob string) {
	// The engine exits on its own after printing the credential.
	select {
	case <-f.proc.Done():
	case <-time.After(b.opts.TerminateGrace):
		_ = f.proc.Terminate(b.opts.TerminateGrace)
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.CommandTimeout)
	defer cancel()

	name, provider := f.status.Remote, f.status.Provider
	if strings.TrimSpace(blob) == "" {
		b.finish(f, types.AuthFlowFailed, "authorization returned an empty credential")
		return
	}

	if !f.update {
		if err := b.remotes.CheckAvailable(ctx, name); err != nil {
			b.finish(f, types.AuthFlowFailed, err.Error())
			return
		}
	}

	if err := b.engine.CreateRemote(ctx, name, provider, blob, f.update); err != nil {
		b.finish(f, types.AuthFlowFailed, "failed to save remote configuration: "+logging.Redact(err.Error()))
		return
	}

	if b.vault != nil {
		if err := b.vault.Save(name, blob); err != nil {
			b.logger.Warn("failed to vault credential copy",
				logging.F("remote", name),
				logging.F("error", err.Error()),
			)
		}
	}

	var expiry *time.Time
	if tok, err := ParseCredential(blob); err == nil && !tok.Expiry.IsZero() {
		e := tok.Expiry.UTC()
		expiry = &e
	}

	if f.update {
		if err := b.remotes.SetAuthState(ctx, f.status.RemoteID, types.AuthStateAuthorized); err != nil {
			b.finish(f, types.AuthFlowFailed, "failed to update remote: "+err.Error())
			return
		}
	} else {
		remote, err := b.remotes.Add(ctx, name, provider, types.AuthStateAuthorized)
		if err != nil {
			if derr := b.engine.DeleteRemote(ctx, name); derr != nil {
				b.logger.Warn("failed to roll back engine config",
					logging.F("remote", name),
					logging.F("error", derr.Error()),
				)
			}
			if b.vault != nil {
				_ = b.vault.Delete(name)
			}
			b.finish(f, types.AuthFlowFailed, "failed to register remote: "+err.Error())
			return
		}
		b.mu.Lock()
		f.status.RemoteID = remote.ID
		b.mu.Unlock()
	}

	b.mu.Lock()
	f.status.Expiry = expiry
	b.mu.Unlock()
	b.finish(f, types.AuthFlowAuthorized, "")
}

func (b *Broker) finish(f *flow, state types.AuthFlowState, message string) {
	b.mu.Lock()
	now := b.opts.Now().UTC()
	f.status.State = state
	f.status.Message = message
	f.status.FinishedAt = &now
	if b.active[f.status.Remote] == f.status.Token {
		delete(b.active, f.status.Remote)
	}
	status := f.status
	b.mu.Unlock()

	if state != types.AuthFlowAuthorized && f.update {
		restore := f.prevState
		if !restore.Valid() || restore == types.AuthStatePending {
			restore = types.AuthStateExpired
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.CommandTimeout)
		if err := b.remotes.SetAuthState(ctx, status.RemoteID, restore); err != nil {
			b.logger.Warn("failed to restore auth state",
				logging.F("remote", status.Remote),
				logging.F("error", err.Error()),
			)
		}
		cancel()
	}

	metrics.AuthFlowsTotal.WithLabelValues(string(state)).Inc()
	if state == types.AuthFlowAuthorized {
		b.logger.Info("authorization completed",
			logging.F("remote", status.Remote),
			logging.F("remoteId", status.RemoteID),
		)
	} else {
		b.logger.Warn("authorization ended",
			logging.F("remote", status.Remote),
			logging.F("state", string(state)),
			logging.F("message", message),
		)
	}
	b.publish(&status)
}

func (b *Broker) publish(status *types.AuthStatus) {
	if b.opts.Events != nil {
		b.opts.Events.Publish("auth", status)
	}
}

// Poll returns the state of the flow identified by token
func (b *Broker) Poll(token string) (*types.AuthStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gcLocked()

	f, ok := b.flows[token]
	if !ok || f.proc == nil {
		return nil, utils.NotFound(utils.ErrCodeAuthFlowNotFound, "authorization flow", token)
	}
	status := f.status
	return &status, nil
}

// Cancel stops a pending flow; the flow ends as failed. Cancelling a
// finished flow does nothing.
func (b *Broker) Cancel(token string) error {
	b.mu.Lock()
	f, ok := b.flows[token]
	b.mu.Unlock()
	if !ok {
		return utils.NotFound(utils.ErrCodeAuthFlowNotFound, "authorization flow", token)
	}
	f.stop()
	return nil
}

// Pending reports whether a flow for the remote name is in flight
func (b *Broker) Pending(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.active[name]
	return ok
}

// Close cancels all pending flows and waits for their watchers
func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	for _, f := range b.flows {
		if !f.status.State.Terminal() {
			f.stop()
		}
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

func (b *Broker) gcLocked() {
	cutoff := b.opts.Now().Add(-b.opts.Retention)
	for token, f := range b.flows {
		if f.status.FinishedAt != nil && f.status.FinishedAt.Before(cutoff) {
			delete(b.flows, token)
		}
	}
}
