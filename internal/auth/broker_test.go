package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dl-alexandre/cloudstream/internal/index"
	"github.com/dl-alexandre/cloudstream/internal/logging"
	"github.com/dl-alexandre/cloudstream/internal/registry"
	testutil "github.com/dl-alexandre/cloudstream/internal/testing"
	"github.com/dl-alexandre/cloudstream/internal/types"
	"github.com/dl-alexandre/cloudstream/internal/utils"
)

const testBlob = `{"access_token":"ya29.secret","token_type":"Bearer","refresh_token":"1//refresh","expiry":"2026-05-01T10:00:00Z"}`

type fakeAuthProc struct {
	url      string
	urlErr   error
	urlGate  chan struct{}
	token    chan string
	done     chan struct{}
	doneOnce sync.Once
	tail     []string

	terminated atomic.Bool
}

func newFakeAuthProc(url string) *fakeAuthProc {
	return &fakeAuthProc{
		url:   url,
		token: make(chan string, 1),
		done:  make(chan struct{}),
	}
}

func (p *fakeAuthProc) WaitURL(ctx context.Context) (string, error) {
	if p.urlGate != nil {
		select {
		case <-p.urlGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if p.urlErr != nil {
		return "", p.urlErr
	}
	return p.url, nil
}

func (p *fakeAuthProc) Token() <-chan string  { return p.token }
func (p *fakeAuthProc) Done() <-chan struct{} { return p.done }
func (p *fakeAuthProc) Err() error            { return nil }
func (p *fakeAuthProc) Tail() []string        { return p.tail }

func (p *fakeAuthProc) Terminate(time.Duration) error {
	p.terminated.Store(true)
	p.exit()
	return nil
}

func (p *fakeAuthProc) exit() {
	p.doneOnce.Do(func() { close(p.done) })
}

// complete simulates the user finishing consent in the browser
func (p *fakeAuthProc) complete(blob string) {
	p.token <- blob
	p.exit()
}

type createCall struct {
	name, provider, blob string
	update               bool
}

type fakeAuthEngine struct {
	mu        sync.Mutex
	procs     []*fakeAuthProc
	creates   []createCall
	deletes   []string
	createErr error
	startErr  error
	// urlGate holds back the consent URL of new processes until closed
	urlGate chan struct{}
}

func (e *fakeAuthEngine) Authorize(provider string) (AuthProcess, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return nil, e.startErr
	}
	p := newFakeAuthProc("https://accounts.example.com/o/oauth2/auth?state=" + provider)
	p.urlGate = e.urlGate
	e.procs = append(e.procs, p)
	return p, nil
}

func (e *fakeAuthEngine) CreateRemote(ctx context.Context, name, provider, blob string, update bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createErr != nil {
		return e.createErr
	}
	e.creates = append(e.creates, createCall{name, provider, blob, update})
	return nil
}

func (e *fakeAuthEngine) DeleteRemote(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deletes = append(e.deletes, name)
	return nil
}

func (e *fakeAuthEngine) lastProc(t *testing.T) *fakeAuthProc {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.procs) == 0 {
		t.Fatal("no authorize process started")
	}
	return e.procs[len(e.procs)-1]
}

type memVault struct {
	mu    sync.Mutex
	blobs map[string]string
}

func (v *memVault) Save(name, blob string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.blobs[name] = blob
	return nil
}

func (v *memVault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.blobs, name)
	return nil
}

func (v *memVault) get(name string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b, ok := v.blobs[name]
	return b, ok
}

type recordedEvents struct {
	mu     sync.Mutex
	states []types.AuthFlowState
}

func (r *recordedEvents) Publish(kind string, data interface{}) {
	if s, ok := data.(*types.AuthStatus); ok && kind == "auth" {
		r.mu.Lock()
		r.states = append(r.states, s.State)
		r.mu.Unlock()
	}
}

type brokerFixture struct {
	broker *Broker
	engine *fakeAuthEngine
	reg    *registry.Registry
	vault  *memVault
	events *recordedEvents
}

func newBrokerFixture(t *testing.T, opts BrokerOptions) *brokerFixture {
	t.Helper()
	db, err := index.Open(":memory:")
	if err != nil {
		t.Fatalf("index.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	fx := &brokerFixture{
		engine: &fakeAuthEngine{},
		reg:    registry.New(db, logging.NewNoOpLogger()),
		vault:  &memVault{blobs: map[string]string{}},
		events: &recordedEvents{},
	}
	opts.Events = fx.events
	if opts.TerminateGrace == 0 {
		opts.TerminateGrace = 50 * time.Millisecond
	}
	fx.broker = NewBroker(fx.engine, fx.reg, fx.vault, opts)
	t.Cleanup(func() { _ = fx.broker.Close() })
	return fx
}

func waitState(t *testing.T, b *Broker, token string, want types.AuthFlowState) *types.AuthStatus {
	t.Helper()
	var last *types.AuthStatus
	testutil.Eventually(t, 2*time.Second, func() bool {
		s, err := b.Poll(token)
		if err != nil {
			return false
		}
		last = s
		return s.State == want
	})
	return last
}

func TestBrokerAddRemoteScenario(t *testing.T) {
	fx := newBrokerFixture(t, BrokerOptions{})
	ctx := testutil.TestContext()

	handle, err := fx.broker.Start(ctx, "drive", "Work Drive")
	testutil.AssertNoError(t, err)
	if handle.URL == "" || handle.Token == "" {
		t.Fatalf("handle = %+v", handle)
	}

	status, err := fx.broker.Poll(handle.Token)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, status.State, types.AuthFlowPending)

	fx.engine.lastProc(t).complete(testBlob)

	status = waitState(t, fx.broker, handle.Token, types.AuthFlowAuthorized)
	if status.RemoteID == "" {
		t.Error("authorized flow should name the new remote")
	}
	if status.Expiry == nil || !status.Expiry.Equal(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("Expiry = %v", status.Expiry)
	}

	remotes, err := fx.reg.List(ctx)
	testutil.AssertNoError(t, err)
	if len(remotes) != 1 || remotes[0].Name != "Work Drive" || remotes[0].AuthState != types.AuthStateAuthorized {
		t.Fatalf("remotes = %+v", remotes)
	}

	fx.engine.mu.Lock()
	creates := fx.engine.creates
	fx.engine.mu.Unlock()
	if len(creates) != 1 || creates[0].update || creates[0].provider != "drive" {
		t.Errorf("creates = %+v", creates)
	}
	if blob, ok := fx.vault.get("Work Drive"); !ok || blob != testBlob {
		t.Error("credential copy was not vaulted")
	}
}

func TestBrokerStatusNeverCarriesCredential(t *testing.T) {
	fx := newBrokerFixture(t, BrokerOptions{})
	handle, err := fx.broker.Start(testutil.TestContext(), "dropbox", "box1")
	testutil.AssertNoError(t, err)
	fx.engine.lastProc(t).complete(testBlob)

	status := waitState(t, fx.broker, handle.Token, types.AuthFlowAuthorized)
	for _, field := range []string{status.Message, status.URL, status.Remote} {
		if containsAny(field, "ya29.secret", "1//refresh") {
			t.Fatalf("status leaked credential: %+v", status)
		}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func TestBrokerSecondAttemptIsBusy(t *testing.T) {
	fx := newBrokerFixture(t, BrokerOptions{})
	ctx := testutil.TestContext()

	first, err := fx.broker.Start(ctx, "drive", "Work Drive")
	testutil.AssertNoError(t, err)

	_, err = fx.broker.Start(ctx, "drive", "Work Drive")
	if !utils.IsCode(err, utils.ErrCodeBusy) {
		t.Fatalf("second Start() error = %v, want BUSY", err)
	}

	// A different name is independent
	if _, err := fx.broker.Start(ctx, "onedrive", "Other"); err != nil {
		t.Fatalf("Start() for another name error = %v", err)
	}

	testutil.AssertNoError(t, fx.broker.Cancel(first.Token))
	waitState(t, fx.broker, first.Token, types.AuthFlowFailed)

	if _, err := fx.broker.Start(ctx, "drive", "Work Drive"); err != nil {
		t.Fatalf("Start() after cancel error = %v", err)
	}
}

func TestBrokerRejectsTakenNameAndProvider(t *testing.T) {
	fx := newBrokerFixture(t, BrokerOptions{})
	ctx := testutil.TestContext()

	if _, err := fx.reg.Add(ctx, "photos", "drive", types.AuthStateAuthorized); err != nil {
		t.Fatal(err)
	}

	_, err := fx.broker.Start(ctx, "drive", "photos")
	if !utils.IsCode(err, utils.ErrCodeNameConflict) {
		t.Errorf("Start() error = %v, want NAME_CONFLICT", err)
	}
	_, err = fx.broker.Start(ctx, "ftp", "newname")
	if !utils.IsCode(err, utils.ErrCodeInvalidArgument) {
		t.Errorf("Start() error = %v, want INVALID_ARGUMENT", err)
	}
	if len(fx.engine.procs) != 0 {
		t.Error("no engine process should be spawned for rejected requests")
	}
}

func TestBrokerTimeout(t *testing.T) {
	fx := newBrokerFixture(t, BrokerOptions{Timeout: 50 * time.Millisecond})

	handle, err := fx.broker.Start(testutil.TestContext(), "drive", "slow")
	testutil.AssertNoError(t, err)

	status := waitState(t, fx.broker, handle.Token, types.AuthFlowTimeout)
	if status.FinishedAt == nil {
		t.Error("terminal flow should carry FinishedAt")
	}
	if !fx.engine.lastProc(t).terminated.Load() {
		t.Error("timed out flow should terminate the engine process")
	}
	if fx.broker.Pending("slow") {
		t.Error("timed out flow should release the name")
	}
}

func TestBrokerProcessExitFails(t *testing.T) {
	fx := newBrokerFixture(t, BrokerOptions{})

	handle, err := fx.broker.Start(testutil.TestContext(), "drive", "broken")
	testutil.AssertNoError(t, err)

	proc := fx.engine.lastProc(t)
	proc.tail = []string{"Failed to get token", `{"refresh_token":"1//leak"}`}
	proc.exit()

	status := waitState(t, fx.broker, handle.Token, types.AuthFlowFailed)
	if containsAny(status.Message, "1//leak") {
		t.Errorf("failure message leaked credential: %q", status.Message)
	}

	remotes, _ := fx.reg.List(context.Background())
	if len(remotes) != 0 {
		t.Errorf("failed flow registered remotes: %+v", remotes)
	}
}

func TestBrokerEngineConfigFailure(t *testing.T) {
	fx := newBrokerFixture(t, BrokerOptions{})
	fx.engine.createErr = errors.New("config file locked")

	handle, err := fx.broker.Start(testutil.TestContext(), "drive", "locked")
	testutil.AssertNoError(t, err)
	fx.engine.lastProc(t).complete(testBlob)

	waitState(t, fx.broker, handle.Token, types.AuthFlowFailed)
	if _, ok := fx.vault.get("locked"); ok {
		t.Error("vault written although the engine config failed")
	}
}

func TestBrokerURLFailureReleasesName(t *testing.T) {
	fx := newBrokerFixture(t, BrokerOptions{})
	fx.engine.startErr = utils.ConfigError("engine binary not found")

	_, err := fx.broker.Start(testutil.TestContext(), "drive", "nowhere")
	if !utils.IsCode(err, utils.ErrCodeConfigError) {
		t.Fatalf("Start() error = %v", err)
	}
	if fx.broker.Pending("nowhere") {
		t.Error("failed start should not hold the name")
	}
}

func TestBrokerReconnect(t *testing.T) {
	fx := newBrokerFixture(t, BrokerOptions{})
	ctx := testutil.TestContext()

	remote, err := fx.reg.Add(ctx, "music", "pcloud", types.AuthStateExpired)
	testutil.AssertNoError(t, err)

	handle, err := fx.broker.Reconnect(ctx, *remote)
	testutil.AssertNoError(t, err)

	got, _ := fx.reg.Get(ctx, remote.ID)
	testutil.AssertEqual(t, got.AuthState, types.AuthStatePending)

	fx.engine.lastProc(t).complete(testBlob)
	status := waitState(t, fx.broker, handle.Token, types.AuthFlowAuthorized)
	testutil.AssertEqual(t, status.RemoteID, remote.ID)

	got, _ = fx.reg.Get(ctx, remote.ID)
	testutil.AssertEqual(t, got.AuthState, types.AuthStateAuthorized)

	fx.engine.mu.Lock()
	defer fx.engine.mu.Unlock()
	if len(fx.engine.creates) != 1 || !fx.engine.creates[0].update {
		t.Errorf("reconnect should update the engine config: %+v", fx.engine.creates)
	}
}

func TestBrokerReconnectFailureRestoresState(t *testing.T) {
	fx := newBrokerFixture(t, BrokerOptions{})
	ctx := testutil.TestContext()

	remote, err := fx.reg.Add(ctx, "music", "pcloud", types.AuthStateExpired)
	testutil.AssertNoError(t, err)

	handle, err := fx.broker.Reconnect(ctx, *remote)
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, fx.broker.Cancel(handle.Token))
	waitState(t, fx.broker, handle.Token, types.AuthFlowFailed)

	testutil.Eventually(t, time.Second, func() bool {
		got, err := fx.reg.Get(ctx, remote.ID)
		return err == nil && got.AuthState == types.AuthStateExpired
	})
}

func TestBrokerUnknownTokenAndRetention(t *testing.T) {
	var now atomic.Int64
	now.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }

	fx := newBrokerFixture(t, BrokerOptions{Now: clock})

	if _, err := fx.broker.Poll("nope"); !utils.IsCode(err, utils.ErrCodeAuthFlowNotFound) {
		t.Fatalf("Poll(unknown) error = %v", err)
	}

	handle, err := fx.broker.Start(testutil.TestContext(), "box", "docs")
	testutil.AssertNoError(t, err)
	fx.engine.lastProc(t).complete(testBlob)
	waitState(t, fx.broker, handle.Token, types.AuthFlowAuthorized)

	now.Add(int64(9 * time.Minute))
	if _, err := fx.broker.Poll(handle.Token); err != nil {
		t.Fatalf("flow should be retained: %v", err)
	}

	now.Add(int64(2 * time.Minute))
	if _, err := fx.broker.Poll(handle.Token); !utils.IsCode(err, utils.ErrCodeAuthFlowNotFound) {
		t.Fatalf("expired flow Poll() error = %v", err)
	}
}

func TestBrokerPublishesEvents(t *testing.T) {
	fx := newBrokerFixture(t, BrokerOptions{})
	handle, err := fx.broker.Start(testutil.TestContext(), "drive", "evented")
	testutil.AssertNoError(t, err)
	fx.engine.lastProc(t).complete(testBlob)
	waitState(t, fx.broker, handle.Token, types.AuthFlowAuthorized)

	fx.events.mu.Lock()
	defer fx.events.mu.Unlock()
	if len(fx.events.states) != 2 || fx.events.states[0] != types.AuthFlowPending || fx.events.states[1] != types.AuthFlowAuthorized {
		t.Errorf("events = %v", fx.events.states)
	}
}

func TestBrokerCloseCancelsPending(t *testing.T) {
	fx := newBrokerFixture(t, BrokerOptions{})
	handle, err := fx.broker.Start(testutil.TestContext(), "drive", "closing")
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, fx.broker.Close())

	status, err := fx.broker.Poll(handle.Token)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, status.State, types.AuthFlowFailed)
	if !fx.engine.lastProc(t).terminated.Load() {
		t.Error("Close should terminate pending engine processes")
	}

	if _, err := fx.broker.Start(testutil.TestContext(), "drive", "after"); err == nil {
		t.Error("Start after Close should fail")
	}
}

func TestBrokerCloseWaitsForStartingFlow(t *testing.T) {
	fx := newBrokerFixture(t, BrokerOptions{URLWait: 5 * time.Second})
	gate := make(chan struct{})
	fx.engine.urlGate = gate

	started := make(chan error, 1)
	go func() {
		_, err := fx.broker.Start(testutil.TestContext(), "drive", "slow")
		started <- err
	}()
	testutil.Eventually(t, time.Second, func() bool {
		fx.engine.mu.Lock()
		defer fx.engine.mu.Unlock()
		return len(fx.engine.procs) == 1
	}, "authorize process not spawned")

	closed := make(chan struct{})
	go func() {
		_ = fx.broker.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a flow was still starting")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	if err := <-started; err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the flow started")
	}
	if !fx.engine.lastProc(t).terminated.Load() {
		t.Error("Close should terminate the flow that was starting")
	}
}
