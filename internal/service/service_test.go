package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dl-alexandre/cloudstream/internal/auth"
	"github.com/dl-alexandre/cloudstream/internal/config"
	"github.com/dl-alexandre/cloudstream/internal/engine"
	"github.com/dl-alexandre/cloudstream/internal/gateway"
	testutil "github.com/dl-alexandre/cloudstream/internal/testing"
	"github.com/dl-alexandre/cloudstream/internal/testing/mocks"
	"github.com/dl-alexandre/cloudstream/internal/types"
	"github.com/dl-alexandre/cloudstream/internal/utils"
)

// engineScript stands in for the engine binary. It keeps configured remote
// names in a file, blocks "authorize" until the consent file exists and
// counts listing calls.
const engineScript = `
state=%q
case "$1" in
version)
  echo "rclone v1.66.0"
  ;;
authorize)
  echo "If your browser doesn't open automatically go to the following link: http://127.0.0.1:53682/auth?state=abc"
  while [ ! -f "$state/consent" ]; do sleep 0.05; done
  echo "Paste the following into your remote machine --->"
  echo '{"access_token":"ya29.a","token_type":"Bearer","refresh_token":"1//r","expiry":"2030-01-01T00:00:00Z"}'
  echo "<---End paste"
  ;;
config)
  case "$2" in
  create) echo "$3" >> "$state/remotes" ;;
  update) ;;
  delete) grep -vx "$3" "$state/remotes" > "$state/remotes.new"; mv "$state/remotes.new" "$state/remotes" ;;
  dump) echo '{}' ;;
  esac
  ;;
listremotes)
  [ -f "$state/remotes" ] && sed 's/$/:/' "$state/remotes"
  ;;
lsjson)
  echo x >> "$state/lsjson"
  case "$2" in
  *Secret*) echo "Failed to lsjson: couldn't fetch token - maybe it has expired?" >&2; exit 1 ;;
  esac
  cat <<'JSON'
[
{"Path":"b.mkv","Name":"b.mkv","Size":2048,"ModTime":"2024-03-01T10:00:00Z","IsDir":false},
{"Path":"Sub","Name":"Sub","Size":-1,"ModTime":"2024-03-01T10:00:00Z","IsDir":true},
{"Path":"a.mkv","Name":"a.mkv","Size":1024,"ModTime":"2024-03-01T10:00:00Z","IsDir":false}
]
JSON
  ;;
about)
  echo '{"total":1000,"used":400,"free":600}'
  ;;
esac
`

type launcherAdapter struct{ m *mocks.MockLauncher }

func (a launcherAdapter) Launch(spec engine.ServeSpec) (gateway.ServeProcess, error) {
	p, err := a.m.LaunchProcess(spec)
	if err != nil {
		return nil, err
	}
	return p, nil
}

type fixture struct {
	svc      *Service
	state    string
	launcher *mocks.MockLauncher
	vault    *auth.Vault
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	state := filepath.Join(dir, "state")
	if err := os.MkdirAll(state, 0700); err != nil {
		t.Fatal(err)
	}
	script := testutil.WriteScript(t, dir, "engine", fmt.Sprintf(engineScript, state))

	cfg := config.DefaultConfig()
	cfg.EngineBinary = script
	cfg.CacheRoot = filepath.Join(dir, "cache")
	cfg.TerminateGrace = 1

	fx := &fixture{
		state:    state,
		launcher: mocks.NewMockLauncher(),
		vault:    auth.NewVaultWithStorage(auth.NewPlainFileStorage(filepath.Join(dir, "vault"))),
	}
	svc, err := Open(Options{
		Config:    cfg,
		ConfigDir: filepath.Join(dir, "config"),
		Launcher:  launcherAdapter{fx.launcher},
		Vault:     fx.vault,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	fx.svc = svc
	return fx
}

func (fx *fixture) consent(t *testing.T) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(fx.state, "consent"), nil, 0600); err != nil {
		t.Fatal(err)
	}
}

func (fx *fixture) listingCalls(t *testing.T) int {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(fx.state, "lsjson"))
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		t.Fatal(err)
	}
	return strings.Count(string(data), "x")
}

// addRemote runs a complete authorization for name
func (fx *fixture) addRemote(t *testing.T, provider, name string) types.RemoteConnection {
	t.Helper()
	ctx := context.Background()
	handle, err := fx.svc.AddRemote(ctx, provider, name)
	testutil.AssertNoError(t, err)

	status, err := fx.svc.PollAuthorization(handle.Token)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, status.State, types.AuthFlowPending)

	fx.consent(t)
	testutil.Eventually(t, 5*time.Second, func() bool {
		s, err := fx.svc.PollAuthorization(handle.Token)
		return err == nil && s.State.Terminal()
	})
	status, _ = fx.svc.PollAuthorization(handle.Token)
	if status.State != types.AuthFlowAuthorized {
		t.Fatalf("flow ended %s: %s", status.State, status.Message)
	}
	_ = os.Remove(filepath.Join(fx.state, "consent"))

	remote, err := fx.svc.GetRemote(ctx, name)
	testutil.AssertNoError(t, err)
	return *remote
}

func TestAddBrowseStreamScenario(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	remote := fx.addRemote(t, "drive", "Work Drive")

	list, err := fx.svc.ListRemotes(ctx)
	testutil.AssertNoError(t, err)
	if len(list.Remotes) != 1 || list.Remotes[0].Name != "Work Drive" || list.Remotes[0].AuthState != types.AuthStateAuthorized {
		t.Fatalf("ListRemotes() = %+v", list.Remotes)
	}
	if !fx.vault.Has("Work Drive") {
		t.Error("credential copy missing from vault")
	}

	listing, err := fx.svc.Browse(ctx, "Work Drive", "/Movies", false)
	testutil.AssertNoError(t, err)
	var names []string
	for _, e := range listing.Entries {
		names = append(names, e.Name)
	}
	testutil.AssertEqual(t, strings.Join(names, ","), "Sub,a.mkv,b.mkv")
	testutil.AssertEqual(t, fx.listingCalls(t), 1)

	again, err := fx.svc.Browse(ctx, remote.ID, "/Movies", false)
	testutil.AssertNoError(t, err)
	if !again.FromCache || len(again.Entries) != 3 {
		t.Errorf("second Browse() = %+v", again)
	}
	testutil.AssertEqual(t, fx.listingCalls(t), 1)

	u, err := fx.svc.GetStreamURL(ctx, "Work Drive", "/Movies/a.mkv")
	testutil.AssertNoError(t, err)
	if !strings.HasPrefix(u.URL, "http://127.0.0.1:") || !strings.HasSuffix(u.URL, "/Movies/a.mkv") {
		t.Errorf("URL = %q", u.URL)
	}
	testutil.AssertEqual(t, fx.svc.StreamStatus().State, types.ServeRunning)

	q, err := fx.svc.RemoteQuota(ctx, "Work Drive")
	testutil.AssertNoError(t, err)
	if q.Total != 1000 || q.Trashed != -1 {
		t.Errorf("RemoteQuota() = %+v", q)
	}
}

func TestConcurrentBrowseSharesOneFetch(t *testing.T) {
	fx := newFixture(t)
	fx.addRemote(t, "onedrive", "home")

	const n = 6
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := fx.svc.Browse(context.Background(), "home", "/Music", false)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		testutil.AssertNoError(t, <-errs)
	}
	// Callers arriving after the shared fetch stored its result hit the cache.
	testutil.AssertEqual(t, fx.listingCalls(t), 1)
}

func TestAddRemoteNameConflict(t *testing.T) {
	fx := newFixture(t)
	fx.addRemote(t, "drive", "photos")

	_, err := fx.svc.AddRemote(context.Background(), "dropbox", "photos")
	if !utils.IsCode(err, utils.ErrCodeNameConflict) {
		t.Fatalf("AddRemote() error = %v, want NAME_CONFLICT", err)
	}
	list, _ := fx.svc.ListRemotes(context.Background())
	if len(list.Remotes) != 1 || list.Remotes[0].Provider != "drive" {
		t.Errorf("registry mutated: %+v", list.Remotes)
	}
}

func TestRemoveWhileStreaming(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	remote := fx.addRemote(t, "drive", "movies")

	_, err := fx.svc.GetStreamURL(ctx, "movies", "film.mkv")
	testutil.AssertNoError(t, err)

	// Simulate bytes cached by the serving process
	ns := filepath.Join(fx.svc.Config().CacheRoot, "movies", "vfs")
	if err := os.MkdirAll(ns, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ns, "film.mkv"), make([]byte, 4096), 0600); err != nil {
		t.Fatal(err)
	}

	err = fx.svc.ClearCache(ctx, "movies")
	if !utils.IsCode(err, utils.ErrCodeBusy) {
		t.Fatalf("ClearCache() while streaming error = %v, want BUSY", err)
	}

	testutil.AssertNoError(t, fx.svc.RemoveRemote(ctx, "movies"))

	if fx.launcher.Live() != 0 {
		t.Errorf("%d serving processes left running", fx.launcher.Live())
	}
	for _, ref := range []string{"movies", remote.ID} {
		stats, err := fx.svc.CacheStats(ctx, ref)
		testutil.AssertNoError(t, err)
		testutil.AssertEqual(t, stats.TotalBytes, int64(0), "cache bytes after removal")
		testutil.AssertEqual(t, stats.RemoteID, remote.ID)
	}
	if _, err := fx.svc.CacheStats(ctx, "never-added"); !utils.IsCode(err, utils.ErrCodeRemoteNotFound) {
		t.Errorf("CacheStats(unknown) error = %v, want REMOTE_NOT_FOUND", err)
	}
	if _, err := os.Stat(ns); !os.IsNotExist(err) {
		t.Errorf("cache directory survived removal: %v", err)
	}

	if _, err := fx.svc.GetRemote(ctx, "movies"); !utils.IsCode(err, utils.ErrCodeRemoteNotFound) {
		t.Errorf("GetRemote() after remove error = %v", err)
	}
	if fx.vault.Has("movies") {
		t.Error("vault entry survived removal")
	}
	names, err := fx.svc.engine.ListRemotes(ctx)
	testutil.AssertNoError(t, err)
	if len(names) != 0 {
		t.Errorf("engine config still lists %v", names)
	}

	// Idempotent
	testutil.AssertNoError(t, fx.svc.RemoveRemote(ctx, "movies"))
	testutil.AssertNoError(t, fx.svc.RemoveRemote(ctx, remote.ID))
}

func TestClearCacheWhenIdle(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addRemote(t, "drive", "music")

	ns := filepath.Join(fx.svc.Config().CacheRoot, "music")
	if err := os.MkdirAll(ns, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ns, "chunk"), make([]byte, 100), 0600); err != nil {
		t.Fatal(err)
	}

	stats, err := fx.svc.CacheStats(ctx, "music")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, stats.TotalBytes, int64(100))

	testutil.AssertNoError(t, fx.svc.ClearCache(ctx, "music"))
	stats, err = fx.svc.CacheStats(ctx, "music")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, stats.TotalBytes, int64(0))
}

func TestAuthFailureMarksRemoteExpired(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addRemote(t, "drive", "vault")

	_, err := fx.svc.Browse(ctx, "vault", "/Secret", false)
	if !utils.IsCode(err, utils.ErrCodeAuthExpired) {
		t.Fatalf("Browse() error = %v, want AUTH_EXPIRED", err)
	}
	remote, err := fx.svc.GetRemote(ctx, "vault")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, remote.AuthState, types.AuthStateExpired)
}

func TestRestoreEngineConfig(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addRemote(t, "drive", "restored")

	// Lose the engine config
	if err := os.Remove(filepath.Join(fx.state, "remotes")); err != nil {
		t.Fatal(err)
	}
	// A registered remote without a vaulted credential
	orphan, err := fx.svc.registry.Add(ctx, "orphan", "box", types.AuthStateAuthorized)
	testutil.AssertNoError(t, err)

	result, err := fx.svc.RestoreEngineConfig(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, strings.Join(result.Restored, ","), "restored")
	testutil.AssertEqual(t, strings.Join(result.Missing, ","), "orphan")

	names, err := fx.svc.engine.ListRemotes(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, strings.Join(names, ","), "restored")

	got, err := fx.svc.registry.Get(ctx, orphan.ID)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got.AuthState, types.AuthStateExpired)
}

func TestHealthReport(t *testing.T) {
	fx := newFixture(t)
	report := fx.svc.Health(context.Background())

	if !report.Healthy {
		t.Fatalf("report unhealthy: %+v", report.Checks)
	}
	testutil.AssertEqual(t, report.EngineVersion, "v1.66.0")
	seen := map[string]bool{}
	for _, c := range report.Checks {
		seen[c.Name] = true
	}
	for _, want := range []string{"engine", "index", "engine config", "credentials", "cache"} {
		if !seen[want] {
			t.Errorf("report missing %q check", want)
		}
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.StartupTimeout = 0
	_, err := Open(Options{Config: cfg, ConfigDir: t.TempDir()})
	if !utils.IsCode(err, utils.ErrCodeConfigError) {
		t.Fatalf("Open() error = %v, want CONFIG_ERROR", err)
	}
}
