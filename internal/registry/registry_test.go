package registry

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dl-alexandre/cloudstream/internal/index"
	"github.com/dl-alexandre/cloudstream/internal/types"
	"github.com/dl-alexandre/cloudstream/internal/utils"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("index.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, nil)
}

// recorder implements every cascade interface and records call order
type recorder struct {
	calls  []string
	failAt string
}

func (r *recorder) record(step, arg string) error {
	r.calls = append(r.calls, step+":"+arg)
	if r.failAt == step {
		return errors.New(step + " failed")
	}
	return nil
}

func (r *recorder) Release(ctx context.Context, id string) error { return r.record("release", id) }
func (r *recorder) Forget(ctx context.Context, id string) error  { return r.record("forget", id) }
func (r *recorder) Purge(ctx context.Context, remote types.RemoteConnection) error {
	return r.record("purge", remote.Name)
}
func (r *recorder) DeleteRemote(ctx context.Context, name string) error {
	return r.record("engine", name)
}
func (r *recorder) Delete(name string) error { return r.record("vault", name) }

func (r *recorder) cascade() Cascade {
	return Cascade{Serve: r, Listings: r, Cache: r, Engine: r, Credentials: r}
}

func TestAddAndGet(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	remote, err := reg.Add(ctx, "Work Drive", "drive", types.AuthStateAuthorized)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if remote.ID == "" || remote.CreatedAt.IsZero() {
		t.Errorf("Add() = %+v", remote)
	}

	got, err := reg.Get(ctx, remote.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "Work Drive" || got.AuthState != types.AuthStateAuthorized {
		t.Errorf("Get() = %+v", got)
	}

	byName, err := reg.Resolve(ctx, "Work Drive")
	if err != nil || byName.ID != remote.ID {
		t.Errorf("Resolve(name) = %+v, %v", byName, err)
	}
	byID, err := reg.Resolve(ctx, remote.ID)
	if err != nil || byID.Name != "Work Drive" {
		t.Errorf("Resolve(id) = %+v, %v", byID, err)
	}

	if _, err := reg.Get(ctx, "missing"); !utils.IsCode(err, utils.ErrCodeRemoteNotFound) {
		t.Errorf("Get(missing) error = %v", err)
	}
}

func TestAddConflictDoesNotMutate(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.Add(ctx, "media", "drive", types.AuthStateAuthorized)
	if err != nil {
		t.Fatal(err)
	}
	_, err = reg.Add(ctx, "media", "onedrive", types.AuthStateAuthorized)
	if !utils.IsCode(err, utils.ErrCodeNameConflict) {
		t.Fatalf("Add() error = %v, want NAME_CONFLICT", err)
	}
	if err := reg.CheckAvailable(ctx, "media"); !utils.IsCode(err, utils.ErrCodeNameConflict) {
		t.Errorf("CheckAvailable() error = %v", err)
	}

	remotes, err := reg.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(remotes) != 1 || remotes[0].ID != first.ID || remotes[0].Provider != "drive" {
		t.Errorf("List() = %+v", remotes)
	}
}

func TestAddValidation(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	tests := []struct {
		name     string
		remote   string
		provider string
	}{
		{"empty name", "", "drive"},
		{"colon in name", "bad:name", "drive"},
		{"slash in name", "a/b", "drive"},
		{"leading dot", "..", "drive"},
		{"trailing space", "media ", "drive"},
		{"unknown provider", "media", "ftp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := reg.Add(ctx, tt.remote, tt.provider, types.AuthStateAuthorized); !utils.IsCode(err, utils.ErrCodeInvalidArgument) {
				t.Errorf("Add(%q, %q) error = %v, want INVALID_ARGUMENT", tt.remote, tt.provider, err)
			}
		})
	}
}

func TestSetAuthState(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	remote, _ := reg.Add(ctx, "box1", "box", types.AuthStateAuthorized)

	if err := reg.SetAuthState(ctx, remote.ID, types.AuthStateExpired); err != nil {
		t.Fatalf("SetAuthState() error = %v", err)
	}
	got, _ := reg.Get(ctx, remote.ID)
	if got.AuthState != types.AuthStateExpired {
		t.Errorf("AuthState = %s", got.AuthState)
	}
	if err := reg.SetAuthState(ctx, remote.ID, "bogus"); !utils.IsCode(err, utils.ErrCodeInvalidArgument) {
		t.Errorf("invalid state error = %v", err)
	}
	if err := reg.SetAuthState(ctx, "missing", types.AuthStateExpired); !utils.IsCode(err, utils.ErrCodeRemoteNotFound) {
		t.Errorf("missing remote error = %v", err)
	}
}

func TestRemoveCascades(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	rec := &recorder{}
	reg.SetCascade(rec.cascade())

	remote, _ := reg.Add(ctx, "photos", "drive", types.AuthStateAuthorized)
	if err := reg.Remove(ctx, remote.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	want := "release:" + remote.ID + ",forget:" + remote.ID + ",purge:photos,engine:photos,vault:photos"
	if got := strings.Join(rec.calls, ","); got != want {
		t.Errorf("cascade = %s\nwant %s", got, want)
	}
	if _, err := reg.Get(ctx, remote.ID); !utils.IsCode(err, utils.ErrCodeRemoteNotFound) {
		t.Errorf("remote still visible after Remove: %v", err)
	}

	rec.calls = nil
	if err := reg.Remove(ctx, remote.ID); err != nil {
		t.Errorf("second Remove() error = %v", err)
	}
	if len(rec.calls) != 0 {
		t.Errorf("second Remove() ran cascade: %v", rec.calls)
	}
}

func TestRemoveFailureKeepsRemote(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	rec := &recorder{failAt: "purge"}
	reg.SetCascade(rec.cascade())

	remote, _ := reg.Add(ctx, "photos", "drive", types.AuthStateAuthorized)
	err := reg.Remove(ctx, remote.ID)
	if !utils.IsCode(err, utils.ErrCodeOperationFailed) {
		t.Fatalf("Remove() error = %v, want OPERATION_FAILED", err)
	}
	if _, err := reg.Get(ctx, remote.ID); err != nil {
		t.Fatalf("remote should remain after failed cascade: %v", err)
	}

	rec.failAt = ""
	if err := reg.Remove(ctx, remote.ID); err != nil {
		t.Fatalf("retried Remove() error = %v", err)
	}
	if _, err := reg.Get(ctx, remote.ID); !utils.IsCode(err, utils.ErrCodeRemoteNotFound) {
		t.Errorf("remote visible after retry: %v", err)
	}
}

func TestRemovingRemoteIsHidden(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	remote, _ := reg.Add(ctx, "photos", "drive", types.AuthStateAuthorized)

	var seen error
	hook := &hookReleaser{fn: func() { _, seen = reg.Get(ctx, remote.ID) }}
	reg.SetCascade(Cascade{Serve: hook})

	if err := reg.Remove(ctx, remote.ID); err != nil {
		t.Fatal(err)
	}
	if !utils.IsCode(seen, utils.ErrCodeRemoteNotFound) {
		t.Errorf("Get() during removal error = %v, want REMOTE_NOT_FOUND", seen)
	}
}

type hookReleaser struct{ fn func() }

func (h *hookReleaser) Release(ctx context.Context, id string) error {
	h.fn()
	return nil
}
