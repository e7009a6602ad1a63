// Package registry owns the catalog of configured remote connections.
package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dl-alexandre/cloudstream/internal/index"
	"github.com/dl-alexandre/cloudstream/internal/logging"
	"github.com/dl-alexandre/cloudstream/internal/types"
	"github.com/dl-alexandre/cloudstream/internal/utils"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_ .-]*$`)

// ServeReleaser stops a serving process bound to a remote
type ServeReleaser interface {
	Release(ctx context.Context, remoteID string) error
}

// ListingForgetter drops cached listings of a remote
type ListingForgetter interface {
	Forget(ctx context.Context, remoteID string) error
}

// CachePurger deletes a remote's on-disk byte cache
type CachePurger interface {
	Purge(ctx context.Context, remote types.RemoteConnection) error
}

// EngineConfig removes a remote's section from the engine configuration
type EngineConfig interface {
	DeleteRemote(ctx context.Context, name string) error
}

// CredentialStore removes a remote's saved credential
type CredentialStore interface {
	Delete(name string) error
}

// Cascade lists what a remove must clean up. Nil members are skipped.
type Cascade struct {
	Serve       ServeReleaser
	Listings    ListingForgetter
	Cache       CachePurger
	Engine      EngineConfig
	Credentials CredentialStore
}

// Registry manages remote connections
type Registry struct {
	store  *index.DB
	logger logging.Logger
	now    func() time.Time

	mu      sync.Mutex
	cascade Cascade
	// removeMu serializes remove cascades so concurrent removes of the same
	// remote do not interleave
	removeMu sync.Mutex
}

// New creates a Registry
func New(store *index.DB, logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Registry{store: store, logger: logger, now: time.Now}
}

// SetCascade installs the components cleaned up by Remove
func (r *Registry) SetCascade(c Cascade) {
	r.mu.Lock()
	r.cascade = c
	r.mu.Unlock()
}

// ValidateName checks a remote name is usable as an engine section name
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return utils.InvalidArgument("remote name is required")
	}
	if len(name) > 64 {
		return utils.InvalidArgument("remote name must be at most 64 characters")
	}
	if !namePattern.MatchString(name) || strings.HasSuffix(name, " ") {
		return utils.InvalidArgument(fmt.Sprintf("invalid remote name %q: use letters, digits, spaces, '_', '-' and '.'", name))
	}
	return nil
}

// CheckAvailable fails with NAME_CONFLICT when name is already taken
func (r *Registry) CheckAvailable(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	_, err := r.store.GetRemoteByName(ctx, name)
	switch {
	case err == nil:
		return nameConflict(name)
	case errors.Is(err, index.ErrNotFound):
		return nil
	default:
		return storeError(err)
	}
}

// Add registers a new remote. On a name conflict nothing is written.
func (r *Registry) Add(ctx context.Context, name, provider string, state types.AuthState) (*types.RemoteConnection, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if !utils.IsSupportedProvider(provider) {
		return nil, utils.InvalidArgument(fmt.Sprintf("unsupported provider %q", provider))
	}
	if !state.Valid() {
		return nil, utils.InvalidArgument(fmt.Sprintf("invalid auth state %q", state))
	}

	remote := types.RemoteConnection{
		ID:        uuid.New().String(),
		Name:      name,
		Provider:  provider,
		AuthState: state,
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.InsertRemote(ctx, remote); err != nil {
		if errors.Is(err, index.ErrNameConflict) {
			return nil, nameConflict(name)
		}
		return nil, storeError(err)
	}
	r.logger.Info("remote added",
		logging.F("remoteId", remote.ID),
		logging.F("remote", name),
		logging.F("provider", provider),
	)
	return &remote, nil
}

// Get returns a remote by id. Remotes being removed are not visible.
func (r *Registry) Get(ctx context.Context, id string) (*types.RemoteConnection, error) {
	rec, err := r.store.GetRemote(ctx, id)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return nil, utils.NotFound(utils.ErrCodeRemoteNotFound, "remote", id)
		}
		return nil, storeError(err)
	}
	if rec.Removing {
		return nil, utils.NotFound(utils.ErrCodeRemoteNotFound, "remote", id)
	}
	return &rec.RemoteConnection, nil
}

// Resolve looks a remote up by id, then by name
func (r *Registry) Resolve(ctx context.Context, idOrName string) (*types.RemoteConnection, error) {
	remote, err := r.Get(ctx, idOrName)
	if err == nil {
		return remote, nil
	}
	if !utils.IsCode(err, utils.ErrCodeRemoteNotFound) {
		return nil, err
	}
	rec, err := r.store.GetRemoteByName(ctx, idOrName)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return nil, utils.NotFound(utils.ErrCodeRemoteNotFound, "remote", idOrName)
		}
		return nil, storeError(err)
	}
	if rec.Removing {
		return nil, utils.NotFound(utils.ErrCodeRemoteNotFound, "remote", idOrName)
	}
	return &rec.RemoteConnection, nil
}

// List returns all visible remotes ordered by name
func (r *Registry) List(ctx context.Context) ([]types.RemoteConnection, error) {
	records, err := r.store.ListRemotes(ctx)
	if err != nil {
		return nil, storeError(err)
	}
	remotes := make([]types.RemoteConnection, 0, len(records))
	for _, rec := range records {
		if rec.Removing {
			continue
		}
		remotes = append(remotes, rec.RemoteConnection)
	}
	return remotes, nil
}

// SetAuthState records a remote's credential state
func (r *Registry) SetAuthState(ctx context.Context, id string, state types.AuthState) error {
	if !state.Valid() {
		return utils.InvalidArgument(fmt.Sprintf("invalid auth state %q", state))
	}
	if err := r.store.SetAuthState(ctx, id, state); err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return utils.NotFound(utils.ErrCodeRemoteNotFound, "remote", id)
		}
		return storeError(err)
	}
	r.logger.Debug("remote auth state changed", logging.F("remoteId", id), logging.F("authState", string(state)))
	return nil
}

// TouchScanned records a successful listing
func (r *Registry) TouchScanned(ctx context.Context, id string, at time.Time) error {
	if err := r.store.TouchScanned(ctx, id, at); err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return utils.NotFound(utils.ErrCodeRemoteNotFound, "remote", id)
		}
		return storeError(err)
	}
	return nil
}

// Remove deletes a remote and everything bound to it: the serving process,
// cached listings, the byte cache, the engine config section and the saved
// credential. Removing an unknown remote succeeds. If a cleanup step fails
// the remote stays registered and Remove can be called again.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.removeMu.Lock()
	defer r.removeMu.Unlock()

	rec, err := r.store.GetRemote(ctx, id)
	if errors.Is(err, index.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeError(err)
	}

	if err := r.store.SetRemoving(ctx, id, true); err != nil {
		return storeError(err)
	}

	if err := r.runCascade(ctx, rec.RemoteConnection); err != nil {
		if resetErr := r.store.SetRemoving(context.WithoutCancel(ctx), id, false); resetErr != nil {
			r.logger.Error("failed to reset removing flag", logging.F("remoteId", id), logging.F("error", resetErr.Error()))
		}
		return err
	}

	if err := r.store.DeleteRemote(ctx, id); err != nil {
		return storeError(err)
	}
	r.logger.Info("remote removed", logging.F("remoteId", id), logging.F("remote", rec.Name))
	return nil
}

func (r *Registry) runCascade(ctx context.Context, remote types.RemoteConnection) error {
	r.mu.Lock()
	c := r.cascade
	r.mu.Unlock()

	steps := []struct {
		name string
		run  func() error
	}{
		{"stop stream", func() error {
			if c.Serve == nil {
				return nil
			}
			return c.Serve.Release(ctx, remote.ID)
		}},
		{"drop listings", func() error {
			if c.Listings == nil {
				return nil
			}
			return c.Listings.Forget(ctx, remote.ID)
		}},
		{"purge cache", func() error {
			if c.Cache == nil {
				return nil
			}
			return c.Cache.Purge(ctx, remote)
		}},
		{"delete engine config", func() error {
			if c.Engine == nil {
				return nil
			}
			return c.Engine.DeleteRemote(ctx, remote.Name)
		}},
		{"delete credential", func() error {
			if c.Credentials == nil {
				return nil
			}
			return c.Credentials.Delete(remote.Name)
		}},
	}

	for _, step := range steps {
		if err := step.run(); err != nil {
			r.logger.Warn("remove cascade step failed",
				logging.F("remote", remote.Name),
				logging.F("step", step.name),
				logging.F("error", err.Error()),
			)
			if _, ok := utils.AsAppError(err); ok {
				return err
			}
			return utils.WrapAppError(utils.NewCLIError(utils.ErrCodeOperationFailed,
				fmt.Sprintf("failed to %s for remote %s", step.name, remote.Name)).
				WithRetryable(true).
				Build(), err)
		}
	}
	return nil
}

func nameConflict(name string) error {
	return utils.NewCLIError(utils.ErrCodeNameConflict, fmt.Sprintf("a remote named %q already exists", name)).
		WithContext("name", name).
		Err()
}

func storeError(err error) error {
	return utils.WrapAppError(utils.NewCLIError(utils.ErrCodeOperationFailed, "remote registry unavailable").Build(), err)
}
