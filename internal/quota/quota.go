// Package quota reports storage usage of a remote. Drive remotes are asked
// directly through the Drive API when a fresh access token is at hand; every
// other case goes through the engine's "about" command.
package quota

import (
	"context"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/dl-alexandre/cloudstream/internal/auth"
	"github.com/dl-alexandre/cloudstream/internal/engine"
	cserrors "github.com/dl-alexandre/cloudstream/internal/errors"
	"github.com/dl-alexandre/cloudstream/internal/logging"
	"github.com/dl-alexandre/cloudstream/internal/types"
	"github.com/dl-alexandre/cloudstream/internal/utils"
	"github.com/dl-alexandre/cloudstream/pkg/version"
)

const (
	SourceEngine   = "engine"
	SourceDriveAPI = "drive-api"
)

// Engine is the engine surface the prober needs
type Engine interface {
	About(ctx context.Context, name string) (*engine.AboutInfo, error)
	RemoteToken(ctx context.Context, name string) (string, error)
}

// Options tune the prober
type Options struct {
	// DriveEndpoint overrides the Drive API base URL
	DriveEndpoint string
	// DisableDirect always uses the engine
	DisableDirect bool
	MaxRetries    int
	RetryDelay    time.Duration
	// Transport logs direct API round trips when set
	Transport *logging.DebugTransport
	Logger    logging.Logger
	Now       func() time.Time
}

// Prober answers quota queries
type Prober struct {
	engine     Engine
	endpoint   string
	direct     bool
	maxRetries int
	retryDelay time.Duration
	transport  *logging.DebugTransport
	logger     logging.Logger
	now        func() time.Time
}

// New creates a prober
func New(eng Engine, opts Options) *Prober {
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = utils.DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = utils.DefaultRetryDelay
	}
	return &Prober{
		engine:     eng,
		endpoint:   opts.DriveEndpoint,
		direct:     !opts.DisableDirect,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		transport:  opts.Transport,
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

// Quota returns storage usage of remote
func (p *Prober) Quota(ctx context.Context, remote types.RemoteConnection) (*types.Quota, error) {
	if p.direct && remote.Provider == "drive" {
		q, err := p.driveQuota(ctx, remote)
		if err == nil {
			return q, nil
		}
		p.logger.Debug("direct quota probe unavailable, asking engine",
			logging.F("remote", remote.Name),
			logging.F("reason", err.Error()),
		)
	}

	info, err := p.engine.About(ctx, remote.Name)
	if err != nil {
		return nil, err
	}
	return &types.Quota{
		RemoteID: remote.ID,
		Total:    info.Total,
		Used:     info.Used,
		Free:     info.Free,
		Trashed:  info.Trashed,
		Source:   SourceEngine,
	}, nil
}

func (p *Prober) driveQuota(ctx context.Context, remote types.RemoteConnection) (*types.Quota, error) {
	blob, err := p.engine.RemoteToken(ctx, remote.Name)
	if err != nil {
		return nil, err
	}
	tok, err := auth.ParseCredential(blob)
	if err != nil {
		return nil, err
	}
	// The engine refreshes tokens itself; a stale access token would only
	// earn a 401 here.
	if tok.AccessToken == "" || auth.NeedsRefresh(tok, p.now()) {
		return nil, utils.NewCLIError(utils.ErrCodeAuthExpired, "access token needs refresh").Err()
	}

	ts := oauth2.StaticTokenSource(tok)
	opts := []option.ClientOption{option.WithTokenSource(ts)}
	if p.transport != nil {
		opts = []option.ClientOption{option.WithHTTPClient(p.transport.Wrap(oauth2.NewClient(ctx, ts)))}
	}
	opts = append(opts, option.WithUserAgent(version.UserAgent()))
	if p.endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.endpoint))
	}
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}

	about, err := executeWithRetry(ctx, p, "about.get", remote.Name, func() (*drive.About, error) {
		return svc.About.Get().Fields("storageQuota").Context(ctx).Do()
	})
	if err != nil {
		return nil, cserrors.ClassifyGoogleAPIError("drive", remote.Name, err, p.logger)
	}
	return driveToQuota(remote.ID, about), nil
}

func driveToQuota(remoteID string, about *drive.About) *types.Quota {
	q := &types.Quota{RemoteID: remoteID, Total: -1, Used: -1, Free: -1, Trashed: -1, Source: SourceDriveAPI}
	sq := about.StorageQuota
	if sq == nil {
		return q
	}
	q.Used = sq.Usage
	q.Trashed = sq.UsageInDriveTrash
	// No limit means unlimited storage
	if sq.Limit > 0 {
		q.Total = sq.Limit
		q.Free = sq.Limit - sq.Usage
		if q.Free < 0 {
			q.Free = 0
		}
	}
	return q
}
