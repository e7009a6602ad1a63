package engine

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dl-alexandre/cloudstream/internal/logging"
	"github.com/dl-alexandre/cloudstream/internal/supervisor"
	"github.com/dl-alexandre/cloudstream/internal/utils"
)

const (
	tokenBeginMarker = "Paste the following into your remote machine --->"
	tokenEndMarker   = "<---End paste"
)

var authURLPattern = regexp.MustCompile(`https?://\S+`)

// AuthProcess is a running "authorize" command. The engine prints the
// consent URL first and the credential blob once the user completes consent.
type AuthProcess struct {
	proc   *supervisor.Process
	logger logging.Logger

	urlOnce  sync.Once
	urlCh    chan struct{}
	url      string
	tokenCh  chan string
	mu       sync.Mutex
	inToken  bool
	tokenBuf strings.Builder
	gotToken bool
}

// AuthorizeOptions tune the authorize command
type AuthorizeOptions struct {
	// NoBrowser stops the engine from opening a browser itself
	NoBrowser bool
}

// StartAuthorize spawns the engine's interactive authorization flow for provider
func (e *Engine) StartAuthorize(provider string, opts AuthorizeOptions) (*AuthProcess, error) {
	ap := &AuthProcess{
		logger:  e.logger,
		urlCh:   make(chan struct{}),
		tokenCh: make(chan string, 1),
	}
	args := []string{"authorize", provider}
	if opts.NoBrowser {
		args = append(args, "--auth-no-open-browser")
	}
	proc, err := e.sup.Start(e.command(args...), supervisor.StartOptions{OnLine: ap.onLine})
	if err != nil {
		return nil, err
	}
	ap.proc = proc
	return ap, nil
}

func (a *AuthProcess) onLine(_ string, line string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	trimmed := strings.TrimSpace(line)
	switch {
	case strings.Contains(trimmed, tokenBeginMarker):
		a.inToken = true
		a.tokenBuf.Reset()
		return
	case a.inToken && strings.Contains(trimmed, tokenEndMarker):
		a.inToken = false
		if !a.gotToken {
			a.gotToken = true
			a.tokenCh <- strings.TrimSpace(a.tokenBuf.String())
		}
		return
	case a.inToken:
		a.tokenBuf.WriteString(trimmed)
		return
	}

	if m := authURLPattern.FindString(trimmed); m != "" {
		a.urlOnce.Do(func() {
			a.url = m
			close(a.urlCh)
		})
	}
}

// WaitURL blocks until the consent URL was printed, the process exited, or
// ctx is done
func (a *AuthProcess) WaitURL(ctx context.Context) (string, error) {
	select {
	case <-a.urlCh:
		return a.url, nil
	case <-a.proc.Done():
		// The URL line may be the last thing printed before exit.
		select {
		case <-a.urlCh:
			return a.url, nil
		default:
		}
		return "", utils.NewCLIError(utils.ErrCodeOperationFailed, "authorization process exited before printing a URL").
			WithContext("output", logging.Redact(strings.Join(a.proc.Tail(), "\n"))).
			Err()
	case <-ctx.Done():
		return "", utils.NewCLIError(utils.ErrCodeTimeout, "timed out waiting for authorization URL").
			WithRetryable(true).
			Err()
	}
}

// Token delivers the credential blob once, when the engine prints it
func (a *AuthProcess) Token() <-chan string { return a.tokenCh }

// Done is closed when the authorize process exits
func (a *AuthProcess) Done() <-chan struct{} { return a.proc.Done() }

// Err is the process exit error once Done is closed
func (a *AuthProcess) Err() error { return a.proc.Err() }

// Tail returns recent output lines. Callers must redact before display.
func (a *AuthProcess) Tail() []string { return a.proc.Tail() }

// Terminate stops the authorize process
func (a *AuthProcess) Terminate(grace time.Duration) error {
	return a.proc.Terminate(grace)
}
