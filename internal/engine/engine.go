// Package engine binds the external sync engine's command line. It builds
// argument lists and parses the engine's output formats; nothing outside this
// package knows what the engine prints.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	cserrors "github.com/dl-alexandre/cloudstream/internal/errors"
	"github.com/dl-alexandre/cloudstream/internal/logging"
	"github.com/dl-alexandre/cloudstream/internal/supervisor"
)

// Options configures an Engine
type Options struct {
	// Binary is the engine executable
	Binary string
	// ConfigPath is the engine's remote configuration file
	ConfigPath string
	// HTTPClient talks to serving processes (probe and remote control)
	HTTPClient *http.Client
	Logger     logging.Logger
}

// Engine runs engine commands through a Supervisor
type Engine struct {
	sup        *supervisor.Supervisor
	binary     string
	configPath string
	http       *http.Client
	logger     logging.Logger
}

// New creates an Engine
func New(sup *supervisor.Supervisor, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	if opts.Binary == "" {
		opts.Binary = "rclone"
	}
	return &Engine{
		sup:        sup,
		binary:     opts.Binary,
		configPath: opts.ConfigPath,
		http:       opts.HTTPClient,
		logger:     opts.Logger,
	}
}

// Binary returns the configured engine executable
func (e *Engine) Binary() string { return e.binary }

// ConfigPath returns the engine's remote configuration file
func (e *Engine) ConfigPath() string { return e.configPath }

func (e *Engine) command(args ...string) supervisor.Command {
	full := make([]string, 0, len(args)+2)
	full = append(full, args...)
	if e.configPath != "" {
		full = append(full, "--config", e.configPath)
	}
	return supervisor.Command{Name: e.binary, Args: full}
}

// run executes a bounded engine command and classifies failures
func (e *Engine) run(ctx context.Context, op string, timeout time.Duration, args ...string) (*supervisor.Result, error) {
	cmd := e.command(args...)
	cmd.Timeout = timeout
	res, err := e.sup.Run(ctx, cmd)
	if err != nil {
		return res, cserrors.ClassifyEngineError(op, err, e.logger)
	}
	return res, nil
}

var versionPattern = regexp.MustCompile(`v\d+\.\d+(\.\d+)?[^\s]*`)

// Version checks the engine is installed and returns its version string
func (e *Engine) Version(ctx context.Context) (string, error) {
	if _, err := e.sup.Check(e.binary); err != nil {
		return "", err
	}
	res, err := e.run(ctx, "version", 0, "version")
	if err != nil {
		return "", err
	}
	first := strings.SplitN(strings.TrimSpace(string(res.Stdout)), "\n", 2)[0]
	if v := versionPattern.FindString(first); v != "" {
		return v, nil
	}
	if first == "" {
		return "", fmt.Errorf("engine printed no version")
	}
	return first, nil
}

// RemoteRoot formats the engine's "name:path" remote address
func RemoteRoot(name, path string) string {
	return name + ":" + strings.TrimPrefix(path, "/")
}
