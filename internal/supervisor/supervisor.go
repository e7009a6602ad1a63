// Package supervisor runs engine subprocesses: bounded one-shot commands and
// long-running serving processes with liveness probing and graceful shutdown.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/dl-alexandre/cloudstream/internal/logging"
	"github.com/dl-alexandre/cloudstream/internal/utils"
)

var lookPath = exec.LookPath

// Command describes one subprocess invocation
type Command struct {
	Name string
	Args []string
	// Env is appended to the current environment
	Env []string
	Dir string
	// Timeout bounds Run; zero means the supervisor default
	Timeout time.Duration
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + firstArg(c.Args))
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// Result is the collected output of a finished bounded command
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// ExitError is returned by Run when the command ran but exited non-zero.
// Stderr is kept raw so callers can classify it.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Options configures a Supervisor
type Options struct {
	DefaultTimeout time.Duration
	TerminateGrace time.Duration
}

// Supervisor spawns subprocesses and keeps track of the long-running ones so
// Shutdown can leave none behind
type Supervisor struct {
	logger         logging.Logger
	defaultTimeout time.Duration
	grace          time.Duration

	mu    sync.Mutex
	procs map[*Process]struct{}
}

// New creates a Supervisor
func New(logger logging.Logger, opts Options) *Supervisor {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = utils.DefaultCommandTimeout
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = utils.DefaultTerminateGrace
	}
	return &Supervisor{
		logger:         logger,
		defaultTimeout: opts.DefaultTimeout,
		grace:          opts.TerminateGrace,
		procs:          make(map[*Process]struct{}),
	}
}

// TerminateGrace is the grace period used by Shutdown
func (s *Supervisor) TerminateGrace() time.Duration {
	return s.grace
}

// Check resolves the binary on PATH. A missing or non-executable binary is a ConfigError.
func (s *Supervisor) Check(name string) (string, error) {
	path, err := lookPath(name)
	if err != nil {
		return "", spawnError(name, err)
	}
	return path, nil
}

// Run executes a bounded command and returns its collected output. The
// command is asked to stop gracefully when ctx ends or the timeout elapses,
// and killed after the grace period.
func (s *Supervisor) Run(ctx context.Context, c Command) (*Result, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Cancel = func() error { return gracefulSignal(cmd.Process) }
	cmd.WaitDelay = s.grace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	s.logger.Debug("running engine command", logging.F("command", c.String()), logging.F("timeout", timeout.String()))

	if err := cmd.Start(); err != nil {
		return nil, spawnError(c.Name, err)
	}
	err := cmd.Wait()

	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err == nil {
		return res, nil
	}

	switch {
	case errors.Is(cmdCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return res, utils.NewCLIError(utils.ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", c.String(), timeout)).
			WithRetryable(true).
			WithContext("command", c.String()).
			Err()
	case ctx.Err() != nil:
		return res, utils.WrapAppError(utils.NewCLIError(utils.ErrCodeCancelled, c.String()+" cancelled").Build(), ctx.Err())
	}

	s.logger.Debug("engine command failed",
		logging.F("command", c.String()),
		logging.F("exitCode", res.ExitCode),
		logging.F("duration", res.Duration.String()),
	)
	return res, &ExitError{
		Command:  c.String(),
		ExitCode: res.ExitCode,
		Stderr:   stderr.String(),
		Err:      err,
	}
}

// Start launches a long-running process. Output lines are kept in a bounded
// tail and passed to opts.OnLine. If opts.Probe is set it runs every
// opts.StartupInterval until it first succeeds, then every
// opts.ProbeInterval until the process exits.
func (s *Supervisor) Start(c Command, opts StartOptions) (*Process, error) {
	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.WaitDelay = s.grace

	p := newProcess(c.String(), cmd, opts, s.logger)
	cmd.Stdout = p.lineWriter("stdout")
	cmd.Stderr = p.lineWriter("stderr")

	if err := cmd.Start(); err != nil {
		return nil, spawnError(c.Name, err)
	}
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()

	s.mu.Lock()
	s.procs[p] = struct{}{}
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		p.exited(err)
		s.mu.Lock()
		delete(s.procs, p)
		s.mu.Unlock()
		if !p.terminating.Load() {
			s.logger.Warn("supervised process exited",
				logging.F("command", p.name),
				logging.F("pid", p.pid),
				logging.F("error", errString(err)),
			)
		}
	}()

	if opts.Probe != nil {
		go p.probeLoop()
	}

	s.logger.Debug("supervised process started", logging.F("command", p.name), logging.F("pid", p.pid))
	return p, nil
}

// Running returns the number of live supervised processes
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Shutdown terminates every live supervised process
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.procs))
	for p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			_ = p.Terminate(s.grace)
		}(p)
	}
	wg.Wait()
}

func spawnError(name string, err error) error {
	msg := fmt.Sprintf("cannot start %s: %v", name, err)
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		msg = fmt.Sprintf("%s not found; install it or set engineBinary in the config", name)
	case errors.Is(err, fs.ErrPermission):
		msg = fmt.Sprintf("%s is not executable", name)
	}
	return utils.WrapAppError(utils.NewCLIError(utils.ErrCodeConfigError, msg).
		WithContext("binary", name).
		Build(), err)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
