package supervisor

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dl-alexandre/cloudstream/internal/logging"
	"github.com/dl-alexandre/cloudstream/internal/utils"
)

// StartOptions configures a long-running process
type StartOptions struct {
	// OnLine receives every complete output line; stream is "stdout" or "stderr".
	// It runs on the output copying goroutine and must not block.
	OnLine func(stream, line string)
	// Probe is a liveness check run every ProbeInterval while the process is alive
	Probe         func(ctx context.Context) error
	ProbeInterval time.Duration
	// StartupInterval, when set, replaces ProbeInterval until the first
	// probe succeeds
	StartupInterval time.Duration
	ProbeTimeout    time.Duration
	// TailLines bounds the retained output; zero means the default
	TailLines int
}

// Process is a supervised long-running subprocess
type Process struct {
	name      string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	opts      StartOptions
	logger    logging.Logger

	done chan struct{}
	err  error

	terminating atomic.Bool
	healthy     atomic.Bool
	probed      atomic.Bool

	tailMu sync.Mutex
	tail   []string
}

func newProcess(name string, cmd *exec.Cmd, opts StartOptions, logger logging.Logger) *Process {
	if opts.TailLines <= 0 {
		opts.TailLines = utils.OutputTailLines
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = utils.DefaultHealthInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	return &Process{
		name:   name,
		cmd:    cmd,
		opts:   opts,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// PID returns the OS process id
func (p *Process) PID() int { return p.pid }

// StartedAt returns when the process was spawned
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done is closed when the process has exited
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit error once Done is closed
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Alive reports whether the process has not exited yet
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Healthy reports the last probe result. A process without a probe is
// healthy while it is alive.
func (p *Process) Healthy() bool {
	if !p.Alive() {
		return false
	}
	if p.opts.Probe == nil {
		return true
	}
	return p.probed.Load() && p.healthy.Load()
}

// Tail returns the most recent output lines, oldest first
func (p *Process) Tail() []string {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	out := make([]string, len(p.tail))
	copy(out, p.tail)
	return out
}

// Terminate asks the process to stop, then kills it if it is still alive
// after grace. It returns once the process has exited.
func (p *Process) Terminate(grace time.Duration) error {
	if !p.Alive() {
		return nil
	}
	p.terminating.Store(true)

	if err := gracefulSignal(p.cmd.Process); err != nil {
		p.logger.Debug("graceful signal failed", logging.F("pid", p.pid), logging.F("error", err.Error()))
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	p.logger.Warn("process ignored graceful stop, killing", logging.F("command", p.name), logging.F("pid", p.pid))
	if err := p.cmd.Process.Kill(); err != nil && p.Alive() {
		return err
	}
	<-p.done
	return nil
}

// Terminating reports whether Terminate was called
func (p *Process) Terminating() bool {
	return p.terminating.Load()
}

func (p *Process) exited(err error) {
	p.err = err
	p.healthy.Store(false)
	close(p.done)
}

func (p *Process) probeLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	probe := func() bool {
		probeCtx, probeCancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
		defer probeCancel()
		err := p.opts.Probe(probeCtx)
		p.healthy.Store(err == nil)
		p.probed.Store(true)
		return err == nil
	}

	up := false
	for {
		if probe() {
			up = true
		}
		interval := p.opts.ProbeInterval
		if !up && p.opts.StartupInterval > 0 {
			interval = p.opts.StartupInterval
		}
		timer := time.NewTimer(interval)
		select {
		case <-p.done:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Process) appendLine(stream, line string) {
	p.tailMu.Lock()
	p.tail = append(p.tail, line)
	if over := len(p.tail) - p.opts.TailLines; over > 0 {
		p.tail = append(p.tail[:0], p.tail[over:]...)
	}
	p.tailMu.Unlock()

	if p.opts.OnLine != nil {
		p.opts.OnLine(stream, line)
	}
}

func (p *Process) lineWriter(stream string) *lineWriter {
	return &lineWriter{emit: func(line string) { p.appendLine(stream, line) }}
}

// lineWriter splits a byte stream into lines
type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	emit func(string)
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(b)
	for {
		idx := bytes.IndexByte(w.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimRight(w.buf.Next(idx+1), "\r\n"))
		w.emit(line)
	}
	// Bound a pathological line without newline.
	if w.buf.Len() > 64*1024 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
	return len(b), nil
}
