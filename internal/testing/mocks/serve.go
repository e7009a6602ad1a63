package mocks

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dl-alexandre/cloudstream/internal/engine"
)

// MockServeProcess mocks a running serving process
type MockServeProcess struct {
	Spec engine.ServeSpec

	pid        int
	healthy    atomic.Bool
	bytes      atomic.Int64
	terminated atomic.Bool

	mu       sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
	err      error
	tail     []string

	// BytesServedFunc overrides the transfer counter
	BytesServedFunc func(ctx context.Context) (int64, error)
	// TerminateDelay is how long the process takes to exit once asked
	TerminateDelay time.Duration
}

// NewMockServeProcess creates a live mock process
func NewMockServeProcess(pid int, spec engine.ServeSpec, healthy bool) *MockServeProcess {
	p := &MockServeProcess{Spec: spec, pid: pid, done: make(chan struct{})}
	p.healthy.Store(healthy)
	return p
}

func (p *MockServeProcess) PID() int { return p.pid }

func (p *MockServeProcess) Healthy() bool { return p.Alive() && p.healthy.Load() }

func (p *MockServeProcess) Done() <-chan struct{} { return p.done }

func (p *MockServeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *MockServeProcess) Tail() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tail...)
}

// Terminate marks the process as stopped on request, after TerminateDelay
func (p *MockServeProcess) Terminate(grace time.Duration) error {
	p.terminated.Store(true)
	if p.TerminateDelay > 0 {
		time.Sleep(p.TerminateDelay)
	}
	p.exit(nil)
	return nil
}

func (p *MockServeProcess) BytesServed(ctx context.Context) (int64, error) {
	if p.BytesServedFunc != nil {
		return p.BytesServedFunc(ctx)
	}
	return p.bytes.Load(), nil
}

// Alive reports whether the process has not exited
func (p *MockServeProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Terminated reports whether Terminate was called
func (p *MockServeProcess) Terminated() bool { return p.terminated.Load() }

// SetHealthy changes the probe result
func (p *MockServeProcess) SetHealthy(v bool) { p.healthy.Store(v) }

// AddBytes simulates served traffic
func (p *MockServeProcess) AddBytes(n int64) { p.bytes.Add(n) }

// Crash simulates an unexpected exit with the given last output lines
func (p *MockServeProcess) Crash(err error, tail ...string) {
	p.mu.Lock()
	p.tail = append(p.tail, tail...)
	p.mu.Unlock()
	p.exit(err)
}

func (p *MockServeProcess) exit(err error) {
	p.doneOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

// MockLauncher records launches and hands out MockServeProcess values
type MockLauncher struct {
	mu    sync.Mutex
	procs []*MockServeProcess

	// Healthy is the initial probe result of launched processes
	Healthy bool
	// LaunchFunc overrides Launch entirely
	LaunchFunc func(spec engine.ServeSpec) (*MockServeProcess, error)
}

// NewMockLauncher creates a launcher whose processes are healthy at once
func NewMockLauncher() *MockLauncher {
	return &MockLauncher{Healthy: true}
}

// LaunchProcess starts a mock process for spec. It returns the concrete type
// so tests keep a handle on it.
func (l *MockLauncher) LaunchProcess(spec engine.ServeSpec) (*MockServeProcess, error) {
	if l.LaunchFunc != nil {
		p, err := l.LaunchFunc(spec)
		if p != nil {
			l.mu.Lock()
			l.procs = append(l.procs, p)
			l.mu.Unlock()
		}
		return p, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p := NewMockServeProcess(1000+len(l.procs), spec, l.Healthy)
	l.procs = append(l.procs, p)
	return p, nil
}

// Launches returns every process launched so far
func (l *MockLauncher) Launches() []*MockServeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*MockServeProcess(nil), l.procs...)
}

// Count returns the number of launches
func (l *MockLauncher) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

// Live returns the number of launched processes still alive
func (l *MockLauncher) Live() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, p := range l.procs {
		if p.Alive() {
			n++
		}
	}
	return n
}

// Last returns the most recent process, or nil
func (l *MockLauncher) Last() *MockServeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}
