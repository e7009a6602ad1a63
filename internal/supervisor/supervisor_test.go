package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	testutil "github.com/dl-alexandre/cloudstream/internal/testing"
	"github.com/dl-alexandre/cloudstream/internal/utils"
)

func newTestSupervisor() *Supervisor {
	return New(nil, Options{DefaultTimeout: 5 * time.Second, TerminateGrace: 500 * time.Millisecond})
}

func TestRunCollectsOutput(t *testing.T) {
	script := testutil.WriteScript(t, t.TempDir(), "engine", `echo "hello $1"; echo "warn" 1>&2`)
	s := newTestSupervisor()

	res, err := s.Run(context.Background(), Command{Name: script, Args: []string{"world"}})
	testutil.AssertNoError(t, err)

	if got := strings.TrimSpace(string(res.Stdout)); got != "hello world" {
		t.Errorf("stdout = %q", got)
	}
	if got := strings.TrimSpace(string(res.Stderr)); got != "warn" {
		t.Errorf("stderr = %q", got)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	script := testutil.WriteScript(t, t.TempDir(), "engine", `echo "directory not found" 1>&2; exit 3`)
	s := newTestSupervisor()

	_, err := s.Run(context.Background(), Command{Name: script})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %T: %v", err, err)
	}
	if exitErr.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", exitErr.ExitCode)
	}
	if !strings.Contains(exitErr.Stderr, "directory not found") {
		t.Errorf("Stderr = %q", exitErr.Stderr)
	}
}

func TestRunMissingBinaryIsConfigError(t *testing.T) {
	s := newTestSupervisor()
	_, err := s.Run(context.Background(), Command{Name: filepath.Join(t.TempDir(), "no-such-engine")})
	if !utils.IsCode(err, utils.ErrCodeConfigError) {
		t.Fatalf("expected CONFIG_ERROR, got %v", err)
	}
}

func TestCheckMissingBinary(t *testing.T) {
	s := newTestSupervisor()
	if _, err := s.Check("cloudstream-definitely-missing-binary"); !utils.IsCode(err, utils.ErrCodeConfigError) {
		t.Fatalf("expected CONFIG_ERROR, got %v", err)
	}
}

func TestRunTimeout(t *testing.T) {
	script := testutil.WriteScript(t, t.TempDir(), "engine", `sleep 5`)
	s := newTestSupervisor()

	start := time.Now()
	_, err := s.Run(context.Background(), Command{Name: script, Timeout: 200 * time.Millisecond})
	if !utils.IsCode(err, utils.ErrCodeTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
	if !utils.IsRetryable(err) {
		t.Error("timeout should be retryable")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Run took %s, expected to stop near the timeout", elapsed)
	}
}

func TestRunCancelled(t *testing.T) {
	script := testutil.WriteScript(t, t.TempDir(), "engine", `sleep 5`)
	s := newTestSupervisor()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := s.Run(ctx, Command{Name: script})
	if !utils.IsCode(err, utils.ErrCodeCancelled) {
		t.Fatalf("expected CANCELLED, got %v", err)
	}
}

func TestStartStreamsLinesAndTerminates(t *testing.T) {
	script := testutil.WriteScript(t, t.TempDir(), "serve", `echo "listening"; echo "oops" 1>&2; while true; do sleep 0.05; done`)
	s := newTestSupervisor()

	var mu sync.Mutex
	var lines []string
	p, err := s.Start(Command{Name: script}, StartOptions{
		OnLine: func(stream, line string) {
			mu.Lock()
			lines = append(lines, stream+":"+line)
			mu.Unlock()
		},
	})
	testutil.AssertNoError(t, err)

	testutil.Eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lines) == 2
	}, "both output lines")

	if !p.Alive() || !p.Healthy() {
		t.Fatal("process should be alive and healthy without a probe")
	}
	if s.Running() != 1 {
		t.Errorf("Running() = %d, want 1", s.Running())
	}

	testutil.AssertNoError(t, p.Terminate(time.Second))
	if p.Alive() {
		t.Fatal("process still alive after Terminate")
	}
	testutil.Eventually(t, time.Second, func() bool { return s.Running() == 0 }, "process untracked")

	tail := p.Tail()
	if len(tail) != 2 || (tail[0] != "listening" && tail[1] != "listening") {
		t.Errorf("Tail() = %v", tail)
	}
}

func TestTerminateEscalatesToKill(t *testing.T) {
	script := testutil.WriteScript(t, t.TempDir(), "stubborn", `trap "" TERM; while true; do sleep 0.05; done`)
	s := newTestSupervisor()

	p, err := s.Start(Command{Name: script}, StartOptions{})
	testutil.AssertNoError(t, err)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	testutil.AssertNoError(t, p.Terminate(200*time.Millisecond))
	if p.Alive() {
		t.Fatal("process survived kill")
	}
	if time.Since(start) < 200*time.Millisecond {
		t.Error("expected Terminate to wait for the grace period before killing")
	}
}

func TestUnexpectedExitClosesDone(t *testing.T) {
	script := testutil.WriteScript(t, t.TempDir(), "crash", `sleep 0.1; exit 2`)
	s := newTestSupervisor()

	p, err := s.Start(Command{Name: script}, StartOptions{})
	testutil.AssertNoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Done not closed after process exit")
	}
	if p.Err() == nil {
		t.Error("expected exit error")
	}
	if p.Terminating() {
		t.Error("crash must not be reported as a requested termination")
	}
}

func TestProbeDrivesHealth(t *testing.T) {
	script := testutil.WriteScript(t, t.TempDir(), "serve", `while true; do sleep 0.05; done`)
	s := newTestSupervisor()

	var mu sync.Mutex
	probeErr := errors.New("not ready")
	p, err := s.Start(Command{Name: script}, StartOptions{
		ProbeInterval: 20 * time.Millisecond,
		Probe: func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			return probeErr
		},
	})
	testutil.AssertNoError(t, err)
	defer p.Terminate(time.Second)

	time.Sleep(60 * time.Millisecond)
	if p.Healthy() {
		t.Fatal("process reported healthy while probe fails")
	}

	mu.Lock()
	probeErr = nil
	mu.Unlock()
	testutil.Eventually(t, time.Second, p.Healthy, "probe recovery")
}

func TestHealthChecksSlowDownOnceHealthy(t *testing.T) {
	script := testutil.WriteScript(t, t.TempDir(), "serve", `while true; do sleep 0.05; done`)
	s := newTestSupervisor()

	var calls atomic.Int32
	p, err := s.Start(Command{Name: script}, StartOptions{
		StartupInterval: 10 * time.Millisecond,
		ProbeInterval:   time.Hour,
		Probe: func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("not ready")
			}
			return nil
		},
	})
	testutil.AssertNoError(t, err)
	defer p.Terminate(time.Second)

	testutil.Eventually(t, time.Second, p.Healthy, "startup checks")
	time.Sleep(100 * time.Millisecond)
	testutil.AssertEqual(t, calls.Load(), int32(3), "checks after first success")
}

func TestShutdownLeavesNoProcesses(t *testing.T) {
	dir := t.TempDir()
	script := testutil.WriteScript(t, dir, "serve", `while true; do sleep 0.05; done`)
	s := newTestSupervisor()

	for i := 0; i < 3; i++ {
		if _, err := s.Start(Command{Name: script}, StartOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	s.Shutdown()
	testutil.Eventually(t, time.Second, func() bool { return s.Running() == 0 }, "all processes stopped")
}

func TestLineWriterSplitsPartialWrites(t *testing.T) {
	var got []string
	w := &lineWriter{emit: func(s string) { got = append(got, s) }}

	w.Write([]byte("par"))
	w.Write([]byte("tial\r\nsecond\nthi"))
	w.Write([]byte("rd\n"))

	want := []string{"partial", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}
