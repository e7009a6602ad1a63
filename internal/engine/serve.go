package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dl-alexandre/cloudstream/internal/supervisor"
)

// ServeSpec describes an HTTP serving process for one remote
type ServeSpec struct {
	Remote         string
	Port           int
	CacheDir       string
	CacheMaxSizeMB int
	CacheMaxAge    time.Duration
	// StartupProbeInterval paces readiness checks until the first success;
	// ProbeInterval paces liveness checks after that
	StartupProbeInterval time.Duration
	ProbeInterval        time.Duration
}

// ServeProcess is a running "serve http" command with its remote-control
// endpoint
type ServeProcess struct {
	proc   *supervisor.Process
	port   int
	rcPort int
	http   *http.Client
}

// Serve launches a read-only HTTP server for spec.Remote with a full VFS
// cache under spec.CacheDir. It returns as soon as the process is spawned;
// readiness is reported by Healthy.
func (e *Engine) Serve(spec ServeSpec) (*ServeProcess, error) {
	rcPort, err := FreeLocalPort()
	if err != nil {
		return nil, err
	}
	sp := &ServeProcess{port: spec.Port, rcPort: rcPort, http: e.http}

	maxAge := spec.CacheMaxAge
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	args := []string{
		"serve", "http", RemoteRoot(spec.Remote, ""),
		"--addr", "127.0.0.1:" + strconv.Itoa(spec.Port),
		"--read-only",
		"--vfs-cache-mode", "full",
		"--cache-dir", spec.CacheDir,
		"--vfs-cache-max-size", strconv.Itoa(spec.CacheMaxSizeMB) + "M",
		"--vfs-cache-max-age", maxAge.String(),
		"--rc",
		"--rc-addr", "127.0.0.1:" + strconv.Itoa(rcPort),
		"--rc-no-auth",
	}
	proc, err := e.sup.Start(e.command(args...), supervisor.StartOptions{
		Probe:           sp.probe,
		StartupInterval: spec.StartupProbeInterval,
		ProbeInterval:   spec.ProbeInterval,
	})
	if err != nil {
		return nil, err
	}
	sp.proc = proc
	return sp, nil
}

// probe checks the process without touching the remote: the serving port
// must accept connections and the remote-control endpoint must answer
func (s *ServeProcess) probe(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", "127.0.0.1:"+strconv.Itoa(s.port))
	if err != nil {
		return err
	}
	_ = conn.Close()
	return s.rc(ctx, "rc/noop", nil)
}

// rc posts an empty request to a remote-control method and decodes the reply
// into out when it is not nil
func (s *ServeProcess) rc(ctx context.Context, method string, out interface{}) error {
	url := "http://127.0.0.1:" + strconv.Itoa(s.rcPort) + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte("{}")))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", method, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", method, err)
	}
	return nil
}

// Port is the serving port
func (s *ServeProcess) Port() int { return s.port }

// PID is the OS process id
func (s *ServeProcess) PID() int { return s.proc.PID() }

// BaseURL is the root URL of the served remote
func (s *ServeProcess) BaseURL() string {
	return "http://127.0.0.1:" + strconv.Itoa(s.port) + "/"
}

// Healthy reports the latest probe result
func (s *ServeProcess) Healthy() bool { return s.proc.Healthy() }

// Done is closed when the process exits
func (s *ServeProcess) Done() <-chan struct{} { return s.proc.Done() }

// Err is the exit error once Done is closed
func (s *ServeProcess) Err() error { return s.proc.Err() }

// Tail returns recent output lines
func (s *ServeProcess) Tail() []string { return s.proc.Tail() }

// Terminate stops the process, escalating to kill after grace
func (s *ServeProcess) Terminate(grace time.Duration) error {
	return s.proc.Terminate(grace)
}

// BytesServed asks the remote-control endpoint for the transfer counter
func (s *ServeProcess) BytesServed(ctx context.Context) (int64, error) {
	var stats struct {
		Bytes int64 `json:"bytes"`
	}
	if err := s.rc(ctx, "core/stats", &stats); err != nil {
		return 0, err
	}
	return stats.Bytes, nil
}

// FreeLocalPort asks the OS for an unused loopback port
func FreeLocalPort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate local port: %w", err)
	}
	addr := listener.Addr().(*net.TCPAddr)
	_ = listener.Close()
	return addr.Port, nil
}

// PortAvailable reports whether port can be bound on loopback
func PortAvailable(port int) bool {
	listener, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}
