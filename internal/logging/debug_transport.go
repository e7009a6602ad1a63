package logging

import (
	"net/http"
	"time"
)

// DebugTransport logs method, URL, status and latency of every round trip.
// Headers are never logged.
type DebugTransport struct {
	base   http.RoundTripper
	logger Logger
}

// NewDebugTransport wraps base; a nil base means http.DefaultTransport
func NewDebugTransport(base http.RoundTripper, logger Logger) *DebugTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &DebugTransport{base: base, logger: logger}
}

func (t *DebugTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	fields := []Field{
		F("method", req.Method),
		F("url", Redact(req.URL.String())),
		F("duration", time.Since(start).String()),
	}
	if err != nil {
		t.logger.Debug("http request failed", append(fields, F("error", err.Error()))...)
		return nil, err
	}
	t.logger.Debug("http request", append(fields, F("status", resp.StatusCode))...)
	return resp, nil
}

// Wrap returns a client using t, or http.DefaultClient semantics when t is nil
func (t *DebugTransport) Wrap(client *http.Client) *http.Client {
	if t == nil {
		return client
	}
	if client == nil {
		client = &http.Client{}
	}
	wrapped := *client
	wrapped.Transport = &DebugTransport{base: transportOf(client), logger: t.logger}
	return &wrapped
}

func transportOf(c *http.Client) http.RoundTripper {
	if c.Transport != nil {
		return c.Transport
	}
	return http.DefaultTransport
}
