package api

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/dl-alexandre/cloudstream/internal/logging"
	"github.com/dl-alexandre/cloudstream/internal/metrics"
	"github.com/dl-alexandre/cloudstream/internal/utils"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const traceHeader = "X-Trace-Id"

type responseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Hijack lets the events websocket upgrade through the middleware chain.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
}

// traceMiddleware assigns every request a trace id, honouring one sent by the caller
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := strings.TrimSpace(r.Header.Get(traceHeader))
		if traceID == "" {
			traceID = uuid.New().String()
		}
		w.Header().Set(traceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithTraceID(r.Context(), traceID)))
	})
}

func loggingMiddleware(logger logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		fields := []logging.Field{
			logging.F("method", r.Method),
			logging.F("path", r.URL.Path),
			logging.F("status", rw.status),
			logging.F("bytes", rw.size),
			logging.F("durationMs", time.Since(start).Milliseconds()),
			logging.F("clientIP", clientIP(r)),
		}
		if q := strings.TrimSpace(r.URL.RawQuery); q != "" {
			fields = append(fields, logging.F("query", truncate(q, 180)))
		}

		log := logger.WithContext(r.Context())
		switch {
		case rw.status >= 500:
			log.Error("http request", fields...)
		case rw.status >= 400:
			log.Warn("http request", fields...)
		case isNoisyPath(r.URL.Path):
			log.Debug("http request", fields...)
		default:
			log.Info("http request", fields...)
		}
	})
}

func recoveryMiddleware(logger logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered",
					logging.F("error", fmt.Sprint(err)),
					logging.F("method", r.Method),
					logging.F("path", r.URL.Path),
					logging.F("stack", string(debug.Stack())),
				)
				writeError(w, r, "api", utils.NewCLIError(utils.ErrCodeUnknown, "internal server error").Err())
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := normalizeRoute(r.URL.Path)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// rateLimitMiddleware applies a global token bucket. Requests over the limit get 429.
func rateLimitMiddleware(rps float64, burst int, next http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isNoisyPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, r, "api", utils.NewCLIError(utils.ErrCodeRateLimited, "too many requests").
				WithRetryable(true).Err())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// normalizeRoute folds remote ids and auth tokens out of the path so metric
// label cardinality stays bounded
func normalizeRoute(path string) string {
	switch {
	case path == "/remotes" || path == "/stream" || path == "/health" ||
		path == "/metrics" || path == "/events":
		return path
	case strings.HasPrefix(path, "/auth/"):
		return "/auth/:token"
	case strings.HasPrefix(path, "/remotes/"):
		rest := strings.TrimPrefix(path, "/remotes/")
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			switch action := rest[i+1:]; action {
			case "browse", "stream", "cache", "about", "reconnect":
				return "/remotes/:id/" + action
			}
			return "/other"
		}
		return "/remotes/:id"
	default:
		return "/other"
	}
}

func isNoisyPath(path string) bool {
	return path == "/health" || path == "/metrics" || path == "/events" || path == "/stream"
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

func truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	if limit <= 3 {
		return value[:limit]
	}
	return value[:limit-3] + "..."
}
