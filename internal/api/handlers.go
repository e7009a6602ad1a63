package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/dl-alexandre/cloudstream/internal/logging"
	"github.com/dl-alexandre/cloudstream/internal/types"
	"github.com/dl-alexandre/cloudstream/internal/utils"
	"github.com/google/uuid"
)

// AddRemoteRequest is the body of POST /remotes
type AddRemoteRequest struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
}

var statusByCode = map[string]int{
	utils.ErrCodeInvalidArgument:  http.StatusBadRequest,
	utils.ErrCodeNameConflict:     http.StatusConflict,
	utils.ErrCodeBusy:             http.StatusConflict,
	utils.ErrCodeRemoteNotFound:   http.StatusNotFound,
	utils.ErrCodePathNotFound:     http.StatusNotFound,
	utils.ErrCodeAuthFlowNotFound: http.StatusNotFound,
	utils.ErrCodeAuthRequired:     http.StatusUnauthorized,
	utils.ErrCodeAuthExpired:      http.StatusUnauthorized,
	utils.ErrCodeRateLimited:      http.StatusTooManyRequests,
	utils.ErrCodeTimeout:          http.StatusGatewayTimeout,
	utils.ErrCodeStartupTimeout:   http.StatusGatewayTimeout,
	utils.ErrCodeNetworkError:     http.StatusBadGateway,
	utils.ErrCodeOperationFailed:  http.StatusBadGateway,
	utils.ErrCodeConfigError:      http.StatusServiceUnavailable,
	utils.ErrCodeCancelled:        http.StatusRequestTimeout,
}

// StatusFor maps an error code to the HTTP status the control API answers with
func StatusFor(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func (s *Server) handleListRemotes(w http.ResponseWriter, r *http.Request) {
	list, err := s.backend.ListRemotes(r.Context())
	if err != nil {
		writeError(w, r, "remote.list", err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "remote.list", list)
}

func (s *Server) handleAddRemote(w http.ResponseWriter, r *http.Request) {
	var req AddRemoteRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, "remote.add", err)
		return
	}
	handle, err := s.backend.AddRemote(r.Context(), strings.TrimSpace(req.Provider), req.Name)
	if err != nil {
		writeError(w, r, "remote.add", err)
		return
	}
	writeSuccess(w, r, http.StatusAccepted, "remote.add", handle)
}

func (s *Server) handleRemoveRemote(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.backend.RemoveRemote(r.Context(), id); err != nil {
		writeError(w, r, "remote.remove", err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "remote.remove", map[string]interface{}{"remote": id, "removed": true})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	handle, err := s.backend.ReconnectRemote(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, "remote.reconnect", err)
		return
	}
	writeSuccess(w, r, http.StatusAccepted, "remote.reconnect", handle)
}

func (s *Server) handlePollAuth(w http.ResponseWriter, r *http.Request) {
	status, err := s.backend.PollAuthorization(r.PathValue("token"))
	if err != nil {
		writeError(w, r, "remote.status", err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "remote.status", status)
}

func (s *Server) handleCancelAuth(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if err := s.backend.CancelAuthorization(token); err != nil {
		writeError(w, r, "remote.cancel", err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "remote.cancel", map[string]interface{}{"token": token, "cancelled": true})
}

// handleBrowse answers 200 with a stale warning when the refresh failed but
// an older copy of the listing exists.
func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dir := q.Get("path")
	if dir == "" {
		dir = "/"
	}
	refresh := false
	if v := q.Get("refresh"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, "browse", utils.InvalidArgument("refresh must be a boolean"))
			return
		}
		refresh = b
	}

	listing, err := s.backend.Browse(r.Context(), r.PathValue("id"), dir, refresh)
	if err != nil {
		if listing == nil || !listing.Stale {
			writeError(w, r, "browse", err)
			return
		}
		cliErr := utils.ToCLIError(err)
		writeSuccess(w, r, http.StatusOK, "browse", listing, types.CLIWarning{
			Code:     cliErr.Code,
			Message:  "showing cached listing: " + cliErr.Message,
			Severity: "warning",
		})
		return
	}
	writeSuccess(w, r, http.StatusOK, "browse", listing)
}

func (s *Server) handleStreamURL(w http.ResponseWriter, r *http.Request) {
	filePath := r.URL.Query().Get("path")
	if filePath == "" {
		writeError(w, r, "stream", utils.InvalidArgument("path is required"))
		return
	}
	u, err := s.backend.GetStreamURL(r.Context(), r.PathValue("id"), filePath)
	if err != nil {
		writeError(w, r, "stream", err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "stream", u)
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, http.StatusOK, "stream.status", s.backend.StreamStatus())
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	s.backend.StopStream()
	writeSuccess(w, r, http.StatusOK, "stream.stop", s.backend.StreamStatus())
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.backend.CacheStats(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, "cache.stats", err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "cache.stats", stats)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.backend.ClearCache(r.Context(), id); err != nil {
		writeError(w, r, "cache.clear", err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "cache.clear", map[string]interface{}{"remote": id, "cleared": true})
}

func (s *Server) handleAbout(w http.ResponseWriter, r *http.Request) {
	q, err := s.backend.RemoteQuota(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, "remote.about", err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "remote.about", q)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.backend.Health(r.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeSuccess(w, r, status, "health", report)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, utils.MaxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return utils.InvalidArgument("request body is required")
		}
		return utils.InvalidArgument("invalid request body: " + err.Error())
	}
	return nil
}

func traceIDOf(r *http.Request) string {
	if id := logging.TraceIDFromContext(r.Context()); id != "" {
		return id
	}
	return uuid.New().String()
}

func writeSuccess(w http.ResponseWriter, r *http.Request, status int, command string, data interface{}, warnings ...types.CLIWarning) {
	if warnings == nil {
		warnings = []types.CLIWarning{}
	}
	writeJSON(w, status, types.CLIOutput{
		SchemaVersion: utils.SchemaVersion,
		TraceID:       traceIDOf(r),
		Command:       command,
		Data:          data,
		Warnings:      warnings,
		Errors:        []types.CLIError{},
	})
}

func writeError(w http.ResponseWriter, r *http.Request, command string, err error) {
	cliErr := utils.ToCLIError(err)
	writeJSON(w, StatusFor(cliErr.Code), types.CLIOutput{
		SchemaVersion: utils.SchemaVersion,
		TraceID:       traceIDOf(r),
		Command:       command,
		Data:          nil,
		Warnings:      []types.CLIWarning{},
		Errors:        []types.CLIError{cliErr},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
