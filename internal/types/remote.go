package types

import (
	"fmt"
	"time"
)

// AuthState tracks whether a remote holds usable credentials
type AuthState string

const (
	AuthStateUnauthenticated AuthState = "unauthenticated"
	AuthStatePending         AuthState = "pending"
	AuthStateAuthorized      AuthState = "authorized"
	AuthStateExpired         AuthState = "expired"
)

// Valid reports whether s is a known auth state
func (s AuthState) Valid() bool {
	switch s {
	case AuthStateUnauthenticated, AuthStatePending, AuthStateAuthorized, AuthStateExpired:
		return true
	}
	return false
}

// RemoteConnection is a configured cloud storage account
type RemoteConnection struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Provider      string     `json:"provider"`
	AuthState     AuthState  `json:"authState"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastScannedAt *time.Time `json:"lastScannedAt,omitempty"`
}

// RemoteList is the result of listing configured remotes
type RemoteList struct {
	Remotes []RemoteConnection `json:"remotes"`
}

func (r *RemoteList) Headers() []string {
	return []string{"ID", "Name", "Provider", "Auth", "Last Scanned"}
}

func (r *RemoteList) Rows() [][]string {
	rows := make([][]string, len(r.Remotes))
	for i, remote := range r.Remotes {
		scanned := "-"
		if remote.LastScannedAt != nil {
			scanned = remote.LastScannedAt.Local().Format("2006-01-02 15:04")
		}
		rows[i] = []string{
			remote.ID,
			remote.Name,
			remote.Provider,
			string(remote.AuthState),
			scanned,
		}
	}
	return rows
}

func (r *RemoteList) EmptyMessage() string {
	return "No remotes configured"
}

// Quota is storage usage reported by a remote. Unknown values are -1.
type Quota struct {
	RemoteID string `json:"remoteId"`
	Total    int64  `json:"total"`
	Used     int64  `json:"used"`
	Free     int64  `json:"free"`
	Trashed  int64  `json:"trashed"`
	Source   string `json:"source"`
}

func (q *Quota) Headers() []string {
	return []string{"Total", "Used", "Free", "Trashed"}
}

func (q *Quota) Rows() [][]string {
	return [][]string{{formatQuota(q.Total), formatQuota(q.Used), formatQuota(q.Free), formatQuota(q.Trashed)}}
}

func (q *Quota) EmptyMessage() string {
	return "No quota information"
}

func formatQuota(v int64) string {
	if v < 0 {
		return "-"
	}
	return FormatBytes(v)
}

// FormatBytes renders a byte count in binary units
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
