package types

import (
	"strconv"
	"time"
)

// ServeState is the lifecycle state of the serving process slot
type ServeState int

const (
	ServeStopped ServeState = iota
	ServeStarting
	ServeRunning
	ServeFailed
)

var serveStateNames = [...]string{"stopped", "starting", "running", "failed"}

func (s ServeState) String() string {
	if int(s) < len(serveStateNames) {
		return serveStateNames[s]
	}
	return "unknown"
}

func (s ServeState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ServeInstance is a snapshot of the single serving process slot
type ServeInstance struct {
	RemoteID  string     `json:"remoteId,omitempty"`
	Remote    string     `json:"remote,omitempty"`
	Port      int        `json:"port,omitempty"`
	PID       int        `json:"pid,omitempty"`
	State     ServeState `json:"state"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	LastError string     `json:"lastError,omitempty"`
}

func (s *ServeInstance) Headers() []string {
	return []string{"Remote", "State", "Port", "PID", "Started"}
}

func (s *ServeInstance) Rows() [][]string {
	if s.State == ServeStopped && s.RemoteID == "" {
		return nil
	}
	started := "-"
	if s.StartedAt != nil {
		started = s.StartedAt.Local().Format("15:04:05")
	}
	return [][]string{{s.Remote, s.State.String(), itoa(s.Port), itoa(s.PID), started}}
}

func (s *ServeInstance) EmptyMessage() string {
	return "No stream is being served"
}

// StreamURL is the answer to a playback request
type StreamURL struct {
	RemoteID string `json:"remoteId"`
	Path     string `json:"path"`
	URL      string `json:"url"`
	Reused   bool   `json:"reused"`
}

// CacheStats summarises one remote's on-disk byte cache
type CacheStats struct {
	RemoteID       string        `json:"remoteId"`
	Remote         string        `json:"remote"`
	TotalBytes     int64         `json:"totalBytes"`
	FileCount      int           `json:"fileCount"`
	OldestEntryAge time.Duration `json:"oldestEntryAge"`
}

func (c *CacheStats) Headers() []string {
	return []string{"Remote", "Size", "Files", "Oldest"}
}

func (c *CacheStats) Rows() [][]string {
	oldest := "-"
	if c.FileCount > 0 {
		oldest = c.OldestEntryAge.Round(time.Second).String()
	}
	return [][]string{{c.Remote, FormatBytes(c.TotalBytes), itoa(c.FileCount), oldest}}
}

func (c *CacheStats) EmptyMessage() string {
	return "Cache is empty"
}

func itoa(v int) string {
	if v == 0 {
		return "-"
	}
	return strconv.Itoa(v)
}
