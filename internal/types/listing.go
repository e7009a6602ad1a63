package types

import "time"

// DirectoryEntry is one child of a remote directory
type DirectoryEntry struct {
	RemoteID    string    `json:"remoteId"`
	Path        string    `json:"path"`
	Name        string    `json:"name"`
	IsDirectory bool      `json:"isDirectory"`
	SizeBytes   int64     `json:"sizeBytes"`
	ModifiedAt  time.Time `json:"modifiedAt"`
	CachedAt    time.Time `json:"cachedAt"`
}

// Listing is the ordered content of one remote directory.
// Stale is set when the entries are the last known good copy after a failed refresh.
type Listing struct {
	RemoteID  string           `json:"remoteId"`
	Path      string           `json:"path"`
	Entries   []DirectoryEntry `json:"entries"`
	CachedAt  time.Time        `json:"cachedAt"`
	FromCache bool             `json:"fromCache"`
	Stale     bool             `json:"stale"`
}

func (l *Listing) Headers() []string {
	return []string{"Name", "Type", "Size", "Modified"}
}

func (l *Listing) Rows() [][]string {
	rows := make([][]string, len(l.Entries))
	for i, e := range l.Entries {
		kind := "file"
		size := FormatBytes(e.SizeBytes)
		name := e.Name
		if e.IsDirectory {
			kind = "dir"
			size = "-"
			name += "/"
		}
		modified := "-"
		if !e.ModifiedAt.IsZero() {
			modified = e.ModifiedAt.Local().Format("2006-01-02 15:04")
		}
		rows[i] = []string{name, kind, size, modified}
	}
	return rows
}

func (l *Listing) EmptyMessage() string {
	return "Directory is empty"
}
