package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Item is one entry of a directory listing as reported by the engine
type Item struct {
	Path    string
	Name    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

type lsjsonItem struct {
	Path     string `json:"Path"`
	Name     string `json:"Name"`
	Size     int64  `json:"Size"`
	MimeType string `json:"MimeType"`
	ModTime  string `json:"ModTime"`
	IsDir    bool   `json:"IsDir"`
}

// ListDir lists the direct children of path on the named remote
func (e *Engine) ListDir(ctx context.Context, remote, path string) ([]Item, error) {
	res, err := e.run(ctx, "list", 0, "lsjson", RemoteRoot(remote, path), "--max-depth", "1", "--no-mimetype")
	if err != nil {
		return nil, err
	}
	return ParseListing(res.Stdout)
}

// ParseListing decodes lsjson output
func ParseListing(data []byte) ([]Item, error) {
	var raw []lsjsonItem
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse engine listing: %w", err)
	}
	items := make([]Item, 0, len(raw))
	for _, r := range raw {
		item := Item{
			Path:  r.Path,
			Name:  r.Name,
			Size:  r.Size,
			IsDir: r.IsDir,
		}
		if item.IsDir || item.Size < 0 {
			item.Size = 0
		}
		if r.ModTime != "" {
			if t, err := time.Parse(time.RFC3339Nano, r.ModTime); err == nil {
				item.ModTime = t.UTC()
			}
		}
		items = append(items, item)
	}
	return items, nil
}
