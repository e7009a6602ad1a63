package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// CreateRemote writes a remote section holding the credential blob into the
// engine config. With update set, an existing section's token is replaced.
func (e *Engine) CreateRemote(ctx context.Context, name, provider, token string, update bool) error {
	args := []string{"config", "create", name, provider, "token=" + token, "--non-interactive"}
	if update {
		args = []string{"config", "update", name, "token=" + token, "--non-interactive"}
	}
	_, err := e.run(ctx, "config create", 0, args...)
	return err
}

// DeleteRemote removes a remote section; deleting a missing section succeeds
func (e *Engine) DeleteRemote(ctx context.Context, name string) error {
	exists, err := e.HasRemote(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	_, err = e.run(ctx, "config delete", 0, "config", "delete", name)
	return err
}

// ListRemotes returns the remote section names in the engine config
func (e *Engine) ListRemotes(ctx context.Context) ([]string, error) {
	res, err := e.run(ctx, "listremotes", 0, "listremotes")
	if err != nil {
		return nil, err
	}
	return parseRemoteNames(string(res.Stdout)), nil
}

func parseRemoteNames(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		names = append(names, strings.TrimSuffix(line, ":"))
	}
	sort.Strings(names)
	return names
}

// HasRemote reports whether name has a section in the engine config
func (e *Engine) HasRemote(ctx context.Context, name string) (bool, error) {
	names, err := e.ListRemotes(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// RemoteToken returns the credential blob stored for name. The value must
// never be logged.
func (e *Engine) RemoteToken(ctx context.Context, name string) (string, error) {
	res, err := e.run(ctx, "config dump", 0, "config", "dump")
	if err != nil {
		return "", err
	}
	var dump map[string]map[string]string
	if err := json.Unmarshal(res.Stdout, &dump); err != nil {
		return "", fmt.Errorf("failed to parse engine config dump: %w", err)
	}
	section, ok := dump[name]
	if !ok {
		return "", fmt.Errorf("remote %q is not in the engine config", name)
	}
	return section["token"], nil
}

// AboutInfo is storage usage; -1 marks a value the backend did not report
type AboutInfo struct {
	Total   int64
	Used    int64
	Free    int64
	Trashed int64
}

// About queries storage usage of a remote
func (e *Engine) About(ctx context.Context, name string) (*AboutInfo, error) {
	res, err := e.run(ctx, "about", 0, "about", RemoteRoot(name, ""), "--json")
	if err != nil {
		return nil, err
	}
	return ParseAbout(res.Stdout)
}

// ParseAbout decodes "about --json" output
func ParseAbout(data []byte) (*AboutInfo, error) {
	var raw map[string]*int64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse engine about output: %w", err)
	}
	get := func(k string) int64 {
		if v, ok := raw[k]; ok && v != nil {
			return *v
		}
		return -1
	}
	return &AboutInfo{
		Total:   get("total"),
		Used:    get("used"),
		Free:    get("free"),
		Trashed: get("trashed"),
	}, nil
}
