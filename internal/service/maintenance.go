package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dl-alexandre/cloudstream/internal/auth"
	"github.com/dl-alexandre/cloudstream/internal/logging"
	"github.com/dl-alexandre/cloudstream/internal/types"
	"github.com/dl-alexandre/cloudstream/pkg/version"
)

// Health builds the dependency report: engine binary and version, index,
// engine config, credential vault and byte cache
func (s *Service) Health(ctx context.Context) *types.HealthReport {
	report := &types.HealthReport{Version: version.Get().Short(), Healthy: true}

	if path, err := s.sup.Check(s.engine.Binary()); err != nil {
		report.Add("engine", types.CheckFail, err.Error())
	} else if v, err := s.engine.Version(ctx); err != nil {
		report.Add("engine", types.CheckFail, fmt.Sprintf("%s: %v", path, err))
	} else {
		report.EngineVersion = v
		report.Add("engine", types.CheckOK, fmt.Sprintf("%s (%s)", v, path))
	}

	var remotes []types.RemoteConnection
	if err := s.store.Ping(ctx); err != nil {
		report.Add("index", types.CheckFail, err.Error())
	} else if list, err := s.registry.List(ctx); err != nil {
		report.Add("index", types.CheckFail, err.Error())
	} else {
		remotes = list
		report.Add("index", types.CheckOK, fmt.Sprintf("%d remote(s)", len(remotes)))
	}

	enginePath := s.engine.ConfigPath()
	switch _, err := os.Stat(enginePath); {
	case err == nil:
		report.Add("engine config", types.CheckOK, enginePath)
	case errors.Is(err, os.ErrNotExist) && len(remotes) > 0:
		report.Add("engine config", types.CheckWarn, enginePath+" is missing; run 'cloudstream doctor --restore'")
	case errors.Is(err, os.ErrNotExist):
		report.Add("engine config", types.CheckOK, enginePath+" (not created yet)")
	default:
		report.Add("engine config", types.CheckFail, err.Error())
	}

	if w := s.vault.Warning(); w != "" {
		report.Add("credentials", types.CheckWarn, w)
	} else {
		report.Add("credentials", types.CheckOK, s.vault.Backend())
	}

	if total, err := s.cache.Total(ctx); err != nil {
		report.Add("cache", types.CheckWarn, err.Error())
	} else {
		report.Add("cache", types.CheckOK, fmt.Sprintf("%s in %s", types.FormatBytes(total), s.cache.Root()))
	}

	for _, r := range remotes {
		if r.AuthState == types.AuthStateExpired || r.AuthState == types.AuthStateUnauthenticated {
			report.Add("remote "+r.Name, types.CheckWarn,
				fmt.Sprintf("%s; run 'cloudstream remote reconnect %s'", r.AuthState, r.Name))
		}
	}

	report.Stream = s.gateway.Status()
	return report
}

// RestoreEngineConfig recreates engine config sections that are missing for
// registered remotes, using the vaulted credential copies. Remotes without a
// vaulted copy are marked expired.
func (s *Service) RestoreEngineConfig(ctx context.Context) (*types.RestoreResult, error) {
	remotes, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	configured, err := s.engine.ListRemotes(ctx)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(configured))
	for _, name := range configured {
		present[name] = true
	}

	result := &types.RestoreResult{Restored: []string{}, Missing: []string{}}
	for _, r := range remotes {
		if present[r.Name] {
			continue
		}
		blob, err := s.vault.Load(r.Name)
		if err != nil {
			result.Missing = append(result.Missing, r.Name)
			if r.AuthState != types.AuthStateExpired {
				if err := s.registry.SetAuthState(ctx, r.ID, types.AuthStateExpired); err != nil {
					return result, err
				}
			}
			continue
		}
		if err := s.engine.CreateRemote(ctx, r.Name, r.Provider, blob, false); err != nil {
			return result, err
		}
		s.logger.Info("engine config restored", logging.F("remote", r.Name))
		result.Restored = append(result.Restored, r.Name)
	}
	return result, nil
}

// CheckCredentials inspects each authorized remote's engine credential and
// marks remotes whose credential can no longer be refreshed as expired
func (s *Service) CheckCredentials(ctx context.Context) ([]string, error) {
	remotes, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	expired := []string{}
	for _, r := range remotes {
		if r.AuthState != types.AuthStateAuthorized {
			continue
		}
		blob, err := s.engine.RemoteToken(ctx, r.Name)
		if err != nil {
			s.logger.Debug("no engine credential", logging.F("remote", r.Name), logging.F("error", err.Error()))
			continue
		}
		tok, err := auth.ParseCredential(blob)
		if err != nil || !auth.CredentialExpired(tok, now) {
			continue
		}
		if err := s.registry.SetAuthState(ctx, r.ID, types.AuthStateExpired); err != nil {
			return expired, err
		}
		r.AuthState = types.AuthStateExpired
		s.events.Publish("remote", r)
		expired = append(expired, r.Name)
	}
	sort.Strings(expired)
	return expired, nil
}
