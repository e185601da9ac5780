// Package github implements the built-in "github" integration pack: repo
// issue listing and API rate-limit status, authenticated via a bearer token
// or OAuth2 access token (§4.6).
package github

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sonde-hub/sonde/internal/hub/integration"
	"github.com/sonde-hub/sonde/internal/hub/integration/credentials"
	shared "github.com/sonde-hub/sonde/internal/packs"
)

const (
	Name           = "github"
	Version        = "1.0.0"
	defaultBaseURL = "https://api.github.com"
)

// New builds the github pack.
func New() *integration.Pack {
	return &integration.Pack{
		Manifest: shared.Manifest{
			Name:    Name,
			Version: Version,
			Kind:    shared.KindIntegration,
			Probes: []shared.ProbeDescriptor{
				{Name: "issues", Capability: shared.CapabilityObserve, TimeoutMs: 10000, Description: "Open issues for a repository"},
				{Name: "rate_limit", Capability: shared.CapabilityObserve, TimeoutMs: 5000, Description: "Current API rate limit status"},
			},
			Runbooks: []shared.RunbookDescriptor{
				{
					Category: "github_health",
					Probes:   []string{Name + ".rate_limit"},
					Parallel: false,
					Rules: []shared.FindingRule{
						{Probe: Name + ".rate_limit", Title: "GitHub API rate limit low", Evaluate: evaluateRateLimit},
					},
				},
			},
		},
		Handlers: map[string]integration.HandlerFunc{
			"issues":     issuesHandler,
			"rate_limit": rateLimitHandler,
		},
	}
}

type issuesParams struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
	State string `json:"state"`
}

type packConfig struct {
	BaseURL string `json:"baseUrl"`
}

func authHeader(creds credentials.Secret) (map[string]string, error) {
	switch creds.AuthMethod {
	case credentials.AuthBearer:
		if creds.BearerToken == "" {
			return nil, fmt.Errorf("github pack: missing bearer token")
		}
		return map[string]string{"Authorization": "Bearer " + creds.BearerToken, "Accept": "application/vnd.github+json"}, nil
	case credentials.AuthOAuth2:
		if creds.AccessToken == "" {
			return nil, fmt.Errorf("github pack: missing oauth2 access token")
		}
		return map[string]string{"Authorization": "Bearer " + creds.AccessToken, "Accept": "application/vnd.github+json"}, nil
	default:
		return nil, fmt.Errorf("github pack: unsupported auth method %q", creds.AuthMethod)
	}
}

func resolveBaseURL(config json.RawMessage) string {
	if len(config) == 0 {
		return defaultBaseURL
	}
	var c packConfig
	if err := json.Unmarshal(config, &c); err != nil || c.BaseURL == "" {
		return defaultBaseURL
	}
	return c.BaseURL
}

func issuesHandler(ctx context.Context, params, config json.RawMessage, creds credentials.Secret, fetch integration.FetchFunc) (json.RawMessage, error) {
	var p issuesParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	if p.Owner == "" || p.Repo == "" {
		return nil, fmt.Errorf("missing required parameters: owner, repo")
	}
	if p.State == "" {
		p.State = "open"
	}

	headers, err := authHeader(creds)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/repos/%s/%s/issues?state=%s", resolveBaseURL(config), p.Owner, p.Repo, p.State)
	resp, err := fetch(ctx, "GET", url, headers, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &integration.FetchError{StatusCode: resp.StatusCode, Body: resp.Body}
	}

	var issues []map[string]interface{}
	if err := json.Unmarshal(resp.Body, &issues); err != nil {
		return nil, fmt.Errorf("decode github response: %w", err)
	}
	return json.Marshal(map[string]interface{}{"count": len(issues), "issues": issues})
}

func rateLimitHandler(ctx context.Context, params, config json.RawMessage, creds credentials.Secret, fetch integration.FetchFunc) (json.RawMessage, error) {
	headers, err := authHeader(creds)
	if err != nil {
		return nil, err
	}

	url := resolveBaseURL(config) + "/rate_limit"
	resp, err := fetch(ctx, "GET", url, headers, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &integration.FetchError{StatusCode: resp.StatusCode, Body: resp.Body}
	}
	return resp.Body, nil
}

func evaluateRateLimit(data []byte) (severity string, detail string, ok bool) {
	var parsed struct {
		Resources struct {
			Core struct {
				Remaining int `json:"remaining"`
				Limit     int `json:"limit"`
			} `json:"core"`
		} `json:"resources"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil || parsed.Resources.Core.Limit == 0 {
		return "", "", false
	}

	remainingPct := parsed.Resources.Core.Remaining * 100 / parsed.Resources.Core.Limit
	switch {
	case remainingPct < 10:
		return "critical", fmt.Sprintf("GitHub API rate limit at %d%% remaining", remainingPct), true
	case remainingPct < 25:
		return "warning", fmt.Sprintf("GitHub API rate limit at %d%% remaining", remainingPct), true
	default:
		return "", "", false
	}
}
