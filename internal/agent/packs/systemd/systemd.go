// Package systemd implements the built-in "systemd" agent pack: unit status
// and recent journal lines, backed by systemctl and journalctl (§4.9, §6
// "query_logs routes to probes (systemd/docker/nginx)").
package systemd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	agentpacks "github.com/sonde-hub/sonde/internal/agent/packs"
	shared "github.com/sonde-hub/sonde/internal/packs"
)

const (
	Name    = "systemd"
	Version = "1.0.0"

	execTimeout      = 5 * time.Second
	defaultLogLines  = 100
	maxRequestedLines = 1000
)

// New builds the systemd pack.
func New() *agentpacks.Pack {
	return &agentpacks.Pack{
		Manifest: shared.Manifest{
			Name:    Name,
			Version: Version,
			Kind:    shared.KindAgent,
			Probes: []shared.ProbeDescriptor{
				{Name: "status", Capability: shared.CapabilityObserve, TimeoutMs: 5000, Description: "Active state of a systemd unit"},
				{Name: "logs", Capability: shared.CapabilityObserve, TimeoutMs: 5000, Description: "Recent journal lines for a unit"},
			},
		},
		Handlers: map[string]agentpacks.HandlerFunc{
			"status": statusHandler,
			"logs":   logsHandler,
		},
	}
}

type statusParams struct {
	Unit string `json:"unit"`
}

func statusHandler(ctx context.Context, params json.RawMessage, exec agentpacks.ExecFunc) (json.RawMessage, error) {
	var p statusParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	if p.Unit == "" {
		return nil, fmt.Errorf("missing required parameter: unit")
	}

	out, err := exec(ctx, "systemctl", []string{"is-active", p.Unit}, execTimeout)
	state := strings.TrimSpace(string(out))
	if err != nil && state == "" {
		return nil, fmt.Errorf("run systemctl: %w", err)
	}
	return json.Marshal(map[string]interface{}{"unit": p.Unit, "activeState": state})
}

type logsParams struct {
	Unit  string `json:"unit"`
	Lines int    `json:"lines"`
}

func logsHandler(ctx context.Context, params json.RawMessage, exec agentpacks.ExecFunc) (json.RawMessage, error) {
	var p logsParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	if p.Unit == "" {
		return nil, fmt.Errorf("missing required parameter: unit")
	}

	lines := p.Lines
	if lines <= 0 {
		lines = defaultLogLines
	}
	if lines > maxRequestedLines {
		lines = maxRequestedLines
	}

	args := []string{"-u", p.Unit, "-n", fmt.Sprintf("%d", lines), "--no-pager", "-o", "short-iso"}
	out, err := exec(ctx, "journalctl", args, execTimeout)
	if err != nil {
		return nil, fmt.Errorf("run journalctl: %w", err)
	}

	var logLines []string
	for _, l := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if l != "" {
			logLines = append(logLines, l)
		}
	}
	return json.Marshal(map[string]interface{}{"unit": p.Unit, "lines": logLines})
}
