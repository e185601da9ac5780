// Package system implements the built-in "system" agent pack: filesystem
// usage and process uptime, backed by df and uptime (§4.9, §6).
package system

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	agentpacks "github.com/sonde-hub/sonde/internal/agent/packs"
	shared "github.com/sonde-hub/sonde/internal/packs"
)

const (
	Name    = "system"
	Version = "1.0.0"

	execTimeout = 5 * time.Second
	// usageWarningPercent and usageCriticalPercent gate the disk_pressure
	// runbook's finding severity.
	usageWarningPercent  = 80
	usageCriticalPercent = 90
)

// New builds the system pack.
func New() *agentpacks.Pack {
	return &agentpacks.Pack{
		Manifest: shared.Manifest{
			Name:    Name,
			Version: Version,
			Kind:    shared.KindAgent,
			Probes: []shared.ProbeDescriptor{
				{Name: "disk.usage", Capability: shared.CapabilityObserve, TimeoutMs: 5000, Description: "Per-volume filesystem usage"},
				{Name: "uptime", Capability: shared.CapabilityObserve, TimeoutMs: 5000, Description: "Process uptime and load average"},
			},
			Runbooks: []shared.RunbookDescriptor{
				{
					Category: "disk_pressure",
					Probes:   []string{Name + ".disk.usage"},
					Parallel: false,
					Rules: []shared.FindingRule{
						{
							Probe: Name + ".disk.usage",
							Title: "Filesystem usage high",
							Evaluate: evaluateUsage,
						},
					},
				},
			},
		},
		Handlers: map[string]agentpacks.HandlerFunc{
			"disk.usage": diskUsageHandler,
			"uptime":     uptimeHandler,
		},
	}
}

// Volume is one mounted filesystem's usage, as reported by df.
type Volume struct {
	Filesystem  string `json:"filesystem"`
	MountPoint  string `json:"mountPoint"`
	UsedPercent int    `json:"usedPercent"`
}

func diskUsageHandler(ctx context.Context, params json.RawMessage, exec agentpacks.ExecFunc) (json.RawMessage, error) {
	out, err := exec(ctx, "df", []string{"-P"}, execTimeout)
	if err != nil {
		return nil, fmt.Errorf("run df: %w", err)
	}
	volumes := parseDF(out)
	return json.Marshal(map[string]interface{}{"volumes": volumes})
}

func uptimeHandler(ctx context.Context, params json.RawMessage, exec agentpacks.ExecFunc) (json.RawMessage, error) {
	out, err := exec(ctx, "uptime", nil, execTimeout)
	if err != nil {
		return nil, fmt.Errorf("run uptime: %w", err)
	}
	return json.Marshal(map[string]interface{}{"raw": strings.TrimSpace(string(out))})
}

// parseDF parses the fixed-format (-P) output of df into a Volume list.
// Malformed or short lines are skipped rather than failing the probe.
func parseDF(out []byte) []Volume {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return nil
	}
	volumes := make([]Volume, 0, len(lines)-1)
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		used, err := strconv.Atoi(strings.TrimSuffix(fields[4], "%"))
		if err != nil {
			continue
		}
		volumes = append(volumes, Volume{
			Filesystem:  fields[0],
			MountPoint:  fields[5],
			UsedPercent: used,
		})
	}
	return volumes
}

func evaluateUsage(data []byte) (severity string, detail string, ok bool) {
	var parsed struct {
		Volumes []Volume `json:"volumes"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", "", false
	}
	for _, v := range parsed.Volumes {
		switch {
		case v.UsedPercent >= usageCriticalPercent:
			return "critical", fmt.Sprintf("%s is %d%% full", v.MountPoint, v.UsedPercent), true
		case v.UsedPercent >= usageWarningPercent:
			return "warning", fmt.Sprintf("%s is %d%% full", v.MountPoint, v.UsedPercent), true
		}
	}
	return "", "", false
}
