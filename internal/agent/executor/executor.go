// Package executor resolves a probe name to a loaded agent pack handler,
// runs it, and scrubs the result before it leaves the process (§4.9).
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sonde-hub/sonde/internal/agent/packs"
	"github.com/sonde-hub/sonde/internal/agent/scrubber"
	shared "github.com/sonde-hub/sonde/internal/packs"
)

// Metadata is carried on every probe result (§3, §4.9).
type Metadata struct {
	AgentVersion    string `json:"agentVersion"`
	PackName        string `json:"packName"`
	PackVersion     string `json:"packVersion"`
	CapabilityLevel string `json:"capabilityLevel"`
}

// Result is the outcome of one successful Execute call.
type Result struct {
	Data     json.RawMessage
	Metadata Metadata
}

// Executor runs probes registered by agent-side packs.
type Executor struct {
	registry     *packs.Registry
	scrubber     *scrubber.Scrubber
	exec         packs.ExecFunc
	agentVersion string
}

// New constructs an Executor. A nil exec defaults to packs.Exec.
func New(registry *packs.Registry, scrub *scrubber.Scrubber, exec packs.ExecFunc, agentVersion string) *Executor {
	if exec == nil {
		exec = packs.Exec
	}
	return &Executor{registry: registry, scrubber: scrub, exec: exec, agentVersion: agentVersion}
}

// Execute resolves probe to a pack.handler pair, runs it, and scrubs the
// raw output (§4.9). The returned error is always handler- or
// resolution-level; a handler's own domain errors are wrapped, never
// swallowed, so the caller can frame a probe.error envelope.
func (e *Executor) Execute(ctx context.Context, probe string, params json.RawMessage) (Result, error) {
	packName, rest, ok := splitProbe(probe)
	if !ok {
		return Result{}, fmt.Errorf("malformed probe name: %s", probe)
	}

	handler, pack, ok := e.registry.Lookup(packName, rest)
	if !ok {
		return Result{}, fmt.Errorf("no handler registered for probe: %s", probe)
	}

	raw, err := handler(ctx, params, e.exec)
	if err != nil {
		return Result{}, fmt.Errorf("probe %s failed: %w", probe, err)
	}

	scrubbed, err := e.scrubOutput(raw)
	if err != nil {
		return Result{}, fmt.Errorf("probe %s: scrub output: %w", probe, err)
	}

	return Result{
		Data: scrubbed,
		Metadata: Metadata{
			AgentVersion:    e.agentVersion,
			PackName:        pack.Manifest.Name,
			PackVersion:     pack.Manifest.Version,
			CapabilityLevel: string(shared.CapabilityObserve),
		},
	}, nil
}

func (e *Executor) scrubOutput(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	scrubbed := e.scrubber.Scrub(v)
	return json.Marshal(scrubbed)
}

// splitProbe splits "pack.rest" on the first dot. A probe with no pack
// prefix, or with nothing after the dot, is malformed (§4.9).
func splitProbe(probe string) (pack, rest string, ok bool) {
	i := strings.Index(probe, ".")
	if i <= 0 || i == len(probe)-1 {
		return "", "", false
	}
	return probe[:i], probe[i+1:], true
}
