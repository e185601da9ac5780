// Package packs holds the agent-side pack registry and local command
// execution helper (§4.9). A pack's manifest is the same declarative shape
// used on the hub (internal/packs); only where its handlers run differs.
package packs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	shared "github.com/sonde-hub/sonde/internal/packs"
)

// ExecFunc runs one local command under timeout, returning captured stdout.
// Implementations must never invoke a shell (§4.9).
type ExecFunc func(ctx context.Context, name string, args []string, timeout time.Duration) ([]byte, error)

// HandlerFunc is one agent-side probe's implementation.
type HandlerFunc func(ctx context.Context, params json.RawMessage, exec ExecFunc) (json.RawMessage, error)

// Pack is one loaded agent pack: its manifest plus the handler implementing
// each declared probe, keyed by the probe's remainder (the part of the
// probe name after the leading `<pack>.`).
type Pack struct {
	Manifest shared.Manifest
	Handlers map[string]HandlerFunc
}

// Registry is the agent-local set of loaded packs. Packs named in the
// disabled list (from local-state config) are never registered (§4.8).
type Registry struct {
	mu       sync.RWMutex
	packs    map[string]*Pack
	disabled map[string]bool
}

// NewRegistry constructs an empty Registry.
func NewRegistry(disabledPacks []string) *Registry {
	disabled := make(map[string]bool, len(disabledPacks))
	for _, n := range disabledPacks {
		disabled[n] = true
	}
	return &Registry{packs: make(map[string]*Pack), disabled: disabled}
}

// Register adds p unless its name is disabled.
func (r *Registry) Register(p *Pack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disabled[p.Manifest.Name] {
		return
	}
	r.packs[p.Manifest.Name] = p
}

// Lookup resolves a handler by pack name and probe remainder.
func (r *Registry) Lookup(pack, rest string) (HandlerFunc, *Pack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.packs[pack]
	if !ok {
		return nil, nil, false
	}
	h, ok := p.Handlers[rest]
	if !ok {
		return nil, p, false
	}
	return h, p, true
}

// Manifests returns every loaded pack's manifest, for the agent.register
// pack list (§4.8).
func (r *Registry) Manifests() []shared.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]shared.Manifest, 0, len(r.packs))
	for _, p := range r.packs {
		out = append(out, p.Manifest)
	}
	return out
}
