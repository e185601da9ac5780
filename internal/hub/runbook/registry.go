package runbook

import (
	"context"
	"sync"

	"github.com/sonde-hub/sonde/internal/hub/integration"
	"github.com/sonde-hub/sonde/internal/hub/storage"
	"github.com/sonde-hub/sonde/internal/packs"
)

// Catalog implements Registry by combining the hub's integration pack
// registry with a static catalog of known agent-kind pack manifests
// (compiled into the hub; the pack code itself only runs on the agent, but
// its manifest travels so the hub can offer the runbooks it declares).
type Catalog struct {
	mu           sync.RWMutex
	agentPacks   map[string]packs.Manifest
	integrations *integration.Registry
	store        *storage.Store
}

// NewCatalog constructs a Catalog. integrations and store may be the same
// instances wired into the rest of the hub.
func NewCatalog(integrations *integration.Registry, store *storage.Store) *Catalog {
	return &Catalog{
		agentPacks:   make(map[string]packs.Manifest),
		integrations: integrations,
		store:        store,
	}
}

// RegisterAgentPack adds a known agent-kind pack manifest to the catalog.
func (c *Catalog) RegisterAgentPack(m packs.Manifest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentPacks[m.Name] = m
}

func (c *Catalog) allManifests() []packs.Manifest {
	c.mu.RLock()
	out := make([]packs.Manifest, 0, len(c.agentPacks))
	for _, m := range c.agentPacks {
		out = append(out, m)
	}
	c.mu.RUnlock()
	out = append(out, c.integrations.List()...)
	return out
}

// Lookup implements runbook.Registry.
func (c *Catalog) Lookup(category string) (packs.RunbookDescriptor, bool) {
	for _, m := range c.allManifests() {
		for _, rb := range m.Runbooks {
			if rb.Category == category {
				return rb, true
			}
		}
	}
	return packs.RunbookDescriptor{}, false
}

// Applicable implements runbook.Registry: a runbook is applicable if its
// owning pack is an active integration, or its owning agent pack is loaded
// by agent (or, when agent=="", by any known agent).
func (c *Catalog) Applicable(agent string) []packs.RunbookDescriptor {
	active := c.activePackNames(agent)
	var out []packs.RunbookDescriptor
	for _, m := range c.allManifests() {
		if m.Kind == packs.KindIntegration || active[m.Name] {
			out = append(out, m.Runbooks...)
		}
	}
	return out
}

func (c *Catalog) activePackNames(agent string) map[string]bool {
	ctx := context.Background()
	active := map[string]bool{}

	if agent != "" {
		a, err := c.store.GetAgentByName(ctx, agent)
		if err != nil {
			a, err = c.store.GetAgentByID(ctx, agent)
		}
		if err != nil {
			return active
		}
		for _, p := range a.Packs {
			active[p.Name] = true
		}
		return active
	}

	agents, err := c.store.ListAgents(ctx)
	if err != nil {
		return active
	}
	for _, a := range agents {
		for _, p := range a.Packs {
			active[p.Name] = true
		}
	}
	return active
}
