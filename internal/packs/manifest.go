// Package packs defines the declarative manifest shapes shared by every
// pack, whether its handlers run in-process in the hub (an "integration"
// pack) or out on a remote agent. The manifest is pure data — probe and
// runbook execution live in internal/hub/integration, internal/hub/runbook,
// and internal/agent/executor respectively.
package packs

// Kind distinguishes where a pack's handlers execute.
type Kind string

const (
	KindIntegration Kind = "integration"
	KindAgent       Kind = "agent"
)

// Capability is the access level a probe handler requires. The core only
// ever grants Observe; higher levels are reserved for future policy gates
// (§4.9 "for this core we treat all handlers as observe").
type Capability string

const (
	CapabilityObserve Capability = "observe"
)

// ProbeDescriptor is one probe a pack exposes, named `<pack>.<rest>` once
// registered.
type ProbeDescriptor struct {
	Name        string     `json:"name"`
	Capability  Capability `json:"capability"`
	TimeoutMs   int        `json:"timeoutMs,omitempty"`
	Description string     `json:"description,omitempty"`
}

// ParamField describes one entry of a runbook's parameter schema.
type ParamField struct {
	Name        string `json:"name"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
	// RequiresUserInput flags a param the health_check second-order runner
	// cannot supply on its own, so runbooks declaring one are skipped by
	// that runner (§4.7).
	RequiresUserInput bool `json:"requiresUserInput,omitempty"`
}

// FindingRule maps a probe's raw result to zero or one Finding, evaluated
// by the rule's Evaluate function once the probe that produced `Probe` has
// run (§4.7 "severity rules, title templates, related-probe pointers").
type FindingRule struct {
	Probe          string
	Title          string
	RelatedProbes  []string
	Evaluate       func(data []byte) (severity string, detail string, ok bool)
}

// RunbookDescriptor is a declarative diagnostic or maintenance plan
// registered by a pack manifest (§4.7).
type RunbookDescriptor struct {
	Category string       `json:"category"`
	Probes   []string     `json:"probes"`
	Parallel bool         `json:"parallel"`
	Params   []ParamField `json:"params,omitempty"`
	Rules    []FindingRule `json:"-"`
}

// RequiresUserInput reports whether any param in the schema needs input the
// health_check second-order runner cannot supply (§4.7).
func (r RunbookDescriptor) RequiresUserInput() bool {
	for _, p := range r.Params {
		if p.RequiresUserInput {
			return true
		}
	}
	return false
}

// Manifest is the full declaration a pack registers with the hub or agent.
type Manifest struct {
	Name     string            `json:"name"`
	Version  string            `json:"version"`
	Kind     Kind              `json:"kind"`
	Probes   []ProbeDescriptor `json:"probes"`
	Runbooks []RunbookDescriptor `json:"runbooks,omitempty"`
}
