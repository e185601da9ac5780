// Package runbook implements RunbookEngine: validates runbook parameters,
// fans a probe plan out to ProbeRouter, and composes sorted findings (§4.7).
package runbook

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sonde-hub/sonde/internal/hub/probe"
	"github.com/sonde-hub/sonde/internal/packs"
)

// Severity orders findings critical → warning → info (§4.7).
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

var severityRank = map[Severity]int{SeverityCritical: 0, SeverityWarning: 1, SeverityInfo: 2}

// Finding is one composed diagnostic conclusion.
type Finding struct {
	Title         string   `json:"title"`
	Severity      Severity `json:"severity"`
	Detail        string   `json:"detail"`
	Probe         string   `json:"probe"`
	RelatedProbes []string `json:"relatedProbes,omitempty"`
}

// ProbeResult is one probe's outcome within a RunbookResult.
type ProbeResult struct {
	Probe    string        `json:"probe"`
	Response probe.Response `json:"response"`
	Error    string        `json:"error,omitempty"`
}

// Result is the outcome of executing one category (§4.7).
type Result struct {
	Category string        `json:"category"`
	Probes   []ProbeResult `json:"probes"`
	Findings []Finding     `json:"findings"`
}

// Executor runs a single probe. It is satisfied by probe.Router.
type Executor interface {
	Execute(ctx context.Context, probe string, params interface{}, agent string) (probe.Response, error)
}

// Registry resolves a category to its descriptor, so the engine can apply
// the runbook's declared plan and rules.
type Registry interface {
	Lookup(category string) (packs.RunbookDescriptor, bool)
	// Applicable lists every category currently runnable: the owning pack
	// is an agent pack the named agent has active, or an integration pack
	// currently configured (§4.7 "discovers which runbooks apply").
	Applicable(agent string) []packs.RunbookDescriptor
}

// Engine implements RunbookEngine.
type Engine struct {
	router   Executor
	registry Registry
}

// New constructs an Engine.
func New(router Executor, registry Registry) *Engine {
	return &Engine{router: router, registry: registry}
}

// ErrMissingParam is returned when a required runbook param is absent.
type ErrMissingParam struct{ Field string }

func (e *ErrMissingParam) Error() string {
	return fmt.Sprintf("missing required parameter: %s", e.Field)
}

func validateParams(schema []packs.ParamField, params map[string]interface{}) error {
	for _, f := range schema {
		if !f.Required {
			continue
		}
		if _, ok := params[f.Name]; !ok {
			return &ErrMissingParam{Field: f.Name}
		}
	}
	return nil
}

// Execute runs category with params against agent, per §4.7.
func (e *Engine) Execute(ctx context.Context, category string, params map[string]interface{}, agent string) (*Result, error) {
	rb, ok := e.registry.Lookup(category)
	if !ok {
		return nil, fmt.Errorf("unknown runbook category: %s", category)
	}
	if err := validateParams(rb.Params, params); err != nil {
		return nil, err
	}

	var results []ProbeResult
	if rb.Parallel {
		var err error
		results, err = e.executeParallel(ctx, rb.Probes, params, agent)
		if err != nil {
			return nil, err
		}
	} else {
		results = e.executeSequential(ctx, rb.Probes, params, agent)
	}

	findings := composeFindings(rb.Rules, results)

	return &Result{Category: category, Probes: results, Findings: findings}, nil
}

// executeSequential awaits each probe in order. A per-probe failure is
// recorded as a ProbeResult, not aborted on (§4.7).
func (e *Engine) executeSequential(ctx context.Context, probeNames []string, params map[string]interface{}, agent string) []ProbeResult {
	out := make([]ProbeResult, 0, len(probeNames))
	for _, name := range probeNames {
		resp, err := e.router.Execute(ctx, name, params, agent)
		out = append(out, toProbeResult(name, resp, err))
	}
	return out
}

// executeParallel dispatches all probes concurrently via errgroup and waits
// for every one of them (§4.7). Each group function returns nil: an error
// from ProbeRouter.Execute (an infrastructural failure such as an
// unroutable probe) is recorded as that probe's ProbeResult.Error and does
// not cancel the other in-flight probes.
func (e *Engine) executeParallel(ctx context.Context, probeNames []string, params map[string]interface{}, agent string) ([]ProbeResult, error) {
	results := make([]ProbeResult, len(probeNames))
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, name := range probeNames {
		i, name := i, name
		g.Go(func() error {
			resp, err := e.router.Execute(gctx, name, params, agent)
			mu.Lock()
			results[i] = toProbeResult(name, resp, err)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func toProbeResult(name string, resp probe.Response, err error) ProbeResult {
	if err != nil {
		return ProbeResult{Probe: name, Error: err.Error()}
	}
	return ProbeResult{Probe: name, Response: resp}
}

func composeFindings(rules []packs.FindingRule, results []ProbeResult) []Finding {
	byProbe := make(map[string]ProbeResult, len(results))
	for _, r := range results {
		byProbe[r.Probe] = r
	}

	var findings []Finding
	for _, rule := range rules {
		r, ok := byProbe[rule.Probe]
		if !ok || r.Error != "" {
			continue
		}
		severity, detail, matched := rule.Evaluate(r.Response.Data)
		if !matched {
			continue
		}
		findings = append(findings, Finding{
			Title:         rule.Title,
			Severity:      Severity(severity),
			Detail:        detail,
			Probe:         rule.Probe,
			RelatedProbes: rule.RelatedProbes,
		})
	}

	sort.SliceStable(findings, func(i, j int) bool {
		return severityRank[findings[i].Severity] < severityRank[findings[j].Severity]
	})
	return findings
}

// HealthCheck is the second-order runner: it discovers applicable runbooks,
// skips any requiring user input, and composes a unified report (§4.7).
func (e *Engine) HealthCheck(ctx context.Context, agent string) ([]*Result, error) {
	applicable := e.registry.Applicable(agent)

	var out []*Result
	for _, rb := range applicable {
		if rb.RequiresUserInput() {
			continue
		}
		result, err := e.Execute(ctx, rb.Category, map[string]interface{}{}, agent)
		if err != nil {
			continue
		}
		out = append(out, result)
	}
	return out, nil
}
