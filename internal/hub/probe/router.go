// Package probe implements ProbeRouter: fingerprinted caching, prefix-based
// routing between integration packs and remote agents, and audit/event
// emission for every execution (§4.5).
package probe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sonde-hub/sonde/pkg/audit"
	"github.com/sonde-hub/sonde/pkg/envelope"
)

var tracer = otel.Tracer("sonde-hub/probe")

// Status mirrors ProbeResponse.Status (§3).
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Metadata is carried on every ProbeResponse (§3).
type Metadata struct {
	AgentVersion    string `json:"agentVersion"`
	PackName        string `json:"packName"`
	PackVersion     string `json:"packVersion"`
	CapabilityLevel string `json:"capabilityLevel"`
}

// Response is the ProbeResponse returned by Execute (§3).
type Response struct {
	Probe      string          `json:"probe"`
	Status     Status          `json:"status"`
	Data       json.RawMessage `json:"data"`
	DurationMs int64           `json:"durationMs"`
	RequestID  string          `json:"requestId,omitempty"`
	Metadata   Metadata        `json:"metadata"`
}

// IntegrationDispatch routes a probe whose pack is server-side.
type IntegrationDispatch interface {
	Execute(ctx context.Context, probe string, params interface{}) (Response, error)
}

// AgentDispatch routes a probe to a remote agent socket.
type AgentDispatch interface {
	SendProbe(ctx context.Context, nameOrID, probe string, params interface{}, timeout time.Duration) (<-chan envelope.Envelope, error)
}

// PackResolver answers whether a leading probe-name segment names a
// registered integration pack.
type PackResolver interface {
	IsIntegrationPack(name string) bool
}

// AuditSink records one AuditEntry per execution.
type AuditSink interface {
	Record(ctx context.Context, probe, source string, status audit.Status, durationMs int64, apiKeyID, responseDigest string) error
}

// EventSink records one IntegrationEvent per integration-pack execution.
type EventSink interface {
	RecordProbeExecution(ctx context.Context, pack, status, message string) error
}

type cacheEntry struct {
	response  Response
	expiresAt time.Time
}

// Router implements ProbeRouter (§4.5).
type Router struct {
	mu    sync.Mutex
	cache map[string]cacheEntry

	cacheTTL time.Duration

	packs       PackResolver
	integration IntegrationDispatch
	agents      AgentDispatch
	auditSink   AuditSink
	eventSink   EventSink

	onExecute func(probe string, status Status, seconds float64)
	onAudit   func()
}

// SetMetricsHooks wires optional observability callbacks: onExecute fires
// once per Execute call (cache hits included) with the probe's status and
// wall-clock duration; onAudit fires once per successfully recorded audit
// entry. Either may be nil.
func (r *Router) SetMetricsHooks(onExecute func(probe string, status Status, seconds float64), onAudit func()) {
	r.onExecute = onExecute
	r.onAudit = onAudit
}

// New constructs a Router. cacheTTL defaults to 10s when <= 0 (§4.5).
func New(packs PackResolver, integration IntegrationDispatch, agents AgentDispatch, auditSink AuditSink, eventSink EventSink, cacheTTL time.Duration) *Router {
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Second
	}
	return &Router{
		cache:       make(map[string]cacheEntry),
		cacheTTL:    cacheTTL,
		packs:       packs,
		integration: integration,
		agents:      agents,
		auditSink:   auditSink,
		eventSink:   eventSink,
	}
}

func fingerprint(probe string, params interface{}, agent string) (string, error) {
	canon, err := envelope.Canonicalize(params)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(probe))
	h.Write([]byte{0})
	h.Write(canon)
	h.Write([]byte{0})
	h.Write([]byte(agent))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Execute runs probe with params, optionally bound to agent (required for
// non-integration probes), and returns a ProbeResponse (§4.5).
func (r *Router) Execute(ctx context.Context, probe string, params interface{}, agent string) (Response, error) {
	ctx, span := tracer.Start(ctx, "ProbeRouter.Execute",
		trace.WithAttributes(attribute.String("probe", probe), attribute.String("agent", agent)))
	defer span.End()

	fp, err := fingerprint(probe, params, agent)
	if err != nil {
		return Response{}, fmt.Errorf("fingerprint probe: %w", err)
	}

	pack := leadingSegment(probe)
	isIntegrationPack := r.packs != nil && r.packs.IsIntegrationPack(pack)

	if cached, ok := r.lookupCache(fp); ok {
		r.emitAudit(ctx, probe, agent, pack, isIntegrationPack, cached)
		return cached, nil
	}

	var resp Response
	if isIntegrationPack {
		resp, err = r.integration.Execute(ctx, probe, params)
	} else {
		if agent == "" {
			return Response{}, fmt.Errorf("probe %s requires an agent", probe)
		}
		resp, err = r.executeOnAgent(ctx, agent, probe, params)
	}
	if err != nil {
		return Response{}, err
	}

	if resp.Status == StatusSuccess {
		r.storeCache(fp, resp)
	}

	r.emitAudit(ctx, probe, agent, pack, isIntegrationPack, resp)

	return resp, nil
}

func (r *Router) executeOnAgent(ctx context.Context, agent, probe string, params interface{}) (Response, error) {
	start := time.Now()
	resultC, err := r.agents.SendProbe(ctx, agent, probe, params, 0)
	if err != nil {
		return Response{
			Probe:      probe,
			Status:     StatusError,
			Data:       errorData(err.Error()),
			DurationMs: time.Since(start).Milliseconds(),
		}, nil
	}

	select {
	case env := <-resultC:
		var resp Response
		if err := env.ParsePayload(&resp); err != nil {
			return Response{}, fmt.Errorf("parse probe response: %w", err)
		}
		resp.Probe = probe
		return resp, nil
	case <-ctx.Done():
		return Response{
			Probe:      probe,
			Status:     StatusTimeout,
			Data:       errorData("context canceled"),
			DurationMs: time.Since(start).Milliseconds(),
		}, nil
	}
}

func errorData(msg string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return b
}

func leadingSegment(probe string) string {
	if idx := strings.IndexByte(probe, '.'); idx >= 0 {
		return probe[:idx]
	}
	return probe
}

func (r *Router) lookupCache(fp string) (Response, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[fp]
	if !ok {
		return Response{}, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(r.cache, fp)
		return Response{}, false
	}
	// Deep-copy Data: it's a json.RawMessage backed by the cached entry's
	// array, and callers are free to mutate the returned Response (§4.5
	// step 2 requires the cache hit be independent of later lookups).
	resp := entry.response
	resp.Data = append(json.RawMessage(nil), entry.response.Data...)
	return resp, true
}

func (r *Router) storeCache(fp string, resp Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[fp] = cacheEntry{response: resp, expiresAt: time.Now().Add(r.cacheTTL)}
}

func (r *Router) emitAudit(ctx context.Context, probe, agent, pack string, isIntegration bool, resp Response) {
	if r.onExecute != nil {
		r.onExecute(probe, resp.Status, float64(resp.DurationMs)/1000.0)
	}

	if r.auditSink == nil {
		return
	}
	source := agent
	if isIntegration {
		source = "integration:" + pack
	}
	digest := sha256.Sum256(resp.Data)
	if err := r.auditSink.Record(ctx, probe, source, audit.Status(resp.Status), resp.DurationMs, "", hex.EncodeToString(digest[:])); err == nil && r.onAudit != nil {
		r.onAudit()
	}

	if isIntegration && r.eventSink != nil {
		_ = r.eventSink.RecordProbeExecution(ctx, pack, string(resp.Status), probe)
	}
}
