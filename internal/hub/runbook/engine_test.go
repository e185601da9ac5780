package runbook

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonde-hub/sonde/internal/hub/probe"
	"github.com/sonde-hub/sonde/internal/packs"
)

type fakeRouter struct {
	mu    sync.Mutex
	calls []string
	resp  map[string]probe.Response
	err   map[string]error
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{resp: make(map[string]probe.Response), err: make(map[string]error)}
}

func (f *fakeRouter) Execute(ctx context.Context, probeName string, params interface{}, agent string) (probe.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, probeName)
	f.mu.Unlock()
	if err, ok := f.err[probeName]; ok {
		return probe.Response{}, err
	}
	return f.resp[probeName], nil
}

type fakeRegistry struct {
	descriptors map[string]packs.RunbookDescriptor
	applicable  []packs.RunbookDescriptor
}

func (f *fakeRegistry) Lookup(category string) (packs.RunbookDescriptor, bool) {
	d, ok := f.descriptors[category]
	return d, ok
}

func (f *fakeRegistry) Applicable(agent string) []packs.RunbookDescriptor {
	return f.applicable
}

func TestExecuteSequentialRecordsPerProbeFailure(t *testing.T) {
	router := newFakeRouter()
	router.resp["disk.usage"] = probe.Response{Probe: "disk.usage", Status: probe.StatusSuccess, Data: json.RawMessage(`{"pct":90}`)}
	router.err["net.ping"] = assertError{"unroutable"}

	reg := &fakeRegistry{descriptors: map[string]packs.RunbookDescriptor{
		"disk": {Category: "disk", Probes: []string{"disk.usage", "net.ping"}},
	}}
	eng := New(router, reg)

	result, err := eng.Execute(context.Background(), "disk", map[string]interface{}{}, "agent-1")
	require.NoError(t, err)
	assert.Len(t, result.Probes, 2)
	assert.Equal(t, "unroutable", result.Probes[1].Error)
}

func TestExecuteValidatesRequiredParams(t *testing.T) {
	reg := &fakeRegistry{descriptors: map[string]packs.RunbookDescriptor{
		"disk": {Category: "disk", Params: []packs.ParamField{{Name: "path", Required: true}}},
	}}
	eng := New(newFakeRouter(), reg)

	_, err := eng.Execute(context.Background(), "disk", map[string]interface{}{}, "agent-1")
	assert.Error(t, err)
}

func TestExecuteParallelRunsAllProbes(t *testing.T) {
	router := newFakeRouter()
	router.resp["disk.usage"] = probe.Response{Probe: "disk.usage", Status: probe.StatusSuccess}
	router.resp["mem.usage"] = probe.Response{Probe: "mem.usage", Status: probe.StatusSuccess}

	reg := &fakeRegistry{descriptors: map[string]packs.RunbookDescriptor{
		"system": {Category: "system", Probes: []string{"disk.usage", "mem.usage"}, Parallel: true},
	}}
	eng := New(router, reg)

	result, err := eng.Execute(context.Background(), "system", map[string]interface{}{}, "agent-1")
	require.NoError(t, err)
	assert.Len(t, result.Probes, 2)
}

func TestComposeFindingsSortedBySeverity(t *testing.T) {
	router := newFakeRouter()
	router.resp["disk.usage"] = probe.Response{Probe: "disk.usage", Status: probe.StatusSuccess, Data: json.RawMessage(`{"pct":95}`)}

	rules := []packs.FindingRule{
		{Probe: "disk.usage", Title: "low info", Evaluate: func(data []byte) (string, string, bool) {
			return "info", "fyi", true
		}},
		{Probe: "disk.usage", Title: "disk critical", Evaluate: func(data []byte) (string, string, bool) {
			return "critical", "disk nearly full", true
		}},
	}
	reg := &fakeRegistry{descriptors: map[string]packs.RunbookDescriptor{
		"disk": {Category: "disk", Probes: []string{"disk.usage"}, Rules: rules},
	}}
	eng := New(router, reg)

	result, err := eng.Execute(context.Background(), "disk", map[string]interface{}{}, "agent-1")
	require.NoError(t, err)
	require.Len(t, result.Findings, 2)
	assert.Equal(t, SeverityCritical, result.Findings[0].Severity)
	assert.Equal(t, SeverityInfo, result.Findings[1].Severity)
}

func TestHealthCheckSkipsRunbooksRequiringUserInput(t *testing.T) {
	router := newFakeRouter()
	router.resp["disk.usage"] = probe.Response{Probe: "disk.usage", Status: probe.StatusSuccess}

	reg := &fakeRegistry{
		descriptors: map[string]packs.RunbookDescriptor{
			"disk":   {Category: "disk", Probes: []string{"disk.usage"}},
			"manual": {Category: "manual", Params: []packs.ParamField{{Name: "target", Required: true, RequiresUserInput: true}}},
		},
		applicable: []packs.RunbookDescriptor{
			{Category: "disk", Probes: []string{"disk.usage"}},
			{Category: "manual", Params: []packs.ParamField{{Name: "target", Required: true, RequiresUserInput: true}}},
		},
	}
	eng := New(router, reg)

	results, err := eng.HealthCheck(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "disk", results[0].Category)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
