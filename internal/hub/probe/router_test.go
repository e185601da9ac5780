package probe

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonde-hub/sonde/pkg/audit"
	"github.com/sonde-hub/sonde/pkg/envelope"
)

type fakePacks struct {
	packs map[string]bool
}

func (f *fakePacks) IsIntegrationPack(name string) bool { return f.packs[name] }

type fakeIntegration struct {
	calls int
	resp  Response
	err   error
}

func (f *fakeIntegration) Execute(ctx context.Context, probe string, params interface{}) (Response, error) {
	f.calls++
	return f.resp, f.err
}

type fakeAgents struct {
	calls int
	resp  Response
	err   error
}

func (f *fakeAgents) SendProbe(ctx context.Context, nameOrID, probe string, params interface{}, timeout time.Duration) (<-chan envelope.Envelope, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	payload, _ := json.Marshal(f.resp)
	resultC := make(chan envelope.Envelope, 1)
	resultC <- envelope.Envelope{Type: envelope.TypeProbeResponse, Payload: payload}
	return resultC, nil
}

type recordingSink struct {
	records []string
	events  []string
}

func (r *recordingSink) Record(ctx context.Context, probe, source string, status audit.Status, durationMs int64, apiKeyID, responseDigest string) error {
	r.records = append(r.records, probe+"|"+source+"|"+string(status))
	return nil
}

func (r *recordingSink) RecordProbeExecution(ctx context.Context, pack, status, message string) error {
	r.events = append(r.events, pack+"|"+status)
	return nil
}

func TestExecuteRoutesToAgent(t *testing.T) {
	agents := &fakeAgents{resp: Response{Probe: "disk.usage", Status: StatusSuccess, Data: json.RawMessage(`{"pct":10}`)}}
	sink := &recordingSink{}
	r := New(&fakePacks{packs: map[string]bool{}}, nil, agents, sink, sink, 0)

	resp, err := r.Execute(context.Background(), "disk.usage", map[string]interface{}{"path": "/"}, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, 1, agents.calls)
	assert.Len(t, sink.records, 1)
	assert.Empty(t, sink.events)
}

func TestExecuteRoutesToIntegration(t *testing.T) {
	integration := &fakeIntegration{resp: Response{Probe: "github.issues", Status: StatusSuccess, Data: json.RawMessage(`{"count":2}`)}}
	sink := &recordingSink{}
	r := New(&fakePacks{packs: map[string]bool{"github": true}}, integration, nil, sink, sink, 0)

	resp, err := r.Execute(context.Background(), "github.issues", map[string]interface{}{}, "")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, 1, integration.calls)
	assert.Len(t, sink.events, 1)
}

func TestExecuteRequiresAgentWhenNotIntegration(t *testing.T) {
	r := New(&fakePacks{packs: map[string]bool{}}, nil, &fakeAgents{}, nil, nil, 0)
	_, err := r.Execute(context.Background(), "disk.usage", map[string]interface{}{}, "")
	assert.Error(t, err)
}

func TestExecuteCachesSuccessByFingerprint(t *testing.T) {
	agents := &fakeAgents{resp: Response{Probe: "disk.usage", Status: StatusSuccess, Data: json.RawMessage(`{"pct":10}`)}}
	sink := &recordingSink{}
	r := New(&fakePacks{packs: map[string]bool{}}, nil, agents, sink, sink, time.Minute)

	params := map[string]interface{}{"path": "/"}
	_, err := r.Execute(context.Background(), "disk.usage", params, "agent-1")
	require.NoError(t, err)
	_, err = r.Execute(context.Background(), "disk.usage", params, "agent-1")
	require.NoError(t, err)

	assert.Equal(t, 1, agents.calls, "second call should be served from cache")
	assert.Len(t, sink.records, 2, "audit is emitted for both the live call and the cached hit's caller-visible read")
}

func TestExecuteCacheHitReturnsIndependentData(t *testing.T) {
	agents := &fakeAgents{resp: Response{Probe: "disk.usage", Status: StatusSuccess, Data: json.RawMessage(`{"pct":10}`)}}
	r := New(&fakePacks{packs: map[string]bool{}}, nil, agents, nil, nil, time.Minute)

	params := map[string]interface{}{"path": "/"}
	first, err := r.Execute(context.Background(), "disk.usage", params, "agent-1")
	require.NoError(t, err)

	// Mutate the first response's backing array in place.
	for i := range first.Data {
		first.Data[i] = 'X'
	}

	second, err := r.Execute(context.Background(), "disk.usage", params, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, `{"pct":10}`, string(second.Data), "mutating a returned cache hit must not affect a later lookup")
}

func TestExecuteNeverCachesFailure(t *testing.T) {
	agents := &fakeAgents{resp: Response{Probe: "disk.usage", Status: StatusError, Data: json.RawMessage(`{"error":"boom"}`)}}
	r := New(&fakePacks{packs: map[string]bool{}}, nil, agents, nil, nil, time.Minute)

	params := map[string]interface{}{"path": "/"}
	_, err := r.Execute(context.Background(), "disk.usage", params, "agent-1")
	require.NoError(t, err)
	_, err = r.Execute(context.Background(), "disk.usage", params, "agent-1")
	require.NoError(t, err)

	assert.Equal(t, 2, agents.calls, "failures must never be cached")
}

func TestExecuteCacheExpires(t *testing.T) {
	agents := &fakeAgents{resp: Response{Probe: "disk.usage", Status: StatusSuccess, Data: json.RawMessage(`{"pct":10}`)}}
	r := New(&fakePacks{packs: map[string]bool{}}, nil, agents, nil, nil, time.Millisecond)

	params := map[string]interface{}{"path": "/"}
	_, err := r.Execute(context.Background(), "disk.usage", params, "agent-1")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = r.Execute(context.Background(), "disk.usage", params, "agent-1")
	require.NoError(t, err)

	assert.Equal(t, 2, agents.calls)
}

func TestFingerprintDiffersByAgent(t *testing.T) {
	fp1, err := fingerprint("disk.usage", map[string]interface{}{"path": "/"}, "agent-1")
	require.NoError(t, err)
	fp2, err := fingerprint("disk.usage", map[string]interface{}{"path": "/"}, "agent-2")
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp2)
}

func TestFingerprintStableUnderKeyOrder(t *testing.T) {
	fp1, err := fingerprint("disk.usage", map[string]interface{}{"a": 1, "b": 2}, "agent-1")
	require.NoError(t, err)
	fp2, err := fingerprint("disk.usage", map[string]interface{}{"b": 2, "a": 1}, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
}
