package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonde-hub/sonde/internal/obslog"
	"github.com/sonde-hub/sonde/pkg/envelope"
)

type fakeSocket struct {
	sent []*envelope.Envelope
}

func (f *fakeSocket) Send(e *envelope.Envelope) error {
	f.sent = append(f.sent, e)
	return nil
}

func newTestDispatcher() *Dispatcher {
	return New(200*time.Millisecond, obslog.Default())
}

func TestRegisterAndSendProbe(t *testing.T) {
	d := newTestDispatcher()
	sock := &fakeSocket{}
	d.Register("agent-1", "srv1", sock)

	resultC, err := d.SendProbe(context.Background(), "srv1", "disk.usage", nil, 0)
	require.NoError(t, err)
	require.Len(t, sock.sent, 1)
	assert.Equal(t, envelope.TypeProbeRequest, sock.sent[0].Type)

	resp, err := envelope.New(envelope.TypeProbeResponse, "agent-1", map[string]interface{}{"status": "success"})
	require.NoError(t, err)
	resp.ID = sock.sent[0].ID

	d.HandleResponse("agent-1", *resp)

	select {
	case got := <-resultC:
		assert.Equal(t, resp.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for probe result")
	}
}

func TestSendProbeAgentOffline(t *testing.T) {
	d := newTestDispatcher()
	_, err := d.SendProbe(context.Background(), "ghost", "disk.usage", nil, 0)
	assert.ErrorContains(t, err, "Agent not found or offline")
}

func TestSendProbeTimeout(t *testing.T) {
	d := newTestDispatcher()
	sock := &fakeSocket{}
	d.Register("agent-1", "srv1", sock)

	resultC, err := d.SendProbe(context.Background(), "srv1", "disk.usage", nil, 10*time.Millisecond)
	require.NoError(t, err)

	select {
	case got := <-resultC:
		var payload map[string]interface{}
		require.NoError(t, got.ParsePayload(&payload))
		assert.Equal(t, "timeout", payload["status"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timeout result")
	}
}

func TestRemoveAgentRejectsPending(t *testing.T) {
	d := newTestDispatcher()
	sock := &fakeSocket{}
	d.Register("agent-1", "srv1", sock)

	resultC, err := d.SendProbe(context.Background(), "srv1", "disk.usage", nil, time.Minute)
	require.NoError(t, err)

	d.RemoveAgent("agent-1")

	select {
	case got := <-resultC:
		var payload map[string]interface{}
		require.NoError(t, got.ParsePayload(&payload))
		assert.Equal(t, "error", payload["status"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rejected result")
	}
	assert.False(t, d.IsOnline("srv1"))
}

func TestStaleSocketInvariant(t *testing.T) {
	d := newTestDispatcher()
	oldSock := &fakeSocket{}
	newSock := &fakeSocket{}

	d.Register("agent-1", "srv1", oldSock)
	d.Register("agent-1", "srv1", newSock)

	// The old socket's close must be a no-op: it is no longer bound to
	// agent-1, so RemoveBySocket must not evict the agent.
	d.RemoveBySocket(oldSock)
	assert.True(t, d.IsOnline("srv1"))

	d.RemoveBySocket(newSock)
	assert.False(t, d.IsOnline("srv1"))
}

type fakeObserver struct {
	messages []interface{}
}

func (f *fakeObserver) SendJSON(v interface{}) error {
	f.messages = append(f.messages, v)
	return nil
}

func TestObserverReceivesStatusOnAttachAndChange(t *testing.T) {
	d := newTestDispatcher()
	obs := &fakeObserver{}
	d.AddObserver(obs)
	require.Len(t, obs.messages, 1)

	d.Register("agent-1", "srv1", &fakeSocket{})
	require.Len(t, obs.messages, 2)

	status := obs.messages[1].(agentStatusMessage)
	assert.Equal(t, []string{"agent-1"}, status.OnlineAgentIDs)
}
