package identity

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonde-hub/sonde/internal/hub/storage"
	"github.com/sonde-hub/sonde/internal/obslog"
	"github.com/sonde-hub/sonde/pkg/envelope"
)

func newTestService(t *testing.T) (*Service, *storage.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "sonde-test.db")
	store, err := storage.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewService(store, nil, obslog.NewNop()), store
}

// Scenario S1: a fresh agent enrolls with a valid token, then reconnects
// without one (the second upgrade uses the minted API key instead).
func TestRegisterEnrollsThenReconnects(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	tok, err := store.CreateEnrollmentToken(ctx, time.Hour)
	require.NoError(t, err)

	ack, err := svc.Register(ctx, RegisterRequest{
		Name:    "agent-1",
		OS:      "linux",
		Version: "1.0.0",
		Packs:   []storage.PackStatus{{Name: "os", Version: "1.0.0", Status: "ready"}},
		EnrollmentToken: tok.Token,
	})
	require.NoError(t, err)
	require.Empty(t, ack.Error)
	assert.NotEmpty(t, ack.AgentID)
	assert.NotEmpty(t, ack.APIKey)

	reconnectAck, err := svc.Register(ctx, RegisterRequest{
		Name:             "agent-1",
		OS:               "linux",
		Version:          "1.0.0",
		BearerCredential: ack.APIKey,
	})
	require.NoError(t, err)
	require.Empty(t, reconnectAck.Error)
	assert.Equal(t, ack.AgentID, reconnectAck.AgentID)

	agent, err := store.GetAgentByID(ctx, ack.AgentID)
	require.NoError(t, err)
	assert.Equal(t, storage.AgentOnline, agent.Status)
}

// Property 2: EnsureAgent keys on name, so repeated registration of the same
// agent name always returns the same stable agent ID.
func TestRegisterIsStableAcrossRepeatedCalls(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		ack, err := svc.Register(ctx, RegisterRequest{
			Name:    "agent-stable",
			OS:      "linux",
			Version: "1.0.0",
		})
		require.NoError(t, err)
		ids = append(ids, ack.AgentID)
	}
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[0], ids[2])
}

func TestRegisterRejectsUnknownEnrollmentToken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ack, err := svc.Register(ctx, RegisterRequest{
		Name:            "agent-2",
		OS:              "linux",
		Version:         "1.0.0",
		EnrollmentToken: "not-a-real-token-xxxxxxxxxxxxxxxxxxxxxxxxxxxxxx",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ack.Error)
}

// Scenario S6: an attestation mismatch at the same agent version is flagged
// and degrades the agent; a mismatch alongside a version bump is treated as
// an upgrade and does not degrade it. Exercises the item-2 fix: the mismatch
// flag persisted to storage must reflect what was actually detected.
func TestApplyAttestationMismatchAtSameVersionDegrades(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	ack, err := svc.Register(ctx, RegisterRequest{
		Name:        "agent-3",
		OS:          "linux",
		Version:     "1.0.0",
		Attestation: json.RawMessage(`{"digest":"aaa"}`),
	})
	require.NoError(t, err)

	_, err = svc.Register(ctx, RegisterRequest{
		Name:        "agent-3",
		OS:          "linux",
		Version:     "1.0.0",
		Attestation: json.RawMessage(`{"digest":"bbb"}`),
	})
	require.NoError(t, err)

	agent, err := store.GetAgentByID(ctx, ack.AgentID)
	require.NoError(t, err)
	assert.Equal(t, storage.AgentDegraded, agent.Status)
	assert.True(t, agent.AttestationMismatch)
}

func TestApplyAttestationMismatchAcrossUpgradeDoesNotDegrade(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	ack, err := svc.Register(ctx, RegisterRequest{
		Name:        "agent-4",
		OS:          "linux",
		Version:     "1.0.0",
		Attestation: json.RawMessage(`{"digest":"aaa"}`),
	})
	require.NoError(t, err)

	_, err = svc.Register(ctx, RegisterRequest{
		Name:        "agent-4",
		OS:          "linux",
		Version:     "2.0.0",
		Attestation: json.RawMessage(`{"digest":"bbb"}`),
	})
	require.NoError(t, err)

	agent, err := store.GetAgentByID(ctx, ack.AgentID)
	require.NoError(t, err)
	assert.NotEqual(t, storage.AgentDegraded, agent.Status)
	// Recomputed against the version-2 attestation, so the mismatch against
	// the version-1 attestation it was checked against is still tracked.
	assert.True(t, agent.AttestationMismatch)
}

func TestApplyAttestationNoMismatchOnFirstSighting(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	ack, err := svc.Register(ctx, RegisterRequest{
		Name:        "agent-5",
		OS:          "linux",
		Version:     "1.0.0",
		Attestation: json.RawMessage(`{"digest":"aaa"}`),
	})
	require.NoError(t, err)

	agent, err := store.GetAgentByID(ctx, ack.AgentID)
	require.NoError(t, err)
	assert.False(t, agent.AttestationMismatch)
	assert.Equal(t, storage.AgentOnline, agent.Status)
}

func TestAuthenticateAcceptsMintedAPIKey(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ack, err := svc.Register(ctx, RegisterRequest{Name: "agent-6", OS: "linux", Version: "1.0.0"})
	require.NoError(t, err)

	assert.True(t, svc.Authenticate(ctx, ack.APIKey))
	assert.False(t, svc.Authenticate(ctx, "bogus"))
	assert.False(t, svc.Authenticate(ctx, ""))
}

func TestRegisterSignalsUpdateAvailableWhenBehindLatest(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	require.NoError(t, store.SetSetting(ctx, storage.SettingLatestAgentVersion, "2.0.0"))

	ack, err := svc.Register(ctx, RegisterRequest{Name: "agent-7", OS: "linux", Version: "1.0.0"})
	require.NoError(t, err)
	require.NotNil(t, ack.UpdateAvailable)
	assert.Equal(t, "1.0.0", ack.UpdateAvailable.CurrentVersion)
	assert.Equal(t, "2.0.0", ack.UpdateAvailable.LatestVersion)

	ack2, err := svc.Register(ctx, RegisterRequest{Name: "agent-8", OS: "linux", Version: "2.0.0"})
	require.NoError(t, err)
	assert.Nil(t, ack2.UpdateAvailable)
}

func TestVerifySignatureWithoutStoredCertificateSkipsCheck(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ack, err := svc.Register(ctx, RegisterRequest{Name: "agent-9", OS: "linux", Version: "1.0.0"})
	require.NoError(t, err)

	env, err := envelope.New(envelope.TypeAgentHeartbeat, ack.AgentID, map[string]string{})
	require.NoError(t, err)

	ok, hasCert, err := svc.VerifySignature(ctx, ack.AgentID, env)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, hasCert)
}
