package integration

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonde-hub/sonde/internal/hub/integration/credentials"
	"github.com/sonde-hub/sonde/internal/hub/probe"
	"github.com/sonde-hub/sonde/internal/obslog"
	"github.com/sonde-hub/sonde/internal/packs"
)

type fakeCredStore struct {
	records map[string]*credentials.Record
	updates int
}

func newFakeCredStore() *fakeCredStore {
	return &fakeCredStore{records: make(map[string]*credentials.Record)}
}

func (f *fakeCredStore) Put(ctx context.Context, req *credentials.PutRequest) error {
	rec := f.records[req.Pack]
	if rec == nil {
		rec = &credentials.Record{Pack: req.Pack}
		f.records[req.Pack] = rec
	}
	if req.Config != nil {
		rec.Config = req.Config
	}
	if req.Secret != nil {
		rec.Secret = *req.Secret
	}
	return nil
}

func (f *fakeCredStore) Get(ctx context.Context, pack string) (*credentials.Record, error) {
	rec, ok := f.records[pack]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return rec, nil
}

func (f *fakeCredStore) UpdateAccessToken(ctx context.Context, pack, accessToken, refreshToken string, expiresAt int64) error {
	f.updates++
	rec := f.records[pack]
	rec.Secret.AccessToken = accessToken
	if refreshToken != "" {
		rec.Secret.RefreshToken = refreshToken
	}
	return nil
}

func (f *fakeCredStore) Delete(ctx context.Context, pack string) error { return nil }
func (f *fakeCredStore) List(ctx context.Context) ([]*credentials.ListItem, error) { return nil, nil }
func (f *fakeCredStore) Close() error { return nil }

func testRegistry(handler HandlerFunc) *Registry {
	reg := NewRegistry()
	reg.Register(&Pack{
		Manifest: packs.Manifest{
			Name:    "github",
			Version: "1.0.0",
			Kind:    packs.KindIntegration,
			Probes:  []packs.ProbeDescriptor{{Name: "issues", Capability: packs.CapabilityObserve}},
		},
		Handlers: map[string]HandlerFunc{"issues": handler},
	})
	return reg
}

func TestExecuteSuccess(t *testing.T) {
	reg := testRegistry(func(ctx context.Context, params, config json.RawMessage, creds credentials.Secret, fetch FetchFunc) (json.RawMessage, error) {
		return json.RawMessage(`{"count":3}`), nil
	})
	store := newFakeCredStore()
	exec := NewExecutor(reg, store, nil, obslog.NewNop())

	resp, err := exec.Execute(context.Background(), "github.issues", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, probe.StatusSuccess, resp.Status)
	assert.Equal(t, "hub", resp.Metadata.AgentVersion)
	assert.Equal(t, "github", resp.Metadata.PackName)
}

func TestExecuteUnknownProbeReturnsStructuredError(t *testing.T) {
	reg := NewRegistry()
	exec := NewExecutor(reg, newFakeCredStore(), nil, obslog.NewNop())

	resp, err := exec.Execute(context.Background(), "github.issues", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, probe.StatusError, resp.Status)
}

func TestExecuteRetriesTransientFailure(t *testing.T) {
	calls := 0
	reg := testRegistry(func(ctx context.Context, params, config json.RawMessage, creds credentials.Secret, fetch FetchFunc) (json.RawMessage, error) {
		calls++
		if calls < 3 {
			return nil, &FetchError{StatusCode: 503}
		}
		return json.RawMessage(`{"ok":true}`), nil
	})
	exec := NewExecutor(reg, newFakeCredStore(), nil, obslog.NewNop())

	resp, err := exec.Execute(context.Background(), "github.issues", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, probe.StatusSuccess, resp.Status)
	assert.Equal(t, 3, calls)
}

func TestExecuteNonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	reg := testRegistry(func(ctx context.Context, params, config json.RawMessage, creds credentials.Secret, fetch FetchFunc) (json.RawMessage, error) {
		calls++
		return nil, &FetchError{StatusCode: 404}
	})
	exec := NewExecutor(reg, newFakeCredStore(), nil, obslog.NewNop())

	resp, err := exec.Execute(context.Background(), "github.issues", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, probe.StatusError, resp.Status)
	assert.Equal(t, 1, calls)
}

func TestExecuteRefreshesOAuth2On401(t *testing.T) {
	store := newFakeCredStore()
	store.records["github"] = &credentials.Record{
		Pack: "github",
		Secret: credentials.Secret{
			AuthMethod:   credentials.AuthOAuth2,
			AccessToken:  "stale",
			RefreshToken: "refresh-me",
			TokenURL:     "https://example.invalid/token",
		},
	}

	calls := 0
	reg := testRegistry(func(ctx context.Context, params, config json.RawMessage, creds credentials.Secret, fetch FetchFunc) (json.RawMessage, error) {
		calls++
		if creds.AccessToken == "stale" {
			return nil, &FetchError{StatusCode: 401}
		}
		return json.RawMessage(`{"ok":true}`), nil
	})
	exec := NewExecutor(reg, store, nil, obslog.NewNop())

	// The refresh itself will fail against the fake token URL (no live
	// server), so this only exercises that a 401 triggers exactly one
	// refresh attempt rather than the transient-retry path.
	_, err := exec.Execute(context.Background(), "github.issues", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
