package envelope

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func genKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func TestCanonicalizeSortsObjectKeys(t *testing.T) {
	a, err := Canonicalize(map[string]interface{}{"b": 1, "a": 2})
	require.NoError(t, err)
	b, err := Canonicalize(map[string]interface{}{"a": 2, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"a":2,"b":1}`, string(a))
}

func TestCanonicalizeNested(t *testing.T) {
	v := map[string]interface{}{
		"z": []interface{}{1, 2, 3},
		"a": map[string]interface{}{"y": "1", "x": "2"},
	}
	out, err := Canonicalize(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"x":"2","y":"1"},"z":[1,2,3]}`, string(out))
}

func TestCanonicalizeIsOrderInsensitiveToMarshalOrder(t *testing.T) {
	type params struct {
		Zeta  string `json:"zeta"`
		Alpha string `json:"alpha"`
	}
	out, err := Canonicalize(params{Zeta: "z", Alpha: "a"})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"a","zeta":"z"}`, string(out))
}

func TestNewBuildsEnvelopeWithPayload(t *testing.T) {
	env, err := New(TypeProbeRequest, "agent-1", map[string]string{"probe": "os.uptime"})
	require.NoError(t, err)
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, TypeProbeRequest, env.Type)
	assert.Equal(t, "agent-1", env.AgentID)
	assert.Empty(t, env.Signature)

	var payload map[string]string
	require.NoError(t, env.ParsePayload(&payload))
	assert.Equal(t, "os.uptime", payload["probe"])
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	_, err := Decode([]byte(`{"type":"probe.request"}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeAcceptsValidFrame(t *testing.T) {
	env, err := New(TypeAgentHeartbeat, "agent-1", map[string]string{})
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, env.Type, decoded.Type)
}

// SignThenVerifySucceeds is the primitive underlying §4.1's signature
// enforcement: a signature produced with a private key verifies against its
// matching public key over the canonicalized payload.
func TestSignThenVerifySucceeds(t *testing.T) {
	key := genKey(t)
	env, err := New(TypeProbeResponse, "agent-1", map[string]interface{}{"status": "success"})
	require.NoError(t, err)

	require.NoError(t, env.Sign(key))
	assert.NotEmpty(t, env.Signature)

	ok, err := env.Verify(&key.PublicKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyFailsWithWrongKey(t *testing.T) {
	key := genKey(t)
	other := genKey(t)
	env, err := New(TypeProbeResponse, "agent-1", map[string]interface{}{"status": "success"})
	require.NoError(t, err)
	require.NoError(t, env.Sign(key))

	ok, err := env.Verify(&other.PublicKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyFailsIfPayloadTamperedAfterSigning(t *testing.T) {
	key := genKey(t)
	env, err := New(TypeProbeResponse, "agent-1", map[string]interface{}{"status": "success"})
	require.NoError(t, err)
	require.NoError(t, env.Sign(key))

	env.Payload = []byte(`{"status":"error"}`)

	ok, err := env.Verify(&key.PublicKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyWithoutSignatureReturnsFalseNoError(t *testing.T) {
	env, err := New(TypeAgentHeartbeat, "agent-1", map[string]string{})
	require.NoError(t, err)

	ok, err := env.Verify(&genKey(t).PublicKey)
	require.NoError(t, err)
	assert.False(t, ok)
}
