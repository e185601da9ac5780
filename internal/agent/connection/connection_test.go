package connection

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextBackoffDoublesUntilCap(t *testing.T) {
	assert.Equal(t, 1*time.Second, nextBackoff(0))
	assert.Equal(t, 2*time.Second, nextBackoff(1))
	assert.Equal(t, 4*time.Second, nextBackoff(2))
	assert.Equal(t, 32*time.Second, nextBackoff(5))
	assert.Equal(t, 60*time.Second, nextBackoff(6))
	assert.Equal(t, 60*time.Second, nextBackoff(20))
}

func TestWsURLSchemeRewrite(t *testing.T) {
	assert.Equal(t, "wss://hub.example.com/ws/agent", wsURL("https://hub.example.com"))
	assert.Equal(t, "ws://localhost:8080/ws/agent", wsURL("http://localhost:8080/"))
}

func TestLoadECDSAKeyRoundTrip(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	block := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})

	dir := t.TempDir()
	path := filepath.Join(dir, "agent.key")
	require.NoError(t, os.WriteFile(path, block, 0o600))

	loaded, err := loadECDSAKey(path)
	require.NoError(t, err)
	assert.Equal(t, priv.D, loaded.D)
}

func TestLoadECDSAKeyRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.key")
	require.NoError(t, os.WriteFile(path, []byte("not pem"), 0o600))

	_, err := loadECDSAKey(path)
	assert.Error(t, err)
}
