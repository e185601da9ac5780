package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/sonde-hub/sonde/internal/cryptutil"
	"github.com/sonde-hub/sonde/internal/hub/storage"
)

// CA wraps the hub's single self-signed root certificate and private key
// (§3, §4.3). The private key is held in memory decrypted for the lifetime
// of the process and persisted encrypted-at-rest.
type CA struct {
	cert    *x509.Certificate
	certPEM string
	key     *ecdsa.PrivateKey
}

// LoadOrCreateCA loads the stored CA, decrypting its key with root, or
// generates and persists a fresh self-signed CA if none exists.
func LoadOrCreateCA(ctx context.Context, store *storage.Store, root *cryptutil.RootKeyProvider) (*CA, error) {
	row, err := store.GetCA(ctx)
	if err == nil {
		return decodeCA(row, root)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "sonde-hub-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	certPEM := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes}))

	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal CA key: %w", err)
	}
	encryptedKey, nonce, err := cryptutil.Encrypt(keyBytes, root.Key())
	if err != nil {
		return nil, fmt.Errorf("encrypt CA key: %w", err)
	}
	if err := store.PutCA(ctx, certPEM, encryptedKey, nonce); err != nil {
		return nil, fmt.Errorf("persist CA: %w", err)
	}

	return &CA{cert: cert, certPEM: certPEM, key: key}, nil
}

func decodeCA(row *storage.CertificateAuthority, root *cryptutil.RootKeyProvider) (*CA, error) {
	block, _ := pem.Decode([]byte(row.CertPEM))
	if block == nil {
		return nil, fmt.Errorf("decode CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}

	keyBytes, err := cryptutil.Decrypt(row.EncryptedKey, row.KeyNonce, root.Key())
	if err != nil {
		return nil, fmt.Errorf("decrypt CA key: %w", err)
	}
	key, err := x509.ParseECPrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA key: %w", err)
	}

	return &CA{cert: cert, certPEM: row.CertPEM, key: key}, nil
}

// CertPEM returns the CA's own certificate, PEM-encoded.
func (ca *CA) CertPEM() string { return ca.certPEM }

// PrivateKey returns the CA's signing key, used to sign enrollment acks.
func (ca *CA) PrivateKey() *ecdsa.PrivateKey { return ca.key }

// IssueLeaf issues a leaf certificate for the named agent, signed by the CA.
// Returns the leaf cert PEM, its private key PEM, and the cert's SHA-256
// fingerprint (hex).
func (ca *CA) IssueLeaf(agentName string) (certPEM, keyPEM, fingerprint string, err error) {
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", "", fmt.Errorf("generate leaf key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: agentName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(2, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &leafKey.PublicKey, ca.key)
	if err != nil {
		return "", "", "", fmt.Errorf("create leaf certificate: %w", err)
	}

	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes}))

	leafKeyBytes, err := x509.MarshalECPrivateKey(leafKey)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal leaf key: %w", err)
	}
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: leafKeyBytes}))

	fingerprint = fingerprintDER(derBytes)
	return certPEM, keyPEM, fingerprint, nil
}
