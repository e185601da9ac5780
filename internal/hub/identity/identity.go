// Package identity implements enrollment-token consumption, API-key
// authentication, leaf-certificate issuance, attestation tracking, and
// version-advisory logic (§4.3).
package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sonde-hub/sonde/internal/hub/storage"
	"github.com/sonde-hub/sonde/internal/obslog"
	"github.com/sonde-hub/sonde/pkg/envelope"
)

// Service implements §4.3's registration handling on top of Store and an
// optional CA (CA issuance is skipped entirely when ca is nil).
type Service struct {
	store *storage.Store
	ca    *CA
	log   *obslog.Logger
}

// NewService constructs a Service. ca may be nil if no certificate authority
// is configured.
func NewService(store *storage.Store, ca *CA, log *obslog.Logger) *Service {
	return &Service{store: store, ca: ca, log: log}
}

// Authenticate validates a bearer credential presented at upgrade time: a
// valid (non-expired, unused) enrollment token or a valid API key (§4.1).
func (s *Service) Authenticate(ctx context.Context, bearer string) bool {
	if bearer == "" {
		return false
	}
	if _, _, ok := s.store.ValidateAPIKey(ctx, bearer); ok {
		return true
	}
	return s.store.PeekEnrollmentToken(ctx, bearer)
}

// RegisterRequest carries the fields of an inbound agent.register payload
// relevant to identity handling.
type RegisterRequest struct {
	Name            string          `json:"name"`
	OS              string          `json:"os"`
	Version         string          `json:"version"`
	Packs           []storage.PackStatus `json:"packs"`
	EnrollmentToken string          `json:"enrollmentToken,omitempty"`
	Attestation     json.RawMessage `json:"attestation,omitempty"`
	// BearerCredential is the credential used to authenticate the upgrade;
	// if it looks like an enrollment token and none was supplied in the
	// payload, it is treated as the enrollment token (§4.3 "either is
	// accepted").
	BearerCredential string `json:"-"`
}

// AckPayload is the hub.ack payload built by Register (§4.3).
type AckPayload struct {
	AgentID        string `json:"agentId"`
	Error          string `json:"error,omitempty"`
	CertPEM        string `json:"certPem,omitempty"`
	KeyPEM         string `json:"keyPem,omitempty"`
	CACertPEM      string `json:"caCertPem,omitempty"`
	APIKey         string `json:"apiKey,omitempty"`
	UpdateAvailable *UpdateAvailable `json:"-"`
}

// UpdateAvailable carries the version comparison behind a hub.update_available
// frame, sent separately from the ack itself (§4.3).
type UpdateAvailable struct {
	CurrentVersion string
	LatestVersion  string
}

// Register runs the full §4.3 registration flow and returns the ack payload
// to send back to the agent (and, if the agent's version is stale, a
// populated UpdateAvailable for the caller to send as a separate
// hub.update_available frame).
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*AckPayload, error) {
	token := req.EnrollmentToken
	if token == "" && looksLikeToken(req.BearerCredential) {
		token = req.BearerCredential
	}

	if token != "" {
		if err := s.store.ConsumeEnrollmentToken(ctx, token, req.Name); err != nil {
			return &AckPayload{Error: fmt.Sprintf("Enrollment token rejected: %s", err)}, nil
		}
	}

	agent, err := s.store.EnsureAgent(ctx, req.Name, req.OS, req.Version)
	if err != nil {
		return nil, fmt.Errorf("ensure agent: %w", err)
	}

	ack := &AckPayload{AgentID: agent.ID}

	if token != "" && s.ca != nil {
		certPEM, keyPEM, fingerprint, err := s.ca.IssueLeaf(req.Name)
		if err != nil {
			return nil, fmt.Errorf("issue leaf certificate: %w", err)
		}
		if err := s.store.SetCertificate(ctx, agent.ID, fingerprint, certPEM); err != nil {
			return nil, fmt.Errorf("store certificate: %w", err)
		}
		ack.CertPEM = certPEM
		ack.KeyPEM = keyPEM
		ack.CACertPEM = s.ca.CertPEM()
	}

	apiKeyID, rawSecret, err := s.store.MintAPIKey(ctx, fmt.Sprintf(`{"scope":"agent:%s"}`, req.Name))
	if err != nil {
		return nil, fmt.Errorf("mint api key: %w", err)
	}
	_ = apiKeyID
	ack.APIKey = rawSecret

	if err := s.store.MarkOnline(ctx, agent.ID, req.Version, req.Packs); err != nil {
		return nil, fmt.Errorf("mark online: %w", err)
	}

	// After MarkOnline, so a degraded status set here is not overwritten.
	if err := s.applyAttestation(ctx, agent, req); err != nil {
		return nil, err
	}

	if latest, ok := s.store.GetSetting(ctx, storage.SettingLatestAgentVersion); ok {
		if semverLess(req.Version, latest) {
			ack.UpdateAvailable = &UpdateAvailable{CurrentVersion: req.Version, LatestVersion: latest}
		}
	}

	return ack, nil
}

func (s *Service) applyAttestation(ctx context.Context, agent *storage.Agent, req RegisterRequest) error {
	if len(req.Attestation) == 0 {
		return nil
	}
	mismatch := len(agent.Attestation) > 0 && string(agent.Attestation) != string(req.Attestation)
	if mismatch && req.Version == agent.Version {
		s.log.Warn("attestation mismatch", zap.String("agent", req.Name), zap.String("agent_id", agent.ID))
		if err := s.store.MarkDegraded(ctx, agent.ID); err != nil {
			return fmt.Errorf("mark degraded: %w", err)
		}
	}
	return s.store.UpdateAttestation(ctx, agent.ID, req.Attestation, mismatch)
}

// VerifySignature checks env's signature against the stored certificate for
// agentID. Returns ok=true, hasCert=false when the agent has no stored
// certificate (signature is not required in that case, per §4.1, which only
// requires a signature "if the claimed agent has a stored certificate").
func (s *Service) VerifySignature(ctx context.Context, agentID string, env *envelope.Envelope) (ok bool, hasCert bool, err error) {
	agent, err := s.store.GetAgentByID(ctx, agentID)
	if err != nil {
		return false, false, fmt.Errorf("lookup agent: %w", err)
	}
	if agent.CertPEM == "" {
		return true, false, nil
	}
	block, _ := pem.Decode([]byte(agent.CertPEM))
	if block == nil {
		return false, true, fmt.Errorf("decode stored certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false, true, fmt.Errorf("parse stored certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return false, true, fmt.Errorf("stored certificate has unsupported key type")
	}
	verified, err := env.Verify(pub)
	if err != nil {
		return false, true, err
	}
	return verified, true, nil
}

// looksLikeToken is a light heuristic: enrollment tokens are hex strings
// minted by CreateEnrollmentToken (§ storage), API key secrets are also hex
// but of a different length; ambiguity is resolved by Authenticate already
// having accepted the credential as either form before Register runs.
func looksLikeToken(s string) bool {
	return len(s) == 48
}

// semverLess reports whether a < b under dotted-triple semantic version
// comparison. Non-numeric or malformed components compare as 0.
func semverLess(a, b string) bool {
	pa, pb := splitVersion(a), splitVersion(b)
	for i := 0; i < 3; i++ {
		if pa[i] != pb[i] {
			return pa[i] < pb[i]
		}
	}
	return false
}

func splitVersion(v string) [3]int {
	var out [3]int
	parts := strings.SplitN(v, ".", 3)
	for i := 0; i < len(parts) && i < 3; i++ {
		n, _ := strconv.Atoi(parts[i])
		out[i] = n
	}
	return out
}
