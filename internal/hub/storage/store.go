package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sonde-hub/sonde/internal/dbutil"
)

// Store is the hub's persistence gateway. A single writer connection and a
// pooled reader connection share one SQLite database in WAL mode (§5).
type Store struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Open opens (creating if needed) the SQLite database at dbPath and applies
// any pending migrations.
func Open(dbPath string) (*Store, error) {
	writerDB, err := dbutil.OpenSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	if err := migrate(writerDB); err != nil {
		return nil, err
	}
	readerDB, err := dbutil.OpenSQLiteReader(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open reader: %w", err)
	}
	return &Store{
		writer: sqlx.NewDb(writerDB, "sqlite3"),
		reader: sqlx.NewDb(readerDB, "sqlite3"),
	}, nil
}

// Close closes both connection pools.
func (s *Store) Close() error {
	if err := s.writer.Close(); err != nil {
		return err
	}
	return s.reader.Close()
}

// Writer exposes the underlying writer handle for packages that need raw
// access (e.g. credentials.Provide, which owns its own schema).
func (s *Store) Writer() *sqlx.DB { return s.writer }

// Reader exposes the underlying reader handle.
func (s *Store) Reader() *sqlx.DB { return s.reader }

// --- Agents -----------------------------------------------------------

type agentRow struct {
	ID                  string    `db:"id"`
	Name                string    `db:"name"`
	OS                  string    `db:"os"`
	Version             string    `db:"version"`
	Packs               string    `db:"packs"`
	LastSeen            time.Time `db:"last_seen"`
	Status              string    `db:"status"`
	CertFingerprint     string    `db:"cert_fingerprint"`
	CertPEM             string    `db:"cert_pem"`
	Attestation         string    `db:"attestation"`
	AttestationMismatch bool      `db:"attestation_mismatch"`
	CreatedAt           time.Time `db:"created_at"`
	UpdatedAt           time.Time `db:"updated_at"`
}

func (r agentRow) toAgent() *Agent {
	a := &Agent{
		ID:                  r.ID,
		Name:                r.Name,
		OS:                  r.OS,
		Version:             r.Version,
		LastSeen:            r.LastSeen,
		Status:              AgentStatus(r.Status),
		CertFingerprint:     r.CertFingerprint,
		CertPEM:             r.CertPEM,
		AttestationMismatch: r.AttestationMismatch,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	_ = json.Unmarshal([]byte(r.Packs), &a.Packs)
	if r.Attestation != "" {
		a.Attestation = json.RawMessage(r.Attestation)
	}
	return a
}

// GetAgentByName returns nil, sql.ErrNoRows if not found.
func (s *Store) GetAgentByName(ctx context.Context, name string) (*Agent, error) {
	var row agentRow
	err := s.reader.GetContext(ctx, &row, `SELECT * FROM agents WHERE name = ?`, name)
	if err != nil {
		return nil, err
	}
	return row.toAgent(), nil
}

// GetAgentByID returns nil, sql.ErrNoRows if not found.
func (s *Store) GetAgentByID(ctx context.Context, id string) (*Agent, error) {
	var row agentRow
	err := s.reader.GetContext(ctx, &row, `SELECT * FROM agents WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	return row.toAgent(), nil
}

// ListAgents returns all known agents ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	var rows []agentRow
	if err := s.reader.SelectContext(ctx, &rows, `SELECT * FROM agents ORDER BY name ASC`); err != nil {
		return nil, err
	}
	agents := make([]*Agent, len(rows))
	for i, r := range rows {
		agents[i] = r.toAgent()
	}
	return agents, nil
}

// EnsureAgent creates the agent row for name if it does not already exist,
// returning the (possibly pre-existing) durable id (§3 "reused on any later
// registration keyed by the same human-chosen name").
func (s *Store) EnsureAgent(ctx context.Context, name, osString, version string) (*Agent, error) {
	existing, err := s.GetAgentByName(ctx, name)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("lookup agent: %w", err)
	}

	now := time.Now().UTC()
	a := &Agent{
		ID:        uuid.NewString(),
		Name:      name,
		OS:        osString,
		Version:   version,
		Status:    AgentOffline,
		LastSeen:  now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.writer.ExecContext(ctx, `
		INSERT INTO agents (id, name, os, version, packs, last_seen, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, '[]', ?, ?, ?, ?)`,
		a.ID, a.Name, a.OS, a.Version, a.LastSeen, a.Status, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	return a, nil
}

// MarkOnline records a successful registration: version, packs, last-seen
// and status=online.
func (s *Store) MarkOnline(ctx context.Context, id, version string, packs []PackStatus) error {
	packsJSON, _ := json.Marshal(packs)
	now := time.Now().UTC()
	_, err := s.writer.ExecContext(ctx, `
		UPDATE agents SET version = ?, packs = ?, status = ?, last_seen = ?, updated_at = ?
		WHERE id = ?`, version, string(packsJSON), AgentOnline, now, now, id)
	return err
}

// MarkDegraded sets status=degraded (attestation mismatch, §4.3).
func (s *Store) MarkDegraded(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.writer.ExecContext(ctx, `
		UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`, AgentDegraded, now, id)
	return err
}

// MarkOffline sets status=offline on socket close.
func (s *Store) MarkOffline(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.writer.ExecContext(ctx, `
		UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`, AgentOffline, now, id)
	return err
}

// Heartbeat resets last-seen.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.writer.ExecContext(ctx, `
		UPDATE agents SET last_seen = ?, updated_at = ? WHERE id = ?`, now, now, id)
	return err
}

// UpdateAttestation stores the new attestation baseline, optionally flagging
// a mismatch (§4.3).
func (s *Store) UpdateAttestation(ctx context.Context, id string, attestation json.RawMessage, mismatch bool) error {
	now := time.Now().UTC()
	_, err := s.writer.ExecContext(ctx, `
		UPDATE agents SET attestation = ?, attestation_mismatch = ?, attestation_checked_at = ?, updated_at = ?
		WHERE id = ?`, string(attestation), dbutil.BoolToInt(mismatch), now, now, id)
	return err
}

// SetCertificate stores the leaf certificate fingerprint/PEM issued at
// enrollment.
func (s *Store) SetCertificate(ctx context.Context, id, fingerprint, certPEM string) error {
	now := time.Now().UTC()
	_, err := s.writer.ExecContext(ctx, `
		UPDATE agents SET cert_fingerprint = ?, cert_pem = ?, updated_at = ?
		WHERE id = ?`, fingerprint, certPEM, now, id)
	return err
}

// --- Enrollment tokens --------------------------------------------------

// CreateEnrollmentToken mints a new one-time token with the given ttl.
func (s *Store) CreateEnrollmentToken(ctx context.Context, ttl time.Duration) (*EnrollmentToken, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(raw)
	now := time.Now().UTC()
	t := &EnrollmentToken{Token: token, ExpiresAt: now.Add(ttl), CreatedAt: now}
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO enrollment_tokens (token, expires_at, created_at) VALUES (?, ?, ?)`,
		t.Token, t.ExpiresAt, t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert enrollment token: %w", err)
	}
	return t, nil
}

// PeekEnrollmentToken reports whether token is currently valid (unused,
// unexpired) without consuming it — used at upgrade time, when the bearer
// credential may itself be an enrollment token (§4.1, §4.3).
func (s *Store) PeekEnrollmentToken(ctx context.Context, token string) bool {
	var row struct {
		ExpiresAt  time.Time  `db:"expires_at"`
		ConsumedAt *time.Time `db:"consumed_at"`
	}
	err := s.reader.GetContext(ctx, &row, `SELECT expires_at, consumed_at FROM enrollment_tokens WHERE token = ?`, token)
	if err != nil {
		return false
	}
	return row.ConsumedAt == nil && time.Now().UTC().Before(row.ExpiresAt)
}

// ConsumeEnrollmentToken atomically consumes token for agentName if it is
// currently unused and unexpired; returns an error describing the rejection
// reason otherwise (§4.3).
func (s *Store) ConsumeEnrollmentToken(ctx context.Context, token, agentName string) error {
	tx, err := s.writer.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row struct {
		ExpiresAt  time.Time  `db:"expires_at"`
		ConsumedAt *time.Time `db:"consumed_at"`
	}
	err = tx.GetContext(ctx, &row, `SELECT expires_at, consumed_at FROM enrollment_tokens WHERE token = ?`, token)
	if err == sql.ErrNoRows {
		return fmt.Errorf("unknown token")
	}
	if err != nil {
		return fmt.Errorf("lookup token: %w", err)
	}
	if row.ConsumedAt != nil {
		return fmt.Errorf("already used")
	}
	now := time.Now().UTC()
	if now.After(row.ExpiresAt) {
		return fmt.Errorf("expired")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE enrollment_tokens SET consumed_at = ?, consumed_by_agent = ?
		WHERE token = ?`, now, agentName, token); err != nil {
		return fmt.Errorf("consume token: %w", err)
	}
	return tx.Commit()
}

// --- API keys ------------------------------------------------------------

// hashSecret returns the stored representation of a raw API key secret.
func hashSecret(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// MintAPIKey creates a new API key scoped by policy and returns both the
// stored record and the one-time raw secret (never stored in clear).
func (s *Store) MintAPIKey(ctx context.Context, policy string) (id string, rawSecret string, err error) {
	id = uuid.NewString()
	raw := make([]byte, 32)
	if _, err = rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}
	rawSecret = hex.EncodeToString(raw)
	now := time.Now().UTC()
	_, err = s.writer.ExecContext(ctx, `
		INSERT INTO api_keys (id, secret_hash, policy, created_at) VALUES (?, ?, ?, ?)`,
		id, hashSecret(rawSecret), policy, now)
	if err != nil {
		return "", "", fmt.Errorf("insert api key: %w", err)
	}
	return id, rawSecret, nil
}

// ValidateAPIKey reports whether rawSecret matches a non-revoked API key,
// returning its id and policy.
func (s *Store) ValidateAPIKey(ctx context.Context, rawSecret string) (id, policy string, ok bool) {
	var row struct {
		ID     string `db:"id"`
		Policy string `db:"policy"`
	}
	err := s.reader.GetContext(ctx, &row, `
		SELECT id, policy FROM api_keys WHERE secret_hash = ? AND revoked_at IS NULL`,
		hashSecret(rawSecret))
	if err != nil {
		return "", "", false
	}
	return row.ID, row.Policy, true
}

// --- Certificate authority ----------------------------------------------

// GetCA returns the single CA row, sql.ErrNoRows if none has been created.
func (s *Store) GetCA(ctx context.Context) (*CertificateAuthority, error) {
	var ca CertificateAuthority
	err := s.reader.GetContext(ctx, &ca, `SELECT * FROM certificate_authority WHERE id = 1`)
	if err != nil {
		return nil, err
	}
	return &ca, nil
}

// PutCA stores the single CA row (upsert, id fixed at 1).
func (s *Store) PutCA(ctx context.Context, certPEM string, encryptedKey, nonce []byte) error {
	now := time.Now().UTC()
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO certificate_authority (id, cert_pem, encrypted_key, key_nonce, created_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET cert_pem = excluded.cert_pem,
			encrypted_key = excluded.encrypted_key, key_nonce = excluded.key_nonce`,
		certPEM, encryptedKey, nonce, now)
	return err
}

// --- Audit entries ---------------------------------------------------

// LastAuditEntry returns the most recently appended row, or ok=false if the
// chain is empty.
func (s *Store) LastAuditEntry(ctx context.Context) (row AuditEntryRow, ok bool) {
	err := s.reader.GetContext(ctx, &row, `SELECT * FROM audit_entries ORDER BY id DESC LIMIT 1`)
	return row, err == nil
}

// AuditEntryRow is the DB scan target for one audit row.
type AuditEntryRow struct {
	ID             uint64    `db:"id"`
	Timestamp      time.Time `db:"timestamp"`
	Probe          string    `db:"probe"`
	Source         string    `db:"source"`
	Status         string    `db:"status"`
	DurationMs     int64     `db:"duration_ms"`
	APIKeyID       string    `db:"api_key_id"`
	ResponseDigest string    `db:"response_digest"`
	PrevHash       string    `db:"prev_hash"`
}

// AppendAuditEntry inserts one row and returns its assigned id.
func (s *Store) AppendAuditEntry(ctx context.Context, e AuditEntryRow) (uint64, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	res, err := s.writer.ExecContext(ctx, `
		INSERT INTO audit_entries (timestamp, probe, source, status, duration_ms, api_key_id, response_digest, prev_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp, e.Probe, e.Source, e.Status, e.DurationMs, e.APIKeyID, e.ResponseDigest, e.PrevHash)
	if err != nil {
		return 0, fmt.Errorf("insert audit entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// ListAuditEntries returns the most recent `limit` entries in ascending id
// order (0 = no limit).
func (s *Store) ListAuditEntries(ctx context.Context, limit int) ([]AuditEntryRow, error) {
	query := `SELECT * FROM audit_entries ORDER BY id ASC`
	args := []interface{}{}
	if limit > 0 {
		query = `SELECT * FROM (SELECT * FROM audit_entries ORDER BY id DESC LIMIT ?) ORDER BY id ASC`
		args = append(args, limit)
	}
	var rows []AuditEntryRow
	if err := s.reader.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return rows, nil
}

// PruneAuditEntries deletes all but the most recent keep rows, used by the
// retention sweep (§4.11 supplement).
func (s *Store) PruneAuditEntries(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.writer.ExecContext(ctx, `
		DELETE FROM audit_entries WHERE id NOT IN (
			SELECT id FROM audit_entries ORDER BY id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune audit entries: %w", err)
	}
	return res.RowsAffected()
}

// --- Integration events --------------------------------------------------

// AppendIntegrationEvent inserts one event row.
func (s *Store) AppendIntegrationEvent(ctx context.Context, e IntegrationEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO integration_events (pack, event_type, status, message, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Pack, e.EventType, e.Status, e.Message, e.Detail, e.Timestamp)
	return err
}

// ListIntegrationEvents returns events for pack ordered newest-first.
func (s *Store) ListIntegrationEvents(ctx context.Context, pack string) ([]IntegrationEvent, error) {
	var rows []IntegrationEvent
	err := s.reader.SelectContext(ctx, &rows, `
		SELECT * FROM integration_events WHERE pack = ? ORDER BY timestamp DESC`, pack)
	return rows, err
}

// --- Hub settings ------------------------------------------------------

// GetSetting returns "", false if key is unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool) {
	var value string
	err := s.reader.GetContext(ctx, &value, `SELECT value FROM hub_settings WHERE key = ?`, key)
	if err != nil {
		return "", false
	}
	return value, true
}

// SetSetting upserts a flat key/value pair.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO hub_settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}
