package storage

import (
	"database/sql"
	"fmt"

	"github.com/sonde-hub/sonde/internal/dbutil"
)

// migration is one forward-only schema step. The teacher repo has no
// migration framework of its own (it relies on a single CREATE TABLE IF NOT
// EXISTS per feature); Sonde's schema is large enough and multi-table enough
// (agents, tokens, keys, CA, audit, events, settings) to warrant an ordered,
// numbered runner instead of scattering IF NOT EXISTS blocks across files.
type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{1, `
		CREATE TABLE IF NOT EXISTS agents (
			id                    TEXT PRIMARY KEY,
			name                  TEXT NOT NULL UNIQUE,
			os                    TEXT NOT NULL DEFAULT '',
			version               TEXT NOT NULL DEFAULT '',
			packs                 TEXT NOT NULL DEFAULT '[]',
			last_seen             TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			status                TEXT NOT NULL DEFAULT 'offline',
			cert_fingerprint      TEXT NOT NULL DEFAULT '',
			cert_pem              TEXT NOT NULL DEFAULT '',
			attestation           TEXT NOT NULL DEFAULT '',
			attestation_mismatch  INTEGER NOT NULL DEFAULT 0,
			created_at            TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at            TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`},
	{2, `
		CREATE TABLE IF NOT EXISTS enrollment_tokens (
			token             TEXT PRIMARY KEY,
			expires_at        TIMESTAMP NOT NULL,
			consumed_at       TIMESTAMP,
			consumed_by_agent TEXT NOT NULL DEFAULT '',
			created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`},
	{3, `
		CREATE TABLE IF NOT EXISTS api_keys (
			id          TEXT PRIMARY KEY,
			secret_hash TEXT NOT NULL,
			policy      TEXT NOT NULL DEFAULT '{}',
			created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			revoked_at  TIMESTAMP
		);
	`},
	{4, `
		CREATE TABLE IF NOT EXISTS certificate_authority (
			id             INTEGER PRIMARY KEY CHECK (id = 1),
			cert_pem       TEXT NOT NULL,
			encrypted_key  BLOB NOT NULL,
			key_nonce      BLOB NOT NULL,
			created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`},
	{5, `
		CREATE TABLE IF NOT EXISTS audit_entries (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp       TIMESTAMP NOT NULL,
			probe           TEXT NOT NULL,
			source          TEXT NOT NULL,
			status          TEXT NOT NULL,
			duration_ms     INTEGER NOT NULL,
			api_key_id      TEXT NOT NULL DEFAULT '',
			response_digest TEXT NOT NULL DEFAULT '',
			prev_hash       TEXT NOT NULL DEFAULT ''
		);
	`},
	{6, `
		CREATE TABLE IF NOT EXISTS integration_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			pack       TEXT NOT NULL,
			event_type TEXT NOT NULL,
			status     TEXT NOT NULL,
			message    TEXT NOT NULL DEFAULT '',
			detail     TEXT NOT NULL DEFAULT '',
			timestamp  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_integration_events_pack ON integration_events(pack);
	`},
	{7, `
		CREATE TABLE IF NOT EXISTS hub_settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`},
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}

	// Additive, idempotent column backfills go here rather than as a
	// numbered migration: dbutil.EnsureColumn already no-ops once the
	// column exists, so there's no schema_version bookkeeping to do.
	if err := dbutil.EnsureColumn(db, "agents", "attestation_checked_at", "TIMESTAMP"); err != nil {
		return fmt.Errorf("ensure attestation_checked_at column: %w", err)
	}

	return nil
}
