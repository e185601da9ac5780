package credentials

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sonde-hub/sonde/internal/cryptutil"
)

type sqliteStore struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader
	crypto *cryptutil.RootKeyProvider
}

var _ Store = (*sqliteStore)(nil)

// Provide creates the SQLite-backed credential store using separate writer
// and reader connection pools (§5).
func Provide(writer, reader *sqlx.DB, crypto *cryptutil.RootKeyProvider) (Store, error) {
	store := &sqliteStore{db: writer, ro: reader, crypto: crypto}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("credentials schema init: %w", err)
	}
	return store, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS integration_credentials (
		pack            TEXT PRIMARY KEY,
		config          TEXT NOT NULL DEFAULT '{}',
		auth_method     TEXT NOT NULL DEFAULT '',
		encrypted_value BLOB,
		nonce           BLOB,
		created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) Close() error {
	return nil
}

func (s *sqliteStore) Put(ctx context.Context, req *PutRequest) error {
	if req.Pack == "" {
		return fmt.Errorf("pack must be set")
	}

	existing, err := s.getRow(ctx, req.Pack)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("put credentials: %w", err)
	}

	config := req.Config
	if config == nil {
		if existing != nil {
			config = []byte(existing.Config)
		} else {
			config = []byte("{}")
		}
	}

	authMethod := AuthMethod("")
	var ciphertext, nonce []byte
	if req.Secret != nil {
		authMethod = req.Secret.AuthMethod
		plaintext, err := json.Marshal(req.Secret)
		if err != nil {
			return fmt.Errorf("marshal secret: %w", err)
		}
		ciphertext, nonce, err = cryptutil.Encrypt(plaintext, s.crypto.Key())
		if err != nil {
			return fmt.Errorf("encrypt secret: %w", err)
		}
	} else if existing != nil {
		authMethod = AuthMethod(existing.AuthMethod)
		ciphertext = existing.EncryptedValue
		nonce = existing.Nonce
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO integration_credentials (pack, config, auth_method, encrypted_value, nonce, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pack) DO UPDATE SET
			config = excluded.config,
			auth_method = excluded.auth_method,
			encrypted_value = excluded.encrypted_value,
			nonce = excluded.nonce,
			updated_at = excluded.updated_at`,
		req.Pack, string(config), string(authMethod), ciphertext, nonce, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert credentials: %w", err)
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, pack string) (*Record, error) {
	row, err := s.getRowRO(ctx, pack)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("credentials not found for pack: %s", pack)
		}
		return nil, fmt.Errorf("get credentials: %w", err)
	}

	rec := &Record{
		Pack:      row.Pack,
		Config:    json.RawMessage(row.Config),
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}

	if len(row.EncryptedValue) > 0 {
		plaintext, err := cryptutil.Decrypt(row.EncryptedValue, row.Nonce, s.crypto.Key())
		if err != nil {
			return nil, fmt.Errorf("decrypt credentials: %w", err)
		}
		if err := json.Unmarshal(plaintext, &rec.Secret); err != nil {
			return nil, fmt.Errorf("unmarshal credentials: %w", err)
		}
	}

	return rec, nil
}

func (s *sqliteStore) UpdateAccessToken(ctx context.Context, pack, accessToken, refreshToken string, expiresAt int64) error {
	rec, err := s.Get(ctx, pack)
	if err != nil {
		return err
	}
	if rec.Secret.AuthMethod != AuthOAuth2 {
		return fmt.Errorf("pack %s is not configured for oauth2", pack)
	}

	rec.Secret.AccessToken = accessToken
	if refreshToken != "" {
		rec.Secret.RefreshToken = refreshToken
	}
	if expiresAt > 0 {
		rec.Secret.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	}

	return s.Put(ctx, &PutRequest{Pack: pack, Secret: &rec.Secret})
}

func (s *sqliteStore) Delete(ctx context.Context, pack string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM integration_credentials WHERE pack = ?`, pack)
	if err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("credentials not found for pack: %s", pack)
	}
	return nil
}

func (s *sqliteStore) List(ctx context.Context) ([]*ListItem, error) {
	var rows []credentialRow
	err := s.ro.SelectContext(ctx, &rows, `
		SELECT pack, auth_method, created_at, updated_at
		FROM integration_credentials ORDER BY pack ASC`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	items := make([]*ListItem, len(rows))
	for i, r := range rows {
		items[i] = &ListItem{
			Pack:       r.Pack,
			AuthMethod: AuthMethod(r.AuthMethod),
			CreatedAt:  r.CreatedAt,
			UpdatedAt:  r.UpdatedAt,
		}
	}
	return items, nil
}

// credentialRow is the DB scan target for the full row, including encrypted
// material.
type credentialRow struct {
	Pack           string    `db:"pack"`
	Config         string    `db:"config"`
	AuthMethod     string    `db:"auth_method"`
	EncryptedValue []byte    `db:"encrypted_value"`
	Nonce          []byte    `db:"nonce"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (s *sqliteStore) getRow(ctx context.Context, pack string) (*credentialRow, error) {
	var row credentialRow
	err := s.db.GetContext(ctx, &row, `
		SELECT pack, config, auth_method, encrypted_value, nonce, created_at, updated_at
		FROM integration_credentials WHERE pack = ?`, pack)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *sqliteStore) getRowRO(ctx context.Context, pack string) (*credentialRow, error) {
	var row credentialRow
	err := s.ro.GetContext(ctx, &row, `
		SELECT pack, config, auth_method, encrypted_value, nonce, created_at, updated_at
		FROM integration_credentials WHERE pack = ?`, pack)
	if err != nil {
		return nil, err
	}
	return &row, nil
}
