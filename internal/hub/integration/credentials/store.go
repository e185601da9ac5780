// Package credentials implements the IntegrationExecutor's encrypted-at-rest
// {pack, config, credentials} store (§4.6).
package credentials

import "context"

// Store abstracts credential storage. Implementations handle
// encryption/decryption of Secret internally.
type Store interface {
	// Put upserts a pack's config and/or credentials.
	Put(ctx context.Context, req *PutRequest) error

	// Get retrieves config and decrypted credentials for a pack.
	Get(ctx context.Context, pack string) (*Record, error)

	// UpdateAccessToken persists a refreshed OAuth2 access token (and,
	// optionally, a rotated refresh token) in place, without disturbing
	// config or other credential fields (§4.6 "update the stored access
	// token in place").
	UpdateAccessToken(ctx context.Context, pack, accessToken, refreshToken string, expiresAt int64) error

	// Delete permanently removes a pack's config and credentials.
	Delete(ctx context.Context, pack string) error

	// List returns all configured packs without credential material.
	List(ctx context.Context) ([]*ListItem, error)

	// Close releases resources.
	Close() error
}
