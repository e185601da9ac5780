package credentials

import (
	"encoding/json"
	"time"
)

// AuthMethod enumerates the credential shapes an integration pack can be
// configured with (§4.6).
type AuthMethod string

const (
	AuthAPIKey AuthMethod = "api_key"
	AuthBasic  AuthMethod = "basic"
	AuthBearer AuthMethod = "bearer"
	AuthOAuth2 AuthMethod = "oauth2"
	AuthDevice AuthMethod = "device"
)

// Secret is the decrypted, in-memory view of one pack's credentials. Only
// the fields relevant to AuthMethod are populated; the rest are zero.
type Secret struct {
	AuthMethod AuthMethod `json:"authMethod"`

	APIKey string `json:"apiKey,omitempty"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	BearerToken string `json:"bearerToken,omitempty"`

	AccessToken  string    `json:"accessToken,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	TokenURL     string    `json:"tokenUrl,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`

	// DeviceConfig carries an opaque, pack-defined JSON blob for the device
	// auth method (e.g. a device certificate/registration record).
	DeviceConfig json.RawMessage `json:"deviceConfig,omitempty"`
}

// Record is the stored credential triple for one pack: {pack, config,
// credentials}. Config is non-secret pack configuration (e.g. base URL,
// tenant ID) stored in clear text; Secret is encrypted at rest.
type Record struct {
	Pack      string          `json:"pack" db:"pack"`
	Config    json.RawMessage `json:"config" db:"config"`
	Secret    Secret          `json:"-" db:"-"`
	CreatedAt time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time       `json:"updatedAt" db:"updated_at"`
}

// ListItem is the metadata-only projection returned by List; it never
// carries decrypted secret material.
type ListItem struct {
	Pack       string     `json:"pack" db:"pack"`
	AuthMethod AuthMethod `json:"authMethod" db:"auth_method"`
	CreatedAt  time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time  `json:"updatedAt" db:"updated_at"`
}

// PutRequest upserts a pack's config and/or credentials.
type PutRequest struct {
	Pack   string          `json:"pack"`
	Config json.RawMessage `json:"config,omitempty"`
	Secret *Secret         `json:"secret,omitempty"`
}
