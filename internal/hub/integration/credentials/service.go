package credentials

import (
	"context"
	"fmt"

	"github.com/sonde-hub/sonde/internal/obslog"
	"go.uber.org/zap"
)

// Service provides validation on top of Store.
type Service struct {
	store  Store
	logger *obslog.Logger
}

// NewService creates a new credentials service.
func NewService(store Store, log *obslog.Logger) *Service {
	return &Service{store: store, logger: log}
}

func validateSecret(s *Secret) error {
	if s == nil {
		return nil
	}
	switch s.AuthMethod {
	case AuthAPIKey:
		if s.APIKey == "" {
			return fmt.Errorf("apiKey must be set for auth method %s", AuthAPIKey)
		}
	case AuthBasic:
		if s.Username == "" || s.Password == "" {
			return fmt.Errorf("username and password must be set for auth method %s", AuthBasic)
		}
	case AuthBearer:
		if s.BearerToken == "" {
			return fmt.Errorf("bearerToken must be set for auth method %s", AuthBearer)
		}
	case AuthOAuth2:
		if s.TokenURL == "" || s.RefreshToken == "" {
			return fmt.Errorf("tokenUrl and refreshToken must be set for auth method %s", AuthOAuth2)
		}
	case AuthDevice:
		if len(s.DeviceConfig) == 0 {
			return fmt.Errorf("deviceConfig must be set for auth method %s", AuthDevice)
		}
	default:
		return fmt.Errorf("invalid auth method: %s", s.AuthMethod)
	}
	return nil
}

// Put validates and upserts a pack's config and/or credentials.
func (s *Service) Put(ctx context.Context, req *PutRequest) error {
	if req.Pack == "" {
		return fmt.Errorf("pack must be set")
	}
	if err := validateSecret(req.Secret); err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	if err := s.store.Put(ctx, req); err != nil {
		return fmt.Errorf("put credentials: %w", err)
	}
	s.logger.Info("integration credentials updated", zap.String("pack", req.Pack))
	return nil
}

// Get retrieves config and decrypted credentials for a pack.
func (s *Service) Get(ctx context.Context, pack string) (*Record, error) {
	return s.store.Get(ctx, pack)
}

// Delete removes a pack's config and credentials.
func (s *Service) Delete(ctx context.Context, pack string) error {
	return s.store.Delete(ctx, pack)
}

// List returns all configured packs without credential material.
func (s *Service) List(ctx context.Context) ([]*ListItem, error) {
	return s.store.List(ctx)
}
