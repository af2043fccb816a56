package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ocrbase/ocrbase/internal/models"
	"github.com/ocrbase/ocrbase/internal/repository"
)

// ErrInvalidCredential is returned for unknown, revoked, or expired keys.
var ErrInvalidCredential = errors.New("invalid credential")

// APIKeySecretPrefix marks ocrbase API key secrets on the wire.
const APIKeySecretPrefix = "ob_"

// AuthService issues and validates API keys. Secrets are random 32-byte
// strings; only their SHA-256 is stored.
type AuthService struct {
	keys   *repository.APIKeyRepository
	logger *slog.Logger
}

// NewAuthService creates the auth service.
func NewAuthService(keys *repository.APIKeyRepository, logger *slog.Logger) *AuthService {
	return &AuthService{keys: keys, logger: logger.With("component", "auth")}
}

// CreateKey mints a new API key for a tenant and returns the record plus the
// plaintext secret, which is shown exactly once.
func (s *AuthService) CreateKey(ctx context.Context, tenantID, name string, expiresAt *time.Time) (*models.APIKey, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generating key material: %w", err)
	}
	secret := APIKeySecretPrefix + hex.EncodeToString(raw)

	key := &models.APIKey{
		ID:        models.NewID(models.APIKeyIDPrefix),
		TenantID:  tenantID,
		Name:      name,
		KeyHash:   hashSecret(secret),
		KeyPrefix: secret[:len(APIKeySecretPrefix)+8],
		ExpiresAt: expiresAt,
	}
	if err := s.keys.Create(ctx, key); err != nil {
		return nil, "", err
	}
	return key, secret, nil
}

// ValidateKey resolves a plaintext secret to its key record.
func (s *AuthService) ValidateKey(ctx context.Context, secret string) (*models.APIKey, error) {
	key, err := s.keys.GetByHash(ctx, hashSecret(secret))
	if err == repository.ErrNotFound {
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, err
	}

	// Fire and forget; last-used is advisory.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.keys.TouchLastUsed(ctx, key.ID); err != nil {
			s.logger.Debug("touching last_used failed", "key_id", key.ID, "error", err)
		}
	}()

	return key, nil
}

// RevokeKey disables a tenant's key.
func (s *AuthService) RevokeKey(ctx context.Context, tenantID, keyID string) error {
	return s.keys.Revoke(ctx, tenantID, keyID)
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
