package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ocrbase/ocrbase/internal/models"
)

// APIKeyRepository persists API key credentials. Only SHA-256 hashes of key
// secrets are stored.
type APIKeyRepository struct {
	db *sql.DB
}

// NewAPIKeyRepository creates an API key repository.
func NewAPIKeyRepository(db *sql.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// Create inserts a new key record.
func (r *APIKeyRepository) Create(ctx context.Context, k *models.APIKey) error {
	now := time.Now().UTC()
	k.CreatedAt = now
	var expiresAt any
	if k.ExpiresAt != nil {
		expiresAt = fmtTime(*k.ExpiresAt)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.TenantID, k.Name, k.KeyHash, k.KeyPrefix, expiresAt, fmtTime(now),
	)
	if err != nil {
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}

// GetByHash looks up an active key by its secret hash. Revoked and expired
// keys return ErrNotFound.
func (r *APIKeyRepository) GetByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, key_hash, key_prefix, last_used_at, expires_at, created_at, revoked_at
		FROM api_keys WHERE key_hash = ? AND revoked_at IS NULL`, hash)

	var k models.APIKey
	var lastUsed, expires, createdAt, revoked sql.NullString
	err := row.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix,
		&lastUsed, &expires, &createdAt, &revoked)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning api key: %w", err)
	}
	k.LastUsedAt = parseNullTime(lastUsed)
	k.ExpiresAt = parseNullTime(expires)
	k.CreatedAt = parseTime(createdAt.String)
	k.RevokedAt = parseNullTime(revoked)

	if k.ExpiresAt != nil && k.ExpiresAt.Before(time.Now().UTC()) {
		return nil, ErrNotFound
	}
	return &k, nil
}

// TouchLastUsed records key usage. Best effort; callers fire and forget.
func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, fmtTime(time.Now().UTC()), id)
	return err
}

// Revoke disables a tenant's key.
func (r *APIKeyRepository) Revoke(ctx context.Context, tenantID, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = ? WHERE id = ? AND tenant_id = ? AND revoked_at IS NULL`,
		fmtTime(time.Now().UTC()), id, tenantID)
	if err != nil {
		return fmt.Errorf("revoking api key %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
