package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"centinela/internal/model"
)

// ErrKeyNotFound is returned when no active key matches a presented token.
var ErrKeyNotFound = errors.New("api key not found")

const keyPrefixLen = 8

// HashKey computes the hex SHA-256 digest of a plaintext API key. The
// plaintext itself is never persisted.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey provisions a key for a tenant and returns the plaintext
// exactly once. Only the digest and a display prefix are stored.
func (s *Store) CreateAPIKey(ctx context.Context, tenantID, name string) (model.APIKey, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return model.APIKey{}, "", fmt.Errorf("generate key: %w", err)
	}
	plaintext := "cnt_" + hex.EncodeToString(raw)

	key := model.APIKey{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		KeyHash:  HashKey(plaintext),
		Prefix:   plaintext[:keyPrefixLen],
		Name:     name,
		IsActive: true,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, tenant_id, key_hash, prefix, name, is_active)
		 VALUES ($1, $2, $3, $4, $5, TRUE)`,
		key.ID, key.TenantID, key.KeyHash, key.Prefix, key.Name)
	if err != nil {
		return model.APIKey{}, "", fmt.Errorf("insert api key: %w", err)
	}
	return key, plaintext, nil
}

// GetActiveKeyByHash resolves a key digest to its active key row.
// Returns ErrKeyNotFound for unknown or revoked keys.
func (s *Store) GetActiveKeyByHash(ctx context.Context, keyHash string) (model.APIKey, error) {
	var key model.APIKey
	err := s.db.GetContext(ctx, &key,
		`SELECT id, tenant_id, key_hash, prefix, name, is_active, last_used_at
		 FROM api_keys WHERE key_hash = $1 AND is_active = TRUE`, keyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return model.APIKey{}, ErrKeyNotFound
	}
	if err != nil {
		return model.APIKey{}, fmt.Errorf("lookup api key: %w", err)
	}
	return key, nil
}

// TouchLastUsed updates last_used_at. Called asynchronously on auth hits;
// failures are logged, not surfaced.
func (s *Store) TouchLastUsed(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, s.now().UTC(), keyID)
	if err != nil {
		return fmt.Errorf("touch api key %s: %w", keyID, err)
	}
	return nil
}

// RevokeAPIKey deactivates a key. Revoked keys fail authentication but the
// row is kept for audit.
func (s *Store) RevokeAPIKey(ctx context.Context, keyID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = FALSE WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("revoke api key %s: %w", keyID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}
