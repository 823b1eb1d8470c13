package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"intentline/internal/domain"
)

// HashAPIKey returns the stored hash for a raw API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey stores a hashed key bound to a (tenant, user) pair and
// returns the record. The raw key is never stored.
func (r Repo) CreateAPIKey(ctx context.Context, tenantID, userID, name, rawKey string) (domain.APIKey, error) {
	key := domain.APIKey{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		UserID:    userID,
		Name:      name,
		KeyHash:   HashAPIKey(rawKey),
		CreatedAt: r.now().UTC().Format(time.RFC3339),
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_keys(id,tenant_id,user_id,name,key_hash,created_at) VALUES (?,?,?,?,?,?)`,
		key.ID, key.TenantID, key.UserID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return key, err
}

func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	var key domain.APIKey
	var name sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,user_id,name,key_hash,created_at FROM api_keys WHERE key_hash=?`, hash).
		Scan(&key.ID, &key.TenantID, &key.UserID, &name, &key.KeyHash, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return key, domain.ErrNotFound
	}
	if name.Valid {
		key.Name = name.String
	}
	return key, err
}
