package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"printlog/internal/models"
)

const apiKeyPrefix = "pl_"

// HashAPIKey returns the hex sha256 of a plaintext key.
func HashAPIKey(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey generates a key, stores its hash and returns the plaintext once.
func (o ops) CreateAPIKey(ctx context.Context, name string, expiresAt *time.Time) (string, models.APIKey, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", models.APIKey{}, fmt.Errorf("generate key: %w", err)
	}
	plain := apiKeyPrefix + hex.EncodeToString(buf)
	prefix := plain[:len(apiKeyPrefix)+8]
	now := o.now()

	var id int64
	err := o.queryRow(ctx, `
		INSERT INTO api_keys (key_hash, key_prefix, name, is_active, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`, HashAPIKey(plain), prefix, name, true, nullTime(expiresAt), now).Scan(&id)
	if err != nil {
		return "", models.APIKey{}, fmt.Errorf("insert api key: %w", err)
	}
	return plain, models.APIKey{
		ID:        id,
		KeyHash:   HashAPIKey(plain),
		KeyPrefix: prefix,
		Name:      name,
		IsActive:  true,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}, nil
}

const apiKeyColumns = `id, key_hash, key_prefix, name, is_active, last_used, expires_at, created_at`

func scanAPIKey(r rowScanner) (models.APIKey, error) {
	var (
		k        models.APIKey
		lastUsed sql.NullTime
		expires  sql.NullTime
	)
	if err := r.Scan(&k.ID, &k.KeyHash, &k.KeyPrefix, &k.Name, &k.IsActive, &lastUsed, &expires, &k.CreatedAt); err != nil {
		return models.APIKey{}, err
	}
	k.LastUsed = timePtr(lastUsed)
	k.ExpiresAt = timePtr(expires)
	k.CreatedAt = k.CreatedAt.UTC()
	return k, nil
}

// AuthenticateAPIKey resolves a plaintext key to an active, unexpired key and
// stamps its last_used time.
func (o ops) AuthenticateAPIKey(ctx context.Context, plain string) (models.APIKey, error) {
	k, err := scanAPIKey(o.queryRow(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = ?`, HashAPIKey(plain)))
	if errors.Is(err, sql.ErrNoRows) {
		return models.APIKey{}, ErrNotFound
	}
	if err != nil {
		return models.APIKey{}, fmt.Errorf("scan api key: %w", err)
	}
	now := o.now()
	if !k.IsActive || k.Expired(now) {
		return models.APIKey{}, ErrNotFound
	}
	if _, err := o.exec(ctx, `UPDATE api_keys SET last_used = ? WHERE id = ?`, now, k.ID); err != nil {
		return models.APIKey{}, fmt.Errorf("touch api key: %w", err)
	}
	k.LastUsed = &now
	return k, nil
}

func (o ops) ListAPIKeys(ctx context.Context) ([]models.APIKey, error) {
	rows, err := o.query(ctx, `SELECT `+apiKeyColumns+` FROM api_keys ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()

	var out []models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (o ops) RevokeAPIKey(ctx context.Context, id int64) error {
	res, err := o.exec(ctx, `UPDATE api_keys SET is_active = ? WHERE id = ?`, false, id)
	if err != nil {
		return fmt.Errorf("revoke api key %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
