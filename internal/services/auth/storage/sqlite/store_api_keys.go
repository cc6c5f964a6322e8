package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
)

const apiKeyColumns = `id, name, owner_id, key_prefix, key_hash, scopes_json, last_used_at, revoked_at, created_at`

// PutAPIKey stores a new API key by prefix and hash.
func (s *Store) PutAPIKey(ctx context.Context, key storage.APIKey) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(key.ID) == "" || strings.TrimSpace(key.KeyPrefix) == "" || strings.TrimSpace(key.KeyHash) == "" {
		return fmt.Errorf("api key id, prefix and hash are required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `INSERT INTO api_keys (`+apiKeyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.Name, key.OwnerID, key.KeyPrefix, key.KeyHash, encodeList(key.Scopes),
		nullMillis(key.LastUsedAt), nullMillis(key.RevokedAt), toMillis(key.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put api key: %w", err)
	}
	return nil
}

// GetAPIKey fetches an API key by id.
func (s *Store) GetAPIKey(ctx context.Context, id string) (storage.APIKey, error) {
	if err := s.ready(ctx); err != nil {
		return storage.APIKey{}, err
	}
	return scanAPIKey(s.sqlDB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, id))
}

// GetAPIKeyByPrefix fetches an API key by its display prefix.
func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) (storage.APIKey, error) {
	if err := s.ready(ctx); err != nil {
		return storage.APIKey{}, err
	}
	return scanAPIKey(s.sqlDB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = ?`, prefix))
}

// ReplaceAPIKeySecret swaps the prefix and hash of a live key.
func (s *Store) ReplaceAPIKeySecret(ctx context.Context, id, prefix, keyHash string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE api_keys SET key_prefix = ?, key_hash = ? WHERE id = ? AND revoked_at IS NULL`,
		prefix, keyHash, id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("replace api key secret: %w", err)
	}
	ok, err := affectedOne(result)
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrNotFound
	}
	return nil
}

// RevokeAPIKey sets revoked_at if not already set.
func (s *Store) RevokeAPIKey(ctx context.Context, id string, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, toMillis(at), id,
	); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return nil
}

// TouchAPIKey records a successful use.
func (s *Store) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, toMillis(at), id); err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

func scanAPIKey(row *sql.Row) (storage.APIKey, error) {
	var (
		key        storage.APIKey
		scopesJSON string
		lastUsedAt sql.NullInt64
		revokedAt  sql.NullInt64
		createdAt  int64
	)
	err := row.Scan(&key.ID, &key.Name, &key.OwnerID, &key.KeyPrefix, &key.KeyHash, &scopesJSON,
		&lastUsedAt, &revokedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.APIKey{}, storage.ErrNotFound
		}
		return storage.APIKey{}, fmt.Errorf("scan api key: %w", err)
	}
	scopes, err := decodeList(scopesJSON)
	if err != nil {
		return storage.APIKey{}, err
	}
	key.Scopes = scopes
	key.LastUsedAt = fromNullMillis(lastUsedAt)
	key.RevokedAt = fromNullMillis(revokedAt)
	key.CreatedAt = fromMillis(createdAt)
	return key, nil
}
