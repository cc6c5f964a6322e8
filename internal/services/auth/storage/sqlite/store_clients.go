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

// PutClient inserts or replaces a client registration.
func (s *Store) PutClient(ctx context.Context, client storage.Client) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(client.ID) == "" {
		return fmt.Errorf("client id is required")
	}
	method := client.TokenEndpointAuthMethod
	if method == "" {
		method = "none"
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO oauth_clients (id, name, secret_hash, redirect_uris_json, allowed_scopes_json, token_endpoint_auth_method, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	secret_hash = excluded.secret_hash,
	redirect_uris_json = excluded.redirect_uris_json,
	allowed_scopes_json = excluded.allowed_scopes_json,
	token_endpoint_auth_method = excluded.token_endpoint_auth_method,
	updated_at = excluded.updated_at
`,
		client.ID, client.Name, client.SecretHash,
		encodeList(client.RedirectURIs), encodeList(client.AllowedScopes), method,
		toMillis(client.CreatedAt), toMillis(client.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put client: %w", err)
	}
	return nil
}

// GetClient fetches a client registration.
func (s *Store) GetClient(ctx context.Context, clientID string) (storage.Client, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Client{}, err
	}
	var (
		client       storage.Client
		redirectJSON string
		scopesJSON   string
		createdAt    int64
		updatedAt    int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, name, secret_hash, redirect_uris_json, allowed_scopes_json, token_endpoint_auth_method, created_at, updated_at
FROM oauth_clients WHERE id = ?
`, clientID).Scan(&client.ID, &client.Name, &client.SecretHash, &redirectJSON, &scopesJSON,
		&client.TokenEndpointAuthMethod, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Client{}, storage.ErrNotFound
		}
		return storage.Client{}, fmt.Errorf("get client: %w", err)
	}
	return dbClientToDomain(client, redirectJSON, scopesJSON, createdAt, updatedAt)
}

// RotateClientSecret replaces a client's secret hash.
func (s *Store) RotateClientSecret(ctx context.Context, clientID string, secretHash string, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE oauth_clients SET secret_hash = ?, updated_at = ? WHERE id = ?`,
		secretHash, toMillis(at), clientID,
	)
	if err != nil {
		return fmt.Errorf("rotate client secret: %w", err)
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

// PutScope inserts or updates a catalog scope.
func (s *Store) PutScope(ctx context.Context, scope storage.Scope) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(scope.Code) == "" {
		return fmt.Errorf("scope code is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO oauth_scopes (code, description, is_active) VALUES (?, ?, ?)
ON CONFLICT(code) DO UPDATE SET description = excluded.description, is_active = excluded.is_active
`, scope.Code, scope.Description, boolToInt(scope.IsActive))
	if err != nil {
		return fmt.Errorf("put scope: %w", err)
	}
	return nil
}

// GetScopes returns catalog entries for codes. Unknown codes are omitted.
func (s *Store) GetScopes(ctx context.Context, codes []string) ([]storage.Scope, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if len(codes) == 0 {
		return []storage.Scope{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(codes)), ",")
	args := make([]any, len(codes))
	for i, code := range codes {
		args[i] = code
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT code, description, is_active FROM oauth_scopes WHERE code IN (`+placeholders+`) ORDER BY code`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("get scopes: %w", err)
	}
	defer rows.Close()

	scopes := make([]storage.Scope, 0, len(codes))
	for rows.Next() {
		var (
			scope    storage.Scope
			isActive int
		)
		if err := rows.Scan(&scope.Code, &scope.Description, &isActive); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		scope.IsActive = isActive == 1
		scopes = append(scopes, scope)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scopes: %w", err)
	}
	return scopes, nil
}

func dbClientToDomain(client storage.Client, redirectJSON, scopesJSON string, createdAt, updatedAt int64) (storage.Client, error) {
	redirects, err := decodeList(redirectJSON)
	if err != nil {
		return storage.Client{}, fmt.Errorf("client redirect uris: %w", err)
	}
	scopes, err := decodeList(scopesJSON)
	if err != nil {
		return storage.Client{}, fmt.Errorf("client scopes: %w", err)
	}
	client.RedirectURIs = redirects
	client.AllowedScopes = scopes
	client.CreatedAt = fromMillis(createdAt)
	client.UpdatedAt = fromMillis(updatedAt)
	return client, nil
}
