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

// PutAuthorizationCode stores an issued code by hash.
func (s *Store) PutAuthorizationCode(ctx context.Context, code storage.AuthorizationCode) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(code.ID) == "" || strings.TrimSpace(code.CodeHash) == "" {
		return fmt.Errorf("code id and hash are required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO oauth_authorization_codes (
	id, code_hash, client_id, user_id, redirect_uri, scopes_json,
	code_challenge, code_challenge_method, family_id, expires_at, used, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		code.ID, code.CodeHash, code.ClientID, code.UserID, code.RedirectURI, encodeList(code.Scopes),
		code.CodeChallenge, code.CodeChallengeMethod, code.FamilyID,
		toMillis(code.ExpiresAt), boolToInt(code.Used), toMillis(code.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put authorization code: %w", err)
	}
	return nil
}

// GetAuthorizationCodeByHash looks a code up by the hash of its presented value.
func (s *Store) GetAuthorizationCodeByHash(ctx context.Context, codeHash string) (storage.AuthorizationCode, error) {
	if err := s.ready(ctx); err != nil {
		return storage.AuthorizationCode{}, err
	}
	var (
		code       storage.AuthorizationCode
		scopesJSON string
		expiresAt  int64
		used       int
		createdAt  int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, code_hash, client_id, user_id, redirect_uri, scopes_json,
	code_challenge, code_challenge_method, family_id, expires_at, used, created_at
FROM oauth_authorization_codes WHERE code_hash = ?
`, codeHash).Scan(&code.ID, &code.CodeHash, &code.ClientID, &code.UserID, &code.RedirectURI, &scopesJSON,
		&code.CodeChallenge, &code.CodeChallengeMethod, &code.FamilyID, &expiresAt, &used, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.AuthorizationCode{}, storage.ErrNotFound
		}
		return storage.AuthorizationCode{}, fmt.Errorf("get authorization code: %w", err)
	}
	scopes, err := decodeList(scopesJSON)
	if err != nil {
		return storage.AuthorizationCode{}, err
	}
	code.Scopes = scopes
	code.ExpiresAt = fromMillis(expiresAt)
	code.Used = used == 1
	code.CreatedAt = fromMillis(createdAt)
	return code, nil
}

// TryConsumeAuthorizationCode flips used from 0 to 1 in one statement.
func (s *Store) TryConsumeAuthorizationCode(ctx context.Context, codeHash string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE oauth_authorization_codes SET used = 1 WHERE code_hash = ? AND used = 0`,
		codeHash,
	)
	if err != nil {
		return false, fmt.Errorf("consume authorization code: %w", err)
	}
	return affectedOne(result)
}

// DeleteAuthorizationCodesExpiredBefore purges codes that expired before cutoff.
func (s *Store) DeleteAuthorizationCodesExpiredBefore(ctx context.Context, cutoff time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM oauth_authorization_codes WHERE expires_at < ?`, toMillis(cutoff)); err != nil {
		return fmt.Errorf("delete expired codes: %w", err)
	}
	return nil
}

// PutPendingAuthorization inserts or updates a pending authorization.
func (s *Store) PutPendingAuthorization(ctx context.Context, pending storage.PendingAuthorization) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(pending.ID) == "" {
		return fmt.Errorf("pending authorization id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO oauth_pending_authorizations (
	id, client_id, redirect_uri, scopes_json, state, code_challenge, code_challenge_method,
	user_id, consent_token_hash, created_at, expires_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, consent_token_hash = excluded.consent_token_hash
`,
		pending.ID, pending.ClientID, pending.RedirectURI, encodeList(pending.Scopes), pending.State,
		pending.CodeChallenge, pending.CodeChallengeMethod, pending.UserID, pending.ConsentTokenHash,
		toMillis(pending.CreatedAt), toMillis(pending.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put pending authorization: %w", err)
	}
	return nil
}

// GetPendingAuthorization fetches a pending authorization.
func (s *Store) GetPendingAuthorization(ctx context.Context, id string) (storage.PendingAuthorization, error) {
	if err := s.ready(ctx); err != nil {
		return storage.PendingAuthorization{}, err
	}
	var (
		pending    storage.PendingAuthorization
		scopesJSON string
		createdAt  int64
		expiresAt  int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, client_id, redirect_uri, scopes_json, state, code_challenge, code_challenge_method,
	user_id, consent_token_hash, created_at, expires_at
FROM oauth_pending_authorizations WHERE id = ?
`, id).Scan(&pending.ID, &pending.ClientID, &pending.RedirectURI, &scopesJSON, &pending.State,
		&pending.CodeChallenge, &pending.CodeChallengeMethod, &pending.UserID, &pending.ConsentTokenHash,
		&createdAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PendingAuthorization{}, storage.ErrNotFound
		}
		return storage.PendingAuthorization{}, fmt.Errorf("get pending authorization: %w", err)
	}
	scopes, err := decodeList(scopesJSON)
	if err != nil {
		return storage.PendingAuthorization{}, err
	}
	pending.Scopes = scopes
	pending.CreatedAt = fromMillis(createdAt)
	pending.ExpiresAt = fromMillis(expiresAt)
	return pending, nil
}

// DeletePendingAuthorization removes a pending authorization. It returns
// ErrNotFound when no row was deleted, so exactly one caller wins.
func (s *Store) DeletePendingAuthorization(ctx context.Context, id string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM oauth_pending_authorizations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete pending authorization: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete pending authorization: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteExpiredPendingAuthorizations purges pending authorizations past TTL.
func (s *Store) DeleteExpiredPendingAuthorizations(ctx context.Context, now time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM oauth_pending_authorizations WHERE expires_at < ?`, toMillis(now)); err != nil {
		return fmt.Errorf("delete expired pending authorizations: %w", err)
	}
	return nil
}

// revokedFamilyRetention outlives any in-flight issuance for a revoked family.
const revokedFamilyRetention = 24 * time.Hour

const tokenColumns = `id, token_hash, kind, family_id, client_id, user_id, scopes_json, expires_at, revoked_at, rotated_at, created_at`

// PutToken stores an issued token by hash. The insert is skipped when the
// token's family was revoked, so a replay that lands before the winner's
// tokens are stored still cuts them off.
func (s *Store) PutToken(ctx context.Context, token storage.Token) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(token.ID) == "" || strings.TrimSpace(token.TokenHash) == "" {
		return fmt.Errorf("token id and hash are required")
	}
	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO oauth_tokens (`+tokenColumns+`)
SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
WHERE NOT EXISTS (SELECT 1 FROM oauth_revoked_families WHERE family_id = ?)
`,
		token.ID, token.TokenHash, string(token.Kind), token.FamilyID, token.ClientID, token.UserID,
		encodeList(token.Scopes), toMillis(token.ExpiresAt), nullMillis(token.RevokedAt), nullMillis(token.RotatedAt),
		toMillis(token.CreatedAt), token.FamilyID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put token: %w", err)
	}
	inserted, err := affectedOne(result)
	if err != nil {
		return fmt.Errorf("put token: %w", err)
	}
	if !inserted {
		return storage.ErrFamilyRevoked
	}
	return nil
}

// GetTokenByHash fetches a token by hash.
func (s *Store) GetTokenByHash(ctx context.Context, tokenHash string) (storage.Token, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Token{}, err
	}
	var (
		token      storage.Token
		kind       string
		scopesJSON string
		expiresAt  int64
		revokedAt  sql.NullInt64
		rotatedAt  sql.NullInt64
		createdAt  int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM oauth_tokens WHERE token_hash = ?`, tokenHash).
		Scan(&token.ID, &token.TokenHash, &kind, &token.FamilyID, &token.ClientID, &token.UserID,
			&scopesJSON, &expiresAt, &revokedAt, &rotatedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Token{}, storage.ErrNotFound
		}
		return storage.Token{}, fmt.Errorf("get token: %w", err)
	}
	scopes, err := decodeList(scopesJSON)
	if err != nil {
		return storage.Token{}, err
	}
	token.Kind = storage.TokenKind(kind)
	token.Scopes = scopes
	token.ExpiresAt = fromMillis(expiresAt)
	token.RevokedAt = fromNullMillis(revokedAt)
	token.RotatedAt = fromNullMillis(rotatedAt)
	token.CreatedAt = fromMillis(createdAt)
	return token, nil
}

// RotateRefreshToken marks a live refresh token rotated in one statement.
func (s *Store) RotateRefreshToken(ctx context.Context, tokenHash string, at time.Time) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE oauth_tokens SET rotated_at = ?
WHERE token_hash = ? AND kind = 'refresh' AND rotated_at IS NULL AND revoked_at IS NULL
`, toMillis(at), tokenHash)
	if err != nil {
		return false, fmt.Errorf("rotate refresh token: %w", err)
	}
	return affectedOne(result)
}

// RevokeToken sets revoked_at if not already set.
func (s *Store) RevokeToken(ctx context.Context, tokenHash string, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`UPDATE oauth_tokens SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL`,
		toMillis(at), tokenHash,
	); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// RevokeTokenFamily records the family as revoked and revokes its live
// tokens in one transaction.
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string, at time.Time) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	if strings.TrimSpace(familyID) == "" {
		return 0, fmt.Errorf("family id is required")
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin revoke token family: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO oauth_revoked_families (family_id, revoked_at) VALUES (?, ?) ON CONFLICT(family_id) DO NOTHING`,
		familyID, toMillis(at),
	); err != nil {
		return 0, fmt.Errorf("mark token family revoked: %w", err)
	}
	result, err := tx.ExecContext(ctx,
		`UPDATE oauth_tokens SET revoked_at = ? WHERE family_id = ? AND revoked_at IS NULL`,
		toMillis(at), familyID,
	)
	if err != nil {
		return 0, fmt.Errorf("revoke token family: %w", err)
	}
	revoked, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke token family: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit revoke token family: %w", err)
	}
	return revoked, nil
}

// RevokeTokensForUserClient revokes every live token a user granted a client.
func (s *Store) RevokeTokensForUserClient(ctx context.Context, userID, clientID string, at time.Time) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE oauth_tokens SET revoked_at = ? WHERE user_id = ? AND client_id = ? AND revoked_at IS NULL`,
		toMillis(at), userID, clientID,
	)
	if err != nil {
		return 0, fmt.Errorf("revoke user client tokens: %w", err)
	}
	return result.RowsAffected()
}

// DeleteTokensExpiredBefore purges tokens that expired before cutoff.
func (s *Store) DeleteTokensExpiredBefore(ctx context.Context, cutoff time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE expires_at < ?`, toMillis(cutoff)); err != nil {
		return fmt.Errorf("delete expired tokens: %w", err)
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM oauth_revoked_families WHERE revoked_at < ?`, toMillis(cutoff.Add(-revokedFamilyRetention))); err != nil {
		return fmt.Errorf("delete revoked families: %w", err)
	}
	return nil
}
