package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/gatehouse/internal/services/auth/scope"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
)

// GetConsent fetches the consent record for a (user, client) pair.
func (s *Store) GetConsent(ctx context.Context, userID, clientID string) (storage.Consent, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Consent{}, err
	}
	return getConsent(ctx, s.sqlDB, userID, clientID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getConsent(ctx context.Context, q queryRower, userID, clientID string) (storage.Consent, error) {
	var (
		consent    storage.Consent
		scopesJSON string
		grantedAt  int64
		updatedAt  int64
	)
	err := q.QueryRowContext(ctx, `
SELECT id, user_id, client_id, scopes_json, granted_at, updated_at
FROM user_consents WHERE user_id = ? AND client_id = ?
`, userID, clientID).Scan(&consent.ID, &consent.UserID, &consent.ClientID, &scopesJSON, &grantedAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Consent{}, storage.ErrNotFound
		}
		return storage.Consent{}, fmt.Errorf("get consent: %w", err)
	}
	scopes, err := decodeList(scopesJSON)
	if err != nil {
		return storage.Consent{}, err
	}
	consent.Scopes = scopes
	consent.GrantedAt = fromMillis(grantedAt)
	consent.UpdatedAt = fromMillis(updatedAt)
	return consent, nil
}

// MergeConsent unions scopes into the pair's record inside one write
// transaction, so concurrent grants never drop each other's scopes.
func (s *Store) MergeConsent(ctx context.Context, consent storage.Consent) (storage.Consent, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Consent{}, err
	}
	if strings.TrimSpace(consent.UserID) == "" || strings.TrimSpace(consent.ClientID) == "" {
		return storage.Consent{}, fmt.Errorf("user id and client id are required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.Consent{}, fmt.Errorf("begin consent transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO user_consents (id, user_id, client_id, scopes_json, granted_at, updated_at)
VALUES (?, ?, ?, '[]', ?, ?)
ON CONFLICT(user_id, client_id) DO NOTHING
`, consent.ID, consent.UserID, consent.ClientID, toMillis(consent.GrantedAt), toMillis(consent.UpdatedAt)); err != nil {
		return storage.Consent{}, fmt.Errorf("ensure consent: %w", err)
	}

	existing, err := getConsent(ctx, tx, consent.UserID, consent.ClientID)
	if err != nil {
		return storage.Consent{}, err
	}
	merged := scope.New(existing.Scopes...).Union(scope.New(consent.Scopes...)).Sorted()

	if _, err := tx.ExecContext(ctx,
		`UPDATE user_consents SET scopes_json = ?, updated_at = ? WHERE id = ?`,
		encodeList(merged), toMillis(consent.UpdatedAt), existing.ID,
	); err != nil {
		return storage.Consent{}, fmt.Errorf("update consent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return storage.Consent{}, fmt.Errorf("commit consent: %w", err)
	}

	existing.Scopes = merged
	existing.UpdatedAt = fromMillis(toMillis(consent.UpdatedAt))
	return existing, nil
}

// DeleteConsent removes the pair's consent record.
func (s *Store) DeleteConsent(ctx context.Context, userID, clientID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM user_consents WHERE user_id = ? AND client_id = ?`, userID, clientID,
	); err != nil {
		return fmt.Errorf("delete consent: %w", err)
	}
	return nil
}
