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

const credentialColumns = `id, user_id, credential_id, public_key, counter, aaguid, device_name,
	transports_json, attestation_type, backup_eligible, backup_state, clone_warning, is_active,
	created_at, last_used_at`

// PutWebAuthnCredential stores a new passkey. Credential ids are unique across
// all users.
func (s *Store) PutWebAuthnCredential(ctx context.Context, credential storage.WebAuthnCredential) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(credential.ID) == "" || strings.TrimSpace(credential.UserID) == "" {
		return fmt.Errorf("credential id and user id are required")
	}
	if len(credential.CredentialID) == 0 || len(credential.PublicKey) == 0 {
		return fmt.Errorf("credential id and public key are required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `INSERT INTO webauthn_credentials (`+credentialColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		credential.ID, credential.UserID, credential.CredentialID, credential.PublicKey,
		int64(credential.Counter), credential.AAGUID, credential.DeviceName,
		encodeList(credential.Transports), credential.AttestationType,
		boolToInt(credential.BackupEligible), boolToInt(credential.BackupState),
		boolToInt(credential.CloneWarning), boolToInt(credential.IsActive),
		toMillis(credential.CreatedAt), nullMillis(credential.LastUsedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put webauthn credential: %w", err)
	}
	return nil
}

// GetWebAuthnCredential fetches a passkey by its authenticator credential id.
func (s *Store) GetWebAuthnCredential(ctx context.Context, credentialID []byte) (storage.WebAuthnCredential, error) {
	if err := s.ready(ctx); err != nil {
		return storage.WebAuthnCredential{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM webauthn_credentials WHERE credential_id = ?`, credentialID)
	credential, err := scanCredential(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.WebAuthnCredential{}, storage.ErrNotFound
	}
	return credential, err
}

// ListWebAuthnCredentials returns a user's active passkeys.
func (s *Store) ListWebAuthnCredentials(ctx context.Context, userID string) ([]storage.WebAuthnCredential, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT `+credentialColumns+`
FROM webauthn_credentials WHERE user_id = ? AND is_active = 1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list webauthn credentials: %w", err)
	}
	defer rows.Close()

	credentials := make([]storage.WebAuthnCredential, 0)
	for rows.Next() {
		credential, err := scanCredential(rows.Scan)
		if err != nil {
			return nil, err
		}
		credentials = append(credentials, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webauthn credentials: %w", err)
	}
	return credentials, nil
}

// TryAdvanceCounter stores counter only when it is strictly greater than the
// stored value, or when both are zero.
func (s *Store) TryAdvanceCounter(ctx context.Context, credentialID []byte, counter uint32, usedAt time.Time) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	next := int64(counter)
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE webauthn_credentials
SET counter = ?, last_used_at = ?
WHERE credential_id = ? AND is_active = 1
AND (counter < ? OR (counter = 0 AND ? = 0))
`, next, toMillis(usedAt), credentialID, next, next)
	if err != nil {
		return false, fmt.Errorf("advance counter: %w", err)
	}
	return affectedOne(result)
}

// FlagCloneWarning marks a credential as possibly cloned.
func (s *Store) FlagCloneWarning(ctx context.Context, credentialID []byte) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`UPDATE webauthn_credentials SET clone_warning = 1 WHERE credential_id = ?`, credentialID,
	); err != nil {
		return fmt.Errorf("flag clone warning: %w", err)
	}
	return nil
}

// DeactivateWebAuthnCredential soft-deletes a user's passkey.
func (s *Store) DeactivateWebAuthnCredential(ctx context.Context, userID string, credentialID []byte) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE webauthn_credentials SET is_active = 0 WHERE user_id = ? AND credential_id = ?`,
		userID, credentialID,
	)
	if err != nil {
		return fmt.Errorf("deactivate webauthn credential: %w", err)
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

func scanCredential(scan func(dest ...any) error) (storage.WebAuthnCredential, error) {
	var (
		credential     storage.WebAuthnCredential
		counter        int64
		transportsJSON string
		backupElig     int
		backupState    int
		cloneWarning   int
		isActive       int
		createdAt      int64
		lastUsedAt     sql.NullInt64
	)
	err := scan(&credential.ID, &credential.UserID, &credential.CredentialID, &credential.PublicKey,
		&counter, &credential.AAGUID, &credential.DeviceName, &transportsJSON, &credential.AttestationType,
		&backupElig, &backupState, &cloneWarning, &isActive, &createdAt, &lastUsedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.WebAuthnCredential{}, err
		}
		return storage.WebAuthnCredential{}, fmt.Errorf("scan webauthn credential: %w", err)
	}
	transports, err := decodeList(transportsJSON)
	if err != nil {
		return storage.WebAuthnCredential{}, err
	}
	credential.Counter = uint32(counter)
	credential.Transports = transports
	credential.BackupEligible = backupElig == 1
	credential.BackupState = backupState == 1
	credential.CloneWarning = cloneWarning == 1
	credential.IsActive = isActive == 1
	credential.CreatedAt = fromMillis(createdAt)
	credential.LastUsedAt = fromNullMillis(lastUsedAt)
	return credential, nil
}

// PutWebAuthnChallenge stores a ceremony challenge.
func (s *Store) PutWebAuthnChallenge(ctx context.Context, challenge storage.WebAuthnChallenge) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(challenge.ID) == "" {
		return fmt.Errorf("challenge id is required")
	}
	if !challenge.Type.Valid() {
		return fmt.Errorf("challenge type %q is invalid", challenge.Type)
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO webauthn_challenges (
	id, user_id, challenge, challenge_type, session_json, device_name, pending_authorization_id, expires_at, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		challenge.ID, challenge.UserID, challenge.Challenge, string(challenge.Type), challenge.SessionJSON,
		challenge.DeviceName, challenge.PendingAuthorizationID, toMillis(challenge.ExpiresAt), toMillis(challenge.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put webauthn challenge: %w", err)
	}
	return nil
}

// ConsumeWebAuthnChallenge deletes and returns a challenge in one statement.
func (s *Store) ConsumeWebAuthnChallenge(ctx context.Context, id string) (storage.WebAuthnChallenge, error) {
	if err := s.ready(ctx); err != nil {
		return storage.WebAuthnChallenge{}, err
	}
	var (
		challenge     storage.WebAuthnChallenge
		challengeType string
		expiresAt     int64
		createdAt     int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
DELETE FROM webauthn_challenges WHERE id = ?
RETURNING id, user_id, challenge, challenge_type, session_json, device_name, pending_authorization_id, expires_at, created_at
`, id).Scan(&challenge.ID, &challenge.UserID, &challenge.Challenge, &challengeType, &challenge.SessionJSON,
		&challenge.DeviceName, &challenge.PendingAuthorizationID, &expiresAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.WebAuthnChallenge{}, storage.ErrNotFound
		}
		return storage.WebAuthnChallenge{}, fmt.Errorf("consume webauthn challenge: %w", err)
	}
	challenge.Type = storage.ChallengeType(challengeType)
	challenge.ExpiresAt = fromMillis(expiresAt)
	challenge.CreatedAt = fromMillis(createdAt)
	return challenge, nil
}

// DeleteExpiredWebAuthnChallenges purges challenges past TTL.
func (s *Store) DeleteExpiredWebAuthnChallenges(ctx context.Context, now time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM webauthn_challenges WHERE expires_at < ?`, toMillis(now)); err != nil {
		return fmt.Errorf("delete expired challenges: %w", err)
	}
	return nil
}
