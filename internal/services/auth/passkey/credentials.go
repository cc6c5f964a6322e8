package passkey

import (
	"context"
	"strings"

	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	"github.com/louisbranch/gatehouse/internal/services/auth/audit"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
)

// ListCredentials returns userID's active passkeys.
func (e *Engine) ListCredentials(ctx context.Context, userID string) ([]storage.WebAuthnCredential, error) {
	ctx, cancel := bounded(ctx)
	defer cancel()
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "user id is required")
	}
	credentials, err := e.credentials.ListWebAuthnCredentials(ctx, userID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstream, "list credentials", err)
	}
	return credentials, nil
}

// RevokeCredential deactivates one of userID's passkeys.
func (e *Engine) RevokeCredential(ctx context.Context, userID string, credentialID []byte) error {
	ctx, span := e.tracer.Start(ctx, "passkey.RevokeCredential")
	defer span.End()
	ctx, cancel := bounded(ctx)
	defer cancel()

	userID = strings.TrimSpace(userID)
	if userID == "" || len(credentialID) == 0 {
		return apperrors.New(apperrors.CodeValidation, "user id and credential id are required")
	}
	if err := e.credentials.DeactivateWebAuthnCredential(ctx, userID, credentialID); err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return apperrors.New(apperrors.CodeNotFound, "credential not found")
		}
		return apperrors.Wrap(apperrors.CodeUpstream, "revoke credential", err)
	}
	e.audit.Record(ctx, audit.Event{
		Kind:         audit.KindCredentialRevoked,
		Severity:     audit.SeverityInfo,
		UserID:       userID,
		CredentialID: EncodeCredentialID(credentialID),
	})
	return nil
}
