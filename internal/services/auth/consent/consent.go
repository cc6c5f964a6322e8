// Package consent records which scopes each user has granted to each client.
//
// Grants only ever widen the stored set. Narrowing happens through Revoke,
// which drops the whole record and the tokens issued under it.
package consent

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	"github.com/louisbranch/gatehouse/internal/platform/id"
	"github.com/louisbranch/gatehouse/internal/services/auth/audit"
	"github.com/louisbranch/gatehouse/internal/services/auth/scope"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
)

// TokenRevoker revokes the tokens a user granted a client.
type TokenRevoker interface {
	RevokeTokensForUserClient(ctx context.Context, userID, clientID string, at time.Time) (int64, error)
}

// Ledger reads and writes consent records.
type Ledger struct {
	store       storage.ConsentStore
	tokens      TokenRevoker
	audit       audit.Sink
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewLedger builds a consent ledger. tokens may be nil when revocation should
// not touch issued tokens.
func NewLedger(store storage.ConsentStore, tokens TokenRevoker, sink audit.Sink) *Ledger {
	return &Ledger{
		store:       store,
		tokens:      tokens,
		audit:       audit.OrDiscard(sink),
		clock:       time.Now,
		idGenerator: id.NewID,
	}
}

// Get returns the scopes userID granted clientID, or an empty set.
func (l *Ledger) Get(ctx context.Context, userID, clientID string) (scope.Set, error) {
	if err := validatePair(userID, clientID); err != nil {
		return nil, err
	}
	record, err := l.store.GetConsent(ctx, userID, clientID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return scope.New(), nil
		}
		return nil, apperrors.Wrap(apperrors.CodeUpstream, "load consent", err)
	}
	return scope.New(record.Scopes...), nil
}

// Covers reports whether every requested scope was already granted.
func (l *Ledger) Covers(ctx context.Context, userID, clientID string, requested []string) (bool, error) {
	granted, err := l.Get(ctx, userID, clientID)
	if err != nil {
		return false, err
	}
	return granted.Covers(scope.New(requested...)), nil
}

// Grant unions scopes into the stored set and returns the result.
func (l *Ledger) Grant(ctx context.Context, userID, clientID string, scopes []string) (scope.Set, error) {
	if err := validatePair(userID, clientID); err != nil {
		return nil, err
	}
	requested := scope.New(scopes...)
	if len(requested) == 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "at least one scope is required")
	}
	recordID, err := l.idGenerator()
	if err != nil {
		return nil, err
	}
	now := l.clock().UTC()
	record, err := l.store.MergeConsent(ctx, storage.Consent{
		ID:        recordID,
		UserID:    userID,
		ClientID:  clientID,
		Scopes:    requested.Sorted(),
		GrantedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstream, "store consent", err)
	}
	l.audit.Record(ctx, audit.Event{
		Kind:     audit.KindConsentGranted,
		UserID:   userID,
		ClientID: clientID,
		Detail:   requested.String(),
	})
	return scope.New(record.Scopes...), nil
}

// Revoke deletes the pair's consent and revokes every token the user granted
// the client. Revoking absent consent is not an error.
func (l *Ledger) Revoke(ctx context.Context, userID, clientID string) error {
	if err := validatePair(userID, clientID); err != nil {
		return err
	}
	if err := l.store.DeleteConsent(ctx, userID, clientID); err != nil {
		return apperrors.Wrap(apperrors.CodeUpstream, "delete consent", err)
	}
	if l.tokens != nil {
		if _, err := l.tokens.RevokeTokensForUserClient(ctx, userID, clientID, l.clock().UTC()); err != nil {
			return apperrors.Wrap(apperrors.CodeUpstream, "revoke tokens", err)
		}
	}
	l.audit.Record(ctx, audit.Event{
		Kind:     audit.KindConsentRevoked,
		Severity: audit.SeverityWarning,
		UserID:   userID,
		ClientID: clientID,
	})
	return nil
}

func validatePair(userID, clientID string) error {
	if strings.TrimSpace(userID) == "" {
		return apperrors.New(apperrors.CodeValidation, "user id is required")
	}
	if strings.TrimSpace(clientID) == "" {
		return apperrors.New(apperrors.CodeValidation, "client id is required")
	}
	return nil
}
