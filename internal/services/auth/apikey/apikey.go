// Package apikey issues and verifies long-lived machine credentials.
//
// A key reads gh_<prefix>_<secret>. The prefix is stored in clear and routes
// verification to exactly one row; only a keyed hash of the whole key is
// kept, so a key is shown once and never again.
package apikey

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	"github.com/louisbranch/gatehouse/internal/platform/id"
	"github.com/louisbranch/gatehouse/internal/platform/timeouts"
	"github.com/louisbranch/gatehouse/internal/services/auth/audit"
	"github.com/louisbranch/gatehouse/internal/services/auth/scope"
	"github.com/louisbranch/gatehouse/internal/services/auth/secret"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
	"go.uber.org/zap"
)

const (
	keyScheme        = "gh_"
	prefixLength     = 8
	secretByteLength = 32
	maxPrefixRetries = 3
)

// ErrInvalidKey is returned for every key that fails verification.
var ErrInvalidKey = apperrors.New(apperrors.CodeNotFound, "api key not found")

// TokenHasher hashes and verifies high-entropy secrets.
type TokenHasher interface {
	HashToken(token string) string
	VerifyToken(token, hash string) bool
}

// Created is a newly minted key. Key is the only copy of the full secret.
type Created struct {
	Key    string
	APIKey storage.APIKey
}

// Manager owns API key lifecycle.
type Manager struct {
	store       storage.APIKeyStore
	hasher      TokenHasher
	audit       audit.Sink
	logger      *zap.Logger
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewManager builds a Manager.
func NewManager(store storage.APIKeyStore, hasher TokenHasher, sink audit.Sink, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:       store,
		hasher:      hasher,
		audit:       audit.OrDiscard(sink),
		logger:      logger.Named("apikey"),
		clock:       time.Now,
		idGenerator: id.NewID,
	}
}

// Create issues a key for ownerID.
func (m *Manager) Create(ctx context.Context, ownerID, name string, scopes []string) (*Created, error) {
	ctx, cancel := context.WithTimeout(ctx, timeouts.Storage)
	defer cancel()

	ownerID = strings.TrimSpace(ownerID)
	name = strings.TrimSpace(name)
	if ownerID == "" || name == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "owner and name are required")
	}
	keyID, err := m.idGenerator()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnknown, "generate key id", err)
	}
	for attempt := 0; ; attempt++ {
		prefix, key, err := newKey()
		if err != nil {
			return nil, err
		}
		record := storage.APIKey{
			ID:        keyID,
			Name:      name,
			OwnerID:   ownerID,
			KeyPrefix: prefix,
			KeyHash:   m.hasher.HashToken(key),
			Scopes:    scope.Normalize(scopes),
			CreatedAt: m.clock().UTC(),
		}
		err = m.store.PutAPIKey(ctx, record)
		if err == nil {
			m.logger.Info("api key created", zap.String("key_id", keyID), zap.String("owner_id", ownerID), zap.String("prefix", prefix))
			return &Created{Key: key, APIKey: record}, nil
		}
		if !apperrors.HasCode(err, apperrors.CodeConflict) || attempt+1 >= maxPrefixRetries {
			return nil, apperrors.Wrap(apperrors.CodeUpstream, "store api key", err)
		}
	}
}

// Verify resolves a presented key. Lookup is by prefix only; the secret is
// compared in constant time against the stored hash.
func (m *Manager) Verify(ctx context.Context, presented string) (*storage.APIKey, error) {
	ctx, cancel := context.WithTimeout(ctx, timeouts.Storage)
	defer cancel()

	prefix, ok := ParsePrefix(presented)
	if !ok {
		return nil, m.reject(ctx, "", "malformed key")
	}
	record, err := m.store.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return nil, m.reject(ctx, "", "unknown prefix")
		}
		return nil, apperrors.Wrap(apperrors.CodeUpstream, "load api key", err)
	}
	if !m.hasher.VerifyToken(strings.TrimSpace(presented), record.KeyHash) {
		return nil, m.reject(ctx, record.OwnerID, "secret mismatch")
	}
	if record.RevokedAt != nil {
		return nil, m.reject(ctx, record.OwnerID, "revoked key")
	}
	now := m.clock().UTC()
	if err := m.store.TouchAPIKey(ctx, record.ID, now); err != nil {
		m.logger.Warn("touch api key", zap.String("key_id", record.ID), zap.Error(err))
	} else {
		record.LastUsedAt = &now
	}
	return &record, nil
}

// Rotate replaces a live key's secret and prefix. The old key stops working
// immediately.
func (m *Manager) Rotate(ctx context.Context, keyID string) (*Created, error) {
	ctx, cancel := context.WithTimeout(ctx, timeouts.Storage)
	defer cancel()

	record, err := m.live(ctx, keyID)
	if err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		prefix, key, err := newKey()
		if err != nil {
			return nil, err
		}
		hash := m.hasher.HashToken(key)
		err = m.store.ReplaceAPIKeySecret(ctx, record.ID, prefix, hash)
		if err == nil {
			record.KeyPrefix = prefix
			record.KeyHash = hash
			m.logger.Info("api key rotated", zap.String("key_id", record.ID), zap.String("prefix", prefix))
			return &Created{Key: key, APIKey: record}, nil
		}
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return nil, apperrors.New(apperrors.CodeNotFound, "api key not found")
		}
		if !apperrors.HasCode(err, apperrors.CodeConflict) || attempt+1 >= maxPrefixRetries {
			return nil, apperrors.Wrap(apperrors.CodeUpstream, "rotate api key", err)
		}
	}
}

// Revoke disables a key. Revoking a revoked key is not an error.
func (m *Manager) Revoke(ctx context.Context, keyID string) error {
	ctx, cancel := context.WithTimeout(ctx, timeouts.Storage)
	defer cancel()

	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return apperrors.New(apperrors.CodeValidation, "key id is required")
	}
	record, err := m.store.GetAPIKey(ctx, keyID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return apperrors.New(apperrors.CodeNotFound, "api key not found")
		}
		return apperrors.Wrap(apperrors.CodeUpstream, "load api key", err)
	}
	if err := m.store.RevokeAPIKey(ctx, record.ID, m.clock().UTC()); err != nil {
		return apperrors.Wrap(apperrors.CodeUpstream, "revoke api key", err)
	}
	m.logger.Info("api key revoked", zap.String("key_id", record.ID))
	return nil
}

func (m *Manager) live(ctx context.Context, keyID string) (storage.APIKey, error) {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return storage.APIKey{}, apperrors.New(apperrors.CodeValidation, "key id is required")
	}
	record, err := m.store.GetAPIKey(ctx, keyID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return storage.APIKey{}, apperrors.New(apperrors.CodeNotFound, "api key not found")
		}
		return storage.APIKey{}, apperrors.Wrap(apperrors.CodeUpstream, "load api key", err)
	}
	if record.RevokedAt != nil {
		return storage.APIKey{}, apperrors.New(apperrors.CodeNotFound, "api key not found")
	}
	return record, nil
}

func (m *Manager) reject(ctx context.Context, ownerID, detail string) error {
	m.audit.Record(ctx, audit.Event{
		Kind:     audit.KindAPIKeyRejected,
		Severity: audit.SeverityWarning,
		UserID:   ownerID,
		Detail:   detail,
	})
	return ErrInvalidKey
}

// ParsePrefix extracts the routing prefix (gh_xxxxxxxx) from a key.
func ParsePrefix(key string) (string, bool) {
	key = strings.TrimSpace(key)
	head := len(keyScheme) + prefixLength
	if !strings.HasPrefix(key, keyScheme) || len(key) <= head+1 || key[head] != '_' {
		return "", false
	}
	return key[:head], true
}

func newKey() (string, string, error) {
	rawPrefix, err := secret.GenerateToken(secret.MinTokenBytes)
	if err != nil {
		return "", "", apperrors.Wrap(apperrors.CodeUnknown, "generate key prefix", err)
	}
	body, err := secret.GenerateToken(secretByteLength)
	if err != nil {
		return "", "", apperrors.Wrap(apperrors.CodeUnknown, "generate key secret", err)
	}
	prefix := keyScheme + rawPrefix[:prefixLength]
	return prefix, prefix + "_" + body, nil
}
