package storage

import (
	"context"
	"time"

	"github.com/louisbranch/gatehouse/internal/platform/errors"
	"github.com/louisbranch/gatehouse/internal/services/auth/user"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New(errors.CodeNotFound, "record not found")
	// ErrConflict indicates a uniqueness violation.
	ErrConflict = errors.New(errors.CodeConflict, "record already exists")
	// ErrFamilyRevoked indicates a token was minted into a revoked family.
	ErrFamilyRevoked = errors.New(errors.CodeReplay, "token family revoked")
	// ErrLeaseLost indicates a webhook delivery lease is held by another
	// worker or has expired.
	ErrLeaseLost = errors.New(errors.CodeConflict, "delivery lease lost")
)

// UserStore persists accounts.
type UserStore interface {
	user.Store
}

// Client is an OAuth client registration.
type Client struct {
	ID                      string
	Name                    string
	SecretHash              string
	RedirectURIs            []string
	AllowedScopes           []string
	TokenEndpointAuthMethod string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Scope is an entry in the global scope catalog.
type Scope struct {
	Code        string
	Description string
	IsActive    bool
}

// ClientStore persists clients and the scope catalog.
type ClientStore interface {
	PutClient(ctx context.Context, client Client) error
	GetClient(ctx context.Context, clientID string) (Client, error)
	RotateClientSecret(ctx context.Context, clientID string, secretHash string, at time.Time) error
	PutScope(ctx context.Context, scope Scope) error
	// GetScopes returns the catalog entries for codes; unknown codes are omitted.
	GetScopes(ctx context.Context, codes []string) ([]Scope, error)
}

// AuthorizationCode is an issued code. Only the hash of the code is stored.
type AuthorizationCode struct {
	ID                  string
	CodeHash            string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	FamilyID            string
	ExpiresAt           time.Time
	Used                bool
	CreatedAt           time.Time
}

// PendingAuthorization is a validated authorize request awaiting login or
// consent.
type PendingAuthorization struct {
	ID                  string
	ClientID            string
	RedirectURI         string
	Scopes              []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              string
	// ConsentTokenHash binds the consent step to the login that attached
	// UserID.
	ConsentTokenHash string
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// AuthorizationStore persists codes and pending authorizations.
type AuthorizationStore interface {
	PutAuthorizationCode(ctx context.Context, code AuthorizationCode) error
	GetAuthorizationCodeByHash(ctx context.Context, codeHash string) (AuthorizationCode, error)
	// TryConsumeAuthorizationCode flips used from false to true. It returns
	// false when the code was already consumed or does not exist.
	TryConsumeAuthorizationCode(ctx context.Context, codeHash string) (bool, error)
	DeleteAuthorizationCodesExpiredBefore(ctx context.Context, cutoff time.Time) error

	PutPendingAuthorization(ctx context.Context, pending PendingAuthorization) error
	GetPendingAuthorization(ctx context.Context, id string) (PendingAuthorization, error)
	// DeletePendingAuthorization returns ErrNotFound when id is absent.
	DeletePendingAuthorization(ctx context.Context, id string) error
	DeleteExpiredPendingAuthorizations(ctx context.Context, now time.Time) error
}

// TokenKind distinguishes access from refresh tokens.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// Token is an issued access or refresh token. For access tokens TokenHash is
// the hash of the JWT id; for refresh tokens it is the hash of the token.
type Token struct {
	ID        string
	TokenHash string
	Kind      TokenKind
	FamilyID  string
	ClientID  string
	UserID    string
	Scopes    []string
	ExpiresAt time.Time
	RevokedAt *time.Time
	RotatedAt *time.Time
	CreatedAt time.Time
}

// Active reports whether the token is neither revoked nor expired at now.
func (t Token) Active(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// TokenStore persists issued tokens.
type TokenStore interface {
	// PutToken returns ErrFamilyRevoked when token.FamilyID was revoked,
	// including before any of its tokens were stored.
	PutToken(ctx context.Context, token Token) error
	GetTokenByHash(ctx context.Context, tokenHash string) (Token, error)
	// RotateRefreshToken marks a live refresh token rotated. It returns false
	// when the token was already rotated or revoked.
	RotateRefreshToken(ctx context.Context, tokenHash string, at time.Time) (bool, error)
	// RevokeToken is idempotent.
	RevokeToken(ctx context.Context, tokenHash string, at time.Time) error
	// RevokeTokenFamily revokes the family's live tokens and remembers the
	// family so later PutToken calls for it fail.
	RevokeTokenFamily(ctx context.Context, familyID string, at time.Time) (int64, error)
	RevokeTokensForUserClient(ctx context.Context, userID, clientID string, at time.Time) (int64, error)
	// DeleteTokensExpiredBefore also forgets families revoked before cutoff.
	DeleteTokensExpiredBefore(ctx context.Context, cutoff time.Time) error
}

// Consent is the set of scopes a user granted to a client.
type Consent struct {
	ID        string
	UserID    string
	ClientID  string
	Scopes    []string
	GrantedAt time.Time
	UpdatedAt time.Time
}

// ConsentStore persists one consent record per (user, client).
type ConsentStore interface {
	GetConsent(ctx context.Context, userID, clientID string) (Consent, error)
	// MergeConsent unions consent.Scopes into any existing record for the
	// pair and returns the stored result. ID and GrantedAt apply on insert.
	MergeConsent(ctx context.Context, consent Consent) (Consent, error)
	DeleteConsent(ctx context.Context, userID, clientID string) error
}

// WebAuthnCredential is a registered passkey.
type WebAuthnCredential struct {
	ID              string
	UserID          string
	CredentialID    []byte
	PublicKey       []byte
	Counter         uint32
	AAGUID          []byte
	DeviceName      string
	Transports      []string
	AttestationType string
	BackupEligible  bool
	BackupState     bool
	CloneWarning    bool
	IsActive        bool
	CreatedAt       time.Time
	LastUsedAt      *time.Time
}

// ChallengeType is the ceremony a challenge belongs to.
type ChallengeType string

const (
	ChallengeRegistration   ChallengeType = "registration"
	ChallengeAuthentication ChallengeType = "authentication"
)

// Valid reports whether t is a known ceremony.
func (t ChallengeType) Valid() bool {
	switch t {
	case ChallengeRegistration, ChallengeAuthentication:
		return true
	default:
		return false
	}
}

// WebAuthnChallenge is a single-use ceremony challenge with its library
// session state.
type WebAuthnChallenge struct {
	ID                     string
	UserID                 string
	Challenge              string
	Type                   ChallengeType
	SessionJSON            []byte
	DeviceName             string
	PendingAuthorizationID string
	ExpiresAt              time.Time
	CreatedAt              time.Time
}

// CredentialStore persists passkeys.
type CredentialStore interface {
	// PutWebAuthnCredential returns ErrConflict when the credential id exists.
	PutWebAuthnCredential(ctx context.Context, credential WebAuthnCredential) error
	GetWebAuthnCredential(ctx context.Context, credentialID []byte) (WebAuthnCredential, error)
	ListWebAuthnCredentials(ctx context.Context, userID string) ([]WebAuthnCredential, error)
	// TryAdvanceCounter stores counter only if it is strictly greater than the
	// stored value, or both are zero, and reports whether it did.
	TryAdvanceCounter(ctx context.Context, credentialID []byte, counter uint32, usedAt time.Time) (bool, error)
	FlagCloneWarning(ctx context.Context, credentialID []byte) error
	DeactivateWebAuthnCredential(ctx context.Context, userID string, credentialID []byte) error
}

// ChallengeStore persists ceremony challenges.
type ChallengeStore interface {
	PutWebAuthnChallenge(ctx context.Context, challenge WebAuthnChallenge) error
	// ConsumeWebAuthnChallenge removes and returns the challenge atomically.
	// A second call for the same id returns ErrNotFound.
	ConsumeWebAuthnChallenge(ctx context.Context, id string) (WebAuthnChallenge, error)
	DeleteExpiredWebAuthnChallenges(ctx context.Context, now time.Time) error
}

// RuleType is an IP rule's effect.
type RuleType string

const (
	RuleWhitelist RuleType = "whitelist"
	RuleBlacklist RuleType = "blacklist"
)

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	switch t {
	case RuleWhitelist, RuleBlacklist:
		return true
	default:
		return false
	}
}

// IPRule allows or denies an address or CIDR range, globally or for one app.
type IPRule struct {
	ID        string
	AppID     string
	IPAddress string
	IPRange   string
	Type      RuleType
	Reason    string
	ExpiresAt *time.Time
	CreatedBy string
	CreatedAt time.Time
}

// IPRuleStore persists IP rules.
type IPRuleStore interface {
	PutIPRule(ctx context.Context, rule IPRule) error
	DeleteIPRule(ctx context.Context, id string) error
	// ListIPRules returns global rules plus, when appID is set, that app's rules.
	ListIPRules(ctx context.Context, appID string) ([]IPRule, error)
}

// APIKey is a machine credential. The full key is never stored.
type APIKey struct {
	ID         string
	Name       string
	OwnerID    string
	KeyPrefix  string
	KeyHash    string
	Scopes     []string
	LastUsedAt *time.Time
	RevokedAt  *time.Time
	CreatedAt  time.Time
}

// APIKeyStore persists API keys.
type APIKeyStore interface {
	PutAPIKey(ctx context.Context, key APIKey) error
	GetAPIKey(ctx context.Context, id string) (APIKey, error)
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (APIKey, error)
	ReplaceAPIKeySecret(ctx context.Context, id, prefix, keyHash string) error
	RevokeAPIKey(ctx context.Context, id string, at time.Time) error
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
}

// Webhook is an outbound event subscription. SealedSecret is recoverable so
// payloads can be signed.
type Webhook struct {
	ID           string
	OwnerID      string
	URL          string
	Events       []string
	SecretPrefix string
	SealedSecret string
	IsActive     bool
	CreatedAt    time.Time
}

// DeliveryStatus is a webhook delivery's lifecycle state.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryLeased    DeliveryStatus = "leased"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// WebhookDelivery records delivery of one event to one webhook.
type WebhookDelivery struct {
	ID             string
	WebhookID      string
	Event          string
	Payload        []byte
	Status         DeliveryStatus
	AttemptCount   int
	LastStatusCode int
	LastError      string
	NextAttemptAt  time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	DeliveredAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WebhookStore persists webhooks and their delivery bookkeeping.
type WebhookStore interface {
	PutWebhook(ctx context.Context, hook Webhook) error
	GetWebhook(ctx context.Context, id string) (Webhook, error)
	ListWebhooksForEvent(ctx context.Context, event string) ([]Webhook, error)
	ReplaceWebhookSecret(ctx context.Context, id, prefix, sealedSecret string) error

	EnqueueWebhookDelivery(ctx context.Context, delivery WebhookDelivery) error
	GetWebhookDelivery(ctx context.Context, id string) (WebhookDelivery, error)
	LeaseWebhookDeliveries(ctx context.Context, owner string, limit int, now time.Time, leaseTTL time.Duration) ([]WebhookDelivery, error)
	// ExtendWebhookLease, RecordWebhookAttempt and CompleteWebhookDelivery
	// only touch a delivery still leased by owner; otherwise they return
	// ErrLeaseLost.
	ExtendWebhookLease(ctx context.Context, id, owner string, now time.Time, leaseTTL time.Duration) error
	RecordWebhookAttempt(ctx context.Context, id, owner string, statusCode int, lastError string, at time.Time) error
	CompleteWebhookDelivery(ctx context.Context, id, owner string, status DeliveryStatus, at time.Time) error
}
