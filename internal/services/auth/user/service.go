package user

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	"github.com/louisbranch/gatehouse/internal/services/auth/audit"
	"github.com/louisbranch/gatehouse/internal/services/auth/secret"
	"go.uber.org/zap"
)

// ErrInvalidCredentials is returned for every failed password login, whatever
// the cause, so callers cannot discover accounts or lock state.
var ErrInvalidCredentials = apperrors.New(apperrors.CodeUnauthenticated, "invalid credentials")

// Store persists users and login-attempt bookkeeping.
type Store interface {
	PutUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, userID string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	// IncrementFailedLogins atomically bumps the counter and returns the new value.
	IncrementFailedLogins(ctx context.Context, userID string, at time.Time) (int, error)
	LockUser(ctx context.Context, userID string, until time.Time, at time.Time) error
	ResetFailedLogins(ctx context.Context, userID string, at time.Time) error
}

// dummyPassword is hashed once per service so logins that fail before a real
// hash is available still pay for one password verification.
const dummyPassword = "gatehouse-dummy-password"

// LockoutPolicy bounds consecutive failed password logins.
type LockoutPolicy struct {
	MaxFailedAttempts int
	Duration          time.Duration
}

// DefaultLockoutPolicy locks an account for 15 minutes after 5 failures.
var DefaultLockoutPolicy = LockoutPolicy{MaxFailedAttempts: 5, Duration: 15 * time.Minute}

// Service manages accounts and password login.
type Service struct {
	store          Store
	policy         LockoutPolicy
	audit          audit.Sink
	logger         *zap.Logger
	clock          func() time.Time
	idGenerator    func() (string, error)
	hashPassword   func(string) (string, error)
	verifyPassword func(string, string) (bool, error)
	dummyHash      func() (string, error)
}

// Option configures a Service.
type Option func(*Service)

// WithLockoutPolicy overrides DefaultLockoutPolicy.
func WithLockoutPolicy(policy LockoutPolicy) Option {
	return func(s *Service) { s.policy = policy }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithPasswordHasher overrides argon2id hashing, mostly for tests.
func WithPasswordHasher(hash func(string) (string, error)) Option {
	return func(s *Service) { s.hashPassword = hash }
}

// NewService builds a user service.
func NewService(store Store, sink audit.Sink, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:          store,
		policy:         DefaultLockoutPolicy,
		audit:          audit.OrDiscard(sink),
		logger:         logger.Named("user"),
		clock:          time.Now,
		hashPassword:   secret.HashPassword,
		verifyPassword: secret.VerifyPassword,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dummyHash = sync.OnceValues(func() (string, error) {
		return s.hashPassword(dummyPassword)
	})
	return s
}

// Create registers a new account. A duplicate email is a conflict.
func (s *Service) Create(ctx context.Context, input CreateUserInput) (User, error) {
	u, err := CreateUser(input, s.clock, s.idGenerator, s.hashPassword)
	if err != nil {
		return User{}, err
	}
	if _, err := s.store.GetUserByEmail(ctx, u.Email); err == nil {
		return User{}, apperrors.New(apperrors.CodeConflict, "email already registered")
	} else if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		return User{}, err
	}
	if err := s.store.PutUser(ctx, u); err != nil {
		return User{}, err
	}
	return u, nil
}

// Get loads an account by id.
func (s *Service) Get(ctx context.Context, userID string) (User, error) {
	return s.store.GetUser(ctx, userID)
}

// Authenticate verifies an email/password pair, applying the lockout policy.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	now := s.clock().UTC()
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return User{}, ErrInvalidCredentials
	}
	u, err := s.store.GetUserByEmail(ctx, normalized)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			s.verifyDummy(password)
			s.audit.Record(ctx, loginEvent(audit.KindLoginFailed, "", "unknown email"))
			return User{}, ErrInvalidCredentials
		}
		return User{}, err
	}
	if !u.IsActive || !u.HasPassword() {
		s.verifyDummy(password)
		s.audit.Record(ctx, loginEvent(audit.KindLoginFailed, u.ID, "inactive or passwordless account"))
		return User{}, ErrInvalidCredentials
	}
	if u.LockedAt(now) {
		s.audit.Record(ctx, loginEvent(audit.KindLoginLocked, u.ID, "login attempted while locked"))
		return User{}, ErrInvalidCredentials
	}

	ok, err := s.verifyPassword(password, u.PasswordHash)
	if err != nil {
		s.logger.Error("verify password", zap.String("user_id", u.ID), zap.Error(err))
		return User{}, err
	}
	if !ok {
		return User{}, s.recordFailure(ctx, u, now)
	}

	if u.FailedLoginAttempts > 0 || u.LockedUntil != nil {
		if err := s.store.ResetFailedLogins(ctx, u.ID, now); err != nil {
			return User{}, err
		}
		u.FailedLoginAttempts = 0
		u.LockedUntil = nil
	}
	return u, nil
}

// verifyDummy spends the same work as a real password check so response
// time does not reveal whether an email is registered.
func (s *Service) verifyDummy(password string) {
	hash, err := s.dummyHash()
	if err != nil {
		s.logger.Error("hash dummy password", zap.Error(err))
		return
	}
	if _, err := s.verifyPassword(password, hash); err != nil {
		s.logger.Error("verify dummy password", zap.Error(err))
	}
}

func (s *Service) recordFailure(ctx context.Context, u User, now time.Time) error {
	attempts, err := s.store.IncrementFailedLogins(ctx, u.ID, now)
	if err != nil {
		return err
	}
	s.audit.Record(ctx, loginEvent(audit.KindLoginFailed, u.ID, "password mismatch"))
	if s.policy.MaxFailedAttempts > 0 && attempts >= s.policy.MaxFailedAttempts {
		until := now.Add(s.policy.Duration)
		if err := s.store.LockUser(ctx, u.ID, until, now); err != nil {
			return err
		}
		s.audit.Record(ctx, audit.Event{
			Kind:     audit.KindLoginLocked,
			Severity: audit.SeverityWarning,
			UserID:   u.ID,
			Detail:   "failed attempt limit reached",
		})
	}
	return ErrInvalidCredentials
}

// Deactivate soft-deletes an account.
func (s *Service) Deactivate(ctx context.Context, userID string) error {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	u.IsActive = false
	u.UpdatedAt = s.clock().UTC()
	return s.store.PutUser(ctx, u)
}

// loginEvent builds an informational audit event for a user.
func loginEvent(kind audit.Kind, userID, detail string) audit.Event {
	return audit.Event{Kind: kind, Severity: audit.SeverityInfo, UserID: userID, Detail: detail}
}
