package user

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	"github.com/louisbranch/gatehouse/internal/platform/id"
	"golang.org/x/text/secure/precis"
)

var (
	// ErrEmptyEmail indicates a missing email.
	ErrEmptyEmail = apperrors.New(apperrors.CodeValidation, "email is required")
	// ErrInvalidEmail indicates an email that cannot be normalized.
	ErrInvalidEmail = apperrors.New(apperrors.CodeValidation, "email is invalid")
	// ErrWeakPassword indicates a password below the minimum length.
	ErrWeakPassword = apperrors.New(apperrors.CodeValidation, "password must be at least 12 characters")
)

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 12

// User represents an account record.
type User struct {
	ID                  string
	Email               string
	DisplayName         string
	PasswordHash        string
	IsActive            bool
	IsSystemAdmin       bool
	FailedLoginAttempts int
	LockedUntil         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// LockedAt reports whether the account is locked at now.
func (u User) LockedAt(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// HasPassword reports whether the account can use password login.
func (u User) HasPassword() bool {
	return u.PasswordHash != ""
}

// CreateUserInput describes the data needed to create a user.
type CreateUserInput struct {
	Email         string
	DisplayName   string
	Password      string
	IsSystemAdmin bool
}

// NormalizeEmail case-folds and width-maps an email with the PRECIS username
// profile so lookups are insensitive to case and compatibility forms.
func NormalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", ErrEmptyEmail
	}
	normalized, err := precis.UsernameCaseMapped.String(email)
	if err != nil {
		return "", ErrInvalidEmail
	}
	at := strings.LastIndex(normalized, "@")
	if at <= 0 || at == len(normalized)-1 || strings.Count(normalized, "@") != 1 {
		return "", ErrInvalidEmail
	}
	return normalized, nil
}

// CreateUser builds a new active user from validated input. Passwords are
// optional for passkey-only accounts; hash is only called when one is set.
func CreateUser(input CreateUserInput, now func() time.Time, idGenerator func() (string, error), hash func(string) (string, error)) (User, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	email, err := NormalizeEmail(input.Email)
	if err != nil {
		return User{}, err
	}

	var passwordHash string
	if input.Password != "" {
		if len(input.Password) < MinPasswordLength {
			return User{}, ErrWeakPassword
		}
		if hash == nil {
			return User{}, fmt.Errorf("password hasher is required")
		}
		passwordHash, err = hash(input.Password)
		if err != nil {
			return User{}, fmt.Errorf("hash password: %w", err)
		}
	}

	userID, err := idGenerator()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	displayName := strings.TrimSpace(input.DisplayName)
	if displayName == "" {
		displayName = email[:strings.Index(email, "@")]
	}

	createdAt := now().UTC()
	return User{
		ID:            userID,
		Email:         email,
		DisplayName:   displayName,
		PasswordHash:  passwordHash,
		IsActive:      true,
		IsSystemAdmin: input.IsSystemAdmin,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}, nil
}
