package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
	"github.com/louisbranch/gatehouse/internal/services/auth/user"
)

const userColumns = `id, email, display_name, password_hash, is_active, is_system_admin,
	failed_login_attempts, locked_until, created_at, updated_at`

// PutUser inserts or updates an account.
func (s *Store) PutUser(ctx context.Context, u user.User) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(u.Email) == "" {
		return fmt.Errorf("email is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO users (`+userColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	email = excluded.email,
	display_name = excluded.display_name,
	password_hash = excluded.password_hash,
	is_active = excluded.is_active,
	is_system_admin = excluded.is_system_admin,
	failed_login_attempts = excluded.failed_login_attempts,
	locked_until = excluded.locked_until,
	updated_at = excluded.updated_at
`,
		u.ID, u.Email, u.DisplayName, u.PasswordHash,
		boolToInt(u.IsActive), boolToInt(u.IsSystemAdmin),
		u.FailedLoginAttempts, nullMillis(u.LockedUntil),
		toMillis(u.CreatedAt), toMillis(u.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// GetUser fetches an account by id.
func (s *Store) GetUser(ctx context.Context, userID string) (user.User, error) {
	if err := s.ready(ctx); err != nil {
		return user.User{}, err
	}
	if strings.TrimSpace(userID) == "" {
		return user.User{}, fmt.Errorf("user id is required")
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
	return scanUser(row)
}

// GetUserByEmail fetches an account by normalized email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	if err := s.ready(ctx); err != nil {
		return user.User{}, err
	}
	if strings.TrimSpace(email) == "" {
		return user.User{}, fmt.Errorf("email is required")
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	return scanUser(row)
}

// IncrementFailedLogins bumps the failure counter and returns the new value.
func (s *Store) IncrementFailedLogins(ctx context.Context, userID string, at time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var attempts int
	err := s.sqlDB.QueryRowContext(ctx, `
UPDATE users
SET failed_login_attempts = failed_login_attempts + 1, updated_at = ?
WHERE id = ?
RETURNING failed_login_attempts
`, toMillis(at), userID).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment failed logins: %w", err)
	}
	return attempts, nil
}

// LockUser sets locked_until.
func (s *Store) LockUser(ctx context.Context, userID string, until time.Time, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE users SET locked_until = ?, updated_at = ? WHERE id = ?`,
		toMillis(until), toMillis(at), userID,
	)
	if err != nil {
		return fmt.Errorf("lock user: %w", err)
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

// ResetFailedLogins clears the failure counter and any lock.
func (s *Store) ResetFailedLogins(ctx context.Context, userID string, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`UPDATE users SET failed_login_attempts = 0, locked_until = NULL, updated_at = ? WHERE id = ?`,
		toMillis(at), userID,
	)
	if err != nil {
		return fmt.Errorf("reset failed logins: %w", err)
	}
	return nil
}

func scanUser(row *sql.Row) (user.User, error) {
	var (
		u           user.User
		isActive    int
		isAdmin     int
		lockedUntil sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &isActive, &isAdmin,
		&u.FailedLoginAttempts, &lockedUntil, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.User{}, storage.ErrNotFound
		}
		return user.User{}, fmt.Errorf("scan user: %w", err)
	}
	u.IsActive = isActive == 1
	u.IsSystemAdmin = isAdmin == 1
	u.LockedUntil = fromNullMillis(lockedUntil)
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return u, nil
}
