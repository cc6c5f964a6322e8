package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
)

// PutIPRule inserts an IP rule.
func (s *Store) PutIPRule(ctx context.Context, rule storage.IPRule) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(rule.ID) == "" {
		return fmt.Errorf("rule id is required")
	}
	if !rule.Type.Valid() {
		return fmt.Errorf("rule type %q is invalid", rule.Type)
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO ip_rules (id, app_id, ip_address, ip_range, rule_type, reason, expires_at, created_by, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		rule.ID, rule.AppID, rule.IPAddress, rule.IPRange, string(rule.Type), rule.Reason,
		nullMillis(rule.ExpiresAt), rule.CreatedBy, toMillis(rule.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put ip rule: %w", err)
	}
	return nil
}

// DeleteIPRule removes an IP rule.
func (s *Store) DeleteIPRule(ctx context.Context, id string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM ip_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete ip rule: %w", err)
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

// ListIPRules returns global rules plus rules scoped to appID.
func (s *Store) ListIPRules(ctx context.Context, appID string) ([]storage.IPRule, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, app_id, ip_address, ip_range, rule_type, reason, expires_at, created_by, created_at
FROM ip_rules
WHERE app_id = '' OR app_id = ?
ORDER BY created_at DESC, id
`, appID)
	if err != nil {
		return nil, fmt.Errorf("list ip rules: %w", err)
	}
	defer rows.Close()

	rules := make([]storage.IPRule, 0)
	for rows.Next() {
		var (
			rule      storage.IPRule
			ruleType  string
			expiresAt sql.NullInt64
			createdAt int64
		)
		if err := rows.Scan(&rule.ID, &rule.AppID, &rule.IPAddress, &rule.IPRange, &ruleType,
			&rule.Reason, &expiresAt, &rule.CreatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("scan ip rule: %w", err)
		}
		rule.Type = storage.RuleType(ruleType)
		rule.ExpiresAt = fromNullMillis(expiresAt)
		rule.CreatedAt = fromMillis(createdAt)
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ip rules: %w", err)
	}
	return rules, nil
}
