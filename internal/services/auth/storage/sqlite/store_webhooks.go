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

const webhookColumns = `id, owner_id, url, events_json, secret_prefix, sealed_secret, is_active, created_at`

// PutWebhook inserts or updates a webhook subscription.
func (s *Store) PutWebhook(ctx context.Context, hook storage.Webhook) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(hook.ID) == "" || strings.TrimSpace(hook.URL) == "" {
		return fmt.Errorf("webhook id and url are required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO webhooks (`+webhookColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	url = excluded.url,
	events_json = excluded.events_json,
	is_active = excluded.is_active
`,
		hook.ID, hook.OwnerID, hook.URL, encodeList(hook.Events), hook.SecretPrefix, hook.SealedSecret,
		boolToInt(hook.IsActive), toMillis(hook.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put webhook: %w", err)
	}
	return nil
}

// GetWebhook fetches a webhook subscription.
func (s *Store) GetWebhook(ctx context.Context, id string) (storage.Webhook, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Webhook{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = ?`, id)
	hook, err := scanWebhook(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Webhook{}, storage.ErrNotFound
	}
	return hook, err
}

// ListWebhooksForEvent returns active webhooks subscribed to event or "*".
func (s *Store) ListWebhooksForEvent(ctx context.Context, event string) ([]storage.Webhook, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+webhookColumns+`
FROM webhooks
WHERE is_active = 1
AND EXISTS (SELECT 1 FROM json_each(webhooks.events_json) WHERE value = ? OR value = '*')
ORDER BY created_at, id
`, event)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	hooks := make([]storage.Webhook, 0)
	for rows.Next() {
		hook, err := scanWebhook(rows.Scan)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, hook)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhooks: %w", err)
	}
	return hooks, nil
}

// ReplaceWebhookSecret swaps the sealed signing secret.
func (s *Store) ReplaceWebhookSecret(ctx context.Context, id, prefix, sealedSecret string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE webhooks SET secret_prefix = ?, sealed_secret = ? WHERE id = ?`, prefix, sealedSecret, id,
	)
	if err != nil {
		return fmt.Errorf("replace webhook secret: %w", err)
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

func scanWebhook(scan func(dest ...any) error) (storage.Webhook, error) {
	var (
		hook       storage.Webhook
		eventsJSON string
		isActive   int
		createdAt  int64
	)
	if err := scan(&hook.ID, &hook.OwnerID, &hook.URL, &eventsJSON, &hook.SecretPrefix, &hook.SealedSecret,
		&isActive, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Webhook{}, err
		}
		return storage.Webhook{}, fmt.Errorf("scan webhook: %w", err)
	}
	events, err := decodeList(eventsJSON)
	if err != nil {
		return storage.Webhook{}, err
	}
	hook.Events = events
	hook.IsActive = isActive == 1
	hook.CreatedAt = fromMillis(createdAt)
	return hook, nil
}

const deliveryColumns = `id, webhook_id, event, payload, status, attempt_count, last_status_code, last_error,
	next_attempt_at, lease_owner, lease_expires_at, delivered_at, created_at, updated_at`

// EnqueueWebhookDelivery stores a pending delivery.
func (s *Store) EnqueueWebhookDelivery(ctx context.Context, delivery storage.WebhookDelivery) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(delivery.ID) == "" || strings.TrimSpace(delivery.WebhookID) == "" {
		return fmt.Errorf("delivery id and webhook id are required")
	}
	status := delivery.Status
	if status == "" {
		status = storage.DeliveryPending
	}
	_, err := s.sqlDB.ExecContext(ctx, `INSERT INTO webhook_deliveries (`+deliveryColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		delivery.ID, delivery.WebhookID, delivery.Event, delivery.Payload, string(status),
		delivery.AttemptCount, delivery.LastStatusCode, delivery.LastError,
		toMillis(delivery.NextAttemptAt), delivery.LeaseOwner, nullMillis(delivery.LeaseExpiresAt),
		nullMillis(delivery.DeliveredAt), toMillis(delivery.CreatedAt), toMillis(delivery.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("enqueue webhook delivery: %w", err)
	}
	return nil
}

// GetWebhookDelivery fetches a delivery record.
func (s *Store) GetWebhookDelivery(ctx context.Context, id string) (storage.WebhookDelivery, error) {
	if err := s.ready(ctx); err != nil {
		return storage.WebhookDelivery{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = ?`, id)
	delivery, err := scanDelivery(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.WebhookDelivery{}, storage.ErrNotFound
	}
	return delivery, err
}

// LeaseWebhookDeliveries claims due pending deliveries, and leased ones whose
// lease lapsed, for owner.
func (s *Store) LeaseWebhookDeliveries(ctx context.Context, owner string, limit int, now time.Time, leaseTTL time.Duration) ([]storage.WebhookDelivery, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, fmt.Errorf("lease owner is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if leaseTTL <= 0 {
		return nil, fmt.Errorf("lease ttl must be greater than zero")
	}
	now = now.UTC()
	nowMillis := toMillis(now)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("start lease transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const due = `(
	(status = 'pending' AND next_attempt_at <= ?)
	OR
	(status = 'leased' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
)`
	rows, err := tx.QueryContext(ctx, `SELECT id FROM webhook_deliveries WHERE `+due+`
ORDER BY next_attempt_at ASC, created_at ASC, id ASC LIMIT ?`, nowMillis, nowMillis, limit)
	if err != nil {
		return nil, fmt.Errorf("select lease candidates: %w", err)
	}
	candidates := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan lease candidate: %w", err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate lease candidates: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close lease candidates: %w", err)
	}

	leased := make([]storage.WebhookDelivery, 0, len(candidates))
	for _, id := range candidates {
		result, err := tx.ExecContext(ctx, `
UPDATE webhook_deliveries
SET status = 'leased', lease_owner = ?, lease_expires_at = ?, updated_at = ?
WHERE id = ? AND `+due,
			owner, toMillis(now.Add(leaseTTL)), nowMillis, id, nowMillis, nowMillis,
		)
		if err != nil {
			return nil, fmt.Errorf("lease delivery %s: %w", id, err)
		}
		ok, err := affectedOne(result)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		delivery, err := scanDelivery(tx.QueryRowContext(ctx,
			`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = ?`, id).Scan)
		if err != nil {
			return nil, fmt.Errorf("scan leased delivery %s: %w", id, err)
		}
		leased = append(leased, delivery)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease transaction: %w", err)
	}
	return leased, nil
}

// ExtendWebhookLease pushes owner's lease on a delivery to now+leaseTTL.
func (s *Store) ExtendWebhookLease(ctx context.Context, id, owner string, now time.Time, leaseTTL time.Duration) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if leaseTTL <= 0 {
		return fmt.Errorf("lease ttl must be greater than zero")
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE webhook_deliveries
SET lease_expires_at = ?, updated_at = ?
WHERE id = ?
AND status = 'leased'
AND lease_owner = ?
`, toMillis(now.Add(leaseTTL)), toMillis(now), id, strings.TrimSpace(owner))
	if err != nil {
		return fmt.Errorf("extend webhook lease: %w", err)
	}
	return leaseHeld(result)
}

// RecordWebhookAttempt counts one delivery attempt and its outcome.
func (s *Store) RecordWebhookAttempt(ctx context.Context, id, owner string, statusCode int, lastError string, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE webhook_deliveries
SET attempt_count = attempt_count + 1, last_status_code = ?, last_error = ?, updated_at = ?
WHERE id = ?
AND status = 'leased'
AND lease_owner = ?
`, statusCode, lastError, toMillis(at), id, strings.TrimSpace(owner))
	if err != nil {
		return fmt.Errorf("record webhook attempt: %w", err)
	}
	return leaseHeld(result)
}

// CompleteWebhookDelivery moves a delivery to a terminal status and releases
// its lease.
func (s *Store) CompleteWebhookDelivery(ctx context.Context, id, owner string, status storage.DeliveryStatus, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if status != storage.DeliveryDelivered && status != storage.DeliveryFailed {
		return fmt.Errorf("status %q is not terminal", status)
	}
	var deliveredAt sql.NullInt64
	if status == storage.DeliveryDelivered {
		deliveredAt = sql.NullInt64{Int64: toMillis(at), Valid: true}
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE webhook_deliveries
SET status = ?, lease_owner = '', lease_expires_at = NULL, delivered_at = ?, updated_at = ?
WHERE id = ?
AND status = 'leased'
AND lease_owner = ?
`, string(status), deliveredAt, toMillis(at), id, strings.TrimSpace(owner))
	if err != nil {
		return fmt.Errorf("complete webhook delivery: %w", err)
	}
	return leaseHeld(result)
}

// leaseHeld maps a fenced update that touched no row to ErrLeaseLost.
func leaseHeld(result sql.Result) error {
	ok, err := affectedOne(result)
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrLeaseLost
	}
	return nil
}

func scanDelivery(scan func(dest ...any) error) (storage.WebhookDelivery, error) {
	var (
		delivery       storage.WebhookDelivery
		status         string
		nextAttemptAt  int64
		leaseExpiresAt sql.NullInt64
		deliveredAt    sql.NullInt64
		createdAt      int64
		updatedAt      int64
	)
	if err := scan(&delivery.ID, &delivery.WebhookID, &delivery.Event, &delivery.Payload, &status,
		&delivery.AttemptCount, &delivery.LastStatusCode, &delivery.LastError, &nextAttemptAt,
		&delivery.LeaseOwner, &leaseExpiresAt, &deliveredAt, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.WebhookDelivery{}, err
		}
		return storage.WebhookDelivery{}, fmt.Errorf("scan webhook delivery: %w", err)
	}
	delivery.Status = storage.DeliveryStatus(status)
	delivery.NextAttemptAt = fromMillis(nextAttemptAt)
	delivery.LeaseExpiresAt = fromNullMillis(leaseExpiresAt)
	delivery.DeliveredAt = fromNullMillis(deliveredAt)
	delivery.CreatedAt = fromMillis(createdAt)
	delivery.UpdatedAt = fromMillis(updatedAt)
	return delivery, nil
}
