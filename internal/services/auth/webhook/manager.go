// Package webhook manages signed outbound event subscriptions and their
// at-most-five-attempt delivery.
package webhook

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	"github.com/louisbranch/gatehouse/internal/platform/id"
	"github.com/louisbranch/gatehouse/internal/platform/timeouts"
	"github.com/louisbranch/gatehouse/internal/services/auth/scope"
	"github.com/louisbranch/gatehouse/internal/services/auth/secret"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
	"go.uber.org/zap"
)

const (
	secretScheme       = "whsec_"
	secretByteLength   = 32
	secretPrefixLength = 8
)

// Sealer seals signing secrets at rest and recovers them for signing.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Created is a new subscription. Secret is shown once.
type Created struct {
	Secret  string
	Webhook storage.Webhook
}

// Manager owns subscriptions and enqueues deliveries.
type Manager struct {
	store       storage.WebhookStore
	sealer      Sealer
	logger      *zap.Logger
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewManager builds a Manager.
func NewManager(store storage.WebhookStore, sealer Sealer, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:       store,
		sealer:      sealer,
		logger:      logger.Named("webhook"),
		clock:       time.Now,
		idGenerator: id.NewID,
	}
}

// Create registers a subscription for events ("*" matches every event).
func (m *Manager) Create(ctx context.Context, ownerID, target string, events []string) (*Created, error) {
	ctx, cancel := context.WithTimeout(ctx, timeouts.Storage)
	defer cancel()

	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "owner is required")
	}
	target, err := validateURL(target)
	if err != nil {
		return nil, err
	}
	events = scope.Normalize(events)
	if len(events) == 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "at least one event is required")
	}
	hookID, err := m.idGenerator()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnknown, "generate webhook id", err)
	}
	plain, prefix, sealed, err := m.newSecret()
	if err != nil {
		return nil, err
	}
	hook := storage.Webhook{
		ID:           hookID,
		OwnerID:      ownerID,
		URL:          target,
		Events:       events,
		SecretPrefix: prefix,
		SealedSecret: sealed,
		IsActive:     true,
		CreatedAt:    m.clock().UTC(),
	}
	if err := m.store.PutWebhook(ctx, hook); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstream, "store webhook", err)
	}
	m.logger.Info("webhook created", zap.String("webhook_id", hookID), zap.Strings("events", events))
	return &Created{Secret: plain, Webhook: hook}, nil
}

// RotateSecret replaces the signing secret and returns the new one.
// Deliveries signed after the call use the new secret.
func (m *Manager) RotateSecret(ctx context.Context, webhookID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeouts.Storage)
	defer cancel()

	webhookID = strings.TrimSpace(webhookID)
	if webhookID == "" {
		return "", apperrors.New(apperrors.CodeValidation, "webhook id is required")
	}
	plain, prefix, sealed, err := m.newSecret()
	if err != nil {
		return "", err
	}
	if err := m.store.ReplaceWebhookSecret(ctx, webhookID, prefix, sealed); err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return "", apperrors.New(apperrors.CodeNotFound, "webhook not found")
		}
		return "", apperrors.Wrap(apperrors.CodeUpstream, "rotate webhook secret", err)
	}
	m.logger.Info("webhook secret rotated", zap.String("webhook_id", webhookID), zap.String("prefix", prefix))
	return plain, nil
}

// Enqueue stores one pending delivery per active subscription to event and
// returns their ids. payload is JSON encoded unless it is already []byte.
func (m *Manager) Enqueue(ctx context.Context, event string, payload any) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeouts.Storage)
	defer cancel()

	event = strings.TrimSpace(event)
	if event == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "event is required")
	}
	body, ok := payload.([]byte)
	if !ok {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeValidation, "encode webhook payload", err)
		}
	}
	hooks, err := m.store.ListWebhooksForEvent(ctx, event)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstream, "list webhooks", err)
	}
	now := m.clock().UTC()
	ids := make([]string, 0, len(hooks))
	for _, hook := range hooks {
		deliveryID, err := m.idGenerator()
		if err != nil {
			return ids, apperrors.Wrap(apperrors.CodeUnknown, "generate delivery id", err)
		}
		delivery := storage.WebhookDelivery{
			ID:            deliveryID,
			WebhookID:     hook.ID,
			Event:         event,
			Payload:       body,
			Status:        storage.DeliveryPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := m.store.EnqueueWebhookDelivery(ctx, delivery); err != nil {
			return ids, apperrors.Wrap(apperrors.CodeUpstream, "enqueue webhook delivery", err)
		}
		ids = append(ids, deliveryID)
	}
	return ids, nil
}

func (m *Manager) newSecret() (plain, prefix, sealed string, err error) {
	body, err := secret.GenerateToken(secretByteLength)
	if err != nil {
		return "", "", "", apperrors.Wrap(apperrors.CodeUnknown, "generate webhook secret", err)
	}
	plain = secretScheme + body
	prefix = plain[:len(secretScheme)+secretPrefixLength]
	sealed, err = m.sealer.Seal(plain)
	if err != nil {
		return "", "", "", apperrors.Wrap(apperrors.CodeUnknown, "seal webhook secret", err)
	}
	return plain, prefix, sealed, nil
}

func validateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "https" && parsed.Scheme != "http") {
		return "", apperrors.New(apperrors.CodeValidation, "webhook url must be an absolute http(s) url")
	}
	return parsed.String(), nil
}
