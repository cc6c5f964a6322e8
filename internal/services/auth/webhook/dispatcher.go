package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	"github.com/louisbranch/gatehouse/internal/platform/timeouts"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
	"go.uber.org/zap"
)

const maxErrorBody = 256

// ErrDeliveryFailed is returned once a delivery is marked failed.
var ErrDeliveryFailed = apperrors.New(apperrors.CodeUpstream, "webhook delivery failed")

// Dispatcher posts signed deliveries with bounded exponential backoff.
type Dispatcher struct {
	store  storage.WebhookStore
	sealer Sealer
	client *http.Client
	config Config
	logger *zap.Logger
	clock  func() time.Time
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHTTPClient overrides the outbound client. Its timeout is left as is.
func WithHTTPClient(client *http.Client) DispatcherOption {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger.Named("webhook")
		}
	}
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(store storage.WebhookStore, sealer Sealer, cfg Config, opts ...DispatcherOption) *Dispatcher {
	cfg = cfg.normalized()
	d := &Dispatcher{
		store:  store,
		sealer: sealer,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		config: cfg,
		logger: zap.NewNop(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deliver posts delivery until it succeeds, hits a permanent failure, or
// exhausts its attempts. Every attempt is recorded before the next one.
//
// delivery must be leased; its LeaseOwner fences every write, and the lease
// is renewed before each attempt. Once the lease is lost Deliver stops and
// returns storage.ErrLeaseLost without touching the delivery again.
func (d *Dispatcher) Deliver(ctx context.Context, delivery storage.WebhookDelivery) error {
	logger := d.logger.With(zap.String("delivery_id", delivery.ID), zap.String("webhook_id", delivery.WebhookID))

	hook, err := d.loadWebhook(ctx, delivery.WebhookID)
	if err != nil {
		return err
	}
	if !hook.IsActive {
		logger.Info("webhook inactive, dropping delivery")
		return d.fail(ctx, delivery)
	}
	signingSecret, err := d.sealer.Open(hook.SealedSecret)
	if err != nil {
		logger.Error("open webhook secret", zap.Error(err))
		return d.fail(ctx, delivery)
	}

	remaining := d.config.MaxAttempts - delivery.AttemptCount
	if remaining <= 0 {
		return d.fail(ctx, delivery)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.config.InitialInterval
	policy.MaxInterval = d.config.MaxInterval
	policy.Multiplier = 2
	policy.Reset()

	attempt := func() (int, error) {
		if err := d.renew(ctx, delivery); err != nil {
			return 0, backoff.Permanent(err)
		}
		status, sendErr := d.send(ctx, hook, delivery, signingSecret)
		if err := d.record(ctx, delivery, status, sendErr); err != nil {
			if errors.Is(err, storage.ErrLeaseLost) {
				return status, backoff.Permanent(err)
			}
			logger.Warn("record webhook attempt", zap.Error(err))
		}
		if sendErr != nil {
			var permanent *permanentError
			if errors.As(sendErr, &permanent) {
				return status, backoff.Permanent(sendErr)
			}
			return status, sendErr
		}
		return status, nil
	}
	_, err = backoff.Retry(ctx, attempt,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(remaining)), // #nosec G115 -- remaining is positive and at most MaxAttempts
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Debug("retrying webhook delivery", zap.Error(err), zap.Duration("wait", wait))
		}),
	)
	if errors.Is(err, storage.ErrLeaseLost) {
		logger.Info("webhook lease lost, leaving delivery to its new owner")
		return storage.ErrLeaseLost
	}
	if err != nil {
		logger.Warn("webhook delivery failed", zap.Error(err))
		if completeErr := d.complete(ctx, delivery, storage.DeliveryFailed); completeErr != nil {
			return completeErr
		}
		return apperrors.Wrap(apperrors.CodeUpstream, ErrDeliveryFailed.Message, err)
	}
	logger.Info("webhook delivered")
	return d.complete(ctx, delivery, storage.DeliveryDelivered)
}

type permanentError struct {
	status int
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("receiver rejected delivery with status %d", e.status)
}

func (d *Dispatcher) send(ctx context.Context, hook storage.Webhook, delivery storage.WebhookDelivery, signingSecret string) (int, error) {
	timestamp := d.clock().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Gatehouse-Webhook/1")
	req.Header.Set(HeaderEvent, delivery.Event)
	req.Header.Set(HeaderDelivery, delivery.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(timestamp, 10))
	req.Header.Set(HeaderSignature, Sign(signingSecret, timestamp, delivery.Payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
			// The wait must stay inside one lease renewal.
			return resp.StatusCode, backoff.RetryAfter(min(seconds, int(d.config.MaxInterval/time.Second)))
		}
		return resp.StatusCode, fmt.Errorf("receiver throttled delivery")
	case resp.StatusCode >= 500:
		return resp.StatusCode, fmt.Errorf("receiver returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	default:
		return resp.StatusCode, &permanentError{status: resp.StatusCode}
	}
}

func (d *Dispatcher) record(ctx context.Context, delivery storage.WebhookDelivery, status int, sendErr error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Storage)
	defer cancel()

	lastError := ""
	if sendErr != nil {
		lastError = sendErr.Error()
	}
	return d.store.RecordWebhookAttempt(ctx, delivery.ID, delivery.LeaseOwner, status, lastError, d.clock().UTC())
}

// renew extends the lease so it covers the coming attempt and the wait
// after it.
func (d *Dispatcher) renew(ctx context.Context, delivery storage.WebhookDelivery) error {
	ctx, cancel := context.WithTimeout(ctx, timeouts.Storage)
	defer cancel()

	if err := d.store.ExtendWebhookLease(ctx, delivery.ID, delivery.LeaseOwner, d.clock().UTC(), d.config.LeaseTTL); err != nil {
		if errors.Is(err, storage.ErrLeaseLost) {
			return storage.ErrLeaseLost
		}
		return apperrors.Wrap(apperrors.CodeUpstream, "extend webhook lease", err)
	}
	return nil
}

func (d *Dispatcher) loadWebhook(ctx context.Context, webhookID string) (storage.Webhook, error) {
	ctx, cancel := context.WithTimeout(ctx, timeouts.Storage)
	defer cancel()

	hook, err := d.store.GetWebhook(ctx, webhookID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return storage.Webhook{}, apperrors.New(apperrors.CodeNotFound, "webhook not found")
		}
		return storage.Webhook{}, apperrors.Wrap(apperrors.CodeUpstream, "load webhook", err)
	}
	return hook, nil
}

func (d *Dispatcher) complete(ctx context.Context, delivery storage.WebhookDelivery, status storage.DeliveryStatus) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Storage)
	defer cancel()

	if err := d.store.CompleteWebhookDelivery(ctx, delivery.ID, delivery.LeaseOwner, status, d.clock().UTC()); err != nil {
		if errors.Is(err, storage.ErrLeaseLost) {
			return storage.ErrLeaseLost
		}
		return apperrors.Wrap(apperrors.CodeUpstream, "complete webhook delivery", err)
	}
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, delivery storage.WebhookDelivery) error {
	if err := d.complete(ctx, delivery, storage.DeliveryFailed); err != nil {
		return err
	}
	return ErrDeliveryFailed
}
