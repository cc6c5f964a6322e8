package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/gatehouse/internal/platform/id"
	"github.com/louisbranch/gatehouse/internal/platform/timeouts"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
	"go.uber.org/zap"
)

// Worker leases due deliveries and hands them to a Dispatcher.
type Worker struct {
	store      storage.WebhookStore
	dispatcher *Dispatcher
	config     Config
	owner      string
	logger     *zap.Logger
	clock      func() time.Time
}

// NewWorker builds a Worker with a unique lease owner.
func NewWorker(store storage.WebhookStore, dispatcher *Dispatcher, cfg Config, logger *zap.Logger) (*Worker, error) {
	owner, err := id.NewID()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:      store,
		dispatcher: dispatcher,
		config:     cfg.normalized(),
		owner:      "webhook-worker-" + owner,
		logger:     logger.Named("webhook.worker"),
		clock:      time.Now,
	}, nil
}

// Run polls until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("webhook poll", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce leases one batch and delivers it sequentially. It returns how many
// deliveries succeeded. A delivery whose lease lapsed and was taken by
// another worker while earlier ones ran is skipped.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	leaseCtx, cancel := context.WithTimeout(ctx, timeouts.Storage)
	leased, err := w.store.LeaseWebhookDeliveries(leaseCtx, w.owner, w.config.BatchSize, w.clock().UTC(), w.config.LeaseTTL)
	cancel()
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, delivery := range leased {
		if ctx.Err() != nil {
			break
		}
		if err := w.dispatcher.Deliver(ctx, delivery); err != nil {
			if errors.Is(err, storage.ErrLeaseLost) {
				w.logger.Info("delivery lease taken over", zap.String("delivery_id", delivery.ID))
				continue
			}
			w.logger.Debug("delivery not completed", zap.String("delivery_id", delivery.ID), zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered, nil
}
