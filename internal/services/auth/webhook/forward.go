package webhook

import (
	"context"
	"time"

	"github.com/louisbranch/gatehouse/internal/services/auth/audit"
	"go.uber.org/zap"
)

// AuditForwarder turns security events into "security.<kind>" deliveries.
type AuditForwarder struct {
	manager *Manager
	logger  *zap.Logger
}

// NewAuditForwarder builds an audit sink backed by manager.
func NewAuditForwarder(manager *Manager, logger *zap.Logger) *AuditForwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditForwarder{manager: manager, logger: logger.Named("webhook")}
}

type securityPayload struct {
	Event        string    `json:"event"`
	Severity     string    `json:"severity"`
	UserID       string    `json:"user_id,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`
	CredentialID string    `json:"credential_id,omitempty"`
	IP           string    `json:"ip,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Record enqueues event for every subscribed webhook. Failures are logged.
func (f *AuditForwarder) Record(ctx context.Context, event audit.Event) {
	name := "security." + string(event.Kind)
	payload := securityPayload{
		Event:        name,
		Severity:     string(event.Severity),
		UserID:       event.UserID,
		ClientID:     event.ClientID,
		CredentialID: event.CredentialID,
		IP:           event.IP,
		OccurredAt:   f.manager.clock().UTC(),
	}
	if _, err := f.manager.Enqueue(context.WithoutCancel(ctx), name, payload); err != nil {
		f.logger.Warn("forward security event", zap.String("event", name), zap.Error(err))
	}
}
