// Package audit records security-relevant events as structured logs and
// Prometheus counters.
package audit

import (
	"context"
	"errors"

	"github.com/louisbranch/gatehouse/internal/platform/requestctx"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Kind names a security event.
type Kind string

const (
	KindCodeReplay           Kind = "code_replay"
	KindRefreshReuse         Kind = "refresh_reuse"
	KindCounterRegression    Kind = "counter_regression"
	KindIPDenied             Kind = "ip_denied"
	KindLoginFailed          Kind = "login_failed"
	KindLoginLocked          Kind = "login_locked"
	KindCredentialRegistered Kind = "credential_registered"
	KindCredentialRevoked    Kind = "credential_revoked"
	KindTokenRevoked         Kind = "token_revoked"
	KindConsentGranted       Kind = "consent_granted"
	KindConsentRevoked       Kind = "consent_revoked"
	KindAPIKeyRejected       Kind = "api_key_rejected"
)

// Severity grades an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one audit record. IP defaults to the client address in context.
type Event struct {
	Kind         Kind
	Severity     Severity
	UserID       string
	ClientID     string
	CredentialID string
	IP           string
	Detail       string
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, event Event)
}

type discard struct{}

func (discard) Record(context.Context, Event) {}

// Discard returns a sink that drops every event.
func Discard() Sink {
	return discard{}
}

// OrDiscard returns sink, or Discard when it is nil.
func OrDiscard(sink Sink) Sink {
	if sink == nil {
		return Discard()
	}
	return sink
}

type fanout []Sink

func (f fanout) Record(ctx context.Context, event Event) {
	for _, sink := range f {
		sink.Record(ctx, event)
	}
}

// Fanout returns a sink that forwards each event to every non-nil sink in
// order.
func Fanout(sinks ...Sink) Sink {
	out := make(fanout, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			out = append(out, sink)
		}
	}
	return out
}

// Recorder logs events with zap and counts them per kind and severity.
type Recorder struct {
	logger *zap.Logger
	events *prometheus.CounterVec
}

// NewRecorder builds a Recorder and registers its counter with registerer.
// An already registered counter is reused.
func NewRecorder(logger *zap.Logger, registerer prometheus.Registerer) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatehouse",
		Name:      "security_events_total",
		Help:      "Security-relevant events by kind and severity.",
	}, []string{"kind", "severity"})

	if registerer != nil {
		if err := registerer.Register(events); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, err
			}
			existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				return nil, err
			}
			events = existing
		}
	}
	return &Recorder{logger: logger.Named("audit"), events: events}, nil
}

// Record logs event and increments its counter.
func (r *Recorder) Record(ctx context.Context, event Event) {
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if event.IP == "" {
		event.IP = requestctx.ClientIPFromContext(ctx)
	}
	r.events.WithLabelValues(string(event.Kind), string(event.Severity)).Inc()

	fields := []zap.Field{
		zap.String("event", string(event.Kind)),
		zap.String("severity", string(event.Severity)),
	}
	if event.UserID != "" {
		fields = append(fields, zap.String("user_id", event.UserID))
	}
	if event.ClientID != "" {
		fields = append(fields, zap.String("client_id", event.ClientID))
	}
	if event.CredentialID != "" {
		fields = append(fields, zap.String("credential_id", event.CredentialID))
	}
	if event.IP != "" {
		fields = append(fields, zap.String("ip", event.IP))
	}
	if event.Detail != "" {
		fields = append(fields, zap.String("detail", event.Detail))
	}

	switch event.Severity {
	case SeverityCritical:
		r.logger.Error("security event", fields...)
	case SeverityWarning:
		r.logger.Warn("security event", fields...)
	default:
		r.logger.Info("security event", fields...)
	}
}
