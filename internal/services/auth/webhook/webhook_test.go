package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	"github.com/louisbranch/gatehouse/internal/services/auth/audit"
	"github.com/louisbranch/gatehouse/internal/services/auth/secret"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *sqlite.Store
	codec   *secret.Codec
	manager *Manager
	config  Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	codec, err := secret.NewCodec([]byte(strings.Repeat("w", secret.MinPepperBytes)))
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.InitialInterval = time.Millisecond
	cfg.MaxInterval = 2 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	return &fixture{store: store, codec: codec, manager: NewManager(store, codec, nil), config: cfg}
}

func (f *fixture) subscribe(t *testing.T, target string, events ...string) *Created {
	t.Helper()
	created, err := f.manager.Create(context.Background(), "admin-1", target, events)
	require.NoError(t, err)
	return created
}

func (f *fixture) enqueue(t *testing.T, event string) storage.WebhookDelivery {
	t.Helper()
	ids, err := f.manager.Enqueue(context.Background(), event, map[string]string{"hello": "world"})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	delivery, err := f.store.GetWebhookDelivery(context.Background(), ids[0])
	require.NoError(t, err)
	return delivery
}

const testOwner = "test-worker"

// leased enqueues event for every subscription and leases the single
// resulting delivery to testOwner.
func (f *fixture) leased(t *testing.T, event string) storage.WebhookDelivery {
	t.Helper()
	f.enqueue(t, event)
	leased, err := f.store.LeaseWebhookDeliveries(context.Background(), testOwner, 10, time.Now().UTC(), f.config.LeaseTTL)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	return leased[0]
}

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"a":1}`)
	now := time.Unix(1_700_000_000, 0)
	signature := Sign("whsec_test", now.Unix(), payload)
	assert.True(t, strings.HasPrefix(signature, "sha256="))
	assert.Len(t, signature, len("sha256=")+64)

	assert.True(t, Verify("whsec_test", "1700000000", payload, signature, now, time.Minute))
	assert.False(t, Verify("whsec_other", "1700000000", payload, signature, now, time.Minute))
	assert.False(t, Verify("whsec_test", "1700000000", []byte(`{"a":2}`), signature, now, time.Minute))
	assert.False(t, Verify("whsec_test", "1700000000", payload, signature, now.Add(10*time.Minute), time.Minute))
	assert.False(t, Verify("whsec_test", "nope", payload, signature, now, 0))
	assert.True(t, Verify("whsec_test", "1700000000", payload, signature, now.Add(time.Hour), 0))
}

func TestCreateSealsSecret(t *testing.T) {
	f := newFixture(t)
	created := f.subscribe(t, "https://example.com/hook", "security.code_replay")

	assert.True(t, strings.HasPrefix(created.Secret, "whsec_"))
	assert.Equal(t, created.Secret[:len("whsec_")+8], created.Webhook.SecretPrefix)

	stored, err := f.store.GetWebhook(context.Background(), created.Webhook.ID)
	require.NoError(t, err)
	assert.NotContains(t, stored.SealedSecret, created.Secret)
	opened, err := f.codec.Open(stored.SealedSecret)
	require.NoError(t, err)
	assert.Equal(t, created.Secret, opened)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, target := range []string{"", "ftp://example.com", "/relative", "https://"} {
		_, err := f.manager.Create(ctx, "admin-1", target, []string{"*"})
		assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation), target)
	}
	_, err := f.manager.Create(ctx, "admin-1", "https://example.com", nil)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))
}

func TestRotateSecret(t *testing.T) {
	f := newFixture(t)
	created := f.subscribe(t, "https://example.com/hook", "*")

	rotated, err := f.manager.RotateSecret(context.Background(), created.Webhook.ID)
	require.NoError(t, err)
	assert.NotEqual(t, created.Secret, rotated)

	stored, err := f.store.GetWebhook(context.Background(), created.Webhook.ID)
	require.NoError(t, err)
	opened, err := f.codec.Open(stored.SealedSecret)
	require.NoError(t, err)
	assert.Equal(t, rotated, opened)

	_, err = f.manager.RotateSecret(context.Background(), "missing")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}

func TestEnqueueMatchesSubscriptions(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "https://a.example.com", "security.code_replay")
	f.subscribe(t, "https://b.example.com", "*")
	f.subscribe(t, "https://c.example.com", "security.ip_denied")

	ids, err := f.manager.Enqueue(context.Background(), "security.code_replay", []byte(`{}`))
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestDeliverSignsRequest(t *testing.T) {
	f := newFixture(t)
	var got *http.Request
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	created := f.subscribe(t, server.URL, "user.created")
	delivery := f.leased(t, "user.created")

	dispatcher := NewDispatcher(f.store, f.codec, f.config)
	require.NoError(t, dispatcher.Deliver(context.Background(), delivery))

	require.NotNil(t, got)
	assert.Equal(t, "user.created", got.Header.Get(HeaderEvent))
	assert.Equal(t, delivery.ID, got.Header.Get(HeaderDelivery))
	assert.True(t, Verify(created.Secret, got.Header.Get(HeaderTimestamp), body, got.Header.Get(HeaderSignature), time.Now(), time.Minute))

	stored, err := f.store.GetWebhookDelivery(context.Background(), delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.DeliveryDelivered, stored.Status)
	assert.Equal(t, 1, stored.AttemptCount)
	assert.NotNil(t, stored.DeliveredAt)
}

func TestDeliverRetriesAtMostFiveTimes(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	f.subscribe(t, server.URL, "*")
	delivery := f.leased(t, "user.created")

	err := NewDispatcher(f.store, f.codec, f.config).Deliver(context.Background(), delivery)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeUpstream))
	assert.Equal(t, int32(MaxAttempts), calls.Load())

	stored, err := f.store.GetWebhookDelivery(context.Background(), delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.DeliveryFailed, stored.Status)
	assert.Equal(t, MaxAttempts, stored.AttemptCount)
	assert.Equal(t, http.StatusBadGateway, stored.LastStatusCode)
	assert.Contains(t, stored.LastError, "502")
}

func TestDeliverRecoversAfterTransientFailure(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f.subscribe(t, server.URL, "*")
	delivery := f.leased(t, "user.created")

	require.NoError(t, NewDispatcher(f.store, f.codec, f.config).Deliver(context.Background(), delivery))
	stored, err := f.store.GetWebhookDelivery(context.Background(), delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.DeliveryDelivered, stored.Status)
	assert.Equal(t, 3, stored.AttemptCount)
}

func TestDeliverClientErrorIsPermanent(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	f.subscribe(t, server.URL, "*")
	delivery := f.leased(t, "user.created")

	err := NewDispatcher(f.store, f.codec, f.config).Deliver(context.Background(), delivery)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	stored, err := f.store.GetWebhookDelivery(context.Background(), delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.DeliveryFailed, stored.Status)
	assert.Equal(t, 1, stored.AttemptCount)
	assert.Equal(t, http.StatusGone, stored.LastStatusCode)
}

func TestWorkerRunOnce(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	f.subscribe(t, server.URL, "*")
	f.enqueue(t, "user.created")
	f.enqueue(t, "user.deactivated")

	worker, err := NewWorker(f.store, NewDispatcher(f.store, f.codec, f.config), f.config, nil)
	require.NoError(t, err)

	delivered, err := worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)

	delivered, err = worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDeliverRequiresLease(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f.subscribe(t, server.URL, "*")
	delivery := f.leased(t, "user.created")
	delivery.LeaseOwner = "someone-else"

	err := NewDispatcher(f.store, f.codec, f.config).Deliver(context.Background(), delivery)
	require.ErrorIs(t, err, storage.ErrLeaseLost)
	assert.Zero(t, calls.Load())

	stored, err := f.store.GetWebhookDelivery(context.Background(), delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.DeliveryLeased, stored.Status)
	assert.Equal(t, testOwner, stored.LeaseOwner)
	assert.Zero(t, stored.AttemptCount)
}

func TestWorkerSkipsDeliveryTakenOverMidBatch(t *testing.T) {
	f := newFixture(t)
	leasedAt := time.Now().UTC()
	renewedAt := leasedAt.Add(time.Hour)

	var calls atomic.Int32
	stolenCh := make(chan []storage.WebhookDelivery, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// The batch lease has lapsed for everything not yet renewed.
			stolen, err := f.store.LeaseWebhookDeliveries(r.Context(), "other-worker", 10, leasedAt.Add(30*time.Minute), time.Hour)
			if err != nil {
				t.Errorf("steal lease: %v", err)
			}
			stolenCh <- stolen
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f.subscribe(t, server.URL, "*")
	f.enqueue(t, "user.created")
	f.enqueue(t, "user.deactivated")

	dispatcher := NewDispatcher(f.store, f.codec, f.config)
	dispatcher.clock = func() time.Time { return renewedAt }
	worker, err := NewWorker(f.store, dispatcher, f.config, nil)
	require.NoError(t, err)
	worker.clock = func() time.Time { return leasedAt }

	delivered, err := worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, int32(1), calls.Load())

	stolen := <-stolenCh
	require.Len(t, stolen, 1)
	taken, err := f.store.GetWebhookDelivery(context.Background(), stolen[0].ID)
	require.NoError(t, err)
	assert.Equal(t, storage.DeliveryLeased, taken.Status)
	assert.Equal(t, "other-worker", taken.LeaseOwner)
	assert.Zero(t, taken.AttemptCount)
}

func TestAuditForwarder(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "https://example.com/hook", "security.code_replay")

	forwarder := NewAuditForwarder(f.manager, nil)
	forwarder.Record(context.Background(), audit.Event{Kind: audit.KindCodeReplay, Severity: audit.SeverityCritical, ClientID: "app"})

	leased, err := f.store.LeaseWebhookDeliveries(context.Background(), "test", 10, time.Now().UTC(), time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, "security.code_replay", leased[0].Event)
	assert.Contains(t, string(leased[0].Payload), `"client_id":"app"`)
}

func TestConfigNormalization(t *testing.T) {
	cfg := Config{MaxAttempts: 12}.normalized()
	assert.Equal(t, MaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.InitialInterval)
	assert.Equal(t, 30*time.Second, cfg.MaxInterval)

	assert.GreaterOrEqual(t, cfg.LeaseTTL, cfg.RequestTimeout+cfg.MaxInterval)
	short := Config{LeaseTTL: time.Second, RequestTimeout: 10 * time.Second, MaxInterval: 30 * time.Second}.normalized()
	assert.Greater(t, short.LeaseTTL, 40*time.Second)

	t.Setenv("GATEHOUSE_WEBHOOK_MAX_ATTEMPTS", "3")
	t.Setenv("GATEHOUSE_WEBHOOK_BATCH_SIZE", "7")
	loaded := LoadConfigFromEnv()
	assert.Equal(t, 3, loaded.MaxAttempts)
	assert.Equal(t, 7, loaded.BatchSize)
}
