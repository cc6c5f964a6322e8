package consent

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	"github.com/louisbranch/gatehouse/internal/services/auth/audit"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingSink) Record(_ context.Context, event audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCoversAfterGrant(t *testing.T) {
	store := openStore(t)
	ledger := NewLedger(store, store, nil)
	ctx := context.Background()

	_, err := ledger.Grant(ctx, "u", "c", []string{"read", "write"})
	require.NoError(t, err)

	ok, err := ledger.Covers(ctx, "u", "c", []string{"read"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ledger.Covers(ctx, "u", "c", []string{"admin"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = ledger.Covers(ctx, "u", "c", []string{"write", "read", "read"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetWithoutConsentIsEmpty(t *testing.T) {
	ledger := NewLedger(openStore(t), nil, nil)

	granted, err := ledger.Get(context.Background(), "u", "c")
	require.NoError(t, err)
	assert.Empty(t, granted)

	ok, err := ledger.Covers(context.Background(), "u", "c", []string{"read"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGrantNeverShrinks(t *testing.T) {
	ledger := NewLedger(openStore(t), nil, nil)
	ctx := context.Background()

	_, err := ledger.Grant(ctx, "u", "c", []string{"read", "write"})
	require.NoError(t, err)
	granted, err := ledger.Grant(ctx, "u", "c", []string{"email"})
	require.NoError(t, err)

	assert.Equal(t, []string{"email", "read", "write"}, granted.Sorted())
}

func TestGrantValidation(t *testing.T) {
	ledger := NewLedger(openStore(t), nil, nil)
	ctx := context.Background()

	_, err := ledger.Grant(ctx, "", "c", []string{"read"})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))

	_, err = ledger.Grant(ctx, "u", "c", []string{" "})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))
}

func TestRevokeDropsConsentAndTokens(t *testing.T) {
	store := openStore(t)
	sink := &recordingSink{}
	ledger := NewLedger(store, store, sink)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.PutToken(ctx, storage.Token{
		ID: "t1", TokenHash: "h1", Kind: storage.TokenKindRefresh, FamilyID: "f",
		ClientID: "c", UserID: "u", ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	}))
	_, err := ledger.Grant(ctx, "u", "c", []string{"read"})
	require.NoError(t, err)

	require.NoError(t, ledger.Revoke(ctx, "u", "c"))

	granted, err := ledger.Get(ctx, "u", "c")
	require.NoError(t, err)
	assert.Empty(t, granted)

	token, err := store.GetTokenByHash(ctx, "h1")
	require.NoError(t, err)
	assert.NotNil(t, token.RevokedAt)

	require.NoError(t, ledger.Revoke(ctx, "u", "c"))

	kinds := make([]audit.Kind, 0, len(sink.events))
	for _, event := range sink.events {
		kinds = append(kinds, event.Kind)
	}
	assert.Contains(t, kinds, audit.KindConsentGranted)
	assert.Contains(t, kinds, audit.KindConsentRevoked)
}
