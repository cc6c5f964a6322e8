package apikey

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	"github.com/louisbranch/gatehouse/internal/services/auth/secret"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) (*Manager, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	codec, err := secret.NewCodec([]byte(strings.Repeat("p", secret.MinPepperBytes)))
	require.NoError(t, err)
	return NewManager(store, codec, nil, nil), store
}

func TestCreateShowsKeyOnce(t *testing.T) {
	manager, store := newManager(t)
	ctx := context.Background()

	created, err := manager.Create(ctx, "admin-1", "ci", []string{"admin", "admin"})
	require.NoError(t, err)

	prefix, ok := ParsePrefix(created.Key)
	require.True(t, ok)
	assert.Equal(t, prefix, created.APIKey.KeyPrefix)
	assert.Len(t, prefix, len("gh_")+8)
	assert.Equal(t, []string{"admin"}, created.APIKey.Scopes)

	stored, err := store.GetAPIKey(ctx, created.APIKey.ID)
	require.NoError(t, err)
	assert.NotContains(t, stored.KeyHash, created.Key)
	assert.NotEqual(t, created.Key, stored.KeyHash)
}

func TestVerify(t *testing.T) {
	manager, _ := newManager(t)
	ctx := context.Background()
	created, err := manager.Create(ctx, "admin-1", "ci", nil)
	require.NoError(t, err)

	got, err := manager.Verify(ctx, created.Key)
	require.NoError(t, err)
	assert.Equal(t, created.APIKey.ID, got.ID)
	assert.NotNil(t, got.LastUsedAt)

	tampered := created.Key[:len(created.Key)-1] + "A"
	if tampered == created.Key {
		tampered = created.Key[:len(created.Key)-1] + "B"
	}
	tests := []string{
		"",
		"not-a-key",
		"gh_short",
		created.APIKey.KeyPrefix + "_",
		"gh_zzzzzzzz_" + strings.Repeat("x", 43),
		tampered,
	}
	for _, presented := range tests {
		_, err := manager.Verify(ctx, presented)
		require.Error(t, err, presented)
		assert.ErrorIs(t, err, ErrInvalidKey)
	}
}

func TestRotateInvalidatesOldKey(t *testing.T) {
	manager, _ := newManager(t)
	ctx := context.Background()
	created, err := manager.Create(ctx, "admin-1", "ci", nil)
	require.NoError(t, err)

	rotated, err := manager.Rotate(ctx, created.APIKey.ID)
	require.NoError(t, err)
	assert.NotEqual(t, created.Key, rotated.Key)

	_, err = manager.Verify(ctx, created.Key)
	assert.ErrorIs(t, err, ErrInvalidKey)
	got, err := manager.Verify(ctx, rotated.Key)
	require.NoError(t, err)
	assert.Equal(t, created.APIKey.ID, got.ID)
}

func TestRevoke(t *testing.T) {
	manager, _ := newManager(t)
	ctx := context.Background()
	created, err := manager.Create(ctx, "admin-1", "ci", nil)
	require.NoError(t, err)

	require.NoError(t, manager.Revoke(ctx, created.APIKey.ID))
	require.NoError(t, manager.Revoke(ctx, created.APIKey.ID))

	_, err = manager.Verify(ctx, created.Key)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = manager.Rotate(ctx, created.APIKey.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))

	err = manager.Revoke(ctx, "missing")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}

func TestCreateValidation(t *testing.T) {
	manager, _ := newManager(t)
	_, err := manager.Create(context.Background(), "", "ci", nil)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))
	_, err = manager.Create(context.Background(), "admin", " ", nil)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))
}
