package secret

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPepper() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := NewCodec(testPepper())
	require.NoError(t, err)
	return codec
}

func TestGenerateToken(t *testing.T) {
	t.Parallel()

	token, err := GenerateToken(32)
	require.NoError(t, err)
	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
	assert.NotContains(t, token, "=")

	other, err := GenerateToken(32)
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestGenerateTokenRejectsLowEntropy(t *testing.T) {
	t.Parallel()

	_, err := GenerateToken(8)
	require.ErrorIs(t, err, ErrTokenLength)
}

func TestNewCodecRejectsShortPepper(t *testing.T) {
	t.Parallel()

	_, err := NewCodec([]byte("short"))
	require.ErrorIs(t, err, ErrPepperLength)
}

func TestHashTokenVerify(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t)
	hash := codec.HashToken("code-value")

	assert.Equal(t, hash, codec.HashToken("code-value"), "hash must be stable for lookups")
	assert.True(t, codec.VerifyToken("code-value", hash))
	assert.False(t, codec.VerifyToken("code-valuf", hash))
	assert.False(t, codec.VerifyToken("code-value", "not-hex"))
	assert.NotContains(t, hash, "code-value")
}

func TestHashTokenDependsOnPepper(t *testing.T) {
	t.Parallel()

	first := newTestCodec(t)
	second, err := NewCodec([]byte(strings.Repeat("z", 32)))
	require.NoError(t, err)

	assert.NotEqual(t, first.HashToken("abc"), second.HashToken("abc"))
}

func TestSealOpen(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t)
	sealed, err := codec.Seal("whsec_secret")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "whsec_secret")

	opened, err := codec.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "whsec_secret", opened)

	_, err = codec.Open(sealed[:len(sealed)-2] + "AA")
	require.ErrorIs(t, err, ErrSealed)
	_, err = codec.Open("!")
	require.ErrorIs(t, err, ErrSealed)
}

func TestEqual(t *testing.T) {
	t.Parallel()

	assert.True(t, Equal("abc", "abc"))
	assert.False(t, Equal("abc", "abd"))
	assert.False(t, Equal("abc", "abcd"))
}
