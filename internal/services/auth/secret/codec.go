package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	"golang.org/x/crypto/hkdf"
)

// MinTokenBytes is the smallest random token accepted, 128 bits.
const MinTokenBytes = 16

// MinPepperBytes is the smallest server pepper accepted.
const MinPepperBytes = 32

var (
	// ErrTokenLength indicates a request for a token below MinTokenBytes.
	ErrTokenLength = apperrors.New(apperrors.CodeValidation, "token length below minimum entropy")
	// ErrPepperLength indicates a pepper that is too short to key the codec.
	ErrPepperLength = apperrors.New(apperrors.CodeValidation, "pepper must be at least 32 bytes")
	// ErrSealed indicates a sealed value that cannot be opened.
	ErrSealed = apperrors.New(apperrors.CodeValidation, "sealed value is malformed")
)

var rawURL = base64.RawURLEncoding

// GenerateToken returns byteLength cryptographically random bytes encoded as
// unpadded base64url.
func GenerateToken(byteLength int) (string, error) {
	if byteLength < MinTokenBytes {
		return "", ErrTokenLength
	}
	buf := make([]byte, byteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return rawURL.EncodeToString(buf), nil
}

// Equal compares two strings in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Codec hashes high-entropy tokens and seals recoverable secrets with keys
// derived from a server pepper.
type Codec struct {
	hashKey []byte
	aead    cipher.AEAD
}

// NewCodec derives the hashing and sealing keys from pepper.
func NewCodec(pepper []byte) (*Codec, error) {
	if len(pepper) < MinPepperBytes {
		return nil, ErrPepperLength
	}
	hashKey, err := deriveKey(pepper, "gatehouse token hash v1")
	if err != nil {
		return nil, err
	}
	sealKey, err := deriveKey(pepper, "gatehouse seal v1")
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(sealKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Codec{hashKey: hashKey, aead: aead}, nil
}

func deriveKey(pepper []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, pepper, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// HashToken returns the hex HMAC-SHA256 of token. The result is stable, so it
// can be used as a storage lookup key.
func (c *Codec) HashToken(token string) string {
	mac := hmac.New(sha256.New, c.hashKey)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyToken reports whether token hashes to hash.
func (c *Codec) VerifyToken(token, hash string) bool {
	expected, err := hex.DecodeString(hash)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, c.hashKey)
	mac.Write([]byte(token))
	return hmac.Equal(mac.Sum(nil), expected)
}

// Seal encrypts plaintext so it can be stored and later recovered with Open.
func (c *Codec) Seal(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return rawURL.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (c *Codec) Open(sealed string) (string, error) {
	raw, err := rawURL.DecodeString(sealed)
	if err != nil || len(raw) < c.aead.NonceSize() {
		return "", ErrSealed
	}
	nonce, body := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return "", ErrSealed
	}
	return string(plaintext), nil
}
