package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Delivery headers.
const (
	HeaderSignature = "X-Gatehouse-Signature"
	HeaderTimestamp = "X-Gatehouse-Timestamp"
	HeaderEvent     = "X-Gatehouse-Event"
	HeaderDelivery  = "X-Gatehouse-Delivery"
)

const signaturePrefix = "sha256="

// Sign returns the signature header value for payload sent at timestamp
// (unix seconds).
func Sign(secret string, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time. A non-zero tolerance
// also rejects timestamps further than tolerance from now.
func Verify(secret, timestampHeader string, payload []byte, signature string, now time.Time, tolerance time.Duration) bool {
	timestamp, err := strconv.ParseInt(strings.TrimSpace(timestampHeader), 10, 64)
	if err != nil {
		return false
	}
	if tolerance > 0 {
		skew := now.Sub(time.Unix(timestamp, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > tolerance {
			return false
		}
	}
	expected := Sign(secret, timestamp, payload)
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}
