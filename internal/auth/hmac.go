package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// Header names of the signed-request contract.
const (
	HeaderAPIKey    = "X-API-Key"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

var (
	// ErrBadTimestamp means the timestamp header is missing or not an
	// integer.
	ErrBadTimestamp = errors.New("auth: bad timestamp")
	// ErrTimestampOutOfRange means the timestamp is outside the
	// tolerance window; the signature is not even checked.
	ErrTimestampOutOfRange = errors.New("auth: timestamp out of range")
	// ErrBadSignature means the signature is missing or does not match.
	ErrBadSignature = errors.New("auth: bad signature")
)

// Authenticator verifies HMAC-signed requests. The raw API key is the
// MAC secret: possession of the key is both the thing being proven and
// the signing secret.
type Authenticator struct {
	tolerance time.Duration
	now       func() time.Time
}

func NewAuthenticator(tolerance time.Duration) *Authenticator {
	if tolerance <= 0 {
		tolerance = 300 * time.Second
	}
	return &Authenticator{
		tolerance: tolerance,
		now:       time.Now,
	}
}

// VerifyRequest checks timestamp freshness first, then the signature
// over "timestamp:body". The window is inclusive at both edges:
// |skew| == tolerance is accepted, one second past is not.
func (a *Authenticator) VerifyRequest(rawKey, timestamp, signature string, body []byte) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrBadTimestamp
	}

	skew := a.now().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(a.tolerance/time.Second) {
		// replay of an old capture, or a badly skewed clock; the
		// signature is irrelevant either way
		return ErrTimestampOutOfRange
	}

	if signature == "" {
		return ErrBadSignature
	}
	expected := Sign(rawKey, timestamp, body)
	if !constantTimeEqual(signature, expected) {
		return ErrBadSignature
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of "timestamp:body" under rawKey.
// Exported so the CLI collaborator and tests build identical requests.
func Sign(rawKey, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(rawKey))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(":"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// constantTimeEqual compares two strings in constant time regardless
// of their lengths by comparing fixed-size digests.
func constantTimeEqual(a, b string) bool {
	da := sha256.Sum256([]byte(a))
	db := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(da[:], db[:]) == 1
}
