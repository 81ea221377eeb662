package providerhttp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

// VerifyHMACSHA256 checks a hex-encoded HMAC-SHA256 of body under secret in
// constant time.
func VerifyHMACSHA256(body []byte, secret, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return driven.ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return driven.ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return driven.ErrInvalidSignature
	}
	return nil
}

// SignHMACSHA256 returns the hex HMAC-SHA256 of body under secret.
func SignHMACSHA256(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// EqualSecret compares a shared-secret header value in constant time.
func EqualSecret(got, want string) bool {
	return hmac.Equal([]byte(got), []byte(want))
}
