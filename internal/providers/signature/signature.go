// Package signature computes and compares webhook HMAC digests.
package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// SHA1Base64 returns base64(HMAC-SHA1(key, body)).
func SHA1Base64(key, body []byte) string {
	mac := hmac.New(sha1.New, key)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SHA256Hex returns hex(HMAC-SHA256(key, body)).
func SHA256Hex(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Equal compares an expected digest with a received one in constant time.
// Hex digests are compared case-insensitively.
func Equal(expected, received string) bool {
	received = strings.TrimSpace(received)
	if expected == "" || received == "" {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(received)) ||
		hmac.Equal([]byte(strings.ToLower(expected)), []byte(strings.ToLower(received)))
}

// VerifySHA256Hex checks a hex HMAC-SHA256 header value. An empty secret
// never verifies.
func VerifySHA256Hex(secret string, body []byte, received string) bool {
	if secret == "" {
		return false
	}
	received = strings.TrimPrefix(strings.TrimSpace(received), "sha256=")
	return Equal(SHA256Hex([]byte(secret), body), received)
}

// VerifySHA1Base64 checks a base64 HMAC-SHA1 header value. An empty key
// never verifies.
func VerifySHA1Base64(key string, body []byte, received string) bool {
	if key == "" {
		return false
	}
	return hmac.Equal([]byte(SHA1Base64([]byte(key), body)), []byte(strings.TrimSpace(received)))
}
