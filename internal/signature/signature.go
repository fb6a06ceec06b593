// Package signature authenticates webhook deliveries signed with
// HMAC-SHA256 over the raw request body ("sha256=<hex>" headers).
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	Header = "X-Hub-Signature-256"
	prefix = "sha256="
)

// Verify fails closed: a missing secret, a missing or malformed header and a
// digest mismatch all return false. The header must match the lower-case
// form Sign produces byte for byte.
func Verify(rawBody []byte, header string, secret []byte) bool {
	if len(secret) == 0 {
		return false
	}
	provided, ok := strings.CutPrefix(header, prefix)
	if !ok {
		return false
	}
	want := hex.EncodeToString(digest(rawBody, secret))
	return hmac.Equal([]byte(provided), []byte(want))
}

// Sign returns the header value a platform would send for rawBody.
func Sign(rawBody []byte, secret []byte) string {
	return prefix + hex.EncodeToString(digest(rawBody, secret))
}

func digest(body, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}
