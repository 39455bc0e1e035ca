package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignaturePrefix is the scheme prefix carried in X-Webhook-Signature.
const SignaturePrefix = "sha256="

// Sign returns the signature header value for body: "sha256=" + lowercase
// hex of HMAC-SHA256(secret, body). The body must be the exact bytes that go
// on the wire; signing any other representation breaks receiver
// verification.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature over body and compares it to the provided
// header value in constant time.
func Verify(secret string, body []byte, provided string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(provided))
}
