package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-Signature"

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks sig against the HMAC-SHA256 of body. sig may be hex
// (optionally prefixed "sha256=") or standard base64. An empty secret
// accepts every body.
func VerifySignature(secret string, body []byte, sig string) bool {
	if secret == "" {
		return true
	}
	sig = strings.TrimPrefix(strings.TrimSpace(sig), "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := mac.Sum(nil)

	if got, err := hex.DecodeString(sig); err == nil && hmac.Equal(got, want) {
		return true
	}
	if got, err := base64.StdEncoding.DecodeString(sig); err == nil && hmac.Equal(got, want) {
		return true
	}
	return false
}
