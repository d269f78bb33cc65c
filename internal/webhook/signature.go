// Package webhook implements the HTTP-facing half of the ingest pipeline:
// per-source signature verification and the extraction of the minimal
// (source, event_type, external_id) triple the webhook receiver enqueues.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// verifySignature reports whether signature authenticates body under secret.
// Verification is HMAC-SHA256 over the raw body, compared in constant time.
//
// An empty secret means the source has no signing key configured, which is
// treated as verification disabled (development mode) rather than a failure.
func verifySignature(secret string, body []byte, signature string) bool {
	if secret == "" {
		return true
	}
	if signature == "" {
		return false
	}

	expected := hmacSHA256(body, secret)

	// Accept both the bare hex digest and the "sha256=<hex>" convention used
	// by GitHub/Stripe-style senders.
	candidate := signature
	if idx := strings.IndexByte(candidate, '='); idx >= 0 && strings.HasPrefix(candidate, "sha256=") {
		candidate = candidate[idx+1:]
	}

	return hmac.Equal([]byte(candidate), []byte(expected))
}

func hmacSHA256(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
