package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignature(t *testing.T) {
	secret := "super-secret"
	body := []byte(`{"event":"task.updated"}`)
	validHex := sign(secret, body)

	tests := []struct {
		name      string
		secret    string
		body      []byte
		signature string
		want      bool
	}{
		{"valid bare hex", secret, body, validHex, true},
		{"valid sha256= prefix", secret, body, "sha256=" + validHex, true},
		{"wrong secret", "other-secret", body, validHex, false},
		{"tampered body", secret, []byte(`{"event":"task.deleted"}`), validHex, false},
		{"empty signature", secret, body, "", false},
		{"garbage signature", secret, body, "not-hex-at-all", false},
		{"no secret configured disables verification", "", body, "", true},
		{"no secret configured ignores bogus signature too", "", body, "anything", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := verifySignature(tc.secret, tc.body, tc.signature)
			assert.Equal(t, tc.want, got)
		})
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
