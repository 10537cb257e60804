package comm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"event":{"name":"x"}}`)
	now := time.Now()
	sig := Sign("signkey-prod-abc123", now, body)

	assert.NoError(t, ValidateSignature(sig, "signkey-prod-abc123", "", body, now))
}

func TestSignatureKeyPrefixIsNormalized(t *testing.T) {
	// The env segment of the key is cosmetic; the MAC is over the material.
	body := []byte(`{}`)
	now := time.Now()
	sig := Sign("signkey-test-abc123", now, body)

	assert.NoError(t, ValidateSignature(sig, "signkey-prod-abc123", "", body, now))
}

func TestSignatureFallbackKey(t *testing.T) {
	body := []byte(`{}`)
	now := time.Now()
	sig := Sign("signkey-prod-oldkey", now, body)

	require.Error(t, ValidateSignature(sig, "signkey-prod-newkey", "", body, now))
	assert.NoError(t, ValidateSignature(sig, "signkey-prod-newkey", "signkey-prod-oldkey", body, now))
}

func TestSignatureExpires(t *testing.T) {
	body := []byte(`{}`)
	signed := time.Now().Add(-10 * time.Minute)
	sig := Sign("key", signed, body)

	assert.ErrorIs(t, ValidateSignature(sig, "key", "", body, time.Now()), errSignatureExpired)
}

func TestSignatureRejectsTamperedBody(t *testing.T) {
	now := time.Now()
	sig := Sign("key", now, []byte(`{"a":1}`))

	assert.ErrorIs(t, ValidateSignature(sig, "key", "", []byte(`{"a":2}`), now), errSignatureMismatch)
}

func TestSignatureRejectsMalformedHeader(t *testing.T) {
	assert.Error(t, ValidateSignature("not-a-signature", "key", "", []byte(`{}`), time.Now()))
	assert.Error(t, ValidateSignature("t=abc&s=", "key", "", []byte(`{}`), time.Now()))
}
