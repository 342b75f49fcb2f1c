package crypto

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSecureToken(t *testing.T) {
	token, err := GenerateSecureToken()
	assert.NoError(t, err)
	assert.NotEmpty(t, token)

	// Each call generates a unique token
	token2, err := GenerateSecureToken()
	assert.NoError(t, err)
	assert.NotEqual(t, token, token2)

	// base64 encoding of 32 bytes
	assert.Len(t, token, 43)
	assert.NotContains(t, token, ".")
}

func TestSignData(t *testing.T) {
	key := []byte("signing-key")
	sig := SignData("payload", key)

	assert.True(t, ValidateSignedData("payload", sig, key))
	assert.False(t, ValidateSignedData("payload2", sig, key))
	assert.False(t, ValidateSignedData("payload", sig, []byte("other-key")))
	assert.False(t, ValidateSignedData("payload", "!!not-base64!!", key))
}

type oauthState struct {
	Nonce    string `json:"nonce"`
	Provider string `json:"provider"`
}

func TestTokenSigner(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")

	t.Run("round trip", func(t *testing.T) {
		signer := NewTokenSigner(key, 10*time.Minute)
		token, err := signer.Sign(oauthState{Nonce: "n1", Provider: "github"})
		require.NoError(t, err)

		var got oauthState
		require.NoError(t, signer.Verify(token, &got))
		assert.Equal(t, oauthState{Nonce: "n1", Provider: "github"}, got)
	})

	t.Run("tampered payload", func(t *testing.T) {
		signer := NewTokenSigner(key, 0)
		token, err := signer.Sign(oauthState{Nonce: "n1"})
		require.NoError(t, err)
		other, err := signer.Sign(oauthState{Nonce: "n2"})
		require.NoError(t, err)

		payload, _, _ := strings.Cut(other, ".")
		_, sig, _ := strings.Cut(token, ".")
		var got oauthState
		assert.ErrorIs(t, signer.Verify(payload+"."+sig, &got), ErrInvalidToken)
	})

	t.Run("wrong key", func(t *testing.T) {
		signer := NewTokenSigner(key, 0)
		token, err := signer.Sign(oauthState{Nonce: "n1"})
		require.NoError(t, err)

		verifier := NewTokenSigner([]byte("another key"), 0)
		var got oauthState
		assert.ErrorIs(t, verifier.Verify(token, &got), ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		signer := NewTokenSigner(key, time.Minute)
		token, err := signer.Sign(oauthState{Nonce: "n1"})
		require.NoError(t, err)

		signer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		var got oauthState
		assert.ErrorIs(t, signer.Verify(token, &got), ErrTokenExpired)
	})

	t.Run("malformed", func(t *testing.T) {
		signer := NewTokenSigner(key, 0)
		var got oauthState
		assert.ErrorIs(t, signer.Verify("no-dot-here", &got), ErrInvalidToken)
		assert.ErrorIs(t, signer.Verify("a.b.c", &got), ErrInvalidToken)
	})
}

func TestCSRFProtection(t *testing.T) {
	csrf := NewCSRFProtection([]byte("csrf-key"), time.Hour)

	token, err := csrf.Generate()
	require.NoError(t, err)
	assert.True(t, csrf.Validate(token))
	assert.True(t, csrf.ValidatePair(token, token))

	other, err := csrf.Generate()
	require.NoError(t, err)
	assert.False(t, csrf.ValidatePair(token, other))
	assert.False(t, csrf.ValidatePair("", ""))
	assert.False(t, csrf.Validate("garbage"))
	assert.False(t, csrf.Validate(token+"x"))

	expired := NewCSRFProtection([]byte("csrf-key"), -time.Second)
	assert.False(t, expired.Validate(token))
}

func TestEncryptor(t *testing.T) {
	_, err := NewEncryptor([]byte("short"))
	assert.EqualError(t, err, "key must be 32 bytes")

	enc, err := NewEncryptor([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	sealed, err := enc.Encrypt(`{"email":"a@b.com","password":"Abcdef12"}`)
	require.NoError(t, err)
	assert.NotContains(t, sealed, "Abcdef12")

	again, err := enc.Encrypt(`{"email":"a@b.com","password":"Abcdef12"}`)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again)

	plain, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"email":"a@b.com","password":"Abcdef12"}`, plain)

	_, err = enc.Decrypt(sealed[:10])
	assert.Error(t, err)

	other, err := NewEncryptor([]byte("fedcba9876543210fedcba9876543210"))
	require.NoError(t, err)
	_, err = other.Decrypt(sealed)
	assert.Error(t, err)
}
