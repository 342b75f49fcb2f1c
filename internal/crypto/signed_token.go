package crypto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// TokenSigner produces HMAC-signed JSON tokens with an optional expiry. The
// OAuth state carried through the identity provider is one of these.
type TokenSigner struct {
	signingKey []byte
	ttl        time.Duration
	now        func() time.Time
}

// NewTokenSigner creates a new token signer. A zero ttl means tokens never
// expire.
func NewTokenSigner(signingKey []byte, ttl time.Duration) TokenSigner {
	return TokenSigner{
		signingKey: signingKey,
		ttl:        ttl,
		now:        time.Now,
	}
}

// TokenData wraps user data with metadata
type TokenData struct {
	Data      json.RawMessage `json:"data"`
	ExpiresAt time.Time       `json:"expires_at,omitzero"`
}

func (ts *TokenSigner) clock() time.Time {
	if ts.now == nil {
		return time.Now()
	}
	return ts.now()
}

// Sign marshals v, wraps it with the expiry and returns payload.signature.
func (ts *TokenSigner) Sign(v any) (string, error) {
	userData, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal data: %w", err)
	}

	tokenData := TokenData{Data: userData}
	if ts.ttl > 0 {
		tokenData.ExpiresAt = ts.clock().Add(ts.ttl)
	}

	jsonData, err := json.Marshal(tokenData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token data: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(jsonData) + "." + SignData(string(jsonData), ts.signingKey), nil
}

// Verify checks the signature and expiry, then unmarshals the payload into v.
func (ts *TokenSigner) Verify(token string, v any) error {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(signature, ".") {
		return fmt.Errorf("%w: malformed", ErrInvalidToken)
	}

	jsonData, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !ValidateSignedData(string(jsonData), signature, ts.signingKey) {
		return fmt.Errorf("%w: bad signature", ErrInvalidToken)
	}

	var tokenData TokenData
	if err := json.Unmarshal(jsonData, &tokenData); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !tokenData.ExpiresAt.IsZero() && ts.clock().After(tokenData.ExpiresAt) {
		return ErrTokenExpired
	}

	if err := json.Unmarshal(tokenData.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal user data: %w", err)
	}
	return nil
}
