package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// SignData returns the base64 URL-encoded HMAC-SHA256 of data under key.
func SignData(data string, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// ValidateSignedData reports whether signature is SignData(data, key),
// comparing in constant time.
func ValidateSignedData(data, signature string, key []byte) bool {
	expected, err := base64.RawURLEncoding.DecodeString(SignData(data, key))
	if err != nil {
		return false
	}
	got, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}
