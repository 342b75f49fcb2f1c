package envutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsDev(t *testing.T) {
	tests := []struct {
		value    string
		expected bool
	}{
		{value: "development", expected: true},
		{value: "DEV", expected: true},
		{value: "production", expected: false},
		{value: "", expected: false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv(EnvVar, tt.value)
			assert.Equal(t, tt.expected, IsDev())
		})
	}
}

func TestGetOr(t *testing.T) {
	t.Setenv("AUTHFRONT_TEST_VALUE", "  ")
	assert.Equal(t, "fallback", GetOr("AUTHFRONT_TEST_VALUE", "fallback"))

	t.Setenv("AUTHFRONT_TEST_VALUE", "set")
	assert.Equal(t, "set", GetOr("AUTHFRONT_TEST_VALUE", "fallback"))
}
