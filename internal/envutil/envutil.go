package envutil

import (
	"os"
	"strings"
)

// EnvVar selects the runtime environment.
const EnvVar = "AUTHFRONT_ENV"

// IsDev checks if we're running in development mode
// where security requirements can be relaxed for testing
func IsDev() bool {
	env := strings.ToLower(os.Getenv(EnvVar))
	return env == "development" || env == "dev"
}

// GetOr returns the value of key, or fallback when it is unset or empty.
func GetOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
