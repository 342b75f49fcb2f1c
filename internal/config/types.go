package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Version is the config format this build understands. Files may append a
// variant suffix, e.g. "v0.1-beta".
const Version = "v0.1"

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// Flow snapshot storage backends
const (
	StorageMemory    = "memory"
	StorageRedis     = "redis"
	StorageFirestore = "firestore"
)

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	BaseURL        string   `json:"baseURL"`
	Addr           string   `json:"addr"`
	Name           string   `json:"name"`
	AfterSignInURL string   `json:"afterSignInUrl"`
	AfterSignUpURL string   `json:"afterSignUpUrl"`
	AllowedOrigins []string `json:"allowedOrigins"`
}

// IdentityConfig points at the identity provider API that owns credentials
// and issues sessions.
type IdentityConfig struct {
	APIURL    string        `json:"apiUrl"`
	SecretKey Secret        `json:"secretKey"`
	Timeout   time.Duration `json:"timeout"`
}

// ProviderConfig configures one OAuth identity provider for the redirect
// sign-in.
type ProviderConfig struct {
	Provider     string `json:"provider"` // "google", "azure", "github", or "oidc"
	ClientID     string `json:"clientId"`
	ClientSecret Secret `json:"clientSecret"`
	RedirectURI  string `json:"redirectUri"`

	// Azure
	TenantID string `json:"tenantId,omitempty"`

	// OIDC
	DiscoveryURL     string `json:"discoveryUrl,omitempty"`
	AuthorizationURL string `json:"authorizationUrl,omitempty"`
	TokenURL         string `json:"tokenUrl,omitempty"`
	UserInfoURL      string `json:"userInfoUrl,omitempty"`

	Scopes         []string `json:"scopes,omitempty"`
	AllowedDomains []string `json:"allowedDomains,omitempty"`
	// GitHub
	AllowedOrgs []string `json:"allowedOrgs,omitempty"`
}

// OAuthConfig configures the redirect sign-in exit.
type OAuthConfig struct {
	StateKey  Secret           `json:"stateKey"`
	StateTTL  time.Duration    `json:"stateTtl"`
	Providers []ProviderConfig `json:"providers"`
}

// FlowsConfig configures where in-progress flows live and how long.
type FlowsConfig struct {
	Storage             string        `json:"storage"`
	TTL                 time.Duration `json:"ttl"`
	CleanupInterval     time.Duration `json:"cleanupInterval"`
	ResendCooldown      time.Duration `json:"resendCooldown"`
	RedisURL            Secret        `json:"redisUrl,omitempty"`
	GCPProject          string        `json:"gcpProject,omitempty"`
	FirestoreDatabase   string        `json:"firestoreDatabase,omitempty"`
	FirestoreCollection string        `json:"firestoreCollection,omitempty"`
	EncryptionKey       Secret        `json:"encryptionKey"`
}

// SessionConfig configures the browser cookies.
type SessionConfig struct {
	CookieTTL time.Duration `json:"cookieTtl"`
	CSRFKey   Secret        `json:"csrfKey"`
}

// Config represents the config structure with resolved values
type Config struct {
	Server   ServerConfig   `json:"server"`
	Identity IdentityConfig `json:"identity"`
	OAuth    *OAuthConfig   `json:"oauth,omitempty"`
	Flows    FlowsConfig    `json:"flows"`
	Session  SessionConfig  `json:"session"`
}

// ParseConfigValue parses a JSON value that is either a plain string or an
// {"$env": "VAR_NAME"} reference resolved immediately.
//
// The explicit JSON form is used instead of $VAR substitution so that shells
// and CI tooling handling the file never expand it by accident.
func ParseConfigValue(raw json.RawMessage) (string, error) {
	// Try plain string first
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}

	// Try reference object
	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return "", fmt.Errorf("unknown reference type in config value")
	}
	value := os.Getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return value, nil
}

// parseOptional resolves raw into dst when present.
func parseOptional(raw json.RawMessage, name string, dst *string) error {
	if raw == nil {
		return nil
	}
	v, err := ParseConfigValue(raw)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	*dst = v
	return nil
}

func parseSecret(raw json.RawMessage, name string, dst *Secret) error {
	var s string
	if err := parseOptional(raw, name, &s); err != nil {
		return err
	}
	if raw != nil {
		*dst = Secret(s)
	}
	return nil
}

func parseDuration(s, name string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	*dst = d
	return nil
}
