package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dgellow/authfront/internal/log"
)

// Defaults applied to omitted settings.
const (
	DefaultIdentityTimeout = 15 * time.Second
	DefaultFlowTTL         = 30 * time.Minute
	DefaultCleanupInterval = 5 * time.Minute
	DefaultResendCooldown  = 30 * time.Second
	DefaultCookieTTL       = 7 * 24 * time.Hour
	DefaultStateTTL        = 10 * time.Minute
)

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse processes config file contents. See Load.
func Parse(data []byte) (Config, error) {
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if !strings.HasPrefix(version, Version) {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	// The custom UnmarshalJSON methods resolve env vars immediately
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&config)

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// secretPaths lists the settings that must come from the environment.
var secretPaths = [][]string{
	{"identity", "secretKey"},
	{"session", "csrfKey"},
	{"flows", "encryptionKey"},
	{"flows", "redisUrl"},
	{"oauth", "stateKey"},
}

// validateRawConfig rejects inline secrets before environment resolution
func validateRawConfig(rawConfig map[string]any) error {
	for _, path := range secretPaths {
		section, ok := rawConfig[path[0]].(map[string]any)
		if !ok {
			continue
		}
		if err := requireEnvRef(section[path[1]], strings.Join(path, ".")); err != nil {
			return err
		}
	}

	if oauth, ok := rawConfig["oauth"].(map[string]any); ok {
		providers, _ := oauth["providers"].([]any)
		for i, p := range providers {
			provider, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if err := requireEnvRef(provider["clientSecret"], fmt.Sprintf("oauth.providers[%d].clientSecret", i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func requireEnvRef(value any, path string) error {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return fmt.Errorf("%s must use environment variable reference for security", path)
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return fmt.Errorf("%s must use {\"$env\": \"VAR_NAME\"} format", path)
		}
		return nil
	default:
		return fmt.Errorf("%s must use {\"$env\": \"VAR_NAME\"} format", path)
	}
}

func applyDefaults(c *Config) {
	if c.Server.Name == "" {
		c.Server.Name = "authfront"
	}
	if c.Server.AfterSignInURL == "" {
		c.Server.AfterSignInURL = "/"
	}
	if c.Server.AfterSignUpURL == "" {
		c.Server.AfterSignUpURL = c.Server.AfterSignInURL
	}
	if c.Identity.Timeout == 0 {
		c.Identity.Timeout = DefaultIdentityTimeout
	}
	if c.Flows.Storage == "" {
		c.Flows.Storage = StorageMemory
	}
	if c.Flows.TTL == 0 {
		c.Flows.TTL = DefaultFlowTTL
	}
	if c.Flows.CleanupInterval == 0 {
		c.Flows.CleanupInterval = DefaultCleanupInterval
	}
	if c.Flows.ResendCooldown == 0 {
		c.Flows.ResendCooldown = DefaultResendCooldown
	}
	if c.Session.CookieTTL == 0 {
		c.Session.CookieTTL = DefaultCookieTTL
	}
	if c.OAuth != nil && c.OAuth.StateTTL == 0 {
		c.OAuth.StateTTL = DefaultStateTTL
	}
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.Server.BaseURL == "" {
		return fmt.Errorf("server.baseURL is required")
	}
	if u, err := url.Parse(config.Server.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.baseURL must be an absolute URL, got %q", config.Server.BaseURL)
	}
	if config.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	if config.Identity.APIURL == "" {
		return fmt.Errorf("identity.apiUrl is required")
	}
	if config.Identity.SecretKey == "" {
		return fmt.Errorf("identity.secretKey is required")
	}
	if config.Identity.Timeout < 0 {
		return fmt.Errorf("identity.timeout cannot be negative")
	}

	if err := validateFlows(&config.Flows); err != nil {
		return fmt.Errorf("flows config: %w", err)
	}

	if len(config.Session.CSRFKey) < 32 {
		return fmt.Errorf("session.csrfKey must be at least 32 characters (got %d). Generate with: openssl rand -base64 32", len(config.Session.CSRFKey))
	}
	if config.Session.CookieTTL < 0 {
		return fmt.Errorf("session.cookieTtl cannot be negative")
	}

	if oauth := config.OAuth; oauth != nil {
		if err := validateOAuthConfig(oauth); err != nil {
			return fmt.Errorf("oauth config: %w", err)
		}
	}

	return nil
}

func validateFlows(f *FlowsConfig) error {
	switch f.Storage {
	case StorageMemory:
	case StorageRedis:
		if f.RedisURL == "" {
			return fmt.Errorf("redisUrl is required when using redis storage")
		}
	case StorageFirestore:
		if f.GCPProject == "" {
			return fmt.Errorf("gcpProject is required when using firestore storage")
		}
	default:
		return fmt.Errorf("storage must be memory, redis or firestore, got %q", f.Storage)
	}

	if f.Storage != StorageMemory && f.EncryptionKey == "" {
		return fmt.Errorf("encryptionKey is required when using %s storage", f.Storage)
	}
	if f.EncryptionKey != "" && len(f.EncryptionKey) != 32 {
		return fmt.Errorf("encryptionKey must be exactly 32 characters (got %d). Generate with: openssl rand -base64 32 | head -c 32", len(f.EncryptionKey))
	}

	if f.TTL < 0 || f.CleanupInterval < 0 || f.ResendCooldown < 0 {
		return fmt.Errorf("durations cannot be negative")
	}
	if f.CleanupInterval > f.TTL {
		log.LogWarn("Flow cleanup interval is greater than flow ttl")
	}
	return nil
}

func validateOAuthConfig(oauth *OAuthConfig) error {
	if len(oauth.StateKey) < 32 {
		return fmt.Errorf("stateKey must be at least 32 characters (got %d)", len(oauth.StateKey))
	}
	if len(oauth.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}

	seen := make(map[string]bool)
	for _, p := range oauth.Providers {
		if seen[p.Provider] {
			return fmt.Errorf("provider %s is configured twice", p.Provider)
		}
		seen[p.Provider] = true
		if err := validateProvider(p); err != nil {
			return err
		}
	}
	return nil
}

func validateProvider(p ProviderConfig) error {
	switch p.Provider {
	case "google", "github":
	case "azure":
		if p.TenantID == "" {
			return fmt.Errorf("azure provider requires tenantId")
		}
	case "oidc":
		if p.DiscoveryURL == "" && (p.AuthorizationURL == "" || p.TokenURL == "" || p.UserInfoURL == "") {
			return fmt.Errorf("oidc provider requires discoveryUrl or authorizationUrl, tokenUrl and userInfoUrl")
		}
	default:
		return fmt.Errorf("unknown provider type: %q", p.Provider)
	}

	if p.ClientID == "" {
		return fmt.Errorf("%s provider requires clientId", p.Provider)
	}
	if p.ClientSecret == "" {
		return fmt.Errorf("%s provider requires clientSecret", p.Provider)
	}
	if p.RedirectURI != "" {
		if u, err := url.Parse(p.RedirectURI); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s provider redirectUri must be an absolute URL", p.Provider)
		}
	}
	return nil
}
