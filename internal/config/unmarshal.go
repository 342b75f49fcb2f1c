package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgellow/authfront/internal/emailutil"
)

// UnmarshalJSON implements custom unmarshaling for ServerConfig
func (s *ServerConfig) UnmarshalJSON(data []byte) error {
	// Use a raw type to parse references
	type rawServer struct {
		BaseURL        json.RawMessage `json:"baseURL"`
		Addr           json.RawMessage `json:"addr"`
		Name           string          `json:"name"`
		AfterSignInURL string          `json:"afterSignInUrl"`
		AfterSignUpURL string          `json:"afterSignUpUrl"`
		AllowedOrigins []string        `json:"allowedOrigins"`
	}

	var raw rawServer
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Name = raw.Name
	s.AfterSignInURL = raw.AfterSignInURL
	s.AfterSignUpURL = raw.AfterSignUpURL
	s.AllowedOrigins = raw.AllowedOrigins

	if err := parseOptional(raw.BaseURL, "baseURL", &s.BaseURL); err != nil {
		return err
	}
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	return parseOptional(raw.Addr, "addr", &s.Addr)
}

// UnmarshalJSON implements custom unmarshaling for IdentityConfig
func (i *IdentityConfig) UnmarshalJSON(data []byte) error {
	type rawIdentity struct {
		APIURL    json.RawMessage `json:"apiUrl"`
		SecretKey json.RawMessage `json:"secretKey"`
		Timeout   string          `json:"timeout"`
	}

	var raw rawIdentity
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if err := parseOptional(raw.APIURL, "apiUrl", &i.APIURL); err != nil {
		return err
	}
	i.APIURL = strings.TrimRight(i.APIURL, "/")
	if err := parseSecret(raw.SecretKey, "secretKey", &i.SecretKey); err != nil {
		return err
	}
	return parseDuration(raw.Timeout, "timeout", &i.Timeout)
}

// UnmarshalJSON implements custom unmarshaling for ProviderConfig
func (p *ProviderConfig) UnmarshalJSON(data []byte) error {
	type rawProvider struct {
		Provider         string          `json:"provider"`
		ClientID         json.RawMessage `json:"clientId"`
		ClientSecret     json.RawMessage `json:"clientSecret"`
		RedirectURI      json.RawMessage `json:"redirectUri"`
		TenantID         json.RawMessage `json:"tenantId"`
		DiscoveryURL     string          `json:"discoveryUrl"`
		AuthorizationURL string          `json:"authorizationUrl"`
		TokenURL         string          `json:"tokenUrl"`
		UserInfoURL      string          `json:"userInfoUrl"`
		Scopes           []string        `json:"scopes"`
		AllowedDomains   []string        `json:"allowedDomains"`
		AllowedOrgs      []string        `json:"allowedOrgs"`
	}

	var raw rawProvider
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.Provider = strings.ToLower(raw.Provider)
	p.DiscoveryURL = raw.DiscoveryURL
	p.AuthorizationURL = raw.AuthorizationURL
	p.TokenURL = raw.TokenURL
	p.UserInfoURL = raw.UserInfoURL
	p.Scopes = raw.Scopes
	p.AllowedOrgs = raw.AllowedOrgs

	// Normalize domains for consistent comparison
	p.AllowedDomains = make([]string, 0, len(raw.AllowedDomains))
	for _, d := range raw.AllowedDomains {
		p.AllowedDomains = append(p.AllowedDomains, emailutil.Normalize(d))
	}

	if err := parseOptional(raw.ClientID, p.Provider+".clientId", &p.ClientID); err != nil {
		return err
	}
	if err := parseSecret(raw.ClientSecret, p.Provider+".clientSecret", &p.ClientSecret); err != nil {
		return err
	}
	if err := parseOptional(raw.RedirectURI, p.Provider+".redirectUri", &p.RedirectURI); err != nil {
		return err
	}
	return parseOptional(raw.TenantID, p.Provider+".tenantId", &p.TenantID)
}

// UnmarshalJSON implements custom unmarshaling for OAuthConfig
func (o *OAuthConfig) UnmarshalJSON(data []byte) error {
	type rawOAuth struct {
		StateKey  json.RawMessage  `json:"stateKey"`
		StateTTL  string           `json:"stateTtl"`
		Providers []ProviderConfig `json:"providers"`
	}

	var raw rawOAuth
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	o.Providers = raw.Providers
	if err := parseSecret(raw.StateKey, "stateKey", &o.StateKey); err != nil {
		return err
	}
	return parseDuration(raw.StateTTL, "stateTtl", &o.StateTTL)
}

// UnmarshalJSON implements custom unmarshaling for FlowsConfig
func (f *FlowsConfig) UnmarshalJSON(data []byte) error {
	type rawFlows struct {
		Storage             string          `json:"storage"`
		TTL                 string          `json:"ttl"`
		CleanupInterval     string          `json:"cleanupInterval"`
		ResendCooldown      string          `json:"resendCooldown"`
		RedisURL            json.RawMessage `json:"redisUrl"`
		GCPProject          json.RawMessage `json:"gcpProject"`
		FirestoreDatabase   string          `json:"firestoreDatabase"`
		FirestoreCollection string          `json:"firestoreCollection"`
		EncryptionKey       json.RawMessage `json:"encryptionKey"`
	}

	var raw rawFlows
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	f.Storage = raw.Storage
	f.FirestoreDatabase = raw.FirestoreDatabase
	f.FirestoreCollection = raw.FirestoreCollection

	if err := parseDuration(raw.TTL, "ttl", &f.TTL); err != nil {
		return err
	}
	if err := parseDuration(raw.CleanupInterval, "cleanupInterval", &f.CleanupInterval); err != nil {
		return err
	}
	if err := parseDuration(raw.ResendCooldown, "resendCooldown", &f.ResendCooldown); err != nil {
		return err
	}
	if err := parseSecret(raw.RedisURL, "redisUrl", &f.RedisURL); err != nil {
		return err
	}
	if err := parseOptional(raw.GCPProject, "gcpProject", &f.GCPProject); err != nil {
		return err
	}
	if err := parseSecret(raw.EncryptionKey, "encryptionKey", &f.EncryptionKey); err != nil {
		return err
	}

	// Apply defaults for Firestore configuration
	if f.Storage == StorageFirestore {
		if f.FirestoreDatabase == "" {
			f.FirestoreDatabase = "(default)"
		}
		if f.FirestoreCollection == "" {
			f.FirestoreCollection = "authfront_flows"
		}
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for SessionConfig
func (s *SessionConfig) UnmarshalJSON(data []byte) error {
	type rawSession struct {
		CookieTTL string          `json:"cookieTtl"`
		CSRFKey   json.RawMessage `json:"csrfKey"`
	}

	var raw rawSession
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if err := parseDuration(raw.CookieTTL, "cookieTtl", &s.CookieTTL); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	return parseSecret(raw.CSRFKey, "csrfKey", &s.CSRFKey)
}
