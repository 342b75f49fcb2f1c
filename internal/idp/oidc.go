package idp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// OIDCConfig configures a generic OIDC provider. Either DiscoveryURL or all
// three endpoints must be set.
type OIDCConfig struct {
	ProviderType string
	DiscoveryURL string

	AuthorizationURL string
	TokenURL         string
	UserInfoURL      string

	ClientID     string
	ClientSecret string
	Scopes       []string
}

// OIDCProvider signs people in with any OpenID Connect provider.
type OIDCProvider struct {
	codeFlow
	userInfoURL string
}

type oidcDiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserInfoEndpoint      string `json:"userinfo_endpoint"`
}

type oidcClaims struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// NewOIDCProvider creates an OIDC provider. Discovery happens once, here.
func NewOIDCProvider(cfg OIDCConfig) (*OIDCProvider, error) {
	endpoints := oidcDiscoveryDocument{
		AuthorizationEndpoint: cfg.AuthorizationURL,
		TokenEndpoint:         cfg.TokenURL,
		UserInfoEndpoint:      cfg.UserInfoURL,
	}
	if cfg.DiscoveryURL != "" {
		discovered, err := discover(cfg.DiscoveryURL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch OIDC discovery: %w", err)
		}
		endpoints = *discovered
	} else if !endpoints.complete() {
		return nil, fmt.Errorf("either discoveryUrl or all endpoints (authorizationUrl, tokenUrl, userInfoUrl) must be provided")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}
	name := cfg.ProviderType
	if name == "" {
		name = "oidc"
	}

	p := &OIDCProvider{userInfoURL: endpoints.UserInfoEndpoint}
	p.codeFlow = codeFlow{
		name: name,
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  endpoints.AuthorizationEndpoint,
				TokenURL: endpoints.TokenEndpoint,
			},
		},
		authOpts: []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("prompt", "select_account")},
		claims:   p.readClaims,
	}
	return p, nil
}

// NewAzureProvider creates an Entra ID (Azure AD) provider from the tenant's
// discovery document.
func NewAzureProvider(tenantID, clientID, clientSecret string, scopes []string) (*OIDCProvider, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantId is required for Azure AD")
	}
	return NewOIDCProvider(OIDCConfig{
		ProviderType: "azure",
		DiscoveryURL: fmt.Sprintf("https://login.microsoftonline.com/%s/v2.0/.well-known/openid-configuration", tenantID),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       scopes,
	})
}

func (d *oidcDiscoveryDocument) complete() bool {
	return d.AuthorizationEndpoint != "" && d.TokenEndpoint != "" && d.UserInfoEndpoint != ""
}

func discover(discoveryURL string) (*oidcDiscoveryDocument, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var doc oidcDiscoveryDocument
	if err := getJSON(ctx, http.DefaultClient, discoveryURL, &doc); err != nil {
		return nil, err
	}
	if !doc.complete() {
		return nil, fmt.Errorf("discovery document missing required endpoints")
	}
	return &doc, nil
}

func (p *OIDCProvider) readClaims(ctx context.Context, client *http.Client) (*Identity, error) {
	var c oidcClaims
	if err := getJSON(ctx, client, p.userInfoURL, &c); err != nil {
		return nil, err
	}
	return &Identity{
		Subject:       c.Sub,
		Email:         c.Email,
		EmailVerified: c.EmailVerified,
		Name:          c.Name,
	}, nil
}
