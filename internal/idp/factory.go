package idp

import (
	"fmt"

	"github.com/dgellow/authfront/internal/config"
)

// NewProvider creates a Provider based on the ProviderConfig.
func NewProvider(cfg config.ProviderConfig) (Provider, error) {
	switch cfg.Provider {
	case "google":
		return NewGoogleProvider(cfg.ClientID, string(cfg.ClientSecret), cfg.Scopes), nil

	case "azure":
		return NewAzureProvider(cfg.TenantID, cfg.ClientID, string(cfg.ClientSecret), cfg.Scopes)

	case "github":
		return NewGitHubProvider(cfg.ClientID, string(cfg.ClientSecret)), nil

	case "oidc":
		return NewOIDCProvider(OIDCConfig{
			ProviderType:     "oidc",
			DiscoveryURL:     cfg.DiscoveryURL,
			AuthorizationURL: cfg.AuthorizationURL,
			TokenURL:         cfg.TokenURL,
			UserInfoURL:      cfg.UserInfoURL,
			ClientID:         cfg.ClientID,
			ClientSecret:     string(cfg.ClientSecret),
			Scopes:           cfg.Scopes,
		})

	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Provider)
	}
}
