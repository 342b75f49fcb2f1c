package idp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrAccessDenied is wrapped by errors for identities the deployment does
// not admit, as opposed to provider or transport failures.
var ErrAccessDenied = errors.New("access denied")

// Identity is what a provider vouches for once the user has consented.
// Only the fields the admission rules and the identity API read are kept.
type Identity struct {
	ProviderType  string
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	// Domain is the provider's hosted domain when it reports one, otherwise
	// the email domain.
	Domain        string
	Organizations []string
}

// Provider is one OAuth identity provider offered on the redirect exit.
type Provider interface {
	// Type returns the provider type identifier (e.g., "google", "azure", "github", "oidc").
	Type() string

	// AuthURL builds the authorization address. The callback address is
	// passed per call because sign-in and sign-up return to different pages.
	AuthURL(state, redirectURI string) string

	// Identify redeems an authorization code and reports who it belongs to.
	// redirectURI must match the one sent with AuthURL. A refused exchange
	// wraps *oauth2.RetrieveError.
	Identify(ctx context.Context, code, redirectURI string) (*Identity, error)
}

// ValidateDomain checks if the domain is in the allowed list.
// Returns nil if allowedDomains is empty (no restriction) or domain is allowed.
func ValidateDomain(domain string, allowedDomains []string) error {
	if len(allowedDomains) == 0 {
		return nil
	}
	if !slices.Contains(allowedDomains, strings.ToLower(domain)) {
		return fmt.Errorf("%w: domain '%s' is not allowed", ErrAccessDenied, domain)
	}
	return nil
}

// ValidateOrgs checks that at least one of orgs is allowed. An empty allow
// list admits everyone.
func ValidateOrgs(orgs, allowedOrgs []string) error {
	if len(allowedOrgs) == 0 {
		return nil
	}
	for _, org := range orgs {
		if slices.Contains(allowedOrgs, org) {
			return nil
		}
	}
	return fmt.Errorf("%w: not a member of an allowed organization", ErrAccessDenied)
}

// Admit applies the deployment's access rules to an identity.
func Admit(identity *Identity, allowedDomains, allowedOrgs []string) error {
	if identity.Email == "" {
		return fmt.Errorf("%w: provider returned no email address", ErrAccessDenied)
	}
	if !identity.EmailVerified {
		return fmt.Errorf("%w: email address is not verified", ErrAccessDenied)
	}
	if err := ValidateDomain(identity.Domain, allowedDomains); err != nil {
		return err
	}
	return ValidateOrgs(identity.Organizations, allowedOrgs)
}
