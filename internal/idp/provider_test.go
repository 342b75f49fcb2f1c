package idp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDomain(t *testing.T) {
	assert.NoError(t, ValidateDomain("anything.com", nil))
	assert.NoError(t, ValidateDomain("Company.com", []string{"company.com"}))

	err := ValidateDomain("other.com", []string{"company.com"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAccessDenied))
	assert.Contains(t, err.Error(), "domain 'other.com' is not allowed")
}

func TestValidateOrgs(t *testing.T) {
	assert.NoError(t, ValidateOrgs(nil, nil))
	assert.NoError(t, ValidateOrgs([]string{"a", "acme"}, []string{"acme"}))

	err := ValidateOrgs([]string{"a"}, []string{"acme"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestAdmit(t *testing.T) {
	verified := func() *Identity {
		return &Identity{
			ProviderType:  "github",
			Subject:       "42",
			Email:         "dev@company.com",
			EmailVerified: true,
			Domain:        "company.com",
			Organizations: []string{"acme"},
		}
	}

	tests := []struct {
		name           string
		mutate         func(*Identity)
		allowedDomains []string
		allowedOrgs    []string
		errContains    string
	}{
		{name: "open_deployment"},
		{name: "allowed_domain_and_org", allowedDomains: []string{"company.com"}, allowedOrgs: []string{"acme"}},
		{
			name:        "missing_email",
			mutate:      func(i *Identity) { i.Email = "" },
			errContains: "no email address",
		},
		{
			name:        "unverified_email",
			mutate:      func(i *Identity) { i.EmailVerified = false },
			errContains: "not verified",
		},
		{
			name:           "wrong_domain",
			allowedDomains: []string{"partner.com"},
			errContains:    "not allowed",
		},
		{
			name:        "wrong_org",
			allowedOrgs: []string{"initech"},
			errContains: "allowed organization",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			identity := verified()
			if tt.mutate != nil {
				tt.mutate(identity)
			}
			err := Admit(identity, tt.allowedDomains, tt.allowedOrgs)
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrAccessDenied)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestCodeFlow_AuthURLWithoutRedirect(t *testing.T) {
	provider := NewGitHubProvider("client-id", "client-secret")

	authURL := provider.AuthURL("s", "")
	assert.NotContains(t, authURL, "redirect_uri")
}
