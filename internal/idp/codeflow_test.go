package idp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const callbackURL = "https://auth.example.com/sign-in/sso-callback"

// fakeIdP serves a token endpoint plus the claim documents a test needs,
// keyed by path.
type fakeIdP struct {
	*httptest.Server

	mu          sync.Mutex
	docs        map[string]any
	tokenStatus int
	gotCode     string
	gotRedirect string
}

func newFakeIdP(t *testing.T, docs map[string]any) *fakeIdP {
	t.Helper()
	f := &fakeIdP{docs: docs}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeIdP) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path == "/token" {
		_ = r.ParseForm()
		f.gotCode = r.PostForm.Get("code")
		f.gotRedirect = r.PostForm.Get("redirect_uri")
		if f.tokenStatus != 0 {
			w.WriteHeader(f.tokenStatus)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"at_1","token_type":"Bearer","expires_in":3600}`))
		return
	}

	doc, ok := f.docs[r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if status, ok := doc.(int); ok {
		w.WriteHeader(status)
		return
	}
	if r.URL.Path != "/.well-known/openid-configuration" && r.Header.Get("Authorization") != "Bearer at_1" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	_ = json.NewEncoder(w).Encode(doc)
}

func (f *fakeIdP) endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:   f.URL + "/authorize",
		TokenURL:  f.URL + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

func (f *fakeIdP) received() (code, redirect string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gotCode, f.gotRedirect
}

func googleAt(f *fakeIdP) Provider {
	p := NewGoogleProvider("client-id", "client-secret", nil)
	p.config.Endpoint = f.endpoint()
	p.userInfoURL = f.URL + "/userinfo"
	return p
}

func githubAt(f *fakeIdP) Provider {
	p := NewGitHubProvider("client-id", "client-secret")
	p.config.Endpoint = f.endpoint()
	p.apiBaseURL = f.URL
	return p
}

func oidcAt(t *testing.T) func(f *fakeIdP) Provider {
	return func(f *fakeIdP) Provider {
		p, err := NewOIDCProvider(OIDCConfig{
			AuthorizationURL: f.URL + "/authorize",
			TokenURL:         f.URL + "/token",
			UserInfoURL:      f.URL + "/userinfo",
			ClientID:         "client-id",
			ClientSecret:     "client-secret",
		})
		require.NoError(t, err)
		p.config.Endpoint.AuthStyle = oauth2.AuthStyleInParams
		return p
	}
}

func TestIdentify(t *testing.T) {
	tests := []struct {
		name     string
		docs     map[string]any
		provider func(*fakeIdP) Provider
		want     *Identity
	}{
		{
			name: "google_hosted_domain",
			docs: map[string]any{"/userinfo": map[string]any{
				"sub": "g-1", "email": "ada@company.com", "verified_email": true, "name": "Ada", "hd": "company.com",
			}},
			provider: googleAt,
			want: &Identity{
				ProviderType: "google", Subject: "g-1", Email: "ada@company.com",
				EmailVerified: true, Name: "Ada", Domain: "company.com",
			},
		},
		{
			name: "google_consumer_account",
			docs: map[string]any{"/userinfo": map[string]any{
				"sub": "g-2", "email": "ada@gmail.com", "verified_email": false,
			}},
			provider: googleAt,
			want: &Identity{
				ProviderType: "google", Subject: "g-2", Email: "ada@gmail.com", Domain: "gmail.com",
			},
		},
		{
			name: "oidc",
			docs: map[string]any{"/userinfo": map[string]any{
				"sub": "o-1", "email": "grace@example.org", "email_verified": true, "name": "Grace",
			}},
			provider: oidcAt(t),
			want: &Identity{
				ProviderType: "oidc", Subject: "o-1", Email: "grace@example.org",
				EmailVerified: true, Name: "Grace", Domain: "example.org",
			},
		},
		{
			name: "github_public_email",
			docs: map[string]any{
				"/user":      map[string]any{"id": 42, "login": "octo", "email": "octo@company.com", "name": "Octo Cat"},
				"/user/orgs": []map[string]any{{"login": "acme"}, {"login": "oss"}},
			},
			provider: githubAt,
			want: &Identity{
				ProviderType: "github", Subject: "42", Email: "octo@company.com", EmailVerified: true,
				Name: "Octo Cat", Domain: "company.com", Organizations: []string{"acme", "oss"},
			},
		},
		{
			name: "github_private_email",
			docs: map[string]any{
				"/user": map[string]any{"id": 7, "login": "octo"},
				"/user/emails": []map[string]any{
					{"email": "old@example.com", "primary": false, "verified": true},
					{"email": "unverified@company.com", "primary": false, "verified": false},
					{"email": "octo@company.com", "primary": true, "verified": true},
				},
				"/user/orgs": []map[string]any{},
			},
			provider: githubAt,
			want: &Identity{
				ProviderType: "github", Subject: "7", Email: "octo@company.com", EmailVerified: true,
				Name: "octo", Domain: "company.com",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeIdP(t, tt.docs)

			identity, err := tt.provider(f).Identify(context.Background(), "code_abc", callbackURL)
			require.NoError(t, err)
			assert.Equal(t, tt.want, identity)

			code, redirect := f.received()
			assert.Equal(t, "code_abc", code)
			assert.Equal(t, callbackURL, redirect)
		})
	}
}

func TestIdentify_Failures(t *testing.T) {
	t.Run("refused_exchange", func(t *testing.T) {
		f := newFakeIdP(t, nil)
		f.tokenStatus = http.StatusBadRequest

		_, err := googleAt(f).Identify(context.Background(), "stale", callbackURL)
		require.Error(t, err)
		var retrieveErr *oauth2.RetrieveError
		require.True(t, errors.As(err, &retrieveErr))
		assert.Equal(t, http.StatusBadRequest, retrieveErr.Response.StatusCode)
	})

	t.Run("userinfo_down", func(t *testing.T) {
		f := newFakeIdP(t, map[string]any{"/userinfo": http.StatusInternalServerError})

		_, err := oidcAt(t)(f).Identify(context.Background(), "code", callbackURL)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 500")
	})

	t.Run("github_without_verified_email", func(t *testing.T) {
		f := newFakeIdP(t, map[string]any{
			"/user":        map[string]any{"id": 1, "login": "ghost"},
			"/user/emails": []map[string]any{{"email": "ghost@example.com", "primary": true, "verified": false}},
		})

		_, err := githubAt(f).Identify(context.Background(), "code", callbackURL)
		assert.ErrorIs(t, err, errNoVerifiedEmail)
	})

	t.Run("github_orgs_forbidden", func(t *testing.T) {
		f := newFakeIdP(t, map[string]any{
			"/user":      map[string]any{"id": 1, "login": "octo", "email": "octo@company.com"},
			"/user/orgs": http.StatusForbidden,
		})

		_, err := githubAt(f).Identify(context.Background(), "code", callbackURL)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 403")
	})
}

func TestAuthURL(t *testing.T) {
	f := newFakeIdP(t, nil)

	for _, p := range []Provider{googleAt(f), oidcAt(t)(f), githubAt(f)} {
		t.Run(p.Type(), func(t *testing.T) {
			u, err := url.Parse(p.AuthURL("state-1", callbackURL))
			require.NoError(t, err)
			q := u.Query()
			assert.Equal(t, "state-1", q.Get("state"))
			assert.Equal(t, callbackURL, q.Get("redirect_uri"))
			assert.Equal(t, "client-id", q.Get("client_id"))
			if p.Type() == "github" {
				assert.Empty(t, q.Get("prompt"))
			} else {
				assert.Equal(t, "select_account", q.Get("prompt"))
			}
		})
	}
}

func TestNewOIDCProvider(t *testing.T) {
	f := newFakeIdP(t, map[string]any{
		"/.well-known/openid-configuration": map[string]any{
			"issuer":                 "https://idp.example.com",
			"authorization_endpoint": "https://idp.example.com/authorize",
			"token_endpoint":         "https://idp.example.com/token",
			"userinfo_endpoint":      "https://idp.example.com/userinfo",
		},
		"/.well-known/incomplete": map[string]any{"issuer": "https://idp.example.com"},
	})

	t.Run("discovery", func(t *testing.T) {
		p, err := NewOIDCProvider(OIDCConfig{DiscoveryURL: f.URL + "/.well-known/openid-configuration"})
		require.NoError(t, err)
		assert.Equal(t, "oidc", p.Type())
		assert.Equal(t, "https://idp.example.com/userinfo", p.userInfoURL)
		assert.Equal(t, "https://idp.example.com/token", p.config.Endpoint.TokenURL)
		assert.Equal(t, []string{"openid", "email", "profile"}, p.config.Scopes)
	})

	t.Run("discovery_missing_endpoints", func(t *testing.T) {
		_, err := NewOIDCProvider(OIDCConfig{DiscoveryURL: f.URL + "/.well-known/incomplete"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing required endpoints")
	})

	t.Run("partial_endpoints", func(t *testing.T) {
		_, err := NewOIDCProvider(OIDCConfig{
			AuthorizationURL: "https://idp.example.com/authorize",
			TokenURL:         "https://idp.example.com/token",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "discoveryUrl or all endpoints")
	})

	t.Run("custom_type_and_scopes", func(t *testing.T) {
		p, err := NewOIDCProvider(OIDCConfig{
			ProviderType:     "okta",
			AuthorizationURL: "https://idp.example.com/authorize",
			TokenURL:         "https://idp.example.com/token",
			UserInfoURL:      "https://idp.example.com/userinfo",
			Scopes:           []string{"openid", "groups"},
		})
		require.NoError(t, err)
		assert.Equal(t, "okta", p.Type())
		assert.Equal(t, []string{"openid", "groups"}, p.config.Scopes)
	})
}
