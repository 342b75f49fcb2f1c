package idp

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

// GitHubProvider signs people in with GitHub. GitHub speaks plain OAuth 2.0,
// so the identity comes from its REST API, organizations included so that
// allowedOrgs can be enforced.
type GitHubProvider struct {
	codeFlow
	apiBaseURL string
}

type githubUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

type githubOrg struct {
	Login string `json:"login"`
}

var errNoVerifiedEmail = errors.New("github account has no verified email")

// NewGitHubProvider creates a GitHub provider.
func NewGitHubProvider(clientID, clientSecret string) *GitHubProvider {
	p := &GitHubProvider{apiBaseURL: "https://api.github.com"}
	p.codeFlow = codeFlow{
		name: "github",
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       []string{"user:email", "read:org"},
			Endpoint:     github.Endpoint,
		},
		claims: p.readClaims,
	}
	return p
}

func (p *GitHubProvider) readClaims(ctx context.Context, client *http.Client) (*Identity, error) {
	var user githubUser
	if err := getJSON(ctx, client, p.apiBaseURL+"/user", &user); err != nil {
		return nil, err
	}

	identity := &Identity{
		Subject: strconv.FormatInt(user.ID, 10),
		Name:    user.Name,
	}
	if identity.Name == "" {
		identity.Name = user.Login
	}

	// The public profile email is always a verified one
	if user.Email != "" {
		identity.Email, identity.EmailVerified = user.Email, true
	} else {
		var emails []githubEmail
		if err := getJSON(ctx, client, p.apiBaseURL+"/user/emails", &emails); err != nil {
			return nil, err
		}
		email, ok := pickEmail(emails)
		if !ok {
			return nil, errNoVerifiedEmail
		}
		identity.Email, identity.EmailVerified = email, true
	}

	var orgs []githubOrg
	if err := getJSON(ctx, client, p.apiBaseURL+"/user/orgs", &orgs); err != nil {
		return nil, err
	}
	for _, org := range orgs {
		identity.Organizations = append(identity.Organizations, org.Login)
	}
	return identity, nil
}

// pickEmail prefers the primary address, then any verified one.
func pickEmail(emails []githubEmail) (string, bool) {
	fallback := ""
	for _, e := range emails {
		if !e.Verified {
			continue
		}
		if e.Primary {
			return e.Email, true
		}
		if fallback == "" {
			fallback = e.Email
		}
	}
	return fallback, fallback != ""
}
