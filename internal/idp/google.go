package idp

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// GoogleProvider signs people in with Google accounts. Workspace accounts
// report their hosted domain in `hd`, which wins over the email domain.
type GoogleProvider struct {
	codeFlow
	userInfoURL string
}

type googleClaims struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	HostedDomain  string `json:"hd"`
}

// NewGoogleProvider creates a Google provider.
func NewGoogleProvider(clientID, clientSecret string, scopes []string) *GoogleProvider {
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}
	p := &GoogleProvider{userInfoURL: googleUserInfoURL}
	p.codeFlow = codeFlow{
		name: "google",
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       scopes,
			Endpoint:     google.Endpoint,
		},
		authOpts: []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("prompt", "select_account")},
		claims:   p.readClaims,
	}
	return p
}

func (p *GoogleProvider) readClaims(ctx context.Context, client *http.Client) (*Identity, error) {
	var c googleClaims
	if err := getJSON(ctx, client, p.userInfoURL, &c); err != nil {
		return nil, err
	}
	return &Identity{
		Subject:       c.Sub,
		Email:         c.Email,
		EmailVerified: c.VerifiedEmail,
		Name:          c.Name,
		Domain:        c.HostedDomain,
	}, nil
}
