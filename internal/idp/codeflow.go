package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"

	"github.com/dgellow/authfront/internal/emailutil"
	"github.com/dgellow/authfront/internal/ioutil"
	"golang.org/x/oauth2"
)

// claimsFunc reads the identity behind a client authorized with the user's
// access token.
type claimsFunc func(ctx context.Context, client *http.Client) (*Identity, error)

// codeFlow is the authorization code exchange every provider shares. The
// providers differ only in endpoints and in how claims are read.
type codeFlow struct {
	name     string
	config   oauth2.Config
	authOpts []oauth2.AuthCodeOption
	claims   claimsFunc
}

func (f *codeFlow) Type() string {
	return f.name
}

func (f *codeFlow) AuthURL(state, redirectURI string) string {
	opts := append(slices.Clone(f.authOpts), redirectOption(redirectURI)...)
	return f.config.AuthCodeURL(state, opts...)
}

func (f *codeFlow) Identify(ctx context.Context, code, redirectURI string) (*Identity, error) {
	token, err := f.config.Exchange(ctx, code, redirectOption(redirectURI)...)
	if err != nil {
		return nil, fmt.Errorf("code exchange: %w", err)
	}

	identity, err := f.claims(ctx, f.config.Client(ctx, token))
	if err != nil {
		return nil, err
	}
	identity.ProviderType = f.name
	if identity.Domain == "" {
		identity.Domain = emailutil.ExtractDomain(identity.Email)
	}
	return identity, nil
}

func redirectOption(redirectURI string) []oauth2.AuthCodeOption {
	if redirectURI == "" {
		return nil
	}
	return []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("redirect_uri", redirectURI)}
}

// getJSON decodes the JSON document at url into out.
func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d: %s", url, resp.StatusCode, ioutil.ReadLimited(resp.Body, 1024))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", url, err)
	}
	return nil
}
