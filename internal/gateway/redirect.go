package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"

	"github.com/dgellow/authfront/internal/config"
	"github.com/dgellow/authfront/internal/crypto"
	"github.com/dgellow/authfront/internal/emailutil"
	"github.com/dgellow/authfront/internal/flow"
	"github.com/dgellow/authfront/internal/idp"
	"github.com/dgellow/authfront/internal/log"
	"golang.org/x/oauth2"
)

// Provider rejection codes produced by the redirect handshake.
const (
	CodeUnknownProvider = "unknown_provider"
	CodeInvalidState    = "invalid_state"
	CodeProviderDenied  = "provider_denied"
	CodeAccessDenied    = "access_denied"
	CodeInvalidGrant    = "invalid_grant"
)

// SessionIssuer turns an identity vouched for by an OAuth provider into a
// session with the identity API.
type SessionIssuer interface {
	EstablishSession(ctx context.Context, kind flow.Kind, identity *idp.Identity) (flow.FactorResult, error)
}

// redirectState is carried through the provider inside the signed state
// parameter. Nonce makes every state unique.
type redirectState struct {
	Nonce       string    `json:"n"`
	Kind        flow.Kind `json:"k"`
	Provider    string    `json:"p"`
	RedirectURI string    `json:"r"`
}

type registeredProvider struct {
	provider       idp.Provider
	redirectURI    string
	allowedDomains []string
	allowedOrgs    []string
}

// Redirector runs the OAuth redirect exit: it builds the provider's
// authorization address and, on the way back, exchanges the code and asks
// the issuer for a session.
type Redirector struct {
	signer    crypto.TokenSigner
	issuer    SessionIssuer
	providers map[string]registeredProvider
}

// NewRedirector creates a Redirector that signs its state with signer.
func NewRedirector(signer crypto.TokenSigner, issuer SessionIssuer) *Redirector {
	return &Redirector{
		signer:    signer,
		issuer:    issuer,
		providers: make(map[string]registeredProvider),
	}
}

// Register makes provider available under its type name with the access
// rules from cfg.
func (r *Redirector) Register(provider idp.Provider, cfg config.ProviderConfig) {
	r.providers[provider.Type()] = registeredProvider{
		provider:       provider,
		redirectURI:    cfg.RedirectURI,
		allowedDomains: cfg.AllowedDomains,
		allowedOrgs:    cfg.AllowedOrgs,
	}
}

// Providers lists the registered provider names in a stable order.
func (r *Redirector) Providers() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BeginRedirectChallenge returns the provider's authorization address. The
// provider sends the browser back to returnAddress unless the provider was
// configured with a fixed redirect URI.
func (r *Redirector) BeginRedirectChallenge(ctx context.Context, kind flow.Kind, provider, returnAddress string) (string, error) {
	p, ok := r.providers[provider]
	if !ok {
		return "", &flow.ProviderError{Code: CodeUnknownProvider, Message: "This sign-in method is not available"}
	}

	redirectURI := p.redirectURI
	if redirectURI == "" {
		redirectURI = returnAddress
	}

	nonce, err := crypto.GenerateSecureToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate state nonce: %w", err)
	}
	state, err := r.signer.Sign(redirectState{
		Nonce:       nonce,
		Kind:        kind,
		Provider:    provider,
		RedirectURI: redirectURI,
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}

	return p.provider.AuthURL(state, redirectURI), nil
}

// CompleteRedirectChallenge verifies the state the provider echoed back,
// exchanges the authorization code and establishes a session.
func (r *Redirector) CompleteRedirectChallenge(ctx context.Context, kind flow.Kind, params url.Values) (flow.FactorResult, error) {
	if e := params.Get("error"); e != "" {
		log.LogInfoWithFields("gateway", "Provider returned an error to the callback", map[string]any{
			"kind":        kind,
			"error":       e,
			"description": params.Get("error_description"),
		})
		return flow.FactorResult{}, &flow.ProviderError{Code: CodeProviderDenied, Message: "Sign-in was cancelled or denied by the provider"}
	}

	var state redirectState
	if err := r.signer.Verify(params.Get("state"), &state); err != nil {
		log.LogWarnWithFields("gateway", "Rejected redirect state", map[string]any{
			"kind":  kind,
			"error": err.Error(),
		})
		return flow.FactorResult{}, &flow.ProviderError{Code: CodeInvalidState, Message: "Your sign-in attempt expired. Please try again."}
	}
	if state.Kind != kind {
		return flow.FactorResult{}, &flow.ProviderError{Code: CodeInvalidState, Message: "Your sign-in attempt expired. Please try again."}
	}

	p, ok := r.providers[state.Provider]
	if !ok {
		return flow.FactorResult{}, &flow.ProviderError{Code: CodeUnknownProvider, Message: "This sign-in method is not available"}
	}

	code := params.Get("code")
	if code == "" {
		return flow.FactorResult{}, &flow.ProviderError{Code: CodeInvalidGrant, Message: "The provider did not return an authorization code"}
	}

	identity, err := p.provider.Identify(ctx, code, state.RedirectURI)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil && retrieveErr.Response.StatusCode < 500 {
			return flow.FactorResult{}, &flow.ProviderError{Code: CodeInvalidGrant, Message: "Sign-in with the provider failed. Please try again."}
		}
		return flow.FactorResult{}, fmt.Errorf("identifying user with %s: %w", state.Provider, err)
	}

	if err := idp.Admit(identity, p.allowedDomains, p.allowedOrgs); err != nil {
		log.LogInfoWithFields("gateway", "Identity not admitted", map[string]any{
			"provider": state.Provider,
			"email":    emailutil.Mask(identity.Email),
			"reason":   err.Error(),
		})
		return flow.FactorResult{}, &flow.ProviderError{Code: CodeAccessDenied, Message: "This account is not allowed to sign in here"}
	}

	return r.issuer.EstablishSession(ctx, kind, identity)
}
