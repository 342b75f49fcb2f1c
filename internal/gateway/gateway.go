package gateway

import (
	"context"
	"errors"
	"net/url"

	"github.com/dgellow/authfront/internal/flow"
)

// ErrUnavailable is returned by the Unavailable gateway and for redirect
// operations when no OAuth provider is configured.
var ErrUnavailable = errors.New("identity provider is not available")

// Gateway combines the identity API client with the redirect handshake.
// A nil Redirector disables the redirect exit.
type Gateway struct {
	*Client
	Redirector *Redirector
}

var _ flow.Gateway = (*Gateway)(nil)

// New creates a Gateway. redirector may be nil.
func New(client *Client, redirector *Redirector) *Gateway {
	return &Gateway{Client: client, Redirector: redirector}
}

func (g *Gateway) BeginRedirectChallenge(ctx context.Context, kind flow.Kind, provider, returnAddress string) (string, error) {
	if g.Redirector == nil {
		return "", ErrUnavailable
	}
	return g.Redirector.BeginRedirectChallenge(ctx, kind, provider, returnAddress)
}

func (g *Gateway) CompleteRedirectChallenge(ctx context.Context, kind flow.Kind, params url.Values) (flow.FactorResult, error) {
	if g.Redirector == nil {
		return flow.FactorResult{}, ErrUnavailable
	}
	return g.Redirector.CompleteRedirectChallenge(ctx, kind, params)
}

// Providers lists the OAuth providers offered on the auth pages.
func (g *Gateway) Providers() []string {
	if g.Redirector == nil {
		return nil
	}
	return g.Redirector.Providers()
}

// Unavailable is a gateway whose every operation fails as a transport error.
// It stands in while the identity API is not configured so that the pages
// still render and report "Something went wrong".
type Unavailable struct{}

var _ flow.Gateway = Unavailable{}

func (Unavailable) BeginIdentityChallenge(context.Context, flow.Challenge) (flow.ChallengeResult, error) {
	return flow.ChallengeResult{}, ErrUnavailable
}

func (Unavailable) SubmitFactor(context.Context, flow.Factor) (flow.FactorResult, error) {
	return flow.FactorResult{}, ErrUnavailable
}

func (Unavailable) VerifyCode(context.Context, flow.Verification) (flow.FactorResult, error) {
	return flow.FactorResult{}, ErrUnavailable
}

func (Unavailable) BeginRedirectChallenge(context.Context, flow.Kind, string, string) (string, error) {
	return "", ErrUnavailable
}

func (Unavailable) CompleteRedirectChallenge(context.Context, flow.Kind, url.Values) (flow.FactorResult, error) {
	return flow.FactorResult{}, ErrUnavailable
}
