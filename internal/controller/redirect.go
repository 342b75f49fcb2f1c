package controller

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/dgellow/authfront/internal/flow"
	"github.com/dgellow/authfront/internal/log"
)

// ErrRedirectIncomplete is returned when the provider accepted the callback
// but did not establish a session.
var ErrRedirectIncomplete = errors.New("redirect sign-in did not complete")

// Completion is the result of a finished redirect ceremony.
type Completion struct {
	SessionToken string
	RedirectTo   string
}

// CompleteRedirect finishes an OAuth redirect exit at the callback address.
// No flow state exists at this point; the ceremony resumes purely from the
// continuation parameters the provider sent back.
func CompleteRedirect(ctx context.Context, kind flow.Kind, params url.Values, opts Options) (Completion, error) {
	if !kind.SupportsRedirect() {
		return Completion{}, fmt.Errorf("redirect is not offered for %s", kind)
	}
	if opts.Gateway == nil {
		return Completion{}, errors.New("gateway is required")
	}

	gctx, cancel := detachedContext(ctx, opts.Timeout)
	defer cancel()

	res, err := opts.Gateway.CompleteRedirectChallenge(gctx, kind, params)
	if err != nil {
		return Completion{}, err
	}
	if res.Status != flow.FactorComplete || res.SessionHandle == "" {
		log.LogWarnWithFields("controller", "Redirect callback did not establish a session", map[string]any{
			"kind":   kind,
			"status": res.Status,
		})
		return Completion{}, ErrRedirectIncomplete
	}
	return Completion{
		SessionToken: res.SessionHandle,
		RedirectTo:   AfterCompletionURL(kind, opts),
	}, nil
}
