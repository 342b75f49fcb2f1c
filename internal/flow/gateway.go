package flow

import (
	"context"
	"errors"
	"net/url"
)

// Challenge asks the identity provider to send an email code. A non-empty
// Attempt re-issues the code for an existing challenge instead of starting a
// new one.
type Challenge struct {
	Kind       Kind
	Identifier string
	// Secret carries the chosen password when the challenge creates an account.
	Secret  string
	Attempt string
}

// ChallengeResult carries the provider's continuation id for the challenge.
type ChallengeResult struct {
	Attempt string
}

// Factor is a first-factor sign-in attempt.
type Factor struct {
	Kind       Kind
	Identifier string
	Secret     string
}

// Verification redeems an email code, optionally setting a new password.
type Verification struct {
	Kind      Kind
	Attempt   string
	Code      string
	NewSecret string
}

// FactorStatus is the provider's verdict on a factor or code.
type FactorStatus string

const (
	FactorComplete       FactorStatus = "complete"
	FactorNeedsMoreSteps FactorStatus = "needs_more_steps"
)

// FactorResult is returned by operations that may establish a session.
type FactorResult struct {
	Status        FactorStatus
	SessionHandle string
}

// Gateway is the identity provider boundary. Rejections are reported as
// *ProviderError; any other error is treated as a transport failure.
type Gateway interface {
	BeginIdentityChallenge(ctx context.Context, challenge Challenge) (ChallengeResult, error)
	SubmitFactor(ctx context.Context, factor Factor) (FactorResult, error)
	VerifyCode(ctx context.Context, verification Verification) (FactorResult, error)
	// BeginRedirectChallenge returns the address the browser must navigate to.
	BeginRedirectChallenge(ctx context.Context, kind Kind, provider, returnAddress string) (string, error)
	// CompleteRedirectChallenge finishes a redirect ceremony from the
	// continuation parameters the provider sent back to the callback address.
	CompleteRedirectChallenge(ctx context.Context, kind Kind, params url.Values) (FactorResult, error)
}

// ProviderError is a rejection reported by the identity provider.
type ProviderError struct {
	FieldHint string
	Message   string
	Code      string
}

func (e *ProviderError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// AsProviderError extracts a provider rejection from err.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// FieldForHint maps a provider parameter name onto a form field name.
func FieldForHint(hint string) string {
	switch hint {
	case "email", "email_address", "identifier":
		return FieldEmail
	case "password", "new_password":
		return FieldPassword
	case "code":
		return FieldCode
	}
	return ""
}

// ResendLimiter throttles repeated code requests. Allow returns false when
// key is still cooling down.
type ResendLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}
