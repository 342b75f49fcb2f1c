// Package gateway connects the flow machine to the outside world: the
// identity API that owns credentials and sessions, and the OAuth identity
// providers used by the redirect exit.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/dgellow/authfront/internal/flow"
	"github.com/dgellow/authfront/internal/idp"
	"github.com/dgellow/authfront/internal/ioutil"
	"github.com/dgellow/authfront/internal/log"
)

const maxResponseBytes = 1 << 20

// Client talks to the identity API over HTTP. It implements the
// credential half of flow.Gateway and establishes sessions for identities
// vouched for by an OAuth provider.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

// NewClient creates a client for the identity API at baseURL.
func NewClient(baseURL, secretKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type challengeRequest struct {
	Kind         flow.Kind `json:"kind"`
	EmailAddress string    `json:"email_address"`
	Password     string    `json:"password,omitempty"`
}

type challengeResponse struct {
	ID string `json:"id"`
}

type signInRequest struct {
	EmailAddress string `json:"email_address"`
	Password     string `json:"password"`
}

type verifyRequest struct {
	Code        string `json:"code"`
	NewPassword string `json:"new_password,omitempty"`
}

type sessionResponse struct {
	Status       string `json:"status"`
	SessionToken string `json:"session_token"`
}

type oauthSessionRequest struct {
	Kind          flow.Kind `json:"kind"`
	Provider      string    `json:"provider"`
	Subject       string    `json:"subject"`
	EmailAddress  string    `json:"email_address"`
	EmailVerified bool      `json:"email_verified"`
	Name          string    `json:"name,omitempty"`
}

// errorResponse is the identity API's error envelope.
type errorResponse struct {
	Errors []struct {
		Code        string `json:"code"`
		Message     string `json:"message"`
		LongMessage string `json:"long_message"`
		Meta        struct {
			ParamName string `json:"param_name"`
		} `json:"meta"`
	} `json:"errors"`
}

// BeginIdentityChallenge creates an email-code challenge, or re-sends the
// code for an existing one when challenge.Attempt is set.
func (c *Client) BeginIdentityChallenge(ctx context.Context, challenge flow.Challenge) (flow.ChallengeResult, error) {
	var resp challengeResponse
	if challenge.Attempt != "" {
		path := "/v1/challenges/" + url.PathEscape(challenge.Attempt) + "/resend"
		if err := c.do(ctx, http.MethodPost, path, struct{}{}, &resp); err != nil {
			return flow.ChallengeResult{}, err
		}
		if resp.ID == "" {
			resp.ID = challenge.Attempt
		}
		return flow.ChallengeResult{Attempt: resp.ID}, nil
	}

	req := challengeRequest{
		Kind:         challenge.Kind,
		EmailAddress: challenge.Identifier,
		Password:     challenge.Secret,
	}
	if err := c.do(ctx, http.MethodPost, "/v1/challenges", req, &resp); err != nil {
		return flow.ChallengeResult{}, err
	}
	if resp.ID == "" {
		return flow.ChallengeResult{}, errors.New("identity api returned a challenge without an id")
	}
	return flow.ChallengeResult{Attempt: resp.ID}, nil
}

// SubmitFactor checks a password sign-in.
func (c *Client) SubmitFactor(ctx context.Context, factor flow.Factor) (flow.FactorResult, error) {
	var resp sessionResponse
	req := signInRequest{EmailAddress: factor.Identifier, Password: factor.Secret}
	if err := c.do(ctx, http.MethodPost, "/v1/sign_ins", req, &resp); err != nil {
		return flow.FactorResult{}, err
	}
	return resp.result(), nil
}

// VerifyCode redeems an email code, setting a new password when one is given.
func (c *Client) VerifyCode(ctx context.Context, verification flow.Verification) (flow.FactorResult, error) {
	if verification.Attempt == "" {
		return flow.FactorResult{}, errors.New("verification without a challenge attempt")
	}
	var resp sessionResponse
	req := verifyRequest{Code: verification.Code, NewPassword: verification.NewSecret}
	path := "/v1/challenges/" + url.PathEscape(verification.Attempt) + "/verify"
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return flow.FactorResult{}, err
	}
	return resp.result(), nil
}

// EstablishSession asks the identity API for a session on behalf of an
// identity an OAuth provider vouched for.
func (c *Client) EstablishSession(ctx context.Context, kind flow.Kind, identity *idp.Identity) (flow.FactorResult, error) {
	var resp sessionResponse
	req := oauthSessionRequest{
		Kind:          kind,
		Provider:      identity.ProviderType,
		Subject:       identity.Subject,
		EmailAddress:  identity.Email,
		EmailVerified: identity.EmailVerified,
		Name:          identity.Name,
	}
	if err := c.do(ctx, http.MethodPost, "/v1/oauth_sessions", req, &resp); err != nil {
		return flow.FactorResult{}, err
	}
	return resp.result(), nil
}

func (r sessionResponse) result() flow.FactorResult {
	return flow.FactorResult{
		Status:        flow.FactorStatus(r.Status),
		SessionHandle: r.SessionToken,
	}
}

// do sends body as JSON and decodes a 2xx reply into out. Client errors
// carrying the error envelope become *flow.ProviderError; everything else is
// returned as a plain error, which the machine treats as a transport failure.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity api request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := ioutil.DecodeLimited(resp.Body, maxResponseBytes, out); err != nil {
			return fmt.Errorf("identity api response: %w", err)
		}
		return nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Our own credentials were refused; nothing the user can fix.
		log.LogErrorWithFields("gateway", "Identity API refused the secret key", map[string]any{
			"status": resp.StatusCode,
			"path":   path,
		})
		return fmt.Errorf("identity api rejected credentials: status %d", resp.StatusCode)

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var envelope errorResponse
		if err := ioutil.DecodeLimited(resp.Body, maxResponseBytes, &envelope); err != nil || len(envelope.Errors) == 0 {
			return fmt.Errorf("identity api returned status %d without an error body", resp.StatusCode)
		}
		first := envelope.Errors[0]
		message := first.LongMessage
		if message == "" {
			message = first.Message
		}
		return &flow.ProviderError{
			FieldHint: first.Meta.ParamName,
			Message:   message,
			Code:      first.Code,
		}

	default:
		return fmt.Errorf("identity api returned status %d: %s", resp.StatusCode, ioutil.ReadLimited(resp.Body, 512))
	}
}
