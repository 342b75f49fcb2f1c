package integration

import (
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignUpThenSignIn(t *testing.T) {
	startAuthFront(t, writeConfig(t, baseConfig()))
	const email = "signup@example.com"

	t.Run("sign up with email code", func(t *testing.T) {
		b := newBrowser(t)
		resp, body := b.get("/sign-up")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, "Continue with oidc")

		resp = b.submit("/sign-up", url.Values{
			"step":            {"credentials"},
			"email":           {email},
			"password":        {"Secret123"},
			"confirmPassword": {"Secret123"},
		})
		require.Equal(t, http.StatusSeeOther, resp.StatusCode)
		assert.Equal(t, "/sign-up", resp.Header.Get("Location"))

		_, body = b.get("/sign-up")
		assert.Contains(t, body, email)
		assert.NotContains(t, body, "Secret123")

		resp = b.submit("/sign-up", url.Values{"step": {"email_verification"}, "code": {"000000"}})
		assert.Equal(t, "/sign-up", resp.Header.Get("Location"))
		_, body = b.get("/sign-up")
		assert.Contains(t, body, "Incorrect code")

		resp = b.submit("/sign-up", url.Values{"step": {"email_verification"}, "code": {testCode}})
		require.Equal(t, http.StatusSeeOther, resp.StatusCode)
		assert.Equal(t, "http://app.localhost/welcome", resp.Header.Get("Location"))
		assert.True(t, strings.HasPrefix(b.cookie(sessionCookie), "sess_"))
		assert.Empty(t, b.cookie(flowCookie))

		password, ok := identityAPI.Password(email)
		require.True(t, ok)
		assert.Equal(t, "Secret123", password)
	})

	t.Run("sign up again is refused", func(t *testing.T) {
		b := newBrowser(t)
		b.get("/sign-up")
		b.submit("/sign-up", url.Values{
			"step":            {"credentials"},
			"email":           {email},
			"password":        {"Secret123"},
			"confirmPassword": {"Secret123"},
		})
		_, body := b.get("/sign-up")
		assert.Contains(t, body, "That email address is taken")
	})

	t.Run("sign in with the new password", func(t *testing.T) {
		b := newBrowser(t)
		b.get("/sign-in")

		b.submit("/sign-in", url.Values{"step": {"credentials"}, "email": {email}, "password": {"Wrong1234"}})
		_, body := b.get("/sign-in")
		assert.Contains(t, body, "Password is incorrect")
		assert.Empty(t, b.cookie(sessionCookie))

		resp := b.submit("/sign-in", url.Values{"step": {"credentials"}, "email": {email}, "password": {"Secret123"}})
		require.Equal(t, http.StatusSeeOther, resp.StatusCode)
		assert.Equal(t, "http://app.localhost/home", resp.Header.Get("Location"))
		assert.NotEmpty(t, b.cookie(sessionCookie))

		// Signed-in browsers skip the auth pages
		resp, _ = b.get("/sign-in")
		assert.Equal(t, http.StatusFound, resp.StatusCode)

		resp = b.submit("/sign-out", nil)
		assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
		assert.Empty(t, b.cookie(sessionCookie))
	})
}

func TestPasswordResetThroughAPI(t *testing.T) {
	startAuthFront(t, writeConfig(t, baseConfig()))
	const email = "reset@example.com"
	identityAPI.AddUser(email, "OldPass123")

	b := newBrowser(t)
	resp, body := b.api(http.MethodGet, "/api/flows/password-reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body["csrfToken"])

	resp, body = b.api(http.MethodPost, "/api/flows/password-reset/submit", map[string]any{
		"step":   "request_code",
		"fields": map[string]string{"email": email},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "advanced", body["outcome"])

	resp, body = b.api(http.MethodPost, "/api/flows/password-reset/resend", map[string]any{"step": "reset_with_code"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "resent", body["outcome"])

	_, body = b.api(http.MethodPost, "/api/flows/password-reset/resend", map[string]any{"step": "reset_with_code"})
	assert.Equal(t, "cooling_down", body["outcome"])
	assert.Equal(t, 1, identityAPI.Resends(email))

	resp, body = b.api(http.MethodPost, "/api/flows/password-reset/submit", map[string]any{
		"step":   "reset_with_code",
		"fields": map[string]string{"code": testCode, "password": "weak", "confirmPassword": "weak"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body["fieldErrors"], "password")

	resp, body = b.api(http.MethodPost, "/api/flows/password-reset/submit", map[string]any{
		"step":   "reset_with_code",
		"fields": map[string]string{"code": testCode, "password": "NewPass123", "confirmPassword": "NewPass123"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["outcome"])
	assert.NotEmpty(t, b.cookie(sessionCookie))

	password, _ := identityAPI.Password(email)
	assert.Equal(t, "NewPass123", password)
}

func TestOAuthRedirectSignIn(t *testing.T) {
	startAuthFront(t, writeConfig(t, baseConfig()))

	b := newBrowser(t)
	b.get("/sign-in")

	resp := b.submit("/sign-in/oauth/oidc", nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	authURL := resp.Header.Get("Location")
	require.True(t, strings.HasPrefix(authURL, "http://localhost:"+oidcProviderPort+"/authorize"), authURL)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, authFrontURL+"/sign-in/sso-callback", u.Query().Get("redirect_uri"))

	// The provider sends the browser straight back
	resp, _ = b.get(authURL)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	callback := resp.Header.Get("Location")

	resp, _ = b.get(callback)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "http://app.localhost/home", resp.Header.Get("Location"))
	assert.True(t, strings.HasPrefix(b.cookie(sessionCookie), "sess_oidc_"))

	t.Run("replayed callback with tampered state", func(t *testing.T) {
		b := newBrowser(t)
		cb, err := url.Parse(callback)
		require.NoError(t, err)
		q := cb.Query()
		q.Set("state", q.Get("state")+"x")
		cb.RawQuery = q.Encode()

		resp, _ := b.get(cb.String())
		require.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/sign-in?error=invalid_state", resp.Header.Get("Location"))
		assert.Empty(t, b.cookie(sessionCookie))
	})
}

func TestSecurity(t *testing.T) {
	startAuthFront(t, writeConfig(t, baseConfig()))

	t.Run("forms require the CSRF token", func(t *testing.T) {
		b := newBrowser(t)
		b.get("/sign-in")
		resp, err := b.client.PostForm(authFrontURL+"/sign-in", url.Values{
			"step":     {"credentials"},
			"email":    {"a@example.com"},
			"password": {"whatever"},
		})
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("API requires the CSRF header", func(t *testing.T) {
		b := newBrowser(t)
		b.api(http.MethodGet, "/api/flows/sign-in", nil)
		req, err := http.NewRequest(http.MethodPost, authFrontURL+"/api/flows/sign-in/submit", strings.NewReader(`{}`))
		require.NoError(t, err)
		resp, err := b.client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("CORS only for listed origins", func(t *testing.T) {
		for origin, want := range map[string]string{
			"http://app.localhost":  "http://app.localhost",
			"https://evil.example": "",
		} {
			req, err := http.NewRequest(http.MethodOptions, authFrontURL+"/api/flows/sign-in/submit", nil)
			require.NoError(t, err)
			req.Header.Set("Origin", origin)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusNoContent, resp.StatusCode)
			assert.Equal(t, want, resp.Header.Get("Access-Control-Allow-Origin"))
		}
	})

	t.Run("auth pages are not cacheable or frameable", func(t *testing.T) {
		resp, _ := newBrowser(t).get("/sign-in")
		assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
		assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	})
}
