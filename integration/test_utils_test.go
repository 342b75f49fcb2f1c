package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	authFrontURL = "http://localhost:8080"

	csrfCookie    = "csrf_token"
	sessionCookie = "__session"
	flowCookie    = "authfront_flow"
)

// testEnv holds the secrets the generated configs reference
var testEnv = []string{
	"AUTHFRONT_ENV=development",
	"IDENTITY_SECRET_KEY=" + testSecretKey,
	"CSRF_KEY=integration-csrf-key-0123456789abcdef",
	"OAUTH_STATE_KEY=integration-state-key-0123456789abcdef",
	"OIDC_CLIENT_SECRET=oidc-client-secret",
}

// baseConfig returns a config with memory storage and the fake OIDC provider
func baseConfig() map[string]any {
	return map[string]any{
		"version": "v0.1",
		"server": map[string]any{
			"baseURL":        authFrontURL,
			"addr":           ":8080",
			"name":           "Integration",
			"afterSignInUrl": "http://app.localhost/home",
			"afterSignUpUrl": "http://app.localhost/welcome",
			"allowedOrigins": []string{"http://app.localhost"},
		},
		"identity": map[string]any{
			"apiUrl":    "http://localhost:" + identityAPIPort,
			"secretKey": map[string]string{"$env": "IDENTITY_SECRET_KEY"},
			"timeout":   "5s",
		},
		"flows": map[string]any{
			"storage":         "memory",
			"ttl":             "10m",
			"cleanupInterval": "1m",
			"resendCooldown":  "1s",
		},
		"session": map[string]any{
			"cookieTtl": "1h",
			"csrfKey":   map[string]string{"$env": "CSRF_KEY"},
		},
		"oauth": map[string]any{
			"stateKey": map[string]string{"$env": "OAUTH_STATE_KEY"},
			"providers": []any{
				map[string]any{
					"provider":     "oidc",
					"clientId":     "oidc-client",
					"clientSecret": map[string]string{"$env": "OIDC_CLIENT_SECRET"},
					"discoveryUrl": "http://localhost:" + oidcProviderPort + "/.well-known/openid-configuration",
				},
			},
		},
	}
}

func writeConfig(t *testing.T, cfg map[string]any) string {
	t.Helper()
	data, err := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func trace(t *testing.T, format string, args ...any) {
	if os.Getenv("TRACE") == "1" {
		t.Logf(format, args...)
	}
}

// startAuthFront runs the binary with configPath and waits for /health
func startAuthFront(t *testing.T, configPath string, extraEnv ...string) {
	t.Helper()
	cmd := exec.Command(binaryPath, "-config", configPath)
	cmd.Env = append(os.Environ(), testEnv...)
	cmd.Env = append(cmd.Env, extraEnv...)

	if logFile := os.Getenv("AUTHFRONT_TEST_LOG"); logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			cmd.Stderr = f
			cmd.Stdout = f
			t.Cleanup(func() { f.Close() })
		}
	}

	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start authfront: %v", err)
	}
	t.Cleanup(func() {
		stopAuthFront(cmd)
	})
	waitForAuthFront(t)
}

// stopAuthFront stops the server gracefully, killing it after 5 seconds
func stopAuthFront(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}

	if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
}

func waitForAuthFront(t *testing.T) {
	t.Helper()
	for range 50 {
		resp, err := http.Get(authFrontURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("authfront failed to become ready after 5 seconds")
}

// browser is a cookie-keeping client that does not follow redirects
type browser struct {
	t      *testing.T
	client *http.Client
}

func newBrowser(t *testing.T) *browser {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &browser{
		t: t,
		client: &http.Client{
			Jar:     jar,
			Timeout: 10 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (b *browser) cookie(name string) string {
	u, _ := url.Parse(authFrontURL)
	for _, c := range b.client.Jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func (b *browser) get(rawURL string) (*http.Response, string) {
	b.t.Helper()
	if !isAbsolute(rawURL) {
		rawURL = authFrontURL + rawURL
	}
	resp, err := b.client.Get(rawURL)
	require.NoError(b.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(b.t, err)
	trace(b.t, "GET %s -> %d", rawURL, resp.StatusCode)
	return resp, string(body)
}

// submit posts a form with the CSRF token from the cookie jar
func (b *browser) submit(path string, form url.Values) *http.Response {
	b.t.Helper()
	if form == nil {
		form = url.Values{}
	}
	form.Set("csrf_token", b.cookie(csrfCookie))
	resp, err := b.client.PostForm(authFrontURL+path, form)
	require.NoError(b.t, err)
	_ = resp.Body.Close()
	trace(b.t, "POST %s -> %d %s", path, resp.StatusCode, resp.Header.Get("Location"))
	return resp
}

// api calls the JSON flow API with the CSRF header
func (b *browser) api(method, path string, body any) (*http.Response, map[string]any) {
	b.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(b.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, authFrontURL+path, &buf)
	require.NoError(b.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRF-Token", b.cookie(csrfCookie))

	resp, err := b.client.Do(req)
	require.NoError(b.t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	trace(b.t, "%s %s -> %d %v", method, path, resp.StatusCode, out)
	return resp, out
}

func isAbsolute(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && u.IsAbs()
}
