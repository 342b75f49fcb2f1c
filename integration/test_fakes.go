package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	testSecretKey = "sk_test_integration"
	// testCode is the email code the fake identity API always sends
	testCode = "424242"
)

type fakeChallenge struct {
	kind     string
	email    string
	password string
	resends  int
}

// FakeIdentityAPI simulates the identity API: it owns users and email-code
// challenges and issues session tokens.
type FakeIdentityAPI struct {
	server *http.Server
	port   string

	mu         sync.Mutex
	users      map[string]string // email -> password
	challenges map[string]*fakeChallenge
	seq        int
}

type apiError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	LongMessage string `json:"long_message"`
	Meta        struct {
		ParamName string `json:"param_name,omitempty"`
	} `json:"meta"`
}

func writeAPIError(w http.ResponseWriter, code, param, message string) {
	e := apiError{Code: code, Message: message, LongMessage: message}
	e.Meta.ParamName = param
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	_ = json.NewEncoder(w).Encode(map[string]any{"errors": []apiError{e}})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// NewFakeIdentityAPI creates a new fake identity API
func NewFakeIdentityAPI(port string) *FakeIdentityAPI {
	api := &FakeIdentityAPI{
		port:       port,
		users:      make(map[string]string),
		challenges: make(map[string]*fakeChallenge),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/challenges", api.createChallenge)
	mux.HandleFunc("POST /v1/challenges/{id}/resend", api.resendChallenge)
	mux.HandleFunc("POST /v1/challenges/{id}/verify", api.verifyChallenge)
	mux.HandleFunc("POST /v1/sign_ins", api.signIn)
	mux.HandleFunc("POST /v1/oauth_sessions", api.oauthSession)

	api.server = &http.Server{
		Addr:    ":" + port,
		Handler: api.requireSecretKey(mux),
	}
	return api
}

// URL returns the base URL of the fake
func (api *FakeIdentityAPI) URL() string {
	return "http://localhost:" + api.port
}

// AddUser registers an existing account
func (api *FakeIdentityAPI) AddUser(email, password string) {
	api.mu.Lock()
	defer api.mu.Unlock()
	api.users[email] = password
}

// Password returns the stored password for email
func (api *FakeIdentityAPI) Password(email string) (string, bool) {
	api.mu.Lock()
	defer api.mu.Unlock()
	p, ok := api.users[email]
	return p, ok
}

// Resends reports how many times codes were re-sent for email
func (api *FakeIdentityAPI) Resends(email string) int {
	api.mu.Lock()
	defer api.mu.Unlock()
	n := 0
	for _, c := range api.challenges {
		if c.email == email {
			n += c.resends
		}
	}
	return n
}

func (api *FakeIdentityAPI) requireSecretKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testSecretKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (api *FakeIdentityAPI) nextID(prefix string) string {
	api.seq++
	return fmt.Sprintf("%s_%d", prefix, api.seq)
}

func (api *FakeIdentityAPI) createChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind         string `json:"kind"`
		EmailAddress string `json:"email_address"`
		Password     string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	api.mu.Lock()
	defer api.mu.Unlock()

	_, exists := api.users[req.EmailAddress]
	switch {
	case req.Kind == "sign_up" && exists:
		writeAPIError(w, "form_identifier_exists", "email_address", "That email address is taken. Please try another.")
		return
	case req.Kind == "password_reset" && !exists:
		writeAPIError(w, "form_identifier_not_found", "email_address", "Couldn't find your account.")
		return
	}

	id := api.nextID("chl")
	api.challenges[id] = &fakeChallenge{kind: req.Kind, email: req.EmailAddress, password: req.Password}
	writeJSON(w, map[string]string{"id": id})
}

func (api *FakeIdentityAPI) resendChallenge(w http.ResponseWriter, r *http.Request) {
	api.mu.Lock()
	defer api.mu.Unlock()

	c, ok := api.challenges[r.PathValue("id")]
	if !ok {
		writeAPIError(w, "resource_not_found", "", "Verification expired. Start again.")
		return
	}
	c.resends++
	writeJSON(w, map[string]string{"id": r.PathValue("id")})
}

func (api *FakeIdentityAPI) verifyChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code        string `json:"code"`
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	api.mu.Lock()
	defer api.mu.Unlock()

	id := r.PathValue("id")
	c, ok := api.challenges[id]
	if !ok {
		writeAPIError(w, "resource_not_found", "", "Verification expired. Start again.")
		return
	}
	if req.Code != testCode {
		writeAPIError(w, "form_code_incorrect", "code", "Incorrect code")
		return
	}

	switch c.kind {
	case "sign_up":
		api.users[c.email] = c.password
	case "password_reset":
		api.users[c.email] = req.NewPassword
	}
	delete(api.challenges, id)
	writeJSON(w, map[string]string{"status": "complete", "session_token": api.nextID("sess")})
}

func (api *FakeIdentityAPI) signIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EmailAddress string `json:"email_address"`
		Password     string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	api.mu.Lock()
	defer api.mu.Unlock()

	password, ok := api.users[req.EmailAddress]
	if !ok {
		writeAPIError(w, "form_identifier_not_found", "email_address", "Couldn't find your account.")
		return
	}
	if password != req.Password {
		writeAPIError(w, "form_password_incorrect", "password", "Password is incorrect. Try again, or use another method.")
		return
	}
	writeJSON(w, map[string]string{"status": "complete", "session_token": api.nextID("sess")})
}

func (api *FakeIdentityAPI) oauthSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind          string `json:"kind"`
		Provider      string `json:"provider"`
		EmailAddress  string `json:"email_address"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !req.EmailVerified {
		writeAPIError(w, "oauth_email_unverified", "", "Your email address is not verified.")
		return
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if _, ok := api.users[req.EmailAddress]; !ok {
		api.users[req.EmailAddress] = ""
	}
	writeJSON(w, map[string]string{
		"status":        "complete",
		"session_token": "sess_" + strings.ToLower(req.Provider) + "_" + api.nextID("oauth"),
	})
}

// Start starts the fake identity API
func (api *FakeIdentityAPI) Start() error {
	go func() {
		if err := api.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic(err)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	return nil
}

// Stop stops the fake identity API
func (api *FakeIdentityAPI) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return api.server.Shutdown(ctx)
}

// FakeOIDCServer simulates a generic OIDC provider for integration testing.
type FakeOIDCServer struct {
	server *http.Server
	port   string
}

// NewFakeOIDCServer creates a new fake OIDC server.
func NewFakeOIDCServer(port string) *FakeOIDCServer {
	mux := http.NewServeMux()

	baseURL := "http://localhost:" + port

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"issuer":                 baseURL,
			"authorization_endpoint": baseURL + "/authorize",
			"token_endpoint":         baseURL + "/token",
			"userinfo_endpoint":      baseURL + "/userinfo",
		})
	})

	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		redirectURI := r.URL.Query().Get("redirect_uri")
		state := r.URL.Query().Get("state")
		http.Redirect(w, r, fmt.Sprintf("%s?code=oidc-test-code&state=%s", redirectURI, state), http.StatusFound)
	})

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}

		if r.FormValue("code") != "oidc-test-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":             "invalid_grant",
				"error_description": "Invalid authorization code",
			})
			return
		}

		writeJSON(w, map[string]any{
			"access_token": "oidc-test-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})

	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"sub":            "oidc-12345",
			"email":          "test@oidc-test.com",
			"email_verified": true,
			"name":           "OIDC User",
		})
	})

	server := &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	return &FakeOIDCServer{
		server: server,
		port:   port,
	}
}

// Start starts the fake OIDC server
func (s *FakeOIDCServer) Start() error {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic(err)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	return nil
}

// Stop stops the fake OIDC server
func (s *FakeOIDCServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
