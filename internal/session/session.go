// Package session hands the identity provider's session handle to the
// browser. The handle is opaque to authfront; when it happens to be a JWT its
// exp claim bounds the cookie lifetime.
package session

import (
	"net/http"
	"time"

	"github.com/dgellow/authfront/internal/cookie"
	"github.com/dgellow/authfront/internal/log"
	gojwt "github.com/golang-jwt/jwt/v5"
)

// Manager issues, reads and clears the session cookie.
type Manager struct {
	ttl time.Duration
	now func() time.Time
}

// NewManager creates a manager whose cookies last at most ttl.
func NewManager(ttl time.Duration) *Manager {
	return &Manager{ttl: ttl, now: time.Now}
}

// Issue stores handle in the session cookie.
func (m *Manager) Issue(w http.ResponseWriter, handle string) {
	now := m.now()
	expires := ExpiryFromHandle(handle, now, m.ttl)
	cookie.SetSession(w, handle, expires.Sub(now))

	log.LogDebugWithFields("session", "Session cookie issued", map[string]any{
		"expires": expires.Format(time.RFC3339),
	})
}

// SignedIn reports whether the request carries a session handle that has not
// visibly expired. Authority stays with the identity provider; this only
// decides whether the auth pages should step aside.
func (m *Manager) SignedIn(r *http.Request) bool {
	handle, err := cookie.GetSession(r)
	if err != nil || handle == "" {
		return false
	}
	exp, ok := handleExpiry(handle)
	return !ok || m.now().Before(exp)
}

// Clear removes the session cookie.
func (m *Manager) Clear(w http.ResponseWriter) {
	cookie.ClearSession(w)
}

// ExpiryFromHandle returns when the cookie for handle should expire: the
// handle's own exp claim when it is a JWT that expires within fallback,
// otherwise now plus fallback.
func ExpiryFromHandle(handle string, now time.Time, fallback time.Duration) time.Time {
	limit := now.Add(fallback)
	exp, ok := handleExpiry(handle)
	if !ok || exp.After(limit) {
		return limit
	}
	if exp.Before(now) {
		return now
	}
	return exp
}

// handleExpiry reads the exp claim without verifying the signature; the
// identity provider is the only party that validates handles.
func handleExpiry(handle string) (time.Time, bool) {
	claims := &gojwt.RegisteredClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(handle, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
