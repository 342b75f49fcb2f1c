package cookie

import (
	"net/http"
	"time"

	"github.com/dgellow/authfront/internal/envutil"
	"github.com/dgellow/authfront/internal/log"
)

// Cookie names used by authfront
const (
	SessionCookie = "__session"
	FlowCookie    = "authfront_flow"
	CSRFCookie    = "csrf_token"
)

func secure() bool {
	return !envutil.IsDev()
}

// SetSession stores the session handle issued by the identity provider.
func SetSession(w http.ResponseWriter, value string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure(),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(maxAge.Seconds()),
	})

	log.LogTraceWithFields("cookie", "Session cookie set", map[string]any{
		"maxAge":   maxAge.String(),
		"secure":   secure(),
		"sameSite": "Lax",
	})
}

// SetFlow binds the browser to a flow id. The cookie lives as long as the
// flow snapshot does.
func SetFlow(w http.ResponseWriter, flowID string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     FlowCookie,
		Value:    flowID,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure(),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(maxAge.Seconds()),
	})
}

// SetCSRF sets a CSRF token cookie
func SetCSRF(w http.ResponseWriter, value string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookie,
		Value:    value,
		Path:     "/",
		HttpOnly: false, // read by API clients for the X-CSRF-Token header
		Secure:   secure(),
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(maxAge.Seconds()),
	})
}

// Clear removes a cookie by setting MaxAge to -1
func Clear(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure(),
		MaxAge:   -1,
	})
}

// ClearSession removes the session cookie
func ClearSession(w http.ResponseWriter) {
	Clear(w, SessionCookie)
	log.LogTraceWithFields("cookie", "Session cookie cleared", nil)
}

// ClearFlow removes the flow cookie
func ClearFlow(w http.ResponseWriter) {
	Clear(w, FlowCookie)
}

// Get retrieves a cookie value from the request
func Get(r *http.Request, name string) (string, error) {
	cookie, err := r.Cookie(name)
	if err != nil {
		return "", err
	}
	return cookie.Value, nil
}

// GetSession retrieves the session cookie value
func GetSession(r *http.Request) (string, error) {
	return Get(r, SessionCookie)
}

// GetFlow retrieves the flow id
func GetFlow(r *http.Request) (string, error) {
	return Get(r, FlowCookie)
}

// GetCSRF retrieves the CSRF cookie value
func GetCSRF(r *http.Request) (string, error) {
	return Get(r, CSRFCookie)
}
