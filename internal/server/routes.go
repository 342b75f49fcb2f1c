package server

import (
	"net/http"

	"github.com/dgellow/authfront/internal/flow"
)

// RegisterFlowRoutes mounts the auth pages, the provider callbacks and the
// JSON flow API on mux. pageMiddleware wraps the HTML surfaces and
// apiMiddleware the JSON API.
func RegisterFlowRoutes(mux *http.ServeMux, h *FlowHandlers, pageMiddleware, apiMiddleware []MiddlewareFunc) {
	page := func(fn http.HandlerFunc) http.Handler {
		return ChainMiddleware(fn, pageMiddleware...)
	}

	mux.Handle("GET /{$}", page(h.Home))
	for _, s := range surfaces {
		mux.Handle("GET "+s.path, page(h.Page(s.kind)))
		mux.Handle("POST "+s.path, page(h.Submit(s.kind)))
		if hasResendStep(s.kind) {
			mux.Handle("POST "+s.path+"/resend", page(h.Resend(s.kind)))
		}
		if s.kind.SupportsRedirect() {
			mux.Handle("POST "+s.path+"/oauth/{provider}", page(h.BeginRedirect(s.kind)))
			mux.Handle("GET "+s.path+"/sso-callback", page(h.Callback(s.kind)))
		}
	}
	mux.Handle("POST /sign-out", page(h.SignOut))

	// Preflight requests must reach the CORS middleware before any method
	// matching, so the API gets its own mux.
	api := http.NewServeMux()
	api.HandleFunc("GET /api/flows/{kind}", h.APIGetFlow)
	api.HandleFunc("POST /api/flows/{kind}/fields", h.APIFieldChange)
	api.HandleFunc("POST /api/flows/{kind}/submit", h.APISubmit)
	api.HandleFunc("POST /api/flows/{kind}/resend", h.APIResend)
	api.HandleFunc("POST /api/flows/{kind}/redirect", h.APIRedirect)
	mux.Handle("/api/", ChainMiddleware(api, apiMiddleware...))
}

func hasResendStep(kind flow.Kind) bool {
	for _, step := range kind.Steps() {
		if kind.Resendable(step) {
			return true
		}
	}
	return false
}
