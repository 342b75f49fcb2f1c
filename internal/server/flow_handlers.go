package server

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/dgellow/authfront/internal/controller"
	"github.com/dgellow/authfront/internal/cookie"
	"github.com/dgellow/authfront/internal/crypto"
	"github.com/dgellow/authfront/internal/flow"
	"github.com/dgellow/authfront/internal/flowhub"
	"github.com/dgellow/authfront/internal/gateway"
	jsonwriter "github.com/dgellow/authfront/internal/json"
	"github.com/dgellow/authfront/internal/log"
	"github.com/dgellow/authfront/internal/session"
)

const (
	csrfHeader    = "X-CSRF-Token"
	csrfFormField = "csrf_token"
	maxFormBytes  = 64 << 10
	csrfTTL       = 2 * time.Hour
)

// surface is one browser-facing auth page.
type surface struct {
	kind  flow.Kind
	path  string
	slug  string
	title string
}

var surfaces = []surface{
	{kind: flow.KindSignIn, path: "/sign-in", slug: "sign-in", title: "Sign in"},
	{kind: flow.KindSignUp, path: "/sign-up", slug: "sign-up", title: "Create your account"},
	{kind: flow.KindPasswordReset, path: "/forgot-password", slug: "password-reset", title: "Reset your password"},
}

func surfaceFor(kind flow.Kind) surface {
	for _, s := range surfaces {
		if s.kind == kind {
			return s
		}
	}
	panic("no surface for flow kind " + string(kind))
}

func surfaceBySlug(slug string) (surface, bool) {
	for _, s := range surfaces {
		if s.slug == slug {
			return s, true
		}
	}
	return surface{}, false
}

// Error codes carried to the page after a failed provider callback.
const codeCallbackFailed = "callback_failed"

var callbackMessages = map[string]string{
	gateway.CodeProviderDenied:  "Sign-in was cancelled at your identity provider.",
	gateway.CodeAccessDenied:    "This account is not allowed to sign in here.",
	gateway.CodeInvalidState:    "Your sign-in attempt expired. Please try again.",
	gateway.CodeInvalidGrant:    "Your identity provider did not confirm the sign-in. Please try again.",
	gateway.CodeUnknownProvider: "That sign-in option is not available.",
}

func callbackMessage(code string) string {
	if msg, ok := callbackMessages[code]; ok {
		return msg
	}
	return flow.MessageTransport
}

// FlowHandlersConfig carries the dependencies of FlowHandlers.
type FlowHandlersConfig struct {
	Hub        *flowhub.Hub
	Sessions   *session.Manager
	CSRFKey    []byte
	Controller controller.Options
	Providers  []string
	BaseURL    string
	AppName    string
	FlowTTL    time.Duration
}

// FlowHandlers serves the sign-in, sign-up and password reset surfaces as
// HTML pages and as a JSON API. Page posts answer with a 303 back to the
// page so a reload never resubmits.
type FlowHandlers struct {
	hub       *flowhub.Hub
	sessions  *session.Manager
	csrf      crypto.CSRFProtection
	opts      controller.Options
	providers []string
	baseURL   string
	appName   string
	flowTTL   time.Duration
}

// NewFlowHandlers creates the flow handlers
func NewFlowHandlers(cfg FlowHandlersConfig) *FlowHandlers {
	return &FlowHandlers{
		hub:       cfg.Hub,
		sessions:  cfg.Sessions,
		csrf:      crypto.NewCSRFProtection(cfg.CSRFKey, csrfTTL),
		opts:      cfg.Controller,
		providers: cfg.Providers,
		baseURL:   cfg.BaseURL,
		appName:   cfg.AppName,
		flowTTL:   cfg.FlowTTL,
	}
}

// Home sends the browser to the app when signed in and to sign-in otherwise.
func (h *FlowHandlers) Home(w http.ResponseWriter, r *http.Request) {
	if h.sessions.SignedIn(r) {
		http.Redirect(w, r, controller.AfterCompletionURL(flow.KindSignIn, h.opts), http.StatusFound)
		return
	}
	http.Redirect(w, r, surfaceFor(flow.KindSignIn).path, http.StatusFound)
}

// Page renders the current step of the browser's flow of kind.
func (h *FlowHandlers) Page(kind flow.Kind) http.HandlerFunc {
	s := surfaceFor(kind)
	return func(w http.ResponseWriter, r *http.Request) {
		if h.sessions.SignedIn(r) {
			http.Redirect(w, r, controller.AfterCompletionURL(flow.KindSignIn, h.opts), http.StatusFound)
			return
		}

		_, ctrl, err := h.flowFor(w, r, s)
		if err != nil {
			h.internalError(w, "Failed to load flow", err)
			return
		}
		token, err := h.csrfToken(w, r)
		if err != nil {
			h.internalError(w, "Failed to generate CSRF token", err)
			return
		}

		data := PageData{
			AppName:   h.appName,
			Title:     s.title,
			Kind:      s.kind,
			Path:      s.path,
			View:      ctrl.View(),
			CSRFToken: token,
			Providers: h.providers,
		}
		if code := r.URL.Query().Get("error"); code != "" {
			data.Error = callbackMessage(code)
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := pageTemplate.ExecuteTemplate(w, "page", data); err != nil {
			log.LogErrorWithFields("flow_handlers", "Failed to render page", map[string]any{
				"kind":  s.kind,
				"error": err.Error(),
			})
		}
	}
}

// Submit handles a form post for the current step.
func (h *FlowHandlers) Submit(kind flow.Kind) http.HandlerFunc {
	s := surfaceFor(kind)
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.parseForm(w, r) {
			return
		}
		id, ctrl, err := h.flowFor(w, r, s)
		if err != nil {
			h.internalError(w, "Failed to load flow", err)
			return
		}

		step := flow.Step(r.PostFormValue("step"))
		fields := make(map[string]string)
		for _, name := range kind.Fields(step) {
			values, ok := r.PostForm[name]
			if !ok || len(values) == 0 {
				continue
			}
			// Pages never echo passwords back, so an empty one keeps what
			// the user already entered on this step.
			if flow.IsSecret(name) && values[0] == "" {
				continue
			}
			fields[name] = values[0]
		}

		out := ctrl.OnSubmit(r.Context(), step, fields)
		h.logOutcome(s.kind, "submit", out)
		h.finishPage(w, r, s, id, ctrl, out)
	}
}

// Resend asks for a new verification code.
func (h *FlowHandlers) Resend(kind flow.Kind) http.HandlerFunc {
	s := surfaceFor(kind)
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.parseForm(w, r) {
			return
		}
		id, ctrl, err := h.flowFor(w, r, s)
		if err != nil {
			h.internalError(w, "Failed to load flow", err)
			return
		}

		out := ctrl.OnResend(r.Context(), flow.Step(r.PostFormValue("step")))
		h.logOutcome(s.kind, "resend", out)
		h.finishPage(w, r, s, id, ctrl, out)
	}
}

// BeginRedirect starts the OAuth redirect exit with the provider named in
// the path.
func (h *FlowHandlers) BeginRedirect(kind flow.Kind) http.HandlerFunc {
	s := surfaceFor(kind)
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.parseForm(w, r) {
			return
		}
		id, ctrl, err := h.flowFor(w, r, s)
		if err != nil {
			h.internalError(w, "Failed to load flow", err)
			return
		}

		out := ctrl.OnRedirect(r.Context(), r.PathValue("provider"), h.callbackURL(s))
		h.logOutcome(s.kind, "redirect", out)
		h.finishPage(w, r, s, id, ctrl, out)
	}
}

// Callback completes the OAuth redirect exit. No flow is consulted; the
// provider's parameters carry everything needed.
func (h *FlowHandlers) Callback(kind flow.Kind) http.HandlerFunc {
	s := surfaceFor(kind)
	return func(w http.ResponseWriter, r *http.Request) {
		completion, err := controller.CompleteRedirect(r.Context(), kind, r.URL.Query(), h.opts)
		if err != nil {
			code := codeCallbackFailed
			if pe, ok := flow.AsProviderError(err); ok && pe.Code != "" {
				code = pe.Code
			}
			log.LogWarnWithFields("flow_handlers", "Redirect callback failed", map[string]any{
				"kind":  kind,
				"code":  code,
				"error": err.Error(),
			})
			http.Redirect(w, r, s.path+"?error="+url.QueryEscape(code), http.StatusFound)
			return
		}

		h.sessions.Issue(w, completion.SessionToken)
		cookie.ClearFlow(w)
		http.Redirect(w, r, completion.RedirectTo, http.StatusFound)
	}
}

// SignOut clears the session cookie.
func (h *FlowHandlers) SignOut(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	h.sessions.Clear(w)
	cookie.ClearFlow(w)
	http.Redirect(w, r, surfaceFor(flow.KindSignIn).path, http.StatusSeeOther)
}

// finishPage persists the flow and picks where the browser goes next.
func (h *FlowHandlers) finishPage(w http.ResponseWriter, r *http.Request, s surface, id string, ctrl *controller.Controller, out flow.Outcome) {
	target := s.path
	switch out.Kind {
	case flow.OutcomeCompleted:
		h.sessions.Issue(w, ctrl.SessionToken())
		cookie.ClearFlow(w)
		target = ctrl.View().RedirectTo
	case flow.OutcomeRedirect:
		// The callback never resumes this flow
		ctrl.Discard()
		cookie.ClearFlow(w)
		target = out.RedirectURL
	}
	h.save(r.Context(), id, ctrl)
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// flowFor returns the browser's flow of kind, starting one if needed.
func (h *FlowHandlers) flowFor(w http.ResponseWriter, r *http.Request, s surface) (string, *controller.Controller, error) {
	current, _ := cookie.GetFlow(r)
	id, ctrl, err := h.hub.Resolve(r.Context(), current, s.kind)
	if err != nil {
		return "", nil, err
	}
	if id != current {
		cookie.SetFlow(w, id, h.flowTTL)
	}
	return id, ctrl, nil
}

// save persists the flow even when the browser has gone away.
func (h *FlowHandlers) save(ctx context.Context, id string, ctrl *controller.Controller) {
	if err := h.hub.Save(context.WithoutCancel(ctx), id, ctrl); err != nil {
		log.LogErrorWithFields("flow_handlers", "Failed to save flow", map[string]any{
			"flow":  id,
			"error": err.Error(),
		})
	}
}

func (h *FlowHandlers) callbackURL(s surface) string {
	return h.baseURL + s.path + "/sso-callback"
}

// csrfToken reuses the browser's CSRF cookie while it is valid.
func (h *FlowHandlers) csrfToken(w http.ResponseWriter, r *http.Request) (string, error) {
	if existing, err := cookie.GetCSRF(r); err == nil && h.csrf.Validate(existing) {
		return existing, nil
	}
	token, err := h.csrf.Generate()
	if err != nil {
		return "", err
	}
	cookie.SetCSRF(w, token, csrfTTL)
	return token, nil
}

func (h *FlowHandlers) validCSRF(r *http.Request, submitted string) bool {
	fromCookie, _ := cookie.GetCSRF(r)
	return h.csrf.ValidatePair(fromCookie, submitted)
}

// parseForm bounds and parses a form post and checks its CSRF token.
func (h *FlowHandlers) parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		jsonwriter.WriteBadRequest(w, "Bad request")
		return false
	}
	if !h.validCSRF(r, r.PostFormValue(csrfFormField)) {
		jsonwriter.WriteForbidden(w, "Invalid CSRF token")
		return false
	}
	return true
}

func (h *FlowHandlers) logOutcome(kind flow.Kind, op string, out flow.Outcome) {
	fields := map[string]any{
		"kind":    kind,
		"op":      op,
		"step":    out.Step,
		"outcome": out.Kind,
	}
	if out.Failure != nil && out.Failure.ProviderCode != "" {
		fields["providerCode"] = out.Failure.ProviderCode
	}
	log.LogDebugWithFields("flow_handlers", "Flow operation", fields)
}

func (h *FlowHandlers) internalError(w http.ResponseWriter, msg string, err error) {
	log.LogErrorWithFields("flow_handlers", msg, map[string]any{
		"error": err.Error(),
	})
	jsonwriter.WriteInternalServerError(w, "Internal server error")
}
