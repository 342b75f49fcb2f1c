package server

import (
	"errors"
	"net/http"

	"github.com/dgellow/authfront/internal/controller"
	"github.com/dgellow/authfront/internal/cookie"
	"github.com/dgellow/authfront/internal/flow"
	"github.com/dgellow/authfront/internal/ioutil"
	jsonwriter "github.com/dgellow/authfront/internal/json"
)

// flowRequest is the body of every JSON flow operation. Each operation reads
// only the members it needs.
type flowRequest struct {
	Step     flow.Step         `json:"step"`
	Fields   map[string]string `json:"fields"`
	Name     string            `json:"name"`
	Value    string            `json:"value"`
	Provider string            `json:"provider"`
}

// flowResponse is the body of every successful JSON flow reply.
type flowResponse struct {
	Outcome   flow.OutcomeKind `json:"outcome,omitempty"`
	View      controller.View  `json:"view"`
	CSRFToken string           `json:"csrfToken,omitempty"`
}

// APIGetFlow returns the projection of the browser's flow and the CSRF token
// later calls must echo in the X-CSRF-Token header.
func (h *FlowHandlers) APIGetFlow(w http.ResponseWriter, r *http.Request) {
	s, ok := surfaceBySlug(r.PathValue("kind"))
	if !ok {
		jsonwriter.WriteNotFound(w, "Unknown flow kind")
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
	_ = jsonwriter.Write(w, flowResponse{View: ctrl.View(), CSRFToken: token})
}

// APIFieldChange records an unsubmitted edit.
func (h *FlowHandlers) APIFieldChange(w http.ResponseWriter, r *http.Request) {
	s, req, ok := h.decodeAPI(w, r)
	if !ok {
		return
	}
	if req.Name == "" {
		jsonwriter.WriteBadRequest(w, "Field name is required")
		return
	}
	_, ctrl, err := h.flowFor(w, r, s)
	if err != nil {
		h.internalError(w, "Failed to load flow", err)
		return
	}
	ctrl.OnFieldChange(req.Name, req.Value)
	_ = jsonwriter.Write(w, flowResponse{View: ctrl.View()})
}

// APISubmit submits the fields of a step.
func (h *FlowHandlers) APISubmit(w http.ResponseWriter, r *http.Request) {
	s, req, ok := h.decodeAPI(w, r)
	if !ok {
		return
	}
	id, ctrl, err := h.flowFor(w, r, s)
	if err != nil {
		h.internalError(w, "Failed to load flow", err)
		return
	}
	out := ctrl.OnSubmit(r.Context(), req.Step, req.Fields)
	h.logOutcome(s.kind, "submit", out)
	h.finishAPI(w, r, id, ctrl, out)
}

// APIResend asks for a new verification code.
func (h *FlowHandlers) APIResend(w http.ResponseWriter, r *http.Request) {
	s, req, ok := h.decodeAPI(w, r)
	if !ok {
		return
	}
	id, ctrl, err := h.flowFor(w, r, s)
	if err != nil {
		h.internalError(w, "Failed to load flow", err)
		return
	}
	out := ctrl.OnResend(r.Context(), req.Step)
	h.logOutcome(s.kind, "resend", out)
	h.finishAPI(w, r, id, ctrl, out)
}

// APIRedirect starts the OAuth redirect exit. The provider address comes
// back in view.redirectTo.
func (h *FlowHandlers) APIRedirect(w http.ResponseWriter, r *http.Request) {
	s, req, ok := h.decodeAPI(w, r)
	if !ok {
		return
	}
	id, ctrl, err := h.flowFor(w, r, s)
	if err != nil {
		h.internalError(w, "Failed to load flow", err)
		return
	}
	out := ctrl.OnRedirect(r.Context(), req.Provider, h.callbackURL(s))
	h.logOutcome(s.kind, "redirect", out)
	h.finishAPI(w, r, id, ctrl, out)
}

func (h *FlowHandlers) finishAPI(w http.ResponseWriter, r *http.Request, id string, ctrl *controller.Controller, out flow.Outcome) {
	view := ctrl.View()
	switch out.Kind {
	case flow.OutcomeInvalid:
		jsonwriter.WriteValidationError(w, view.FieldErrors)
		return
	case flow.OutcomeBusy:
		jsonwriter.WriteConflict(w, "A request for this flow is already in progress")
		return
	case flow.OutcomeCompleted:
		h.sessions.Issue(w, ctrl.SessionToken())
		cookie.ClearFlow(w)
	case flow.OutcomeRedirect:
		ctrl.Discard()
		cookie.ClearFlow(w)
	}
	h.save(r.Context(), id, ctrl)
	_ = jsonwriter.Write(w, flowResponse{Outcome: out.Kind, View: view})
}

// decodeAPI resolves the flow kind, checks the CSRF header and decodes the
// body.
func (h *FlowHandlers) decodeAPI(w http.ResponseWriter, r *http.Request) (surface, flowRequest, bool) {
	var req flowRequest
	s, ok := surfaceBySlug(r.PathValue("kind"))
	if !ok {
		jsonwriter.WriteNotFound(w, "Unknown flow kind")
		return s, req, false
	}
	if !h.validCSRF(r, r.Header.Get(csrfHeader)) {
		jsonwriter.WriteForbidden(w, "Invalid CSRF token")
		return s, req, false
	}
	if err := ioutil.DecodeLimited(r.Body, maxFormBytes, &req); err != nil {
		if errors.Is(err, ioutil.ErrTooLarge) {
			jsonwriter.WriteError(w, http.StatusRequestEntityTooLarge, "too_large", "Request body too large")
			return s, req, false
		}
		jsonwriter.WriteBadRequest(w, "Invalid JSON body")
		return s, req, false
	}
	return s, req, true
}
