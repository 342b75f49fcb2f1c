// Package flow implements the step machine behind the sign-in, sign-up and
// password-reset ceremonies. A Machine owns one flow's State, admits a single
// in-flight provider request at a time, and decides the next step from the
// Gateway's reply.
package flow

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Kind identifies which ceremony a flow runs. It is fixed at creation.
type Kind string

const (
	KindSignIn        Kind = "sign_in"
	KindSignUp        Kind = "sign_up"
	KindPasswordReset Kind = "password_reset"
)

// Step is a position within a flow's step sequence.
type Step string

const (
	StepCredentials       Step = "credentials"
	StepEmailVerification Step = "email_verification"
	StepRequestCode       Step = "request_code"
	StepResetWithCode     Step = "reset_with_code"
)

// Field names shared by the validator, the machine and the HTML forms.
const (
	FieldEmail           = "email"
	FieldPassword        = "password"
	FieldConfirmPassword = "confirmPassword"
	FieldCode            = "code"
)

// Status is the admission state of a flow.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusSubmitting  Status = "submitting"
	StatusError       Status = "error"
	StatusRedirecting Status = "redirecting"
	StatusComplete    Status = "complete"
)

var kindSteps = map[Kind][]Step{
	KindSignIn:        {StepCredentials},
	KindSignUp:        {StepCredentials, StepEmailVerification},
	KindPasswordReset: {StepRequestCode, StepResetWithCode},
}

// ParseKind converts a wire or path value into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown flow kind: %q", s)
	}
	return k, nil
}

// Valid reports whether k is a known flow kind.
func (k Kind) Valid() bool {
	_, ok := kindSteps[k]
	return ok
}

// Steps returns the ordered step sequence of the flow kind.
func (k Kind) Steps() []Step {
	return slices.Clone(kindSteps[k])
}

// First returns the step a new flow starts on.
func (k Kind) First() Step {
	steps := kindSteps[k]
	if len(steps) == 0 {
		return ""
	}
	return steps[0]
}

// Position returns the ordinal of step within k, or -1.
func (k Kind) Position(step Step) int {
	return slices.Index(kindSteps[k], step)
}

// next returns the step after step. ok is false when step is the last one.
func (k Kind) next(step Step) (Step, bool) {
	steps := kindSteps[k]
	i := slices.Index(steps, step)
	if i < 0 || i+1 >= len(steps) {
		return "", false
	}
	return steps[i+1], true
}

// SupportsRedirect reports whether the OAuth redirect exit is offered.
func (k Kind) SupportsRedirect() bool {
	return k == KindSignIn || k == KindSignUp
}

// Resendable reports whether step is the target of a code challenge.
func (k Kind) Resendable(step Step) bool {
	return (k == KindSignUp && step == StepEmailVerification) ||
		(k == KindPasswordReset && step == StepResetWithCode)
}

// Fields lists the input fields collected at step.
func (k Kind) Fields(step Step) []string {
	switch {
	case k == KindSignIn && step == StepCredentials:
		return []string{FieldEmail, FieldPassword}
	case k == KindSignUp && step == StepCredentials:
		return []string{FieldEmail, FieldPassword, FieldConfirmPassword}
	case k == KindSignUp && step == StepEmailVerification:
		return []string{FieldCode}
	case k == KindPasswordReset && step == StepRequestCode:
		return []string{FieldEmail}
	case k == KindPasswordReset && step == StepResetWithCode:
		return []string{FieldCode, FieldPassword, FieldConfirmPassword}
	}
	return nil
}

// IsSecret reports whether a field value must never leave the server in a
// rendered view or a log line.
func IsSecret(field string) bool {
	return field == FieldPassword || field == FieldConfirmPassword
}

// Failure is the last error recorded on a flow.
type Failure struct {
	Field        string `json:"field,omitempty"`
	Message      string `json:"message"`
	ProviderCode string `json:"providerCode,omitempty"`
}

// State is the mutable aggregate owned by one Machine.
type State struct {
	Kind         Kind              `json:"kind"`
	Step         Step              `json:"step"`
	Fields       map[string]string `json:"fields"`
	Status       Status            `json:"status"`
	LastError    *Failure          `json:"lastError,omitempty"`
	SessionToken string            `json:"sessionToken,omitempty"`
	// Attempt is the provider's continuation id for the pending code challenge.
	Attempt   string    `json:"attempt,omitempty"`
	Notice    string    `json:"notice,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func newState(kind Kind, now time.Time) State {
	return State{
		Kind:      kind,
		Step:      kind.First(),
		Fields:    make(map[string]string),
		Status:    StatusIdle,
		UpdatedAt: now,
	}
}

func (s State) clone() State {
	c := s
	c.Fields = maps.Clone(s.Fields)
	if c.Fields == nil {
		c.Fields = make(map[string]string)
	}
	if s.LastError != nil {
		f := *s.LastError
		c.LastError = &f
	}
	return c
}

// check verifies the structural invariants of a state loaded from elsewhere.
func (s State) check() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("unknown flow kind: %q", s.Kind)
	}
	if s.Kind.Position(s.Step) < 0 {
		return fmt.Errorf("step %q does not belong to %s", s.Step, s.Kind)
	}
	if (s.Status == StatusComplete) != (s.SessionToken != "") {
		return fmt.Errorf("session token must be set exactly when the flow is complete")
	}
	return nil
}
